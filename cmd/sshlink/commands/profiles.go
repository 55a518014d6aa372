package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/sshlink/pkg/registry"
)

func newProfilesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Connection profile management",
		Long: `Inspect the connection profiles read from the profile file.

A profile file looks like:

  profiles:
    - name: web
      host: 10.0.0.5
      user: deploy
      private_key: ~/.ssh/id_ed25519
      keepalive_interval: 30s`,
	}

	cmd.AddCommand(newProfilesListCommand(a))
	cmd.AddCommand(newProfilesCheckCommand(a))

	return cmd
}

func newProfilesListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.registry()
			if err != nil {
				return err
			}

			rows := [][]string{}
			for _, name := range r.Names() {
				p, _ := r.Profile(name)
				rows = append(rows, []string{
					p.Name,
					p.Config.Address(),
					p.Config.User,
					authSummary(p),
					strconv.FormatBool(p.Config.StrictHostKeyChecking),
				})
			}
			printTable(cmd.OutOrStdout(), []string{"Name", "Address", "User", "Auth", "Strict"}, rows)
			return nil
		},
	}
}

func authSummary(p *registry.Profile) string {
	var methods []string
	if p.Config.PrivateKeyPath != "" {
		methods = append(methods, "key")
	}
	if p.Config.UseAgent {
		methods = append(methods, "agent")
	}
	if p.Config.Password != "" {
		methods = append(methods, "password")
	}
	if len(methods) == 0 {
		return "-"
	}
	return strings.Join(methods, ",")
}

func newProfilesCheckCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check [NAME...]",
		Short: "Connect to profiles and report the result",
		Long: `Connect to each named profile, or to all profiles, and print the server
version and the authentication method that succeeded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.registry()
			if err != nil {
				return err
			}
			defer r.CloseAll(a.timeout())

			names := args
			if len(names) == 0 {
				names = r.Names()
			}

			rows := make([][]string, 0, len(names))
			failed := 0
			for _, name := range names {
				s, err := r.Get(name, a.timeout())
				if err != nil {
					failed++
					rows = append(rows, []string{name, "error", "-", err.Error()})
					continue
				}
				info := s.Info()
				rows = append(rows, []string{name, "ok", info.AuthMethod, info.ServerVersion})
			}
			printTable(cmd.OutOrStdout(), []string{"Profile", "Status", "Auth", "Server"}, rows)

			if failed > 0 {
				return fmt.Errorf("%d of %d profiles failed", failed, len(names))
			}
			return nil
		},
	}
}
