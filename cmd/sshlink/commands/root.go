package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openfroyo/sshlink/pkg/registry"
	"github.com/openfroyo/sshlink/pkg/transports/ssh"
)

// ExitError carries the exit status of a remote command out of Execute.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", e.Code)
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// app holds the settings shared by all subcommands. Values resolve from
// flags, then SSHLINK_* environment variables, then the config file.
type app struct {
	v          *viper.Viper
	configPath string
	version    string
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	a := &app{v: viper.New(), version: version}

	rootCmd := &cobra.Command{
		Use:   "sshlink",
		Short: "sshlink - SSH command execution and file transfer",
		Long: `sshlink runs commands and moves files over SSH.

Features:
  - Command execution with exit status, optional PTY and streamed output
  - SFTP file operations with atomic downloads and SHA-256 checksums
  - SCP uploads and downloads
  - Named connection profiles with automatic reconnect
  - Directory polling jobs with a processed-file journal`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}

	// Persistent flags available to all commands
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file path (default $XDG_CONFIG_HOME/sshlink/config.yaml)")
	flags.StringP("host", "H", "", "remote host")
	flags.IntP("port", "p", 22, "SSH port")
	flags.StringP("user", "u", os.Getenv("USER"), "SSH user")
	flags.String("password", "", "SSH password")
	flags.StringP("key", "i", "", "private key file")
	flags.String("passphrase", "", "private key passphrase")
	flags.Bool("agent", false, "use keys from $SSH_AUTH_SOCK")
	flags.String("known-hosts", filepath.Join(homeDir(), ".ssh", "known_hosts"), "known_hosts file")
	flags.Bool("insecure", false, "accept any host key")
	flags.Duration("timeout", 30*time.Second, "timeout for connect and each operation")
	flags.StringP("profile", "P", "", "connection profile name")
	flags.String("profiles", filepath.Join(configDir(), "profiles.yaml"), "profile file")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	_ = a.v.BindPFlags(flags)

	// Add subcommands
	rootCmd.AddCommand(newExecCommand(a))
	rootCmd.AddCommand(newBatchCommand(a))
	rootCmd.AddCommand(newScriptCommand(a))
	rootCmd.AddCommand(newLsCommand(a))
	rootCmd.AddCommand(newStatCommand(a))
	rootCmd.AddCommand(newCatCommand(a))
	rootCmd.AddCommand(newGetCommand(a))
	rootCmd.AddCommand(newPutCommand(a))
	rootCmd.AddCommand(newRmCommand(a))
	rootCmd.AddCommand(newMvCommand(a))
	rootCmd.AddCommand(newMkdirCommand(a))
	rootCmd.AddCommand(newRmdirCommand(a))
	rootCmd.AddCommand(newChmodCommand(a))
	rootCmd.AddCommand(newScpCommand(a))
	rootCmd.AddCommand(newProfilesCommand(a))
	rootCmd.AddCommand(newPollCommand(a))
	rootCmd.AddCommand(newJournalCommand(a))
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// init reads the config file and applies the log level.
func (a *app) init() error {
	// Environment variables use the SSHLINK_ prefix and underscores
	// Example: SSHLINK_KNOWN_HOSTS=/etc/ssh/known_hosts
	a.v.SetEnvPrefix("SSHLINK")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if a.configPath != "" {
		a.v.SetConfigFile(a.configPath)
	} else {
		a.v.AddConfigPath(configDir())
		a.v.SetConfigName("config")
		a.v.SetConfigType("yaml")
	}
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || a.configPath != "" {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if level := a.v.GetString("log-level"); level != "" {
		parsed, err := zerolog.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q", level)
		}
		zerolog.SetGlobalLevel(parsed)
	}
	return nil
}

func (a *app) timeout() time.Duration {
	return a.v.GetDuration("timeout")
}

// sshConfig builds a connection config from flags, environment and config file.
func (a *app) sshConfig() (*ssh.Config, error) {
	cfg := ssh.DefaultConfig(a.v.GetString("host"), a.v.GetString("user"))
	cfg.Port = a.v.GetInt("port")
	cfg.Password = a.v.GetString("password")
	cfg.PrivateKeyPath = a.v.GetString("key")
	cfg.PrivateKeyPassphrase = a.v.GetString("passphrase")
	cfg.UseAgent = a.v.GetBool("agent")
	cfg.KnownHostsPath = a.v.GetString("known-hosts")
	cfg.StrictHostKeyChecking = !a.v.GetBool("insecure")
	if t := a.timeout(); t > 0 {
		cfg.ConnectionTimeout = t
		cfg.CommandTimeout = t
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// registry loads the profile file into a fresh registry.
func (a *app) registry() (*registry.Registry, error) {
	r := registry.New(log.Logger)
	if err := r.Load(a.v.GetString("profiles")); err != nil {
		return nil, err
	}
	return r, nil
}

// connect returns a connected session for --profile or the connection
// flags. The returned func disconnects it.
func (a *app) connect() (*ssh.Session, func(), error) {
	timeout := a.timeout()

	if name := a.v.GetString("profile"); name != "" {
		r, err := a.registry()
		if err != nil {
			return nil, nil, err
		}
		s, err := r.Get(name, timeout)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = r.CloseAll(timeout) }, nil
	}

	cfg, err := a.sshConfig()
	if err != nil {
		return nil, nil, err
	}
	s, err := ssh.NewSession(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Connect(timeout); err != nil {
		return nil, nil, err
	}
	return s, func() {
		if err := s.Disconnect(cfg.DisconnectTimeout); err != nil {
			log.Debug().Err(err).Msg("disconnect")
		}
	}, nil
}

// withSftp runs fn with the SFTP session of a fresh connection.
func (a *app) withSftp(fn func(f *ssh.SftpSession) error) error {
	s, closeFn, err := a.connect()
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(s.Sftp())
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "sshlink")
	}
	return filepath.Join(homeDir(), ".config", "sshlink")
}

func dataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "sshlink")
	}
	return filepath.Join(homeDir(), ".local", "share", "sshlink")
}
