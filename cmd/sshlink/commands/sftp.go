package commands

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/sshlink/pkg/transports/ssh"
)

func newLsCommand(a *app) *cobra.Command {
	var (
		long bool
		all  bool
	)

	cmd := &cobra.Command{
		Use:   "ls [PATH]",
		Short: "List a remote directory",
		Example: `  sshlink ls -P web /var/log
  sshlink ls -P web -l /var/log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return a.withSftp(func(f *ssh.SftpSession) error {
				files, err := f.ListFull(dir, a.timeout())
				if err != nil {
					return err
				}
				files = visible(files, all)
				sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

				if !long {
					for _, file := range files {
						fmt.Fprintln(cmd.OutOrStdout(), file.Name)
					}
					return nil
				}
				printTable(cmd.OutOrStdout(), []string{"Mode", "UID", "GID", "Size", "Modified", "Name"}, fileRows(files))
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&long, "long", "l", false, "long listing")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include entries starting with a dot")

	return cmd
}

func visible(files []*ssh.FileStat, all bool) []*ssh.FileStat {
	if all {
		return files
	}
	out := files[:0]
	for _, f := range files {
		if len(f.Name) > 0 && f.Name[0] == '.' {
			continue
		}
		out = append(out, f)
	}
	return out
}

func newStatCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stat PATH",
		Short: "Show remote file attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSftp(func(f *ssh.SftpSession) error {
				st, err := f.Stat(args[0], a.timeout())
				if err != nil {
					return err
				}
				if st == nil {
					return fmt.Errorf("%s: no such file or directory", args[0])
				}
				printPairs(cmd.OutOrStdout(), statPairs(st))
				return nil
			})
		},
	}
}

func newCatCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cat PATH",
		Short: "Print a remote file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSftp(func(f *ssh.SftpSession) error {
				_, err := f.Get(args[0], cmd.OutOrStdout(), a.timeout())
				return err
			})
		},
	}
}

func newGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get REMOTE [LOCAL]",
		Short: "Download a file over SFTP",
		Long: `Download a remote file. The local file only appears once the download
completed. LOCAL defaults to the remote file name in the current directory;
an existing directory receives the file under its remote name.`,
		Example: `  sshlink get -P web /var/log/app.log
  sshlink get -P web /etc/app.conf ./backup/`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := args[0]
			local := path.Base(remote)
			if len(args) == 2 {
				local = args[1]
			}
			if info, err := os.Stat(local); err == nil && info.IsDir() {
				local = filepath.Join(local, path.Base(remote))
			}

			return a.withSftp(func(f *ssh.SftpSession) error {
				result, err := f.RetrieveFile(remote, local, a.timeout())
				if err != nil {
					return err
				}
				printTransfer(cmd, local, result)
				return nil
			})
		},
	}
}

func newPutCommand(a *app) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "put LOCAL REMOTE",
		Short: "Upload a file over SFTP",
		Long: `Upload a local file. A REMOTE ending in "/" receives the file under its
local name.`,
		Example: `  sshlink put -P web ./app.conf /etc/app/
  sshlink put -P web ./run.sh /usr/local/bin/run --mode 0755`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, remote := args[0], args[1]
			if remote == "" || remote[len(remote)-1] == '/' {
				remote = path.Join(remote, filepath.Base(local))
			}
			perm, err := parseMode(mode)
			if err != nil {
				return err
			}

			return a.withSftp(func(f *ssh.SftpSession) error {
				result, err := f.TransferFile(local, remote, perm, a.timeout())
				if err != nil {
					return err
				}
				printTransfer(cmd, remote, result)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", "0644", "remote file mode (octal)")

	return cmd
}

func printTransfer(cmd *cobra.Command, dest string, result *ssh.FileTransferResult) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %d bytes  %s  sha256:%s\n",
		dest, result.BytesTransferred, result.Duration.Round(time.Millisecond), result.Checksum)
}

func newRmCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm PATH...",
		Short: "Remove remote files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSftp(func(f *ssh.SftpSession) error {
				for _, p := range args {
					if err := f.Remove(p, a.timeout()); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newMvCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mv OLD NEW",
		Short: "Rename a remote file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSftp(func(f *ssh.SftpSession) error {
				return f.Rename(args[0], args[1], a.timeout())
			})
		},
	}
}

func newMkdirCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir PATH...",
		Short: "Create remote directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSftp(func(f *ssh.SftpSession) error {
				for _, p := range args {
					if err := f.Mkdir(p, a.timeout()); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newRmdirCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rmdir PATH...",
		Short: "Remove empty remote directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSftp(func(f *ssh.SftpSession) error {
				for _, p := range args {
					if err := f.Rmdir(p, a.timeout()); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newChmodCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "chmod MODE PATH...",
		Short:   "Change remote file modes",
		Example: `  sshlink chmod -P web 0600 /etc/app/secret.conf`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			perm, err := parseMode(args[0])
			if err != nil {
				return err
			}
			return a.withSftp(func(f *ssh.SftpSession) error {
				for _, p := range args[1:] {
					if err := f.Chmod(p, perm, a.timeout()); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func parseMode(s string) (os.FileMode, error) {
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil || n > 0o777 {
		return 0, fmt.Errorf("invalid mode %q: want octal permission bits such as 0644", s)
	}
	return os.FileMode(n), nil
}
