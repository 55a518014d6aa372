package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/sshlink/pkg/transports/ssh"
)

const scpChunk = 32 * 1024

func newScpCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scp",
		Short: "Copy files with the SCP protocol",
		Long: `Copy single files with the SCP protocol, for servers without an SFTP
subsystem. Modification and access times are preserved.`,
	}

	cmd.AddCommand(newScpGetCommand(a))
	cmd.AddCommand(newScpPutCommand(a))

	return cmd
}

func newScpGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "get REMOTE [LOCAL]",
		Short:   "Download a file",
		Example: `  sshlink scp get -H 10.0.0.5 -u admin /etc/hosts ./hosts`,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := args[0]
			local := path.Base(remote)
			if len(args) == 2 {
				local = args[1]
			}
			if info, err := os.Stat(local); err == nil && info.IsDir() {
				local = filepath.Join(local, path.Base(remote))
			}

			s, closeFn, err := a.connect()
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := scpDownload(s, remote, local, a.timeout())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %d bytes\n", local, n)
			return nil
		},
	}
}

func newScpPutCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "put LOCAL REMOTE",
		Short:   "Upload a file",
		Example: `  sshlink scp put -P web ./app.tar.gz /tmp/`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, remote := args[0], args[1]
			if remote == "" || remote[len(remote)-1] == '/' {
				remote = path.Join(remote, filepath.Base(local))
			}

			s, closeFn, err := a.connect()
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := scpUpload(s, local, remote, a.timeout())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %d bytes\n", remote, n)
			return nil
		},
	}
}

// scpDownload copies remote into local through a temporary file and applies
// the remote mode and times.
func scpDownload(s *ssh.Session, remote, local string, timeout time.Duration) (int64, error) {
	c, meta, err := s.ScpGet(remote, timeout)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	tmp, err := os.CreateTemp(filepath.Dir(local), "."+filepath.Base(local)+".*")
	if err != nil {
		return 0, fmt.Errorf("failed to create local file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var n int64
	for n < meta.Size {
		data, err := c.Read(scpChunk, timeout)
		if len(data) > 0 {
			if _, werr := tmp.Write(data); werr != nil {
				_ = tmp.Close()
				return n, fmt.Errorf("failed to write local file: %w", werr)
			}
			n += int64(len(data))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = tmp.Close()
			return n, err
		}
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("failed to close local file: %w", err)
	}
	if n != meta.Size {
		return n, fmt.Errorf("scp download of %s ended after %d of %d bytes", remote, n, meta.Size)
	}
	if err := c.Close(); err != nil {
		return n, err
	}

	if err := os.Chmod(tmp.Name(), meta.Mode.Perm()); err != nil {
		return n, fmt.Errorf("failed to set mode: %w", err)
	}
	if !meta.Mtime.IsZero() {
		if err := os.Chtimes(tmp.Name(), meta.Atime, meta.Mtime); err != nil {
			return n, fmt.Errorf("failed to set times: %w", err)
		}
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		return n, fmt.Errorf("failed to move local file into place: %w", err)
	}
	return n, nil
}

// scpUpload sends local to remote keeping its mode and times.
func scpUpload(s *ssh.Session, local, remote string, timeout time.Duration) (int64, error) {
	file, err := os.Open(local)
	if err != nil {
		return 0, fmt.Errorf("failed to open local file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat local file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", local)
	}

	c, err := s.ScpPut(remote, info.Size(), info.Mode().Perm(), info.ModTime(), info.ModTime(), timeout)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	var n int64
	buf := make([]byte, scpChunk)
	for {
		m, rerr := file.Read(buf)
		if m > 0 {
			if _, err := c.Write(buf[:m], timeout); err != nil {
				return n, err
			}
			n += int64(m)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return n, fmt.Errorf("failed to read local file: %w", rerr)
		}
	}

	if err := c.SendEOF(); err != nil {
		return n, err
	}
	return n, c.Close()
}
