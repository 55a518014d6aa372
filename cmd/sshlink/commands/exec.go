package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/sshlink/pkg/transports/ssh"
)

func newExecCommand(a *app) *cobra.Command {
	var (
		pty   bool
		term  string
		stdin bool
	)

	cmd := &cobra.Command{
		Use:   "exec -- COMMAND [ARGS...]",
		Short: "Run a command on the remote host",
		Long: `Run a command on the remote host and exit with its status.

By default output is collected and printed when the command finishes. With
--pty or --stdin the output is streamed as it arrives.`,
		Example: `  # Run a command
  sshlink exec -H 10.0.0.5 -u deploy -- uname -a

  # Use a profile and a pseudo-terminal
  sshlink exec -P web --pty -- top -b -n 1

  # Feed standard input to the remote command
  tar cz ./site | sshlink exec -P web --stdin -- tar xz -C /srv`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")
			s, closeFn, err := a.connect()
			if err != nil {
				return err
			}
			defer closeFn()

			if !pty && !stdin {
				result, err := s.Run(command, a.timeout())
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), result.Stdout)
				fmt.Fprint(cmd.ErrOrStderr(), result.Stderr)
				return exitStatus(result.ExitCode)
			}

			var ptyTerm string
			if pty {
				ptyTerm = term
			}
			var in io.Reader
			if stdin {
				in = cmd.InOrStdin()
			}
			return a.stream(cmd, s, command, ptyTerm, in)
		},
	}

	cmd.Flags().BoolVarP(&pty, "pty", "t", false, "request a pseudo-terminal")
	cmd.Flags().StringVar(&term, "term", envOr("TERM", "xterm"), "terminal type for --pty")
	cmd.Flags().BoolVar(&stdin, "stdin", false, "forward standard input")

	return cmd
}

// stream runs command on a channel and copies its output as it arrives.
// Commands run until they exit; the timeout only bounds each read.
func (a *app) stream(cmd *cobra.Command, s *ssh.Session, command, term string, in io.Reader) error {
	timeout := a.timeout()

	c, err := s.OpenChannel(timeout)
	if err != nil {
		return err
	}
	defer c.Close()

	if term != "" {
		if err := c.RequestPty(term, timeout); err != nil {
			return err
		}
	}
	if err := c.Exec(command, timeout); err != nil {
		return err
	}

	if in != nil {
		go func() {
			buf := make([]byte, 32*1024)
			for {
				n, rerr := in.Read(buf)
				if n > 0 {
					if _, err := c.Write(buf[:n], 0); err != nil {
						log.Debug().Err(err).Msg("forwarding stdin")
						return
					}
				}
				if rerr != nil {
					_ = c.SendEOF()
					return
				}
			}
		}()
	}

	errDone := make(chan struct{})
	go func() {
		defer close(errDone)
		copyStream(cmd.ErrOrStderr(), func() ([]byte, error) { return c.ReadStderr(32*1024, 0) })
	}()
	copyStream(cmd.OutOrStdout(), func() ([]byte, error) { return c.Read(32*1024, 0) })
	<-errDone

	if err := c.Close(); err != nil {
		return err
	}
	if sig := c.ExitSignal(); sig != "" {
		return fmt.Errorf("remote command killed by signal %s", sig)
	}
	return exitStatus(c.ExitStatus())
}

// copyStream writes chunks from read to w until end of stream. Timeouts
// only mean the command is quiet.
func copyStream(w io.Writer, read func() ([]byte, error)) {
	for {
		data, err := read()
		if len(data) > 0 {
			_, _ = w.Write(data)
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return
		case ssh.IsTimeout(err):
		default:
			log.Debug().Err(err).Msg("reading remote output")
			return
		}
	}
}

func newBatchCommand(a *app) *cobra.Command {
	var stopOnError bool

	cmd := &cobra.Command{
		Use:   "batch COMMAND...",
		Short: "Run several commands in order",
		Long: `Run each argument as a separate command on one connection and print
a summary table of exit codes and durations.`,
		Example: `  sshlink batch -P web "systemctl stop app" "cp -r /srv/new /srv/app" "systemctl start app" --stop-on-error`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeFn, err := a.connect()
			if err != nil {
				return err
			}
			defer closeFn()

			results, err := s.RunBatch(args, stopOnError, a.timeout())
			rows := make([][]string, 0, len(results))
			failed := 0
			for i, r := range results {
				if r.ExitCode != 0 {
					failed++
				}
				rows = append(rows, []string{args[i], fmt.Sprint(r.ExitCode), r.Duration.Round(time.Millisecond).String()})
			}
			printTable(cmd.OutOrStdout(), []string{"Command", "Exit", "Duration"}, rows)
			if err != nil {
				return err
			}
			if failed > 0 {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&stopOnError, "stop-on-error", false, "stop at the first non-zero exit status")

	return cmd
}

func newScriptCommand(a *app) *cobra.Command {
	var (
		interpreter string
		dir         string
	)

	cmd := &cobra.Command{
		Use:   "script FILE",
		Short: "Upload and run a local script",
		Long: `Upload a local script over SFTP, run it with the given interpreter and
remove it afterwards. Use "-" to read the script from standard input.`,
		Example: `  sshlink script -P web ./deploy.sh
  echo 'uptime' | sshlink script -P web -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				script []byte
				err    error
			)
			if args[0] == "-" {
				script, err = io.ReadAll(cmd.InOrStdin())
			} else {
				script, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to read script: %w", err)
			}

			s, closeFn, err := a.connect()
			if err != nil {
				return err
			}
			defer closeFn()

			result, err := s.RunScript(string(script), interpreter, dir, a.timeout())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), result.Stdout)
			fmt.Fprint(cmd.ErrOrStderr(), result.Stderr)
			return exitStatus(result.ExitCode)
		},
	}

	cmd.Flags().StringVar(&interpreter, "interpreter", "/bin/sh", "interpreter the script is run with")
	cmd.Flags().StringVar(&dir, "dir", "/tmp", "remote directory for the uploaded script")

	return cmd
}

func exitStatus(code int) error {
	if code == 0 {
		return nil
	}
	if code < 0 {
		return errors.New("remote command sent no exit status")
	}
	return &ExitError{Code: code}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
