package ssh

import (
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Run executes cmd, collects its output and closes the channel.
func (s *Session) Run(cmd string, timeout time.Duration) (*ExecResult, error) {
	startTime := time.Now()
	deadline := s.defaultDeadline(timeout)

	log.Debug().
		Str("session", s.id).
		Str("command", cmd).
		Msg("executing command")

	c, err := s.Exec(cmd, time.Until(deadline))
	if err != nil {
		return nil, err
	}

	// Both streams drain at once; a full stderr buffer would otherwise
	// stall stdout.
	var (
		stderr    []byte
		stderrErr error
		wg        sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		stderr, stderrErr = c.ReadStderr(0, time.Until(deadline))
	}()
	stdout, err := c.Read(0, time.Until(deadline))
	wg.Wait()
	if err == nil {
		err = stderrErr
	}
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := c.closeChild(deadline); err != nil {
		return nil, err
	}

	finishTime := time.Now()
	result := &ExecResult{
		Stdout:     string(stdout),
		Stderr:     string(stderr),
		ExitCode:   c.ExitStatus(),
		StartedAt:  startTime,
		FinishedAt: finishTime,
		Duration:   finishTime.Sub(startTime),
	}

	log.Debug().
		Str("command", cmd).
		Int("exit_code", result.ExitCode).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Msg("command completed")

	return result, nil
}

// RunBatch executes commands in sequence. With stopOnError it stops at the
// first command that fails or exits non-zero.
func (s *Session) RunBatch(commands []string, stopOnError bool, timeout time.Duration) ([]*ExecResult, error) {
	results := make([]*ExecResult, 0, len(commands))

	for i, cmd := range commands {
		log.Debug().
			Int("index", i).
			Str("command", cmd).
			Msg("executing batch command")

		result, err := s.Run(cmd, timeout)
		if err != nil {
			if stopOnError {
				return results, fmt.Errorf("command %d failed: %w", i, err)
			}
			results = append(results, &ExecResult{ExitCode: -1})
			continue
		}
		results = append(results, result)

		if stopOnError && result.ExitCode != 0 {
			return results, fmt.Errorf("command %d exited with code %d", i, result.ExitCode)
		}
	}

	return results, nil
}

// RunScript uploads script over SFTP into dir, runs it with interpreter
// (or directly when interpreter is empty) and removes it again.
func (s *Session) RunScript(script, interpreter, dir string, timeout time.Duration) (*ExecResult, error) {
	fs := s.Sftp()
	scriptPath := path.Join(dir, fmt.Sprintf("sshlink-script-%d.sh", time.Now().UnixNano()))

	log.Debug().
		Str("path", scriptPath).
		Str("interpreter", interpreter).
		Msg("executing script")

	if err := fs.PutFile([]byte(script), scriptPath, os.FileMode(0o700), timeout); err != nil {
		return nil, fmt.Errorf("failed to write script: %w", err)
	}
	defer func() {
		if err := fs.Remove(scriptPath, timeout); err != nil {
			log.Warn().Err(err).Str("path", scriptPath).Msg("failed to clean up script file")
		}
	}()

	cmd := shellQuote(scriptPath)
	if interpreter != "" {
		cmd = interpreter + " " + cmd
	}
	return s.Run(cmd, timeout)
}
