// Package poller fetches files from a remote SFTP directory on an interval
// and moves or deletes them once they were handled.
package poller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/sshlink/pkg/stores"
	"github.com/openfroyo/sshlink/pkg/telemetry"
	"github.com/openfroyo/sshlink/pkg/transports/ssh"
)

// Handler receives the content of every new remote file. An error leaves
// the remote file in place and is recorded in the journal.
type Handler func(ctx context.Context, file *ssh.FileStat, data []byte) error

// HandlerError wraps a failure returned by a Handler.
type HandlerError struct {
	Path string
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failed for %s: %v", e.Path, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Option configures a Poller.
type Option func(*Poller)

// WithHandler passes each fetched file to h.
func WithHandler(h Handler) Option {
	return func(p *Poller) { p.handler = h }
}

// WithJournal skips files the journal already recorded as processed and
// records every outcome.
func WithJournal(j stores.Journal) Option {
	return func(p *Poller) { p.journal = j }
}

// WithClock replaces time.Now for MinAge checks.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// Poller runs one job.
type Poller struct {
	config  Config
	source  Source
	handler Handler
	journal stores.Journal
	regex   *regexp.Regexp
	now     func() time.Time
	logger  zerolog.Logger
}

// New validates cfg and creates a poller reading through source. A job
// needs a LocalDir, a Handler or both.
func New(cfg Config, source Source, opts ...Option) (*Poller, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("job %s: source is required", cfg.Name)
	}

	p := &Poller{
		config: cfg,
		source: source,
		now:    time.Now,
		logger: log.With().Str("poller", cfg.Name).Str("dir", cfg.Dir).Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.config.LocalDir == "" && p.handler == nil {
		return nil, fmt.Errorf("job %s: local_dir or a handler is required", cfg.Name)
	}
	if cfg.Regex != "" {
		p.regex = regexp.MustCompile(cfg.Regex)
	}
	if cfg.LocalDir != "" {
		if err := os.MkdirAll(cfg.LocalDir, 0o755); err != nil {
			return nil, fmt.Errorf("job %s: failed to create local dir: %w", cfg.Name, err)
		}
	}
	return p, nil
}

// Config returns the job settings with defaults applied.
func (p *Poller) Config() Config {
	return p.config
}

// Scan lists the files the next cycle would consider, filtered and sorted.
// Journal state is not consulted.
func (p *Poller) Scan(timeout time.Duration) ([]*ssh.FileStat, error) {
	remote, err := p.source(timeout)
	if err != nil {
		return nil, err
	}
	return p.scan(remote, timeout)
}

func (p *Poller) scan(remote Remote, timeout time.Duration) ([]*ssh.FileStat, error) {
	entries, err := remote.ListFull(p.config.Dir, timeout)
	if err != nil {
		return nil, err
	}

	now := p.now()
	files := entries[:0]
	for _, e := range entries {
		if !e.IsRegular() || !p.matches(e.Name) {
			continue
		}
		if !safeName(e.Name) {
			p.logger.Warn().Str("name", e.Name).Msg("skipping file with unsafe name")
			continue
		}
		if p.config.MinAge > 0 && now.Sub(e.Mtime) < p.config.MinAge {
			continue
		}
		files = append(files, e)
	}

	p.sort(files)
	if p.config.MaxFiles > 0 && len(files) > p.config.MaxFiles {
		files = files[:p.config.MaxFiles]
	}
	return files, nil
}

// safeName rejects server-supplied names that would escape LocalDir or
// MoveTo when joined to them.
func safeName(name string) bool {
	switch name {
	case "", ".", "..":
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

func (p *Poller) matches(name string) bool {
	if p.config.Mask != "" {
		// the pattern was checked in Validate
		if ok, _ := path.Match(p.config.Mask, name); !ok {
			return false
		}
	}
	if p.regex != nil && !p.regex.MatchString(name) {
		return false
	}
	return true
}

func (p *Poller) sort(files []*ssh.FileStat) {
	var less func(a, b *ssh.FileStat) bool
	switch p.config.Sort {
	case SortName:
		less = func(a, b *ssh.FileStat) bool { return a.Name < b.Name }
	case SortMtime:
		less = func(a, b *ssh.FileStat) bool {
			if a.Mtime.Equal(b.Mtime) {
				return a.Name < b.Name
			}
			return a.Mtime.Before(b.Mtime)
		}
	case SortSize:
		less = func(a, b *ssh.FileStat) bool {
			if a.Size == b.Size {
				return a.Name < b.Name
			}
			return a.Size < b.Size
		}
	default:
		return
	}
	sort.SliceStable(files, func(i, j int) bool {
		if p.config.Descending {
			return less(files[j], files[i])
		}
		return less(files[i], files[j])
	})
}

// Poll runs one cycle and returns the number of files processed. Failures
// of a single file are journaled and skipped; timeouts and dead links end
// the cycle with an error.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	var processed int
	err := telemetry.RecordPollCycle(ctx, p.config.Name, p.config.Dir, func(ctx context.Context) (int, error) {
		n, err := p.poll(ctx)
		processed = n
		return n, err
	})
	return processed, err
}

func (p *Poller) poll(ctx context.Context) (int, error) {
	remote, err := p.source(p.config.Timeout)
	if err != nil {
		return 0, err
	}
	files, err := p.scan(remote, p.config.Timeout)
	if err != nil {
		return 0, err
	}

	tel := telemetry.FromTelemetryContext(ctx)
	logger := p.cycleLogger(ctx)
	processed, failed := 0, 0
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		if p.journal != nil {
			seen, err := p.journal.Seen(ctx, p.config.Name, file.Path, file.Size, file.Mtime)
			if err != nil {
				return processed, fmt.Errorf("failed to query journal: %w", err)
			}
			if seen {
				continue
			}
		}

		entry, err := p.process(ctx, remote, file)
		p.record(ctx, entry, err)
		if err != nil {
			if aborts(ctx, err) {
				return processed, err
			}
			failed++
			logger.Warn().Err(err).Str("path", file.Path).Msg("failed to process file")
			if tel != nil {
				tel.Metrics.RecordFileProcessed(p.config.Name, "error")
			}
			continue
		}

		processed++
		logger.Info().
			Str("path", file.Path).
			Int64("size", file.Size).
			Str("action", p.config.Action).
			Msg("file processed")
		if tel != nil {
			tel.Metrics.RecordFileProcessed(p.config.Name, p.config.Action)
			_ = tel.Events.PublishFileProcessed(p.config.Name, file.Path, p.config.Action)
		}
	}

	logger.Debug().
		Int("candidates", len(files)).
		Int("processed", processed).
		Int("failed", failed).
		Msg("poll cycle finished")
	return processed, nil
}

// cycleLogger returns the logger of the telemetry in ctx, which carries
// the poller name, or the poller's own logger without telemetry.
func (p *Poller) cycleLogger(ctx context.Context) zerolog.Logger {
	if telemetry.FromTelemetryContext(ctx) == nil {
		return p.logger
	}
	return telemetry.FromContext(ctx).Zerolog().With().Str("dir", p.config.Dir).Logger()
}

// aborts reports errors after which the rest of the cycle cannot succeed.
func aborts(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var te *ssh.TransportError
	if !errors.As(err, &te) {
		return false
	}
	return te.Kind != ssh.KindProtocol
}

func (p *Poller) process(ctx context.Context, remote Remote, file *ssh.FileStat) (*stores.JournalEntry, error) {
	entry := &stores.JournalEntry{
		Job:     p.config.Name,
		Path:    file.Path,
		Size:    file.Size,
		ModTime: file.Mtime,
		Action:  p.config.Action,
	}

	var data []byte
	if p.config.LocalDir != "" {
		local := filepath.Join(p.config.LocalDir, file.Name)
		result, err := remote.RetrieveFile(file.Path, local, p.config.Timeout)
		if err != nil {
			return entry, err
		}
		entry.LocalPath = &local
		entry.Checksum = &result.Checksum

		if p.handler != nil {
			if data, err = os.ReadFile(local); err != nil {
				return entry, fmt.Errorf("failed to read %s: %w", local, err)
			}
		}
	} else {
		var err error
		if data, err = remote.GetFile(file.Path, p.config.Timeout); err != nil {
			return entry, err
		}
	}

	if p.handler != nil {
		if err := p.handler(ctx, file, data); err != nil {
			return entry, &HandlerError{Path: file.Path, Err: err}
		}
	}

	switch p.config.Action {
	case ActionDelete:
		if err := remote.Remove(file.Path, p.config.Timeout); err != nil {
			return entry, err
		}
	case ActionMove:
		target := path.Join(p.config.MoveTo, file.Name)
		if err := remote.Rename(file.Path, target, p.config.Timeout); err != nil {
			return entry, err
		}
	}
	return entry, nil
}

func (p *Poller) record(ctx context.Context, entry *stores.JournalEntry, cause error) {
	if p.journal == nil || entry == nil {
		return
	}
	if cause != nil {
		msg := cause.Error()
		entry.Error = &msg
	}
	if err := p.journal.Record(ctx, entry); err != nil {
		logger := p.cycleLogger(ctx)
		logger.Error().Err(err).Str("path", entry.Path).Msg("failed to record journal entry")
	}
}

// Run polls until ctx is done. Cycles are Interval apart; after a failed
// cycle the pause starts at ErrorDelay and grows up to MaxErrorDelay until
// a cycle succeeds again. Run returns nil when ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.ErrorDelay
	b.MaxInterval = p.config.MaxErrorDelay
	b.MaxElapsedTime = 0
	b.Reset()

	p.logger.Info().Dur("interval", p.config.Interval).Msg("poller started")
	defer p.logger.Info().Msg("poller stopped")

	for {
		_, err := p.Poll(ctx)
		if ctx.Err() != nil {
			return nil
		}

		wait := p.config.Interval
		if err != nil {
			wait = b.NextBackOff()
			p.logger.Error().Err(err).Dur("retry_in", wait).Msg("poll cycle failed")
		} else {
			b.Reset()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
