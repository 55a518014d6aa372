package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/sshlink/pkg/poller"
	"github.com/openfroyo/sshlink/pkg/registry"
	"github.com/openfroyo/sshlink/pkg/stores"
	"github.com/openfroyo/sshlink/pkg/telemetry"
	"github.com/openfroyo/sshlink/pkg/transports/ssh"
)

func newPollCommand(a *app) *cobra.Command {
	var (
		jobsPath      string
		jobNames      []string
		once          bool
		schedule      string
		journalPath   string
		noJournal     bool
		metricsAddr   string
		watchProfiles bool
	)

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Fetch files from remote directories",
		Long: `Run the polling jobs of a job file.

Each job lists a remote directory, fetches new files into its local_dir and
then deletes them, moves them to move_to or leaves them in place. Handled
files are recorded in a journal so that files left in place are fetched
only once.

By default every job runs on its own interval until interrupted. --once
runs a single cycle per job; --schedule runs all jobs on a cron schedule.`,
		Example: `  # Run all jobs continuously, exposing Prometheus metrics
  sshlink poll --jobs jobs.yaml --metrics-addr :9090

  # One cycle of a single job
  sshlink poll --jobs jobs.yaml --job inbox --once

  # Every 15 minutes during office hours
  sshlink poll --jobs jobs.yaml --schedule "*/15 8-18 * * 1-5"

  # JSON logs and sampled traces sent to a collector
  sshlink poll --jobs jobs.yaml --telemetry production --otlp-endpoint otel:4317`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var sched cron.Schedule
			if schedule != "" {
				var err error
				if sched, err = cron.ParseStandard(schedule); err != nil {
					return fmt.Errorf("invalid schedule %q: %w", schedule, err)
				}
			}

			jobs, err := loadJobs(jobsPath, jobNames)
			if err != nil {
				return err
			}

			cfg, err := a.pollTelemetry(metricsAddr)
			if err != nil {
				return err
			}
			tel, err := telemetry.NewTelemetry(cfg)
			if err != nil {
				return err
			}
			global, globalLevel := log.Logger, zerolog.GlobalLevel()
			log.Logger = tel.Logger.Zerolog()
			if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
				zerolog.SetGlobalLevel(level)
			}
			defer func() {
				log.Logger = global
				zerolog.SetGlobalLevel(globalLevel)
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tel.Shutdown(shutdownCtx)
			}()
			srv, err := tel.StartMetricsServer()
			if err != nil {
				return err
			}
			if srv != nil {
				defer srv.Close()
			}
			ctx = tel.WithContext(ctx)

			var journal stores.Journal
			if !noJournal {
				store, err := openJournal(ctx, journalPath)
				if err != nil {
					return err
				}
				defer store.Close()
				journal = store
			}

			sources, closeSources, err := a.pollSources(ctx, jobs, tel, watchProfiles)
			if err != nil {
				return err
			}
			defer closeSources()

			pollers := make([]*poller.Poller, 0, len(jobs))
			for _, job := range jobs {
				opts := []poller.Option{}
				if journal != nil {
					opts = append(opts, poller.WithJournal(journal))
				}
				p, err := poller.New(job, sources[job.Name], opts...)
				if err != nil {
					return err
				}
				pollers = append(pollers, p)
			}

			switch {
			case once:
				return pollOnce(ctx, cmd, pollers)
			case sched != nil:
				return pollScheduled(ctx, tel, schedule, sched, pollers)
			default:
				return pollForever(ctx, pollers)
			}
		},
	}

	cmd.Flags().StringVarP(&jobsPath, "jobs", "j", filepath.Join(configDir(), "jobs.yaml"), "job file")
	cmd.Flags().StringSliceVar(&jobNames, "job", nil, "run only these jobs")
	cmd.Flags().BoolVar(&once, "once", false, "run one cycle per job and exit")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron schedule for all jobs")
	cmd.Flags().StringVar(&journalPath, "journal", filepath.Join(dataDir(), "journal.db"), "journal database")
	cmd.Flags().BoolVar(&noJournal, "no-journal", false, "do not record processed files")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&watchProfiles, "watch-profiles", false, "reload the profile file when it changes")
	cmd.Flags().String("telemetry", telemetry.PresetDefault, "telemetry preset (default, production, development)")
	cmd.Flags().String("log-format", "", "log format (console, json); overrides the preset")
	cmd.Flags().String("otlp-endpoint", "", "OTLP collector address for traces; overrides the preset")
	cmd.MarkFlagsMutuallyExclusive("once", "schedule")
	for _, name := range []string{"telemetry", "log-format", "otlp-endpoint"} {
		_ = a.v.BindPFlag(name, cmd.Flags().Lookup(name))
	}

	return cmd
}

// pollTelemetry builds the telemetry config from the preset named by
// --telemetry (or SSHLINK_TELEMETRY) and the logging and tracing flags.
func (a *app) pollTelemetry(metricsAddr string) (*telemetry.Config, error) {
	cfg, err := telemetry.Preset(a.v.GetString("telemetry"))
	if err != nil {
		return nil, err
	}
	if a.version != "" {
		cfg.ServiceVersion = a.version
	}
	if level := a.v.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if format := a.v.GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	if endpoint := a.v.GetString("otlp-endpoint"); endpoint != "" {
		cfg.Tracing.Endpoint = endpoint
	}
	cfg.Metrics.Enabled = metricsAddr != ""
	cfg.Metrics.ListenAddress = metricsAddr
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadJobs(path string, names []string) ([]poller.Config, error) {
	jobs, err := poller.LoadJobs(path)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		if len(jobs) == 0 {
			return nil, fmt.Errorf("%s: no jobs defined", path)
		}
		return jobs, nil
	}

	byName := make(map[string]poller.Config, len(jobs))
	for _, job := range jobs {
		byName[job.Name] = job
	}
	selected := make([]poller.Config, 0, len(names))
	for _, name := range names {
		job, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%s: unknown job %q", path, name)
		}
		selected = append(selected, job)
	}
	return selected, nil
}

func openJournal(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// pollSources maps each job to a source. Jobs naming a profile share the
// registry; the rest share one session built from the connection flags.
func (a *app) pollSources(ctx context.Context, jobs []poller.Config, tel *telemetry.Telemetry, watch bool) (map[string]poller.Source, func(), error) {
	timeout := a.timeout()
	sources := make(map[string]poller.Source, len(jobs))
	var closers []func()
	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}

	var r *registry.Registry
	var direct *ssh.Session
	for _, job := range jobs {
		if job.Profile != "" {
			if r == nil {
				r = registry.New(log.Logger, registry.WithMetrics(tel.Metrics), registry.WithEvents(tel.Events))
				profiles := a.v.GetString("profiles")
				if err := r.Load(profiles); err != nil {
					closeAll()
					return nil, nil, err
				}
				if watch {
					if err := r.Watch(ctx, profiles); err != nil {
						closeAll()
						return nil, nil, err
					}
				}
				closers = append(closers, func() { _ = r.CloseAll(timeout) })
			}
			if _, ok := r.Profile(job.Profile); !ok {
				closeAll()
				return nil, nil, fmt.Errorf("job %s: %w: %s", job.Name, registry.ErrUnknownProfile, job.Profile)
			}
			sources[job.Name] = poller.RegistrySource(r, job.Profile)
			continue
		}

		if direct == nil {
			cfg, err := a.sshConfig()
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("job %s has no profile: %w", job.Name, err)
			}
			direct, err = ssh.NewSession(cfg, ssh.WithMetrics(tel.Metrics), ssh.WithEvents(tel.Events), ssh.WithTracer(tel.Tracer))
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			s := direct
			closers = append(closers, func() { _ = s.Disconnect(cfg.DisconnectTimeout) })
		}
		sources[job.Name] = poller.SessionSource(direct)
	}
	return sources, closeAll, nil
}

func pollOnce(ctx context.Context, cmd *cobra.Command, pollers []*poller.Poller) error {
	rows := make([][]string, 0, len(pollers))
	var errs []error
	for _, p := range pollers {
		n, err := p.Poll(ctx)
		status := "ok"
		if err != nil {
			status = err.Error()
			errs = append(errs, fmt.Errorf("job %s: %w", p.Config().Name, err))
		}
		rows = append(rows, []string{p.Config().Name, p.Config().Dir, strconv.Itoa(n), status})
	}
	printTable(cmd.OutOrStdout(), []string{"Job", "Dir", "Files", "Status"}, rows)
	return errors.Join(errs...)
}

func pollScheduled(ctx context.Context, tel *telemetry.Telemetry, spec string, sched cron.Schedule, pollers []*poller.Poller) error {
	logger := tel.Logger.NewComponentLogger("cron").Zerolog()
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&logger))))
	for _, p := range pollers {
		_, err := c.AddJob(spec, cron.FuncJob(func() {
			if _, err := p.Poll(ctx); err != nil {
				log.Error().Err(err).Str("poller", p.Config().Name).Msg("scheduled poll failed")
			}
		}))
		if err != nil {
			return fmt.Errorf("invalid schedule %q: %w", spec, err)
		}
	}

	c.Start()
	log.Info().Int("jobs", len(pollers)).Time("next", sched.Next(time.Now())).Msg("poll schedule started")
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func pollForever(ctx context.Context, pollers []*poller.Poller) error {
	var wg sync.WaitGroup
	for _, p := range pollers {
		wg.Add(1)
		go func(p *poller.Poller) {
			defer wg.Done()
			_ = p.Run(ctx)
		}(p)
	}
	wg.Wait()
	return nil
}
