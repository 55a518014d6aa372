// Package telemetry provides observability instrumentation for sshlink.
//
// The package combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event publisher.
//
// # Usage
//
// Initialize telemetry at application startup from a preset ("default",
// "production" or "development"):
//
//	cfg, err := telemetry.Preset(name)
//	if err != nil {
//	    return err
//	}
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	srv, err := tel.StartMetricsServer()
//	if err != nil {
//	    return err
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// Logger wraps a zerolog.Logger. Zerolog exposes it for installing as the
// global logger:
//
//	log.Logger = tel.Logger.Zerolog()
//	logger := tel.Logger.NewComponentLogger("cron").Zerolog()
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Tracing
//
// Sessions report each protocol operation through Tracer.RecordOperation,
// which opens a session span backdated to the operation's start and ends it.
// RecordPollCycle wraps one poll cycle in a span and puts a logger carrying
// the poller name into the context it passes on:
//
//	err := telemetry.RecordPollCycle(ctx, "inbox", "/outgoing", func(ctx context.Context) (int, error) {
//	    return poller.Poll(ctx)
//	})
//
// Exporters: "otlp" (gRPC), "stdout" (written to stderr), "none".
//
// # Metrics
//
// All metrics live in a private registry served at Config.Metrics.Path:
//
//  - sshlink_sessions_active
//  - sshlink_connects_total{result}
//  - sshlink_keepalive_failures_total
//  - sshlink_operations_total{operation,result}
//  - sshlink_operation_duration_seconds{operation}
//  - sshlink_bytes_total{direction}
//  - sshlink_poll_cycles_total{poller,result}
//  - sshlink_poll_files_total{poller,action}
//  - sshlink_registered_sessions
//
// A nil *Metrics is valid and records nothing, so sessions built without
// telemetry pay no cost.
//
// # Events
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("%s: %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// Filters: FilterByLevel, FilterByType, FilterBySession, FilterByHost.
//
// Never log credentials. Session configs carry passwords and key
// passphrases; log the host and user only.
package telemetry
