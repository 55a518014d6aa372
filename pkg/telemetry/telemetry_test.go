package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "default", modify: func(*Config) {}},
		{
			name:    "missing service name",
			modify:  func(c *Config) { c.ServiceName = "" },
			wantErr: "invalid ServiceName",
		},
		{
			name:    "bad level",
			modify:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "invalid Logging.Level loud",
		},
		{
			name:    "bad format",
			modify:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "invalid Logging.Format",
		},
		{
			name:    "bad time format",
			modify:  func(c *Config) { c.Logging.TimeFormat = "iso" },
			wantErr: "invalid Logging.TimeFormat",
		},
		{
			name: "sampling without burst",
			modify: func(c *Config) {
				c.Logging.EnableSampling = true
				c.Logging.SamplingInitial = 0
			},
			wantErr: "invalid Logging.SamplingInitial",
		},
		{
			name:    "bad exporter",
			modify:  func(c *Config) { c.Tracing.Exporter = "jaeger" },
			wantErr: "invalid Tracing.Exporter",
		},
		{
			name:    "otlp without endpoint",
			modify:  func(c *Config) { c.Tracing.Exporter = "otlp" },
			wantErr: "invalid Tracing.Endpoint",
		},
		{
			name:    "bad sampling rate",
			modify:  func(c *Config) { c.Tracing.SamplingRate = 1.5 },
			wantErr: "invalid Tracing.SamplingRate",
		},
		{
			name:    "metrics without address",
			modify:  func(c *Config) { c.Metrics.ListenAddress = "" },
			wantErr: "invalid Metrics.ListenAddress",
		},
		{
			name:   "disabled metrics without address",
			modify: func(c *Config) { c.Metrics.Enabled, c.Metrics.ListenAddress = false, "" },
		},
		{
			name:    "events without buffer",
			modify:  func(c *Config) { c.Events.BufferSize = 0 },
			wantErr: "invalid Events.BufferSize",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestPreset(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		format   string
		exporter string
		tracing  bool
		wantErr  bool
	}{
		{name: "", level: "warn", format: "console", exporter: "none"},
		{name: "default", level: "warn", format: "console", exporter: "none"},
		{name: "production", level: "info", format: "json", exporter: "otlp", tracing: true},
		{name: "Development", level: "debug", format: "console", exporter: "stdout", tracing: true},
		{name: "staging", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Preset(tt.name)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Preset(%q) should fail", tt.name)
				}
				return
			}
			if err != nil {
				t.Fatalf("Preset(%q) error = %v", tt.name, err)
			}
			if err := cfg.Validate(); err != nil {
				t.Fatalf("Preset(%q).Validate() error = %v", tt.name, err)
			}
			if cfg.Logging.Level != tt.level || cfg.Logging.Format != tt.format {
				t.Errorf("logging = %s/%s, want %s/%s", cfg.Logging.Level, cfg.Logging.Format, tt.level, tt.format)
			}
			if cfg.Tracing.Enabled != tt.tracing || cfg.Tracing.Exporter != tt.exporter {
				t.Errorf("tracing = %v/%s, want %v/%s", cfg.Tracing.Enabled, cfg.Tracing.Exporter, tt.tracing, tt.exporter)
			}
		})
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.SessionClosed()
	m.RecordConnect("success")
	m.RecordKeepaliveFailure()
	m.RecordOperation("stat", "success", time.Millisecond)
	m.RecordBytes("upload", 10)
	m.RecordPollCycle("inbox", "success")
	m.RecordFileProcessed("inbox", "delete")
	m.SetRegisteredSessions(3)

	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
	srv, err := m.StartMetricsServer()
	if srv != nil || err != nil {
		t.Errorf("StartMetricsServer() = %v, %v; want nil, nil", srv, err)
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.RecordBytes("download", 100)
	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
}

func gatherValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if !labelsMatch(metric, labels) {
				continue
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	found := 0
	for _, lp := range metric.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok {
			if v != lp.GetValue() {
				return false
			}
			found++
		}
	}
	return found == len(labels)
}

func TestMetricsRecord(t *testing.T) {
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.RecordConnect("success")
	m.RecordOperation("stat", "success", 2*time.Millisecond)
	m.RecordOperation("stat", "error", 3*time.Millisecond)
	m.RecordBytes("upload", 1024)
	m.RecordBytes("upload", 0)
	m.RecordBytes("upload", 1024)
	m.RecordPollCycle("inbox", "success")
	m.RecordFileProcessed("inbox", "move")
	m.SetRegisteredSessions(4)

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"sshlink_sessions_active", nil, 1},
		{"sshlink_connects_total", map[string]string{"result": "success"}, 1},
		{"sshlink_operations_total", map[string]string{"operation": "stat", "result": "error"}, 1},
		{"sshlink_operation_duration_seconds", map[string]string{"operation": "stat"}, 2},
		{"sshlink_bytes_total", map[string]string{"direction": "upload"}, 2048},
		{"sshlink_poll_cycles_total", map[string]string{"poller": "inbox", "result": "success"}, 1},
		{"sshlink_poll_files_total", map[string]string{"poller": "inbox", "action": "move"}, 1},
		{"sshlink_registered_sessions", nil, 4},
	}
	for _, c := range checks {
		if got := gatherValue(t, m, c.name, c.labels); got != c.want {
			t.Errorf("%s%v = %v, want %v", c.name, c.labels, got, c.want)
		}
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10, EnableAsync: false})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var all, web []Event
	ep.Subscribe(func(e Event) { all = append(all, e) }, nil)
	ep.Subscribe(func(e Event) { web = append(web, e) }, FilterBySession("web"))

	_ = ep.PublishSessionConnected("web", "10.0.0.5:22", 1)
	_ = ep.PublishSessionClosed("db", "10.0.0.6:22")
	_ = ep.PublishFileTransferred("web", "/srv/a.txt", "upload", 12, "abc")

	if len(all) != 3 {
		t.Fatalf("unfiltered subscriber got %d events, want 3", len(all))
	}
	if len(web) != 2 {
		t.Fatalf("session subscriber got %d events, want 2", len(web))
	}
	if all[0].ID == "" || all[0].Timestamp.IsZero() {
		t.Error("Publish() should fill in ID and timestamp")
	}
	if web[1].Path != "/srv/a.txt" || web[1].Data["bytes"] != int64(12) {
		t.Errorf("transfer event = %+v", web[1])
	}
}

func TestEventPublisherGlobalFilter(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	var got []string
	ep.Subscribe(func(e Event) { got = append(got, e.Type) }, nil)
	ep.AddFilter(FilterByHost("10.0.0.5:22"))

	_ = ep.PublishSessionLost("web", "10.0.0.5:22", "eof")
	_ = ep.PublishSessionLost("db", "10.0.0.6:22", "eof")

	if len(got) != 1 || got[0] != EventTypeSessionLost {
		t.Errorf("got %v, want one %s", got, EventTypeSessionLost)
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    100,
		MaxBatchSize:  50,
		FlushInterval: time.Hour,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var count atomic.Int32
	ep.Subscribe(func(Event) { count.Add(1) }, nil)

	for i := 0; i < 10; i++ {
		if err := ep.PublishPollCompleted("inbox", "/out", i, time.Millisecond); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := count.Load(); got != 10 {
		t.Errorf("delivered %d events, want 10", got)
	}
	if err := ep.PublishPollFailed("inbox", "/out", "late"); err == nil {
		t.Error("Publish() after Shutdown should fail")
	}
}

func TestEventPublisherFlushInterval(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    10,
		MaxBatchSize:  100,
		FlushInterval: 10 * time.Millisecond,
		EnableAsync:   true,
	})
	defer ep.Shutdown(context.Background())

	delivered := make(chan Event, 1)
	ep.Subscribe(func(e Event) { delivered <- e }, nil)
	_ = ep.PublishSessionClosed("web", "10.0.0.5:22")

	select {
	case e := <-delivered:
		if e.Type != EventTypeSessionClosed {
			t.Errorf("event type = %s", e.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("partial batch was not flushed")
	}
}

func TestEventPublisherNilAndDisabled(t *testing.T) {
	var nilPublisher *EventPublisher
	if err := nilPublisher.PublishSessionClosed("web", "h"); err != nil {
		t.Errorf("nil Publish() error = %v", err)
	}
	nilPublisher.Subscribe(func(Event) {}, nil)
	if err := nilPublisher.Shutdown(context.Background()); err != nil {
		t.Errorf("nil Shutdown() error = %v", err)
	}

	ep, _ := NewEventPublisher(EventsConfig{Enabled: false})
	called := false
	ep.Subscribe(func(Event) { called = true }, nil)
	_ = ep.PublishSessionClosed("web", "h")
	if called {
		t.Error("disabled publisher delivered an event")
	}
}

func TestFilterByLevel(t *testing.T) {
	filter := FilterByLevel(EventLevelWarning)
	if filter(Event{Level: EventLevelInfo}) {
		t.Error("info should not pass a warning filter")
	}
	if !filter(Event{Level: EventLevelWarning}) || !filter(Event{Level: EventLevelError}) {
		t.Error("warning and error should pass a warning filter")
	}
}

func newRecordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return &Tracer{provider: provider, tracer: provider.Tracer("test")}, recorder
}

func TestTracerRecordOperation(t *testing.T) {
	tracer, recorder := newRecordingTracer()

	start := time.Now().Add(-time.Second)
	tracer.RecordOperation("s-1", "stat", "10.0.0.5:22", start, nil)
	tracer.RecordOperation("s-1", "remove", "10.0.0.5:22", time.Now(), errors.New("denied"))

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Name() != "ssh.stat" || !spans[0].StartTime().Equal(start) {
		t.Errorf("span 0 = %s started %v", spans[0].Name(), spans[0].StartTime())
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("span 0 status = %v", spans[0].Status())
	}
	if spans[1].Status().Code != codes.Error || spans[1].Status().Description != "denied" {
		t.Errorf("span 1 status = %v", spans[1].Status())
	}

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	want := map[string]string{"session.id": "s-1", "target.host": "10.0.0.5:22", "operation": "stat"}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("attribute %s = %q, want %q", k, attrs[k], v)
		}
	}

	var nilTracer *Tracer
	nilTracer.RecordOperation("s-1", "stat", "h", time.Now(), nil)
}

func TestStartSessionSpanWithoutStart(t *testing.T) {
	tracer, recorder := newRecordingTracer()

	before := time.Now()
	_, span := tracer.StartSessionSpan(context.Background(), "s-2", "h:22", "exec", time.Time{})
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "ssh.exec" {
		t.Fatalf("spans = %v", spans)
	}
	if spans[0].StartTime().Before(before) {
		t.Errorf("span started %v, before %v", spans[0].StartTime(), before)
	}
}

func TestRecordPollCycle(t *testing.T) {
	tracer, recorder := newRecordingTracer()
	metrics, _ := NewMetrics(DefaultConfig().Metrics)
	events, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})

	var mu sync.Mutex
	var types []string
	events.Subscribe(func(e Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	}, nil)

	var buf bytes.Buffer
	tel := &Telemetry{
		Logger:  &Logger{zlog: zerolog.New(&buf)},
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
	}
	ctx := tel.WithContext(context.Background())

	err := RecordPollCycle(ctx, "inbox", "/out", func(ctx context.Context) (int, error) {
		logger := FromContext(ctx).Zerolog()
		logger.Info().Msg("cycle")
		return 2, nil
	})
	if err != nil {
		t.Fatalf("RecordPollCycle() error = %v", err)
	}
	if out := buf.String(); !strings.Contains(out, `"poller":"inbox"`) {
		t.Errorf("cycle logger output %q lacks the poller field", out)
	}
	boom := errors.New("boom")
	if err := RecordPollCycle(ctx, "inbox", "/out", func(context.Context) (int, error) { return 0, boom }); err != boom {
		t.Fatalf("RecordPollCycle() error = %v, want %v", err, boom)
	}

	if n := len(recorder.Ended()); n != 2 {
		t.Errorf("recorded %d spans, want 2", n)
	}
	if got := gatherValue(t, metrics, "sshlink_poll_cycles_total", map[string]string{"result": "error"}); got != 1 {
		t.Errorf("error cycles = %v, want 1", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(types) != 2 || types[0] != EventTypePollCompleted || types[1] != EventTypePollFailed {
		t.Errorf("events = %v", types)
	}
}

func TestRecordPollCycleWithoutTelemetry(t *testing.T) {
	called := false
	err := RecordPollCycle(context.Background(), "inbox", "/out", func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	if err != nil || !called {
		t.Errorf("RecordPollCycle() = %v, called = %v", err, called)
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{zlog: zerolog.New(&buf)}

	logger := l.NewComponentLogger("cron").WithPoller("inbox").WithField("files", 3).Zerolog()
	logger.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"component":"cron"`, `"poller":"inbox"`, `"files":3`, `"message":"hello"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %s", out, want)
		}
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{zlog: zerolog.New(&buf)}
	ctx := l.WithContext(context.Background())

	logger := FromContext(ctx).Zerolog()
	logger.Info().Msg("from context")
	if !strings.Contains(buf.String(), "from context") {
		t.Errorf("FromContext() returned a different logger, output %q", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Error("FromContext() without a logger should return a default logger")
	}
}
