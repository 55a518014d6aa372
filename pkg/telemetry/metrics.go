package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for SSH sessions, transfers and
// pollers. A nil *Metrics, or one created with metrics disabled, records
// nothing.
type Metrics struct {
	config MetricsConfig

	// Session metrics
	sessionsActive    prometheus.Gauge
	connects          *prometheus.CounterVec
	keepaliveFailures prometheus.Counter

	// Operation metrics
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// Transfer metrics
	bytesTransferred *prometheus.CounterVec

	// Poller metrics
	pollCycles     *prometheus.CounterVec
	filesProcessed *prometheus.CounterVec

	// Registry metrics
	registeredSessions prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Session metrics
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Current number of authenticated SSH sessions",
			},
		),
		connects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connects_total",
				Help:      "Total number of connect attempts by result",
			},
			[]string{"result"},
		),
		keepaliveFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keepalive_failures_total",
				Help:      "Total number of keep-alive rounds that killed a session",
			},
		),

		// Operation metrics
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of protocol operations by result",
			},
			[]string{"operation", "result"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of protocol operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		// Transfer metrics
		bytesTransferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Total payload bytes moved by direction",
			},
			[]string{"direction"},
		),

		// Poller metrics
		pollCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_cycles_total",
				Help:      "Total number of poll cycles by poller and result",
			},
			[]string{"poller", "result"},
		),
		filesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_files_total",
				Help:      "Total number of files handled by pollers",
			},
			[]string{"poller", "action"},
		),

		// Registry metrics
		registeredSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registered_sessions",
				Help:      "Current number of named sessions in the registry",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.sessionsActive,
		m.connects,
		m.keepaliveFailures,
		m.operations,
		m.operationDuration,
		m.bytesTransferred,
		m.pollCycles,
		m.filesProcessed,
		m.registeredSessions,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Session Metrics

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if !m.enabled() {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if !m.enabled() {
		return
	}
	m.sessionsActive.Dec()
}

// RecordConnect records a connect attempt with its result.
func (m *Metrics) RecordConnect(result string) {
	if !m.enabled() {
		return
	}
	m.connects.WithLabelValues(result).Inc()
}

// RecordKeepaliveFailure records a keep-alive round that failed.
func (m *Metrics) RecordKeepaliveFailure() {
	if !m.enabled() {
		return
	}
	m.keepaliveFailures.Inc()
}

// Operation Metrics

// RecordOperation records a protocol operation with its result and duration.
func (m *Metrics) RecordOperation(operation, result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.operations.WithLabelValues(operation, result).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBytes adds n payload bytes moved in direction.
func (m *Metrics) RecordBytes(direction string, n int64) {
	if !m.enabled() || n <= 0 {
		return
	}
	m.bytesTransferred.WithLabelValues(direction).Add(float64(n))
}

// Poller Metrics

// RecordPollCycle records one poll cycle with its result.
func (m *Metrics) RecordPollCycle(poller, result string) {
	if !m.enabled() {
		return
	}
	m.pollCycles.WithLabelValues(poller, result).Inc()
}

// RecordFileProcessed records one file taken by a poller.
func (m *Metrics) RecordFileProcessed(poller, action string) {
	if !m.enabled() {
		return
	}
	m.filesProcessed.WithLabelValues(poller, action).Inc()
}

// Registry Metrics

// SetRegisteredSessions sets the number of named sessions.
func (m *Metrics) SetRegisteredSessions(count int) {
	if !m.enabled() {
		return
	}
	m.registeredSessions.Set(float64(count))
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Registry exposes the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. The returned
// server can be shut down by the caller; it is nil when metrics are disabled.
func (m *Metrics) StartMetricsServer() (*http.Server, error) {
	if !m.enabled() {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	return server, nil
}
