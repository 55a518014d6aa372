package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Names accepted by Preset.
const (
	PresetDefault     = "default"
	PresetProduction  = "production"
	PresetDevelopment = "development"
)

// Config holds the settings for every telemetry component.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	// Environment is reported as a trace resource attribute.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr or a file path opened for appending.
	Output string `validate:"required"`

	EnableCaller bool

	// With sampling on, SamplingInitial messages per second pass, then
	// every SamplingThereafter-th one.
	EnableSampling     bool
	SamplingInitial    int `validate:"required_if=EnableSampling true,gte=0"`
	SamplingThereafter int `validate:"required_if=EnableSampling true,gte=0"`

	TimeFormat string `validate:"omitempty,oneof=rfc3339 unix unixms unixmicro"`
}

// TracingConfig configures the OpenTelemetry tracer. A disabled tracer
// still hands out no-op spans.
type TracingConfig struct {
	Enabled  bool
	Exporter string `validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `validate:"required_if=Exporter otlp"`
	Headers  map[string]string
	Insecure bool

	SamplingRate       float64       `validate:"gte=0,lte=1"`
	MaxExportBatchSize int           `validate:"gt=0"`
	ExportTimeout      time.Duration `validate:"gte=0"`
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string `validate:"required_if=Enabled true"`
	Path          string
	Namespace     string

	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the in-process event publisher.
type EventsConfig struct {
	Enabled       bool
	BufferSize    int `validate:"required_if=Enabled true,gte=0"`
	FlushInterval time.Duration
	MaxBatchSize  int
	EnableAsync   bool
}

// DefaultConfig returns the settings used by the command line tool: warn
// level console logs on stderr, no tracing.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "sshlink",
		ServiceVersion: "dev",
		Environment:    "local",
		Logging: LoggingConfig{
			Level:              "warn",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			Headers:            make(map[string]string),
			Insecure:           true,
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "sshlink",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			MaxBatchSize:  100,
			EnableAsync:   true,
		},
	}
}

// Preset returns a named variant of DefaultConfig. An empty name selects
// the default.
//
// The production preset logs sampled JSON with unix timestamps and sends a
// tenth of all traces to an OTLP collector on localhost. The development
// preset logs everything at debug level with callers and prints every span
// to stderr.
func Preset(name string) (*Config, error) {
	cfg := DefaultConfig()
	switch strings.ToLower(name) {
	case "", PresetDefault:
	case PresetProduction:
		cfg.Environment = PresetProduction
		cfg.Logging.Level = "info"
		cfg.Logging.Format = "json"
		cfg.Logging.EnableSampling = true
		cfg.Logging.TimeFormat = "unix"
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = "otlp"
		cfg.Tracing.Endpoint = "localhost:4317"
		cfg.Tracing.Insecure = false
		cfg.Tracing.SamplingRate = 0.1
	case PresetDevelopment:
		cfg.Environment = PresetDevelopment
		cfg.Logging.Level = "debug"
		cfg.Logging.EnableCaller = true
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = "stdout"
	default:
		return nil, fmt.Errorf("unknown telemetry preset %q", name)
	}
	return cfg, nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks the settings and reports the first invalid field by its
// path, e.g. "Logging.Level".
func (c *Config) Validate() error {
	err := configValidator().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := strings.TrimPrefix(fe.StructNamespace(), "Config.")
		return fmt.Errorf("telemetry: invalid %s %v: failed %q check", field, fe.Value(), fe.Tag())
	}
	return fmt.Errorf("telemetry: %w", err)
}
