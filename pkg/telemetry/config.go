package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry configuration of an Auri process.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum level of Output.
	Level string `validate:"oneof=trace debug info warn error fatal"`

	// Format of Output: console or json.
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string

	// File optionally receives every record as JSON, regardless of Level.
	File string

	EnableCaller bool

	// TimeFormat is rfc3339, unix or unixms.
	TimeFormat string `validate:"omitempty,oneof=rfc3339 unix unixms"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none. none keeps sampling so that trace IDs
	// still reach the logs.
	Exporter string `validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint of the OTLP collector.
	Endpoint string `validate:"required_if=Exporter otlp"`

	SamplingRate  float64 `validate:"gte=0,lte=1"`
	ExportTimeout time.Duration
	Insecure      bool
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled   bool
	Namespace string

	// DefaultHistogramBuckets are the duration buckets, in seconds.
	DefaultHistogramBuckets []float64
}

// DefaultConfig returns the configuration used by the CLI before runbook overrides.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "auri",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:      "warn",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "auri",
			// Sample runs take seconds to tens of minutes
			DefaultHistogramBuckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
	}
}

// VerbosityLevel maps the number of -v flags to a log level.
func VerbosityLevel(count int) string {
	switch {
	case count <= 0:
		return "warn"
	case count == 1:
		return "info"
	case count == 2:
		return "debug"
	default:
		return "trace"
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}
