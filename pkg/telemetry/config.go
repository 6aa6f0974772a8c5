package telemetry

import "fmt"

// Config holds the telemetry configuration for the gateway.
type Config struct {
	// Logging configures the zerolog-based logger.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Tracing configures the OpenTelemetry tracer.
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`

	// Metrics configures the Prometheus metrics registry.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string `json:"level" yaml:"level"`

	// Format is "json" or "console".
	Format string `json:"format" yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `json:"output" yaml:"output"`

	// EnableCaller adds file:line caller information to log entries.
	EnableCaller bool `json:"enable_caller" yaml:"enable_caller"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Enabled turns tracing on.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Exporter is "stdout" or "otlp".
	Exporter string `json:"exporter" yaml:"exporter"`

	// Endpoint is the OTLP gRPC collector endpoint.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// ServiceName identifies this service in traces.
	ServiceName string `json:"service_name" yaml:"service_name"`

	// SampleRate is the trace sampling rate between 0.0 and 1.0.
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Enabled turns metric collection on.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Namespace prefixes every metric name.
	Namespace string `json:"namespace" yaml:"namespace"`
}

// DefaultConfig returns the default telemetry configuration.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "stdout",
			ServiceName: "identigate",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "identigate",
		},
	}
}

// DevelopmentConfig returns a configuration suited to local development:
// console logs, stdout traces, full sampling.
func DevelopmentConfig() Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "console"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate checks the telemetry configuration.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout":
		case "otlp":
			if c.Tracing.Endpoint == "" {
				return fmt.Errorf("otlp exporter requires an endpoint")
			}
		default:
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("sample rate must be between 0.0 and 1.0")
		}
	}
	return nil
}
