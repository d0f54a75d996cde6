package telemetry

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config bundles the observability settings of one process.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig selects the log level, encoding and destination.
type LoggingConfig struct {
	Level  string `validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format string `validate:"omitempty,oneof=console json"`

	// Output is "stdout", "stderr" or a file path. Empty means stderr.
	Output string

	// Caller adds file:line to every entry.
	Caller bool
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled      bool
	Exporter     string  `validate:"omitempty,oneof=none stdout otlp"`
	Endpoint     string  // host:port of the OTLP collector
	SamplingRate float64 `validate:"gte=0,lte=1"`
	Insecure     bool
}

// MetricsConfig controls the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	Namespace     string
}

// EventsConfig controls lifecycle event delivery. With Async set, events
// are queued and handed to subscribers in order by one goroutine;
// otherwise Publish delivers them before returning.
type EventsConfig struct {
	Enabled    bool
	Async      bool
	BufferSize int `validate:"gte=0"`
}

// DefaultConfig returns the controller defaults: console logs at info,
// no tracing, metrics off, asynchronous events.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "ipcontroller",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Metrics: MetricsConfig{
			ListenAddress: "127.0.0.1:10190",
			Path:          "/metrics",
			Namespace:     "ipcontroller",
		},
		Events: EventsConfig{
			Enabled:    true,
			Async:      true,
			BufferSize: 1024,
		},
	}
}

// Validate checks field constraints and the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}

	var errs []error
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("otlp exporter requires an endpoint"))
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		errs = append(errs, errors.New("metrics require a listen address"))
	}
	if c.Events.Enabled && c.Events.Async && c.Events.BufferSize == 0 {
		errs = append(errs, errors.New("asynchronous events require a buffer"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}
