package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/telemetry"
)

// Defaults.
const (
	DefaultListen        = "127.0.0.1:10105"
	DefaultMaxFrameSize  = serial.DefaultMaxSize
	DefaultNotifyTimeout = 5 * time.Second
	DefaultMetricsListen = "127.0.0.1:10190"
	DefaultMetricsPath   = "/metrics"
)

// ControllerConfig is the controller configuration file.
type ControllerConfig struct {
	// Listen is the address clients and engines connect to.
	Listen string `yaml:"listen" json:"listen" validate:"required,hostname_port"`

	// MaxFrameSize bounds one frame and one serialized value. Zero selects
	// the default.
	MaxFrameSize int `yaml:"max_frame_size" json:"max_frame_size" validate:"gte=0"`

	// HistoryPath is the SQLite database of execute results. Empty keeps
	// history in memory.
	HistoryPath string `yaml:"history_path" json:"history_path"`

	// HistoryLimit is the number of results kept per engine. Zero keeps all.
	HistoryLimit int `yaml:"history_limit" json:"history_limit" validate:"gte=0"`

	Notify  NotifyConfig  `yaml:"notify" json:"notify"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// NotifyConfig configures registration notifications.
type NotifyConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Timeout Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// LoggingConfig configures the controller log.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" json:"format" validate:"oneof=console json"`
	Output string `yaml:"output" json:"output" validate:"required"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen" validate:"omitempty,hostname_port"`
	Path    string `yaml:"path" json:"path" validate:"omitempty,startswith=/"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint     string  `yaml:"endpoint" json:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
}

// Duration is a time.Duration written as a string such as "5s".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", b)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Default returns the configuration used when no file is given.
func Default() *ControllerConfig {
	return &ControllerConfig{
		Listen:       DefaultListen,
		MaxFrameSize: DefaultMaxFrameSize,
		Notify: NotifyConfig{
			Enabled: true,
			Timeout: Duration(DefaultNotifyTimeout),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Listen: DefaultMetricsListen,
			Path:   DefaultMetricsPath,
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
	}
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func (c *ControllerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid controller config: %w", err)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("invalid controller config: metrics.listen is required when metrics are enabled")
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("invalid controller config: tracing.endpoint is required for the otlp exporter")
	}
	return nil
}

// FrameSize returns the effective frame limit.
func (c *ControllerConfig) FrameSize() int {
	if c.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// Telemetry builds the telemetry configuration of the controller.
func (c *ControllerConfig) Telemetry() *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Logging.Level = c.Logging.Level
	tc.Logging.Format = c.Logging.Format
	tc.Logging.Output = c.Logging.Output

	tc.Metrics.Enabled = c.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Metrics.Listen
	tc.Metrics.Path = c.Metrics.Path

	tc.Tracing.Enabled = c.Tracing.Enabled
	tc.Tracing.Exporter = c.Tracing.Exporter
	tc.Tracing.Endpoint = c.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Tracing.SamplingRate
	tc.Tracing.Insecure = c.Tracing.Insecure

	// Registration notices are driven by engine events.
	tc.Events.Enabled = true
	return tc
}
