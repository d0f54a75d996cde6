package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:10105", cfg.Listen)
	assert.Equal(t, 16<<20, cfg.FrameSize())
	assert.Empty(t, cfg.HistoryPath)
	assert.Equal(t, 5*time.Second, cfg.Notify.Timeout.Std())
}

func TestParseYAML(t *testing.T) {
	cfg, err := ParseYAML([]byte(`
listen: "0.0.0.0:9000"
history_limit: 50
notify:
  timeout: 2s
logging:
  level: debug
  format: json
metrics:
  enabled: true
`))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, 50, cfg.HistoryLimit)
	assert.Equal(t, 2*time.Second, cfg.Notify.Timeout.Std())
	assert.True(t, cfg.Notify.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, DefaultMetricsListen, cfg.Metrics.Listen)
	assert.Equal(t, DefaultMaxFrameSize, cfg.MaxFrameSize)
}

func TestParseYAML_Empty(t *testing.T) {
	cfg, err := ParseYAML(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseYAML_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "listen_addr: x"},
		{"bad listen", "listen: nonsense"},
		{"bad level", "logging:\n  level: loud"},
		{"negative limit", "history_limit: -1"},
		{"bad duration", "notify:\n  timeout: soon"},
		{"sampling out of range", "tracing:\n  sampling_rate: 2"},
		{"otlp without endpoint", "tracing:\n  enabled: true\n  exporter: otlp"},
		{"metrics without listen", "metrics:\n  enabled: true\n  listen: \"\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseYAML([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestParseCUE(t *testing.T) {
	cfg, err := ParseCUE([]byte(`
listen:        "0.0.0.0:10105"
history_limit: 10 * 100
logging: level: "warn"
tracing: {
	enabled:  true
	exporter: "stdout"
}
`), "controller.cue")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:10105", cfg.Listen)
	assert.Equal(t, 1000, cfg.HistoryLimit)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "stdout", cfg.Tracing.Exporter)
	assert.Equal(t, 1.0, cfg.Tracing.SamplingRate)
	assert.Equal(t, DefaultNotifyTimeout, cfg.Notify.Timeout.Std())
	assert.Equal(t, DefaultMaxFrameSize, cfg.MaxFrameSize)
}

func TestParseCUE_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"syntax", "listen: "},
		{"closed schema", "listen_addr: \"x\""},
		{"constraint", "history_limit: -3"},
		{"enum", "logging: level: \"loud\""},
		{"validator", "listen: \"nonsense\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCUE([]byte(tt.doc), "bad.cue")
			assert.Error(t, err)
		})
	}
}

func TestLoad_ByExtension(t *testing.T) {
	yamlPath := writeFile(t, "controller.yaml", "history_path: /tmp/h.db\n")
	cfg, err := Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/h.db", cfg.HistoryPath)

	cuePath := writeFile(t, "controller.cue", `history_path: "/tmp/c.db"`)
	cfg, err = Load(cuePath)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/c.db", cfg.HistoryPath)

	_, err = Load(writeFile(t, "controller.toml", ""))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestTelemetryConfig(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "debug"
	cfg.Metrics.Enabled = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"

	tc := cfg.Telemetry()
	require.NoError(t, tc.Validate())
	assert.Equal(t, "debug", tc.Logging.Level)
	assert.True(t, tc.Metrics.Enabled)
	assert.Equal(t, DefaultMetricsListen, tc.Metrics.ListenAddress)
	assert.Equal(t, "stdout", tc.Tracing.Exporter)
	assert.True(t, tc.Events.Enabled)
}
