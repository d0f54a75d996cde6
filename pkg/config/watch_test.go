package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := writeFile(t, "controller.yaml", "logging:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *ControllerConfig, 4)
	w, err := Watch(ctx, path, nil, func(cfg *ControllerConfig) { changes <- cfg })
	require.NoError(t, err)

	// A broken edit is ignored.
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0o644))
	select {
	case cfg := <-changes:
		t.Fatalf("invalid config delivered: %+v", cfg)
	case <-time.After(4 * reloadDelay):
	}

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))
	select {
	case cfg := <-changes:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after change")
	}

	cancel()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatch_IgnoresOtherFiles(t *testing.T) {
	path := writeFile(t, "controller.yaml", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *ControllerConfig, 1)
	_, err := Watch(ctx, path, nil, func(cfg *ControllerConfig) { changes <- cfg })
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path+".bak", []byte("x"), 0o644))
	select {
	case <-changes:
		t.Fatal("reload triggered by unrelated file")
	case <-time.After(4 * reloadDelay):
	}
}
