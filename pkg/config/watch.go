package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/telemetry"
)

// reloadDelay coalesces the bursts of events a single save produces.
const reloadDelay = 200 * time.Millisecond

// Watcher reloads a configuration file when it changes.
type Watcher struct {
	path     string
	logger   *telemetry.Logger
	onChange func(*ControllerConfig)
	watcher  *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

// Watch starts watching path. onChange receives every configuration that
// loads and validates; a broken edit is logged and the previous
// configuration stays in effect. The watcher stops when ctx ends.
func Watch(ctx context.Context, path string, logger *telemetry.Logger, onChange func(*ControllerConfig)) (*Watcher, error) {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		logger:   logger.NewComponentLogger("config-watcher"),
		onChange: onChange,
		watcher:  fw,
		done:     make(chan struct{}),
	}
	go w.run(ctx)

	w.logger.Infof("watching %s", abs)
	return w, nil
}

// Done is closed once the watcher has stopped.
func (w *Watcher) Done() <-chan struct{} { return w.done }

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		_ = w.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debugf("config file changed (%s)", event.Op)
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDelay, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).Error("failed to reload config, keeping previous")
		return
	}
	w.logger.Infof("reloaded %s", w.path)
	w.onChange(cfg)
}

// ApplyLogLevel is an onChange hook that updates the global log level.
func ApplyLogLevel(cfg *ControllerConfig) {
	telemetry.SetGlobalLevel(cfg.Logging.Level)
}
