package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger carrying controller fields such as the
// component, engine id or client id.
type Logger struct {
	zlog zerolog.Logger
}

// NewLogger builds a logger from cfg. The level is applied process-wide so
// that SetGlobalLevel reaches every logger derived from this one.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	out, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zctx := zerolog.New(out).With().Timestamp()
	if cfg.Caller {
		zctx = zctx.Caller()
	}
	SetGlobalLevel(cfg.Level)
	return &Logger{zlog: zctx.Logger()}, nil
}

func openOutput(name string) (io.Writer, error) {
	switch name {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// SetGlobalLevel changes the minimum level of every logger. Unknown names
// select info.
func SetGlobalLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// Zerolog exposes the underlying logger.
func (l *Logger) Zerolog() *zerolog.Logger { return &l.zlog }

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger()}
}

// NewComponentLogger returns a child logger tagged with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

// WithField adds one field.
func (l *Logger) WithField(key string, value any) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

// WithFields adds several fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

func (l *Logger) WithEngineID(id int) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Int("engine_id", id) })
}

func (l *Logger) WithClientID(id string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("client_id", id) })
}

// WithRemote adds the peer address of a connection.
func (l *Logger) WithRemote(addr string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("remote", addr) })
}

// WithVerb adds the protocol verb being handled.
func (l *Logger) WithVerb(verb string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("verb", verb) })
}

func (l *Logger) WithError(err error) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

func (l *Logger) Tracef(format string, args ...any) { l.zlog.Trace().Msgf(format, args...) }

func (l *Logger) Debug(msg string)                  { l.zlog.Debug().Msg(msg) }
func (l *Logger) Debugf(format string, args ...any) { l.zlog.Debug().Msgf(format, args...) }

func (l *Logger) Info(msg string)                  { l.zlog.Info().Msg(msg) }
func (l *Logger) Infof(format string, args ...any) { l.zlog.Info().Msgf(format, args...) }

func (l *Logger) Warn(msg string)                  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Warnf(format string, args ...any) { l.zlog.Warn().Msgf(format, args...) }

func (l *Logger) Error(msg string)                  { l.zlog.Error().Msg(msg) }
func (l *Logger) Errorf(format string, args ...any) { l.zlog.Error().Msgf(format, args...) }
