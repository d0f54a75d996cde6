package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Telemetry groups the logger, tracer, metrics and event publisher of a
// process. Components take the parts they need through their options.
type Telemetry struct {
	Config  *Config
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
}

// NewTelemetry validates cfg and builds every part.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Config:  cfg,
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
	}, nil
}

// Shutdown drains pending events and flushes spans. Both are attempted.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("events: %w", err))
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer: %w", err))
	}
	return errors.Join(errs...)
}

// StartMetricsServer serves the Prometheus endpoint when metrics are enabled.
// It returns a nil server otherwise.
func (t *Telemetry) StartMetricsServer() (*http.Server, error) {
	return t.Metrics.StartMetricsServer(t.Logger)
}

// TraceDispatch runs fn inside the dispatch span of operation on target and
// records its duration and error code. On a nil Telemetry fn simply runs.
func (t *Telemetry) TraceDispatch(ctx context.Context, operation, target string, fn func(ctx context.Context) error) error {
	if t == nil {
		return fn(ctx)
	}

	ctx, span := t.Tracer.StartDispatchSpan(ctx, operation, target)
	defer span.End()
	timer := NewTimer()

	err := fn(ctx)
	t.Metrics.RecordDispatch(operation, timer.Duration(), errorCode(err))
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	return err
}

// errorCode reads the code of errors that carry one. The interface keeps
// this package free of the error taxonomy.
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return "unknown"
}
