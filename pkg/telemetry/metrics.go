package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// latencyBuckets spans sub-millisecond registry work up to long scripts.
var latencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120}

// Metrics holds the controller's Prometheus collectors. A nil or disabled
// *Metrics records nothing.
type Metrics struct {
	cfg      MetricsConfig
	registry *prometheus.Registry

	enginesRegistered prometheus.Gauge
	registryChanges   *prometheus.CounterVec
	queueLength       *prometheus.GaugeVec
	queueCleared      prometheus.Counter

	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	dispatchFailures *prometheus.CounterVec

	engineCommands        *prometheus.CounterVec
	engineCommandDuration *prometheus.HistogramVec

	pendingResults prometheus.Gauge
	pendingClients prometheus.Gauge

	connections    *prometheus.GaugeVec
	frames         *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
	errors         *prometheus.CounterVec
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{cfg: cfg}, nil
	}

	ns := cfg.Namespace
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help})
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogramVec := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: name, Help: help, Buckets: latencyBuckets,
		}, labels)
	}

	m := &Metrics{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),

		enginesRegistered: gauge("engines_registered", "Registered engines."),
		registryChanges:   counterVec("engine_registrations_total", "Engine registry changes by event.", "event"),
		queueLength:       gaugeVec("engine_queue_length", "Undispatched commands per engine.", "engine"),
		queueCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "queued_commands_cleared_total", Help: "Commands removed by clear-queue.",
		}),

		dispatches:       counterVec("dispatches_total", "Multiplexed operations by outcome.", "operation", "status"),
		dispatchDuration: histogramVec("dispatch_duration_seconds", "Duration of multiplexed operations.", "operation"),
		dispatchFailures: counterVec("dispatch_failures_total", "Failed multiplexed operations by error code.", "operation", "code"),

		engineCommands:        counterVec("engine_commands_total", "Commands answered by engines.", "operation", "status"),
		engineCommandDuration: histogramVec("engine_command_duration_seconds", "Time from dispatch to engine reply.", "operation"),

		pendingResults: gauge("pending_results", "Unfetched pending results."),
		pendingClients: gauge("pending_clients", "Registered clients."),

		connections:    gaugeVec("connections", "Open connections by role.", "role"),
		frames:         counterVec("frames_total", "Frames by direction.", "direction"),
		protocolErrors: counterVec("protocol_errors_total", "Protocol error replies by token.", "token"),
		errors:         counterVec("errors_by_code_total", "Errors by code.", "code"),
	}

	collectors := []prometheus.Collector{
		m.enginesRegistered, m.registryChanges, m.queueLength, m.queueCleared,
		m.dispatches, m.dispatchDuration, m.dispatchFailures,
		m.engineCommands, m.engineCommandDuration,
		m.pendingResults, m.pendingClients,
		m.connections, m.frames, m.protocolErrors, m.errors,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) enabled() bool { return m != nil && m.registry != nil }

func outcome(failed bool) string {
	if failed {
		return "fail"
	}
	return "ok"
}

// RecordEngineRegistered counts a registration; count is the new total.
func (m *Metrics) RecordEngineRegistered(count int) {
	if !m.enabled() {
		return
	}
	m.registryChanges.WithLabelValues("registered").Inc()
	m.enginesRegistered.Set(float64(count))
}

// RecordEngineUnregistered counts a removal for reason and drops the
// engine's queue gauge.
func (m *Metrics) RecordEngineUnregistered(id, count int, reason string) {
	if !m.enabled() {
		return
	}
	m.registryChanges.WithLabelValues(reason).Inc()
	m.enginesRegistered.Set(float64(count))
	m.queueLength.DeleteLabelValues(strconv.Itoa(id))
}

func (m *Metrics) SetQueueLength(id, length int) {
	if !m.enabled() {
		return
	}
	m.queueLength.WithLabelValues(strconv.Itoa(id)).Set(float64(length))
}

func (m *Metrics) RecordQueueCleared(count int) {
	if !m.enabled() {
		return
	}
	m.queueCleared.Add(float64(count))
}

// RecordDispatch records a multiplexed operation. An empty errorCode means
// success.
func (m *Metrics) RecordDispatch(operation string, d time.Duration, errorCode string) {
	if !m.enabled() {
		return
	}
	if errorCode != "" {
		m.dispatchFailures.WithLabelValues(operation, errorCode).Inc()
	}
	m.dispatches.WithLabelValues(operation, outcome(errorCode != "")).Inc()
	m.dispatchDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordEngineCommand records one engine round trip.
func (m *Metrics) RecordEngineCommand(operation string, d time.Duration, failed bool) {
	if !m.enabled() {
		return
	}
	m.engineCommands.WithLabelValues(operation, outcome(failed)).Inc()
	m.engineCommandDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) AddPendingResults(delta int) {
	if !m.enabled() {
		return
	}
	m.pendingResults.Add(float64(delta))
}

func (m *Metrics) SetPendingClients(count int) {
	if !m.enabled() {
		return
	}
	m.pendingClients.Set(float64(count))
}

// ConnectionOpened and ConnectionClosed track open connections; role is
// "client" or "engine".
func (m *Metrics) ConnectionOpened(role string) {
	if !m.enabled() {
		return
	}
	m.connections.WithLabelValues(role).Inc()
}

func (m *Metrics) ConnectionClosed(role string) {
	if !m.enabled() {
		return
	}
	m.connections.WithLabelValues(role).Dec()
}

func (m *Metrics) RecordFrameIn() {
	if !m.enabled() {
		return
	}
	m.frames.WithLabelValues("in").Inc()
}

func (m *Metrics) RecordFrameOut() {
	if !m.enabled() {
		return
	}
	m.frames.WithLabelValues("out").Inc()
}

// RecordProtocolError counts a status token such as "BAD COMMAND".
func (m *Metrics) RecordProtocolError(token string) {
	if !m.enabled() {
		return
	}
	m.protocolErrors.WithLabelValues(token).Inc()
}

func (m *Metrics) RecordError(code string) {
	if !m.enabled() || code == "" {
		return
	}
	m.errors.WithLabelValues(code).Inc()
}

// Gatherer exposes the registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if !m.enabled() {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer serves Handler on the configured address in the
// background. It returns nil when metrics are disabled.
func (m *Metrics) StartMetricsServer(logger *Logger) (*http.Server, error) {
	if !m.enabled() {
		return nil, nil
	}

	path := m.cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	srv := &http.Server{
		Addr:              m.cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()
	return srv, nil
}

// Timer measures the time since it was created.
type Timer struct{ start time.Time }

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
