// Package multiengine fans operations out to the engines named by a target
// spec and aggregates their results.
//
// Results are always index-aligned with the resolved targets. A multiplexed
// call fails with the first per-engine failure in target order, wrapped in a
// *TargetError; the other engines keep running and their outcomes are
// dropped by that call.
package multiengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/engine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/future"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/history"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/targets"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/telemetry"
)

// TargetError reports which target of a multiplexed call failed.
type TargetError struct {
	// Index is the position of the failed engine in the resolved targets.
	Index int

	// EngineID is the failed engine.
	EngineID int

	// Err is the engine's failure.
	Err error

	// Replies holds the replies of the targets before Index, all of which
	// succeeded.
	Replies []*engine.Reply
}

// Error implements the error interface.
func (e *TargetError) Error() string {
	return fmt.Sprintf("target %d (engine %d) failed: %v", e.Index, e.EngineID, e.Err)
}

// Unwrap returns the engine's failure.
func (e *TargetError) Unwrap() error {
	return e.Err
}

// MultiEngine is the controller's single implementation of the multiplexed
// engine interface. Transports translate their requests into calls on it.
type MultiEngine struct {
	reg     *engine.Registry
	history *history.Store
	codec   *serial.Codec
	layouts *layouts

	logger  *telemetry.Logger
	tel     *telemetry.Telemetry
	metrics *telemetry.Metrics

	// recMu orders execute enqueues with their history recorders. tails
	// holds, per engine, the done channel of its latest recorder.
	recMu sync.Mutex
	tails map[*engine.Engine]chan struct{}
}

// Option configures a MultiEngine.
type Option func(*MultiEngine)

// WithHistory records execute outcomes in store.
func WithHistory(store *history.Store) Option {
	return func(m *MultiEngine) { m.history = store }
}

// WithCodec sets the codec whose size limit applies to values built by the
// controller itself, such as scatter partitions.
func WithCodec(c *serial.Codec) Option {
	return func(m *MultiEngine) { m.codec = c }
}

// WithTelemetry traces and measures dispatches with tel and logs through
// its logger.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(m *MultiEngine) {
		if tel == nil {
			return
		}
		m.tel = tel
		m.logger = tel.Logger
		m.metrics = tel.Metrics
	}
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(m *MultiEngine) { m.logger = l }
}

// New creates a MultiEngine over reg.
func New(reg *engine.Registry, opts ...Option) *MultiEngine {
	m := &MultiEngine{
		reg:     reg,
		codec:   serial.NewCodec(0),
		layouts: newLayouts(),
		logger:  telemetry.NewNopLogger(),
		tails:   make(map[*engine.Engine]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.NewComponentLogger("multiengine")
	return m
}

// Registry returns the underlying registry.
func (m *MultiEngine) Registry() *engine.Registry { return m.reg }

// IDs returns the registered engine ids in ascending order.
func (m *MultiEngine) IDs() []int { return m.reg.IDs() }

// Dispatch sends op to every engine spec resolves to. Resolution errors are
// returned before anything is enqueued.
func (m *MultiEngine) Dispatch(ctx context.Context, spec targets.Spec, op engine.Op) (*future.Future[[]*engine.Reply], error) {
	engines, err := targets.Resolve(m.reg, spec)
	if err != nil {
		m.metrics.RecordError(string(errdefs.CodeOf(err)))
		return nil, err
	}
	ops := make([]engine.Op, len(engines))
	for i := range ops {
		ops[i] = op
	}
	return m.dispatch(ctx, string(op.Kind), spec, engines, ops), nil
}

// dispatch enqueues ops[i] on engines[i] and joins the replies in target
// order. The dispatch span covers the wait for the last reply.
func (m *MultiEngine) dispatch(ctx context.Context, name string, spec targets.Spec, engines []*engine.Engine, ops []engine.Op) *future.Future[[]*engine.Reply] {
	futs := make([]*future.Future[*engine.Reply], len(engines))
	for i, e := range engines {
		m.layouts.apply(e, ops[i])
		futs[i] = m.enqueue(ctx, e, ops[i])
	}

	out := future.New[[]*engine.Reply]()
	joined := future.JoinOrdered(futs)
	go func() {
		var replies []*engine.Reply
		err := m.tel.TraceDispatch(context.WithoutCancel(ctx), name, spec.String(), func(ctx context.Context) error {
			trace.SpanFromContext(ctx).SetAttributes(telemetry.AttrTargetCount.Int(len(engines)))

			var err error
			replies, err = joined.Wait(context.Background())
			var je *future.JoinError
			if errors.As(err, &je) {
				partial := make([]*engine.Reply, je.Index)
				for i := range partial {
					partial[i], _, _ = futs[i].Result()
				}
				err = &TargetError{
					Index:    je.Index,
					EngineID: engines[je.Index].ID(),
					Err:      je.Err,
					Replies:  partial,
				}
			}
			return err
		})
		if err != nil {
			m.logger.WithError(err).Debugf("%s failed", name)
			out.Fail(err)
			return
		}
		out.Resolve(replies)
	}()
	return out
}

// enqueue queues op on e. An execute also gets a history recorder chained
// behind the previous one of e, so entries are written in the order the
// engine ran the scripts.
func (m *MultiEngine) enqueue(ctx context.Context, e *engine.Engine, op engine.Op) *future.Future[*engine.Reply] {
	if op.Kind != engine.OpExecute || m.history == nil {
		return m.submit(e, op)
	}

	m.recMu.Lock()
	defer m.recMu.Unlock()
	f := m.submit(e, op)
	prev := m.tails[e]
	done := make(chan struct{})
	m.tails[e] = done
	go m.record(ctx, e, op, f, time.Now(), prev, done)
	return f
}

func (m *MultiEngine) submit(e *engine.Engine, op engine.Op) *future.Future[*engine.Reply] {
	f, err := m.reg.Enqueue(e.ID(), op)
	if err != nil {
		// The engine left between resolution and enqueue.
		return future.Failed[*engine.Reply](err)
	}
	return f
}

// record stores the outcome of an execute command in the engine's history
// once it completes, whether or not a multiplexed call still waits for it.
// It writes only after the recorder before it, prev, is done.
func (m *MultiEngine) record(ctx context.Context, e *engine.Engine, op engine.Op, f *future.Future[*engine.Reply], submitted time.Time, prev <-chan struct{}, done chan struct{}) {
	defer func() {
		close(done)
		m.recMu.Lock()
		if m.tails[e] == done {
			delete(m.tails, e)
		}
		m.recMu.Unlock()
	}()

	<-f.Done()
	if prev != nil {
		<-prev
	}
	reply, _, err := f.Result()

	entry := &history.Entry{
		EngineID:  e.ID(),
		Session:   e.Session(),
		Op:        string(op.Kind),
		Summary:   op.Script,
		Submitted: submitted,
		Completed: time.Now(),
	}
	if err != nil {
		if errdefs.IsQueueCleared(err) || errdefs.IsInvalidEngineID(err) {
			// Never ran.
			return
		}
		fv, ferr := m.codec.EncodeFailure(err, e.ID())
		if ferr != nil {
			return
		}
		entry.Failed = true
		// Stored under RESULT; serial.AsFailure tells it apart.
		entry.Values = []serial.NamedValue{{Key: "RESULT", Value: fv}}
	} else {
		entry.Submitted = reply.Submitted
		entry.Completed = reply.Completed
		entry.Values = reply.Values
	}

	if _, err := m.history.Record(context.WithoutCancel(ctx), entry); err != nil {
		m.logger.WithEngineID(e.ID()).WithError(err).Warn("failed to record history entry")
	}
}

// forEach runs fn for every resolved engine in order and stops at the first
// error. The results of the engines before the failing one are returned with
// the *TargetError.
func forEach[T any](m *MultiEngine, ctx context.Context, name string, spec targets.Spec, fn func(e *engine.Engine) (T, error)) ([]T, error) {
	var out []T
	err := m.tel.TraceDispatch(ctx, name, spec.String(), func(ctx context.Context) error {
		engines, err := targets.Resolve(m.reg, spec)
		if err != nil {
			return err
		}
		trace.SpanFromContext(ctx).SetAttributes(telemetry.AttrTargetCount.Int(len(engines)))

		out = make([]T, 0, len(engines))
		for i, e := range engines {
			v, err := fn(e)
			if err != nil {
				return &TargetError{Index: i, EngineID: e.ID(), Err: err}
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		m.logger.WithError(err).Debugf("%s failed", name)
	}
	return out, err
}
