package multiengine

import (
	"context"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/engine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/future"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/history"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/scatter"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/targets"
)

// Execute runs script on every target. Each reply carries the engine's
// result record.
func (m *MultiEngine) Execute(ctx context.Context, spec targets.Spec, script string) (*future.Future[[]*engine.Reply], error) {
	return m.Dispatch(ctx, spec, engine.Op{Kind: engine.OpExecute, Script: script})
}

// Push binds ns in the namespace of every target.
func (m *MultiEngine) Push(ctx context.Context, spec targets.Spec, ns []serial.NamedValue) (*future.Future[[]*engine.Reply], error) {
	for _, nv := range ns {
		if err := m.codec.CheckSize(nv.Value); err != nil {
			return nil, err
		}
	}
	return m.Dispatch(ctx, spec, engine.Op{Kind: engine.OpPush, Namespace: ns})
}

// Pull reads keys from every target. The result holds one value per key for
// each target.
func (m *MultiEngine) Pull(ctx context.Context, spec targets.Spec, keys []string) (*future.Future[[][]serial.Value], error) {
	if len(keys) == 0 {
		return nil, errdefs.ProtocolError("pull needs at least one key")
	}
	f, err := m.Dispatch(ctx, spec, engine.Op{Kind: engine.OpPull, Keys: keys})
	if err != nil {
		return nil, err
	}
	return future.Then(f, func(replies []*engine.Reply) ([][]serial.Value, error) {
		out := make([][]serial.Value, len(replies))
		for i, r := range replies {
			vals, err := pulled(r, keys)
			if err != nil {
				return nil, &TargetError{Index: i, EngineID: r.EngineID, Err: err, Replies: replies[:i]}
			}
			out[i] = vals
		}
		return out, nil
	}), nil
}

// pulled returns the values of a pull reply in key order.
func pulled(r *engine.Reply, keys []string) ([]serial.Value, error) {
	out := make([]serial.Value, len(keys))
	for i, k := range keys {
		v, ok := r.Value(k)
		if !ok {
			return nil, errdefs.KeyError(k).WithEngine(r.EngineID)
		}
		out[i] = v
	}
	return out, nil
}

// Reset clears the namespace of every target.
func (m *MultiEngine) Reset(ctx context.Context, spec targets.Spec) (*future.Future[[]*engine.Reply], error) {
	return m.Dispatch(ctx, spec, engine.Op{Kind: engine.OpReset})
}

// Kill asks every target to exit.
func (m *MultiEngine) Kill(ctx context.Context, spec targets.Spec) (*future.Future[[]*engine.Reply], error) {
	return m.Dispatch(ctx, spec, engine.Op{Kind: engine.OpKill})
}

// Keys lists the names bound in every target's namespace.
func (m *MultiEngine) Keys(ctx context.Context, spec targets.Spec) (*future.Future[[]serial.Value], error) {
	f, err := m.Dispatch(ctx, spec, engine.Op{Kind: engine.OpKeys})
	if err != nil {
		return nil, err
	}
	return future.Then(f, func(replies []*engine.Reply) ([]serial.Value, error) {
		out := make([]serial.Value, len(replies))
		for i, r := range replies {
			v, ok := r.Value("KEYS")
			if !ok {
				return nil, &TargetError{
					Index:    i,
					EngineID: r.EngineID,
					Err:      errdefs.ProtocolError("engine %d sent no KEYS value", r.EngineID),
					Replies:  replies[:i],
				}
			}
			out[i] = v
		}
		return out, nil
	}), nil
}

// Scatter partitions seq across the targets in order and binds block i under
// key on target i. All blocks are built before anything is enqueued. With
// flatten a one-element block is bound as the element itself; Gather of the
// same key undoes that.
func (m *MultiEngine) Scatter(ctx context.Context, spec targets.Spec, key string, seq serial.Value, style string, flatten bool) (*future.Future[[]*engine.Reply], error) {
	if err := scatter.CheckStyle(style); err != nil {
		return nil, err
	}
	engines, err := targets.Resolve(m.reg, spec)
	if err != nil {
		return nil, err
	}

	blocks, err := scatter.PartitionBlocks(seq, len(engines), flatten)
	if err != nil {
		return nil, err
	}
	ops := make([]engine.Op, len(engines))
	for i, b := range blocks {
		if err := m.codec.CheckSize(b.Value); err != nil {
			return nil, err
		}
		ops[i] = engine.Op{
			Kind:      engine.OpPush,
			Namespace: []serial.NamedValue{{Key: key, Value: b.Value}},
		}
	}
	f := m.dispatch(ctx, "scatter", spec, engines, ops)
	m.layouts.mark(m.reg, engines, key, blocks)
	return f, nil
}

// Gather pulls key from every target and joins the blocks in target order.
func (m *MultiEngine) Gather(ctx context.Context, spec targets.Spec, key, style string) (*future.Future[serial.Value], error) {
	if err := scatter.CheckStyle(style); err != nil {
		return nil, err
	}
	engines, err := targets.Resolve(m.reg, spec)
	if err != nil {
		return nil, err
	}

	ops := make([]engine.Op, len(engines))
	for i := range ops {
		ops[i] = engine.Op{Kind: engine.OpPull, Keys: []string{key}}
	}
	f := m.dispatch(ctx, "gather", spec, engines, ops)
	return future.Then(f, func(replies []*engine.Reply) (serial.Value, error) {
		parts := make([]serial.Value, len(replies))
		for i, r := range replies {
			v, ok := r.Value(key)
			if !ok {
				return serial.Value{}, &TargetError{
					Index:    i,
					EngineID: r.EngineID,
					Err:      errdefs.KeyError(key).WithEngine(r.EngineID),
					Replies:  replies[:i],
				}
			}
			parts[i] = v
		}
		joined, err := scatter.JoinBlocks(m.layouts.blocks(engines, key, parts))
		if err != nil {
			return serial.Value{}, err
		}
		return joined, m.codec.CheckSize(joined)
	}), nil
}

// GetResult returns entry index of each target's execute history. A negative
// index selects the latest entry. On a *TargetError the entries of the
// targets before the failing one are returned with it.
func (m *MultiEngine) GetResult(ctx context.Context, spec targets.Spec, index int) ([]*history.Entry, error) {
	return forEach(m, ctx, "getresult", spec, func(e *engine.Engine) (*history.Entry, error) {
		if m.history == nil {
			return nil, errdefs.Newf(errdefs.CodeKeyError, "engine %d keeps no history", e.ID()).WithEngine(e.ID())
		}
		return m.history.Get(ctx, e.ID(), e.Session(), index)
	})
}

// QueueStatus reports the queue of every target.
func (m *MultiEngine) QueueStatus(ctx context.Context, spec targets.Spec) ([]engine.QueueStatus, error) {
	return forEach(m, ctx, "status", spec, func(e *engine.Engine) (engine.QueueStatus, error) {
		return m.reg.QueueStatus(e.ID())
	})
}

// ClearQueue fails the queued commands of every target and returns how many
// each lost. The command in flight is untouched.
func (m *MultiEngine) ClearQueue(ctx context.Context, spec targets.Spec) ([]int, error) {
	return forEach(m, ctx, "clearqueue", spec, func(e *engine.Engine) (int, error) {
		return m.reg.ClearQueue(e.ID())
	})
}

// SetProperties merges props into the properties of every target.
func (m *MultiEngine) SetProperties(ctx context.Context, spec targets.Spec, props map[string]serial.Value) error {
	_, err := forEach(m, ctx, "setproperties", spec, func(e *engine.Engine) (struct{}, error) {
		return struct{}{}, m.reg.SetProperties(e.ID(), props)
	})
	return err
}

// GetProperties returns the properties of every target. No keys returns all
// properties.
func (m *MultiEngine) GetProperties(ctx context.Context, spec targets.Spec, keys []string) ([]map[string]serial.Value, error) {
	return forEach(m, ctx, "getproperties", spec, func(e *engine.Engine) (map[string]serial.Value, error) {
		return m.reg.GetProperties(e.ID(), keys)
	})
}

// HasProperties reports for every target which of keys are set.
func (m *MultiEngine) HasProperties(ctx context.Context, spec targets.Spec, keys []string) ([][]bool, error) {
	return forEach(m, ctx, "hasproperties", spec, func(e *engine.Engine) ([]bool, error) {
		return m.reg.HasProperties(e.ID(), keys)
	})
}

// DelProperties removes keys from the properties of every target.
func (m *MultiEngine) DelProperties(ctx context.Context, spec targets.Spec, keys []string) error {
	_, err := forEach(m, ctx, "delproperties", spec, func(e *engine.Engine) (struct{}, error) {
		return struct{}{}, m.reg.DelProperties(e.ID(), keys)
	})
	return err
}

// ClearProperties removes every property of every target.
func (m *MultiEngine) ClearProperties(ctx context.Context, spec targets.Spec) error {
	_, err := forEach(m, ctx, "clearproperties", spec, func(e *engine.Engine) (struct{}, error) {
		return struct{}{}, m.reg.ClearProperties(e.ID())
	})
	return err
}
