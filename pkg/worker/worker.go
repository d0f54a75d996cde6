// Package worker is a reference engine: it keeps a value namespace and
// evaluates Starlark scripts against it on behalf of a controller.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.starlark.net/starlark"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/engine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/protocol"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/telemetry"
)

// Reply keys.
const (
	KeyResult = protocol.KeyResult
	KeyKeys   = protocol.KeyKeys
)

// Result is the record returned for every executed script.
type Result struct {
	ID     int    `cbor:"id"`
	Stdin  string `cbor:"stdin"`
	Stdout string `cbor:"stdout"`
	Stderr string `cbor:"stderr"`
}

// Config configures a Worker.
type Config struct {
	// Timeout bounds one script.
	Timeout time.Duration

	// MaxFrameSize bounds values sent back to the controller.
	MaxFrameSize int

	Logger *telemetry.Logger
}

// Worker holds an engine namespace. Data values live in values as they
// travel on the wire; functions and other non-data bindings live in funcs.
type Worker struct {
	eval   *Evaluator
	codec  *serial.Codec
	logger *telemetry.Logger

	mu      sync.Mutex
	values  map[string]serial.Value
	funcs   starlark.StringDict
	counter int
}

// New creates a worker with an empty namespace.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Worker{
		eval:   NewEvaluator(cfg.Timeout),
		codec:  serial.NewCodec(cfg.MaxFrameSize),
		logger: logger.NewComponentLogger("worker"),
		values: make(map[string]serial.Value),
		funcs:  make(starlark.StringDict),
	}
}

// Handle performs one controller command. It satisfies
// protocol.EngineHandler.
func (w *Worker) Handle(cmd *engine.Command) (*engine.Reply, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch cmd.Op.Kind {
	case engine.OpExecute:
		return w.execute(cmd.Op.Script)
	case engine.OpPush:
		for _, nv := range cmd.Op.Namespace {
			w.values[nv.Key] = nv.Value
			delete(w.funcs, nv.Key)
		}
		return &engine.Reply{}, nil
	case engine.OpPull:
		out := make([]serial.NamedValue, 0, len(cmd.Op.Keys))
		for _, k := range cmd.Op.Keys {
			v, ok := w.values[k]
			if !ok {
				if _, isFunc := w.funcs[k]; isFunc {
					return nil, errdefs.Newf(errdefs.CodeSerializationError, "%s cannot be serialized", k)
				}
				return nil, errdefs.KeyError(k)
			}
			out = append(out, serial.NamedValue{Key: k, Value: v})
		}
		return &engine.Reply{Values: out}, nil
	case engine.OpReset:
		w.values = make(map[string]serial.Value)
		w.funcs = make(starlark.StringDict)
		return &engine.Reply{}, nil
	case engine.OpKeys:
		keys, err := w.codec.Encode(w.keys())
		if err != nil {
			return nil, err
		}
		return &engine.Reply{Values: []serial.NamedValue{{Key: KeyKeys, Value: keys}}}, nil
	case engine.OpKill:
		return &engine.Reply{}, nil
	default:
		return nil, fmt.Errorf("unsupported operation %s", cmd.Op.Kind)
	}
}

func (w *Worker) keys() []string {
	keys := make([]string, 0, len(w.values)+len(w.funcs))
	for k := range w.values {
		keys = append(keys, k)
	}
	for k := range w.funcs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// execute runs script and merges the names it binds into the namespace.
func (w *Worker) execute(script string) (*engine.Reply, error) {
	env := make(starlark.StringDict, len(w.values)+len(w.funcs))
	for k, f := range w.funcs {
		env[k] = f
	}
	// Arrays stay arrays unless the script rebinds them.
	injected := make(map[string]starlark.Value)
	for k, v := range w.values {
		decoded, err := w.codec.Decode(v)
		if err != nil {
			return nil, err
		}
		sv, err := toStarlark(decoded)
		if err != nil {
			w.logger.WithError(err).Debugf("%s is not visible to scripts", k)
			continue
		}
		env[k] = sv
		if v.IsArray() {
			injected[k] = sv
		}
	}

	id := w.counter
	w.counter++

	res, err := w.eval.Run(context.Background(), script, env)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeEngineFailure, "script failed", err)
	}

	for name, val := range res.Globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if prev, ok := injected[name]; ok && prev == val {
			continue
		}
		goVal, err := fromStarlark(val)
		if err != nil {
			w.funcs[name] = val
			delete(w.values, name)
			continue
		}
		encoded, err := w.codec.Encode(goVal)
		if err != nil {
			return nil, err
		}
		w.values[name] = encoded
		delete(w.funcs, name)
	}

	record, err := w.codec.Encode(Result{ID: id, Stdin: script, Stdout: res.Stdout})
	if err != nil {
		return nil, err
	}
	return &engine.Reply{Values: []serial.NamedValue{{Key: KeyResult, Value: record}}}, nil
}

// Run connects to the controller at addr, registers and answers commands
// until ctx ends, the controller drops the connection or a KILL arrives.
func (w *Worker) Run(ctx context.Context, addr string, requested *int, maxFrameSize int) error {
	ec, err := protocol.DialEngine(ctx, addr, maxFrameSize, w.logger)
	if err != nil {
		return err
	}
	defer ec.Close()

	id, err := ec.Register(requested)
	if err != nil {
		return err
	}
	w.logger.WithEngineID(id).Infof("serving controller at %s", addr)

	err = ec.Serve(ctx, w.Handle)
	if errors.Is(err, protocol.ErrKilled) {
		return nil
	}
	return err
}
