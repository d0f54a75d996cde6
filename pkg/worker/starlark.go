package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
)

func init() {
	// Scripts behave like interactive cells: names may be rebound and
	// top-level loops, while and set are allowed.
	resolve.AllowGlobalReassign = true
	resolve.AllowRecursion = true
	resolve.AllowSet = true
}

// DefaultTimeout bounds one script when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// modules are predeclared in every script.
var modules = starlark.StringDict{
	"struct": starlarkstruct.Default,
	"math":   starlarkmath.Module,
	"json":   starlarkjson.Module,
	"time":   starlarktime.Module,
}

// Evaluator runs Starlark scripts with a per-script deadline.
type Evaluator struct {
	timeout time.Duration
}

func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{timeout: timeout}
}

// Execution is what one script left behind.
type Execution struct {
	Globals  starlark.StringDict // names bound by the script
	Stdout   string              // print output, one line per call
	Duration time.Duration
}

// Run executes script with env and the standard modules predeclared. The
// thread is cancelled when ctx ends or the timeout passes; a cancelled
// script fails with the context error text.
func (ev *Evaluator) Run(ctx context.Context, script string, env starlark.StringDict) (*Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, ev.timeout)
	defer cancel()

	var stdout strings.Builder
	thread := &starlark.Thread{
		Name:  "engine",
		Print: func(_ *starlark.Thread, msg string) { fmt.Fprintln(&stdout, msg) },
	}
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	predeclared := make(starlark.StringDict, len(modules)+len(env))
	for k, v := range modules {
		predeclared[k] = v
	}
	for k, v := range env {
		predeclared[k] = v
	}

	began := time.Now()
	globals, err := starlark.ExecFile(thread, "<engine>", script, predeclared)
	exec := &Execution{Globals: globals, Stdout: stdout.String(), Duration: time.Since(began)}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return exec, errors.New(evalErr.Backtrace())
	}
	return exec, err
}

// toStarlark converts a decoded namespace value. Arrays become lists of
// their elements in row-major order.
func toStarlark(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case uint64:
		return starlark.MakeUint64(x), nil
	case float64:
		return starlark.Float(x), nil
	case string:
		return starlark.String(x), nil
	case []byte:
		return starlark.Bytes(x), nil
	case []any:
		elems := make([]starlark.Value, 0, len(x))
		for _, item := range x {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		d := starlark.NewDict(len(x))
		for k, item := range x {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	case *serial.Array:
		return arrayList(x)
	}
	return nil, fmt.Errorf("%T has no Starlark form", v)
}

func arrayList(a *serial.Array) (starlark.Value, error) {
	var elems []starlark.Value
	switch a.DType {
	case serial.DTypeFloat64:
		fs, err := a.Float64s()
		if err != nil {
			return nil, err
		}
		for _, f := range fs {
			elems = append(elems, starlark.Float(f))
		}
	case serial.DTypeInt64:
		ns, err := a.Int64s()
		if err != nil {
			return nil, err
		}
		for _, n := range ns {
			elems = append(elems, starlark.MakeInt64(n))
		}
	case serial.DTypeInt32:
		ns, err := a.Int32s()
		if err != nil {
			return nil, err
		}
		for _, n := range ns {
			elems = append(elems, starlark.MakeInt64(int64(n)))
		}
	default:
		return nil, fmt.Errorf("arrays of %s have no Starlark form", a.DType)
	}
	return starlark.NewList(elems), nil
}

// fromStarlark converts a script value into one the codec can encode.
// Functions, builtins and modules are rejected; the worker keeps them
// in the namespace as they are.
func fromStarlark(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		if n, ok := x.Int64(); ok {
			return n, nil
		}
		return nil, fmt.Errorf("integer %s does not fit in 64 bits", x)
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Bytes:
		return []byte(x), nil
	case starlark.Indexable: // list, tuple, range
		out := make([]any, x.Len())
		for i := range out {
			item, err := fromStarlark(x.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, kv := range x.Items() {
			k, ok := starlark.AsString(kv[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", kv[0])
			}
			item, err := fromStarlark(kv[1])
			if err != nil {
				return nil, err
			}
			out[k] = item
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]any)
		for _, name := range x.AttrNames() {
			attr, err := x.Attr(name)
			if err != nil {
				return nil, err
			}
			item, err := fromStarlark(attr)
			if err != nil {
				return nil, err
			}
			out[name] = item
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s values cannot be serialized", v.Type())
}
