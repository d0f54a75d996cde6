// Package enginetest provides in-memory engine connections for tests.
package enginetest

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/engine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
)

// Handler answers one command.
type Handler func(cmd *engine.Command) (*engine.Reply, error)

// Conn is an engine.Conn backed by a Handler. With a nil handler every
// dispatched command is delivered on Commands and the test answers it with
// Reply or Fail.
type Conn struct {
	reg     *engine.Registry
	handler Handler
	addr    string

	mu         sync.Mutex
	dispatched []*engine.Command
	closed     bool

	// Commands receives dispatched commands in manual mode.
	Commands chan *engine.Command
}

// NewConn creates a connection that completes commands on reg.
func NewConn(reg *engine.Registry, handler Handler) *Conn {
	return &Conn{
		reg:      reg,
		handler:  handler,
		addr:     "pipe",
		Commands: make(chan *engine.Command, 64),
	}
}

// Register creates a connection and registers it.
func Register(reg *engine.Registry, handler Handler, requestedID *int) (*Conn, int) {
	c := NewConn(reg, handler)
	id := reg.Register(c, requestedID)
	return c, id
}

// Dispatch implements engine.Conn.
func (c *Conn) Dispatch(cmd *engine.Command) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection closed")
	}
	c.dispatched = append(c.dispatched, cmd)
	c.mu.Unlock()

	if c.handler == nil {
		c.Commands <- cmd
		return nil
	}
	go func() {
		reply, err := c.handler(cmd)
		_ = c.reg.Complete(cmd.EngineID, reply, err)
	}()
	return nil
}

// Reply completes the in-flight command of engine id with values.
func (c *Conn) Reply(id int, values ...serial.NamedValue) error {
	return c.reg.Complete(id, &engine.Reply{Values: values}, nil)
}

// Fail completes the in-flight command of engine id with err.
func (c *Conn) Fail(id int, err error) error {
	return c.reg.Complete(id, nil, err)
}

// RemoteAddr implements engine.Conn.
func (c *Conn) RemoteAddr() string { return c.addr }

// Close implements engine.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dispatched returns the commands dispatched so far, in order.
func (c *Conn) Dispatched() []*engine.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*engine.Command(nil), c.dispatched...)
}

// Namespace is a Handler that keeps a value namespace like a real engine.
// Execute replies with a result record holding the script and a counter.
type Namespace struct {
	// Delay is slept before answering.
	Delay time.Duration

	mu      sync.Mutex
	values  map[string]serial.Value
	counter int
}

// NewNamespace creates an empty namespace handler.
func NewNamespace() *Namespace {
	return &Namespace{values: make(map[string]serial.Value)}
}

// Handle implements Handler.
func (n *Namespace) Handle(cmd *engine.Command) (*engine.Reply, error) {
	if n.Delay > 0 {
		time.Sleep(n.Delay)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	switch cmd.Op.Kind {
	case engine.OpExecute:
		record := map[string]any{
			"id":     n.counter,
			"stdin":  cmd.Op.Script,
			"stdout": "",
			"stderr": "",
		}
		n.counter++
		return &engine.Reply{Values: []serial.NamedValue{{Key: "RESULT", Value: serial.MustEncode(record)}}}, nil
	case engine.OpPush:
		for _, nv := range cmd.Op.Namespace {
			n.values[nv.Key] = nv.Value
		}
		return &engine.Reply{}, nil
	case engine.OpPull:
		out := make([]serial.NamedValue, 0, len(cmd.Op.Keys))
		for _, k := range cmd.Op.Keys {
			v, ok := n.values[k]
			if !ok {
				return nil, errdefs.KeyError(k).WithEngine(cmd.EngineID)
			}
			out = append(out, serial.NamedValue{Key: k, Value: v})
		}
		return &engine.Reply{Values: out}, nil
	case engine.OpReset:
		n.values = make(map[string]serial.Value)
		return &engine.Reply{}, nil
	case engine.OpKeys:
		keys := make([]string, 0, len(n.values))
		for k := range n.values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return &engine.Reply{Values: []serial.NamedValue{{Key: "KEYS", Value: serial.MustEncode(keys)}}}, nil
	case engine.OpKill:
		return &engine.Reply{}, nil
	default:
		return nil, fmt.Errorf("unsupported operation %s", cmd.Op.Kind)
	}
}
