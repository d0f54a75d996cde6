package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/future"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
)

// OpKind is the kind of operation an engine performs.
type OpKind string

const (
	// OpExecute runs an opaque script in the engine's namespace.
	OpExecute OpKind = "execute"

	// OpPush binds values in the engine's namespace.
	OpPush OpKind = "push"

	// OpPull reads values from the engine's namespace.
	OpPull OpKind = "pull"

	// OpReset clears the engine's namespace.
	OpReset OpKind = "reset"

	// OpKill asks the engine process to exit.
	OpKill OpKind = "kill"

	// OpKeys lists the names bound in the engine's namespace.
	OpKeys OpKind = "keys"
)

// Verb returns the wire verb sent to the engine for this kind.
func (k OpKind) Verb() string {
	return strings.ToUpper(string(k))
}

// Validate checks if the operation kind is known.
func (k OpKind) Validate() error {
	switch k {
	case OpExecute, OpPush, OpPull, OpReset, OpKill, OpKeys:
		return nil
	default:
		return fmt.Errorf("invalid operation kind: %s", k)
	}
}

// Op is one operation forwarded to an engine. The script is opaque to the
// controller.
type Op struct {
	// Kind selects the operation.
	Kind OpKind

	// Script is the source for OpExecute.
	Script string

	// Keys names the values for OpPull.
	Keys []string

	// Namespace holds the values for OpPush, in push order.
	Namespace []serial.NamedValue
}

// String returns a short description used in queue status and logs.
func (o Op) String() string {
	switch o.Kind {
	case OpExecute:
		script := o.Script
		if len(script) > 60 {
			script = script[:57] + "..."
		}
		return fmt.Sprintf("execute(%q)", script)
	case OpPull:
		return fmt.Sprintf("pull(%s)", strings.Join(o.Keys, ","))
	case OpPush:
		keys := make([]string, len(o.Namespace))
		for i, nv := range o.Namespace {
			keys[i] = nv.Key
		}
		return fmt.Sprintf("push(%s)", strings.Join(keys, ","))
	default:
		return string(o.Kind)
	}
}

// Reply is an engine's answer to one command.
type Reply struct {
	// EngineID is the engine that produced the reply.
	EngineID int

	// Op is the operation the reply answers.
	Op Op

	// Values are the values the engine sent back, in order. Execute replies
	// carry the engine's result record; pull replies one value per key.
	Values []serial.NamedValue

	// Submitted is when the command entered the queue.
	Submitted time.Time

	// Completed is when the reply arrived.
	Completed time.Time
}

// Value returns the value stored under key.
func (r *Reply) Value(key string) (serial.Value, bool) {
	for _, nv := range r.Values {
		if nv.Key == key {
			return nv.Value, true
		}
	}
	return serial.Value{}, false
}

// Command is a queued operation for one engine.
type Command struct {
	// Seq orders commands across the registry.
	Seq uint64

	// EngineID is the engine the command is queued on.
	EngineID int

	// Op is the operation to perform.
	Op Op

	// Submitted is when the command was enqueued.
	Submitted time.Time

	// Dispatched is when the command was handed to the connection.
	Dispatched time.Time

	fut *future.Future[*Reply]
}

// Future returns the completion future of the command.
func (c *Command) Future() *future.Future[*Reply] {
	return c.fut
}

// Conn is the controller's handle on an engine connection.
type Conn interface {
	// Dispatch sends cmd to the engine. It must not block waiting for the
	// reply; the reply is delivered later through Registry.Complete.
	Dispatch(cmd *Command) error

	// RemoteAddr describes the peer for logs and events.
	RemoteAddr() string

	// Close drops the connection.
	Close() error
}

// QueueStatus describes an engine's queue at one instant.
type QueueStatus struct {
	// EngineID is the engine the status belongs to.
	EngineID int `cbor:"engine_id"`

	// QueueLength is the number of commands not yet dispatched.
	QueueLength int `cbor:"queue_length"`

	// Current is the command dispatched to the engine and not yet answered.
	Current *string `cbor:"current"`

	// Queued describes the undispatched commands in FIFO order.
	Queued []string `cbor:"queued"`
}
