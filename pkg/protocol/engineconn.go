package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/engine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/telemetry"
)

// Engine reply status frames.
const (
	FrameResult  = "RESULT"
	FrameFailure = "FAILURE"
)

// engineConn is the controller side of a registered engine connection. It
// implements engine.Conn: the registry hands it one command at a time and it
// delivers the engine's reply back through Registry.Complete.
type engineConn struct {
	srv    *Server
	conn   net.Conn
	enc    *Encoder
	dec    *Decoder
	logger *telemetry.Logger

	id int

	mu       sync.Mutex
	ready    bool
	early    []*engine.Command
	inFlight *engine.Command
}

func newEngineConn(srv *Server, conn net.Conn, enc *Encoder, dec *Decoder) *engineConn {
	return &engineConn{
		srv:    srv,
		conn:   conn,
		enc:    enc,
		dec:    dec,
		logger: srv.logger.WithRemote(conn.RemoteAddr().String()),
		id:     -1,
	}
}

// Dispatch implements engine.Conn. Commands handed over before the
// registration reply was written are held until then.
func (c *engineConn) Dispatch(cmd *engine.Command) error {
	c.mu.Lock()
	if !c.ready {
		c.early = append(c.early, cmd)
		c.mu.Unlock()
		return nil
	}
	c.inFlight = cmd
	c.mu.Unlock()

	return c.send(cmd)
}

func (c *engineConn) send(cmd *engine.Command) error {
	frames, err := commandFrames(cmd.Op)
	if err != nil {
		return err
	}
	if err := c.enc.Encode(frames...); err != nil {
		_ = c.conn.Close()
		return fmt.Errorf("failed to send %s to engine %d: %w", cmd.Op.Kind, cmd.EngineID, err)
	}
	for range frames {
		c.srv.metrics.RecordFrameOut()
	}
	return nil
}

// commandFrames renders op as the frames sent to an engine.
func commandFrames(op engine.Op) ([][]byte, error) {
	head := op.Kind.Verb()
	switch op.Kind {
	case engine.OpExecute:
		return [][]byte{[]byte(head + " " + op.Script)}, nil
	case engine.OpPull:
		return [][]byte{[]byte(head + " " + strings.Join(op.Keys, ","))}, nil
	case engine.OpPush:
		frames := [][]byte{[]byte(head)}
		for _, nv := range op.Namespace {
			vf, err := ValueFrames(nv.Key, nv.Value)
			if err != nil {
				return nil, err
			}
			frames = append(frames, vf...)
		}
		return append(frames, []byte(FrameDone)), nil
	default:
		if err := op.Kind.Validate(); err != nil {
			return nil, err
		}
		return [][]byte{[]byte(head)}, nil
	}
}

// RemoteAddr implements engine.Conn.
func (c *engineConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close implements engine.Conn.
func (c *engineConn) Close() error {
	return c.conn.Close()
}

// start writes the registration reply and releases held commands.
func (c *engineConn) start(id int) error {
	c.id = id
	c.logger = c.logger.WithEngineID(id)

	if err := c.enc.EncodeString(fmt.Sprintf("%s %d", VerbRegister, id)); err != nil {
		return err
	}
	c.srv.metrics.RecordFrameOut()

	c.mu.Lock()
	c.ready = true
	var first *engine.Command
	if len(c.early) > 0 {
		// The registry dispatches one command at a time.
		first = c.early[0]
		c.inFlight = first
	}
	c.early = nil
	c.mu.Unlock()

	if first != nil {
		return c.send(first)
	}
	return nil
}

// run reads engine replies until the connection ends, then disconnects the
// engine from the registry if the id is still this connection's.
func (c *engineConn) run(ctx context.Context) {
	defer func() {
		if err := c.srv.reg.DisconnectConn(c.id, c); err != nil && !errdefs.IsInvalidEngineID(err) {
			c.logger.WithError(err).Warn("failed to disconnect engine")
		}
		_ = c.conn.Close()
	}()

	for {
		frame, err := c.dec.DecodeString()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				c.logger.Debug("engine connection closed")
			case errdefs.IsMessageSize(err):
				c.srv.metrics.RecordProtocolError(string(errdefs.CodeMessageSizeError))
				c.logger.WithError(err).Warn("frame over limit, closing engine connection")
			default:
				c.logger.WithError(err).Warn("engine connection read failed")
			}
			return
		}
		c.srv.metrics.RecordFrameIn()

		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		cur := c.inFlight
		c.mu.Unlock()

		if cur == nil || (frame != FrameResult && frame != FrameFailure) {
			c.srv.metrics.RecordProtocolError("unexpected engine frame")
			c.logger.Warnf("dropping unexpected frame %.40q", frame)
			continue
		}

		ns, err := ReadNamespace(c.dec)
		if err != nil {
			// The rest of the stream cannot be trusted after a bad reply.
			c.logger.WithError(err).Warn("malformed engine reply, closing engine connection")
			c.complete(cur, nil, errdefs.Wrap(errdefs.CodeProtocolError, "malformed engine reply", err).WithEngine(c.id))
			return
		}

		if frame == FrameFailure {
			c.complete(cur, nil, failureOf(ns, c.id))
			continue
		}
		c.complete(cur, &engine.Reply{Values: ns}, nil)
	}
}

func (c *engineConn) complete(cur *engine.Command, reply *engine.Reply, failure error) {
	c.mu.Lock()
	if c.inFlight == cur {
		c.inFlight = nil
	}
	c.mu.Unlock()

	if err := c.srv.reg.Complete(c.id, reply, failure); err != nil {
		c.logger.WithError(err).Warn("engine reply not delivered")
	}
}

// failureOf extracts the failure an engine sent.
func failureOf(ns []serial.NamedValue, engineID int) error {
	for _, nv := range ns {
		if nv.Key != KeyFailure {
			continue
		}
		if f, ok := serial.AsFailure(nv.Value); ok {
			if f.EngineID < 0 {
				f.EngineID = engineID
			}
			return f
		}
	}
	return errdefs.New(errdefs.CodeEngineFailure, "engine reported a failure without details").WithEngine(engineID)
}
