package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/engine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/telemetry"
)

// ErrKilled is returned by EngineClient.Serve after a KILL was answered.
var ErrKilled = errors.New("engine killed by controller")

// EngineHandler performs one command on the engine side. Values of the
// returned reply are sent back in order.
type EngineHandler func(cmd *engine.Command) (*engine.Reply, error)

// EngineClient is the engine end of a controller connection.
type EngineClient struct {
	conn   net.Conn
	enc    *Encoder
	dec    *Decoder
	logger *telemetry.Logger

	id int
}

// DialEngine connects to the controller at addr.
func DialEngine(ctx context.Context, addr string, maxFrameSize int, logger *telemetry.Logger) (*EngineClient, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to controller at %s: %w", addr, err)
	}
	return NewEngineClient(conn, maxFrameSize, logger), nil
}

// NewEngineClient wraps an established connection.
func NewEngineClient(conn net.Conn, maxFrameSize int, logger *telemetry.Logger) *EngineClient {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &EngineClient{
		conn:   conn,
		enc:    NewEncoder(conn, maxFrameSize),
		dec:    NewDecoder(conn, maxFrameSize),
		logger: logger.NewComponentLogger("engine"),
		id:     -1,
	}
}

// ID returns the id assigned by the controller, or -1 before Register.
func (c *EngineClient) ID() int { return c.id }

// Close drops the connection.
func (c *EngineClient) Close() error { return c.conn.Close() }

// Register announces the engine and returns the assigned id. A nil
// requested id lets the controller choose.
func (c *EngineClient) Register(requested *int) (int, error) {
	frame := string(VerbRegister)
	if requested != nil {
		frame += " " + strconv.Itoa(*requested)
	}
	if err := c.enc.EncodeString(frame); err != nil {
		return -1, fmt.Errorf("failed to send registration: %w", err)
	}

	resp, err := c.dec.DecodeString()
	if err != nil {
		return -1, fmt.Errorf("failed to read registration reply: %w", err)
	}
	arg, ok := strings.CutPrefix(resp, string(VerbRegister)+" ")
	if !ok {
		return -1, errdefs.ProtocolError("unexpected registration reply %.40q", resp)
	}
	id, err := strconv.Atoi(arg)
	if err != nil || id < 0 {
		return -1, errdefs.ProtocolError("invalid engine id %q in registration reply", arg)
	}

	c.id = id
	c.logger = c.logger.WithEngineID(id)
	c.logger.Info("registered with controller")
	return id, nil
}

// Serve answers controller commands with h until the connection ends or ctx
// is cancelled. It returns ErrKilled after answering a KILL and nil when the
// controller closed the connection.
func (c *EngineClient) Serve(ctx context.Context, h EngineHandler) error {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	for {
		frame, err := c.dec.DecodeString()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to read command: %w", err)
		}

		op, err := c.readOp(frame)
		if err != nil {
			var perr *errdefs.Error
			if !errors.As(err, &perr) {
				return fmt.Errorf("failed to read command: %w", err)
			}
			if werr := c.writeFailure(err); werr != nil {
				return werr
			}
			continue
		}

		log := c.logger.WithVerb(op.Kind.Verb())
		log.Tracef("handling %s", op)

		reply, herr := h(&engine.Command{EngineID: c.id, Op: op, Submitted: time.Now()})
		if herr != nil {
			log.WithError(herr).Debug("command failed")
			if err := c.writeFailure(herr); err != nil {
				return err
			}
		} else {
			var values []serial.NamedValue
			if reply != nil {
				values = reply.Values
			}
			if err := c.writeResult(values); err != nil {
				return err
			}
		}

		if op.Kind == engine.OpKill {
			log.Info("kill requested")
			return ErrKilled
		}
	}
}

// readOp parses one controller command, reading the PUSH payload if any.
func (c *EngineClient) readOp(frame string) (engine.Op, error) {
	head, arg, _ := strings.Cut(frame, " ")
	switch head {
	case engine.OpExecute.Verb():
		return engine.Op{Kind: engine.OpExecute, Script: arg}, nil
	case engine.OpPull.Verb():
		return engine.Op{Kind: engine.OpPull, Keys: Keys(arg)}, nil
	case engine.OpPush.Verb():
		ns, err := ReadNamespace(c.dec)
		if err != nil {
			return engine.Op{}, err
		}
		return engine.Op{Kind: engine.OpPush, Namespace: ns}, nil
	case engine.OpReset.Verb():
		return engine.Op{Kind: engine.OpReset}, nil
	case engine.OpKill.Verb():
		return engine.Op{Kind: engine.OpKill}, nil
	case engine.OpKeys.Verb():
		return engine.Op{Kind: engine.OpKeys}, nil
	default:
		return engine.Op{}, errdefs.ProtocolError("unknown engine command %.40q", frame)
	}
}

func (c *EngineClient) writeResult(values []serial.NamedValue) error {
	frames := [][]byte{[]byte(FrameResult)}
	for _, nv := range values {
		vf, err := ValueFrames(nv.Key, nv.Value)
		if err != nil {
			return c.writeFailure(err)
		}
		frames = append(frames, vf...)
	}
	frames = append(frames, []byte(FrameDone))

	err := c.enc.Encode(frames...)
	if errdefs.IsMessageSize(err) {
		return c.writeFailure(err)
	}
	return err
}

func (c *EngineClient) writeFailure(failure error) error {
	fv, err := serial.NewCodec(c.enc.MaxSize()).EncodeFailure(failure, c.id)
	if err != nil {
		return fmt.Errorf("failed to encode failure: %w", err)
	}
	frames, err := ValueFrames(KeyFailure, fv)
	if err != nil {
		return err
	}
	frames = append([][]byte{[]byte(FrameFailure)}, frames...)
	return c.enc.Encode(append(frames, []byte(FrameDone))...)
}
