// Package client provides a client library for talking to a controller over
// its wire protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/engine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/protocol"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/targets"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/telemetry"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("client is closed")

// Config contains client configuration options.
type Config struct {
	// Addr is the controller's TCP address.
	Addr string

	// DialTimeout bounds connection setup.
	DialTimeout time.Duration

	// MaxFrameSize bounds frames in both directions. Zero means the
	// protocol default.
	MaxFrameSize int

	// Logger receives debug output. Nil disables it.
	Logger *telemetry.Logger
}

// Client is a connection to a controller. Calls are serialized: the
// protocol allows one outstanding command per connection.
type Client struct {
	conn    net.Conn
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	codec   *serial.Codec
	logger  *telemetry.Logger

	mu     sync.Mutex
	closed bool
}

// Dial connects to the controller described by cfg.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("controller address is required")
	}
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Addr, err)
	}
	return New(conn, cfg), nil
}

// New wraps an established connection.
func New(conn net.Conn, cfg *Config) *Client {
	maxSize := protocol.DefaultMaxFrameSize
	logger := telemetry.NewNopLogger()
	if cfg != nil {
		if cfg.MaxFrameSize != 0 {
			maxSize = cfg.MaxFrameSize
		}
		if cfg.Logger != nil {
			logger = cfg.Logger
		}
	}
	return &Client{
		conn:    conn,
		encoder: protocol.NewEncoder(conn, maxSize),
		decoder: protocol.NewDecoder(conn, maxSize),
		codec:   serial.NewCodec(maxSize),
		logger:  logger.NewComponentLogger("client"),
	}
}

// Close sends DISCONNECT and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	_ = c.conn.SetDeadline(time.Now().Add(time.Second))
	if err := c.encoder.EncodeString(string(protocol.VerbDisconnect)); err == nil {
		_, _ = c.readResponse(protocol.VerbDisconnect)
	}
	return c.conn.Close()
}

// response is everything the controller sent for one command.
type response struct {
	// values are the values outside any segment.
	values []serial.NamedValue

	// segments hold the values of each "SEGMENT" group in order.
	segments [][]serial.NamedValue

	// pending is the result id of a deferred EXECUTE, or -1.
	pending int

	notReady bool
	ready    bool
}

// call runs one command. payload, when non-nil, is streamed after the
// READY reply.
func (c *Client) call(ctx context.Context, verb protocol.Verb, args string, spec *targets.Spec, payload []serial.NamedValue) (*response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
		defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	cmd := protocol.Command{Verb: verb, Args: args}
	if spec != nil {
		cmd.Targets = *spec
		cmd.HasTargets = true
	}
	c.logger.Tracef("sending %s", cmd)

	if err := c.encoder.EncodeString(cmd.String()); err != nil {
		return nil, c.wrap(ctx, err)
	}

	if payload != nil {
		resp, err := c.readResponse(verb)
		if err != nil {
			return nil, c.wrap(ctx, err)
		}
		if !resp.ready {
			return nil, errdefs.ProtocolError("expected %s", verb.Ready())
		}
		if err := protocol.WriteNamespace(c.encoder, payload); err != nil {
			return nil, c.wrap(ctx, err)
		}
	}

	resp, err := c.readResponse(verb)
	if err != nil {
		return nil, c.wrap(ctx, err)
	}
	return resp, nil
}

// wrap prefers the context error when a deadline interrupted the call.
func (c *Client) wrap(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

// readResponse reads frames until the terminal frame of verb.
func (c *Client) readResponse(verb protocol.Verb) (*response, error) {
	resp := &response{pending: -1}
	var (
		current []serial.NamedValue
		failure error
	)
	for {
		frame, err := c.decoder.DecodeString()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch {
		case protocol.IsValueTag(frame):
			nv, err := protocol.ReadValue(c.decoder, frame)
			if err != nil {
				return nil, err
			}
			if nv.Key == protocol.KeyFailure {
				if f, ok := serial.AsFailure(nv.Value); ok {
					failure = f
					continue
				}
			}
			current = append(current, nv)

		case strings.HasPrefix(frame, protocol.FrameSegment+" "):
			resp.segments = append(resp.segments, current)
			current = nil

		case strings.HasPrefix(frame, protocol.FramePending+" "):
			id, err := strconv.Atoi(strings.TrimPrefix(frame, protocol.FramePending+" "))
			if err != nil {
				return nil, errdefs.ProtocolError("invalid pending id in %q", frame)
			}
			resp.pending = id

		case frame == verb.OK():
			resp.values = current
			return resp, nil

		case frame == verb.Ready():
			resp.ready = true
			return resp, nil

		case frame == string(verb)+" "+protocol.FrameNotReady:
			resp.notReady = true
			return resp, nil

		case frame == verb.Fail():
			if failure == nil {
				failure = errdefs.New(errdefs.CodeEngineFailure, "command failed")
			}
			resp.values = current
			return resp, failure

		case frame == protocol.FrameBadCommand, frame == protocol.FrameBadIDList, frame == protocol.FrameUnexpectedFrame:
			return nil, errdefs.ProtocolError("controller replied %q", frame)

		default:
			return nil, errdefs.ProtocolError("unexpected frame %.40q", frame)
		}
	}
}

func specOf(spec targets.Spec) *targets.Spec { return &spec }

// Execute runs script on the targets and waits for the result records.
func (c *Client) Execute(ctx context.Context, spec targets.Spec, script string) ([]serial.Value, error) {
	resp, err := c.call(ctx, protocol.VerbExecute, "BLOCK "+script, specOf(spec), nil)
	if resp == nil {
		return nil, err
	}
	return valuesOf(resp.values), err
}

// Submit runs script on the targets without waiting and returns the result
// id to Fetch.
func (c *Client) Submit(ctx context.Context, spec targets.Spec, script string) (int, error) {
	resp, err := c.call(ctx, protocol.VerbExecute, script, specOf(spec), nil)
	if err != nil {
		return -1, err
	}
	if resp.pending < 0 {
		return -1, errdefs.ProtocolError("controller sent no pending id")
	}
	return resp.pending, nil
}

// Fetch returns the result records of a submitted EXECUTE. Without block,
// ready is false while the result is outstanding.
func (c *Client) Fetch(ctx context.Context, resultID int, block bool) (results []serial.Value, ready bool, err error) {
	args := strconv.Itoa(resultID)
	if block {
		args += " BLOCK"
	}
	resp, err := c.call(ctx, protocol.VerbFetch, args, nil, nil)
	if resp == nil {
		return nil, false, err
	}
	if resp.notReady {
		return nil, false, nil
	}
	return valuesOf(resp.values), true, err
}

// Flush drops every outstanding result of this connection.
func (c *Client) Flush(ctx context.Context) error {
	_, err := c.call(ctx, protocol.VerbFlush, "", nil, nil)
	return err
}

// Push binds values on the targets.
func (c *Client) Push(ctx context.Context, spec targets.Spec, ns []serial.NamedValue) error {
	if ns == nil {
		ns = []serial.NamedValue{}
	}
	_, err := c.call(ctx, protocol.VerbPush, "", specOf(spec), ns)
	return err
}

// Pull reads keys from each target. The result holds one row per target.
func (c *Client) Pull(ctx context.Context, spec targets.Spec, keys ...string) ([][]serial.Value, error) {
	resp, err := c.call(ctx, protocol.VerbPull, strings.Join(keys, ","), specOf(spec), nil)
	if resp == nil {
		return nil, err
	}
	rows := make([][]serial.Value, len(resp.segments))
	for i, seg := range resp.segments {
		rows[i] = valuesOf(seg)
	}
	return rows, err
}

// Scatter partitions v across the targets under key.
func (c *Client) Scatter(ctx context.Context, spec targets.Spec, key string, v serial.Value, style string, flatten bool) error {
	args := "style=" + style
	if style == "" {
		args = "style=basic"
	}
	if flatten {
		args += " flatten=1"
	}
	_, err := c.call(ctx, protocol.VerbScatter, args, specOf(spec), []serial.NamedValue{{Key: key, Value: v}})
	return err
}

// Gather joins key from the targets.
func (c *Client) Gather(ctx context.Context, spec targets.Spec, key, style string) (serial.Value, error) {
	if style == "" {
		style = "basic"
	}
	resp, err := c.call(ctx, protocol.VerbGather, key+" style="+style, specOf(spec), nil)
	if err != nil {
		return serial.Value{}, err
	}
	if len(resp.values) != 1 {
		return serial.Value{}, errdefs.ProtocolError("gather returned %d values", len(resp.values))
	}
	return resp.values[0].Value, nil
}

// GetResult returns the stored result record of each target. A negative
// index selects the most recent.
func (c *Client) GetResult(ctx context.Context, spec targets.Spec, index int) ([]serial.Value, error) {
	args := ""
	if index >= 0 {
		args = strconv.Itoa(index)
	}
	resp, err := c.call(ctx, protocol.VerbGetResult, args, specOf(spec), nil)
	if resp == nil {
		return nil, err
	}
	return valuesOf(resp.values), err
}

// Status returns the queue status of each target.
func (c *Client) Status(ctx context.Context, spec targets.Spec) ([]engine.QueueStatus, error) {
	resp, err := c.call(ctx, protocol.VerbStatus, "", specOf(spec), nil)
	if resp == nil {
		return nil, err
	}
	out := make([]engine.QueueStatus, len(resp.values))
	for i, nv := range resp.values {
		if derr := c.codec.DecodeInto(nv.Value, &out[i]); derr != nil {
			return nil, derr
		}
	}
	return out, err
}

// Reset clears the namespace of the targets.
func (c *Client) Reset(ctx context.Context, spec targets.Spec) error {
	_, err := c.call(ctx, protocol.VerbReset, "", specOf(spec), nil)
	return err
}

// Kill asks the target engines to exit.
func (c *Client) Kill(ctx context.Context, spec targets.Spec) error {
	_, err := c.call(ctx, protocol.VerbKill, "", specOf(spec), nil)
	return err
}

// Keys lists the names bound on each target.
func (c *Client) Keys(ctx context.Context, spec targets.Spec) ([][]string, error) {
	resp, err := c.call(ctx, protocol.VerbKeys, "", specOf(spec), nil)
	if resp == nil {
		return nil, err
	}
	out := make([][]string, len(resp.values))
	for i, nv := range resp.values {
		if derr := c.codec.DecodeInto(nv.Value, &out[i]); derr != nil {
			return nil, derr
		}
	}
	return out, err
}

// ClearQueue drops the undispatched commands of each target and returns how
// many were removed.
func (c *Client) ClearQueue(ctx context.Context, spec targets.Spec) ([]int, error) {
	resp, err := c.call(ctx, protocol.VerbClearQueue, "", specOf(spec), nil)
	if resp == nil {
		return nil, err
	}
	return decodeInts(c.codec, resp.values, err)
}

// IDs returns the ids of the registered engines.
func (c *Client) IDs(ctx context.Context) ([]int, error) {
	resp, err := c.call(ctx, protocol.VerbGetIDs, "", nil, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.values) != 1 {
		return nil, errdefs.ProtocolError("getids returned %d values", len(resp.values))
	}
	var ids []int
	if err := c.codec.DecodeInto(resp.values[0].Value, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// SetProperties merges props into each target's property map.
func (c *Client) SetProperties(ctx context.Context, spec targets.Spec, props []serial.NamedValue) error {
	if props == nil {
		props = []serial.NamedValue{}
	}
	_, err := c.call(ctx, protocol.VerbSetProps, "", specOf(spec), props)
	return err
}

// GetProperties returns the properties of each target, restricted to keys
// when given.
func (c *Client) GetProperties(ctx context.Context, spec targets.Spec, keys ...string) ([]map[string]serial.Value, error) {
	resp, err := c.call(ctx, protocol.VerbGetProps, strings.Join(keys, ","), specOf(spec), nil)
	if resp == nil {
		return nil, err
	}
	out := make([]map[string]serial.Value, len(resp.segments))
	for i, seg := range resp.segments {
		m := make(map[string]serial.Value, len(seg))
		for _, nv := range seg {
			m[nv.Key] = nv.Value
		}
		out[i] = m
	}
	return out, err
}

// HasProperties reports, per target, which keys are set.
func (c *Client) HasProperties(ctx context.Context, spec targets.Spec, keys ...string) ([][]bool, error) {
	resp, err := c.call(ctx, protocol.VerbHasProps, strings.Join(keys, ","), specOf(spec), nil)
	if resp == nil {
		return nil, err
	}
	out := make([][]bool, len(resp.values))
	for i, nv := range resp.values {
		if derr := c.codec.DecodeInto(nv.Value, &out[i]); derr != nil {
			return nil, derr
		}
	}
	return out, err
}

// DelProperties removes keys from each target.
func (c *Client) DelProperties(ctx context.Context, spec targets.Spec, keys ...string) error {
	_, err := c.call(ctx, protocol.VerbDelProps, strings.Join(keys, ","), specOf(spec), nil)
	return err
}

// ClearProperties empties each target's property map.
func (c *Client) ClearProperties(ctx context.Context, spec targets.Spec) error {
	_, err := c.call(ctx, protocol.VerbClearProps, "", specOf(spec), nil)
	return err
}

// Notify adds or removes a registration subscriber.
func (c *Client) Notify(ctx context.Context, add bool, host string, port int) error {
	action := "DEL"
	if add {
		action = "ADD"
	}
	_, err := c.call(ctx, protocol.VerbNotify, fmt.Sprintf("%s %s %d", action, host, port), nil, nil)
	return err
}

func valuesOf(ns []serial.NamedValue) []serial.Value {
	out := make([]serial.Value, len(ns))
	for i, nv := range ns {
		out[i] = nv.Value
	}
	return out
}

func decodeInts(codec *serial.Codec, ns []serial.NamedValue, err error) ([]int, error) {
	out := make([]int, len(ns))
	for i, nv := range ns {
		if derr := codec.DecodeInto(nv.Value, &out[i]); derr != nil {
			return nil, derr
		}
	}
	return out, err
}
