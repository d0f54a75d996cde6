package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/multiengine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/targets"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/telemetry"
)

// State is the position of a client connection in its command cycle.
type State int32

const (
	// StateAwaitingCommand is the state between commands.
	StateAwaitingCommand State = iota
	// StateStreamingPayload accepts tagged values until DONE.
	StateStreamingPayload
	// StateAwaitingServerReply rejects frames until an outstanding call
	// completes.
	StateAwaitingServerReply
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateAwaitingCommand:
		return "AwaitingCommand"
	case StateStreamingPayload:
		return "StreamingPayload"
	case StateAwaitingServerReply:
		return "AwaitingServerReply"
	default:
		return "Unknown"
	}
}

// errFatal closes the connection after the current command.
var errFatal = errors.New("connection must be closed")

// session is the state machine of one client connection.
type session struct {
	srv      *Server
	conn     net.Conn
	enc      *Encoder
	dec      *Decoder
	clientID string
	logger   *telemetry.Logger

	// mu guards state. A completion callback holds it while writing its
	// reply, so the reader never interleaves UNEXPECTED FRAME with it.
	mu    sync.Mutex
	state State

	// span is the span of the command being handled.
	span trace.Span

	closed chan struct{}
	wg     sync.WaitGroup
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the current state.
func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// run reads commands until the connection ends. It returns true when the
// connection was handed over to an engine.
func (s *session) run(ctx context.Context) (handedOver bool) {
	for {
		frame, err := s.dec.DecodeString()
		if err != nil {
			s.readFailed(err)
			return false
		}
		s.srv.metrics.RecordFrameIn()

		s.mu.Lock()
		if s.state == StateAwaitingServerReply {
			s.srv.metrics.RecordProtocolError(FrameUnexpectedFrame)
			err := s.enc.EncodeString(FrameUnexpectedFrame)
			s.mu.Unlock()
			if err != nil {
				return false
			}
			continue
		}
		s.mu.Unlock()

		cmd, err := ParseCommand(frame)
		if err != nil {
			token := FrameBadCommand
			if errors.Is(err, ErrBadIDList) {
				token = FrameBadIDList
			}
			s.logger.WithError(err).Debugf("rejected command frame, replying %s", token)
			s.srv.metrics.RecordProtocolError(token)
			if err := s.write(token); err != nil {
				return false
			}
			continue
		}

		if cmd.Verb == VerbRegister {
			requested, err := IndexArg(cmd.Args, -1)
			if err != nil {
				if err := s.fail(VerbRegister, err); err != nil {
					return false
				}
				continue
			}
			var want *int
			if requested >= 0 {
				want = &requested
			}
			s.becomeEngine(ctx, want)
			return true
		}

		h, ok := handlers[cmd.Verb]
		if !ok {
			if err := s.write(FrameBadCommand); err != nil {
				return false
			}
			continue
		}

		log := s.logger.WithVerb(string(cmd.Verb))
		log.Tracef("handling %s", cmd)

		cctx, span := s.srv.tracer.StartVerbSpan(ctx, string(cmd.Verb), s.clientID)
		s.span = span
		err = h(cctx, s, cmd)
		if s.State() != StateAwaitingServerReply {
			// Asynchronous handlers end the span on completion.
			span.End()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithError(err).Warn("closing client connection")
			}
			return false
		}
		if cmd.Verb == VerbDisconnect {
			return false
		}
	}
}

func (s *session) readFailed(err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.logger.Debug("client connection closed")
	case errdefs.IsMessageSize(err):
		s.srv.metrics.RecordProtocolError(string(errdefs.CodeMessageSizeError))
		s.logger.WithError(err).Warn("frame over limit, closing client connection")
	default:
		s.logger.WithError(err).Warn("client connection read failed")
	}
}

// write sends text frames.
func (s *session) write(frames ...string) error {
	if err := s.enc.EncodeString(frames...); err != nil {
		return err
	}
	for range frames {
		s.srv.metrics.RecordFrameOut()
	}
	return nil
}

// send writes a prepared reply.
func (s *session) send(r *reply) error {
	if err := s.enc.Encode(r.frames...); err != nil {
		return err
	}
	for range r.frames {
		s.srv.metrics.RecordFrameOut()
	}
	return nil
}

// await moves the session to StateAwaitingServerReply until done is closed,
// then writes the reply built by build and returns to StateAwaitingCommand.
func (s *session) await(done <-chan struct{}, build func(r *reply) error) {
	span := s.span
	s.setState(StateAwaitingServerReply)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer span.End()

		select {
		case <-done:
		case <-s.closed:
			return
		}

		r := s.newReply()
		buildErr := build(r)

		s.mu.Lock()
		defer s.mu.Unlock()
		if buildErr != nil {
			s.logger.WithError(buildErr).Warn("cannot send reply, closing client connection")
			_ = s.conn.Close()
			return
		}
		if err := s.send(r); err != nil {
			s.logger.WithError(err).Debug("failed to write reply")
			_ = s.conn.Close()
			return
		}
		s.state = StateAwaitingCommand
	}()
}

// finish writes r synchronously.
func (s *session) finish(r *reply, buildErr error) error {
	if buildErr != nil {
		return buildErr
	}
	return s.send(r)
}

// readStream reads tagged values until DONE. Frames that are not value tags
// are answered with UNEXPECTED FRAME; the first value error is returned after
// DONE so the stream stays in sync.
func (s *session) readStream() ([]serial.NamedValue, error, error) {
	s.setState(StateStreamingPayload)
	defer s.setState(StateAwaitingCommand)

	var (
		ns       []serial.NamedValue
		valueErr error
	)
	for {
		frame, err := s.dec.DecodeString()
		if err != nil {
			s.readFailed(err)
			return nil, nil, err
		}
		s.srv.metrics.RecordFrameIn()

		switch {
		case frame == FrameDone:
			return ns, valueErr, nil
		case IsValueTag(frame):
			nv, err := ReadValue(s.dec, frame)
			if err != nil {
				var perr *errdefs.Error
				if !errors.As(err, &perr) {
					// Transport failure inside a value.
					s.readFailed(err)
					return nil, nil, err
				}
				if valueErr == nil {
					valueErr = err
				}
				continue
			}
			ns = append(ns, nv)
		default:
			s.srv.metrics.RecordProtocolError(FrameUnexpectedFrame)
			if err := s.write(FrameUnexpectedFrame); err != nil {
				return nil, nil, err
			}
		}
	}
}

// targetsOf returns the command's targets, defaulting to all engines.
func targetsOf(cmd Command) targets.Spec {
	if cmd.HasTargets {
		return cmd.Targets
	}
	return targets.All()
}

// reply accumulates the frames of one response so they are written
// contiguously.
type reply struct {
	codec  *serial.Codec
	max    int
	frames [][]byte
}

func (s *session) newReply() *reply {
	return &reply{codec: s.srv.codec, max: s.enc.MaxSize()}
}

func (r *reply) text(frames ...string) {
	for _, f := range frames {
		r.frames = append(r.frames, []byte(f))
	}
}

func (r *reply) fits(frames [][]byte) bool {
	if r.max <= 0 {
		return true
	}
	for _, f := range frames {
		if len(f) > r.max {
			return false
		}
	}
	return true
}

// value appends v under key. A value over the frame limit is replaced by a
// MessageSizeError failure; the error return means even that did not fit.
func (r *reply) value(key string, v serial.Value) error {
	frames, err := ValueFrames(key, v)
	if err == nil && !r.fits(frames) {
		err = errdefs.MessageSize(v.Size(), r.max)
	}
	if err != nil {
		return r.failure(err)
	}
	r.frames = append(r.frames, frames...)
	return nil
}

// encoded appends an arbitrary Go value as a Blob under key.
func (r *reply) encoded(key string, v any) error {
	sv, err := r.codec.Encode(v)
	if err != nil {
		return r.failure(err)
	}
	return r.value(key, sv)
}

// failure appends err as a FAILURE value.
func (r *reply) failure(err error) error {
	engineID := -1
	var terr *multiengine.TargetError
	var cerr *errdefs.Error
	switch {
	case errors.As(err, &terr):
		engineID = terr.EngineID
	case errors.As(err, &cerr):
		engineID = cerr.EngineID
	}

	fv, ferr := r.codec.EncodeFailure(err, engineID)
	if ferr != nil {
		return errFatal
	}
	frames, _ := ValueFrames(KeyFailure, fv)
	if !r.fits(frames) {
		return errFatal
	}
	r.frames = append(r.frames, frames...)
	return nil
}

// fail appends err and the FAIL terminal of verb.
func (r *reply) fail(verb Verb, err error) error {
	if ferr := r.failure(err); ferr != nil {
		return ferr
	}
	r.text(verb.Fail())
	return nil
}
