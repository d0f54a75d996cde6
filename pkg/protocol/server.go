package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/engine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/multiengine"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/pending"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/telemetry"
)

// Connection roles used in metrics.
const (
	roleClient = "client"
	roleEngine = "engine"
)

// Notifier manages the subscribers told about engine registration changes.
type Notifier interface {
	Add(host string, port int) error
	Del(host string, port int) error
}

// Config holds server limits.
type Config struct {
	// MaxFrameSize bounds every frame read or written. Zero means
	// DefaultMaxFrameSize; a negative value disables the limit.
	MaxFrameSize int
}

// Server accepts controller connections. Every connection starts as a
// client; a REGISTER command turns it into an engine connection.
type Server struct {
	cfg      Config
	me       *multiengine.MultiEngine
	reg      *engine.Registry
	pending  *pending.Manager
	notifier Notifier
	codec    *serial.Codec

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closed    bool

	wg sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithNotifier enables the NOTIFY command.
func WithNotifier(n Notifier) ServerOption {
	return func(s *Server) { s.notifier = n }
}

// WithTelemetry wires logger, tracer and metrics from tel.
func WithTelemetry(tel *telemetry.Telemetry) ServerOption {
	return func(s *Server) {
		if tel == nil {
			return
		}
		if tel.Logger != nil {
			s.logger = tel.Logger
		}
		s.tracer = tel.Tracer
		s.metrics = tel.Metrics
	}
}

// WithLogger sets the server logger.
func WithLogger(l *telemetry.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithMaxFrameSize overrides the frame limit.
func WithMaxFrameSize(n int) ServerOption {
	return func(s *Server) { s.cfg.MaxFrameSize = n }
}

// NewServer creates a server in front of me. Deferred results of client
// connections are held by pm.
func NewServer(me *multiengine.MultiEngine, pm *pending.Manager, opts ...ServerOption) *Server {
	s := &Server{
		me:        me,
		reg:       me.Registry(),
		pending:   pm,
		logger:    telemetry.NewNopLogger(),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	switch {
	case s.cfg.MaxFrameSize == 0:
		s.cfg.MaxFrameSize = DefaultMaxFrameSize
	case s.cfg.MaxFrameSize < 0:
		s.cfg.MaxFrameSize = 0
	}
	s.codec = serial.NewCodec(s.cfg.MaxFrameSize)
	s.logger = s.logger.NewComponentLogger("protocol")
	return s
}

// ListenAndServe listens on the TCP address addr and serves until ctx is
// cancelled or the server is closed.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or the server is
// closed. It waits for open connections to end before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return net.ErrClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.logger.Infof("controller listening on %s", ln.Addr())

	var err error
	for {
		conn, aerr := ln.Accept()
		if aerr != nil {
			if ctx.Err() == nil && !errors.Is(aerr, net.ErrClosed) {
				err = fmt.Errorf("accept failed: %w", aerr)
			}
			break
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}

	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()

	cancel()
	s.closeConns()
	s.wg.Wait()
	return err
}

// ServeConn runs the protocol on one connection until it ends.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := &session{
		srv:    s,
		conn:   conn,
		enc:    NewEncoder(conn, s.cfg.MaxFrameSize),
		dec:    NewDecoder(conn, s.cfg.MaxFrameSize),
		logger: s.logger.WithRemote(conn.RemoteAddr().String()),
		closed: make(chan struct{}),
	}
	sess.clientID = s.pending.RegisterClient()
	sess.logger = sess.logger.WithClientID(sess.clientID)

	s.metrics.ConnectionOpened(roleClient)
	sess.logger.Debug("client connected")

	handedOver := sess.run(ctx)

	_ = conn.Close()
	close(sess.closed)
	sess.wg.Wait()

	if err := s.pending.UnregisterClient(sess.clientID); err != nil {
		sess.logger.WithError(err).Debug("client already unregistered")
	}
	if !handedOver {
		s.metrics.ConnectionClosed(roleClient)
		sess.logger.Debug("client disconnected")
	}
}

// becomeEngine turns the session's connection into an engine connection and
// serves it until it drops.
func (s *session) becomeEngine(ctx context.Context, requested *int) {
	srv := s.srv
	srv.metrics.ConnectionClosed(roleClient)
	srv.metrics.ConnectionOpened(roleEngine)
	defer srv.metrics.ConnectionClosed(roleEngine)

	// Results this connection deferred as a client are no longer fetchable.
	if err := srv.pending.UnregisterClient(s.clientID); err != nil {
		s.logger.WithError(err).Debug("client already unregistered")
	}

	ec := newEngineConn(srv, s.conn, s.enc, s.dec)
	id := srv.reg.Register(ec, requested)
	if err := ec.start(id); err != nil {
		ec.logger.WithError(err).Warn("failed to acknowledge registration")
		_ = s.conn.Close()
	}
	ec.run(ctx)
}

// Addr returns the address of a listener, or nil when not serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ln := range s.listeners {
		return ln.Addr()
	}
	return nil
}

// Close stops every listener and drops every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var errs []error
	for ln := range s.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.mu.Unlock()

	s.closeConns()
	return errors.Join(errs...)
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
