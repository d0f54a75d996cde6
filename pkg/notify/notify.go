// Package notify tells subscribers when engines join or leave the
// controller.
//
// Subscribers are plain TCP listeners added with the NOTIFY command. Every
// registration change is delivered as one netstring frame on a fresh
// connection: "REGISTER <id>" or "UNREGISTER <id>". Each subscriber gets its
// frames one at a time in event order. Delivery is best effort; an
// unreachable subscriber is logged and kept.
package notify

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/protocol"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/telemetry"
)

// Frames sent to subscribers.
const (
	FrameRegister   = "REGISTER"
	FrameUnregister = "UNREGISTER"
)

// DefaultTimeout bounds one delivery.
const DefaultTimeout = 5 * time.Second

// Notifier keeps the subscriber set and forwards registry events to it.
type Notifier struct {
	mu   sync.Mutex
	subs map[string]*subscriber

	timeout time.Duration
	logger  *telemetry.Logger

	wg sync.WaitGroup
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// WithTimeout bounds each delivery.
func WithTimeout(d time.Duration) Option {
	return func(n *Notifier) { n.timeout = d }
}

// New creates a notifier subscribed to the engine lifecycle events of ep.
func New(ep *telemetry.EventPublisher, opts ...Option) *Notifier {
	n := &Notifier{
		subs:    make(map[string]*subscriber),
		timeout: DefaultTimeout,
		logger:  telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.NewComponentLogger("notify")

	ep.Subscribe(n.handle, telemetry.FilterByType(
		telemetry.EventTypeEngineRegistered,
		telemetry.EventTypeEngineUnregistered,
		telemetry.EventTypeEngineDisconnected,
	))
	return n
}

// Add subscribes host:port. Adding an existing subscriber is a no-op.
func (n *Notifier) Add(host string, port int) error {
	addr, err := address(host, port)
	if err != nil {
		return err
	}
	n.mu.Lock()
	if _, ok := n.subs[addr]; !ok {
		n.subs[addr] = &subscriber{addr: addr}
	}
	n.mu.Unlock()

	n.logger.Infof("added subscriber %s", addr)
	return nil
}

// Del removes host:port.
func (n *Notifier) Del(host string, port int) error {
	addr, err := address(host, port)
	if err != nil {
		return err
	}
	n.mu.Lock()
	_, ok := n.subs[addr]
	delete(n.subs, addr)
	n.mu.Unlock()

	if !ok {
		return errdefs.KeyError(addr)
	}
	n.logger.Infof("removed subscriber %s", addr)
	return nil
}

// Subscribers returns the subscriber addresses in sorted order.
func (n *Notifier) Subscribers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.subs))
	for a := range n.subs {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Wait blocks until every delivery in progress has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func address(host string, port int) (string, error) {
	if host == "" {
		return "", errdefs.ProtocolError("subscriber host is empty")
	}
	if port <= 0 || port > 65535 {
		return "", errdefs.ProtocolError("invalid subscriber port %d", port)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func (n *Notifier) handle(ev telemetry.Event) {
	var frame string
	switch ev.Type {
	case telemetry.EventTypeEngineRegistered:
		frame = fmt.Sprintf("%s %d", FrameRegister, ev.EngineID)
	case telemetry.EventTypeEngineUnregistered, telemetry.EventTypeEngineDisconnected:
		frame = fmt.Sprintf("%s %d", FrameUnregister, ev.EngineID)
	default:
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subs {
		if sub.push(frame) {
			n.wg.Add(1)
			go n.drain(sub)
		}
	}
}

// subscriber holds the frames not yet sent to one address. At most one
// drain goroutine runs per subscriber.
type subscriber struct {
	addr string

	mu       sync.Mutex
	pending  []string
	draining bool
}

// push queues frame and reports whether a drain must be started.
func (s *subscriber) push(frame string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, frame)
	if s.draining {
		return false
	}
	s.draining = true
	return true
}

// next pops the oldest frame. When none is left the drain ends.
func (s *subscriber) next() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		s.draining = false
		return "", false
	}
	frame := s.pending[0]
	s.pending = s.pending[1:]
	return frame, true
}

func (n *Notifier) drain(sub *subscriber) {
	defer n.wg.Done()
	for {
		frame, ok := sub.next()
		if !ok {
			return
		}
		if err := n.deliver(sub.addr, frame); err != nil {
			n.logger.WithError(err).Warnf("failed to notify %s", sub.addr)
		}
	}
}

func (n *Notifier) deliver(addr, frame string) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	return protocol.NewEncoder(conn, 0).EncodeString(frame)
}
