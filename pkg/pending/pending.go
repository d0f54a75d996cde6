// Package pending keeps the results of non-blocking requests until their
// client fetches them.
//
// Every front-end connection is a client with its own result id space. A
// result is submitted as a future, fetched once, and removed on fetch.
package pending

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/future"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/telemetry"
)

// ErrNotReady is returned by a non-blocking Fetch of an unresolved result.
// The result stays pending.
var ErrNotReady = errors.New("result not ready")

// Outcome is one fetched result.
type Outcome struct {
	ID    int
	Value any
	Err   error
}

type client struct {
	next    int
	results map[int]future.Awaiter
}

// Manager tracks clients and their pending results.
type Manager struct {
	mu      sync.Mutex
	clients map[string]*client

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithEvents sets the event publisher.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(m *Manager) { m.events = ep }
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		clients: make(map[string]*client),
		logger:  telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.NewComponentLogger("pending")
	return m
}

// RegisterClient creates a client and returns its id.
func (m *Manager) RegisterClient() string {
	id := uuid.New().String()

	m.mu.Lock()
	m.clients[id] = &client{results: make(map[int]future.Awaiter)}
	n := len(m.clients)
	m.mu.Unlock()

	m.metrics.SetPendingClients(n)
	_ = m.events.PublishClientRegistered(id)
	m.logger.WithClientID(id).Debug("client registered")
	return id
}

// UnregisterClient removes a client and drops its pending results.
func (m *Manager) UnregisterClient(clientID string) error {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return errdefs.InvalidClientID(clientID)
	}
	delete(m.clients, clientID)
	dropped := len(c.results)
	n := len(m.clients)
	m.mu.Unlock()

	m.metrics.AddPendingResults(-dropped)
	m.metrics.SetPendingClients(n)
	_ = m.events.PublishClientUnregistered(clientID, dropped)
	m.logger.WithClientID(clientID).Debugf("client unregistered, %d results dropped", dropped)
	return nil
}

// Submit stores a for later fetching and returns its result id.
func (m *Manager) Submit(clientID string, a future.Awaiter) (int, error) {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return 0, errdefs.InvalidClientID(clientID)
	}
	id := c.next
	c.next++
	c.results[id] = a
	m.mu.Unlock()

	m.metrics.AddPendingResults(1)
	return id, nil
}

// Fetch returns the outcome of a result and removes it. An unresolved result
// is waited for when block is set; otherwise ErrNotReady is returned and the
// result stays pending. A cancelled wait also leaves it pending.
func (m *Manager) Fetch(ctx context.Context, clientID string, resultID int, block bool) (any, error) {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return nil, errdefs.InvalidClientID(clientID)
	}
	a, ok := c.results[resultID]
	m.mu.Unlock()
	if !ok {
		return nil, errdefs.NotAPendingResult(resultID)
	}

	select {
	case <-a.Done():
	default:
		if !block {
			return nil, ErrNotReady
		}
		select {
		case <-a.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if !m.take(clientID, resultID, a) {
		// Flushed or fetched by someone else meanwhile.
		return nil, errdefs.NotAPendingResult(resultID)
	}
	return a.Outcome()
}

// take removes the entry if it still holds a.
func (m *Manager) take(clientID string, resultID int, a future.Awaiter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok || c.results[resultID] != a {
		return false
	}
	delete(c.results, resultID)
	m.metrics.AddPendingResults(-1)
	return true
}

// FetchAll waits for every pending result of the client in id order and
// removes each. Failures are reported per outcome.
func (m *Manager) FetchAll(ctx context.Context, clientID string) ([]Outcome, error) {
	ids, err := m.PendingIDs(clientID)
	if err != nil {
		return nil, err
	}

	out := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		v, err := m.Fetch(ctx, clientID, id, true)
		switch {
		case errdefs.IsNotAPendingResult(err):
			continue
		case errdefs.IsInvalidClientID(err):
			return out, err
		case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
			return out, err
		}
		out = append(out, Outcome{ID: id, Value: v, Err: err})
	}
	return out, nil
}

// Flush discards every pending result of the client and returns how many
// were dropped. The underlying operations keep running.
func (m *Manager) Flush(clientID string) (int, error) {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return 0, errdefs.InvalidClientID(clientID)
	}
	n := len(c.results)
	c.results = make(map[int]future.Awaiter)
	m.mu.Unlock()

	m.metrics.AddPendingResults(-n)
	return n, nil
}

// Call submits a and waits for it, like a blocking request.
func (m *Manager) Call(ctx context.Context, clientID string, a future.Awaiter) (any, error) {
	id, err := m.Submit(clientID, a)
	if err != nil {
		return nil, err
	}
	return m.Fetch(ctx, clientID, id, true)
}

// PendingIDs lists the client's pending result ids in ascending order.
func (m *Manager) PendingIDs(clientID string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		return nil, errdefs.InvalidClientID(clientID)
	}
	ids := make([]int, 0, len(c.results))
	for id := range c.results {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// Clients returns the number of registered clients.
func (m *Manager) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}
