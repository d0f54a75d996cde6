package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	EventTypeEngineRegistered   = "engine.registered"
	EventTypeEngineUnregistered = "engine.unregistered"
	EventTypeEngineDisconnected = "engine.disconnected"
	EventTypeQueueCleared       = "queue.cleared"
	EventTypeClientRegistered   = "client.registered"
	EventTypeClientUnregistered = "client.unregistered"
)

// Event severities.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
)

// ErrEventsStopped is returned by Publish after Shutdown.
var ErrEventsStopped = errors.New("event publisher stopped")

// Event is a registry or client lifecycle change.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	EngineID  int            `json:"engine_id"` // -1 when no engine is involved
	ClientID  string         `json:"client_id,omitempty"`
	Message   string         `json:"message"`
	Level     string         `json:"level"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventSubscriber receives events. It runs on the delivery goroutine and
// must not block for long.
type EventSubscriber func(Event)

// EventFilter selects the events a subscriber sees.
type EventFilter func(Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans lifecycle events out to subscribers. All methods are
// safe on a nil or disabled publisher.
type EventPublisher struct {
	cfg EventsConfig

	mu   sync.RWMutex
	subs []subscription

	queue    chan Event
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewEventPublisher returns a publisher. With cfg.Async a delivery goroutine
// runs until Shutdown.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{cfg: cfg}
	if !cfg.Enabled || !cfg.Async {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got %d", cfg.BufferSize)
	}
	ep.queue = make(chan Event, cfg.BufferSize)
	ep.stop = make(chan struct{})
	ep.done = make(chan struct{})
	go ep.run()
	return ep, nil
}

func (ep *EventPublisher) enabled() bool { return ep != nil && ep.cfg.Enabled }

// Subscribe registers fn for the events filter accepts. A nil filter
// accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// Publish stamps e with an id and time and delivers it. An asynchronous
// publisher drops the event when its buffer is full.
func (ep *EventPublisher) Publish(e Event) error {
	if !ep.enabled() {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	if ep.queue == nil {
		ep.deliver(e)
		return nil
	}
	select {
	case <-ep.stop:
		return ErrEventsStopped
	default:
	}
	select {
	case ep.queue <- e:
		return nil
	default:
		return fmt.Errorf("event buffer full, %s dropped", e.Type)
	}
}

func (ep *EventPublisher) run() {
	defer close(ep.done)
	for {
		select {
		case e := <-ep.queue:
			ep.deliver(e)
		case <-ep.stop:
			for {
				select {
				case e := <-ep.queue:
					ep.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(e Event) {
	ep.mu.RLock()
	subs := ep.subs
	ep.mu.RUnlock()

	for _, s := range subs {
		if s.filter == nil || s.filter(e) {
			s.fn(e)
		}
	}
}

// Shutdown stops accepting events and waits until queued ones are delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled() || ep.queue == nil {
		return nil
	}
	ep.stopOnce.Do(func() { close(ep.stop) })
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// PublishEngineRegistered announces a new engine.
func (ep *EventPublisher) PublishEngineRegistered(id int, remote string) error {
	return ep.Publish(Event{
		Type:     EventTypeEngineRegistered,
		Source:   "registry",
		EngineID: id,
		Message:  fmt.Sprintf("engine %d registered from %s", id, remote),
		Level:    EventLevelInfo,
		Data:     map[string]any{"remote": remote},
	})
}

// PublishEngineUnregistered announces an engine removed by kill or unregister.
func (ep *EventPublisher) PublishEngineUnregistered(id int) error {
	return ep.Publish(Event{
		Type:     EventTypeEngineUnregistered,
		Source:   "registry",
		EngineID: id,
		Message:  fmt.Sprintf("engine %d unregistered", id),
		Level:    EventLevelInfo,
	})
}

// PublishEngineDisconnected announces a dropped engine connection; parked is
// the number of undispatched commands kept for a later registration.
func (ep *EventPublisher) PublishEngineDisconnected(id, parked int) error {
	return ep.Publish(Event{
		Type:     EventTypeEngineDisconnected,
		Source:   "registry",
		EngineID: id,
		Message:  fmt.Sprintf("engine %d disconnected, %d commands parked", id, parked),
		Level:    EventLevelWarning,
		Data:     map[string]any{"parked": parked},
	})
}

func (ep *EventPublisher) PublishQueueCleared(id, removed int) error {
	return ep.Publish(Event{
		Type:     EventTypeQueueCleared,
		Source:   "registry",
		EngineID: id,
		Message:  fmt.Sprintf("cleared %d commands on engine %d", removed, id),
		Level:    EventLevelInfo,
		Data:     map[string]any{"removed": removed},
	})
}

func (ep *EventPublisher) PublishClientRegistered(clientID string) error {
	return ep.Publish(Event{
		Type:     EventTypeClientRegistered,
		Source:   "pending",
		EngineID: -1,
		ClientID: clientID,
		Message:  fmt.Sprintf("client %s registered", clientID),
		Level:    EventLevelInfo,
	})
}

func (ep *EventPublisher) PublishClientUnregistered(clientID string, dropped int) error {
	return ep.Publish(Event{
		Type:     EventTypeClientUnregistered,
		Source:   "pending",
		EngineID: -1,
		ClientID: clientID,
		Message:  fmt.Sprintf("client %s unregistered, %d results dropped", clientID, dropped),
		Level:    EventLevelInfo,
		Data:     map[string]any{"dropped": dropped},
	})
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// FilterByEngineID accepts events about one engine.
func FilterByEngineID(id int) EventFilter {
	return func(e Event) bool { return e.EngineID == id }
}
