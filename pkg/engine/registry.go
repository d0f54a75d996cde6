package engine

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/minrk/ipython-svn-archive-sub000/pkg/errdefs"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/future"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/serial"
	"github.com/minrk/ipython-svn-archive-sub000/pkg/telemetry"
)

// Engine is a registered engine: its connection, its FIFO queue and its
// property map. All state is owned by the Registry.
type Engine struct {
	id           int
	session      string
	conn         Conn
	registeredAt time.Time

	// mu guards the queue, the in-flight command and the properties.
	mu      sync.Mutex
	queue   []*Command
	current *Command
	props   map[string]serial.Value
	removed bool
}

// ID returns the engine id.
func (e *Engine) ID() int { return e.id }

// RemoteAddr returns the peer address of the engine connection.
func (e *Engine) RemoteAddr() string { return e.conn.RemoteAddr() }

// RegisteredAt returns when the engine registered.
func (e *Engine) RegisteredAt() time.Time { return e.registeredAt }

// Session identifies the engine across reuse of its id. A reconnecting
// engine that adopts a parked queue keeps the session of the engine it
// replaces.
func (e *Engine) Session() string { return e.session }

// parked is the state left behind by a disconnected engine, waiting for a
// registration under the same id.
type parked struct {
	session string
	queue   []*Command
	props   map[string]serial.Value
}

// Registry tracks registered engines and their command queues.
//
// The id table is guarded by one RWMutex and each engine's queue by its own
// mutex. The table lock is always taken before an engine lock. Connection
// writes happen outside both.
type Registry struct {
	mu      sync.RWMutex
	engines map[int]*Engine
	parked  map[int]*parked

	seq atomic.Uint64

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithEvents sets the lifecycle event publisher.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(r *Registry) { r.events = ep }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		engines: make(map[int]*Engine),
		parked:  make(map[int]*parked),
		logger:  telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.NewComponentLogger("registry")
	return r
}

// Register adds an engine and returns its id. The requested id is used when
// it is free; otherwise the smallest free non-negative id is assigned.
// Registration never fails. An engine that asked for the id of a
// disconnected engine adopts its parked queue and properties, and dispatch
// resumes. Any other engine given that id ends the parked state: its
// commands fail with InvalidEngineID.
func (r *Registry) Register(conn Conn, requestedID *int) int {
	r.mu.Lock()
	id := -1
	if requestedID != nil && *requestedID >= 0 {
		if _, taken := r.engines[*requestedID]; !taken {
			id = *requestedID
		}
	}
	if id < 0 {
		for id = 0; ; id++ {
			if _, taken := r.engines[id]; !taken {
				break
			}
		}
	}

	e := &Engine{
		id:           id,
		session:      uuid.NewString(),
		conn:         conn,
		registeredAt: time.Now(),
		props:        make(map[string]serial.Value),
	}
	var adopted, orphaned []*Command
	if p, ok := r.parked[id]; ok {
		delete(r.parked, id)
		if requestedID != nil && *requestedID == id {
			e.session = p.session
			e.queue = p.queue
			e.props = p.props
			adopted = p.queue
		} else {
			orphaned = p.queue
		}
	}
	r.engines[id] = e
	count := len(r.engines)
	r.mu.Unlock()

	log := r.logger.WithEngineID(id).WithRemote(conn.RemoteAddr())
	if requestedID != nil && *requestedID != id {
		log.Infof("requested id %d is taken, assigned %d", *requestedID, id)
	}
	if len(adopted) > 0 {
		log.Infof("adopted %d queued commands from previous connection", len(adopted))
	}
	if len(orphaned) > 0 {
		log.Warnf("dropped %d commands parked by a previous engine", len(orphaned))
		failAll(orphaned, func() *errdefs.Error { return errdefs.InvalidEngineID(id) })
	}
	log.Info("engine registered")

	r.metrics.RecordEngineRegistered(count)
	r.metrics.SetQueueLength(id, len(adopted))
	_ = r.events.PublishEngineRegistered(id, conn.RemoteAddr())

	r.pump(e)
	return id
}

// Unregister drops an engine, closes its connection and fails every command
// it still holds, the in-flight one included, with InvalidEngineID. A parked
// queue under id is failed the same way.
func (r *Registry) Unregister(id int) error {
	r.mu.Lock()
	e := r.engines[id]
	r.mu.Unlock()
	return r.unregister(id, e)
}

// unregister removes e, which must be the engine registered under id or
// nil, together with any queue parked under id.
func (r *Registry) unregister(id int, e *Engine) error {
	r.mu.Lock()
	ok := e != nil && r.engines[id] == e
	if ok {
		delete(r.engines, id)
	}
	p, wasParked := r.parked[id]
	if wasParked {
		delete(r.parked, id)
	}
	count := len(r.engines)
	r.mu.Unlock()

	if !ok && !wasParked {
		return errdefs.InvalidEngineID(id)
	}

	var failed []*Command
	if wasParked {
		failed = append(failed, p.queue...)
	}
	if ok {
		e.mu.Lock()
		e.removed = true
		if e.current != nil {
			failed = append(failed, e.current)
			e.current = nil
		}
		failed = append(failed, e.queue...)
		e.queue = nil
		e.mu.Unlock()

		if err := e.conn.Close(); err != nil {
			r.logger.WithEngineID(id).WithError(err).Debug("closing engine connection")
		}
	}

	failAll(failed, func() *errdefs.Error { return errdefs.InvalidEngineID(id) })

	if ok {
		r.logger.WithEngineID(id).Infof("engine unregistered, %d commands failed", len(failed))
		r.metrics.RecordEngineUnregistered(id, count, "unregistered")
		_ = r.events.PublishEngineUnregistered(id)
	}
	return nil
}

// Disconnect removes an engine whose connection dropped. Only the in-flight
// command fails, with EngineDisconnected; undispatched commands, properties
// and the session are parked under the id until an engine registers asking
// for it. An engine that drops while a kill is in flight did what it was told:
// the kill succeeds and the engine is unregistered instead.
func (r *Registry) Disconnect(id int) error {
	return r.DisconnectConn(id, nil)
}

// DisconnectConn is Disconnect for the engine registered under id with
// conn. It returns InvalidEngineID when id now belongs to another
// connection, so a late disconnect cannot remove a newer engine. A nil conn
// matches any engine.
func (r *Registry) DisconnectConn(id int, conn Conn) error {
	r.mu.Lock()
	e, ok := r.engines[id]
	if !ok || (conn != nil && e.conn != conn) {
		r.mu.Unlock()
		return errdefs.InvalidEngineID(id)
	}

	e.mu.Lock()
	kill := e.current
	e.mu.Unlock()
	if kill != nil && kill.Op.Kind == OpKill {
		r.mu.Unlock()
		r.completeKill(e, kill, nil)
		return nil
	}
	delete(r.engines, id)

	e.mu.Lock()
	e.removed = true
	inflight := e.current
	e.current = nil
	queue := e.queue
	e.queue = nil
	props := e.props
	e.mu.Unlock()

	// Register always clears the parked state of the id it hands out, so
	// nothing is parked here yet.
	r.parked[id] = &parked{session: e.session, queue: queue, props: props}
	count := len(r.engines)
	r.mu.Unlock()

	if inflight != nil {
		inflight.fut.Fail(errdefs.EngineDisconnected(id).WithOperation(string(inflight.Op.Kind)))
	}

	log := r.logger.WithEngineID(id)
	if len(queue) > 0 {
		log.Warnf("engine disconnected, %d queued commands parked", len(queue))
	} else {
		log.Info("engine disconnected")
	}
	r.metrics.RecordEngineUnregistered(id, count, "disconnected")
	_ = r.events.PublishEngineDisconnected(id, len(queue))
	return nil
}

// Enqueue appends op to the engine's queue and dispatches it at once if the
// engine is idle. The future resolves with the engine's reply.
func (r *Registry) Enqueue(id int, op Op) (*future.Future[*Reply], error) {
	if err := op.Kind.Validate(); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeProtocolError, "cannot enqueue", err)
	}

	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	cmd := &Command{
		Seq:       r.seq.Add(1),
		EngineID:  id,
		Op:        op,
		Submitted: time.Now(),
		fut:       future.New[*Reply](),
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, errdefs.InvalidEngineID(id)
	}
	e.queue = append(e.queue, cmd)
	length := len(e.queue)
	e.mu.Unlock()

	r.metrics.SetQueueLength(id, length)
	r.pump(e)
	return cmd.fut, nil
}

// Complete delivers the engine's outcome for its in-flight command and
// dispatches the next queued command. A non-nil failure fails the command's
// future instead of resolving it.
func (r *Registry) Complete(id int, reply *Reply, failure error) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	cmd := e.current
	if cmd != nil && (cmd.Op.Kind != OpKill || failure != nil) {
		e.current = nil
	}
	e.mu.Unlock()

	if cmd == nil {
		return errdefs.ProtocolError("engine %d sent a reply with no command in flight", id)
	}
	if cmd.Op.Kind == OpKill && failure == nil {
		r.completeKill(e, cmd, reply)
		return nil
	}

	elapsed := time.Since(cmd.Dispatched)
	if failure != nil {
		cmd.fut.Fail(failure)
	} else {
		cmd.fut.Resolve(r.stamp(id, cmd, reply))
	}
	r.metrics.RecordEngineCommand(string(cmd.Op.Kind), elapsed, failure != nil)

	r.pump(e)
	return nil
}

func (r *Registry) stamp(id int, cmd *Command, reply *Reply) *Reply {
	if reply == nil {
		reply = &Reply{}
	}
	reply.EngineID = id
	reply.Op = cmd.Op
	reply.Submitted = cmd.Submitted
	if reply.Completed.IsZero() {
		reply.Completed = time.Now()
	}
	return reply
}

// completeKill resolves the in-flight kill of e and unregisters e, failing
// whatever was queued behind the kill with InvalidEngineID.
func (r *Registry) completeKill(e *Engine, cmd *Command, reply *Reply) {
	e.mu.Lock()
	if e.current != cmd {
		e.mu.Unlock()
		return
	}
	e.current = nil
	e.mu.Unlock()

	cmd.fut.Resolve(r.stamp(e.id, cmd, reply))
	r.metrics.RecordEngineCommand(string(OpKill), time.Since(cmd.Dispatched), false)

	if err := r.unregister(e.id, e); err != nil {
		r.logger.WithEngineID(e.id).WithError(err).Debug("killed engine already gone")
	}
}

// ClearQueue fails every undispatched command of the engine with
// QueueCleared and returns how many were removed. The in-flight command is
// left to complete.
func (r *Registry) ClearQueue(id int) (int, error) {
	e, err := r.lookup(id)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	cleared := e.queue
	e.queue = nil
	e.mu.Unlock()

	failAll(cleared, func() *errdefs.Error { return errdefs.QueueCleared(id) })

	if n := len(cleared); n > 0 {
		r.logger.WithEngineID(id).Infof("cleared %d queued commands", n)
		r.metrics.RecordQueueCleared(n)
		r.metrics.SetQueueLength(id, 0)
		_ = r.events.PublishQueueCleared(id, n)
	}
	return len(cleared), nil
}

// QueueStatus reports the engine's queue.
func (r *Registry) QueueStatus(id int) (QueueStatus, error) {
	e, err := r.lookup(id)
	if err != nil {
		return QueueStatus{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	status := QueueStatus{
		EngineID:    id,
		QueueLength: len(e.queue),
		Queued:      make([]string, len(e.queue)),
	}
	for i, cmd := range e.queue {
		status.Queued[i] = cmd.Op.String()
	}
	if e.current != nil {
		desc := e.current.Op.String()
		status.Current = &desc
	}
	return status, nil
}

// Get returns the engine registered under id.
func (r *Registry) Get(id int) (*Engine, error) {
	return r.lookup(id)
}

// Has reports whether id is registered.
func (r *Registry) Has(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.engines[id]
	return ok
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	ids := make([]int, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Ints(ids)
	return ids
}

// Engines returns the registered engines in ascending id order.
func (r *Registry) Engines() []*Engine {
	r.mu.RLock()
	out := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of registered engines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

// Parked returns the number of commands parked under id.
func (r *Registry) Parked(id int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.parked[id]; ok {
		return len(p.queue)
	}
	return 0
}

// Close unregisters every engine.
func (r *Registry) Close() {
	for _, id := range r.IDs() {
		_ = r.Unregister(id)
	}
}

func (r *Registry) lookup(id int) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[id]
	if !ok {
		return nil, errdefs.InvalidEngineID(id)
	}
	return e, nil
}

// pump dispatches the head of the engine's queue if nothing is in flight.
func (r *Registry) pump(e *Engine) {
	e.mu.Lock()
	if e.removed || e.current != nil || len(e.queue) == 0 {
		e.mu.Unlock()
		return
	}
	cmd := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	cmd.Dispatched = time.Now()
	e.current = cmd
	length := len(e.queue)
	e.mu.Unlock()

	r.metrics.SetQueueLength(e.id, length)

	if err := e.conn.Dispatch(cmd); err != nil {
		r.logger.WithEngineID(e.id).WithError(err).Warn("dispatch failed, dropping engine")
		r.disconnectEngine(e)
	}
}

// disconnectEngine disconnects e if it is still the engine registered under
// its id.
func (r *Registry) disconnectEngine(e *Engine) {
	_ = r.DisconnectConn(e.id, e.conn)
}

// failAll fails every command with a fresh error from newErr, tagged with
// the command's operation.
func failAll(cmds []*Command, newErr func() *errdefs.Error) {
	for _, cmd := range cmds {
		cmd.fut.Fail(newErr().WithOperation(string(cmd.Op.Kind)))
	}
}
