// Package bus implements the application master's single-threaded event
// dispatcher (spec §4.1): any goroutine may call Dispatch to enqueue an
// event; a single dispatch goroutine drains a buffered queue and delivers
// each event to the handler registered for its subject. Handlers never
// block: blocking RM/NM/RPC work is delegated to bounded worker pools
// outside the bus and re-enters as further events.
package bus

import (
	"context"
	"sync"

	"github.com/dagflow/dagmaster/internal/logger"
	"github.com/dagflow/dagmaster/internal/metrics"
)

// SubjectKind discriminates which entity family an event targets.
type SubjectKind int

const (
	SubjectContainer SubjectKind = iota
	SubjectAttempt
	SubjectTask
	SubjectVertex
	SubjectDag
	// SubjectNodeManager and SubjectResourceManager address the single
	// node-manager and resource-manager communicator handlers. Outbound
	// commands to the cluster (NM_LAUNCH_REQUEST, NM_STOP_REQUEST,
	// RM_ALLOCATE, ...) are modeled as ordinary bus events targeting
	// these subjects so entity transition functions never perform I/O
	// themselves: the communicator handler does the blocking work on its
	// own worker pool and re-enters as a normal event back to the
	// originating container/attempt subject.
	SubjectNodeManager
	SubjectResourceManager
)

func (k SubjectKind) String() string {
	switch k {
	case SubjectContainer:
		return "container"
	case SubjectAttempt:
		return "attempt"
	case SubjectTask:
		return "task"
	case SubjectVertex:
		return "vertex"
	case SubjectDag:
		return "dag"
	case SubjectNodeManager:
		return "node_manager"
	case SubjectResourceManager:
		return "resource_manager"
	default:
		return "unknown"
	}
}

// Subject addresses a single entity: the only kind of recipient an Event may
// have.
type Subject struct {
	Kind SubjectKind
	ID   string
}

// Event is the sum-typed value every component communicates through. Kind is
// the entity-specific event discriminator (e.g. "ASSIGN_TA", "TA_SCHEDULE");
// Payload carries whatever data that kind needs.
type Event struct {
	Subject Subject
	Kind    string
	Payload any
}

// Handler receives events addressed to one subject. Implementations must not
// block: see package doc.
type Handler interface {
	Handle(ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev Event)

func (f HandlerFunc) Handle(ev Event) { f(ev) }

// Bus is the process-wide dispatcher. Construct one per running
// application master and pass it explicitly to every state machine at
// construction (spec §9: "do not resort to process-wide singletons").
type Bus struct {
	log     logger.Logger
	metrics *metrics.Recorder

	queue chan Event

	mu       sync.RWMutex
	handlers map[Subject]Handler

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the buffered channel capacity backing the MPSC queue.
// The queue is never truly unbounded in Go; a large buffer plus Dispatch
// never blocking the caller for long approximates the spec's "unbounded
// MPSC queue" closely enough for a single AM process.
func WithQueueSize(n int) Option {
	return func(b *Bus) { b.queue = make(chan Event, n) }
}

// WithLogger attaches a logger.
func WithLogger(l logger.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(b *Bus) { b.metrics = m }
}

// New constructs a Bus. Call Run in a goroutine to start draining it.
func New(opts ...Option) *Bus {
	b := &Bus{
		queue:    make(chan Event, 4096),
		handlers: make(map[Subject]Handler),
		done:     make(chan struct{}),
		log:      logger.New(logger.WithQuiet()),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Register binds a handler to a subject. Safe to call from any goroutine;
// typically called from within the dispatch loop itself when an entity is
// created (e.g. the scheduler's container factory registers a container
// when its first grant arrives).
func (b *Bus) Register(subject Subject, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = h
}

// Deregister removes a subject's handler, e.g. once a container reaches
// COMPLETED and will never receive another event.
func (b *Bus) Deregister(subject Subject) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, subject)
}

// Dispatch enqueues ev for delivery. While the channel buffer is full it
// blocks the caller until the dispatch loop frees a slot or Stop is called.
func (b *Bus) Dispatch(ev Event) {
	if b.metrics != nil {
		b.metrics.EventEnqueued(ev.Subject.Kind.String(), ev.Kind)
	}
	select {
	case b.queue <- ev:
	case <-b.done:
	}
}

// Run drains the queue on the calling goroutine until ctx is canceled or
// Stop is called. This is the single dispatch thread; handlers invoked from
// here must never block.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case ev := <-b.queue:
			b.deliver(ev)
		}
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	h, ok := b.handlers[ev.Subject]
	b.mu.RUnlock()

	if !ok {
		b.log.Warnf("bus: no handler registered for subject %s/%s (event %s)",
			ev.Subject.Kind, ev.Subject.ID, ev.Kind)
		if b.metrics != nil {
			b.metrics.EventDropped(ev.Subject.Kind.String(), ev.Kind)
		}
		return
	}

	if b.metrics != nil {
		stop := b.metrics.StartDispatch(ev.Subject.Kind.String(), ev.Kind)
		defer stop()
	}
	h.Handle(ev)
}

// Stop halts the dispatch loop and causes Dispatch to stop blocking on a
// full queue.
func (b *Bus) Stop() {
	b.closeOnce.Do(func() { close(b.done) })
}
