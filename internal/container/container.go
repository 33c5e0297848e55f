// Package container implements the container lifecycle state machine
// (spec §4.2): a leased unit of cluster resource that is launched once,
// can run a sequence of task attempts one at a time, and is torn down
// when the resource manager reclaims it or a node-manager RPC fails.
package container

import (
	"sync"

	"github.com/dagflow/dagmaster/internal/attempt"
	"github.com/dagflow/dagmaster/internal/bus"
	"github.com/dagflow/dagmaster/internal/dagmodel"
	"github.com/dagflow/dagmaster/internal/ids"
	"github.com/dagflow/dagmaster/internal/logger"
	"github.com/dagflow/dagmaster/internal/statemachine"
)

// State is one of the container lifecycle's seven states.
type State int

const (
	StateAllocated State = iota
	StateLaunching
	StateIdle
	StateRunning
	StateStopRequested
	StateStopping
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateAllocated:
		return "ALLOCATED"
	case StateLaunching:
		return "LAUNCHING"
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopRequested:
		return "STOP_REQUESTED"
	case StateStopping:
		return "STOPPING"
	case StateCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// EventKind discriminates the events a container subject can receive.
type EventKind string

const (
	EvLaunchRequest EventKind = "LAUNCH_REQUEST"
	EvAssignTA      EventKind = "ASSIGN_TA"
	EvLaunched      EventKind = "LAUNCHED"
	EvPullTask      EventKind = "PULL_TASK"
	EvTASucceeded   EventKind = "TA_SUCCEEDED"
	EvCompleted     EventKind = "COMPLETED"
	EvNodeFailed    EventKind = "NODE_FAILED"
	EvTimedOut      EventKind = "C_TIMED_OUT"
	EvNMStopSent    EventKind = "C_NM_STOP_SENT"
	EvNMStopFailed  EventKind = "NM_STOP_FAILED"
)

// Event is the payload every container transition dispatches on.
type Event struct {
	Kind           EventKind
	AttemptID      ids.TaskAttemptID
	DagID          ids.DAGID
	Resource       dagmodel.ResourceRequest
	LocalResources []string // resource names the task needs localised
	Credentials    []byte
	Status         string
	Preempted      bool
}

func (e Event) EventKind() string { return string(e.Kind) }

// QueuedAttempt is the attempt a container is about to run, or is
// currently running: the minimal data the task-attempt listener needs to
// answer getTask without touching the state machine directly.
type QueuedAttempt struct {
	AttemptID ids.TaskAttemptID
	DagID     ids.DAGID
	Resource  dagmodel.ResourceRequest

	// AdditionalResources is the delta against everything this container
	// has localised so far (spec §4.2 "Additional-resource delta").
	AdditionalResources []string
	// CredentialsChanged and Credentials implement the "Credentials
	// delta": true, with Credentials populated, only when this
	// assignment's DAG differs from the last DAG this container ran a
	// task for.
	CredentialsChanged bool
	Credentials        []byte
}

// Notifier lets the task-attempt listener keep a read-only cache of
// per-container state in sync with the container entity, without the RPC
// path ever touching the state machine (spec §5: "RPC handlers never
// touch state machines directly"). Calls happen on the bus dispatch
// thread, synchronously with the transition that triggered them.
type Notifier interface {
	NotifyQueued(id ids.ContainerID, task *QueuedAttempt)
	NotifyTerminal(id ids.ContainerID)
}

type nopNotifier struct{}

func (nopNotifier) NotifyQueued(ids.ContainerID, *QueuedAttempt) {}
func (nopNotifier) NotifyTerminal(ids.ContainerID)               {}

// Container is one resource lease. Every field below queued is mutated
// only from within Handle, which the bus guarantees is only ever called
// from the single dispatch goroutine for this subject; the mutex exists
// as a correctness backstop for direct field reads from other goroutines
// (e.g. metrics snapshot code), not as the primary concurrency control.
type Container struct {
	ID           ids.ContainerID
	Node         ids.NodeID
	BaseResource dagmodel.ResourceRequest

	mu sync.Mutex

	machine *statemachine.Machine[State, Event]

	queued  *QueuedAttempt
	running *QueuedAttempt

	accumulatedResources map[string]struct{}
	credentialsDagID     *ids.DAGID

	isInErrorState  bool
	attemptsEverRun []ids.TaskAttemptID

	log      logger.Logger
	notifier Notifier
	bus      *bus.Bus
}

// Option configures a Container at construction.
type Option func(*Container)

// WithLogger attaches a logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Container) { c.log = l }
}

// WithNotifier attaches the task-attempt listener's cache updater.
func WithNotifier(n Notifier) Option {
	return func(c *Container) { c.notifier = n }
}

// WithBus attaches the bus that Handle dispatches a transition's emitted
// events onto. Required for a Container wired into a running master;
// tests that only want to inspect state transitions can omit it, call
// Fire, and inspect the returned effects instead (see container_test.go).
func WithBus(b *bus.Bus) Option {
	return func(c *Container) { c.bus = b }
}

// New constructs a Container in ALLOCATED state and builds its transition
// table. Register the returned Container on the bus at
// bus.Subject{Kind: bus.SubjectContainer, ID: id.String()} before
// dispatching any events to it.
func New(id ids.ContainerID, node ids.NodeID, resource dagmodel.ResourceRequest, opts ...Option) *Container {
	c := &Container{
		ID:                   id,
		Node:                 node,
		BaseResource:         resource,
		accumulatedResources: make(map[string]struct{}),
		log:                  logger.New(logger.WithQuiet()),
		notifier:             nopNotifier{},
	}
	for _, o := range opts {
		o(c)
	}
	c.machine = statemachine.New(StateAllocated, c.table())
	return c
}

// State returns the container's current lifecycle state.
func (c *Container) State() State { return c.machine.State() }

// Handle implements bus.Handler. It is invoked only from the bus's single
// dispatch goroutine, so no transition ever races with another for the
// same container. Emitted effects are dispatched back onto the bus this
// container was constructed with (WithBus); a container built without one
// only updates its own state, which is enough for unit tests that drive
// it through Fire directly.
func (c *Container) Handle(ev bus.Event) {
	cev, ok := ev.Payload.(Event)
	if !ok {
		c.log.Errorf("container %s: event %s carried unexpected payload type %T", c.ID, ev.Kind, ev.Payload)
		return
	}
	effects, err := c.Fire(cev)
	if err != nil {
		c.log.Warnf("container %s: invariant violation firing %s in state %s: %v", c.ID, cev.Kind, c.machine.State(), err)
		return
	}
	if c.bus != nil {
		for _, eff := range effects {
			c.bus.Dispatch(eff)
		}
	}
}

// Fire applies ev to the state machine directly and returns the events it
// emits, without dispatching them anywhere. On ErrNoTransition (or any
// transition error) it flips IsInErrorState and returns the error; the
// container's own state is left unchanged by the statemachine.Machine
// implementation in that case.
func (c *Container) Fire(ev Event) ([]bus.Event, error) {
	_, effects, err := c.machine.Fire(ev)
	if err != nil {
		c.mu.Lock()
		c.isInErrorState = true
		c.mu.Unlock()
		return nil, err
	}
	return effects, nil
}

// IsInErrorState reports whether an invariant violation has been recorded
// against this container. It never blocks future (valid) transitions; it
// exists so upstream failure-propagation code can distinguish a clean
// COMPLETED from one that got there via an unexpected path.
func (c *Container) IsInErrorState() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isInErrorState
}

// emit is a small helper that builds a container-targeted effect event.
func emit(subject bus.Subject, kind string, payload any) bus.Event {
	return bus.Event{Subject: subject, Kind: kind, Payload: payload}
}

func attemptSubject(id ids.TaskAttemptID) bus.Subject {
	return bus.Subject{Kind: bus.SubjectAttempt, ID: id.String()}
}

// Subject returns the bus subject a container with this id is registered
// under. Exported so other packages that address containers directly
// (internal/scheduler's ASSIGN_TA, internal/listener's cache wiring)
// don't each re-derive the convention documented on New.
func Subject(id ids.ContainerID) bus.Subject {
	return bus.Subject{Kind: bus.SubjectContainer, ID: id.String()}
}

// emitToAttempt builds an effect addressed to the attempt with the given
// id, carrying an attempt.Event as its payload — the same type
// attempt.Handle type-asserts on, so every entity that sends to an
// attempt subject constructs the payload attempt itself defines, rather
// than a private local type the receiver cannot understand.
func emitToAttempt(id ids.TaskAttemptID, aev attempt.Event) bus.Event {
	return bus.Event{Subject: attemptSubject(id), Kind: string(aev.Kind), Payload: aev}
}

// table builds the (state, event-kind) -> transition map. Transitions
// close over c and mutate its fields directly: this is not a pure
// function in the strict sense, but every mutation happens only while the
// bus's single dispatch goroutine owns this container, so it is
// data-race-free without extra locking (see Handle's doc comment).
func (c *Container) table() statemachine.Table[State, Event] {
	t := statemachine.Table[State, Event]{
		StateAllocated:     {},
		StateLaunching:     {},
		StateIdle:          {},
		StateRunning:       {},
		StateStopRequested: {},
		StateStopping:      {},
		StateCompleted:     {},
	}

	// NODE_FAILED and COMPLETED(status, preempted) are accepted from any
	// state (spec §4.2 "*" / "any" transitions).
	for s := range t {
		t[s][string(EvNodeFailed)] = c.onNodeFailed
		t[s][string(EvCompleted)] = c.onCompleted
	}

	t[StateAllocated][string(EvLaunchRequest)] = c.onLaunchRequest

	t[StateLaunching][string(EvAssignTA)] = c.onAssignTA
	t[StateLaunching][string(EvLaunched)] = c.onLaunched

	t[StateIdle][string(EvAssignTA)] = c.onAssignTA
	t[StateIdle][string(EvPullTask)] = c.onPullTask
	t[StateIdle][string(EvTimedOut)] = c.onTimedOut

	t[StateRunning][string(EvTASucceeded)] = c.onTASucceeded
	t[StateRunning][string(EvAssignTA)] = c.onAssignWhileRunning
	t[StateRunning][string(EvTimedOut)] = c.onTimedOut

	t[StateStopRequested][string(EvNMStopSent)] = c.onNMStopSent
	t[StateStopRequested][string(EvNMStopFailed)] = c.onNMStopFailed

	// Terminal state: further NODE_FAILED/COMPLETED are benign duplicate
	// RM callbacks, not invariant violations; ASSIGN_TA is the open
	// question case (DESIGN.md), TA_SUCCEEDED is a worker report that
	// raced a preemption (spec scenario 4).
	t[StateCompleted][string(EvNodeFailed)] = c.onNoOp
	t[StateCompleted][string(EvCompleted)] = c.onNoOp
	t[StateCompleted][string(EvAssignTA)] = c.onAssignToCompleted
	t[StateCompleted][string(EvTASucceeded)] = c.onNoOp

	return t
}

// onNoOp leaves the state and queued/running bookkeeping untouched and
// emits nothing; used for events that are valid but have no further
// effect once a container is already terminal.
func (c *Container) onNoOp(s State, ev Event) (State, []bus.Event, error) {
	return s, nil, nil
}

func (c *Container) onLaunchRequest(s State, ev Event) (State, []bus.Event, error) {
	return StateLaunching, []bus.Event{
		emit(bus.Subject{Kind: bus.SubjectNodeManager, ID: "nm"}, "NM_LAUNCH_REQUEST", LaunchCommand{
			ContainerID: c.ID, Node: c.Node, Resource: ev.Resource, Credentials: ev.Credentials,
		}),
	}, nil
}

// queueAttempt builds the QueuedAttempt for ev (computing the additional-
// resource and credentials deltas against this container's accumulated
// state), records it as queued, and notifies the task-attempt listener's
// cache. Must only be called from within a transition handler.
func (c *Container) queueAttempt(ev Event) *QueuedAttempt {
	c.mu.Lock()
	var delta []string
	for _, r := range ev.LocalResources {
		if _, ok := c.accumulatedResources[r]; !ok {
			delta = append(delta, r)
			c.accumulatedResources[r] = struct{}{}
		}
	}
	credsChanged := c.credentialsDagID == nil || *c.credentialsDagID != ev.DagID
	var creds []byte
	if credsChanged {
		creds = ev.Credentials
	}
	dagID := ev.DagID
	c.credentialsDagID = &dagID

	q := &QueuedAttempt{
		AttemptID:           ev.AttemptID,
		DagID:               ev.DagID,
		Resource:            ev.Resource,
		AdditionalResources: delta,
		CredentialsChanged:  credsChanged,
		Credentials:         creds,
	}
	c.queued = q
	c.attemptsEverRun = append(c.attemptsEverRun, ev.AttemptID)
	c.mu.Unlock()

	c.notifier.NotifyQueued(c.ID, q)
	return q
}

func (c *Container) onLaunched(s State, ev Event) (State, []bus.Event, error) {
	return StateIdle, nil, nil
}

// onAssignTA handles ASSIGN_TA in both LAUNCHING and IDLE: if nothing is
// queued or running, queue the attempt and stay in s. If something is
// already queued or running, this is a double assignment — the scheduler
// believed the container was free and it was not (spec §4.2
// "IDLE|LAUNCHING + ASSIGN_TA while queued non-empty", scenario 3): flip
// to STOP_REQUESTED, mark the entity errored, and bounce both the stale
// and the newcomer attempt.
func (c *Container) onAssignTA(s State, ev Event) (State, []bus.Event, error) {
	c.mu.Lock()
	empty := c.queued == nil && c.running == nil
	stale := c.queued
	c.mu.Unlock()
	if empty {
		c.queueAttempt(ev)
		return s, nil, nil
	}

	c.mu.Lock()
	c.isInErrorState = true
	c.mu.Unlock()
	return c.doubleAssign(ev, stale)
}

func (c *Container) onAssignWhileRunning(s State, ev Event) (State, []bus.Event, error) {
	c.mu.Lock()
	c.isInErrorState = true
	stale := c.running
	c.mu.Unlock()
	return c.doubleAssign(ev, stale)
}

// doubleAssign handles a scheduler assignment landing on a container that
// already has a queued or running attempt: both the stale and the
// newcomer attempt are told to expect termination and the container is
// stopped (spec scenario 3). Both attempts are kept in the queued/running
// slots (rather than cleared) so that the eventual COMPLETED transition's
// per-attempt TA_CONTAINER_TERMINATED emission — scenario 3's "after
// C_NM_STOP_SENT + C_COMPLETED, two TA_CONTAINER_TERMINATED events are
// emitted" — covers both of them.
func (c *Container) doubleAssign(ev Event, stale *QueuedAttempt) (State, []bus.Event, error) {
	newcomer := &QueuedAttempt{AttemptID: ev.AttemptID, DagID: ev.DagID, Resource: ev.Resource}

	c.mu.Lock()
	c.queued = stale
	c.running = newcomer
	c.mu.Unlock()

	var effects []bus.Event
	if stale != nil {
		effects = append(effects, emitToAttempt(stale.AttemptID, attempt.Event{Kind: attempt.EvContainerTerminating, ContainerID: c.ID}))
	}
	effects = append(effects, emitToAttempt(newcomer.AttemptID, attempt.Event{Kind: attempt.EvContainerTerminating, ContainerID: c.ID}))
	effects = append(effects, emit(bus.Subject{Kind: bus.SubjectNodeManager, ID: "nm"}, "NM_STOP_REQUEST", StopCommand{ContainerID: c.ID, Node: c.Node}))
	return StateStopRequested, effects, nil
}

func (c *Container) onPullTask(s State, ev Event) (State, []bus.Event, error) {
	c.mu.Lock()
	q := c.queued
	if q == nil {
		c.mu.Unlock()
		return s, nil, nil
	}
	c.running = q
	c.queued = nil
	c.mu.Unlock()
	return StateRunning, []bus.Event{
		emitToAttempt(q.AttemptID, attempt.Event{Kind: attempt.EvStartedRemotely, ContainerID: c.ID, Node: c.Node}),
	}, nil
}

// onTASucceeded returns the container to IDLE. A queued attempt, if any,
// stays queued until the worker calls getTask again (PULL_TASK).
func (c *Container) onTASucceeded(s State, ev Event) (State, []bus.Event, error) {
	c.mu.Lock()
	c.running = nil
	c.mu.Unlock()
	return StateIdle, nil, nil
}

// onNodeFailed implements "* + NODE_FAILED -> STOPPING" (spec §4.2): every
// attempt this container ever ran is told the node is gone (it must not
// be retried there), the currently running attempt additionally gets
// TA_CONTAINER_TERMINATING since its container is being torn down, and
// the resource manager is told to deallocate. Queued/running bookkeeping
// is left in place; the eventual COMPLETED transition clears it.
func (c *Container) onNodeFailed(s State, ev Event) (State, []bus.Event, error) {
	c.mu.Lock()
	everRun := append([]ids.TaskAttemptID(nil), c.attemptsEverRun...)
	running := c.running
	c.mu.Unlock()

	effects := make([]bus.Event, 0, len(everRun)+2)
	for _, a := range everRun {
		effects = append(effects, emitToAttempt(a, attempt.Event{Kind: attempt.EvNodeFailed, ContainerID: c.ID, Node: c.Node}))
	}
	if running != nil {
		effects = append(effects, emitToAttempt(running.AttemptID, attempt.Event{Kind: attempt.EvContainerTerminating, ContainerID: c.ID}))
	}
	effects = append(effects, emit(bus.Subject{Kind: bus.SubjectResourceManager, ID: "rm"}, "S_CONTAINER_DEALLOCATE", DeallocateCommand{ContainerID: c.ID}))
	return StateStopping, effects, nil
}

// onTimedOut implements "RUNNING|IDLE + C_TIMED_OUT -> STOP_REQUESTED":
// the heartbeat watchdog gave up on this container, so whatever is queued
// or running is told to expect termination and the node manager is asked
// to stop it.
func (c *Container) onTimedOut(s State, ev Event) (State, []bus.Event, error) {
	c.mu.Lock()
	queued, running := c.queued, c.running
	c.mu.Unlock()

	var effects []bus.Event
	for _, a := range []*QueuedAttempt{queued, running} {
		if a != nil {
			effects = append(effects, emitToAttempt(a.AttemptID, attempt.Event{Kind: attempt.EvContainerTerminating, ContainerID: c.ID}))
		}
	}
	effects = append(effects, emit(bus.Subject{Kind: bus.SubjectNodeManager, ID: "nm"}, "NM_STOP_REQUEST", StopCommand{ContainerID: c.ID, Node: c.Node}))
	return StateStopRequested, effects, nil
}

func (c *Container) onNMStopSent(s State, ev Event) (State, []bus.Event, error) {
	return StateStopping, nil, nil
}

// onNMStopFailed implements "STOP_REQUESTED + NM_STOP_FAILED -> STOPPING +
// S_CONTAINER_DEALLOCATE": the node manager itself would not confirm the
// stop, so the AM gives up on a clean shutdown and asks the resource
// manager to reclaim the lease outright.
func (c *Container) onNMStopFailed(s State, ev Event) (State, []bus.Event, error) {
	return StateStopping, []bus.Event{
		emit(bus.Subject{Kind: bus.SubjectResourceManager, ID: "rm"}, "S_CONTAINER_DEALLOCATE", DeallocateCommand{ContainerID: c.ID}),
	}, nil
}

// onCompleted implements "any + COMPLETED(status, preempted) -> COMPLETED":
// every attempt that was queued or running is told the container is gone,
// as TA_CONTAINER_PREEMPTED if the resource manager reports preemption,
// TA_CONTAINER_TERMINATED otherwise.
func (c *Container) onCompleted(s State, ev Event) (State, []bus.Event, error) {
	c.mu.Lock()
	queued, running := c.queued, c.running
	c.queued, c.running = nil, nil
	c.mu.Unlock()

	kind := attempt.EvContainerTerminated
	if ev.Preempted {
		kind = attempt.EvContainerPreempted
	}

	var effects []bus.Event
	for _, a := range []*QueuedAttempt{queued, running} {
		if a != nil {
			effects = append(effects, emitToAttempt(a.AttemptID, attempt.Event{Kind: kind, ContainerID: c.ID, Diagnostics: ev.Status}))
		}
	}
	c.notifier.NotifyTerminal(c.ID)
	return StateCompleted, effects, nil
}

// onAssignToCompleted implements the COMPLETED + ASSIGN_TA open question
// (DESIGN.md): a benign race between the scheduler and this container's
// own completion. The newcomer is bounced straight back so it can be
// rescheduled elsewhere; the container stays COMPLETED.
func (c *Container) onAssignToCompleted(s State, ev Event) (State, []bus.Event, error) {
	c.mu.Lock()
	c.isInErrorState = true
	c.mu.Unlock()
	return s, []bus.Event{
		emitToAttempt(ev.AttemptID, attempt.Event{Kind: attempt.EvContainerTerminated, ContainerID: c.ID, Diagnostics: "container already completed"}),
	}, nil
}

// LaunchCommand and StopCommand are the payloads carried to the
// node-manager communicator handler (internal/nmcomm) over
// SubjectNodeManager. DeallocateCommand is carried to the resource-manager
// communicator (internal/rmcomm) over SubjectResourceManager, telling it
// this container's lease is no longer needed. Exported so those
// communicator packages can type-assert the exact values this package
// sends, the same payload-ownership convention internal/attempt
// establishes for its own outbound event kinds.
type LaunchCommand struct {
	ContainerID ids.ContainerID
	Node        ids.NodeID
	Resource    dagmodel.ResourceRequest
	Credentials []byte
}

type StopCommand struct {
	ContainerID ids.ContainerID
	Node        ids.NodeID
}

type DeallocateCommand struct {
	ContainerID ids.ContainerID
}
