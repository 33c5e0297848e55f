// Copyright (C) 2026 The Dagmaster Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// Package task implements the task state machine (spec §4.4): one
// parallel instance of a vertex. A task owns a sequence of attempts (at
// most one outstanding at a time under this AM's scheduling policy),
// tracks an attempt budget, arbitrates commit among concurrently-asking
// attempts, and reports its terminal outcome to its owning vertex.
package task

import (
	"sync"

	"github.com/dagflow/dagmaster/internal/attempt"
	"github.com/dagflow/dagmaster/internal/bus"
	"github.com/dagflow/dagmaster/internal/dagmodel"
	"github.com/dagflow/dagmaster/internal/ids"
	"github.com/dagflow/dagmaster/internal/logger"
	"github.com/dagflow/dagmaster/internal/statemachine"
	v1 "github.com/dagflow/dagmaster/proto/tez/v1"
)

// DefaultMaxAttempts is the spec's `task.max-attempts` default.
const DefaultMaxAttempts = 4

// State is one of the task lifecycle's states.
type State int

const (
	StateNew State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateRunning:
		return "RUNNING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	case StateKilled:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is one of the task's three resolved states.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateKilled
}

// EventKind discriminates the events a task subject can receive.
type EventKind string

const (
	EvStart           EventKind = "TASK_START"
	EvAttemptResolved EventKind = "TA_RESOLVED"
	EvCommitRequested EventKind = "TA_COMMIT_REQUESTED"
	EvKill            EventKind = "TASK_KILL"
)

// Event is the payload every task transition dispatches on. Fire takes it
// directly; over the bus, Handle builds it from the raw payload each sender
// dispatches: internal/vertex releases a task with EvStart,
// internal/attempt reports outcomes and commit requests with
// EvAttemptResolved and EvCommitRequested.
type Event struct {
	Kind    EventKind
	Outcome attempt.Outcome   // set for EvAttemptResolved
	AskedBy ids.TaskAttemptID // set for EvCommitRequested
	Diag    string            // set for EvKill
}

func (e Event) EventKind() string { return string(e.Kind) }

// Outcome is handed to the owning vertex once a task resolves.
type Outcome struct {
	TaskID    ids.TaskID
	State     State
	Diag      string
}

// CommitDecision reports a task's first-asker-wins verdict for one commit
// request, broadcast to ListenerSubject() alongside the ordinary grant/deny
// event sent to the asking attempt itself: the task-attempt listener (spec
// §4.8's canCommit RPC) cannot register on an individual attempt's subject
// (internal/attempt already owns it), so it instead watches this fixed
// subject for the outcome of a request it enqueued.
type CommitDecision struct {
	AttemptID ids.TaskAttemptID
	Granted   bool
}

// Task is one parallel instance of a vertex.
type Task struct {
	ID          ids.TaskID
	Resource    dagmodel.ResourceRequest
	MaxAttempts int
	Priority    int // base priority, 2*(distanceFromRoot+1) (spec §4.7); carried to every attempt

	mu sync.Mutex

	machine *statemachine.Machine[State, Event]

	attemptsUsed   int // count of attempts whose failure counted against budget
	nextAttemptIdx int
	currentAttempt *ids.TaskAttemptID
	committedTo    *ids.TaskAttemptID
	nodeBlacklist  map[string]ids.NodeID

	outboxMu sync.Mutex
	outbox   []v1.TezEvent // events routed to this task, paged out by the listener's heartbeat handler

	log    logger.Logger
	busPtr *bus.Bus
}

// Option configures a Task at construction.
type Option func(*Task)

// WithLogger attaches a logger.
func WithLogger(l logger.Logger) Option { return func(t *Task) { t.log = l } }

// WithMaxAttempts overrides the attempt budget (spec config key
// `task.max-attempts`, default 4).
func WithMaxAttempts(n int) Option { return func(t *Task) { t.MaxAttempts = n } }

// WithBus attaches the bus used both to register newly created attempts
// and to dispatch this task's own emitted effects.
func WithBus(b *bus.Bus) Option { return func(t *Task) { t.busPtr = b } }

// WithPriority sets the task's base scheduling priority, 2*(distanceFromRoot+1)
// (spec §4.7). Every attempt of this task inherits it; a rescheduled
// attempt's effective priority is one lower (more urgent).
func WithPriority(p int) Option { return func(t *Task) { t.Priority = p } }

// New constructs a Task in NEW state.
func New(id ids.TaskID, resource dagmodel.ResourceRequest, opts ...Option) *Task {
	t := &Task{
		ID:            id,
		Resource:      resource,
		MaxAttempts:   DefaultMaxAttempts,
		nodeBlacklist: make(map[string]ids.NodeID),
		log:           logger.New(logger.WithQuiet()),
	}
	for _, o := range opts {
		o(t)
	}
	t.machine = statemachine.New(StateNew, t.table())
	return t
}

// State returns the task's current lifecycle state.
func (t *Task) State() State { return t.machine.State() }

// BlacklistedNodes returns the nodes this task's attempts have reported as
// failed, for the DAG scheduler to avoid when placing the next attempt.
func (t *Task) BlacklistedNodes() []ids.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ids.NodeID, 0, len(t.nodeBlacklist))
	for _, n := range t.nodeBlacklist {
		out = append(out, n)
	}
	return out
}

// EnqueueEvent appends a wire event routed to this task by internal/vertex's
// edge-routing (spec §6 VERTEX_ROUTE_EVENT), for the listener's heartbeat
// handler to page out to the owning attempt's worker. Direct method, not a
// bus transition: delivery order within one task's outbox only needs to be
// stable relative to other deliveries to the same task, which the bus's
// per-subject single-dispatch-goroutine guarantee already provides to the
// vertex that calls this.
func (t *Task) EnqueueEvent(ev v1.TezEvent) {
	t.outboxMu.Lock()
	defer t.outboxMu.Unlock()
	t.outbox = append(t.outbox, ev)
}

// Events returns up to maxEvents entries from this task's outbox starting at
// startIndex (spec §6's Heartbeat "eventsStartIndex"/"maxEvents" paging).
func (t *Task) Events(startIndex, maxEvents int) []v1.TezEvent {
	t.outboxMu.Lock()
	defer t.outboxMu.Unlock()
	if startIndex >= len(t.outbox) {
		return nil
	}
	end := startIndex + maxEvents
	if end > len(t.outbox) || maxEvents <= 0 {
		end = len(t.outbox)
	}
	out := make([]v1.TezEvent, end-startIndex)
	copy(out, t.outbox[startIndex:end])
	return out
}

// Handle implements bus.Handler. Unlike internal/container and
// internal/attempt (whose senders construct the receiving entity's own
// Event type directly), a task receives events from internal/attempt,
// which cannot import this package without a cycle (Task constructs and
// owns Attempt instances). So Handle instead switches on the wire Kind
// and type-asserts the raw payload attempt.go actually sends —
// attempt.Outcome for a resolution, an ids.TaskAttemptID for a commit
// request — building this package's own Event from it.
func (t *Task) Handle(ev bus.Event) {
	var tev Event
	switch ev.Kind {
	case string(EvAttemptResolved):
		out, ok := ev.Payload.(attempt.Outcome)
		if !ok {
			t.log.Errorf("task %s: event %s carried unexpected payload type %T", t.ID, ev.Kind, ev.Payload)
			return
		}
		tev = Event{Kind: EvAttemptResolved, Outcome: out}
	case string(EvCommitRequested):
		id, ok := ev.Payload.(ids.TaskAttemptID)
		if !ok {
			t.log.Errorf("task %s: event %s carried unexpected payload type %T", t.ID, ev.Kind, ev.Payload)
			return
		}
		tev = Event{Kind: EvCommitRequested, AskedBy: id}
	case string(EvStart):
		tev = Event{Kind: EvStart}
	case string(EvKill):
		diag, _ := ev.Payload.(string)
		tev = Event{Kind: EvKill, Diag: diag}
	default:
		t.log.Errorf("task %s: unrecognised event kind %s", t.ID, ev.Kind)
		return
	}

	effects, err := t.Fire(tev)
	if err != nil {
		t.log.Warnf("task %s: invariant violation firing %s in state %s: %v", t.ID, tev.Kind, t.machine.State(), err)
		return
	}
	if t.busPtr != nil {
		for _, eff := range effects {
			t.busPtr.Dispatch(eff)
		}
	}
}

// Fire applies ev directly and returns the emitted effects.
func (t *Task) Fire(ev Event) ([]bus.Event, error) {
	_, effects, err := t.machine.Fire(ev)
	return effects, err
}

func emit(subject bus.Subject, kind string, payload any) bus.Event {
	return bus.Event{Subject: subject, Kind: kind, Payload: payload}
}

func attemptSubject(id ids.TaskAttemptID) bus.Subject {
	return bus.Subject{Kind: bus.SubjectAttempt, ID: id.String()}
}

func (t *Task) vertexSubject() bus.Subject {
	return bus.Subject{Kind: bus.SubjectVertex, ID: t.ID.Vertex.String()}
}

// Subject returns the bus subject a task with this id is registered under,
// matching internal/vertex's own taskSubject convention. Exported so
// internal/listener's canCommit RPC handler can address a task without
// re-deriving that convention.
func Subject(id ids.TaskID) bus.Subject {
	return bus.Subject{Kind: bus.SubjectTask, ID: id.String()}
}

// ListenerSubject is the fixed subject the task-attempt listener registers
// on to receive CommitDecision broadcasts, the same "reuse SubjectTask with
// a non-TaskID string ID" convention internal/attempt's scheduler subject
// and internal/scheduler's own Subject() already establish.
func ListenerSubject() bus.Subject { return bus.Subject{Kind: bus.SubjectTask, ID: "listener"} }

func (t *Task) table() statemachine.Table[State, Event] {
	tbl := statemachine.Table[State, Event]{
		StateNew:       {},
		StateRunning:   {},
		StateSucceeded: {},
		StateFailed:    {},
		StateKilled:    {},
	}

	tbl[StateNew][string(EvStart)] = t.onStart

	tbl[StateRunning][string(EvAttemptResolved)] = t.onAttemptResolved
	tbl[StateRunning][string(EvCommitRequested)] = t.onCommitRequested
	tbl[StateRunning][string(EvKill)] = t.onKilled

	// Terminal states: a resolution from an attempt already superseded
	// by the time this task finished is benign and ignored; a commit
	// request arriving after the task already resolved is denied
	// outright (whichever attempt was granted already won); a further
	// kill is a no-op.
	for _, s := range []State{StateSucceeded, StateFailed, StateKilled} {
		tbl[s][string(EvAttemptResolved)] = t.onNoOp
		tbl[s][string(EvCommitRequested)] = t.onLateCommitDenied
		tbl[s][string(EvKill)] = t.onNoOp
	}

	return tbl
}

func (t *Task) onNoOp(s State, ev Event) (State, []bus.Event, error) {
	return s, nil, nil
}

// onStart is the vertex releasing this task index into scheduling
// (vertex-manager's scheduleVertexTasks, spec §4.5): the task creates its
// first attempt, registers it on the bus, and kicks it off with SCHEDULE.
func (t *Task) onStart(s State, ev Event) (State, []bus.Event, error) {
	a := t.newAttempt(false)
	return StateRunning, []bus.Event{
		emit(attemptSubject(a.ID), string(attempt.EvSchedule), attempt.Event{Kind: attempt.EvSchedule}),
	}, nil
}

// newAttempt constructs the next attempt for this task, registers it on
// the bus (if one is attached), and records it as current. Mutates t
// outside the statemachine's own state field, same discipline as
// internal/container's transition handlers (spec §9: handlers close over
// the entity and are safe because the bus guarantees single-threaded
// access per subject).
func (t *Task) newAttempt(rescheduled bool) *attempt.Attempt {
	t.mu.Lock()
	idx := t.nextAttemptIdx
	t.nextAttemptIdx++
	t.mu.Unlock()

	id := ids.TaskAttemptID{Task: t.ID, Attempt: idx}
	a := attempt.New(id, rescheduled, t.Resource,
		attempt.WithLogger(t.log), attempt.WithBus(t.busPtr), attempt.WithPriority(t.Priority))

	t.mu.Lock()
	t.currentAttempt = &id
	t.mu.Unlock()

	if t.busPtr != nil {
		t.busPtr.Register(attemptSubject(id), a)
	}
	return a
}

// onAttemptResolved implements spec §4.4's Task rules, discriminating on
// the attempt's FailureClass rather than its terminal State: preemption
// resolves an attempt to KILLED but is still retryable and must not end
// the task (spec §4.3 "TA_CONTAINER_PREEMPTED -> retryable"), whereas an
// explicit TA_KILL (DAG cancellation, or a reschedule superseding this
// very attempt) also resolves to KILLED but must not be retried.
func (t *Task) onAttemptResolved(s State, ev Event) (State, []bus.Event, error) {
	out := ev.Outcome

	t.mu.Lock()
	isCurrent := t.currentAttempt != nil && *t.currentAttempt == out.AttemptID
	t.mu.Unlock()
	if !isCurrent {
		// A stale attempt (already superseded by a reschedule) reported
		// in after the fact; nothing to do.
		return s, nil, nil
	}

	switch {
	case out.State == attempt.StateSucceeded:
		return StateSucceeded, []bus.Event{
			emit(t.vertexSubject(), "TASK_SUCCEEDED", Outcome{TaskID: t.ID, State: StateSucceeded}),
		}, nil

	case out.Class == attempt.FailureKilled:
		// DAG cancellation, or this attempt being explicitly superseded:
		// the task is done either way, no replacement attempt follows.
		return StateKilled, nil, nil

	case out.Class == attempt.FailureCommitDenied:
		// Another attempt of this task already holds the commit grant
		// and will resolve the task to SUCCEEDED on its own; this one
		// is simply discarded (spec §4.3 "Denied attempts fail" — fails
		// as an attempt, but does not itself fail or retry the task).
		return s, nil, nil

	default:
		if out.Class == attempt.FailureNodeLost {
			t.mu.Lock()
			t.nodeBlacklist[out.Node.String()] = out.Node
			t.mu.Unlock()
		}
		if out.Class.CountsAgainstBudget() {
			t.mu.Lock()
			t.attemptsUsed++
			exhausted := t.attemptsUsed >= t.MaxAttempts
			t.mu.Unlock()
			if exhausted {
				return StateFailed, []bus.Event{
					emit(t.vertexSubject(), "TASK_FAILED", Outcome{TaskID: t.ID, State: StateFailed, Diag: out.Diag}),
				}, nil
			}
		}
		a := t.newAttempt(true)
		return StateRunning, []bus.Event{
			emit(attemptSubject(a.ID), string(attempt.EvSchedule), attempt.Event{Kind: attempt.EvSchedule}),
		}, nil
	}
}

// onCommitRequested implements "the task grants commit to exactly one
// attempt and denies all others" (spec §4.3). Single-threaded dispatch
// means "concurrently asking" attempts are simply processed in enqueue
// order; the first one through wins.
func (t *Task) onCommitRequested(s State, ev Event) (State, []bus.Event, error) {
	t.mu.Lock()
	already := t.committedTo
	if already == nil {
		t.committedTo = &ev.AskedBy
	}
	t.mu.Unlock()

	if already != nil {
		return s, []bus.Event{
			emit(attemptSubject(ev.AskedBy), string(attempt.EvCommitDenied), attempt.Event{Kind: attempt.EvCommitDenied}),
			emit(ListenerSubject(), "TASK_COMMIT_DECIDED", CommitDecision{AttemptID: ev.AskedBy, Granted: false}),
		}, nil
	}
	return s, []bus.Event{
		emit(attemptSubject(ev.AskedBy), string(attempt.EvCommitGranted), attempt.Event{Kind: attempt.EvCommitGranted}),
		emit(ListenerSubject(), "TASK_COMMIT_DECIDED", CommitDecision{AttemptID: ev.AskedBy, Granted: true}),
	}, nil
}

// onLateCommitDenied denies a commit request that arrives after the task
// has already resolved (e.g. a straggling speculative attempt).
func (t *Task) onLateCommitDenied(s State, ev Event) (State, []bus.Event, error) {
	return s, []bus.Event{
		emit(attemptSubject(ev.AskedBy), string(attempt.EvCommitDenied), attempt.Event{Kind: attempt.EvCommitDenied}),
		emit(ListenerSubject(), "TASK_COMMIT_DECIDED", CommitDecision{AttemptID: ev.AskedBy, Granted: false}),
	}, nil
}

// onKilled propagates a DAG cancellation to the task's current attempt.
func (t *Task) onKilled(s State, ev Event) (State, []bus.Event, error) {
	t.mu.Lock()
	cur := t.currentAttempt
	t.mu.Unlock()

	if cur == nil {
		return StateKilled, nil, nil
	}
	return StateKilled, []bus.Event{
		emit(attemptSubject(*cur), string(attempt.EvKill), attempt.Event{Kind: attempt.EvKill, Diagnostics: ev.Diag}),
	}, nil
}
