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

// Package attempt implements the task-attempt state machine (spec §4.3):
// the unit actually scheduled onto a container. An attempt requests a
// container at a priority, waits for it to be assigned and pulled, runs,
// and resolves to SUCCEEDED, FAILED or KILLED — classifying every failure
// mode (container loss before/during RUNNING, preemption, node failure,
// worker-reported failure) into retryable or not per spec §4.3/§7.
package attempt

import (
	"sync"

	"github.com/dagflow/dagmaster/internal/bus"
	"github.com/dagflow/dagmaster/internal/dagmodel"
	"github.com/dagflow/dagmaster/internal/ids"
	"github.com/dagflow/dagmaster/internal/logger"
	"github.com/dagflow/dagmaster/internal/statemachine"
)

// State is one of the task-attempt lifecycle's states.
type State int

const (
	StateNew State = iota
	StateStartWait
	StateSubmitted
	StateRunning
	StateCommitPending
	StateSucceeded
	StateFailed
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateStartWait:
		return "START_WAIT"
	case StateSubmitted:
		return "SUBMITTED"
	case StateRunning:
		return "RUNNING"
	case StateCommitPending:
		return "COMMIT_PENDING"
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

// Terminal reports whether s is one of the attempt's three resolved states.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateKilled
}

// EventKind discriminates the events an attempt subject can receive.
type EventKind string

const (
	EvSchedule             EventKind = "SCHEDULE"
	EvContainerAssigned    EventKind = "TA_ASSIGNED"
	EvStartedRemotely      EventKind = "TA_STARTED_REMOTELY"
	EvContainerTerminated  EventKind = "TA_CONTAINER_TERMINATED"
	EvContainerTerminating EventKind = "TA_CONTAINER_TERMINATING"
	EvContainerPreempted   EventKind = "TA_CONTAINER_PREEMPTED"
	EvNodeFailed           EventKind = "TA_NODE_FAILED"
	EvWorkerFailed         EventKind = "TA_FAILED"
	EvCommitRequested      EventKind = "TA_COMMIT_REQUESTED"
	EvCommitGranted        EventKind = "TA_COMMIT_GRANTED"
	EvCommitDenied         EventKind = "TA_COMMIT_DENIED"
	EvWorkerSucceeded      EventKind = "TA_SUCCEEDED"
	EvKill                 EventKind = "TA_KILL"
)

// Event is the payload every attempt transition dispatches on.
type Event struct {
	Kind        EventKind
	ContainerID ids.ContainerID
	Node        ids.NodeID
	Diagnostics string
}

func (e Event) EventKind() string { return string(e.Kind) }

// FailureClass reports how a terminal or retry decision was reached, for
// diagnostics and for the owning task's failure-budget bookkeeping (spec
// §4.3's failure classification table).
type FailureClass int

const (
	FailureNone FailureClass = iota
	FailureContainerLostBeforeRunning
	FailureContainerLostDuringRunning
	FailurePreempted
	FailureNodeLost
	FailureWorkerReported
	FailureCommitDenied
	FailureKilled
)

// CountsAgainstBudget reports whether this failure class should consume one
// of the task's maxAttempts (spec §4.3: "TA_CONTAINER_PREEMPTED ... does NOT
// count toward task failure budget").
func (f FailureClass) CountsAgainstBudget() bool {
	return f != FailurePreempted && f != FailureKilled
}

// Retryable reports whether f is a failure class at all (anything but
// FailureNone). internal/task does not consult it: it schedules no
// replacement attempt for FailureKilled or FailureCommitDenied outcomes.
func (f FailureClass) Retryable() bool {
	return f != FailureNone
}

// Outcome is carried to the owning task (as the payload of a TA_RESOLVED
// event) when the attempt resolves.
type Outcome struct {
	AttemptID ids.TaskAttemptID
	State     State
	Class     FailureClass
	Diag      string
	Node      ids.NodeID // set only for FailureNodeLost, for the task's node-blacklist bookkeeping
}

// Attempt is one execution try of a task. Every interaction with its
// owning task goes through the bus like any other pair of entities (spec
// §3 "Events are the only permitted inter-component communication"); the
// attempt never holds a pointer or direct callback to its task, only the
// task's subject, derived from its own hierarchical id (spec §9 "cyclic
// references... never store pointers").
type Attempt struct {
	ID          ids.TaskAttemptID
	Rescheduled bool
	Priority    int
	Resource    dagmodel.ResourceRequest

	mu          sync.Mutex
	machine     *statemachine.Machine[State, Event]
	containerID *ids.ContainerID // nullable, set once ASSIGN_TA lands on a container

	log    logger.Logger
	busPtr *bus.Bus
}

// Option configures an Attempt at construction.
type Option func(*Attempt)

// WithLogger attaches a logger.
func WithLogger(l logger.Logger) Option { return func(a *Attempt) { a.log = l } }

// WithBus attaches the bus Handle dispatches emitted effects onto.
func WithBus(b *bus.Bus) Option { return func(a *Attempt) { a.busPtr = b } }

// WithPriority sets the attempt's base priority (its owning task's
// 2*(distanceFromRoot+1), spec §4.7). onSchedule lowers it by one for a
// rescheduled attempt before forwarding it to the scheduler.
func WithPriority(p int) Option { return func(a *Attempt) { a.Priority = p } }

// New constructs an Attempt in NEW state.
func New(id ids.TaskAttemptID, rescheduled bool, resource dagmodel.ResourceRequest, opts ...Option) *Attempt {
	a := &Attempt{
		ID:          id,
		Rescheduled: rescheduled,
		Resource:    resource,
		log:         logger.New(logger.WithQuiet()),
	}
	for _, o := range opts {
		o(a)
	}
	a.machine = statemachine.New(StateNew, a.table())
	return a
}

// State returns the attempt's current lifecycle state.
func (a *Attempt) State() State { return a.machine.State() }

// ContainerID returns the container this attempt is assigned to, if any.
func (a *Attempt) ContainerID() (ids.ContainerID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.containerID == nil {
		return ids.ContainerID{}, false
	}
	return *a.containerID, true
}

// Handle implements bus.Handler.
func (a *Attempt) Handle(ev bus.Event) {
	aev, ok := ev.Payload.(Event)
	if !ok {
		a.log.Errorf("attempt %s: event %s carried unexpected payload type %T", a.ID, ev.Kind, ev.Payload)
		return
	}
	effects, err := a.Fire(aev)
	if err != nil {
		a.log.Warnf("attempt %s: invariant violation firing %s in state %s: %v", a.ID, aev.Kind, a.machine.State(), err)
		return
	}
	if a.busPtr != nil {
		for _, eff := range effects {
			a.busPtr.Dispatch(eff)
		}
	}
}

// Fire applies ev directly and returns the emitted effects.
func (a *Attempt) Fire(ev Event) ([]bus.Event, error) {
	_, effects, err := a.machine.Fire(ev)
	return effects, err
}

func emit(subject bus.Subject, kind string, payload any) bus.Event {
	return bus.Event{Subject: subject, Kind: kind, Payload: payload}
}

func (a *Attempt) schedulerSubject() bus.Subject {
	return bus.Subject{Kind: bus.SubjectTask, ID: "scheduler"}
}

// taskSubject is the owning task's bus subject, derived from this attempt's
// own hierarchical id rather than a stored pointer (spec §9).
func (a *Attempt) taskSubject() bus.Subject {
	return bus.Subject{Kind: bus.SubjectTask, ID: a.ID.Task.String()}
}

func (a *Attempt) table() statemachine.Table[State, Event] {
	t := statemachine.Table[State, Event]{
		StateNew:           {},
		StateStartWait:     {},
		StateSubmitted:     {},
		StateRunning:       {},
		StateCommitPending: {},
		StateSucceeded:     {},
		StateFailed:        {},
		StateKilled:        {},
	}

	// TA_KILL is accepted from every non-terminal state: a cancelled DAG
	// or a superseded reschedule kills attempts still in flight.
	for _, s := range []State{StateNew, StateStartWait, StateSubmitted, StateRunning, StateCommitPending} {
		t[s][string(EvKill)] = a.onKilled
	}

	t[StateNew][string(EvSchedule)] = a.onSchedule

	t[StateStartWait][string(EvContainerAssigned)] = a.onContainerAssigned
	t[StateStartWait][string(EvContainerTerminating)] = a.onLostBeforeRunning
	t[StateStartWait][string(EvContainerTerminated)] = a.onLostBeforeRunning
	t[StateStartWait][string(EvContainerPreempted)] = a.onPreemptedBeforeRunning

	t[StateSubmitted][string(EvStartedRemotely)] = a.onStartedRemotely
	t[StateSubmitted][string(EvContainerTerminating)] = a.onLostBeforeRunning
	t[StateSubmitted][string(EvContainerTerminated)] = a.onLostBeforeRunning
	t[StateSubmitted][string(EvContainerPreempted)] = a.onPreemptedBeforeRunning

	t[StateRunning][string(EvWorkerSucceeded)] = a.onWorkerSucceeded
	t[StateRunning][string(EvCommitRequested)] = a.onCommitRequested
	t[StateRunning][string(EvWorkerFailed)] = a.onWorkerFailed
	t[StateRunning][string(EvContainerTerminating)] = a.onLostDuringRunning
	t[StateRunning][string(EvContainerTerminated)] = a.onLostDuringRunning
	t[StateRunning][string(EvContainerPreempted)] = a.onPreemptedDuringRunning
	t[StateRunning][string(EvNodeFailed)] = a.onNodeFailed

	t[StateCommitPending][string(EvCommitGranted)] = a.onCommitGranted
	t[StateCommitPending][string(EvCommitDenied)] = a.onCommitDenied
	t[StateCommitPending][string(EvContainerTerminating)] = a.onLostDuringRunning
	t[StateCommitPending][string(EvContainerTerminated)] = a.onLostDuringRunning
	t[StateCommitPending][string(EvContainerPreempted)] = a.onPreemptedDuringRunning
	t[StateCommitPending][string(EvNodeFailed)] = a.onNodeFailed

	return t
}

// onSchedule is the SCHEDULE(priority) entry point (spec §4.3): the
// attempt asks the DAG scheduler to request a container of its vertex's
// resource size. Its base priority was inherited from its task at
// construction (2*(distanceFromRoot+1), spec §4.7); a rescheduled attempt
// is forwarded one priority value lower, so it is considered ahead of a
// fresh attempt at the same distance from root.
func (a *Attempt) onSchedule(s State, ev Event) (State, []bus.Event, error) {
	priority := a.Priority
	if a.Rescheduled {
		priority--
	}
	return StateStartWait, []bus.Event{
		emit(a.schedulerSubject(), "TA_SCHEDULE", ScheduleRequest{
			AttemptID:   a.ID,
			Priority:    priority,
			Rescheduled: a.Rescheduled,
			Resource:    a.Resource,
		}),
	}, nil
}

// onContainerAssigned records the container this attempt was queued onto
// (ASSIGN_TA landed on the container side; this event is the attempt's own
// mirror of that so ContainerID() is available without reaching into the
// container).
func (a *Attempt) onContainerAssigned(s State, ev Event) (State, []bus.Event, error) {
	a.mu.Lock()
	a.containerID = &ev.ContainerID
	a.mu.Unlock()
	return StateSubmitted, nil, nil
}

func (a *Attempt) onStartedRemotely(s State, ev Event) (State, []bus.Event, error) {
	return StateRunning, nil, nil
}

// onWorkerSucceeded resolves the attempt once it has no commit obligation;
// output-committing attempts instead wait in COMMIT_PENDING for a grant.
func (a *Attempt) onWorkerSucceeded(s State, ev Event) (State, []bus.Event, error) {
	return StateSucceeded, []bus.Event{a.resolve(StateSucceeded, FailureNone, "")}, nil
}

// onCommitRequested is the attempt asking its task for permission to report
// SUCCEEDED (spec §4.3 "Commit"); the task arbitrates and replies with
// TA_COMMIT_GRANTED/TA_COMMIT_DENIED.
func (a *Attempt) onCommitRequested(s State, ev Event) (State, []bus.Event, error) {
	return StateCommitPending, []bus.Event{emit(a.taskSubject(), "TA_COMMIT_REQUESTED", a.ID)}, nil
}

func (a *Attempt) onCommitGranted(s State, ev Event) (State, []bus.Event, error) {
	return StateSucceeded, []bus.Event{a.resolve(StateSucceeded, FailureNone, "")}, nil
}

// onCommitDenied: the task already granted another attempt; this one
// fails, consistent with spec §4.3 "Denied attempts fail."
func (a *Attempt) onCommitDenied(s State, ev Event) (State, []bus.Event, error) {
	return StateFailed, []bus.Event{a.resolve(StateFailed, FailureCommitDenied, "commit denied: another attempt was granted")}, nil
}

func (a *Attempt) onWorkerFailed(s State, ev Event) (State, []bus.Event, error) {
	return StateFailed, []bus.Event{a.resolve(StateFailed, FailureWorkerReported, ev.Diagnostics)}, nil
}

// onLostBeforeRunning implements "TA_CONTAINER_TERMINATED before RUNNING ->
// retryable (launch failure or re-allocation)" (spec §4.3).
func (a *Attempt) onLostBeforeRunning(s State, ev Event) (State, []bus.Event, error) {
	return StateFailed, []bus.Event{a.resolve(StateFailed, FailureContainerLostBeforeRunning, ev.Diagnostics)}, nil
}

// onLostDuringRunning implements "TA_CONTAINER_TERMINATED during RUNNING ->
// retryable; counts toward task failure budget".
func (a *Attempt) onLostDuringRunning(s State, ev Event) (State, []bus.Event, error) {
	return StateFailed, []bus.Event{a.resolve(StateFailed, FailureContainerLostDuringRunning, ev.Diagnostics)}, nil
}

// onPreemptedBeforeRunning/onPreemptedDuringRunning implement
// "TA_CONTAINER_PREEMPTED -> retryable; does NOT count toward task failure
// budget" regardless of which state the preemption found the attempt in.
func (a *Attempt) onPreemptedBeforeRunning(s State, ev Event) (State, []bus.Event, error) {
	return StateKilled, []bus.Event{a.resolve(StateKilled, FailurePreempted, "preempted before running")}, nil
}

func (a *Attempt) onPreemptedDuringRunning(s State, ev Event) (State, []bus.Event, error) {
	return StateKilled, []bus.Event{a.resolve(StateKilled, FailurePreempted, "preempted while running")}, nil
}

// onNodeFailed implements "TA_NODE_FAILED -> fail; mark the node as
// unusable for subsequent attempts of this task; retryable." The actual
// node-blacklist bookkeeping lives on the owning task (it outlives any
// single attempt); this handler only resolves the attempt and reports the
// node in the outcome diagnostics.
func (a *Attempt) onNodeFailed(s State, ev Event) (State, []bus.Event, error) {
	out := emit(a.taskSubject(), "TA_RESOLVED", Outcome{
		AttemptID: a.ID,
		State:     StateFailed,
		Class:     FailureNodeLost,
		Diag:      "node failed: " + ev.Node.String(),
		Node:      ev.Node,
	})
	return StateFailed, []bus.Event{out}, nil
}

func (a *Attempt) onKilled(s State, ev Event) (State, []bus.Event, error) {
	return StateKilled, []bus.Event{a.resolve(StateKilled, FailureKilled, ev.Diagnostics)}, nil
}

// resolve builds the TA_RESOLVED event notifying the owning task of this
// attempt's terminal outcome. Called once per attempt, from whichever
// transition reaches a terminal state.
func (a *Attempt) resolve(final State, class FailureClass, diag string) bus.Event {
	return emit(a.taskSubject(), "TA_RESOLVED", Outcome{AttemptID: a.ID, State: final, Class: class, Diag: diag})
}

// ScheduleRequest is the payload carried to the DAG scheduler over
// SubjectTask/"scheduler" (internal/scheduler).
type ScheduleRequest struct {
	AttemptID   ids.TaskAttemptID
	Priority    int
	Rescheduled bool
	Resource    dagmodel.ResourceRequest
}
