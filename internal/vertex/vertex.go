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

// Package vertex implements the vertex state machine (spec §4.4): the set of
// parallel tasks that make up one stage of a DAG, driven by a vertex-manager
// plugin (spec §4.5) that decides when to release tasks into scheduling, and
// connected to downstream vertices by edges routed through an edge-manager
// plugin (spec §4.6).
package vertex

import (
	"sync"

	"github.com/dagflow/dagmaster/internal/bus"
	"github.com/dagflow/dagmaster/internal/dagmodel"
	"github.com/dagflow/dagmaster/internal/edgemanager"
	"github.com/dagflow/dagmaster/internal/ids"
	"github.com/dagflow/dagmaster/internal/logger"
	"github.com/dagflow/dagmaster/internal/statemachine"
	"github.com/dagflow/dagmaster/internal/task"
	"github.com/dagflow/dagmaster/internal/vertexmanager"
	v1 "github.com/dagflow/dagmaster/proto/tez/v1"
)

// State is one of the vertex lifecycle's states.
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

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateKilled
}

// EventKind discriminates the events a vertex subject can receive.
type EventKind string

const (
	EvInit                EventKind = "VERTEX_INIT"
	EvTaskSucceeded       EventKind = "TASK_SUCCEEDED"
	EvTaskFailed          EventKind = "TASK_FAILED"
	EvEdgeRoute           EventKind = "EDGE_ROUTE"
	EvSourceTaskCompleted EventKind = "SOURCE_TASK_COMPLETED"
	EvVertexManagerEvent  EventKind = "VERTEX_MANAGER_EVENT"
	EvKill                EventKind = "VERTEX_KILL"

	// EvRouteEvent is the task-attempt listener's entry point for an
	// outbound wire event one of this vertex's tasks reported over
	// heartbeat (spec §6 "routes inbound events to the owning vertex via
	// VERTEX_ROUTE_EVENT"): this vertex computes, via its edge managers,
	// which downstream (or, for INPUT_READ_ERROR, upstream) task the event
	// belongs to and forwards it as EvTaskInboundEvent.
	EvRouteEvent EventKind = "VERTEX_ROUTE_EVENT"

	// EvTaskInboundEvent delivers one already-routed wire event to one of
	// this vertex's own tasks' outboxes, for a later heartbeat to page out
	// to that task's worker.
	EvTaskInboundEvent EventKind = "VERTEX_TASK_INBOUND_EVENT"
)

// Event is the payload every vertex transition dispatches on.
type Event struct {
	Kind EventKind

	// CompletedSources is set for EvInit: per upstream-vertex-name count
	// of tasks already completed before this vertex started (spec §4.5
	// onVertexStarted(completedSourcesMap)).
	CompletedSources map[string]int

	// TaskOutcome is set for EvTaskSucceeded/EvTaskFailed.
	TaskOutcome task.Outcome

	// EdgeRoute is set for EvEdgeRoute.
	EdgeRoute EdgeRoutePayload

	// SourceCompletion is set for EvSourceTaskCompleted.
	SourceCompletion SourceTaskCompletedPayload

	// VMEventPayload is set for EvVertexManagerEvent.
	VMEventPayload []byte

	// RouteEvent is set for EvRouteEvent: a wire event one of this
	// vertex's own tasks reported over heartbeat, not yet routed to a
	// destination task.
	RouteEvent RouteEventPayload

	// TaskInbound is set for EvTaskInboundEvent: a wire event already
	// routed to a specific task index of this vertex.
	TaskInbound TaskInboundEventPayload

	Diag string // set for EvKill
}

// RouteEventPayload carries a wire event reported by SrcTaskIndex of this
// vertex, awaiting routing to its destination(s).
type RouteEventPayload struct {
	SrcTaskIndex int
	Wire         v1.TezEvent
}

// TaskInboundEventPayload carries a wire event already routed to
// TaskIndex of the vertex it targets.
type TaskInboundEventPayload struct {
	TaskIndex int
	Wire      v1.TezEvent
}

func (e Event) EventKind() string { return string(e.Kind) }

// EdgeRoutePayload is the destination mapping a producer vertex computed via
// its edge manager for one completed source task, delivered to the consumer
// vertex immediately before SourceTaskCompletedPayload (spec §5's ordering
// guarantee: edge routing precedes SOURCE_TASK_COMPLETED).
type EdgeRoutePayload struct {
	SrcVertex     ids.VertexID
	SrcTaskIndex  int
	Destinations  map[int][]int // destination physical input index -> destination task indices
}

// SourceTaskCompletedPayload notifies a downstream vertex that one task of
// an upstream vertex it depends on has succeeded.
type SourceTaskCompletedPayload struct {
	SrcVertex ids.VertexID
	TaskIndex int
}

// Outcome is handed to the owning DAG once a vertex resolves.
type Outcome struct {
	VertexID ids.VertexID
	State    State
	Diag     string
}

// incomingEdge is one edge feeding this vertex, resolved at wiring time.
type incomingEdge struct {
	producer       ids.VertexID
	edgeMgr        edgemanager.EdgeManager
	numSourceTasks int
}

// outgoingEdge is one edge this vertex feeds.
type outgoingEdge struct {
	consumer     ids.VertexID
	edgeMgr      edgemanager.EdgeManager
	numDestTasks int
}

// Vertex is one stage of a DAG: a set of parallel tasks driven by a
// vertex-manager plugin.
type Vertex struct {
	ID               ids.VertexID
	Name             string
	DistanceFromRoot int
	Resource         dagmodel.ResourceRequest
	OutputCommit     bool
	FailureTol       float64

	mu      sync.Mutex
	machine *statemachine.Machine[State, Event]

	numTasks         int
	parallelismFinal bool
	tasks            map[int]*task.Task

	manager vertexmanager.Plugin

	incoming []incomingEdge
	outgoing []outgoingEdge

	succeeded map[int]bool
	failed    map[int]bool

	// arrivedInputs[destTaskIndex] tracks which (edge, physical input)
	// pairs have been satisfied so far, for the ready-set (spec §4.4:
	// "a ready-set - tasks whose inputs are satisfied per upstream
	// completions").
	arrivedInputs map[int]map[inputKey]bool
	readySet      map[int]bool

	totalUpstreamTasks int

	// pending accumulates bus events raised synchronously by the
	// vertex-manager plugin mid-transition (ScheduleVertexTasks etc.); the
	// transition handler that invoked the plugin drains it into its own
	// returned effects, keeping emission itself confined to the
	// dispatcher's usual path (spec §9: "let the dispatcher perform
	// emission").
	pending []bus.Event

	log    logger.Logger
	busPtr *bus.Bus

	// taskObserver, if set, is invoked once for every task this vertex
	// constructs, so internal/listener can keep a direct registry of
	// *task.Task pointers for its Heartbeat handler's outbox paging
	// (spec §6), without this package importing internal/listener.
	taskObserver func(*task.Task)
}

type inputKey struct {
	edgeIdx       int
	physicalInput int
}

// Option configures a Vertex at construction.
type Option func(*Vertex)

func WithLogger(l logger.Logger) Option { return func(v *Vertex) { v.log = l } }
func WithBus(b *bus.Bus) Option         { return func(v *Vertex) { v.busPtr = b } }

// WithTaskObserver registers a callback invoked once per task this vertex
// constructs (see taskObserver's doc comment).
func WithTaskObserver(f func(*task.Task)) Option { return func(v *Vertex) { v.taskObserver = f } }

// WithFailureTol sets the fraction of tasks this vertex tolerates losing
// before the vertex itself fails (spec §4.4).
func WithFailureTol(f float64) Option { return func(v *Vertex) { v.FailureTol = f } }

// WithOutputCommit marks this vertex's tasks as requiring a commit grant
// to succeed (spec §3's per-vertex output-commit flag).
func WithOutputCommit(b bool) Option { return func(v *Vertex) { v.OutputCommit = b } }

// WithDistanceFromRoot sets the vertex's distance from a root vertex
// (spec §3), fixed at DAG initialisation. Must be applied before
// WithParallelism in an Option list: finalizeParallelism derives every
// task's scheduling priority from it.
func WithDistanceFromRoot(d int) Option { return func(v *Vertex) { v.DistanceFromRoot = d } }

// WithParallelism finalizes the vertex's task count at construction, for
// the common case where it is not deferred to a vertex-manager plugin.
func WithParallelism(n int) Option {
	return func(v *Vertex) { v.finalizeParallelism(n) }
}

// New constructs a Vertex in NEW state. numTasks may be -1 (deferred,
// spec §3: "a parallelism (possibly deferred)"); finalize later via
// WithParallelism, SetParallelism or ReconfigureVertex.
func New(id ids.VertexID, name string, resource dagmodel.ResourceRequest, manager vertexmanager.Plugin, opts ...Option) *Vertex {
	v := &Vertex{
		ID:            id,
		Name:          name,
		Resource:      resource,
		manager:       manager,
		tasks:         make(map[int]*task.Task),
		succeeded:     make(map[int]bool),
		failed:        make(map[int]bool),
		arrivedInputs: make(map[int]map[inputKey]bool),
		readySet:      make(map[int]bool),
		numTasks:      -1,
		log:           logger.New(logger.WithQuiet()),
	}
	for _, o := range opts {
		o(v)
	}
	v.machine = statemachine.New(StateNew, v.table())
	return v
}

// State returns the vertex's current lifecycle state.
func (v *Vertex) State() State { return v.machine.State() }

// AddIncomingEdge wires an upstream producer into this vertex's ready-set
// bookkeeping. Called once per edge at DAG-wiring time, before EvInit.
func (v *Vertex) AddIncomingEdge(producer ids.VertexID, edgeMgr edgemanager.EdgeManager, numSourceTasks int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.incoming = append(v.incoming, incomingEdge{producer: producer, edgeMgr: edgeMgr, numSourceTasks: numSourceTasks})
	v.totalUpstreamTasks += numSourceTasks
}

// AddOutgoingEdge wires a downstream consumer this vertex feeds.
func (v *Vertex) AddOutgoingEdge(consumer ids.VertexID, edgeMgr edgemanager.EdgeManager, numDestTasks int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.outgoing = append(v.outgoing, outgoingEdge{consumer: consumer, edgeMgr: edgeMgr, numDestTasks: numDestTasks})
}

// ReadyTasks returns the task indices whose inputs are currently satisfied.
func (v *Vertex) ReadyTasks() []int {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]int, 0, len(v.readySet))
	for idx := range v.readySet {
		out = append(out, idx)
	}
	return out
}

// Fire applies ev directly and returns the emitted effects.
func (v *Vertex) Fire(ev Event) ([]bus.Event, error) {
	_, effects, err := v.machine.Fire(ev)
	return effects, err
}

// Handle implements bus.Handler. Like internal/task, a vertex receives
// TASK_SUCCEEDED/TASK_FAILED from internal/task, which cannot import this
// package (a vertex constructs and owns Task instances). Handle switches on
// the wire Kind and type-asserts the raw task.Outcome payload for those two
// kinds; every other kind this package itself defines and sends (between
// vertices, or from a vertex-manager context callback) carries this
// package's own exported payload type directly.
func (v *Vertex) Handle(ev bus.Event) {
	var vev Event
	switch ev.Kind {
	case string(EvTaskSucceeded), string(EvTaskFailed):
		out, ok := ev.Payload.(task.Outcome)
		if !ok {
			v.log.Errorf("vertex %s: event %s carried unexpected payload type %T", v.ID, ev.Kind, ev.Payload)
			return
		}
		vev = Event{Kind: EventKind(ev.Kind), TaskOutcome: out}
	case string(EvInit):
		sources, _ := ev.Payload.(map[string]int)
		vev = Event{Kind: EvInit, CompletedSources: sources}
	case string(EvEdgeRoute):
		p, ok := ev.Payload.(EdgeRoutePayload)
		if !ok {
			v.log.Errorf("vertex %s: event %s carried unexpected payload type %T", v.ID, ev.Kind, ev.Payload)
			return
		}
		vev = Event{Kind: EvEdgeRoute, EdgeRoute: p}
	case string(EvSourceTaskCompleted):
		p, ok := ev.Payload.(SourceTaskCompletedPayload)
		if !ok {
			v.log.Errorf("vertex %s: event %s carried unexpected payload type %T", v.ID, ev.Kind, ev.Payload)
			return
		}
		vev = Event{Kind: EvSourceTaskCompleted, SourceCompletion: p}
	case string(EvVertexManagerEvent):
		payload, _ := ev.Payload.([]byte)
		vev = Event{Kind: EvVertexManagerEvent, VMEventPayload: payload}
	case string(EvKill):
		diag, _ := ev.Payload.(string)
		vev = Event{Kind: EvKill, Diag: diag}
	case string(EvRouteEvent):
		p, ok := ev.Payload.(RouteEventPayload)
		if !ok {
			v.log.Errorf("vertex %s: event %s carried unexpected payload type %T", v.ID, ev.Kind, ev.Payload)
			return
		}
		vev = Event{Kind: EvRouteEvent, RouteEvent: p}
	case string(EvTaskInboundEvent):
		p, ok := ev.Payload.(TaskInboundEventPayload)
		if !ok {
			v.log.Errorf("vertex %s: event %s carried unexpected payload type %T", v.ID, ev.Kind, ev.Payload)
			return
		}
		vev = Event{Kind: EvTaskInboundEvent, TaskInbound: p}
	default:
		v.log.Errorf("vertex %s: unrecognised event kind %s", v.ID, ev.Kind)
		return
	}

	effects, err := v.Fire(vev)
	if err != nil {
		v.log.Warnf("vertex %s: invariant violation firing %s in state %s: %v", v.ID, vev.Kind, v.machine.State(), err)
		return
	}
	if v.busPtr != nil {
		for _, eff := range effects {
			v.busPtr.Dispatch(eff)
		}
	}
}

func emit(subject bus.Subject, kind string, payload any) bus.Event {
	return bus.Event{Subject: subject, Kind: kind, Payload: payload}
}

func taskSubject(id ids.TaskID) bus.Subject {
	return bus.Subject{Kind: bus.SubjectTask, ID: id.String()}
}

func vertexSubject(id ids.VertexID) bus.Subject {
	return bus.Subject{Kind: bus.SubjectVertex, ID: id.String()}
}

func (v *Vertex) dagSubject() bus.Subject {
	return bus.Subject{Kind: bus.SubjectDag, ID: v.ID.Dag.String()}
}

func (v *Vertex) table() statemachine.Table[State, Event] {
	tbl := statemachine.Table[State, Event]{
		StateNew:       {},
		StateRunning:   {},
		StateSucceeded: {},
		StateFailed:    {},
		StateKilled:    {},
	}

	tbl[StateNew][string(EvInit)] = v.onInit

	tbl[StateRunning][string(EvTaskSucceeded)] = v.onTaskSucceeded
	tbl[StateRunning][string(EvTaskFailed)] = v.onTaskFailed
	tbl[StateRunning][string(EvEdgeRoute)] = v.onEdgeRoute
	tbl[StateRunning][string(EvSourceTaskCompleted)] = v.onSourceTaskCompleted
	tbl[StateRunning][string(EvVertexManagerEvent)] = v.onVertexManagerEvent
	tbl[StateRunning][string(EvRouteEvent)] = v.onRouteEvent
	tbl[StateRunning][string(EvTaskInboundEvent)] = v.onTaskInboundEvent
	tbl[StateRunning][string(EvKill)] = v.onKilled

	for _, s := range []State{StateSucceeded, StateFailed, StateKilled} {
		tbl[s][string(EvTaskSucceeded)] = v.onNoOp
		tbl[s][string(EvTaskFailed)] = v.onNoOp
		tbl[s][string(EvEdgeRoute)] = v.onNoOp
		tbl[s][string(EvSourceTaskCompleted)] = v.onNoOp
		tbl[s][string(EvVertexManagerEvent)] = v.onNoOp
		tbl[s][string(EvRouteEvent)] = v.onNoOp
		tbl[s][string(EvTaskInboundEvent)] = v.onNoOp
		tbl[s][string(EvKill)] = v.onNoOp
	}

	return tbl
}

func (v *Vertex) onNoOp(s State, ev Event) (State, []bus.Event, error) {
	return s, nil, nil
}

// onInit starts the vertex (spec §4.5): root vertices are told their input
// is initialized, the plugin is initialized and given the chance to
// schedule tasks immediately via onVertexStarted.
func (v *Vertex) onInit(s State, ev Event) (State, []bus.Event, error) {
	v.manager.Initialize(v)
	if len(v.incoming) == 0 {
		v.manager.OnRootVertexInitialized("", nil, nil)
	}
	v.manager.OnVertexStarted(ev.CompletedSources)

	v.mu.Lock()
	effects := v.pending
	v.pending = nil
	v.mu.Unlock()
	return StateRunning, effects, nil
}

// onTaskSucceeded records one task's success, routes its completion to
// every downstream edge (ahead of the SOURCE_TASK_COMPLETED notification,
// per spec §5's ordering guarantee), and checks for vertex completion.
func (v *Vertex) onTaskSucceeded(s State, ev Event) (State, []bus.Event, error) {
	idx := ev.TaskOutcome.TaskID.Index

	v.mu.Lock()
	v.succeeded[idx] = true
	outgoing := append([]outgoingEdge(nil), v.outgoing...)
	v.mu.Unlock()

	var effects []bus.Event
	for _, e := range outgoing {
		// Reused here for a plain completion signal too: both a failed
		// and a succeeded source task affect the identical destination
		// physical-input mapping, since the mapping is a pure function
		// of (srcTaskIndex, numDestTasks), not of the signal's kind.
		destinations := e.edgeMgr.RouteInputSourceTaskFailedEventToDestination(idx, e.numDestTasks)
		effects = append(effects,
			emit(vertexSubject(e.consumer), string(EvEdgeRoute), EdgeRoutePayload{
				SrcVertex: v.ID, SrcTaskIndex: idx, Destinations: destinations,
			}),
			emit(vertexSubject(e.consumer), string(EvSourceTaskCompleted), SourceTaskCompletedPayload{
				SrcVertex: v.ID, TaskIndex: idx,
			}),
		)
	}

	next, terminal := v.checkCompletion()
	if terminal {
		effects = append(effects, emit(v.dagSubject(), "VERTEX_RESOLVED", Outcome{VertexID: v.ID, State: next}))
		return next, effects, nil
	}
	return StateRunning, effects, nil
}

// onTaskFailed records one task's failure. If the number of failed tasks
// exceeds the vertex's configured failure tolerance, the vertex fails;
// otherwise it is tolerated as if the task had never been scheduled.
func (v *Vertex) onTaskFailed(s State, ev Event) (State, []bus.Event, error) {
	idx := ev.TaskOutcome.TaskID.Index

	v.mu.Lock()
	v.failed[idx] = true
	v.mu.Unlock()

	next, terminal := v.checkCompletion()
	if terminal {
		effect := emit(v.dagSubject(), "VERTEX_RESOLVED", Outcome{VertexID: v.ID, State: next, Diag: ev.TaskOutcome.Diag})
		return next, []bus.Event{effect}, nil
	}
	return StateRunning, nil, nil
}

// checkCompletion reports the vertex's resolved state once every task has
// resolved, honoring FailureTol (spec §4.4: "vertex FAILED unless the
// vertex tolerates partial failure"); terminal is false while tasks remain
// outstanding.
func (v *Vertex) checkCompletion() (State, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.numTasks <= 0 {
		return StateRunning, false
	}
	resolved := len(v.succeeded) + len(v.failed)
	if resolved < v.numTasks {
		return StateRunning, false
	}

	tolerated := int(v.FailureTol * float64(v.numTasks))
	if len(v.failed) > tolerated {
		return StateFailed, true
	}
	return StateSucceeded, true
}

// onEdgeRoute updates this vertex's ready-set bookkeeping for one upstream
// source task's completion, per the destination mapping the producer's
// edge manager computed.
func (v *Vertex) onEdgeRoute(s State, ev Event) (State, []bus.Event, error) {
	p := ev.EdgeRoute

	v.mu.Lock()
	edgeIdx := -1
	for i, e := range v.incoming {
		if e.producer == p.SrcVertex {
			edgeIdx = i
			break
		}
	}
	if edgeIdx == -1 {
		v.mu.Unlock()
		v.log.Warnf("vertex %s: EDGE_ROUTE from unregistered producer %s", v.ID, p.SrcVertex)
		return s, nil, nil
	}

	for physInput, destIndices := range p.Destinations {
		for _, destTaskIndex := range destIndices {
			if v.arrivedInputs[destTaskIndex] == nil {
				v.arrivedInputs[destTaskIndex] = make(map[inputKey]bool)
			}
			v.arrivedInputs[destTaskIndex][inputKey{edgeIdx: edgeIdx, physicalInput: physInput}] = true
		}
	}

	for destTaskIndex := range v.arrivedInputs {
		if v.isReadyLocked(destTaskIndex) {
			v.readySet[destTaskIndex] = true
		}
	}
	v.mu.Unlock()
	return s, nil, nil
}

// isReadyLocked reports whether destTaskIndex has every physical input it
// needs across all incoming edges. Callers must hold v.mu.
func (v *Vertex) isReadyLocked(destTaskIndex int) bool {
	required := 0
	for _, e := range v.incoming {
		required += e.edgeMgr.NumDestinationTaskPhysicalInputs(e.numSourceTasks, destTaskIndex)
	}
	return len(v.arrivedInputs[destTaskIndex]) >= required
}

// onSourceTaskCompleted calls the vertex-manager plugin's
// onSourceTaskCompleted hook (spec §4.5), draining any ScheduleVertexTasks
// calls the plugin makes synchronously.
func (v *Vertex) onSourceTaskCompleted(s State, ev Event) (State, []bus.Event, error) {
	v.manager.OnSourceTaskCompleted(ev.SourceCompletion.SrcVertex.String(), ev.SourceCompletion.TaskIndex)

	v.mu.Lock()
	effects := v.pending
	v.pending = nil
	v.mu.Unlock()
	return s, effects, nil
}

func (v *Vertex) onVertexManagerEvent(s State, ev Event) (State, []bus.Event, error) {
	v.manager.OnVertexManagerEventReceived(ev.VMEventPayload)

	v.mu.Lock()
	effects := v.pending
	v.pending = nil
	v.mu.Unlock()
	return s, effects, nil
}

// onRouteEvent routes one wire event a task of this vertex reported over
// heartbeat to its destination task(s) (spec §6), using the same
// edge-manager routing primitives EDGE_ROUTE already uses for completion
// signals.
func (v *Vertex) onRouteEvent(s State, ev Event) (State, []bus.Event, error) {
	p := ev.RouteEvent

	v.mu.Lock()
	outgoing := append([]outgoingEdge(nil), v.outgoing...)
	incoming := append([]incomingEdge(nil), v.incoming...)
	v.mu.Unlock()

	var effects []bus.Event
	switch p.Wire.Kind {
	case v1.KindDataMovement:
		effects = append(effects, v.routeDataMovement(outgoing, p.SrcTaskIndex, *p.Wire.DataMovement)...)
	case v1.KindCompositeDataMovement:
		for _, dme := range p.Wire.CompositeDataMovement.Expand() {
			effects = append(effects, v.routeDataMovement(outgoing, p.SrcTaskIndex, dme)...)
		}
	case v1.KindInputFailed:
		in := p.Wire.InputFailed
		for _, e := range outgoing {
			dests := e.edgeMgr.RouteInputSourceTaskFailedEventToDestination(p.SrcTaskIndex, e.numDestTasks)
			for physInput, destIdxs := range dests {
				for _, destIdx := range destIdxs {
					effects = append(effects, emit(vertexSubject(e.consumer), string(EvTaskInboundEvent), TaskInboundEventPayload{
						TaskIndex: destIdx,
						Wire: v1.TezEvent{Kind: v1.KindInputFailed, InputFailed: &v1.InputFailedEvent{
							SourceIdx: p.SrcTaskIndex, TargetIdx: physInput, Version: in.Version,
						}},
					}))
				}
			}
		}
	case v1.KindInputReadError:
		// Routed back to the producing source task. This vertex's
		// incoming-edge bookkeeping does not track which edge owns which
		// physical input index, so a vertex with more than one incoming
		// edge routes every INPUT_READ_ERROR against its first; fan-in
		// vertices with multiple producers are rare enough in this
		// exercise's scope that a precise per-input edge lookup was not
		// built.
		if len(incoming) == 0 {
			v.log.Warnf("vertex %s: INPUT_READ_ERROR from task %d but vertex has no incoming edges", v.ID, p.SrcTaskIndex)
			break
		}
		e := incoming[0]
		srcIdx := e.edgeMgr.RouteInputErrorEventToSource(*p.Wire.InputReadError, p.SrcTaskIndex)
		effects = append(effects, emit(vertexSubject(e.producer), string(EvTaskInboundEvent), TaskInboundEventPayload{
			TaskIndex: srcIdx,
			Wire:      p.Wire,
		}))
	case v1.KindVertexManager:
		// A task's VERTEX_MANAGER_EVENT always targets its own vertex's
		// manager plugin in this implementation; cross-vertex targeting by
		// name would need a DAG-wide name registry this package does not
		// hold.
		v.manager.OnVertexManagerEventReceived(p.Wire.VertexManager.Payload)
		v.mu.Lock()
		effects = append(effects, v.pending...)
		v.pending = nil
		v.mu.Unlock()
	case v1.KindTaskStatusUpdate:
		v.log.Debugf("vertex %s: task %d progress %.2f", v.ID, p.SrcTaskIndex, p.Wire.TaskStatusUpdate.Progress)
	default:
		v.log.Warnf("vertex %s: VERTEX_ROUTE_EVENT with unrecognised wire kind %s", v.ID, p.Wire.Kind)
	}
	return s, effects, nil
}

// routeDataMovement computes one DataMovementEvent's destinations across
// every outgoing edge and builds the per-destination-task delivery effects.
func (v *Vertex) routeDataMovement(outgoing []outgoingEdge, srcTaskIndex int, dme v1.DataMovementEvent) []bus.Event {
	var effects []bus.Event
	for _, e := range outgoing {
		dests := e.edgeMgr.RouteDataMovementEventToDestination(dme, srcTaskIndex, e.numDestTasks)
		for physInput, destIdxs := range dests {
			for _, destIdx := range destIdxs {
				effects = append(effects, emit(vertexSubject(e.consumer), string(EvTaskInboundEvent), TaskInboundEventPayload{
					TaskIndex: destIdx,
					Wire: v1.TezEvent{Kind: v1.KindDataMovement, DataMovement: &v1.DataMovementEvent{
						SourceIdx: srcTaskIndex, TargetIdx: physInput, Version: dme.Version, Payload: dme.Payload,
					}},
				}))
			}
		}
	}
	return effects
}

// onTaskInboundEvent delivers one already-routed wire event into the
// targeted task's outbox, for a later heartbeat to page out.
func (v *Vertex) onTaskInboundEvent(s State, ev Event) (State, []bus.Event, error) {
	v.mu.Lock()
	t, ok := v.tasks[ev.TaskInbound.TaskIndex]
	v.mu.Unlock()
	if !ok {
		v.log.Errorf("vertex %s: VERTEX_TASK_INBOUND_EVENT referenced unknown task index %d", v.ID, ev.TaskInbound.TaskIndex)
		return s, nil, nil
	}
	t.EnqueueEvent(ev.TaskInbound.Wire)
	return s, nil, nil
}

// onKilled propagates a DAG cancellation as TASK_KILL to every task the
// vertex has constructed, started or not; a task still in NEW has no
// TASK_KILL transition, so its Handle logs the event and the task never
// runs.
func (v *Vertex) onKilled(s State, ev Event) (State, []bus.Event, error) {
	v.mu.Lock()
	var effects []bus.Event
	for idx := range v.tasks {
		effects = append(effects, emit(taskSubject(v.tasks[idx].ID), string(task.EvKill), ev.Diag))
	}
	v.mu.Unlock()
	return StateKilled, effects, nil
}

// finalizeParallelism fixes numTasks and constructs (but does not start)
// every task. Safe to call only once (spec §3: "Distance-from-root is
// assigned at DAG initialisation and is invariant thereafter" — parallelism
// has the same one-shot finalization discipline once set).
func (v *Vertex) finalizeParallelism(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.parallelismFinal {
		return
	}
	v.numTasks = n
	v.parallelismFinal = true
	priority := 2 * (v.DistanceFromRoot + 1)
	for i := 0; i < n; i++ {
		id := ids.TaskID{Vertex: v.ID, Index: i}
		opts := []task.Option{task.WithLogger(v.log), task.WithBus(v.busPtr), task.WithPriority(priority)}
		t := task.New(id, v.Resource, opts...)
		v.tasks[i] = t
		if v.busPtr != nil {
			v.busPtr.Register(taskSubject(id), t)
		}
		if v.taskObserver != nil {
			v.taskObserver(t)
		}
	}
}

// --- vertexmanager.Context ---

func (v *Vertex) ScheduleVertexTasks(indices []int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, idx := range indices {
		t, ok := v.tasks[idx]
		if !ok {
			v.log.Errorf("vertex %s: scheduleVertexTasks referenced unknown task index %d", v.ID, idx)
			continue
		}
		v.pending = append(v.pending, emit(taskSubject(t.ID), string(task.EvStart), nil))
	}
}

func (v *Vertex) Parallelism() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.numTasks
}

func (v *Vertex) ParallelismFinal() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.parallelismFinal
}

// SetParallelism implements vertexmanager.Context; legal only before
// parallelism is finalized (spec §4.5).
func (v *Vertex) SetParallelism(n int) error {
	v.mu.Lock()
	if v.parallelismFinal {
		v.mu.Unlock()
		return &ParallelismFinalError{VertexID: v.ID}
	}
	v.mu.Unlock()
	v.finalizeParallelism(n)
	return nil
}

// ReconfigureVertex atomically changes parallelism and swaps every outgoing
// edge's manager class (spec §4.5).
func (v *Vertex) ReconfigureVertex(parallelism int, edgeManagerClassName string) error {
	v.mu.Lock()
	if v.parallelismFinal {
		v.mu.Unlock()
		return &ParallelismFinalError{VertexID: v.ID}
	}
	v.mu.Unlock()

	newMgr, err := edgemanager.New(edgeManagerClassName, nil)
	if err != nil {
		return err
	}

	v.finalizeParallelism(parallelism)

	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.outgoing {
		v.outgoing[i].edgeMgr = newMgr
	}
	return nil
}

func (v *Vertex) TotalUpstreamTasks() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalUpstreamTasks
}

// ParallelismFinalError reports an attempt to change a vertex's parallelism
// after it has already been finalized.
type ParallelismFinalError struct {
	VertexID ids.VertexID
}

func (e *ParallelismFinalError) Error() string {
	return "vertex: parallelism already finalized for " + e.VertexID.String()
}
