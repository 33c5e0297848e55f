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

// Package dagrun implements the DAG-level state machine (spec §4.4/§8):
// the entity that owns every vertex of one submitted DAG, wires their
// edges, starts them, and aggregates their resolutions into the DAG's own
// overall SUCCEEDED/FAILED/KILLED outcome.
package dagrun

import (
	"sync"

	"github.com/dagflow/dagmaster/internal/bus"
	"github.com/dagflow/dagmaster/internal/dagmodel"
	"github.com/dagflow/dagmaster/internal/edgemanager"
	"github.com/dagflow/dagmaster/internal/ids"
	"github.com/dagflow/dagmaster/internal/logger"
	"github.com/dagflow/dagmaster/internal/statemachine"
	"github.com/dagflow/dagmaster/internal/task"
	"github.com/dagflow/dagmaster/internal/vertex"
	"github.com/dagflow/dagmaster/internal/vertexmanager"
)

// State is one of the DAG run's lifecycle states.
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

// EventKind discriminates the events a DAG run's subject can receive.
type EventKind string

const (
	EvInit           EventKind = "DAG_INIT"
	EvVertexResolved EventKind = "VERTEX_RESOLVED"
	EvKill           EventKind = "DAG_KILL"
)

// Event is the payload every DAG-run transition dispatches on.
type Event struct {
	Kind          EventKind
	VertexOutcome vertex.Outcome // set for EvVertexResolved
	Diag          string         // set for EvKill
}

func (e Event) EventKind() string { return string(e.Kind) }

// Outcome is the DAG run's own terminal report, e.g. to a submission
// tracker in internal/master.
type Outcome struct {
	DagID ids.DAGID
	State State
	Diag  string
}

// Run owns every vertex of one submitted DAG.
type Run struct {
	ID  ids.DAGID
	Def *dagmodel.DAG

	mu      sync.Mutex
	machine *statemachine.Machine[State, Event]

	vertices map[int]*vertex.Vertex
	resolved map[int]vertex.State
	killing  bool

	log    logger.Logger
	busPtr *bus.Bus

	taskObserver    func(*task.Task)
	outcomeObserver func(Outcome)
}

// Option configures a Run at construction.
type Option func(*Run)

func WithLogger(l logger.Logger) Option { return func(r *Run) { r.log = l } }
func WithBus(b *bus.Bus) Option         { return func(r *Run) { r.busPtr = b } }

// WithTaskObserver threads a callback down to every vertex this Run
// constructs on EvInit (see vertex.WithTaskObserver), so a collaborator
// like internal/listener can build a DAG-wide task registry without this
// package or internal/vertex importing it.
func WithTaskObserver(f func(*task.Task)) Option {
	return func(r *Run) { r.taskObserver = f }
}

// WithOutcomeObserver registers a callback invoked exactly once, the
// moment this Run reaches a terminal state, with its own Outcome (spec
// §4.4's SUCCEEDED/FAILED/KILLED report). internal/master uses this to
// resolve a submission's status without polling.
func WithOutcomeObserver(f func(Outcome)) Option {
	return func(r *Run) { r.outcomeObserver = f }
}

// New constructs a Run in NEW state from a built DAG definition. It does
// not construct vertices yet; that happens on EvInit, so the caller can
// register the Run's own subject on the bus first.
func New(id ids.DAGID, def *dagmodel.DAG, opts ...Option) *Run {
	r := &Run{
		ID:       id,
		Def:      def,
		vertices: make(map[int]*vertex.Vertex),
		resolved: make(map[int]vertex.State),
		log:      logger.New(logger.WithQuiet()),
	}
	for _, o := range opts {
		o(r)
	}
	r.machine = statemachine.New(StateNew, r.table())
	return r
}

// State returns the DAG run's current lifecycle state.
func (r *Run) State() State { return r.machine.State() }

// Vertex returns the constructed vertex at index i, if EvInit has run.
func (r *Run) Vertex(i int) (*vertex.Vertex, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vertices[i]
	return v, ok
}

// Subject is the bus subject one DAG run is addressed at. internal/master
// registers the constructed Run here before dispatching EvInit.
func Subject(id ids.DAGID) bus.Subject {
	return bus.Subject{Kind: bus.SubjectDag, ID: id.String()}
}

func vertexSubject(id ids.VertexID) bus.Subject {
	return bus.Subject{Kind: bus.SubjectVertex, ID: id.String()}
}

func emit(s bus.Subject, kind string, payload any) bus.Event {
	return bus.Event{Subject: s, Kind: kind, Payload: payload}
}

// Fire applies ev directly and returns the emitted effects.
func (r *Run) Fire(ev Event) ([]bus.Event, error) {
	_, effects, err := r.machine.Fire(ev)
	return effects, err
}

// Handle implements bus.Handler. A DAG run cannot follow the
// payload-ownership convention for VERTEX_RESOLVED (internal/vertex
// cannot import this package, since a run constructs and owns its Vertex
// instances): Handle switches on the wire Kind and type-asserts the raw
// vertex.Outcome payload, the same bridging pattern internal/task and
// internal/vertex use one level down.
func (r *Run) Handle(ev bus.Event) {
	var rev Event
	switch ev.Kind {
	case string(EvVertexResolved):
		out, ok := ev.Payload.(vertex.Outcome)
		if !ok {
			r.log.Errorf("dagrun %s: event %s carried unexpected payload type %T", r.ID, ev.Kind, ev.Payload)
			return
		}
		rev = Event{Kind: EvVertexResolved, VertexOutcome: out}
	case string(EvInit):
		rev = Event{Kind: EvInit}
	case string(EvKill):
		diag, _ := ev.Payload.(string)
		rev = Event{Kind: EvKill, Diag: diag}
	default:
		r.log.Errorf("dagrun %s: unrecognised event kind %s", r.ID, ev.Kind)
		return
	}

	effects, err := r.Fire(rev)
	if err != nil {
		r.log.Warnf("dagrun %s: invariant violation firing %s in state %s: %v", r.ID, rev.Kind, r.machine.State(), err)
		return
	}
	if r.busPtr != nil {
		for _, eff := range effects {
			r.busPtr.Dispatch(eff)
		}
	}
}

func (r *Run) table() statemachine.Table[State, Event] {
	tbl := statemachine.Table[State, Event]{
		StateNew:       {},
		StateRunning:   {},
		StateSucceeded: {},
		StateFailed:    {},
		StateKilled:    {},
	}

	tbl[StateNew][string(EvInit)] = r.onInit

	tbl[StateRunning][string(EvVertexResolved)] = r.onVertexResolved
	tbl[StateRunning][string(EvKill)] = r.onKilled

	for _, s := range []State{StateSucceeded, StateFailed, StateKilled} {
		tbl[s][string(EvVertexResolved)] = r.onNoOp
		tbl[s][string(EvKill)] = r.onNoOp
	}

	return tbl
}

func (r *Run) onNoOp(s State, ev Event) (State, []bus.Event, error) {
	return s, nil, nil
}

// onInit constructs, wires, and starts every vertex of the DAG (spec §3/
// §4.4/§4.5). Parallelism is taken directly from each VertexDef; a vertex
// whose parallelism is deferred (VertexDef.Parallelism == -1) is still
// constructed and initialized, and the edges touching it are wired here
// from that same -1. A later finalization of its parallelism (see
// ReconfigureVertex / SetParallelism on internal/vertex) does not re-wire
// those edge cardinalities; DESIGN.md's Open Question decisions record
// this.
func (r *Run) onInit(s State, ev Event) (State, []bus.Event, error) {
	r.mu.Lock()
	for i := range r.Def.Vertices {
		vd := &r.Def.Vertices[i]
		mgr, err := vertexmanager.New(vd.Def.VertexMgr.ClassName, vd.Def.VertexMgr.Payload)
		if err != nil {
			r.mu.Unlock()
			return s, nil, err
		}

		vid := ids.VertexID{Dag: r.ID, Index: i}
		opts := []vertex.Option{
			vertex.WithLogger(r.log),
			vertex.WithBus(r.busPtr),
			vertex.WithFailureTol(vd.Def.FailureTol),
			vertex.WithOutputCommit(vd.Def.OutputCommit),
			vertex.WithDistanceFromRoot(vd.DistanceFromRoot),
		}
		if vd.Def.Parallelism >= 0 {
			opts = append(opts, vertex.WithParallelism(vd.Def.Parallelism))
		}
		if r.taskObserver != nil {
			opts = append(opts, vertex.WithTaskObserver(r.taskObserver))
		}
		vtx := vertex.New(vid, vd.Def.Name, vd.Def.Resource, mgr, opts...)
		r.vertices[i] = vtx
		if r.busPtr != nil {
			r.busPtr.Register(vertexSubject(vid), vtx)
		}
	}

	for _, ed := range r.Def.Edges {
		edgeMgr, err := edgemanager.New(ed.Def.EdgeMgr.ClassName, ed.Def.EdgeMgr.Payload)
		if err != nil {
			r.mu.Unlock()
			return s, nil, err
		}
		producer := r.vertices[ed.Producer]
		consumer := r.vertices[ed.Consumer]
		numSrcTasks := r.Def.Vertices[ed.Producer].Def.Parallelism
		numDestTasks := r.Def.Vertices[ed.Consumer].Def.Parallelism
		producer.AddOutgoingEdge(consumer.ID, edgeMgr, numDestTasks)
		consumer.AddIncomingEdge(producer.ID, edgeMgr, numSrcTasks)
	}

	effects := make([]bus.Event, 0, len(r.vertices))
	for _, vtx := range r.vertices {
		effects = append(effects, emit(vertexSubject(vtx.ID), string(vertex.EvInit), nil))
	}
	r.mu.Unlock()

	return StateRunning, effects, nil
}

// onVertexResolved records one vertex's terminal state. The DAG fails
// fast on the first vertex failure, broadcasting VERTEX_KILL to every
// other still-running vertex; it succeeds once every vertex has resolved
// SUCCEEDED.
func (r *Run) onVertexResolved(s State, ev Event) (State, []bus.Event, error) {
	out := ev.VertexOutcome

	r.mu.Lock()
	idx := out.VertexID.Index
	r.resolved[idx] = out.State

	if out.State == vertex.StateFailed && !r.killing {
		r.killing = true
		effects := r.killOthersLocked(idx, out.Diag)
		r.mu.Unlock()
		r.notifyOutcome(StateFailed, out.Diag)
		return StateFailed, effects, nil
	}

	allResolved := len(r.resolved) == len(r.vertices)
	anyFailed := false
	for _, st := range r.resolved {
		if st == vertex.StateFailed {
			anyFailed = true
			break
		}
	}
	r.mu.Unlock()

	if !allResolved {
		return StateRunning, nil, nil
	}
	if anyFailed {
		r.notifyOutcome(StateFailed, "")
		return StateFailed, nil, nil
	}
	r.notifyOutcome(StateSucceeded, "")
	return StateSucceeded, nil, nil
}

// notifyOutcome reports a freshly reached terminal state to the
// caller-supplied observer, if any. Called without r.mu held.
func (r *Run) notifyOutcome(s State, diag string) {
	if r.outcomeObserver != nil {
		r.outcomeObserver(Outcome{DagID: r.ID, State: s, Diag: diag})
	}
}

// killOthersLocked emits VERTEX_KILL to every vertex other than
// exceptIdx that has not yet resolved. Callers must hold r.mu.
func (r *Run) killOthersLocked(exceptIdx int, diag string) []bus.Event {
	var effects []bus.Event
	for i, vtx := range r.vertices {
		if i == exceptIdx {
			continue
		}
		if _, done := r.resolved[i]; done {
			continue
		}
		effects = append(effects, emit(vertexSubject(vtx.ID), string(vertex.EvKill), diag))
	}
	return effects
}

// onKilled propagates an external DAG cancellation to every unresolved
// vertex.
func (r *Run) onKilled(s State, ev Event) (State, []bus.Event, error) {
	r.mu.Lock()
	r.killing = true
	effects := r.killOthersLocked(-1, ev.Diag)
	r.mu.Unlock()
	r.notifyOutcome(StateKilled, ev.Diag)
	return StateKilled, effects, nil
}
