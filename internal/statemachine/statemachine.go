// Package statemachine provides the generic StateMachine[S, E] component
// every entity (container, task attempt, task, vertex, DAG) embeds by
// composition rather than through a shared base class (see spec §9 design
// notes: "Inheritance in the source... there is no semantic inheritance to
// preserve"). A machine holds the current state plus a transition table of
// pure functions (state, event) -> (newState, emitted events, error); Fire
// returns the emitted events to the entity, which hands them to the bus.
package statemachine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dagflow/dagmaster/internal/bus"
)

// ErrNoTransition is returned when a state has no registered handler for an
// event's kind. Per spec §7 kind 1, this is a programmer error / invariant
// violation and is fatal to the entity, not retried.
var ErrNoTransition = errors.New("statemachine: no transition for event in current state")

// EventLike is satisfied by every entity's event type: it must expose the
// discriminator the table dispatches on.
type EventLike interface {
	EventKind() string
}

// TransitionFunc is a pure function from (current state, event) to the new
// state plus the bus events the transition emits. It must not perform I/O or
// touch anything outside the entity's own fields; Fire applies the state
// change and hands the returned events back to the caller to dispatch.
type TransitionFunc[S comparable, E EventLike] func(S, E) (S, []bus.Event, error)

// Table maps (state, event kind) to a TransitionFunc.
type Table[S comparable, E EventLike] map[S]map[string]TransitionFunc[S, E]

// Machine is a small, mutex-protected state holder plus transition table. It
// is safe to call Fire concurrently, but the AM never actually needs that:
// the bus dispatch loop guarantees only one event is ever in flight for a
// given subject (see internal/bus), so the lock here is a correctness
// backstop, not the primary concurrency control.
type Machine[S comparable, E EventLike] struct {
	mu    sync.Mutex
	state S
	table Table[S, E]
}

// New constructs a Machine starting in initial with the given transition
// table.
func New[S comparable, E EventLike](initial S, table Table[S, E]) *Machine[S, E] {
	return &Machine[S, E]{state: initial, table: table}
}

// State returns the current state.
func (m *Machine[S, E]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire looks up the transition for (current state, ev.EventKind()) and, if
// found, applies it, updates the state, and returns the emitted events. It
// returns ErrNoTransition if no handler is registered for the pair.
func (m *Machine[S, E]) Fire(ev E) (S, []bus.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.table[m.state]
	if !ok {
		return m.state, nil, fmt.Errorf("%w: state=%v kind=%s", ErrNoTransition, m.state, ev.EventKind())
	}
	fn, ok := row[ev.EventKind()]
	if !ok {
		return m.state, nil, fmt.Errorf("%w: state=%v kind=%s", ErrNoTransition, m.state, ev.EventKind())
	}

	newState, effects, err := fn(m.state, ev)
	if err != nil {
		return m.state, nil, err
	}
	m.state = newState
	return newState, effects, nil
}

// ForceState overrides the current state without running a transition. No
// entity in this module calls it; internal/container records its error
// state in its own isInErrorState field.
func (m *Machine[S, E]) ForceState(s S) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}
