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

// Package scheduler implements the DAG scheduler (spec §4.7): it owns the
// priority-ordered ready queue of outstanding TA_SCHEDULE asks and
// forwards ask-list deltas to the resource-manager communicator, then
// hands a granted container's earliest (lowest-priority-number) ask an
// ASSIGN_TA. It never talks to the resource manager directly; that I/O
// lives behind internal/rmcomm so this package's Handle never blocks.
package scheduler

import (
	"container/heap"
	"sync"

	"github.com/dagflow/dagmaster/internal/attempt"
	"github.com/dagflow/dagmaster/internal/bus"
	"github.com/dagflow/dagmaster/internal/container"
	"github.com/dagflow/dagmaster/internal/dagmodel"
	"github.com/dagflow/dagmaster/internal/ids"
	"github.com/dagflow/dagmaster/internal/logger"
	"github.com/dagflow/dagmaster/internal/rmcomm"
)

// Subject is the fixed bus subject every attempt's SCHEDULE transition
// already targets (internal/attempt's schedulerSubject), and the subject
// internal/rmcomm reports grants and reclaims back to.
func Subject() bus.Subject { return bus.Subject{Kind: bus.SubjectTask, ID: "scheduler"} }

// askEntry is one outstanding ask on the ready heap.
type askEntry struct {
	req   attempt.ScheduleRequest
	seq   int // insertion order, the tie-break between equal priorities
	index int // heap.Interface bookkeeping, maintained by askHeap
}

// askHeap is a min-heap ordered by priority: spec §4.7 "lower numeric
// priority = earlier consideration by the RM communicator". Ties broken
// by insertion order (seq) for determinism, matching the teacher's
// ordered-queue test helpers' tie-break convention.
type askHeap []*askEntry

func (h askHeap) Len() int { return len(h) }
func (h askHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority < h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}
func (h askHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *askHeap) Push(x any) {
	e := x.(*askEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *askHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler implements bus.Handler for Subject(). It tracks every
// outstanding ask by attempt id (so a later reclaim/removal can find and
// drop it from the heap) and forwards ask-list deltas to rmcomm in a
// single RM_ALLOCATE event per Handle call that changes the ready set.
type Scheduler struct {
	busPtr *bus.Bus
	log    logger.Logger

	mu      sync.Mutex
	ready   askHeap
	byAttpt map[ids.TaskAttemptID]*askEntry
	seq     int

	seen             map[ids.ContainerID]struct{}
	containerFactory ContainerFactory
}

// ContainerFactory constructs and registers on the bus a Container for a
// cluster container id the scheduler has not granted before (spec §4.2: a
// container only exists once the resource manager has allocated it, so
// nothing can register it ahead of time). internal/master supplies this at
// construction; onGrant calls it at most once per container id, before the
// ASSIGN_TA that same grant produces reaches the bus, so the two are
// guaranteed to arrive at the container's subject in order.
type ContainerFactory func(id ids.ContainerID, node ids.NodeID, resource dagmodel.ResourceRequest)

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l logger.Logger) Option { return func(s *Scheduler) { s.log = l } }
func WithBus(b *bus.Bus) Option         { return func(s *Scheduler) { s.busPtr = b } }

// WithContainerFactory attaches the callback onGrant uses to materialise a
// never-before-seen container id. Omitting it is only safe when every
// container the resource manager can grant is already registered on the
// bus ahead of time (e.g. a test that pre-registers fixed container ids).
func WithContainerFactory(f ContainerFactory) Option {
	return func(s *Scheduler) { s.containerFactory = f }
}

// New constructs an empty Scheduler. Register the result on Subject()
// before dispatching any events to it.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		byAttpt: make(map[ids.TaskAttemptID]*askEntry),
		seen:    make(map[ids.ContainerID]struct{}),
		log:     logger.New(logger.WithQuiet()),
	}
	for _, o := range opts {
		o(s)
	}
	heap.Init(&s.ready)
	return s
}

// Handle implements bus.Handler. It accepts attempt.ScheduleRequest (a
// fresh ask), rmcomm.Grant (a container offered for the highest-priority
// outstanding ask) and rmcomm.Reclaim (a container taken back before any
// attempt completed on it).
func (s *Scheduler) Handle(ev bus.Event) {
	switch payload := ev.Payload.(type) {
	case attempt.ScheduleRequest:
		s.onScheduleRequest(payload)
	case rmcomm.Grant:
		s.onGrant(payload)
	case rmcomm.Reclaim:
		s.onReclaim(payload)
	default:
		s.log.Errorf("scheduler: event %s carried unexpected payload type %T", ev.Kind, ev.Payload)
	}
}

func (s *Scheduler) onScheduleRequest(req attempt.ScheduleRequest) {
	s.mu.Lock()
	s.seq++
	e := &askEntry{req: req, seq: s.seq}
	heap.Push(&s.ready, e)
	s.byAttpt[req.AttemptID] = e
	ask := rmcomm.Ask{AttemptID: req.AttemptID, Priority: req.Priority, Resource: req.Resource}
	s.mu.Unlock()

	if s.busPtr == nil {
		return
	}
	s.busPtr.Dispatch(bus.Event{
		Subject: rmcomm.Subject(),
		Kind:    "RM_ALLOCATE",
		Payload: rmcomm.AllocateRequest{Added: []rmcomm.Ask{ask}},
	})
}

// onGrant assigns the granted container to the highest-priority
// outstanding ask, regardless of which ask the resource manager believes
// it is answering: the ask-list is a delta, not a 1:1 correlation, so the
// scheduler is free to satisfy whichever ask is most urgent (spec §4.7's
// priority ordering is the only ordering guarantee the scheduler owes).
// If nothing is outstanding the grant is logged and dropped; no
// deallocation is sent to rmcomm for that container.
func (s *Scheduler) onGrant(g rmcomm.Grant) {
	s.mu.Lock()
	if s.ready.Len() == 0 {
		s.mu.Unlock()
		s.log.Warnf("scheduler: container %s granted with no outstanding ask", g.ContainerID)
		return
	}
	e := heap.Pop(&s.ready).(*askEntry)
	delete(s.byAttpt, e.req.AttemptID)
	_, alreadySeen := s.seen[g.ContainerID]
	s.seen[g.ContainerID] = struct{}{}
	s.mu.Unlock()

	if !alreadySeen && s.containerFactory != nil {
		// Runs before the ASSIGN_TA dispatch below, so the container is
		// registered on the bus (and its LAUNCH_REQUEST already enqueued)
		// by the time ASSIGN_TA reaches the same per-subject queue.
		s.containerFactory(g.ContainerID, g.Node, g.Resource)
	}

	if s.busPtr == nil {
		return
	}
	s.busPtr.Dispatch(bus.Event{
		Subject: rmcomm.Subject(),
		Kind:    "RM_ALLOCATE",
		Payload: rmcomm.AllocateRequest{Removed: []ids.TaskAttemptID{e.req.AttemptID}},
	})
	s.busPtr.Dispatch(bus.Event{
		Subject: container.Subject(g.ContainerID),
		Kind:    string(container.EvAssignTA),
		Payload: container.Event{
			Kind:      container.EvAssignTA,
			AttemptID: e.req.AttemptID,
			DagID:     e.req.AttemptID.Task.Vertex.Dag,
			Resource:  e.req.Resource,
		},
	})
}

// onReclaim removes a container from consideration before anything was
// assigned to it. The scheduler holds no per-container state of its own
// (it only ever sees containers at the moment of a grant), so there is
// nothing to undo here beyond logging; internal/container's own
// NODE_FAILED/S_CONTAINER_DEALLOCATE handling owns everything else a
// reclaim implies for a container already running an attempt.
func (s *Scheduler) onReclaim(r rmcomm.Reclaim) {
	s.log.Warnf("scheduler: container %s reclaimed (preempted=%v) before assignment", r.ContainerID, r.Preempted)
}

// Cancel removes an attempt's outstanding ask, e.g. when its vertex is
// killed before a container was ever granted. Forwards the removal to
// rmcomm so the ask-list delta stays accurate.
func (s *Scheduler) Cancel(attemptID ids.TaskAttemptID) {
	s.mu.Lock()
	e, ok := s.byAttpt[attemptID]
	if !ok {
		s.mu.Unlock()
		return
	}
	heap.Remove(&s.ready, e.index)
	delete(s.byAttpt, attemptID)
	s.mu.Unlock()

	if s.busPtr == nil {
		return
	}
	s.busPtr.Dispatch(bus.Event{
		Subject: rmcomm.Subject(),
		Kind:    "RM_ALLOCATE",
		Payload: rmcomm.AllocateRequest{Removed: []ids.TaskAttemptID{attemptID}},
	})
}

// Len reports the number of outstanding asks, for tests and metrics.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.Len()
}
