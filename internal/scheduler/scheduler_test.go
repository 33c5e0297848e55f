package scheduler

import (
	"container/heap"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dagflow/dagmaster/internal/attempt"
	"github.com/dagflow/dagmaster/internal/bus"
	"github.com/dagflow/dagmaster/internal/container"
	"github.com/dagflow/dagmaster/internal/dagmodel"
	"github.com/dagflow/dagmaster/internal/ids"
	"github.com/dagflow/dagmaster/internal/rmcomm"
)

func testAttemptID(vertexIdx, taskIdx, attemptIdx int) ids.TaskAttemptID {
	return ids.TaskAttemptID{
		Task: ids.TaskID{
			Vertex: ids.VertexID{Dag: ids.DAGID{Seq: 1}, Index: vertexIdx},
			Index:  taskIdx,
		},
		Attempt: attemptIdx,
	}
}

func TestScheduler_OrdersReadyQueueByPriority(t *testing.T) {
	s := New()
	s.onScheduleRequest(attempt.ScheduleRequest{AttemptID: testAttemptID(0, 0, 0), Priority: 6})
	s.onScheduleRequest(attempt.ScheduleRequest{AttemptID: testAttemptID(1, 0, 0), Priority: 2})
	s.onScheduleRequest(attempt.ScheduleRequest{AttemptID: testAttemptID(2, 0, 0), Priority: 4})
	require.Equal(t, 3, s.Len())

	e := popEntry(t, s)
	require.Equal(t, testAttemptID(1, 0, 0), e.req.AttemptID)
	e = popEntry(t, s)
	require.Equal(t, testAttemptID(2, 0, 0), e.req.AttemptID)
	e = popEntry(t, s)
	require.Equal(t, testAttemptID(0, 0, 0), e.req.AttemptID)
}

// popEntry pops directly from the ready heap for assertions, bypassing
// the grant-driven onGrant path this test isn't exercising.
func popEntry(t *testing.T, s *Scheduler) *askEntry {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Greater(t, s.ready.Len(), 0)
	e := heap.Pop(&s.ready).(*askEntry)
	delete(s.byAttpt, e.req.AttemptID)
	return e
}

func TestScheduler_GrantAssignsHighestPriorityAsk(t *testing.T) {
	b := bus.New()
	assigned := make(chan bus.Event, 4)
	reallocated := make(chan bus.Event, 4)
	containerID := ids.ContainerID{Value: "container-1"}
	b.Register(container.Subject(containerID), bus.HandlerFunc(func(ev bus.Event) { assigned <- ev }))
	b.Register(rmcomm.Subject(), bus.HandlerFunc(func(ev bus.Event) { reallocated <- ev }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	s := New(WithBus(b))
	urgent := testAttemptID(0, 0, 0)
	lazy := testAttemptID(1, 0, 0)
	s.Handle(bus.Event{Subject: Subject(), Kind: "TA_SCHEDULE", Payload: attempt.ScheduleRequest{
		AttemptID: lazy, Priority: 8, Resource: dagmodel.ResourceRequest{MemoryMB: 256},
	}})
	s.Handle(bus.Event{Subject: Subject(), Kind: "TA_SCHEDULE", Payload: attempt.ScheduleRequest{
		AttemptID: urgent, Priority: 2, Resource: dagmodel.ResourceRequest{MemoryMB: 256},
	}})

	drainAllocate(t, reallocated)
	drainAllocate(t, reallocated)

	s.Handle(bus.Event{Subject: Subject(), Kind: "RM_CONTAINER_GRANTED", Payload: rmcomm.Grant{
		AttemptID: urgent, ContainerID: containerID, Node: ids.NodeID{Host: "node-a"},
	}})

	select {
	case ev := <-assigned:
		require.Equal(t, string(container.EvAssignTA), ev.Kind)
		cev, ok := ev.Payload.(container.Event)
		require.True(t, ok)
		require.Equal(t, urgent, cev.AttemptID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ASSIGN_TA")
	}

	select {
	case ev := <-reallocated:
		req, ok := ev.Payload.(rmcomm.AllocateRequest)
		require.True(t, ok)
		require.Equal(t, []ids.TaskAttemptID{urgent}, req.Removed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the removed-ask delta")
	}
	require.Equal(t, 1, s.Len())
}

func drainAllocate(t *testing.T, ch chan bus.Event) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RM_ALLOCATE")
	}
}

func TestScheduler_CancelRemovesOutstandingAsk(t *testing.T) {
	b := bus.New()
	removed := make(chan bus.Event, 4)
	b.Register(rmcomm.Subject(), bus.HandlerFunc(func(ev bus.Event) { removed <- ev }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	s := New(WithBus(b))
	id := testAttemptID(0, 0, 0)
	s.Handle(bus.Event{Subject: Subject(), Kind: "TA_SCHEDULE", Payload: attempt.ScheduleRequest{AttemptID: id, Priority: 4}})
	drainAllocate(t, removed)

	s.Cancel(id)
	require.Equal(t, 0, s.Len())

	select {
	case ev := <-removed:
		req, ok := ev.Payload.(rmcomm.AllocateRequest)
		require.True(t, ok)
		require.Equal(t, []ids.TaskAttemptID{id}, req.Removed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancel's removed-ask delta")
	}
}
