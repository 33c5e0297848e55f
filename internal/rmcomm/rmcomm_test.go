package rmcomm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dagflow/dagmaster/internal/bus"
	"github.com/dagflow/dagmaster/internal/dagmodel"
	"github.com/dagflow/dagmaster/internal/ids"
)

func testAttemptID() ids.TaskAttemptID {
	return ids.TaskAttemptID{
		Task: ids.TaskID{
			Vertex: ids.VertexID{Dag: ids.DAGID{Seq: 1}, Index: 0},
			Index:  0,
		},
		Attempt: 0,
	}
}

func TestFake_AllocateGrantsOnePerAsk(t *testing.T) {
	f := NewFake(ids.NodeID{Host: "node-a", Port: 1234})
	grants, reclaims, err := f.Allocate(context.Background(), AllocateRequest{
		Added: []Ask{{AttemptID: testAttemptID(), Priority: 2, Resource: dagmodel.ResourceRequest{MemoryMB: 512}}},
	})
	require.NoError(t, err)
	require.Empty(t, reclaims)
	require.Len(t, grants, 1)
	require.Equal(t, testAttemptID(), grants[0].AttemptID)
	require.Equal(t, ids.NodeID{Host: "node-a", Port: 1234}, grants[0].Node)
}

func TestCommunicator_DispatchesGrantsToSchedulerSubject(t *testing.T) {
	b := bus.New()
	received := make(chan bus.Event, 4)
	b.Register(SchedulerSubject(), bus.HandlerFunc(func(ev bus.Event) { received <- ev }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	comm := New(NewFake(ids.NodeID{Host: "node-a"}), WithBus(b))
	go comm.Run(ctx, 2)

	comm.Handle(bus.Event{
		Subject: Subject(),
		Kind:    "RM_ALLOCATE",
		Payload: AllocateRequest{Added: []Ask{{AttemptID: testAttemptID(), Resource: dagmodel.ResourceRequest{MemoryMB: 128}}}},
	})

	select {
	case ev := <-received:
		require.Equal(t, "RM_CONTAINER_GRANTED", ev.Kind)
		g, ok := ev.Payload.(Grant)
		require.True(t, ok)
		require.Equal(t, testAttemptID(), g.AttemptID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RM_CONTAINER_GRANTED")
	}
}

func TestCommunicator_DropsWhenQueueFull(t *testing.T) {
	comm := New(NewFake(ids.NodeID{Host: "node-a"}), WithQueueSize(1))
	// Fill the single slot; Handle must not block on the second call.
	comm.jobs <- bus.Event{Subject: Subject(), Kind: "RM_ALLOCATE", Payload: AllocateRequest{}}
	done := make(chan struct{})
	go func() {
		comm.Handle(bus.Event{Subject: Subject(), Kind: "RM_ALLOCATE", Payload: AllocateRequest{}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle blocked on a full queue")
	}
}
