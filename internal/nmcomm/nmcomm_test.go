package nmcomm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dagflow/dagmaster/internal/bus"
	"github.com/dagflow/dagmaster/internal/container"
	"github.com/dagflow/dagmaster/internal/dagmodel"
	"github.com/dagflow/dagmaster/internal/ids"
)

func testContainerID() ids.ContainerID { return ids.ContainerID{Value: "container-1"} }

func TestFake_RecordsLaunchAndStop(t *testing.T) {
	f := NewFake()
	cmd := container.LaunchCommand{
		ContainerID: testContainerID(),
		Node:        ids.NodeID{Host: "node-a", Port: 1234},
		Resource:    dagmodel.ResourceRequest{MemoryMB: 512},
	}
	require.NoError(t, f.Launch(context.Background(), cmd))
	require.Equal(t, []container.LaunchCommand{cmd}, f.Launched)

	stop := container.StopCommand{ContainerID: testContainerID(), Node: cmd.Node}
	require.NoError(t, f.Stop(context.Background(), stop))
	require.Equal(t, []container.StopCommand{stop}, f.Stopped)
}

func TestCommunicator_DispatchesLaunchedToContainerSubject(t *testing.T) {
	b := bus.New()
	received := make(chan bus.Event, 4)
	b.Register(container.Subject(testContainerID()), bus.HandlerFunc(func(ev bus.Event) { received <- ev }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	comm := New(NewFake(), WithBus(b))
	go comm.Run(ctx, 2)

	comm.Handle(bus.Event{
		Subject: Subject(),
		Kind:    "NM_LAUNCH_REQUEST",
		Payload: container.LaunchCommand{ContainerID: testContainerID(), Node: ids.NodeID{Host: "node-a"}},
	})

	select {
	case ev := <-received:
		require.Equal(t, string(container.EvLaunched), ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for launched event")
	}
}

func TestCommunicator_LaunchFailureReportsNodeFailed(t *testing.T) {
	b := bus.New()
	received := make(chan bus.Event, 4)
	b.Register(container.Subject(testContainerID()), bus.HandlerFunc(func(ev bus.Event) { received <- ev }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	comm := New(failingNodeManager{}, WithBus(b))
	go comm.Run(ctx, 1)

	comm.Handle(bus.Event{
		Subject: Subject(),
		Kind:    "NM_LAUNCH_REQUEST",
		Payload: container.LaunchCommand{ContainerID: testContainerID(), Node: ids.NodeID{Host: "node-a"}},
	})

	select {
	case ev := <-received:
		require.Equal(t, string(container.EvNodeFailed), ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for node-failed event")
	}
}

func TestCommunicator_DropsWhenQueueFull(t *testing.T) {
	comm := New(NewFake(), WithQueueSize(1))
	comm.jobs <- bus.Event{Subject: Subject(), Kind: "NM_LAUNCH_REQUEST", Payload: container.LaunchCommand{}}
	done := make(chan struct{})
	go func() {
		comm.Handle(bus.Event{Subject: Subject(), Kind: "NM_LAUNCH_REQUEST", Payload: container.LaunchCommand{}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle blocked on a full queue")
	}
}

type failingNodeManager struct{}

func (failingNodeManager) Launch(context.Context, container.LaunchCommand) error {
	return context.DeadlineExceeded
}

func (failingNodeManager) Stop(context.Context, container.StopCommand) error {
	return context.DeadlineExceeded
}
