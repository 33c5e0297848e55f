package listener

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dagflow/dagmaster/internal/bus"
	"github.com/dagflow/dagmaster/internal/container"
	"github.com/dagflow/dagmaster/internal/dagmodel"
	"github.com/dagflow/dagmaster/internal/ids"
	"github.com/dagflow/dagmaster/internal/task"
	v1 "github.com/dagflow/dagmaster/proto/tez/v1"
)

func testContainerID() ids.ContainerID { return ids.ContainerID{Value: "container-1"} }

func testTaskID() ids.TaskID {
	dag := ids.DAGID{App: ids.ApplicationID{ClusterTimestamp: 1, Seq: 1}, Seq: 1}
	return ids.TaskID{Vertex: ids.VertexID{Dag: dag, Index: 0}, Index: 0}
}

func testAttemptID() ids.TaskAttemptID {
	return ids.TaskAttemptID{Task: testTaskID(), Attempt: 0}
}

func TestListener_GetTask_UnknownContainerIsInvalid(t *testing.T) {
	l := New()
	resp, err := l.GetTask(context.Background(), &v1.ContainerContext{ContainerID: "ghost"})
	require.NoError(t, err)
	require.True(t, resp.InvalidContainer)
}

func TestListener_GetTask_IdleContainerReturnsEmptyThenAssignmentOnce(t *testing.T) {
	l := New()
	cid := testContainerID()
	l.Register(cid)

	resp, err := l.GetTask(context.Background(), &v1.ContainerContext{ContainerID: cid.String()})
	require.NoError(t, err)
	require.False(t, resp.InvalidContainer)
	require.Nil(t, resp.Task)

	attemptID := testAttemptID()
	q := &container.QueuedAttempt{
		AttemptID: attemptID,
		DagID:     attemptID.Task.Vertex.Dag,
		Resource:  dagmodel.ResourceRequest{MemoryMB: 512, VCores: 1},
	}
	l.NotifyQueued(cid, q)

	resp, err = l.GetTask(context.Background(), &v1.ContainerContext{ContainerID: cid.String()})
	require.NoError(t, err)
	require.NotNil(t, resp.Task)
	require.Equal(t, attemptID.String(), resp.Task.AttemptID)

	// Second poll against the same assignment: already handed out.
	resp, err = l.GetTask(context.Background(), &v1.ContainerContext{ContainerID: cid.String()})
	require.NoError(t, err)
	require.Nil(t, resp.Task)
}

func TestListener_CanCommit_UnknownAttemptErrors(t *testing.T) {
	l := New()
	_, err := l.CanCommit(context.Background(), &v1.CanCommitRequest{AttemptID: "nope"})
	require.Error(t, err)
}

func TestListener_CanCommit_ResolvesFromTaskDecision(t *testing.T) {
	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	l := New(WithBus(b))
	b.Register(task.ListenerSubject(), l)

	tID := testTaskID()
	tk := task.New(tID, dagmodel.ResourceRequest{MemoryMB: 512, VCores: 1}, task.WithBus(b))
	b.Register(task.Subject(tID), tk)

	cid := testContainerID()
	attemptID := testAttemptID()
	l.NotifyQueued(cid, &container.QueuedAttempt{AttemptID: attemptID, DagID: tID.Vertex.Dag})

	b.Dispatch(bus.Event{Subject: task.Subject(tID), Kind: string(task.EvStart)})

	ctxCall, cancelCall := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelCall()
	resp, err := l.CanCommit(ctxCall, &v1.CanCommitRequest{AttemptID: attemptID.String()})
	require.NoError(t, err)
	require.True(t, resp.Committed)
}

func TestListener_Heartbeat_UnknownContainerShouldDie(t *testing.T) {
	l := New()
	resp, err := l.Heartbeat(context.Background(), &v1.HeartbeatRequest{ContainerID: "ghost", RequestID: 1})
	require.NoError(t, err)
	require.True(t, resp.ShouldDie)
}

func TestListener_Heartbeat_IdempotentReplay(t *testing.T) {
	l := New()
	cid := testContainerID()
	l.Register(cid)

	req := &v1.HeartbeatRequest{ContainerID: cid.String(), RequestID: 1}
	first, err := l.Heartbeat(context.Background(), req)
	require.NoError(t, err)

	second, err := l.Heartbeat(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestListener_Heartbeat_SequenceErrorKillsContainer(t *testing.T) {
	l := New()
	cid := testContainerID()
	l.Register(cid)

	_, err := l.Heartbeat(context.Background(), &v1.HeartbeatRequest{ContainerID: cid.String(), RequestID: 1})
	require.NoError(t, err)

	resp, err := l.Heartbeat(context.Background(), &v1.HeartbeatRequest{ContainerID: cid.String(), RequestID: 5})
	require.NoError(t, err)
	require.True(t, resp.ShouldDie)
}

func TestListener_Heartbeat_PagesTaskOutbox(t *testing.T) {
	l := New()
	cid := testContainerID()
	l.Register(cid)

	tID := testTaskID()
	tk := task.New(tID, dagmodel.ResourceRequest{MemoryMB: 512, VCores: 1})
	l.RegisterTask(tk)
	tk.EnqueueEvent(v1.TezEvent{Kind: v1.KindDataMovement, DataMovement: &v1.DataMovementEvent{SourceIdx: 0, TargetIdx: 1}})

	attemptID := testAttemptID()
	l.NotifyQueued(cid, &container.QueuedAttempt{AttemptID: attemptID, DagID: tID.Vertex.Dag})

	resp, err := l.Heartbeat(context.Background(), &v1.HeartbeatRequest{
		ContainerID: cid.String(), RequestID: 1, CurrentAttemptID: attemptID.String(), MaxEvents: 10,
	})
	require.NoError(t, err)
	require.Len(t, resp.Events, 1)
	require.Equal(t, v1.KindDataMovement, resp.Events[0].Kind)
}
