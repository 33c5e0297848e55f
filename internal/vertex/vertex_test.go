package vertex

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dagflow/dagmaster/internal/bus"
	"github.com/dagflow/dagmaster/internal/dagmodel"
	"github.com/dagflow/dagmaster/internal/edgemanager"
	"github.com/dagflow/dagmaster/internal/ids"
	"github.com/dagflow/dagmaster/internal/task"
	"github.com/dagflow/dagmaster/internal/vertexmanager"
)

func testVertexID(idx int) ids.VertexID {
	return ids.VertexID{Dag: ids.DAGID{Seq: 1}, Index: idx}
}

func kinds(effects []bus.Event) []string {
	out := make([]string, len(effects))
	for i, e := range effects {
		out[i] = e.Kind
	}
	return out
}

func newTestVertex(idx, parallelism int, mgr vertexmanager.Plugin, opts ...Option) *Vertex {
	id := testVertexID(idx)
	allOpts := append([]Option{WithParallelism(parallelism)}, opts...)
	return New(id, "v", dagmodel.ResourceRequest{MemoryMB: 128}, mgr, allOpts...)
}

func TestVertex_ImmediateStartSchedulesAllTasksOnInit(t *testing.T) {
	v := newTestVertex(0, 3, &vertexmanager.ImmediateStart{})

	effects, err := v.Fire(Event{Kind: EvInit})
	require.NoError(t, err)
	require.Equal(t, StateRunning, v.State())
	require.Len(t, effects, 3)
	for _, k := range kinds(effects) {
		require.Equal(t, string(task.EvStart), k)
	}
}

func TestVertex_TaskSuccessRoutesToDownstreamBeforeSourceCompleted(t *testing.T) {
	consumerID := testVertexID(1)
	v := newTestVertex(0, 2, &vertexmanager.ImmediateStart{})
	v.AddOutgoingEdge(consumerID, edgemanager.OneToOne{}, 2)

	_, err := v.Fire(Event{Kind: EvInit})
	require.NoError(t, err)

	taskID := v.tasks[0].ID
	effects, err := v.Fire(Event{Kind: EvTaskSucceeded, TaskOutcome: task.Outcome{TaskID: taskID, State: task.StateSucceeded}})
	require.NoError(t, err)
	require.Equal(t, StateRunning, v.State())

	require.Equal(t, []string{string(EvEdgeRoute), string(EvSourceTaskCompleted)}, kinds(effects))
	for _, e := range effects {
		require.Equal(t, vertexSubject(consumerID), e.Subject)
	}
	route := effects[0].Payload.(EdgeRoutePayload)
	require.Equal(t, v.ID, route.SrcVertex)
	require.Equal(t, 0, route.SrcTaskIndex)
	require.Equal(t, map[int][]int{0: {0}}, route.Destinations)

	completed := effects[1].Payload.(SourceTaskCompletedPayload)
	require.Equal(t, v.ID, completed.SrcVertex)
	require.Equal(t, 0, completed.TaskIndex)
}

func TestVertex_SucceedsWhenAllTasksSucceed(t *testing.T) {
	v := newTestVertex(0, 2, &vertexmanager.ImmediateStart{})
	_, err := v.Fire(Event{Kind: EvInit})
	require.NoError(t, err)

	_, err = v.Fire(Event{Kind: EvTaskSucceeded, TaskOutcome: task.Outcome{TaskID: v.tasks[0].ID, State: task.StateSucceeded}})
	require.NoError(t, err)
	require.Equal(t, StateRunning, v.State())

	effects, err := v.Fire(Event{Kind: EvTaskSucceeded, TaskOutcome: task.Outcome{TaskID: v.tasks[1].ID, State: task.StateSucceeded}})
	require.NoError(t, err)
	require.Equal(t, StateSucceeded, v.State())
	require.Len(t, effects, 1)
	require.Equal(t, "VERTEX_RESOLVED", effects[0].Kind)
	out := effects[0].Payload.(Outcome)
	require.Equal(t, StateSucceeded, out.State)
}

func TestVertex_FailureWithinToleranceStillSucceeds(t *testing.T) {
	v := newTestVertex(0, 2, &vertexmanager.ImmediateStart{}, func(v *Vertex) { v.FailureTol = 0.5 })
	_, err := v.Fire(Event{Kind: EvInit})
	require.NoError(t, err)

	_, err = v.Fire(Event{Kind: EvTaskFailed, TaskOutcome: task.Outcome{TaskID: v.tasks[0].ID, State: task.StateFailed, Diag: "boom"}})
	require.NoError(t, err)
	require.Equal(t, StateRunning, v.State())

	effects, err := v.Fire(Event{Kind: EvTaskSucceeded, TaskOutcome: task.Outcome{TaskID: v.tasks[1].ID, State: task.StateSucceeded}})
	require.NoError(t, err)
	require.Equal(t, StateSucceeded, v.State())
	out := effects[0].Payload.(Outcome)
	require.Equal(t, StateSucceeded, out.State)
}

func TestVertex_FailureBeyondToleranceFailsVertex(t *testing.T) {
	v := newTestVertex(0, 2, &vertexmanager.ImmediateStart{})
	_, err := v.Fire(Event{Kind: EvInit})
	require.NoError(t, err)

	_, err = v.Fire(Event{Kind: EvTaskFailed, TaskOutcome: task.Outcome{TaskID: v.tasks[0].ID, State: task.StateFailed}})
	require.NoError(t, err)
	require.Equal(t, StateRunning, v.State())

	effects, err := v.Fire(Event{Kind: EvTaskFailed, TaskOutcome: task.Outcome{TaskID: v.tasks[1].ID, State: task.StateFailed, Diag: "boom"}})
	require.NoError(t, err)
	require.Equal(t, StateFailed, v.State())
	out := effects[0].Payload.(Outcome)
	require.Equal(t, StateFailed, out.State)
	require.Equal(t, "boom", out.Diag)
}

func TestVertex_ReadySetTracksScatterGatherInputs(t *testing.T) {
	producerID := testVertexID(0)
	v := newTestVertex(1, 3, &vertexmanager.ImmediateStart{})
	v.AddIncomingEdge(producerID, edgemanager.ScatterGather{}, 2)

	_, err := v.Fire(Event{Kind: EvInit})
	require.NoError(t, err)

	_, err = v.Fire(Event{Kind: EvEdgeRoute, EdgeRoute: EdgeRoutePayload{
		SrcVertex: producerID, SrcTaskIndex: 0,
		Destinations: map[int][]int{0: {0, 1, 2}},
	}})
	require.NoError(t, err)
	require.Empty(t, v.ReadyTasks())

	_, err = v.Fire(Event{Kind: EvEdgeRoute, EdgeRoute: EdgeRoutePayload{
		SrcVertex: producerID, SrcTaskIndex: 1,
		Destinations: map[int][]int{1: {0, 1, 2}},
	}})
	require.NoError(t, err)

	ready := v.ReadyTasks()
	sort.Ints(ready)
	require.Equal(t, []int{0, 1, 2}, ready)
}

func TestVertex_KillPropagatesToTasks(t *testing.T) {
	v := newTestVertex(0, 2, &vertexmanager.ImmediateStart{})
	_, err := v.Fire(Event{Kind: EvInit})
	require.NoError(t, err)

	effects, err := v.Fire(Event{Kind: EvKill, Diag: "dag cancelled"})
	require.NoError(t, err)
	require.Equal(t, StateKilled, v.State())
	require.Len(t, effects, 2)
	for _, e := range effects {
		require.Equal(t, string(task.EvKill), e.Kind)
		require.Equal(t, "dag cancelled", e.Payload.(string))
	}
}

func TestVertex_HandleBridgesRawTaskOutcomePayloads(t *testing.T) {
	b := bus.New()
	v := newTestVertex(0, 1, &vertexmanager.ImmediateStart{}, WithBus(b))
	b.Register(vertexSubject(v.ID), v)

	_, err := v.Fire(Event{Kind: EvInit})
	require.NoError(t, err)

	taskID := v.tasks[0].ID
	v.Handle(bus.Event{
		Subject: vertexSubject(v.ID),
		Kind:    string(EvTaskSucceeded),
		Payload: task.Outcome{TaskID: taskID, State: task.StateSucceeded},
	})
	require.Equal(t, StateSucceeded, v.State())
}

func TestVertex_TaskPriorityDerivesFromDistanceFromRoot(t *testing.T) {
	v := New(testVertexID(0), "v", dagmodel.ResourceRequest{MemoryMB: 64}, &vertexmanager.ImmediateStart{},
		WithDistanceFromRoot(2), WithParallelism(1))
	require.Equal(t, 6, v.tasks[0].Priority) // 2*(2+1)
}

func TestVertex_SetParallelismBeforeFinalized(t *testing.T) {
	v := New(testVertexID(0), "v", dagmodel.ResourceRequest{MemoryMB: 64}, &vertexmanager.ImmediateStart{})
	require.False(t, v.ParallelismFinal())

	require.NoError(t, v.SetParallelism(5))
	require.True(t, v.ParallelismFinal())
	require.Equal(t, 5, v.Parallelism())
	require.Len(t, v.tasks, 5)

	require.Error(t, v.SetParallelism(9))
}
