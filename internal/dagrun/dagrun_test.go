package dagrun

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dagflow/dagmaster/internal/bus"
	"github.com/dagflow/dagmaster/internal/dagmodel"
	"github.com/dagflow/dagmaster/internal/ids"
	"github.com/dagflow/dagmaster/internal/task"
	"github.com/dagflow/dagmaster/internal/vertex"
)

func immediateStartDef(name string, parallelism int) dagmodel.VertexDef {
	return dagmodel.VertexDef{
		Name:        name,
		Parallelism: parallelism,
		Resource:    dagmodel.ResourceRequest{MemoryMB: 128},
		VertexMgr:   dagmodel.PluginDescriptor{ClassName: "ImmediateStart"},
	}
}

func testDagID() ids.DAGID { return ids.DAGID{Seq: 1} }

func kinds(effects []bus.Event) []string {
	out := make([]string, len(effects))
	for i, e := range effects {
		out[i] = e.Kind
	}
	return out
}

func taskOutcomeOf(id ids.TaskID) task.Outcome {
	return task.Outcome{TaskID: id, State: task.StateSucceeded}
}

func TestRun_HappyPathTwoVertices(t *testing.T) {
	sub := dagmodel.Submission{
		Name:     "two-stage",
		Vertices: []dagmodel.VertexDef{immediateStartDef("v0", 1), immediateStartDef("v1", 1)},
		Edges: []dagmodel.EdgeDef{
			{ProducerName: "v0", ConsumerName: "v1", EdgeMgr: dagmodel.PluginDescriptor{ClassName: "OneToOne"}},
		},
	}
	def, err := dagmodel.Build(sub)
	require.NoError(t, err)

	r := New(testDagID(), def)
	effects, err := r.Fire(Event{Kind: EvInit})
	require.NoError(t, err)
	require.Equal(t, StateRunning, r.State())
	require.Len(t, effects, 2)
	for _, k := range kinds(effects) {
		require.Equal(t, string(vertex.EvInit), k)
	}

	v0, ok := r.Vertex(0)
	require.True(t, ok)
	v1, ok := r.Vertex(1)
	require.True(t, ok)

	_, err = v0.Fire(vertex.Event{Kind: vertex.EvInit})
	require.NoError(t, err)
	_, err = v1.Fire(vertex.Event{Kind: vertex.EvInit})
	require.NoError(t, err)

	task0 := ids.TaskID{Vertex: v0.ID, Index: 0}
	v0Effects, err := v0.Fire(vertex.Event{
		Kind:        vertex.EvTaskSucceeded,
		TaskOutcome: taskOutcomeOf(task0),
	})
	require.NoError(t, err)
	require.Equal(t, vertex.StateSucceeded, v0.State())
	require.Equal(t, []string{string(vertex.EvEdgeRoute), string(vertex.EvSourceTaskCompleted), "VERTEX_RESOLVED"}, kinds(v0Effects))

	for _, eff := range v0Effects {
		switch p := eff.Payload.(type) {
		case vertex.EdgeRoutePayload:
			_, err := v1.Fire(vertex.Event{Kind: vertex.EvEdgeRoute, EdgeRoute: p})
			require.NoError(t, err)
		case vertex.SourceTaskCompletedPayload:
			_, err := v1.Fire(vertex.Event{Kind: vertex.EvSourceTaskCompleted, SourceCompletion: p})
			require.NoError(t, err)
		}
	}

	// v0 resolving emits VERTEX_RESOLVED to the DAG subject; feed it in.
	runEffects, err := r.Fire(Event{Kind: EvVertexResolved, VertexOutcome: vertex.Outcome{VertexID: v0.ID, State: vertex.StateSucceeded}})
	require.NoError(t, err)
	require.Empty(t, runEffects) // not all vertices resolved yet
	require.Equal(t, StateRunning, r.State())

	task1 := ids.TaskID{Vertex: v1.ID, Index: 0}
	_, err = v1.Fire(vertex.Event{Kind: vertex.EvTaskSucceeded, TaskOutcome: taskOutcomeOf(task1)})
	require.NoError(t, err)
	require.Equal(t, vertex.StateSucceeded, v1.State())

	runEffects, err = r.Fire(Event{Kind: EvVertexResolved, VertexOutcome: vertex.Outcome{VertexID: v1.ID, State: vertex.StateSucceeded}})
	require.NoError(t, err)
	require.Empty(t, runEffects)
	require.Equal(t, StateSucceeded, r.State())
}

func TestRun_VertexFailureFailsDagAndKillsOthers(t *testing.T) {
	sub := dagmodel.Submission{
		Name:     "parallel-pair",
		Vertices: []dagmodel.VertexDef{immediateStartDef("a", 1), immediateStartDef("b", 1)},
	}
	def, err := dagmodel.Build(sub)
	require.NoError(t, err)

	r := New(testDagID(), def)
	_, err = r.Fire(Event{Kind: EvInit})
	require.NoError(t, err)

	va, _ := r.Vertex(0)
	vb, _ := r.Vertex(1)
	_, _ = va.Fire(vertex.Event{Kind: vertex.EvInit})
	_, _ = vb.Fire(vertex.Event{Kind: vertex.EvInit})

	effects, err := r.Fire(Event{Kind: EvVertexResolved, VertexOutcome: vertex.Outcome{VertexID: va.ID, State: vertex.StateFailed, Diag: "oops"}})
	require.NoError(t, err)
	require.Equal(t, StateFailed, r.State())
	require.Len(t, effects, 1)
	require.Equal(t, string(vertex.EvKill), effects[0].Kind)
	require.Equal(t, vertexSubject(vb.ID), effects[0].Subject)

	// A late resolution for the vertex already killed is a no-op.
	effects, err = r.Fire(Event{Kind: EvVertexResolved, VertexOutcome: vertex.Outcome{VertexID: vb.ID, State: vertex.StateKilled}})
	require.NoError(t, err)
	require.Empty(t, effects)
	require.Equal(t, StateFailed, r.State())
}

func TestRun_ExternalKillPropagatesToEveryVertex(t *testing.T) {
	sub := dagmodel.Submission{
		Name:     "parallel-pair",
		Vertices: []dagmodel.VertexDef{immediateStartDef("a", 1), immediateStartDef("b", 1)},
	}
	def, err := dagmodel.Build(sub)
	require.NoError(t, err)

	r := New(testDagID(), def)
	_, err = r.Fire(Event{Kind: EvInit})
	require.NoError(t, err)

	effects, err := r.Fire(Event{Kind: EvKill, Diag: "user cancel"})
	require.NoError(t, err)
	require.Equal(t, StateKilled, r.State())
	require.Len(t, effects, 2)
	for _, eff := range effects {
		require.Equal(t, string(vertex.EvKill), eff.Kind)
		require.Equal(t, "user cancel", eff.Payload.(string))
	}
}
