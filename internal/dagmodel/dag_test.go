package dagmodel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func linear(names ...string) Submission {
	sub := Submission{Name: "linear"}
	for _, n := range names {
		sub.Vertices = append(sub.Vertices, VertexDef{Name: n, Parallelism: 1})
	}
	for i := 0; i < len(names)-1; i++ {
		sub.Edges = append(sub.Edges, EdgeDef{ProducerName: names[i], ConsumerName: names[i+1]})
	}
	return sub
}

func TestBuild_LinearDistanceFromRoot(t *testing.T) {
	dag, err := Build(linear("a", "b", "c"))
	require.NoError(t, err)

	require.Equal(t, 0, dag.Vertices[0].DistanceFromRoot)
	require.Equal(t, 1, dag.Vertices[1].DistanceFromRoot)
	require.Equal(t, 2, dag.Vertices[2].DistanceFromRoot)
}

func TestBuild_DiamondTakesLongestPath(t *testing.T) {
	sub := Submission{
		Name: "diamond",
		Vertices: []VertexDef{
			{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}, {Name: "e"},
		},
		Edges: []EdgeDef{
			{ProducerName: "a", ConsumerName: "b"},
			{ProducerName: "a", ConsumerName: "c"},
			{ProducerName: "b", ConsumerName: "d"},
			{ProducerName: "c", ConsumerName: "d"},
			{ProducerName: "d", ConsumerName: "e"},
		},
	}
	dag, err := Build(sub)
	require.NoError(t, err)

	idxD, _ := dag.VertexIndex("d")
	idxE, _ := dag.VertexIndex("e")
	require.Equal(t, 2, dag.Vertices[idxD].DistanceFromRoot)
	require.Equal(t, 3, dag.Vertices[idxE].DistanceFromRoot)
}

func TestBuild_DetectsCycle(t *testing.T) {
	sub := Submission{
		Vertices: []VertexDef{{Name: "a"}, {Name: "b"}},
		Edges: []EdgeDef{
			{ProducerName: "a", ConsumerName: "b"},
			{ProducerName: "b", ConsumerName: "a"},
		},
	}
	_, err := Build(sub)
	require.Error(t, err)
	var cycErr *CycleError
	require.ErrorAs(t, err, &cycErr)
}

func TestBuild_DuplicateVertexName(t *testing.T) {
	sub := Submission{Vertices: []VertexDef{{Name: "a"}, {Name: "a"}}}
	_, err := Build(sub)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestBuild_UnknownEdgeEndpoint(t *testing.T) {
	sub := Submission{
		Vertices: []VertexDef{{Name: "a"}},
		Edges:    []EdgeDef{{ProducerName: "a", ConsumerName: "missing"}},
	}
	_, err := Build(sub)
	require.Error(t, err)
}
