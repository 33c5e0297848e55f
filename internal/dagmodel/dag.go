// Package dagmodel is the DAG data model (spec §3): an immutable, validated
// set of vertices and directed edges, built from a submission descriptor.
// DAG, VertexDef and EdgeDef never change after Build succeeds; the runtime
// entities in internal/vertex, internal/task etc. hold ids into this model,
// never copies of it.
package dagmodel

import (
	"fmt"

	"github.com/dagflow/dagmaster/internal/ids"
)

// ResourceRequest is the size of the container a vertex's tasks need.
type ResourceRequest struct {
	MemoryMB int32
	VCores   int32
}

// ProcessorDescriptor names the worker-side processor class and its opaque
// configuration payload. The processor itself is out of scope (spec §1
// non-goals); the AM only ever carries this descriptor through to the
// worker.
type ProcessorDescriptor struct {
	ClassName string
	Payload   []byte
}

// IODescriptor names a worker-side input or output plugin, analogous to
// ProcessorDescriptor.
type IODescriptor struct {
	ClassName string
	Payload   []byte
}

// PluginDescriptor names a vertex-manager or edge-manager plugin by class
// name plus opaque user payload, instantiated by the AM via a registry (see
// internal/vertexmanager and internal/edgemanager).
type PluginDescriptor struct {
	ClassName string
	Payload   []byte
}

// VertexDef is a submitted vertex before DAG construction assigns its
// distance-from-root and builds its runtime Vertex.
type VertexDef struct {
	Name         string
	Processor    ProcessorDescriptor
	Parallelism  int // -1 means deferred: a vertex manager will set it later
	Resource     ResourceRequest
	Inputs       []IODescriptor
	Outputs      []IODescriptor
	VertexMgr    PluginDescriptor
	OutputCommit bool    // whether tasks of this vertex must canCommit before succeeding
	FailureTol   float64 // fraction of tasks this vertex tolerates losing, 0..1
}

// EdgeDef is a submitted edge between two named vertices.
type EdgeDef struct {
	ProducerName string
	ConsumerName string
	EdgeMgr      PluginDescriptor
}

// Submission is the user-supplied DAG before validation/build.
type Submission struct {
	Name     string
	Vertices []VertexDef
	Edges    []EdgeDef
}

// Vertex is one node of a built DAG: immutable definition plus its
// DAG-assigned position.
type Vertex struct {
	Def              VertexDef
	Index            int
	DistanceFromRoot int // longest source-free path length to this vertex
	InEdges          []int
	OutEdges         []int
}

// Edge is one directed edge of a built DAG, referencing vertices by index.
type Edge struct {
	Def      EdgeDef
	Producer int
	Consumer int
}

// DAG is the immutable, acyclic graph built from a Submission.
type DAG struct {
	Name     string
	Vertices []Vertex
	Edges    []Edge

	nameIndex map[string]int
}

// VertexIndex returns the index of the vertex with the given name.
func (d *DAG) VertexIndex(name string) (int, bool) {
	idx, ok := d.nameIndex[name]
	return idx, ok
}

// VertexByID looks up a vertex by its full hierarchical id.
func (d *DAG) VertexByID(id ids.VertexID) (*Vertex, bool) {
	if id.Index < 0 || id.Index >= len(d.Vertices) {
		return nil, false
	}
	return &d.Vertices[id.Index], true
}

// CycleError reports a cycle discovered during Build.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dagmodel: cycle detected: %v", e.Path)
}

// ValidationError aggregates every problem Build finds so a caller sees all
// of them at once, not just the first.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dagmodel: %d validation error(s): %v", len(e.Problems), e.Problems)
}

// Build validates and constructs a DAG from a Submission: resolves edge
// endpoints, checks for duplicate vertex names, verifies acyclicity, and
// assigns distance-from-root to every vertex.
func Build(sub Submission) (*DAG, error) {
	var problems []string

	d := &DAG{
		Name:      sub.Name,
		nameIndex: make(map[string]int, len(sub.Vertices)),
	}

	for i, v := range sub.Vertices {
		if _, dup := d.nameIndex[v.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate vertex name %q", v.Name))
			continue
		}
		d.nameIndex[v.Name] = i
		d.Vertices = append(d.Vertices, Vertex{Def: v, Index: i})
	}

	for _, e := range sub.Edges {
		p, ok := d.nameIndex[e.ProducerName]
		if !ok {
			problems = append(problems, fmt.Sprintf("edge references unknown producer %q", e.ProducerName))
			continue
		}
		c, ok := d.nameIndex[e.ConsumerName]
		if !ok {
			problems = append(problems, fmt.Sprintf("edge references unknown consumer %q", e.ConsumerName))
			continue
		}
		edgeIdx := len(d.Edges)
		d.Edges = append(d.Edges, Edge{Def: e, Producer: p, Consumer: c})
		d.Vertices[p].OutEdges = append(d.Vertices[p].OutEdges, edgeIdx)
		d.Vertices[c].InEdges = append(d.Vertices[c].InEdges, edgeIdx)
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	if cyc := findCycle(d); cyc != nil {
		return nil, cyc
	}

	assignDistanceFromRoot(d)

	return d, nil
}

func findCycle(d *DAG) *CycleError {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(d.Vertices))
	var stack []string

	var visit func(i int) *CycleError
	visit = func(i int) *CycleError {
		color[i] = gray
		stack = append(stack, d.Vertices[i].Def.Name)
		for _, ei := range d.Vertices[i].OutEdges {
			next := d.Edges[ei].Consumer
			switch color[next] {
			case gray:
				cycle := append(append([]string{}, stack...), d.Vertices[next].Def.Name)
				return &CycleError{Path: cycle}
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		return nil
	}

	for i := range d.Vertices {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// assignDistanceFromRoot computes the longest source-free path length to
// each vertex, per spec §3: "Distance-from-root is assigned at DAG
// initialisation and is invariant thereafter." The DAG is already known
// acyclic, so a topological relaxation converges in one pass over a
// topological visit order (every producer before its consumers).
func assignDistanceFromRoot(d *DAG) {
	order := topologicalOrder(d)
	for _, i := range order {
		v := &d.Vertices[i]
		if len(v.InEdges) == 0 {
			v.DistanceFromRoot = 0
			continue
		}
		max := 0
		for _, ei := range v.InEdges {
			p := d.Edges[ei].Producer
			if d.Vertices[p].DistanceFromRoot+1 > max {
				max = d.Vertices[p].DistanceFromRoot + 1
			}
		}
		v.DistanceFromRoot = max
	}
}

func topologicalOrder(d *DAG) []int {
	indegree := make([]int, len(d.Vertices))
	for _, e := range d.Edges {
		indegree[e.Consumer]++
	}
	var queue []int
	for i, deg := range indegree {
		if deg == 0 {
			queue = append(queue, i)
		}
	}
	order := make([]int, 0, len(d.Vertices))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, i)
		for _, ei := range d.Vertices[i].OutEdges {
			next := d.Edges[ei].Consumer
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return order
}
