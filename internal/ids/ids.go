// Package ids defines the hierarchical identifier types used throughout the
// application master: ApplicationID -> DAGID -> VertexID -> TaskID -> TaskAttemptID.
// Each identifier is a small value type that carries its parent as a prefix
// and is totally ordered so it can be used as a map key or sorted for
// deterministic iteration. ContainerID is independent; it is minted by the
// resource manager and never derived from the other identifiers.
package ids

import "fmt"

// ApplicationID identifies the application the DAG master is running under.
type ApplicationID struct {
	ClusterTimestamp int64
	Seq              int
}

func (a ApplicationID) String() string {
	return fmt.Sprintf("application_%d_%04d", a.ClusterTimestamp, a.Seq)
}

func (a ApplicationID) Less(o ApplicationID) bool {
	if a.ClusterTimestamp != o.ClusterTimestamp {
		return a.ClusterTimestamp < o.ClusterTimestamp
	}
	return a.Seq < o.Seq
}

// DAGID identifies one DAG submission within an application.
type DAGID struct {
	App ApplicationID
	Seq int
}

func (d DAGID) String() string {
	return fmt.Sprintf("dag_%d_%04d_%d", d.App.ClusterTimestamp, d.App.Seq, d.Seq)
}

func (d DAGID) Less(o DAGID) bool {
	if d.App != o.App {
		return d.App.Less(o.App)
	}
	return d.Seq < o.Seq
}

// VertexID identifies a vertex within a DAG by its index in submission order.
type VertexID struct {
	Dag   DAGID
	Index int
}

func (v VertexID) String() string {
	return fmt.Sprintf("%s_%06d", v.Dag.String(), v.Index)
}

func (v VertexID) Less(o VertexID) bool {
	if v.Dag != o.Dag {
		return v.Dag.Less(o.Dag)
	}
	return v.Index < o.Index
}

// TaskID identifies one parallel instance of a vertex: (vertexId, taskIndex).
type TaskID struct {
	Vertex VertexID
	Index  int
}

func (t TaskID) String() string {
	return fmt.Sprintf("%s_%06d", t.Vertex.String(), t.Index)
}

func (t TaskID) Less(o TaskID) bool {
	if t.Vertex != o.Vertex {
		return t.Vertex.Less(o.Vertex)
	}
	return t.Index < o.Index
}

// TaskAttemptID identifies one execution try of a task. Attempt numbers are
// 0-based; a rescheduled attempt gets a fresh, strictly increasing number.
type TaskAttemptID struct {
	Task    TaskID
	Attempt int
}

func (a TaskAttemptID) String() string {
	return fmt.Sprintf("%s_%d", a.Task.String(), a.Attempt)
}

func (a TaskAttemptID) Less(o TaskAttemptID) bool {
	if a.Task != o.Task {
		return a.Task.Less(o.Task)
	}
	return a.Attempt < o.Attempt
}

// ContainerID identifies a resource lease minted by the cluster resource
// manager. It carries no relationship to the other identifiers: attempt to
// container associations are tracked only through weak, id-based lookups
// (see internal/bus's registries), never through pointers.
type ContainerID struct {
	Value string
}

func (c ContainerID) String() string { return c.Value }

func (c ContainerID) Less(o ContainerID) bool { return c.Value < o.Value }

// NodeID identifies a physical worker node the resource manager scheduled a
// container onto.
type NodeID struct {
	Host string
	Port int32
}

func (n NodeID) String() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }
