// Package v1 defines the wire message types for the TezEvent family (spec
// §6). These are plain Go structs, not generated by protoc: internal/rpcwire
// carries them over grpc using a gob-based codec rather than protobuf
// reflection, so the only contract these types owe callers is gob-encodable
// fields (exported, no channels/funcs/unsafe pointers).
package v1

import "fmt"

// Kind discriminates the members of the TezEvent sum type.
type Kind int

const (
	KindDataMovement Kind = iota
	KindInputFailed
	KindInputReadError
	KindVertexManager
	KindCompositeDataMovement
	KindTaskStatusUpdate
)

func (k Kind) String() string {
	switch k {
	case KindDataMovement:
		return "DATA_MOVEMENT"
	case KindInputFailed:
		return "INPUT_FAILED"
	case KindInputReadError:
		return "INPUT_READ_ERROR"
	case KindVertexManager:
		return "VERTEX_MANAGER"
	case KindCompositeDataMovement:
		return "COMPOSITE_DATA_MOVEMENT"
	case KindTaskStatusUpdate:
		return "TASK_STATUS_UPDATE"
	default:
		return "UNKNOWN"
	}
}

// TezEvent is the envelope every wire event travels in; exactly one of the
// kind-specific fields is populated, selected by Kind.
type TezEvent struct {
	Kind Kind

	DataMovement          *DataMovementEvent
	InputFailed           *InputFailedEvent
	InputReadError        *InputReadErrorEvent
	VertexManager         *VertexManagerEvent
	CompositeDataMovement *CompositeDataMovementEvent
	TaskStatusUpdate      *TaskStatusUpdateEvent
}

// DataMovementEvent carries one producer-task output partition to one
// consumer-task input slot.
type DataMovementEvent struct {
	SourceIdx int
	TargetIdx int
	Version   int
	Payload   []byte
}

// InputFailedEvent tells a consumer task that one of its physical inputs
// will never arrive because the producing task failed.
type InputFailedEvent struct {
	SourceIdx int
	TargetIdx int
	Version   int
}

// InputReadErrorEvent is raised by a consumer task when it cannot read an
// already-delivered input; it is routed back to the producing source task.
type InputReadErrorEvent struct {
	Diagnostics string
	InputIdx    int
	Version     int
}

// VertexManagerEvent is an opaque payload a task sends to its own vertex's
// manager plugin (spec §4.5 onVertexManagerEventReceived).
type VertexManagerEvent struct {
	VertexName string
	Payload    []byte
}

// CompositeDataMovementEvent is a source task's single event compacting Count
// consecutive DataMovementEvents sharing one payload; Expand reproduces them.
type CompositeDataMovementEvent struct {
	SourceIdx int
	Count     int
	Version   int
	Payload   []byte
}

// Expand materialises the Count individual DataMovementEvents this composite
// event stands for, with TargetIdx ranging over
// [SourceIdx, SourceIdx+Count) per spec §6.
func (c CompositeDataMovementEvent) Expand() []DataMovementEvent {
	out := make([]DataMovementEvent, c.Count)
	for i := 0; i < c.Count; i++ {
		out[i] = DataMovementEvent{
			SourceIdx: c.SourceIdx,
			TargetIdx: c.SourceIdx + i,
			Version:   c.Version,
			Payload:   c.Payload,
		}
	}
	return out
}

// TaskStatusUpdateEvent reports worker-side progress. HasCounters mirrors
// the Writable framing spec.md §6 describes (`float32 progress` then
// `bool hasCounters` then a counters body); Counters is nil unless
// HasCounters is true.
type TaskStatusUpdateEvent struct {
	Progress    float32
	HasCounters bool
	Counters    map[string]int64
}

func (e TezEvent) String() string {
	return fmt.Sprintf("TezEvent{%s}", e.Kind)
}
