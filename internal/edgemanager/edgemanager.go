// Package edgemanager implements the edge manager plugin contract (spec
// §4.6): pure functions of cardinalities and indices that route TezEvents
// between a producer vertex's tasks and a consumer vertex's tasks, without
// hard-coding routing tables per DAG shape.
package edgemanager

import v1 "github.com/dagflow/dagmaster/proto/tez/v1"

// EdgeManager is instantiated by name from a dagmodel.PluginDescriptor (spec
// §9: "the AM instantiates plugins by name"), so it exposes no lifecycle
// beyond pure routing queries.
type EdgeManager interface {
	// NumDestinationTaskPhysicalInputs is how many physical inputs a
	// destination task of index destTaskIndex has, given numSourceTasks
	// producers feed this edge.
	NumDestinationTaskPhysicalInputs(numSourceTasks, destTaskIndex int) int
	// NumSourceTaskPhysicalOutputs is how many physical outputs a source
	// task of index srcTaskIndex has, given numDestTasks consumers.
	NumSourceTaskPhysicalOutputs(numDestTasks, srcTaskIndex int) int
	// NumDestinationConsumerTasks is how many distinct destination tasks
	// receive output from source task srcTaskIndex.
	NumDestinationConsumerTasks(srcTaskIndex, numDestTasks int) int
	// RouteDataMovementEventToDestination maps a source task's data
	// movement event onto destination physical-input-index -> destination
	// task indices.
	RouteDataMovementEventToDestination(ev v1.DataMovementEvent, srcTaskIndex, numDestTasks int) map[int][]int
	// RouteInputSourceTaskFailedEventToDestination maps a failed source
	// task onto the same destination shape as a data movement event would
	// have used, so consumers can mark those physical inputs failed.
	RouteInputSourceTaskFailedEventToDestination(srcTaskIndex, numDestTasks int) map[int][]int
	// RouteInputErrorEventToSource identifies which source task produced
	// the physical input a destination task reported unreadable.
	RouteInputErrorEventToSource(ev v1.InputReadErrorEvent, destTaskIndex int) int
}

// Factory constructs a named EdgeManager from its plugin payload, mirroring
// the registry internal/vertexmanager uses for vertex-manager plugins.
type Factory func(payload []byte) (EdgeManager, error)

var registry = map[string]Factory{
	"OneToOne":      func([]byte) (EdgeManager, error) { return OneToOne{}, nil },
	"ScatterGather": func([]byte) (EdgeManager, error) { return ScatterGather{}, nil },
	"Broadcast":     func([]byte) (EdgeManager, error) { return Broadcast{}, nil },
}

// New instantiates the edge manager registered under className.
func New(className string, payload []byte) (EdgeManager, error) {
	f, ok := registry[className]
	if !ok {
		return nil, &UnknownClassError{ClassName: className}
	}
	return f(payload)
}

// UnknownClassError reports a PluginDescriptor naming an unregistered edge
// manager class.
type UnknownClassError struct {
	ClassName string
}

func (e *UnknownClassError) Error() string {
	return "edgemanager: unknown class " + e.ClassName
}

// OneToOne is spec §4.6's built-in: every method returns 1; source task i
// feeds destination task i's single input slot. Input read errors route
// back to the same-indexed source task.
type OneToOne struct{}

func (OneToOne) NumDestinationTaskPhysicalInputs(int, int) int { return 1 }
func (OneToOne) NumSourceTaskPhysicalOutputs(int, int) int     { return 1 }
func (OneToOne) NumDestinationConsumerTasks(int, int) int      { return 1 }

func (OneToOne) RouteDataMovementEventToDestination(_ v1.DataMovementEvent, srcTaskIndex, numDestTasks int) map[int][]int {
	if numDestTasks == 0 {
		return map[int][]int{}
	}
	return map[int][]int{0: {srcTaskIndex}}
}

func (OneToOne) RouteInputSourceTaskFailedEventToDestination(srcTaskIndex, numDestTasks int) map[int][]int {
	if numDestTasks == 0 {
		return map[int][]int{}
	}
	return map[int][]int{0: {srcTaskIndex}}
}

func (OneToOne) RouteInputErrorEventToSource(_ v1.InputReadErrorEvent, destTaskIndex int) int {
	return destTaskIndex
}

// ScatterGather is spec §4.6's built-in for shuffle-style edges: each source
// task produces numDestTasks partitions, each destination task reads
// numSourceTasks inputs, and a DataMovementEvent(srcIdx, tgtIdx) routes to
// destination task tgtIdx, physical input srcIdx.
type ScatterGather struct{}

func (ScatterGather) NumDestinationTaskPhysicalInputs(numSourceTasks, _ int) int { return numSourceTasks }
func (ScatterGather) NumSourceTaskPhysicalOutputs(numDestTasks, _ int) int       { return numDestTasks }
func (ScatterGather) NumDestinationConsumerTasks(_, numDestTasks int) int       { return numDestTasks }

func (ScatterGather) RouteDataMovementEventToDestination(ev v1.DataMovementEvent, srcTaskIndex, _ int) map[int][]int {
	return map[int][]int{srcTaskIndex: {ev.TargetIdx}}
}

func (ScatterGather) RouteInputSourceTaskFailedEventToDestination(srcTaskIndex, numDestTasks int) map[int][]int {
	dests := make([]int, numDestTasks)
	for i := range dests {
		dests[i] = i
	}
	return map[int][]int{srcTaskIndex: dests}
}

func (ScatterGather) RouteInputErrorEventToSource(ev v1.InputReadErrorEvent, _ int) int {
	return ev.InputIdx
}

// Broadcast is the variant spec §4.6 mentions parenthetically: every source
// task's single output reaches every destination task's next free input
// slot, so a destination's physical input count equals the source count.
type Broadcast struct{}

func (Broadcast) NumDestinationTaskPhysicalInputs(numSourceTasks, _ int) int { return numSourceTasks }
func (Broadcast) NumSourceTaskPhysicalOutputs(numDestTasks, _ int) int       { return numDestTasks }
func (Broadcast) NumDestinationConsumerTasks(_, numDestTasks int) int        { return numDestTasks }

func (Broadcast) RouteDataMovementEventToDestination(_ v1.DataMovementEvent, srcTaskIndex, numDestTasks int) map[int][]int {
	dests := make([]int, numDestTasks)
	for i := range dests {
		dests[i] = i
	}
	return map[int][]int{srcTaskIndex: dests}
}

func (Broadcast) RouteInputSourceTaskFailedEventToDestination(srcTaskIndex, numDestTasks int) map[int][]int {
	dests := make([]int, numDestTasks)
	for i := range dests {
		dests[i] = i
	}
	return map[int][]int{srcTaskIndex: dests}
}

func (Broadcast) RouteInputErrorEventToSource(ev v1.InputReadErrorEvent, _ int) int {
	return ev.InputIdx
}
