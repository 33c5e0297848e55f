package edgemanager

import (
	"testing"

	"github.com/stretchr/testify/require"

	v1 "github.com/dagflow/dagmaster/proto/tez/v1"
)

func TestOneToOne_RoutesSameIndex(t *testing.T) {
	var em OneToOne
	require.Equal(t, 1, em.NumDestinationTaskPhysicalInputs(4, 2))
	require.Equal(t, 1, em.NumSourceTaskPhysicalOutputs(4, 2))
	require.Equal(t, 1, em.NumDestinationConsumerTasks(2, 4))

	got := em.RouteDataMovementEventToDestination(v1.DataMovementEvent{SourceIdx: 2, TargetIdx: 2}, 2, 4)
	require.Equal(t, map[int][]int{0: {2}}, got)
	require.Equal(t, 2, em.RouteInputErrorEventToSource(v1.InputReadErrorEvent{InputIdx: 9}, 2))
}

// TestOneToOne_ZeroTasksIsPermitted is spec §8's boundary behaviour: an
// empty edge is valid and every routing method returns empty.
func TestOneToOne_ZeroTasksIsPermitted(t *testing.T) {
	var em OneToOne
	require.Equal(t, 1, em.NumDestinationTaskPhysicalInputs(0, 0))
	got := em.RouteInputSourceTaskFailedEventToDestination(0, 0)
	require.Empty(t, got[0])
}

func TestScatterGather_RoutesByTargetIdx(t *testing.T) {
	var em ScatterGather
	require.Equal(t, 5, em.NumDestinationTaskPhysicalInputs(5, 0))
	require.Equal(t, 3, em.NumSourceTaskPhysicalOutputs(3, 0))
	require.Equal(t, 3, em.NumDestinationConsumerTasks(0, 3))

	got := em.RouteDataMovementEventToDestination(v1.DataMovementEvent{SourceIdx: 1, TargetIdx: 2}, 1, 3)
	require.Equal(t, map[int][]int{1: {2}}, got)

	failed := em.RouteInputSourceTaskFailedEventToDestination(1, 3)
	require.Equal(t, []int{0, 1, 2}, failed[1])
}

func TestBroadcast_RoutesToEveryDestination(t *testing.T) {
	var em Broadcast
	got := em.RouteDataMovementEventToDestination(v1.DataMovementEvent{SourceIdx: 0}, 0, 3)
	require.Equal(t, []int{0, 1, 2}, got[0])
}

// TestRouting_IsDeterministic is spec §8's determinism property: the same
// (event, srcTaskIndex, numDestTasks) always produces the identical
// destination map.
func TestRouting_IsDeterministic(t *testing.T) {
	var em ScatterGather
	ev := v1.DataMovementEvent{SourceIdx: 2, TargetIdx: 4}
	a := em.RouteDataMovementEventToDestination(ev, 2, 6)
	b := em.RouteDataMovementEventToDestination(ev, 2, 6)
	require.Equal(t, a, b)
}

func TestNew_UnknownClassIsAnError(t *testing.T) {
	_, err := New("NoSuchEdgeManager", nil)
	require.Error(t, err)
}

func TestNew_InstantiatesRegisteredClasses(t *testing.T) {
	em, err := New("OneToOne", nil)
	require.NoError(t, err)
	require.IsType(t, OneToOne{}, em)

	em, err = New("ScatterGather", nil)
	require.NoError(t, err)
	require.IsType(t, ScatterGather{}, em)

	em, err = New("Broadcast", nil)
	require.NoError(t, err)
	require.IsType(t, Broadcast{}, em)
}
