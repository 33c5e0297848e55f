package v1

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestInputFailedEvent_GobRoundTrip is spec §8's round-trip law: serialise
// then deserialise preserves (sourceIdx, targetIdx, version). gob is the
// wire encoding internal/rpcwire registers for these types.
func TestInputFailedEvent_GobRoundTrip(t *testing.T) {
	want := InputFailedEvent{SourceIdx: 3, TargetIdx: 7, Version: 2}

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(want))

	var got InputFailedEvent
	require.NoError(t, gob.NewDecoder(&buf).Decode(&got))
	require.Equal(t, want, got)
}

// TestCompositeDataMovementEvent_ExpandRoundTrip is spec §8's second
// round-trip law: CompositeDataMovementEvent(srcIdx, n, p) expands, each
// member serialises/deserialises, and the n-tuple matches
// targetIdx = srcIdx..srcIdx+n-1.
func TestCompositeDataMovementEvent_ExpandRoundTrip(t *testing.T) {
	composite := CompositeDataMovementEvent{SourceIdx: 5, Count: 3, Version: 1, Payload: []byte("p")}

	expanded := composite.Expand()
	require.Len(t, expanded, 3)

	for i, want := range expanded {
		var buf bytes.Buffer
		require.NoError(t, gob.NewEncoder(&buf).Encode(want))
		var got DataMovementEvent
		require.NoError(t, gob.NewDecoder(&buf).Decode(&got))
		require.Equal(t, want, got)
		require.Equal(t, composite.SourceIdx, got.SourceIdx)
		require.Equal(t, composite.SourceIdx+i, got.TargetIdx)
	}
}

func TestKind_String(t *testing.T) {
	require.Equal(t, "DATA_MOVEMENT", KindDataMovement.String())
	require.Equal(t, "UNKNOWN", Kind(99).String())
}
