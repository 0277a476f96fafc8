package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronik/chronik/pkg/types"
)

func ev(seq uint64, payload map[string]interface{}) *types.Event {
	return &types.Event{
		TenantID:  "acme",
		EntityID:  "user-1",
		EventType: "updated",
		Payload:   payload,
		Timestamp: int64(seq) * 1000,
		Sequence:  seq,
	}
}

func TestFoldLastWriteWins(t *testing.T) {
	state := Fold(nil, []*types.Event{
		ev(1, map[string]interface{}{"name": "ada", "email": "ada@example.com"}),
		ev(2, map[string]interface{}{"name": "grace"}),
		ev(3, map[string]interface{}{"plan": "pro"}),
	})

	assert.Equal(t, State{
		"name":  "grace",
		"email": "ada@example.com",
		"plan":  "pro",
	}, state)
}

func TestFoldNullRemovesField(t *testing.T) {
	state := Fold(nil, []*types.Event{
		ev(1, map[string]interface{}{"name": "ada", "email": "ada@example.com"}),
		ev(2, map[string]interface{}{"email": nil}),
	})

	assert.Equal(t, State{"name": "ada"}, state)
	_, ok := state["email"]
	assert.False(t, ok)
}

func TestFoldDoesNotMutateBase(t *testing.T) {
	base := State{"name": "ada"}
	state := Fold(base, []*types.Event{
		ev(2, map[string]interface{}{"name": "grace"}),
	})

	assert.Equal(t, State{"name": "ada"}, base)
	assert.Equal(t, State{"name": "grace"}, state)
}

func TestFoldEmptyEvents(t *testing.T) {
	base := State{"name": "ada"}
	assert.Equal(t, base, Fold(base, nil))
}

func TestStateEncodeDecodeRoundTrip(t *testing.T) {
	state := State{"name": "ada", "count": float64(7), "tags": []interface{}{"a", "b"}}

	blob, err := EncodeState(state)
	require.NoError(t, err)

	got, err := DecodeState(blob)
	require.NoError(t, err)
	assert.Equal(t, state, got)
}

func TestDecodeStateCorrupt(t *testing.T) {
	_, err := DecodeState([]byte{0x01, 0x02, 0x03})
	assert.Error(t, err)
}
