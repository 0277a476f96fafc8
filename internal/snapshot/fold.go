// Package snapshot folds event histories into materialized entity states
// and manages their background creation and retention.
package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/chronik/chronik/pkg/types"
)

// State is a materialized entity state: the field-wise fold of all events
// applied to the entity.
type State map[string]interface{}

// Fold applies events to a base state in order, last write per field wins.
// A payload field set to null removes the field. The base map is not
// mutated; events must already be sorted by sequence so that snapshot plus
// delta replay equals full replay.
func Fold(base State, events []*types.Event) State {
	state := make(State, len(base))
	for k, v := range base {
		state[k] = v
	}

	for _, e := range events {
		for field, value := range e.Payload {
			if value == nil {
				delete(state, field)
				continue
			}
			state[field] = value
		}
	}
	return state
}

// EncodeState serializes a state for catalog storage.
func EncodeState(state State) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to serialize state: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// DecodeState deserializes a stored state blob.
func DecodeState(blob []byte) (State, error) {
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to decompress state: %w", err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("snapshot: failed to decode state: %w", err)
	}
	return state, nil
}
