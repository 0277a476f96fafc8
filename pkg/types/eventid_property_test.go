package types

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_EventIDTimeOrdering validates that for any pair of generation
// times t1 < t2, the ID generated at t1 is lexicographically smaller than the
// one generated at t2.
func TestProperty_EventIDTimeOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("IDs generated at later times are lexicographically greater", prop.ForAll(
		func(t1Ms, t2Ms int64) bool {
			if t1Ms >= t2Ms {
				t1Ms, t2Ms = t2Ms, t1Ms+1
			}

			g := NewEventIDGenerator()
			id1, err := g.GenerateWithTime(time.UnixMilli(t1Ms))
			if err != nil {
				return false
			}
			id2, err := g.GenerateWithTime(time.UnixMilli(t2Ms))
			if err != nil {
				return false
			}

			return id1.Compare(id2) < 0
		},
		gen.Int64Range(1000000000000, 2000000000000),
		gen.Int64Range(1000000000000, 2000000000000),
	))

	properties.Property("String/Parse round-trips for any generated ID", prop.ForAll(
		func(tMs int64) bool {
			g := NewEventIDGenerator()
			id, err := g.GenerateWithTime(time.UnixMilli(tMs))
			if err != nil {
				return false
			}
			parsed, err := ParseEventID(id.String())
			if err != nil {
				return false
			}
			return parsed == id
		},
		gen.Int64Range(1000000000000, 2000000000000),
	))

	properties.TestingRun(t)
}
