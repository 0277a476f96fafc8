package query

import (
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/chronik/chronik/pkg/types"
)

// TestProperty_MergedResultsOrdered validates that for any mix of segment
// and memtable hits, including overlap from a flush racing the query, the
// merged result holds every sequence exactly once in strict
// (timestamp, sequence) order.
func TestProperty_MergedResultsOrdered(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("merge then sort yields each sequence once in strict order", prop.ForAll(
		func(timestamps []int64, split, overlap int) bool {
			n := len(timestamps)
			if n == 0 {
				return true
			}

			events := make([]*types.Event, n)
			for i, ts := range timestamps {
				events[i] = &types.Event{
					TenantID:  "acme",
					EntityID:  "user-1",
					EventType: "updated",
					Timestamp: ts,
					Sequence:  uint64(i + 1),
				}
			}

			// The segment view covers a flushed prefix; the window view
			// re-surfaces part of that prefix plus the tail.
			cut := split % (n + 1)
			back := overlap % (cut + 1)
			segmentHits := events[:cut]
			windowHits := events[cut-back:]

			merged := mergeWindow(segmentHits, windowHits)
			sort.Slice(merged, func(i, j int) bool { return merged[i].Less(merged[j]) })

			if len(merged) != n {
				return false
			}
			seen := make(map[uint64]bool, n)
			for _, ev := range merged {
				if seen[ev.Sequence] {
					return false
				}
				seen[ev.Sequence] = true
			}
			for k := 0; k+1 < len(merged); k++ {
				if !merged[k].Less(merged[k+1]) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 10_000)),
		gen.IntRange(0, 1<<20),
		gen.IntRange(0, 1<<20),
	))

	properties.TestingRun(t)
}
