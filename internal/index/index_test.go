package index

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ref(tenant, entity, eventType string, seq uint64) EventRef {
	return EventRef{
		TenantID:  tenant,
		EntityID:  entity,
		EventType: eventType,
		Sequence:  seq,
		Timestamp: int64(seq) * 1000,
	}
}

func TestLookupEntity(t *testing.T) {
	idx := New()
	idx.Insert(ref("acme", "user-1", "created", 1))
	idx.Insert(ref("acme", "user-2", "created", 2))
	idx.Insert(ref("acme", "user-1", "updated", 3))

	postings := idx.LookupEntity("acme", "user-1")
	require.Len(t, postings, 2)
	assert.Equal(t, uint64(1), postings[0].Sequence)
	assert.Equal(t, uint64(3), postings[1].Sequence)

	assert.Len(t, idx.LookupEntity("acme", "user-2"), 1)
	assert.Empty(t, idx.LookupEntity("acme", "user-3"))
}

func TestLookupType(t *testing.T) {
	idx := New()
	idx.Insert(ref("acme", "user-1", "created", 1))
	idx.Insert(ref("acme", "user-2", "created", 2))
	idx.Insert(ref("acme", "user-1", "updated", 3))

	postings := idx.LookupType("acme", "created")
	require.Len(t, postings, 2)
	assert.Equal(t, uint64(1), postings[0].Sequence)
	assert.Equal(t, uint64(2), postings[1].Sequence)
}

func TestTenantIsolation(t *testing.T) {
	idx := New()
	idx.Insert(ref("acme", "user-1", "created", 1))
	idx.Insert(ref("globex", "user-1", "created", 2))

	postings := idx.LookupEntity("acme", "user-1")
	require.Len(t, postings, 1)
	assert.Equal(t, uint64(1), postings[0].Sequence)

	postings = idx.LookupType("globex", "created")
	require.Len(t, postings, 1)
	assert.Equal(t, uint64(2), postings[0].Sequence)
}

func TestOutOfOrderInsertStaysSorted(t *testing.T) {
	idx := New()
	for _, seq := range []uint64{5, 1, 3, 2, 4} {
		idx.Insert(ref("acme", "user-1", "updated", seq))
	}

	postings := idx.LookupEntity("acme", "user-1")
	require.Len(t, postings, 5)
	for i, p := range postings {
		assert.Equal(t, uint64(i+1), p.Sequence)
	}
}

func TestTrimThrough(t *testing.T) {
	idx := New()
	for seq := uint64(1); seq <= 10; seq++ {
		idx.Insert(ref("acme", "user-1", "updated", seq))
	}
	idx.Insert(ref("acme", "user-2", "created", 11))

	idx.TrimThrough(10)

	assert.Empty(t, idx.LookupEntity("acme", "user-1"))
	assert.Len(t, idx.LookupEntity("acme", "user-2"), 1)
	assert.Equal(t, 1, idx.EntityCount())
}

func TestConcurrentInsertAndLookup(t *testing.T) {
	idx := New()
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				seq := uint64(g*100 + i + 1)
				idx.Insert(ref("acme", fmt.Sprintf("user-%d", g), "updated", seq))
				idx.LookupType("acme", "updated")
			}
		}(g)
	}
	wg.Wait()

	assert.Len(t, idx.LookupType("acme", "updated"), 800)
	for g := 0; g < 8; g++ {
		assert.Len(t, idx.LookupEntity("acme", fmt.Sprintf("user-%d", g)), 100)
	}
}
