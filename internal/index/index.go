// Package index provides sharded in-memory postings over the unflushed
// event window, keyed by entity and by event type. Persisted segments are
// found through the catalog and per-segment bloom filters instead; the
// index only has to cover what the memtable holds.
package index

import (
	"hash/fnv"
	"sort"
	"sync"
)

// ShardCount is the number of lock-striped shards. Power of two so the
// shard pick is a mask, not a modulo.
const ShardCount = 64

// Posting locates one event in the unflushed window.
type Posting struct {
	Sequence  uint64
	Timestamp int64
}

// EventRef is the subset of event fields the index needs.
type EventRef struct {
	TenantID  string
	EntityID  string
	EventType string
	Sequence  uint64
	Timestamp int64
}

type shard struct {
	mu       sync.RWMutex
	byEntity map[string][]Posting
	byType   map[string][]Posting
}

// Index maps (tenant, entity) and (tenant, event type) to postings.
type Index struct {
	shards [ShardCount]*shard
}

// New creates an empty index.
func New() *Index {
	idx := &Index{}
	for i := range idx.shards {
		idx.shards[i] = &shard{
			byEntity: make(map[string][]Posting),
			byType:   make(map[string][]Posting),
		}
	}
	return idx
}

// Keys are tenant-qualified so lookups never cross tenants.
func entityKey(tenantID, entityID string) string {
	return tenantID + "\x00" + entityID
}

func typeKey(tenantID, eventType string) string {
	return tenantID + "\x00" + eventType
}

func (idx *Index) shardFor(key string) *shard {
	h := fnv.New64a()
	h.Write([]byte(key))
	return idx.shards[h.Sum64()&(ShardCount-1)]
}

// Insert adds postings for one event under its entity and type keys.
func (idx *Index) Insert(ref EventRef) {
	posting := Posting{Sequence: ref.Sequence, Timestamp: ref.Timestamp}

	ek := entityKey(ref.TenantID, ref.EntityID)
	s := idx.shardFor(ek)
	s.mu.Lock()
	s.byEntity[ek] = insertSorted(s.byEntity[ek], posting)
	s.mu.Unlock()

	tk := typeKey(ref.TenantID, ref.EventType)
	s = idx.shardFor(tk)
	s.mu.Lock()
	s.byType[tk] = insertSorted(s.byType[tk], posting)
	s.mu.Unlock()
}

// insertSorted keeps postings ordered by sequence. The common case is an
// append at the tail.
func insertSorted(postings []Posting, p Posting) []Posting {
	n := len(postings)
	if n == 0 || postings[n-1].Sequence < p.Sequence {
		return append(postings, p)
	}
	i := sort.Search(n, func(i int) bool {
		return postings[i].Sequence >= p.Sequence
	})
	postings = append(postings, Posting{})
	copy(postings[i+1:], postings[i:])
	postings[i] = p
	return postings
}

// LookupEntity returns postings for a tenant's entity in sequence order.
func (idx *Index) LookupEntity(tenantID, entityID string) []Posting {
	key := entityKey(tenantID, entityID)
	s := idx.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePostings(s.byEntity[key])
}

// LookupType returns postings for a tenant's event type in sequence order.
func (idx *Index) LookupType(tenantID, eventType string) []Posting {
	key := typeKey(tenantID, eventType)
	s := idx.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePostings(s.byType[key])
}

func clonePostings(postings []Posting) []Posting {
	if len(postings) == 0 {
		return nil
	}
	out := make([]Posting, len(postings))
	copy(out, postings)
	return out
}

// TrimThrough drops postings with sequence <= seq across all shards and
// removes emptied keys. Called after a segment flush.
func (idx *Index) TrimThrough(seq uint64) {
	for _, s := range idx.shards {
		s.mu.Lock()
		trimMap(s.byEntity, seq)
		trimMap(s.byType, seq)
		s.mu.Unlock()
	}
}

func trimMap(m map[string][]Posting, seq uint64) {
	for key, postings := range m {
		i := sort.Search(len(postings), func(i int) bool {
			return postings[i].Sequence > seq
		})
		if i == 0 {
			continue
		}
		if i == len(postings) {
			delete(m, key)
			continue
		}
		remaining := make([]Posting, len(postings)-i)
		copy(remaining, postings[i:])
		m[key] = remaining
	}
}

// EntityCount returns the number of distinct entity keys, used for stats.
func (idx *Index) EntityCount() int {
	count := 0
	for _, s := range idx.shards {
		s.mu.RLock()
		count += len(s.byEntity)
		s.mu.RUnlock()
	}
	return count
}
