// Package observability tracks query access patterns: which entities and
// event types each tenant reads, and how often. The counters feed capacity
// decisions such as snapshot cadence and compaction ordering.
package observability

import (
	"sort"
	"sync"
	"time"
)

// AccessStats holds the access counters for one entity or event type.
type AccessStats struct {
	TenantID  string
	Key       string
	Frequency int64
	LastSeen  time.Time
}

type statKey struct {
	tenantID string
	key      string
}

// QueryStats counts entity and event-type accesses inside a sliding window.
// Recording is O(1) and safe for concurrent use.
type QueryStats struct {
	mu         sync.RWMutex
	entityFreq map[statKey]*AccessStats
	typeFreq   map[statKey]*AccessStats
	window     time.Duration
}

// NewQueryStats creates a tracker. Entries idle longer than window are
// dropped by Prune.
func NewQueryStats(window time.Duration) *QueryStats {
	return &QueryStats{
		entityFreq: make(map[statKey]*AccessStats),
		typeFreq:   make(map[statKey]*AccessStats),
		window:     window,
	}
}

// RecordEntity counts one read of an entity's history.
func (q *QueryStats) RecordEntity(tenantID, entityID string) {
	q.record(q.entityFreq, tenantID, entityID)
}

// RecordEventType counts one query filtered to an event type.
func (q *QueryStats) RecordEventType(tenantID, eventType string) {
	q.record(q.typeFreq, tenantID, eventType)
}

func (q *QueryStats) record(freq map[statKey]*AccessStats, tenantID, key string) {
	if tenantID == "" || key == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	k := statKey{tenantID: tenantID, key: key}
	stats, ok := freq[k]
	if !ok {
		stats = &AccessStats{TenantID: tenantID, Key: key}
		freq[k] = stats
	}
	stats.Frequency++
	stats.LastSeen = time.Now()
}

// TopEntities returns the n most-read entities across all tenants,
// most frequent first.
func (q *QueryStats) TopEntities(n int) []AccessStats {
	return q.top(q.entityFreq, n)
}

// TopEventTypes returns the n most-queried event types, most frequent first.
func (q *QueryStats) TopEventTypes(n int) []AccessStats {
	return q.top(q.typeFreq, n)
}

func (q *QueryStats) top(freq map[statKey]*AccessStats, n int) []AccessStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if n <= 0 || len(freq) == 0 {
		return nil
	}
	out := make([]AccessStats, 0, len(freq))
	for _, s := range freq {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		return out[i].Key < out[j].Key
	})
	if n < len(out) {
		out = out[:n]
	}
	return out
}

// Prune drops entries not seen within the window. Callers run it
// periodically; the maps otherwise grow with the key space.
func (q *QueryStats) Prune() {
	q.mu.Lock()
	defer q.mu.Unlock()

	threshold := time.Now().Add(-q.window)
	for k, s := range q.entityFreq {
		if s.LastSeen.Before(threshold) {
			delete(q.entityFreq, k)
		}
	}
	for k, s := range q.typeFreq {
		if s.LastSeen.Before(threshold) {
			delete(q.typeFreq, k)
		}
	}
}
