// Package memtable holds the in-memory window of events that are durable in
// the write-ahead log but not yet flushed to a storage segment.
package memtable

import (
	"sort"
	"sync"

	"github.com/chronik/chronik/pkg/types"
)

// Memtable is an ordered window of events keyed by sequence number. Events
// arrive in near-sequence order (the log assigns sequences under its own
// mutex, but callers insert concurrently afterwards), so inserts keep the
// slice sorted rather than assuming append order.
type Memtable struct {
	mu     sync.RWMutex
	events []*types.Event
}

// New creates an empty memtable.
func New() *Memtable {
	return &Memtable{}
}

// Insert adds an event, keeping sequence order.
func (m *Memtable) Insert(event *types.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.events)
	if n == 0 || m.events[n-1].Sequence < event.Sequence {
		m.events = append(m.events, event)
		return
	}

	i := sort.Search(n, func(i int) bool {
		return m.events[i].Sequence >= event.Sequence
	})
	m.events = append(m.events, nil)
	copy(m.events[i+1:], m.events[i:])
	m.events[i] = event
}

// Get returns the event with the given sequence, if present.
func (m *Memtable) Get(seq uint64) (*types.Event, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := sort.Search(len(m.events), func(i int) bool {
		return m.events[i].Sequence >= seq
	})
	if i < len(m.events) && m.events[i].Sequence == seq {
		return m.events[i], true
	}
	return nil, false
}

// Scan returns events with minSeq <= sequence <= maxSeq in sequence order.
// A maxSeq of zero means unbounded.
func (m *Memtable) Scan(minSeq, maxSeq uint64) []*types.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := sort.Search(len(m.events), func(i int) bool {
		return m.events[i].Sequence >= minSeq
	})

	var out []*types.Event
	for _, e := range m.events[start:] {
		if maxSeq > 0 && e.Sequence > maxSeq {
			break
		}
		out = append(out, e)
	}
	return out
}

// Snapshot returns a copy of the full window in sequence order.
func (m *Memtable) Snapshot() []*types.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.Event, len(m.events))
	copy(out, m.events)
	return out
}

// TrimThrough drops all events with sequence <= seq. Called after a segment
// flush makes them durable outside the log.
func (m *Memtable) TrimThrough(seq uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := sort.Search(len(m.events), func(i int) bool {
		return m.events[i].Sequence > seq
	})
	if i == 0 {
		return 0
	}
	remaining := make([]*types.Event, len(m.events)-i)
	copy(remaining, m.events[i:])
	m.events = remaining
	return i
}

// Len returns the number of events in the window.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// Bounds returns the lowest and highest sequences in the window; both are
// zero when the window is empty.
func (m *Memtable) Bounds() (uint64, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.events) == 0 {
		return 0, 0
	}
	return m.events[0].Sequence, m.events[len(m.events)-1].Sequence
}
