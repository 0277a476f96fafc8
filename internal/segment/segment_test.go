package segment

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chronik/chronik/internal/cache"
	"github.com/chronik/chronik/internal/index"
	"github.com/chronik/chronik/internal/manifest"
	"github.com/chronik/chronik/internal/memtable"
	"github.com/chronik/chronik/internal/metrics"
	"github.com/chronik/chronik/internal/notify"
	"github.com/chronik/chronik/internal/storage"
	"github.com/chronik/chronik/internal/wal"
	"github.com/chronik/chronik/pkg/types"
)

func newTestCache(t *testing.T) *cache.SegmentCache {
	t.Helper()
	c, err := cache.NewSegmentCache(t.TempDir(), 0, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func testEvents(t *testing.T, count int) []*types.Event {
	t.Helper()
	gen := types.NewEventIDGenerator()
	events := make([]*types.Event, count)
	for i := 0; i < count; i++ {
		id, err := gen.Generate()
		require.NoError(t, err)
		events[i] = &types.Event{
			ID:        id,
			TenantID:  "acme",
			EntityID:  fmt.Sprintf("user-%d", i%4),
			EventType: "updated",
			Payload:   map[string]interface{}{"n": float64(i)},
			Timestamp: int64(i+1) * 1000,
			Sequence:  uint64(i + 1),
		}
	}
	return events
}

func newTestStorage(t *testing.T) storage.ObjectStorage {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	writer := NewWriter(store, t.TempDir(), 0.01)
	reader := NewReader(store, newTestCache(t))

	events := testEvents(t, 20)
	built, err := writer.Write(ctx, events)
	require.NoError(t, err)

	rec := built.Record
	assert.Equal(t, uint64(1), rec.MinSeq)
	assert.Equal(t, uint64(20), rec.MaxSeq)
	assert.Equal(t, int64(1000), rec.MinTime)
	assert.Equal(t, int64(20000), rec.MaxTime)
	assert.Equal(t, int64(20), rec.EventCount)
	assert.Equal(t, []string{"acme"}, rec.TenantIDs)
	assert.Positive(t, built.TenantBytes["acme"])

	got, err := reader.Read(ctx, rec)
	require.NoError(t, err)
	require.Len(t, got, 20)
	for i, e := range got {
		assert.Equal(t, events[i].Sequence, e.Sequence)
		assert.Equal(t, events[i].ID, e.ID)
		assert.Equal(t, events[i].Payload, e.Payload)
	}

	// Second read is served from the cache even if the object disappears.
	require.NoError(t, store.Delete(ctx, rec.ObjectPath))
	got, err = reader.Read(ctx, rec)
	require.NoError(t, err)
	assert.Len(t, got, 20)
}

func TestWriteEmptyFails(t *testing.T) {
	writer := NewWriter(newTestStorage(t), t.TempDir(), 0.01)
	_, err := writer.Write(context.Background(), nil)
	assert.Error(t, err)
}

func TestBloomFiltersPrune(t *testing.T) {
	store := newTestStorage(t)
	writer := NewWriter(store, t.TempDir(), 0.01)

	built, err := writer.Write(context.Background(), testEvents(t, 20))
	require.NoError(t, err)
	rec := built.Record

	// Present keys always pass.
	assert.True(t, MightContainEntity(rec, "acme", "user-0"))
	assert.True(t, MightContainType(rec, "acme", "updated"))

	// Another tenant's identical entity ID does not leak through.
	assert.False(t, MightContainEntity(rec, "globex", "user-0"))
	assert.False(t, MightContainType(rec, "acme", "deleted"))

	// A record without filters is always a candidate.
	bare := &manifest.SegmentRecord{SegmentID: "seg-x"}
	assert.True(t, MightContainEntity(bare, "acme", "user-0"))
	assert.True(t, MightContainType(bare, "acme", "updated"))
}

func TestFlusherDrainsWindow(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	w, err := wal.NewWAL(filepath.Join(dir, "wal"), 64<<20)
	require.NoError(t, err)
	defer w.Close()

	catalog, err := manifest.NewCatalog(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	defer catalog.Close()

	mem := memtable.New()
	idx := index.New()
	gen := types.NewEventIDGenerator()

	for i := 0; i < 25; i++ {
		id, err := gen.Generate()
		require.NoError(t, err)
		e := &types.Event{
			ID:        id,
			TenantID:  "acme",
			EntityID:  fmt.Sprintf("user-%d", i%3),
			EventType: "updated",
			Payload:   map[string]interface{}{"n": float64(i)},
			Timestamp: time.Now().UnixNano(),
		}
		_, err = w.Append(e)
		require.NoError(t, err)
		mem.Insert(e)
		idx.Insert(index.EventRef{
			TenantID: e.TenantID, EntityID: e.EntityID, EventType: e.EventType,
			Sequence: e.Sequence, Timestamp: e.Timestamp,
		})
	}

	store := newTestStorage(t)
	writer := NewWriter(store, filepath.Join(dir, "work"), 0.01)
	bus := notify.NewBus(8)
	sub := bus.Subscribe("test")
	flusher := NewFlusher(w, mem, idx, writer, catalog, metrics.NewNop(), bus, zap.NewNop(),
		time.Minute, 10, 0)

	require.NoError(t, flusher.Flush(ctx))

	// 25 events in batches of 10 yields three segments.
	segments, err := catalog.ListActiveSegments(ctx)
	require.NoError(t, err)
	require.Len(t, segments, 3)
	require.Len(t, sub.C, 3)
	assert.Equal(t, notify.SegmentFlushed, (<-sub.C).Type)
	assert.Equal(t, uint64(1), segments[0].MinSeq)
	assert.Equal(t, uint64(25), segments[2].MaxSeq)

	// The checkpoint is recoverable from the catalog.
	seq, err := catalog.FindHighestIdempotencySeq(ctx, wal.CheckpointPrefix)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), seq)
	assert.Equal(t, uint64(25), flusher.FlushedSeq())

	// The in-memory window is drained.
	assert.Zero(t, mem.Len())
	assert.Empty(t, idx.LookupEntity("acme", "user-0"))

	// A second flush with nothing pending is a no-op.
	require.NoError(t, flusher.Flush(ctx))
	segments, err = catalog.ListActiveSegments(ctx)
	require.NoError(t, err)
	assert.Len(t, segments, 3)
}

func TestFlushWaitsForInFlightAppend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	w, err := wal.NewWAL(filepath.Join(dir, "wal"), 64<<20)
	require.NoError(t, err)
	defer w.Close()

	catalog, err := manifest.NewCatalog(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	defer catalog.Close()

	mem := memtable.New()
	idx := index.New()
	gen := types.NewEventIDGenerator()

	events := make([]*types.Event, 3)
	for i := range events {
		id, err := gen.Generate()
		require.NoError(t, err)
		events[i] = &types.Event{
			ID:        id,
			TenantID:  "acme",
			EntityID:  "user-1",
			EventType: "updated",
			Payload:   map[string]interface{}{"n": float64(i)},
			Timestamp: time.Now().UnixNano(),
		}
		_, err = w.Append(events[i])
		require.NoError(t, err)
	}

	insert := func(e *types.Event) {
		mem.Insert(e)
		idx.Insert(index.EventRef{
			TenantID: e.TenantID, EntityID: e.EntityID, EventType: e.EventType,
			Sequence: e.Sequence, Timestamp: e.Timestamp,
		})
	}

	// Sequence 2 is still between WAL append and memtable insert when the
	// flush fires; 1 and 3 have already landed.
	insert(events[0])
	insert(events[2])

	flusher := NewFlusher(w, mem, idx, NewWriter(newTestStorage(t), filepath.Join(dir, "work"), 0.01),
		catalog, metrics.NewNop(), nil, zap.NewNop(), time.Minute, 10, 0)
	require.NoError(t, flusher.Flush(ctx))

	// Only the run below the hole is committed.
	assert.Equal(t, uint64(1), flusher.FlushedSeq())
	segments, err := catalog.ListActiveSegments(ctx)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, uint64(1), segments[0].MaxSeq)

	// Once the in-flight insert lands, the rest flushes.
	insert(events[1])
	require.NoError(t, flusher.Flush(ctx))
	assert.Equal(t, uint64(3), flusher.FlushedSeq())

	segments, err = catalog.ListActiveSegments(ctx)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, uint64(2), segments[1].MinSeq)
	assert.Equal(t, uint64(3), segments[1].MaxSeq)
}
