package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chronik/chronik/internal/cache"
	chronerr "github.com/chronik/chronik/internal/errors"
	"github.com/chronik/chronik/internal/index"
	"github.com/chronik/chronik/internal/manifest"
	"github.com/chronik/chronik/internal/memtable"
	"github.com/chronik/chronik/internal/metrics"
	"github.com/chronik/chronik/internal/segment"
	"github.com/chronik/chronik/internal/snapshot"
	"github.com/chronik/chronik/internal/storage"
	"github.com/chronik/chronik/pkg/types"
)

type engineFixture struct {
	catalog manifest.Catalog
	writer  *segment.Writer
	mem     *memtable.Memtable
	idx     *index.Index
	engine  *Engine
	gen     *types.EventIDGenerator
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	catalog, err := manifest.NewCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	segCache, err := cache.NewSegmentCache(t.TempDir(), 0, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(segCache.Close)
	reader := segment.NewReader(store, segCache)
	mem := memtable.New()
	idx := index.New()

	return &engineFixture{
		catalog: catalog,
		writer:  segment.NewWriter(store, t.TempDir(), 0.01),
		mem:     mem,
		idx:     idx,
		engine:  NewEngine(catalog, reader, mem, idx, metrics.NewNop(), zap.NewNop()),
		gen:     types.NewEventIDGenerator(),
	}
}

func (f *engineFixture) event(t *testing.T, tenantID, entityID, eventType string, seq uint64, payload map[string]interface{}) *types.Event {
	t.Helper()
	id, err := f.gen.Generate()
	require.NoError(t, err)
	return &types.Event{
		ID:        id,
		TenantID:  tenantID,
		EntityID:  entityID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: int64(seq) * int64(time.Millisecond),
		Sequence:  seq,
	}
}

// flush persists events as one registered segment, as the flusher would.
func (f *engineFixture) flush(t *testing.T, ctx context.Context, events ...*types.Event) {
	t.Helper()
	built, err := f.writer.Write(ctx, events)
	require.NoError(t, err)
	require.NoError(t, f.catalog.RegisterSegment(ctx, built.Record))
}

// window places events in the unflushed memtable view with index postings.
func (f *engineFixture) window(events ...*types.Event) {
	for _, ev := range events {
		f.mem.Insert(ev)
		f.idx.Insert(index.EventRef{
			TenantID:  ev.TenantID,
			EntityID:  ev.EntityID,
			EventType: ev.EventType,
			Sequence:  ev.Sequence,
			Timestamp: ev.Timestamp,
		})
	}
}

func TestQueryMergesSegmentsWithWindow(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	var flushed []*types.Event
	for seq := uint64(1); seq <= 5; seq++ {
		flushed = append(flushed, f.event(t, "acme", "user-1", "updated", seq, nil))
	}
	f.flush(t, ctx, flushed...)
	for seq := uint64(6); seq <= 8; seq++ {
		f.window(f.event(t, "acme", "user-1", "updated", seq, nil))
	}

	result, err := f.engine.Query(ctx, Params{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, result.Events, 8)
	for i, ev := range result.Events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
	assert.Equal(t, 1, result.SegmentsScanned)
}

func TestQueryEntityAndTypeFilters(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.flush(t, ctx,
		f.event(t, "acme", "user-1", "created", 1, nil),
		f.event(t, "acme", "user-2", "created", 2, nil),
		f.event(t, "acme", "user-1", "updated", 3, nil),
	)
	f.window(f.event(t, "acme", "user-1", "updated", 4, nil))

	result, err := f.engine.Query(ctx, Params{TenantID: "acme", EntityID: "user-1"})
	require.NoError(t, err)
	require.Len(t, result.Events, 3)

	result, err = f.engine.Query(ctx, Params{TenantID: "acme", EntityID: "user-1", EventType: "updated"})
	require.NoError(t, err)
	require.Len(t, result.Events, 2)
	assert.Equal(t, uint64(3), result.Events[0].Sequence)
	assert.Equal(t, uint64(4), result.Events[1].Sequence)
}

func TestQueryBloomPrunesForeignSegments(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.flush(t, ctx, f.event(t, "acme", "user-1", "created", 1, nil))
	f.flush(t, ctx, f.event(t, "acme", "order-9", "created", 2, nil))

	result, err := f.engine.Query(ctx, Params{TenantID: "acme", EntityID: "user-1"})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, 1, result.SegmentsPruned)
	assert.Equal(t, 1, result.SegmentsScanned)
}

func TestQueryTenantIsolation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.flush(t, ctx,
		f.event(t, "acme", "user-1", "created", 1, nil),
		f.event(t, "globex", "user-1", "created", 2, nil),
	)
	f.window(f.event(t, "globex", "user-1", "updated", 3, nil))

	result, err := f.engine.Query(ctx, Params{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "acme", result.Events[0].TenantID)

	result, err = f.engine.Query(ctx, Params{TenantID: "acme", EntityID: "user-1"})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
}

func TestQueryTimeWindowAndLimit(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	var events []*types.Event
	for seq := uint64(1); seq <= 10; seq++ {
		events = append(events, f.event(t, "acme", "user-1", "updated", seq, nil))
	}
	f.flush(t, ctx, events...)

	since := time.Unix(0, 3*int64(time.Millisecond))
	until := time.Unix(0, 7*int64(time.Millisecond))
	result, err := f.engine.Query(ctx, Params{TenantID: "acme", Since: since, Until: until})
	require.NoError(t, err)
	require.Len(t, result.Events, 5)
	assert.Equal(t, uint64(3), result.Events[0].Sequence)
	assert.Equal(t, uint64(7), result.Events[4].Sequence)

	result, err = f.engine.Query(ctx, Params{TenantID: "acme", Since: since, Limit: 2})
	require.NoError(t, err)
	require.Len(t, result.Events, 2)
	assert.Equal(t, uint64(3), result.Events[0].Sequence)
}

func TestQueryRejectsInvalidParams(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.Query(ctx, Params{})
	assert.Equal(t, chronerr.ErrCategoryValidation, chronerr.GetCategory(err))

	_, err = f.engine.Query(ctx, Params{
		TenantID: "acme",
		Since:    time.Unix(10, 0),
		Until:    time.Unix(5, 0),
	})
	assert.Equal(t, chronerr.CodeInvalidRange, chronerr.GetCode(err))
}

func TestReconstructStateFullReplay(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.flush(t, ctx,
		f.event(t, "acme", "user-1", "created", 1, map[string]interface{}{"name": "ada", "plan": "free"}),
		f.event(t, "acme", "user-1", "updated", 2, map[string]interface{}{"plan": "pro"}),
	)
	f.window(f.event(t, "acme", "user-1", "updated", 3, map[string]interface{}{"email": "ada@example.com"}))

	state, err := f.engine.ReconstructState(ctx, "acme", "user-1", 0)
	require.NoError(t, err)
	assert.Equal(t, snapshot.State{"name": "ada", "plan": "pro", "email": "ada@example.com"}, state.State)
	assert.Equal(t, int64(3), state.EventCount)
	assert.Equal(t, uint64(3), state.AsOfSequence)
}

func TestReconstructStateTimeTravel(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.flush(t, ctx,
		f.event(t, "acme", "user-1", "created", 1, map[string]interface{}{"plan": "free"}),
		f.event(t, "acme", "user-1", "updated", 2, map[string]interface{}{"plan": "pro"}),
		f.event(t, "acme", "user-1", "updated", 3, map[string]interface{}{"plan": "enterprise"}),
	)

	state, err := f.engine.ReconstructState(ctx, "acme", "user-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "pro", state.State["plan"])
	assert.Equal(t, uint64(2), state.AsOfSequence)
	assert.Equal(t, int64(2), state.EventCount)
}

func TestReconstructStateUsesSnapshotDelta(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	encoded, err := snapshot.EncodeState(snapshot.State{"plan": "pro", "seats": float64(5)})
	require.NoError(t, err)
	_, err = f.catalog.PutSnapshot(ctx, &manifest.SnapshotRecord{
		TenantID:   "acme",
		EntityID:   "user-1",
		State:      encoded,
		AsOfSeq:    2,
		AsOfTime:   2 * int64(time.Millisecond),
		EventCount: 2,
	})
	require.NoError(t, err)

	// Only the post-snapshot event is in the window; seqs 1-2 were never
	// persisted, so a full replay could not produce the snapshot fields.
	f.window(f.event(t, "acme", "user-1", "updated", 3, map[string]interface{}{"seats": float64(8)}))

	state, err := f.engine.ReconstructState(ctx, "acme", "user-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "pro", state.State["plan"])
	assert.Equal(t, float64(8), state.State["seats"])
	assert.Equal(t, int64(3), state.EventCount)
	assert.Equal(t, uint64(3), state.AsOfSequence)
}

func TestReconstructStateUnknownEntity(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.ReconstructState(context.Background(), "acme", "ghost", 0)
	assert.Equal(t, chronerr.CodeEntityNotFound, chronerr.GetCode(err))
}

func TestGetSnapshotFastPath(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.GetSnapshot(ctx, "acme", "user-1")
	assert.Equal(t, chronerr.CodeSnapshotNotFound, chronerr.GetCode(err))

	encoded, err := snapshot.EncodeState(snapshot.State{"plan": "pro"})
	require.NoError(t, err)
	_, err = f.catalog.PutSnapshot(ctx, &manifest.SnapshotRecord{
		TenantID:   "acme",
		EntityID:   "user-1",
		State:      encoded,
		AsOfSeq:    4,
		AsOfTime:   4 * int64(time.Millisecond),
		EventCount: 4,
	})
	require.NoError(t, err)

	state, err := f.engine.GetSnapshot(ctx, "acme", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "pro", state.State["plan"])
	assert.Equal(t, uint64(4), state.AsOfSequence)
	assert.Equal(t, int64(4), state.EventCount)
}

func TestEntityEventsSkipsThroughSeq(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.flush(t, ctx,
		f.event(t, "acme", "user-1", "created", 1, nil),
		f.event(t, "acme", "user-1", "updated", 2, nil),
	)
	f.window(f.event(t, "acme", "user-1", "updated", 3, nil))

	events, err := f.engine.EntityEvents(ctx, "acme", "user-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].Sequence)
	assert.Equal(t, uint64(3), events[1].Sequence)
}
