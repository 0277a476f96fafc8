package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chronik/chronik/internal/config"
	chronerr "github.com/chronik/chronik/internal/errors"
	"github.com/chronik/chronik/internal/notify"
	"github.com/chronik/chronik/internal/query"
	"github.com/chronik/chronik/internal/storage"
	"github.com/chronik/chronik/internal/tenant"
)

// testConfig disables timers so flushes and compactions only happen when a
// test asks for them.
func testConfig(dataDir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.MetricsAddr = ""
	cfg.Segment.FlushInterval = time.Hour
	cfg.Segment.MaxBatchEvents = 1000
	cfg.Snapshot.SweepInterval = time.Hour
	cfg.Compaction.Enabled = false
	cfg.RateLimit = config.RateLimitConfig{
		IngestRate: 1e6, IngestBurst: 1e6,
		QueryRate: 1e6, QueryBurst: 1e6,
	}
	return cfg
}

func mustOpen(t *testing.T, cfg *config.Config) *Store {
	t.Helper()
	s, err := Open(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ingestN(t *testing.T, s *Store, tenantID, entityID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.Ingest(context.Background(), IngestRequest{
			TenantID:  tenantID,
			EntityID:  entityID,
			EventType: "updated",
			Payload:   map[string]interface{}{"n": float64(i)},
		})
		require.NoError(t, err)
	}
}

func TestIngestThenQuery(t *testing.T) {
	s := mustOpen(t, testConfig(t.TempDir()))
	ctx := context.Background()

	_, err := s.CreateTenant(ctx, "acme", "Acme Corp", tenant.Quota{})
	require.NoError(t, err)

	for i, entity := range []string{"user-1", "user-2", "user-1"} {
		ev, err := s.Ingest(ctx, IngestRequest{
			TenantID:  "acme",
			EntityID:  entity,
			EventType: "updated",
			Payload:   map[string]interface{}{"n": float64(i)},
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}

	result, err := s.Query(ctx, query.Params{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, result.Events, 3)

	result, err = s.Query(ctx, query.Params{TenantID: "acme", EntityID: "user-1"})
	require.NoError(t, err)
	require.Len(t, result.Events, 2)
	assert.Equal(t, uint64(1), result.Events[0].Sequence)
	assert.Equal(t, uint64(3), result.Events[1].Sequence)
}

func TestIngestValidation(t *testing.T) {
	s := mustOpen(t, testConfig(t.TempDir()))
	ctx := context.Background()

	_, err := s.CreateTenant(ctx, "acme", "", tenant.Quota{})
	require.NoError(t, err)

	cases := []IngestRequest{
		{EntityID: "user-1", EventType: "created"},
		{TenantID: "acme", EventType: "created"},
		{TenantID: "acme", EntityID: "user-1"},
	}
	for _, req := range cases {
		_, err := s.Ingest(ctx, req)
		assert.Equal(t, chronerr.ErrCategoryValidation, chronerr.GetCategory(err))
	}

	_, err = s.Ingest(ctx, IngestRequest{TenantID: "ghost", EntityID: "x", EventType: "created"})
	assert.Equal(t, chronerr.CodeTenantNotFound, chronerr.GetCode(err))

	// Nothing above may have consumed a sequence.
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.CurrentSeq)
}

func TestDeactivatedTenantStillReadable(t *testing.T) {
	s := mustOpen(t, testConfig(t.TempDir()))
	ctx := context.Background()

	_, err := s.CreateTenant(ctx, "acme", "", tenant.Quota{})
	require.NoError(t, err)
	ingestN(t, s, "acme", "user-1", 2)

	require.NoError(t, s.SetTenantActive(ctx, "acme", false))

	_, err = s.Ingest(ctx, IngestRequest{TenantID: "acme", EntityID: "user-1", EventType: "updated"})
	assert.Equal(t, chronerr.CodeTenantInactive, chronerr.GetCode(err))

	result, err := s.Query(ctx, query.Params{TenantID: "acme"})
	require.NoError(t, err)
	assert.Len(t, result.Events, 2)
}

func TestHourlyQuotaBlocksIngest(t *testing.T) {
	s := mustOpen(t, testConfig(t.TempDir()))
	ctx := context.Background()

	_, err := s.CreateTenant(ctx, "acme", "", tenant.Quota{MaxEventsPerHour: 2})
	require.NoError(t, err)
	ingestN(t, s, "acme", "user-1", 2)

	_, err = s.Ingest(ctx, IngestRequest{TenantID: "acme", EntityID: "user-1", EventType: "updated"})
	require.Error(t, err)
	assert.Equal(t, chronerr.CodeQuotaExceeded, chronerr.GetCode(err))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.CurrentSeq)
}

func TestTenantQuotaOverridesRateLimit(t *testing.T) {
	s := mustOpen(t, testConfig(t.TempDir()))
	ctx := context.Background()

	// Process defaults are generous; the tenant quota caps ingest at a
	// burst of two.
	_, err := s.CreateTenant(ctx, "acme", "", tenant.Quota{IngestRate: 1, IngestBurst: 2})
	require.NoError(t, err)
	ingestN(t, s, "acme", "user-1", 2)

	_, err = s.Ingest(ctx, IngestRequest{TenantID: "acme", EntityID: "user-1", EventType: "updated"})
	require.Error(t, err)
	assert.Equal(t, chronerr.CodeRateLimited, chronerr.GetCode(err))

	// Raising the quota takes effect without reopening the store; a second
	// of refill at the new rate is enough for the next event.
	_, err = s.UpdateTenant(ctx, "acme", "", tenant.Quota{IngestRate: 100, IngestBurst: 100})
	require.NoError(t, err)
	s.limiter.SetClock(func() time.Time { return time.Now().Add(time.Second) })
	_, err = s.Ingest(ctx, IngestRequest{TenantID: "acme", EntityID: "user-1", EventType: "updated"})
	assert.NoError(t, err)
}

func TestIngestRateLimit(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.RateLimit.IngestRate = 1
	cfg.RateLimit.IngestBurst = 2
	s := mustOpen(t, cfg)
	ctx := context.Background()

	_, err := s.CreateTenant(ctx, "acme", "", tenant.Quota{})
	require.NoError(t, err)
	ingestN(t, s, "acme", "user-1", 2)

	_, err = s.Ingest(ctx, IngestRequest{TenantID: "acme", EntityID: "user-1", EventType: "updated"})
	require.Error(t, err)
	assert.Equal(t, chronerr.CodeRateLimited, chronerr.GetCode(err))
	assert.True(t, chronerr.IsRetryable(err))
	assert.Greater(t, chronerr.RetryAfter(err), time.Duration(0))
}

func TestFlushSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	ctx := context.Background()

	s1 := mustOpen(t, cfg)
	_, err := s1.CreateTenant(ctx, "acme", "", tenant.Quota{})
	require.NoError(t, err)
	ingestN(t, s1, "acme", "user-1", 5)
	require.NoError(t, s1.Flush(ctx))

	stats, err := s1.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.MemtableEvents)
	assert.Equal(t, 1, stats.ActiveSegments)
	require.NoError(t, s1.Close())

	s2 := mustOpen(t, testConfig(dir))
	result, err := s2.Query(ctx, query.Params{TenantID: "acme", EntityID: "user-1"})
	require.NoError(t, err)
	assert.Len(t, result.Events, 5)

	// The sequence continues past the flushed prefix.
	ev, err := s2.Ingest(ctx, IngestRequest{TenantID: "acme", EntityID: "user-1", EventType: "updated"})
	require.NoError(t, err)
	assert.Equal(t, uint64(6), ev.Sequence)
}

func TestCrashRecoveryReplaysUnflushedTail(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1 := mustOpen(t, testConfig(dir))
	_, err := s1.CreateTenant(ctx, "acme", "", tenant.Quota{})
	require.NoError(t, err)
	ingestN(t, s1, "acme", "user-1", 3)

	// Simulate a crash: release the files without flushing or draining.
	require.NoError(t, s1.wal.Close())
	require.NoError(t, s1.catalog.Close())

	s2 := mustOpen(t, testConfig(dir))
	result, err := s2.Query(ctx, query.Params{TenantID: "acme", EntityID: "user-1"})
	require.NoError(t, err)
	require.Len(t, result.Events, 3)

	stats, err := s2.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.CurrentSeq)
	assert.Equal(t, 3, stats.MemtableEvents)
}

func TestReconstructStateTimeTravel(t *testing.T) {
	s := mustOpen(t, testConfig(t.TempDir()))
	ctx := context.Background()

	_, err := s.CreateTenant(ctx, "acme", "", tenant.Quota{})
	require.NoError(t, err)

	plans := []string{"free", "pro", "enterprise"}
	for _, plan := range plans {
		_, err := s.Ingest(ctx, IngestRequest{
			TenantID:  "acme",
			EntityID:  "user-1",
			EventType: "plan_changed",
			Payload:   map[string]interface{}{"plan": plan},
		})
		require.NoError(t, err)
	}

	state, err := s.ReconstructState(ctx, "acme", "user-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "enterprise", state.State["plan"])

	state, err = s.ReconstructState(ctx, "acme", "user-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "pro", state.State["plan"])
	assert.Equal(t, uint64(2), state.AsOfSequence)
}

func TestSnapshotKeepsAsOfAnswersStable(t *testing.T) {
	s := mustOpen(t, testConfig(t.TempDir()))
	ctx := context.Background()

	_, err := s.CreateTenant(ctx, "acme", "", tenant.Quota{})
	require.NoError(t, err)

	// Sequence 2 is a backfill: it carries an earlier timestamp than
	// sequence 1.
	base := time.Now()
	_, err = s.Ingest(ctx, IngestRequest{
		TenantID: "acme", EntityID: "user-1", EventType: "plan_changed",
		Payload:   map[string]interface{}{"plan": "pro"},
		Timestamp: base.Add(100 * time.Second),
	})
	require.NoError(t, err)
	_, err = s.Ingest(ctx, IngestRequest{
		TenantID: "acme", EntityID: "user-1", EventType: "imported",
		Payload:   map[string]interface{}{"backfilled": "yes"},
		Timestamp: base.Add(50 * time.Second),
	})
	require.NoError(t, err)

	before, err := s.ReconstructState(ctx, "acme", "user-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "pro", before.State["plan"])
	assert.NotContains(t, before.State, "backfilled")

	require.NoError(t, s.TriggerSnapshot(ctx, "acme", "user-1"))

	snap, err := s.GetSnapshot(ctx, "acme", "user-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.AsOfSequence)
	assert.Equal(t, "yes", snap.State["backfilled"])

	// An as-of-1 reconstruction must not change once a snapshot exists.
	after, err := s.ReconstructState(ctx, "acme", "user-1", 1)
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	assert.NotContains(t, after.State, "backfilled")
	assert.Equal(t, uint64(1), after.AsOfSequence)
}

func TestTriggerSnapshotFastPath(t *testing.T) {
	s := mustOpen(t, testConfig(t.TempDir()))
	ctx := context.Background()

	_, err := s.CreateTenant(ctx, "acme", "", tenant.Quota{})
	require.NoError(t, err)
	ingestN(t, s, "acme", "user-1", 4)

	_, err = s.GetSnapshot(ctx, "acme", "user-1")
	assert.Equal(t, chronerr.CodeSnapshotNotFound, chronerr.GetCode(err))

	require.NoError(t, s.TriggerSnapshot(ctx, "acme", "user-1"))

	snap, err := s.GetSnapshot(ctx, "acme", "user-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), snap.AsOfSequence)
	assert.Equal(t, int64(4), snap.EventCount)
}

func TestCompactionPreservesQueryResults(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Compaction.MinSegmentSize = 1 << 20
	cfg.Compaction.SourceTTL = time.Hour
	s := mustOpen(t, cfg)
	ctx := context.Background()

	_, err := s.CreateTenant(ctx, "acme", "", tenant.Quota{})
	require.NoError(t, err)

	// Three flushes make three small segments.
	for i := 0; i < 3; i++ {
		ingestN(t, s, "acme", "user-1", 4)
		require.NoError(t, s.Flush(ctx))
	}

	before, err := s.Query(ctx, query.Params{TenantID: "acme", EntityID: "user-1"})
	require.NoError(t, err)
	require.Len(t, before.Events, 12)

	require.NoError(t, s.TriggerCompaction(ctx))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveSegments)

	after, err := s.Query(ctx, query.Params{TenantID: "acme", EntityID: "user-1"})
	require.NoError(t, err)
	require.Len(t, after.Events, 12)
	for i := range before.Events {
		assert.Equal(t, before.Events[i].Sequence, after.Events[i].Sequence)
	}
}

func TestOpenObjectStorageSelectsBackend(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Resolve()

	obj, err := openObjectStorage(cfg)
	require.NoError(t, err)
	assert.IsType(t, &storage.LocalStorage{}, obj)

	cfg.Storage.Type = "s3"
	cfg.Storage.S3 = config.S3Config{Bucket: "chronik-events", Region: "eu-central-1"}
	obj, err = openObjectStorage(cfg)
	require.NoError(t, err)
	assert.IsType(t, &storage.S3Storage{}, obj)

	cfg.Storage.Type = "tape"
	_, err = openObjectStorage(cfg)
	assert.Error(t, err)
}

func TestTenantLifecycle(t *testing.T) {
	s := mustOpen(t, testConfig(t.TempDir()))
	ctx := context.Background()

	_, err := s.CreateTenant(ctx, "acme", "Acme", tenant.Quota{MaxEventsPerHour: 100})
	require.NoError(t, err)

	rec, err := s.UpdateTenant(ctx, "acme", "Acme Corp", tenant.Quota{MaxEventsPerHour: 200})
	require.NoError(t, err)
	assert.Equal(t, int64(200), rec.MaxEventsPerHour)

	tenants, err := s.ListTenants(ctx)
	require.NoError(t, err)
	require.Len(t, tenants, 1)

	require.NoError(t, s.DeleteTenant(ctx, "acme"))
	_, err = s.GetTenant(ctx, "acme")
	assert.Equal(t, chronerr.CodeTenantNotFound, chronerr.GetCode(err))
}

func TestNotificationsFollowDurability(t *testing.T) {
	s := mustOpen(t, testConfig(t.TempDir()))
	ctx := context.Background()

	_, err := s.CreateTenant(ctx, "acme", "Acme Corp", tenant.Quota{})
	require.NoError(t, err)

	sub := s.Subscribe("watcher", "acme")
	defer s.Unsubscribe("watcher")

	ingestN(t, s, "acme", "user-1", 2)
	require.Len(t, sub.C, 2)
	first := <-sub.C
	assert.Equal(t, notify.EventAppended, first.Type)
	assert.Equal(t, uint64(1), first.Sequence)
	<-sub.C

	require.NoError(t, s.Flush(ctx))
	require.Len(t, sub.C, 1)
	flushed := <-sub.C
	assert.Equal(t, notify.SegmentFlushed, flushed.Type)
	assert.Equal(t, uint64(2), flushed.Sequence)
}

func TestNotificationsRespectTenantFilter(t *testing.T) {
	s := mustOpen(t, testConfig(t.TempDir()))
	ctx := context.Background()

	for _, id := range []string{"acme", "globex"} {
		_, err := s.CreateTenant(ctx, id, id, tenant.Quota{})
		require.NoError(t, err)
	}

	sub := s.Subscribe("acme-watcher", "acme")
	defer s.Unsubscribe("acme-watcher")

	ingestN(t, s, "globex", "user-9", 3)
	ingestN(t, s, "acme", "user-1", 1)

	require.Len(t, sub.C, 1)
	assert.Equal(t, "acme", (<-sub.C).TenantID)
}

func TestHotEntitiesTrackQueries(t *testing.T) {
	s := mustOpen(t, testConfig(t.TempDir()))
	ctx := context.Background()

	_, err := s.CreateTenant(ctx, "acme", "Acme Corp", tenant.Quota{})
	require.NoError(t, err)
	ingestN(t, s, "acme", "user-1", 2)

	for i := 0; i < 3; i++ {
		_, err := s.Query(ctx, query.Params{TenantID: "acme", EntityID: "user-1"})
		require.NoError(t, err)
	}
	_, err = s.Query(ctx, query.Params{TenantID: "acme", EventType: "updated"})
	require.NoError(t, err)

	hot := s.HotEntities(5)
	require.Len(t, hot, 1)
	assert.Equal(t, "user-1", hot[0].Key)
	assert.Equal(t, int64(3), hot[0].Frequency)

	types := s.HotEventTypes(5)
	require.Len(t, types, 1)
	assert.Equal(t, "updated", types[0].Key)
}
