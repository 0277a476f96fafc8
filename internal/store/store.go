// Package store assembles the engine: WAL, memtable, indexes, segment
// flusher, snapshots, compaction, and tenant enforcement behind one handle.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chronik/chronik/internal/cache"
	"github.com/chronik/chronik/internal/compaction"
	"github.com/chronik/chronik/internal/config"
	chronerr "github.com/chronik/chronik/internal/errors"
	"github.com/chronik/chronik/internal/index"
	"github.com/chronik/chronik/internal/manifest"
	"github.com/chronik/chronik/internal/memtable"
	"github.com/chronik/chronik/internal/metrics"
	"github.com/chronik/chronik/internal/notify"
	"github.com/chronik/chronik/internal/observability"
	"github.com/chronik/chronik/internal/query"
	"github.com/chronik/chronik/internal/ratelimit"
	"github.com/chronik/chronik/internal/segment"
	"github.com/chronik/chronik/internal/snapshot"
	"github.com/chronik/chronik/internal/storage"
	"github.com/chronik/chronik/internal/tenant"
	"github.com/chronik/chronik/internal/wal"
	"github.com/chronik/chronik/pkg/types"
)

// usageSyncInterval is how often tenant usage counters are persisted.
const usageSyncInterval = 30 * time.Second

// statsPruneInterval is how often idle query stats entries are dropped.
const statsPruneInterval = 5 * time.Minute

// IngestRequest describes one event to append. A zero Timestamp means now.
type IngestRequest struct {
	TenantID  string
	EntityID  string
	EventType string
	Payload   map[string]interface{}
	Timestamp time.Time
}

// Stats is a point-in-time view of engine state.
type Stats struct {
	CurrentSeq     uint64
	WALSegments    int
	WALSealed      bool
	MemtableEvents int
	ActiveSegments int
	StorageBytes   int64
	Tenants        []*manifest.TenantRecord
}

// Store is the engine facade. All operations are safe for concurrent use.
type Store struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	catalog  manifest.Catalog
	objects  storage.ObjectStorage
	segCache *cache.SegmentCache
	wal      *wal.WAL
	mem      *memtable.Memtable
	idx      *index.Index
	gen      *types.EventIDGenerator

	engine    *query.Engine
	bus       *notify.Bus
	tenants   *tenant.Registry
	limiter   *ratelimit.Limiter
	flusher   *segment.Flusher
	snapshots *snapshot.Manager
	compactor *compaction.Daemon

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open recovers the WAL tail, rebuilds the in-memory window, and starts the
// background daemons. The returned store must be closed to release the WAL
// and catalog.
func Open(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*Store, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("store: invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}

	catalog, err := manifest.NewCatalog(cfg.CatalogPath())
	if err != nil {
		return nil, fmt.Errorf("store: open catalog: %w", err)
	}

	objects, err := openObjectStorage(cfg)
	if err != nil {
		catalog.Close()
		return nil, err
	}

	// Recovery runs before the WAL is opened for appends so tail truncation
	// never races a live segment handle.
	ctx := context.Background()
	recovery := wal.NewRecovery(cfg.WAL.Dir, catalog, logger)
	recovered, err := recovery.Recover(ctx)
	if err != nil {
		catalog.Close()
		return nil, fmt.Errorf("store: wal recovery: %w", err)
	}

	w, err := wal.NewWAL(cfg.WAL.Dir, cfg.WAL.MaxSegmentSize)
	if err != nil {
		catalog.Close()
		return nil, fmt.Errorf("store: open wal: %w", err)
	}

	mem := memtable.New()
	idx := index.New()
	for _, ev := range recovered.Events {
		mem.Insert(ev)
		idx.Insert(eventRef(ev))
	}

	segCache, err := cache.NewSegmentCache(cfg.Segment.CacheDir, cfg.Segment.CacheMaxBytes, logger)
	if err != nil {
		w.Close()
		catalog.Close()
		return nil, fmt.Errorf("store: open segment cache: %w", err)
	}

	reader := segment.NewReader(objects, segCache)
	writer := segment.NewWriter(objects, cfg.Segment.WorkDir, cfg.Segment.BloomFPR)
	engine := query.NewEngine(catalog, reader, mem, idx, m, logger)
	bus := notify.NewBus(64)
	registry := tenant.NewRegistry(catalog, m, logger)
	limiter := ratelimit.New(
		ratelimit.Limits{Rate: cfg.RateLimit.IngestRate, Burst: cfg.RateLimit.IngestBurst},
		ratelimit.Limits{Rate: cfg.RateLimit.QueryRate, Burst: cfg.RateLimit.QueryBurst},
		m,
	)
	if tenants, err := catalog.ListTenants(ctx); err == nil {
		for _, rec := range tenants {
			limiter.SetOverride(rec.TenantID,
				ratelimit.Limits{Rate: rec.IngestRate, Burst: rec.IngestBurst},
				ratelimit.Limits{Rate: rec.QueryRate, Burst: rec.QueryBurst},
			)
		}
	}

	snapshots := snapshot.NewManager(snapshot.Config{
		EveryNEvents:  cfg.Snapshot.EveryNEvents,
		SweepInterval: cfg.Snapshot.SweepInterval,
		Retain:        cfg.Snapshot.Retain,
		Workers:       cfg.Snapshot.Workers,
	}, catalog, engine, m, bus, logger)

	flusher := segment.NewFlusher(w, mem, idx, writer, catalog, m, bus, logger,
		cfg.Segment.FlushInterval, cfg.Segment.MaxBatchEvents, recovered.CheckpointSeq)

	compactor := compaction.NewDaemon(compaction.Config{
		MinSegmentSize: cfg.Compaction.MinSegmentSize,
		MaxSegments:    int64(cfg.Compaction.MaxSegments),
		MaxSegmentAge:  cfg.Compaction.MaxSegmentAge,
		CheckInterval:  cfg.Compaction.CheckInterval,
		SourceTTL:      cfg.Compaction.SourceTTL,
	}, catalog, objects, reader, writer, m, bus, logger)

	s := &Store{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		catalog:   catalog,
		objects:   objects,
		segCache:  segCache,
		wal:       w,
		mem:       mem,
		idx:       idx,
		gen:       types.NewEventIDGenerator(),
		engine:    engine,
		bus:       bus,
		tenants:   registry,
		limiter:   limiter,
		flusher:   flusher,
		snapshots: snapshots,
		compactor: compactor,
	}
	if segs, err := catalog.ListActiveSegments(ctx); err == nil {
		m.SegmentsTotal.Set(float64(len(segs)))
	}

	if err := s.start(); err != nil {
		s.Close()
		return nil, err
	}

	logger.Info("store opened",
		zap.Uint64("checkpoint_seq", recovered.CheckpointSeq),
		zap.Uint64("last_seq", recovered.LastSeq),
		zap.Int("replayed_events", len(recovered.Events)),
		zap.Int64("truncated_bytes", recovered.TruncatedBytes),
		zap.Int("dropped_segments", recovered.DroppedSegments))
	return s, nil
}

func openObjectStorage(cfg *config.Config) (storage.ObjectStorage, error) {
	switch cfg.Storage.Type {
	case "local":
		return storage.NewLocalStorage(cfg.Storage.Path)
	case "s3":
		s3cfg := storage.DefaultS3Config()
		if cfg.Storage.S3.Region != "" {
			s3cfg.Region = cfg.Storage.S3.Region
		}
		if cfg.Storage.S3.Endpoint != "" {
			s3cfg.Endpoint = cfg.Storage.S3.Endpoint
			s3cfg.UsePathStyle = true
		}
		return storage.NewS3Storage(context.Background(), cfg.Storage.S3.Bucket, s3cfg)
	default:
		return nil, fmt.Errorf("store: unsupported storage type %q", cfg.Storage.Type)
	}
}

func (s *Store) start() error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := s.snapshots.Start(runCtx); err != nil {
		return err
	}
	if s.cfg.Compaction.Enabled {
		if err := s.compactor.Start(runCtx); err != nil {
			return err
		}
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.flusher.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.tenants.RunSync(runCtx, usageSyncInterval)
	}()
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(statsPruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.engine.AccessStats().Prune()
			}
		}
	}()
	return nil
}

// Ingest appends one event. No side effect is visible unless the WAL write
// and fsync completed; rejections happen before the sequence is assigned.
func (s *Store) Ingest(ctx context.Context, req IngestRequest) (*types.Event, error) {
	start := time.Now()

	payloadBytes, err := validateIngest(req)
	if err != nil {
		s.metrics.IngestRejectedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}
	if err := s.tenants.CheckWrite(ctx, req.TenantID); err != nil {
		s.metrics.IngestRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}
	if err := s.limiter.Allow(req.TenantID, ratelimit.OpIngest); err != nil {
		s.metrics.IngestRejectedTotal.WithLabelValues("rate_limit").Inc()
		return nil, err
	}

	id, err := s.gen.Generate()
	if err != nil {
		return nil, chronerr.Wrap(chronerr.ErrCategoryInternal, chronerr.CodeUnexpected, "event id generation failed", err)
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	event := &types.Event{
		ID:        id,
		TenantID:  req.TenantID,
		EntityID:  req.EntityID,
		EventType: req.EventType,
		Payload:   req.Payload,
		Timestamp: ts.UnixNano(),
	}

	// The durability boundary. Append assigns the sequence under the WAL
	// lock and fsyncs before returning.
	appendStart := time.Now()
	if _, err := s.wal.Append(event); err != nil {
		s.metrics.IngestRejectedTotal.WithLabelValues("durability").Inc()
		return nil, err
	}
	s.metrics.WALAppendsTotal.Inc()
	s.metrics.WALSyncDuration.Observe(time.Since(appendStart).Seconds())

	s.mem.Insert(event)
	s.idx.Insert(eventRef(event))
	s.tenants.RecordWrite(req.TenantID)
	s.snapshots.NoteEvent(req.TenantID, req.EntityID)
	s.bus.Publish(notify.Notification{
		Type:      notify.EventAppended,
		TenantID:  event.TenantID,
		EntityID:  event.EntityID,
		Sequence:  event.Sequence,
		Timestamp: event.Timestamp,
	})

	s.metrics.EventsIngestedTotal.WithLabelValues(req.TenantID).Inc()
	s.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	s.metrics.IngestBytes.Observe(float64(len(payloadBytes)))
	s.metrics.WALSequence.Set(float64(event.Sequence))
	return event, nil
}

// Query returns events matching params for an existing tenant.
func (s *Store) Query(ctx context.Context, params query.Params) (*query.Result, error) {
	if err := s.checkReadAccess(ctx, params.TenantID); err != nil {
		return nil, err
	}
	return s.engine.Query(ctx, params)
}

// ReconstructState folds an entity's history into its state as of asOf
// (zero means latest).
func (s *Store) ReconstructState(ctx context.Context, tenantID, entityID string, asOf uint64) (*query.EntityState, error) {
	if err := s.checkReadAccess(ctx, tenantID); err != nil {
		return nil, err
	}
	return s.engine.ReconstructState(ctx, tenantID, entityID, asOf)
}

// GetSnapshot returns the latest stored snapshot without replay.
func (s *Store) GetSnapshot(ctx context.Context, tenantID, entityID string) (*query.EntityState, error) {
	if err := s.checkReadAccess(ctx, tenantID); err != nil {
		return nil, err
	}
	return s.engine.GetSnapshot(ctx, tenantID, entityID)
}

func (s *Store) checkReadAccess(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return chronerr.New(chronerr.ErrCategoryValidation, chronerr.CodeInvalidTenantID, "tenant id is required")
	}
	if err := s.tenants.CheckRead(ctx, tenantID); err != nil {
		return err
	}
	return s.limiter.Allow(tenantID, ratelimit.OpQuery)
}

// HotEntities returns the most frequently read entities within the stats
// window, most frequent first.
func (s *Store) HotEntities(n int) []observability.AccessStats {
	return s.engine.AccessStats().TopEntities(n)
}

// HotEventTypes returns the most frequently queried event types within the
// stats window.
func (s *Store) HotEventTypes(n int) []observability.AccessStats {
	return s.engine.AccessStats().TopEventTypes(n)
}

// Subscribe registers a notification subscriber, optionally filtered to
// tenants whose id starts with one of the given prefixes.
func (s *Store) Subscribe(id string, tenantPrefixes ...string) *notify.Subscriber {
	return s.bus.Subscribe(id, tenantPrefixes...)
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Store) Unsubscribe(id string) {
	s.bus.Unsubscribe(id)
}

// Flush synchronously moves the unflushed window into storage segments.
func (s *Store) Flush(ctx context.Context) error {
	return s.flusher.Flush(ctx)
}

// TriggerSnapshot builds a snapshot for the entity immediately.
func (s *Store) TriggerSnapshot(ctx context.Context, tenantID, entityID string) error {
	return s.snapshots.Snapshot(ctx, tenantID, entityID)
}

// TriggerCompaction runs one full compaction cycle immediately.
func (s *Store) TriggerCompaction(ctx context.Context) error {
	return s.compactor.RunOnce(ctx)
}

// CreateTenant registers a tenant with the given quota.
func (s *Store) CreateTenant(ctx context.Context, tenantID, name string, quota tenant.Quota) (*manifest.TenantRecord, error) {
	rec, err := s.tenants.Create(ctx, tenantID, name, quota)
	if err != nil {
		return nil, err
	}
	s.applyRateOverride(rec)
	return rec, nil
}

// GetTenant returns a tenant record with live usage counters.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (*manifest.TenantRecord, error) {
	return s.tenants.Get(ctx, tenantID)
}

// ListTenants returns all tenants.
func (s *Store) ListTenants(ctx context.Context) ([]*manifest.TenantRecord, error) {
	return s.tenants.List(ctx)
}

// UpdateTenant replaces a tenant's name and quota.
func (s *Store) UpdateTenant(ctx context.Context, tenantID, name string, quota tenant.Quota) (*manifest.TenantRecord, error) {
	rec, err := s.tenants.Update(ctx, tenantID, name, quota)
	if err != nil {
		return nil, err
	}
	s.applyRateOverride(rec)
	return rec, nil
}

// applyRateOverride feeds a tenant's rate quota into the limiter. Zero
// values leave the process defaults in place.
func (s *Store) applyRateOverride(rec *manifest.TenantRecord) {
	s.limiter.SetOverride(rec.TenantID,
		ratelimit.Limits{Rate: rec.IngestRate, Burst: rec.IngestBurst},
		ratelimit.Limits{Rate: rec.QueryRate, Burst: rec.QueryBurst},
	)
}

// SetTenantActive toggles write access for a tenant.
func (s *Store) SetTenantActive(ctx context.Context, tenantID string, active bool) error {
	return s.tenants.SetActive(ctx, tenantID, active)
}

// DeleteTenant removes a tenant permanently.
func (s *Store) DeleteTenant(ctx context.Context, tenantID string) error {
	if err := s.tenants.Delete(ctx, tenantID); err != nil {
		return err
	}
	s.limiter.Forget(tenantID)
	return nil
}

// Stats reports current engine state.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	segments, err := s.catalog.ListActiveSegments(ctx)
	if err != nil {
		return nil, err
	}
	var bytes int64
	for _, rec := range segments {
		bytes += rec.SizeBytes
	}
	tenants, err := s.tenants.List(ctx)
	if err != nil {
		return nil, err
	}
	walSegments, err := s.wal.SegmentCount()
	if err != nil {
		return nil, err
	}
	return &Stats{
		CurrentSeq:     s.wal.CurrentSeq(),
		WALSegments:    walSegments,
		WALSealed:      s.wal.Sealed(),
		MemtableEvents: s.mem.Len(),
		ActiveSegments: len(segments),
		StorageBytes:   bytes,
		Tenants:        tenants,
	}, nil
}

// Close stops the daemons, drains the flush window, persists usage, and
// releases the WAL and catalog. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.snapshots != nil {
		s.snapshots.Stop()
	}
	if s.compactor != nil && s.cfg.Compaction.Enabled {
		s.compactor.Stop()
	}
	if s.cancel != nil {
		// The flusher drains and the registry syncs on their way out.
		s.cancel()
	}
	s.wg.Wait()

	var firstErr error
	if s.wal != nil {
		if err := s.wal.Close(); err != nil {
			firstErr = err
		}
	}
	if s.catalog != nil {
		if err := s.catalog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.segCache != nil {
		s.segCache.Close()
	}
	s.logger.Info("store closed")
	return firstErr
}

func validateIngest(req IngestRequest) ([]byte, error) {
	if req.TenantID == "" {
		return nil, chronerr.New(chronerr.ErrCategoryValidation, chronerr.CodeInvalidTenantID, "tenant id is required")
	}
	if req.EntityID == "" {
		return nil, chronerr.New(chronerr.ErrCategoryValidation, chronerr.CodeEmptyEntityID, "entity id is required")
	}
	if req.EventType == "" {
		return nil, chronerr.New(chronerr.ErrCategoryValidation, chronerr.CodeEmptyEventType, "event type is required")
	}
	payloadBytes, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, chronerr.Wrap(chronerr.ErrCategoryValidation, chronerr.CodeInvalidPayload, "payload is not serializable", err)
	}
	return payloadBytes, nil
}

func rejectReason(err error) string {
	switch chronerr.GetCategory(err) {
	case chronerr.ErrCategoryQuota:
		return "quota"
	case chronerr.ErrCategoryTenant:
		return "tenant"
	default:
		return "other"
	}
}

func eventRef(ev *types.Event) index.EventRef {
	return index.EventRef{
		TenantID:  ev.TenantID,
		EntityID:  ev.EntityID,
		EventType: ev.EventType,
		Sequence:  ev.Sequence,
		Timestamp: ev.Timestamp,
	}
}
