// Package tenant manages tenant registration, activation, and quota
// enforcement. Quota state is cached in memory with a rolling one-hour
// ingest window; durable counters live in the catalog and are synced
// periodically rather than per event.
package tenant

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	chronerr "github.com/chronik/chronik/internal/errors"
	"github.com/chronik/chronik/internal/manifest"
	"github.com/chronik/chronik/internal/metrics"
)

// Quota holds per-tenant limits. Zero means unlimited; zero rate or burst
// falls back to the process-wide limiter defaults.
type Quota struct {
	MaxEventsPerHour int64
	MaxStorageBytes  int64
	IngestRate       float64
	IngestBurst      float64
	QueryRate        float64
	QueryBurst       float64
}

const windowBuckets = 60 // one-minute buckets over a one-hour window

// state is the cached view of one tenant plus its rolling ingest window.
type state struct {
	rec *manifest.TenantRecord

	// Rolling window: counts per minute bucket, stamped with the minute
	// they belong to so stale buckets read as zero.
	bucketCounts [windowBuckets]int64
	bucketMinute [windowBuckets]int64

	// Deltas not yet persisted to the catalog.
	pendingEvents int64
}

// Registry is the tenant manager.
type Registry struct {
	catalog manifest.Catalog
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]*state
}

// NewRegistry creates a tenant registry backed by the catalog.
func NewRegistry(catalog manifest.Catalog, m *metrics.Metrics, logger *zap.Logger) *Registry {
	return &Registry{
		catalog: catalog,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		cache:   make(map[string]*state),
	}
}

// Create registers a new tenant. Tenant IDs are lowercase identifiers;
// the given ID is normalized before validation.
func (r *Registry) Create(ctx context.Context, tenantID, name string, quota Quota) (*manifest.TenantRecord, error) {
	tenantID = Normalize(tenantID)
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	if name == "" {
		name = tenantID
	}

	rec := &manifest.TenantRecord{
		TenantID:         tenantID,
		Name:             name,
		Active:           true,
		MaxEventsPerHour: quota.MaxEventsPerHour,
		MaxStorageBytes:  quota.MaxStorageBytes,
		IngestRate:       quota.IngestRate,
		IngestBurst:      quota.IngestBurst,
		QueryRate:        quota.QueryRate,
		QueryBurst:       quota.QueryBurst,
	}
	if err := r.catalog.CreateTenant(ctx, rec); err != nil {
		return nil, chronerr.Wrap(chronerr.ErrCategoryTenant, chronerr.CodeTenantExists,
			"tenant already exists or could not be created", err)
	}

	r.mu.Lock()
	r.cache[tenantID] = &state{rec: rec}
	r.mu.Unlock()

	r.logger.Info("tenant created", zap.String("tenant", tenantID))
	return rec, nil
}

func validateTenantID(tenantID string) error {
	if tenantID == "" {
		return chronerr.NewValidationError(chronerr.CodeInvalidTenantID, "tenant ID must not be empty")
	}
	for _, c := range tenantID {
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_' {
			continue
		}
		return chronerr.NewValidationError(chronerr.CodeInvalidTenantID,
			"tenant ID must be lowercase alphanumeric with - or _")
	}
	return nil
}

// Get returns a tenant, loading it into the cache on first access.
func (r *Registry) Get(ctx context.Context, tenantID string) (*manifest.TenantRecord, error) {
	st, err := r.getState(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := *st.rec
	return &rec, nil
}

// getState loads the tenant into the cache if needed.
func (r *Registry) getState(ctx context.Context, tenantID string) (*state, error) {
	r.mu.RLock()
	st, ok := r.cache[tenantID]
	r.mu.RUnlock()
	if ok {
		return st, nil
	}

	rec, err := r.catalog.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, chronerr.Wrap(chronerr.ErrCategoryTenant, chronerr.CodeTenantStoreFailed,
			"failed to load tenant", err)
	}
	if rec == nil {
		return nil, chronerr.NewTenantNotFound(tenantID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.cache[tenantID]; ok {
		return existing, nil
	}
	st = &state{rec: rec}
	r.cache[tenantID] = st
	return st, nil
}

// List returns all tenants.
func (r *Registry) List(ctx context.Context) ([]*manifest.TenantRecord, error) {
	return r.catalog.ListTenants(ctx)
}

// Update changes a tenant's name and quota limits.
func (r *Registry) Update(ctx context.Context, tenantID, name string, quota Quota) (*manifest.TenantRecord, error) {
	st, err := r.getState(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if name != "" {
		st.rec.Name = name
	}
	st.rec.MaxEventsPerHour = quota.MaxEventsPerHour
	st.rec.MaxStorageBytes = quota.MaxStorageBytes
	st.rec.IngestRate = quota.IngestRate
	st.rec.IngestBurst = quota.IngestBurst
	st.rec.QueryRate = quota.QueryRate
	st.rec.QueryBurst = quota.QueryBurst

	if err := r.catalog.UpdateTenant(ctx, st.rec); err != nil {
		return nil, chronerr.Wrap(chronerr.ErrCategoryTenant, chronerr.CodeTenantStoreFailed,
			"failed to update tenant", err)
	}
	rec := *st.rec
	return &rec, nil
}

// SetActive activates or deactivates a tenant. Inactive tenants keep their
// data and stay readable but reject new writes.
func (r *Registry) SetActive(ctx context.Context, tenantID string, active bool) error {
	st, err := r.getState(ctx, tenantID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st.rec.Active = active
	if err := r.catalog.UpdateTenant(ctx, st.rec); err != nil {
		return chronerr.Wrap(chronerr.ErrCategoryTenant, chronerr.CodeTenantStoreFailed,
			"failed to update tenant", err)
	}
	r.logger.Info("tenant activation changed",
		zap.String("tenant", tenantID), zap.Bool("active", active))
	return nil
}

// Delete removes a tenant's registration. Segment data is reclaimed by
// compaction, not here.
func (r *Registry) Delete(ctx context.Context, tenantID string) error {
	if _, err := r.getState(ctx, tenantID); err != nil {
		return err
	}
	if err := r.catalog.DeleteTenant(ctx, tenantID); err != nil {
		return chronerr.Wrap(chronerr.ErrCategoryTenant, chronerr.CodeTenantStoreFailed,
			"failed to delete tenant", err)
	}

	r.mu.Lock()
	delete(r.cache, tenantID)
	r.mu.Unlock()

	r.logger.Info("tenant deleted", zap.String("tenant", tenantID))
	return nil
}

// CheckWrite verifies that a tenant may ingest one more event: the tenant
// must exist and be active, the rolling hourly window must be under its
// limit, and storage usage must be under the byte quota.
func (r *Registry) CheckWrite(ctx context.Context, tenantID string) error {
	st, err := r.getState(ctx, tenantID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !st.rec.Active {
		return chronerr.NewTenantInactive(tenantID)
	}
	if limit := st.rec.MaxEventsPerHour; limit > 0 {
		if st.windowCount(r.now()) >= limit {
			r.metrics.QuotaRejectsTotal.WithLabelValues(tenantID).Inc()
			return chronerr.NewQuotaExceeded(tenantID, "events_per_hour")
		}
	}
	if limit := st.rec.MaxStorageBytes; limit > 0 && st.rec.StorageBytes >= limit {
		r.metrics.QuotaRejectsTotal.WithLabelValues(tenantID).Inc()
		return chronerr.NewQuotaExceeded(tenantID, "storage_bytes")
	}
	return nil
}

// CheckRead verifies that a tenant may be queried. Deactivation stops new
// writes only; existing data stays readable.
func (r *Registry) CheckRead(ctx context.Context, tenantID string) error {
	_, err := r.getState(ctx, tenantID)
	return err
}

// RecordWrite counts one durably ingested event against the rolling window
// and the pending durable counter.
func (r *Registry) RecordWrite(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.cache[tenantID]
	if !ok {
		return // CheckWrite loaded it; a miss here means the tenant was deleted
	}
	st.addToWindow(r.now())
	st.pendingEvents++
	st.rec.EventsTotal++
	r.metrics.TenantUsageEvents.WithLabelValues(tenantID).Set(float64(st.rec.EventsTotal))
}

// Sync persists pending usage deltas to the catalog and refreshes cached
// storage byte counters, which are updated by the segment flusher.
func (r *Registry) Sync(ctx context.Context) error {
	r.mu.Lock()
	pending := make(map[string]int64)
	for id, st := range r.cache {
		if st.pendingEvents > 0 {
			pending[id] = st.pendingEvents
			st.pendingEvents = 0
		}
	}
	r.mu.Unlock()

	for id, delta := range pending {
		if err := r.catalog.AddTenantUsage(ctx, id, delta, 0); err != nil {
			// Restore the delta so the next sync retries it.
			r.mu.Lock()
			if st, ok := r.cache[id]; ok {
				st.pendingEvents += delta
			}
			r.mu.Unlock()
			return chronerr.Wrap(chronerr.ErrCategoryTenant, chronerr.CodeTenantStoreFailed,
				"failed to persist tenant usage", err)
		}
	}

	// Pull byte counters written by the flusher back into the cache.
	r.mu.Lock()
	ids := make([]string, 0, len(r.cache))
	for id := range r.cache {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		rec, err := r.catalog.GetTenant(ctx, id)
		if err != nil || rec == nil {
			continue
		}
		r.mu.Lock()
		if st, ok := r.cache[id]; ok {
			st.rec.StorageBytes = rec.StorageBytes
			r.metrics.TenantUsageBytes.WithLabelValues(id).Set(float64(rec.StorageBytes))
		}
		r.mu.Unlock()
	}
	return nil
}

// RunSync periodically persists usage counters until the context ends.
func (r *Registry) RunSync(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			syncCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.Sync(syncCtx); err != nil {
				r.logger.Error("tenant registry: final usage sync failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := r.Sync(ctx); err != nil {
				r.logger.Error("tenant registry: usage sync failed", zap.Error(err))
			}
		}
	}
}

// windowCount sums the live minute buckets.
func (s *state) windowCount(now time.Time) int64 {
	minute := now.Unix() / 60
	var total int64
	for i := 0; i < windowBuckets; i++ {
		if minute-s.bucketMinute[i] < windowBuckets {
			total += s.bucketCounts[i]
		}
	}
	return total
}

func (s *state) addToWindow(now time.Time) {
	minute := now.Unix() / 60
	i := minute % windowBuckets
	if s.bucketMinute[i] != minute {
		s.bucketMinute[i] = minute
		s.bucketCounts[i] = 0
	}
	s.bucketCounts[i]++
}

// Normalize trims and lowercases a tenant ID before validation or lookup.
func Normalize(tenantID string) string {
	return strings.ToLower(strings.TrimSpace(tenantID))
}
