package snapshot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	chronerr "github.com/chronik/chronik/internal/errors"
	"github.com/chronik/chronik/internal/manifest"
	"github.com/chronik/chronik/internal/metrics"
	"github.com/chronik/chronik/internal/notify"
	"github.com/chronik/chronik/pkg/types"
)

// EventSource supplies an entity's events for folding. The manager never
// reads segments itself; the query engine already knows how.
type EventSource interface {
	// EntityEvents returns all events for the entity with sequence > afterSeq,
	// sorted by (timestamp, sequence). The manager re-sorts by sequence
	// before folding.
	EntityEvents(ctx context.Context, tenantID, entityID string, afterSeq uint64) ([]*types.Event, error)
}

// Config holds snapshot manager settings.
type Config struct {
	// EveryNEvents triggers a snapshot once an entity accumulates this many
	// events since its last snapshot. Zero disables the counter trigger.
	EveryNEvents int
	// SweepInterval is how often dirty entities are swept regardless of count.
	SweepInterval time.Duration
	// Retain is how many snapshot versions to keep per entity.
	Retain int
	// Workers is the number of concurrent snapshot builders.
	Workers int
}

// DefaultConfig returns the default snapshot settings.
func DefaultConfig() Config {
	return Config{
		EveryNEvents:  100,
		SweepInterval: time.Minute,
		Retain:        2,
		Workers:       2,
	}
}

type entityKey struct {
	tenantID string
	entityID string
}

// Manager creates snapshots in the background. Entities become dirty as
// events arrive; a per-entity counter trigger and a periodic sweep both
// feed the same worker pool.
type Manager struct {
	config  Config
	catalog manifest.Catalog
	source  EventSource
	metrics *metrics.Metrics
	bus     *notify.Bus
	logger  *zap.Logger

	mu      sync.Mutex
	dirty   map[entityKey]int
	queued  map[entityKey]bool
	jobs    chan entityKey
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager creates a snapshot manager.
func NewManager(config Config, catalog manifest.Catalog, source EventSource, m *metrics.Metrics, bus *notify.Bus, logger *zap.Logger) *Manager {
	if config.Retain < 1 {
		config.Retain = 1
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	return &Manager{
		config:  config,
		catalog: catalog,
		source:  source,
		metrics: m,
		bus:     bus,
		logger:  logger,
		dirty:   make(map[entityKey]int),
		queued:  make(map[entityKey]bool),
	}
}

// Start begins the background workers and sweep loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("snapshot: manager is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.done = make(chan struct{})
	m.jobs = make(chan entityKey, 1024)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < m.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.worker(ctx)
		}()
	}

	go func() {
		m.sweepLoop(ctx)
		close(m.jobs)
		wg.Wait()
		close(m.done)
	}()
	return nil
}

// Stop drains the workers and stops the manager.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.cancel()
	<-m.done
	m.running = false
	return nil
}

// NoteEvent marks an entity dirty. Once the counter trigger fires, the
// entity is queued for a snapshot; enqueueing never blocks ingest.
func (m *Manager) NoteEvent(tenantID, entityID string) {
	key := entityKey{tenantID: tenantID, entityID: entityID}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.dirty[key]++
	if !m.running || m.config.EveryNEvents <= 0 {
		return
	}
	if m.dirty[key] < m.config.EveryNEvents || m.queued[key] {
		return
	}
	select {
	case m.jobs <- key:
		m.queued[key] = true
	default:
		// Queue full; the sweep will pick it up.
	}
}

// sweepLoop periodically queues every dirty entity.
func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			for key, count := range m.dirty {
				if count == 0 || m.queued[key] {
					continue
				}
				select {
				case m.jobs <- key:
					m.queued[key] = true
				default:
				}
			}
			m.mu.Unlock()
		}
	}
}

// worker consumes snapshot jobs until the channel closes.
func (m *Manager) worker(ctx context.Context) {
	for key := range m.jobs {
		m.mu.Lock()
		delete(m.queued, key)
		pending := m.dirty[key]
		m.mu.Unlock()

		if pending == 0 {
			continue
		}

		if err := m.Snapshot(ctx, key.tenantID, key.entityID); err != nil {
			// Leave the dirty counter intact so the sweep retries.
			m.metrics.SnapshotFailuresTotal.Inc()
			m.logger.Error("snapshot: build failed",
				zap.String("tenant", key.tenantID),
				zap.String("entity", key.entityID),
				zap.Error(err))
			continue
		}

		m.mu.Lock()
		m.dirty[key] -= pending
		if m.dirty[key] <= 0 {
			delete(m.dirty, key)
		}
		m.mu.Unlock()
	}
}

// Snapshot folds an entity's events into a new snapshot version and prunes
// old versions past the retention bound. Folding is incremental: it starts
// from the latest snapshot and applies only newer events.
func (m *Manager) Snapshot(ctx context.Context, tenantID, entityID string) error {
	start := time.Now()

	latest, err := m.catalog.GetLatestSnapshot(ctx, tenantID, entityID)
	if err != nil {
		return chronerr.NewSnapshotError(chronerr.CodeFoldFailed, "failed to load latest snapshot", err)
	}

	var base State
	var afterSeq uint64
	var baseCount int64
	if latest != nil {
		if base, err = DecodeState(latest.State); err != nil {
			return chronerr.NewSnapshotError(chronerr.CodeFoldFailed, "failed to decode base state", err)
		}
		afterSeq = latest.AsOfSeq
		baseCount = latest.EventCount
	}

	events, err := m.source.EntityEvents(ctx, tenantID, entityID, afterSeq)
	if err != nil {
		return chronerr.NewSnapshotError(chronerr.CodeFoldFailed, "failed to load entity events", err)
	}
	if len(events) == 0 {
		return nil // nothing newer than the last snapshot
	}

	// Fold in sequence order and record the highest folded sequence. A
	// backfilled timestamp must not let an event with a higher sequence
	// slip under the snapshot's as-of bound.
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })

	state := Fold(base, events)
	blob, err := EncodeState(state)
	if err != nil {
		return chronerr.NewSnapshotError(chronerr.CodeFoldFailed, "failed to encode state", err)
	}

	last := events[len(events)-1]
	version, err := m.catalog.PutSnapshot(ctx, &manifest.SnapshotRecord{
		TenantID:   tenantID,
		EntityID:   entityID,
		State:      blob,
		AsOfSeq:    last.Sequence,
		AsOfTime:   last.Timestamp,
		EventCount: baseCount + int64(len(events)),
	})
	if err != nil {
		return chronerr.NewSnapshotError(chronerr.CodeFoldFailed, "failed to store snapshot", err)
	}

	if _, err := m.catalog.PruneSnapshots(ctx, tenantID, entityID, m.config.Retain); err != nil {
		m.logger.Warn("snapshot: prune failed",
			zap.String("tenant", tenantID), zap.String("entity", entityID), zap.Error(err))
	}

	m.bus.Publish(notify.Notification{
		Type:      notify.SnapshotCreated,
		TenantID:  tenantID,
		EntityID:  entityID,
		Sequence:  last.Sequence,
		Timestamp: time.Now().UnixNano(),
	})

	m.metrics.SnapshotsCreatedTotal.Inc()
	m.metrics.SnapshotFoldDuration.Observe(time.Since(start).Seconds())
	m.logger.Debug("snapshot: created",
		zap.String("tenant", tenantID),
		zap.String("entity", entityID),
		zap.Int64("version", version),
		zap.Uint64("as_of_seq", last.Sequence),
		zap.Int("folded_events", len(events)))
	return nil
}
