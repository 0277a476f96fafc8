package compaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chronik/chronik/internal/manifest"
	"github.com/chronik/chronik/internal/metrics"
	"github.com/chronik/chronik/internal/notify"
	"github.com/chronik/chronik/internal/segment"
	"github.com/chronik/chronik/internal/storage"
)

// Config holds compaction daemon settings.
type Config struct {
	// MinSegmentSize is the threshold below which segments are merge candidates.
	MinSegmentSize int64
	// MaxSegments triggers an overflow merge when the active count exceeds it.
	MaxSegments int64
	// MaxSegmentAge triggers a merge of runs older than this. Zero disables it.
	MaxSegmentAge time.Duration
	// CheckInterval is how often the daemon looks for candidates.
	CheckInterval time.Duration
	// SourceTTL is how long compacted sources survive before collection.
	SourceTTL time.Duration
}

// DefaultConfig returns the default compaction configuration.
func DefaultConfig() Config {
	return Config{
		MinSegmentSize: 8 << 20,
		MaxSegments:    256,
		MaxSegmentAge:  0,
		CheckInterval:  5 * time.Minute,
		SourceTTL:      24 * time.Hour,
	}
}

// Daemon runs background compaction: candidate selection, merge,
// validation, atomic catalog swap, and source garbage collection.
type Daemon struct {
	config  Config
	catalog manifest.Catalog
	finder  *CandidateFinder
	merger  *Merger
	gc      *GarbageCollector
	metrics *metrics.Metrics
	bus     *notify.Bus
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDaemon creates a compaction daemon.
func NewDaemon(config Config, catalog manifest.Catalog, store storage.ObjectStorage,
	reader *segment.Reader, writer *segment.Writer, m *metrics.Metrics, bus *notify.Bus, logger *zap.Logger) *Daemon {
	return &Daemon{
		config:  config,
		catalog: catalog,
		finder:  NewCandidateFinder(catalog, config.MinSegmentSize, config.MaxSegments, config.MaxSegmentAge),
		merger:  NewMerger(reader, writer),
		gc:      NewGarbageCollector(catalog, store, reader, config.SourceTTL, logger),
		metrics: m,
		bus:     bus,
		logger:  logger,
	}
}

// Start begins the compaction loop. It runs until the context is cancelled
// or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("compaction: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop gracefully stops the compaction daemon.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}
	d.cancel()
	<-d.done
	d.running = false
	return nil
}

// run is the main compaction loop.
func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	// Crash leftovers are cleaned immediately rather than waiting a tick.
	if err := d.recoverIntents(ctx); err != nil {
		d.logger.Error("compaction: intent recovery failed", zap.Error(err))
	}

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.RunOnce(ctx); err != nil {
				d.logger.Error("compaction: cycle failed", zap.Error(err))
			}
		}
	}
}

// recoverIntents removes intents (and their orphan objects) left by a crash.
func (d *Daemon) recoverIntents(ctx context.Context) error {
	intents, err := d.catalog.FindCompactionIntents(ctx)
	if err != nil {
		return err
	}
	for _, intent := range intents {
		if err := d.gc.storage.Delete(ctx, segment.ObjectPath(intent.TargetSegmentID)); err != nil {
			d.logger.Warn("compaction: failed to delete orphan object",
				zap.String("target", intent.TargetSegmentID), zap.Error(err))
		}
		if err := d.catalog.DeleteCompactionIntent(ctx, intent.TargetSegmentID); err != nil {
			return err
		}
		d.logger.Info("compaction: discarded stale intent",
			zap.String("target", intent.TargetSegmentID),
			zap.Strings("sources", intent.SourceIDs))
	}
	return nil
}

// RunOnce executes one full compaction cycle: discard stale intents, merge
// eligible groups, then collect expired sources. No intent survives a clean
// cycle, so any intent found at the start belongs to a crashed run whose
// merged object was never registered; the sources are still authoritative.
func (d *Daemon) RunOnce(ctx context.Context) error {
	if err := d.recoverIntents(ctx); err != nil {
		return fmt.Errorf("compaction: intent recovery failed: %w", err)
	}

	groups, err := d.finder.FindCandidates(ctx)
	if err != nil {
		return fmt.Errorf("compaction: failed to find candidates: %w", err)
	}

	for _, group := range groups {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.compactGroup(ctx, group); err != nil {
			// One failed group must not starve the others.
			d.metrics.CompactionsTotal.WithLabelValues("failed").Inc()
			d.logger.Error("compaction: group failed",
				zap.String("reason", string(group.Reason)), zap.Error(err))
		}
	}

	if _, err := d.gc.CollectGarbage(ctx); err != nil {
		return fmt.Errorf("compaction: garbage collection failed: %w", err)
	}
	return nil
}

// compactGroup merges one group behind a crash-safe intent. The intent is
// written before anything is uploaded, so a crash at any later point leaves
// a recoverable record naming the orphan object. The catalog swap registers
// the merged segment and retires the sources in a single transaction, so
// readers see either all sources or only the merge.
func (d *Daemon) compactGroup(ctx context.Context, group *CandidateGroup) error {
	start := time.Now()

	targetID := segment.NewSegmentID()
	sourceIDs := make([]string, 0, len(group.Segments))
	for _, src := range group.Segments {
		sourceIDs = append(sourceIDs, src.SegmentID)
	}
	if err := d.catalog.WriteCompactionIntent(ctx, &manifest.CompactionIntent{
		TargetSegmentID: targetID,
		SourceIDs:       sourceIDs,
	}); err != nil {
		return fmt.Errorf("failed to write intent: %w", err)
	}

	result, err := d.merger.Merge(ctx, targetID, group)
	if err != nil {
		// Object deletion is idempotent, so this is safe even when the
		// merge failed before uploading anything.
		if delErr := d.gc.storage.Delete(ctx, segment.ObjectPath(targetID)); delErr != nil {
			d.logger.Warn("compaction: failed to delete orphan merge object", zap.Error(delErr))
		}
		if delErr := d.catalog.DeleteCompactionIntent(ctx, targetID); delErr != nil {
			d.logger.Warn("compaction: failed to delete intent after merge failure", zap.Error(delErr))
		}
		return err
	}

	if err := Validate(result, group.Segments); err != nil {
		// Abandon: remove the intent and the uploaded merge object.
		if delErr := d.catalog.DeleteCompactionIntent(ctx, targetID); delErr != nil {
			d.logger.Warn("compaction: failed to delete intent after validation failure", zap.Error(delErr))
		}
		if delErr := d.gc.storage.Delete(ctx, result.Record.ObjectPath); delErr != nil {
			d.logger.Warn("compaction: failed to delete invalid merge object", zap.Error(delErr))
		}
		return err
	}

	if err := d.catalog.CompleteCompaction(ctx, result.Record, result.SourceIDs); err != nil {
		return fmt.Errorf("failed to complete compaction: %w", err)
	}

	d.bus.Publish(notify.Notification{
		Type:      notify.CompactionCompleted,
		SegmentID: result.Record.SegmentID,
		Sequence:  result.Record.MaxSeq,
		Timestamp: time.Now().UnixNano(),
	})

	d.metrics.CompactionsTotal.WithLabelValues("merged").Inc()
	d.metrics.CompactionDuration.Observe(time.Since(start).Seconds())
	d.metrics.CompactionBytesMerged.Add(float64(result.SourceBytes))
	d.metrics.SegmentsTotal.Sub(float64(len(result.SourceIDs) - 1))

	d.logger.Info("compaction: merged group",
		zap.String("reason", string(group.Reason)),
		zap.Int("sources", len(result.SourceIDs)),
		zap.String("target", result.Record.SegmentID),
		zap.Int64("events", result.EventCount),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
