package segment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chronik/chronik/internal/index"
	"github.com/chronik/chronik/internal/manifest"
	"github.com/chronik/chronik/internal/memtable"
	"github.com/chronik/chronik/internal/metrics"
	"github.com/chronik/chronik/internal/notify"
	"github.com/chronik/chronik/internal/wal"
	"github.com/chronik/chronik/pkg/types"
)

// Flusher drains the memtable window into storage segments. After a batch
// is registered in the catalog the flushed events are trimmed from the
// memtable and index, and fully-flushed WAL segment files are deleted.
type Flusher struct {
	wal       *wal.WAL
	mem       *memtable.Memtable
	idx       *index.Index
	writer    *Writer
	catalog   manifest.Catalog
	metrics   *metrics.Metrics
	bus       *notify.Bus
	logger    *zap.Logger
	interval  time.Duration
	maxBatch  int
	flushedTo uint64
	mu        sync.Mutex
}

// NewFlusher creates a flusher. startSeq is the recovered checkpoint: the
// highest sequence already present in a registered segment.
func NewFlusher(w *wal.WAL, mem *memtable.Memtable, idx *index.Index, writer *Writer,
	catalog manifest.Catalog, m *metrics.Metrics, bus *notify.Bus, logger *zap.Logger,
	interval time.Duration, maxBatch int, startSeq uint64) *Flusher {
	return &Flusher{
		wal:       w,
		mem:       mem,
		idx:       idx,
		writer:    writer,
		catalog:   catalog,
		metrics:   m,
		bus:       bus,
		logger:    logger,
		interval:  interval,
		maxBatch:  maxBatch,
		flushedTo: startSeq,
	}
}

// Run starts the background flush loop.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: drain whatever the window still holds.
			// Use a fresh context since ctx is already cancelled.
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := f.Flush(drainCtx); err != nil {
				f.logger.Error("segment flusher: final drain failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := f.Flush(ctx); err != nil {
				// Log and continue; the window stays intact for the next tick
				f.logger.Error("segment flusher: flush failed", zap.Error(err))
			}
		}
	}
}

// Flush drains all currently unflushed events in maxBatch chunks. Only a
// contiguous run starting at flushedTo+1 is flushed: an append that has
// reached the WAL but not yet the memtable leaves a hole in the window, and
// advancing the checkpoint past it would strand the durable event once its
// WAL segment is trimmed. The hole closes as soon as the in-flight insert
// lands; the next flush picks the run up from there.
func (f *Flusher) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		batch := contiguousRun(f.mem.Scan(f.flushedTo+1, 0), f.flushedTo+1)
		if len(batch) == 0 {
			return nil
		}
		if len(batch) > f.maxBatch {
			batch = batch[:f.maxBatch]
		}
		if err := f.flushBatch(ctx, batch); err != nil {
			return err
		}
	}
}

// contiguousRun returns the longest prefix of events whose sequences run
// start, start+1, ... with no hole.
func contiguousRun(events []*types.Event, start uint64) []*types.Event {
	for i, ev := range events {
		if ev.Sequence != start+uint64(i) {
			return events[:i]
		}
	}
	return events
}

// flushBatch writes one segment, registers it with an idempotency key, and
// trims the flushed prefix from the in-memory structures. The idempotency
// key carries the batch's highest sequence; a crash between upload and
// register leaves an orphan object, never a duplicate registration.
func (f *Flusher) flushBatch(ctx context.Context, batch []*types.Event) error {
	start := time.Now()
	maxSeq := batch[len(batch)-1].Sequence

	built, err := f.writer.Write(ctx, batch)
	if err != nil {
		return fmt.Errorf("flusher: failed to build segment: %w", err)
	}

	idempotencyKey := fmt.Sprintf("%s%d", wal.CheckpointPrefix, maxSeq)
	segmentID, err := f.catalog.RegisterSegmentWithIdempotencyKey(ctx, built.Record, idempotencyKey)
	if err != nil {
		return fmt.Errorf("flusher: failed to register segment: %w", err)
	}

	// Storage usage is accounted at flush time, per tenant share.
	for tenantID, bytes := range built.TenantBytes {
		if err := f.catalog.AddTenantUsage(ctx, tenantID, 0, bytes); err != nil {
			f.logger.Warn("segment flusher: failed to update tenant usage",
				zap.String("tenant", tenantID), zap.Error(err))
		}
	}

	f.mem.TrimThrough(maxSeq)
	f.idx.TrimThrough(maxSeq)
	f.flushedTo = maxSeq

	if removed, err := f.wal.DeleteSegmentsThrough(maxSeq); err != nil {
		f.logger.Warn("segment flusher: failed to trim WAL segments", zap.Error(err))
	} else if removed > 0 {
		f.logger.Debug("segment flusher: trimmed WAL segments", zap.Int("removed", removed))
	}
	if n, err := f.wal.SegmentCount(); err == nil {
		f.metrics.WALSegments.Set(float64(n))
	}

	f.bus.Publish(notify.Notification{
		Type:      notify.SegmentFlushed,
		SegmentID: segmentID,
		Sequence:  maxSeq,
		Timestamp: time.Now().UnixNano(),
	})

	f.metrics.SegmentFlushesTotal.Inc()
	f.metrics.SegmentsTotal.Inc()
	f.metrics.SegmentFlushDuration.Observe(time.Since(start).Seconds())
	f.metrics.StorageBytes.Add(float64(built.Record.SizeBytes))

	f.logger.Info("segment flusher: flushed batch",
		zap.String("segment_id", segmentID),
		zap.Uint64("min_seq", built.Record.MinSeq),
		zap.Uint64("max_seq", built.Record.MaxSeq),
		zap.Int64("events", built.Record.EventCount),
		zap.Int64("size_bytes", built.Record.SizeBytes),
		zap.Duration("elapsed", time.Since(start)))

	return nil
}

// FlushedSeq returns the highest sequence flushed to a registered segment.
func (f *Flusher) FlushedSeq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushedTo
}
