package compaction

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chronik/chronik/internal/manifest"
	"github.com/chronik/chronik/internal/segment"
	"github.com/chronik/chronik/internal/storage"
)

// GarbageCollector removes compacted source segments once they are older
// than the TTL. The TTL gives in-flight queries holding a segment list time
// to finish before the objects disappear.
type GarbageCollector struct {
	catalog manifest.Catalog
	storage storage.ObjectStorage
	reader  *segment.Reader
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewGarbageCollector creates a garbage collector.
func NewGarbageCollector(catalog manifest.Catalog, store storage.ObjectStorage, reader *segment.Reader, ttl time.Duration, logger *zap.Logger) *GarbageCollector {
	return &GarbageCollector{
		catalog: catalog,
		storage: store,
		reader:  reader,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
}

// GCResult summarizes one collection pass.
type GCResult struct {
	SegmentsDeleted int
	BytesReclaimed  int64
}

// CollectGarbage deletes expired compacted sources: object first, then the
// catalog row, so a crash in between leaves only a harmless dangling row
// retried next pass.
func (gc *GarbageCollector) CollectGarbage(ctx context.Context) (*GCResult, error) {
	compacted, err := gc.catalog.FindCompactedSegments(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := gc.now().Add(-gc.ttl)
	result := &GCResult{}

	for _, rec := range compacted {
		// The grace period runs from when the segment was retired, not
		// when it was written. Rows from before the compacted_at column
		// fall back to creation time.
		ref := rec.CompactedAt
		if ref.IsZero() {
			ref = rec.CreatedAt
		}
		if ref.After(cutoff) {
			continue
		}

		if err := gc.storage.Delete(ctx, rec.ObjectPath); err != nil {
			gc.logger.Warn("compaction gc: failed to delete object",
				zap.String("segment", rec.SegmentID), zap.Error(err))
			continue
		}
		if err := gc.reader.Evict(rec.SegmentID); err != nil {
			gc.logger.Warn("compaction gc: failed to evict cache entry",
				zap.String("segment", rec.SegmentID), zap.Error(err))
		}
		if err := gc.catalog.DeleteSegments(ctx, []string{rec.SegmentID}); err != nil {
			gc.logger.Warn("compaction gc: failed to delete catalog row",
				zap.String("segment", rec.SegmentID), zap.Error(err))
			continue
		}

		result.SegmentsDeleted++
		result.BytesReclaimed += rec.SizeBytes
	}

	if result.SegmentsDeleted > 0 {
		gc.logger.Info("compaction gc: collected sources",
			zap.Int("segments", result.SegmentsDeleted),
			zap.Int64("bytes", result.BytesReclaimed))
	}
	return result, nil
}
