package wal

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/chronik/chronik/internal/manifest"
	"github.com/chronik/chronik/pkg/types"
)

// CheckpointPrefix is the idempotency key prefix recording the highest
// sequence flushed to a durable segment. Recovery replays everything above it.
const CheckpointPrefix = "wal-seq-"

// Recovery repairs the log directory and replays unflushed events after a
// crash. It runs before the WAL is reopened for writing so that truncation
// never races an open append handle.
type Recovery struct {
	dir     string
	catalog manifest.Catalog
	logger  *zap.Logger
}

// Result describes the outcome of a recovery pass.
type Result struct {
	// CheckpointSeq is the highest sequence already flushed to segments.
	CheckpointSeq uint64
	// Events holds every valid event above the checkpoint, in sequence order.
	Events []*types.Event
	// LastSeq is the highest valid sequence found in the log, checkpointed or not.
	LastSeq uint64
	// TruncatedBytes counts bytes removed from a torn segment tail.
	TruncatedBytes int64
	// DroppedSegments counts whole segment files discarded past a torn frame.
	DroppedSegments int
}

// NewRecovery creates a recovery pass over the given WAL directory.
func NewRecovery(dir string, catalog manifest.Catalog, logger *zap.Logger) *Recovery {
	return &Recovery{
		dir:     dir,
		catalog: catalog,
		logger:  logger,
	}
}

// Recover scans the segment chain in order, truncates the log at the first
// corrupt or short frame, and returns every valid event past the last
// flushed checkpoint. Frames after a bad one are never skipped over: a
// corrupt frame destroys the framing, so the whole suffix is discarded.
func (r *Recovery) Recover(ctx context.Context) (*Result, error) {
	startTime := time.Now()

	segmentFiles, err := listSegmentFiles(r.dir)
	if err != nil {
		return nil, fmt.Errorf("recovery: failed to list segment files: %w", err)
	}

	// The flushed checkpoint must come from the catalog. Any in-memory
	// flush cursor is lost on crash.
	checkpoint, err := r.catalog.FindHighestIdempotencySeq(ctx, CheckpointPrefix)
	if err != nil {
		return nil, fmt.Errorf("recovery: failed to find flushed checkpoint: %w", err)
	}

	result := &Result{CheckpointSeq: checkpoint}

	torn := false
	for _, path := range segmentFiles {
		if torn {
			// Everything past a torn frame is unacknowledged.
			stat, statErr := os.Stat(path)
			if statErr == nil {
				result.TruncatedBytes += stat.Size()
			}
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("recovery: failed to drop segment %s: %w", path, err)
			}
			result.DroppedSegments++
			r.logger.Warn("wal: dropped segment past torn frame",
				zap.String("segment", path))
			continue
		}

		events, validOffset, err := ReadSegment(path)
		if err != nil {
			return nil, fmt.Errorf("recovery: failed to read segment %s: %w", path, err)
		}

		stat, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("recovery: failed to stat segment %s: %w", path, err)
		}

		if validOffset < stat.Size() {
			torn = true
			truncated := stat.Size() - validOffset
			if err := os.Truncate(path, validOffset); err != nil {
				return nil, fmt.Errorf("recovery: failed to truncate segment %s: %w", path, err)
			}
			result.TruncatedBytes += truncated
			r.logger.Warn("wal: truncated torn tail",
				zap.String("segment", path),
				zap.Int64("valid_offset", validOffset),
				zap.Int64("truncated_bytes", truncated))
		}

		for _, event := range events {
			if event.Sequence > result.LastSeq {
				result.LastSeq = event.Sequence
			}
			if event.Sequence > checkpoint {
				result.Events = append(result.Events, event)
			}
		}
	}

	r.logger.Info("wal: recovery complete",
		zap.Uint64("checkpoint_seq", result.CheckpointSeq),
		zap.Uint64("last_seq", result.LastSeq),
		zap.Int("replayed_events", len(result.Events)),
		zap.Int64("truncated_bytes", result.TruncatedBytes),
		zap.Int("dropped_segments", result.DroppedSegments),
		zap.Duration("elapsed", time.Since(startTime)))

	return result, nil
}
