// Package segment builds, reads, and flushes immutable storage segments.
// A segment is a snappy-compressed JSON batch of events with catalog
// metadata and per-segment bloom filters over entity and event type keys.
package segment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/chronik/chronik/internal/bloom"
	"github.com/chronik/chronik/internal/manifest"
	"github.com/chronik/chronik/internal/storage"
	"github.com/chronik/chronik/pkg/types"
)

// EntityBloomKey is the bloom filter key for an entity within a tenant.
func EntityBloomKey(tenantID, entityID string) string {
	return tenantID + "\x00" + entityID
}

// TypeBloomKey is the bloom filter key for an event type within a tenant.
func TypeBloomKey(tenantID, eventType string) string {
	return tenantID + "\x00" + eventType
}

// ObjectPath returns the storage path for a segment ID.
func ObjectPath(segmentID string) string {
	return fmt.Sprintf("segments/%s.seg", segmentID)
}

// Built is the result of writing one segment.
type Built struct {
	Record *manifest.SegmentRecord
	// TenantBytes holds the uncompressed byte share per tenant, used to
	// account storage usage against quotas.
	TenantBytes map[string]int64
}

// Writer builds segment objects and uploads them to object storage.
type Writer struct {
	storage  storage.ObjectStorage
	workDir  string
	bloomFPR float64
}

// NewWriter creates a segment writer that stages files under workDir.
func NewWriter(store storage.ObjectStorage, workDir string, bloomFPR float64) *Writer {
	return &Writer{
		storage:  store,
		workDir:  workDir,
		bloomFPR: bloomFPR,
	}
}

// NewSegmentID returns a fresh segment identifier. Callers that need the ID
// before the segment exists, such as compaction intents, generate it here
// and pass it to WriteAs.
func NewSegmentID() string {
	return "seg-" + uuid.New().String()
}

// Write builds a segment from events (already in sequence order), uploads
// it, and returns the catalog record. The caller registers the record; the
// upload alone does not make the segment visible.
func (w *Writer) Write(ctx context.Context, events []*types.Event) (*Built, error) {
	return w.WriteAs(ctx, NewSegmentID(), events)
}

// WriteAs is Write with a caller-chosen segment ID.
func (w *Writer) WriteAs(ctx context.Context, segmentID string, events []*types.Event) (*Built, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("segment: cannot write empty segment")
	}

	raw, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("segment: failed to serialize events: %w", err)
	}
	compressed := snappy.Encode(nil, raw)

	if err := os.MkdirAll(w.workDir, 0755); err != nil {
		return nil, fmt.Errorf("segment: failed to create work directory: %w", err)
	}
	localPath := filepath.Join(w.workDir, segmentID+".seg")
	if err := os.WriteFile(localPath, compressed, 0644); err != nil {
		return nil, fmt.Errorf("segment: failed to stage segment file: %w", err)
	}
	defer os.Remove(localPath)

	objectPath := ObjectPath(segmentID)
	if err := w.storage.Upload(ctx, localPath, objectPath); err != nil {
		return nil, fmt.Errorf("segment: failed to upload segment: %w", err)
	}

	record, tenantBytes, err := buildRecord(segmentID, objectPath, events, int64(len(compressed)), w.bloomFPR)
	if err != nil {
		return nil, err
	}
	return &Built{Record: record, TenantBytes: tenantBytes}, nil
}

// buildRecord derives catalog metadata and bloom filters from the events.
func buildRecord(segmentID, objectPath string, events []*types.Event, sizeBytes int64, bloomFPR float64) (*manifest.SegmentRecord, map[string]int64, error) {
	rec := &manifest.SegmentRecord{
		SegmentID:  segmentID,
		ObjectPath: objectPath,
		MinSeq:     events[0].Sequence,
		MaxSeq:     events[0].Sequence,
		MinTime:    events[0].Timestamp,
		MaxTime:    events[0].Timestamp,
		EventCount: int64(len(events)),
		SizeBytes:  sizeBytes,
		CreatedAt:  time.Now(),
	}

	entityBloom := bloom.NewWithEstimates(len(events), bloomFPR)
	typeBloom := bloom.NewWithEstimates(len(events), bloomFPR)

	tenantSet := make(map[string]struct{})
	tenantBytes := make(map[string]int64)

	for _, e := range events {
		if e.Sequence < rec.MinSeq {
			rec.MinSeq = e.Sequence
		}
		if e.Sequence > rec.MaxSeq {
			rec.MaxSeq = e.Sequence
		}
		if e.Timestamp < rec.MinTime {
			rec.MinTime = e.Timestamp
		}
		if e.Timestamp > rec.MaxTime {
			rec.MaxTime = e.Timestamp
		}

		tenantSet[e.TenantID] = struct{}{}
		entityBloom.Add(EntityBloomKey(e.TenantID, e.EntityID))
		typeBloom.Add(TypeBloomKey(e.TenantID, e.EventType))

		encoded, err := json.Marshal(e)
		if err != nil {
			return nil, nil, fmt.Errorf("segment: failed to size event: %w", err)
		}
		tenantBytes[e.TenantID] += int64(len(encoded))
	}

	for tenantID := range tenantSet {
		rec.TenantIDs = append(rec.TenantIDs, tenantID)
	}

	var err error
	if rec.EntityBloom, err = entityBloom.Serialize(); err != nil {
		return nil, nil, fmt.Errorf("segment: failed to serialize entity bloom: %w", err)
	}
	if rec.TypeBloom, err = typeBloom.Serialize(); err != nil {
		return nil, nil, fmt.Errorf("segment: failed to serialize type bloom: %w", err)
	}

	return rec, tenantBytes, nil
}
