package segment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/golang/snappy"

	"github.com/chronik/chronik/internal/bloom"
	"github.com/chronik/chronik/internal/cache"
	"github.com/chronik/chronik/internal/manifest"
	"github.com/chronik/chronik/internal/storage"
	"github.com/chronik/chronik/pkg/types"
)

// Reader fetches and decodes segment objects through a local file cache, so
// repeated scans of the same segment skip the download.
type Reader struct {
	storage storage.ObjectStorage
	cache   *cache.SegmentCache
}

// NewReader creates a segment reader over the given cache.
func NewReader(store storage.ObjectStorage, c *cache.SegmentCache) *Reader {
	return &Reader{
		storage: store,
		cache:   c,
	}
}

// Read returns all events in the segment in sequence order.
func (r *Reader) Read(ctx context.Context, rec *manifest.SegmentRecord) ([]*types.Event, error) {
	compressed, err := r.fetch(ctx, rec)
	if err != nil {
		return nil, err
	}

	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("segment: failed to decompress %s: %w", rec.SegmentID, err)
	}

	var events []*types.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("segment: failed to decode %s: %w", rec.SegmentID, err)
	}
	return events, nil
}

// fetch returns the segment's compressed bytes, downloading on a cache
// miss. A hit whose file was evicted between lookup and read is retried as
// a miss.
func (r *Reader) fetch(ctx context.Context, rec *manifest.SegmentRecord) ([]byte, error) {
	if path, ok := r.cache.Get(rec.SegmentID); ok {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("segment: failed to read cached segment: %w", err)
		}
	}

	staged := r.cache.TempFile(rec.SegmentID)
	if err := r.storage.Download(ctx, rec.ObjectPath, staged); err != nil {
		return nil, fmt.Errorf("segment: failed to download %s: %w", rec.ObjectPath, err)
	}
	path, err := r.cache.Adopt(rec.SegmentID, staged)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("segment: failed to read cached segment: %w", err)
	}
	return data, nil
}

// Evict removes a segment from the local cache, typically after compaction
// garbage-collects its object.
func (r *Reader) Evict(segmentID string) error {
	return r.cache.Remove(segmentID)
}

// MightContainEntity checks the segment's entity bloom filter. A missing
// filter means the answer is unknown, so the segment must be scanned.
func MightContainEntity(rec *manifest.SegmentRecord, tenantID, entityID string) bool {
	return mightContain(rec.EntityBloom, EntityBloomKey(tenantID, entityID))
}

// MightContainType checks the segment's event type bloom filter.
func MightContainType(rec *manifest.SegmentRecord, tenantID, eventType string) bool {
	return mightContain(rec.TypeBloom, TypeBloomKey(tenantID, eventType))
}

func mightContain(serialized []byte, key string) bool {
	if len(serialized) == 0 {
		return true
	}
	filter, err := bloom.Deserialize(serialized)
	if err != nil {
		return true // corrupt filter falls back to a scan
	}
	return filter.MightContain(key)
}
