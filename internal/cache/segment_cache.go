// Package cache provides a size-bounded local file cache for downloaded
// storage segments.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// evictTarget is the fraction of capacity an eviction pass shrinks to, so
// passes do not run back to back at the boundary.
const evictTarget = 0.9

// SegmentCache keeps downloaded segment objects on local disk. Entries are
// evicted least-used first once the byte budget is exceeded; a zero budget
// disables eviction.
type SegmentCache struct {
	dir      string
	maxBytes int64
	logger   *zap.Logger

	index sync.Map // segmentID → *entry

	size      atomic.Int64
	entries   atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	evictCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type entry struct {
	path        string
	size        int64
	lastAccess  atomic.Int64
	accessCount atomic.Int64
}

// NewSegmentCache creates a cache under dir, rebuilding the index from
// files that survived a restart.
func NewSegmentCache(dir string, maxBytes int64, logger *zap.Logger) (*SegmentCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cache: failed to create dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &SegmentCache{
		dir:      dir,
		maxBytes: maxBytes,
		logger:   logger,
		evictCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	if err := c.scanExisting(); err != nil {
		return nil, fmt.Errorf("cache: failed to scan existing files: %w", err)
	}

	if maxBytes > 0 {
		c.wg.Add(1)
		go c.evictionWorker()
	}
	return c, nil
}

// Close stops the eviction worker. Cached files are kept for the next start.
func (c *SegmentCache) Close() {
	select {
	case <-c.stopCh:
		return
	default:
	}
	close(c.stopCh)
	c.wg.Wait()
}

func (c *SegmentCache) scanExisting() error {
	files, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	now := time.Now().UnixNano()
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if !strings.HasSuffix(f.Name(), ".seg") {
			// Stale staging files from an interrupted download.
			os.Remove(filepath.Join(c.dir, f.Name()))
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		e := &entry{
			path: filepath.Join(c.dir, f.Name()),
			size: info.Size(),
		}
		e.lastAccess.Store(now)
		c.index.Store(strings.TrimSuffix(f.Name(), ".seg"), e)
		c.size.Add(info.Size())
		c.entries.Add(1)
	}
	return nil
}

// Get returns the local path for a cached segment.
func (c *SegmentCache) Get(segmentID string) (string, bool) {
	v, ok := c.index.Load(segmentID)
	if !ok {
		c.misses.Add(1)
		return "", false
	}
	e := v.(*entry)
	e.lastAccess.Store(time.Now().UnixNano())
	e.accessCount.Add(1)
	c.hits.Add(1)
	return e.path, true
}

// Put stores segment bytes and returns the local path. Exceeding the budget
// schedules an asynchronous eviction pass; the new entry is kept.
func (c *SegmentCache) Put(segmentID string, data []byte) (string, error) {
	path := filepath.Join(c.dir, segmentID+".seg")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("cache: failed to write %s: %w", segmentID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("cache: failed to commit %s: %w", segmentID, err)
	}

	e := &entry{path: path, size: int64(len(data))}
	e.lastAccess.Store(time.Now().UnixNano())
	e.accessCount.Store(1)
	if _, loaded := c.index.Swap(segmentID, e); !loaded {
		c.size.Add(int64(len(data)))
		c.entries.Add(1)
	}

	if c.maxBytes > 0 && c.size.Load() > c.maxBytes {
		select {
		case c.evictCh <- struct{}{}:
		default:
		}
	}
	return path, nil
}

// TempFile returns a download staging path on the same filesystem as the
// cache, so Adopt can commit it with a rename.
func (c *SegmentCache) TempFile(segmentID string) string {
	return filepath.Join(c.dir, segmentID+".seg.download")
}

// Adopt moves a staged file into the cache and indexes it.
func (c *SegmentCache) Adopt(segmentID, srcPath string) (string, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		return "", fmt.Errorf("cache: failed to stat staged file: %w", err)
	}
	path := filepath.Join(c.dir, segmentID+".seg")
	if err := os.Rename(srcPath, path); err != nil {
		return "", fmt.Errorf("cache: failed to commit %s: %w", segmentID, err)
	}

	e := &entry{path: path, size: info.Size()}
	e.lastAccess.Store(time.Now().UnixNano())
	e.accessCount.Store(1)
	if _, loaded := c.index.Swap(segmentID, e); !loaded {
		c.size.Add(info.Size())
		c.entries.Add(1)
	}

	if c.maxBytes > 0 && c.size.Load() > c.maxBytes {
		select {
		case c.evictCh <- struct{}{}:
		default:
		}
	}
	return path, nil
}

// Remove deletes a cached segment, typically after its object is
// garbage-collected.
func (c *SegmentCache) Remove(segmentID string) error {
	v, ok := c.index.LoadAndDelete(segmentID)
	if !ok {
		return nil
	}
	e := v.(*entry)
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cache: failed to remove %s: %w", segmentID, err)
	}
	c.size.Add(-e.size)
	c.entries.Add(-1)
	return nil
}

// Size returns the cached bytes currently on disk.
func (c *SegmentCache) Size() int64 {
	return c.size.Load()
}

// HitRate returns the fraction of lookups served from cache.
func (c *SegmentCache) HitRate() float64 {
	hits, misses := c.hits.Load(), c.misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

func (c *SegmentCache) evictionWorker() {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.evictCh:
			c.evictPass()
		case <-ticker.C:
			c.evictPass()
		}
	}
}

// evictPass removes the least-used entries until the cache is back under
// the target fraction of its budget.
func (c *SegmentCache) evictPass() {
	target := int64(float64(c.maxBytes) * evictTarget)
	if c.size.Load() <= target {
		return
	}

	type candidate struct {
		id     string
		access int64
		count  int64
	}
	var candidates []candidate
	c.index.Range(func(key, value interface{}) bool {
		e := value.(*entry)
		candidates = append(candidates, candidate{
			id:     key.(string),
			access: e.lastAccess.Load(),
			count:  e.accessCount.Load(),
		})
		return true
	})

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count < candidates[j].count
		}
		return candidates[i].access < candidates[j].access
	})

	for _, cand := range candidates {
		if c.size.Load() <= target {
			break
		}
		if err := c.Remove(cand.id); err != nil {
			c.logger.Warn("cache: eviction failed", zap.String("segment_id", cand.id), zap.Error(err))
			continue
		}
		c.evictions.Add(1)
		c.logger.Debug("cache: evicted segment", zap.String("segment_id", cand.id))
	}
}
