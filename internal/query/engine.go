// Package query serves time-travel reads: range queries over the merged
// segment and memtable views, and point-in-time state reconstruction.
package query

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	chronerr "github.com/chronik/chronik/internal/errors"
	"github.com/chronik/chronik/internal/index"
	"github.com/chronik/chronik/internal/manifest"
	"github.com/chronik/chronik/internal/memtable"
	"github.com/chronik/chronik/internal/metrics"
	"github.com/chronik/chronik/internal/observability"
	"github.com/chronik/chronik/internal/segment"
	"github.com/chronik/chronik/internal/snapshot"
	"github.com/chronik/chronik/pkg/types"
)

// Params describes a range query. TenantID is required; every other field
// narrows the result set, zero values are unbounded.
type Params struct {
	TenantID  string
	EntityID  string
	EventType string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Result holds the matched events in ascending (Timestamp, Sequence) order
// plus scan statistics.
type Result struct {
	Events          []*types.Event
	SegmentsScanned int
	SegmentsPruned  int
}

// EntityState is a reconstructed entity view as of a sequence number.
type EntityState struct {
	State        snapshot.State
	EventCount   int64
	AsOfSequence uint64
	LastUpdated  time.Time
}

// Engine answers queries by merging persisted segments with the unflushed
// memtable window. Segment candidates are pruned twice before any object is
// touched: catalog range bounds first, then per-segment bloom filters.
type Engine struct {
	catalog     manifest.Catalog
	reader      *segment.Reader
	mem         *memtable.Memtable
	idx         *index.Index
	metrics     *metrics.Metrics
	stats       *observability.QueryStats
	logger      *zap.Logger
	concurrency int
}

// NewEngine creates a query engine over the given storage views.
func NewEngine(catalog manifest.Catalog, reader *segment.Reader, mem *memtable.Memtable,
	idx *index.Index, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		catalog:     catalog,
		reader:      reader,
		mem:         mem,
		idx:         idx,
		metrics:     m,
		stats:       observability.NewQueryStats(time.Hour),
		logger:      logger,
		concurrency: 8,
	}
}

// AccessStats exposes the engine's query pattern tracker.
func (e *Engine) AccessStats() *observability.QueryStats {
	return e.stats
}

// Query returns events matching params in ascending (Timestamp, Sequence)
// order, capped at params.Limit when set.
func (e *Engine) Query(ctx context.Context, params Params) (*Result, error) {
	start := time.Now()
	if err := validateParams(params); err != nil {
		return nil, err
	}
	e.stats.RecordEntity(params.TenantID, params.EntityID)
	e.stats.RecordEventType(params.TenantID, params.EventType)

	events, scanned, pruned, err := e.collect(ctx, params, 0)
	if err != nil {
		return nil, err
	}
	if params.Limit > 0 && len(events) > params.Limit {
		events = events[:params.Limit]
	}

	e.metrics.QueriesTotal.WithLabelValues("query").Inc()
	e.metrics.QueryDuration.Observe(time.Since(start).Seconds())
	e.metrics.QueryEventsReturned.Observe(float64(len(events)))
	e.logger.Debug("query served",
		zap.String("tenant_id", params.TenantID),
		zap.Int("events", len(events)),
		zap.Int("segments_scanned", scanned),
		zap.Int("segments_pruned", pruned),
		zap.Duration("elapsed", time.Since(start)))

	return &Result{Events: events, SegmentsScanned: scanned, SegmentsPruned: pruned}, nil
}

// ReconstructState folds the entity's events into a state view as of asOf
// (zero means latest). The newest qualifying snapshot seeds the fold; only
// events past its sequence are replayed.
func (e *Engine) ReconstructState(ctx context.Context, tenantID, entityID string, asOf uint64) (*EntityState, error) {
	start := time.Now()
	if tenantID == "" {
		return nil, chronerr.New(chronerr.ErrCategoryValidation, chronerr.CodeInvalidTenantID, "tenant id is required")
	}
	if entityID == "" {
		return nil, chronerr.New(chronerr.ErrCategoryValidation, chronerr.CodeEmptyEntityID, "entity id is required")
	}
	e.stats.RecordEntity(tenantID, entityID)

	var snap *manifest.SnapshotRecord
	var err error
	if asOf == 0 {
		snap, err = e.catalog.GetLatestSnapshot(ctx, tenantID, entityID)
	} else {
		snap, err = e.catalog.GetSnapshotAsOf(ctx, tenantID, entityID, asOf)
	}
	if err != nil {
		return nil, chronerr.NewSnapshotError(chronerr.CodeSnapshotStoreFailed, "snapshot lookup failed", err)
	}

	base := snapshot.State{}
	var afterSeq uint64
	var count int64
	var lastSeq uint64
	var lastUpdated time.Time
	if snap != nil {
		base, err = snapshot.DecodeState(snap.State)
		if err != nil {
			return nil, err
		}
		afterSeq = snap.AsOfSeq
		count = snap.EventCount
		lastSeq = snap.AsOfSeq
		lastUpdated = time.Unix(0, snap.AsOfTime)
	}

	events, err := e.EntityEvents(ctx, tenantID, entityID, afterSeq)
	if err != nil {
		return nil, err
	}
	if asOf != 0 {
		events = capAtSequence(events, asOf)
	}
	if snap == nil && len(events) == 0 {
		return nil, chronerr.NewNotFound(chronerr.CodeEntityNotFound,
			fmt.Sprintf("entity %q has no events", entityID))
	}

	// Fold in sequence order, matching the order snapshots are built in.
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })

	state := snapshot.Fold(base, events)
	count += int64(len(events))
	if len(events) > 0 {
		last := events[len(events)-1]
		lastSeq = last.Sequence
		lastUpdated = last.Time()
	}

	e.metrics.QueriesTotal.WithLabelValues("reconstruct").Inc()
	e.metrics.QueryDuration.Observe(time.Since(start).Seconds())

	return &EntityState{
		State:        state,
		EventCount:   count,
		AsOfSequence: lastSeq,
		LastUpdated:  lastUpdated,
	}, nil
}

// GetSnapshot returns the latest stored snapshot without any replay.
func (e *Engine) GetSnapshot(ctx context.Context, tenantID, entityID string) (*EntityState, error) {
	snap, err := e.catalog.GetLatestSnapshot(ctx, tenantID, entityID)
	if err != nil {
		return nil, chronerr.NewSnapshotError(chronerr.CodeSnapshotStoreFailed, "snapshot lookup failed", err)
	}
	if snap == nil {
		return nil, chronerr.NewNotFound(chronerr.CodeSnapshotNotFound,
			fmt.Sprintf("no snapshot for entity %q", entityID))
	}
	state, err := snapshot.DecodeState(snap.State)
	if err != nil {
		return nil, err
	}
	e.metrics.QueriesTotal.WithLabelValues("snapshot").Inc()
	return &EntityState{
		State:        state,
		EventCount:   snap.EventCount,
		AsOfSequence: snap.AsOfSeq,
		LastUpdated:  time.Unix(0, snap.AsOfTime),
	}, nil
}

// EntityEvents returns the entity's events with sequence > afterSeq in
// ascending (Timestamp, Sequence) order. It is the replay source for the
// snapshot manager.
func (e *Engine) EntityEvents(ctx context.Context, tenantID, entityID string, afterSeq uint64) ([]*types.Event, error) {
	events, _, _, err := e.collect(ctx, Params{TenantID: tenantID, EntityID: entityID}, afterSeq+1)
	return events, err
}

// collect merges segment-resident matches with memtable window matches.
// minSeq bounds the scan from below; zero means unbounded.
func (e *Engine) collect(ctx context.Context, params Params, minSeq uint64) ([]*types.Event, int, int, error) {
	filter := manifest.SegmentFilter{TenantID: params.TenantID, MinSeq: minSeq}
	if !params.Since.IsZero() {
		filter.MinTime = params.Since.UnixNano()
	}
	if !params.Until.IsZero() {
		filter.MaxTime = params.Until.UnixNano()
	}
	candidates, err := e.catalog.FindSegments(ctx, filter)
	if err != nil {
		return nil, 0, 0, chronerr.NewStorageError(chronerr.CodeDownloadFailed, "segment lookup failed", err)
	}

	scanList := make([]*manifest.SegmentRecord, 0, len(candidates))
	pruned := 0
	for _, rec := range candidates {
		if params.EntityID != "" && !segment.MightContainEntity(rec, params.TenantID, params.EntityID) {
			pruned++
			continue
		}
		if params.EventType != "" && !segment.MightContainType(rec, params.TenantID, params.EventType) {
			pruned++
			continue
		}
		scanList = append(scanList, rec)
	}

	matched, err := e.scanSegments(ctx, scanList, params, minSeq)
	if err != nil {
		return nil, 0, pruned, err
	}

	merged := mergeWindow(matched, e.memtableMatches(params, minSeq))
	sort.Slice(merged, func(i, j int) bool { return merged[i].Less(merged[j]) })
	return merged, len(scanList), pruned, nil
}

// scanSegments reads the candidate segments in parallel under a bounded
// semaphore and filters each one's events against params.
func (e *Engine) scanSegments(ctx context.Context, recs []*manifest.SegmentRecord,
	params Params, minSeq uint64) ([]*types.Event, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	results := make([][]*types.Event, len(recs))
	errs := make([]error, len(recs))
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup

	for i, rec := range recs {
		wg.Add(1)
		go func(i int, rec *manifest.SegmentRecord) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			events, err := e.reader.Read(ctx, rec)
			if err != nil {
				errs[i] = err
				return
			}
			var hits []*types.Event
			for _, ev := range events {
				if ev.Sequence >= minSeq && matches(ev, params) {
					hits = append(hits, ev)
				}
			}
			results[i] = hits
		}(i, rec)
	}
	wg.Wait()

	var matched []*types.Event
	for i, err := range errs {
		if err != nil {
			return nil, chronerr.NewStorageError(chronerr.CodeDownloadFailed,
				fmt.Sprintf("segment %s scan failed", recs[i].SegmentID), err)
		}
		matched = append(matched, results[i]...)
	}
	return matched, nil
}

// memtableMatches returns unflushed events matching params. Entity and type
// queries go through the sharded index; unfiltered queries scan the window.
func (e *Engine) memtableMatches(params Params, minSeq uint64) []*types.Event {
	var hits []*types.Event
	switch {
	case params.EntityID != "":
		for _, p := range e.idx.LookupEntity(params.TenantID, params.EntityID) {
			if p.Sequence < minSeq {
				continue
			}
			if ev, ok := e.mem.Get(p.Sequence); ok && matches(ev, params) {
				hits = append(hits, ev)
			}
		}
	case params.EventType != "":
		for _, p := range e.idx.LookupType(params.TenantID, params.EventType) {
			if p.Sequence < minSeq {
				continue
			}
			if ev, ok := e.mem.Get(p.Sequence); ok && matches(ev, params) {
				hits = append(hits, ev)
			}
		}
	default:
		for _, ev := range e.mem.Scan(minSeq, 0) {
			if matches(ev, params) {
				hits = append(hits, ev)
			}
		}
	}
	return hits
}

// mergeWindow combines segment and memtable hits, dropping duplicates by
// sequence. A flush between the catalog listing and the memtable read can
// surface the same event in both views.
func mergeWindow(segmentHits, windowHits []*types.Event) []*types.Event {
	if len(windowHits) == 0 {
		return segmentHits
	}
	seen := make(map[uint64]bool, len(segmentHits))
	for _, ev := range segmentHits {
		seen[ev.Sequence] = true
	}
	merged := segmentHits
	for _, ev := range windowHits {
		if !seen[ev.Sequence] {
			merged = append(merged, ev)
		}
	}
	return merged
}

func matches(ev *types.Event, params Params) bool {
	if ev.TenantID != params.TenantID {
		return false
	}
	if params.EntityID != "" && ev.EntityID != params.EntityID {
		return false
	}
	if params.EventType != "" && ev.EventType != params.EventType {
		return false
	}
	if !params.Since.IsZero() && ev.Timestamp < params.Since.UnixNano() {
		return false
	}
	if !params.Until.IsZero() && ev.Timestamp > params.Until.UnixNano() {
		return false
	}
	return true
}

func capAtSequence(events []*types.Event, maxSeq uint64) []*types.Event {
	kept := events[:0]
	for _, ev := range events {
		if ev.Sequence <= maxSeq {
			kept = append(kept, ev)
		}
	}
	return kept
}

func validateParams(params Params) error {
	if params.TenantID == "" {
		return chronerr.New(chronerr.ErrCategoryValidation, chronerr.CodeInvalidTenantID, "tenant id is required")
	}
	if !params.Since.IsZero() && !params.Until.IsZero() && params.Until.Before(params.Since) {
		return chronerr.New(chronerr.ErrCategoryValidation, chronerr.CodeInvalidRange, "until precedes since")
	}
	return nil
}
