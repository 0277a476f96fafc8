// Package compaction merges runs of adjacent small segments into larger
// ones and garbage-collects the replaced sources after a TTL.
package compaction

import (
	"context"
	"time"

	"github.com/chronik/chronik/internal/manifest"
)

// CompactionReason describes why a group was selected.
type CompactionReason string

const (
	// ReasonSmall: a run of undersized segments.
	ReasonSmall CompactionReason = "small"
	// ReasonCount: the total segment count exceeds the configured bound.
	ReasonCount CompactionReason = "count"
	// ReasonAge: a run of segments older than the age bound.
	ReasonAge CompactionReason = "age"
)

// maxGroupSize bounds how many sources one merge consumes, keeping work
// units small and retryable.
const maxGroupSize = 8

// CandidateGroup is a run of sequence-adjacent segments to merge.
type CandidateGroup struct {
	Segments []*manifest.SegmentRecord
	Reason   CompactionReason
}

// CandidateFinder selects groups of segments eligible for compaction.
type CandidateFinder struct {
	catalog        manifest.Catalog
	minSegmentSize int64
	maxSegments    int64
	maxSegmentAge  time.Duration
	now            func() time.Time
}

// NewCandidateFinder creates a candidate finder.
func NewCandidateFinder(catalog manifest.Catalog, minSegmentSize, maxSegments int64, maxSegmentAge time.Duration) *CandidateFinder {
	return &CandidateFinder{
		catalog:        catalog,
		minSegmentSize: minSegmentSize,
		maxSegments:    maxSegments,
		maxSegmentAge:  maxSegmentAge,
		now:            time.Now,
	}
}

// FindCandidates returns groups to merge, in priority order: undersized
// runs first, then count overflow, then aged runs. Groups never overlap;
// a segment claimed by one group is skipped by later policies.
func (f *CandidateFinder) FindCandidates(ctx context.Context) ([]*CandidateGroup, error) {
	segments, err := f.catalog.ListActiveSegments(ctx)
	if err != nil {
		return nil, err
	}

	claimed := make(map[string]bool)
	var groups []*CandidateGroup

	groups = append(groups, f.findRuns(segments, claimed, ReasonSmall, func(s *manifest.SegmentRecord) bool {
		return f.minSegmentSize > 0 && s.SizeBytes < f.minSegmentSize
	})...)

	if f.maxSegments > 0 && int64(len(segments)) > f.maxSegments {
		// Overflow: merge the oldest unclaimed run regardless of size.
		overflow := f.findRuns(segments, claimed, ReasonCount, func(s *manifest.SegmentRecord) bool {
			return true
		})
		if len(overflow) > 0 {
			groups = append(groups, overflow[0])
		}
	}

	if f.maxSegmentAge > 0 {
		cutoff := f.now().Add(-f.maxSegmentAge)
		groups = append(groups, f.findRuns(segments, claimed, ReasonAge, func(s *manifest.SegmentRecord) bool {
			return s.CreatedAt.Before(cutoff)
		})...)
	}

	return groups, nil
}

// findRuns walks the sequence-ordered segment list and groups maximal runs
// of adjacent segments matching the predicate. Runs of one are not worth a
// merge and are left alone.
func (f *CandidateFinder) findRuns(segments []*manifest.SegmentRecord, claimed map[string]bool,
	reason CompactionReason, match func(*manifest.SegmentRecord) bool) []*CandidateGroup {

	var groups []*CandidateGroup
	var run []*manifest.SegmentRecord

	flush := func() {
		if len(run) >= 2 {
			group := &CandidateGroup{Segments: run, Reason: reason}
			for _, s := range run {
				claimed[s.SegmentID] = true
			}
			groups = append(groups, group)
		}
		run = nil
	}

	for _, s := range segments {
		if claimed[s.SegmentID] || !match(s) {
			flush()
			continue
		}
		run = append(run, s)
		if len(run) == maxGroupSize {
			flush()
		}
	}
	flush()

	return groups
}
