package compaction

import (
	"context"
	"encoding/json"
	"hash/crc32"
	"sort"

	chronerr "github.com/chronik/chronik/internal/errors"
	"github.com/chronik/chronik/internal/manifest"
	"github.com/chronik/chronik/internal/segment"
	"github.com/chronik/chronik/pkg/types"
)

// Merger reads a candidate group's events and writes them back as a single
// segment. The merged segment is uploaded but not registered; registration
// happens atomically in the catalog once validation passes.
type Merger struct {
	reader *segment.Reader
	writer *segment.Writer
}

// NewMerger creates a merger using the given reader and writer.
func NewMerger(reader *segment.Reader, writer *segment.Writer) *Merger {
	return &Merger{
		reader: reader,
		writer: writer,
	}
}

// MergeResult describes a merged segment before registration. The checksum
// maps carry a per-event digest keyed by sequence, taken once from the
// source reads and once from reading the uploaded merge back.
type MergeResult struct {
	Record      *manifest.SegmentRecord
	SourceIDs   []string
	SourceBytes int64
	EventCount  int64

	sourceSums map[uint64]uint32
	mergedSums map[uint64]uint32
}

// eventSum digests one event. Checksums on both sides of the merge go
// through encoding/json, whose map key ordering is deterministic, so equal
// events produce equal sums.
func eventSum(e *types.Event) (uint32, error) {
	encoded, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(encoded), nil
}

// Merge concatenates the group's events in sequence order and writes them
// as the segment named by targetID. Events are immutable, so the merge is
// a pure reorder; nothing is deduplicated or dropped. The uploaded object
// is read back to checksum what actually landed in storage.
func (m *Merger) Merge(ctx context.Context, targetID string, group *CandidateGroup) (*MergeResult, error) {
	var all []*types.Event
	var sourceIDs []string
	var sourceBytes int64
	sourceSums := make(map[uint64]uint32)

	for _, src := range group.Segments {
		events, err := m.reader.Read(ctx, src)
		if err != nil {
			return nil, chronerr.NewCompactionError(chronerr.CodeSourceMissing,
				"failed to read source segment "+src.SegmentID, err)
		}
		for _, e := range events {
			sum, err := eventSum(e)
			if err != nil {
				return nil, chronerr.NewCompactionError(chronerr.CodeValidationFailed,
					"failed to checksum source event", err)
			}
			sourceSums[e.Sequence] = sum
		}
		all = append(all, events...)
		sourceIDs = append(sourceIDs, src.SegmentID)
		sourceBytes += src.SizeBytes
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Sequence < all[j].Sequence
	})

	built, err := m.writer.WriteAs(ctx, targetID, all)
	if err != nil {
		return nil, chronerr.NewCompactionError(chronerr.CodeValidationFailed,
			"failed to write merged segment", err)
	}

	merged, err := m.reader.Read(ctx, built.Record)
	if err != nil {
		return nil, chronerr.NewCompactionError(chronerr.CodeValidationFailed,
			"failed to read back merged segment", err)
	}
	mergedSums := make(map[uint64]uint32, len(merged))
	for _, e := range merged {
		sum, err := eventSum(e)
		if err != nil {
			return nil, chronerr.NewCompactionError(chronerr.CodeValidationFailed,
				"failed to checksum merged event", err)
		}
		mergedSums[e.Sequence] = sum
	}

	return &MergeResult{
		Record:      built.Record,
		SourceIDs:   sourceIDs,
		SourceBytes: sourceBytes,
		EventCount:  built.Record.EventCount,
		sourceSums:  sourceSums,
		mergedSums:  mergedSums,
	}, nil
}

// Validate checks the merged segment against its sources: the event count
// must equal the sum of the sources, the sequence bounds must cover exactly
// the sources' range, and the per-event checksum sets must be equal, so no
// event was dropped, duplicated, or altered on the way through the merge.
func Validate(result *MergeResult, sources []*manifest.SegmentRecord) error {
	var wantCount int64
	wantMin, wantMax := sources[0].MinSeq, sources[0].MaxSeq
	for _, src := range sources {
		wantCount += src.EventCount
		if src.MinSeq < wantMin {
			wantMin = src.MinSeq
		}
		if src.MaxSeq > wantMax {
			wantMax = src.MaxSeq
		}
	}

	rec := result.Record
	if rec.EventCount != wantCount {
		return chronerr.NewCompactionError(chronerr.CodeValidationFailed,
			"merged event count does not match sources", nil)
	}
	if rec.MinSeq != wantMin || rec.MaxSeq != wantMax {
		return chronerr.NewCompactionError(chronerr.CodeValidationFailed,
			"merged sequence bounds do not match sources", nil)
	}

	if len(result.mergedSums) != len(result.sourceSums) {
		return chronerr.NewCompactionError(chronerr.CodeValidationFailed,
			"merged checksum set size does not match sources", nil)
	}
	for seq, want := range result.sourceSums {
		got, ok := result.mergedSums[seq]
		if !ok {
			return chronerr.NewCompactionError(chronerr.CodeValidationFailed,
				"merged segment is missing a source sequence", nil)
		}
		if got != want {
			return chronerr.NewCompactionError(chronerr.CodeValidationFailed,
				"merged event checksum does not match its source", nil)
		}
	}
	return nil
}
