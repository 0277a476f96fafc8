// Package wal provides a write-ahead log for durable write acknowledgment
// before asynchronous segment flush.
package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	chronerr "github.com/chronik/chronik/internal/errors"
	"github.com/chronik/chronik/pkg/types"
)

// WAL provides a write-ahead log for durable write acknowledgment. The
// append mutex is the single serialization point for the store: sequence
// numbers are assigned under it, so sequence order equals log order.
type WAL struct {
	dir        string
	segment    *os.File
	segmentID  uint64
	offset     int64
	maxSegSize int64
	currentSeq uint64
	sealed     bool
	mu         sync.Mutex
}

// NewWAL creates a new WAL instance, creating the directory if it doesn't exist.
func NewWAL(dir string, maxSegSize int64) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{
		dir:        dir,
		maxSegSize: maxSegSize,
	}

	// Find existing segments to determine the highest segmentID and sequence
	if err := w.findLastSegment(); err != nil {
		return nil, err
	}

	// Open or create the current segment
	if err := w.openSegment(); err != nil {
		return nil, err
	}

	return w, nil
}

// findLastSegment finds the highest segmentID from existing WAL files and
// recovers the last valid sequence number from the full segment chain.
func (w *WAL) findLastSegment() error {
	files, err := listSegmentFiles(w.dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	last := files[len(files)-1]
	segmentID, err := parseSegmentID(filepath.Base(last))
	if err != nil {
		return err
	}
	w.segmentID = segmentID

	// The last valid sequence is the highest one readable before any torn
	// tail. Segments are scanned in order; a later segment can only extend
	// the sequence.
	for _, path := range files {
		events, _, err := ReadSegment(path)
		if err != nil {
			return fmt.Errorf("failed to read segment %s: %w", path, err)
		}
		if len(events) > 0 {
			w.currentSeq = events[len(events)-1].Sequence
		}
	}

	stat, err := os.Stat(last)
	if err != nil {
		return fmt.Errorf("failed to stat segment: %w", err)
	}
	w.offset = stat.Size()

	return nil
}

// openSegment opens the current segment file for writing.
func (w *WAL) openSegment() error {
	segmentPath := filepath.Join(w.dir, segmentFileName(w.segmentID))

	file, err := os.OpenFile(segmentPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open segment file: %w", err)
	}

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to seek segment: %w", err)
	}

	w.segment = file
	w.offset = offset

	return nil
}

// Append assigns the next sequence number to the event, writes it durably,
// and returns the sequence. A write or fsync failure seals the log: the
// failed frame is not acknowledged and every later Append is rejected until
// the process restarts and recovery truncates the torn tail.
func (w *WAL) Append(event *types.Event) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sealed || w.segment == nil {
		return 0, chronerr.New(chronerr.ErrCategoryDurability, chronerr.CodeWALSealed,
			"write-ahead log is sealed after an append failure")
	}

	// Assign sequence before serialization so it is part of the frame
	w.currentSeq++
	event.Sequence = w.currentSeq

	payload, err := json.Marshal(event)
	if err != nil {
		w.currentSeq--
		return 0, fmt.Errorf("failed to serialize event: %w", err)
	}

	crc := crc32.ChecksumIEEE(payload)

	// Write to segment: [length:4][crc32:4][payload:length]
	if err := w.writeFrame(uint32(len(payload)), crc, payload); err != nil {
		w.sealed = true
		return 0, chronerr.NewDurabilityError(chronerr.CodeWALAppendFailed,
			"write-ahead log append failed", err)
	}

	return w.currentSeq, nil
}

// writeFrame writes a single frame to the segment and fsyncs it.
func (w *WAL) writeFrame(length uint32, crc uint32, payload []byte) error {
	if err := binary.Write(w.segment, binary.LittleEndian, length); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	if err := binary.Write(w.segment, binary.LittleEndian, crc); err != nil {
		return fmt.Errorf("failed to write CRC: %w", err)
	}
	if _, err := w.segment.Write(payload); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}

	// Fsync for durability
	if err := w.segment.Sync(); err != nil {
		return fmt.Errorf("failed to fsync: %w", err)
	}

	w.offset += int64(8 + len(payload))

	if w.offset >= w.maxSegSize {
		if err := w.rotateSegment(); err != nil {
			return err
		}
	}

	return nil
}

// rotateSegment closes the current segment and opens a new one.
func (w *WAL) rotateSegment() error {
	if w.segment != nil {
		if err := w.segment.Close(); err != nil {
			return fmt.Errorf("failed to close segment: %w", err)
		}
	}

	w.segmentID++

	return w.openSegment()
}

// CurrentSeq returns the last assigned sequence number.
func (w *WAL) CurrentSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentSeq
}

// Sealed reports whether the log has rejected writes since an append failure.
func (w *WAL) Sealed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sealed
}

// SegmentCount returns the number of segment files on disk.
func (w *WAL) SegmentCount() (int, error) {
	files, err := listSegmentFiles(w.dir)
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

// DeleteSegmentsThrough removes closed segment files whose events are all
// at or below seq. The current segment is never removed.
func (w *WAL) DeleteSegmentsThrough(seq uint64) (int, error) {
	w.mu.Lock()
	currentPath := filepath.Join(w.dir, segmentFileName(w.segmentID))
	w.mu.Unlock()

	files, err := listSegmentFiles(w.dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, path := range files {
		if path == currentPath {
			continue
		}
		events, _, err := ReadSegment(path)
		if err != nil {
			return removed, fmt.Errorf("failed to read segment %s: %w", path, err)
		}
		if len(events) > 0 && events[len(events)-1].Sequence > seq {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("failed to remove segment %s: %w", path, err)
		}
		removed++
	}
	return removed, nil
}

// Close closes the WAL and fsyncs the current segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.segment != nil {
		if err := w.segment.Sync(); err != nil {
			return fmt.Errorf("failed to fsync on close: %w", err)
		}
		if err := w.segment.Close(); err != nil {
			return fmt.Errorf("failed to close segment: %w", err)
		}
		w.segment = nil
	}

	return nil
}

// segmentFileName formats a segment file name: wal_{segmentID:016x}.log
func segmentFileName(segmentID uint64) string {
	return fmt.Sprintf("wal_%016x.log", segmentID)
}

// parseSegmentID extracts the segment ID from a segment file name.
func parseSegmentID(name string) (uint64, error) {
	var segmentID uint64
	if _, err := fmt.Sscanf(name, "wal_%016x.log", &segmentID); err != nil {
		return 0, fmt.Errorf("malformed segment name %s: %w", name, err)
	}
	return segmentID, nil
}

// listSegmentFiles lists all WAL segment files sorted lexicographically,
// which is also chronological for the naming scheme.
func listSegmentFiles(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL directory: %w", err)
	}

	var segmentFiles []string
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		name := file.Name()
		if len(name) < 24 || name[:4] != "wal_" {
			continue
		}
		segmentFiles = append(segmentFiles, filepath.Join(dir, name))
	}

	sort.Strings(segmentFiles)
	return segmentFiles, nil
}

// ReadSegment reads events from a segment file, stopping at the first frame
// that is short or fails its checksum. It returns the decoded events and the
// byte offset of the end of the last valid frame. Everything past that
// offset is a torn tail: it must be truncated, never skipped, because a
// frame after a corrupt one cannot be trusted to start on a frame boundary.
func ReadSegment(segmentPath string) ([]*types.Event, int64, error) {
	file, err := os.Open(segmentPath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open segment: %w", err)
	}
	defer file.Close()

	var events []*types.Event
	var validOffset int64

	for {
		var length uint32
		if err := binary.Read(file, binary.LittleEndian, &length); err != nil {
			break // EOF or short length prefix
		}

		var crc uint32
		if err := binary.Read(file, binary.LittleEndian, &crc); err != nil {
			break
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			break // truncated payload
		}

		if crc32.ChecksumIEEE(payload) != crc {
			break
		}

		var event types.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			break
		}

		events = append(events, &event)
		validOffset += int64(8 + len(payload))
	}

	return events, validOffset, nil
}
