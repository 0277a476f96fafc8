package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronik/chronik/pkg/types"
)

func testEvent(t *testing.T, entityID, eventType string) *types.Event {
	t.Helper()
	id, err := types.NewEventIDGenerator().Generate()
	require.NoError(t, err)
	return &types.Event{
		ID:        id,
		TenantID:  "acme",
		EntityID:  entityID,
		EventType: eventType,
		Payload:   map[string]interface{}{"k": "v"},
		Timestamp: time.Now().UnixNano(),
	}
}

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	w, err := NewWAL(t.TempDir(), 64<<20)
	require.NoError(t, err)
	defer w.Close()

	for want := uint64(1); want <= 10; want++ {
		event := testEvent(t, "user-1", "created")
		seq, err := w.Append(event)
		require.NoError(t, err)
		assert.Equal(t, want, seq)
		assert.Equal(t, want, event.Sequence)
	}
	assert.Equal(t, uint64(10), w.CurrentSeq())
}

func TestReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWAL(dir, 64<<20)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := w.Append(testEvent(t, "user-1", "updated"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	w2, err := NewWAL(dir, 64<<20)
	require.NoError(t, err)
	defer w2.Close()

	seq, err := w2.Append(testEvent(t, "user-1", "updated"))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq)
}

func TestSegmentRotation(t *testing.T) {
	dir := t.TempDir()

	// Tiny segment cap forces a rotation on every append.
	w, err := NewWAL(dir, 1)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 3; i++ {
		_, err := w.Append(testEvent(t, "user-1", "created"))
		require.NoError(t, err)
	}

	count, err := w.SegmentCount()
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestReadSegmentRoundTrip(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWAL(dir, 64<<20)
	require.NoError(t, err)
	events := make([]*types.Event, 0, 3)
	for i := 0; i < 3; i++ {
		e := testEvent(t, "user-1", "created")
		_, err := w.Append(e)
		require.NoError(t, err)
		events = append(events, e)
	}
	require.NoError(t, w.Close())

	got, validOffset, err := ReadSegment(filepath.Join(dir, segmentFileName(0)))
	require.NoError(t, err)
	require.Len(t, got, 3)

	stat, err := os.Stat(filepath.Join(dir, segmentFileName(0)))
	require.NoError(t, err)
	assert.Equal(t, stat.Size(), validOffset)

	for i, e := range got {
		assert.Equal(t, events[i].Sequence, e.Sequence)
		assert.Equal(t, events[i].ID, e.ID)
		assert.Equal(t, "acme", e.TenantID)
	}
}

func TestReadSegmentStopsAtTornTail(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWAL(dir, 64<<20)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := w.Append(testEvent(t, "user-1", "created"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	path := filepath.Join(dir, segmentFileName(0))
	stat, err := os.Stat(path)
	require.NoError(t, err)
	cleanSize := stat.Size()

	// Simulate a torn write: a partial frame at the end of the file.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xFF, 0x00, 0x00, 0x00, 0xAB})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, validOffset, err := ReadSegment(path)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, cleanSize, validOffset)
}

func TestReadSegmentStopsAtBadChecksum(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWAL(dir, 64<<20)
	require.NoError(t, err)
	var offsets []int64
	for i := 0; i < 3; i++ {
		_, err := w.Append(testEvent(t, "user-1", "created"))
		require.NoError(t, err)
		w.mu.Lock()
		offsets = append(offsets, w.offset)
		w.mu.Unlock()
	}
	require.NoError(t, w.Close())

	// Flip a payload byte inside the second frame. Events after the corrupt
	// frame must not be returned even though their own frames are intact.
	path := filepath.Join(dir, segmentFileName(0))
	f, err := os.OpenFile(path, os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x00}, offsets[0]+10)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, validOffset, err := ReadSegment(path)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, offsets[0], validOffset)
}

func TestAppendAfterCloseIsRejected(t *testing.T) {
	w, err := NewWAL(t.TempDir(), 64<<20)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Append(testEvent(t, "user-1", "created"))
	require.Error(t, err)
}

func TestDeleteSegmentsThrough(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWAL(dir, 1)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 4; i++ {
		_, err := w.Append(testEvent(t, "user-1", "created"))
		require.NoError(t, err)
	}

	// Segments holding sequences 1 and 2 are fully flushed.
	removed, err := w.DeleteSegmentsThrough(2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	count, err := w.SegmentCount()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Sequence numbering survives the trim on reopen.
	require.NoError(t, w.Close())
	w2, err := NewWAL(dir, 1)
	require.NoError(t, err)
	defer w2.Close()
	seq, err := w2.Append(testEvent(t, "user-1", "created"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq)
}
