package wal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chronik/chronik/internal/manifest"
)

func newTestCatalog(t *testing.T) manifest.Catalog {
	t.Helper()
	catalog, err := manifest.NewCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })
	return catalog
}

func writeTestLog(t *testing.T, dir string, count int) {
	t.Helper()
	w, err := NewWAL(dir, 64<<20)
	require.NoError(t, err)
	for i := 0; i < count; i++ {
		_, err := w.Append(testEvent(t, fmt.Sprintf("user-%d", i%3), "created"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func TestRecoverCleanLog(t *testing.T) {
	dir := t.TempDir()
	writeTestLog(t, dir, 5)

	rec := NewRecovery(dir, newTestCatalog(t), zap.NewNop())
	result, err := rec.Recover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(0), result.CheckpointSeq)
	assert.Equal(t, uint64(5), result.LastSeq)
	require.Len(t, result.Events, 5)
	for i, e := range result.Events {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
	assert.Zero(t, result.TruncatedBytes)
	assert.Zero(t, result.DroppedSegments)
}

func TestRecoverEmptyLog(t *testing.T) {
	dir := t.TempDir()

	rec := NewRecovery(dir, newTestCatalog(t), zap.NewNop())
	result, err := rec.Recover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Events)
	assert.Equal(t, uint64(0), result.LastSeq)
}

func TestRecoverSkipsFlushedEvents(t *testing.T) {
	dir := t.TempDir()
	writeTestLog(t, dir, 10)

	catalog := newTestCatalog(t)
	ctx := context.Background()

	// A segment flush checkpointed sequence 7.
	_, err := catalog.RegisterSegmentWithIdempotencyKey(ctx, &manifest.SegmentRecord{
		SegmentID:  "seg-001",
		ObjectPath: "segments/seg-001.seg",
		MinSeq:     1, MaxSeq: 7,
		EventCount: 7, SizeBytes: 1024,
		TenantIDs: []string{"acme"},
	}, CheckpointPrefix+"7")
	require.NoError(t, err)

	result, err := NewRecovery(dir, catalog, zap.NewNop()).Recover(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(7), result.CheckpointSeq)
	require.Len(t, result.Events, 3)
	assert.Equal(t, uint64(8), result.Events[0].Sequence)
	assert.Equal(t, uint64(10), result.LastSeq)
}

func TestRecoverTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	writeTestLog(t, dir, 5)

	path := filepath.Join(dir, segmentFileName(0))
	stat, err := os.Stat(path)
	require.NoError(t, err)
	cleanSize := stat.Size()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x20, 0x00, 0x00, 0x00, 0xDE, 0xAD})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	result, err := NewRecovery(dir, newTestCatalog(t), zap.NewNop()).Recover(context.Background())
	require.NoError(t, err)

	assert.Len(t, result.Events, 5)
	assert.Equal(t, int64(6), result.TruncatedBytes)

	// The file is physically repaired, not just skipped over.
	stat, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, cleanSize, stat.Size())

	// A reopened log continues from the last valid sequence.
	w, err := NewWAL(dir, 64<<20)
	require.NoError(t, err)
	defer w.Close()
	seq, err := w.Append(testEvent(t, "user-1", "created"))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq)
}

func TestRecoverDropsSegmentsPastTornFrame(t *testing.T) {
	dir := t.TempDir()

	// One event per segment across four segments.
	w, err := NewWAL(dir, 1)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := w.Append(testEvent(t, "user-1", "created"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	// Corrupt the second segment's payload.
	path := filepath.Join(dir, segmentFileName(1))
	f, err := os.OpenFile(path, os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x00}, 10)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	result, err := NewRecovery(dir, newTestCatalog(t), zap.NewNop()).Recover(context.Background())
	require.NoError(t, err)

	// Only the event before the corruption survives.
	require.Len(t, result.Events, 1)
	assert.Equal(t, uint64(1), result.Events[0].Sequence)
	assert.Equal(t, uint64(1), result.LastSeq)
	assert.Equal(t, 3, result.DroppedSegments)

	// The corrupt segment is truncated to empty and later ones are gone.
	stat, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, stat.Size())
	_, err = os.Stat(filepath.Join(dir, segmentFileName(2)))
	assert.True(t, os.IsNotExist(err))
}
