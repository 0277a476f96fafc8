// Package manifest provides the catalog for tracking segment, snapshot,
// and tenant metadata. The catalog is a SQLite database that serves as the
// source of truth for everything not held in the write-ahead log.
package manifest

// CreateSegmentsTableSQL creates the core segments table.
// Min/max sequence and timestamp bounds support pruning during query
// execution; bloom blobs support entity/type membership checks without
// downloading the segment.
const CreateSegmentsTableSQL = `
CREATE TABLE IF NOT EXISTS segments (
    segment_id TEXT PRIMARY KEY,
    object_path TEXT NOT NULL,
    min_seq INTEGER NOT NULL,
    max_seq INTEGER NOT NULL,
    min_time INTEGER NOT NULL,
    max_time INTEGER NOT NULL,
    event_count INTEGER NOT NULL,
    size_bytes INTEGER NOT NULL,
    tenant_ids TEXT NOT NULL,
    entity_bloom BLOB,
    type_bloom BLOB,
    created_at INTEGER NOT NULL,
    compacted_into TEXT,
    compacted_at INTEGER,
    FOREIGN KEY (compacted_into) REFERENCES segments(segment_id)
)`

// CreateSegmentsIndexesSQL creates indexes for segment pruning. Filtered
// conditions exclude compacted segments from active queries.
var CreateSegmentsIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_segments_seq ON segments(min_seq, max_seq)
		WHERE compacted_into IS NULL`,

	`CREATE INDEX IF NOT EXISTS idx_segments_time ON segments(min_time, max_time)
		WHERE compacted_into IS NULL`,

	`CREATE INDEX IF NOT EXISTS idx_segments_size ON segments(size_bytes)
		WHERE compacted_into IS NULL`,

	`CREATE INDEX IF NOT EXISTS idx_segments_created ON segments(created_at)`,
}

// CreateSnapshotsTableSQL creates the snapshots table. A snapshot is the
// folded state of one entity within one tenant as of a sequence number;
// version increments per (tenant_id, entity_id) pair.
const CreateSnapshotsTableSQL = `
CREATE TABLE IF NOT EXISTS snapshots (
    tenant_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    state BLOB NOT NULL,
    as_of_seq INTEGER NOT NULL,
    as_of_time INTEGER NOT NULL,
    event_count INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, entity_id, version)
)`

// CreateSnapshotsIndexesSQL creates indexes for as-of snapshot lookups.
var CreateSnapshotsIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_snapshots_seq ON snapshots(tenant_id, entity_id, as_of_seq)`,
}

// CreateTenantsTableSQL creates the tenants table with quota limits and
// usage counters. A zero limit means unlimited.
const CreateTenantsTableSQL = `
CREATE TABLE IF NOT EXISTS tenants (
    tenant_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    max_events_per_hour INTEGER NOT NULL DEFAULT 0,
    max_storage_bytes INTEGER NOT NULL DEFAULT 0,
    ingest_rate REAL NOT NULL DEFAULT 0,
    ingest_burst REAL NOT NULL DEFAULT 0,
    query_rate REAL NOT NULL DEFAULT 0,
    query_burst REAL NOT NULL DEFAULT 0,
    events_total INTEGER NOT NULL DEFAULT 0,
    storage_bytes INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`

// CreateIdempotencyKeysTableSQL creates the idempotency keys table. Segment
// flushes record a key derived from the highest flushed sequence so recovery
// can determine which log entries already reached durable segments.
const CreateIdempotencyKeysTableSQL = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
    key TEXT PRIMARY KEY,
    segment_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (segment_id) REFERENCES segments(segment_id)
)`

// CreateCompactionIntentsTableSQL creates the compaction intents table.
// An intent is written before a merged segment is uploaded so a crashed
// compaction can be detected and rolled forward or discarded on restart.
const CreateCompactionIntentsTableSQL = `
CREATE TABLE IF NOT EXISTS compaction_intents (
    target_segment_id TEXT PRIMARY KEY,
    source_ids TEXT NOT NULL,
    created_at INTEGER NOT NULL
)`
