package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Catalog manages segment, snapshot, and tenant metadata in catalog.db.
type Catalog interface {
	// RegisterSegment adds a new segment to the catalog.
	RegisterSegment(ctx context.Context, rec *SegmentRecord) error

	// RegisterSegmentWithIdempotencyKey adds a new segment with idempotency key
	// support. If the key already exists, returns the existing segment ID
	// without error.
	RegisterSegmentWithIdempotencyKey(ctx context.Context, rec *SegmentRecord, idempotencyKey string) (string, error)

	// GetSegment retrieves a single segment by ID.
	GetSegment(ctx context.Context, segmentID string) (*SegmentRecord, error)

	// FindSegments returns active segments whose bounds overlap the filter.
	FindSegments(ctx context.Context, filter SegmentFilter) ([]*SegmentRecord, error)

	// ListActiveSegments returns all non-compacted segments ordered by min_seq.
	ListActiveSegments(ctx context.Context) ([]*SegmentRecord, error)

	// MarkCompacted marks source segments as compacted into target.
	MarkCompacted(ctx context.Context, sourceIDs []string, targetID string) error

	// FindCompactedSegments returns segments already replaced by compaction.
	FindCompactedSegments(ctx context.Context) ([]*SegmentRecord, error)

	// DeleteSegments removes segment rows after their objects are gone.
	DeleteSegments(ctx context.Context, segmentIDs []string) error

	// FindHighestIdempotencySeq finds the highest sequence encoded in
	// idempotency keys matching the given prefix. Recovery uses the
	// "wal-seq-" prefix to find entries already flushed to segments.
	FindHighestIdempotencySeq(ctx context.Context, prefix string) (uint64, error)

	// WriteCompactionIntent records an intent before the merged segment upload.
	WriteCompactionIntent(ctx context.Context, intent *CompactionIntent) error

	// CompleteCompaction atomically registers the merged segment, marks the
	// sources compacted, and deletes the intent in one transaction.
	CompleteCompaction(ctx context.Context, rec *SegmentRecord, sourceIDs []string) error

	// FindCompactionIntents returns intents left behind by a crashed run.
	FindCompactionIntents(ctx context.Context) ([]*CompactionIntent, error)

	// DeleteCompactionIntent removes an intent without completing it.
	DeleteCompactionIntent(ctx context.Context, targetSegmentID string) error

	// PutSnapshot stores a snapshot at the next version for its entity.
	PutSnapshot(ctx context.Context, rec *SnapshotRecord) (int64, error)

	// GetLatestSnapshot returns the highest-version snapshot for an entity.
	GetLatestSnapshot(ctx context.Context, tenantID, entityID string) (*SnapshotRecord, error)

	// GetSnapshotAsOf returns the newest snapshot with as_of_seq <= maxSeq.
	GetSnapshotAsOf(ctx context.Context, tenantID, entityID string, maxSeq uint64) (*SnapshotRecord, error)

	// PruneSnapshots deletes all but the newest retain versions for an entity.
	PruneSnapshots(ctx context.Context, tenantID, entityID string, retain int) (int64, error)

	// CreateTenant inserts a tenant row.
	CreateTenant(ctx context.Context, rec *TenantRecord) error

	// GetTenant retrieves a tenant by ID.
	GetTenant(ctx context.Context, tenantID string) (*TenantRecord, error)

	// ListTenants returns all tenants ordered by ID.
	ListTenants(ctx context.Context) ([]*TenantRecord, error)

	// UpdateTenant updates a tenant's name, active flag, and quota limits.
	UpdateTenant(ctx context.Context, rec *TenantRecord) error

	// DeleteTenant removes a tenant row.
	DeleteTenant(ctx context.Context, tenantID string) error

	// AddTenantUsage adjusts a tenant's usage counters by the given deltas.
	AddTenantUsage(ctx context.Context, tenantID string, deltaEvents, deltaBytes int64) error

	// GetSegmentCount returns the number of active segments.
	GetSegmentCount(ctx context.Context) (int64, error)

	// Close closes the catalog database connections.
	Close() error
}

// SegmentRecord represents a segment in the catalog.
type SegmentRecord struct {
	SegmentID     string
	ObjectPath    string
	MinSeq        uint64
	MaxSeq        uint64
	MinTime       int64
	MaxTime       int64
	EventCount    int64
	SizeBytes     int64
	TenantIDs     []string
	EntityBloom   []byte
	TypeBloom     []byte
	CreatedAt     time.Time
	CompactedInto *string
	// CompactedAt is when the segment was retired by compaction; the GC
	// grace period is measured from it.
	CompactedAt time.Time
}

// SegmentFilter describes pruning bounds for FindSegments. Zero-valued
// fields are ignored; time bounds are unix nanoseconds.
type SegmentFilter struct {
	TenantID string
	MinSeq   uint64
	MaxSeq   uint64
	MinTime  int64
	MaxTime  int64
}

// SnapshotRecord represents a folded entity state in the catalog.
type SnapshotRecord struct {
	TenantID   string
	EntityID   string
	Version    int64
	State      []byte
	AsOfSeq    uint64
	AsOfTime   int64
	EventCount int64
	CreatedAt  time.Time
}

// TenantRecord represents a tenant with quota limits and usage counters.
// A zero limit means unlimited. Rate and burst values override the
// process-wide limiter defaults when non-zero.
type TenantRecord struct {
	TenantID         string
	Name             string
	Active           bool
	MaxEventsPerHour int64
	MaxStorageBytes  int64
	IngestRate       float64
	IngestBurst      float64
	QueryRate        float64
	QueryBurst       float64
	EventsTotal      int64
	StorageBytes     int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CompactionIntent records a planned compaction before the merged segment
// is registered.
type CompactionIntent struct {
	TargetSegmentID string
	SourceIDs       []string
	CreatedAt       time.Time
}

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)

	insertSegmentStmt *sql.Stmt
}

// NewCatalog creates a new SQLite-based catalog.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Read connection pool: concurrent readers via read-only mode
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	catalog := &SQLiteCatalog{
		db:     db,
		readDB: readDB,
		dbPath: dbPath,
	}

	if err := catalog.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("manifest: failed to initialize schema: %w", err)
	}

	insertStmt, err := db.Prepare(`
		INSERT INTO segments (
			segment_id, object_path,
			min_seq, max_seq, min_time, max_time,
			event_count, size_bytes, tenant_ids,
			entity_bloom, type_bloom, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("manifest: failed to prepare insert statement: %w", err)
	}
	catalog.insertSegmentStmt = insertStmt

	return catalog, nil
}

// initSchema creates all required tables and indexes.
func (c *SQLiteCatalog) initSchema() error {
	stmts := []string{
		CreateSegmentsTableSQL,
		CreateSnapshotsTableSQL,
		CreateTenantsTableSQL,
		CreateIdempotencyKeysTableSQL,
		CreateCompactionIntentsTableSQL,
	}
	stmts = append(stmts, CreateSegmentsIndexesSQL...)
	stmts = append(stmts, CreateSnapshotsIndexesSQL...)

	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

func (c *SQLiteCatalog) RegisterSegment(ctx context.Context, rec *SegmentRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertSegment(ctx, rec)
}

func (c *SQLiteCatalog) insertSegment(ctx context.Context, rec *SegmentRecord) error {
	tenantsJSON, err := json.Marshal(rec.TenantIDs)
	if err != nil {
		return fmt.Errorf("marshal tenant IDs: %w", err)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = c.insertSegmentStmt.ExecContext(ctx,
		rec.SegmentID, rec.ObjectPath,
		rec.MinSeq, rec.MaxSeq, rec.MinTime, rec.MaxTime,
		rec.EventCount, rec.SizeBytes, string(tenantsJSON),
		rec.EntityBloom, rec.TypeBloom, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert segment %s: %w", rec.SegmentID, err)
	}
	return nil
}

func (c *SQLiteCatalog) RegisterSegmentWithIdempotencyKey(ctx context.Context, rec *SegmentRecord, idempotencyKey string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Check for an existing key first so retries return the original ID.
	var existingID string
	err = tx.QueryRowContext(ctx,
		`SELECT segment_id FROM idempotency_keys WHERE key = ?`, idempotencyKey,
	).Scan(&existingID)
	if err == nil {
		return existingID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("check idempotency key: %w", err)
	}

	if err := c.insertSegmentTx(ctx, tx, rec); err != nil {
		return "", err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, segment_id, created_at) VALUES (?, ?, ?)`,
		idempotencyKey, rec.SegmentID, time.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("insert idempotency key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return rec.SegmentID, nil
}

func (c *SQLiteCatalog) insertSegmentTx(ctx context.Context, tx *sql.Tx, rec *SegmentRecord) error {
	tenantsJSON, err := json.Marshal(rec.TenantIDs)
	if err != nil {
		return fmt.Errorf("marshal tenant IDs: %w", err)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO segments (
			segment_id, object_path,
			min_seq, max_seq, min_time, max_time,
			event_count, size_bytes, tenant_ids,
			entity_bloom, type_bloom, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SegmentID, rec.ObjectPath,
		rec.MinSeq, rec.MaxSeq, rec.MinTime, rec.MaxTime,
		rec.EventCount, rec.SizeBytes, string(tenantsJSON),
		rec.EntityBloom, rec.TypeBloom, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert segment %s: %w", rec.SegmentID, err)
	}
	return nil
}

const segmentColumns = `segment_id, object_path, min_seq, max_seq, min_time, max_time,
	event_count, size_bytes, tenant_ids, entity_bloom, type_bloom, created_at, compacted_into, compacted_at`

func (c *SQLiteCatalog) GetSegment(ctx context.Context, segmentID string) (*SegmentRecord, error) {
	row := c.readDB.QueryRowContext(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE segment_id = ?`, segmentID)
	rec, err := scanSegmentRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get segment %s: %w", segmentID, err)
	}
	return rec, nil
}

func (c *SQLiteCatalog) FindSegments(ctx context.Context, filter SegmentFilter) ([]*SegmentRecord, error) {
	query, args := buildFindQuery(filter)
	rows, err := c.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find segments: %w", err)
	}
	defer rows.Close()
	return collectSegments(rows, filter.TenantID)
}

// buildFindQuery constructs the pruning query. Sequence and time bounds use
// interval overlap (candidate.min <= filter.max AND candidate.max >= filter.min).
func buildFindQuery(filter SegmentFilter) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + segmentColumns + ` FROM segments WHERE compacted_into IS NULL`)
	args := make([]interface{}, 0, 4)

	if filter.MaxSeq > 0 {
		sb.WriteString(` AND min_seq <= ?`)
		args = append(args, filter.MaxSeq)
	}
	if filter.MinSeq > 0 {
		sb.WriteString(` AND max_seq >= ?`)
		args = append(args, filter.MinSeq)
	}
	if filter.MaxTime > 0 {
		sb.WriteString(` AND min_time <= ?`)
		args = append(args, filter.MaxTime)
	}
	if filter.MinTime > 0 {
		sb.WriteString(` AND max_time >= ?`)
		args = append(args, filter.MinTime)
	}

	sb.WriteString(` ORDER BY min_seq`)
	return sb.String(), args
}

// collectSegments scans rows and applies the tenant filter in Go; tenant
// sets are stored as JSON arrays so SQL cannot index into them portably.
func collectSegments(rows *sql.Rows, tenantID string) ([]*SegmentRecord, error) {
	var records []*SegmentRecord
	for rows.Next() {
		rec, err := scanSegmentRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan segment row: %w", err)
		}
		if tenantID != "" && !containsTenant(rec.TenantIDs, tenantID) {
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segment rows: %w", err)
	}
	return records, nil
}

func containsTenant(tenants []string, tenantID string) bool {
	for _, t := range tenants {
		if t == tenantID {
			return true
		}
	}
	return false
}

func scanSegmentRow(scan func(dest ...interface{}) error) (*SegmentRecord, error) {
	var rec SegmentRecord
	var tenantsJSON string
	var createdAt int64
	var compactedInto sql.NullString
	var compactedAt sql.NullInt64

	err := scan(
		&rec.SegmentID, &rec.ObjectPath,
		&rec.MinSeq, &rec.MaxSeq, &rec.MinTime, &rec.MaxTime,
		&rec.EventCount, &rec.SizeBytes, &tenantsJSON,
		&rec.EntityBloom, &rec.TypeBloom, &createdAt, &compactedInto, &compactedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tenantsJSON), &rec.TenantIDs); err != nil {
		return nil, fmt.Errorf("unmarshal tenant IDs: %w", err)
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	if compactedInto.Valid {
		rec.CompactedInto = &compactedInto.String
	}
	if compactedAt.Valid {
		rec.CompactedAt = time.Unix(compactedAt.Int64, 0)
	}
	return &rec, nil
}

func (c *SQLiteCatalog) ListActiveSegments(ctx context.Context) ([]*SegmentRecord, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE compacted_into IS NULL ORDER BY min_seq`)
	if err != nil {
		return nil, fmt.Errorf("list active segments: %w", err)
	}
	defer rows.Close()
	return collectSegments(rows, "")
}

func (c *SQLiteCatalog) MarkCompacted(ctx context.Context, sourceIDs []string, targetID string) error {
	if len(sourceIDs) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := markCompactedTx(ctx, tx, sourceIDs, targetID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func markCompactedTx(ctx context.Context, tx *sql.Tx, sourceIDs []string, targetID string) error {
	placeholders := strings.Repeat("?,", len(sourceIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, 0, len(sourceIDs)+2)
	args = append(args, targetID, time.Now().Unix())
	for _, id := range sourceIDs {
		args = append(args, id)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE segments SET compacted_into = ?, compacted_at = ? WHERE segment_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark compacted: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected != int64(len(sourceIDs)) {
		return fmt.Errorf("mark compacted: expected %d rows, updated %d", len(sourceIDs), affected)
	}
	return nil
}

func (c *SQLiteCatalog) FindCompactedSegments(ctx context.Context) ([]*SegmentRecord, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE compacted_into IS NOT NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("find compacted segments: %w", err)
	}
	defer rows.Close()
	return collectSegments(rows, "")
}

func (c *SQLiteCatalog) DeleteSegments(ctx context.Context, segmentIDs []string) error {
	if len(segmentIDs) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	placeholders := strings.Repeat("?,", len(segmentIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(segmentIDs))
	for i, id := range segmentIDs {
		args[i] = id
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Idempotency keys reference segments; remove them first.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE segment_id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete idempotency keys: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM segments WHERE segment_id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete segments: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (c *SQLiteCatalog) FindHighestIdempotencySeq(ctx context.Context, prefix string) (uint64, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT key FROM idempotency_keys WHERE key LIKE ?`, prefix+"%")
	if err != nil {
		return 0, fmt.Errorf("query idempotency keys: %w", err)
	}
	defer rows.Close()

	var highest uint64
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return 0, fmt.Errorf("scan idempotency key: %w", err)
		}
		seq, err := strconv.ParseUint(strings.TrimPrefix(key, prefix), 10, 64)
		if err != nil {
			continue // not a sequence-bearing key
		}
		if seq > highest {
			highest = seq
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate idempotency keys: %w", err)
	}
	return highest, nil
}

func (c *SQLiteCatalog) WriteCompactionIntent(ctx context.Context, intent *CompactionIntent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sourcesJSON, err := json.Marshal(intent.SourceIDs)
	if err != nil {
		return fmt.Errorf("marshal source IDs: %w", err)
	}

	createdAt := intent.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO compaction_intents (target_segment_id, source_ids, created_at) VALUES (?, ?, ?)`,
		intent.TargetSegmentID, string(sourcesJSON), createdAt.Unix())
	if err != nil {
		return fmt.Errorf("insert compaction intent: %w", err)
	}
	return nil
}

func (c *SQLiteCatalog) CompleteCompaction(ctx context.Context, rec *SegmentRecord, sourceIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := c.insertSegmentTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := markCompactedTx(ctx, tx, sourceIDs, rec.SegmentID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM compaction_intents WHERE target_segment_id = ?`, rec.SegmentID); err != nil {
		return fmt.Errorf("delete compaction intent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (c *SQLiteCatalog) FindCompactionIntents(ctx context.Context) ([]*CompactionIntent, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT target_segment_id, source_ids, created_at FROM compaction_intents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("find compaction intents: %w", err)
	}
	defer rows.Close()

	var intents []*CompactionIntent
	for rows.Next() {
		var intent CompactionIntent
		var sourcesJSON string
		var createdAt int64
		if err := rows.Scan(&intent.TargetSegmentID, &sourcesJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan compaction intent: %w", err)
		}
		if err := json.Unmarshal([]byte(sourcesJSON), &intent.SourceIDs); err != nil {
			return nil, fmt.Errorf("unmarshal source IDs: %w", err)
		}
		intent.CreatedAt = time.Unix(createdAt, 0)
		intents = append(intents, &intent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate compaction intents: %w", err)
	}
	return intents, nil
}

func (c *SQLiteCatalog) DeleteCompactionIntent(ctx context.Context, targetSegmentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx,
		`DELETE FROM compaction_intents WHERE target_segment_id = ?`, targetSegmentID)
	if err != nil {
		return fmt.Errorf("delete compaction intent: %w", err)
	}
	return nil
}

func (c *SQLiteCatalog) PutSnapshot(ctx context.Context, rec *SnapshotRecord) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM snapshots WHERE tenant_id = ? AND entity_id = ?`,
		rec.TenantID, rec.EntityID,
	).Scan(&maxVersion)
	if err != nil {
		return 0, fmt.Errorf("query max snapshot version: %w", err)
	}

	version := int64(1)
	if maxVersion.Valid {
		version = maxVersion.Int64 + 1
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (
			tenant_id, entity_id, version, state,
			as_of_seq, as_of_time, event_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.EntityID, version, rec.State,
		rec.AsOfSeq, rec.AsOfTime, rec.EventCount, createdAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return version, nil
}

const snapshotColumns = `tenant_id, entity_id, version, state, as_of_seq, as_of_time, event_count, created_at`

func (c *SQLiteCatalog) GetLatestSnapshot(ctx context.Context, tenantID, entityID string) (*SnapshotRecord, error) {
	row := c.readDB.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE tenant_id = ? AND entity_id = ?
		 ORDER BY version DESC LIMIT 1`,
		tenantID, entityID)
	return scanSnapshotRow(row)
}

func (c *SQLiteCatalog) GetSnapshotAsOf(ctx context.Context, tenantID, entityID string, maxSeq uint64) (*SnapshotRecord, error) {
	row := c.readDB.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE tenant_id = ? AND entity_id = ? AND as_of_seq <= ?
		 ORDER BY as_of_seq DESC LIMIT 1`,
		tenantID, entityID, maxSeq)
	return scanSnapshotRow(row)
}

func scanSnapshotRow(row *sql.Row) (*SnapshotRecord, error) {
	var rec SnapshotRecord
	var createdAt int64
	err := row.Scan(
		&rec.TenantID, &rec.EntityID, &rec.Version, &rec.State,
		&rec.AsOfSeq, &rec.AsOfTime, &rec.EventCount, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot row: %w", err)
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	return &rec, nil
}

func (c *SQLiteCatalog) PruneSnapshots(ctx context.Context, tenantID, entityID string, retain int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE tenant_id = ? AND entity_id = ? AND version NOT IN (
			SELECT version FROM snapshots
			WHERE tenant_id = ? AND entity_id = ?
			ORDER BY version DESC LIMIT ?
		)`,
		tenantID, entityID, tenantID, entityID, retain,
	)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return deleted, nil
}

func (c *SQLiteCatalog) CreateTenant(ctx context.Context, rec *TenantRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO tenants (
			tenant_id, name, active,
			max_events_per_hour, max_storage_bytes,
			ingest_rate, ingest_burst, query_rate, query_burst,
			events_total, storage_bytes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.Name, boolToInt(rec.Active),
		rec.MaxEventsPerHour, rec.MaxStorageBytes,
		rec.IngestRate, rec.IngestBurst, rec.QueryRate, rec.QueryBurst,
		rec.EventsTotal, rec.StorageBytes, createdAt.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert tenant %s: %w", rec.TenantID, err)
	}
	return nil
}

const tenantColumns = `tenant_id, name, active, max_events_per_hour, max_storage_bytes,
	ingest_rate, ingest_burst, query_rate, query_burst,
	events_total, storage_bytes, created_at, updated_at`

func (c *SQLiteCatalog) GetTenant(ctx context.Context, tenantID string) (*TenantRecord, error) {
	row := c.readDB.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE tenant_id = ?`, tenantID)
	rec, err := scanTenantRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", tenantID, err)
	}
	return rec, nil
}

func (c *SQLiteCatalog) ListTenants(ctx context.Context) ([]*TenantRecord, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var records []*TenantRecord
	for rows.Next() {
		rec, err := scanTenantRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan tenant row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenant rows: %w", err)
	}
	return records, nil
}

func scanTenantRow(scan func(dest ...interface{}) error) (*TenantRecord, error) {
	var rec TenantRecord
	var active int
	var createdAt, updatedAt int64
	err := scan(
		&rec.TenantID, &rec.Name, &active,
		&rec.MaxEventsPerHour, &rec.MaxStorageBytes,
		&rec.IngestRate, &rec.IngestBurst, &rec.QueryRate, &rec.QueryBurst,
		&rec.EventsTotal, &rec.StorageBytes, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Active = active != 0
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

func (c *SQLiteCatalog) UpdateTenant(ctx context.Context, rec *TenantRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.db.ExecContext(ctx, `
		UPDATE tenants SET
			name = ?, active = ?,
			max_events_per_hour = ?, max_storage_bytes = ?,
			ingest_rate = ?, ingest_burst = ?, query_rate = ?, query_burst = ?,
			updated_at = ?
		WHERE tenant_id = ?`,
		rec.Name, boolToInt(rec.Active),
		rec.MaxEventsPerHour, rec.MaxStorageBytes,
		rec.IngestRate, rec.IngestBurst, rec.QueryRate, rec.QueryBurst,
		time.Now().Unix(), rec.TenantID,
	)
	if err != nil {
		return fmt.Errorf("update tenant %s: %w", rec.TenantID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (c *SQLiteCatalog) DeleteTenant(ctx context.Context, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx, `DELETE FROM tenants WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return fmt.Errorf("delete tenant %s: %w", tenantID, err)
	}
	return nil
}

func (c *SQLiteCatalog) AddTenantUsage(ctx context.Context, tenantID string, deltaEvents, deltaBytes int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx, `
		UPDATE tenants SET
			events_total = events_total + ?,
			storage_bytes = MAX(0, storage_bytes + ?),
			updated_at = ?
		WHERE tenant_id = ?`,
		deltaEvents, deltaBytes, time.Now().Unix(), tenantID,
	)
	if err != nil {
		return fmt.Errorf("update tenant usage %s: %w", tenantID, err)
	}
	return nil
}

func (c *SQLiteCatalog) GetSegmentCount(ctx context.Context) (int64, error) {
	var count int64
	err := c.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM segments WHERE compacted_into IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count segments: %w", err)
	}
	return count, nil
}

func (c *SQLiteCatalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.insertSegmentStmt != nil {
		c.insertSegmentStmt.Close()
	}
	if err := c.readDB.Close(); err != nil {
		c.db.Close()
		return fmt.Errorf("close read database: %w", err)
	}
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
