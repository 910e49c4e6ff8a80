// Package db provides the local durable store for the Zeke sync engine.
//
// This package owns the on-device SQLite database that backs offline-first
// operation: the materialized domain records the app reads, and the pending
// operation queue that feeds the sync engine.
//
// The database runs in embedded mode using ncruces/go-sqlite3 with WAL for
// concurrency support.
//
// Architecture:
//   - Database file: ~/.zeke/zeke.db
//   - WAL mode: Concurrent readers during writes
//   - Schema: records, pending_ops, meta tables
//   - Indexes: Optimized for queue drains (status, created_at)
//
// Durability contract: every write method returns only after the row is in
// the database file. A crash immediately after a successful return never
// loses the write.
//
// Queue contract: at most one active (pending or syncing) operation exists
// per entity. Enqueue coalesces a second edit into the existing active row,
// keeping its queue position (id and created_at survive the replacement).
// Completed operations linger as synced or failed history rows until
// retention pruning or a manual discard removes them.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Johnsonbros/zeke/internal/sync/schema"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a record, operation, or meta key does not
// exist in the store.
var ErrNotFound = errors.New("db: not found")

// IsNotFound reports whether err indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// DB wraps the SQLite connection with store-specific functionality.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it will be created; call InitSchema to
// create the tables.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	store, err := db.Open("~/.zeke/zeke.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
// This is useful for integrating with other libraries that expect *sql.DB.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the filesystem path the database was opened with.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	// Checkpoint WAL before closing
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
//
// This creates the records, pending_ops, and meta tables along with the
// indexes the queue drain depends on. Idempotent - safe to call multiple
// times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Materialized domain state the app reads
	CREATE TABLE IF NOT EXISTS records (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT,
		deleted INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);

	-- Mutation queue. Synced and failed rows linger as history until
	-- pruned or discarded; only pending/syncing rows are "active".
	CREATE TABLE IF NOT EXISTS pending_ops (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT,
		idempotency_key TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		last_attempt_at TEXT,
		next_attempt_at INTEGER,  -- epoch millis backoff gate, NULL = ready
		last_error TEXT NOT NULL DEFAULT ''
	);

	-- Engine state that survives restarts (last sync time, spool bookmark)
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Coalescing: at most one active operation per entity. Completed
	-- history rows stay out of the index so a later edit gets a fresh
	-- queue entry.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ops_active
	    ON pending_ops(entity_type, entity_id)
	    WHERE status IN ('pending', 'syncing');

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_records_type ON records(entity_type);
	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at);
	CREATE INDEX IF NOT EXISTS idx_ops_status ON pending_ops(status);

	-- Composite index for FIFO queue drains
	CREATE INDEX IF NOT EXISTS idx_ops_drain
	    ON pending_ops(status, created_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// ===== Records =====

// UpsertRecord inserts or updates a domain record.
//
// The write is durable before this returns. Local writes do not bump the
// version; versions are assigned by the backend and applied via
// SetRecordVersion or ApplySnapshot.
func (db *DB) UpsertRecord(rec *schema.DomainRecord) error {
	return db.UpsertRecordContext(context.Background(), rec)
}

// UpsertRecordContext inserts or updates a record with context support.
func (db *DB) UpsertRecordContext(ctx context.Context, rec *schema.DomainRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	query := `
	INSERT INTO records (entity_type, entity_id, payload, deleted, version, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		payload = excluded.payload,
		deleted = excluded.deleted,
		version = excluded.version,
		updated_at = excluded.updated_at
	`

	_, err := db.conn.ExecContext(ctx, query,
		rec.EntityType,
		rec.EntityID,
		string(rec.Payload),
		boolToInt(rec.Deleted),
		rec.Version,
		rec.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", rec.Key(), err)
	}

	return nil
}

// UpsertLocal writes a locally-edited record. Unlike UpsertRecord it never
// touches the stored version: backend-assigned versions only move through
// SetRecordVersion and ApplySnapshot, so a local edit cannot make the copy
// look fresher or staler than the backend believes it is.
func (db *DB) UpsertLocal(ctx context.Context, rec *schema.DomainRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	return upsertLocalExec(ctx, db.conn, rec)
}

func upsertLocalExec(ctx context.Context, e execer, rec *schema.DomainRecord) error {
	query := `
	INSERT INTO records (entity_type, entity_id, payload, deleted, version, updated_at)
	VALUES (?, ?, ?, ?, 0, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		payload = excluded.payload,
		deleted = excluded.deleted,
		updated_at = excluded.updated_at
	`

	_, err := e.ExecContext(ctx, query,
		rec.EntityType,
		rec.EntityID,
		string(rec.Payload),
		boolToInt(rec.Deleted),
		rec.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", rec.Key(), err)
	}

	return nil
}

// ApplyLocalMutation writes a locally-edited record and its queue entry in
// one transaction: on return either both are durable or neither is. The
// façade's write path uses this so a crash can never strand an edited
// record with no operation to carry it, and so racing edits of the same
// entity cannot leave the record showing one payload while the queue
// uploads another.
//
// The record write follows UpsertLocal semantics (version untouched,
// rec.Deleted tombstones); the queue write follows EnqueueOp semantics
// (active operations coalesce).
func (db *DB) ApplyLocalMutation(ctx context.Context, rec *schema.DomainRecord, op *schema.PendingOperation) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertLocalExec(ctx, tx, rec); err != nil {
		return err
	}
	if err := enqueueOpExec(ctx, tx, op); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit local mutation: %w", err)
	}
	return nil
}

// GetRecord retrieves a single live record.
// Returns ErrNotFound if the record does not exist or is a tombstone.
func (db *DB) GetRecord(entityType, entityID string) (*schema.DomainRecord, error) {
	return db.GetRecordContext(context.Background(), entityType, entityID)
}

// GetRecordContext retrieves a record with context support.
func (db *DB) GetRecordContext(ctx context.Context, entityType, entityID string) (*schema.DomainRecord, error) {
	query := `
	SELECT entity_type, entity_id, payload, deleted, version, updated_at
	FROM records
	WHERE entity_type = ? AND entity_id = ? AND deleted = 0
	`

	row := db.conn.QueryRowContext(ctx, query, entityType, entityID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record %s/%s: %w", entityType, entityID, ErrNotFound)
		}
		return nil, err
	}
	return rec, nil
}

// ListRecords retrieves all live records of one entity type,
// most recently updated first.
func (db *DB) ListRecords(entityType string) ([]*schema.DomainRecord, error) {
	return db.ListRecordsContext(context.Background(), entityType)
}

// ListRecordsContext retrieves records with context support.
func (db *DB) ListRecordsContext(ctx context.Context, entityType string) ([]*schema.DomainRecord, error) {
	query := `
	SELECT entity_type, entity_id, payload, deleted, version, updated_at
	FROM records
	WHERE entity_type = ? AND deleted = 0
	ORDER BY updated_at DESC, entity_id ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// AllRecords retrieves every record including tombstones, for export.
func (db *DB) AllRecords(ctx context.Context) ([]*schema.DomainRecord, error) {
	query := `
	SELECT entity_type, entity_id, payload, deleted, version, updated_at
	FROM records
	ORDER BY entity_type ASC, entity_id ASC
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// DeleteRecord removes a record from the local read model.
//
// Returns nil if the record doesn't exist (idempotent). The corresponding
// backend delete travels through the operation queue, not through here.
func (db *DB) DeleteRecord(entityType, entityID string) error {
	return db.DeleteRecordContext(context.Background(), entityType, entityID)
}

// DeleteRecordContext removes a record with context support.
func (db *DB) DeleteRecordContext(ctx context.Context, entityType, entityID string) error {
	query := `DELETE FROM records WHERE entity_type = ? AND entity_id = ?`
	_, err := db.conn.ExecContext(ctx, query, entityType, entityID)
	if err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// TombstoneRecord marks a record deleted without removing the row. The
// version survives so snapshot merging cannot resurrect the record with
// stale data; the row disappears for readers immediately. Writing a
// tombstone for an unknown record is allowed, since the backend may hold
// state this device never fetched.
func (db *DB) TombstoneRecord(ctx context.Context, entityType, entityID string) error {
	query := `
	INSERT INTO records (entity_type, entity_id, payload, deleted, version, updated_at)
	VALUES (?, ?, '', 1, 0, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		deleted = 1,
		payload = '',
		updated_at = excluded.updated_at
	`
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.conn.ExecContext(ctx, query, entityType, entityID, now)
	if err != nil {
		return fmt.Errorf("failed to tombstone record %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// PruneTombstones removes tombstones that the backend has acknowledged
// (version > 0) and that are older than the retention window. Returns the
// number pruned.
func (db *DB) PruneTombstones(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339)
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM records WHERE deleted = 1 AND version > 0 AND updated_at < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune tombstones: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// SetRecordVersion stores the backend-assigned version for a record after a
// successful upload. No-op if the record no longer exists locally.
func (db *DB) SetRecordVersion(ctx context.Context, entityType, entityID string, version int64) error {
	query := `UPDATE records SET version = ? WHERE entity_type = ? AND entity_id = ? AND version < ?`
	_, err := db.conn.ExecContext(ctx, query, version, entityType, entityID, version)
	if err != nil {
		return fmt.Errorf("failed to set record version: %w", err)
	}
	return nil
}

// ApplySnapshot merges backend records into the local store under
// versioning: a record is applied only when its version is newer than the
// local row. Pending operations are never touched, so unsynced local edits
// survive an import.
//
// Returns the number of records applied.
func (db *DB) ApplySnapshot(ctx context.Context, recs []*schema.DomainRecord) (int, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO records (entity_type, entity_id, payload, deleted, version, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		payload = excluded.payload,
		deleted = excluded.deleted,
		version = excluded.version,
		updated_at = excluded.updated_at
	WHERE excluded.version > records.version
	`

	applied := 0
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return applied, fmt.Errorf("invalid snapshot record %s: %w", rec.Key(), err)
		}
		res, err := tx.ExecContext(ctx, query,
			rec.EntityType,
			rec.EntityID,
			string(rec.Payload),
			boolToInt(rec.Deleted),
			rec.Version,
			rec.UpdatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return applied, fmt.Errorf("failed to apply snapshot record %s: %w", rec.Key(), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return applied, fmt.Errorf("failed to read rows affected: %w", err)
		}
		applied += int(n)
	}

	if err := tx.Commit(); err != nil {
		return applied, fmt.Errorf("failed to commit snapshot: %w", err)
	}

	return applied, nil
}

// ===== Pending Operations =====

// EnqueueOp adds a mutation to the queue, durable before return.
//
// If an active operation for the same entity is already queued, the new
// operation coalesces into it: kind, payload, and idempotency key are
// replaced, the retry budget resets, and the row keeps its original id and
// created_at so the queue position is preserved. Coalescing onto an
// in-flight (syncing) row returns it to pending; the flush completion
// guards then leave the replacement queued. Synced and failed history rows
// do not coalesce; an edit after completion starts a fresh queue entry.
func (db *DB) EnqueueOp(op *schema.PendingOperation) error {
	return db.EnqueueOpContext(context.Background(), op)
}

// EnqueueOpContext adds a mutation to the queue with context support.
func (db *DB) EnqueueOpContext(ctx context.Context, op *schema.PendingOperation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}
	return enqueueOpExec(ctx, db.conn, op)
}

func enqueueOpExec(ctx context.Context, e execer, op *schema.PendingOperation) error {
	query := `
	INSERT INTO pending_ops (
		id, entity_type, entity_id, kind, payload, idempotency_key,
		attempts, max_attempts, status, created_at, last_attempt_at, next_attempt_at, last_error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) WHERE status IN ('pending', 'syncing') DO UPDATE SET
		kind = excluded.kind,
		payload = excluded.payload,
		idempotency_key = excluded.idempotency_key,
		attempts = 0,
		max_attempts = excluded.max_attempts,
		status = 'pending',
		last_attempt_at = NULL,
		next_attempt_at = NULL,
		last_error = ''
	`

	_, err := e.ExecContext(ctx, query,
		op.ID,
		op.EntityType,
		op.EntityID,
		string(op.Kind),
		string(op.Payload),
		op.IdempotencyKey,
		op.Attempts,
		op.MaxAttempts,
		string(op.Status),
		op.CreatedAt.UTC().Format(time.RFC3339),
		timeToNullString(op.LastAttemptAt),
		timeToNullMillis(op.NextAttemptAt),
		op.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue operation %s: %w", op.ID, err)
	}

	return nil
}

// DequeueReady claims pending operations whose backoff gate has passed, up
// to limit, oldest first (limit <= 0 claims everything). Claimed operations
// move to the syncing state and get their last_attempt_at stamped; the
// attempt itself is counted on completion, so a cancelled flush can release
// them with the budget untouched.
func (db *DB) DequeueReady(limit int) ([]*schema.PendingOperation, error) {
	return db.DequeueReadyContext(context.Background(), limit)
}

// DequeueReadyContext claims pending operations with context support.
func (db *DB) DequeueReadyContext(ctx context.Context, limit int) ([]*schema.PendingOperation, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	SELECT id, entity_type, entity_id, kind, payload, idempotency_key,
	       attempts, max_attempts, status, created_at, last_attempt_at, next_attempt_at, last_error
	FROM pending_ops
	WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
	ORDER BY created_at ASC, rowid ASC
	`
	args := []interface{}{time.Now().UnixMilli()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}
	ops, err := scanOps(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC()
	claim := `UPDATE pending_ops SET status = 'syncing', last_attempt_at = ? WHERE id = ? AND status = 'pending'`
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, claim, now.Format(time.RFC3339), op.ID); err != nil {
			return nil, fmt.Errorf("failed to claim operation %s: %w", op.ID, err)
		}
		op.Status = schema.StatusSyncing
		t := now
		op.LastAttemptAt = &t
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return ops, nil
}

// MarkOpSynced records a successful upload: the attempt is counted and the
// operation becomes a synced history row, out of reach of future flushes
// and coalescing, until retention pruning removes it. If the row was
// coalesced while in flight it is back in the pending state and stays
// queued; the guard makes this a no-op in that case.
func (db *DB) MarkOpSynced(opID string) error {
	return db.MarkOpSyncedContext(context.Background(), opID)
}

// MarkOpSyncedContext records a successful upload with context support.
func (db *DB) MarkOpSyncedContext(ctx context.Context, opID string) error {
	query := `
	UPDATE pending_ops SET
		status = 'synced',
		attempts = attempts + 1,
		next_attempt_at = NULL,
		last_error = ''
	WHERE id = ? AND status = 'syncing'
	`
	_, err := db.conn.ExecContext(ctx, query, opID)
	if err != nil {
		return fmt.Errorf("failed to mark operation %s synced: %w", opID, err)
	}
	return nil
}

// MarkOpFailed records a failed attempt. The attempt is counted; terminal
// failures park the operation as failed immediately, retriable failures
// return it to pending gated by retryIn until the budget runs out. Same
// in-flight guard as MarkOpSynced.
func (db *DB) MarkOpFailed(opID, errMsg string, terminal bool, retryIn time.Duration) error {
	return db.MarkOpFailedContext(context.Background(), opID, errMsg, terminal, retryIn)
}

// MarkOpFailedContext records a failed attempt with context support.
func (db *DB) MarkOpFailedContext(ctx context.Context, opID, errMsg string, terminal bool, retryIn time.Duration) error {
	query := `
	UPDATE pending_ops SET
		attempts = attempts + 1,
		last_error = ?,
		status = CASE
			WHEN ? THEN 'failed'
			WHEN attempts + 1 >= max_attempts THEN 'failed'
			ELSE 'pending'
		END,
		next_attempt_at = CASE
			WHEN ? THEN NULL
			WHEN attempts + 1 >= max_attempts THEN NULL
			ELSE ?
		END
	WHERE id = ? AND status = 'syncing'
	`
	gate := time.Now().Add(retryIn).UnixMilli()
	_, err := db.conn.ExecContext(ctx, query, errMsg, boolToInt(terminal), boolToInt(terminal), gate, opID)
	if err != nil {
		return fmt.Errorf("failed to mark operation %s failed: %w", opID, err)
	}
	return nil
}

// ReleaseOp returns an in-flight operation to pending without counting the
// attempt. Used when a flush is cancelled before the backend answered.
func (db *DB) ReleaseOp(opID string) error {
	return db.ReleaseOpContext(context.Background(), opID)
}

// ReleaseOpContext releases an in-flight operation with context support.
func (db *DB) ReleaseOpContext(ctx context.Context, opID string) error {
	query := `UPDATE pending_ops SET status = 'pending' WHERE id = ? AND status = 'syncing'`
	_, err := db.conn.ExecContext(ctx, query, opID)
	if err != nil {
		return fmt.Errorf("failed to release operation %s: %w", opID, err)
	}
	return nil
}

// ResetOpForRetry re-queues a failed operation with a fresh attempt budget.
// Returns ErrNotFound if no operation with the id exists. An operation that
// is already queued or in flight is left alone, and a failed operation
// superseded by a newer queued edit for the same entity is discarded
// instead of resurrected.
func (db *DB) ResetOpForRetry(opID string) error {
	return db.ResetOpForRetryContext(context.Background(), opID)
}

// ResetOpForRetryContext re-queues a failed operation with context support.
func (db *DB) ResetOpForRetryContext(ctx context.Context, opID string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var entityType, entityID string
	var status string
	err = tx.QueryRowContext(ctx,
		"SELECT entity_type, entity_id, status FROM pending_ops WHERE id = ?", opID,
	).Scan(&entityType, &entityID, &status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("operation %s: %w", opID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to look up operation %s: %w", opID, err)
	}
	if schema.OpStatus(status) != schema.StatusFailed {
		// Already queued, in flight, or synced history
		return tx.Commit()
	}

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_ops
		 WHERE entity_type = ? AND entity_id = ? AND status IN ('pending', 'syncing')`,
		entityType, entityID,
	).Scan(&active)
	if err != nil {
		return fmt.Errorf("failed to check for superseding operation: %w", err)
	}
	if active > 0 {
		// A newer edit is already queued; resurrecting the stale one
		// would replay an outdated payload
		if _, err := tx.ExecContext(ctx, "DELETE FROM pending_ops WHERE id = ?", opID); err != nil {
			return fmt.Errorf("failed to discard superseded operation %s: %w", opID, err)
		}
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE pending_ops SET status = 'pending', attempts = 0, next_attempt_at = NULL, last_error = ''
		 WHERE id = ?`, opID)
	if err != nil {
		return fmt.Errorf("failed to reset operation %s: %w", opID, err)
	}
	return tx.Commit()
}

// ResetAllFailed re-queues every failed operation. Failed operations
// superseded by newer queued edits are discarded rather than resurrected.
// Returns the number of operations reset.
func (db *DB) ResetAllFailed(ctx context.Context) (int, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	DELETE FROM pending_ops
	WHERE status = 'failed' AND EXISTS (
		SELECT 1 FROM pending_ops active
		WHERE active.entity_type = pending_ops.entity_type
		  AND active.entity_id = pending_ops.entity_id
		  AND active.status IN ('pending', 'syncing')
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to discard superseded operations: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE pending_ops SET status = 'pending', attempts = 0, next_attempt_at = NULL, last_error = ''
		 WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reset: %w", err)
	}
	return int(n), nil
}

// DiscardOp permanently removes a failed operation without replaying it.
// Returns ErrNotFound if no operation with the id exists, and an error if
// the operation is not in the failed state.
func (db *DB) DiscardOp(ctx context.Context, opID string) error {
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM pending_ops WHERE id = ? AND status = 'failed'", opID)
	if err != nil {
		return fmt.Errorf("failed to discard operation %s: %w", opID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = db.conn.QueryRowContext(ctx, "SELECT status FROM pending_ops WHERE id = ?", opID).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("operation %s: %w", opID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to look up operation %s: %w", opID, err)
	}
	return fmt.Errorf("operation %s is %s, not failed", opID, status)
}

// PruneSynced removes synced history rows whose final attempt is older
// than the retention window. Returns the number pruned.
func (db *DB) PruneSynced(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339)
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM pending_ops
		 WHERE status = 'synced' AND (last_attempt_at IS NULL OR last_attempt_at < ?)`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune synced operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// GetOp retrieves a single operation by id.
// Returns ErrNotFound if it does not exist.
func (db *DB) GetOp(ctx context.Context, opID string) (*schema.PendingOperation, error) {
	query := `
	SELECT id, entity_type, entity_id, kind, payload, idempotency_key,
	       attempts, max_attempts, status, created_at, last_attempt_at, next_attempt_at, last_error
	FROM pending_ops
	WHERE id = ?
	`
	rows, err := db.conn.QueryContext(ctx, query, opID)
	if err != nil {
		return nil, fmt.Errorf("failed to query operation: %w", err)
	}
	defer rows.Close()

	ops, err := scanOps(rows)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("operation %s: %w", opID, ErrNotFound)
	}
	return ops[0], nil
}

// ListOps retrieves operations in queue order, optionally filtered by
// status (empty = all).
func (db *DB) ListOps(ctx context.Context, status schema.OpStatus) ([]*schema.PendingOperation, error) {
	query := `
	SELECT id, entity_type, entity_id, kind, payload, idempotency_key,
	       attempts, max_attempts, status, created_at, last_attempt_at, next_attempt_at, last_error
	FROM pending_ops
	`
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	// rowid breaks same-second ties in insertion order
	query += " ORDER BY created_at ASC, rowid ASC"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	return scanOps(rows)
}

// PendingOpCount returns the number of operations still awaiting sync
// (pending plus in-flight).
func (db *DB) PendingOpCount() (int, error) {
	return db.PendingOpCountContext(context.Background())
}

// PendingOpCountContext returns the unsynced operation count with context support.
func (db *DB) PendingOpCountContext(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_ops WHERE status IN ('pending', 'syncing')").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return count, nil
}

// CountOpsByStatus returns a count per operation status.
func (db *DB) CountOpsByStatus(ctx context.Context) (map[schema.OpStatus]int, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM pending_ops GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}
	defer rows.Close()

	counts := make(map[schema.OpStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[schema.OpStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

// ===== Meta =====

// GetMeta retrieves an engine state value.
// Returns ErrNotFound if the key has never been set.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("meta %s: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta stores an engine state value, durable before return.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := db.conn.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

// ===== Scan Helpers =====

// rowScanner abstracts sql.Row and sql.Rows for the record scanner.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// execer abstracts sql.DB and sql.Tx for the write helpers.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func scanRecord(row rowScanner) (*schema.DomainRecord, error) {
	var rec schema.DomainRecord
	var payload string
	var deleted int
	var updatedAt string

	err := row.Scan(
		&rec.EntityType,
		&rec.EntityID,
		&payload,
		&deleted,
		&rec.Version,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload != "" {
		rec.Payload = []byte(payload)
	}
	rec.Deleted = deleted != 0
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		rec.UpdatedAt = t
	}

	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*schema.DomainRecord, error) {
	var recs []*schema.DomainRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return recs, nil
}

func scanOps(rows *sql.Rows) ([]*schema.PendingOperation, error) {
	var ops []*schema.PendingOperation

	for rows.Next() {
		var op schema.PendingOperation
		var payload string
		var createdAt string
		var lastAttemptAt sql.NullString
		var nextAttemptAt sql.NullInt64

		err := rows.Scan(
			&op.ID,
			&op.EntityType,
			&op.EntityID,
			&op.Kind,
			&payload,
			&op.IdempotencyKey,
			&op.Attempts,
			&op.MaxAttempts,
			&op.Status,
			&createdAt,
			&lastAttemptAt,
			&nextAttemptAt,
			&op.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}

		if payload != "" {
			op.Payload = []byte(payload)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			op.CreatedAt = t
		}
		op.LastAttemptAt = nullStringToTime(lastAttemptAt)
		op.NextAttemptAt = nullMillisToTime(nextAttemptAt)

		ops = append(ops, &op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return ops, nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// timeToNullMillis converts a time pointer to nullable epoch milliseconds.
// The backoff gate needs sub-second precision, which RFC3339 text lacks.
func timeToNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// nullMillisToTime converts nullable epoch milliseconds to a time pointer.
func nullMillisToTime(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	t := time.UnixMilli(ni.Int64).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
