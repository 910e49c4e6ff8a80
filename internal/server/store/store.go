// Package store implements the backend's authoritative record store.
//
// This is the single source of truth the clients sync against. Every
// applied mutation moves its entity to a fresh, canonical version;
// clients merge snapshots under those versions, so version assignment
// here is what makes the whole system converge. Deletes tombstone the
// row rather than removing it, so a client that last synced before the
// delete still learns about it from a snapshot.
//
// The store runs on embedded SQLite, or on a hosted libSQL replica when
// given a libsql:// DSN.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/Johnsonbros/zeke/internal/sync/schema"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS records (
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    payload     BLOB,
    version     INTEGER NOT NULL DEFAULT 0,
    deleted     INTEGER NOT NULL DEFAULT 0,
    updated_at  TEXT NOT NULL,
    PRIMARY KEY (entity_type, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_records_updated_at ON records(updated_at);
`

// Store is the authoritative record store.
type Store struct {
	conn *sql.DB
}

// Open connects the store. A libsql:// DSN selects the hosted driver;
// anything else is treated as a filesystem path for embedded SQLite
// (with or without a file: prefix).
func Open(dsn string) (*Store, error) {
	var conn *sql.DB
	var err error
	if strings.HasPrefix(dsn, "libsql://") {
		conn, err = sql.Open("libsql", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open libsql store: %w", err)
		}
	} else {
		path := strings.TrimPrefix(dsn, "file:")
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
		conn, err = sql.Open("sqlite3", "file:"+path)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
		if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if _, err := conn.Exec(storeSchema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Close releases the store.
func (s *Store) Close() error {
	// Best effort; a hosted replica may not support checkpointing.
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// ApplyMutation applies one client mutation and returns the canonical
// version it assigned.
//
// Create, update, and toggle all upsert: client-side coalescing can
// fold a create and a later edit into a single update for an entity
// this store has never seen, so kind never gates row creation. Delete
// tombstones the row and clears the payload. Every apply, deletes
// included, assigns version+1 so snapshot merges order correctly
// against older client state.
func (s *Store) ApplyMutation(ctx context.Context, entityType, entityID string, kind schema.OpKind, payload json.RawMessage) (int64, error) {
	if entityType == "" {
		return 0, fmt.Errorf("entity_type is required")
	}
	if entityID == "" {
		return 0, fmt.Errorf("entity_id is required")
	}
	deleted := false
	switch kind {
	case schema.OpCreate, schema.OpUpdate, schema.OpToggle:
		if len(payload) == 0 {
			return 0, fmt.Errorf("payload is required for %s mutations", kind)
		}
	case schema.OpDelete:
		deleted = true
		payload = nil
	default:
		return 0, fmt.Errorf("invalid kind %q", kind)
	}

	// One statement, so concurrent mutations for an entity serialize on
	// the row and each gets a distinct version.
	var version int64
	err := s.conn.QueryRowContext(ctx, `
		INSERT INTO records (entity_type, entity_id, payload, version, deleted, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			payload = excluded.payload,
			version = records.version + 1,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
		RETURNING version
	`, entityType, entityID, []byte(payload), boolToInt(deleted),
		time.Now().UTC().Format(time.RFC3339)).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to apply %s of %s/%s: %w", kind, entityType, entityID, err)
	}
	return version, nil
}

// Snapshot returns the records matching the filters, tombstones
// included. An empty entityType means every type; a zero since means
// everything ever written. The since filter is inclusive, so records
// stamped exactly at the cursor are returned again rather than missed.
func (s *Store) Snapshot(ctx context.Context, entityType string, since time.Time) ([]*schema.DomainRecord, error) {
	query := `
		SELECT entity_type, entity_id, payload, version, deleted, updated_at
		FROM records
	`
	var conds []string
	var args []interface{}
	if entityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, entityType)
	}
	if !since.IsZero() {
		conds = append(conds, "updated_at >= ?")
		args = append(args, since.UTC().Format(time.RFC3339))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY entity_type, entity_id"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*schema.DomainRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

// RecordCount returns how many records the store holds, tombstones
// included.
func (s *Store) RecordCount(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

func scanRecord(rows *sql.Rows) (*schema.DomainRecord, error) {
	var rec schema.DomainRecord
	var payload []byte
	var deleted int
	var updatedAt string

	if err := rows.Scan(&rec.EntityType, &rec.EntityID, &payload, &rec.Version, &deleted, &updatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	if len(payload) > 0 {
		rec.Payload = json.RawMessage(payload)
	}
	rec.Deleted = deleted != 0
	ts, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse record timestamp: %w", err)
	}
	rec.UpdatedAt = ts
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
