package kv

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "github.com/tursodatabase/go-libsql"
)

func init() {
	Register("file", func(dsn string, logger *log.Logger) (Store, error) {
		return NewSQLite(strings.TrimPrefix(dsn, "file:"))
	})
	Register("libsql", func(dsn string, logger *log.Logger) (Store, error) {
		return NewLibSQL(dsn)
	})
}

const kvSchema = `
CREATE TABLE IF NOT EXISTS kv_entries (
    namespace  TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      BLOB,
    expires_at INTEGER,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (namespace, key)
);

CREATE INDEX IF NOT EXISTS idx_kv_expires
    ON kv_entries(expires_at) WHERE expires_at IS NOT NULL;
`

// sqlStore persists entries in a SQLite database, either an embedded
// file or a hosted libSQL replica. expires_at is epoch milliseconds;
// NULL means the entry never expires.
type sqlStore struct {
	conn *sql.DB
}

// NewSQLite opens (creating if needed) an embedded SQLite backend at
// path.
func NewSQLite(path string) (Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create kv directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open kv database: %w", err)
	}

	// Same concurrency posture as the record stores.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return initSQLStore(conn)
}

// NewLibSQL opens a hosted libSQL backend. The DSN is passed to the
// libsql driver unchanged (libsql://host?authToken=...).
func NewLibSQL(dsn string) (Store, error) {
	conn, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql kv database: %w", err)
	}
	return initSQLStore(conn)
}

func initSQLStore(conn *sql.DB) (*sqlStore, error) {
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping kv database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if _, err := conn.Exec(kvSchema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize kv schema: %w", err)
	}
	return &sqlStore{conn: conn}, nil
}

func (s *sqlStore) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO kv_entries (namespace, key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, namespace, key, value, expiryArg(ttl), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to set kv %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *sqlStore) SetIfAbsent(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := validateKey(namespace, key); err != nil {
		return false, err
	}
	// One statement, so the absent-check and the write cannot be split
	// by a concurrent claim. An expired entry counts as absent.
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO kv_entries (namespace, key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
		WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= ?
	`, namespace, key, value, expiryArg(ttl), time.Now().UTC().Format(time.RFC3339),
		time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to claim kv %s/%s: %w", namespace, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return n == 1, nil
}

func (s *sqlStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if err := validateKey(namespace, key); err != nil {
		return nil, err
	}
	var value []byte
	var expiresAt sql.NullInt64
	err := s.conn.QueryRowContext(ctx, `
		SELECT value, expires_at FROM kv_entries WHERE namespace = ? AND key = ?
	`, namespace, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("kv %s/%s: %w", namespace, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kv %s/%s: %w", namespace, key, err)
	}
	// Lazy expiry; the row stays for CleanupExpired to reap.
	if expiresAt.Valid && expiresAt.Int64 <= time.Now().UnixMilli() {
		return nil, fmt.Errorf("kv %s/%s: %w", namespace, key, ErrNotFound)
	}
	return value, nil
}

func (s *sqlStore) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT key FROM kv_entries
		WHERE namespace = ?
		  AND (expires_at IS NULL OR expires_at > ?)
		  AND substr(key, 1, ?) = ?
		ORDER BY key
	`, namespace, time.Now().UnixMilli(), len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list kv namespace %s: %w", namespace, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan kv key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate kv keys: %w", err)
	}
	return keys, nil
}

func (s *sqlStore) Delete(ctx context.Context, namespace, key string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	if _, err := s.conn.ExecContext(ctx, `
		DELETE FROM kv_entries WHERE namespace = ? AND key = ?
	`, namespace, key); err != nil {
		return fmt.Errorf("failed to delete kv %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *sqlStore) ClearNamespace(ctx context.Context, namespace string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if _, err := s.conn.ExecContext(ctx, `
		DELETE FROM kv_entries WHERE namespace = ?
	`, namespace); err != nil {
		return fmt.Errorf("failed to clear kv namespace %s: %w", namespace, err)
	}
	return nil
}

func (s *sqlStore) CleanupExpired(ctx context.Context) (int, error) {
	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired kv entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned kv entries: %w", err)
	}
	return int(n), nil
}

func (s *sqlStore) Close() error {
	// Best effort; a hosted replica may not support checkpointing.
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close kv database: %w", err)
	}
	return nil
}

// expiryArg converts a ttl into the expires_at column value.
func expiryArg(ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: time.Now().Add(ttl).UnixMilli(), Valid: true}
}
