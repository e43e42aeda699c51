// Package store implements the transactional local record store.
//
// The store is an embedded SQLite database (WAL mode for concurrent
// reads) holding every business entity together with its sync metadata.
// A record and its sync-status update commit atomically or not at all.
// Entity invariants (duplicate invoice numbers, duplicate account
// codes, unbalanced journal entries, broken parent references) are
// enforced at write time, not merely audited later.
//
// Writes follow a single-writer discipline: every mutation serializes
// through one transaction boundary per call. Reads may run concurrently
// with reads and never observe a partially committed record.
//
// Ownership: business code mutates entity fields through Save and
// MarkDeleted; only the sync engine may transition sync_status or
// assign remote ids, through the methods in sync.go.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with the record-store contract.
type Store struct {
	conn     *sql.DB
	path     string
	deviceID string

	// now is the clock used for created_at/last_modified; overridable
	// in tests that need deterministic tie-breaks.
	now func() time.Time

	// writeMu serializes all mutations (single-writer discipline).
	writeMu sync.Mutex
}

// Open creates or opens the local store at path for the given device.
//
// The database is opened in embedded mode with WAL for concurrent
// reads. The caller MUST call Close() when done.
func Open(path, deviceID string) (*Store, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
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

	s := &Store{
		conn:     conn,
		path:     path,
		deviceID: deviceID,
		now:      func() time.Time { return time.Now().UTC() },
	}

	// Enable WAL mode for concurrent reads
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// DeviceID returns the device this store was opened for.
func (s *Store) DeviceID() string { return s.deviceID }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the store schema if it doesn't exist. Idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the store schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Record envelope + entity payload, one row per record.
	CREATE TABLE IF NOT EXISTS records (
		kind TEXT NOT NULL,
		local_id TEXT NOT NULL,
		remote_id TEXT,
		payload TEXT NOT NULL,  -- JSON document, mirrors the remote shape
		sync_status TEXT NOT NULL DEFAULT 'new_offline',
		created_at TEXT NOT NULL,
		last_modified TEXT NOT NULL,
		device_origin TEXT NOT NULL,
		dirty_seq INTEGER,  -- order the record became dirty, NULL when clean
		PRIMARY KEY (kind, local_id)
	);

	-- Deletions pending remote acknowledgment.
	CREATE TABLE IF NOT EXISTS tombstones (
		kind TEXT NOT NULL,
		local_id TEXT NOT NULL,
		remote_id TEXT NOT NULL,
		deleted_at TEXT NOT NULL,
		PRIMARY KEY (kind, local_id)
	);

	-- Per-collection pull cursor (server-assigned ordering).
	CREATE TABLE IF NOT EXISTS cursors (
		kind TEXT PRIMARY KEY,
		position INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Monotonic counters (dirty ordering, invoice allocation).
	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL DEFAULT 0
	);

	-- Audit trail of resolved conflicts; every discarded edit lands here.
	CREATE TABLE IF NOT EXISTS conflict_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		local_id TEXT NOT NULL,
		local_payload TEXT,
		remote_payload TEXT,
		fields TEXT NOT NULL,  -- JSON array of discarded field names
		resolution TEXT NOT NULL,
		severity TEXT NOT NULL,
		winner_device TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_records_remote_id
	    ON records(kind, remote_id) WHERE remote_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_records_status ON records(kind, sync_status);
	CREATE INDEX IF NOT EXISTS idx_records_dirty
	    ON records(kind, dirty_seq) WHERE dirty_seq IS NOT NULL;

	-- Write-time uniqueness: the database backs up the Go-level checks.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_records_invoice_number
	    ON records(json_extract(payload, '$.invoice_number'))
	    WHERE kind = 'invoices' AND sync_status != 'purged';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_records_account_code
	    ON records(json_extract(payload, '$.code'))
	    WHERE kind = 'accounts' AND sync_status != 'purged';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_records_payment_key
	    ON records(json_extract(payload, '$.payment_key'))
	    WHERE kind = 'payments' AND sync_status != 'purged';

	CREATE INDEX IF NOT EXISTS idx_conflict_log_kind ON conflict_log(kind, local_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// nextCounter bumps and returns the named monotonic counter inside tx.
func nextCounter(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO counters (name, value) VALUES (?, 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1`, name); err != nil {
		return 0, fmt.Errorf("failed to bump counter %s: %w", name, err)
	}
	var value int64
	if err := tx.QueryRowContext(ctx,
		`SELECT value FROM counters WHERE name = ?`, name).Scan(&value); err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", name, err)
	}
	return value, nil
}
