// Package sqlremote implements remote.Store over a shared SQL database
// reachable by every device: embedded SQLite in the common single-site
// deployment, or any database/sql-compatible server.
//
// Every write is stamped with a monotonically increasing server
// sequence; pulls page through that sequence, which is the only sync
// metadata the remote keeps.
package sqlremote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/skywave/ledgersync/internal/entity"
	"github.com/skywave/ledgersync/internal/remote"
)

// uniqueKeyPaths lists the natural keys the remote enforces globally.
// A push that would duplicate one of these is rejected per item, never
// silently overwritten.
var uniqueKeyPaths = map[entity.Kind]string{
	entity.KindInvoice: "$.invoice_number",
	entity.KindAccount: "$.code",
	entity.KindPayment: "$.payment_key",
}

// Store is a remote.Store backed by a shared SQL database.
type Store struct {
	conn *sql.DB
	now  func() time.Time
}

// Open opens (or creates) a shared store at the given SQLite path.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open remote database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping remote database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return New(conn), nil
}

// New wraps an existing connection.
func New(conn *sql.DB) *Store {
	return &Store{
		conn: conn,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// InitSchema creates the shared schema if it doesn't exist. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		kind TEXT NOT NULL,
		remote_id TEXT NOT NULL,
		payload TEXT,
		deleted INTEGER NOT NULL DEFAULT 0,
		device_origin TEXT NOT NULL,
		last_modified TEXT NOT NULL,
		server_seq INTEGER NOT NULL,
		server_time TEXT NOT NULL,
		PRIMARY KEY (kind, remote_id)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_seq ON documents(kind, server_seq);

	CREATE TABLE IF NOT EXISTS server_seq (
		n INTEGER NOT NULL
	);
	INSERT INTO server_seq (n)
		SELECT 0 WHERE NOT EXISTS (SELECT 1 FROM server_seq);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return &remote.TransientError{Err: fmt.Errorf("failed to initialize remote schema: %w", err)}
	}
	return nil
}

// Push implements remote.Store. Items are applied in order inside one
// transaction; each accepted item gets a fresh server sequence, so a
// re-push of the same remote id updates the single existing document.
func (s *Store) Push(ctx context.Context, kind entity.Kind, items []remote.PushItem) ([]remote.PushResult, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer tx.Rollback()

	results := make([]remote.PushResult, 0, len(items))
	for _, item := range items {
		if item.RemoteID == "" {
			results = append(results, remote.PushResult{
				Rejected: true, Reason: "missing remote id",
			})
			continue
		}

		if reason, err := s.checkUnique(ctx, tx, kind, item); err != nil {
			return nil, s.wrap(err)
		} else if reason != "" {
			results = append(results, remote.PushResult{
				RemoteID: item.RemoteID, Rejected: true, Reason: reason,
			})
			continue
		}

		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return nil, s.wrap(err)
		}
		serverTime := s.now()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (
				kind, remote_id, payload, deleted,
				device_origin, last_modified, server_seq, server_time
			) VALUES (?, ?, ?, 0, ?, ?, ?, ?)
			ON CONFLICT(kind, remote_id) DO UPDATE SET
				payload = excluded.payload,
				deleted = 0,
				device_origin = excluded.device_origin,
				last_modified = excluded.last_modified,
				server_seq = excluded.server_seq,
				server_time = excluded.server_time`,
			kind, item.RemoteID, string(item.Payload),
			item.DeviceOrigin, item.LastModified.Format(time.RFC3339Nano),
			seq, serverTime.Format(time.RFC3339Nano))
		if err != nil {
			return nil, s.wrap(err)
		}

		results = append(results, remote.PushResult{
			RemoteID: item.RemoteID, ServerTime: serverTime,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, s.wrap(err)
	}
	return results, nil
}

// checkUnique returns a rejection reason when the item would duplicate
// a globally unique natural key held by a different document.
func (s *Store) checkUnique(ctx context.Context, tx *sql.Tx, kind entity.Kind, item remote.PushItem) (string, error) {
	path, ok := uniqueKeyPaths[kind]
	if !ok {
		return "", nil
	}
	payload, err := entity.UnmarshalPayload(kind, item.Payload)
	if err != nil {
		return fmt.Sprintf("malformed payload: %v", err), nil
	}
	key := payload.NaturalKey()
	if key == "" {
		return "missing natural key", nil
	}

	var holder string
	err = tx.QueryRowContext(ctx, `
		SELECT remote_id FROM documents
		WHERE kind = ? AND deleted = 0
		  AND json_extract(payload, ?) = ? AND remote_id != ?
		LIMIT 1`,
		kind, path, key, item.RemoteID).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("duplicate %s natural key %q (held by %s)", kind, key, holder), nil
}

// Changes implements remote.Store.
func (s *Store) Changes(ctx context.Context, kind entity.Kind, afterSeq int64, limit int) ([]remote.Document, int64, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT kind, remote_id, payload, deleted,
			device_origin, last_modified, server_seq, server_time
		FROM documents
		WHERE kind = ? AND server_seq > ?
		ORDER BY server_seq LIMIT ?`,
		kind, afterSeq, limit)
	if err != nil {
		return nil, afterSeq, s.wrap(err)
	}
	defer rows.Close()

	var (
		docs []remote.Document
		next = afterSeq
	)
	for rows.Next() {
		var (
			doc        remote.Document
			payload    sql.NullString
			deleted    int
			modified   string
			serverTime string
		)
		if err := rows.Scan(&doc.Kind, &doc.RemoteID, &payload, &deleted,
			&doc.DeviceOrigin, &modified, &doc.ServerSeq, &serverTime); err != nil {
			return nil, afterSeq, s.wrap(err)
		}
		doc.Payload = []byte(payload.String)
		doc.Deleted = deleted != 0
		if doc.LastModified, err = time.Parse(time.RFC3339Nano, modified); err != nil {
			return nil, afterSeq, s.wrap(err)
		}
		if doc.ServerTime, err = time.Parse(time.RFC3339Nano, serverTime); err != nil {
			return nil, afterSeq, s.wrap(err)
		}
		docs = append(docs, doc)
		next = doc.ServerSeq
	}
	if err := rows.Err(); err != nil {
		return nil, afterSeq, s.wrap(err)
	}
	return docs, next, nil
}

// PushTombstones implements remote.Store. Unknown ids are recorded as
// deletions anyway so later pushes of the same id stay dead.
func (s *Store) PushTombstones(ctx context.Context, kind entity.Kind, remoteIDs []string) error {
	if len(remoteIDs) == 0 {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err)
	}
	defer tx.Rollback()

	for _, id := range remoteIDs {
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return s.wrap(err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (
				kind, remote_id, payload, deleted,
				device_origin, last_modified, server_seq, server_time
			) VALUES (?, ?, NULL, 1, '', ?, ?, ?)
			ON CONFLICT(kind, remote_id) DO UPDATE SET
				payload = NULL,
				deleted = 1,
				server_seq = excluded.server_seq,
				server_time = excluded.server_time`,
			kind, id, s.now().Format(time.RFC3339Nano), seq,
			s.now().Format(time.RFC3339Nano))
		if err != nil {
			return s.wrap(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.wrap(err)
	}
	return nil
}

func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE server_seq SET n = n + 1`); err != nil {
		return 0, err
	}
	var n int64
	if err := tx.QueryRowContext(ctx, `SELECT n FROM server_seq`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// wrap classifies database failures as transient: the shared store may
// be briefly locked by another device.
func (s *Store) wrap(err error) error {
	return &remote.TransientError{Err: err}
}
