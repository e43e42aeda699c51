package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skywave/ledgersync/internal/entity"
)

// The methods in this file are reserved for the sync engine: they are
// the only code path allowed to transition sync_status, assign remote
// ids, advance cursors, or retire tombstones.

// Tombstone marks a deletion awaiting remote acknowledgment.
type Tombstone struct {
	Kind      entity.Kind
	LocalID   string
	RemoteID  string
	DeletedAt time.Time
}

// MarkSynced records that the remote store accepted the revision whose
// last_modified was snapshotModified. If the record was edited after the
// snapshot was taken (mid-flight local edit), only the remote id is
// recorded and the record stays dirty for the next cycle; the returned
// bool reports whether the synced transition was applied.
func (s *Store) MarkSynced(ctx context.Context, kind entity.Kind, localID, remoteID string, snapshotModified time.Time) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := getTx(ctx, tx, kind, localID)
	if err != nil {
		return false, err
	}

	applied := current.LastModified.Equal(snapshotModified)
	if applied {
		_, err = tx.ExecContext(ctx,
			`UPDATE records SET remote_id = ?, sync_status = ?, dirty_seq = NULL
			 WHERE kind = ? AND local_id = ?`,
			remoteID, entity.StatusSynced, kind, localID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE records SET remote_id = ? WHERE kind = ? AND local_id = ?`,
			remoteID, kind, localID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark %s/%s synced: %w", kind, localID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit synced transition: %w", err)
	}
	return applied, nil
}

// ApplyRemote writes a pulled document as the authoritative local copy
// in state synced. An empty LocalID inserts a new record. The same
// write-time invariants apply as for local saves; a ValidationError
// rolls the transaction back and the caller skips the single document.
func (s *Store) ApplyRemote(ctx context.Context, rec *entity.Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if rec.RemoteID == "" {
		return fmt.Errorf("remote record %s has no remote id", rec.Kind)
	}
	if rec.LocalID == "" {
		rec.LocalID = uuid.NewString()
	}
	rec.Status = entity.StatusSynced

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if existing, err := getTx(ctx, tx, rec.Kind, rec.LocalID); err == nil {
		rec.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	if err := validateWrite(ctx, tx, rec); err != nil {
		return err
	}

	data, err := entity.MarshalPayload(rec.Payload)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO records (
		kind, local_id, remote_id, payload, sync_status,
		created_at, last_modified, device_origin, dirty_seq
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
	ON CONFLICT(kind, local_id) DO UPDATE SET
		remote_id = excluded.remote_id,
		payload = excluded.payload,
		sync_status = excluded.sync_status,
		last_modified = excluded.last_modified,
		device_origin = excluded.device_origin,
		dirty_seq = NULL
	`
	_, err = tx.ExecContext(ctx, query,
		rec.Kind, rec.LocalID, rec.RemoteID, string(data), rec.Status,
		rec.CreatedAt.Format(timeFormat), rec.LastModified.Format(timeFormat),
		rec.DeviceOrigin)
	if err != nil {
		return fmt.Errorf("failed to apply remote %s/%s: %w", rec.Kind, rec.RemoteID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit remote apply: %w", err)
	}
	return nil
}

// AdoptRemoteID links a local record to a remote document discovered by
// natural-key reconciliation during first sync. The record's status is
// untouched.
func (s *Store) AdoptRemoteID(ctx context.Context, kind entity.Kind, localID, remoteID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.conn.ExecContext(ctx,
		`UPDATE records SET remote_id = ? WHERE kind = ? AND local_id = ?`,
		remoteID, kind, localID)
	if err != nil {
		return fmt.Errorf("failed to adopt remote id for %s/%s: %w", kind, localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyRemoteDelete applies a pulled tombstone: the local counterpart,
// if any, is removed along with its own tombstone. Deleting a record
// that is already gone is a no-op, not an error.
func (s *Store) ApplyRemoteDelete(ctx context.Context, kind entity.Kind, remoteID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tombstones WHERE kind = ? AND remote_id = ?`, kind, remoteID); err != nil {
		return fmt.Errorf("failed to clear tombstone for %s/%s: %w", kind, remoteID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE kind = ? AND remote_id = ?`, kind, remoteID); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", kind, remoteID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit remote delete: %w", err)
	}
	return nil
}

// Tombstones returns up to limit deletions awaiting remote
// acknowledgment, oldest first. limit <= 0 means no limit.
func (s *Store) Tombstones(ctx context.Context, kind entity.Kind, limit int) ([]Tombstone, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT kind, local_id, remote_id, deleted_at FROM tombstones
		 WHERE kind = ? ORDER BY deleted_at LIMIT ?`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer rows.Close()

	var out []Tombstone
	for rows.Next() {
		var (
			t  Tombstone
			at string
		)
		if err := rows.Scan(&t.Kind, &t.LocalID, &t.RemoteID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		if t.DeletedAt, err = time.Parse(timeFormat, at); err != nil {
			return nil, fmt.Errorf("failed to parse deleted_at: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Purge physically removes a deleted record once the remote store has
// acknowledged the deletion.
func (s *Store) Purge(ctx context.Context, kind entity.Kind, localID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tombstones WHERE kind = ? AND local_id = ?`, kind, localID); err != nil {
		return fmt.Errorf("failed to retire tombstone %s/%s: %w", kind, localID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE kind = ? AND local_id = ?`, kind, localID); err != nil {
		return fmt.Errorf("failed to purge %s/%s: %w", kind, localID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit purge: %w", err)
	}
	return nil
}

// Cursor returns the last remote position durably applied for a
// collection. Zero means never pulled.
func (s *Store) Cursor(ctx context.Context, kind entity.Kind) (int64, error) {
	var pos int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT position FROM cursors WHERE kind = ?`, kind).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor for %s: %w", kind, err)
	}
	return pos, nil
}

// SetCursor advances the pull cursor. Called only after every document
// up to position has been durably applied.
func (s *Store) SetCursor(ctx context.Context, kind entity.Kind, position int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO cursors (kind, position, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(kind) DO UPDATE SET
			position = excluded.position,
			updated_at = excluded.updated_at`,
		kind, position, s.now().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to set cursor for %s: %w", kind, err)
	}
	return nil
}
