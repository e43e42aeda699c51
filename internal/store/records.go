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

// timeFormat keeps nanosecond precision: last_modified drives conflict
// resolution and must round-trip exactly.
const timeFormat = time.RFC3339Nano

// naturalKeyPaths maps kinds with a system-wide natural key to the JSON
// path of that key inside the payload document.
var naturalKeyPaths = map[entity.Kind]string{
	entity.KindInvoice: "$.invoice_number",
	entity.KindAccount: "$.code",
	entity.KindPayment: "$.payment_key",
}

const recordColumns = `kind, local_id, remote_id, payload, sync_status,
	created_at, last_modified, device_origin`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*entity.Record, error) {
	var (
		rec       entity.Record
		remoteID  sql.NullString
		payload   string
		createdAt string
		modified  string
	)
	err := row.Scan(&rec.Kind, &rec.LocalID, &remoteID, &payload,
		&rec.Status, &createdAt, &modified, &rec.DeviceOrigin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.RemoteID = remoteID.String

	if rec.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if rec.LastModified, err = time.Parse(timeFormat, modified); err != nil {
		return nil, fmt.Errorf("failed to parse last_modified: %w", err)
	}
	if rec.Payload, err = entity.UnmarshalPayload(rec.Kind, []byte(payload)); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save upserts a business record. An empty localID creates a new record
// in state new_offline; saving over a synced record moves it to
// modified_offline. Entity invariants are checked inside the same
// transaction that writes the row; a ValidationError leaves the store
// unchanged.
//
// Save never touches remote ids or synced/purged transitions; those
// belong to the sync engine.
func (s *Store) Save(ctx context.Context, kind entity.Kind, localID string, payload entity.Payload) (*entity.Record, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	rec := &entity.Record{
		Kind:         kind,
		LocalID:      localID,
		Status:       entity.StatusNewOffline,
		CreatedAt:    now,
		LastModified: now,
		DeviceOrigin: s.deviceID,
		Payload:      payload,
	}

	var existing *entity.Record
	if localID != "" {
		existing, err = getTx(ctx, tx, kind, localID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	} else {
		rec.LocalID = uuid.NewString()
	}

	needsDirtySeq := true
	if existing != nil {
		switch existing.Status {
		case entity.StatusDeletedPending, entity.StatusPurged:
			return nil, &ValidationError{Kind: kind, LocalID: rec.LocalID,
				Reason: "record is deleted"}
		case entity.StatusSynced:
			rec.Status = entity.StatusModifiedOffline
		default:
			// Already dirty: keep status and dirty order.
			rec.Status = existing.Status
			needsDirtySeq = false
		}
		rec.RemoteID = existing.RemoteID
		rec.CreatedAt = existing.CreatedAt
	}

	if err := validateWrite(ctx, tx, rec); err != nil {
		return nil, err
	}

	var dirtySeq sql.NullInt64
	if needsDirtySeq {
		seq, err := nextCounter(ctx, tx, "dirty_seq")
		if err != nil {
			return nil, err
		}
		dirtySeq = sql.NullInt64{Int64: seq, Valid: true}
	}

	data, err := entity.MarshalPayload(rec.Payload)
	if err != nil {
		return nil, err
	}

	query := `
	INSERT INTO records (
		kind, local_id, remote_id, payload, sync_status,
		created_at, last_modified, device_origin, dirty_seq
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(kind, local_id) DO UPDATE SET
		payload = excluded.payload,
		sync_status = excluded.sync_status,
		last_modified = excluded.last_modified,
		device_origin = excluded.device_origin,
		dirty_seq = COALESCE(excluded.dirty_seq, records.dirty_seq)
	`
	_, err = tx.ExecContext(ctx, query,
		rec.Kind, rec.LocalID, nullString(rec.RemoteID), string(data), rec.Status,
		rec.CreatedAt.Format(timeFormat), rec.LastModified.Format(timeFormat),
		rec.DeviceOrigin, dirtySeq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert %s/%s: %w", rec.Kind, rec.LocalID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit save: %w", err)
	}
	return rec, nil
}

// MarkDeleted deletes a record locally. A record the remote has never
// seen is removed physically; a synced record moves to deleted_pending
// and leaves a tombstone so an unsynchronized remote copy cannot
// resurrect it. Deleting twice is a no-op.
func (s *Store) MarkDeleted(ctx context.Context, kind entity.Kind, localID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := getTx(ctx, tx, kind, localID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil // already gone
		}
		return err
	}
	if existing.Status == entity.StatusDeletedPending || existing.Status == entity.StatusPurged {
		return nil
	}

	now := s.now()
	if existing.RemoteID == "" {
		// Never accepted remotely: nothing can resurrect it.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE kind = ? AND local_id = ?`, kind, localID); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", kind, localID, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE records SET sync_status = ?, last_modified = ?, device_origin = ?, dirty_seq = NULL
			 WHERE kind = ? AND local_id = ?`,
			entity.StatusDeletedPending, now.Format(timeFormat), s.deviceID,
			kind, localID); err != nil {
			return fmt.Errorf("failed to mark %s/%s deleted: %w", kind, localID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tombstones (kind, local_id, remote_id, deleted_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(kind, local_id) DO NOTHING`,
			kind, localID, existing.RemoteID, now.Format(timeFormat)); err != nil {
			return fmt.Errorf("failed to write tombstone for %s/%s: %w", kind, localID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// Get returns a record by local id, including deleted_pending rows.
// Returns ErrNotFound when no row exists.
func (s *Store) Get(ctx context.Context, kind entity.Kind, localID string) (*entity.Record, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE kind = ? AND local_id = ?`,
		kind, localID)
	return scanRecord(row)
}

// GetByRemoteID returns the local counterpart of a remote document.
func (s *Store) GetByRemoteID(ctx context.Context, kind entity.Kind, remoteID string) (*entity.Record, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE kind = ? AND remote_id = ?`,
		kind, remoteID)
	return scanRecord(row)
}

// GetByNaturalKey looks a record up by the kind's natural key (invoice
// number, account code, payment key). Returns ErrNotFound for kinds
// without a natural key.
func (s *Store) GetByNaturalKey(ctx context.Context, kind entity.Kind, key string) (*entity.Record, error) {
	path, ok := naturalKeyPaths[kind]
	if !ok || key == "" {
		return nil, ErrNotFound
	}
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE kind = ? AND json_extract(payload, ?) = ? AND sync_status != ?`,
		kind, path, key, entity.StatusPurged)
	return scanRecord(row)
}

// Query returns live records of a kind matching the predicate. Deleted
// and purged rows are excluded. A nil predicate matches everything.
func (s *Store) Query(ctx context.Context, kind entity.Kind, pred func(*entity.Record) bool) ([]*entity.Record, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE kind = ? AND sync_status NOT IN (?, ?)
		 ORDER BY created_at, local_id`,
		kind, entity.StatusDeletedPending, entity.StatusPurged)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	defer rows.Close()

	var out []*entity.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if pred == nil || pred(rec) {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

// DirtyRecords returns up to limit records awaiting push, in the order
// they became dirty. limit <= 0 means no limit.
func (s *Store) DirtyRecords(ctx context.Context, kind entity.Kind, limit int) ([]*entity.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE kind = ? AND sync_status IN (?, ?)
		 ORDER BY dirty_seq LIMIT ?`,
		kind, entity.StatusNewOffline, entity.StatusModifiedOffline, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dirty %s: %w", kind, err)
	}
	defer rows.Close()

	var out []*entity.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// getTx is Get inside an open transaction.
func getTx(ctx context.Context, tx *sql.Tx, kind entity.Kind, localID string) (*entity.Record, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE kind = ? AND local_id = ?`,
		kind, localID)
	return scanRecord(row)
}

// validateWrite enforces the entity invariants that must hold at commit
// time: payload validity, system-wide uniqueness of natural keys, and
// account parent references.
func validateWrite(ctx context.Context, tx *sql.Tx, rec *entity.Record) error {
	if err := rec.Validate(); err != nil {
		return &ValidationError{Kind: rec.Kind, LocalID: rec.LocalID, Reason: err.Error()}
	}

	if path, ok := naturalKeyPaths[rec.Kind]; ok {
		key := rec.Payload.NaturalKey()
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM records
			 WHERE kind = ? AND json_extract(payload, ?) = ?
			   AND local_id != ? AND sync_status != ?`,
			rec.Kind, path, key, rec.LocalID, entity.StatusPurged).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check %s uniqueness: %w", rec.Kind, err)
		}
		if count > 0 {
			return &ValidationError{Kind: rec.Kind, LocalID: rec.LocalID,
				Reason: fmt.Sprintf("duplicate natural key %q", key)}
		}
	}

	if acc, ok := rec.Payload.(*entity.Account); ok && acc.ParentCode != "" {
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM records
			 WHERE kind = ? AND json_extract(payload, '$.code') = ?
			   AND local_id != ? AND sync_status NOT IN (?, ?)`,
			entity.KindAccount, acc.ParentCode, rec.LocalID,
			entity.StatusDeletedPending, entity.StatusPurged).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check parent account: %w", err)
		}
		if count == 0 {
			return &ValidationError{Kind: rec.Kind, LocalID: rec.LocalID,
				Reason: fmt.Sprintf("parent account %q does not exist", acc.ParentCode)}
		}
	}

	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
