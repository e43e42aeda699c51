package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skywave/ledgersync/internal/entity"
)

// ConflictEntry is one row of the conflict audit trail. Whenever the
// resolver discards data, both versions are kept here for review;
// nothing is lost silently.
type ConflictEntry struct {
	ID            int64
	Kind          entity.Kind
	LocalID       string
	LocalPayload  string
	RemotePayload string
	Fields        []string
	Resolution    string
	Severity      string
	WinnerDevice  string
	CreatedAt     time.Time
}

// LogConflict appends a resolved conflict to the audit trail.
func (s *Store) LogConflict(ctx context.Context, e *ConflictEntry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict fields: %w", err)
	}

	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO conflict_log (
			kind, local_id, local_payload, remote_payload,
			fields, resolution, severity, winner_device, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Kind, e.LocalID, nullString(e.LocalPayload), nullString(e.RemotePayload),
		string(fields), e.Resolution, e.Severity, nullString(e.WinnerDevice),
		s.now().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to log conflict for %s/%s: %w", e.Kind, e.LocalID, err)
	}
	return nil
}

// ConflictLog returns the most recent conflict entries, newest first.
// limit <= 0 means no limit.
func (s *Store) ConflictLog(ctx context.Context, limit int) ([]ConflictEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, kind, local_id, local_payload, remote_payload,
			fields, resolution, severity, winner_device, created_at
		 FROM conflict_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict log: %w", err)
	}
	defer rows.Close()

	var out []ConflictEntry
	for rows.Next() {
		var (
			e         ConflictEntry
			local     sql.NullString
			remote    sql.NullString
			winner    sql.NullString
			fields    string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.LocalID, &local, &remote,
			&fields, &e.Resolution, &e.Severity, &winner, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict entry: %w", err)
		}
		e.LocalPayload = local.String
		e.RemotePayload = remote.String
		e.WinnerDevice = winner.String
		if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
			return nil, fmt.Errorf("failed to parse conflict fields: %w", err)
		}
		if e.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse conflict timestamp: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
