// Package export backs a ledger up to JSONL and restores it.
//
// The export carries the full sync envelope of every record, so a
// restored ledger resumes syncing exactly where the exported one
// stopped: synced records stay synced, offline edits stay pending.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/skywave/ledgersync/internal/entity"
	"github.com/skywave/ledgersync/internal/store"
)

// Line is one JSONL record: the sync envelope plus the raw payload.
type Line struct {
	Kind         entity.Kind       `json:"kind"`
	LocalID      string            `json:"local_id"`
	RemoteID     string            `json:"remote_id,omitempty"`
	Status       entity.SyncStatus `json:"sync_status"`
	CreatedAt    time.Time         `json:"created_at"`
	LastModified time.Time         `json:"last_modified"`
	DeviceOrigin string            `json:"device_origin"`
	Payload      json.RawMessage   `json:"payload"`
}

// Options configures an export or import run.
type Options struct {
	Path   string // JSONL file path
	Backup bool   // on export, keep a timestamped copy of an existing file
	DryRun bool   // preview without writing
}

// Result contains statistics about a run.
type Result struct {
	Records       int
	BackupCreated string
	Errors        []string
}

// Export writes every live and pending-delete record to a JSONL file.
// The file is written atomically via a temp file.
func Export(ctx context.Context, st *store.Store, opts Options) (*Result, error) {
	result := &Result{}

	if opts.Backup && !opts.DryRun {
		if _, err := os.Stat(opts.Path); err == nil {
			backupPath := opts.Path + ".backup." + time.Now().Format("20060102-150405")
			prev, err := os.ReadFile(opts.Path)
			if err != nil {
				return nil, fmt.Errorf("failed to read existing export for backup: %w", err)
			}
			if err := os.WriteFile(backupPath, prev, 0600); err != nil {
				return nil, fmt.Errorf("failed to create backup: %w", err)
			}
			result.BackupCreated = backupPath
		}
	}

	var lines []Line
	for _, kind := range entity.AllKinds() {
		recs, err := st.Query(ctx, kind, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", kind, err)
		}
		for _, rec := range recs {
			line, err := lineFrom(rec)
			if err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("failed to encode %s/%s: %v", kind, rec.LocalID, err))
				continue
			}
			lines = append(lines, *line)
		}

		// Pending deletions travel too, so a restored ledger still
		// propagates them.
		tombs, err := st.Tombstones(ctx, kind, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to read tombstones for %s: %w", kind, err)
		}
		for _, t := range tombs {
			rec, err := st.Get(ctx, kind, t.LocalID)
			if err != nil {
				continue
			}
			line, err := lineFrom(rec)
			if err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("failed to encode %s/%s: %v", kind, rec.LocalID, err))
				continue
			}
			lines = append(lines, *line)
		}
	}
	result.Records = len(lines)

	if opts.DryRun {
		return result, nil
	}

	tmpPath := opts.Path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}
	enc := json.NewEncoder(f)
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
			return nil, fmt.Errorf("failed to write export: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to close export file: %w", err)
	}
	if err := os.Rename(tmpPath, opts.Path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename export file: %w", err)
	}
	return result, nil
}

// Import replays a JSONL export into the store, reconstructing each
// record's sync state. Intended for an empty ledger; records that
// collide with existing data are reported and skipped.
func Import(ctx context.Context, st *store.Store, opts Options) (*Result, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export file: %w", err)
	}
	defer f.Close()

	result := &Result{}
	dec := json.NewDecoder(f)
	lineNum := 0

	for {
		var line Line
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		if opts.DryRun {
			result.Records++
			continue
		}
		if err := restoreLine(ctx, st, &line); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("line %d (%s/%s): %v", lineNum, line.Kind, line.LocalID, err))
			continue
		}
		result.Records++
	}
	return result, nil
}

func lineFrom(rec *entity.Record) (*Line, error) {
	payload, err := entity.MarshalPayload(rec.Payload)
	if err != nil {
		return nil, err
	}
	return &Line{
		Kind:         rec.Kind,
		LocalID:      rec.LocalID,
		RemoteID:     rec.RemoteID,
		Status:       rec.Status,
		CreatedAt:    rec.CreatedAt,
		LastModified: rec.LastModified,
		DeviceOrigin: rec.DeviceOrigin,
		Payload:      payload,
	}, nil
}

// restoreLine rebuilds one record with its original sync state. Synced
// content lands through the remote-apply path; offline states are
// layered on top.
func restoreLine(ctx context.Context, st *store.Store, line *Line) error {
	payload, err := entity.UnmarshalPayload(line.Kind, line.Payload)
	if err != nil {
		return err
	}

	if line.RemoteID == "" {
		// Never synced; re-creating it as a fresh offline record keeps
		// the same lifecycle.
		_, err := st.Save(ctx, line.Kind, line.LocalID, payload)
		return err
	}

	rec := &entity.Record{
		Kind:         line.Kind,
		LocalID:      line.LocalID,
		RemoteID:     line.RemoteID,
		Status:       entity.StatusSynced,
		CreatedAt:    line.CreatedAt,
		LastModified: line.LastModified,
		DeviceOrigin: line.DeviceOrigin,
		Payload:      payload,
	}
	if err := st.ApplyRemote(ctx, rec); err != nil {
		return err
	}

	switch line.Status {
	case entity.StatusModifiedOffline:
		_, err := st.Save(ctx, line.Kind, line.LocalID, payload)
		return err
	case entity.StatusDeletedPending:
		return st.MarkDeleted(ctx, line.Kind, line.LocalID)
	}
	return nil
}
