package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/skywave/ledgersync/internal/entity"
	"github.com/skywave/ledgersync/internal/remote"
	"github.com/skywave/ledgersync/internal/store"
)

// pushDirty pushes new_offline/modified_offline records in dirty order,
// one bounded batch at a time. Records are snapshotted before the
// network call and the synced transition is applied only if the local
// copy was not edited mid-flight.
func (m *Manager) pushDirty(ctx context.Context, kind entity.Kind, cfg *Config, cr *CollectionReport) error {
	rejected := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Rejected records stay dirty and keep their place in the dirty
		// order, so the fetch window widens by the reject count to reach
		// the records queued behind them.
		batch, err := m.store.DirtyRecords(ctx, kind, cfg.BatchSize+len(rejected))
		if err != nil {
			return fmt.Errorf("failed to load dirty %s: %w", kind, err)
		}
		batch = filterRejected(batch, rejected)
		if len(batch) == 0 {
			return nil
		}
		if len(batch) > cfg.BatchSize {
			batch = batch[:cfg.BatchSize]
		}

		// A record's local id doubles as its remote document id, so
		// cross-record references stay valid on every device and a
		// retried batch confirms the same document instead of creating
		// a second one. Persist the binding before the first push.
		for _, rec := range batch {
			if rec.RemoteID != "" {
				continue
			}
			rec.RemoteID = rec.LocalID
			if err := m.store.AdoptRemoteID(ctx, kind, rec.LocalID, rec.RemoteID); err != nil {
				return fmt.Errorf("failed to assign remote id for %s/%s: %w", kind, rec.LocalID, err)
			}
		}

		items := make([]remote.PushItem, len(batch))
		for i, rec := range batch {
			payload, err := entity.MarshalPayload(rec.Payload)
			if err != nil {
				return err
			}
			items[i] = remote.PushItem{
				RemoteID:     rec.RemoteID,
				Payload:      payload,
				DeviceOrigin: rec.DeviceOrigin,
				LastModified: rec.LastModified,
			}
		}

		var results []remote.PushResult
		err = m.callWithRetry(ctx, cfg, fmt.Sprintf("push %s", kind), func(callCtx context.Context) error {
			var callErr error
			results, callErr = m.remote.Push(callCtx, kind, items)
			return callErr
		})
		if err != nil {
			// The batch remains dirty; reported, not discarded.
			return err
		}
		if len(results) != len(batch) {
			return fmt.Errorf("push %s returned %d results for %d items", kind, len(results), len(batch))
		}

		for i, res := range results {
			rec := batch[i]
			if res.Rejected {
				rejected[rec.LocalID] = true
				cr.Errors = append(cr.Errors, RecordError{
					LocalID:  rec.LocalID,
					RemoteID: rec.RemoteID,
					Op:       "push",
					Reason:   res.Reason,
				})
				m.logger.Printf("WARNING: remote rejected %s/%s: %s", kind, rec.LocalID, res.Reason)
				continue
			}

			applied, err := m.store.MarkSynced(ctx, kind, rec.LocalID, res.RemoteID, rec.LastModified)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					// Deleted locally mid-flight; the tombstone pass
					// will reconcile.
					continue
				}
				return fmt.Errorf("failed to mark %s/%s synced: %w", kind, rec.LocalID, err)
			}
			cr.Pushed++
			if !applied {
				m.logger.Printf("%s/%s edited mid-flight; stays dirty for next cycle", kind, rec.LocalID)
			}
			m.bus.Publish(kind)
		}
	}
}

// propagateTombstones pushes pending deletions and purges local rows
// once the remote acknowledges them.
func (m *Manager) propagateTombstones(ctx context.Context, kind entity.Kind, cfg *Config, cr *CollectionReport) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tombs, err := m.store.Tombstones(ctx, kind, cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to load tombstones for %s: %w", kind, err)
		}
		if len(tombs) == 0 {
			return nil
		}

		remoteIDs := make([]string, len(tombs))
		for i, t := range tombs {
			remoteIDs[i] = t.RemoteID
		}

		err = m.callWithRetry(ctx, cfg, fmt.Sprintf("delete %s", kind), func(callCtx context.Context) error {
			return m.remote.PushTombstones(callCtx, kind, remoteIDs)
		})
		if err != nil {
			return err
		}

		for _, t := range tombs {
			if err := m.store.Purge(ctx, kind, t.LocalID); err != nil {
				return fmt.Errorf("failed to purge %s/%s: %w", kind, t.LocalID, err)
			}
			cr.Purged++
			m.bus.Publish(kind)
		}
	}
}

func filterRejected(batch []*entity.Record, rejected map[string]bool) []*entity.Record {
	if len(rejected) == 0 {
		return batch
	}
	out := batch[:0]
	for _, rec := range batch {
		if !rejected[rec.LocalID] {
			out = append(out, rec)
		}
	}
	return out
}
