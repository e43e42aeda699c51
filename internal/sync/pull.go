package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/skywave/ledgersync/internal/entity"
	"github.com/skywave/ledgersync/internal/remote"
	"github.com/skywave/ledgersync/internal/resolver"
	"github.com/skywave/ledgersync/internal/store"
)

// pull fetches remote changes past the collection cursor and applies
// them in server order. The cursor advances only after a whole batch is
// durably applied, so a crash mid-batch replays the batch rather than
// skipping documents.
func (m *Manager) pull(ctx context.Context, kind entity.Kind, cfg *Config, cr *CollectionReport) error {
	cursor, err := m.store.Cursor(ctx, kind)
	if err != nil {
		return fmt.Errorf("failed to read %s cursor: %w", kind, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var (
			docs []remote.Document
			next int64
		)
		err = m.callWithRetry(ctx, cfg, fmt.Sprintf("pull %s", kind), func(callCtx context.Context) error {
			var callErr error
			docs, next, callErr = m.remote.Changes(callCtx, kind, cursor, cfg.BatchSize)
			return callErr
		})
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return nil
		}

		for i := range docs {
			if err := m.applyDoc(ctx, kind, &docs[i], cr); err != nil {
				return err
			}
		}
		if err := m.store.SetCursor(ctx, kind, next); err != nil {
			return fmt.Errorf("failed to advance %s cursor: %w", kind, err)
		}
		cursor = next
	}
}

// applyDoc merges one remote document into the local store. Apply
// failures for a single document are recorded and skipped so one bad
// document cannot wedge the collection; only storage errors abort.
func (m *Manager) applyDoc(ctx context.Context, kind entity.Kind, doc *remote.Document, cr *CollectionReport) error {
	local, err := m.store.GetByRemoteID(ctx, kind, doc.RemoteID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to look up %s/%s: %w", kind, doc.RemoteID, err)
	}

	if doc.Deleted {
		return m.applyRemoteDelete(ctx, kind, doc, local, cr)
	}

	payload, err := entity.UnmarshalPayload(kind, doc.Payload)
	if err != nil {
		cr.Skipped++
		cr.Errors = append(cr.Errors, RecordError{
			RemoteID: doc.RemoteID,
			Op:       "pull",
			Reason:   fmt.Sprintf("malformed payload: %v", err),
		})
		m.logger.Printf("WARNING: skipping malformed %s document %s: %v", kind, doc.RemoteID, err)
		return nil
	}

	incoming := &entity.Record{
		Kind:         kind,
		RemoteID:     doc.RemoteID,
		Status:       entity.StatusSynced,
		LastModified: doc.LastModified,
		DeviceOrigin: doc.DeviceOrigin,
		Payload:      payload,
	}

	// A record first created elsewhere may already exist locally under
	// its natural key (both devices seeded the same account, say). Bind
	// the remote id to the existing row instead of inserting a twin.
	if local == nil {
		local, err = m.matchByNaturalKey(ctx, kind, payload, doc.RemoteID)
		if err != nil {
			return err
		}
	}

	if local == nil {
		// The document id is the record's local id on every device.
		incoming.LocalID = doc.RemoteID
		return m.insertRemote(ctx, kind, incoming, cr)
	}

	switch {
	case local.Status == entity.StatusDeletedPending:
		// Local deletion beats the remote edit; the tombstone pass will
		// propagate it.
		if err := m.logOutcomeConflict(ctx, local, incoming, &resolver.Outcome{
			Resolution: resolver.ResolutionDeletionWins,
			Winner:     local,
			Discarded:  incoming,
			Severity:   resolver.SeverityHigh,
		}); err != nil {
			return err
		}
		cr.Conflicts++
		return nil

	case !local.Dirty():
		if local.LastModified.Equal(doc.LastModified) && local.DeviceOrigin == doc.DeviceOrigin {
			return nil
		}
		incoming.LocalID = local.LocalID
		incoming.CreatedAt = local.CreatedAt
		return m.insertRemote(ctx, kind, incoming, cr)
	}

	return m.mergeDirty(ctx, kind, local, incoming, cr)
}

// mergeDirty runs the resolver for a remote change against a locally
// edited counterpart and applies the verdict.
func (m *Manager) mergeDirty(ctx context.Context, kind entity.Kind, local, incoming *entity.Record, cr *CollectionReport) error {
	outcome, err := resolver.Resolve(local, incoming)
	if err != nil {
		cr.Skipped++
		cr.Errors = append(cr.Errors, RecordError{
			LocalID:  local.LocalID,
			RemoteID: incoming.RemoteID,
			Op:       "resolve",
			Reason:   err.Error(),
		})
		m.logger.Printf("WARNING: cannot resolve %s/%s: %v", kind, local.LocalID, err)
		return nil
	}

	switch outcome.Resolution {
	case resolver.ResolutionNone:
		if outcome.Winner == incoming {
			incoming.LocalID = local.LocalID
			incoming.CreatedAt = local.CreatedAt
			return m.insertRemote(ctx, kind, incoming, cr)
		}
		return nil

	case resolver.ResolutionUnion:
		// Diverging append keys on one document: both rows survive.
		// The remote version keeps the document id; the local edit is
		// re-minted as a new record and pushes next cycle.
		localPayload := local.Payload
		incoming.LocalID = local.LocalID
		incoming.CreatedAt = local.CreatedAt
		if err := m.insertRemote(ctx, kind, incoming, cr); err != nil {
			return err
		}
		if _, err := m.store.Save(ctx, kind, "", localPayload); err != nil {
			if store.IsValidation(err) {
				cr.Skipped++
				cr.Errors = append(cr.Errors, RecordError{
					LocalID: local.LocalID,
					Op:      "union",
					Reason:  err.Error(),
				})
				return nil
			}
			return fmt.Errorf("failed to re-mint %s/%s after union: %w", kind, local.LocalID, err)
		}
		return nil

	case resolver.ResolutionLocalWins:
		// The local edit stays dirty and re-pushes next phase; only the
		// audit trail records the losing remote version.
		if err := m.logOutcomeConflict(ctx, local, incoming, outcome); err != nil {
			return err
		}
		cr.Conflicts++
		return nil

	case resolver.ResolutionRemoteWins:
		if err := m.logOutcomeConflict(ctx, local, incoming, outcome); err != nil {
			return err
		}
		cr.Conflicts++
		incoming.LocalID = local.LocalID
		incoming.CreatedAt = local.CreatedAt
		return m.insertRemote(ctx, kind, incoming, cr)

	default:
		return fmt.Errorf("unknown resolution %q for %s/%s", outcome.Resolution, kind, local.LocalID)
	}
}

// applyRemoteDelete handles a deletion document. Deletion wins even
// over a concurrent local edit.
func (m *Manager) applyRemoteDelete(ctx context.Context, kind entity.Kind, doc *remote.Document, local *entity.Record, cr *CollectionReport) error {
	if local != nil && local.Dirty() {
		deleted := &entity.Record{
			Kind:         kind,
			RemoteID:     doc.RemoteID,
			Status:       entity.StatusDeletedPending,
			LastModified: doc.LastModified,
			DeviceOrigin: doc.DeviceOrigin,
		}
		outcome, err := resolver.Resolve(local, deleted)
		if err == nil {
			if logErr := m.logOutcomeConflict(ctx, local, deleted, outcome); logErr != nil {
				return logErr
			}
			cr.Conflicts++
		}
	}
	if err := m.store.ApplyRemoteDelete(ctx, kind, doc.RemoteID); err != nil {
		return fmt.Errorf("failed to apply remote delete %s/%s: %w", kind, doc.RemoteID, err)
	}
	cr.Deletes++
	m.bus.Publish(kind)
	return nil
}

// matchByNaturalKey adopts the remote id onto a pre-existing local row
// with the same natural key, if any.
func (m *Manager) matchByNaturalKey(ctx context.Context, kind entity.Kind, payload entity.Payload, remoteID string) (*entity.Record, error) {
	key := payload.NaturalKey()
	if key == "" {
		return nil, nil
	}
	local, err := m.store.GetByNaturalKey(ctx, kind, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to match %s by key %q: %w", kind, key, err)
	}
	if local.RemoteID != "" && local.RemoteID != remoteID {
		// Same key, different document. Leave it to the uniqueness
		// check in insertRemote to reject.
		return nil, nil
	}
	if local.RemoteID == "" {
		if kind == entity.KindInvoice && !samePayload(local.Payload, payload) {
			// Invoice numbers minted independently on two devices name
			// two different invoices, not two revisions of one. The
			// incoming copy falls through to uniqueness validation and
			// the local one keeps its own identity.
			return nil, nil
		}
		if err := m.store.AdoptRemoteID(ctx, kind, local.LocalID, remoteID); err != nil {
			return nil, fmt.Errorf("failed to adopt remote id for %s/%s: %w", kind, local.LocalID, err)
		}
		local.RemoteID = remoteID
	}
	return local, nil
}

// samePayload reports whether two payloads carry identical content.
func samePayload(a, b entity.Payload) bool {
	da, errA := entity.MarshalPayload(a)
	db, errB := entity.MarshalPayload(b)
	return errA == nil && errB == nil && bytes.Equal(da, db)
}

// insertRemote writes an incoming version through the validating apply
// path. Validation failures are skipped and reported, not fatal.
func (m *Manager) insertRemote(ctx context.Context, kind entity.Kind, rec *entity.Record, cr *CollectionReport) error {
	if err := m.store.ApplyRemote(ctx, rec); err != nil {
		if store.IsValidation(err) {
			cr.Skipped++
			cr.Errors = append(cr.Errors, RecordError{
				LocalID:  rec.LocalID,
				RemoteID: rec.RemoteID,
				Op:       "apply",
				Reason:   err.Error(),
			})
			m.logger.Printf("WARNING: rejecting remote %s/%s: %v", kind, rec.RemoteID, err)
			return nil
		}
		return fmt.Errorf("failed to apply remote %s/%s: %w", kind, rec.RemoteID, err)
	}
	cr.Pulled++
	m.bus.Publish(kind)
	return nil
}

// logOutcomeConflict writes a resolver verdict to the conflict audit
// trail.
func (m *Manager) logOutcomeConflict(ctx context.Context, local, incoming *entity.Record, outcome *resolver.Outcome) error {
	entry := &store.ConflictEntry{
		Kind:       local.Kind,
		LocalID:    local.LocalID,
		Fields:     outcome.DiscardedFields,
		Resolution: string(outcome.Resolution),
		Severity:   string(outcome.Severity),
	}
	if outcome.Winner != nil {
		entry.WinnerDevice = outcome.Winner.DeviceOrigin
	}
	if local.Payload != nil {
		data, err := entity.MarshalPayload(local.Payload)
		if err != nil {
			return err
		}
		entry.LocalPayload = string(data)
	}
	if incoming.Payload != nil {
		data, err := entity.MarshalPayload(incoming.Payload)
		if err != nil {
			return err
		}
		entry.RemotePayload = string(data)
	}
	if err := m.store.LogConflict(ctx, entry); err != nil {
		return fmt.Errorf("failed to log conflict for %s/%s: %w", local.Kind, local.LocalID, err)
	}
	return nil
}
