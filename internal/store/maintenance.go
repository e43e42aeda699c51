package store

import (
	"context"
	"fmt"

	"github.com/skywave/ledgersync/internal/entity"
)

// RecomputeGroupFlags recomputes is_group for every account from the
// parent graph: an account is a group iff some other live account
// references it as parent, explicitly or through the code prefix rule.
//
// This is the explicit maintenance counterpart of the auditor's
// GroupFlagMismatch check: the audit only reports, this corrects.
// Returns the number of accounts whose flag changed.
func (s *Store) RecomputeGroupFlags(ctx context.Context) (int, error) {
	accounts, err := s.Query(ctx, entity.KindAccount, nil)
	if err != nil {
		return 0, err
	}

	parents := make(map[string]bool)
	for _, rec := range accounts {
		acc := rec.Payload.(*entity.Account)
		if p := acc.EffectiveParentCode(); p != "" {
			parents[p] = true
		}
	}

	changed := 0
	for _, rec := range accounts {
		acc := rec.Payload.(*entity.Account)
		derived := parents[acc.Code]
		if acc.IsGroup == derived {
			continue
		}
		updated := *acc
		updated.IsGroup = derived
		if _, err := s.Save(ctx, entity.KindAccount, rec.LocalID, &updated); err != nil {
			return changed, fmt.Errorf("failed to update group flag for account %s: %w", acc.Code, err)
		}
		changed++
	}
	return changed, nil
}

// AllocateInvoiceNumber mints the next invoice number for this device:
// monotonic per device, suffixed with a device mark so numbers minted
// on disconnected devices cannot collide on reconnect.
func (s *Store) AllocateInvoiceNumber(ctx context.Context, prefix string) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextCounter(ctx, tx, "invoice_seq")
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit invoice allocation: %w", err)
	}
	return entity.FormatInvoiceNumber(prefix, int(seq), s.deviceID), nil
}

// NextPaymentKey mints the append key for a payment created on this
// device.
func (s *Store) NextPaymentKey(ctx context.Context) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextCounter(ctx, tx, "payment_seq")
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit payment key allocation: %w", err)
	}
	return entity.PaymentKeyFor(s.deviceID, int(seq)), nil
}
