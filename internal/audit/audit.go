// Package audit checks the accounting invariants of a local store after
// merges have been applied.
//
// The auditor is read-only. Conflict resolution can legitimately
// combine two individually valid datasets into one that violates an
// accounting rule (a journal entry referencing an account the other
// device deleted, say), and silently "fixing" such a state would
// destroy the evidence a bookkeeper needs. The auditor reports; a human
// repairs.
package audit

import (
	"context"
	"fmt"
	"sort"

	"github.com/skywave/ledgersync/internal/entity"
	"github.com/skywave/ledgersync/internal/store"
)

// Check names one invariant the auditor verifies.
type Check string

const (
	CheckUnbalancedEntry  Check = "unbalanced_entry"
	CheckOrphanReference  Check = "orphan_reference"
	CheckDuplicateInvoice Check = "duplicate_invoice_number"
	CheckGroupFlag        Check = "group_flag_mismatch"
)

// Violation is one failed invariant, tied to the record that fails it.
type Violation struct {
	Check   Check
	Kind    entity.Kind
	LocalID string
	Detail  string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s/%s: %s", v.Check, v.Kind, v.LocalID, v.Detail)
}

// Auditor runs integrity checks against a store snapshot.
type Auditor struct {
	store *store.Store
}

func New(st *store.Store) *Auditor {
	return &Auditor{store: st}
}

// Audit runs every check and returns all violations found, in a
// deterministic order. An empty slice means the books are consistent.
func (a *Auditor) Audit(ctx context.Context) ([]Violation, error) {
	snap, err := a.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var out []Violation
	out = append(out, checkBalances(snap)...)
	out = append(out, checkOrphans(snap)...)
	out = append(out, checkInvoiceNumbers(snap)...)
	out = append(out, checkGroupFlags(snap)...)

	sort.Slice(out, func(i, j int) bool {
		if out[i].Check != out[j].Check {
			return out[i].Check < out[j].Check
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].LocalID < out[j].LocalID
	})
	return out, nil
}

// snapshot is one consistent read of every live collection.
type snapshot struct {
	records map[entity.Kind][]*entity.Record
}

func (a *Auditor) snapshot(ctx context.Context) (*snapshot, error) {
	snap := &snapshot{records: make(map[entity.Kind][]*entity.Record)}
	for _, kind := range entity.AllKinds() {
		recs, err := a.store.Query(ctx, kind, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", kind, err)
		}
		snap.records[kind] = recs
	}
	return snap, nil
}

// checkBalances verifies every journal entry balances within the
// accounting epsilon.
func checkBalances(snap *snapshot) []Violation {
	var out []Violation
	for _, rec := range snap.records[entity.KindJournalEntry] {
		entry, ok := rec.Payload.(*entity.JournalEntry)
		if !ok {
			continue
		}
		if entry.Balanced() {
			continue
		}
		out = append(out, Violation{
			Check:   CheckUnbalancedEntry,
			Kind:    rec.Kind,
			LocalID: rec.LocalID,
			Detail:  fmt.Sprintf("debits and credits differ by %s", entry.Delta().Abs()),
		})
	}
	return out
}

// checkOrphans verifies cross-record references point at live records.
func checkOrphans(snap *snapshot) []Violation {
	clients := localIDSet(snap.records[entity.KindClient])
	projects := localIDSet(snap.records[entity.KindProject])
	accounts := make(map[string]bool)
	for _, rec := range snap.records[entity.KindAccount] {
		if acct, ok := rec.Payload.(*entity.Account); ok {
			accounts[acct.Code] = true
		}
	}

	var out []Violation
	orphan := func(rec *entity.Record, field, ref string) {
		out = append(out, Violation{
			Check:   CheckOrphanReference,
			Kind:    rec.Kind,
			LocalID: rec.LocalID,
			Detail:  fmt.Sprintf("%s references missing %s", field, ref),
		})
	}

	for _, rec := range snap.records[entity.KindProject] {
		p, ok := rec.Payload.(*entity.Project)
		if !ok {
			continue
		}
		if p.ClientID != "" && !clients[p.ClientID] {
			orphan(rec, "client_id", p.ClientID)
		}
	}
	for _, rec := range snap.records[entity.KindInvoice] {
		inv, ok := rec.Payload.(*entity.Invoice)
		if !ok {
			continue
		}
		if inv.ProjectID != "" && !projects[inv.ProjectID] {
			orphan(rec, "project_id", inv.ProjectID)
		}
	}
	for _, rec := range snap.records[entity.KindPayment] {
		pay, ok := rec.Payload.(*entity.Payment)
		if !ok {
			continue
		}
		if pay.ProjectID != "" && !projects[pay.ProjectID] {
			orphan(rec, "project_id", pay.ProjectID)
		}
		if pay.AccountCode != "" && !accounts[pay.AccountCode] {
			orphan(rec, "account_code", pay.AccountCode)
		}
	}
	for _, rec := range snap.records[entity.KindJournalEntry] {
		entry, ok := rec.Payload.(*entity.JournalEntry)
		if !ok {
			continue
		}
		for _, line := range entry.Lines {
			if !accounts[line.AccountCode] {
				orphan(rec, "lines.account_code", line.AccountCode)
			}
		}
	}
	for _, rec := range snap.records[entity.KindAccount] {
		acct, ok := rec.Payload.(*entity.Account)
		if !ok {
			continue
		}
		parent := acct.EffectiveParentCode()
		if parent != "" && !accounts[parent] {
			orphan(rec, "parent_code", parent)
		}
	}
	return out
}

// checkInvoiceNumbers verifies invoice numbers are globally unique.
// Write-time validation enforces this per device; a merge of two
// devices' books is where duplicates can surface.
func checkInvoiceNumbers(snap *snapshot) []Violation {
	seen := make(map[string]string)
	var out []Violation
	for _, rec := range snap.records[entity.KindInvoice] {
		inv, ok := rec.Payload.(*entity.Invoice)
		if !ok || inv.InvoiceNumber == "" {
			continue
		}
		if first, dup := seen[inv.InvoiceNumber]; dup {
			out = append(out, Violation{
				Check:   CheckDuplicateInvoice,
				Kind:    rec.Kind,
				LocalID: rec.LocalID,
				Detail:  fmt.Sprintf("invoice number %q already used by %s", inv.InvoiceNumber, first),
			})
			continue
		}
		seen[inv.InvoiceNumber] = rec.LocalID
	}
	return out
}

// checkGroupFlags verifies each account's stored is_group flag matches
// what the hierarchy derives: an account is a group iff another account
// names it as parent.
func checkGroupFlags(snap *snapshot) []Violation {
	parents := make(map[string]bool)
	for _, rec := range snap.records[entity.KindAccount] {
		acct, ok := rec.Payload.(*entity.Account)
		if !ok {
			continue
		}
		if parent := acct.EffectiveParentCode(); parent != "" {
			parents[parent] = true
		}
	}

	var out []Violation
	for _, rec := range snap.records[entity.KindAccount] {
		acct, ok := rec.Payload.(*entity.Account)
		if !ok {
			continue
		}
		if derived := parents[acct.Code]; derived != acct.IsGroup {
			out = append(out, Violation{
				Check:   CheckGroupFlag,
				Kind:    rec.Kind,
				LocalID: rec.LocalID,
				Detail: fmt.Sprintf("account %s has is_group=%t but hierarchy derives %t",
					acct.Code, acct.IsGroup, derived),
			})
		}
	}
	return out
}

func localIDSet(recs []*entity.Record) map[string]bool {
	set := make(map[string]bool, len(recs))
	for _, rec := range recs {
		set[rec.LocalID] = true
	}
	return set
}
