// Package resolver decides, given a local and a remote version of the
// same record, which version both sides converge to.
//
// Resolve is a pure function: the same inputs always produce the same
// outcome, on every device. It never errors on a legitimate conflict,
// only on malformed input. Every outcome that discards data reports the
// discarded version and fields so the caller can write the audit trail;
// the resolver itself never touches storage.
//
// Policy, in order:
//  1. Deletion wins over a stale edit. A record cannot be un-deleted by
//     an edit that raced the delete.
//  2. Per-device append-only collections (payments) union: rows with
//     different append keys both survive, nothing is clobbered.
//  3. Otherwise last-writer-wins on (LastModified, DeviceOrigin); equal
//     timestamps break ties toward the lexicographically larger device
//     id. The direction is arbitrary; what matters is that every device
//     picks the same one.
package resolver

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/skywave/ledgersync/internal/entity"
)

// Resolution classifies how a conflict was settled.
type Resolution string

const (
	ResolutionNone         Resolution = "no_conflict"
	ResolutionLocalWins    Resolution = "local_wins"
	ResolutionRemoteWins   Resolution = "remote_wins"
	ResolutionDeletionWins Resolution = "deletion_wins"
	ResolutionUnion        Resolution = "union"
)

// Severity grades a conflict by the fields it touched, for the audit
// trail. Monetary and structural fields are high; everything else low.
type Severity string

const (
	SeverityLow  Severity = "low"
	SeverityHigh Severity = "high"
)

// criticalFields lists, per kind, the monetary and structural fields
// whose loss in a conflict is flagged high severity for review.
var criticalFields = map[entity.Kind]map[string]bool{
	entity.KindProject: fieldSet("total_amount", "client_id"),
	entity.KindInvoice: fieldSet("invoice_number", "project_id", "subtotal",
		"tax_amount", "total_amount", "amount_paid"),
	entity.KindPayment:      fieldSet("amount", "date", "account_code", "project_id"),
	entity.KindJournalEntry: fieldSet("lines", "date"),
	entity.KindAccount:      fieldSet("code", "parent_code", "balance"),
	entity.KindClient:       nil,
}

// additiveKinds are per-device append-only: conflicting rows with
// different append keys union instead of overwriting.
var additiveKinds = map[entity.Kind]bool{
	entity.KindPayment: true,
}

// Outcome is the resolver's verdict.
type Outcome struct {
	Resolution Resolution

	// Winner is the version both sides converge to. Nil only for a
	// union, where both inputs survive unchanged.
	Winner *entity.Record

	// Discarded is the losing version, kept for the audit trail. Nil
	// when nothing was lost.
	Discarded *entity.Record

	// DiscardedFields names the payload fields whose losing values were
	// dropped, sorted for determinism.
	DiscardedFields []string

	Severity Severity
}

// Resolve decides the convergent version for a local/remote pair of the
// same record. A deleted side is represented by StatusDeletedPending.
func Resolve(local, remote *entity.Record) (*Outcome, error) {
	if local == nil || remote == nil {
		return nil, fmt.Errorf("both versions are required")
	}
	if local.Kind != remote.Kind {
		return nil, fmt.Errorf("kind mismatch: %s vs %s", local.Kind, remote.Kind)
	}

	localDeleted := local.Status == entity.StatusDeletedPending
	remoteDeleted := remote.Status == entity.StatusDeletedPending

	// Rule 1: deletion wins over a stale edit.
	switch {
	case localDeleted && remoteDeleted:
		return &Outcome{Resolution: ResolutionNone, Winner: local, Severity: SeverityLow}, nil
	case localDeleted:
		return deletionOutcome(local, remote)
	case remoteDeleted:
		return deletionOutcome(remote, local)
	}

	if local.Payload == nil || remote.Payload == nil {
		return nil, fmt.Errorf("malformed record: missing payload")
	}

	// Rule 2: additive collections union by append key.
	if additiveKinds[local.Kind] &&
		local.Payload.NaturalKey() != remote.Payload.NaturalKey() {
		return &Outcome{Resolution: ResolutionUnion, Severity: SeverityLow}, nil
	}

	localData, err := entity.MarshalPayload(local.Payload)
	if err != nil {
		return nil, fmt.Errorf("malformed local record: %w", err)
	}
	remoteData, err := entity.MarshalPayload(remote.Payload)
	if err != nil {
		return nil, fmt.Errorf("malformed remote record: %w", err)
	}
	if bytes.Equal(localData, remoteData) {
		// Same content on both sides; converge on the remote envelope.
		return &Outcome{Resolution: ResolutionNone, Winner: remote, Severity: SeverityLow}, nil
	}

	// Rule 3: last-writer-wins with device-qualified tie-break.
	winner, loser := remote, local
	resolution := ResolutionRemoteWins
	if remote.Before(local) {
		winner, loser = local, remote
		resolution = ResolutionLocalWins
	}

	fields, err := diffFields(local.Kind, localData, remoteData)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Resolution:      resolution,
		Winner:          winner,
		Discarded:       loser,
		DiscardedFields: fields,
		Severity:        severityFor(local.Kind, fields),
	}, nil
}

func deletionOutcome(deleted, edited *entity.Record) (*Outcome, error) {
	var fields []string
	if edited.Payload != nil {
		flat, err := entity.PayloadFields(edited.Payload)
		if err != nil {
			return nil, err
		}
		for name := range flat {
			fields = append(fields, name)
		}
		sort.Strings(fields)
	}
	return &Outcome{
		Resolution:      ResolutionDeletionWins,
		Winner:          deleted,
		Discarded:       edited,
		DiscardedFields: fields,
		// A delete-vs-edit race always warrants review.
		Severity: SeverityHigh,
	}, nil
}

// diffFields names the payload fields that differ between the two
// versions.
func diffFields(kind entity.Kind, localData, remoteData []byte) ([]string, error) {
	localPayload, err := entity.UnmarshalPayload(kind, localData)
	if err != nil {
		return nil, err
	}
	remotePayload, err := entity.UnmarshalPayload(kind, remoteData)
	if err != nil {
		return nil, err
	}
	localFields, err := entity.PayloadFields(localPayload)
	if err != nil {
		return nil, err
	}
	remoteFields, err := entity.PayloadFields(remotePayload)
	if err != nil {
		return nil, err
	}

	names := make(map[string]bool)
	for name := range localFields {
		names[name] = true
	}
	for name := range remoteFields {
		names[name] = true
	}

	var diff []string
	for name := range names {
		if !equalValues(localFields[name], remoteFields[name]) {
			diff = append(diff, name)
		}
	}
	sort.Strings(diff)
	return diff, nil
}

func equalValues(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func severityFor(kind entity.Kind, fields []string) Severity {
	critical := criticalFields[kind]
	for _, f := range fields {
		if critical[f] {
			return SeverityHigh
		}
	}
	return SeverityLow
}

func fieldSet(names ...string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
