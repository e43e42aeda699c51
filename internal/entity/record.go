package entity

import (
	"fmt"
	"time"
)

// Kind identifies a synced collection.
type Kind string

const (
	KindClient       Kind = "clients"
	KindProject      Kind = "projects"
	KindPayment      Kind = "payments"
	KindInvoice      Kind = "invoices"
	KindAccount      Kind = "accounts"
	KindJournalEntry Kind = "journal_entries"
)

// AllKinds returns every synced collection in the order collections are
// processed during a sync cycle. Accounts come before journal entries so
// that pulled entries can resolve their account references.
func AllKinds() []Kind {
	return []Kind{
		KindClient,
		KindProject,
		KindAccount,
		KindPayment,
		KindInvoice,
		KindJournalEntry,
	}
}

// ValidKind reports whether k names a known collection.
func ValidKind(k Kind) bool {
	for _, known := range AllKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// SyncStatus is the lifecycle state of a record with respect to the
// remote store.
type SyncStatus string

const (
	// StatusNewOffline marks a record created locally and never accepted
	// by the remote store.
	StatusNewOffline SyncStatus = "new_offline"

	// StatusSynced marks a record whose current revision the remote store
	// has accepted.
	StatusSynced SyncStatus = "synced"

	// StatusModifiedOffline marks a previously synced record with local
	// edits not yet pushed.
	StatusModifiedOffline SyncStatus = "modified_offline"

	// StatusDeletedPending marks a locally deleted record whose deletion
	// the remote store has not yet acknowledged.
	StatusDeletedPending SyncStatus = "deleted_pending"

	// StatusPurged marks a deleted record the remote has acknowledged;
	// the row is eligible for physical removal.
	StatusPurged SyncStatus = "purged"
)

// Dirty reports whether the status indicates unsynced local changes that
// must be pushed.
func (s SyncStatus) Dirty() bool {
	return s == StatusNewOffline || s == StatusModifiedOffline
}

// Valid reports whether s is a known lifecycle state.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusNewOffline, StatusSynced, StatusModifiedOffline,
		StatusDeletedPending, StatusPurged:
		return true
	}
	return false
}

// Record is the envelope around an entity payload. The local store owns
// the authoritative copy; only the sync engine may transition Status or
// assign RemoteID.
type Record struct {
	Kind    Kind       `json:"kind"`
	LocalID string     `json:"local_id"`
	// RemoteID is assigned once the remote store first accepts the
	// record. Empty for records never synced.
	RemoteID     string     `json:"remote_id,omitempty"`
	Status       SyncStatus `json:"sync_status"`
	CreatedAt    time.Time  `json:"created_at"`
	LastModified time.Time  `json:"last_modified"`
	DeviceOrigin string     `json:"device_origin"`
	Payload      Payload    `json:"payload"`
}

// Payload is the entity-specific body of a Record. Each Kind has exactly
// one concrete implementation.
type Payload interface {
	// Kind returns the collection this payload belongs to.
	Kind() Kind

	// Validate checks the entity invariants that must hold at write time.
	Validate() error

	// NaturalKey returns the system-wide natural key used to reconcile a
	// pulled document with a local record that has no remote id yet
	// (bidirectional first sync). Empty if the kind has none.
	NaturalKey() string
}

// Dirty reports whether the record carries unsynced local changes.
func (r *Record) Dirty() bool { return r.Status.Dirty() }

// Validate checks the envelope and the payload together.
func (r *Record) Validate() error {
	if !ValidKind(r.Kind) {
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	if r.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid sync_status %q", r.Status)
	}
	if r.DeviceOrigin == "" {
		return fmt.Errorf("device_origin is required")
	}
	if r.Payload == nil {
		return fmt.Errorf("payload is required")
	}
	if r.Payload.Kind() != r.Kind {
		return fmt.Errorf("payload kind %q does not match record kind %q", r.Payload.Kind(), r.Kind)
	}
	return r.Payload.Validate()
}

// Before reports whether r's revision is ordered strictly before other's,
// using the device-qualified ordering (LastModified, DeviceOrigin). Equal
// timestamps fall back to a lexicographic comparison of device ids so
// every device orders the two revisions the same way.
func (r *Record) Before(other *Record) bool {
	if !r.LastModified.Equal(other.LastModified) {
		return r.LastModified.Before(other.LastModified)
	}
	return r.DeviceOrigin < other.DeviceOrigin
}

// Clone returns a shallow copy of the envelope. The payload is shared;
// callers that mutate a payload must construct a fresh one.
func (r *Record) Clone() *Record {
	c := *r
	return &c
}
