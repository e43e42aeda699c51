// Package remote defines the contract with the shared remote store, the
// system of record across devices.
//
// The remote keeps no sync metadata beyond a server-assigned sequence
// and timestamp per write; the sequence drives each device's pull
// cursor. Transport details are deliberately out of scope: the sync
// engine sees only this interface.
package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/skywave/ledgersync/internal/entity"
)

// Document is the remote representation of a record: entity fields plus
// the remote-assigned identifier and write ordering. DeviceOrigin and
// LastModified echo the writing client's metadata so pulls can resolve
// conflicts deterministically.
type Document struct {
	Kind         entity.Kind     `json:"kind"`
	RemoteID     string          `json:"remote_id"`
	Payload      json.RawMessage `json:"payload"`
	Deleted      bool            `json:"deleted"`
	DeviceOrigin string          `json:"device_origin"`
	LastModified time.Time       `json:"last_modified"`
	ServerSeq    int64           `json:"server_seq"`
	ServerTime   time.Time       `json:"server_time"`
}

// PushItem is one record offered to the remote store. The client mints
// the RemoteID before the first push; the server assigns it on accept
// and confirms it on retry, which makes a retried batch idempotent.
type PushItem struct {
	RemoteID     string
	Payload      []byte
	DeviceOrigin string
	LastModified time.Time
}

// PushResult reports the outcome for a single pushed item, in input
// order. A rejected item violated a server-side invariant (for example
// a duplicate invoice number minted on another device); it is reported,
// never silently overwritten.
type PushResult struct {
	RemoteID   string
	ServerTime time.Time
	Rejected   bool
	Reason     string
}

// Store is the remote side of the sync protocol.
type Store interface {
	// Push offers a batch of records. The returned slice has one result
	// per item, in order. Pushing the same item twice yields exactly one
	// remote representation.
	Push(ctx context.Context, kind entity.Kind, items []PushItem) ([]PushResult, error)

	// Changes returns documents changed after afterSeq in server order,
	// at most limit, plus the sequence to resume from. Deleted documents
	// are returned with Deleted set.
	Changes(ctx context.Context, kind entity.Kind, afterSeq int64, limit int) ([]Document, int64, error)

	// PushTombstones propagates deletions. A nil error acknowledges all
	// of them; deleting an unknown document is a no-op.
	PushTombstones(ctx context.Context, kind entity.Kind, remoteIDs []string) error
}
