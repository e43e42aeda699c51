// Package memremote is an in-memory remote.Store used by tests. It
// mirrors sqlremote's semantics (server sequencing, natural-key
// uniqueness, idempotent pushes) and can be scripted to fail.
package memremote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/skywave/ledgersync/internal/entity"
	"github.com/skywave/ledgersync/internal/remote"
)

var uniqueKinds = map[entity.Kind]bool{
	entity.KindInvoice: true,
	entity.KindAccount: true,
	entity.KindPayment: true,
}

type document struct {
	remote.Document
	naturalKey string
}

// Store is a scriptable in-memory remote.
type Store struct {
	mu   sync.Mutex
	seq  int64
	docs map[entity.Kind]map[string]*document
	now  func() time.Time

	// FailPushes makes the next n Push calls fail with a
	// TransientError before any item is applied.
	FailPushes int

	// FailChanges makes the next n Changes calls fail transiently.
	FailChanges int

	// AuthBroken makes every call fail with an AuthError.
	AuthBroken bool
}

// New returns an empty in-memory remote.
func New() *Store {
	return &Store{
		docs: make(map[entity.Kind]map[string]*document),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the server clock.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) bucket(kind entity.Kind) map[string]*document {
	if s.docs[kind] == nil {
		s.docs[kind] = make(map[string]*document)
	}
	return s.docs[kind]
}

// Push implements remote.Store.
func (s *Store) Push(ctx context.Context, kind entity.Kind, items []remote.PushItem) ([]remote.PushResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AuthBroken {
		return nil, &remote.AuthError{Err: fmt.Errorf("credentials rejected")}
	}
	if s.FailPushes > 0 {
		s.FailPushes--
		return nil, &remote.TransientError{Err: fmt.Errorf("injected push failure")}
	}

	bucket := s.bucket(kind)
	results := make([]remote.PushResult, 0, len(items))
	for _, item := range items {
		if item.RemoteID == "" {
			results = append(results, remote.PushResult{Rejected: true, Reason: "missing remote id"})
			continue
		}

		key := ""
		if uniqueKinds[kind] {
			payload, err := entity.UnmarshalPayload(kind, item.Payload)
			if err != nil {
				results = append(results, remote.PushResult{
					RemoteID: item.RemoteID, Rejected: true,
					Reason: fmt.Sprintf("malformed payload: %v", err),
				})
				continue
			}
			key = payload.NaturalKey()
			if holder := s.findByKey(bucket, key, item.RemoteID); holder != "" {
				results = append(results, remote.PushResult{
					RemoteID: item.RemoteID, Rejected: true,
					Reason: fmt.Sprintf("duplicate %s natural key %q (held by %s)", kind, key, holder),
				})
				continue
			}
		}

		s.seq++
		serverTime := s.now()
		bucket[item.RemoteID] = &document{
			Document: remote.Document{
				Kind:         kind,
				RemoteID:     item.RemoteID,
				Payload:      append([]byte(nil), item.Payload...),
				DeviceOrigin: item.DeviceOrigin,
				LastModified: item.LastModified,
				ServerSeq:    s.seq,
				ServerTime:   serverTime,
			},
			naturalKey: key,
		}
		results = append(results, remote.PushResult{RemoteID: item.RemoteID, ServerTime: serverTime})
	}
	return results, nil
}

func (s *Store) findByKey(bucket map[string]*document, key, selfID string) string {
	if key == "" {
		return ""
	}
	for id, doc := range bucket {
		if !doc.Deleted && doc.naturalKey == key && id != selfID {
			return id
		}
	}
	return ""
}

// Changes implements remote.Store.
func (s *Store) Changes(ctx context.Context, kind entity.Kind, afterSeq int64, limit int) ([]remote.Document, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AuthBroken {
		return nil, afterSeq, &remote.AuthError{Err: fmt.Errorf("credentials rejected")}
	}
	if s.FailChanges > 0 {
		s.FailChanges--
		return nil, afterSeq, &remote.TransientError{Err: fmt.Errorf("injected pull failure")}
	}

	var docs []remote.Document
	for _, doc := range s.bucket(kind) {
		if doc.ServerSeq > afterSeq {
			docs = append(docs, doc.Document)
		}
	}
	sortBySeq(docs)
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	next := afterSeq
	if len(docs) > 0 {
		next = docs[len(docs)-1].ServerSeq
	}
	return docs, next, nil
}

// PushTombstones implements remote.Store.
func (s *Store) PushTombstones(ctx context.Context, kind entity.Kind, remoteIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AuthBroken {
		return &remote.AuthError{Err: fmt.Errorf("credentials rejected")}
	}

	bucket := s.bucket(kind)
	for _, id := range remoteIDs {
		s.seq++
		doc := bucket[id]
		if doc == nil {
			doc = &document{Document: remote.Document{Kind: kind, RemoteID: id}}
			bucket[id] = doc
		}
		doc.Deleted = true
		doc.Payload = nil
		doc.naturalKey = ""
		doc.ServerSeq = s.seq
		doc.ServerTime = s.now()
	}
	return nil
}

// Seed inserts a document directly, bypassing uniqueness checks, as if
// another device had pushed it. Returns the assigned server sequence.
func (s *Store) Seed(kind entity.Kind, remoteID string, payload entity.Payload, deviceOrigin string, lastModified time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := entity.MarshalPayload(payload)
	if err != nil {
		panic(err)
	}
	s.seq++
	s.bucket(kind)[remoteID] = &document{
		Document: remote.Document{
			Kind:         kind,
			RemoteID:     remoteID,
			Payload:      data,
			DeviceOrigin: deviceOrigin,
			LastModified: lastModified,
			ServerSeq:    s.seq,
			ServerTime:   s.now(),
		},
		naturalKey: payload.NaturalKey(),
	}
	return s.seq
}

// Document returns the stored document for inspection, or nil.
func (s *Store) Document(kind entity.Kind, remoteID string) *remote.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc := s.bucket(kind)[remoteID]; doc != nil {
		d := doc.Document
		return &d
	}
	return nil
}

// Count returns the number of live (non-deleted) documents of a kind.
func (s *Store) Count(kind entity.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, doc := range s.bucket(kind) {
		if !doc.Deleted {
			n++
		}
	}
	return n
}

func sortBySeq(docs []remote.Document) {
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].ServerSeq < docs[j].ServerSeq
	})
}
