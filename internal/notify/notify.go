// Package notify provides the change-notification bus consumed by the
// UI and reporting layers.
//
// The bus is handed to consumers at construction, never imported as
// ambient global state. Publishes are queued and delivered in publish
// order by Flush. Delivery is at-least-once; subscribers must be
// idempotent.
package notify

import (
	"sync"

	"github.com/skywave/ledgersync/internal/entity"
)

// Subscriber receives collection-changed notifications.
type Subscriber func(kind entity.Kind)

// Bus queues collection-changed events and fans them out in order.
type Bus struct {
	mu      sync.Mutex
	subs    []Subscriber
	pending []entity.Kind
	queued  map[entity.Kind]bool
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{queued: make(map[entity.Kind]bool)}
}

// Subscribe registers a subscriber for all collections. Subscribers are
// invoked during Flush, in subscription order.
func (b *Bus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish queues a collection-changed event. Duplicate publishes before
// the next Flush coalesce into one delivery; delivery remains
// at-least-once across flushes.
func (b *Bus) Publish(kind entity.Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queued[kind] {
		return
	}
	b.queued[kind] = true
	b.pending = append(b.pending, kind)
}

// Flush delivers all queued events in publish order and clears the
// queue. Subscribers run on the caller's goroutine.
func (b *Bus) Flush() {
	b.mu.Lock()
	pending := b.pending
	subs := append([]Subscriber(nil), b.subs...)
	b.pending = nil
	b.queued = make(map[entity.Kind]bool)
	b.mu.Unlock()

	for _, kind := range pending {
		for _, fn := range subs {
			fn(kind)
		}
	}
}

// Pending returns the number of undelivered events.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
