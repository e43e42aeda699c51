package notify

import (
	"testing"

	"github.com/skywave/ledgersync/internal/entity"
)

func TestFlushDeliversInPublishOrder(t *testing.T) {
	bus := New()
	var got []entity.Kind
	bus.Subscribe(func(kind entity.Kind) { got = append(got, kind) })

	bus.Publish(entity.KindInvoice)
	bus.Publish(entity.KindClient)
	bus.Flush()

	if len(got) != 2 || got[0] != entity.KindInvoice || got[1] != entity.KindClient {
		t.Errorf("delivered %v, want [invoices clients]", got)
	}
}

func TestPublishCoalescesUntilFlush(t *testing.T) {
	bus := New()
	var got []entity.Kind
	bus.Subscribe(func(kind entity.Kind) { got = append(got, kind) })

	bus.Publish(entity.KindClient)
	bus.Publish(entity.KindClient)
	bus.Publish(entity.KindClient)
	if bus.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", bus.Pending())
	}
	bus.Flush()
	if len(got) != 1 {
		t.Errorf("delivered %d events, want 1", len(got))
	}

	// Coalescing resets at each flush; the next publish delivers again.
	bus.Publish(entity.KindClient)
	bus.Flush()
	if len(got) != 2 {
		t.Errorf("delivered %d events after second flush, want 2", len(got))
	}
}

func TestFlushWithoutSubscribersDrainsQueue(t *testing.T) {
	bus := New()
	bus.Publish(entity.KindClient)
	bus.Flush()
	if bus.Pending() != 0 {
		t.Errorf("Pending() = %d after flush, want 0", bus.Pending())
	}
}

func TestSubscribeMultiple(t *testing.T) {
	bus := New()
	var first, second int
	bus.Subscribe(func(entity.Kind) { first++ })
	bus.Subscribe(func(entity.Kind) { second++ })

	bus.Publish(entity.KindPayment)
	bus.Flush()

	if first != 1 || second != 1 {
		t.Errorf("deliveries = (%d, %d), want (1, 1)", first, second)
	}
}
