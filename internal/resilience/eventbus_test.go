package resilience

import (
	"testing"
	"time"
)

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	ch := bus.Subscribe()

	bus.Publish(Event{Kind: MemorySaved, ID: "a"})
	bus.Publish(Event{Kind: MemoryUpdated, ID: "b"})
	bus.Flush()

	first := recvWithTimeout(t, ch)
	second := recvWithTimeout(t, ch)

	if first.Kind != MemorySaved || first.ID != "a" {
		t.Errorf("unexpected first event: %+v", first)
	}
	if second.Kind != MemoryUpdated || second.ID != "b" {
		t.Errorf("unexpected second event: %+v", second)
	}
}

func TestBusMultipleSubscribersIndependent(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	chA := bus.Subscribe()
	chB := bus.Subscribe()

	bus.Publish(Event{Kind: Promoted, ID: "rec-1"})
	bus.Flush()

	a := recvWithTimeout(t, chA)
	b := recvWithTimeout(t, chB)
	if a.ID != "rec-1" || b.ID != "rec-1" {
		t.Errorf("expected both subscribers to receive the event, got %+v / %+v", a, b)
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	bus.Publish(Event{Kind: MaintenanceTick})
	bus.Flush()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected no delivery after unsubscribe")
		}
	case <-time.After(50 * time.Millisecond):
		t.Error("expected channel to be closed after unsubscribe")
	}
}

func TestBusSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	_ = bus.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(Event{Kind: MemorySaved})
		}
		bus.Flush()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func recvWithTimeout(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
