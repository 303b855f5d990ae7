package resilience

import (
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies the kind of a published Event.
type EventKind string

const (
	MemorySaved     EventKind = "MemorySaved"
	MemoryUpdated   EventKind = "MemoryUpdated"
	MemoryArchived  EventKind = "MemoryArchived"
	Contradiction   EventKind = "Contradiction"
	Promoted        EventKind = "Promoted"
	MaintenanceTick EventKind = "MaintenanceTick"
)

// Event is the wire shape published on the bus: {kind, ts, id?, project?, extra}.
type Event struct {
	Seq       uint64
	Kind      EventKind
	Timestamp time.Time
	ID        string
	Project   string
	Extra     map[string]interface{}
}

// Bus is an in-process pub/sub event bus with bounded subscriber queues.
// Delivery is at-least-once within a process and preserves publish order
// per-subscriber; slow subscribers are dropped from a batch rather than
// blocking Publish.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
	queueSize   int

	batchWindow time.Duration
	batchLimit  int

	bufferMu   sync.Mutex
	buffer     []Event
	flushTimer *time.Timer

	sequence atomic.Uint64
	closed   atomic.Bool
}

// NewBus constructs a Bus whose subscriber channels are buffered to
// queueSize.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Bus{
		queueSize:   queueSize,
		batchWindow: 50 * time.Millisecond,
		batchLimit:  20,
		buffer:      make([]Event, 0, 20),
	}
}

// Subscribe returns a channel receiving all published events from this
// point forward.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, b.queueSize)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel previously returned
// by Subscribe.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if ch == nil {
		return
	}
	target := reflect.ValueOf(ch).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if reflect.ValueOf(sub).Pointer() == target {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// Publish enqueues an event for batched dispatch. Safe to call from any
// goroutine.
func (b *Bus) Publish(evt Event) {
	if b.closed.Load() {
		return
	}
	evt.Seq = b.sequence.Add(1)
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.bufferMu.Lock()
	b.buffer = append(b.buffer, evt)
	if len(b.buffer) >= b.batchLimit {
		b.flushLocked()
	} else if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.batchWindow, func() {
			b.bufferMu.Lock()
			b.flushLocked()
			b.bufferMu.Unlock()
		})
	}
	b.bufferMu.Unlock()
}

// Flush dispatches all buffered events immediately, without waiting for the
// batch window or batch limit.
func (b *Bus) Flush() {
	b.bufferMu.Lock()
	b.flushLocked()
	b.bufferMu.Unlock()
}

// flushLocked dispatches the buffer. Caller must hold bufferMu.
func (b *Bus) flushLocked() {
	if len(b.buffer) == 0 {
		return
	}
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}

	sort.Slice(b.buffer, func(i, j int) bool { return b.buffer[i].Seq < b.buffer[j].Seq })

	b.mu.RLock()
	for _, sub := range b.subscribers {
		for _, evt := range b.buffer {
			select {
			case sub <- evt:
			default:
				// slow subscriber drops this batch's events rather than
				// blocking the publisher
			}
		}
	}
	b.mu.RUnlock()

	b.buffer = b.buffer[:0]
}

// Close flushes pending events and closes all subscriber channels. After
// Close, Publish is a no-op.
func (b *Bus) Close() {
	b.Flush()
	b.closed.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = nil
}
