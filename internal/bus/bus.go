// Package bus implements the in-process broadcast event bus described in
// spec.md §4.1: non-blocking publish, lossy-under-slow-subscribers delivery,
// and a fresh (non-replaying) receiver per Subscribe call.
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/muse-bridge/bridge/internal/events"
	"github.com/muse-bridge/bridge/internal/metrics"
)

// DefaultBufferSize is the recommended per-subscriber ring buffer size
// (spec.md §4.1).
const DefaultBufferSize = 1024

// Bus is a broadcast publish/subscribe channel. The zero value is not usable;
// construct with New.
type Bus struct {
	bufferSize int

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscriber
}

type subscriber struct {
	ch     chan events.Event
	lagged atomic.Int64
}

// New constructs a Bus with the given per-subscriber buffer size. A
// non-positive size falls back to DefaultBufferSize.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		bufferSize: bufferSize,
		subs:       make(map[uint64]*subscriber),
	}
}

// Publish delivers event to every live subscriber without blocking. A
// subscriber whose buffer is full has its oldest buffered event dropped to
// make room; the drop is reflected in the lag count the subscriber observes
// on its next Recv.
func (b *Bus) Publish(event events.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		select {
		case s.ch <- event:
		default:
			// Buffer full: drop the oldest to make room, lossy by design.
			select {
			case <-s.ch:
				metrics.BusEventsDropped.Inc()
			default:
			}
			s.lagged.Add(1)
			select {
			case s.ch <- event:
			default:
				// Raced with another publisher; count it and move on.
				s.lagged.Add(1)
			}
		}
	}
	metrics.BusEventsPublished.Inc()
}

// Subscribe returns a fresh Receiver. Its queue starts empty; history is
// never replayed.
func (b *Bus) Subscribe() *Receiver {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	s := &subscriber{ch: make(chan events.Event, b.bufferSize)}
	b.subs[id] = s
	b.mu.Unlock()

	metrics.BusSubscribers.Inc()
	return &Receiver{bus: b, id: id, sub: s}
}

// SubscriberCount returns the number of live subscribers. Observability only.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
		metrics.BusSubscribers.Dec()
	}
}

// Receiver is a single subscriber's view of the bus.
type Receiver struct {
	bus *Bus
	id  uint64
	sub *subscriber
}

// Recv blocks until an event arrives, ctx is done, or the receiver is
// unsubscribed. lagged is the number of events dropped for this subscriber
// since the previous Recv call; consumers MUST treat lagged > 0 as "continue",
// never as a fatal error.
func (r *Receiver) Recv(ctx context.Context) (event events.Event, lagged int, ok bool) {
	select {
	case e, open := <-r.sub.ch:
		if !open {
			return nil, 0, false
		}
		return e, int(r.sub.lagged.Swap(0)), true
	case <-ctx.Done():
		return nil, 0, false
	}
}

// Unsubscribe removes the receiver from the bus and closes its channel. Safe
// to call more than once.
func (r *Receiver) Unsubscribe() {
	r.bus.unsubscribe(r.id)
}
