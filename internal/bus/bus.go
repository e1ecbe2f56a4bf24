// Package bus fans RegisterUpdate records out to an unknown, dynamic set of
// subscribers. Grounded on the teacher's internal/websocket.Hub
// (register/unregister channels, per-client buffered Send channel,
// skip-on-full-buffer broadcast), generalized to report how many messages a
// slow subscriber missed instead of silently dropping them, and to support
// a draining Close that every subscriber observes as a terminal signal.
package bus

import (
	"sync"

	"github.com/fieldbridge/fieldbridge/internal/modbusmodel"
)

// DefaultCapacity is the per-subscriber channel capacity used when none is
// given to New. Metrics and MQTT publishing must never block Modbus
// polling, so this is generous rather than tight.
const DefaultCapacity = 256

// Event is what a Subscription receives: a RegisterUpdate, optionally
// preceded by a lag count. The Bus closing is signaled the ordinary Go way:
// ranging over Subscription.C ends, or a receive returns ok == false.
type Event struct {
	Update modbusmodel.RegisterUpdate
	Lagged int // > 0 means this many updates were dropped before Update
}

// Subscription is a single subscriber's view of the bus.
type Subscription struct {
	C <-chan Event

	bus *Bus
	id  uint64
}

// Unsubscribe stops delivery to this subscription and releases its
// channel. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id)
}

type subscriber struct {
	ch      chan Event
	pending int // count of updates dropped since the last successful send
}

// Bus is a bounded multi-producer, multi-consumer fan-out channel of
// RegisterUpdate records with lossy-on-slow-consumer semantics.
type Bus struct {
	mu       sync.Mutex
	capacity int
	subs     map[uint64]*subscriber
	nextID   uint64
	closed   bool
}

// New returns a Bus with the given per-subscriber capacity. A capacity <= 0
// uses DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{capacity: capacity, subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a new subscriber and returns its Subscription. Events
// published before Subscribe returns are never delivered to it.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.capacity)}
	if b.closed {
		close(sub.ch)
		return &Subscription{C: sub.ch, bus: b, id: id}
	}
	b.subs[id] = sub
	return &Subscription{C: sub.ch, bus: b, id: id}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// Publish fans update out to every current subscriber without blocking. A
// subscriber whose channel is full has its oldest buffered event dropped to
// make room; update is then delivered carrying the accumulated Lagged count.
func (b *Bus) Publish(update modbusmodel.RegisterUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		b.deliver(sub, Event{Update: update})
	}
}

// deliver must be called with b.mu held. It attempts a non-blocking send;
// on a full channel it discards the oldest buffered event (adding it, and
// any lag it carried, to the drop count) and retries, so ev always lands
// and reports how many updates were missed before it.
func (b *Bus) deliver(sub *subscriber, ev Event) {
	for {
		ev.Lagged = sub.pending
		select {
		case sub.ch <- ev:
			sub.pending = 0
			return
		default:
		}
		select {
		case old := <-sub.ch:
			sub.pending += 1 + old.Lagged
		default:
		}
	}
}

// Close closes every subscriber channel, allowing already-buffered events
// to be drained by a `range`/`ok`-checking receive before the terminal
// close is observed, and prevents further Subscribe/Publish calls from
// doing anything.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// SubscriberCount reports how many subscribers are currently attached, for
// metrics and tests.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
