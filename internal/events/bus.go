package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultBuffer is the queue length of a subscription created with a
// non-positive buffer.
const DefaultBuffer = 256

// Bus is a broadcast publish/subscribe hub. Publish never blocks: a
// subscriber whose queue is full loses its oldest unread event.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	dropped atomic.Uint64
	onDrop  func(Event)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// OnDrop installs a callback invoked for every event dropped from a full
// queue. It runs with the bus locked and must not publish.
func (b *Bus) OnDrop(fn func(Event)) *Bus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
	return b
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	// C delivers events in publish order. It is closed by Close or when
	// the bus closes.
	C <-chan Event

	ch      chan Event
	bus     *Bus
	id      uint64
	dropped atomic.Uint64
	once    sync.Once
}

// Subscribe registers a new subscriber with a queue of buffer events.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(ch) })
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Publish stamps e with an id and time if missing and delivers it to every
// current subscriber.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Holding the lock across fan-out keeps every subscriber's view in
	// publish order; each delivery is non-blocking.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.deliver(e)
	}
}

// Dropped returns the number of events dropped across all subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are ignored and later
// subscriptions start closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.once.Do(func() { close(s.ch) })
	}
}

// deliver runs with the bus lock held, so it is the only sender on s.ch.
func (s *Subscription) deliver(e Event) {
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		select {
		case old := <-s.ch:
			s.dropped.Add(1)
			s.bus.dropped.Add(1)
			if s.bus.onDrop != nil {
				s.bus.onDrop(old)
			}
		default:
		}
	}
}

// Dropped returns the number of events this subscriber lost.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}
