package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Bus fans committed events out to in-process subscribers. Delivery is
// best-effort: a subscriber whose buffer is full loses the event rather
// than blocking the publisher. Durable delivery lives in the events
// table; the bus only feeds live consumers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
	log    *zap.Logger

	// Incremented under mu.RLock, so it must be atomic.
	dropped atomic.Uint64
}

// NewBus creates an event bus.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		subs: make(map[int]chan Event),
		log:  log.Named("bus"),
	}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel plus a cancel function. Cancel is idempotent.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers events to every live subscriber without blocking.
func (b *Bus) Publish(evs ...Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ev := range evs {
		for _, ch := range b.subs {
			select {
			case ch <- ev:
			default:
				b.dropped.Add(1)
				b.log.Debug("subscriber buffer full, event dropped",
					zap.String("event", ev.Name),
					zap.String("entity_id", ev.EntityID))
			}
		}
	}
}

// Dropped reports how many events were lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
