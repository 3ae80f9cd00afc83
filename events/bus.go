package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// Filter selects changes for a subscriber. Empty fields match everything.
type Filter struct {
	Table string
	ID    string
}

func (f Filter) Match(c Change) bool {
	if f.Table != "" && f.Table != c.Table {
		return false
	}
	if f.ID != "" && f.ID != c.ID {
		return false
	}
	return true
}

type subscriber struct {
	filter Filter
	ch     chan Change
}

// Bus is the in-process fan-out behind the SSE stream.
// Delivery never blocks the publisher: a full subscriber buffer drops the change.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	buffer  int
	dropped atomic.Int64
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[uint64]*subscriber), buffer: buffer}
}

// Subscribe returns a channel of matching changes and a function that ends the subscription.
func (b *Bus) Subscribe(f Filter) (<-chan Change, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := &subscriber{filter: f, ch: make(chan Change, b.buffer)}
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(sub.ch)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Send(_ context.Context, c Change) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.filter.Match(c) {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

func (b *Bus) Name() string { return "bus" }

func (b *Bus) Publish(ctx context.Context, changes ...Change) {
	for _, c := range changes {
		_ = b.Send(ctx, c)
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped counts changes discarded because a subscriber was too slow.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
