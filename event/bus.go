// Package event fans task events out to live subscribers such as websocket
// clients.
package event

import (
	"sync"
	"sync/atomic"

	"mediadl/task"
)

const subscriberBuffer = 100

// Bus implements task.Publisher. Publish never blocks: a subscriber whose
// buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan task.Event]struct{}
	dropped     atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[chan task.Event]struct{}),
	}
}

func (b *Bus) Subscribe() <-chan task.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan task.Event, subscriberBuffer)
	b.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes ch and closes it. Unknown channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan task.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subscribers {
		if (<-chan task.Event)(s) == ch {
			delete(b.subscribers, s)
			close(s)
			return
		}
	}
}

func (b *Bus) Publish(ev task.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
