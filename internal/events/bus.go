package events

import (
	"sync"
)

// Event is the closed set of things the core publishes; see the typed
// structs in this package.
type Event interface{}

type subscription struct {
	ch chan Event
}

// Bus is an in-process publish/subscribe bus. Publishing never blocks: a
// subscriber that falls behind loses events rather than stalling the
// gateway read loop.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Publish delivers evt to all current subscribers without blocking.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			// Subscriber buffer full; drop rather than block the publisher.
		}
	}
}

// Subscribe returns a buffered channel of events and an unsubscribe
// function. Unsubscribing closes the channel.
func (b *Bus) Subscribe(bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
