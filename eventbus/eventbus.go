// Package eventbus provides in-process pub/sub for session events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jxucoder/bbsbot/model"
)

// Bus fans events out to subscribers.
type Bus interface {
	Publish(event *model.Event)
	Subscribe() chan *model.Event
	Unsubscribe(ch chan *model.Event)
}

// InMemoryBus is a Bus whose subscribers each get a buffered channel.
type InMemoryBus struct {
	mu     sync.RWMutex
	subs   []chan *model.Event
	nextID atomic.Int64
}

// NewInMemoryBus creates a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// Subscribe creates a channel that receives every subsequent event.
func (b *InMemoryBus) Subscribe() chan *model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *model.Event, 64)
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes and closes ch.
func (b *InMemoryBus) Unsubscribe(ch chan *model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish stamps event with an ID and time and sends it to all subscribers.
func (b *InMemoryBus) Publish(event *model.Event) {
	event.ID = b.nextID.Add(1)
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Drop event if subscriber is too slow.
		}
	}
}
