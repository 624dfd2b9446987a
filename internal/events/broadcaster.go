// Package events delivers committed ledger events to observers.
package events

import (
	"sync"

	"github.com/vadiminshakov/exledger/internal/domain"
)

// Observer is notified synchronously after an event is committed.
type Observer interface {
	OnEvent(e domain.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e domain.Event)

// OnEvent calls f(e).
func (f ObserverFunc) OnEvent(e domain.Event) {
	f(e)
}

// Broadcaster fans out events to channel subscribers and registered observers.
type Broadcaster struct {
	mu        sync.RWMutex
	subs      map[chan domain.Event]struct{}
	observers []Observer
	buffer    int
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[chan domain.Event]struct{}),
		buffer: buffer,
	}
}

// Publish delivers e to observers, then to subscribers, dropping if a reader is slow.
func (b *Broadcaster) Publish(e domain.Event) {
	b.mu.RLock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	for ch := range b.subs {
		select {
		case ch <- cloneEvent(e):
		default:
			// drop slow consumer
		}
	}
	b.mu.RUnlock()

	// observers run unlocked so they may subscribe or query freely
	for _, o := range observers {
		o.OnEvent(cloneEvent(e))
	}
}

// Observe registers o for every future event.
func (b *Broadcaster) Observe(o Observer) {
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

// Subscribe returns a channel that receives events until Unsubscribe is called.
func (b *Broadcaster) Subscribe() chan domain.Event {
	ch := make(chan domain.Event, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *Broadcaster) Unsubscribe(ch chan domain.Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// cloneEvent keeps observers from sharing amount pointers.
func cloneEvent(e domain.Event) domain.Event {
	e.Amount = e.Amount.Clone()
	e.Balance = e.Balance.Clone()
	return e
}
