// Package pubsub provides a small observer registry for component events.
package pubsub

import "sync"

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Broker fans events of type T out to subscribers in subscription order.
// There are no global listener tables; each component owns its broker.
type Broker[T any] struct {
	mu   sync.Mutex
	next int
	subs []subscriber[T]
}

// NewBroker creates an empty broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{}
}

// Subscribe registers a handler and returns a function that removes it.
// The returned unsubscribe function is safe to call more than once.
func (b *Broker[T]) Subscribe(fn func(T)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to every subscriber. Handlers run on the caller's
// goroutine so subscribers observe events in emission order.
func (b *Broker[T]) Publish(ev T) {
	b.mu.Lock()
	handlers := make([]func(T), len(b.subs))
	for i, s := range b.subs {
		handlers[i] = s.fn
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// Len returns the number of active subscribers.
func (b *Broker[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
