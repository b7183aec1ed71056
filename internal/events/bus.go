// Package events provides synchronous listener registration for pipeline and
// channel notifications.
package events

import (
	"sync"
)

// Bus delivers events to zero or more listeners, synchronously and in
// registration order. It is safe for concurrent use; listeners registered
// while an event is being delivered receive the next event.
type Bus[T any] struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners []listener[T]
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is idempotent.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range b.listeners {
		if l.id == id {
			// Copy so snapshots held by in-flight Publish calls stay intact.
			next := make([]listener[T], 0, len(b.listeners)-1)
			next = append(next, b.listeners[:i]...)
			next = append(next, b.listeners[i+1:]...)
			b.listeners = next
			return
		}
	}
}

// Publish delivers ev to every listener before returning.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	snapshot := b.listeners
	b.mu.RUnlock()

	for _, l := range snapshot {
		l.fn(ev)
	}
}

// Len returns the number of registered listeners.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
