package engine

import (
	"context"
	"sync"
)

// Broadcaster holds a single current value written by one producer and observed by
// any number of subscribers. Set never blocks. Slow subscribers skip intermediate
// values but always end up with the latest one.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	current     T
	subscribers map[chan T]struct{}
}

// NewBroadcaster creates a broadcaster holding initial.
func NewBroadcaster[T any](initial T) *Broadcaster[T] {
	return &Broadcaster[T]{
		current:     initial,
		subscribers: make(map[chan T]struct{}),
	}
}

// Get returns the current value.
func (b *Broadcaster[T]) Get() T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Set replaces the current value and notifies subscribers.
func (b *Broadcaster[T]) Set(value T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = value
	for ch := range b.subscribers {
		offerLatest(ch, value)
	}
}

// Subscribe returns a channel that immediately receives the current value and then
// every later value a subscriber keeps up with. The channel is closed when ctx ends.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	b.mu.Lock()
	ch <- b.current
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subscribers, ch)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// offerLatest puts value into the 1-slot channel, dropping a pending older value.
// Only called with the write lock held, so there is a single sender.
func offerLatest[T any](ch chan T, value T) {
	for {
		select {
		case ch <- value:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
