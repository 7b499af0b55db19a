// Package notify implements a minimal synchronous pub/sub bus. The session
// manager and the backup queue each own an independent instance; they are
// never shared globally.
package notify

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Bus broadcasts values to subscribers in registration order. Delivery is
// synchronous and a panicking subscriber is isolated so it cannot block the
// rest of the fan-out.
type Bus[T any] struct {
	mu     sync.Mutex
	nextID int
	order  []int
	subs   map[int]func(T)
	log    zerolog.Logger
}

// New creates a Bus logging subscriber failures through log.
func New[T any](log zerolog.Logger) *Bus[T] {
	return &Bus[T]{subs: make(map[int]func(T)), log: log}
}

// Subscribe registers fn and returns a function that removes it again.
// Unsubscribing twice is harmless.
func (b *Bus[T]) Subscribe(fn func(T)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.order = append(b.order, id)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish delivers v to every current subscriber, in registration order.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	fns := make([]func(T), 0, len(b.order))
	live := b.order[:0]
	for _, id := range b.order {
		fn, ok := b.subs[id]
		if !ok {
			continue
		}
		live = append(live, id)
		fns = append(fns, fn)
	}
	b.order = live
	b.mu.Unlock()

	for _, fn := range fns {
		b.deliver(fn, v)
	}
}

func (b *Bus[T]) deliver(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Err(fmt.Errorf("%v", r)).Msg("notify: subscriber panicked")
		}
	}()
	fn(v)
}

// Len reports the number of active subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
