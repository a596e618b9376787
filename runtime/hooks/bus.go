// Package hooks fans conversation state changes out to UI subscribers.
//
// The bus delivers synchronously in the publisher's goroutine, in
// registration order, with each callback inside its own recover boundary: a
// panicking subscriber is logged and skipped, never allowed to starve the
// rest or unwind the dispatch path.
package hooks

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomline/loomline/runtime/telemetry"
)

type (
	// Bus is the notice fan-out. Safe for concurrent Publish, Subscribe,
	// and Close.
	Bus struct {
		mu   sync.RWMutex
		subs []*subscription
		log  telemetry.Logger
	}

	// Subscription is an active registration. Close is idempotent and
	// thread-safe; after it returns the callback receives no new notices,
	// though a delivery already in flight may still complete.
	Subscription interface {
		// Close removes the callback from the bus. Always returns nil.
		Close() error
	}

	subscription struct {
		bus  *Bus
		fn   func(Notice)
		once sync.Once
	}
)

// NewBus returns an empty bus logging subscriber panics to log.
func NewBus(log telemetry.Logger) *Bus {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Bus{log: log}
}

// Subscribe registers a callback and returns its subscription token. A nil
// callback yields an inert, already-closed subscription.
func (b *Bus) Subscribe(fn func(Notice)) Subscription {
	s := &subscription{bus: b, fn: fn}
	if fn == nil {
		s.once.Do(func() {})
		return s
	}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s
}

// Publish delivers the notice to every subscriber in registration order. The
// subscriber set is snapshotted first, so subscribing or closing during
// delivery does not affect the current fan-out.
func (b *Bus) Publish(n Notice) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, n)
	}
}

// deliver runs one callback inside its own recover boundary.
func (b *Bus) deliver(s *subscription, n Notice) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error(context.Background(), "notice subscriber panicked",
				"kind", string(n.Kind()), "panic", fmt.Sprint(r))
		}
	}()
	s.fn(n)
}

// Close implements Subscription.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for i, sub := range s.bus.subs {
			if sub == s {
				s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
