// Package eventbus provides an in-process publish/subscribe bus with
// per-subscription filters and handler isolation. It has no transport
// awareness and is reused on both the client and server sides.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/guerillacodester/vehicle-simulator-sub007/envelope"
)

// Handler receives dispatched envelopes for a subscribed event type.
type Handler func(*envelope.Envelope)

// Filter is a predicate applied to an envelope before the handler runs.
// Multiple filters on one subscription compose with logical AND.
type Filter func(*envelope.Envelope) bool

// subscription pairs a handler with its optional filters. Each
// subscription is independently removable.
type subscription struct {
	id      uint64
	handler Handler
	filters []Filter
}

// Bus dispatches envelopes to subscribed handlers in subscription order.
// A handler that panics during dispatch is logged and skipped; sibling
// handlers for the same event still run.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[envelope.EventType][]*subscription
	logger *slog.Logger
}

// New creates an event bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[envelope.EventType][]*subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for an event type and returns a function
// that removes exactly this subscription.
func (b *Bus) Subscribe(event envelope.EventType, handler Handler) func() {
	return b.SubscribeWithFilter(event, handler)
}

// SubscribeWithFilter registers a handler whose invocation is gated by
// the given filters, all of which must match.
func (b *Bus) SubscribeWithFilter(event envelope.EventType, handler Handler, filters ...Filter) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		handler: handler,
		filters: filters,
	}
	b.subs[event] = append(b.subs[event], sub)
	b.mu.Unlock()

	return func() {
		b.remove(event, sub.id)
	}
}

// remove deletes a single subscription by ID.
func (b *Bus) remove(event envelope.EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[event]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[event]) == 0 {
		delete(b.subs, event)
	}
}

// Unsubscribe removes every handler registered for the event type.
func (b *Bus) Unsubscribe(event envelope.EventType) {
	b.mu.Lock()
	delete(b.subs, event)
	b.mu.Unlock()
}

// Publish invokes every handler currently subscribed to the envelope's
// event type whose filters match, in subscription order. Handlers run on
// the caller's goroutine; each invocation is isolated so one handler's
// panic cannot abort the batch or crash the dispatching goroutine.
func (b *Bus) Publish(env *envelope.Envelope) {
	if env == nil {
		return
	}

	b.mu.RLock()
	subs := make([]*subscription, len(b.subs[env.Type]))
	copy(subs, b.subs[env.Type])
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.matches(env) {
			continue
		}
		b.dispatch(sub, env)
	}
}

// matches evaluates the subscription's filters with logical AND.
func (s *subscription) matches(env *envelope.Envelope) bool {
	for _, filter := range s.filters {
		if !filter(env) {
			return false
		}
	}
	return true
}

// dispatch runs one handler behind a recover boundary. Silent
// catch-and-continue here is a deliberate reliability property: a failing
// subscriber must never affect delivery to its siblings.
func (b *Bus) dispatch(sub *subscription, env *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", env.Type.String(),
				"envelope_id", env.ID,
				"panic", r)
		}
	}()
	sub.handler(env)
}

// SubscriptionCount returns the number of live subscriptions for an
// event type. Introspection only.
func (b *Bus) SubscriptionCount(event envelope.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}

// SubscribedEvents returns the event types that currently have at least
// one subscriber. Introspection only.
func (b *Bus) SubscribedEvents() []envelope.EventType {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := make([]envelope.EventType, 0, len(b.subs))
	for event := range b.subs {
		events = append(events, event)
	}
	return events
}
