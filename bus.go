package toolwire

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// EventHandler handles one published event. Handlers for the same event name
// are invoked in subscription order; a panicking handler is recovered and
// logged without affecting subsequent handlers or the publisher.
type EventHandler func(event string, data json.RawMessage)

// Subscription identifies one registered handler so it can be removed again.
// Function values are not comparable in Go, so removal goes through the
// handle returned by Subscribe instead of the handler reference itself.
type Subscription struct {
	event string
	id    uint64
}

type busEntry struct {
	id      uint64
	handler EventHandler
}

// EventBus fans out named events to zero or more subscribers, independent of
// the request/response flow.
type EventBus struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[string][]busEntry
	logger   *slog.Logger
}

// NewEventBus creates an empty event bus. A nil logger defaults to
// slog.Default().
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers: make(map[string][]busEntry),
		logger:   logger,
	}
}

// Subscribe registers handler for the named event and returns the handle used
// to unsubscribe it. Multiple handlers per event name coexist.
func (b *EventBus) Subscribe(event string, handler EventHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[event] = append(b.handlers[event], busEntry{id: b.nextID, handler: handler})
	return &Subscription{event: event, id: b.nextID}
}

// Unsubscribe removes a previously registered handler. Unknown or already
// removed subscriptions are ignored.
func (b *EventBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.handlers[sub.event]
	for i, e := range entries {
		if e.id == sub.id {
			b.handlers[sub.event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(b.handlers[sub.event]) == 0 {
		delete(b.handlers, sub.event)
	}
}

// Publish delivers data to every handler subscribed to the named event, in
// subscription order. Handler failures are isolated per handler.
func (b *EventBus) Publish(event string, data json.RawMessage) {
	b.mu.Lock()
	entries := make([]busEntry, len(b.handlers[event]))
	copy(entries, b.handlers[event])
	b.mu.Unlock()

	for _, e := range entries {
		b.invoke(e.handler, event, data)
	}
}

func (b *EventBus) invoke(handler EventHandler, event string, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", event, "panic", r)
		}
	}()
	handler(event, data)
}
