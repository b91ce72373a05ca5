package gateway

import (
	"encoding/json"
	"sync"
)

// Event is a server push delivered to subscribers.
type Event struct {
	Name    string
	Payload json.RawMessage
	Seq     *int64
}

// EventHandler receives events for a subscribed name.
type EventHandler func(Event)

// eventBus dispatches events by name. Handlers registered under the empty
// name receive every event.
type eventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

func newEventBus() *eventBus {
	return &eventBus{handlers: make(map[string][]EventHandler)}
}

// subscribe registers a handler for the given event name ("" for all).
func (b *eventBus) subscribe(name string, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// publish invokes handlers synchronously in registration order.
func (b *eventBus) publish(ev Event) {
	b.mu.RLock()
	named := append([]EventHandler(nil), b.handlers[ev.Name]...)
	all := append([]EventHandler(nil), b.handlers[""]...)
	b.mu.RUnlock()

	for _, h := range named {
		h(ev)
	}
	for _, h := range all {
		h(ev)
	}
}
