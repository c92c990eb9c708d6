//go:build windows

package core

import "sync"

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	// EventStateChanged fires on every ConnectionState transition (§4.7/§7).
	EventStateChanged EventType = iota
	// EventStatsChanged fires once per Traffic Poller sample (throughput);
	// each snapshot also carries the Health Monitor's latest latency.
	EventStatsChanged
	// EventConfigChanged fires on every Configuration Store mutation (§4.8).
	EventConfigChanged
	// EventSelectedChanged fires when the selected server config changes (§4.8).
	EventSelectedChanged
)

// Event carries data about something that happened in the system.
type Event struct {
	Type    EventType
	Payload any
}

// StateChangedPayload is the payload for EventStateChanged.
type StateChangedPayload struct {
	From    ConnectionState
	To      ConnectionState
	Message string
	Err     error
}

// StatsChangedPayload is the payload for EventStatsChanged.
// Stats is a read-only snapshot; consumers must not mutate it.
type StatsChangedPayload struct {
	Stats ConnectionStats
}

// EventConfigChanged and EventSelectedChanged's payload types are defined in
// package config (ConfigChangedPayload, SelectedChangedPayload) rather than
// here, since core cannot import config without creating an import cycle
// (config already imports core for EventBus/Log). Event.Payload carries them
// as `any`, the same pattern StateChangedPayload/StatsChangedPayload follow
// for the events core itself owns.

// Handler is a callback for bus subscribers.
type Handler func(Event)

// EventBus provides pub/sub between system components. Workers never touch
// UI state directly (§5); they publish here and the UI domain marshals
// delivery to itself.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a given event type.
func (eb *EventBus) Subscribe(t EventType, h Handler) {
	eb.mu.Lock()
	eb.handlers[t] = append(eb.handlers[t], h)
	eb.mu.Unlock()
}

// Publish fires an event to all subscribed handlers synchronously.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// PublishAsync fires an event to all subscribed handlers in goroutines.
func (eb *EventBus) PublishAsync(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		go h(e)
	}
}
