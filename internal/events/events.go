// Package events provides the in-process event bus used to decouple
// fills, protocol escalations, and state transitions from their listeners.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies an event category
type EventType string

const (
	// FillReceived is emitted when an order fill is applied to the store.
	FillReceived EventType = "fill.received"
	// OrderTerminal is emitted when an order reaches a terminal status.
	OrderTerminal EventType = "order.terminal"
	// ProtocolEscalated is emitted when a position's level increases.
	ProtocolEscalated EventType = "protocol.escalated"
	// CircuitBreakerTripped is emitted when a VIX threshold is crossed.
	CircuitBreakerTripped EventType = "circuit_breaker.tripped"
	// StateTransitioned is emitted after an account state machine transition.
	StateTransitioned EventType = "state.transitioned"
	// ForkCompleted is emitted after an atomic fork or merge.
	ForkCompleted EventType = "fork.completed"
	// WeekClassified is emitted at RECONCILING.
	WeekClassified EventType = "week.classified"
)

// Event is a published event with its typed payload
type Event struct {
	Type EventType
	Data EventData
	At   time.Time
}

// Handler processes a published event. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Bus is a simple synchronous publish/subscribe bus
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish delivers an event to all subscribed handlers
func (b *Bus) Publish(data EventData) {
	event := Event{
		Type: data.EventType(),
		Data: data,
		At:   time.Now(),
	}

	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	b.log.Debug().Str("type", string(event.Type)).Int("handlers", len(handlers)).Msg("Publishing event")

	for _, h := range handlers {
		h(event)
	}
}
