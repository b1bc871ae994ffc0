// Package events provides the in-process bus the engine publishes lifecycle
// events on. Delivery is fire-and-forget: handler failures are logged and
// never propagate into the matching path.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Standard event topics.
const (
	TopicOrder       = "order"
	TopicMatch       = "match"
	TopicNegotiation = "negotiation"
	TopicSettlement  = "settlement"
)

// Event is the envelope published on the bus.
type Event struct {
	Topic     string
	Type      string
	Timestamp time.Time
	Payload   interface{}
}

// Handler processes a delivered event. It must be fast; slow or blocking
// work belongs behind the handler's own queue. Panics are recovered.
type Handler func(Event)

// Bus is the interface the engine publishes on.
type Bus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(topic string, handler Handler)
}

// InMemoryBus is a concurrent-safe fan-out bus.
type InMemoryBus struct {
	logger *zap.Logger
	mu     sync.RWMutex
	subs   map[string][]Handler
}

// NewInMemoryBus creates a bus with no subscribers.
func NewInMemoryBus(logger *zap.Logger) *InMemoryBus {
	return &InMemoryBus{
		logger: logger,
		subs:   make(map[string][]Handler),
	}
}

// Publish delivers the event to every subscriber of its topic.
func (b *InMemoryBus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := append([]Handler{}, b.subs[event.Topic]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic",
						zap.Any("recover", r),
						zap.String("topic", event.Topic),
						zap.String("type", event.Type))
				}
			}()
			h(event)
		}(h)
	}
}

// Subscribe registers a handler for a topic.
func (b *InMemoryBus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], handler)
}
