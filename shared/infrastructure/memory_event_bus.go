package infrastructure

import (
	"context"
	"log"
	"sync"

	"github.com/cartwheel/order-system/shared/events"
)

var (
	_ events.Publisher  = (*MemoryEventBus)(nil)
	_ events.Subscriber = (*MemoryEventBus)(nil)
)

// MemoryEventBus is an in-process bus for local development. Delivery is
// synchronous and at-least-once in spirit: a handler error is logged and the
// event is redelivered once.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions []memorySubscription
}

type memorySubscription struct {
	pattern events.Topic
	handler events.EventHandler
}

// NewMemoryEventBus creates a new in-process event bus
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{}
}

// Publish delivers events synchronously to all matching subscriptions
func (b *MemoryEventBus) Publish(ctx context.Context, evts ...*events.Event) error {
	b.mu.RLock()
	subs := make([]memorySubscription, len(b.subscriptions))
	copy(subs, b.subscriptions)
	b.mu.RUnlock()

	for _, event := range evts {
		for _, sub := range subs {
			if !event.Topic.Matches(sub.pattern) {
				continue
			}
			if err := sub.handler.Handle(ctx, event); err != nil {
				log.Printf("memory bus handler %s failed, redelivering once: %v", handlerID(sub.handler), err)
				if err := sub.handler.Handle(ctx, event); err != nil {
					log.Printf("memory bus redelivery to %s failed: %v", handlerID(sub.handler), err)
				}
			}
		}
	}
	return nil
}

func handlerID(h events.EventHandler) string {
	if ider, ok := h.(interface{ HandlerID() string }); ok {
		return ider.HandlerID()
	}
	return "anonymous"
}

// Subscribe registers a handler for every event whose topic matches the pattern
func (b *MemoryEventBus) Subscribe(ctx context.Context, topicPattern string, handler events.EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = append(b.subscriptions, memorySubscription{pattern: events.Topic(topicPattern), handler: handler})
	return nil
}

// Close implements the subscriber contract
func (b *MemoryEventBus) Close() error {
	return nil
}
