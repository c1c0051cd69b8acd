package observability

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// EventHandler receives published events. Handlers run synchronously on the
// publishing goroutine and must not block.
type EventHandler func(ctx context.Context, eventType string, data map[string]interface{})

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

// EventBus logs every event and fans it out to in-process subscribers, such
// as a usage recorder owned by the surrounding service.
type EventBus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewEventBus creates an event bus logging through logger.
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		logger:   logger,
		handlers: make(map[string][]EventHandler),
	}
}

// Subscribe registers handler for eventType, or for every event with AllEvents.
func (e *EventBus) Subscribe(eventType string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[eventType] = append(e.handlers[eventType], handler)
}

// Publish implements domain.EventPublisher.
func (e *EventBus) Publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if e == nil {
		return
	}

	if e.logger != nil {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fields := make([]zap.Field, 0, len(keys)+2)
		fields = append(fields, zap.String("event", eventType))
		for _, k := range keys {
			fields = append(fields, zap.Any(k, data[k]))
		}
		if requestID := Value(ctx, RequestIDKey); requestID != "" {
			fields = append(fields, zap.String("request_id", requestID))
		}
		e.logger.Info("event published", fields...)
	}

	e.mu.RLock()
	handlers := make([]EventHandler, 0, len(e.handlers[eventType])+len(e.handlers[AllEvents]))
	handlers = append(handlers, e.handlers[eventType]...)
	handlers = append(handlers, e.handlers[AllEvents]...)
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, eventType, data)
	}
}
