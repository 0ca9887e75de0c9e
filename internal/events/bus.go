package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// StatusHandler receives committed status changes.
type StatusHandler func(ctx context.Context, event *Event)

// Bus fans status changes out to subscribers. Subscribers register for one
// webhook or for every webhook with "*".
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int]StatusHandler
	nextID      int
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]map[int]StatusHandler)}
}

// Subscribe registers handler and returns a function that removes it.
func (b *Bus) Subscribe(webhookID string, handler StatusHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subscribers[webhookID] == nil {
		b.subscribers[webhookID] = make(map[int]StatusHandler)
	}
	b.subscribers[webhookID][id] = handler

	log.Debug().Str("webhook_id", webhookID).Msg("Status handler subscribed")

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers[webhookID], id)
		if len(b.subscribers[webhookID]) == 0 {
			delete(b.subscribers, webhookID)
		}
	}
}

// Publish calls every handler for the event's webhook and every wildcard
// handler. It matches StatusListener so it can be installed on a Store.
func (b *Bus) Publish(ctx context.Context, event *Event) {
	b.mu.RLock()
	handlers := make([]StatusHandler, 0, len(b.subscribers[event.WebhookID])+len(b.subscribers["*"]))
	for _, h := range b.subscribers[event.WebhookID] {
		handlers = append(handlers, h)
	}
	for _, h := range b.subscribers["*"] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.call(ctx, h, event)
	}
}

func (b *Bus) call(ctx context.Context, h StatusHandler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("event_id", event.ID).
				Msg("Status handler panicked")
		}
	}()
	h(ctx, event)
}
