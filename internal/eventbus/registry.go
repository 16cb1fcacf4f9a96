package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xenoISA/isA-user-sub009/internal/domain/event"
)

// Delivery carries one decoded event to a handler along with the envelope
// metadata and the concrete subject it arrived on.
type Delivery[T event.Payload] struct {
	Envelope *event.Envelope
	Payload  T
	Subject  string
}

// Handler processes deliveries of a single payload type. Rely on the zero
// value of T to report the event type, so handlers stay stateless.
type Handler[T event.Payload] interface {
	Handle(ctx context.Context, d *Delivery[T]) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc[T event.Payload] func(ctx context.Context, d *Delivery[T]) error

func (f HandlerFunc[T]) Handle(ctx context.Context, d *Delivery[T]) error {
	return f(ctx, d)
}

type handlerEntry struct {
	eventType string
	decode    func(data []byte) (any, error)
	handle    func(ctx context.Context, env *event.Envelope, subject string, payload any) error
}

// Registry maps event types to their handlers. A subscriber consults it on
// every delivery; events without a registered handler are left unacked for
// redelivery.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]handlerEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]handlerEntry)}
}

// AddHandler registers h for the event type reported by the zero value of T.
// Registering a second handler for the same event type replaces the first.
func AddHandler[T event.Payload](r *Registry, h Handler[T]) {
	var zero T
	eventType := zero.EventType()

	entry := handlerEntry{
		eventType: eventType,
		decode: func(data []byte) (any, error) {
			var p T
			if len(data) == 0 {
				return p, nil
			}
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
			}
			return p, nil
		},
		handle: func(ctx context.Context, env *event.Envelope, subject string, payload any) error {
			return h.Handle(ctx, &Delivery[T]{
				Envelope: env,
				Payload:  payload.(T),
				Subject:  subject,
			})
		},
	}

	r.mu.Lock()
	r.entries[eventType] = entry
	r.mu.Unlock()
}

func (r *Registry) lookup(eventType string) (handlerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[eventType]
	return entry, ok
}

// EventTypes lists the registered event types, for health reporting.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	return types
}
