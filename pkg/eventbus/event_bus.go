// Package eventbus carries execution commands and lifecycle notifications
// between the API surface and the workers.
package eventbus

import (
	"context"

	"github.com/periscope-dev/engine/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	// Publish sends an event on the given topic. The key routes every
	// message of one execution to the same partition so commands arrive
	// in the order they were sent.
	Publish(ctx context.Context, topic, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context, topic string) error
}

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
