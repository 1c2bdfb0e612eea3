// Package eventbus provides event-driven communication infrastructure for flow lifecycle notifications.
package eventbus

import (
	"context"

	"github.com/dukex/flowtrail/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives a decoded event, e.g. *events.FlowIngested.
// Returning an error nacks the message so it is redelivered.
type EventHandler func(ctx context.Context, event Event) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
