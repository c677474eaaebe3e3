// Package eventbus publishes execution lifecycle events to external
// consumers through watermill. The in-process broadcast hub serves live UI
// streams; the bus serves everything that lives outside the process.
package eventbus

import (
	"context"

	"github.com/loomline/loomline/pkg/events"
)

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	Publish(ctx context.Context, key string, event events.Event) error
	Subscribe(ctx context.Context) error
	Handle(eventType events.EventType, handler EventHandler) error
	GenerateID() string
	Close() error
}
