package eventbus

import (
	"context"
	"log/slog"

	"github.com/loomline/loomline/pkg/events"
)

// Bridge forwards committed ledger events onto the event bus so external
// consumers (Kafka or in-process subscribers) see the same stream the hub
// does. Publish failures are logged, never propagated: the ledger mutation
// already committed.
type Bridge struct {
	bus    EventBus
	logger *slog.Logger
}

func NewBridge(bus EventBus, logger *slog.Logger) *Bridge {
	return &Bridge{
		bus:    bus,
		logger: logger.With("module", "eventbus-bridge"),
	}
}

func (b *Bridge) Broadcast(executionID string, event events.Event) {
	if err := b.bus.Publish(context.Background(), executionID, event); err != nil {
		b.logger.Warn("Failed to publish event",
			"execution_id", executionID,
			"event_type", event.GetType(),
			"error", err,
		)
	}
}
