package eventbus

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/loomline/loomline/pkg/events"
	"github.com/loomline/loomline/pkg/otelhelper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type WatermillEventBus struct {
	publisher     message.Publisher
	subscriber    message.Subscriber
	subscriptions map[events.EventType]EventHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) *WatermillEventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[events.EventType]EventHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(_ context.Context, key string, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(events.Topic, msg)
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	tracer := otel.Tracer("eventbus")

	go func() {
		for msg := range messages {
			eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

			msgCtx, span := otelhelper.StartSpan(ctx, tracer, "eventbus consume",
				attribute.String(otelhelper.EventIDKey, msg.UUID),
				attribute.String("event.type", string(eventType)),
			)

			handler, exists := eb.subscriptions[eventType]
			if !exists {
				msg.Ack()
				span.End()

				continue
			}

			event := newEventOfType(eventType)
			if event == nil {
				otelhelper.SetError(span, errors.New("unknown event type"))
				msg.Nack()
				span.End()

				continue
			}

			if err := json.Unmarshal(msg.Payload, event); err != nil {
				otelhelper.SetError(span, err)
				msg.Nack()
				span.End()

				continue
			}

			if err := handler(msgCtx, event); err != nil {
				otelhelper.SetError(span, err)
				msg.Nack()
				span.End()

				continue
			}

			msg.Ack()
			span.End()
		}
	}()

	return nil
}

func newEventOfType(eventType events.EventType) any {
	switch eventType {
	case events.SnapshotEvent:
		return &events.Snapshot{}
	case events.NodeStartedEvent:
		return &events.NodeStarted{}
	case events.NodeCompletedEvent:
		return &events.NodeCompleted{}
	case events.NodeFailedEvent:
		return &events.NodeFailed{}
	case events.ExecutionStartedEvent:
		return &events.ExecutionStarted{}
	case events.ExecutionCompletedEvent:
		return &events.ExecutionCompleted{}
	case events.ExecutionFailedEvent:
		return &events.ExecutionFailed{}
	case events.ExecutionPausedEvent:
		return &events.ExecutionPaused{}
	case events.ExecutionResumedEvent:
		return &events.ExecutionResumed{}
	case events.ExecutionWaitingEvent:
		return &events.ExecutionWaiting{}
	case events.LogEvent:
		return &events.Log{}
	case events.QuestionAskedEvent:
		return &events.QuestionAsked{}
	case events.SessionUpdatedEvent:
		return &events.SessionUpdated{}
	case events.HeartbeatEvent:
		return &events.Heartbeat{}
	default:
		return nil
	}
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.subscriptions[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	if err := eb.publisher.Close(); err != nil {
		return err
	}

	return eb.subscriber.Close()
}
