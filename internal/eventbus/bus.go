package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/oklog/ulid/v2"
)

// EventBus is an in-process pub/sub bus for task lifecycle events. One
// watermill topic per event type; handlers are registered on the router
// before Start.
type EventBus struct {
	pubSub *gochannel.GoChannel
	router *message.Router
	logger watermill.LoggerAdapter
}

// Handler processes a decoded event envelope.
type Handler func(ctx context.Context, msg *EventMessage) error

func NewEventBus() (*EventBus, error) {
	logger := watermill.NewStdLogger(false, false)

	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: 256,
		},
		logger,
	)

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	return &EventBus{
		pubSub: pubSub,
		router: router,
		logger: logger,
	}, nil
}

// Start runs the router. It blocks until ctx is cancelled.
func (eb *EventBus) Start(ctx context.Context) error {
	return eb.router.Run(ctx)
}

// Running returns a channel that is closed once the router is running.
// Publish before this point may miss subscribers.
func (eb *EventBus) Running() <-chan struct{} {
	return eb.router.Running()
}

func (eb *EventBus) Stop() error {
	return eb.router.Close()
}

// Publish wraps data in an EventMessage envelope and publishes it on the
// topic derived from the payload type.
func (eb *EventBus) Publish(ctx context.Context, source string, data any) error {
	eventType := inferEventType(data)
	if eventType == "" {
		return fmt.Errorf("unknown event payload type %T", data)
	}

	rawData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	payload, err := json.Marshal(&EventMessage{
		ID:        ulid.Make().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Data:      rawData,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	if err := eb.pubSub.Publish(string(eventType), msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe registers a handler for an event type. Must be called before
// Start.
func (eb *EventBus) Subscribe(eventType EventType, handlerName string, handler Handler) {
	eb.router.AddNoPublisherHandler(
		handlerName,
		string(eventType),
		eb.pubSub,
		func(msg *message.Message) error {
			var eventMsg EventMessage
			if err := json.Unmarshal(msg.Payload, &eventMsg); err != nil {
				return fmt.Errorf("failed to unmarshal event message: %w", err)
			}
			return handler(msg.Context(), &eventMsg)
		},
	)
}
