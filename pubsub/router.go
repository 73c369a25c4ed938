package pubsub

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/components/cqrs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"github.com/zezo2030/loopmsq-sub000/entity"
	"github.com/zezo2030/loopmsq-sub000/pubsub/bus"
	"github.com/zezo2030/loopmsq-sub000/pubsub/command"
	"github.com/zezo2030/loopmsq-sub000/pubsub/event"
	"github.com/zezo2030/loopmsq-sub000/pubsub/outbox"
)

// PoisonQueueTopic receives messages whose handler kept failing after all retries.
const PoisonQueueTopic = "poison_queue"

type EventStore interface {
	StoreEvent(ctx context.Context, event entity.StoredEvent) error
}

func NewWatermillRouter(
	postgresSubscriber message.Subscriber,
	redisPublisher message.Publisher,
	redisClient *redis.Client,
	eventProcessorConfig cqrs.EventProcessorConfig,
	eventHandler event.Handler,
	opsBookingHandlers event.OpsBookingHandlers,
	commandProcessorConfig cqrs.CommandProcessorConfig,
	commandsHandler command.Handler,
	eventStore EventStore,
	watermillLogger watermill.LoggerAdapter,
) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{}, watermillLogger)
	if err != nil {
		return nil, fmt.Errorf("could not create router: %w", err)
	}

	if err := useMiddlewares(router, redisPublisher, watermillLogger); err != nil {
		return nil, err
	}

	if err := outbox.AddForwarderHandler(postgresSubscriber, redisPublisher, router, watermillLogger); err != nil {
		return nil, err
	}

	eventProcessor, err := cqrs.NewEventProcessorWithConfig(router, eventProcessorConfig)
	if err != nil {
		return nil, fmt.Errorf("could not create event processor: %w", err)
	}

	eventHandlers := append(
		eventHandler.SideEffectHandlers(),
		eventHandler.NotifyPaymentFailedHandler(),
		eventHandler.NotifyPaymentRefundedHandler(),
		eventHandler.InvalidateListingOnConfirmed(),
		eventHandler.InvalidateListingOnCancelled(),
		eventHandler.InvalidateListingOnCompleted(),
		eventHandler.ScheduleBookingJobsOnCreated(),
	)
	eventHandlers = append(eventHandlers, opsBookingHandlers.Handlers()...)

	if err := eventProcessor.AddHandlers(eventHandlers...); err != nil {
		return nil, fmt.Errorf("could not add handlers to event processor: %w", err)
	}

	commandProcessor, err := cqrs.NewCommandProcessorWithConfig(router, commandProcessorConfig)
	if err != nil {
		return nil, fmt.Errorf("could not create command processor: %w", err)
	}

	err = commandProcessor.AddHandlers(
		commandsHandler.RetrySideEffectHandler(),
	)
	if err != nil {
		return nil, fmt.Errorf("could not add handlers to command processor: %w", err)
	}

	splitterSubscriber, err := newRedisSubscriber(redisClient, "svc-bookings.events_splitter", watermillLogger)
	if err != nil {
		return nil, fmt.Errorf("could not create splitter subscriber: %w", err)
	}

	router.AddNoPublisherHandler(
		"events_splitter",
		bus.EventsTopic,
		splitterSubscriber,
		func(msg *message.Message) error {
			eventName := bus.Marshaler.NameFromMessage(msg)
			if eventName == "" {
				return fmt.Errorf("could not get event name from message")
			}

			return redisPublisher.Publish(bus.EventTopic(eventName), msg)
		},
	)

	eventStoreSubscriber, err := newRedisSubscriber(redisClient, "svc-bookings.store_events", watermillLogger)
	if err != nil {
		return nil, fmt.Errorf("could not create event store subscriber: %w", err)
	}

	router.AddNoPublisherHandler(
		"store_events",
		bus.EventsTopic,
		eventStoreSubscriber,
		func(msg *message.Message) error {
			eventName := bus.Marshaler.NameFromMessage(msg)
			if eventName == "" {
				return fmt.Errorf("could not get event name from message")
			}

			// we just need to unmarshal event header, rest is stored as is
			type Event struct {
				Header entity.EventHeader `json:"header"`
			}

			var stored Event
			if err := bus.Marshaler.Unmarshal(msg, &stored); err != nil {
				return fmt.Errorf("could not unmarshal event: %w", err)
			}

			return eventStore.StoreEvent(
				msg.Context(),
				entity.StoredEvent{
					ID:            stored.Header.ID,
					PublishedAt:   stored.Header.PublishedAt,
					Name:          eventName,
					CorrelationID: msg.Metadata.Get(correlationIDMetadataKey),
					Payload:       msg.Payload,
				},
			)
		},
	)

	return router, nil
}
