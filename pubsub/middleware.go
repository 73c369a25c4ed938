package pubsub

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/lithammer/shortuuid/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/zezo2030/loopmsq-sub000/metrics"
)

const (
	correlationIDMetadataKey = "correlation_id"
	// set by cqrs.JSONMarshaler
	messageNameMetadataKey = "name"
)

func useMiddlewares(router *message.Router, poisonPublisher message.Publisher, watermillLogger watermill.LoggerAdapter) error {
	router.AddMiddleware(propagateCorrelationID)

	router.AddMiddleware(middleware.Recoverer)

	poisonQueue, err := middleware.PoisonQueue(poisonPublisher, PoisonQueueTopic)
	if err != nil {
		return fmt.Errorf("could not create poison queue middleware: %w", err)
	}
	router.AddMiddleware(poisonQueue)

	router.AddMiddleware(middleware.Retry{
		MaxRetries:      10,
		InitialInterval: time.Millisecond * 100,
		MaxInterval:     time.Second,
		Multiplier:      2,
		Logger:          watermillLogger,
	}.Middleware)

	router.AddMiddleware(traceHandling)
	router.AddMiddleware(logHandling)
	router.AddMiddleware(measureHandling)

	return nil
}

func propagateCorrelationID(next message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		correlationID := msg.Metadata.Get(correlationIDMetadataKey)
		if correlationID == "" {
			correlationID = shortuuid.New()
		}

		ctx := log.ContextWithCorrelationID(msg.Context(), correlationID)
		ctx = log.ToContext(ctx, logrus.WithFields(logrus.Fields{"correlation_id": correlationID}))

		msg.SetContext(ctx)

		return next(msg)
	}
}

// traceHandling continues the trace injected into the metadata by tracing.PublisherDecorator.
func traceHandling(next message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		topic := message.SubscribeTopicFromCtx(msg.Context())
		handler := message.HandlerNameFromCtx(msg.Context())

		ctx := otel.GetTextMapPropagator().Extract(msg.Context(), propagation.MapCarrier(msg.Metadata))
		ctx, span := otel.Tracer("").Start(ctx, "handle "+handler)
		defer span.End()

		span.SetAttributes(
			attribute.String("topic", topic),
			attribute.String("handler", handler),
			attribute.String("message_name", msg.Metadata.Get(messageNameMetadataKey)),
		)
		msg.SetContext(ctx)

		msgs, err := next(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		return msgs, err
	}
}

func logHandling(next message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		logger := log.FromContext(msg.Context()).WithFields(logrus.Fields{
			"message_id":   msg.UUID,
			"message_name": msg.Metadata.Get(messageNameMetadataKey),
			"handler":      message.HandlerNameFromCtx(msg.Context()),
			"trace_id":     trace.SpanFromContext(msg.Context()).SpanContext().TraceID().String(),
		})
		msg.SetContext(log.ToContext(msg.Context(), logger))

		logger.WithField("payload", string(msg.Payload)).Debug("Handling a message")

		msgs, err := next(msg)
		if err != nil {
			logger.WithError(err).Error("Error while handling a message")
		}

		return msgs, err
	}
}

func measureHandling(next message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		labels := prometheus.Labels{
			"topic":   message.SubscribeTopicFromCtx(msg.Context()),
			"handler": message.HandlerNameFromCtx(msg.Context()),
		}
		start := time.Now()

		msgs, err := next(msg)

		metrics.MessagesProcessed.With(labels).Inc()
		metrics.MessagesProcessingDuration.With(labels).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.MessagesProcessingFailed.With(labels).Inc()
		}

		return msgs, err
	}
}
