package event

import (
	"context"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/ThreeDotsLabs/watermill/components/cqrs"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

// SideEffectHandlers run every post-payment step in its own handler, so a failing step is
// retried (and finally poisoned) without blocking the others.
func (h Handler) SideEffectHandlers() []cqrs.EventHandler {
	handlers := make([]cqrs.EventHandler, 0, len(entity.PaymentSideEffectSteps))
	for _, step := range entity.PaymentSideEffectSteps {
		step := step
		handlers = append(handlers, cqrs.NewEventHandler(
			"payment_completed."+string(step),
			func(ctx context.Context, event *entity.PaymentCompleted_v1) error {
				log.FromContext(ctx).WithField("payment_id", event.PaymentID).Debugf("Running %s", step)
				return h.sideEffects.Run(ctx, event.PaymentID, step)
			},
		))
	}

	return handlers
}

func (h Handler) NotifyPaymentFailedHandler() cqrs.EventHandler {
	return cqrs.NewEventHandler(
		"NotifyPaymentFailedHandler",
		func(ctx context.Context, event *entity.PaymentFailed_v1) error {
			return h.sideEffects.NotifyPaymentFailed(ctx, *event)
		},
	)
}

func (h Handler) NotifyPaymentRefundedHandler() cqrs.EventHandler {
	return cqrs.NewEventHandler(
		"NotifyPaymentRefundedHandler",
		func(ctx context.Context, event *entity.PaymentRefunded_v1) error {
			return h.sideEffects.NotifyPaymentRefunded(ctx, *event)
		},
	)
}
