package command

import (
	"context"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/ThreeDotsLabs/watermill/components/cqrs"
	"github.com/sirupsen/logrus"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

func (h Handler) RetrySideEffectHandler() cqrs.CommandHandler {
	return cqrs.NewCommandHandler(
		"RetrySideEffectHandler",
		func(ctx context.Context, command *entity.RetrySideEffect) error {
			log.FromContext(ctx).WithFields(logrus.Fields{
				"payment_id": command.PaymentID,
				"step":       command.Step,
			}).Info("Retrying payment side effect")

			return h.sideEffects.Run(ctx, command.PaymentID, command.Step)
		},
	)
}
