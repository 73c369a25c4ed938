package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/zezo2030/loopmsq-sub000/booking"
	"github.com/zezo2030/loopmsq-sub000/entity"
	"github.com/zezo2030/loopmsq-sub000/metrics"
)

type PaymentsReader interface {
	Get(ctx context.Context, paymentID string) (entity.Payment, error)
}

type BookingsReader interface {
	Get(ctx context.Context, bookingID string) (entity.Booking, error)
}

type TicketIssuer interface {
	EnsureIssued(ctx context.Context, bookingID string) ([]entity.IssuedTicket, error)
}

type Notifier interface {
	Enqueue(ctx context.Context, event entity.NotificationEvent) (entity.Submission, error)
}

type LoyaltyAccrual interface {
	Award(ctx context.Context, userID, paymentID string, amount decimal.Decimal) (int64, error)
	AttemptReferral(ctx context.Context, refereeID, paymentID string) (entity.ReferralEarning, bool, error)
}

// SideEffects runs the steps following a completed payment. Each step records its outcome and
// is skipped once it succeeded, so redelivered events and manual retries are safe.
type SideEffects struct {
	payments PaymentsReader
	runs     SideEffectRuns
	bookings BookingsReader
	tickets  TicketIssuer
	notifier Notifier
	loyalty  LoyaltyAccrual
}

func NewSideEffects(
	payments PaymentsReader,
	runs SideEffectRuns,
	bookings BookingsReader,
	tickets TicketIssuer,
	notifier Notifier,
	loyalty LoyaltyAccrual,
) *SideEffects {
	if payments == nil {
		panic("missing payments")
	}
	if runs == nil {
		panic("missing runs")
	}
	if bookings == nil {
		panic("missing bookings")
	}
	if tickets == nil {
		panic("missing tickets")
	}
	if notifier == nil {
		panic("missing notifier")
	}
	if loyalty == nil {
		panic("missing loyalty")
	}

	return &SideEffects{
		payments: payments,
		runs:     runs,
		bookings: bookings,
		tickets:  tickets,
		notifier: notifier,
		loyalty:  loyalty,
	}
}

// Run runs one step for a payment. The returned error is the step's error, so the caller can retry.
func (s *SideEffects) Run(ctx context.Context, paymentID string, step entity.SideEffectStep) error {
	succeeded, err := s.runs.Succeeded(ctx, paymentID, step)
	if err != nil {
		return err
	}
	if succeeded {
		return nil
	}

	payment, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return err
	}

	logger := log.FromContext(ctx).WithFields(logrus.Fields{
		"payment_id": paymentID,
		"booking_id": payment.BookingID,
		"step":       step,
	})

	stepErr := s.run(ctx, payment, step)

	if err := s.runs.Record(ctx, paymentID, step, stepErr); err != nil {
		return errors.Join(stepErr, err)
	}

	if stepErr != nil {
		metrics.SideEffectRuns.WithLabelValues(string(step), string(entity.SideEffectFailed)).Inc()
		logger.WithError(stepErr).Error("Payment side effect failed")
		return stepErr
	}

	metrics.SideEffectRuns.WithLabelValues(string(step), string(entity.SideEffectSucceeded)).Inc()
	logger.Debug("Payment side effect succeeded")

	return nil
}

func (s *SideEffects) run(ctx context.Context, payment entity.Payment, step entity.SideEffectStep) error {
	if payment.BookingID == nil {
		return fmt.Errorf("payment %s has no booking", payment.PaymentID)
	}
	bookingID := *payment.BookingID

	switch step {
	case entity.StepEnsureTickets:
		_, err := s.tickets.EnsureIssued(ctx, bookingID)
		return err

	case entity.StepNotifyConfirmation:
		b, err := s.bookings.Get(ctx, bookingID)
		if err != nil {
			return err
		}
		_, err = s.notifier.Enqueue(ctx, entity.NotificationEvent{
			Type:      entity.NotificationBookingConfirmed,
			UserID:    payment.UserID,
			BookingID: bookingID,
			Data:      booking.NotificationData(b, nil),
			DedupKey:  "payment:" + payment.PaymentID + ":" + string(entity.NotificationBookingConfirmed),
		})
		return err

	case entity.StepAwardLoyalty:
		points, err := s.loyalty.Award(ctx, payment.UserID, payment.PaymentID, payment.Amount)
		if err != nil {
			return err
		}
		if points > 0 {
			s.notifyBestEffort(ctx, entity.NotificationEvent{
				Type:     entity.NotificationLoyaltyPointsEarned,
				UserID:   payment.UserID,
				Data:     map[string]string{"points": fmt.Sprint(points)},
				DedupKey: "payment:" + payment.PaymentID + ":" + string(entity.NotificationLoyaltyPointsEarned),
			})
		}
		return nil

	case entity.StepReferralEarning:
		_, _, err := s.loyalty.AttemptReferral(ctx, payment.UserID, payment.PaymentID)
		return err

	default:
		return fmt.Errorf("unknown side effect step %q", step)
	}
}

// NotifyPaymentFailed tells the payer their payment did not go through.
func (s *SideEffects) NotifyPaymentFailed(ctx context.Context, event entity.PaymentFailed_v1) error {
	payment, err := s.payments.Get(ctx, event.PaymentID)
	if err != nil {
		return err
	}

	_, err = s.notifier.Enqueue(ctx, entity.NotificationEvent{
		Type:      entity.NotificationPaymentFailed,
		UserID:    event.UserID,
		BookingID: lo.FromPtr(payment.BookingID),
		Data: map[string]string{
			"amount":   payment.Amount.StringFixed(2),
			"currency": payment.Currency,
			"reason":   event.Reason,
		},
		DedupKey: "payment:" + event.PaymentID + ":" + string(entity.NotificationPaymentFailed),
	})
	return ignoreUnresolvable(ctx, err)
}

func (s *SideEffects) NotifyPaymentRefunded(ctx context.Context, event entity.PaymentRefunded_v1) error {
	payment, err := s.payments.Get(ctx, event.PaymentID)
	if err != nil {
		return err
	}

	_, err = s.notifier.Enqueue(ctx, entity.NotificationEvent{
		Type:      entity.NotificationPaymentRefunded,
		UserID:    event.UserID,
		BookingID: event.BookingID,
		Data: map[string]string{
			"amount":   event.Amount.StringFixed(2),
			"currency": payment.Currency,
		},
		DedupKey: "payment:" + event.PaymentID + ":" + string(entity.NotificationPaymentRefunded) + ":" + event.Header.ID,
	})
	return ignoreUnresolvable(ctx, err)
}

func (s *SideEffects) notifyBestEffort(ctx context.Context, event entity.NotificationEvent) {
	if _, err := s.notifier.Enqueue(ctx, event); err != nil {
		log.FromContext(ctx).WithError(err).WithField("notification_type", event.Type).Warn("Could not enqueue notification")
	}
}

// ignoreUnresolvable drops notifications for users the identity service does not know,
// redelivering them would not help.
func ignoreUnresolvable(ctx context.Context, err error) error {
	if errors.Is(err, entity.ErrRecipientUnresolvable) {
		log.FromContext(ctx).WithError(err).Warn("Dropping notification")
		return nil
	}
	return err
}
