package event

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/ThreeDotsLabs/watermill/components/cqrs"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

type OpsBookingsReadModel interface {
	CreateReadModel(ctx context.Context, booking entity.OpsBooking) error
	UpdateBookingReadModel(
		ctx context.Context,
		bookingID string,
		updateFunc func(booking entity.OpsBooking) (entity.OpsBooking, error),
	) error
}

type OpsBookingHandlers struct {
	repo OpsBookingsReadModel
}

func NewOpsBookingHandlers(repo OpsBookingsReadModel) OpsBookingHandlers {
	if repo == nil {
		panic("missing repo")
	}

	return OpsBookingHandlers{repo: repo}
}

func (r OpsBookingHandlers) Handlers() []cqrs.EventHandler {
	return []cqrs.EventHandler{
		cqrs.NewEventHandler("ops_read_model.OnBookingCreated", r.OnBookingCreated),
		cqrs.NewEventHandler("ops_read_model.OnBookingConfirmed", r.OnBookingConfirmed),
		cqrs.NewEventHandler("ops_read_model.OnBookingCancelled", r.OnBookingCancelled),
		cqrs.NewEventHandler("ops_read_model.OnBookingCompleted", r.OnBookingCompleted),
		cqrs.NewEventHandler("ops_read_model.OnPaymentCompleted", r.OnPaymentCompleted),
		cqrs.NewEventHandler("ops_read_model.OnPaymentRefunded", r.OnPaymentRefunded),
		cqrs.NewEventHandler("ops_read_model.OnTicketsIssued", r.OnTicketsIssued),
		cqrs.NewEventHandler("ops_read_model.OnTicketScanned", r.OnTicketScanned),
	}
}

func (r OpsBookingHandlers) OnBookingCreated(ctx context.Context, event *entity.BookingCreated_v1) error {
	// this is the first event of a booking, so we create the read model
	err := r.repo.CreateReadModel(ctx, entity.OpsBooking{
		BookingID:  event.BookingID,
		UserID:     event.UserID,
		VenueID:    event.VenueID,
		BranchID:   event.BranchID,
		StartTime:  event.StartTime,
		Persons:    event.Persons,
		TotalPrice: event.TotalPrice,
		Currency:   event.Currency,
		Status:     entity.BookingPending,
		BookedAt:   event.Header.PublishedAt,
		Payments:   map[string]entity.OpsPayment{},
		Tickets:    map[string]entity.OpsTicket{},
	})
	if err != nil {
		return fmt.Errorf("could not create read model: %w", err)
	}

	return nil
}

func (r OpsBookingHandlers) OnBookingConfirmed(ctx context.Context, event *entity.BookingConfirmed_v1) error {
	return r.repo.UpdateBookingReadModel(
		ctx,
		event.BookingID,
		func(rm entity.OpsBooking) (entity.OpsBooking, error) {
			publishedAt := event.Header.PublishedAt
			rm.ConfirmedAt = &publishedAt
			// a cancellation or completion may have been applied already
			if rm.Status == entity.BookingPending {
				rm.Status = entity.BookingConfirmed
			}
			return rm, nil
		},
	)
}

func (r OpsBookingHandlers) OnBookingCancelled(ctx context.Context, event *entity.BookingCancelled_v1) error {
	return r.repo.UpdateBookingReadModel(
		ctx,
		event.BookingID,
		func(rm entity.OpsBooking) (entity.OpsBooking, error) {
			publishedAt := event.Header.PublishedAt
			rm.CancelledAt = &publishedAt
			rm.Status = entity.BookingCancelled
			return rm, nil
		},
	)
}

func (r OpsBookingHandlers) OnBookingCompleted(ctx context.Context, event *entity.BookingCompleted_v1) error {
	return r.repo.UpdateBookingReadModel(
		ctx,
		event.BookingID,
		func(rm entity.OpsBooking) (entity.OpsBooking, error) {
			publishedAt := event.Header.PublishedAt
			rm.CompletedAt = &publishedAt
			rm.Status = entity.BookingCompleted
			return rm, nil
		},
	)
}

func (r OpsBookingHandlers) OnPaymentCompleted(ctx context.Context, event *entity.PaymentCompleted_v1) error {
	return r.repo.UpdateBookingReadModel(
		ctx,
		event.BookingID,
		func(rm entity.OpsBooking) (entity.OpsBooking, error) {
			payment := rm.Payments[event.PaymentID]
			completedAt := event.Header.PublishedAt

			payment.Amount = event.Amount
			payment.Method = event.Method
			payment.CompletedAt = &completedAt

			rm.Payments[event.PaymentID] = payment
			return rm, nil
		},
	)
}

func (r OpsBookingHandlers) OnPaymentRefunded(ctx context.Context, event *entity.PaymentRefunded_v1) error {
	if event.BookingID == "" {
		log.FromContext(ctx).WithField("payment_id", event.PaymentID).Debug("Refund without booking, skipping")
		return nil
	}

	return r.repo.UpdateBookingReadModel(
		ctx,
		event.BookingID,
		func(rm entity.OpsBooking) (entity.OpsBooking, error) {
			payment := rm.Payments[event.PaymentID]
			refundedAt := event.Header.PublishedAt

			payment.Refunded = payment.Refunded.Add(event.Amount)
			payment.RefundedAt = &refundedAt

			rm.Payments[event.PaymentID] = payment
			return rm, nil
		},
	)
}

func (r OpsBookingHandlers) OnTicketsIssued(ctx context.Context, event *entity.TicketsIssued_v1) error {
	return r.repo.UpdateBookingReadModel(
		ctx,
		event.BookingID,
		func(rm entity.OpsBooking) (entity.OpsBooking, error) {
			for _, ticketID := range event.TicketIDs {
				ticket := rm.Tickets[ticketID]
				ticket.IssuedAt = event.Header.PublishedAt
				rm.Tickets[ticketID] = ticket
			}
			return rm, nil
		},
	)
}

func (r OpsBookingHandlers) OnTicketScanned(ctx context.Context, event *entity.TicketScanned_v1) error {
	return r.repo.UpdateBookingReadModel(
		ctx,
		event.BookingID,
		func(rm entity.OpsBooking) (entity.OpsBooking, error) {
			ticket, ok := rm.Tickets[event.TicketID]
			if !ok {
				// we are using zero-value of OpsTicket
				log.
					FromContext(ctx).
					WithField("ticket_id", event.TicketID).
					Debug("Creating ticket read model on scan")
			}

			scannedAt := event.ScannedAt
			ticket.ScannedAt = &scannedAt
			ticket.ScannedBy = event.StaffID

			rm.Tickets[event.TicketID] = ticket
			return rm, nil
		},
	)
}
