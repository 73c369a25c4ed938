package event

import (
	"context"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

type SideEffects interface {
	Run(ctx context.Context, paymentID string, step entity.SideEffectStep) error
	NotifyPaymentFailed(ctx context.Context, event entity.PaymentFailed_v1) error
	NotifyPaymentRefunded(ctx context.Context, event entity.PaymentRefunded_v1) error
}

type ListingInvalidator interface {
	InvalidateListing(ctx context.Context, userID string) error
}

type BookingJobs interface {
	ScheduleJobs(ctx context.Context, bookingID string) error
}

type Handler struct {
	sideEffects SideEffects
	listings    ListingInvalidator
	bookingJobs BookingJobs
}

func NewHandler(sideEffects SideEffects, listings ListingInvalidator, bookingJobs BookingJobs) Handler {
	if sideEffects == nil {
		panic("missing sideEffects")
	}
	if listings == nil {
		panic("missing listings")
	}
	if bookingJobs == nil {
		panic("missing bookingJobs")
	}

	return Handler{
		sideEffects: sideEffects,
		listings:    listings,
		bookingJobs: bookingJobs,
	}
}
