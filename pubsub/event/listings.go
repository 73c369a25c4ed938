package event

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/components/cqrs"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

// Booking status changes made outside the booking service (payments, completion jobs)
// invalidate the owner's cached listing here.

func (h Handler) InvalidateListingOnConfirmed() cqrs.EventHandler {
	return cqrs.NewEventHandler(
		"InvalidateListingOnConfirmed",
		func(ctx context.Context, event *entity.BookingConfirmed_v1) error {
			return h.listings.InvalidateListing(ctx, event.UserID)
		},
	)
}

func (h Handler) InvalidateListingOnCancelled() cqrs.EventHandler {
	return cqrs.NewEventHandler(
		"InvalidateListingOnCancelled",
		func(ctx context.Context, event *entity.BookingCancelled_v1) error {
			return h.listings.InvalidateListing(ctx, event.UserID)
		},
	)
}

func (h Handler) InvalidateListingOnCompleted() cqrs.EventHandler {
	return cqrs.NewEventHandler(
		"InvalidateListingOnCompleted",
		func(ctx context.Context, event *entity.BookingCompleted_v1) error {
			return h.listings.InvalidateListing(ctx, event.UserID)
		},
	)
}
