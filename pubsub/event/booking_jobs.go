package event

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/components/cqrs"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

// ScheduleBookingJobsOnCreated schedules reminders and the completion job of bookings created
// when an event request is paid. Bookings created by customers are scheduled on creation.
func (h Handler) ScheduleBookingJobsOnCreated() cqrs.EventHandler {
	return cqrs.NewEventHandler(
		"ScheduleBookingJobsOnCreated",
		func(ctx context.Context, event *entity.BookingCreated_v1) error {
			if event.EventRequestID == nil {
				return nil
			}
			return h.bookingJobs.ScheduleJobs(ctx, event.BookingID)
		},
	)
}
