package notification_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zezo2030/loopmsq-sub000/entity"
	"github.com/zezo2030/loopmsq-sub000/gateway"
	"github.com/zezo2030/loopmsq-sub000/notification"
)

type bookingsStub map[string]entity.Booking

func (b bookingsStub) Get(ctx context.Context, bookingID string) (entity.Booking, error) {
	booking, ok := b[bookingID]
	if !ok {
		return entity.Booking{}, entity.ErrNotFound
	}
	return booking, nil
}

type completerStub struct {
	completed []string
}

func (c *completerStub) Complete(ctx context.Context, bookingID string) (entity.BookingStatus, error) {
	c.completed = append(c.completed, bookingID)
	return entity.BookingCompleted, nil
}

type reconcilerStub struct {
	runs int
}

func (r *reconcilerStub) Reconcile(ctx context.Context) (int, error) {
	r.runs++
	return 0, nil
}

func sendTask(t *testing.T, job entity.NotificationJob) *asynq.Task {
	t.Helper()

	payload, err := json.Marshal(job)
	require.NoError(t, err)
	return asynq.NewTask(notification.TypeSendNotification, payload)
}

func TestWorker_HandleSendNotification(t *testing.T) {
	ctx := context.Background()

	confirmed := entity.Booking{BookingID: uuid.NewString(), Status: entity.BookingConfirmed}
	cancelled := entity.Booking{BookingID: uuid.NewString(), Status: entity.BookingCancelled}

	push := &gateway.ChannelMock{FailFor: map[string]bool{"broken-device": true}}
	worker := notification.NewWorker(
		redisOpt(),
		map[entity.Channel]notification.ChannelProvider{entity.ChannelPush: push},
		bookingsStub{confirmed.BookingID: confirmed, cancelled.BookingID: cancelled},
		&completerStub{},
		&reconcilerStub{},
	)

	content := entity.Content{Title: "See you tomorrow", Body: "Reminder"}

	err := worker.HandleSendNotification(ctx, sendTask(t, entity.NotificationJob{
		Channel:     entity.ChannelPush,
		Type:        entity.NotificationReminder24h,
		BookingID:   confirmed.BookingID,
		Destination: "device-1",
		Content:     content,
	}))
	require.NoError(t, err)
	assert.Equal(t, []entity.Content{content}, push.SentTo("device-1"))

	err = worker.HandleSendNotification(ctx, sendTask(t, entity.NotificationJob{
		Channel:     entity.ChannelPush,
		Type:        entity.NotificationReminder2h,
		BookingID:   cancelled.BookingID,
		Destination: "device-3",
		Content:     content,
	}))
	require.NoError(t, err)
	assert.Empty(t, push.SentTo("device-3"), "reminders of cancelled bookings are skipped")

	err = worker.HandleSendNotification(ctx, sendTask(t, entity.NotificationJob{
		Channel:     entity.ChannelSMS,
		Type:        entity.NotificationPaymentSucceeded,
		Destination: "+966500000000",
		Content:     content,
	}))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	t.Run("failing device does not resend to the others", func(t *testing.T) {
		jobs := []entity.NotificationJob{
			{Channel: entity.ChannelPush, Type: entity.NotificationPaymentSucceeded, Destination: "device-4", Content: content},
			{Channel: entity.ChannelPush, Type: entity.NotificationPaymentSucceeded, Destination: "broken-device", Content: content},
		}

		require.NoError(t, worker.HandleSendNotification(ctx, sendTask(t, jobs[0])))
		for i := 0; i < 3; i++ {
			assert.Error(t, worker.HandleSendNotification(ctx, sendTask(t, jobs[1])), "failed deliveries are retried")
		}

		assert.Len(t, push.SentTo("device-4"), 1)
	})
}

func TestWorker_maintenance_jobs(t *testing.T) {
	ctx := context.Background()
	completer := &completerStub{}
	reconciler := &reconcilerStub{}

	worker := notification.NewWorker(redisOpt(), nil, bookingsStub{}, completer, reconciler)

	payload, err := json.Marshal(map[string]string{"booking_id": "booking-1"})
	require.NoError(t, err)

	require.NoError(t, worker.HandleCompleteBooking(ctx, asynq.NewTask(notification.TypeCompleteBooking, payload)))
	assert.Equal(t, []string{"booking-1"}, completer.completed)

	require.NoError(t, worker.HandleReconcilePayments(ctx, notification.NewReconcilePaymentsTask()))
	assert.Equal(t, 1, reconciler.runs)
}
