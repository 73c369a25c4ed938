package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/zezo2030/loopmsq-sub000/entity"
	"github.com/zezo2030/loopmsq-sub000/metrics"
)

type ChannelProvider interface {
	Send(ctx context.Context, destination string, content entity.Content) error
}

type BookingsReader interface {
	Get(ctx context.Context, bookingID string) (entity.Booking, error)
}

type BookingCompleter interface {
	Complete(ctx context.Context, bookingID string) (entity.BookingStatus, error)
}

type PaymentReconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

var bookingReminders = map[entity.NotificationType]bool{
	entity.NotificationReminder24h:   true,
	entity.NotificationReminder2h:    true,
	entity.NotificationBookingEnded:  true,
	entity.NotificationRatingRequest: true,
}

// Worker runs the asynq server delivering notifications and the booking/payment maintenance jobs.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux

	channels   map[entity.Channel]ChannelProvider
	bookings   BookingsReader
	completer  BookingCompleter
	reconciler PaymentReconciler
}

func NewWorker(
	redisOpt asynq.RedisConnOpt,
	channels map[entity.Channel]ChannelProvider,
	bookings BookingsReader,
	completer BookingCompleter,
	reconciler PaymentReconciler,
) *Worker {
	if redisOpt == nil {
		panic("missing redisOpt")
	}
	if bookings == nil {
		panic("missing bookings")
	}
	if completer == nil {
		panic("missing completer")
	}
	if reconciler == nil {
		panic("missing reconciler")
	}

	w := &Worker{
		server: asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				QueueNotifications: 6,
				QueueMaintenance:   4,
			},
			RetryDelayFunc: retryDelay,
			Logger:         newAsynqLogger(),
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.FromContext(ctx).WithError(err).WithField("task_type", task.Type()).Error("Job failed")
			}),
		}),
		mux:        asynq.NewServeMux(),
		channels:   channels,
		bookings:   bookings,
		completer:  completer,
		reconciler: reconciler,
	}

	w.mux.HandleFunc(TypeSendNotification, w.HandleSendNotification)
	w.mux.HandleFunc(TypeCompleteBooking, w.HandleCompleteBooking)
	w.mux.HandleFunc(TypeReconcilePayments, w.HandleReconcilePayments)

	return w
}

// retryDelay backs off exponentially from 10s, capped at one hour.
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	delay := 10 * time.Second
	for i := 0; i < n && delay < time.Hour; i++ {
		delay *= 2
	}
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}

func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("could not start asynq server: %w", err)
	}

	<-ctx.Done()
	w.server.Shutdown()

	return nil
}

func (w *Worker) HandleSendNotification(ctx context.Context, task *asynq.Task) error {
	var job entity.NotificationJob
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("could not unmarshal notification job: %v: %w", err, asynq.SkipRetry)
	}

	logger := log.FromContext(ctx).WithFields(logrus.Fields{
		"channel":           job.Channel,
		"notification_type": job.Type,
		"dedup_key":         job.DedupKey,
	})

	if bookingReminders[job.Type] && job.BookingID != "" {
		booking, err := w.bookings.Get(ctx, job.BookingID)
		if err != nil && !errors.Is(err, entity.ErrNotFound) {
			return err
		}
		if errors.Is(err, entity.ErrNotFound) || booking.Status == entity.BookingCancelled {
			metrics.NotificationJobs.WithLabelValues(string(job.Channel), "skipped").Inc()
			logger.Info("Booking is cancelled, skipping reminder")
			return nil
		}
	}

	provider, ok := w.channels[job.Channel]
	if !ok {
		return fmt.Errorf("no provider for channel %s: %w", job.Channel, asynq.SkipRetry)
	}

	if err := provider.Send(ctx, job.Destination, job.Content); err != nil {
		metrics.NotificationJobs.WithLabelValues(string(job.Channel), "failed").Inc()
		return fmt.Errorf("could not deliver %s notification: %w", job.Channel, err)
	}

	metrics.NotificationJobs.WithLabelValues(string(job.Channel), "delivered").Inc()
	logger.Info("Notification delivered")

	return nil
}

func (w *Worker) HandleCompleteBooking(ctx context.Context, task *asynq.Task) error {
	payload, err := parseCompleteBookingTask(task)
	if err != nil {
		return err
	}

	status, err := w.completer.Complete(ctx, payload.BookingID)
	if errors.Is(err, entity.ErrNotFound) {
		return fmt.Errorf("booking %s: %w", payload.BookingID, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}

	log.FromContext(ctx).WithFields(logrus.Fields{
		"booking_id": payload.BookingID,
		"status":     status,
	}).Info("Booking closed")

	return nil
}

func (w *Worker) HandleReconcilePayments(ctx context.Context, _ *asynq.Task) error {
	reconciled, err := w.reconciler.Reconcile(ctx)
	if err != nil {
		return err
	}

	if reconciled > 0 {
		log.FromContext(ctx).WithField("payments", reconciled).Info("Reconciled processing payments")
	}
	return nil
}
