package notification

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/zezo2030/loopmsq-sub000/entity"
	"github.com/zezo2030/loopmsq-sub000/metrics"
)

// jobRetention keeps finished jobs around, so a repeated enqueue with the same dedup key is
// still recognized after the first one was delivered.
const jobRetention = 7 * 24 * time.Hour

type RecipientResolver interface {
	ResolveRecipient(ctx context.Context, userID string) (entity.Recipient, error)
}

type SettingsProvider interface {
	Current(ctx context.Context) (entity.RuntimeSettings, error)
}

// Scheduler submits notification and booking lifecycle jobs to asynq.
type Scheduler struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	identity  RecipientResolver
	settings  SettingsProvider
	renderer  Renderer
}

func NewScheduler(
	redisOpt asynq.RedisConnOpt,
	identity RecipientResolver,
	settings SettingsProvider,
	renderer Renderer,
) *Scheduler {
	if redisOpt == nil {
		panic("missing redisOpt")
	}
	if identity == nil {
		panic("missing identity")
	}
	if settings == nil {
		panic("missing settings")
	}

	return &Scheduler{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		identity:  identity,
		settings:  settings,
		renderer:  renderer,
	}
}

// Enqueue resolves the recipient, renders the content and submits one delivery job per
// destination on every requested channel the recipient can be reached on. Jobs already submitted under the same
// dedup key are reported as duplicates instead of being submitted again.
func (s *Scheduler) Enqueue(ctx context.Context, event entity.NotificationEvent) (entity.Submission, error) {
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return entity.Submission{}, err
	}

	recipient, err := s.identity.ResolveRecipient(ctx, event.UserID)
	if err != nil {
		log.FromContext(ctx).WithError(err).WithField("user_id", event.UserID).Warn("Could not resolve notification recipient")
		return entity.Submission{}, fmt.Errorf("user %s: %w", event.UserID, entity.ErrRecipientUnresolvable)
	}

	language := lo.Ternary(event.Language != "", event.Language, recipient.Language)
	if language == "" {
		language = settings.DefaultLanguage
	}

	content, err := s.renderer.Render(event.Type, language, event.Data)
	if err != nil {
		return entity.Submission{}, err
	}

	dedupKey := event.DedupKey
	if dedupKey == "" {
		dedupKey = string(event.Type) + ":" + uuid.NewString()
	}

	channels := event.Channels
	if len(channels) == 0 {
		channels = settings.EnabledChannels
	}
	channels = lo.Intersect(lo.Uniq(channels), settings.EnabledChannels)

	submission := entity.Submission{
		Type:     event.Type,
		DedupKey: dedupKey,
		Jobs:     []entity.Job{},
	}

	logger := log.FromContext(ctx).WithFields(logrus.Fields{
		"user_id":           event.UserID,
		"notification_type": event.Type,
		"dedup_key":         dedupKey,
	})

	for _, channel := range channels {
		destinations := recipient.Destinations(channel)
		if len(destinations) == 0 {
			metrics.NotificationJobs.WithLabelValues(string(channel), "skipped").Inc()
			logger.WithField("channel", channel).Debug("Recipient has no destination for channel")
			continue
		}

		for _, destination := range destinations {
			job, err := s.submit(ctx, entity.NotificationJob{
				Channel:     channel,
				Type:        event.Type,
				UserID:      event.UserID,
				BookingID:   event.BookingID,
				Destination: destination,
				Content:     content,
				DedupKey:    dedupKey,
			}, event.SendAt, settings.NotificationRetries)
			if err != nil {
				return entity.Submission{}, err
			}

			submission.Jobs = append(submission.Jobs, job)
		}
	}

	logger.WithField("jobs", len(submission.Jobs)).Info("Notification enqueued")

	return submission, nil
}

func (s *Scheduler) submit(ctx context.Context, job entity.NotificationJob, sendAt time.Time, maxRetry int) (entity.Job, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return entity.Job{}, err
	}

	handle := entity.Job{
		Channel:     job.Channel,
		Destination: job.Destination,
		TaskID:      deliveryTaskID(job),
		Queue:       QueueNotifications,
		ProcessAt:   sendAt,
	}

	opts := []asynq.Option{
		asynq.TaskID(handle.TaskID),
		asynq.Queue(handle.Queue),
		asynq.MaxRetry(maxRetry),
		asynq.Retention(jobRetention),
	}
	if !sendAt.IsZero() {
		opts = append(opts, asynq.ProcessAt(sendAt))
	}

	info, err := s.client.EnqueueContext(ctx, asynq.NewTask(TypeSendNotification, payload), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		handle.Duplicate = true
		metrics.NotificationJobs.WithLabelValues(string(job.Channel), "duplicate").Inc()
		return handle, nil
	}
	if err != nil {
		return entity.Job{}, fmt.Errorf("could not enqueue %s notification: %w", job.Channel, err)
	}

	handle.ProcessAt = info.NextProcessAt
	metrics.NotificationJobs.WithLabelValues(string(job.Channel), "submitted").Inc()

	return handle, nil
}

// deliveryTaskID is stable for a destination, so re-enqueueing after the recipient's devices
// changed only submits jobs for the new ones.
func deliveryTaskID(job entity.NotificationJob) string {
	sum := sha256.Sum256([]byte(job.Destination))
	return job.DedupKey + ":" + string(job.Channel) + ":" + hex.EncodeToString(sum[:6])
}

// ScheduleBookingCompletion submits the job closing the booking at end.
func (s *Scheduler) ScheduleBookingCompletion(ctx context.Context, bookingID string, end time.Time) (entity.Job, error) {
	task, err := newCompleteBookingTask(bookingID)
	if err != nil {
		return entity.Job{}, err
	}

	handle := entity.Job{
		TaskID:    "booking:" + bookingID + ":complete",
		Queue:     QueueMaintenance,
		ProcessAt: end,
	}

	_, err = s.client.EnqueueContext(
		ctx,
		task,
		asynq.TaskID(handle.TaskID),
		asynq.Queue(handle.Queue),
		asynq.ProcessAt(end),
		asynq.Retention(jobRetention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		handle.Duplicate = true
		return handle, nil
	}
	if err != nil {
		return entity.Job{}, fmt.Errorf("could not schedule completion of booking %s: %w", bookingID, err)
	}

	return handle, nil
}

// JobState reports where a submitted job is in its lifecycle.
func (s *Scheduler) JobState(ctx context.Context, job entity.Job) (entity.JobState, error) {
	info, err := s.inspector.GetTaskInfo(job.Queue, job.TaskID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return entity.JobUnknown, nil
	}
	if err != nil {
		return entity.JobUnknown, fmt.Errorf("could not inspect job %s: %w", job.TaskID, err)
	}

	switch info.State {
	case asynq.TaskStateScheduled:
		return entity.JobScheduled, nil
	case asynq.TaskStatePending:
		return entity.JobPending, nil
	case asynq.TaskStateActive:
		return entity.JobActive, nil
	case asynq.TaskStateRetry:
		return entity.JobRetry, nil
	case asynq.TaskStateArchived:
		return entity.JobArchived, nil
	case asynq.TaskStateCompleted:
		return entity.JobCompleted, nil
	default:
		return entity.JobUnknown, nil
	}
}

func (s *Scheduler) Close() error {
	return errors.Join(s.client.Close(), s.inspector.Close())
}
