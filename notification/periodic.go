package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/hibiken/asynq"
)

func newAsynqLogger() asynq.Logger {
	return log.FromContext(context.Background()).WithField("component", "asynq")
}

// PeriodicJobs enqueues the recurring maintenance jobs, e.g. payment reconciliation.
type PeriodicJobs struct {
	scheduler *asynq.Scheduler
}

func NewPeriodicJobs(redisOpt asynq.RedisConnOpt, reconcileSpec string) (*PeriodicJobs, error) {
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger:   newAsynqLogger(),
		Location: time.UTC,
	})

	_, err := scheduler.Register(
		reconcileSpec,
		NewReconcilePaymentsTask(),
		asynq.Queue(QueueMaintenance),
		asynq.MaxRetry(0),
		asynq.Unique(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("could not register payment reconciliation: %w", err)
	}

	return &PeriodicJobs{scheduler: scheduler}, nil
}

func (p *PeriodicJobs) Run(ctx context.Context) error {
	if err := p.scheduler.Start(); err != nil {
		return fmt.Errorf("could not start asynq scheduler: %w", err)
	}

	<-ctx.Done()
	p.scheduler.Shutdown()

	return nil
}
