package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/zezo2030/loopmsq-sub000/pubsub/bus"
	"github.com/zezo2030/loopmsq-sub000/pubsub/outbox"
)

const (
	postgresUniqueValueViolationErrorCode = "23505"
	postgresSerializationFailureErrorCode = "40001"

	maxSerializationRetries = 5
)

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// UpdateInTx runs updateFn in a transaction with the given isolation level.
// Serialization failures are retried; any other error rolls the transaction back.
func UpdateInTx(
	ctx context.Context,
	db *sqlx.DB,
	isolation sql.IsolationLevel,
	updateFn func(ctx context.Context, tx *sqlx.Tx) error,
) (err error) {
	for attempt := 1; ; attempt++ {
		err = runInTx(ctx, db, isolation, updateFn)
		if err == nil || !isSerializationFailure(err) || attempt >= maxSerializationRetries {
			return err
		}

		log.FromContext(ctx).WithError(err).WithField("attempt", attempt).Debug("Retrying serializable transaction")
	}
}

func runInTx(
	ctx context.Context,
	db *sqlx.DB,
	isolation sql.IsolationLevel,
	updateFn func(ctx context.Context, tx *sqlx.Tx) error,
) (err error) {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: isolation})
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				err = errors.Join(err, rollbackErr)
			}
			return
		}
		err = tx.Commit()
	}()

	return updateFn(ctx, tx)
}

// publishInTx publishes events through the outbox, so they are forwarded only if tx commits.
func publishInTx(ctx context.Context, tx *sqlx.Tx, events ...any) error {
	outboxPublisher, err := outbox.NewPublisherForDb(ctx, tx)
	if err != nil {
		return fmt.Errorf("could not create outbox publisher: %w", err)
	}

	eventBus, err := bus.NewEventBus(outboxPublisher)
	if err != nil {
		return fmt.Errorf("could not create event bus: %w", err)
	}

	for _, event := range events {
		if err := eventBus.Publish(ctx, event); err != nil {
			return fmt.Errorf("could not publish %T: %w", event, err)
		}
	}

	return nil
}

func isErrorUniqueViolation(err error) bool {
	var psqlErr *pq.Error
	return errors.As(err, &psqlErr) && psqlErr.Code == postgresUniqueValueViolationErrorCode
}

func isSerializationFailure(err error) bool {
	var psqlErr *pq.Error
	return errors.As(err, &psqlErr) && psqlErr.Code == postgresSerializationFailureErrorCode
}
