package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

// SideEffectsPostgresRepository keeps the outcome of each post-commit step of a payment.
type SideEffectsPostgresRepository struct {
	db *sqlx.DB
}

func NewSideEffectsPostgresRepository(db *sqlx.DB) *SideEffectsPostgresRepository {
	if db == nil {
		panic("db must be set")
	}

	return &SideEffectsPostgresRepository{db: db}
}

func (r *SideEffectsPostgresRepository) Succeeded(ctx context.Context, paymentID string, step entity.SideEffectStep) (bool, error) {
	var succeeded bool
	err := r.db.GetContext(ctx, &succeeded, `
		SELECT EXISTS (SELECT 1 FROM side_effect_runs WHERE payment_id = $1 AND step = $2 AND status = $3)
	`, paymentID, step, entity.SideEffectSucceeded)
	if err != nil {
		return false, fmt.Errorf("could not check side effect run: %w", err)
	}
	return succeeded, nil
}

// Record stores the outcome of one attempt. A succeeded step is never downgraded.
func (r *SideEffectsPostgresRepository) Record(
	ctx context.Context,
	paymentID string,
	step entity.SideEffectStep,
	stepErr error,
) error {
	status := entity.SideEffectSucceeded
	var lastError *string
	if stepErr != nil {
		status = entity.SideEffectFailed
		msg := stepErr.Error()
		lastError = &msg
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO side_effect_runs (payment_id, step, status, attempts, last_error, updated_at)
		VALUES ($1, $2, $3, 1, $4, NOW())
		ON CONFLICT (payment_id, step) DO UPDATE SET
			status = CASE WHEN side_effect_runs.status = $5 THEN side_effect_runs.status ELSE excluded.status END,
			attempts = side_effect_runs.attempts + 1,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, paymentID, step, status, lastError, entity.SideEffectSucceeded)
	if err != nil {
		return fmt.Errorf("could not record side effect run: %w", err)
	}
	return nil
}

// Runs lists the recorded steps of a payment. Steps that never ran are reported as pending.
func (r *SideEffectsPostgresRepository) Runs(ctx context.Context, paymentID string) ([]entity.SideEffectRun, error) {
	var runs []entity.SideEffectRun
	err := r.db.SelectContext(ctx, &runs, `
		SELECT payment_id, step, status, attempts, last_error, updated_at
		FROM side_effect_runs
		WHERE payment_id = $1
	`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("could not list side effect runs: %w", err)
	}

	byStep := make(map[entity.SideEffectStep]entity.SideEffectRun, len(runs))
	for _, run := range runs {
		byStep[run.Step] = run
	}

	result := make([]entity.SideEffectRun, 0, len(entity.PaymentSideEffectSteps))
	for _, step := range entity.PaymentSideEffectSteps {
		run, ok := byStep[step]
		if !ok {
			run = entity.SideEffectRun{PaymentID: paymentID, Step: step, Status: entity.SideEffectPending}
		}
		result = append(result, run)
	}
	return result, nil
}
