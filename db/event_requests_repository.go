package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

const eventRequestColumns = `
	event_request_id, user_id, venue_id, branch_id, start_time, duration_hours, persons,
	quoted_price, currency, status, booking_id, created_at
`

type EventRequestsPostgresRepository struct {
	db *sqlx.DB
}

func NewEventRequestsPostgresRepository(db *sqlx.DB) *EventRequestsPostgresRepository {
	if db == nil {
		panic("db must be set")
	}

	return &EventRequestsPostgresRepository{db: db}
}

func (r *EventRequestsPostgresRepository) Create(ctx context.Context, request entity.EventRequest) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO event_requests (
			event_request_id, user_id, venue_id, branch_id, start_time, duration_hours, persons,
			quoted_price, currency, status
		) VALUES (
			:event_request_id, :user_id, :venue_id, :branch_id, :start_time, :duration_hours, :persons,
			:quoted_price, :currency, :status
		)
		ON CONFLICT (event_request_id) DO NOTHING
	`, request)
	if err != nil {
		return fmt.Errorf("could not create event request: %w", err)
	}
	return nil
}

func (r *EventRequestsPostgresRepository) Get(ctx context.Context, eventRequestID string) (entity.EventRequest, error) {
	return getEventRequest(ctx, r.db, eventRequestID, false)
}

func getEventRequest(ctx context.Context, db dbExecutor, eventRequestID string, forUpdate bool) (entity.EventRequest, error) {
	query := `SELECT ` + eventRequestColumns + ` FROM event_requests WHERE event_request_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var request entity.EventRequest
	err := db.GetContext(ctx, &request, query, eventRequestID)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.EventRequest{}, fmt.Errorf("event request %s: %w", eventRequestID, entity.ErrNotFound)
	}
	if err != nil {
		return entity.EventRequest{}, fmt.Errorf("could not get event request: %w", err)
	}

	return request, nil
}
