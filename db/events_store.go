package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

// EventStore keeps every event published on the events topic, as received.
type EventStore struct {
	db *sqlx.DB
}

func NewEventStore(db *sqlx.DB) EventStore {
	if db == nil {
		panic("db is nil")
	}

	return EventStore{db: db}
}

func (s EventStore) StoreEvent(ctx context.Context, event entity.StoredEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, published_at, event_name, correlation_id, event_payload)
		VALUES ($1, $2, $3, $4, $5)
	`, event.ID, event.PublishedAt, event.Name, event.CorrelationID, string(event.Payload))
	if isErrorUniqueViolation(err) {
		// handling re-delivery
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not store %s event: %w", event.ID, err)
	}

	return nil
}

// EventsByName returns stored events of the given name in publication order.
func (s EventStore) EventsByName(ctx context.Context, name string) ([]entity.StoredEvent, error) {
	events := []entity.StoredEvent{}
	err := s.db.SelectContext(ctx, &events, `
		SELECT event_id, published_at, event_name, correlation_id, event_payload
		FROM events
		WHERE event_name = $1
		ORDER BY published_at ASC
	`, name)
	if err != nil {
		return nil, fmt.Errorf("could not get events: %w", err)
	}

	return events, nil
}
