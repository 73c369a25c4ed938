package entity

import (
	"time"
)

// StoredEvent is a published event kept in the event store as received.
type StoredEvent struct {
	ID            string    `db:"event_id"`
	PublishedAt   time.Time `db:"published_at"`
	Name          string    `db:"event_name"`
	CorrelationID string    `db:"correlation_id"`
	Payload       []byte    `db:"event_payload"`
}
