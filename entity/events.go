package entity

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventHeader struct {
	ID             string    `json:"id"`
	PublishedAt    time.Time `json:"published_at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

func NewEventHeader() EventHeader {
	return EventHeader{
		ID:          uuid.NewString(),
		PublishedAt: time.Now().UTC(),
	}
}

func NewEventHeaderWithIdempotencyKey(idempotencyKey string) EventHeader {
	return EventHeader{
		ID:             uuid.NewString(),
		PublishedAt:    time.Now().UTC(),
		IdempotencyKey: idempotencyKey,
	}
}

type BookingCreated_v1 struct {
	Header         EventHeader     `json:"header"`
	BookingID      string          `json:"booking_id"`
	UserID         string          `json:"user_id"`
	VenueID        string          `json:"venue_id"`
	BranchID       string          `json:"branch_id"`
	StartTime      time.Time       `json:"start_time"`
	DurationHours  int             `json:"duration_hours"`
	Persons        int             `json:"persons"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	Currency       string          `json:"currency"`
	EventRequestID *string         `json:"event_request_id,omitempty"`
}

type BookingConfirmed_v1 struct {
	Header    EventHeader `json:"header"`
	BookingID string      `json:"booking_id"`
	UserID    string      `json:"user_id"`
	PaymentID string      `json:"payment_id"`
}

type BookingCancelled_v1 struct {
	Header      EventHeader `json:"header"`
	BookingID   string      `json:"booking_id"`
	UserID      string      `json:"user_id"`
	CancelledBy string      `json:"cancelled_by"`
	Reason      string      `json:"reason"`
}

type BookingCompleted_v1 struct {
	Header    EventHeader `json:"header"`
	BookingID string      `json:"booking_id"`
	UserID    string      `json:"user_id"`
}

type PaymentCompleted_v1 struct {
	Header      EventHeader     `json:"header"`
	PaymentID   string          `json:"payment_id"`
	UserID      string          `json:"user_id"`
	BookingID   string          `json:"booking_id"`
	PayableKind PayableKind     `json:"payable_kind"`
	PayableID   string          `json:"payable_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Method      PaymentMethod   `json:"method"`
}

type PaymentFailed_v1 struct {
	Header    EventHeader `json:"header"`
	PaymentID string      `json:"payment_id"`
	UserID    string      `json:"user_id"`
	Reason    string      `json:"reason"`
}

type PaymentRefunded_v1 struct {
	Header     EventHeader     `json:"header"`
	PaymentID  string          `json:"payment_id"`
	UserID     string          `json:"user_id"`
	BookingID  string          `json:"booking_id"`
	Amount     decimal.Decimal `json:"amount"`
	FullRefund bool            `json:"full_refund"`
}

type TicketsIssued_v1 struct {
	Header    EventHeader `json:"header"`
	BookingID string      `json:"booking_id"`
	TicketIDs []string    `json:"ticket_ids"`
}

type TicketScanned_v1 struct {
	Header    EventHeader `json:"header"`
	TicketID  string      `json:"ticket_id"`
	BookingID string      `json:"booking_id"`
	StaffID   string      `json:"staff_id"`
	ScannedAt time.Time   `json:"scanned_at"`
}
