package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpsBooking is the staff-facing projection of a booking's lifecycle.
type OpsBooking struct {
	BookingID  string          `json:"booking_id"`
	UserID     string          `json:"user_id"`
	VenueID    string          `json:"venue_id"`
	BranchID   string          `json:"branch_id"`
	StartTime  time.Time       `json:"start_time"`
	Persons    int             `json:"persons"`
	TotalPrice decimal.Decimal `json:"total_price"`
	Currency   string          `json:"currency"`
	Status     BookingStatus   `json:"status"`
	BookedAt   time.Time       `json:"booked_at"`

	Payments map[string]OpsPayment `json:"payments"`
	Tickets  map[string]OpsTicket  `json:"tickets"`

	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	LastUpdate time.Time `json:"last_update"`
}

type OpsPayment struct {
	Amount      decimal.Decimal `json:"amount"`
	Method      PaymentMethod   `json:"method"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	RefundedAt  *time.Time      `json:"refunded_at,omitempty"`
	Refunded    decimal.Decimal `json:"refunded"`
}

type OpsTicket struct {
	IssuedAt  time.Time  `json:"issued_at"`
	ScannedAt *time.Time `json:"scanned_at,omitempty"`
	ScannedBy string     `json:"scanned_by,omitempty"`
}
