package entity

import "time"

type TicketStatus string

const (
	TicketValid     TicketStatus = "VALID"
	TicketUsed      TicketStatus = "USED"
	TicketCancelled TicketStatus = "CANCELLED"
	TicketExpired   TicketStatus = "EXPIRED"
)

type Ticket struct {
	TicketID   string       `json:"ticket_id" db:"ticket_id"`
	BookingID  string       `json:"booking_id" db:"booking_id"`
	Seq        int          `json:"seq" db:"seq"`
	TokenHash  string       `json:"-" db:"token_hash"`
	Status     TicketStatus `json:"status" db:"status"`
	ValidFrom  time.Time    `json:"valid_from" db:"valid_from"`
	ValidUntil time.Time    `json:"valid_until" db:"valid_until"`
	HolderName *string      `json:"holder_name,omitempty" db:"holder_name"`
	ScannedBy  *string      `json:"scanned_by,omitempty" db:"scanned_by"`
	ScannedAt  *time.Time   `json:"scanned_at,omitempty" db:"scanned_at"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
}

// IssuedTicket carries the raw admission token. It is returned once and never stored.
type IssuedTicket struct {
	Ticket Ticket `json:"ticket"`
	Token  string `json:"token"`
}

type ScanReason string

const (
	ScanAdmitted            ScanReason = "ADMITTED"
	ScanUnknownTicket       ScanReason = "UNKNOWN_TICKET"
	ScanAlreadyUsed         ScanReason = "ALREADY_USED"
	ScanCancelled           ScanReason = "CANCELLED"
	ScanExpired             ScanReason = "EXPIRED"
	ScanNotYetValid         ScanReason = "NOT_YET_VALID"
	ScanWindowElapsed       ScanReason = "WINDOW_ELAPSED"
	ScanBookingNotConfirmed ScanReason = "BOOKING_NOT_CONFIRMED"
	ScanWrongBranch         ScanReason = "WRONG_BRANCH"
)

var scanMessages = map[ScanReason]string{
	ScanAdmitted:            "ticket admitted",
	ScanUnknownTicket:       "unknown ticket",
	ScanAlreadyUsed:         "ticket already used",
	ScanCancelled:           "ticket cancelled",
	ScanExpired:             "ticket expired",
	ScanNotYetValid:         "not valid for current time",
	ScanWindowElapsed:       "not valid for current time",
	ScanBookingNotConfirmed: "booking is not confirmed",
	ScanWrongBranch:         "ticket belongs to another branch",
}

// ScanOutcome is the result of scanning a ticket. Rejections are outcomes, not errors.
type ScanOutcome struct {
	Success bool       `json:"success"`
	Reason  ScanReason `json:"reason"`
	Message string     `json:"message"`
	Ticket  *Ticket    `json:"ticket,omitempty"`
}

func NewScanOutcome(reason ScanReason, ticket *Ticket) ScanOutcome {
	return ScanOutcome{
		Success: reason == ScanAdmitted,
		Reason:  reason,
		Message: scanMessages[reason],
		Ticket:  ticket,
	}
}

type SharedTicket struct {
	ShareToken string    `json:"share_token"`
	ExpiresAt  time.Time `json:"expires_at"`
	Ticket     Ticket    `json:"ticket"`
}
