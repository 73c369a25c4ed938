package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentProcessing        PaymentStatus = "PROCESSING"
	PaymentCompleted         PaymentStatus = "COMPLETED"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:           {PaymentProcessing, PaymentCompleted, PaymentFailed},
	PaymentProcessing:        {PaymentCompleted, PaymentFailed, PaymentRefunded},
	PaymentCompleted:         {PaymentRefunded, PaymentPartiallyRefunded},
	PaymentPartiallyRefunded: {PaymentRefunded, PaymentPartiallyRefunded},
	// A charge captured after its payment failed, or after the payable stopped awaiting payment,
	// is refunded in full.
	PaymentFailed:            {PaymentRefunded},
}

func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsActive reports whether the payment is still awaiting an outcome.
func (s PaymentStatus) IsActive() bool {
	return s == PaymentPending || s == PaymentProcessing
}

func (s PaymentStatus) IsSettled() bool {
	return s == PaymentCompleted || s == PaymentPartiallyRefunded || s == PaymentRefunded
}

type PaymentMethod string

const (
	MethodWallet       PaymentMethod = "wallet"
	MethodCard         PaymentMethod = "card"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCash         PaymentMethod = "cash"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodWallet, MethodCard, MethodBankTransfer, MethodCash:
		return true
	}
	return false
}

// UsesGateway reports whether the method is settled by the external payment gateway.
func (m PaymentMethod) UsesGateway() bool {
	return m == MethodCard || m == MethodBankTransfer
}

type PayableKind string

const (
	PayableBooking      PayableKind = "booking"
	PayableEventRequest PayableKind = "event_request"
)

func (k PayableKind) Valid() bool {
	return k == PayableBooking || k == PayableEventRequest
}

// Payable is the part of a booking or event request the payment flow needs.
type Payable struct {
	Kind     PayableKind
	ID       string
	UserID   string
	Amount   decimal.Decimal
	Currency string
	Payable  bool
}

type Payment struct {
	PaymentID      string          `json:"payment_id" db:"payment_id"`
	UserID         string          `json:"user_id" db:"user_id"`
	PayableKind    PayableKind     `json:"payable_kind" db:"payable_kind"`
	PayableID      string          `json:"payable_id" db:"payable_id"`
	BookingID      *string         `json:"booking_id,omitempty" db:"booking_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Currency       string          `json:"currency" db:"currency"`
	Method         PaymentMethod   `json:"method" db:"method"`
	Status         PaymentStatus   `json:"status" db:"status"`
	GatewayRef     *string         `json:"gateway_ref,omitempty" db:"gateway_ref"`
	RedirectURL    *string         `json:"redirect_url,omitempty" db:"redirect_url"`
	TransactionID  *string         `json:"transaction_id,omitempty" db:"transaction_id"`
	RefundedAmount decimal.Decimal `json:"refunded_amount" db:"refunded_amount"`
	FailureReason  *string         `json:"failure_reason,omitempty" db:"failure_reason"`
	Bypassed       bool            `json:"bypassed" db:"bypassed"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

func (p Payment) RemainingRefundable() decimal.Decimal {
	return p.Amount.Sub(p.RefundedAmount)
}

// PaymentIntent is the response of intent creation. It is cached under the dedup key and
// returned unchanged to concurrent or repeated callers.
type PaymentIntent struct {
	PaymentID   string          `json:"payment_id"`
	RedirectURL *string         `json:"redirect_url,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      PaymentStatus   `json:"status"`
	Method      PaymentMethod   `json:"method"`
	// AutoConfirm is set when the gateway is bypassed and confirmation succeeds without a charge.
	AutoConfirm bool `json:"auto_confirm,omitempty"`
}

type PaymentConfirmation struct {
	Payment          Payment           `json:"payment"`
	AlreadyCompleted bool              `json:"already_completed"`
	Tickets          []IssuedTicket    `json:"tickets,omitempty"`
	SideEffects      SideEffectsHandle `json:"side_effects"`
}

type Refund struct {
	Payment          Payment         `json:"payment"`
	Amount           decimal.Decimal `json:"amount"`
	BookingCancelled bool            `json:"booking_cancelled"`
}

type ChargeStatus string

const (
	ChargePending    ChargeStatus = "pending"
	ChargeSuccessful ChargeStatus = "successful"
	ChargeFailed     ChargeStatus = "failed"
	ChargeExpired    ChargeStatus = "expired"
	ChargeReversed   ChargeStatus = "reversed"
)

type ChargeRequest struct {
	PaymentID   string
	Amount      decimal.Decimal
	Currency    string
	// Card is a card token, Source a gateway source (e.g. a bank transfer). Exactly one is set.
	Card        string
	Source      string
	RedirectURL string
	ThreeDS     bool
}

type Charge struct {
	ID          string
	Status      ChargeStatus
	RedirectURL string
	FailureCode string
}

type WebhookEvent struct {
	EventType string `json:"event_type"`
	Data      struct {
		PaymentID string `json:"payment_id"`
		ChargeID  string `json:"charge_id"`
		Status    string `json:"status"`
	} `json:"data"`
}

type WebhookAck struct {
	Received   bool `json:"received"`
	Idempotent bool `json:"idempotent,omitempty"`
}
