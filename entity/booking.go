package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCancelled BookingStatus = "CANCELLED"
	BookingCompleted BookingStatus = "COMPLETED"
)

func (s BookingStatus) IsTerminal() bool {
	return s == BookingCancelled || s == BookingCompleted
}

type Booking struct {
	BookingID      string          `json:"booking_id" db:"booking_id"`
	Reference      string          `json:"reference" db:"reference"`
	UserID         string          `json:"user_id" db:"user_id"`
	VenueID        string          `json:"venue_id" db:"venue_id"`
	BranchID       string          `json:"branch_id" db:"branch_id"`
	StartTime      time.Time       `json:"start_time" db:"start_time"`
	DurationHours  int             `json:"duration_hours" db:"duration_hours"`
	Persons        int             `json:"persons" db:"persons"`
	Decoration     bool            `json:"decoration" db:"decoration"`
	TotalPrice     decimal.Decimal `json:"total_price" db:"total_price"`
	Currency       string          `json:"currency" db:"currency"`
	Status         BookingStatus   `json:"status" db:"status"`
	CouponCode     *string         `json:"coupon_code,omitempty" db:"coupon_code"`
	Discount       decimal.Decimal `json:"discount" db:"discount"`
	EventRequestID *string         `json:"event_request_id,omitempty" db:"event_request_id"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancelledBy    *string         `json:"cancelled_by,omitempty" db:"cancelled_by"`

	AddOns []AddOnLine `json:"add_ons" db:"-"`
}

func (b Booking) EndTime() time.Time {
	return b.StartTime.Add(time.Duration(b.DurationHours) * time.Hour)
}

type AddOnLine struct {
	AddOnID   string          `json:"add_on_id" db:"add_on_id"`
	Name      string          `json:"name" db:"name"`
	UnitPrice decimal.Decimal `json:"unit_price" db:"unit_price"`
	Quantity  int             `json:"quantity" db:"quantity"`
}

func (l AddOnLine) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type AddOnSelection struct {
	AddOnID  string `json:"add_on_id" validate:"required"`
	Quantity int    `json:"quantity" validate:"min=1"`
}

type QuoteRequest struct {
	VenueID       string           `json:"venue_id" validate:"required"`
	StartTime     time.Time        `json:"start_time" validate:"required"`
	DurationHours int              `json:"duration_hours" validate:"min=1"`
	Persons       int              `json:"persons" validate:"min=1"`
	Decoration    bool             `json:"decoration"`
	AddOns        []AddOnSelection `json:"add_ons" validate:"dive"`
	CouponCode    string           `json:"coupon_code"`
}

type PriceBreakdown struct {
	Base       decimal.Decimal `json:"base"`
	Hours      decimal.Decimal `json:"hours"`
	Persons    decimal.Decimal `json:"persons"`
	Decoration decimal.Decimal `json:"decoration"`
	Multiplier decimal.Decimal `json:"multiplier"`
	DayType    DayType         `json:"day_type"`
	Subtotal   decimal.Decimal `json:"subtotal"`
}

type DayType string

const (
	DayTypeWeekday DayType = "weekday"
	DayTypeWeekend DayType = "weekend"
	DayTypeHoliday DayType = "holiday"
)

type Quote struct {
	VenueID    string          `json:"venue_id"`
	Pricing    PriceBreakdown  `json:"pricing"`
	AddOns     []AddOnLine     `json:"add_ons"`
	Discount   decimal.Decimal `json:"discount"`
	TotalPrice decimal.Decimal `json:"total_price"`
	Currency   string          `json:"currency"`
	Available  bool            `json:"available"`
}

type EventRequestStatus string

const (
	EventRequestQuoted    EventRequestStatus = "QUOTED"
	EventRequestConfirmed EventRequestStatus = "CONFIRMED"
	EventRequestCancelled EventRequestStatus = "CANCELLED"
)

// EventRequest is a custom event (e.g. a private party) quoted by staff and paid by the customer.
// Its booking and tickets are created only once the payment is confirmed.
type EventRequest struct {
	EventRequestID string             `json:"event_request_id" db:"event_request_id"`
	UserID         string             `json:"user_id" db:"user_id"`
	VenueID        string             `json:"venue_id" db:"venue_id"`
	BranchID       string             `json:"branch_id" db:"branch_id"`
	StartTime      time.Time          `json:"start_time" db:"start_time"`
	DurationHours  int                `json:"duration_hours" db:"duration_hours"`
	Persons        int                `json:"persons" db:"persons"`
	QuotedPrice    decimal.Decimal    `json:"quoted_price" db:"quoted_price"`
	Currency       string             `json:"currency" db:"currency"`
	Status         EventRequestStatus `json:"status" db:"status"`
	BookingID      *string            `json:"booking_id,omitempty" db:"booking_id"`
	CreatedAt      time.Time          `json:"created_at" db:"created_at"`
}

type CreatedBooking struct {
	Booking   Booking        `json:"booking"`
	Tickets   []IssuedTicket `json:"tickets"`
	Reminders []Submission   `json:"reminders"`
}
