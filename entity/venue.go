package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type Venue struct {
	VenueID  string `json:"venue_id" db:"venue_id"`
	BranchID string `json:"branch_id" db:"branch_id"`
	Name     string `json:"name" db:"name"`
	Currency string `json:"currency" db:"currency"`
	Timezone string `json:"timezone" db:"timezone"`
	Active   bool   `json:"active" db:"active"`

	PriceConfig    PriceConfig      `json:"price_config" db:"-"`
	OperatingHours []OperatingHours `json:"operating_hours" db:"-"`
	AddOns         []AddOn          `json:"add_ons" db:"-"`
}

// Location returns the venue's time zone, UTC when unset or unknown.
func (v Venue) Location() *time.Location {
	if v.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(v.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type PriceConfig struct {
	BasePrice         decimal.Decimal `json:"base_price" db:"base_price"`
	HourlyRate        decimal.Decimal `json:"hourly_rate" db:"hourly_rate"`
	PricePerPerson    decimal.Decimal `json:"price_per_person" db:"price_per_person"`
	DecorationPrice   decimal.Decimal `json:"decoration_price" db:"decoration_price"`
	WeekendMultiplier decimal.Decimal `json:"weekend_multiplier" db:"weekend_multiplier"`
	HolidayMultiplier decimal.Decimal `json:"holiday_multiplier" db:"holiday_multiplier"`
	WeekendDays       []time.Weekday  `json:"weekend_days" db:"-"`
}

// OperatingHours describes one weekday. Open and Close are minutes since midnight in venue local time.
// Close may be 24*60 for venues open until midnight.
type OperatingHours struct {
	Weekday time.Weekday `json:"weekday" db:"weekday"`
	Open    int          `json:"open" db:"open_minute"`
	Close   int          `json:"close" db:"close_minute"`
	Closed  bool         `json:"closed" db:"closed"`
}

type AddOn struct {
	AddOnID string          `json:"add_on_id" db:"add_on_id"`
	VenueID string          `json:"venue_id" db:"venue_id"`
	Name    string          `json:"name" db:"name"`
	Price   decimal.Decimal `json:"price" db:"price"`
}

type DiscountType string

const (
	DiscountPercent DiscountType = "percent"
	DiscountFixed   DiscountType = "fixed"
)

type Coupon struct {
	Code      string          `json:"code" db:"code"`
	Type      DiscountType    `json:"type" db:"discount_type"`
	Value     decimal.Decimal `json:"value" db:"value"`
	ValidFrom time.Time       `json:"valid_from" db:"valid_from"`
	ValidTo   time.Time       `json:"valid_to" db:"valid_to"`
	Active    bool            `json:"active" db:"active"`
}

func (c Coupon) ValidAt(t time.Time) bool {
	return c.Active && !t.Before(c.ValidFrom) && !t.After(c.ValidTo)
}
