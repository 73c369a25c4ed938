// Package pricing validates booking windows against venue hours and computes prices.
// Everything here is pure: the same inputs always give the same quote.
package pricing

import (
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

const minutesPerDay = 24 * 60

// ValidateWindow rejects malformed requests before anything else is looked at.
func ValidateWindow(start time.Time, durationHours int, persons int) error {
	if start.IsZero() || durationHours <= 0 || durationHours > 24 {
		return entity.ErrInvalidTimeRange
	}
	if persons < 1 {
		return entity.ErrInvalidPartySize
	}
	return nil
}

// CheckOperatingHours verifies that [start, start+duration) falls inside the venue's hours for
// the start's weekday in loc. A weekday without configured hours is open.
func CheckOperatingHours(hours []entity.OperatingHours, start time.Time, durationHours int, loc *time.Location) error {
	local := start.In(loc)

	day, ok := lo.Find(hours, func(h entity.OperatingHours) bool {
		return h.Weekday == local.Weekday()
	})
	if !ok {
		return nil
	}
	if day.Closed {
		return entity.ErrVenueClosed
	}

	from := local.Hour()*60 + local.Minute()
	to := from + durationHours*60
	if from < day.Open || to > day.Close || to > minutesPerDay {
		return entity.ErrOutsideOperatingHours
	}
	return nil
}

func DayTypeOf(cfg entity.PriceConfig, start time.Time, loc *time.Location, holiday bool) entity.DayType {
	if holiday {
		return entity.DayTypeHoliday
	}
	if lo.Contains(cfg.WeekendDays, start.In(loc).Weekday()) {
		return entity.DayTypeWeekend
	}
	return entity.DayTypeWeekday
}

func multiplier(cfg entity.PriceConfig, dayType entity.DayType) decimal.Decimal {
	var m decimal.Decimal
	switch dayType {
	case entity.DayTypeHoliday:
		m = cfg.HolidayMultiplier
	case entity.DayTypeWeekend:
		m = cfg.WeekendMultiplier
	}
	if !m.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return m
}

// Price computes (base + hourly×duration + perPerson×persons + decoration) × day multiplier,
// rounded half away from zero to 2 places.
func Price(
	cfg entity.PriceConfig,
	start time.Time,
	loc *time.Location,
	durationHours int,
	persons int,
	decoration bool,
	holiday bool,
) entity.PriceBreakdown {
	dayType := DayTypeOf(cfg, start, loc, holiday)
	m := multiplier(cfg, dayType)

	hours := cfg.HourlyRate.Mul(decimal.NewFromInt(int64(durationHours)))
	perPerson := cfg.PricePerPerson.Mul(decimal.NewFromInt(int64(persons)))
	deco := decimal.Zero
	if decoration {
		deco = cfg.DecorationPrice
	}

	subtotal := cfg.BasePrice.Add(hours).Add(perPerson).Add(deco).Mul(m).Round(2)

	return entity.PriceBreakdown{
		Base:       cfg.BasePrice,
		Hours:      hours,
		Persons:    perPerson,
		Decoration: deco,
		Multiplier: m,
		DayType:    dayType,
		Subtotal:   subtotal,
	}
}

// AddOnLines prices the selected add-ons from the venue's stored add-on records.
func AddOnLines(venue entity.Venue, selections []entity.AddOnSelection) ([]entity.AddOnLine, error) {
	lines := make([]entity.AddOnLine, 0, len(selections))
	for _, sel := range selections {
		addOn, ok := lo.Find(venue.AddOns, func(a entity.AddOn) bool {
			return a.AddOnID == sel.AddOnID
		})
		if !ok {
			return nil, fmt.Errorf("add-on %s: %w", sel.AddOnID, entity.ErrUnknownAddOn)
		}
		if sel.Quantity < 1 {
			return nil, fmt.Errorf("add-on %s quantity %d: %w", sel.AddOnID, sel.Quantity, entity.ErrInvalidAmount)
		}

		lines = append(lines, entity.AddOnLine{
			AddOnID:   addOn.AddOnID,
			Name:      addOn.Name,
			UnitPrice: addOn.Price,
			Quantity:  sel.Quantity,
		})
	}
	return lines, nil
}

// Discount returns the coupon discount on amount, never more than amount.
func Discount(coupon entity.Coupon, amount decimal.Decimal) decimal.Decimal {
	var d decimal.Decimal
	switch coupon.Type {
	case entity.DiscountPercent:
		d = amount.Mul(coupon.Value).Div(decimal.NewFromInt(100))
	case entity.DiscountFixed:
		d = coupon.Value
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(d, amount).Round(2)
}

// QuoteInput carries everything a quote depends on. Coupon is nil when the request has no coupon code.
type QuoteInput struct {
	Venue     entity.Venue
	Request   entity.QuoteRequest
	Holiday   bool
	Coupon    *entity.Coupon
	Available bool
	Now       time.Time
}

// Quote builds the full preview of a booking request. Venue availability is passed in,
// so the caller decides whether an unavailable slot is an error.
func Quote(in QuoteInput) (entity.Quote, error) {
	req := in.Request
	if err := ValidateWindow(req.StartTime, req.DurationHours, req.Persons); err != nil {
		return entity.Quote{}, err
	}

	loc := in.Venue.Location()
	if err := CheckOperatingHours(in.Venue.OperatingHours, req.StartTime, req.DurationHours, loc); err != nil {
		return entity.Quote{}, err
	}

	pricing := Price(in.Venue.PriceConfig, req.StartTime, loc, req.DurationHours, req.Persons, req.Decoration, in.Holiday)

	addOns, err := AddOnLines(in.Venue, req.AddOns)
	if err != nil {
		return entity.Quote{}, err
	}

	total := pricing.Subtotal
	for _, line := range addOns {
		total = total.Add(line.Total())
	}

	discount := decimal.Zero
	if in.Coupon != nil {
		if !in.Coupon.ValidAt(in.Now) {
			return entity.Quote{}, entity.ErrInvalidCoupon
		}
		discount = Discount(*in.Coupon, total)
	}

	return entity.Quote{
		VenueID:    in.Venue.VenueID,
		Pricing:    pricing,
		AddOns:     addOns,
		Discount:   discount,
		TotalPrice: total.Sub(discount).Round(2),
		Currency:   in.Venue.Currency,
		Available:  in.Available,
	}, nil
}
