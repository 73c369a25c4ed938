package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

// VenuesPostgresRepository is the local read model of the content service:
// venues with their price configuration, operating hours, add-ons and the holiday calendar.
type VenuesPostgresRepository struct {
	db *sqlx.DB
}

func NewVenuesPostgresRepository(db *sqlx.DB) *VenuesPostgresRepository {
	if db == nil {
		panic("db must be set")
	}

	return &VenuesPostgresRepository{db: db}
}

type venueRow struct {
	entity.Venue
	entity.PriceConfig
	WeekendDays pq.Int64Array `db:"weekend_days"`
}

func (r *VenuesPostgresRepository) Store(ctx context.Context, venue entity.Venue) error {
	weekendDays := make(pq.Int64Array, 0, len(venue.PriceConfig.WeekendDays))
	for _, day := range venue.PriceConfig.WeekendDays {
		weekendDays = append(weekendDays, int64(day))
	}

	return UpdateInTx(ctx, r.db, sql.LevelReadCommitted, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO venues (
				venue_id, branch_id, name, currency, timezone, active,
				base_price, hourly_rate, price_per_person, decoration_price,
				weekend_multiplier, holiday_multiplier, weekend_days
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (venue_id) DO UPDATE SET
				branch_id = excluded.branch_id,
				name = excluded.name,
				currency = excluded.currency,
				timezone = excluded.timezone,
				active = excluded.active,
				base_price = excluded.base_price,
				hourly_rate = excluded.hourly_rate,
				price_per_person = excluded.price_per_person,
				decoration_price = excluded.decoration_price,
				weekend_multiplier = excluded.weekend_multiplier,
				holiday_multiplier = excluded.holiday_multiplier,
				weekend_days = excluded.weekend_days
		`,
			venue.VenueID,
			venue.BranchID,
			venue.Name,
			venue.Currency,
			venue.Timezone,
			venue.Active,
			venue.PriceConfig.BasePrice,
			venue.PriceConfig.HourlyRate,
			venue.PriceConfig.PricePerPerson,
			venue.PriceConfig.DecorationPrice,
			venue.PriceConfig.WeekendMultiplier,
			venue.PriceConfig.HolidayMultiplier,
			weekendDays,
		)
		if err != nil {
			return fmt.Errorf("could not store venue: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM venue_operating_hours WHERE venue_id = $1`, venue.VenueID); err != nil {
			return fmt.Errorf("could not reset operating hours: %w", err)
		}
		for _, hours := range venue.OperatingHours {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO venue_operating_hours (venue_id, weekday, open_minute, close_minute, closed)
				VALUES ($1, $2, $3, $4, $5)
			`, venue.VenueID, int(hours.Weekday), hours.Open, hours.Close, hours.Closed)
			if err != nil {
				return fmt.Errorf("could not store operating hours: %w", err)
			}
		}

		for _, addOn := range venue.AddOns {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO venue_add_ons (add_on_id, venue_id, name, price)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (add_on_id) DO UPDATE SET name = excluded.name, price = excluded.price
			`, addOn.AddOnID, venue.VenueID, addOn.Name, addOn.Price)
			if err != nil {
				return fmt.Errorf("could not store add-on: %w", err)
			}
		}

		return nil
	})
}

// FindVenueByID returns the venue with its price configuration, operating hours and add-ons.
func (r *VenuesPostgresRepository) FindVenueByID(ctx context.Context, venueID string) (entity.Venue, error) {
	var row venueRow
	err := r.db.GetContext(ctx, &row, `
		SELECT
			venue_id, branch_id, name, currency, timezone, active,
			base_price, hourly_rate, price_per_person, decoration_price,
			weekend_multiplier, holiday_multiplier, weekend_days
		FROM venues
		WHERE venue_id = $1
	`, venueID)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Venue{}, fmt.Errorf("venue %s: %w", venueID, entity.ErrNotFound)
	}
	if err != nil {
		return entity.Venue{}, fmt.Errorf("could not get venue: %w", err)
	}

	venue := row.Venue
	venue.PriceConfig = row.PriceConfig
	for _, day := range row.WeekendDays {
		venue.PriceConfig.WeekendDays = append(venue.PriceConfig.WeekendDays, time.Weekday(day))
	}

	err = r.db.SelectContext(ctx, &venue.OperatingHours, `
		SELECT weekday, open_minute, close_minute, closed
		FROM venue_operating_hours
		WHERE venue_id = $1
		ORDER BY weekday
	`, venueID)
	if err != nil {
		return entity.Venue{}, fmt.Errorf("could not get operating hours: %w", err)
	}

	err = r.db.SelectContext(ctx, &venue.AddOns, `
		SELECT add_on_id, venue_id, name, price
		FROM venue_add_ons
		WHERE venue_id = $1
		ORDER BY name
	`, venueID)
	if err != nil {
		return entity.Venue{}, fmt.Errorf("could not get add-ons: %w", err)
	}

	return venue, nil
}

func (r *VenuesPostgresRepository) GetPriceConfig(ctx context.Context, venueID string) (entity.PriceConfig, error) {
	venue, err := r.FindVenueByID(ctx, venueID)
	if err != nil {
		return entity.PriceConfig{}, err
	}
	return venue.PriceConfig, nil
}

// CheckAvailability reports whether no pending or confirmed booking overlaps the window.
func (r *VenuesPostgresRepository) CheckAvailability(ctx context.Context, venueID string, start time.Time, durationHours int) (bool, error) {
	overlapping, err := countOverlappingBookings(ctx, r.db, venueID, start, durationHours)
	if err != nil {
		return false, err
	}
	return overlapping == 0, nil
}

func (r *VenuesPostgresRepository) IsHoliday(ctx context.Context, date time.Time) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM holidays WHERE holiday_date = $1::date)
	`, date.Format(time.DateOnly))
	if err != nil {
		return false, fmt.Errorf("could not check holiday calendar: %w", err)
	}
	return exists, nil
}

func (r *VenuesPostgresRepository) AddHoliday(ctx context.Context, date time.Time, name string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO holidays (holiday_date, name) VALUES ($1::date, $2)
		ON CONFLICT (holiday_date) DO NOTHING
	`, date.Format(time.DateOnly), name)
	if err != nil {
		return fmt.Errorf("could not add holiday: %w", err)
	}
	return nil
}

func (r *VenuesPostgresRepository) FindCoupon(ctx context.Context, code string) (entity.Coupon, error) {
	var coupon entity.Coupon
	err := r.db.GetContext(ctx, &coupon, `
		SELECT code, discount_type, value, valid_from, valid_to, active
		FROM coupons
		WHERE code = $1
	`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Coupon{}, entity.ErrInvalidCoupon
	}
	if err != nil {
		return entity.Coupon{}, fmt.Errorf("could not get coupon: %w", err)
	}
	return coupon, nil
}

func (r *VenuesPostgresRepository) StoreCoupon(ctx context.Context, coupon entity.Coupon) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO coupons (code, discount_type, value, valid_from, valid_to, active)
		VALUES (:code, :discount_type, :value, :valid_from, :valid_to, :active)
		ON CONFLICT (code) DO NOTHING
	`, coupon)
	if err != nil {
		return fmt.Errorf("could not store coupon: %w", err)
	}
	return nil
}

func countOverlappingBookings(ctx context.Context, db dbExecutor, venueID string, start time.Time, durationHours int) (int, error) {
	end := start.Add(time.Duration(durationHours) * time.Hour)

	var count int
	err := db.GetContext(ctx, &count, `
		SELECT COUNT(*)
		FROM bookings
		WHERE venue_id = $1
			AND status IN ('PENDING', 'CONFIRMED')
			AND start_time < $3
			AND start_time + make_interval(hours => duration_hours) > $2
	`, venueID, start, end)
	if err != nil {
		return 0, fmt.Errorf("could not count overlapping bookings: %w", err)
	}
	return count, nil
}
