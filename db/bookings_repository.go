package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

const bookingColumns = `
	booking_id, reference, user_id, venue_id, branch_id, start_time, duration_hours, persons,
	decoration, total_price, currency, status, coupon_code, discount, event_request_id,
	created_at, cancelled_at, cancelled_by
`

type BookingsPostgresRepository struct {
	db *sqlx.DB
}

func NewBookingsPostgresRepository(db *sqlx.DB) *BookingsPostgresRepository {
	if db == nil {
		panic("db must be set")
	}

	return &BookingsPostgresRepository{db: db}
}

// Create stores a PENDING booking together with its add-ons and tickets.
// The overlap check is repeated inside the serializable transaction, so two concurrent
// bookings of the same slot can't both commit.
func (r *BookingsPostgresRepository) Create(ctx context.Context, booking entity.Booking, tickets []entity.Ticket) error {
	return UpdateInTx(ctx, r.db, sql.LevelSerializable, func(ctx context.Context, tx *sqlx.Tx) error {
		overlapping, err := countOverlappingBookings(ctx, tx, booking.VenueID, booking.StartTime, booking.DurationHours)
		if err != nil {
			return err
		}
		if overlapping > 0 {
			return entity.ErrVenueUnavailable
		}

		if err := insertBooking(ctx, tx, booking); err != nil {
			return err
		}
		if err := insertTickets(ctx, tx, tickets); err != nil {
			return err
		}

		return publishInTx(ctx, tx, bookingCreated(booking))
	})
}

func bookingCreated(booking entity.Booking) entity.BookingCreated_v1 {
	return entity.BookingCreated_v1{
		Header:         entity.NewEventHeaderWithIdempotencyKey("booking-created-" + booking.BookingID),
		BookingID:      booking.BookingID,
		UserID:         booking.UserID,
		VenueID:        booking.VenueID,
		BranchID:       booking.BranchID,
		StartTime:      booking.StartTime,
		DurationHours:  booking.DurationHours,
		Persons:        booking.Persons,
		TotalPrice:     booking.TotalPrice,
		Currency:       booking.Currency,
		EventRequestID: booking.EventRequestID,
	}
}

func insertBooking(ctx context.Context, tx *sqlx.Tx, booking entity.Booking) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO bookings (
			booking_id, reference, user_id, venue_id, branch_id, start_time, duration_hours, persons,
			decoration, total_price, currency, status, coupon_code, discount, event_request_id
		) VALUES (
			:booking_id, :reference, :user_id, :venue_id, :branch_id, :start_time, :duration_hours, :persons,
			:decoration, :total_price, :currency, :status, :coupon_code, :discount, :event_request_id
		)
	`, booking)
	if err != nil {
		return fmt.Errorf("could not insert booking: %w", err)
	}

	for _, line := range booking.AddOns {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO booking_add_ons (booking_id, add_on_id, name, unit_price, quantity)
			VALUES ($1, $2, $3, $4, $5)
		`, booking.BookingID, line.AddOnID, line.Name, line.UnitPrice, line.Quantity)
		if err != nil {
			return fmt.Errorf("could not insert booking add-on: %w", err)
		}
	}

	return nil
}

func (r *BookingsPostgresRepository) Get(ctx context.Context, bookingID string) (entity.Booking, error) {
	booking, err := getBooking(ctx, r.db, bookingID, false)
	if err != nil {
		return entity.Booking{}, err
	}

	err = r.db.SelectContext(ctx, &booking.AddOns, `
		SELECT add_on_id, name, unit_price, quantity
		FROM booking_add_ons
		WHERE booking_id = $1
		ORDER BY name
	`, bookingID)
	if err != nil {
		return entity.Booking{}, fmt.Errorf("could not get booking add-ons: %w", err)
	}

	return booking, nil
}

func getBooking(ctx context.Context, db dbExecutor, bookingID string, forUpdate bool) (entity.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE booking_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var booking entity.Booking
	err := db.GetContext(ctx, &booking, query, bookingID)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Booking{}, fmt.Errorf("booking %s: %w", bookingID, entity.ErrNotFound)
	}
	if err != nil {
		return entity.Booking{}, fmt.Errorf("could not get booking: %w", err)
	}

	return booking, nil
}

// ListByUser returns the user's bookings, most recent first.
func (r *BookingsPostgresRepository) ListByUser(ctx context.Context, userID string) ([]entity.Booking, error) {
	bookings := []entity.Booking{}
	err := r.db.SelectContext(ctx, &bookings, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("could not list bookings: %w", err)
	}
	return bookings, nil
}

// Cancel marks the booking CANCELLED and cascades its tickets in one transaction.
// checkFn runs against the locked row and may reject the cancellation.
func (r *BookingsPostgresRepository) Cancel(
	ctx context.Context,
	bookingID string,
	cancelledBy string,
	checkFn func(booking entity.Booking) error,
) (entity.Booking, error) {
	var cancelled entity.Booking

	err := UpdateInTx(ctx, r.db, sql.LevelRepeatableRead, func(ctx context.Context, tx *sqlx.Tx) error {
		booking, err := getBooking(ctx, tx, bookingID, true)
		if err != nil {
			return err
		}

		if booking.Status.IsTerminal() {
			return entity.ErrBookingNotCancellable
		}
		if err := checkFn(booking); err != nil {
			return err
		}

		cancelled, err = cancelBookingInTx(ctx, tx, booking, cancelledBy, "cancelled by request")
		return err
	})
	if err != nil {
		return entity.Booking{}, err
	}

	return cancelled, nil
}

func cancelBookingInTx(
	ctx context.Context,
	tx *sqlx.Tx,
	booking entity.Booking,
	cancelledBy string,
	reason string,
) (entity.Booking, error) {
	now := time.Now().UTC()

	_, err := tx.ExecContext(ctx, `
		UPDATE bookings
		SET status = $2, cancelled_at = $3, cancelled_by = $4
		WHERE booking_id = $1
	`, booking.BookingID, entity.BookingCancelled, now, cancelledBy)
	if err != nil {
		return entity.Booking{}, fmt.Errorf("could not cancel booking: %w", err)
	}

	if err := updateTicketsStatus(ctx, tx, booking.BookingID, entity.TicketValid, entity.TicketCancelled); err != nil {
		return entity.Booking{}, err
	}

	booking.Status = entity.BookingCancelled
	booking.CancelledAt = &now
	booking.CancelledBy = &cancelledBy

	err = publishInTx(ctx, tx, entity.BookingCancelled_v1{
		Header:      entity.NewEventHeaderWithIdempotencyKey("booking-cancelled-" + booking.BookingID),
		BookingID:   booking.BookingID,
		UserID:      booking.UserID,
		CancelledBy: cancelledBy,
		Reason:      reason,
	})
	if err != nil {
		return entity.Booking{}, err
	}

	return booking, nil
}

// Complete closes a booking once its time window has passed.
// A confirmed booking becomes COMPLETED and its unused tickets EXPIRED; an unpaid one is cancelled.
// It returns the booking's resulting status.
func (r *BookingsPostgresRepository) Complete(ctx context.Context, bookingID string) (entity.BookingStatus, error) {
	var status entity.BookingStatus

	err := UpdateInTx(ctx, r.db, sql.LevelRepeatableRead, func(ctx context.Context, tx *sqlx.Tx) error {
		booking, err := getBooking(ctx, tx, bookingID, true)
		if err != nil {
			return err
		}

		switch booking.Status {
		case entity.BookingPending:
			cancelled, err := cancelBookingInTx(ctx, tx, booking, string(entity.RoleSystem), "not paid before the booking ended")
			status = cancelled.Status
			return err
		case entity.BookingConfirmed:
		default:
			status = booking.Status
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE bookings SET status = $2 WHERE booking_id = $1
		`, bookingID, entity.BookingCompleted)
		if err != nil {
			return fmt.Errorf("could not complete booking: %w", err)
		}

		if err := updateTicketsStatus(ctx, tx, bookingID, entity.TicketValid, entity.TicketExpired); err != nil {
			return err
		}

		status = entity.BookingCompleted

		return publishInTx(ctx, tx, entity.BookingCompleted_v1{
			Header:    entity.NewEventHeaderWithIdempotencyKey("booking-completed-" + bookingID),
			BookingID: bookingID,
			UserID:    booking.UserID,
		})
	})
	if err != nil {
		return "", err
	}

	return status, nil
}
