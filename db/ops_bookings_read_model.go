package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

// OpsBookingsReadModel is the staff-facing projection of bookings, built from events.
type OpsBookingsReadModel struct {
	db *sqlx.DB
}

func NewOpsBookingsReadModel(db *sqlx.DB) OpsBookingsReadModel {
	if db == nil {
		panic("db is nil")
	}

	return OpsBookingsReadModel{db: db}
}

type OpsBookingsFilter struct {
	BranchIDs []string
	Status    entity.BookingStatus
	// Date filters by the booking's start date (YYYY-MM-DD).
	Date string
}

func (r OpsBookingsReadModel) AllBookings(ctx context.Context, filter OpsBookingsFilter) ([]entity.OpsBooking, error) {
	query := "SELECT payload FROM read_model_ops_bookings WHERE TRUE"
	var queryArgs []any

	if filter.Status != "" {
		queryArgs = append(queryArgs, filter.Status)
		query += fmt.Sprintf(" AND payload->>'status' = $%d", len(queryArgs))
	}
	if filter.Date != "" {
		queryArgs = append(queryArgs, filter.Date)
		query += fmt.Sprintf(" AND DATE((payload->>'start_time')::timestamptz) = $%d::date", len(queryArgs))
	}
	if len(filter.BranchIDs) > 0 {
		queryArgs = append(queryArgs, pq.Array(filter.BranchIDs))
		query += fmt.Sprintf(" AND payload->>'branch_id' = ANY($%d)", len(queryArgs))
	}
	query += " ORDER BY payload->>'start_time'"

	rows, err := r.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("could not query ops bookings: %w", err)
	}
	defer rows.Close()

	result := []entity.OpsBooking{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}

		booking, err := r.unmarshalReadModelFromDB(payload)
		if err != nil {
			return nil, err
		}

		result = append(result, booking)
	}

	return result, rows.Err()
}

func (r OpsBookingsReadModel) BookingReadModel(ctx context.Context, bookingID string) (entity.OpsBooking, error) {
	rm, err := r.findReadModelByBookingID(ctx, bookingID, r.db)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.OpsBooking{}, fmt.Errorf("ops booking %s: %w", bookingID, entity.ErrNotFound)
	}
	return rm, err
}

func (r OpsBookingsReadModel) CreateReadModel(ctx context.Context, booking entity.OpsBooking) error {
	booking.LastUpdate = time.Now()

	payload, err := json.Marshal(booking)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO 
		    read_model_ops_bookings (payload, booking_id)
		VALUES
			($1, $2)
		ON CONFLICT (booking_id) DO NOTHING; -- read model may be already updated by another event - we don't want to override
`, payload, booking.BookingID)
	if err != nil {
		return fmt.Errorf("could not create read model: %w", err)
	}

	return nil
}

func (r OpsBookingsReadModel) UpdateBookingReadModel(
	ctx context.Context,
	bookingID string,
	updateFunc func(booking entity.OpsBooking) (entity.OpsBooking, error),
) error {
	return UpdateInTx(
		ctx,
		r.db,
		sql.LevelRepeatableRead,
		func(ctx context.Context, tx *sqlx.Tx) error {
			rm, err := r.findReadModelByBookingID(ctx, bookingID, tx)
			if errors.Is(err, sql.ErrNoRows) {
				// events arrived out of order - it should spin until the read model is created
				return fmt.Errorf("read model for booking %s not exist yet", bookingID)
			} else if err != nil {
				return fmt.Errorf("could not find read model: %w", err)
			}

			updatedRm, err := updateFunc(rm)
			if err != nil {
				return err
			}

			return r.updateReadModel(ctx, tx, updatedRm)
		},
	)
}

func (r OpsBookingsReadModel) updateReadModel(
	ctx context.Context,
	tx *sqlx.Tx,
	rm entity.OpsBooking,
) error {
	rm.LastUpdate = time.Now()

	payload, err := json.Marshal(rm)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO 
			read_model_ops_bookings (payload, booking_id)
		VALUES
			($1, $2)
		ON CONFLICT (booking_id) DO UPDATE SET payload = excluded.payload;
		`, payload, rm.BookingID)
	if err != nil {
		return fmt.Errorf("could not update read model: %w", err)
	}

	return nil
}

func (r OpsBookingsReadModel) findReadModelByBookingID(
	ctx context.Context,
	bookingID string,
	db dbExecutor,
) (entity.OpsBooking, error) {
	var payload []byte

	err := db.QueryRowContext(
		ctx,
		"SELECT payload FROM read_model_ops_bookings WHERE booking_id = $1",
		bookingID,
	).Scan(&payload)
	if err != nil {
		return entity.OpsBooking{}, err
	}

	return r.unmarshalReadModelFromDB(payload)
}

func (r OpsBookingsReadModel) unmarshalReadModelFromDB(payload []byte) (entity.OpsBooking, error) {
	var dbReadModel entity.OpsBooking
	if err := json.Unmarshal(payload, &dbReadModel); err != nil {
		return entity.OpsBooking{}, err
	}

	if dbReadModel.Tickets == nil {
		dbReadModel.Tickets = map[string]entity.OpsTicket{}
	}
	if dbReadModel.Payments == nil {
		dbReadModel.Payments = map[string]entity.OpsPayment{}
	}

	return dbReadModel, nil
}
