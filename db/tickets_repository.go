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

const ticketColumns = `
	ticket_id, booking_id, seq, token_hash, status, valid_from, valid_until,
	holder_name, scanned_by, scanned_at, created_at
`

type TicketsPostgresRepository struct {
	db *sqlx.DB
}

func NewTicketsPostgresRepository(db *sqlx.DB) *TicketsPostgresRepository {
	if db == nil {
		panic("db must be set")
	}

	return &TicketsPostgresRepository{db: db}
}

func insertTickets(ctx context.Context, tx *sqlx.Tx, tickets []entity.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}

	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO tickets (ticket_id, booking_id, seq, token_hash, status, valid_from, valid_until, holder_name)
		VALUES (:ticket_id, :booking_id, :seq, :token_hash, :status, :valid_from, :valid_until, :holder_name)
	`, tickets)
	if err != nil {
		return fmt.Errorf("could not insert tickets: %w", err)
	}

	return nil
}

func updateTicketsStatus(ctx context.Context, tx *sqlx.Tx, bookingID string, from, to entity.TicketStatus) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tickets SET status = $3 WHERE booking_id = $1 AND status = $2
	`, bookingID, from, to)
	if err != nil {
		return fmt.Errorf("could not update tickets status: %w", err)
	}
	return nil
}

func (r *TicketsPostgresRepository) FindByHash(ctx context.Context, tokenHash string) (entity.Ticket, error) {
	var ticket entity.Ticket
	err := r.db.GetContext(ctx, &ticket, `SELECT `+ticketColumns+` FROM tickets WHERE token_hash = $1`, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Ticket{}, entity.ErrNotFound
	}
	if err != nil {
		return entity.Ticket{}, fmt.Errorf("could not get ticket: %w", err)
	}
	return ticket, nil
}

func (r *TicketsPostgresRepository) FindByID(ctx context.Context, ticketID string) (entity.Ticket, error) {
	var ticket entity.Ticket
	err := r.db.GetContext(ctx, &ticket, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Ticket{}, fmt.Errorf("ticket %s: %w", ticketID, entity.ErrNotFound)
	}
	if err != nil {
		return entity.Ticket{}, fmt.Errorf("could not get ticket: %w", err)
	}
	return ticket, nil
}

func (r *TicketsPostgresRepository) ListByBooking(ctx context.Context, bookingID string) ([]entity.Ticket, error) {
	tickets := []entity.Ticket{}
	err := r.db.SelectContext(ctx, &tickets, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE booking_id = $1
		ORDER BY seq
	`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("could not list tickets: %w", err)
	}
	return tickets, nil
}

// MarkUsed transitions a VALID ticket to USED. It returns false when the ticket
// was not VALID anymore, i.e. another scan won the race.
func (r *TicketsPostgresRepository) MarkUsed(
	ctx context.Context,
	ticketID string,
	staffID string,
	scannedAt time.Time,
) (bool, error) {
	var used bool

	err := UpdateInTx(ctx, r.db, sql.LevelReadCommitted, func(ctx context.Context, tx *sqlx.Tx) error {
		var bookingID string
		err := tx.GetContext(ctx, &bookingID, `
			UPDATE tickets
			SET status = $2, scanned_by = $3, scanned_at = $4
			WHERE ticket_id = $1 AND status = $5
			RETURNING booking_id
		`, ticketID, entity.TicketUsed, staffID, scannedAt, entity.TicketValid)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("could not mark ticket as used: %w", err)
		}

		used = true

		return publishInTx(ctx, tx, entity.TicketScanned_v1{
			Header:    entity.NewEventHeaderWithIdempotencyKey("ticket-scanned-" + ticketID),
			TicketID:  ticketID,
			BookingID: bookingID,
			StaffID:   staffID,
			ScannedAt: scannedAt,
		})
	})
	if err != nil {
		return false, err
	}

	return used, nil
}

func (r *TicketsPostgresRepository) MarkExpired(ctx context.Context, ticketID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tickets SET status = $2 WHERE ticket_id = $1 AND status = $3
	`, ticketID, entity.TicketExpired, entity.TicketValid)
	if err != nil {
		return fmt.Errorf("could not mark ticket as expired: %w", err)
	}
	return nil
}

// EnsureIssued inserts the tickets newFn builds for the sequence numbers the booking is still missing.
// Concurrent calls are serialized on the booking row. It returns only the newly created tickets.
func (r *TicketsPostgresRepository) EnsureIssued(
	ctx context.Context,
	bookingID string,
	newFn func(booking entity.Booking, missingSeqs []int) ([]entity.IssuedTicket, error),
) ([]entity.IssuedTicket, error) {
	var issued []entity.IssuedTicket

	err := UpdateInTx(ctx, r.db, sql.LevelSerializable, func(ctx context.Context, tx *sqlx.Tx) error {
		issued = nil

		booking, err := getBooking(ctx, tx, bookingID, true)
		if err != nil {
			return err
		}
		if booking.Status == entity.BookingCancelled {
			return nil
		}

		var existing []int
		err = tx.SelectContext(ctx, &existing, `SELECT seq FROM tickets WHERE booking_id = $1`, bookingID)
		if err != nil {
			return fmt.Errorf("could not list ticket sequence numbers: %w", err)
		}

		have := make(map[int]bool, len(existing))
		for _, seq := range existing {
			have[seq] = true
		}
		var missing []int
		for seq := 1; seq <= booking.Persons; seq++ {
			if !have[seq] {
				missing = append(missing, seq)
			}
		}
		if len(missing) == 0 {
			return nil
		}

		issued, err = newFn(booking, missing)
		if err != nil {
			return err
		}

		tickets := make([]entity.Ticket, 0, len(issued))
		ticketIDs := make([]string, 0, len(issued))
		for _, t := range issued {
			tickets = append(tickets, t.Ticket)
			ticketIDs = append(ticketIDs, t.Ticket.TicketID)
		}
		if err := insertTickets(ctx, tx, tickets); err != nil {
			return err
		}

		return publishInTx(ctx, tx, entity.TicketsIssued_v1{
			Header:    entity.NewEventHeader(),
			BookingID: bookingID,
			TicketIDs: ticketIDs,
		})
	})
	if err != nil {
		return nil, err
	}

	return issued, nil
}

// RotateHashes replaces the token hashes of VALID tickets; rotated maps ticket id to the new hash.
func (r *TicketsPostgresRepository) RotateHashes(ctx context.Context, bookingID string, rotated map[string]string) error {
	return UpdateInTx(ctx, r.db, sql.LevelReadCommitted, func(ctx context.Context, tx *sqlx.Tx) error {
		for ticketID, hash := range rotated {
			res, err := tx.ExecContext(ctx, `
				UPDATE tickets SET token_hash = $3
				WHERE ticket_id = $1 AND booking_id = $2 AND status = $4
			`, ticketID, bookingID, hash, entity.TicketValid)
			if err != nil {
				return fmt.Errorf("could not rotate ticket token: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return fmt.Errorf("ticket %s is no longer valid: %w", ticketID, entity.ErrConflict)
			}
		}
		return nil
	})
}
