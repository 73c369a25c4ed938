package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

const paymentColumns = `
	payment_id, user_id, payable_kind, payable_id, booking_id, amount, currency, method, status,
	gateway_ref, redirect_url, transaction_id, refunded_amount, failure_reason, bypassed,
	created_at, updated_at, completed_at
`

type PaymentsPostgresRepository struct {
	db *sqlx.DB
}

func NewPaymentsPostgresRepository(db *sqlx.DB) *PaymentsPostgresRepository {
	if db == nil {
		panic("db must be set")
	}

	return &PaymentsPostgresRepository{db: db}
}

// FindPayable loads the payment-relevant view of a booking or an event request.
func (r *PaymentsPostgresRepository) FindPayable(ctx context.Context, kind entity.PayableKind, id string) (entity.Payable, error) {
	switch kind {
	case entity.PayableBooking:
		booking, err := getBooking(ctx, r.db, id, false)
		if err != nil {
			return entity.Payable{}, err
		}
		return entity.Payable{
			Kind:     kind,
			ID:       id,
			UserID:   booking.UserID,
			Amount:   booking.TotalPrice,
			Currency: booking.Currency,
			Payable:  booking.Status == entity.BookingPending,
		}, nil
	case entity.PayableEventRequest:
		request, err := getEventRequest(ctx, r.db, id, false)
		if err != nil {
			return entity.Payable{}, err
		}
		return entity.Payable{
			Kind:     kind,
			ID:       id,
			UserID:   request.UserID,
			Amount:   request.QuotedPrice,
			Currency: request.Currency,
			Payable:  request.Status == entity.EventRequestQuoted,
		}, nil
	default:
		return entity.Payable{}, fmt.Errorf("payable kind %q: %w", kind, entity.ErrNotFound)
	}
}

func (r *PaymentsPostgresRepository) Create(ctx context.Context, payment entity.Payment) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO payments (
			payment_id, user_id, payable_kind, payable_id, booking_id, amount, currency, method, status,
			gateway_ref, redirect_url, bypassed
		) VALUES (
			:payment_id, :user_id, :payable_kind, :payable_id, :booking_id, :amount, :currency, :method, :status,
			:gateway_ref, :redirect_url, :bypassed
		)
	`, payment)
	if err != nil {
		return fmt.Errorf("could not create payment: %w", err)
	}
	return nil
}

func (r *PaymentsPostgresRepository) Get(ctx context.Context, paymentID string) (entity.Payment, error) {
	return getPayment(ctx, r.db, paymentID, false)
}

func getPayment(ctx context.Context, db dbExecutor, paymentID string, forUpdate bool) (entity.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var payment entity.Payment
	err := db.GetContext(ctx, &payment, query, paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Payment{}, fmt.Errorf("payment %s: %w", paymentID, entity.ErrNotFound)
	}
	if err != nil {
		return entity.Payment{}, fmt.Errorf("could not get payment: %w", err)
	}

	return payment, nil
}

// FindActive returns the PENDING or PROCESSING payment of the payable for the method, if any.
func (r *PaymentsPostgresRepository) FindActive(
	ctx context.Context,
	kind entity.PayableKind,
	payableID string,
	method entity.PaymentMethod,
) (entity.Payment, bool, error) {
	var payment entity.Payment
	err := r.db.GetContext(ctx, &payment, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE payable_kind = $1 AND payable_id = $2 AND method = $3 AND status IN ($4, $5)
		ORDER BY created_at DESC
		LIMIT 1
	`, kind, payableID, method, entity.PaymentPending, entity.PaymentProcessing)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Payment{}, false, nil
	}
	if err != nil {
		return entity.Payment{}, false, fmt.Errorf("could not find active payment: %w", err)
	}
	return payment, true, nil
}

// MarkProcessing records the gateway charge of a payment awaiting settlement.
func (r *PaymentsPostgresRepository) MarkProcessing(ctx context.Context, paymentID string, gatewayRef, redirectURL *string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $2, gateway_ref = COALESCE($3, gateway_ref), redirect_url = COALESCE($4, redirect_url), updated_at = NOW()
		WHERE payment_id = $1 AND status IN ($5, $2)
	`, paymentID, entity.PaymentProcessing, gatewayRef, redirectURL, entity.PaymentPending)
	if err != nil {
		return fmt.Errorf("could not mark payment as processing: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("payment %s is not active: %w", paymentID, entity.ErrPaymentNotConfirmable)
	}
	return nil
}

// MarkFailed fails an active payment. It reports false when the payment was already terminal.
func (r *PaymentsPostgresRepository) MarkFailed(ctx context.Context, paymentID string, reason string) (bool, error) {
	var failed bool

	err := UpdateInTx(ctx, r.db, sql.LevelReadCommitted, func(ctx context.Context, tx *sqlx.Tx) error {
		payment, err := getPayment(ctx, tx, paymentID, true)
		if err != nil {
			return err
		}
		if !payment.Status.IsActive() {
			return nil
		}

		failed = true
		return failPaymentInTx(ctx, tx, payment, reason)
	})
	if err != nil {
		return false, err
	}

	return failed, nil
}

func failPaymentInTx(ctx context.Context, tx *sqlx.Tx, payment entity.Payment, reason string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE payments SET status = $2, failure_reason = $3, updated_at = NOW() WHERE payment_id = $1
	`, payment.PaymentID, entity.PaymentFailed, reason)
	if err != nil {
		return fmt.Errorf("could not mark payment as failed: %w", err)
	}

	return publishInTx(ctx, tx, entity.PaymentFailed_v1{
		Header:    entity.NewEventHeaderWithIdempotencyKey("payment-failed-" + payment.PaymentID),
		PaymentID: payment.PaymentID,
		UserID:    payment.UserID,
		Reason:    reason,
	})
}

// NewBookingFn builds the booking and tickets of an event request paid before it had a booking.
type NewBookingFn func(request entity.EventRequest) (entity.Booking, []entity.IssuedTicket, error)

// Confirm settles an active payment in one serializable transaction: the wallet debit (for wallet
// payments), the payment and payable status, the booking and tickets of an event request, and the
// outbox events driving the post-commit steps.
//
// A completed payment is returned with AlreadyCompleted set and nothing is changed.
// A wallet payment with insufficient balance is failed, committed, and ErrInsufficientBalance is returned.
func (r *PaymentsPostgresRepository) Confirm(
	ctx context.Context,
	paymentID string,
	transactionID string,
	newBookingFn NewBookingFn,
) (entity.PaymentConfirmation, error) {
	var (
		confirmation entity.PaymentConfirmation
		paymentErr   error
	)

	err := UpdateInTx(ctx, r.db, sql.LevelSerializable, func(ctx context.Context, tx *sqlx.Tx) error {
		confirmation = entity.PaymentConfirmation{}
		paymentErr = nil

		payment, err := getPayment(ctx, tx, paymentID, true)
		if err != nil {
			return err
		}
		if payment.Status.IsSettled() {
			confirmation = entity.PaymentConfirmation{Payment: payment, AlreadyCompleted: true}
			return nil
		}
		if !payment.Status.IsActive() {
			return fmt.Errorf("payment %s is %s: %w", paymentID, payment.Status, entity.ErrPaymentNotConfirmable)
		}

		// The debit goes first, so a failed one commits nothing but its ledger row and the failed payment.
		if payment.Method == entity.MethodWallet {
			ledgerRow, err := debitWalletInTx(ctx, tx, entity.WalletMutation{
				UserID:    payment.UserID,
				Amount:    payment.Amount,
				Reason:    "booking payment",
				BookingID: payment.BookingID,
				PaymentID: &payment.PaymentID,
			})
			if errors.Is(err, entity.ErrInsufficientBalance) {
				paymentErr = err
				return failPaymentInTx(ctx, tx, payment, *ledgerRow.FailureReason)
			}
			if err != nil {
				return err
			}
			transactionID = ledgerRow.TransactionID
		}

		bookingID, tickets, err := confirmPayableInTx(ctx, tx, payment, newBookingFn)
		if err != nil {
			return err
		}
		payment.BookingID = &bookingID

		if transactionID == "" {
			transactionID = uuid.NewString()
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE payments
			SET status = $2, transaction_id = $3, booking_id = $4, completed_at = $5, updated_at = $5
			WHERE payment_id = $1
		`, paymentID, entity.PaymentCompleted, transactionID, bookingID, now)
		if err != nil {
			return fmt.Errorf("could not complete payment: %w", err)
		}
		payment.Status = entity.PaymentCompleted
		payment.TransactionID = &transactionID
		payment.CompletedAt = &now
		payment.UpdatedAt = now

		completed := entity.PaymentCompleted_v1{
			Header:      entity.NewEventHeaderWithIdempotencyKey("payment-completed-" + paymentID),
			PaymentID:   paymentID,
			UserID:      payment.UserID,
			BookingID:   bookingID,
			PayableKind: payment.PayableKind,
			PayableID:   payment.PayableID,
			Amount:      payment.Amount,
			Currency:    payment.Currency,
			Method:      payment.Method,
		}
		err = publishInTx(ctx, tx, completed, entity.BookingConfirmed_v1{
			Header:    entity.NewEventHeaderWithIdempotencyKey("booking-confirmed-" + bookingID),
			BookingID: bookingID,
			UserID:    payment.UserID,
			PaymentID: paymentID,
		})
		if err != nil {
			return err
		}

		confirmation = entity.PaymentConfirmation{
			Payment: payment,
			Tickets: tickets,
			SideEffects: entity.SideEffectsHandle{
				PaymentID: paymentID,
				EventID:   completed.Header.ID,
				Steps:     entity.PaymentSideEffectSteps,
			},
		}
		return nil
	})
	if err != nil {
		return entity.PaymentConfirmation{}, err
	}
	if paymentErr != nil {
		return entity.PaymentConfirmation{}, paymentErr
	}

	return confirmation, nil
}

// confirmPayableInTx marks the payable CONFIRMED and returns the booking the payment pays for.
func confirmPayableInTx(
	ctx context.Context,
	tx *sqlx.Tx,
	payment entity.Payment,
	newBookingFn NewBookingFn,
) (string, []entity.IssuedTicket, error) {
	switch payment.PayableKind {
	case entity.PayableBooking:
		booking, err := getBooking(ctx, tx, payment.PayableID, true)
		if err != nil {
			return "", nil, err
		}
		if booking.Status != entity.BookingPending {
			return "", nil, fmt.Errorf("booking %s is %s: %w", booking.BookingID, booking.Status, entity.ErrPayableNotPayable)
		}

		_, err = tx.ExecContext(ctx, `UPDATE bookings SET status = $2 WHERE booking_id = $1`, booking.BookingID, entity.BookingConfirmed)
		if err != nil {
			return "", nil, fmt.Errorf("could not confirm booking: %w", err)
		}
		return booking.BookingID, nil, nil

	case entity.PayableEventRequest:
		request, err := getEventRequest(ctx, tx, payment.PayableID, true)
		if err != nil {
			return "", nil, err
		}
		if request.Status != entity.EventRequestQuoted {
			return "", nil, fmt.Errorf("event request %s is %s: %w", request.EventRequestID, request.Status, entity.ErrPayableNotPayable)
		}

		var (
			bookingID string
			issued    []entity.IssuedTicket
		)
		if request.BookingID != nil {
			bookingID = *request.BookingID
		} else {
			booking, newTickets, err := newBookingFn(request)
			if err != nil {
				return "", nil, fmt.Errorf("could not build event request booking: %w", err)
			}
			booking.Status = entity.BookingConfirmed
			if err := insertBooking(ctx, tx, booking); err != nil {
				return "", nil, err
			}

			tickets := make([]entity.Ticket, 0, len(newTickets))
			ticketIDs := make([]string, 0, len(newTickets))
			for _, t := range newTickets {
				tickets = append(tickets, t.Ticket)
				ticketIDs = append(ticketIDs, t.Ticket.TicketID)
			}
			if err := insertTickets(ctx, tx, tickets); err != nil {
				return "", nil, err
			}

			err = publishInTx(ctx, tx, bookingCreated(booking), entity.TicketsIssued_v1{
				Header:    entity.NewEventHeader(),
				BookingID: booking.BookingID,
				TicketIDs: ticketIDs,
			})
			if err != nil {
				return "", nil, err
			}
			bookingID = booking.BookingID
			issued = newTickets
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE event_requests SET status = $2, booking_id = $3 WHERE event_request_id = $1
		`, request.EventRequestID, entity.EventRequestConfirmed, bookingID)
		if err != nil {
			return "", nil, fmt.Errorf("could not confirm event request: %w", err)
		}
		return bookingID, issued, nil

	default:
		return "", nil, fmt.Errorf("payable kind %q: %w", payment.PayableKind, entity.ErrNotFound)
	}
}

// Refund records a refund of amount in one transaction. Wallet payments are credited back to the
// wallet; a full refund cancels the booking if it is still CONFIRMED.
func (r *PaymentsPostgresRepository) Refund(
	ctx context.Context,
	paymentID string,
	amount decimal.Decimal,
	refundedBy string,
) (entity.Refund, error) {
	var refund entity.Refund

	err := UpdateInTx(ctx, r.db, sql.LevelSerializable, func(ctx context.Context, tx *sqlx.Tx) error {
		payment, err := getPayment(ctx, tx, paymentID, true)
		if err != nil {
			return err
		}
		if payment.Status != entity.PaymentCompleted && payment.Status != entity.PaymentPartiallyRefunded {
			return fmt.Errorf("payment %s is %s: %w", paymentID, payment.Status, entity.ErrPaymentNotRefundable)
		}
		remaining := payment.RemainingRefundable()
		if !amount.IsPositive() || amount.GreaterThan(remaining) {
			return entity.ErrInvalidRefundAmount
		}

		if payment.Method == entity.MethodWallet {
			_, err := creditWalletInTx(ctx, tx, entity.WalletMutation{
				UserID:    payment.UserID,
				Amount:    amount,
				Reason:    "payment refund",
				BookingID: payment.BookingID,
				PaymentID: &payment.PaymentID,
			})
			if err != nil {
				return err
			}
		}

		refunded := payment.RefundedAmount.Add(amount)
		fullRefund := refunded.Equal(payment.Amount)
		status := entity.PaymentPartiallyRefunded
		if fullRefund {
			status = entity.PaymentRefunded
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE payments SET status = $2, refunded_amount = $3, updated_at = NOW() WHERE payment_id = $1
		`, paymentID, status, refunded)
		if err != nil {
			return fmt.Errorf("could not refund payment: %w", err)
		}
		payment.Status = status
		payment.RefundedAmount = refunded

		refund = entity.Refund{Payment: payment, Amount: amount}

		var bookingID string
		if payment.BookingID != nil {
			bookingID = *payment.BookingID
		}

		if fullRefund && bookingID != "" {
			booking, err := getBooking(ctx, tx, bookingID, true)
			if err != nil {
				return err
			}
			if booking.Status == entity.BookingConfirmed {
				if _, err := cancelBookingInTx(ctx, tx, booking, refundedBy, "payment refunded"); err != nil {
					return err
				}
				refund.BookingCancelled = true
			}
		}

		return publishInTx(ctx, tx, entity.PaymentRefunded_v1{
			Header:     entity.NewEventHeader(),
			PaymentID:  paymentID,
			UserID:     payment.UserID,
			BookingID:  bookingID,
			Amount:     amount,
			FullRefund: fullRefund,
		})
	})
	if err != nil {
		return entity.Refund{}, err
	}

	return refund, nil
}

// BookingUsage returns the booking a payment paid for and how many of its tickets were scanned.
func (r *PaymentsPostgresRepository) BookingUsage(ctx context.Context, bookingID string) (entity.Booking, int, error) {
	booking, err := getBooking(ctx, r.db, bookingID, false)
	if err != nil {
		return entity.Booking{}, 0, err
	}

	var used int
	err = r.db.GetContext(ctx, &used, `
		SELECT COUNT(*) FROM tickets WHERE booking_id = $1 AND status = $2
	`, bookingID, entity.TicketUsed)
	if err != nil {
		return entity.Booking{}, 0, fmt.Errorf("could not count used tickets: %w", err)
	}

	return booking, used, nil
}

// RefundCaptured records the full refund of a gateway charge captured for a payment that could
// not complete: it failed before the charge succeeded, or its payable stopped awaiting payment.
// It reports false when the payment was already settled and nothing changed.
func (r *PaymentsPostgresRepository) RefundCaptured(ctx context.Context, paymentID, chargeID, reason string) (bool, error) {
	var refunded bool

	err := UpdateInTx(ctx, r.db, sql.LevelReadCommitted, func(ctx context.Context, tx *sqlx.Tx) error {
		refunded = false

		payment, err := getPayment(ctx, tx, paymentID, true)
		if err != nil {
			return err
		}
		if payment.Status.IsSettled() {
			return nil
		}
		if !payment.Status.CanTransitionTo(entity.PaymentRefunded) {
			return fmt.Errorf("payment %s is %s: %w", paymentID, payment.Status, entity.ErrPaymentNotRefundable)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE payments
			SET status = $2, gateway_ref = COALESCE(gateway_ref, $3), transaction_id = $3,
				refunded_amount = amount, failure_reason = $4, updated_at = NOW()
			WHERE payment_id = $1
		`, paymentID, entity.PaymentRefunded, chargeID, reason)
		if err != nil {
			return fmt.Errorf("could not refund captured charge: %w", err)
		}
		refunded = true

		return publishInTx(ctx, tx, entity.PaymentRefunded_v1{
			Header:     entity.NewEventHeaderWithIdempotencyKey("payment-refunded-captured-" + paymentID),
			PaymentID:  paymentID,
			UserID:     payment.UserID,
			BookingID:  lo.FromPtr(payment.BookingID),
			Amount:     payment.Amount,
			FullRefund: true,
		})
	})
	if err != nil {
		return false, err
	}

	return refunded, nil
}

// ListStaleProcessing returns gateway payments still PROCESSING that were last updated before olderThan.
func (r *PaymentsPostgresRepository) ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]entity.Payment, error) {
	payments := []entity.Payment{}
	err := r.db.SelectContext(ctx, &payments, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, entity.PaymentProcessing, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("could not list processing payments: %w", err)
	}
	return payments, nil
}
