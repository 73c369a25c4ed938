package db

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

func newPayment(booking entity.Booking, method entity.PaymentMethod) entity.Payment {
	return entity.Payment{
		PaymentID:   uuid.NewString(),
		UserID:      booking.UserID,
		PayableKind: entity.PayableBooking,
		PayableID:   booking.BookingID,
		BookingID:   &booking.BookingID,
		Amount:      booking.TotalPrice,
		Currency:    booking.Currency,
		Method:      method,
		Status:      entity.PaymentPending,
	}
}

func noNewBooking(entity.EventRequest) (entity.Booking, []entity.IssuedTicket, error) {
	panic("unexpected event request")
}

func TestPaymentsRepository_Confirm_wallet_is_idempotent(t *testing.T) {
	ctx := context.Background()
	userID := uuid.NewString()
	booking := storePendingBooking(t, userID, 2, decimal.NewFromInt(120))

	wallets := NewWalletPostgresRepository(GetDb(t))
	_, err := wallets.Credit(ctx, entity.WalletMutation{UserID: userID, Amount: decimal.NewFromInt(200), Reason: "top-up"})
	require.NoError(t, err)

	repo := NewPaymentsPostgresRepository(GetDb(t))
	payment := newPayment(booking, entity.MethodWallet)
	require.NoError(t, repo.Create(ctx, payment))

	first, err := repo.Confirm(ctx, payment.PaymentID, "", noNewBooking)
	require.NoError(t, err)
	assert.False(t, first.AlreadyCompleted)
	assert.Equal(t, entity.PaymentCompleted, first.Payment.Status)
	assert.Equal(t, payment.PaymentID, first.SideEffects.PaymentID)
	assert.NotEmpty(t, first.SideEffects.EventID)

	second, err := repo.Confirm(ctx, payment.PaymentID, "", noNewBooking)
	require.NoError(t, err)
	assert.True(t, second.AlreadyCompleted)
	assert.Empty(t, second.SideEffects.Steps)

	wallet, err := wallets.Get(ctx, userID)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(80)), wallet.Balance.String())

	stored, err := NewBookingsPostgresRepository(GetDb(t)).Get(ctx, booking.BookingID)
	require.NoError(t, err)
	assert.Equal(t, entity.BookingConfirmed, stored.Status)
}

func TestPaymentsRepository_Confirm_wallet_insufficient_balance(t *testing.T) {
	ctx := context.Background()
	userID := uuid.NewString()
	booking := storePendingBooking(t, userID, 1, decimal.NewFromInt(500))

	repo := NewPaymentsPostgresRepository(GetDb(t))
	payment := newPayment(booking, entity.MethodWallet)
	require.NoError(t, repo.Create(ctx, payment))

	_, err := repo.Confirm(ctx, payment.PaymentID, "", noNewBooking)
	assert.ErrorIs(t, err, entity.ErrInsufficientBalance)

	stored, err := repo.Get(ctx, payment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentFailed, stored.Status)

	bookingAfter, err := NewBookingsPostgresRepository(GetDb(t)).Get(ctx, booking.BookingID)
	require.NoError(t, err)
	assert.Equal(t, entity.BookingPending, bookingAfter.Status)

	rows, err := NewWalletPostgresRepository(GetDb(t)).Transactions(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, entity.WalletTxFailed, rows[0].Status)
}

func TestPaymentsRepository_Refund(t *testing.T) {
	ctx := context.Background()
	userID := uuid.NewString()
	booking := storePendingBooking(t, userID, 2, decimal.NewFromInt(300))

	repo := NewPaymentsPostgresRepository(GetDb(t))
	payment := newPayment(booking, entity.MethodCash)
	require.NoError(t, repo.Create(ctx, payment))

	_, err := repo.Confirm(ctx, payment.PaymentID, "", noNewBooking)
	require.NoError(t, err)

	_, err = repo.Refund(ctx, payment.PaymentID, decimal.NewFromInt(301), "staff")
	assert.ErrorIs(t, err, entity.ErrInvalidRefundAmount)

	partial, err := repo.Refund(ctx, payment.PaymentID, decimal.NewFromInt(100), "staff")
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentPartiallyRefunded, partial.Payment.Status)
	assert.False(t, partial.BookingCancelled)

	full, err := repo.Refund(ctx, payment.PaymentID, decimal.NewFromInt(200), "staff")
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentRefunded, full.Payment.Status)
	assert.True(t, full.BookingCancelled)

	stored, err := NewBookingsPostgresRepository(GetDb(t)).Get(ctx, booking.BookingID)
	require.NoError(t, err)
	assert.Equal(t, entity.BookingCancelled, stored.Status)

	_, err = repo.Refund(ctx, payment.PaymentID, decimal.NewFromInt(1), "staff")
	assert.ErrorIs(t, err, entity.ErrPaymentNotRefundable)
}

func TestPaymentsRepository_FindActive(t *testing.T) {
	ctx := context.Background()
	booking := storePendingBooking(t, uuid.NewString(), 1, decimal.NewFromInt(100))
	repo := NewPaymentsPostgresRepository(GetDb(t))

	_, found, err := repo.FindActive(ctx, entity.PayableBooking, booking.BookingID, entity.MethodCard)
	require.NoError(t, err)
	assert.False(t, found)

	payment := newPayment(booking, entity.MethodCard)
	require.NoError(t, repo.Create(ctx, payment))
	ref := "chrg_test_1"
	require.NoError(t, repo.MarkProcessing(ctx, payment.PaymentID, &ref, nil))

	active, found, err := repo.FindActive(ctx, entity.PayableBooking, booking.BookingID, entity.MethodCard)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, payment.PaymentID, active.PaymentID)
	assert.Equal(t, entity.PaymentProcessing, active.Status)

	failed, err := repo.MarkFailed(ctx, payment.PaymentID, "declined")
	require.NoError(t, err)
	assert.True(t, failed)

	_, found, err = repo.FindActive(ctx, entity.PayableBooking, booking.BookingID, entity.MethodCard)
	require.NoError(t, err)
	assert.False(t, found)
}
