package wallet_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zezo2030/loopmsq-sub000/db"
	"github.com/zezo2030/loopmsq-sub000/entity"
	"github.com/zezo2030/loopmsq-sub000/wallet"
)

var staff = entity.AuthContext{UserID: "staff-1", Roles: []entity.Role{entity.RoleStaff}}

func TestService(t *testing.T) {
	ctx := context.Background()
	svc := wallet.NewService(db.NewWalletPostgresRepository(db.GetDb(t)))

	userID := uuid.NewString()
	owner := entity.AuthContext{UserID: userID, Roles: []entity.Role{entity.RoleCustomer}}

	_, err := svc.Credit(ctx, owner, userID, decimal.NewFromInt(100), "self top-up")
	assert.ErrorIs(t, err, entity.ErrForbidden)

	_, err = svc.Credit(ctx, staff, userID, decimal.Zero, "nothing")
	assert.ErrorIs(t, err, entity.ErrInvalidAmount)

	_, err = svc.Credit(ctx, staff, userID, decimal.NewFromInt(100), "top-up")
	require.NoError(t, err)

	row, err := svc.Debit(ctx, userID, decimal.NewFromInt(150), "booking-1")
	assert.ErrorIs(t, err, entity.ErrInsufficientBalance)
	assert.Equal(t, entity.WalletTxFailed, row.Status)
	require.NotNil(t, row.FailureReason)

	row, err = svc.Debit(ctx, userID, decimal.NewFromInt(60), "booking-2")
	require.NoError(t, err)
	assert.Equal(t, entity.WalletTxSuccess, row.Status)
	assert.True(t, decimal.NewFromInt(40).Equal(row.BalanceAfter))

	w, err := svc.Balance(ctx, owner, userID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(40).Equal(w.Balance))
	assert.True(t, decimal.NewFromInt(100).Equal(w.TotalEarned))
	assert.True(t, decimal.NewFromInt(60).Equal(w.TotalSpent))

	_, err = svc.Balance(ctx, entity.AuthContext{UserID: "stranger"}, userID)
	assert.ErrorIs(t, err, entity.ErrForbidden)

	rows, err := svc.Transactions(ctx, owner, userID, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3, "one ledger row per attempt, failed ones included")
	assert.Equal(t, entity.WalletWithdrawal, rows[0].Type)
	assert.Equal(t, entity.WalletTxSuccess, rows[0].Status)
}
