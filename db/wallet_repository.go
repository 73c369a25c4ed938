package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

const walletColumns = `
	wallet_id, user_id, balance, total_earned, total_spent, loyalty_points, last_transaction_at, created_at
`

// WalletPostgresRepository is the wallet ledger. Every balance change is written together
// with exactly one wallet_transactions row, while the wallet row is locked.
type WalletPostgresRepository struct {
	db *sqlx.DB
}

func NewWalletPostgresRepository(db *sqlx.DB) *WalletPostgresRepository {
	if db == nil {
		panic("db must be set")
	}

	return &WalletPostgresRepository{db: db}
}

func (r *WalletPostgresRepository) Get(ctx context.Context, userID string) (entity.Wallet, error) {
	var wallet entity.Wallet

	err := UpdateInTx(ctx, r.db, sql.LevelReadCommitted, func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		wallet, err = lockWallet(ctx, tx, userID)
		return err
	})
	if err != nil {
		return entity.Wallet{}, err
	}

	return wallet, nil
}

func (r *WalletPostgresRepository) Credit(ctx context.Context, mutation entity.WalletMutation) (entity.WalletTransaction, error) {
	var row entity.WalletTransaction

	err := UpdateInTx(ctx, r.db, sql.LevelReadCommitted, func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		row, err = creditWalletInTx(ctx, tx, mutation)
		return err
	})
	if err != nil {
		return entity.WalletTransaction{}, err
	}

	return row, nil
}

// Debit withdraws from the wallet. When the balance is too low, a FAILED ledger row is committed,
// the balance is left untouched and ErrInsufficientBalance is returned along with that row.
func (r *WalletPostgresRepository) Debit(ctx context.Context, mutation entity.WalletMutation) (entity.WalletTransaction, error) {
	var (
		row      entity.WalletTransaction
		debitErr error
	)

	err := UpdateInTx(ctx, r.db, sql.LevelReadCommitted, func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		row, err = debitWalletInTx(ctx, tx, mutation)
		if errors.Is(err, entity.ErrInsufficientBalance) {
			debitErr = err
			return nil
		}
		return err
	})
	if err != nil {
		return entity.WalletTransaction{}, err
	}

	return row, debitErr
}

// Transactions returns the wallet's ledger, most recent first.
func (r *WalletPostgresRepository) Transactions(ctx context.Context, userID string, limit int) ([]entity.WalletTransaction, error) {
	rows := []entity.WalletTransaction{}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT t.transaction_id, t.wallet_id, t.type, t.amount, t.status, t.booking_id, t.payment_id,
			t.reason, t.failure_reason, t.balance_after, t.created_at
		FROM wallet_transactions t
		JOIN wallets w ON w.wallet_id = t.wallet_id
		WHERE w.user_id = $1
		ORDER BY t.created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("could not list wallet transactions: %w", err)
	}
	return rows, nil
}

// lockWallet returns the user's wallet locked FOR UPDATE, creating it on first use.
func lockWallet(ctx context.Context, tx *sqlx.Tx, userID string) (entity.Wallet, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (wallet_id, user_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, uuid.NewString(), userID)
	if err != nil {
		return entity.Wallet{}, fmt.Errorf("could not create wallet: %w", err)
	}

	var wallet entity.Wallet
	err = tx.GetContext(ctx, &wallet, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID)
	if err != nil {
		return entity.Wallet{}, fmt.Errorf("could not lock wallet: %w", err)
	}

	return wallet, nil
}

func creditWalletInTx(ctx context.Context, tx *sqlx.Tx, mutation entity.WalletMutation) (entity.WalletTransaction, error) {
	if !mutation.Amount.IsPositive() {
		return entity.WalletTransaction{}, entity.ErrInvalidAmount
	}

	wallet, err := lockWallet(ctx, tx, mutation.UserID)
	if err != nil {
		return entity.WalletTransaction{}, err
	}

	now := time.Now().UTC()
	balance := wallet.Balance.Add(mutation.Amount)

	_, err = tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = $2, total_earned = total_earned + $3, last_transaction_at = $4
		WHERE wallet_id = $1
	`, wallet.WalletID, balance, mutation.Amount, now)
	if err != nil {
		return entity.WalletTransaction{}, fmt.Errorf("could not credit wallet: %w", err)
	}

	return insertWalletTransaction(ctx, tx, wallet, entity.WalletDeposit, entity.WalletTxSuccess, mutation, nil, balance, now)
}

func debitWalletInTx(ctx context.Context, tx *sqlx.Tx, mutation entity.WalletMutation) (entity.WalletTransaction, error) {
	if !mutation.Amount.IsPositive() {
		return entity.WalletTransaction{}, entity.ErrInvalidAmount
	}

	wallet, err := lockWallet(ctx, tx, mutation.UserID)
	if err != nil {
		return entity.WalletTransaction{}, err
	}

	now := time.Now().UTC()

	if wallet.Balance.LessThan(mutation.Amount) {
		reason := fmt.Sprintf("insufficient balance: %s < %s", wallet.Balance.StringFixed(2), mutation.Amount.StringFixed(2))
		row, err := insertWalletTransaction(ctx, tx, wallet, entity.WalletWithdrawal, entity.WalletTxFailed, mutation, &reason, wallet.Balance, now)
		if err != nil {
			return entity.WalletTransaction{}, err
		}
		return row, entity.ErrInsufficientBalance
	}

	balance := wallet.Balance.Sub(mutation.Amount)

	_, err = tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = $2, total_spent = total_spent + $3, last_transaction_at = $4
		WHERE wallet_id = $1
	`, wallet.WalletID, balance, mutation.Amount, now)
	if err != nil {
		return entity.WalletTransaction{}, fmt.Errorf("could not debit wallet: %w", err)
	}

	return insertWalletTransaction(ctx, tx, wallet, entity.WalletWithdrawal, entity.WalletTxSuccess, mutation, nil, balance, now)
}

func insertWalletTransaction(
	ctx context.Context,
	tx *sqlx.Tx,
	wallet entity.Wallet,
	txType entity.WalletTransactionType,
	status entity.WalletTransactionStatus,
	mutation entity.WalletMutation,
	failureReason *string,
	balanceAfter decimal.Decimal,
	now time.Time,
) (entity.WalletTransaction, error) {
	row := entity.WalletTransaction{
		TransactionID: uuid.NewString(),
		WalletID:      wallet.WalletID,
		Type:          txType,
		Amount:        mutation.Amount,
		Status:        status,
		BookingID:     mutation.BookingID,
		PaymentID:     mutation.PaymentID,
		Reason:        mutation.Reason,
		FailureReason: failureReason,
		BalanceAfter:  balanceAfter,
		CreatedAt:     now,
	}

	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO wallet_transactions (
			transaction_id, wallet_id, type, amount, status, booking_id, payment_id,
			reason, failure_reason, balance_after, created_at
		) VALUES (
			:transaction_id, :wallet_id, :type, :amount, :status, :booking_id, :payment_id,
			:reason, :failure_reason, :balance_after, :created_at
		)
	`, row)
	if err != nil {
		return entity.WalletTransaction{}, fmt.Errorf("could not insert wallet transaction: %w", err)
	}

	return row, nil
}
