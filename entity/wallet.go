package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type Wallet struct {
	WalletID          string          `json:"wallet_id" db:"wallet_id"`
	UserID            string          `json:"user_id" db:"user_id"`
	Balance           decimal.Decimal `json:"balance" db:"balance"`
	TotalEarned       decimal.Decimal `json:"total_earned" db:"total_earned"`
	TotalSpent        decimal.Decimal `json:"total_spent" db:"total_spent"`
	LoyaltyPoints     int64           `json:"loyalty_points" db:"loyalty_points"`
	LastTransactionAt *time.Time      `json:"last_transaction_at,omitempty" db:"last_transaction_at"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

type WalletTransactionType string

const (
	WalletDeposit    WalletTransactionType = "deposit"
	WalletWithdrawal WalletTransactionType = "withdrawal"
)

type WalletTransactionStatus string

const (
	WalletTxSuccess WalletTransactionStatus = "success"
	WalletTxFailed  WalletTransactionStatus = "failed"
	WalletTxPending WalletTransactionStatus = "pending"
)

type WalletTransaction struct {
	TransactionID string                  `json:"transaction_id" db:"transaction_id"`
	WalletID      string                  `json:"wallet_id" db:"wallet_id"`
	Type          WalletTransactionType   `json:"type" db:"type"`
	Amount        decimal.Decimal         `json:"amount" db:"amount"`
	Status        WalletTransactionStatus `json:"status" db:"status"`
	BookingID     *string                 `json:"booking_id,omitempty" db:"booking_id"`
	PaymentID     *string                 `json:"payment_id,omitempty" db:"payment_id"`
	Reason        string                  `json:"reason" db:"reason"`
	FailureReason *string                 `json:"failure_reason,omitempty" db:"failure_reason"`
	BalanceAfter  decimal.Decimal         `json:"balance_after" db:"balance_after"`
	CreatedAt     time.Time               `json:"created_at" db:"created_at"`
}

// WalletMutation describes one credit or debit request against the ledger.
type WalletMutation struct {
	UserID    string
	Amount    decimal.Decimal
	Reason    string
	BookingID *string
	PaymentID *string
}
