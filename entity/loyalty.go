package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type LoyaltyRule struct {
	RuleID          string          `json:"rule_id" db:"rule_id"`
	Name            string          `json:"name" db:"name"`
	EarnRate        decimal.Decimal `json:"earn_rate" db:"earn_rate"`
	RedeemRate      decimal.Decimal `json:"redeem_rate" db:"redeem_rate"`
	MinRedeemPoints int64           `json:"min_redeem_points" db:"min_redeem_points"`
	Active          bool            `json:"active" db:"active"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

func (r LoyaltyRule) Validate() error {
	if r.EarnRate.IsNegative() || !r.RedeemRate.IsPositive() || r.MinRedeemPoints < 0 {
		return ErrInvalidLoyaltyRule
	}
	return nil
}

// PointsFor returns floor(amount * earn rate).
func (r LoyaltyRule) PointsFor(amount decimal.Decimal) int64 {
	return amount.Mul(r.EarnRate).Floor().IntPart()
}

// ValueOf converts points into wallet currency.
func (r LoyaltyRule) ValueOf(points int64) decimal.Decimal {
	return decimal.NewFromInt(points).Mul(r.RedeemRate).Round(2)
}

type LoyaltyTransactionType string

const (
	LoyaltyEarn    LoyaltyTransactionType = "earn"
	LoyaltyBurn    LoyaltyTransactionType = "burn"
	LoyaltyBonus   LoyaltyTransactionType = "bonus"
	LoyaltyPenalty LoyaltyTransactionType = "penalty"
)

type LoyaltyTransaction struct {
	TransactionID   string                 `json:"transaction_id" db:"transaction_id"`
	WalletID        string                 `json:"wallet_id" db:"wallet_id"`
	Type            LoyaltyTransactionType `json:"type" db:"type"`
	Points          int64                  `json:"points" db:"points"`
	SourcePaymentID *string                `json:"source_payment_id,omitempty" db:"source_payment_id"`
	RuleID          string                 `json:"rule_id" db:"rule_id"`
	Note            string                 `json:"note" db:"note"`
	CreatedAt       time.Time              `json:"created_at" db:"created_at"`
}

type Redemption struct {
	Points        int64           `json:"points"`
	Credited      decimal.Decimal `json:"credited"`
	PointsBalance int64           `json:"points_balance"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
}

type ReferralEarningStatus string

const (
	ReferralPending  ReferralEarningStatus = "PENDING"
	ReferralApproved ReferralEarningStatus = "APPROVED"
	ReferralRejected ReferralEarningStatus = "REJECTED"
)

type Referral struct {
	ReferrerID string    `json:"referrer_id" db:"referrer_id"`
	RefereeID  string    `json:"referee_id" db:"referee_id"`
	Code       string    `json:"code" db:"code"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

type ReferralEarning struct {
	EarningID       string                `json:"earning_id" db:"earning_id"`
	ReferrerID      string                `json:"referrer_id" db:"referrer_id"`
	RefereeID       string                `json:"referee_id" db:"referee_id"`
	SourcePaymentID string                `json:"source_payment_id" db:"source_payment_id"`
	Amount          decimal.Decimal       `json:"amount" db:"amount"`
	Status          ReferralEarningStatus `json:"status" db:"status"`
	CreatedAt       time.Time             `json:"created_at" db:"created_at"`
	SettledAt       *time.Time            `json:"settled_at,omitempty" db:"settled_at"`
}
