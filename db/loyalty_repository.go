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

const loyaltyRuleColumns = `rule_id, name, earn_rate, redeem_rate, min_redeem_points, active, created_at`

type LoyaltyPostgresRepository struct {
	db *sqlx.DB
}

func NewLoyaltyPostgresRepository(db *sqlx.DB) *LoyaltyPostgresRepository {
	if db == nil {
		panic("db must be set")
	}

	return &LoyaltyPostgresRepository{db: db}
}

func (r *LoyaltyPostgresRepository) CreateRule(ctx context.Context, rule entity.LoyaltyRule) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO loyalty_rules (rule_id, name, earn_rate, redeem_rate, min_redeem_points, active)
		VALUES (:rule_id, :name, :earn_rate, :redeem_rate, :min_redeem_points, FALSE)
	`, rule)
	if err != nil {
		return fmt.Errorf("could not create loyalty rule: %w", err)
	}
	return nil
}

// ActivateRule makes ruleID the only active rule.
func (r *LoyaltyPostgresRepository) ActivateRule(ctx context.Context, ruleID string) (entity.LoyaltyRule, error) {
	var rule entity.LoyaltyRule

	err := UpdateInTx(ctx, r.db, sql.LevelSerializable, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE loyalty_rules SET active = FALSE WHERE active`); err != nil {
			return fmt.Errorf("could not deactivate loyalty rules: %w", err)
		}

		err := tx.GetContext(ctx, &rule, `
			UPDATE loyalty_rules SET active = TRUE WHERE rule_id = $1
			RETURNING `+loyaltyRuleColumns, ruleID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("loyalty rule %s: %w", ruleID, entity.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("could not activate loyalty rule: %w", err)
		}
		return nil
	})
	if err != nil {
		return entity.LoyaltyRule{}, err
	}

	return rule, nil
}

func (r *LoyaltyPostgresRepository) ActiveRule(ctx context.Context) (entity.LoyaltyRule, error) {
	return activeLoyaltyRule(ctx, r.db)
}

func activeLoyaltyRule(ctx context.Context, db dbExecutor) (entity.LoyaltyRule, error) {
	var rule entity.LoyaltyRule
	err := db.GetContext(ctx, &rule, `SELECT `+loyaltyRuleColumns+` FROM loyalty_rules WHERE active`)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.LoyaltyRule{}, entity.ErrNoActiveLoyaltyRule
	}
	if err != nil {
		return entity.LoyaltyRule{}, fmt.Errorf("could not get active loyalty rule: %w", err)
	}
	return rule, nil
}

// Award credits points earned by a completed payment. A second award for the same payment
// is ignored and reported as false.
func (r *LoyaltyPostgresRepository) Award(ctx context.Context, userID string, paymentID string, points int64, rule entity.LoyaltyRule) (bool, error) {
	var awarded bool

	err := UpdateInTx(ctx, r.db, sql.LevelReadCommitted, func(ctx context.Context, tx *sqlx.Tx) error {
		awarded = false

		wallet, err := lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO loyalty_transactions (transaction_id, wallet_id, type, points, source_payment_id, rule_id, note)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (source_payment_id, type) WHERE source_payment_id IS NOT NULL DO NOTHING
		`, uuid.NewString(), wallet.WalletID, entity.LoyaltyEarn, points, paymentID, rule.RuleID, "payment "+paymentID)
		if err != nil {
			return fmt.Errorf("could not insert loyalty transaction: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE wallets SET loyalty_points = loyalty_points + $2 WHERE wallet_id = $1
		`, wallet.WalletID, points)
		if err != nil {
			return fmt.Errorf("could not add loyalty points: %w", err)
		}

		awarded = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return awarded, nil
}

// Redeem burns points and credits their value to the wallet in one transaction.
// The active rule is read inside the transaction.
func (r *LoyaltyPostgresRepository) Redeem(ctx context.Context, userID string, points int64) (entity.Redemption, error) {
	var redemption entity.Redemption

	err := UpdateInTx(ctx, r.db, sql.LevelRepeatableRead, func(ctx context.Context, tx *sqlx.Tx) error {
		rule, err := activeLoyaltyRule(ctx, tx)
		if err != nil {
			return err
		}
		if points < rule.MinRedeemPoints || points <= 0 {
			return entity.ErrBelowMinimumRedeem
		}

		wallet, err := lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		if wallet.LoyaltyPoints < points {
			return entity.ErrInsufficientPoints
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO loyalty_transactions (transaction_id, wallet_id, type, points, rule_id, note)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.NewString(), wallet.WalletID, entity.LoyaltyBurn, points, rule.RuleID, "redeemed to wallet")
		if err != nil {
			return fmt.Errorf("could not insert loyalty transaction: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE wallets SET loyalty_points = loyalty_points - $2 WHERE wallet_id = $1
		`, wallet.WalletID, points)
		if err != nil {
			return fmt.Errorf("could not burn loyalty points: %w", err)
		}

		value := rule.ValueOf(points)
		balance := wallet.Balance
		if value.IsPositive() {
			row, err := creditWalletInTx(ctx, tx, entity.WalletMutation{
				UserID: userID,
				Amount: value,
				Reason: fmt.Sprintf("redeemed %d loyalty points", points),
			})
			if err != nil {
				return err
			}
			balance = row.BalanceAfter
		}

		redemption = entity.Redemption{
			Points:        points,
			Credited:      value,
			PointsBalance: wallet.LoyaltyPoints - points,
			WalletBalance: balance,
		}
		return nil
	})
	if err != nil {
		return entity.Redemption{}, err
	}

	return redemption, nil
}

func (r *LoyaltyPostgresRepository) Transactions(ctx context.Context, userID string) ([]entity.LoyaltyTransaction, error) {
	rows := []entity.LoyaltyTransaction{}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT l.transaction_id, l.wallet_id, l.type, l.points, l.source_payment_id, l.rule_id, l.note, l.created_at
		FROM loyalty_transactions l
		JOIN wallets w ON w.wallet_id = l.wallet_id
		WHERE w.user_id = $1
		ORDER BY l.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("could not list loyalty transactions: %w", err)
	}
	return rows, nil
}

func (r *LoyaltyPostgresRepository) StoreReferral(ctx context.Context, referral entity.Referral) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO referrals (referee_id, referrer_id, code)
		VALUES (:referee_id, :referrer_id, :code)
		ON CONFLICT (referee_id) DO NOTHING
	`, referral)
	if err != nil {
		return fmt.Errorf("could not store referral: %w", err)
	}
	return nil
}

// FindReferrer returns who referred refereeID, or false if nobody did.
func (r *LoyaltyPostgresRepository) FindReferrer(ctx context.Context, refereeID string) (string, bool, error) {
	var referrerID string
	err := r.db.GetContext(ctx, &referrerID, `SELECT referrer_id FROM referrals WHERE referee_id = $1`, refereeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("could not find referrer: %w", err)
	}
	return referrerID, true, nil
}

func (r *LoyaltyPostgresRepository) FindReferralEarning(ctx context.Context, refereeID, paymentID string) (entity.ReferralEarning, bool, error) {
	var earning entity.ReferralEarning
	err := r.db.GetContext(ctx, &earning, `
		SELECT earning_id, referrer_id, referee_id, source_payment_id, amount, status, created_at, settled_at
		FROM referral_earnings
		WHERE referee_id = $1 AND source_payment_id = $2
	`, refereeID, paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.ReferralEarning{}, false, nil
	}
	if err != nil {
		return entity.ReferralEarning{}, false, fmt.Errorf("could not find referral earning: %w", err)
	}
	return earning, true, nil
}

// CreateReferralEarning stores a PENDING earning. It reports false if one already existed
// for the same referee and payment.
func (r *LoyaltyPostgresRepository) CreateReferralEarning(ctx context.Context, earning entity.ReferralEarning) (bool, error) {
	res, err := r.db.NamedExecContext(ctx, `
		INSERT INTO referral_earnings (earning_id, referrer_id, referee_id, source_payment_id, amount, status)
		VALUES (:earning_id, :referrer_id, :referee_id, :source_payment_id, :amount, :status)
		ON CONFLICT (referee_id, source_payment_id) DO NOTHING
	`, earning)
	if err != nil {
		return false, fmt.Errorf("could not create referral earning: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SettleReferralEarning approves or rejects a PENDING earning. Approval credits the referrer's wallet
// in the same transaction.
func (r *LoyaltyPostgresRepository) SettleReferralEarning(
	ctx context.Context,
	earningID string,
	status entity.ReferralEarningStatus,
) (entity.ReferralEarning, error) {
	var earning entity.ReferralEarning

	err := UpdateInTx(ctx, r.db, sql.LevelReadCommitted, func(ctx context.Context, tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &earning, `
			SELECT earning_id, referrer_id, referee_id, source_payment_id, amount, status, created_at, settled_at
			FROM referral_earnings
			WHERE earning_id = $1
			FOR UPDATE
		`, earningID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("referral earning %s: %w", earningID, entity.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("could not get referral earning: %w", err)
		}
		if earning.Status != entity.ReferralPending {
			return entity.ErrReferralNotPending
		}

		settledAt := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE referral_earnings SET status = $2, settled_at = $3 WHERE earning_id = $1
		`, earningID, status, settledAt)
		if err != nil {
			return fmt.Errorf("could not settle referral earning: %w", err)
		}
		earning.Status = status
		earning.SettledAt = &settledAt

		if status != entity.ReferralApproved || !earning.Amount.GreaterThan(decimal.Zero) {
			return nil
		}

		_, err = creditWalletInTx(ctx, tx, entity.WalletMutation{
			UserID:    earning.ReferrerID,
			Amount:    earning.Amount,
			Reason:    "referral reward",
			PaymentID: &earning.SourcePaymentID,
		})
		return err
	})
	if err != nil {
		return entity.ReferralEarning{}, err
	}

	return earning, nil
}
