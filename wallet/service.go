package wallet

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/zezo2030/loopmsq-sub000/entity"
	"github.com/zezo2030/loopmsq-sub000/metrics"
)

const defaultTransactionsLimit = 50

type Repository interface {
	Get(ctx context.Context, userID string) (entity.Wallet, error)
	Credit(ctx context.Context, mutation entity.WalletMutation) (entity.WalletTransaction, error)
	Debit(ctx context.Context, mutation entity.WalletMutation) (entity.WalletTransaction, error)
	Transactions(ctx context.Context, userID string, limit int) ([]entity.WalletTransaction, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	if repo == nil {
		panic("missing repo")
	}

	return &Service{repo: repo}
}

func (s *Service) Balance(ctx context.Context, auth entity.AuthContext, userID string) (entity.Wallet, error) {
	if !auth.CanActFor(userID) {
		return entity.Wallet{}, entity.ErrForbidden
	}
	return s.repo.Get(ctx, userID)
}

func (s *Service) Transactions(ctx context.Context, auth entity.AuthContext, userID string, limit int) ([]entity.WalletTransaction, error) {
	if !auth.CanActFor(userID) {
		return nil, entity.ErrForbidden
	}
	if limit <= 0 || limit > 200 {
		limit = defaultTransactionsLimit
	}
	return s.repo.Transactions(ctx, userID, limit)
}

// Credit tops up a wallet. Only staff may credit wallets directly.
func (s *Service) Credit(ctx context.Context, auth entity.AuthContext, userID string, amount decimal.Decimal, reason string) (entity.WalletTransaction, error) {
	if !auth.IsStaff() {
		return entity.WalletTransaction{}, entity.ErrForbidden
	}
	if !amount.IsPositive() {
		return entity.WalletTransaction{}, entity.ErrInvalidAmount
	}

	row, err := s.repo.Credit(ctx, entity.WalletMutation{
		UserID: userID,
		Amount: amount,
		Reason: reason,
	})
	if err != nil {
		return entity.WalletTransaction{}, err
	}

	s.record(ctx, userID, row)
	return row, nil
}

// Debit withdraws amount for a booking. On insufficient balance the FAILED ledger row is
// returned together with entity.ErrInsufficientBalance.
func (s *Service) Debit(ctx context.Context, userID string, amount decimal.Decimal, bookingID string) (entity.WalletTransaction, error) {
	if !amount.IsPositive() {
		return entity.WalletTransaction{}, entity.ErrInvalidAmount
	}

	row, err := s.repo.Debit(ctx, entity.WalletMutation{
		UserID:    userID,
		Amount:    amount,
		Reason:    "booking " + bookingID,
		BookingID: &bookingID,
	})
	if errors.Is(err, entity.ErrInsufficientBalance) {
		s.record(ctx, userID, row)
		return row, err
	}
	if err != nil {
		return entity.WalletTransaction{}, err
	}

	s.record(ctx, userID, row)
	return row, nil
}

func (s *Service) record(ctx context.Context, userID string, row entity.WalletTransaction) {
	metrics.WalletMutations.WithLabelValues(string(row.Type), string(row.Status)).Inc()

	log.FromContext(ctx).WithFields(logrus.Fields{
		"user_id":        userID,
		"transaction_id": row.TransactionID,
		"type":           row.Type,
		"status":         row.Status,
		"amount":         row.Amount.StringFixed(2),
		"balance_after":  row.BalanceAfter.StringFixed(2),
	}).Info("Wallet mutated")
}
