package loyalty

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

type Repository interface {
	CreateRule(ctx context.Context, rule entity.LoyaltyRule) error
	ActivateRule(ctx context.Context, ruleID string) (entity.LoyaltyRule, error)
	ActiveRule(ctx context.Context) (entity.LoyaltyRule, error)
	Award(ctx context.Context, userID string, paymentID string, points int64, rule entity.LoyaltyRule) (bool, error)
	Redeem(ctx context.Context, userID string, points int64) (entity.Redemption, error)
	Transactions(ctx context.Context, userID string) ([]entity.LoyaltyTransaction, error)

	StoreReferral(ctx context.Context, referral entity.Referral) error
	FindReferrer(ctx context.Context, refereeID string) (string, bool, error)
	FindReferralEarning(ctx context.Context, refereeID, paymentID string) (entity.ReferralEarning, bool, error)
	CreateReferralEarning(ctx context.Context, earning entity.ReferralEarning) (bool, error)
	SettleReferralEarning(ctx context.Context, earningID string, status entity.ReferralEarningStatus) (entity.ReferralEarning, error)
}

type SettingsProvider interface {
	Current(ctx context.Context) (entity.RuntimeSettings, error)
}

type Service struct {
	repo     Repository
	settings SettingsProvider
}

func NewService(repo Repository, settings SettingsProvider) *Service {
	if repo == nil {
		panic("missing repo")
	}
	if settings == nil {
		panic("missing settings")
	}

	return &Service{
		repo:     repo,
		settings: settings,
	}
}

// Award credits the points a completed payment earns under the active rule.
// It returns the points awarded by this call: 0 when nothing is earned or the payment was already awarded.
func (s *Service) Award(ctx context.Context, userID, paymentID string, amount decimal.Decimal) (int64, error) {
	rule, err := s.repo.ActiveRule(ctx)
	if errors.Is(err, entity.ErrNoActiveLoyaltyRule) {
		log.FromContext(ctx).WithField("payment_id", paymentID).Debug("No active loyalty rule, skipping award")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	points := rule.PointsFor(amount)
	if points <= 0 {
		return 0, nil
	}

	awarded, err := s.repo.Award(ctx, userID, paymentID, points, rule)
	if err != nil {
		return 0, fmt.Errorf("could not award loyalty points: %w", err)
	}
	if !awarded {
		return 0, nil
	}

	log.FromContext(ctx).WithFields(logrus.Fields{
		"user_id":    userID,
		"payment_id": paymentID,
		"points":     points,
		"rule_id":    rule.RuleID,
	}).Info("Loyalty points awarded")

	return points, nil
}

func (s *Service) Redeem(ctx context.Context, auth entity.AuthContext, points int64) (entity.Redemption, error) {
	redemption, err := s.repo.Redeem(ctx, auth.UserID, points)
	if err != nil {
		return entity.Redemption{}, err
	}

	log.FromContext(ctx).WithFields(logrus.Fields{
		"user_id":  auth.UserID,
		"points":   points,
		"credited": redemption.Credited.StringFixed(2),
	}).Info("Loyalty points redeemed")

	return redemption, nil
}

func (s *Service) Transactions(ctx context.Context, auth entity.AuthContext, userID string) ([]entity.LoyaltyTransaction, error) {
	if !auth.CanActFor(userID) {
		return nil, entity.ErrForbidden
	}
	return s.repo.Transactions(ctx, userID)
}

// CreateRule stores an inactive rule.
func (s *Service) CreateRule(ctx context.Context, auth entity.AuthContext, rule entity.LoyaltyRule) (entity.LoyaltyRule, error) {
	if !auth.CanManageLoyalty() {
		return entity.LoyaltyRule{}, entity.ErrForbidden
	}
	if err := rule.Validate(); err != nil {
		return entity.LoyaltyRule{}, err
	}

	rule.RuleID = uuid.NewString()
	rule.Active = false

	if err := s.repo.CreateRule(ctx, rule); err != nil {
		return entity.LoyaltyRule{}, err
	}
	return rule, nil
}

func (s *Service) ActivateRule(ctx context.Context, auth entity.AuthContext, ruleID string) (entity.LoyaltyRule, error) {
	if !auth.CanManageLoyalty() {
		return entity.LoyaltyRule{}, entity.ErrForbidden
	}

	rule, err := s.repo.ActivateRule(ctx, ruleID)
	if err != nil {
		return entity.LoyaltyRule{}, err
	}

	log.FromContext(ctx).WithField("rule_id", ruleID).Info("Loyalty rule activated")
	return rule, nil
}

// RegisterReferral records that the caller was referred by referrerID. Only the first referrer counts.
func (s *Service) RegisterReferral(ctx context.Context, auth entity.AuthContext, referrerID, code string) error {
	if referrerID == "" || referrerID == auth.UserID {
		return entity.ErrSelfReferral
	}

	return s.repo.StoreReferral(ctx, entity.Referral{
		ReferrerID: referrerID,
		RefereeID:  auth.UserID,
		Code:       code,
	})
}

// AttemptReferral creates the PENDING referral earning a referee's payment produces.
// It reports false when the payment already produced one or the referee has no referrer.
func (s *Service) AttemptReferral(ctx context.Context, refereeID, paymentID string) (entity.ReferralEarning, bool, error) {
	existing, found, err := s.repo.FindReferralEarning(ctx, refereeID, paymentID)
	if err != nil {
		return entity.ReferralEarning{}, false, err
	}
	if found {
		return existing, false, nil
	}

	referrerID, found, err := s.repo.FindReferrer(ctx, refereeID)
	if err != nil {
		return entity.ReferralEarning{}, false, err
	}
	if !found {
		return entity.ReferralEarning{}, false, nil
	}

	settings, err := s.settings.Current(ctx)
	if err != nil {
		return entity.ReferralEarning{}, false, err
	}

	earning := entity.ReferralEarning{
		EarningID:       uuid.NewString(),
		ReferrerID:      referrerID,
		RefereeID:       refereeID,
		SourcePaymentID: paymentID,
		Amount:          settings.ReferralReward,
		Status:          entity.ReferralPending,
	}

	created, err := s.repo.CreateReferralEarning(ctx, earning)
	if err != nil {
		return entity.ReferralEarning{}, false, err
	}
	if !created {
		existing, _, err := s.repo.FindReferralEarning(ctx, refereeID, paymentID)
		return existing, false, err
	}

	log.FromContext(ctx).WithFields(logrus.Fields{
		"earning_id":  earning.EarningID,
		"referrer_id": referrerID,
		"referee_id":  refereeID,
	}).Info("Referral earning created")

	return earning, true, nil
}

func (s *Service) ApproveReferral(ctx context.Context, auth entity.AuthContext, earningID string) (entity.ReferralEarning, error) {
	return s.settleReferral(ctx, auth, earningID, entity.ReferralApproved)
}

func (s *Service) RejectReferral(ctx context.Context, auth entity.AuthContext, earningID string) (entity.ReferralEarning, error) {
	return s.settleReferral(ctx, auth, earningID, entity.ReferralRejected)
}

func (s *Service) settleReferral(
	ctx context.Context,
	auth entity.AuthContext,
	earningID string,
	status entity.ReferralEarningStatus,
) (entity.ReferralEarning, error) {
	if !auth.IsStaff() {
		return entity.ReferralEarning{}, entity.ErrForbidden
	}

	earning, err := s.repo.SettleReferralEarning(ctx, earningID, status)
	if err != nil {
		return entity.ReferralEarning{}, err
	}

	log.FromContext(ctx).WithFields(logrus.Fields{
		"earning_id": earningID,
		"status":     status,
		"settled_by": auth.UserID,
	}).Info("Referral earning settled")

	return earning, nil
}
