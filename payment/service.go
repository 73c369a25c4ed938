package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/zezo2030/loopmsq-sub000/cache"
	"github.com/zezo2030/loopmsq-sub000/db"
	"github.com/zezo2030/loopmsq-sub000/entity"
	"github.com/zezo2030/loopmsq-sub000/metrics"
	"github.com/zezo2030/loopmsq-sub000/ticketing"
)

const (
	reconcileAfter     = time.Minute
	reconcileBatchSize = 100
	claimPollInterval  = 50 * time.Millisecond
	claimWaitTimeout   = 10 * time.Second
	// refundClaimTTL outlives a gateway refund call, so a crashed refund unblocks the payment.
	refundClaimTTL = time.Minute
)

// errChargeNotFinal is returned for webhooks about charges still awaiting an outcome.
var errChargeNotFinal = errors.New("charge not final")

type Repository interface {
	FindPayable(ctx context.Context, kind entity.PayableKind, id string) (entity.Payable, error)
	Create(ctx context.Context, payment entity.Payment) error
	Get(ctx context.Context, paymentID string) (entity.Payment, error)
	FindActive(ctx context.Context, kind entity.PayableKind, payableID string, method entity.PaymentMethod) (entity.Payment, bool, error)
	MarkProcessing(ctx context.Context, paymentID string, gatewayRef, redirectURL *string) error
	MarkFailed(ctx context.Context, paymentID string, reason string) (bool, error)
	Confirm(ctx context.Context, paymentID string, transactionID string, newBookingFn db.NewBookingFn) (entity.PaymentConfirmation, error)
	Refund(ctx context.Context, paymentID string, amount decimal.Decimal, refundedBy string) (entity.Refund, error)
	RefundCaptured(ctx context.Context, paymentID, chargeID, reason string) (bool, error)
	BookingUsage(ctx context.Context, bookingID string) (entity.Booking, int, error)
	ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]entity.Payment, error)
}

type Gateway interface {
	CreateCharge(ctx context.Context, req entity.ChargeRequest) (entity.Charge, error)
	RetrieveCharge(ctx context.Context, chargeID string) (entity.Charge, error)
	Refund(ctx context.Context, chargeID string, amount decimal.Decimal) error
}

type WalletReader interface {
	Get(ctx context.Context, userID string) (entity.Wallet, error)
}

type IntentClaims interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Result(ctx context.Context, key string) (entity.PaymentIntent, bool, error)
	Store(ctx context.Context, key string, intent entity.PaymentIntent, ttl time.Duration) error
	Discard(ctx context.Context, key string, paymentID string) error
	Release(ctx context.Context, key string) error
}

type ProcessedWebhooks interface {
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unmark(ctx context.Context, key string) error
}

type SideEffectRuns interface {
	Succeeded(ctx context.Context, paymentID string, step entity.SideEffectStep) (bool, error)
	Record(ctx context.Context, paymentID string, step entity.SideEffectStep, stepErr error) error
	Runs(ctx context.Context, paymentID string) ([]entity.SideEffectRun, error)
}

type CommandSender interface {
	Send(ctx context.Context, cmd any) error
}

type SettingsProvider interface {
	Current(ctx context.Context) (entity.RuntimeSettings, error)
}

type Service struct {
	repo          Repository
	gateway       Gateway
	wallets       WalletReader
	claims        IntentClaims
	webhooks      ProcessedWebhooks
	runs          SideEffectRuns
	commands      CommandSender
	settings      SettingsProvider
	webhookSecret []byte

	now func() time.Time
}

func NewService(
	repo Repository,
	gateway Gateway,
	wallets WalletReader,
	claims IntentClaims,
	webhooks ProcessedWebhooks,
	runs SideEffectRuns,
	commands CommandSender,
	settings SettingsProvider,
	webhookSecret string,
) *Service {
	if repo == nil {
		panic("missing paymentsRepo")
	}
	if gateway == nil {
		panic("missing gateway")
	}
	if wallets == nil {
		panic("missing wallets")
	}
	if claims == nil {
		panic("missing claims")
	}
	if webhooks == nil {
		panic("missing webhooks")
	}
	if runs == nil {
		panic("missing runs")
	}
	if commands == nil {
		panic("missing commands")
	}
	if settings == nil {
		panic("missing settings")
	}
	if webhookSecret == "" {
		panic("missing webhookSecret")
	}

	return &Service{
		repo:          repo,
		gateway:       gateway,
		wallets:       wallets,
		claims:        claims,
		webhooks:      webhooks,
		runs:          runs,
		commands:      commands,
		settings:      settings,
		webhookSecret: []byte(webhookSecret),
		now:           time.Now,
	}
}

// CreateIntent starts (or resumes) paying a booking or an event request with method.
// Concurrent and repeated calls for the same payable and method get the same intent while
// the claim lives and its payment is active.
//
// token is the card token (card) or the gateway source (bank transfer) to charge. It is
// ignored by the other methods and when the gateway is bypassed.
func (s *Service) CreateIntent(
	ctx context.Context,
	auth entity.AuthContext,
	kind entity.PayableKind,
	payableID string,
	method entity.PaymentMethod,
	token string,
) (entity.PaymentIntent, error) {
	if !method.Valid() {
		return entity.PaymentIntent{}, entity.ErrInvalidPaymentMethod
	}
	if !kind.Valid() {
		return entity.PaymentIntent{}, fmt.Errorf("payable kind %q: %w", kind, entity.ErrNotFound)
	}

	payable, err := s.repo.FindPayable(ctx, kind, payableID)
	if err != nil {
		return entity.PaymentIntent{}, err
	}
	if !auth.CanActFor(payable.UserID) {
		return entity.PaymentIntent{}, entity.ErrForbidden
	}
	if !payable.Payable {
		return entity.PaymentIntent{}, entity.ErrPayableNotPayable
	}

	settings, err := s.settings.Current(ctx)
	if err != nil {
		return entity.PaymentIntent{}, err
	}
	if method.UsesGateway() && !settings.BypassPaymentGateway && token == "" {
		return entity.PaymentIntent{}, entity.ErrMissingPaymentToken
	}

	key := cache.IntentKey(kind, payableID, method)

	claimed, err := s.claimOrWait(ctx, key, settings.IntentDedupTTL)
	if err != nil {
		return entity.PaymentIntent{}, err
	}
	if claimed.found {
		return claimed.intent, nil
	}

	intent, err := s.createIntent(ctx, payable, method, token, settings)
	if err != nil {
		if releaseErr := s.claims.Release(ctx, key); releaseErr != nil {
			log.FromContext(ctx).WithError(releaseErr).WithField("key", key).Error("Could not release intent claim")
		}
		return entity.PaymentIntent{}, err
	}

	if err := s.claims.Store(ctx, key, intent, settings.IntentDedupTTL); err != nil {
		log.FromContext(ctx).WithError(err).WithField("key", key).Error("Could not store payment intent")
	}

	return intent, nil
}

type claimResult struct {
	intent entity.PaymentIntent
	found  bool
}

// claimOrWait returns with found=false once the caller owns key. Otherwise it waits for the
// owner's result. A claim released by a failed owner is taken over, and so is a stored intent
// whose payment is no longer active.
func (s *Service) claimOrWait(ctx context.Context, key string, ttl time.Duration) (claimResult, error) {
	ctx, cancel := context.WithTimeout(ctx, claimWaitTimeout)
	defer cancel()

	ticker := time.NewTicker(claimPollInterval)
	defer ticker.Stop()

	for {
		claimed, err := s.claims.Claim(ctx, key, ttl)
		if err != nil {
			return claimResult{}, err
		}
		if claimed {
			return claimResult{}, nil
		}

		intent, found, err := s.claims.Result(ctx, key)
		if err != nil {
			return claimResult{}, err
		}
		if found {
			payment, err := s.repo.Get(ctx, intent.PaymentID)
			if err != nil {
				return claimResult{}, err
			}
			if payment.Status.IsActive() {
				intent.Status = payment.Status
				return claimResult{intent: intent, found: true}, nil
			}

			log.FromContext(ctx).WithFields(logrus.Fields{
				"key":        key,
				"payment_id": intent.PaymentID,
				"status":     payment.Status,
			}).Info("Discarding intent of a finished payment")

			if err := s.claims.Discard(ctx, key, intent.PaymentID); err != nil {
				return claimResult{}, err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return claimResult{}, fmt.Errorf("waiting for intent %s: %w", key, entity.ErrConflict)
		case <-ticker.C:
		}
	}
}

func (s *Service) createIntent(
	ctx context.Context,
	payable entity.Payable,
	method entity.PaymentMethod,
	token string,
	settings entity.RuntimeSettings,
) (entity.PaymentIntent, error) {
	payment, found, err := s.repo.FindActive(ctx, payable.Kind, payable.ID, method)
	if err != nil {
		return entity.PaymentIntent{}, err
	}

	if !found {
		if method == entity.MethodWallet {
			wallet, err := s.wallets.Get(ctx, payable.UserID)
			if err != nil {
				return entity.PaymentIntent{}, err
			}
			if wallet.Balance.LessThan(payable.Amount) {
				return entity.PaymentIntent{}, entity.ErrInsufficientBalance
			}
		}

		now := s.now().UTC()
		payment = entity.Payment{
			PaymentID:   uuid.NewString(),
			UserID:      payable.UserID,
			PayableKind: payable.Kind,
			PayableID:   payable.ID,
			Amount:      payable.Amount,
			Currency:    payable.Currency,
			Method:      method,
			Status:      entity.PaymentPending,
			Bypassed:    method.UsesGateway() && settings.BypassPaymentGateway,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if payable.Kind == entity.PayableBooking {
			payment.BookingID = &payable.ID
		}

		if err := s.repo.Create(ctx, payment); err != nil {
			return entity.PaymentIntent{}, err
		}

		log.FromContext(ctx).WithFields(logrus.Fields{
			"payment_id": payment.PaymentID,
			"payable_id": payable.ID,
			"method":     method,
			"bypassed":   payment.Bypassed,
		}).Info("Payment created")
	}

	if method.UsesGateway() && !payment.Bypassed && payment.GatewayRef == nil {
		payment, err = s.charge(ctx, payment, token, settings)
		if err != nil {
			return entity.PaymentIntent{}, err
		}
	}

	return entity.PaymentIntent{
		PaymentID:   payment.PaymentID,
		RedirectURL: payment.RedirectURL,
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Status:      payment.Status,
		Method:      payment.Method,
		AutoConfirm: payment.Bypassed,
	}, nil
}

// charge creates the gateway charge of a payment. The payment is PROCESSING before the call,
// so a timed out call leaves it PROCESSING without a reference for reconciliation.
func (s *Service) charge(ctx context.Context, payment entity.Payment, token string, settings entity.RuntimeSettings) (entity.Payment, error) {
	if err := s.repo.MarkProcessing(ctx, payment.PaymentID, nil, nil); err != nil {
		return entity.Payment{}, err
	}
	payment.Status = entity.PaymentProcessing

	logger := log.FromContext(ctx).WithField("payment_id", payment.PaymentID)

	req := entity.ChargeRequest{
		PaymentID:   payment.PaymentID,
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		RedirectURL: settings.PaymentRedirectURL,
		ThreeDS:     payment.Method == entity.MethodCard,
	}
	if payment.Method == entity.MethodCard {
		req.Card = token
	} else {
		req.Source = token
	}

	charge, err := s.gateway.CreateCharge(ctx, req)
	if errors.Is(err, entity.ErrGatewayDeclined) {
		s.fail(ctx, payment, "declined by gateway")
		return entity.Payment{}, err
	}
	if err != nil {
		metrics.PaymentOutcomes.WithLabelValues(string(payment.Method), "gateway_error").Inc()
		logger.WithError(err).Warn("Could not create gateway charge, payment left processing")
		return entity.Payment{}, err
	}

	if charge.Status == entity.ChargeFailed || charge.Status == entity.ChargeExpired {
		s.fail(ctx, payment, "charge "+string(charge.Status)+": "+charge.FailureCode)
		return entity.Payment{}, entity.ErrGatewayDeclined
	}

	redirectURL := lo.Ternary(charge.RedirectURL != "", &charge.RedirectURL, nil)
	if err := s.repo.MarkProcessing(ctx, payment.PaymentID, &charge.ID, redirectURL); err != nil {
		return entity.Payment{}, err
	}
	payment.GatewayRef = &charge.ID
	payment.RedirectURL = redirectURL

	logger.WithField("charge_id", charge.ID).Info("Gateway charge created")

	return payment, nil
}

func (s *Service) fail(ctx context.Context, payment entity.Payment, reason string) {
	failed, err := s.repo.MarkFailed(ctx, payment.PaymentID, reason)
	if err != nil {
		log.FromContext(ctx).WithError(err).WithField("payment_id", payment.PaymentID).Error("Could not mark payment as failed")
		return
	}
	if failed {
		metrics.PaymentOutcomes.WithLabelValues(string(payment.Method), "failed").Inc()
		log.FromContext(ctx).WithFields(logrus.Fields{
			"payment_id": payment.PaymentID,
			"reason":     reason,
		}).Info("Payment failed")
	}
}

// ConfirmPayment settles a payment. Confirming a completed payment again returns it with
// AlreadyCompleted set and changes nothing.
func (s *Service) ConfirmPayment(ctx context.Context, auth entity.AuthContext, paymentID string) (entity.PaymentConfirmation, error) {
	payment, err := s.repo.Get(ctx, paymentID)
	if err != nil {
		return entity.PaymentConfirmation{}, err
	}
	if !auth.CanActFor(payment.UserID) {
		return entity.PaymentConfirmation{}, entity.ErrForbidden
	}
	if payment.Method == entity.MethodCash && !auth.IsStaff() {
		return entity.PaymentConfirmation{}, entity.ErrForbidden
	}

	if payment.Status.IsSettled() {
		return entity.PaymentConfirmation{Payment: payment, AlreadyCompleted: true}, nil
	}
	if !payment.Status.IsActive() {
		return entity.PaymentConfirmation{}, fmt.Errorf("payment %s is %s: %w", paymentID, payment.Status, entity.ErrPaymentNotConfirmable)
	}

	var transactionID string
	if payment.Method.UsesGateway() && !payment.Bypassed {
		if payment.GatewayRef == nil {
			return entity.PaymentConfirmation{}, entity.ErrPaymentNotSettled
		}

		charge, err := s.gateway.RetrieveCharge(ctx, *payment.GatewayRef)
		if err != nil {
			return entity.PaymentConfirmation{}, err
		}

		switch charge.Status {
		case entity.ChargeSuccessful:
			transactionID = charge.ID
		case entity.ChargeFailed, entity.ChargeExpired, entity.ChargeReversed:
			s.fail(ctx, payment, "charge "+string(charge.Status)+": "+charge.FailureCode)
			return entity.PaymentConfirmation{}, entity.ErrGatewayDeclined
		default:
			return entity.PaymentConfirmation{}, entity.ErrPaymentNotSettled
		}
	}

	return s.confirm(ctx, payment, transactionID)
}

// confirm completes an active payment. A payment whose payable no longer awaits payment is
// settled instead: a captured gateway charge is refunded, anything else is failed. The
// returned error wraps entity.ErrPayableNotPayable only once the payment is settled.
func (s *Service) confirm(ctx context.Context, payment entity.Payment, transactionID string) (entity.PaymentConfirmation, error) {
	confirmation, err := s.repo.Confirm(ctx, payment.PaymentID, transactionID, s.newEventBooking)
	if errors.Is(err, entity.ErrInsufficientBalance) {
		metrics.PaymentOutcomes.WithLabelValues(string(payment.Method), "failed").Inc()
		return entity.PaymentConfirmation{}, err
	}
	if errors.Is(err, entity.ErrPayableNotPayable) {
		if settleErr := s.settleUnpayable(ctx, payment, transactionID); settleErr != nil {
			return entity.PaymentConfirmation{}, fmt.Errorf("could not settle payment %s: %w", payment.PaymentID, settleErr)
		}
		return entity.PaymentConfirmation{}, err
	}
	if err != nil {
		return entity.PaymentConfirmation{}, err
	}

	if !confirmation.AlreadyCompleted {
		metrics.PaymentOutcomes.WithLabelValues(string(payment.Method), "completed").Inc()

		log.FromContext(ctx).WithFields(logrus.Fields{
			"payment_id": payment.PaymentID,
			"booking_id": lo.FromPtr(confirmation.Payment.BookingID),
			"method":     payment.Method,
		}).Info("Payment completed")
	}

	return confirmation, nil
}

func (s *Service) settleUnpayable(ctx context.Context, payment entity.Payment, transactionID string) error {
	const reason = "payable no longer awaiting payment"

	if payment.Method.UsesGateway() && !payment.Bypassed && transactionID != "" {
		return s.refundCaptured(ctx, payment, transactionID, reason)
	}

	failed, err := s.repo.MarkFailed(ctx, payment.PaymentID, reason)
	if err != nil {
		return err
	}
	if failed {
		metrics.PaymentOutcomes.WithLabelValues(string(payment.Method), "failed").Inc()
		log.FromContext(ctx).WithField("payment_id", payment.PaymentID).Info("Payment failed, payable no longer awaiting payment")
	}
	return nil
}

// refundCaptured refunds the whole amount of a successful charge whose payment can not complete.
func (s *Service) refundCaptured(ctx context.Context, payment entity.Payment, chargeID, reason string) error {
	release, err := s.claimRefund(ctx, payment.PaymentID)
	if err != nil {
		return err
	}
	defer release()

	current, err := s.repo.Get(ctx, payment.PaymentID)
	if err != nil {
		return err
	}
	if current.Status.IsSettled() {
		return nil
	}

	if err := s.gateway.Refund(ctx, chargeID, current.Amount); err != nil {
		return fmt.Errorf("could not refund captured charge %s: %w", chargeID, err)
	}

	refunded, err := s.repo.RefundCaptured(ctx, payment.PaymentID, chargeID, reason)
	if err != nil {
		log.FromContext(ctx).WithError(err).WithFields(logrus.Fields{
			"payment_id": payment.PaymentID,
			"charge_id":  chargeID,
		}).Error("Charge refunded at the gateway but the refund could not be recorded")
		return err
	}

	if refunded {
		metrics.PaymentOutcomes.WithLabelValues(string(payment.Method), "auto_refunded").Inc()
		log.FromContext(ctx).WithFields(logrus.Fields{
			"payment_id": payment.PaymentID,
			"charge_id":  chargeID,
			"reason":     reason,
		}).Warn("Captured charge refunded")
	}
	return nil
}

// claimRefund serializes refunds of a payment. The returned func releases the claim.
func (s *Service) claimRefund(ctx context.Context, paymentID string) (func(), error) {
	key := cache.RefundKey(paymentID)

	claimed, err := s.claims.Claim(ctx, key, refundClaimTTL)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("payment %s: %w", paymentID, entity.ErrRefundInProgress)
	}

	return func() {
		if err := s.claims.Release(context.WithoutCancel(ctx), key); err != nil {
			log.FromContext(ctx).WithError(err).WithField("key", key).Error("Could not release refund claim")
		}
	}, nil
}

// newEventBooking builds the confirmed booking of an event request paid for the first time.
func (s *Service) newEventBooking(request entity.EventRequest) (entity.Booking, []entity.IssuedTicket, error) {
	now := s.now().UTC()

	booking := entity.Booking{
		BookingID:      uuid.NewString(),
		Reference:      strings.ToUpper(shortuuid.New()[:8]),
		UserID:         request.UserID,
		VenueID:        request.VenueID,
		BranchID:       request.BranchID,
		StartTime:      request.StartTime,
		DurationHours:  request.DurationHours,
		Persons:        request.Persons,
		TotalPrice:     request.QuotedPrice,
		Currency:       request.Currency,
		Status:         entity.BookingConfirmed,
		Discount:       decimal.Zero,
		EventRequestID: &request.EventRequestID,
		CreatedAt:      now,
	}

	tickets, err := ticketing.NewTickets(booking, lo.RangeFrom(1, booking.Persons), now)
	if err != nil {
		return entity.Booking{}, nil, err
	}

	return booking, tickets, nil
}

// HandleWebhook processes a signed gateway notification. Each event type and payment is
// processed once; replays are acknowledged as idempotent.
func (s *Service) HandleWebhook(ctx context.Context, signature string, body []byte) (entity.WebhookAck, error) {
	if !s.validSignature(signature, body) {
		return entity.WebhookAck{}, entity.ErrInvalidSignature
	}

	var event entity.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return entity.WebhookAck{}, fmt.Errorf("%v: %w", err, entity.ErrMalformedWebhook)
	}
	if event.EventType == "" || event.Data.PaymentID == "" {
		return entity.WebhookAck{}, entity.ErrMalformedWebhook
	}

	settings, err := s.settings.Current(ctx)
	if err != nil {
		return entity.WebhookAck{}, err
	}

	key := cache.WebhookKey(event.EventType, event.Data.PaymentID)

	first, err := s.webhooks.MarkProcessed(ctx, key, settings.WebhookDedupTTL)
	if err != nil {
		return entity.WebhookAck{}, err
	}
	if !first {
		log.FromContext(ctx).WithField("key", key).Info("Webhook already processed")
		return entity.WebhookAck{Received: true, Idempotent: true}, nil
	}

	err = s.processWebhook(ctx, event)
	if err == nil {
		return entity.WebhookAck{Received: true}, nil
	}

	// Not processed, a later delivery for the same payment must get through.
	if unmarkErr := s.webhooks.Unmark(ctx, key); unmarkErr != nil {
		log.FromContext(ctx).WithError(unmarkErr).WithField("key", key).Error("Could not unmark webhook")
	}
	if errors.Is(err, errChargeNotFinal) {
		return entity.WebhookAck{Received: true}, nil
	}
	return entity.WebhookAck{}, err
}

func (s *Service) validSignature(signature string, body []byte) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, s.webhookSecret)
	mac.Write(body)

	return hmac.Equal(mac.Sum(nil), expected)
}

// Sign returns the signature HandleWebhook expects for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) processWebhook(ctx context.Context, event entity.WebhookEvent) error {
	logger := log.FromContext(ctx).WithFields(logrus.Fields{
		"event_type": event.EventType,
		"payment_id": event.Data.PaymentID,
	})

	switch event.EventType {
	case "charge.complete":
		payment, err := s.repo.Get(ctx, event.Data.PaymentID)
		if err != nil {
			return err
		}

		switch entity.ChargeStatus(event.Data.Status) {
		case entity.ChargeSuccessful:
			if payment.Status.IsSettled() {
				return nil
			}
			chargeID := lo.Ternary(event.Data.ChargeID != "", event.Data.ChargeID, lo.FromPtr(payment.GatewayRef))

			if payment.Status == entity.PaymentFailed {
				if chargeID == "" {
					return fmt.Errorf("successful charge of failed payment without charge id: %w", entity.ErrMalformedWebhook)
				}
				return s.refundCaptured(ctx, payment, chargeID, "charge succeeded after the payment failed")
			}

			_, err := s.confirm(ctx, payment, chargeID)
			if errors.Is(err, entity.ErrPayableNotPayable) {
				logger.Info("Payable no longer awaiting payment, payment settled without booking")
				return nil
			}
			return err
		case entity.ChargeFailed, entity.ChargeExpired:
			s.fail(ctx, payment, "charge "+event.Data.Status)
			return nil
		default:
			logger.WithField("status", event.Data.Status).Info("Charge not settled yet")
			return errChargeNotFinal
		}

	case "refund.create":
		logger.Info("Refund acknowledged")
		return nil

	default:
		logger.Warn("Unknown webhook event type")
		return nil
	}
}

// Refund refunds amount of a settled payment, the whole remaining amount when amount is nil.
// Staff may refund at any time. Owners may refund only while the booking can still be
// cancelled and none of its tickets was scanned.
func (s *Service) Refund(ctx context.Context, auth entity.AuthContext, paymentID string, amount *decimal.Decimal) (entity.Refund, error) {
	payment, err := s.repo.Get(ctx, paymentID)
	if err != nil {
		return entity.Refund{}, err
	}
	if !auth.CanRefund() && auth.UserID != payment.UserID {
		return entity.Refund{}, entity.ErrForbidden
	}

	release, err := s.claimRefund(ctx, paymentID)
	if err != nil {
		return entity.Refund{}, err
	}
	defer release()

	// Read again under the claim, a concurrent refund may have finished meanwhile.
	payment, err = s.repo.Get(ctx, paymentID)
	if err != nil {
		return entity.Refund{}, err
	}
	if payment.Status != entity.PaymentCompleted && payment.Status != entity.PaymentPartiallyRefunded {
		return entity.Refund{}, fmt.Errorf("payment %s is %s: %w", paymentID, payment.Status, entity.ErrPaymentNotRefundable)
	}

	remaining := payment.RemainingRefundable()
	refundAmount := remaining
	if amount != nil {
		refundAmount = amount.Round(2)
	}
	if !refundAmount.IsPositive() || refundAmount.GreaterThan(remaining) {
		return entity.Refund{}, entity.ErrInvalidRefundAmount
	}

	if !auth.CanRefund() {
		if err := s.checkOwnerRefund(ctx, payment); err != nil {
			return entity.Refund{}, err
		}
	}

	refundedAtGateway := payment.Method.UsesGateway() && !payment.Bypassed && payment.GatewayRef != nil
	if refundedAtGateway {
		if err := s.gateway.Refund(ctx, *payment.GatewayRef, refundAmount); err != nil {
			return entity.Refund{}, fmt.Errorf("could not refund charge %s: %w", *payment.GatewayRef, err)
		}
	}

	refund, err := s.repo.Refund(ctx, paymentID, refundAmount, auth.UserID)
	if err != nil {
		if refundedAtGateway {
			log.FromContext(ctx).WithError(err).WithFields(logrus.Fields{
				"payment_id": paymentID,
				"amount":     refundAmount.String(),
			}).Error("Charge refunded at the gateway but the refund could not be recorded")
		}
		return entity.Refund{}, err
	}

	metrics.PaymentOutcomes.WithLabelValues(string(payment.Method), string(refund.Payment.Status)).Inc()
	log.FromContext(ctx).WithFields(logrus.Fields{
		"payment_id":        paymentID,
		"amount":            refundAmount.String(),
		"booking_cancelled": refund.BookingCancelled,
	}).Info("Payment refunded")

	return refund, nil
}

func (s *Service) checkOwnerRefund(ctx context.Context, payment entity.Payment) error {
	if payment.BookingID == nil {
		return entity.ErrForbidden
	}

	settings, err := s.settings.Current(ctx)
	if err != nil {
		return err
	}

	booking, used, err := s.repo.BookingUsage(ctx, *payment.BookingID)
	if err != nil {
		return err
	}
	if used > 0 {
		return entity.ErrTicketsAlreadyUsed
	}
	if booking.StartTime.Sub(s.now()) < settings.CancellationWindow {
		return entity.ErrCancellationWindowEnded
	}
	return nil
}

// Reconcile settles gateway payments left PROCESSING, e.g. after a timed out charge or a lost
// webhook. It returns how many payments reached a final state.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	payments, err := s.repo.ListStaleProcessing(ctx, now.Add(-reconcileAfter), reconcileBatchSize)
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, payment := range payments {
		logger := log.FromContext(ctx).WithField("payment_id", payment.PaymentID)

		if payment.GatewayRef == nil {
			// No charge reference, the create call never returned. If the gateway created the
			// charge anyway, its successful webhook refunds it once the payment is failed.
			if now.Sub(payment.UpdatedAt) > settings.IntentDedupTTL {
				s.fail(ctx, payment, "gateway charge was never created")
				reconciled++
			}
			continue
		}

		charge, err := s.gateway.RetrieveCharge(ctx, *payment.GatewayRef)
		if err != nil {
			logger.WithError(err).Warn("Could not retrieve charge")
			continue
		}

		switch charge.Status {
		case entity.ChargeSuccessful:
			_, err := s.confirm(ctx, payment, charge.ID)
			if err != nil && !errors.Is(err, entity.ErrPayableNotPayable) {
				logger.WithError(err).Error("Could not confirm reconciled payment")
				continue
			}
			reconciled++
		case entity.ChargeFailed, entity.ChargeExpired, entity.ChargeReversed:
			s.fail(ctx, payment, "charge "+string(charge.Status)+": "+charge.FailureCode)
			reconciled++
		}
	}

	return reconciled, nil
}

// SideEffects reports the post-commit steps of a payment.
func (s *Service) SideEffects(ctx context.Context, auth entity.AuthContext, paymentID string) ([]entity.SideEffectRun, error) {
	payment, err := s.repo.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !auth.CanActFor(payment.UserID) {
		return nil, entity.ErrForbidden
	}

	return s.runs.Runs(ctx, paymentID)
}

// RetrySideEffects asks for every post-commit step of a completed payment that has not
// succeeded yet to be run again.
func (s *Service) RetrySideEffects(ctx context.Context, auth entity.AuthContext, paymentID string) (entity.SideEffectsHandle, error) {
	if !auth.IsStaff() {
		return entity.SideEffectsHandle{}, entity.ErrForbidden
	}

	payment, err := s.repo.Get(ctx, paymentID)
	if err != nil {
		return entity.SideEffectsHandle{}, err
	}
	if payment.Status != entity.PaymentCompleted {
		return entity.SideEffectsHandle{}, fmt.Errorf("payment %s is %s: %w", paymentID, payment.Status, entity.ErrConflict)
	}

	runs, err := s.runs.Runs(ctx, paymentID)
	if err != nil {
		return entity.SideEffectsHandle{}, err
	}

	handle := entity.SideEffectsHandle{PaymentID: paymentID, Steps: []entity.SideEffectStep{}}
	for _, run := range runs {
		if run.Status == entity.SideEffectSucceeded {
			continue
		}

		err := s.commands.Send(ctx, &entity.RetrySideEffect{
			Header:    entity.NewEventHeader(),
			PaymentID: paymentID,
			Step:      run.Step,
		})
		if err != nil {
			return entity.SideEffectsHandle{}, fmt.Errorf("could not send retry of %s: %w", run.Step, err)
		}
		handle.Steps = append(handle.Steps, run.Step)
	}

	log.FromContext(ctx).WithFields(logrus.Fields{
		"payment_id": paymentID,
		"steps":      handle.Steps,
	}).Info("Side effects retry requested")

	return handle, nil
}
