package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zezo2030/loopmsq-sub000/cache"
	"github.com/zezo2030/loopmsq-sub000/db"
	"github.com/zezo2030/loopmsq-sub000/entity"
	"github.com/zezo2030/loopmsq-sub000/gateway"
	"github.com/zezo2030/loopmsq-sub000/payment"
	"github.com/zezo2030/loopmsq-sub000/ticketing"
)

const (
	webhookSecret = "test-webhook-secret"
	cardToken     = "tokn_test_5086xl7ddjbases4sq3i"
	bankSource    = "src_test_5086xl7ddjbases4sq3i"
)

// slot keeps the bookings of a test from overlapping.
var slot atomic.Int64

type settingsStub struct {
	settings entity.RuntimeSettings
}

func (s settingsStub) Current(ctx context.Context) (entity.RuntimeSettings, error) {
	return s.settings, nil
}

type commandsStub struct {
	lock sync.Mutex
	sent []any
}

func (c *commandsStub) Send(ctx context.Context, cmd any) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sent = append(c.sent, cmd)
	return nil
}

type fixture struct {
	service  *payment.Service
	gateway  *gateway.PaymentGatewayMock
	commands *commandsStub

	payments *db.PaymentsPostgresRepository
	bookings *db.BookingsPostgresRepository
	wallets  *db.WalletPostgresRepository
	venue    entity.Venue
}

func newFixture(t *testing.T, settings entity.RuntimeSettings) fixture {
	t.Helper()

	dbConn := db.GetDb(t)
	rdb := cache.GetRedis(t)

	f := fixture{
		gateway:  &gateway.PaymentGatewayMock{},
		commands: &commandsStub{},
		payments: db.NewPaymentsPostgresRepository(dbConn),
		bookings: db.NewBookingsPostgresRepository(dbConn),
		wallets:  db.NewWalletPostgresRepository(dbConn),
	}

	f.service = payment.NewService(
		f.payments,
		f.gateway,
		f.wallets,
		cache.NewIntentClaims(rdb),
		cache.NewProcessedWebhooks(rdb),
		db.NewSideEffectsPostgresRepository(dbConn),
		f.commands,
		settingsStub{settings: settings},
		webhookSecret,
	)

	f.venue = entity.Venue{
		VenueID:  uuid.NewString(),
		BranchID: "branch-" + shortuuid.New(),
		Name:     "Hall C",
		Currency: "SAR",
		Active:   true,
		PriceConfig: entity.PriceConfig{
			BasePrice:  decimal.NewFromInt(500),
			HourlyRate: decimal.NewFromInt(200),
		},
	}
	require.NoError(t, db.NewVenuesPostgresRepository(dbConn).Store(context.Background(), f.venue))

	return f
}

func (f fixture) createBooking(t *testing.T, userID string, price decimal.Decimal) entity.Booking {
	t.Helper()

	b := entity.Booking{
		BookingID:     uuid.NewString(),
		Reference:     shortuuid.New()[:8],
		UserID:        userID,
		VenueID:       f.venue.VenueID,
		BranchID:      f.venue.BranchID,
		StartTime:     time.Now().Add(time.Duration(48+2*slot.Add(1)) * time.Hour).UTC().Truncate(time.Hour),
		DurationHours: 1,
		Persons:       2,
		TotalPrice:    price,
		Currency:      "SAR",
		Status:        entity.BookingPending,
		CreatedAt:     time.Now().UTC(),
	}
	issued, err := ticketing.NewTickets(b, lo.RangeFrom(1, b.Persons), time.Now().UTC())
	require.NoError(t, err)

	err = f.bookings.Create(context.Background(), b, lo.Map(issued, func(it entity.IssuedTicket, _ int) entity.Ticket {
		return it.Ticket
	}))
	require.NoError(t, err)

	return b
}

func (f fixture) credit(t *testing.T, userID string, amount int64) {
	t.Helper()

	_, err := f.wallets.Credit(context.Background(), entity.WalletMutation{
		UserID: userID,
		Amount: decimal.NewFromInt(amount),
		Reason: "top up",
	})
	require.NoError(t, err)
}

func customer() entity.AuthContext {
	return entity.AuthContext{UserID: uuid.NewString(), Roles: []entity.Role{entity.RoleCustomer}}
}

func staff() entity.AuthContext {
	return entity.AuthContext{UserID: uuid.NewString(), Roles: []entity.Role{entity.RoleBranchAdmin}}
}

func TestService_wallet_payment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entity.DefaultRuntimeSettings())
	auth := customer()

	b := f.createBooking(t, auth.UserID, decimal.NewFromInt(700))

	_, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodWallet, "")
	assert.ErrorIs(t, err, entity.ErrInsufficientBalance)

	f.credit(t, auth.UserID, 1000)

	_, err = f.service.CreateIntent(ctx, customer(), entity.PayableBooking, b.BookingID, entity.MethodWallet, "")
	assert.ErrorIs(t, err, entity.ErrForbidden)

	intent, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodWallet, "")
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentPending, intent.Status)
	assert.Equal(t, "700", intent.Amount.String())
	assert.Nil(t, intent.RedirectURL)

	confirmation, err := f.service.ConfirmPayment(ctx, auth, intent.PaymentID)
	require.NoError(t, err)
	assert.False(t, confirmation.AlreadyCompleted)
	assert.Equal(t, entity.PaymentCompleted, confirmation.Payment.Status)
	assert.Equal(t, entity.PaymentSideEffectSteps, confirmation.SideEffects.Steps)

	wallet, err := f.wallets.Get(ctx, auth.UserID)
	require.NoError(t, err)
	assert.Equal(t, "300", wallet.Balance.String())

	confirmed, err := f.bookings.Get(ctx, b.BookingID)
	require.NoError(t, err)
	assert.Equal(t, entity.BookingConfirmed, confirmed.Status)

	again, err := f.service.ConfirmPayment(ctx, auth, intent.PaymentID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyCompleted)

	wallet, err = f.wallets.Get(ctx, auth.UserID)
	require.NoError(t, err)
	assert.Equal(t, "300", wallet.Balance.String(), "second confirmation must not debit again")

	t.Run("refund credits the wallet and cancels the booking", func(t *testing.T) {
		refund, err := f.service.Refund(ctx, auth, intent.PaymentID, nil)
		require.NoError(t, err)
		assert.Equal(t, entity.PaymentRefunded, refund.Payment.Status)
		assert.True(t, refund.BookingCancelled)

		wallet, err := f.wallets.Get(ctx, auth.UserID)
		require.NoError(t, err)
		assert.Equal(t, "1000", wallet.Balance.String())

		_, err = f.service.Refund(ctx, auth, intent.PaymentID, nil)
		assert.ErrorIs(t, err, entity.ErrPaymentNotRefundable)
	})
}

func TestService_wallet_payment_insufficient_at_confirmation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entity.DefaultRuntimeSettings())
	auth := customer()

	b := f.createBooking(t, auth.UserID, decimal.NewFromInt(700))
	f.credit(t, auth.UserID, 800)

	intent, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodWallet, "")
	require.NoError(t, err)

	_, err = f.wallets.Debit(ctx, entity.WalletMutation{UserID: auth.UserID, Amount: decimal.NewFromInt(500), Reason: "other booking"})
	require.NoError(t, err)

	_, err = f.service.ConfirmPayment(ctx, auth, intent.PaymentID)
	assert.ErrorIs(t, err, entity.ErrInsufficientBalance)

	p, err := f.payments.Get(ctx, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentFailed, p.Status)

	wallet, err := f.wallets.Get(ctx, auth.UserID)
	require.NoError(t, err)
	assert.Equal(t, "300", wallet.Balance.String())

	rows, err := f.wallets.Transactions(ctx, auth.UserID, 10)
	require.NoError(t, err)
	failed := lo.Filter(rows, func(row entity.WalletTransaction, _ int) bool {
		return row.Status == entity.WalletTxFailed
	})
	require.Len(t, failed, 1)
	assert.NotNil(t, failed[0].FailureReason)

	b, err = f.bookings.Get(ctx, b.BookingID)
	require.NoError(t, err)
	assert.Equal(t, entity.BookingPending, b.Status)

	t.Run("top up and pay again", func(t *testing.T) {
		f.credit(t, auth.UserID, 500)

		retry, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodWallet, "")
		require.NoError(t, err)
		assert.NotEqual(t, intent.PaymentID, retry.PaymentID, "intent of the failed payment is not reused")
		assert.Equal(t, entity.PaymentPending, retry.Status)

		confirmation, err := f.service.ConfirmPayment(ctx, auth, retry.PaymentID)
		require.NoError(t, err)
		assert.Equal(t, entity.PaymentCompleted, confirmation.Payment.Status)
	})
}

func TestService_card_payment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entity.DefaultRuntimeSettings())
	auth := customer()

	b := f.createBooking(t, auth.UserID, decimal.NewFromInt(1200))

	intent, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodCard, cardToken)
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentProcessing, intent.Status)
	require.NotNil(t, intent.RedirectURL)

	p, err := f.payments.Get(ctx, intent.PaymentID)
	require.NoError(t, err)
	require.NotNil(t, p.GatewayRef)
	chargeID := *p.GatewayRef

	req := f.gateway.Requests[intent.PaymentID]
	assert.True(t, req.ThreeDS)
	assert.Equal(t, "1200", req.Amount.String())
	assert.Equal(t, cardToken, req.Card)
	assert.Empty(t, req.Source)

	_, err = f.service.ConfirmPayment(ctx, auth, intent.PaymentID)
	assert.ErrorIs(t, err, entity.ErrPaymentNotSettled)

	f.gateway.SetStatus(chargeID, entity.ChargeSuccessful)

	confirmation, err := f.service.ConfirmPayment(ctx, auth, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentCompleted, confirmation.Payment.Status)
	assert.Equal(t, chargeID, *confirmation.Payment.TransactionID)

	t.Run("partial then full refund", func(t *testing.T) {
		_, err := f.service.Refund(ctx, auth, intent.PaymentID, lo.ToPtr(decimal.NewFromInt(1300)))
		assert.ErrorIs(t, err, entity.ErrInvalidRefundAmount)

		_, err = f.service.Refund(ctx, auth, intent.PaymentID, lo.ToPtr(decimal.Zero))
		assert.ErrorIs(t, err, entity.ErrInvalidRefundAmount)

		refund, err := f.service.Refund(ctx, auth, intent.PaymentID, lo.ToPtr(decimal.NewFromInt(200)))
		require.NoError(t, err)
		assert.Equal(t, entity.PaymentPartiallyRefunded, refund.Payment.Status)
		assert.False(t, refund.BookingCancelled)

		refund, err = f.service.Refund(ctx, staff(), intent.PaymentID, nil)
		require.NoError(t, err)
		assert.Equal(t, entity.PaymentRefunded, refund.Payment.Status)
		assert.Equal(t, "1000", refund.Amount.String())
		assert.True(t, refund.BookingCancelled)

		refunds := f.gateway.RefundsOf(chargeID)
		require.Len(t, refunds, 2)
		assert.Equal(t, "200", refunds[0].String())
		assert.Equal(t, "1000", refunds[1].String())
	})
}

func TestService_CreateIntent_requires_gateway_token(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entity.DefaultRuntimeSettings())
	auth := customer()

	b := f.createBooking(t, auth.UserID, decimal.NewFromInt(400))

	_, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodCard, "")
	assert.ErrorIs(t, err, entity.ErrMissingPaymentToken)
	assert.Equal(t, entity.KindValidation, entity.KindOf(err))
	assert.Empty(t, f.gateway.Requests)
}

func TestService_Refund_by_owner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entity.DefaultRuntimeSettings())
	auth := customer()
	dbConn := db.GetDb(t)

	pay := func(t *testing.T) (entity.Booking, string) {
		b := f.createBooking(t, auth.UserID, decimal.NewFromInt(300))
		f.credit(t, auth.UserID, 300)

		intent, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodWallet, "")
		require.NoError(t, err)
		_, err = f.service.ConfirmPayment(ctx, auth, intent.PaymentID)
		require.NoError(t, err)
		return b, intent.PaymentID
	}

	t.Run("within the cancellation window", func(t *testing.T) {
		b, paymentID := pay(t)

		_, err := dbConn.ExecContext(ctx, `UPDATE bookings SET start_time = $2 WHERE booking_id = $1`,
			b.BookingID, time.Now().Add(2*time.Hour).UTC())
		require.NoError(t, err)

		_, err = f.service.Refund(ctx, auth, paymentID, nil)
		assert.ErrorIs(t, err, entity.ErrCancellationWindowEnded)

		confirmed, err := f.bookings.Get(ctx, b.BookingID)
		require.NoError(t, err)
		assert.Equal(t, entity.BookingConfirmed, confirmed.Status)

		refund, err := f.service.Refund(ctx, staff(), paymentID, nil)
		require.NoError(t, err)
		assert.Equal(t, entity.PaymentRefunded, refund.Payment.Status)
		assert.True(t, refund.BookingCancelled)
	})

	t.Run("after a ticket was scanned", func(t *testing.T) {
		b, paymentID := pay(t)

		_, err := dbConn.ExecContext(ctx, `UPDATE tickets SET status = $2 WHERE booking_id = $1 AND seq = 1`,
			b.BookingID, entity.TicketUsed)
		require.NoError(t, err)

		_, err = f.service.Refund(ctx, auth, paymentID, lo.ToPtr(decimal.NewFromInt(100)))
		assert.ErrorIs(t, err, entity.ErrTicketsAlreadyUsed)

		p, err := f.payments.Get(ctx, paymentID)
		require.NoError(t, err)
		assert.Equal(t, entity.PaymentCompleted, p.Status)
	})
}

func TestService_Refund_concurrent_full_refunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entity.DefaultRuntimeSettings())
	f.gateway.RefundDelay = 100 * time.Millisecond
	auth := customer()

	b := f.createBooking(t, auth.UserID, decimal.NewFromInt(800))

	intent, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodCard, cardToken)
	require.NoError(t, err)
	p, err := f.payments.Get(ctx, intent.PaymentID)
	require.NoError(t, err)
	chargeID := *p.GatewayRef

	f.gateway.SetStatus(chargeID, entity.ChargeSuccessful)
	_, err = f.service.ConfirmPayment(ctx, auth, intent.PaymentID)
	require.NoError(t, err)

	const callers = 5
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.service.Refund(ctx, staff(), intent.PaymentID, nil)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(
			t,
			errors.Is(err, entity.ErrRefundInProgress) || errors.Is(err, entity.ErrPaymentNotRefundable),
			"unexpected error: %v", err,
		)
	}
	assert.Equal(t, 1, succeeded)

	refunds := f.gateway.RefundsOf(chargeID)
	require.Len(t, refunds, 1)
	assert.Equal(t, "800", refunds[0].String())
}

func TestService_CreateIntent_concurrent_callers_share_one_payment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entity.DefaultRuntimeSettings())
	auth := customer()

	b := f.createBooking(t, auth.UserID, decimal.NewFromInt(900))

	const callers = 10
	intents := make([]entity.PaymentIntent, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			intents[i], errs[i] = f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodCard, cardToken)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, intents[0], intents[i])
	}
	assert.Len(t, f.gateway.Requests, 1)
}

func TestService_CreateIntent_gateway_timeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entity.DefaultRuntimeSettings())
	auth := customer()

	b := f.createBooking(t, auth.UserID, decimal.NewFromInt(400))

	f.gateway.SetTimeout(true)
	_, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodCard, cardToken)
	require.ErrorIs(t, err, entity.ErrGatewayTimeout)
	assert.Equal(t, entity.KindGateway, entity.KindOf(err))

	p, found, err := f.payments.FindActive(ctx, entity.PayableBooking, b.BookingID, entity.MethodCard)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, entity.PaymentProcessing, p.Status)
	assert.Nil(t, p.GatewayRef)

	f.gateway.SetTimeout(false)
	intent, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodCard, cardToken)
	require.NoError(t, err)
	assert.Equal(t, p.PaymentID, intent.PaymentID, "the timed out payment is resumed")
	assert.NotNil(t, intent.RedirectURL)
}

func TestService_CreateIntent_declined(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entity.DefaultRuntimeSettings())
	f.gateway.CreatedStatus = entity.ChargeFailed
	auth := customer()

	b := f.createBooking(t, auth.UserID, decimal.NewFromInt(400))

	_, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodBankTransfer, bankSource)
	assert.ErrorIs(t, err, entity.ErrGatewayDeclined)

	requests := lo.Values(f.gateway.Requests)
	require.Len(t, requests, 1)
	assert.Equal(t, bankSource, requests[0].Source)
	assert.Empty(t, requests[0].Card)

	_, found, err := f.payments.FindActive(ctx, entity.PayableBooking, b.BookingID, entity.MethodBankTransfer)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestService_bypassed_gateway(t *testing.T) {
	ctx := context.Background()
	settings := entity.DefaultRuntimeSettings()
	settings.BypassPaymentGateway = true
	f := newFixture(t, settings)
	auth := customer()

	b := f.createBooking(t, auth.UserID, decimal.NewFromInt(400))

	intent, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodCard, cardToken)
	require.NoError(t, err)
	assert.True(t, intent.AutoConfirm)
	assert.Equal(t, entity.PaymentPending, intent.Status)

	confirmation, err := f.service.ConfirmPayment(ctx, auth, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentCompleted, confirmation.Payment.Status)
	assert.Empty(t, f.gateway.Requests)
}

func TestService_event_request_paid_in_cash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entity.DefaultRuntimeSettings())
	auth := customer()

	request := entity.EventRequest{
		EventRequestID: uuid.NewString(),
		UserID:         auth.UserID,
		VenueID:        f.venue.VenueID,
		BranchID:       f.venue.BranchID,
		StartTime:      time.Now().Add(500 * time.Hour).UTC().Truncate(time.Hour),
		DurationHours:  4,
		Persons:        25,
		QuotedPrice:    decimal.NewFromInt(5000),
		Currency:       "SAR",
		Status:         entity.EventRequestQuoted,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, db.NewEventRequestsPostgresRepository(db.GetDb(t)).Create(ctx, request))

	intent, err := f.service.CreateIntent(ctx, auth, entity.PayableEventRequest, request.EventRequestID, entity.MethodCash, "")
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentPending, intent.Status)

	_, err = f.service.ConfirmPayment(ctx, auth, intent.PaymentID)
	assert.ErrorIs(t, err, entity.ErrForbidden, "cash is confirmed by staff")

	confirmation, err := f.service.ConfirmPayment(ctx, staff(), intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentCompleted, confirmation.Payment.Status)
	require.NotNil(t, confirmation.Payment.BookingID)
	assert.Len(t, confirmation.Tickets, 25)

	b, err := f.bookings.Get(ctx, *confirmation.Payment.BookingID)
	require.NoError(t, err)
	assert.Equal(t, entity.BookingConfirmed, b.Status)
	assert.Equal(t, request.EventRequestID, lo.FromPtr(b.EventRequestID))

	_, err = f.service.CreateIntent(ctx, auth, entity.PayableEventRequest, request.EventRequestID, entity.MethodWallet, "")
	assert.ErrorIs(t, err, entity.ErrPayableNotPayable)
}

func TestService_HandleWebhook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entity.DefaultRuntimeSettings())
	auth := customer()

	b := f.createBooking(t, auth.UserID, decimal.NewFromInt(650))

	intent, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodCard, cardToken)
	require.NoError(t, err)

	p, err := f.payments.Get(ctx, intent.PaymentID)
	require.NoError(t, err)

	var event entity.WebhookEvent
	event.EventType = "charge.complete"
	event.Data.PaymentID = intent.PaymentID
	event.Data.ChargeID = *p.GatewayRef
	event.Data.Status = string(entity.ChargeSuccessful)

	body, err := json.Marshal(event)
	require.NoError(t, err)

	_, err = f.service.HandleWebhook(ctx, "deadbeef", body)
	assert.ErrorIs(t, err, entity.ErrInvalidSignature)

	ack, err := f.service.HandleWebhook(ctx, payment.Sign(webhookSecret, body), body)
	require.NoError(t, err)
	assert.True(t, ack.Received)
	assert.False(t, ack.Idempotent)

	p, err = f.payments.Get(ctx, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentCompleted, p.Status)

	ack, err = f.service.HandleWebhook(ctx, payment.Sign(webhookSecret, body), body)
	require.NoError(t, err)
	assert.True(t, ack.Idempotent)

	t.Run("failed charge", func(t *testing.T) {
		other := f.createBooking(t, auth.UserID, decimal.NewFromInt(650))
		intent, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, other.BookingID, entity.MethodCard, cardToken)
		require.NoError(t, err)

		var event entity.WebhookEvent
		event.EventType = "charge.complete"
		event.Data.PaymentID = intent.PaymentID
		event.Data.Status = string(entity.ChargeFailed)
		body, err := json.Marshal(event)
		require.NoError(t, err)

		_, err = f.service.HandleWebhook(ctx, payment.Sign(webhookSecret, body), body)
		require.NoError(t, err)

		p, err := f.payments.Get(ctx, intent.PaymentID)
		require.NoError(t, err)
		assert.Equal(t, entity.PaymentFailed, p.Status)
	})

	t.Run("unknown payment can be redelivered", func(t *testing.T) {
		var event entity.WebhookEvent
		event.EventType = "charge.complete"
		event.Data.PaymentID = uuid.NewString()
		event.Data.Status = string(entity.ChargeSuccessful)
		body, err := json.Marshal(event)
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			_, err = f.service.HandleWebhook(ctx, payment.Sign(webhookSecret, body), body)
			assert.ErrorIs(t, err, entity.ErrNotFound)
		}
	})
}

func webhookBody(t *testing.T, paymentID, chargeID string, status entity.ChargeStatus) []byte {
	t.Helper()

	var event entity.WebhookEvent
	event.EventType = "charge.complete"
	event.Data.PaymentID = paymentID
	event.Data.ChargeID = chargeID
	event.Data.Status = string(status)

	body, err := json.Marshal(event)
	require.NoError(t, err)
	return body
}

func TestService_HandleWebhook_pending_charge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entity.DefaultRuntimeSettings())
	auth := customer()

	b := f.createBooking(t, auth.UserID, decimal.NewFromInt(450))
	intent, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodCard, cardToken)
	require.NoError(t, err)
	p, err := f.payments.Get(ctx, intent.PaymentID)
	require.NoError(t, err)

	pending := webhookBody(t, intent.PaymentID, *p.GatewayRef, entity.ChargePending)
	ack, err := f.service.HandleWebhook(ctx, payment.Sign(webhookSecret, pending), pending)
	require.NoError(t, err)
	assert.True(t, ack.Received)

	p, err = f.payments.Get(ctx, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentProcessing, p.Status)

	successful := webhookBody(t, intent.PaymentID, *p.GatewayRef, entity.ChargeSuccessful)
	ack, err = f.service.HandleWebhook(ctx, payment.Sign(webhookSecret, successful), successful)
	require.NoError(t, err)
	assert.False(t, ack.Idempotent, "the pending notification does not swallow the final one")

	p, err = f.payments.Get(ctx, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentCompleted, p.Status)
}

func TestService_HandleWebhook_captured_charge_is_refunded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entity.DefaultRuntimeSettings())
	auth := customer()

	t.Run("booking cancelled while the charge was in flight", func(t *testing.T) {
		b := f.createBooking(t, auth.UserID, decimal.NewFromInt(650))
		intent, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodCard, cardToken)
		require.NoError(t, err)
		p, err := f.payments.Get(ctx, intent.PaymentID)
		require.NoError(t, err)
		chargeID := *p.GatewayRef

		_, err = f.bookings.Cancel(ctx, b.BookingID, auth.UserID, func(entity.Booking) error { return nil })
		require.NoError(t, err)

		f.gateway.SetStatus(chargeID, entity.ChargeSuccessful)
		body := webhookBody(t, intent.PaymentID, chargeID, entity.ChargeSuccessful)

		ack, err := f.service.HandleWebhook(ctx, payment.Sign(webhookSecret, body), body)
		require.NoError(t, err)
		assert.True(t, ack.Received)

		p, err = f.payments.Get(ctx, intent.PaymentID)
		require.NoError(t, err)
		assert.Equal(t, entity.PaymentRefunded, p.Status)
		assert.Equal(t, "650", p.RefundedAmount.String())

		refunds := f.gateway.RefundsOf(chargeID)
		require.Len(t, refunds, 1)
		assert.Equal(t, "650", refunds[0].String())

		ack, err = f.service.HandleWebhook(ctx, payment.Sign(webhookSecret, body), body)
		require.NoError(t, err)
		assert.True(t, ack.Idempotent)
		assert.Len(t, f.gateway.RefundsOf(chargeID), 1)

		cancelled, err := f.bookings.Get(ctx, b.BookingID)
		require.NoError(t, err)
		assert.Equal(t, entity.BookingCancelled, cancelled.Status)
	})

	t.Run("charge succeeded after the payment failed", func(t *testing.T) {
		b := f.createBooking(t, auth.UserID, decimal.NewFromInt(350))
		intent, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodCard, cardToken)
		require.NoError(t, err)
		p, err := f.payments.Get(ctx, intent.PaymentID)
		require.NoError(t, err)
		chargeID := *p.GatewayRef

		// e.g. failed by reconciliation while the charge was still pending at the gateway
		failed, err := f.payments.MarkFailed(ctx, intent.PaymentID, "gateway charge was never created")
		require.NoError(t, err)
		require.True(t, failed)

		successful := webhookBody(t, intent.PaymentID, chargeID, entity.ChargeSuccessful)
		_, err = f.service.HandleWebhook(ctx, payment.Sign(webhookSecret, successful), successful)
		require.NoError(t, err)

		p, err = f.payments.Get(ctx, intent.PaymentID)
		require.NoError(t, err)
		assert.Equal(t, entity.PaymentRefunded, p.Status)
		assert.Equal(t, chargeID, lo.FromPtr(p.TransactionID))
		assert.Len(t, f.gateway.RefundsOf(chargeID), 1)

		pending, err := f.bookings.Get(ctx, b.BookingID)
		require.NoError(t, err)
		assert.Equal(t, entity.BookingPending, pending.Status, "a refunded charge does not confirm the booking")
	})
}

func TestService_Reconcile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entity.DefaultRuntimeSettings())
	auth := customer()

	succeeded := f.createBooking(t, auth.UserID, decimal.NewFromInt(300))
	declined := f.createBooking(t, auth.UserID, decimal.NewFromInt(300))

	intentOf := func(b entity.Booking) entity.Payment {
		intent, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodCard, cardToken)
		require.NoError(t, err)
		p, err := f.payments.Get(ctx, intent.PaymentID)
		require.NoError(t, err)
		return p
	}

	successfulPayment := intentOf(succeeded)
	declinedPayment := intentOf(declined)

	f.gateway.SetStatus(*successfulPayment.GatewayRef, entity.ChargeSuccessful)
	f.gateway.SetStatus(*declinedPayment.GatewayRef, entity.ChargeExpired)

	_, err := db.GetDb(t).ExecContext(ctx, `
		UPDATE payments SET updated_at = NOW() - INTERVAL '5 minutes' WHERE payment_id IN ($1, $2)
	`, successfulPayment.PaymentID, declinedPayment.PaymentID)
	require.NoError(t, err)

	reconciled, err := f.service.Reconcile(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reconciled, 2)

	p, err := f.payments.Get(ctx, successfulPayment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentCompleted, p.Status)

	p, err = f.payments.Get(ctx, declinedPayment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentFailed, p.Status)
}

func TestService_RetrySideEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entity.DefaultRuntimeSettings())
	auth := customer()

	b := f.createBooking(t, auth.UserID, decimal.NewFromInt(100))
	f.credit(t, auth.UserID, 100)

	intent, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodWallet, "")
	require.NoError(t, err)

	_, err = f.service.RetrySideEffects(ctx, staff(), intent.PaymentID)
	assert.ErrorIs(t, err, entity.ErrConflict, "payment is not completed yet")

	_, err = f.service.ConfirmPayment(ctx, auth, intent.PaymentID)
	require.NoError(t, err)

	runs, err := f.service.SideEffects(ctx, auth, intent.PaymentID)
	require.NoError(t, err)
	require.Len(t, runs, len(entity.PaymentSideEffectSteps))

	_, err = f.service.RetrySideEffects(ctx, auth, intent.PaymentID)
	assert.ErrorIs(t, err, entity.ErrForbidden)

	handle, err := f.service.RetrySideEffects(ctx, staff(), intent.PaymentID)
	require.NoError(t, err)
	assert.ElementsMatch(t, entity.PaymentSideEffectSteps, handle.Steps)
	assert.Len(t, f.commands.sent, len(entity.PaymentSideEffectSteps))
}

type ticketIssuerStub struct {
	lock  sync.Mutex
	fails int
	calls int
}

func (t *ticketIssuerStub) EnsureIssued(ctx context.Context, bookingID string) ([]entity.IssuedTicket, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.calls++
	if t.calls <= t.fails {
		return nil, errors.New("ticket storage unavailable")
	}
	return nil, nil
}

type notifierStub struct{}

func (notifierStub) Enqueue(ctx context.Context, event entity.NotificationEvent) (entity.Submission, error) {
	return entity.Submission{Type: event.Type, DedupKey: event.DedupKey}, nil
}

type loyaltyStub struct{}

func (loyaltyStub) Award(ctx context.Context, userID, paymentID string, amount decimal.Decimal) (int64, error) {
	return 0, nil
}

func (loyaltyStub) AttemptReferral(ctx context.Context, refereeID, paymentID string) (entity.ReferralEarning, bool, error) {
	return entity.ReferralEarning{}, false, nil
}

func TestSideEffects_Run(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, entity.DefaultRuntimeSettings())
	auth := customer()

	b := f.createBooking(t, auth.UserID, decimal.NewFromInt(100))
	f.credit(t, auth.UserID, 100)

	intent, err := f.service.CreateIntent(ctx, auth, entity.PayableBooking, b.BookingID, entity.MethodWallet, "")
	require.NoError(t, err)
	_, err = f.service.ConfirmPayment(ctx, auth, intent.PaymentID)
	require.NoError(t, err)

	tickets := &ticketIssuerStub{fails: 1}
	runs := db.NewSideEffectsPostgresRepository(db.GetDb(t))
	sideEffects := payment.NewSideEffects(f.payments, runs, f.bookings, tickets, notifierStub{}, loyaltyStub{})

	err = sideEffects.Run(ctx, intent.PaymentID, entity.StepEnsureTickets)
	require.Error(t, err)

	err = sideEffects.Run(ctx, intent.PaymentID, entity.StepEnsureTickets)
	require.NoError(t, err)

	err = sideEffects.Run(ctx, intent.PaymentID, entity.StepEnsureTickets)
	require.NoError(t, err)
	assert.Equal(t, 2, tickets.calls, "a succeeded step is not run again")

	for _, step := range entity.PaymentSideEffectSteps[1:] {
		require.NoError(t, sideEffects.Run(ctx, intent.PaymentID, step))
	}

	recorded, err := runs.Runs(ctx, intent.PaymentID)
	require.NoError(t, err)

	handle := entity.SideEffectsHandle{PaymentID: intent.PaymentID, Steps: entity.PaymentSideEffectSteps}
	assert.True(t, handle.Done(recorded))

	ensure, ok := lo.Find(recorded, func(run entity.SideEffectRun) bool {
		return run.Step == entity.StepEnsureTickets
	})
	require.True(t, ok)
	assert.Equal(t, 2, ensure.Attempts)
}
