package http

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/zezo2030/loopmsq-sub000/db"
	"github.com/zezo2030/loopmsq-sub000/entity"
)

type BookingService interface {
	Quote(ctx context.Context, req entity.QuoteRequest) (entity.Quote, error)
	Create(ctx context.Context, auth entity.AuthContext, req entity.QuoteRequest) (entity.CreatedBooking, error)
	Get(ctx context.Context, auth entity.AuthContext, bookingID string) (entity.Booking, error)
	ListMine(ctx context.Context, auth entity.AuthContext) ([]entity.Booking, error)
	Cancel(ctx context.Context, auth entity.AuthContext, bookingID string) (entity.Booking, error)
	CreateEventRequest(ctx context.Context, auth entity.AuthContext, request entity.EventRequest) (entity.EventRequest, error)
	GetEventRequest(ctx context.Context, auth entity.AuthContext, eventRequestID string) (entity.EventRequest, error)
}

type PaymentService interface {
	CreateIntent(
		ctx context.Context,
		auth entity.AuthContext,
		kind entity.PayableKind,
		payableID string,
		method entity.PaymentMethod,
		token string,
	) (entity.PaymentIntent, error)
	ConfirmPayment(ctx context.Context, auth entity.AuthContext, paymentID string) (entity.PaymentConfirmation, error)
	Refund(ctx context.Context, auth entity.AuthContext, paymentID string, amount *decimal.Decimal) (entity.Refund, error)
	HandleWebhook(ctx context.Context, signature string, body []byte) (entity.WebhookAck, error)
	SideEffects(ctx context.Context, auth entity.AuthContext, paymentID string) ([]entity.SideEffectRun, error)
	RetrySideEffects(ctx context.Context, auth entity.AuthContext, paymentID string) (entity.SideEffectsHandle, error)
}

type TicketService interface {
	Scan(ctx context.Context, auth entity.AuthContext, token string) (entity.ScanOutcome, error)
	Reissue(ctx context.Context, auth entity.AuthContext, bookingID string) ([]entity.IssuedTicket, error)
	Share(ctx context.Context, auth entity.AuthContext, ticketID string) (entity.SharedTicket, error)
	ResolveShare(ctx context.Context, shareToken string) (entity.SharedTicket, error)
	ListForBooking(ctx context.Context, auth entity.AuthContext, bookingID string) ([]entity.Ticket, error)
}

type WalletService interface {
	Balance(ctx context.Context, auth entity.AuthContext, userID string) (entity.Wallet, error)
	Transactions(ctx context.Context, auth entity.AuthContext, userID string, limit int) ([]entity.WalletTransaction, error)
	Credit(ctx context.Context, auth entity.AuthContext, userID string, amount decimal.Decimal, reason string) (entity.WalletTransaction, error)
}

type LoyaltyService interface {
	Redeem(ctx context.Context, auth entity.AuthContext, points int64) (entity.Redemption, error)
	Transactions(ctx context.Context, auth entity.AuthContext, userID string) ([]entity.LoyaltyTransaction, error)
	CreateRule(ctx context.Context, auth entity.AuthContext, rule entity.LoyaltyRule) (entity.LoyaltyRule, error)
	ActivateRule(ctx context.Context, auth entity.AuthContext, ruleID string) (entity.LoyaltyRule, error)
	RegisterReferral(ctx context.Context, auth entity.AuthContext, referrerID, code string) error
	ApproveReferral(ctx context.Context, auth entity.AuthContext, earningID string) (entity.ReferralEarning, error)
	RejectReferral(ctx context.Context, auth entity.AuthContext, earningID string) (entity.ReferralEarning, error)
}

type SettingsService interface {
	Current(ctx context.Context) (entity.RuntimeSettings, error)
	Update(ctx context.Context, auth entity.AuthContext, settings entity.RuntimeSettings) (entity.RuntimeSettings, error)
}

type OpsBookingsReadModel interface {
	AllBookings(ctx context.Context, filter db.OpsBookingsFilter) ([]entity.OpsBooking, error)
	BookingReadModel(ctx context.Context, bookingID string) (entity.OpsBooking, error)
}
