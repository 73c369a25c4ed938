package entity

import "errors"

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindForbidden
	KindUnauthorized
	KindGateway
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindUnauthorized:
		return "unauthorized"
	case KindGateway:
		return "gateway"
	default:
		return "unknown"
	}
}

// Error is a domain error with a kind. Transport layers map the kind to their own codes.
type Error struct {
	kind ErrorKind
	code string
	msg  string
}

func NewError(kind ErrorKind, code, msg string) *Error {
	return &Error{kind: kind, code: code, msg: msg}
}

func (e *Error) Error() string {
	return e.msg
}

func (e *Error) Kind() ErrorKind {
	return e.kind
}

// Code is a stable machine readable identifier, e.g. "insufficient_balance".
func (e *Error) Code() string {
	return e.code
}

// KindOf returns the kind of the first *Error found in err's chain.
func KindOf(err error) ErrorKind {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.kind
	}
	return KindUnknown
}

var (
	ErrNotFound     = NewError(KindNotFound, "not_found", "not found")
	ErrConflict     = NewError(KindConflict, "conflict", "conflict")
	ErrForbidden    = NewError(KindForbidden, "forbidden", "operation not allowed for this caller")
	ErrUnauthorized = NewError(KindUnauthorized, "unauthorized", "missing or invalid credentials")

	ErrInvalidTimeRange      = NewError(KindValidation, "invalid_time_range", "invalid time range")
	ErrInvalidPartySize      = NewError(KindValidation, "invalid_party_size", "party size must be at least 1")
	ErrInvalidAmount         = NewError(KindValidation, "invalid_amount", "amount must be greater than zero")
	ErrInvalidRefundAmount   = NewError(KindValidation, "invalid_refund_amount", "refund amount must be positive and not exceed the remaining amount")
	ErrInvalidPaymentMethod  = NewError(KindValidation, "invalid_payment_method", "unsupported payment method")
	ErrInvalidCoupon         = NewError(KindValidation, "invalid_coupon", "coupon is invalid or expired")
	ErrUnknownAddOn          = NewError(KindValidation, "unknown_add_on", "add-on does not belong to the venue")
	ErrInvalidSignature      = NewError(KindUnauthorized, "invalid_signature", "invalid webhook signature")
	ErrBelowMinimumRedeem    = NewError(KindValidation, "below_minimum_redeem", "points are below the minimum redeemable amount")
	ErrInvalidLoyaltyRule    = NewError(KindValidation, "invalid_loyalty_rule", "invalid loyalty rule")
	ErrInvalidRuntimeSetting = NewError(KindValidation, "invalid_runtime_settings", "invalid runtime settings")
	ErrSelfReferral          = NewError(KindValidation, "self_referral", "users can not refer themselves")
	ErrMalformedWebhook      = NewError(KindValidation, "malformed_webhook", "malformed webhook payload")
	ErrMissingPaymentToken   = NewError(KindValidation, "missing_payment_token", "a card token or payment source is required")

	ErrVenueClosed             = NewError(KindConflict, "venue_closed", "venue is closed on that day")
	ErrOutsideOperatingHours   = NewError(KindConflict, "outside_operating_hours", "requested time is outside operating hours")
	ErrVenueUnavailable        = NewError(KindConflict, "venue_unavailable", "venue is not available for the requested time")
	ErrBookingNotCancellable   = NewError(KindConflict, "booking_not_cancellable", "booking can no longer be cancelled")
	ErrCancellationWindowEnded = NewError(KindConflict, "cancellation_window_ended", "cancellation is not allowed this close to the start time")
	ErrPayableNotPayable       = NewError(KindConflict, "payable_not_payable", "payable is not awaiting payment")
	ErrPaymentNotRefundable    = NewError(KindConflict, "payment_not_refundable", "payment is not refundable")
	ErrPaymentNotConfirmable   = NewError(KindConflict, "payment_not_confirmable", "payment can not be confirmed")
	ErrPaymentNotSettled       = NewError(KindConflict, "payment_not_settled", "payment has not been settled by the gateway yet")
	ErrRefundInProgress        = NewError(KindConflict, "refund_in_progress", "another refund of the payment is in progress")
	ErrTicketsAlreadyUsed      = NewError(KindConflict, "tickets_already_used", "tickets of the booking were already used")
	ErrInsufficientBalance     = NewError(KindConflict, "insufficient_balance", "insufficient wallet balance")
	ErrInsufficientPoints      = NewError(KindConflict, "insufficient_points", "insufficient loyalty points")
	ErrNoActiveLoyaltyRule     = NewError(KindConflict, "no_active_loyalty_rule", "no active loyalty rule")
	ErrRecipientUnresolvable   = NewError(KindConflict, "recipient_unresolvable", "notification recipient could not be resolved")
	ErrReferralNotPending      = NewError(KindConflict, "referral_not_pending", "referral earning is already settled")

	ErrGatewayTimeout  = NewError(KindGateway, "gateway_timeout", "payment gateway did not respond in time")
	ErrGatewayDeclined = NewError(KindGateway, "gateway_declined", "payment was declined by the gateway")
)
