package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuntimeSettings is one version of the admin-tunable configuration.
// Operations read a single snapshot at their start and use it throughout.
type RuntimeSettings struct {
	Version              int64           `json:"version"`
	BypassPaymentGateway bool            `json:"bypass_payment_gateway"`
	IntentDedupTTL       time.Duration   `json:"intent_dedup_ttl"`
	WebhookDedupTTL      time.Duration   `json:"webhook_dedup_ttl"`
	CancellationWindow   time.Duration   `json:"cancellation_window"`
	ShareTokenTTL        time.Duration   `json:"share_token_ttl"`
	ListingCacheTTL      time.Duration   `json:"listing_cache_ttl"`
	DefaultLanguage      string          `json:"default_language"`
	EnabledChannels      []Channel       `json:"enabled_channels"`
	NotificationRetries  int             `json:"notification_retries"`
	ReferralReward       decimal.Decimal `json:"referral_reward"`
	PaymentRedirectURL   string          `json:"payment_redirect_url"`
	UpdatedBy            string          `json:"updated_by"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

func DefaultRuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		Version:             0,
		IntentDedupTTL:      15 * time.Minute,
		WebhookDedupTTL:     72 * time.Hour,
		CancellationWindow:  24 * time.Hour,
		ShareTokenTTL:       time.Hour,
		ListingCacheTTL:     5 * time.Minute,
		DefaultLanguage:     "en",
		EnabledChannels:     []Channel{ChannelPush, ChannelSMS, ChannelEmail},
		NotificationRetries: 5,
		ReferralReward:      decimal.NewFromInt(25),
		PaymentRedirectURL:  "https://example.com/payments/return",
	}
}

func (s RuntimeSettings) Validate() error {
	if s.IntentDedupTTL <= 0 || s.WebhookDedupTTL <= 0 || s.ShareTokenTTL <= 0 || s.ListingCacheTTL <= 0 {
		return ErrInvalidRuntimeSetting
	}
	if s.CancellationWindow < 0 || s.NotificationRetries < 0 || s.ReferralReward.IsNegative() {
		return ErrInvalidRuntimeSetting
	}
	if s.DefaultLanguage == "" {
		return ErrInvalidRuntimeSetting
	}
	return nil
}
