package db

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/jmoiron/sqlx"

	"github.com/zezo2030/loopmsq-sub000/pubsub/outbox"
)

func InitializeDatabaseSchema(db *sqlx.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS venues (
			venue_id UUID PRIMARY KEY,
			branch_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			currency VARCHAR(3) NOT NULL,
			timezone VARCHAR(64) NOT NULL DEFAULT 'UTC',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			base_price NUMERIC(12, 2) NOT NULL DEFAULT 0,
			hourly_rate NUMERIC(12, 2) NOT NULL DEFAULT 0,
			price_per_person NUMERIC(12, 2) NOT NULL DEFAULT 0,
			decoration_price NUMERIC(12, 2) NOT NULL DEFAULT 0,
			weekend_multiplier NUMERIC(6, 3) NOT NULL DEFAULT 1,
			holiday_multiplier NUMERIC(6, 3) NOT NULL DEFAULT 1,
			weekend_days INT[] NOT NULL DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS venue_operating_hours (
			venue_id UUID NOT NULL REFERENCES venues (venue_id),
			weekday INT NOT NULL,
			open_minute INT NOT NULL DEFAULT 0,
			close_minute INT NOT NULL DEFAULT 0,
			closed BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (venue_id, weekday)
		);

		CREATE TABLE IF NOT EXISTS venue_add_ons (
			add_on_id UUID PRIMARY KEY,
			venue_id UUID NOT NULL REFERENCES venues (venue_id),
			name VARCHAR(255) NOT NULL,
			price NUMERIC(12, 2) NOT NULL
		);

		CREATE TABLE IF NOT EXISTS holidays (
			holiday_date DATE PRIMARY KEY,
			name VARCHAR(255) NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS coupons (
			code VARCHAR(64) PRIMARY KEY,
			discount_type VARCHAR(16) NOT NULL,
			value NUMERIC(12, 2) NOT NULL,
			valid_from TIMESTAMPTZ NOT NULL,
			valid_to TIMESTAMPTZ NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE
		);

		CREATE TABLE IF NOT EXISTS bookings (
			booking_id UUID PRIMARY KEY,
			reference VARCHAR(32) NOT NULL UNIQUE,
			user_id VARCHAR(255) NOT NULL,
			venue_id UUID NOT NULL REFERENCES venues (venue_id),
			branch_id VARCHAR(255) NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			duration_hours INT NOT NULL CHECK (duration_hours > 0),
			persons INT NOT NULL CHECK (persons > 0),
			decoration BOOLEAN NOT NULL DEFAULT FALSE,
			total_price NUMERIC(12, 2) NOT NULL,
			currency VARCHAR(3) NOT NULL,
			status VARCHAR(16) NOT NULL,
			coupon_code VARCHAR(64),
			discount NUMERIC(12, 2) NOT NULL DEFAULT 0,
			event_request_id UUID UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			cancelled_at TIMESTAMPTZ,
			cancelled_by VARCHAR(255)
		);
		CREATE INDEX IF NOT EXISTS bookings_venue_time_idx ON bookings (venue_id, start_time);
		CREATE INDEX IF NOT EXISTS bookings_user_idx ON bookings (user_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS booking_add_ons (
			booking_id UUID NOT NULL REFERENCES bookings (booking_id),
			add_on_id UUID NOT NULL,
			name VARCHAR(255) NOT NULL,
			unit_price NUMERIC(12, 2) NOT NULL,
			quantity INT NOT NULL CHECK (quantity > 0),
			PRIMARY KEY (booking_id, add_on_id)
		);

		CREATE TABLE IF NOT EXISTS tickets (
			ticket_id UUID PRIMARY KEY,
			booking_id UUID NOT NULL REFERENCES bookings (booking_id),
			seq INT NOT NULL,
			token_hash CHAR(64) NOT NULL UNIQUE,
			status VARCHAR(16) NOT NULL,
			valid_from TIMESTAMPTZ NOT NULL,
			valid_until TIMESTAMPTZ NOT NULL,
			holder_name VARCHAR(255),
			scanned_by VARCHAR(255),
			scanned_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (booking_id, seq)
		);

		CREATE TABLE IF NOT EXISTS event_requests (
			event_request_id UUID PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			venue_id UUID NOT NULL REFERENCES venues (venue_id),
			branch_id VARCHAR(255) NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			duration_hours INT NOT NULL CHECK (duration_hours > 0),
			persons INT NOT NULL CHECK (persons > 0),
			quoted_price NUMERIC(12, 2) NOT NULL,
			currency VARCHAR(3) NOT NULL,
			status VARCHAR(16) NOT NULL,
			booking_id UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS payments (
			payment_id UUID PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			payable_kind VARCHAR(32) NOT NULL,
			payable_id UUID NOT NULL,
			booking_id UUID,
			amount NUMERIC(12, 2) NOT NULL,
			currency VARCHAR(3) NOT NULL,
			method VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			gateway_ref VARCHAR(255),
			redirect_url TEXT,
			transaction_id VARCHAR(255),
			refunded_amount NUMERIC(12, 2) NOT NULL DEFAULT 0,
			failure_reason TEXT,
			bypassed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS payments_payable_idx ON payments (payable_kind, payable_id, method);
		CREATE INDEX IF NOT EXISTS payments_gateway_ref_idx ON payments (gateway_ref);

		CREATE TABLE IF NOT EXISTS wallets (
			wallet_id UUID PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL UNIQUE,
			balance NUMERIC(12, 2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			total_earned NUMERIC(12, 2) NOT NULL DEFAULT 0,
			total_spent NUMERIC(12, 2) NOT NULL DEFAULT 0,
			loyalty_points BIGINT NOT NULL DEFAULT 0 CHECK (loyalty_points >= 0),
			last_transaction_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS wallet_transactions (
			transaction_id UUID PRIMARY KEY,
			wallet_id UUID NOT NULL REFERENCES wallets (wallet_id),
			type VARCHAR(16) NOT NULL,
			amount NUMERIC(12, 2) NOT NULL,
			status VARCHAR(16) NOT NULL,
			booking_id UUID,
			payment_id UUID,
			reason TEXT NOT NULL DEFAULT '',
			failure_reason TEXT,
			balance_after NUMERIC(12, 2) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS wallet_transactions_wallet_idx ON wallet_transactions (wallet_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS loyalty_rules (
			rule_id UUID PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			earn_rate NUMERIC(10, 4) NOT NULL,
			redeem_rate NUMERIC(10, 4) NOT NULL,
			min_redeem_points BIGINT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS loyalty_rules_single_active_idx ON loyalty_rules (active) WHERE active;

		CREATE TABLE IF NOT EXISTS loyalty_transactions (
			transaction_id UUID PRIMARY KEY,
			wallet_id UUID NOT NULL REFERENCES wallets (wallet_id),
			type VARCHAR(16) NOT NULL,
			points BIGINT NOT NULL,
			source_payment_id UUID,
			rule_id UUID NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS loyalty_transactions_source_idx
			ON loyalty_transactions (source_payment_id, type) WHERE source_payment_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS referrals (
			referee_id VARCHAR(255) PRIMARY KEY,
			referrer_id VARCHAR(255) NOT NULL,
			code VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS referral_earnings (
			earning_id UUID PRIMARY KEY,
			referrer_id VARCHAR(255) NOT NULL,
			referee_id VARCHAR(255) NOT NULL,
			source_payment_id UUID NOT NULL,
			amount NUMERIC(12, 2) NOT NULL,
			status VARCHAR(16) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			settled_at TIMESTAMPTZ,
			UNIQUE (referee_id, source_payment_id)
		);

		CREATE TABLE IF NOT EXISTS runtime_settings (
			version BIGINT PRIMARY KEY,
			payload JSONB NOT NULL,
			updated_by VARCHAR(255) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS side_effect_runs (
			payment_id UUID NOT NULL,
			step VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (payment_id, step)
		);

		CREATE TABLE IF NOT EXISTS read_model_ops_bookings (
			booking_id UUID PRIMARY KEY,
			payload JSONB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS events (
			event_id UUID PRIMARY KEY,
			published_at TIMESTAMPTZ NOT NULL,
			event_name VARCHAR(255) NOT NULL,
			correlation_id VARCHAR(255) NOT NULL DEFAULT '',
			event_payload JSONB NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("could not initialize database schema: %w", err)
	}

	watermillLogger := log.NewWatermill(log.FromContext(context.Background()))
	if err := outbox.InitializeSchema(db.DB, watermillLogger); err != nil {
		return err
	}

	return nil
}
