package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

// pendingIntent marks a claimed key whose winner has not stored a result yet.
const pendingIntent = "pending"

// IntentClaims deduplicates concurrent payment intent creation for the same payable and method.
// The first caller claims the key and later stores its result under it; everyone else reads it.
type IntentClaims struct {
	rdb *redis.Client
}

func NewIntentClaims(rdb *redis.Client) IntentClaims {
	if rdb == nil {
		panic("missing redis client")
	}

	return IntentClaims{rdb: rdb}
}

func IntentKey(kind entity.PayableKind, payableID string, method entity.PaymentMethod) string {
	return fmt.Sprintf("intent:%s:%s:%s", kind, payableID, method)
}

// RefundKey serializes refunds of one payment, gateway call included.
func RefundKey(paymentID string) string {
	return "refund:" + paymentID
}

// Claim reports true when the caller now owns key.
func (c IntentClaims) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	claimed, err := c.rdb.SetNX(ctx, key, pendingIntent, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("could not claim %s: %w", key, err)
	}
	return claimed, nil
}

// Result returns the intent stored under key. It reports false while the key is claimed
// but no result was stored yet, and when the key does not exist.
func (c IntentClaims) Result(ctx context.Context, key string) (entity.PaymentIntent, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return entity.PaymentIntent{}, false, nil
	}
	if err != nil {
		return entity.PaymentIntent{}, false, fmt.Errorf("could not read %s: %w", key, err)
	}
	if val == pendingIntent {
		return entity.PaymentIntent{}, false, nil
	}

	var intent entity.PaymentIntent
	if err := json.Unmarshal([]byte(val), &intent); err != nil {
		return entity.PaymentIntent{}, false, fmt.Errorf("could not unmarshal intent %s: %w", key, err)
	}
	return intent, true, nil
}

func (c IntentClaims) Store(ctx context.Context, key string, intent entity.PaymentIntent, ttl time.Duration) error {
	payload, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("could not marshal intent: %w", err)
	}
	if err := c.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("could not store intent %s: %w", key, err)
	}
	return nil
}

func (c IntentClaims) Release(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("could not release %s: %w", key, err)
	}
	return nil
}

// Discard deletes the intent stored under key if it still belongs to paymentID. A newer intent
// stored concurrently by another caller is kept.
func (c IntentClaims) Discard(ctx context.Context, key string, paymentID string) error {
	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		var intent entity.PaymentIntent
		if val == pendingIntent || json.Unmarshal([]byte(val), &intent) != nil || intent.PaymentID != paymentID {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not discard %s: %w", key, err)
	}
	return nil
}
