package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/redis/go-redis/v9"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

// ShareTokens maps short-lived share tokens to ticket ids.
type ShareTokens struct {
	rdb *redis.Client
}

func NewShareTokens(rdb *redis.Client) ShareTokens {
	if rdb == nil {
		panic("missing redis client")
	}

	return ShareTokens{rdb: rdb}
}

func shareKey(token string) string {
	return "share:" + token
}

// Create returns a new share token for ticketID and its expiry.
func (s ShareTokens) Create(ctx context.Context, ticketID string, ttl time.Duration) (string, time.Time, error) {
	token := shortuuid.New()
	if err := s.rdb.Set(ctx, shareKey(token), ticketID, ttl).Err(); err != nil {
		return "", time.Time{}, fmt.Errorf("could not store share token: %w", err)
	}
	return token, time.Now().Add(ttl).UTC(), nil
}

// Resolve returns the ticket id behind token and when the token expires.
// Unknown and expired tokens are ErrNotFound.
func (s ShareTokens) Resolve(ctx context.Context, token string) (string, time.Time, error) {
	pipe := s.rdb.Pipeline()
	get := pipe.Get(ctx, shareKey(token))
	ttl := pipe.PTTL(ctx, shareKey(token))
	_, err := pipe.Exec(ctx)
	if errors.Is(err, redis.Nil) {
		return "", time.Time{}, fmt.Errorf("share token: %w", entity.ErrNotFound)
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("could not resolve share token: %w", err)
	}

	return get.Val(), time.Now().Add(ttl.Val()).UTC(), nil
}
