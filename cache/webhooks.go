package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type ProcessedWebhooks struct {
	rdb *redis.Client
}

func NewProcessedWebhooks(rdb *redis.Client) ProcessedWebhooks {
	if rdb == nil {
		panic("missing redis client")
	}

	return ProcessedWebhooks{rdb: rdb}
}

func WebhookKey(eventType, paymentID string) string {
	return fmt.Sprintf("webhook:%s:%s", eventType, paymentID)
}

// MarkProcessed reports false if key was already marked, i.e. the webhook is a replay.
func (w ProcessedWebhooks) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	marked, err := w.rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("could not mark webhook %s: %w", key, err)
	}
	return marked, nil
}

// Unmark lets a webhook whose processing failed be delivered again.
func (w ProcessedWebhooks) Unmark(ctx context.Context, key string) error {
	if err := w.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("could not unmark webhook %s: %w", key, err)
	}
	return nil
}
