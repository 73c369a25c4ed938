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

// BookingListings caches the bookings list of a user.
type BookingListings struct {
	rdb *redis.Client
}

func NewBookingListings(rdb *redis.Client) BookingListings {
	if rdb == nil {
		panic("missing redis client")
	}

	return BookingListings{rdb: rdb}
}

func listingKey(userID string) string {
	return "bookings:user:" + userID
}

func (l BookingListings) Get(ctx context.Context, userID string) ([]entity.Booking, bool, error) {
	payload, err := l.rdb.Get(ctx, listingKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("could not read bookings listing: %w", err)
	}

	var bookings []entity.Booking
	if err := json.Unmarshal(payload, &bookings); err != nil {
		return nil, false, fmt.Errorf("could not unmarshal bookings listing: %w", err)
	}
	return bookings, true, nil
}

func (l BookingListings) Set(ctx context.Context, userID string, bookings []entity.Booking, ttl time.Duration) error {
	payload, err := json.Marshal(bookings)
	if err != nil {
		return fmt.Errorf("could not marshal bookings listing: %w", err)
	}
	if err := l.rdb.Set(ctx, listingKey(userID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("could not store bookings listing: %w", err)
	}
	return nil
}

func (l BookingListings) Invalidate(ctx context.Context, userID string) error {
	if err := l.rdb.Del(ctx, listingKey(userID)).Err(); err != nil {
		return fmt.Errorf("could not invalidate bookings listing: %w", err)
	}
	return nil
}
