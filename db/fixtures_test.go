package db

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

func storeVenue(t *testing.T) entity.Venue {
	t.Helper()

	venue := entity.Venue{
		VenueID:  uuid.NewString(),
		BranchID: "branch-" + shortuuid.New(),
		Name:     "Hall A",
		Currency: "SAR",
		Active:   true,
		PriceConfig: entity.PriceConfig{
			BasePrice:         decimal.NewFromInt(500),
			HourlyRate:        decimal.NewFromInt(200),
			PricePerPerson:    decimal.Zero,
			DecorationPrice:   decimal.NewFromInt(100),
			WeekendMultiplier: decimal.NewFromFloat(1.5),
			HolidayMultiplier: decimal.NewFromInt(2),
			WeekendDays:       []time.Weekday{time.Friday, time.Saturday},
		},
	}

	err := NewVenuesPostgresRepository(GetDb(t)).Store(context.Background(), venue)
	require.NoError(t, err)

	return venue
}

func newBooking(venue entity.Venue, userID string, start time.Time, persons int, price decimal.Decimal) entity.Booking {
	return entity.Booking{
		BookingID:     uuid.NewString(),
		Reference:     shortuuid.New(),
		UserID:        userID,
		VenueID:       venue.VenueID,
		BranchID:      venue.BranchID,
		StartTime:     start.UTC().Truncate(time.Second),
		DurationHours: 3,
		Persons:       persons,
		TotalPrice:    price,
		Currency:      venue.Currency,
		Status:        entity.BookingPending,
	}
}

func newTickets(booking entity.Booking) []entity.Ticket {
	tickets := make([]entity.Ticket, 0, booking.Persons)
	for seq := 1; seq <= booking.Persons; seq++ {
		tickets = append(tickets, entity.Ticket{
			TicketID:   uuid.NewString(),
			BookingID:  booking.BookingID,
			Seq:        seq,
			TokenHash:  randomHash(),
			Status:     entity.TicketValid,
			ValidFrom:  booking.StartTime,
			ValidUntil: booking.EndTime(),
		})
	}
	return tickets
}

func randomHash() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func storePendingBooking(t *testing.T, userID string, persons int, price decimal.Decimal) entity.Booking {
	t.Helper()

	venue := storeVenue(t)
	booking := newBooking(venue, userID, time.Now().Add(72*time.Hour), persons, price)

	err := NewBookingsPostgresRepository(GetDb(t)).Create(context.Background(), booking, newTickets(booking))
	require.NoError(t, err)

	return booking
}
