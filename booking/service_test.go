package booking_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zezo2030/loopmsq-sub000/booking"
	"github.com/zezo2030/loopmsq-sub000/cache"
	"github.com/zezo2030/loopmsq-sub000/db"
	"github.com/zezo2030/loopmsq-sub000/entity"
	"github.com/zezo2030/loopmsq-sub000/ticketing"
)

type settingsStub struct {
	settings entity.RuntimeSettings
}

func (s settingsStub) Current(ctx context.Context) (entity.RuntimeSettings, error) {
	return s.settings, nil
}

type notifierStub struct {
	lock        sync.Mutex
	events      []entity.NotificationEvent
	completions map[string]time.Time
}

func (n *notifierStub) Enqueue(ctx context.Context, event entity.NotificationEvent) (entity.Submission, error) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.events = append(n.events, event)
	return entity.Submission{Type: event.Type, DedupKey: event.DedupKey, Jobs: []entity.Job{}}, nil
}

func (n *notifierStub) ScheduleBookingCompletion(ctx context.Context, bookingID string, end time.Time) (entity.Job, error) {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.completions == nil {
		n.completions = map[string]time.Time{}
	}
	n.completions[bookingID] = end
	return entity.Job{TaskID: "booking:" + bookingID + ":complete"}, nil
}

func (n *notifierStub) typesFor(bookingID string) []entity.NotificationType {
	n.lock.Lock()
	defer n.lock.Unlock()

	var types []entity.NotificationType
	for _, e := range n.events {
		if e.BookingID == bookingID {
			types = append(types, e.Type)
		}
	}
	return types
}

type fixture struct {
	service  *booking.Service
	notifier *notifierStub
	venues   *db.VenuesPostgresRepository
	tickets  *db.TicketsPostgresRepository
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	dbConn := db.GetDb(t)
	rdb := cache.GetRedis(t)

	notifier := &notifierStub{}
	venues := db.NewVenuesPostgresRepository(dbConn)

	service := booking.NewService(
		venues,
		db.NewBookingsPostgresRepository(dbConn),
		db.NewEventRequestsPostgresRepository(dbConn),
		notifier,
		cache.NewBookingListings(rdb),
		settingsStub{settings: entity.DefaultRuntimeSettings()},
	)

	return fixture{
		service:  service,
		notifier: notifier,
		venues:   venues,
		tickets:  db.NewTicketsPostgresRepository(dbConn),
	}
}

func (f fixture) storeVenue(t *testing.T) entity.Venue {
	t.Helper()

	venue := entity.Venue{
		VenueID:  uuid.NewString(),
		BranchID: "branch-" + shortuuid.New(),
		Name:     "Hall B",
		Currency: "SAR",
		Active:   true,
		PriceConfig: entity.PriceConfig{
			BasePrice:         decimal.NewFromInt(500),
			HourlyRate:        decimal.NewFromInt(200),
			PricePerPerson:    decimal.NewFromInt(10),
			DecorationPrice:   decimal.NewFromInt(100),
			WeekendMultiplier: decimal.NewFromInt(1),
			HolidayMultiplier: decimal.NewFromInt(1),
		},
		AddOns: []entity.AddOn{
			{AddOnID: uuid.NewString(), Name: "Cake", Price: decimal.NewFromInt(80)},
		},
	}
	venue.AddOns[0].VenueID = venue.VenueID

	require.NoError(t, f.venues.Store(context.Background(), venue))
	return venue
}

func customer() entity.AuthContext {
	return entity.AuthContext{UserID: uuid.NewString(), Roles: []entity.Role{entity.RoleCustomer}}
}

func startIn(d time.Duration) time.Time {
	return time.Now().Add(d).UTC().Truncate(time.Hour)
}

func TestService_Create(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	venue := f.storeVenue(t)
	auth := customer()

	req := entity.QuoteRequest{
		VenueID:       venue.VenueID,
		StartTime:     startIn(72 * time.Hour),
		DurationHours: 3,
		Persons:       4,
		Decoration:    true,
		AddOns:        []entity.AddOnSelection{{AddOnID: venue.AddOns[0].AddOnID, Quantity: 2}},
	}

	quote, err := f.service.Quote(ctx, req)
	require.NoError(t, err)
	assert.True(t, quote.Available)
	// (500 + 200*3 + 10*4 + 100) + 2*80
	assert.Equal(t, "1400", quote.TotalPrice.String())

	created, err := f.service.Create(ctx, auth, req)
	require.NoError(t, err)

	b := created.Booking
	assert.Equal(t, entity.BookingPending, b.Status)
	assert.Equal(t, auth.UserID, b.UserID)
	assert.Equal(t, venue.BranchID, b.BranchID)
	assert.True(t, quote.TotalPrice.Equal(b.TotalPrice))
	assert.Len(t, b.Reference, 8)
	require.Len(t, created.Tickets, 4)

	stored, err := f.tickets.ListByBooking(ctx, b.BookingID)
	require.NoError(t, err)
	require.Len(t, stored, 4)
	for i, issued := range created.Tickets {
		assert.NotEmpty(t, issued.Token)
		assert.Equal(t, ticketing.HashToken(issued.Token), stored[i].TokenHash)
		assert.Equal(t, entity.TicketValid, stored[i].Status)
	}

	assert.Equal(t, []entity.NotificationType{
		entity.NotificationBookingCreated,
		entity.NotificationReminder24h,
		entity.NotificationReminder2h,
		entity.NotificationBookingEnded,
		entity.NotificationRatingRequest,
	}, f.notifier.typesFor(b.BookingID))
	assert.Len(t, created.Reminders, 5)
	assert.Equal(t, b.EndTime(), f.notifier.completions[b.BookingID])

	t.Run("slot is taken", func(t *testing.T) {
		quote, err := f.service.Quote(ctx, req)
		require.NoError(t, err)
		assert.False(t, quote.Available)

		_, err = f.service.Create(ctx, customer(), req)
		assert.ErrorIs(t, err, entity.ErrVenueUnavailable)
	})

	t.Run("start in the past", func(t *testing.T) {
		past := req
		past.StartTime = startIn(-2 * time.Hour)

		_, err := f.service.Create(ctx, auth, past)
		assert.ErrorIs(t, err, entity.ErrInvalidTimeRange)
	})

	t.Run("unknown coupon", func(t *testing.T) {
		withCoupon := req
		withCoupon.StartTime = startIn(240 * time.Hour)
		withCoupon.CouponCode = "NOPE-" + shortuuid.New()

		_, err := f.service.Create(ctx, auth, withCoupon)
		assert.ErrorIs(t, err, entity.ErrInvalidCoupon)
	})
}

func TestService_Create_skips_past_reminders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	venue := f.storeVenue(t)

	created, err := f.service.Create(ctx, customer(), entity.QuoteRequest{
		VenueID:       venue.VenueID,
		StartTime:     startIn(5 * time.Hour),
		DurationHours: 2,
		Persons:       1,
	})
	require.NoError(t, err)

	assert.Equal(t, []entity.NotificationType{
		entity.NotificationBookingCreated,
		entity.NotificationReminder2h,
		entity.NotificationBookingEnded,
		entity.NotificationRatingRequest,
	}, f.notifier.typesFor(created.Booking.BookingID))
}

func TestService_Create_with_coupon(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	venue := f.storeVenue(t)

	coupon := entity.Coupon{
		Code:      "TEN-" + shortuuid.New(),
		Type:      entity.DiscountPercent,
		Value:     decimal.NewFromInt(10),
		ValidFrom: time.Now().Add(-time.Hour),
		ValidTo:   time.Now().Add(time.Hour),
		Active:    true,
	}
	require.NoError(t, f.venues.StoreCoupon(ctx, coupon))

	created, err := f.service.Create(ctx, customer(), entity.QuoteRequest{
		VenueID:       venue.VenueID,
		StartTime:     startIn(48 * time.Hour),
		DurationHours: 2,
		Persons:       2,
		CouponCode:    coupon.Code,
	})
	require.NoError(t, err)

	// 500 + 400 + 20 = 920, minus 10%
	assert.Equal(t, "92", created.Booking.Discount.String())
	assert.Equal(t, "828", created.Booking.TotalPrice.String())
	require.NotNil(t, created.Booking.CouponCode)
	assert.Equal(t, coupon.Code, *created.Booking.CouponCode)
}

func TestService_Cancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	venue := f.storeVenue(t)
	auth := customer()

	create := func(start time.Time) entity.Booking {
		created, err := f.service.Create(ctx, auth, entity.QuoteRequest{
			VenueID:       venue.VenueID,
			StartTime:     start,
			DurationHours: 1,
			Persons:       1,
		})
		require.NoError(t, err)
		return created.Booking
	}

	t.Run("cancel", func(t *testing.T) {
		b := create(startIn(96 * time.Hour))

		listed, err := f.service.ListMine(ctx, auth)
		require.NoError(t, err)
		assert.NotEmpty(t, listed)

		_, err = f.service.Cancel(ctx, customer(), b.BookingID)
		assert.ErrorIs(t, err, entity.ErrForbidden)

		cancelled, err := f.service.Cancel(ctx, auth, b.BookingID)
		require.NoError(t, err)
		assert.Equal(t, entity.BookingCancelled, cancelled.Status)
		require.NotNil(t, cancelled.CancelledBy)
		assert.Equal(t, auth.UserID, *cancelled.CancelledBy)

		assert.Contains(t, f.notifier.typesFor(b.BookingID), entity.NotificationBookingCancelled)

		listed, err = f.service.ListMine(ctx, auth)
		require.NoError(t, err)
		for _, l := range listed {
			if l.BookingID == b.BookingID {
				assert.Equal(t, entity.BookingCancelled, l.Status, "listing cache should be invalidated")
			}
		}

		_, err = f.service.Cancel(ctx, auth, b.BookingID)
		assert.ErrorIs(t, err, entity.ErrBookingNotCancellable)
	})

	t.Run("too close to start", func(t *testing.T) {
		b := create(startIn(6 * time.Hour))

		_, err := f.service.Cancel(ctx, auth, b.BookingID)
		assert.ErrorIs(t, err, entity.ErrCancellationWindowEnded)

		got, err := f.service.Get(ctx, auth, b.BookingID)
		require.NoError(t, err)
		assert.Equal(t, entity.BookingPending, got.Status)
	})

	t.Run("unknown booking", func(t *testing.T) {
		_, err := f.service.Cancel(ctx, auth, uuid.NewString())
		assert.ErrorIs(t, err, entity.ErrNotFound)
	})
}

func TestService_Complete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	venue := f.storeVenue(t)
	auth := customer()

	created, err := f.service.Create(ctx, auth, entity.QuoteRequest{
		VenueID:       venue.VenueID,
		StartTime:     startIn(30 * time.Hour),
		DurationHours: 1,
		Persons:       1,
	})
	require.NoError(t, err)

	status, err := f.service.Complete(ctx, created.Booking.BookingID)
	require.NoError(t, err)
	assert.Equal(t, entity.BookingCancelled, status, "unpaid bookings are closed as cancelled")
}

func TestService_ScheduleJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	venue := f.storeVenue(t)
	bookings := db.NewBookingsPostgresRepository(db.GetDb(t))

	store := func(t *testing.T, status entity.BookingStatus, start time.Time) entity.Booking {
		eventRequestID := uuid.NewString()
		b := entity.Booking{
			BookingID:      uuid.NewString(),
			Reference:      shortuuid.New()[:8],
			UserID:         uuid.NewString(),
			VenueID:        venue.VenueID,
			BranchID:       venue.BranchID,
			StartTime:      start,
			DurationHours:  4,
			Persons:        2,
			TotalPrice:     decimal.NewFromInt(5000),
			Currency:       "SAR",
			Status:         status,
			Discount:       decimal.Zero,
			EventRequestID: &eventRequestID,
			CreatedAt:      time.Now().UTC(),
		}
		require.NoError(t, bookings.Create(ctx, b, nil))
		return b
	}

	t.Run("paid event request booking", func(t *testing.T) {
		b := store(t, entity.BookingConfirmed, startIn(300*time.Hour))

		require.NoError(t, f.service.ScheduleJobs(ctx, b.BookingID))
		assert.ElementsMatch(t, []entity.NotificationType{
			entity.NotificationBookingCreated,
			entity.NotificationReminder24h,
			entity.NotificationReminder2h,
			entity.NotificationBookingEnded,
			entity.NotificationRatingRequest,
		}, f.notifier.typesFor(b.BookingID))

		f.notifier.lock.Lock()
		end, ok := f.notifier.completions[b.BookingID]
		f.notifier.lock.Unlock()
		require.True(t, ok)
		assert.True(t, b.EndTime().Equal(end))
	})

	t.Run("closed booking", func(t *testing.T) {
		b := store(t, entity.BookingCancelled, startIn(320*time.Hour))

		require.NoError(t, f.service.ScheduleJobs(ctx, b.BookingID))
		assert.Empty(t, f.notifier.typesFor(b.BookingID))
	})

	t.Run("unknown booking", func(t *testing.T) {
		err := f.service.ScheduleJobs(ctx, uuid.NewString())
		assert.ErrorIs(t, err, entity.ErrNotFound)
	})
}

func TestService_CreateEventRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	venue := f.storeVenue(t)
	user := customer()

	request := entity.EventRequest{
		UserID:        user.UserID,
		VenueID:       venue.VenueID,
		StartTime:     startIn(200 * time.Hour),
		DurationHours: 4,
		Persons:       30,
		QuotedPrice:   decimal.NewFromInt(5000),
	}

	_, err := f.service.CreateEventRequest(ctx, user, request)
	assert.ErrorIs(t, err, entity.ErrForbidden)

	staff := entity.AuthContext{UserID: uuid.NewString(), Roles: []entity.Role{entity.RoleStaff}, BranchIDs: []string{venue.BranchID}}
	created, err := f.service.CreateEventRequest(ctx, staff, request)
	require.NoError(t, err)
	assert.Equal(t, entity.EventRequestQuoted, created.Status)
	assert.Equal(t, venue.BranchID, created.BranchID)
	assert.Equal(t, "SAR", created.Currency)

	got, err := f.service.GetEventRequest(ctx, user, created.EventRequestID)
	require.NoError(t, err)
	assert.True(t, created.QuotedPrice.Equal(got.QuotedPrice))

	_, err = f.service.GetEventRequest(ctx, customer(), created.EventRequestID)
	assert.ErrorIs(t, err, entity.ErrForbidden)
}
