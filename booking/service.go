package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/zezo2030/loopmsq-sub000/entity"
	"github.com/zezo2030/loopmsq-sub000/pricing"
	"github.com/zezo2030/loopmsq-sub000/ticketing"
)

type VenuesRepository interface {
	FindVenueByID(ctx context.Context, venueID string) (entity.Venue, error)
	CheckAvailability(ctx context.Context, venueID string, start time.Time, durationHours int) (bool, error)
	IsHoliday(ctx context.Context, date time.Time) (bool, error)
	FindCoupon(ctx context.Context, code string) (entity.Coupon, error)
}

type BookingsRepository interface {
	Create(ctx context.Context, booking entity.Booking, tickets []entity.Ticket) error
	Get(ctx context.Context, bookingID string) (entity.Booking, error)
	ListByUser(ctx context.Context, userID string) ([]entity.Booking, error)
	Cancel(ctx context.Context, bookingID string, cancelledBy string, checkFn func(booking entity.Booking) error) (entity.Booking, error)
	Complete(ctx context.Context, bookingID string) (entity.BookingStatus, error)
}

type EventRequestsRepository interface {
	Create(ctx context.Context, request entity.EventRequest) error
	Get(ctx context.Context, eventRequestID string) (entity.EventRequest, error)
}

type Notifier interface {
	Enqueue(ctx context.Context, event entity.NotificationEvent) (entity.Submission, error)
	ScheduleBookingCompletion(ctx context.Context, bookingID string, end time.Time) (entity.Job, error)
}

type ListingCache interface {
	Get(ctx context.Context, userID string) ([]entity.Booking, bool, error)
	Set(ctx context.Context, userID string, bookings []entity.Booking, ttl time.Duration) error
	Invalidate(ctx context.Context, userID string) error
}

type SettingsProvider interface {
	Current(ctx context.Context) (entity.RuntimeSettings, error)
}

type Service struct {
	venues        VenuesRepository
	bookings      BookingsRepository
	eventRequests EventRequestsRepository
	notifier      Notifier
	listings      ListingCache
	settings      SettingsProvider

	now func() time.Time
}

func NewService(
	venues VenuesRepository,
	bookings BookingsRepository,
	eventRequests EventRequestsRepository,
	notifier Notifier,
	listings ListingCache,
	settings SettingsProvider,
) *Service {
	if venues == nil {
		panic("missing venues")
	}
	if bookings == nil {
		panic("missing bookings")
	}
	if eventRequests == nil {
		panic("missing eventRequests")
	}
	if notifier == nil {
		panic("missing notifier")
	}
	if listings == nil {
		panic("missing listings")
	}
	if settings == nil {
		panic("missing settings")
	}

	return &Service{
		venues:        venues,
		bookings:      bookings,
		eventRequests: eventRequests,
		notifier:      notifier,
		listings:      listings,
		settings:      settings,
		now:           time.Now,
	}
}

// Quote prices a booking request without side effects. An unavailable slot is reported
// in the quote, not as an error.
func (s *Service) Quote(ctx context.Context, req entity.QuoteRequest) (entity.Quote, error) {
	quote, _, err := s.quote(ctx, req)
	return quote, err
}

func (s *Service) quote(ctx context.Context, req entity.QuoteRequest) (entity.Quote, entity.Venue, error) {
	venue, err := s.venues.FindVenueByID(ctx, req.VenueID)
	if err != nil {
		return entity.Quote{}, entity.Venue{}, err
	}
	if !venue.Active {
		return entity.Quote{}, entity.Venue{}, fmt.Errorf("venue %s is inactive: %w", venue.VenueID, entity.ErrVenueUnavailable)
	}

	if err := pricing.ValidateWindow(req.StartTime, req.DurationHours, req.Persons); err != nil {
		return entity.Quote{}, entity.Venue{}, err
	}

	available, err := s.venues.CheckAvailability(ctx, venue.VenueID, req.StartTime, req.DurationHours)
	if err != nil {
		return entity.Quote{}, entity.Venue{}, err
	}

	holiday, err := s.venues.IsHoliday(ctx, req.StartTime.In(venue.Location()))
	if err != nil {
		return entity.Quote{}, entity.Venue{}, err
	}

	var coupon *entity.Coupon
	if req.CouponCode != "" {
		c, err := s.venues.FindCoupon(ctx, req.CouponCode)
		if err != nil {
			return entity.Quote{}, entity.Venue{}, err
		}
		coupon = &c
	}

	quote, err := pricing.Quote(pricing.QuoteInput{
		Venue:     venue,
		Request:   req,
		Holiday:   holiday,
		Coupon:    coupon,
		Available: available,
		Now:       s.now(),
	})
	if err != nil {
		return entity.Quote{}, entity.Venue{}, err
	}

	return quote, venue, nil
}

// Create books the venue for the caller. The booking, its add-ons and one ticket per person are
// stored in one transaction; reminders and the completion job are scheduled after commit.
func (s *Service) Create(ctx context.Context, auth entity.AuthContext, req entity.QuoteRequest) (entity.CreatedBooking, error) {
	now := s.now()
	if !req.StartTime.After(now) {
		return entity.CreatedBooking{}, entity.ErrInvalidTimeRange
	}

	quote, venue, err := s.quote(ctx, req)
	if err != nil {
		return entity.CreatedBooking{}, err
	}
	if !quote.Available {
		return entity.CreatedBooking{}, entity.ErrVenueUnavailable
	}

	booking := entity.Booking{
		BookingID:     uuid.NewString(),
		Reference:     newReference(),
		UserID:        auth.UserID,
		VenueID:       venue.VenueID,
		BranchID:      venue.BranchID,
		StartTime:     req.StartTime.UTC(),
		DurationHours: req.DurationHours,
		Persons:       req.Persons,
		Decoration:    req.Decoration,
		TotalPrice:    quote.TotalPrice,
		Currency:      quote.Currency,
		Status:        entity.BookingPending,
		Discount:      quote.Discount,
		CreatedAt:     now.UTC(),
		AddOns:        quote.AddOns,
	}
	if req.CouponCode != "" {
		booking.CouponCode = &req.CouponCode
	}

	issued, err := ticketing.NewTickets(booking, lo.RangeFrom(1, booking.Persons), now.UTC())
	if err != nil {
		return entity.CreatedBooking{}, err
	}
	tickets := lo.Map(issued, func(it entity.IssuedTicket, _ int) entity.Ticket {
		return it.Ticket
	})

	if err := s.bookings.Create(ctx, booking, tickets); err != nil {
		return entity.CreatedBooking{}, err
	}

	logger := log.FromContext(ctx).WithFields(logrus.Fields{
		"booking_id": booking.BookingID,
		"user_id":    booking.UserID,
		"venue_id":   booking.VenueID,
	})
	logger.Info("Booking created")

	s.invalidateListing(ctx, booking.UserID)

	created := entity.CreatedBooking{
		Booking:   booking,
		Tickets:   issued,
		Reminders: s.scheduleReminders(ctx, booking, venue.Location(), now),
	}

	if _, err := s.notifier.ScheduleBookingCompletion(ctx, booking.BookingID, booking.EndTime()); err != nil {
		logger.WithError(err).Error("Could not schedule booking completion")
	}

	return created, nil
}

type reminder struct {
	notificationType entity.NotificationType
	at               time.Time
}

// scheduleReminders enqueues the booking lifecycle notifications that are still in the future.
// Failures are logged; the booking is already committed.
func (s *Service) scheduleReminders(ctx context.Context, booking entity.Booking, loc *time.Location, now time.Time) []entity.Submission {
	start := booking.StartTime
	end := booking.EndTime()

	reminders := []reminder{
		{entity.NotificationBookingCreated, time.Time{}},
		{entity.NotificationReminder24h, start.Add(-24 * time.Hour)},
		{entity.NotificationReminder2h, start.Add(-2 * time.Hour)},
		{entity.NotificationBookingEnded, end},
		{entity.NotificationRatingRequest, end.Add(5 * time.Hour)},
	}

	submissions := []entity.Submission{}
	for _, r := range reminders {
		if !r.at.IsZero() && !r.at.After(now) {
			continue
		}

		submission, err := s.notifier.Enqueue(ctx, entity.NotificationEvent{
			Type:      r.notificationType,
			UserID:    booking.UserID,
			BookingID: booking.BookingID,
			Data:      NotificationData(booking, loc),
			SendAt:    r.at,
			DedupKey:  ReminderDedupKey(booking.BookingID, r.notificationType),
		})
		if err != nil {
			log.FromContext(ctx).WithError(err).WithFields(logrus.Fields{
				"booking_id":        booking.BookingID,
				"notification_type": r.notificationType,
			}).Error("Could not schedule booking notification")
			continue
		}

		submissions = append(submissions, submission)
	}

	return submissions
}

func ReminderDedupKey(bookingID string, notificationType entity.NotificationType) string {
	return "booking:" + bookingID + ":" + string(notificationType)
}

// NotificationData is the template data describing a booking.
func NotificationData(booking entity.Booking, loc *time.Location) map[string]string {
	if loc == nil {
		loc = time.UTC
	}
	return map[string]string{
		"reference":  booking.Reference,
		"start_time": booking.StartTime.In(loc).Format("2006-01-02 15:04"),
		"amount":     booking.TotalPrice.StringFixed(2),
		"currency":   booking.Currency,
	}
}

// Cancel cancels a booking of the caller (or any booking for staff) while the cancellation window is open.
func (s *Service) Cancel(ctx context.Context, auth entity.AuthContext, bookingID string) (entity.Booking, error) {
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return entity.Booking{}, err
	}

	now := s.now()

	cancelled, err := s.bookings.Cancel(ctx, bookingID, auth.UserID, func(booking entity.Booking) error {
		if !auth.CanActFor(booking.UserID) {
			return entity.ErrForbidden
		}
		if booking.StartTime.Sub(now) < settings.CancellationWindow {
			return entity.ErrCancellationWindowEnded
		}
		return nil
	})
	if err != nil {
		return entity.Booking{}, err
	}

	log.FromContext(ctx).WithFields(logrus.Fields{
		"booking_id":   bookingID,
		"cancelled_by": auth.UserID,
	}).Info("Booking cancelled")

	s.invalidateListing(ctx, cancelled.UserID)

	_, err = s.notifier.Enqueue(ctx, entity.NotificationEvent{
		Type:      entity.NotificationBookingCancelled,
		UserID:    cancelled.UserID,
		BookingID: cancelled.BookingID,
		Data:      NotificationData(cancelled, nil),
		DedupKey:  ReminderDedupKey(cancelled.BookingID, entity.NotificationBookingCancelled),
	})
	if err != nil {
		log.FromContext(ctx).WithError(err).WithField("booking_id", bookingID).Error("Could not notify about cancellation")
	}

	return cancelled, nil
}

func (s *Service) Get(ctx context.Context, auth entity.AuthContext, bookingID string) (entity.Booking, error) {
	booking, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return entity.Booking{}, err
	}
	if !auth.CanActFor(booking.UserID) {
		return entity.Booking{}, entity.ErrForbidden
	}
	return booking, nil
}

// ListMine returns the caller's bookings, served from the listing cache when possible.
func (s *Service) ListMine(ctx context.Context, auth entity.AuthContext) ([]entity.Booking, error) {
	cached, found, err := s.listings.Get(ctx, auth.UserID)
	if err != nil {
		log.FromContext(ctx).WithError(err).Warn("Could not read cached bookings")
	}
	if found {
		return cached, nil
	}

	bookings, err := s.bookings.ListByUser(ctx, auth.UserID)
	if err != nil {
		return nil, err
	}

	settings, err := s.settings.Current(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.listings.Set(ctx, auth.UserID, bookings, settings.ListingCacheTTL); err != nil {
		log.FromContext(ctx).WithError(err).Warn("Could not cache bookings")
	}

	return bookings, nil
}

// ScheduleJobs schedules the reminders and the completion job of a booking created outside
// Create, i.e. the booking of a paid event request. Jobs are deduplicated, so repeated calls
// for the same booking schedule nothing new.
func (s *Service) ScheduleJobs(ctx context.Context, bookingID string) error {
	booking, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return err
	}

	logger := log.FromContext(ctx).WithField("booking_id", bookingID)
	if booking.Status.IsTerminal() {
		logger.WithField("status", booking.Status).Info("Booking is closed, nothing to schedule")
		return nil
	}

	venue, err := s.venues.FindVenueByID(ctx, booking.VenueID)
	if err != nil {
		return err
	}

	reminders := s.scheduleReminders(ctx, booking, venue.Location(), s.now())

	if _, err := s.notifier.ScheduleBookingCompletion(ctx, booking.BookingID, booking.EndTime()); err != nil {
		return fmt.Errorf("could not schedule completion of booking %s: %w", bookingID, err)
	}

	logger.WithField("reminders", len(reminders)).Info("Booking jobs scheduled")

	return nil
}

// Complete closes a booking whose time window has passed.
func (s *Service) Complete(ctx context.Context, bookingID string) (entity.BookingStatus, error) {
	return s.bookings.Complete(ctx, bookingID)
}

func (s *Service) InvalidateListing(ctx context.Context, userID string) error {
	return s.listings.Invalidate(ctx, userID)
}

func (s *Service) invalidateListing(ctx context.Context, userID string) {
	if err := s.listings.Invalidate(ctx, userID); err != nil {
		log.FromContext(ctx).WithError(err).WithField("user_id", userID).Warn("Could not invalidate cached bookings")
	}
}

// CreateEventRequest stores a staff-quoted custom event for a customer. Its booking is created
// when the customer's payment is confirmed.
func (s *Service) CreateEventRequest(ctx context.Context, auth entity.AuthContext, request entity.EventRequest) (entity.EventRequest, error) {
	if !auth.IsStaff() {
		return entity.EventRequest{}, entity.ErrForbidden
	}
	if request.UserID == "" {
		return entity.EventRequest{}, fmt.Errorf("missing customer: %w", entity.ErrNotFound)
	}
	if err := pricing.ValidateWindow(request.StartTime, request.DurationHours, request.Persons); err != nil {
		return entity.EventRequest{}, err
	}
	if !request.QuotedPrice.IsPositive() {
		return entity.EventRequest{}, entity.ErrInvalidAmount
	}

	venue, err := s.venues.FindVenueByID(ctx, request.VenueID)
	if err != nil {
		return entity.EventRequest{}, err
	}
	if !auth.CanScanAt(venue.BranchID) {
		return entity.EventRequest{}, entity.ErrForbidden
	}

	request.EventRequestID = uuid.NewString()
	request.BranchID = venue.BranchID
	request.Currency = venue.Currency
	request.StartTime = request.StartTime.UTC()
	request.QuotedPrice = request.QuotedPrice.Round(2)
	request.Status = entity.EventRequestQuoted
	request.CreatedAt = s.now().UTC()

	if err := s.eventRequests.Create(ctx, request); err != nil {
		return entity.EventRequest{}, err
	}

	log.FromContext(ctx).WithFields(logrus.Fields{
		"event_request_id": request.EventRequestID,
		"user_id":          request.UserID,
	}).Info("Event request quoted")

	return request, nil
}

func (s *Service) GetEventRequest(ctx context.Context, auth entity.AuthContext, eventRequestID string) (entity.EventRequest, error) {
	request, err := s.eventRequests.Get(ctx, eventRequestID)
	if err != nil {
		return entity.EventRequest{}, err
	}
	if !auth.CanActFor(request.UserID) {
		return entity.EventRequest{}, entity.ErrForbidden
	}
	return request, nil
}

func newReference() string {
	return strings.ToUpper(shortuuid.New()[:8])
}
