package ticketing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/sirupsen/logrus"

	"github.com/zezo2030/loopmsq-sub000/entity"
	"github.com/zezo2030/loopmsq-sub000/metrics"
)

type TicketsRepository interface {
	FindByHash(ctx context.Context, tokenHash string) (entity.Ticket, error)
	FindByID(ctx context.Context, ticketID string) (entity.Ticket, error)
	ListByBooking(ctx context.Context, bookingID string) ([]entity.Ticket, error)
	MarkUsed(ctx context.Context, ticketID string, staffID string, scannedAt time.Time) (bool, error)
	MarkExpired(ctx context.Context, ticketID string) error
	EnsureIssued(
		ctx context.Context,
		bookingID string,
		newFn func(booking entity.Booking, missingSeqs []int) ([]entity.IssuedTicket, error),
	) ([]entity.IssuedTicket, error)
	RotateHashes(ctx context.Context, bookingID string, rotated map[string]string) error
}

type BookingsReader interface {
	Get(ctx context.Context, bookingID string) (entity.Booking, error)
}

type ShareTokens interface {
	Create(ctx context.Context, ticketID string, ttl time.Duration) (string, time.Time, error)
	Resolve(ctx context.Context, token string) (string, time.Time, error)
}

type SettingsProvider interface {
	Current(ctx context.Context) (entity.RuntimeSettings, error)
}

type Service struct {
	tickets  TicketsRepository
	bookings BookingsReader
	shares   ShareTokens
	settings SettingsProvider

	now func() time.Time
}

func NewService(
	tickets TicketsRepository,
	bookings BookingsReader,
	shares ShareTokens,
	settings SettingsProvider,
) *Service {
	if tickets == nil {
		panic("missing tickets")
	}
	if bookings == nil {
		panic("missing bookings")
	}
	if shares == nil {
		panic("missing shares")
	}
	if settings == nil {
		panic("missing settings")
	}

	return &Service{
		tickets:  tickets,
		bookings: bookings,
		shares:   shares,
		settings: settings,
		now:      time.Now,
	}
}

// Scan validates a presented token and admits the holder at most once.
// Rejections are reported in the outcome; an error means the scan could not be evaluated.
func (s *Service) Scan(ctx context.Context, auth entity.AuthContext, token string) (entity.ScanOutcome, error) {
	if !auth.IsStaff() {
		return entity.ScanOutcome{}, entity.ErrForbidden
	}

	outcome, err := s.scan(ctx, auth, token)
	if err != nil {
		return entity.ScanOutcome{}, err
	}

	metrics.TicketScans.WithLabelValues(string(outcome.Reason)).Inc()

	logger := log.FromContext(ctx).WithFields(logrus.Fields{
		"staff_id": auth.UserID,
		"reason":   outcome.Reason,
	})
	if outcome.Ticket != nil {
		logger = logger.WithField("ticket_id", outcome.Ticket.TicketID)
	}
	logger.Info("Ticket scanned")

	return outcome, nil
}

func (s *Service) scan(ctx context.Context, auth entity.AuthContext, token string) (entity.ScanOutcome, error) {
	ticket, err := s.tickets.FindByHash(ctx, HashToken(token))
	if errors.Is(err, entity.ErrNotFound) {
		return entity.NewScanOutcome(entity.ScanUnknownTicket, nil), nil
	}
	if err != nil {
		return entity.ScanOutcome{}, err
	}

	switch ticket.Status {
	case entity.TicketUsed:
		return entity.NewScanOutcome(entity.ScanAlreadyUsed, &ticket), nil
	case entity.TicketCancelled:
		return entity.NewScanOutcome(entity.ScanCancelled, &ticket), nil
	case entity.TicketExpired:
		return entity.NewScanOutcome(entity.ScanExpired, &ticket), nil
	}

	booking, err := s.bookings.Get(ctx, ticket.BookingID)
	if err != nil {
		return entity.ScanOutcome{}, err
	}
	if !auth.CanScanAt(booking.BranchID) {
		return entity.NewScanOutcome(entity.ScanWrongBranch, &ticket), nil
	}

	now := s.now()
	if now.Before(ticket.ValidFrom) {
		return entity.NewScanOutcome(entity.ScanNotYetValid, &ticket), nil
	}
	if now.After(ticket.ValidUntil) {
		if err := s.tickets.MarkExpired(ctx, ticket.TicketID); err != nil {
			return entity.ScanOutcome{}, err
		}
		ticket.Status = entity.TicketExpired
		return entity.NewScanOutcome(entity.ScanWindowElapsed, &ticket), nil
	}

	if booking.Status != entity.BookingConfirmed {
		return entity.NewScanOutcome(entity.ScanBookingNotConfirmed, &ticket), nil
	}

	used, err := s.tickets.MarkUsed(ctx, ticket.TicketID, auth.UserID, now.UTC())
	if err != nil {
		return entity.ScanOutcome{}, err
	}
	if !used {
		return entity.NewScanOutcome(entity.ScanAlreadyUsed, &ticket), nil
	}

	scannedAt := now.UTC()
	ticket.Status = entity.TicketUsed
	ticket.ScannedBy = &auth.UserID
	ticket.ScannedAt = &scannedAt

	return entity.NewScanOutcome(entity.ScanAdmitted, &ticket), nil
}

// EnsureIssued creates the tickets the booking is still missing, up to one per person.
func (s *Service) EnsureIssued(ctx context.Context, bookingID string) ([]entity.IssuedTicket, error) {
	issued, err := s.tickets.EnsureIssued(ctx, bookingID, func(booking entity.Booking, missingSeqs []int) ([]entity.IssuedTicket, error) {
		return NewTickets(booking, missingSeqs, s.now().UTC())
	})
	if err != nil {
		return nil, fmt.Errorf("could not ensure tickets of booking %s: %w", bookingID, err)
	}

	if len(issued) > 0 {
		log.FromContext(ctx).WithFields(logrus.Fields{
			"booking_id": bookingID,
			"issued":     len(issued),
		}).Info("Issued missing tickets")
	}

	return issued, nil
}

// Reissue replaces the tokens of the booking's VALID tickets. Old tokens stop working.
func (s *Service) Reissue(ctx context.Context, auth entity.AuthContext, bookingID string) ([]entity.IssuedTicket, error) {
	booking, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !auth.CanActFor(booking.UserID) {
		return nil, entity.ErrForbidden
	}
	if booking.Status.IsTerminal() {
		return nil, fmt.Errorf("booking %s is %s: %w", bookingID, booking.Status, entity.ErrConflict)
	}

	tickets, err := s.tickets.ListByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rotated := make(map[string]string)
	var issued []entity.IssuedTicket

	for _, ticket := range tickets {
		if ticket.Status != entity.TicketValid {
			continue
		}

		token, err := NewToken(bookingID, ticket.Seq, now)
		if err != nil {
			return nil, err
		}
		ticket.TokenHash = HashToken(token)

		rotated[ticket.TicketID] = ticket.TokenHash
		issued = append(issued, entity.IssuedTicket{Ticket: ticket, Token: token})
	}

	if err := s.tickets.RotateHashes(ctx, bookingID, rotated); err != nil {
		return nil, err
	}

	return issued, nil
}

// Share creates a short-lived link token for one ticket.
func (s *Service) Share(ctx context.Context, auth entity.AuthContext, ticketID string) (entity.SharedTicket, error) {
	ticket, err := s.tickets.FindByID(ctx, ticketID)
	if err != nil {
		return entity.SharedTicket{}, err
	}

	booking, err := s.bookings.Get(ctx, ticket.BookingID)
	if err != nil {
		return entity.SharedTicket{}, err
	}
	if !auth.CanActFor(booking.UserID) {
		return entity.SharedTicket{}, entity.ErrForbidden
	}
	if ticket.Status != entity.TicketValid {
		return entity.SharedTicket{}, fmt.Errorf("ticket %s is %s: %w", ticketID, ticket.Status, entity.ErrConflict)
	}

	settings, err := s.settings.Current(ctx)
	if err != nil {
		return entity.SharedTicket{}, err
	}

	shareToken, expiresAt, err := s.shares.Create(ctx, ticketID, settings.ShareTokenTTL)
	if err != nil {
		return entity.SharedTicket{}, err
	}

	return entity.SharedTicket{
		ShareToken: shareToken,
		ExpiresAt:  expiresAt,
		Ticket:     ticket,
	}, nil
}

// ResolveShare returns the shared ticket, or entity.ErrNotFound once the share token expired.
func (s *Service) ResolveShare(ctx context.Context, shareToken string) (entity.SharedTicket, error) {
	ticketID, expiresAt, err := s.shares.Resolve(ctx, shareToken)
	if err != nil {
		return entity.SharedTicket{}, err
	}

	ticket, err := s.tickets.FindByID(ctx, ticketID)
	if err != nil {
		return entity.SharedTicket{}, err
	}

	return entity.SharedTicket{
		ShareToken: shareToken,
		ExpiresAt:  expiresAt,
		Ticket:     ticket,
	}, nil
}

func (s *Service) ListForBooking(ctx context.Context, auth entity.AuthContext, bookingID string) ([]entity.Ticket, error) {
	booking, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !auth.CanActFor(booking.UserID) {
		return nil, entity.ErrForbidden
	}

	return s.tickets.ListByBooking(ctx, bookingID)
}
