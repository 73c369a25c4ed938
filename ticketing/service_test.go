package ticketing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

type ticketsRepoMock struct {
	mu      sync.Mutex
	tickets map[string]entity.Ticket
	booking func(bookingID string) entity.Booking
}

func (m *ticketsRepoMock) FindByHash(ctx context.Context, tokenHash string) (entity.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if t.TokenHash == tokenHash {
			return t, nil
		}
	}
	return entity.Ticket{}, entity.ErrNotFound
}

func (m *ticketsRepoMock) FindByID(ctx context.Context, ticketID string) (entity.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[ticketID]
	if !ok {
		return entity.Ticket{}, fmt.Errorf("ticket %s: %w", ticketID, entity.ErrNotFound)
	}
	return t, nil
}

func (m *ticketsRepoMock) ListByBooking(ctx context.Context, bookingID string) ([]entity.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tickets []entity.Ticket
	for _, t := range m.tickets {
		if t.BookingID == bookingID {
			tickets = append(tickets, t)
		}
	}
	return tickets, nil
}

func (m *ticketsRepoMock) MarkUsed(ctx context.Context, ticketID string, staffID string, scannedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tickets[ticketID]
	if t.Status != entity.TicketValid {
		return false, nil
	}
	t.Status = entity.TicketUsed
	t.ScannedBy = &staffID
	t.ScannedAt = &scannedAt
	m.tickets[ticketID] = t
	return true, nil
}

func (m *ticketsRepoMock) MarkExpired(ctx context.Context, ticketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tickets[ticketID]
	if t.Status == entity.TicketValid {
		t.Status = entity.TicketExpired
		m.tickets[ticketID] = t
	}
	return nil
}

func (m *ticketsRepoMock) EnsureIssued(
	ctx context.Context,
	bookingID string,
	newFn func(booking entity.Booking, missingSeqs []int) ([]entity.IssuedTicket, error),
) ([]entity.IssuedTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	booking := m.booking(bookingID)
	have := map[int]bool{}
	for _, t := range m.tickets {
		if t.BookingID == bookingID {
			have[t.Seq] = true
		}
	}
	var missing []int
	for seq := 1; seq <= booking.Persons; seq++ {
		if !have[seq] {
			missing = append(missing, seq)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}

	issued, err := newFn(booking, missing)
	if err != nil {
		return nil, err
	}
	for _, it := range issued {
		m.tickets[it.Ticket.TicketID] = it.Ticket
	}
	return issued, nil
}

func (m *ticketsRepoMock) RotateHashes(ctx context.Context, bookingID string, rotated map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ticketID, hash := range rotated {
		t := m.tickets[ticketID]
		t.TokenHash = hash
		m.tickets[ticketID] = t
	}
	return nil
}

type bookingsMock struct {
	mu       sync.Mutex
	bookings map[string]entity.Booking
}

func (m *bookingsMock) Get(ctx context.Context, bookingID string) (entity.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return entity.Booking{}, fmt.Errorf("booking %s: %w", bookingID, entity.ErrNotFound)
	}
	return b, nil
}

type sharesMock struct {
	mu     sync.Mutex
	now    func() time.Time
	tokens map[string]string
	expiry map[string]time.Time
}

func (m *sharesMock) Create(ctx context.Context, ticketID string, ttl time.Duration) (string, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := shortuuid.New()
	m.tokens[token] = ticketID
	m.expiry[token] = m.now().Add(ttl)
	return token, m.expiry[token], nil
}

func (m *sharesMock) Resolve(ctx context.Context, token string) (string, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ticketID, ok := m.tokens[token]
	if !ok || !m.now().Before(m.expiry[token]) {
		return "", time.Time{}, fmt.Errorf("share token: %w", entity.ErrNotFound)
	}
	return ticketID, m.expiry[token], nil
}

type settingsMock struct{}

func (settingsMock) Current(ctx context.Context) (entity.RuntimeSettings, error) {
	return entity.DefaultRuntimeSettings(), nil
}

type fixture struct {
	svc      *Service
	tickets  *ticketsRepoMock
	bookings *bookingsMock
	clock    *time.Time
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	now := time.Date(2024, 5, 10, 18, 0, 0, 0, time.UTC)
	clock := &now

	bookings := &bookingsMock{bookings: map[string]entity.Booking{}}
	tickets := &ticketsRepoMock{tickets: map[string]entity.Ticket{}}
	tickets.booking = func(bookingID string) entity.Booking {
		return bookings.bookings[bookingID]
	}
	shares := &sharesMock{
		now:    func() time.Time { return *clock },
		tokens: map[string]string{},
		expiry: map[string]time.Time{},
	}

	svc := NewService(tickets, bookings, shares, settingsMock{})
	svc.now = func() time.Time { return *clock }

	return fixture{svc: svc, tickets: tickets, bookings: bookings, clock: clock}
}

func (f fixture) addBooking(t *testing.T, status entity.BookingStatus, persons int) (entity.Booking, []entity.IssuedTicket) {
	t.Helper()

	booking := entity.Booking{
		BookingID:     uuid.NewString(),
		UserID:        "customer-1",
		VenueID:       uuid.NewString(),
		BranchID:      "branch-1",
		StartTime:     f.clock.Add(-time.Hour),
		DurationHours: 3,
		Persons:       persons,
		Status:        status,
	}
	f.bookings.bookings[booking.BookingID] = booking

	issued, err := NewTickets(booking, []int{1, 2, 3, 4, 5, 6, 7, 8}[:persons], *f.clock)
	require.NoError(t, err)
	for _, it := range issued {
		f.tickets.tickets[it.Ticket.TicketID] = it.Ticket
	}

	return booking, issued
}

func (f fixture) setTicketStatus(ticketID string, status entity.TicketStatus) {
	t := f.tickets.tickets[ticketID]
	t.Status = status
	f.tickets.tickets[ticketID] = t
}

var staff = entity.AuthContext{UserID: "staff-1", Roles: []entity.Role{entity.RoleStaff}, BranchIDs: []string{"branch-1"}}

func TestScan(t *testing.T) {
	ctx := context.Background()

	t.Run("admits once", func(t *testing.T) {
		f := newFixture(t)
		_, issued := f.addBooking(t, entity.BookingConfirmed, 2)

		outcome, err := f.svc.Scan(ctx, staff, issued[0].Token)
		require.NoError(t, err)
		assert.True(t, outcome.Success)
		assert.Equal(t, entity.ScanAdmitted, outcome.Reason)
		assert.Equal(t, "staff-1", *outcome.Ticket.ScannedBy)

		outcome, err = f.svc.Scan(ctx, staff, issued[0].Token)
		require.NoError(t, err)
		assert.False(t, outcome.Success)
		assert.Equal(t, entity.ScanAlreadyUsed, outcome.Reason)

		outcome, err = f.svc.Scan(ctx, staff, issued[1].Token)
		require.NoError(t, err)
		assert.True(t, outcome.Success)
	})

	t.Run("unknown token", func(t *testing.T) {
		f := newFixture(t)

		outcome, err := f.svc.Scan(ctx, staff, "not-a-token")
		require.NoError(t, err)
		assert.Equal(t, entity.ScanUnknownTicket, outcome.Reason)
		assert.Nil(t, outcome.Ticket)
	})

	t.Run("ticket status", func(t *testing.T) {
		testCases := []struct {
			status entity.TicketStatus
			reason entity.ScanReason
		}{
			{entity.TicketUsed, entity.ScanAlreadyUsed},
			{entity.TicketCancelled, entity.ScanCancelled},
			{entity.TicketExpired, entity.ScanExpired},
		}
		for _, tc := range testCases {
			t.Run(string(tc.status), func(t *testing.T) {
				f := newFixture(t)
				_, issued := f.addBooking(t, entity.BookingConfirmed, 1)
				f.setTicketStatus(issued[0].Ticket.TicketID, tc.status)

				outcome, err := f.svc.Scan(ctx, staff, issued[0].Token)
				require.NoError(t, err)
				assert.False(t, outcome.Success)
				assert.Equal(t, tc.reason, outcome.Reason)
			})
		}
	})

	t.Run("not yet valid", func(t *testing.T) {
		f := newFixture(t)
		_, issued := f.addBooking(t, entity.BookingConfirmed, 1)
		*f.clock = issued[0].Ticket.ValidFrom.Add(-time.Minute)

		outcome, err := f.svc.Scan(ctx, staff, issued[0].Token)
		require.NoError(t, err)
		assert.Equal(t, entity.ScanNotYetValid, outcome.Reason)
		assert.Equal(t, "not valid for current time", outcome.Message)
		assert.Equal(t, entity.TicketValid, f.tickets.tickets[issued[0].Ticket.TicketID].Status)
	})

	t.Run("window elapsed expires the ticket", func(t *testing.T) {
		f := newFixture(t)
		_, issued := f.addBooking(t, entity.BookingConfirmed, 1)
		*f.clock = issued[0].Ticket.ValidUntil.Add(time.Minute)

		outcome, err := f.svc.Scan(ctx, staff, issued[0].Token)
		require.NoError(t, err)
		assert.Equal(t, entity.ScanWindowElapsed, outcome.Reason)
		assert.Equal(t, "not valid for current time", outcome.Message)
		assert.Equal(t, entity.TicketExpired, f.tickets.tickets[issued[0].Ticket.TicketID].Status)

		outcome, err = f.svc.Scan(ctx, staff, issued[0].Token)
		require.NoError(t, err)
		assert.Equal(t, entity.ScanExpired, outcome.Reason)
	})

	t.Run("booking not confirmed", func(t *testing.T) {
		f := newFixture(t)
		_, issued := f.addBooking(t, entity.BookingPending, 1)

		outcome, err := f.svc.Scan(ctx, staff, issued[0].Token)
		require.NoError(t, err)
		assert.Equal(t, entity.ScanBookingNotConfirmed, outcome.Reason)
		assert.Equal(t, entity.TicketValid, f.tickets.tickets[issued[0].Ticket.TicketID].Status)
	})

	t.Run("staff of another branch", func(t *testing.T) {
		f := newFixture(t)
		_, issued := f.addBooking(t, entity.BookingConfirmed, 1)
		otherBranch := entity.AuthContext{UserID: "staff-2", Roles: []entity.Role{entity.RoleStaff}, BranchIDs: []string{"branch-2"}}

		outcome, err := f.svc.Scan(ctx, otherBranch, issued[0].Token)
		require.NoError(t, err)
		assert.Equal(t, entity.ScanWrongBranch, outcome.Reason)
	})

	t.Run("customers can not scan", func(t *testing.T) {
		f := newFixture(t)
		_, issued := f.addBooking(t, entity.BookingConfirmed, 1)
		customer := entity.AuthContext{UserID: "customer-1", Roles: []entity.Role{entity.RoleCustomer}}

		_, err := f.svc.Scan(ctx, customer, issued[0].Token)
		assert.ErrorIs(t, err, entity.ErrForbidden)
	})
}

func TestScan_concurrent_scans_admit_once(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, issued := f.addBooking(t, entity.BookingConfirmed, 1)

	const workers = 10
	outcomes := make(chan entity.ScanOutcome, workers)

	wg := sync.WaitGroup{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := f.svc.Scan(ctx, staff, issued[0].Token)
			assert.NoError(t, err)
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	admitted := 0
	for outcome := range outcomes {
		if outcome.Success {
			admitted++
		} else {
			assert.Equal(t, entity.ScanAlreadyUsed, outcome.Reason)
		}
	}
	assert.Equal(t, 1, admitted)
}

func TestReissue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	booking, issued := f.addBooking(t, entity.BookingConfirmed, 2)
	owner := entity.AuthContext{UserID: booking.UserID, Roles: []entity.Role{entity.RoleCustomer}}

	_, err := f.svc.Reissue(ctx, entity.AuthContext{UserID: "someone-else"}, booking.BookingID)
	assert.ErrorIs(t, err, entity.ErrForbidden)

	reissued, err := f.svc.Reissue(ctx, owner, booking.BookingID)
	require.NoError(t, err)
	require.Len(t, reissued, 2)

	outcome, err := f.svc.Scan(ctx, staff, issued[0].Token)
	require.NoError(t, err)
	assert.Equal(t, entity.ScanUnknownTicket, outcome.Reason, "old tokens stop working")

	outcome, err = f.svc.Scan(ctx, staff, reissued[0].Token)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
}

func TestEnsureIssued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	booking, issued := f.addBooking(t, entity.BookingConfirmed, 3)

	delete(f.tickets.tickets, issued[2].Ticket.TicketID)

	created, err := f.svc.EnsureIssued(ctx, booking.BookingID)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, 3, created[0].Ticket.Seq)
	assert.Equal(t, HashToken(created[0].Token), created[0].Ticket.TokenHash)

	created, err = f.svc.EnsureIssued(ctx, booking.BookingID)
	require.NoError(t, err)
	assert.Empty(t, created)

	tickets, err := f.svc.ListForBooking(ctx, staff, booking.BookingID)
	require.NoError(t, err)
	assert.Len(t, tickets, 3)
}

func TestShare(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	booking, issued := f.addBooking(t, entity.BookingConfirmed, 1)
	owner := entity.AuthContext{UserID: booking.UserID, Roles: []entity.Role{entity.RoleCustomer}}

	_, err := f.svc.Share(ctx, entity.AuthContext{UserID: "stranger"}, issued[0].Ticket.TicketID)
	assert.ErrorIs(t, err, entity.ErrForbidden)

	shared, err := f.svc.Share(ctx, owner, issued[0].Ticket.TicketID)
	require.NoError(t, err)

	resolved, err := f.svc.ResolveShare(ctx, shared.ShareToken)
	require.NoError(t, err)
	assert.Equal(t, issued[0].Ticket.TicketID, resolved.Ticket.TicketID)

	*f.clock = shared.ExpiresAt.Add(time.Second)

	_, err = f.svc.ResolveShare(ctx, shared.ShareToken)
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestNewToken(t *testing.T) {
	now := time.Now()

	a, err := NewToken("booking-1", 1, now)
	require.NoError(t, err)
	b, err := NewToken("booking-1", 1, now)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, HashToken(a), HashToken(b))
	assert.Len(t, HashToken(a), 64)
	assert.Equal(t, HashToken(a), HashToken(a))
}
