package ticketing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

const nonceSize = 16

// NewToken returns an opaque admission token: base64url of booking id, seq, issue time and a random nonce.
func NewToken(bookingID string, seq int, issuedAt time.Time) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("could not read random nonce: %w", err)
	}

	raw := make([]byte, 0, len(bookingID)+40+nonceSize)
	raw = append(raw, bookingID...)
	raw = append(raw, '|')
	raw = strconv.AppendInt(raw, int64(seq), 10)
	raw = append(raw, '|')
	raw = strconv.AppendInt(raw, issuedAt.UnixNano(), 10)
	raw = append(raw, '|')
	raw = append(raw, nonce...)

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashToken is the only form of a token that gets stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewTickets builds VALID tickets for the given sequence numbers of booking.
// Each ticket is valid for the booking's time window.
func NewTickets(booking entity.Booking, seqs []int, now time.Time) ([]entity.IssuedTicket, error) {
	issued := make([]entity.IssuedTicket, 0, len(seqs))
	for _, seq := range seqs {
		token, err := NewToken(booking.BookingID, seq, now)
		if err != nil {
			return nil, err
		}

		issued = append(issued, entity.IssuedTicket{
			Ticket: entity.Ticket{
				TicketID:   uuid.NewString(),
				BookingID:  booking.BookingID,
				Seq:        seq,
				TokenHash:  HashToken(token),
				Status:     entity.TicketValid,
				ValidFrom:  booking.StartTime,
				ValidUntil: booking.EndTime(),
				CreatedAt:  now,
			},
			Token: token,
		})
	}
	return issued, nil
}
