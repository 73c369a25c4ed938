package http

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

func (s Server) PostQuote(c echo.Context) error {
	var request entity.QuoteRequest
	if err := bindAndValidate(c, &request); err != nil {
		return err
	}

	quote, err := s.bookings.Quote(c.Request().Context(), request)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, quote)
}

func (s Server) PostBooking(c echo.Context) error {
	var request entity.QuoteRequest
	if err := bindAndValidate(c, &request); err != nil {
		return err
	}

	created, err := s.bookings.Create(c.Request().Context(), authFrom(c), request)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, created)
}

func (s Server) GetBookings(c echo.Context) error {
	bookings, err := s.bookings.ListMine(c.Request().Context(), authFrom(c))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, bookings)
}

func (s Server) GetBooking(c echo.Context) error {
	booking, err := s.bookings.Get(c.Request().Context(), authFrom(c), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, booking)
}

func (s Server) GetBookingTickets(c echo.Context) error {
	tickets, err := s.tickets.ListForBooking(c.Request().Context(), authFrom(c), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, tickets)
}

func (s Server) PostCancelBooking(c echo.Context) error {
	booking, err := s.bookings.Cancel(c.Request().Context(), authFrom(c), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, booking)
}

func (s Server) PostReissueTickets(c echo.Context) error {
	tickets, err := s.tickets.Reissue(c.Request().Context(), authFrom(c), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, tickets)
}

type postEventRequestRequest struct {
	UserID        string          `json:"user_id" validate:"required"`
	VenueID       string          `json:"venue_id" validate:"required"`
	StartTime     time.Time       `json:"start_time" validate:"required"`
	DurationHours int             `json:"duration_hours" validate:"min=1"`
	Persons       int             `json:"persons" validate:"min=1"`
	QuotedPrice   decimal.Decimal `json:"quoted_price"`
}

func (s Server) PostEventRequest(c echo.Context) error {
	var request postEventRequestRequest
	if err := bindAndValidate(c, &request); err != nil {
		return err
	}

	eventRequest, err := s.bookings.CreateEventRequest(c.Request().Context(), authFrom(c), entity.EventRequest{
		UserID:        request.UserID,
		VenueID:       request.VenueID,
		StartTime:     request.StartTime,
		DurationHours: request.DurationHours,
		Persons:       request.Persons,
		QuotedPrice:   request.QuotedPrice,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, eventRequest)
}

func (s Server) GetEventRequest(c echo.Context) error {
	eventRequest, err := s.bookings.GetEventRequest(c.Request().Context(), authFrom(c), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, eventRequest)
}
