package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type postScanTicketRequest struct {
	Token string `json:"token" validate:"required"`
}

// PostScanTicket answers 200 for every scan, rejected scans carry their reason in the body.
func (s Server) PostScanTicket(c echo.Context) error {
	var request postScanTicketRequest
	if err := bindAndValidate(c, &request); err != nil {
		return err
	}

	outcome, err := s.tickets.Scan(c.Request().Context(), authFrom(c), request.Token)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, outcome)
}

func (s Server) PostShareTicket(c echo.Context) error {
	shared, err := s.tickets.Share(c.Request().Context(), authFrom(c), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, shared)
}

func (s Server) GetSharedTicket(c echo.Context) error {
	shared, err := s.tickets.ResolveShare(c.Request().Context(), c.Param("token"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, shared)
}
