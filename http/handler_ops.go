package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/zezo2030/loopmsq-sub000/db"
	"github.com/zezo2030/loopmsq-sub000/entity"
)

func (s Server) GetOpsBookings(c echo.Context) error {
	authCtx := authFrom(c)
	if !authCtx.IsStaff() {
		return entity.ErrForbidden
	}

	filter := db.OpsBookingsFilter{
		Status: entity.BookingStatus(c.QueryParam("status")),
		Date:   c.QueryParam("date"),
	}
	if !authCtx.HasRole(entity.RoleAdmin) && !authCtx.HasRole(entity.RoleSystem) {
		// staff only see their branches
		filter.BranchIDs = authCtx.BranchIDs
	}

	bookings, err := s.opsReadModel.AllBookings(c.Request().Context(), filter)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, bookings)
}

func (s Server) GetOpsBooking(c echo.Context) error {
	authCtx := authFrom(c)
	if !authCtx.IsStaff() {
		return entity.ErrForbidden
	}

	booking, err := s.opsReadModel.BookingReadModel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if !authCtx.CanScanAt(booking.BranchID) {
		return entity.ErrForbidden
	}

	return c.JSON(http.StatusOK, booking)
}

func (s Server) PostRetrySideEffects(c echo.Context) error {
	handle, err := s.payments.RetrySideEffects(c.Request().Context(), authFrom(c), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusAccepted, handle)
}

func (s Server) GetSettings(c echo.Context) error {
	if !authFrom(c).IsStaff() {
		return entity.ErrForbidden
	}

	settings, err := s.settings.Current(c.Request().Context())
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, settings)
}

func (s Server) PutSettings(c echo.Context) error {
	var settings entity.RuntimeSettings
	if err := c.Bind(&settings); err != nil {
		return err
	}

	updated, err := s.settings.Update(c.Request().Context(), authFrom(c), settings)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, updated)
}
