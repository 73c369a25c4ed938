package http

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

const signatureHeader = "X-Signature"

type postPaymentIntentRequest struct {
	PayableKind entity.PayableKind   `json:"payable_kind" validate:"required"`
	PayableID   string               `json:"payable_id" validate:"required"`
	Method      entity.PaymentMethod `json:"method" validate:"required"`
	// Token is the card token or gateway source to charge, e.g. "tokn_..." or "src_...".
	Token string `json:"token"`
}

func (s Server) PostPaymentIntent(c echo.Context) error {
	var request postPaymentIntentRequest
	if err := bindAndValidate(c, &request); err != nil {
		return err
	}

	intent, err := s.payments.CreateIntent(
		c.Request().Context(),
		authFrom(c),
		request.PayableKind,
		request.PayableID,
		request.Method,
		request.Token,
	)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, intent)
}

func (s Server) PostConfirmPayment(c echo.Context) error {
	confirmation, err := s.payments.ConfirmPayment(c.Request().Context(), authFrom(c), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, confirmation)
}

type postRefundPaymentRequest struct {
	// Amount is optional, the remaining amount is refunded when it is missing.
	Amount *decimal.Decimal `json:"amount"`
}

func (s Server) PostRefundPayment(c echo.Context) error {
	var request postRefundPaymentRequest
	if err := c.Bind(&request); err != nil {
		return err
	}

	refund, err := s.payments.Refund(c.Request().Context(), authFrom(c), c.Param("id"), request.Amount)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, refund)
}

func (s Server) GetPaymentSideEffects(c echo.Context) error {
	runs, err := s.payments.SideEffects(c.Request().Context(), authFrom(c), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, runs)
}

func (s Server) PostPaymentWebhook(c echo.Context) error {
	// the signature covers the raw body, so it is read as is instead of bound
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read body")
	}

	ack, err := s.payments.HandleWebhook(c.Request().Context(), c.Request().Header.Get(signatureHeader), body)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, ack)
}
