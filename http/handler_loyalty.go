package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

type postLoyaltyRedeemRequest struct {
	Points int64 `json:"points" validate:"min=1"`
}

func (s Server) PostLoyaltyRedeem(c echo.Context) error {
	var request postLoyaltyRedeemRequest
	if err := bindAndValidate(c, &request); err != nil {
		return err
	}

	redemption, err := s.loyalty.Redeem(c.Request().Context(), authFrom(c), request.Points)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, redemption)
}

func (s Server) GetLoyaltyTransactions(c echo.Context) error {
	transactions, err := s.loyalty.Transactions(c.Request().Context(), authFrom(c), targetUser(c))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, transactions)
}

func (s Server) PostLoyaltyRule(c echo.Context) error {
	var rule entity.LoyaltyRule
	if err := c.Bind(&rule); err != nil {
		return err
	}

	created, err := s.loyalty.CreateRule(c.Request().Context(), authFrom(c), rule)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, created)
}

func (s Server) PostActivateLoyaltyRule(c echo.Context) error {
	rule, err := s.loyalty.ActivateRule(c.Request().Context(), authFrom(c), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, rule)
}

type postReferralRequest struct {
	ReferrerID string `json:"referrer_id" validate:"required"`
	Code       string `json:"code"`
}

func (s Server) PostReferral(c echo.Context) error {
	var request postReferralRequest
	if err := bindAndValidate(c, &request); err != nil {
		return err
	}

	if err := s.loyalty.RegisterReferral(c.Request().Context(), authFrom(c), request.ReferrerID, request.Code); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

func (s Server) PostApproveReferral(c echo.Context) error {
	earning, err := s.loyalty.ApproveReferral(c.Request().Context(), authFrom(c), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, earning)
}

func (s Server) PostRejectReferral(c echo.Context) error {
	earning, err := s.loyalty.RejectReferral(c.Request().Context(), authFrom(c), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, earning)
}
