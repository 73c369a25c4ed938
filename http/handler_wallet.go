package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

const defaultTransactionsLimit = 50

// targetUser is the caller, unless staff ask for another user with ?user_id=.
func targetUser(c echo.Context) string {
	if userID := c.QueryParam("user_id"); userID != "" {
		return userID
	}
	return authFrom(c).UserID
}

func (s Server) GetWallet(c echo.Context) error {
	wallet, err := s.wallets.Balance(c.Request().Context(), authFrom(c), targetUser(c))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, wallet)
}

func (s Server) GetWalletTransactions(c echo.Context) error {
	limit := defaultTransactionsLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive number")
		}
		limit = parsed
	}

	transactions, err := s.wallets.Transactions(c.Request().Context(), authFrom(c), targetUser(c), limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, transactions)
}

type postWalletCreditRequest struct {
	UserID string          `json:"user_id" validate:"required"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" validate:"required"`
}

func (s Server) PostWalletCredit(c echo.Context) error {
	var request postWalletCreditRequest
	if err := bindAndValidate(c, &request); err != nil {
		return err
	}

	transaction, err := s.wallets.Credit(c.Request().Context(), authFrom(c), request.UserID, request.Amount, request.Reason)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, transaction)
}
