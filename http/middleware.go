package http

import (
	"errors"
	"net/http"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/zezo2030/loopmsq-sub000/auth"
	"github.com/zezo2030/loopmsq-sub000/entity"
)

const authContextKey = "auth"

// authenticate resolves the bearer token once per request. Handlers read the result with authFrom.
func authenticate(parser auth.Parser) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authCtx, err := parser.ParseHeader(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return err
			}

			c.Set(authContextKey, authCtx)

			ctx := log.ToContext(c.Request().Context(), log.FromContext(c.Request().Context()).WithField("user_id", authCtx.UserID))
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

func authFrom(c echo.Context) entity.AuthContext {
	authCtx, _ := c.Get(authContextKey).(entity.AuthContext)
	return authCtx
}

type requestValidator struct {
	v *validator.Validate
}

func newValidator() *requestValidator {
	return &requestValidator{v: validator.New()}
}

func (v *requestValidator) Validate(i any) error {
	return v.v.Struct(i)
}

func bindAndValidate(c echo.Context, request any) error {
	if err := c.Bind(request); err != nil {
		return err
	}
	if err := c.Validate(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// errorHandler answers domain errors with the status of their kind and leaves
// everything else to echo.
func errorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var domainErr *entity.Error
		if c.Response().Committed || !errors.As(err, &domainErr) {
			e.DefaultHTTPErrorHandler(err, c)
			return
		}

		status := statusOf(domainErr.Kind())
		if status >= http.StatusInternalServerError {
			log.FromContext(c.Request().Context()).WithError(err).Error("Request failed")
		}

		if err := c.JSON(status, errorResponse{Error: domainErr.Code(), Message: domainErr.Error()}); err != nil {
			log.FromContext(c.Request().Context()).WithError(err).Error("Could not write error response")
		}
	}
}

func statusOf(kind entity.ErrorKind) int {
	switch kind {
	case entity.KindValidation:
		return http.StatusBadRequest
	case entity.KindNotFound:
		return http.StatusNotFound
	case entity.KindConflict:
		return http.StatusConflict
	case entity.KindForbidden:
		return http.StatusForbidden
	case entity.KindUnauthorized:
		return http.StatusUnauthorized
	case entity.KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
