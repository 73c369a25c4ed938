package http

import (
	"context"
	"errors"
	"net/http"

	echoHTTP "github.com/ThreeDotsLabs/go-event-driven/common/http"
	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/zezo2030/loopmsq-sub000/auth"
)

type Server struct {
	addr string
	e    *echo.Echo

	bookings     BookingService
	payments     PaymentService
	tickets      TicketService
	wallets      WalletService
	loyalty      LoyaltyService
	settings     SettingsService
	opsReadModel OpsBookingsReadModel
}

func NewServer(
	addr string,
	authParser auth.Parser,
	bookings BookingService,
	payments PaymentService,
	tickets TicketService,
	wallets WalletService,
	loyalty LoyaltyService,
	settings SettingsService,
	opsReadModel OpsBookingsReadModel,
) *Server {
	if bookings == nil {
		panic("missing bookings")
	}
	if payments == nil {
		panic("missing payments")
	}
	if tickets == nil {
		panic("missing tickets")
	}
	if wallets == nil {
		panic("missing wallets")
	}
	if loyalty == nil {
		panic("missing loyalty")
	}
	if settings == nil {
		panic("missing settings")
	}
	if opsReadModel == nil {
		panic("missing opsReadModel")
	}

	e := echoHTTP.NewEcho()
	e.Use(otelecho.Middleware("bookings"))
	e.Validator = newValidator()
	e.HTTPErrorHandler = errorHandler(e)

	s := &Server{
		addr:         addr,
		e:            e,
		bookings:     bookings,
		payments:     payments,
		tickets:      tickets,
		wallets:      wallets,
		loyalty:      loyalty,
		settings:     settings,
		opsReadModel: opsReadModel,
	}

	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// unauthenticated: the gateway signs its webhooks, share tokens are bearer capabilities
	e.POST("/payments/webhook", s.PostPaymentWebhook)
	e.GET("/shared-tickets/:token", s.GetSharedTicket)

	api := e.Group("", authenticate(authParser))

	api.POST("/quotes", s.PostQuote)
	api.POST("/bookings", s.PostBooking)
	api.GET("/bookings", s.GetBookings)
	api.GET("/bookings/:id", s.GetBooking)
	api.GET("/bookings/:id/tickets", s.GetBookingTickets)
	api.POST("/bookings/:id/cancel", s.PostCancelBooking)
	api.POST("/bookings/:id/tickets/reissue", s.PostReissueTickets)

	api.POST("/event-requests", s.PostEventRequest)
	api.GET("/event-requests/:id", s.GetEventRequest)

	api.POST("/payments/intents", s.PostPaymentIntent)
	api.POST("/payments/:id/confirm", s.PostConfirmPayment)
	api.POST("/payments/:id/refund", s.PostRefundPayment)
	api.GET("/payments/:id/side-effects", s.GetPaymentSideEffects)

	api.POST("/tickets/scan", s.PostScanTicket)
	api.POST("/tickets/:id/share", s.PostShareTicket)

	api.GET("/wallet", s.GetWallet)
	api.GET("/wallet/transactions", s.GetWalletTransactions)
	api.POST("/wallet/credits", s.PostWalletCredit)

	api.POST("/loyalty/redeem", s.PostLoyaltyRedeem)
	api.GET("/loyalty/transactions", s.GetLoyaltyTransactions)
	api.POST("/loyalty/rules", s.PostLoyaltyRule)
	api.POST("/loyalty/rules/:id/activate", s.PostActivateLoyaltyRule)

	api.POST("/referrals", s.PostReferral)
	api.POST("/referrals/:id/approve", s.PostApproveReferral)
	api.POST("/referrals/:id/reject", s.PostRejectReferral)

	api.GET("/ops/bookings", s.GetOpsBookings)
	api.GET("/ops/bookings/:id", s.GetOpsBooking)
	api.POST("/ops/payments/:id/retry-side-effects", s.PostRetrySideEffects)
	api.GET("/ops/settings", s.GetSettings)
	api.PUT("/ops/settings", s.PutSettings)

	return s
}

func (s Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		err := s.e.Shutdown(context.Background())
		if err != nil {
			log.FromContext(ctx).WithError(err).Error("failed to shutdown HTTP server")
		}
	}()
	log.FromContext(ctx).WithField("addr", s.addr).Info("[HTTP] server listening")
	if err := s.e.Start(s.addr); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
