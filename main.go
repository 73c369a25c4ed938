package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/zezo2030/loopmsq-sub000/cache"
	"github.com/zezo2030/loopmsq-sub000/config"
	"github.com/zezo2030/loopmsq-sub000/entity"
	"github.com/zezo2030/loopmsq-sub000/gateway"
	"github.com/zezo2030/loopmsq-sub000/notification"
	"github.com/zezo2030/loopmsq-sub000/service"
	"github.com/zezo2030/loopmsq-sub000/tracing"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		panic(err)
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.Init(level)
	}

	if cfg.JaegerEndpoint != "" {
		traceProvider := tracing.ConfigureTraceProvider(cfg.JaegerEndpoint)
		defer func() {
			if err := traceProvider.Shutdown(context.Background()); err != nil {
				log.FromContext(ctx).WithError(err).Error("could not shutdown trace provider")
			}
		}()
	}

	traceDB, err := otelsql.Open("postgres", cfg.PostgresURL,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
		otelsql.WithDBName("db"))
	if err != nil {
		panic(err)
	}

	dbConn := sqlx.NewDb(traceDB, "postgres")
	defer dbConn.Close()

	redisClient := cache.NewRedisClient(cfg.RedisAddr)
	defer redisClient.Close()

	collaborators, err := newCollaborators(ctx, cfg)
	if err != nil {
		panic(err)
	}

	err = service.New(
		dbConn,
		redisClient,
		collaborators,
		service.Options{
			HTTPAddr:       cfg.HTTPAddr,
			JWTSecret:      cfg.JWTSecret,
			WebhookSecret:  cfg.WebhookSecret,
			ReconcileEvery: cfg.ReconcileEvery,
			Defaults:       entity.DefaultRuntimeSettings(),
		},
	).Run(ctx)
	if err != nil {
		panic(err)
	}
}

// newCollaborators connects the external systems. Channels without a configured provider
// are left out and their jobs are skipped.
func newCollaborators(ctx context.Context, cfg config.Config) (service.Collaborators, error) {
	paymentGateway, err := gateway.NewOmiseGateway(cfg.OmisePublicKey, cfg.OmiseSecretKey, cfg.GatewayTimeout)
	if err != nil {
		return service.Collaborators{}, err
	}

	channels := map[entity.Channel]notification.ChannelProvider{}
	if cfg.FirebaseCredentialsFile != "" {
		push, err := gateway.NewFCMPushChannel(ctx, cfg.FirebaseCredentialsFile)
		if err != nil {
			return service.Collaborators{}, err
		}
		channels[entity.ChannelPush] = push
	}
	if cfg.EmailProviderURL != "" {
		channels[entity.ChannelEmail] = gateway.NewHTTPChannel(cfg.EmailProviderURL, 10*time.Second)
	}
	if cfg.SMSProviderURL != "" {
		channels[entity.ChannelSMS] = gateway.NewHTTPChannel(cfg.SMSProviderURL, 10*time.Second)
	}

	return service.Collaborators{
		PaymentGateway: paymentGateway,
		Identity:       gateway.NewIdentityClient(cfg.IdentityURL, 10*time.Second),
		Channels:       channels,
	}, nil
}
