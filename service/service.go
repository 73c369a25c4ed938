package service

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zezo2030/loopmsq-sub000/auth"
	"github.com/zezo2030/loopmsq-sub000/booking"
	"github.com/zezo2030/loopmsq-sub000/cache"
	"github.com/zezo2030/loopmsq-sub000/config"
	"github.com/zezo2030/loopmsq-sub000/db"
	"github.com/zezo2030/loopmsq-sub000/entity"
	"github.com/zezo2030/loopmsq-sub000/http"
	"github.com/zezo2030/loopmsq-sub000/loyalty"
	"github.com/zezo2030/loopmsq-sub000/notification"
	"github.com/zezo2030/loopmsq-sub000/payment"
	"github.com/zezo2030/loopmsq-sub000/pubsub"
	"github.com/zezo2030/loopmsq-sub000/pubsub/bus"
	"github.com/zezo2030/loopmsq-sub000/pubsub/command"
	"github.com/zezo2030/loopmsq-sub000/pubsub/event"
	"github.com/zezo2030/loopmsq-sub000/pubsub/outbox"
	"github.com/zezo2030/loopmsq-sub000/ticketing"
	"github.com/zezo2030/loopmsq-sub000/wallet"
)

func init() {
	log.Init(logrus.InfoLevel)
}

// Collaborators are the external systems the service talks to. Tests pass the mocks from gateway.
type Collaborators struct {
	PaymentGateway payment.Gateway
	Identity       notification.RecipientResolver
	Channels       map[entity.Channel]notification.ChannelProvider
}

type Options struct {
	HTTPAddr       string
	JWTSecret      string
	WebhookSecret  string
	ReconcileEvery string
	Defaults       entity.RuntimeSettings
}

type Service struct {
	db              *sqlx.DB
	watermillRouter *message.Router
	httpServer      *http.Server
	worker          *notification.Worker
	periodicJobs    *notification.PeriodicJobs
	scheduler       *notification.Scheduler
}

func New(
	dbConn *sqlx.DB,
	redisClient *redis.Client,
	collaborators Collaborators,
	opts Options,
) Service {
	if collaborators.PaymentGateway == nil {
		panic("missing payment gateway")
	}
	if collaborators.Identity == nil {
		panic("missing identity")
	}

	watermillLogger := log.NewWatermill(log.FromContext(context.Background()))

	var redisPublisher message.Publisher
	redisPublisher = pubsub.NewRedisPublisher(redisClient, watermillLogger)
	redisPublisher = log.CorrelationPublisherDecorator{Publisher: redisPublisher}

	commandBus, err := bus.NewCommandBus(redisPublisher)
	if err != nil {
		panic(fmt.Errorf("failed to create command bus: %w", err))
	}

	venuesRepo := db.NewVenuesPostgresRepository(dbConn)
	bookingsRepo := db.NewBookingsPostgresRepository(dbConn)
	eventRequestsRepo := db.NewEventRequestsPostgresRepository(dbConn)
	paymentsRepo := db.NewPaymentsPostgresRepository(dbConn)
	ticketsRepo := db.NewTicketsPostgresRepository(dbConn)
	walletRepo := db.NewWalletPostgresRepository(dbConn)
	loyaltyRepo := db.NewLoyaltyPostgresRepository(dbConn)
	sideEffectsRepo := db.NewSideEffectsPostgresRepository(dbConn)
	opsReadModel := db.NewOpsBookingsReadModel(dbConn)
	eventStore := db.NewEventStore(dbConn)

	settings := config.NewProvider(db.NewSettingsPostgresRepository(dbConn), opts.Defaults)

	renderer, err := notification.NewRenderer()
	if err != nil {
		panic(fmt.Errorf("failed to create notification renderer: %w", err))
	}

	// asynq owns its connection and closes it on shutdown, so it gets its own client
	asynqRedis := asynq.RedisClientOpt{Addr: redisClient.Options().Addr}
	scheduler := notification.NewScheduler(asynqRedis, collaborators.Identity, settings, renderer)

	bookingService := booking.NewService(
		venuesRepo,
		bookingsRepo,
		eventRequestsRepo,
		scheduler,
		cache.NewBookingListings(redisClient),
		settings,
	)
	ticketService := ticketing.NewService(ticketsRepo, bookingsRepo, cache.NewShareTokens(redisClient), settings)
	walletService := wallet.NewService(walletRepo)
	loyaltyService := loyalty.NewService(loyaltyRepo, settings)

	paymentService := payment.NewService(
		paymentsRepo,
		collaborators.PaymentGateway,
		walletRepo,
		cache.NewIntentClaims(redisClient),
		cache.NewProcessedWebhooks(redisClient),
		sideEffectsRepo,
		commandBus,
		settings,
		opts.WebhookSecret,
	)
	sideEffects := payment.NewSideEffects(
		paymentsRepo,
		sideEffectsRepo,
		bookingsRepo,
		ticketService,
		scheduler,
		loyaltyService,
	)

	worker := notification.NewWorker(
		asynqRedis,
		collaborators.Channels,
		bookingsRepo,
		bookingService,
		paymentService,
	)
	periodicJobs, err := notification.NewPeriodicJobs(asynqRedis, opts.ReconcileEvery)
	if err != nil {
		panic(fmt.Errorf("failed to create periodic jobs: %w", err))
	}

	watermillRouter, err := pubsub.NewWatermillRouter(
		outbox.NewPostgresSubscriber(dbConn.DB, watermillLogger),
		redisPublisher,
		redisClient,
		event.NewProcessorConfig(redisClient, watermillLogger),
		event.NewHandler(sideEffects, bookingService, bookingService),
		event.NewOpsBookingHandlers(opsReadModel),
		command.NewProcessorConfig(redisClient, watermillLogger),
		command.NewHandler(sideEffects),
		eventStore,
		watermillLogger,
	)
	if err != nil {
		panic(fmt.Errorf("failed to create watermill router: %w", err))
	}

	httpServer := http.NewServer(
		opts.HTTPAddr,
		auth.NewParser(opts.JWTSecret),
		bookingService,
		paymentService,
		ticketService,
		walletService,
		loyaltyService,
		settings,
		opsReadModel,
	)

	return Service{
		db:              dbConn,
		watermillRouter: watermillRouter,
		httpServer:      httpServer,
		worker:          worker,
		periodicJobs:    periodicJobs,
		scheduler:       scheduler,
	}
}

func (s Service) Run(ctx context.Context) error {
	if err := db.InitializeDatabaseSchema(s.db); err != nil {
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.watermillRouter.Run(ctx)
	})

	g.Go(func() error {
		return s.worker.Run(ctx)
	})

	g.Go(func() error {
		return s.periodicJobs.Run(ctx)
	})

	g.Go(func() error {
		// we don't want to start HTTP server before Watermill router (so service won't be healthy before it's ready)
		<-s.watermillRouter.Running()

		return s.httpServer.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		return s.scheduler.Close()
	})

	return g.Wait()
}
