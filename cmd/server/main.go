package main // Entry point package

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/transit-booking/internal/config"
	"github.com/iliyamo/transit-booking/internal/database"
	"github.com/iliyamo/transit-booking/internal/gateway"
	"github.com/iliyamo/transit-booking/internal/handler"
	"github.com/iliyamo/transit-booking/internal/inventory"
	"github.com/iliyamo/transit-booking/internal/ledger"
	"github.com/iliyamo/transit-booking/internal/loyalty"
	"github.com/iliyamo/transit-booking/internal/middleware"
	"github.com/iliyamo/transit-booking/internal/pubsub"
	"github.com/iliyamo/transit-booking/internal/queue"
	"github.com/iliyamo/transit-booking/internal/reaper"
	"github.com/iliyamo/transit-booking/internal/reconcile"
	"github.com/iliyamo/transit-booking/internal/repository"
	"github.com/iliyamo/transit-booking/internal/router"
	queue_publisher "github.com/iliyamo/transit-booking/internal/service"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
	cfg := config.Load()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database connect failed: %v", err)
	}
	defer db.Close()

	// Redis backs rate limiting, response caching, the live seat-map
	// bus and loyalty points. A nil client disables all four.
	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Printf("redis unavailable: rate limiting, caching, seat broadcasts and loyalty disabled")
	}

	tripRepo := repository.NewTripRepo(db)
	holdRepo := repository.NewSeatHoldRepo(db)
	bookingRepo := repository.NewBookingRepo(db)
	attemptRepo := repository.NewPaymentAttemptRepo(db)

	inv := inventory.New(tripRepo, holdRepo)
	seatBus := pubsub.NewBus(rdb)
	bookingLedger := ledger.New(db, tripRepo, bookingRepo, inv, seatBus, cfg.MaxSeatsPerBooking)

	card := gateway.NewCardAdapter(cfg.CardAPIBase, cfg.CardAPIKey, cfg.CardWebhookSecret)
	momo := gateway.NewMobileMoneyAdapter(cfg.MomoAPIBase, cfg.MomoAPIKey, cfg.MomoShortcode, cfg.MomoPasskey, cfg.MomoCallbackURL)

	notifier := queue_publisher.New(cfg.RabbitURL)
	rewards := loyalty.NewTracker(rdb)

	coord := reconcile.New(
		db, attemptRepo, bookingRepo, tripRepo, holdRepo, bookingLedger,
		[]gateway.Adapter{card, momo},
		notifier, rewards, seatBus, nil,
		cfg.InitiateMaxRetries, time.Duration(cfg.InitiateBackoffSec)*time.Second,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background loops: the expiry sweep, the mobile-money poll
	// fallback and the notification consumer.
	sweep := reaper.New(bookingRepo, bookingLedger, coord,
		time.Duration(cfg.PaymentWindowMin)*time.Minute,
		time.Duration(cfg.ReaperIntervalSec)*time.Second)
	go sweep.Run(ctx)

	poller := reconcile.NewPoller(coord,
		time.Duration(cfg.PollIntervalSec)*time.Second,
		time.Duration(cfg.PollGraceSec)*time.Second)
	go poller.Run(ctx)

	go func() {
		if err := queue.StartNotificationConsumer(cfg.RabbitURL); err != nil {
			log.Printf("notification consumer stopped: %v", err)
		}
	}()

	e := echo.New()
	if rdb != nil {
		e.Use(middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb))
		e.Use(middleware.NewRedisCache(config.LoadCacheConfig(), rdb))
	}

	bookingHandler := handler.NewBookingHandler(bookingLedger, holdRepo, bookingRepo, rewards)
	paymentHandler := handler.NewPaymentHandler(coord, attemptRepo, bookingRepo)
	webhookHandler := handler.NewWebhookHandler(coord)
	tripHandler := handler.NewTripHandler(tripRepo, holdRepo)

	router.RegisterRoutes(e, db)
	router.RegisterPublic(e, tripHandler)
	router.RegisterPassenger(e, bookingHandler, paymentHandler, cfg.JWTSecret)
	router.RegisterOperator(e, tripHandler, cfg.JWTSecret)
	router.RegisterWebhooks(e, webhookHandler)

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)
	if err := e.Start(addr); err != nil {
		log.Fatal(err)
	}
}
