package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/auth"
	"github.com/ariefcatur/go-order-saga/internal/config"
	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/ariefcatur/go-order-saga/internal/httpx"
	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/postgres"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
	"github.com/ariefcatur/go-order-saga/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	service := cfg.Service("order-service")
	log := logging.New(service, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, service, cfg.OtelEndpoint)
	if err != nil {
		log.Fatal("telemetry setup", zap.Error(err))
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal("db migrate", zap.Error(err))
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer, shared by the coordinator and the outbox relay
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start(ctx)

	repo := &orders.PgRepository{DB: db}
	coord := orders.NewCoordinator(repo, prod, log,
		orders.WithOutbox(cfg.OutboxEnabled),
		orders.WithStatusCache(orders.NewRedisStatusCache(rdb)),
		orders.WithProducerName(service),
	)

	if cfg.OutboxEnabled {
		relay := orders.NewRelay(repo, prod, log, orders.WithRelayInterval(cfg.OutboxInterval))
		go relay.Run(ctx)
	}

	// inventory-events consumer
	group := cfg.Group("order-service-group")
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, events.TopicInventoryEvents, cfg.ConsumerWorkers, log)
	consDone := make(chan struct{})
	go func() {
		defer close(consDone)
		log.Info("consumer started",
			zap.String("group", group),
			zap.String("topic", events.TopicInventoryEvents),
			zap.Int("workers", cfg.ConsumerWorkers),
		)
		if err := cons.Start(ctx, coord.HandleInventoryEvent); err != nil {
			log.Error("consumer exit", zap.Error(err))
			stop()
		}
	}()

	router := httpx.NewRouter(log)
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(auth.NewVerifier(cfg.JWTSecret)))
		(&httpx.OrdersHandler{Coord: coord, Log: log}).Register(r)
	})

	addr := cfg.Addr(":8081")
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("http listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	<-consDone
	prod.Close()
	prod.WaitClosed()
	if err := shutdownTracing(ctx2); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
}
