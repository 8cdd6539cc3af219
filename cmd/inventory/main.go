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
	"github.com/ariefcatur/go-order-saga/internal/inventory"
	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/postgres"
	"github.com/ariefcatur/go-order-saga/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	service := cfg.Service("inventory-service")
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

	ledger := &inventory.PgLedger{DB: db}
	catalog, err := inventory.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		log.Fatal("load catalog", zap.Error(err))
	}
	if _, err := inventory.Seed(ctx, ledger, catalog, log); err != nil {
		log.Fatal("seed catalog", zap.Error(err))
	}

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start(ctx)

	engine := inventory.NewEngine(ledger, &inventory.PgReservations{DB: db}, prod, log,
		inventory.WithLowStockThreshold(cfg.LowStockThreshold),
		inventory.WithFailurePolicy(inventory.ParseFailurePolicy(cfg.ReservationFailurePolicy)),
		inventory.WithCancelCompensation(cfg.CancelCompensation),
		inventory.WithServiceName(service),
	)

	// orders consumer
	group := cfg.Group("inventory-service-group")
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, events.TopicOrders, cfg.ConsumerWorkers, log)
	consDone := make(chan struct{})
	go func() {
		defer close(consDone)
		log.Info("consumer started",
			zap.String("group", group),
			zap.String("topic", events.TopicOrders),
			zap.Int("workers", cfg.ConsumerWorkers),
		)
		if err := cons.Start(ctx, engine.HandleOrderEvent); err != nil {
			log.Error("consumer exit", zap.Error(err))
			stop()
		}
	}()

	router := httpx.NewRouter(log)
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(auth.NewVerifier(cfg.JWTSecret)))
		(&httpx.InventoryHandler{Engine: engine, Log: log}).Register(r)
	})

	addr := cfg.Addr(":8082")
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
