package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/aggregator"
	"github.com/ariefcatur/go-order-saga/internal/config"
	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/ariefcatur/go-order-saga/internal/httpx"
	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
	"github.com/ariefcatur/go-order-saga/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	service := cfg.Service("inventory-analytics")
	log := logging.New(service, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, service, cfg.OtelEndpoint)
	if err != nil {
		log.Fatal("telemetry setup", zap.Error(err))
	}

	// Redis holds the aggregate views
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start(ctx)

	agg := aggregator.New(aggregator.NewRedisViews(rdb), prod, log,
		aggregator.WithWindow(cfg.WindowSize),
		aggregator.WithRetention(cfg.WindowRetention),
	)

	group := cfg.Group("inventory-analytics")
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, events.TopicInventoryEvents, cfg.ConsumerWorkers, log)
	consDone := make(chan struct{})
	go func() {
		defer close(consDone)
		log.Info("consumer started", zap.String("group", group), zap.String("topic", events.TopicInventoryEvents))
		if err := cons.Start(ctx, agg.Handle); err != nil {
			log.Error("consumer exit", zap.Error(err))
			stop()
		}
	}()

	router := httpx.NewRouter(log)
	(&httpx.AnalyticsHandler{Agg: agg, Log: log}).Register(router)

	addr := cfg.Addr(":8084")
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
