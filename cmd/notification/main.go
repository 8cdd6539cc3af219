package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/config"
	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/ariefcatur/go-order-saga/internal/httpx"
	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/notification"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
	"github.com/ariefcatur/go-order-saga/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	service := cfg.Service("notification-service")
	log := logging.New(service, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, service, cfg.OtelEndpoint)
	if err != nil {
		log.Fatal("telemetry setup", zap.Error(err))
	}

	// Redis backs notification dedup
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	d := notification.NewDispatcher(notification.LogSender{Log: log}, notification.RedisDeduper{RDB: rdb}, log)

	group := cfg.Group("notification-service-group")
	var wg sync.WaitGroup
	for topic, h := range map[string]kafkax.Handler{
		events.TopicOrders:     d.HandleOrders,
		events.TopicUserOrders: d.HandleUserOrders,
	} {
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, topic, cfg.ConsumerWorkers, log)
		wg.Add(1)
		go func(topic string, h kafkax.Handler) {
			defer wg.Done()
			log.Info("consumer started", zap.String("group", group), zap.String("topic", topic))
			if err := cons.Start(ctx, h); err != nil {
				log.Error("consumer exit", zap.String("topic", topic), zap.Error(err))
				stop()
			}
		}(topic, h)
	}

	addr := cfg.Addr(":8083")
	srv := &http.Server{Addr: addr, Handler: httpx.NewRouter(log), ReadHeaderTimeout: 5 * time.Second}
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
	wg.Wait()
	if err := shutdownTracing(ctx2); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
}
