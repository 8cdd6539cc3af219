package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/metrics"
)

// Handler returns nil once m may be committed. Errors are retried unless wrapped with Permanent.
type Handler func(ctx context.Context, m kafka.Message) error

// Permanent marks an error that retrying cannot fix, such as an undecodable payload.
func Permanent(err error) error { return backoff.Permanent(err) }

func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r          Reader
	topic      string
	workers    int
	log        *zap.Logger
	newBackOff func() backoff.BackOff
	tracer     trace.Tracer
}

type ConsumerOption func(*Consumer)

// WithHandlerRetry overrides the backoff policy applied to failing handlers.
func WithHandlerRetry(f func() backoff.BackOff) ConsumerOption {
	return func(c *Consumer) { c.newBackOff = f }
}

func NewConsumer(brokers []string, group, topic string, workers int, log *zap.Logger, opts ...ConsumerOption) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return NewConsumerWithReader(r, topic, workers, log, opts...)
}

func NewConsumerWithReader(r Reader, topic string, workers int, log *zap.Logger, opts ...ConsumerOption) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	c := &Consumer{
		r:          r,
		topic:      topic,
		workers:    workers,
		log:        logging.OrNop(log).With(zap.String("topic", topic)),
		newBackOff: DefaultBackOff,
		tracer:     otel.Tracer("github.com/ariefcatur/go-order-saga/internal/kafka"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start fetches until ctx is done. Messages of one partition always land on the same
// worker, so a partition is handled in offset order and commits never skip ahead.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 256)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				c.process(ctx, h, m)
			}
		}(jobs[i])
	}
	stop := func() {
		for _, ch := range jobs {
			close(ch)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch %s: %w", c.topic, err)
		}
		select {
		case jobs[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message) {
	msgCtx, span := c.tracer.Start(ExtractTrace(ctx, m.Headers), "consume "+c.topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", c.topic),
			attribute.Int("messaging.kafka.partition", m.Partition),
			attribute.Int64("messaging.kafka.offset", m.Offset),
		),
	)
	defer span.End()

	log := c.log.With(zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))
	result := "ok"

	op := func() error { return safeHandle(msgCtx, h, m) }
	notify := func(err error, wait time.Duration) {
		log.Warn("handler failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
		if ctx.Err() != nil {
			// shutting down: leave the offset uncommitted so the next owner redelivers it
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result = "skipped"
		log.Error("message skipped",
			zap.Error(err),
			zap.ByteString("key", m.Key),
			zap.ByteString("raw_value", m.Value),
		)
	}
	metrics.ConsumedMessages.WithLabelValues(c.topic, result).Inc()

	if err := c.r.CommitMessages(ctx, m); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("commit failed", zap.Error(err))
	}
}

func safeHandle(ctx context.Context, h Handler, m kafka.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, m)
}
