package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/logging"
)

var ErrProducerClosed = errors.New("producer closed")

// Writer is the subset of *kafka.Writer the producer needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	w          Writer
	log        *zap.Logger
	newBackOff func() backoff.BackOff

	mu      sync.RWMutex
	closed  bool
	once    sync.Once
	inbox   chan kafka.Message
	closeCh chan struct{}
}

type ProducerOption func(*Producer)

// WithRetry overrides the backoff policy used by Send.
func WithRetry(f func() backoff.BackOff) ProducerOption {
	return func(p *Producer) { p.newBackOff = f }
}

// NewProducer writes to any topic; every message must carry its Topic.
func NewProducer(brokers []string, buf int, log *zap.Logger, opts ...ProducerOption) *Producer {
	return NewProducerWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}, buf, log, opts...)
}

func NewProducerWithWriter(w Writer, buf int, log *zap.Logger, opts ...ProducerOption) *Producer {
	if buf <= 0 {
		buf = 1024
	}
	p := &Producer{
		w:          w,
		log:        logging.OrNop(log),
		newBackOff: DefaultBackOff,
		inbox:      make(chan kafka.Message, buf),
		closeCh:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// DefaultBackOff is the exponential policy shared by producers and consumers.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return b
}

// Start runs the fire-and-forget loop behind Publish. Cancelling ctx flushes and closes.
func (p *Producer) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		p.Close()
	}()
	go func() {
		for m := range p.inbox {
			if err := p.Send(context.Background(), m); err != nil {
				p.log.Error("async publish failed",
					zap.String("topic", m.Topic),
					zap.ByteString("key", m.Key),
					zap.Error(err),
				)
			}
		}
		if err := p.w.Close(); err != nil {
			p.log.Warn("close kafka writer", zap.Error(err))
		}
		close(p.closeCh)
	}()
}

// Publish enqueues m without waiting for the broker.
func (p *Producer) Publish(m kafka.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}
	p.inbox <- m
	return nil
}

// Send writes msgs synchronously, retrying transient failures with backoff.
func (p *Producer) Send(ctx context.Context, msgs ...kafka.Message) error {
	attempt := 0
	op := func() error {
		attempt++
		return p.w.WriteMessages(ctx, msgs...)
	}
	notify := func(err error, wait time.Duration) {
		p.log.Warn("publish retry",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotify(op, backoff.WithContext(p.newBackOff(), ctx), notify)
}

// Close stops accepting messages; the loop flushes what is queued and closes the writer.
func (p *Producer) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.inbox)
		p.mu.Unlock()
	})
}

// WaitClosed blocks until the loop started by Start has drained.
func (p *Producer) WaitClosed() { <-p.closeCh }
