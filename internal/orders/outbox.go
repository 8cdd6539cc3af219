package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/metrics"
)

// PublishOutcome tells the caller what happened to the events of a committed change.
type PublishOutcome int

const (
	// Delivered: the log acknowledged every record.
	Delivered PublishOutcome = iota
	// Queued: records are in the outbox and the relay will deliver them.
	Queued
	// Failed: the change is committed but its events were not delivered.
	Failed
)

func (o PublishOutcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("PublishOutcome(%d)", int(o))
}

func (o PublishOutcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Publisher writes records synchronously. *kafka.Producer satisfies it.
type Publisher interface {
	Send(ctx context.Context, msgs ...kafkago.Message) error
}

// Relay moves outbox records to the log in insertion order. A failed record
// blocks the ones behind it so per-order ordering holds.
type Relay struct {
	store      OutboxStore
	out        Publisher
	log        *zap.Logger
	interval   time.Duration
	batch      int
	newBackOff func() backoff.BackOff
	now        func() time.Time
}

type RelayOption func(*Relay)

func WithRelayInterval(d time.Duration) RelayOption { return func(r *Relay) { r.interval = d } }

func WithRelayBatch(n int) RelayOption { return func(r *Relay) { r.batch = n } }

func WithRelayBackOff(f func() backoff.BackOff) RelayOption {
	return func(r *Relay) { r.newBackOff = f }
}

func NewRelay(store OutboxStore, out Publisher, log *zap.Logger, opts ...RelayOption) *Relay {
	r := &Relay{
		store:    store,
		out:      out,
		log:      logging.OrNop(log),
		interval: time.Second,
		batch:    100,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run drains until ctx is done, backing off while the log is unavailable.
func (r *Relay) Run(ctx context.Context) {
	b := r.newBackOff()
	for {
		n, err := r.Drain(ctx)
		wait := r.interval
		switch {
		case err != nil:
			if wait = b.NextBackOff(); wait == backoff.Stop {
				b.Reset()
				wait = r.interval
			}
			r.log.Warn("outbox relay failed", zap.Error(err), zap.Duration("wait", wait))
		case n == r.batch:
			b.Reset()
			wait = 0
		default:
			b.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Drain sends one batch and returns how many records were delivered.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	recs, err := r.store.Pending(ctx, r.batch)
	if err != nil {
		return 0, fmt.Errorf("load outbox: %w", err)
	}
	for i, rec := range recs {
		if err := r.out.Send(ctx, rec.Message()); err != nil {
			if markErr := r.store.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
				r.log.Error("mark outbox record failed", zap.String("outbox_id", rec.ID), zap.Error(markErr))
			}
			metrics.PublishOutcomes.WithLabelValues("relay_failed").Inc()
			return i, fmt.Errorf("relay %s: %w", rec.ID, err)
		}
		if err := r.store.MarkSent(ctx, rec.ID, r.now()); err != nil {
			return i, fmt.Errorf("mark outbox record sent: %w", err)
		}
		metrics.PublishOutcomes.WithLabelValues("relayed").Inc()
	}
	return len(recs), nil
}
