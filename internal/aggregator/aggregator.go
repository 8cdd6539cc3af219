package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/events"
	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/metrics"
)

// Update is emitted for every RESERVED event that changed the views.
type Update struct {
	ProductID   string    `json:"productId"`
	Running     int64     `json:"running"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	WindowCount int64     `json:"windowCount"`
}

type UpdateFunc func(ctx context.Context, u Update)

// Forwarder publishes without blocking the consumer. *kafka.Producer satisfies it.
type Forwarder interface {
	Publish(m kafkago.Message) error
}

type Aggregator struct {
	views     Views
	fwd       Forwarder
	log       *zap.Logger
	window    time.Duration
	retention time.Duration
	onUpdate  UpdateFunc

	mu      sync.Mutex
	maxSeen time.Time
}

type Option func(*Aggregator)

func WithWindow(d time.Duration) Option { return func(a *Aggregator) { a.window = d } }

// WithRetention bounds how long a window stays queryable after the newest event seen.
func WithRetention(d time.Duration) Option { return func(a *Aggregator) { a.retention = d } }

func WithUpdateFunc(f UpdateFunc) Option { return func(a *Aggregator) { a.onUpdate = f } }

func New(views Views, fwd Forwarder, log *zap.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		views:     views,
		fwd:       fwd,
		log:       logging.OrNop(log),
		window:    time.Hour,
		retention: 24 * time.Hour,
	}
	for _, o := range opts {
		o(a)
	}
	if a.onUpdate == nil {
		a.onUpdate = a.logUpdate
	}
	return a
}

// Handle is the `inventory-events` consumer handler. Every consumed record is
// forwarded unchanged to `inventory-analytics`, including ones that do not decode;
// RESERVED events also feed the views. A retryable fold error holds the forward
// back until the retry succeeds.
func (a *Aggregator) Handle(ctx context.Context, m kafkago.Message) error {
	err := a.apply(ctx, m)
	if err != nil && !kafkax.IsPermanent(err) {
		return err
	}
	if ferr := a.fwd.Publish(kafkago.Message{
		Topic:   events.TopicInventoryAnalytics,
		Key:     m.Key,
		Value:   m.Value,
		Headers: m.Headers,
	}); ferr != nil {
		return ferr
	}
	return err
}

func (a *Aggregator) apply(ctx context.Context, m kafkago.Message) error {
	ev, err := events.DecodeInventoryEvent(m.Value)
	if err != nil {
		return kafkax.Permanent(err)
	}
	switch ev.UpdateType {
	case events.UpdateReserved:
		return a.fold(ctx, m, ev)
	case events.UpdateReleased, events.UpdateRestocked, events.UpdateSold, events.UpdateFailed:
		return nil
	default:
		return kafkax.Permanent(fmt.Errorf("unhandled update type %q", ev.UpdateType))
	}
}

func (a *Aggregator) fold(ctx context.Context, m kafkago.Message, ev events.InventoryEvent) error {
	at := eventTime(ev, m)
	start := at.Truncate(a.window)
	cutoff := a.observe(at)
	if start.Add(a.window).Before(cutoff) {
		a.log.Debug("event too late for its window",
			zap.String("product_id", ev.ProductID),
			zap.Time("event_time", at),
		)
	}

	counts, applied, err := a.views.Apply(ctx, Contribution{
		Partition:   m.Partition,
		Offset:      m.Offset,
		ProductID:   ev.ProductID,
		WindowStart: start,
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	metrics.AggregatedReservations.Inc()

	if err := a.views.DropBefore(ctx, cutoff.Truncate(a.window)); err != nil {
		a.log.Warn("drop expired windows", zap.Error(err))
	}

	a.onUpdate(ctx, Update{
		ProductID:   ev.ProductID,
		Running:     counts.Running,
		WindowStart: start,
		WindowEnd:   start.Add(a.window),
		WindowCount: counts.Window,
	})
	return nil
}

// observe advances the stream clock and returns the retention cutoff.
func (a *Aggregator) observe(at time.Time) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	if at.After(a.maxSeen) {
		a.maxSeen = at
	}
	return a.maxSeen.Add(-a.retention)
}

func (a *Aggregator) Running(ctx context.Context, productID string) (int64, error) {
	return a.views.Running(ctx, productID)
}

// WindowCount returns the count of the window containing at.
func (a *Aggregator) WindowCount(ctx context.Context, productID string, at time.Time) (int64, error) {
	return a.views.Window(ctx, at.UTC().Truncate(a.window), productID)
}

// Snapshot reads both views for productID, using the window that contains at.
func (a *Aggregator) Snapshot(ctx context.Context, productID string, at time.Time) (Update, error) {
	running, err := a.Running(ctx, productID)
	if err != nil {
		return Update{}, err
	}
	start := at.UTC().Truncate(a.window)
	n, err := a.views.Window(ctx, start, productID)
	if err != nil {
		return Update{}, err
	}
	return Update{
		ProductID:   productID,
		Running:     running,
		WindowStart: start,
		WindowEnd:   start.Add(a.window),
		WindowCount: n,
	}, nil
}

func (a *Aggregator) logUpdate(_ context.Context, u Update) {
	a.log.Info("reservation counts updated",
		zap.String("product_id", u.ProductID),
		zap.Int64("running", u.Running),
		zap.Time("window_start", u.WindowStart),
		zap.Int64("window_count", u.WindowCount),
	)
}

// eventTime prefers the event's own timestamp, then the record time.
func eventTime(ev events.InventoryEvent, m kafkago.Message) time.Time {
	switch {
	case !ev.Timestamp.IsZero():
		return ev.Timestamp.UTC()
	case !m.Time.IsZero():
		return m.Time.UTC()
	}
	return time.Now().UTC()
}
