package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/events"
	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/metrics"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
)

type Kind string

const (
	KindConfirmation Kind = "confirmation"
	KindCancellation Kind = "cancellation"
	KindShipped      Kind = "shipped"
	KindDelivered    Kind = "delivered"
	KindUserUpdate   Kind = "user_update"
)

type Notification struct {
	Kind    Kind
	OrderID string
	UserID  string
	Status  events.OrderStatus
	Body    string
}

// Sender delivers a rendered notification (mail, push, ...).
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

type SenderFunc func(ctx context.Context, n Notification) error

func (f SenderFunc) Send(ctx context.Context, n Notification) error { return f(ctx, n) }

// LogSender writes notifications to the log.
type LogSender struct{ Log *zap.Logger }

func (s LogSender) Send(_ context.Context, n Notification) error {
	logging.OrNop(s.Log).Info("notification sent",
		zap.String("kind", string(n.Kind)),
		zap.String("order_id", n.OrderID),
		zap.String("user_id", n.UserID),
		zap.String("body", n.Body),
	)
	return nil
}

// Deduper suppresses a second delivery of the same (topic, order, status).
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type RedisDeduper struct{ RDB redis.Cmdable }

func (d RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	return redisx.Claim(ctx, d.RDB, redisx.DedupKey("notification", key), redisx.TTLDedup)
}

func (d RedisDeduper) Release(ctx context.Context, key string) error {
	return d.RDB.Del(ctx, redisx.DedupKey("notification", key)).Err()
}

type Dispatcher struct {
	sender Sender
	dedup  Deduper
	log    *zap.Logger
}

// NewDispatcher builds a dispatcher. dedup may be nil.
func NewDispatcher(sender Sender, dedup Deduper, log *zap.Logger) *Dispatcher {
	log = logging.OrNop(log)
	if sender == nil {
		sender = LogSender{Log: log}
	}
	return &Dispatcher{sender: sender, dedup: dedup, log: log}
}

var ErrUnknownStatus = errors.New("no notification rule for order status")

// Render maps an `orders` event to the customer notification for its status.
// Known statuses without a notification return false; anything else is ErrUnknownStatus.
func Render(ev events.OrderEvent) (Notification, bool, error) {
	n := Notification{OrderID: ev.OrderID, UserID: ev.UserID, Status: ev.Status}
	switch ev.Status {
	case events.StatusCreated:
		n.Kind = KindConfirmation
		n.Body = strings.Join([]string{
			"ORDER CONFIRMATION",
			"Order ID: " + ev.OrderID,
			"Total: $" + ev.TotalAmount.StringFixed(2),
			"Thank you!",
		}, "\n")
	case events.StatusCancelled:
		n.Kind = KindCancellation
		n.Body = fmt.Sprintf("Order %s cancelled", ev.OrderID)
	case events.StatusShipped:
		n.Kind = KindShipped
		n.Body = fmt.Sprintf("Order %s shipped", ev.OrderID)
	case events.StatusDelivered:
		n.Kind = KindDelivered
		n.Body = fmt.Sprintf("Order %s delivered", ev.OrderID)
	case events.StatusProcessing, events.StatusPaymentCompleted, events.StatusPaymentFailed,
		events.StatusInventoryReserved, events.StatusInventoryFailed:
		return Notification{}, false, nil
	default:
		return Notification{}, false, fmt.Errorf("%w %q", ErrUnknownStatus, ev.Status)
	}
	return n, true, nil
}

// HandleOrders is the `orders` consumer handler.
func (d *Dispatcher) HandleOrders(ctx context.Context, m kafkago.Message) error {
	ev, err := events.DecodeOrderEvent(m.Value)
	if err != nil {
		return kafkax.Permanent(err)
	}
	n, ok, err := Render(ev)
	if err != nil {
		return kafkax.Permanent(err)
	}
	if !ok {
		d.log.Info("order status observed",
			zap.String("order_id", ev.OrderID),
			zap.String("status", string(ev.Status)),
		)
		return nil
	}
	return d.deliver(ctx, events.TopicOrders, n)
}

// HandleUserOrders is the `user-orders` consumer handler: every change of a
// user's order becomes one user-scoped update.
func (d *Dispatcher) HandleUserOrders(ctx context.Context, m kafkago.Message) error {
	ev, err := events.DecodeOrderEvent(m.Value)
	if err != nil {
		return kafkax.Permanent(err)
	}
	return d.deliver(ctx, events.TopicUserOrders, Notification{
		Kind:    KindUserUpdate,
		OrderID: ev.OrderID,
		UserID:  ev.UserID,
		Status:  ev.Status,
		Body:    fmt.Sprintf("Your order %s is now %s", ev.OrderID, ev.Status),
	})
}

func (d *Dispatcher) deliver(ctx context.Context, topic string, n Notification) error {
	log := d.log.With(zap.String("order_id", n.OrderID), zap.String("kind", string(n.Kind)))
	key := fmt.Sprintf("%s:%s:%s", topic, n.OrderID, n.Status)

	if d.dedup != nil {
		first, err := d.dedup.Claim(ctx, key)
		switch {
		case err != nil:
			log.Warn("dedup unavailable, sending anyway", zap.Error(err))
		case !first:
			metrics.Notifications.WithLabelValues("duplicate").Inc()
			log.Debug("duplicate notification suppressed")
			return nil
		}
	}

	if err := d.sender.Send(ctx, n); err != nil {
		if d.dedup != nil {
			if rerr := d.dedup.Release(ctx, key); rerr != nil {
				log.Warn("release dedup key", zap.Error(rerr))
			}
		}
		return fmt.Errorf("send %s notification for %s: %w", n.Kind, n.OrderID, err)
	}
	metrics.Notifications.WithLabelValues(string(n.Kind)).Inc()
	return nil
}
