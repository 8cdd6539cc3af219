package orders

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/auth"
	"github.com/ariefcatur/go-order-saga/internal/events"
	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/metrics"
)

// Coordinator owns the order lifecycle. It advances orders only in response to
// explicit commands or inventory events, and republishes every change to
// `orders` and `user-orders`.
type Coordinator struct {
	repo    Repository
	out     Publisher
	cache   StatusCache
	log     *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() string
	service string
	outbox  bool
	retries int
}

type CoordinatorOption func(*Coordinator)

// WithOutbox stores events with the order change instead of sending them inline.
// A Relay must drain the store.
func WithOutbox(on bool) CoordinatorOption { return func(c *Coordinator) { c.outbox = on } }

func WithStatusCache(sc StatusCache) CoordinatorOption {
	return func(c *Coordinator) { c.cache = sc }
}

func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

func WithIDGenerator(f func() string) CoordinatorOption {
	return func(c *Coordinator) { c.newID = f }
}

func WithProducerName(name string) CoordinatorOption {
	return func(c *Coordinator) { c.service = name }
}

func NewCoordinator(repo Repository, out Publisher, log *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		repo:    repo,
		out:     out,
		cache:   noCache{},
		log:     logging.OrNop(log),
		tracer:  otel.Tracer("github.com/ariefcatur/go-order-saga/internal/orders"),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		service: "order-service",
		retries: 3,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateOrder persists a CREATED order and fans it out. A publish failure never
// undoes the order; it is reported through the outcome.
func (c *Coordinator) CreateOrder(ctx context.Context, p auth.Principal, req CreateRequest) (Order, PublishOutcome, error) {
	if req.UserID == "" {
		req.UserID = p.Username
	}
	if err := req.Validate(); err != nil {
		return Order{}, Failed, err
	}
	if !p.CanActFor(req.UserID) {
		return Order{}, Failed, auth.ErrForbidden
	}

	now := c.now()
	o := Order{
		ID:              c.newID(),
		UserID:          req.UserID,
		Status:          events.StatusCreated,
		Items:           append([]Item(nil), req.Items...),
		TotalAmount:     Total(req.Items),
		ShippingAddress: req.ShippingAddress,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	ctx, span := c.tracer.Start(ctx, "orders.create", trace.WithAttributes(attribute.String("order.id", o.ID)))
	defer span.End()

	msgs := c.messages(ctx, o)
	if err := c.repo.Create(ctx, o, c.pending(msgs)); err != nil {
		return Order{}, Failed, fmt.Errorf("save order: %w", err)
	}
	metrics.OrderTransitions.WithLabelValues(string(o.Status)).Inc()
	c.cache.Set(ctx, viewOf(o))
	c.log.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("user_id", o.UserID),
		zap.String("total", o.TotalAmount.String()),
	)
	return o, c.dispatch(ctx, o, msgs), nil
}

func (c *Coordinator) GetOrder(ctx context.Context, p auth.Principal, id string) (Order, error) {
	o, err := c.repo.FindByID(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if !p.CanActFor(o.UserID) {
		return Order{}, auth.ErrForbidden
	}
	return o, nil
}

// OrderStatus serves the cached projection and falls back to the repository.
func (c *Coordinator) OrderStatus(ctx context.Context, p auth.Principal, id string) (StatusView, error) {
	v, ok := c.cache.Get(ctx, id)
	if !ok {
		o, err := c.repo.FindByID(ctx, id)
		if err != nil {
			return StatusView{}, err
		}
		v = viewOf(o)
		c.cache.Set(ctx, v)
	}
	if !p.CanActFor(v.UserID) {
		return StatusView{}, auth.ErrForbidden
	}
	return v, nil
}

func (c *Coordinator) ListOrdersByUser(ctx context.Context, p auth.Principal, userID string) ([]Order, error) {
	if !p.CanActFor(userID) {
		return nil, auth.ErrForbidden
	}
	return c.repo.FindByUser(ctx, userID)
}

// CancelOrder moves the order to CANCELLED from any status and republishes it.
// Releasing held stock is left to the inventory service's compensation policy.
func (c *Coordinator) CancelOrder(ctx context.Context, p auth.Principal, id string) (Order, PublishOutcome, error) {
	if _, err := c.GetOrder(ctx, p, id); err != nil {
		return Order{}, Failed, err
	}
	return c.transition(ctx, id, events.StatusCancelled, func(events.OrderStatus) bool { return true })
}

// Advance applies a collaborator-driven transition such as SHIPPED or DELIVERED.
func (c *Coordinator) Advance(ctx context.Context, p auth.Principal, id string, to events.OrderStatus) (Order, PublishOutcome, error) {
	if !p.IsAdmin() {
		return Order{}, Failed, auth.ErrForbidden
	}
	if !to.Valid() || to == events.StatusCancelled {
		return Order{}, Failed, fmt.Errorf("%w: %q", ErrInvalidTransition, to)
	}
	return c.transition(ctx, id, to, func(from events.OrderStatus) bool { return CanTransition(from, to) })
}

// HandleInventoryEvent is the `inventory-events` consumer handler.
func (c *Coordinator) HandleInventoryEvent(ctx context.Context, m kafkago.Message) error {
	ev, err := events.DecodeInventoryEvent(m.Value)
	if err != nil {
		return kafkax.Permanent(err)
	}

	var (
		to   events.OrderStatus
		from = []events.OrderStatus{events.StatusCreated}
	)
	switch ev.UpdateType {
	case events.UpdateReserved:
		to = events.StatusInventoryReserved
	case events.UpdateFailed:
		to = events.StatusInventoryFailed
		from = append(from, events.StatusInventoryReserved)
	case events.UpdateReleased, events.UpdateRestocked, events.UpdateSold:
		return nil
	default:
		return kafkax.Permanent(fmt.Errorf("unhandled update type %q", ev.UpdateType))
	}

	log := c.log.With(zap.String("order_id", ev.OrderID), zap.String("update_type", string(ev.UpdateType)))
	_, _, err = c.transition(ctx, ev.OrderID, to, func(cur events.OrderStatus) bool {
		return slices.Contains(from, cur)
	})
	switch {
	case errors.Is(err, ErrNotFound):
		log.Warn("inventory event for unknown order")
		return nil
	case errors.Is(err, ErrInvalidTransition):
		log.Debug("stale inventory event ignored", zap.Error(err))
		return nil
	}
	return err
}

// transition loads the order, checks allowed against its current status and
// stores the new one with compare-and-set, reloading when another writer won.
func (c *Coordinator) transition(ctx context.Context, id string, to events.OrderStatus, allowed func(events.OrderStatus) bool) (Order, PublishOutcome, error) {
	ctx, span := c.tracer.Start(ctx, "orders.transition",
		trace.WithAttributes(attribute.String("order.id", id), attribute.String("order.status", string(to))))
	defer span.End()

	for attempt := 0; ; attempt++ {
		o, err := c.repo.FindByID(ctx, id)
		if err != nil {
			return Order{}, Failed, err
		}
		from := o.Status
		if !allowed(from) {
			return o, Failed, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}

		o.Status = to
		o.UpdatedAt = c.now()
		msgs := c.messages(ctx, o)
		err = c.repo.UpdateStatus(ctx, id, from, to, o.UpdatedAt, c.pending(msgs))
		if errors.Is(err, ErrStatusConflict) && attempt < c.retries {
			continue
		}
		if err != nil {
			return Order{}, Failed, fmt.Errorf("update order %s: %w", id, err)
		}

		metrics.OrderTransitions.WithLabelValues(string(to)).Inc()
		c.cache.Set(ctx, viewOf(o))
		c.log.Info("order status changed",
			zap.String("order_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return o, c.dispatch(ctx, o, msgs), nil
	}
}

// messages fans one change out to the per-order and per-user streams.
func (c *Coordinator) messages(ctx context.Context, o Order) []kafkago.Message {
	value := events.MustMarshal(o.Event(o.UpdatedAt))
	return []kafkago.Message{
		kafkax.NewMessage(ctx, events.TopicOrders, events.OrderKey(o.ID), value, events.TypeOrderEvent, c.service),
		kafkax.NewMessage(ctx, events.TopicUserOrders, events.UserKey(o.UserID), value, events.TypeOrderEvent, c.service),
	}
}

func (c *Coordinator) pending(msgs []kafkago.Message) []OutboxRecord {
	if !c.outbox {
		return nil
	}
	now := c.now()
	out := make([]OutboxRecord, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, NewOutboxRecord(m, now))
	}
	return out
}

func (c *Coordinator) dispatch(ctx context.Context, o Order, msgs []kafkago.Message) PublishOutcome {
	outcome := Delivered
	switch {
	case c.outbox:
		outcome = Queued
	default:
		if err := c.out.Send(ctx, msgs...); err != nil {
			outcome = Failed
			c.log.Error("publish order event failed",
				zap.String("order_id", o.ID),
				zap.String("status", string(o.Status)),
				zap.Error(err),
			)
		}
	}
	metrics.PublishOutcomes.WithLabelValues(outcome.String()).Inc()
	return outcome
}
