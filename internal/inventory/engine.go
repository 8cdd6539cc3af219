package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/events"
	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/metrics"
)

const DefaultLowStockThreshold = 10

// FailurePolicy decides what the engine tells the order service when a line item
// cannot be reserved.
type FailurePolicy int

const (
	// FailureSilent logs and emits nothing; the order stays CREATED.
	FailureSilent FailurePolicy = iota
	// FailureEmit releases the order's earlier holds and emits a FAILED event.
	FailureEmit
)

func ParseFailurePolicy(s string) FailurePolicy {
	if s == "emit" {
		return FailureEmit
	}
	return FailureSilent
}

// LowStockFunc is called once each time a reservation takes available stock below the threshold.
type LowStockFunc func(ctx context.Context, inv ProductInventory)

// Emitter delivers records to the log synchronously.
type Emitter interface {
	Send(ctx context.Context, msgs ...kafkago.Message) error
}

type Engine struct {
	ledger       Ledger
	reservations Reservations
	out          Emitter
	log          *zap.Logger
	tracer       trace.Tracer
	now          func() time.Time

	service          string
	lowStock         int
	onLowStock       LowStockFunc
	failure          FailurePolicy
	compensateCancel bool
	casRetries       int
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithLowStockThreshold(n int) Option { return func(e *Engine) { e.lowStock = n } }
func WithLowStockFunc(f LowStockFunc) Option { return func(e *Engine) { e.onLowStock = f } }
func WithFailurePolicy(p FailurePolicy) Option { return func(e *Engine) { e.failure = p } }
func WithCancelCompensation(on bool) Option { return func(e *Engine) { e.compensateCancel = on } }
func WithServiceName(name string) Option { return func(e *Engine) { e.service = name } }
func WithVersionConflictRetries(n int) Option { return func(e *Engine) { e.casRetries = n } }

func NewEngine(ledger Ledger, reservations Reservations, out Emitter, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		ledger:       ledger,
		reservations: reservations,
		out:          out,
		log:          logging.OrNop(log),
		tracer:       otel.Tracer("github.com/ariefcatur/go-order-saga/internal/inventory"),
		now:          func() time.Time { return time.Now().UTC() },
		service:      "inventory-service",
		lowStock:     DefaultLowStockThreshold,
		casRetries:   5,
	}
	for _, o := range opts {
		o(e)
	}
	if e.onLowStock == nil {
		e.onLowStock = e.logLowStock
	}
	return e
}

func (e *Engine) Get(ctx context.Context, productID string) (ProductInventory, error) {
	return e.ledger.FindByID(ctx, productID)
}

func (e *Engine) List(ctx context.Context) ([]ProductInventory, error) {
	return e.ledger.FindAll(ctx)
}

// Reserve holds qty units. It returns ErrNotFound or ErrInsufficientStock when it cannot.
func (e *Engine) Reserve(ctx context.Context, productID string, qty int) (ProductInventory, error) {
	before, after, err := e.mutate(ctx, productID, func(p *ProductInventory) error { return p.Reserve(qty) })
	if err != nil {
		return before, err
	}
	e.signalLowStock(ctx, before, after)
	return after, nil
}

func (e *Engine) signalLowStock(ctx context.Context, before, after ProductInventory) {
	if before.AvailableQuantity >= e.lowStock && after.AvailableQuantity < e.lowStock {
		metrics.LowStockSignals.WithLabelValues(after.ProductID).Inc()
		e.onLowStock(ctx, after)
	}
}

func (e *Engine) Release(ctx context.Context, productID string, qty int) (ProductInventory, error) {
	_, after, err := e.mutate(ctx, productID, func(p *ProductInventory) error { return p.Release(qty) })
	return after, err
}

func (e *Engine) Sell(ctx context.Context, productID string, qty int) (ProductInventory, error) {
	_, after, err := e.mutate(ctx, productID, func(p *ProductInventory) error { return p.Sell(qty) })
	return after, err
}

func (e *Engine) Restock(ctx context.Context, productID string, qty int) (ProductInventory, error) {
	_, after, err := e.mutate(ctx, productID, func(p *ProductInventory) error { return p.Restock(qty) })
	if err != nil {
		return after, err
	}
	e.log.Info("restocked product",
		zap.String("product_id", productID),
		zap.Int("quantity", qty),
		zap.Int("available", after.AvailableQuantity),
	)
	return after, nil
}

// mutate applies fn to the current row and saves it with compare-and-swap, reloading
// on version conflicts. On error it returns the row as last read.
func (e *Engine) mutate(ctx context.Context, productID string, fn func(*ProductInventory) error) (ProductInventory, ProductInventory, error) {
	for attempt := 0; ; attempt++ {
		cur, err := e.ledger.FindByID(ctx, productID)
		if err != nil {
			return cur, cur, err
		}
		next := cur
		if err := fn(&next); err != nil {
			return cur, cur, err
		}
		next.UpdatedAt = e.now()
		saved, err := e.ledger.Save(ctx, next)
		if errors.Is(err, ErrVersionConflict) && attempt < e.casRetries {
			continue
		}
		if err != nil {
			return cur, cur, err
		}
		return cur, saved, nil
	}
}

// HandleOrderEvent is the `orders` consumer handler.
func (e *Engine) HandleOrderEvent(ctx context.Context, m kafkago.Message) error {
	ev, err := events.DecodeOrderEvent(m.Value)
	if err != nil {
		return kafkax.Permanent(err)
	}

	switch ev.Status {
	case events.StatusCreated:
		return e.ReserveOrder(ctx, ev)
	case events.StatusCancelled:
		if !e.compensateCancel {
			return nil
		}
		return e.ReleaseOrder(ctx, ev.OrderID)
	case events.StatusProcessing, events.StatusPaymentCompleted, events.StatusPaymentFailed,
		events.StatusInventoryReserved, events.StatusInventoryFailed, events.StatusShipped, events.StatusDelivered:
		return nil
	default:
		return kafkax.Permanent(fmt.Errorf("unhandled order status %q", ev.Status))
	}
}

// ReserveOrder reserves every product of a CREATED order exactly once per (order, product).
// Repeated lines for one product are reserved as a single hold of their summed quantity.
func (e *Engine) ReserveOrder(ctx context.Context, ev events.OrderEvent) error {
	ctx, span := e.tracer.Start(ctx, "inventory.reserve_order",
		trace.WithAttributes(attribute.String("order.id", ev.OrderID), attribute.Int("order.items", len(ev.Items))))
	defer span.End()

	log := e.log.With(zap.String("order_id", ev.OrderID))
	for _, item := range lineItems(ev.Items) {
		res, err := e.reservations.Find(ctx, ev.OrderID, item.ProductID)
		switch {
		case err == nil:
			if res.Status == ReservationReserved && !res.Published {
				if err := e.publish(ctx, res, item.ProductName); err != nil {
					return err
				}
				continue
			}
			e.skipDuplicate(log, res)
			continue
		case !errors.Is(err, ErrNoReservation):
			return fmt.Errorf("lookup reservation: %w", err)
		}

		now := e.now()
		res = Reservation{
			OrderID:   ev.OrderID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Status:    ReservationReserved,
			CreatedAt: now,
			UpdatedAt: now,
		}
		before, inv, applied, err := e.ledger.ReserveFor(ctx, res)
		switch {
		case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidQuantity):
			metrics.Reservations.WithLabelValues(outcome(err)).Inc()
			log.Warn("reservation rejected",
				zap.String("product_id", item.ProductID),
				zap.Int("requested", item.Quantity),
				zap.Int("available", before.AvailableQuantity),
				zap.Error(err),
			)
			if e.failure == FailureEmit {
				return e.failOrder(ctx, ev, item)
			}
			continue
		case err != nil:
			return fmt.Errorf("reserve %s: %w", item.ProductID, err)
		case !applied:
			e.skipDuplicate(log, res)
			continue
		}

		e.signalLowStock(ctx, before, inv)
		metrics.Reservations.WithLabelValues("reserved").Inc()
		if err := e.publish(ctx, res, item.ProductName); err != nil {
			return err
		}
		log.Info("inventory reserved",
			zap.String("product_id", item.ProductID),
			zap.Int("quantity", item.Quantity),
			zap.Int("available", inv.AvailableQuantity),
		)
	}
	return nil
}

func (e *Engine) skipDuplicate(log *zap.Logger, res Reservation) {
	metrics.Reservations.WithLabelValues("duplicate").Inc()
	log.Info("reservation already processed, skipping",
		zap.String("product_id", res.ProductID),
		zap.String("status", string(res.Status)),
	)
}

// lineItems folds repeated product lines into one line per product, in first-seen order.
func lineItems(items []events.OrderItem) []events.OrderItem {
	out := make([]events.OrderItem, 0, len(items))
	at := make(map[string]int, len(items))
	for _, it := range items {
		if i, ok := at[it.ProductID]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		at[it.ProductID] = len(out)
		out = append(out, it)
	}
	return out
}

// publish emits the event for res.Status and then marks the record published.
func (e *Engine) publish(ctx context.Context, res Reservation, productName string) error {
	kind := events.UpdateReserved
	if res.Status == ReservationReleased {
		kind = events.UpdateReleased
	}
	if err := e.emit(ctx, events.InventoryEvent{
		ProductID:   res.ProductID,
		ProductName: productName,
		Quantity:    res.Quantity,
		UpdateType:  kind,
		OrderID:     res.OrderID,
		Timestamp:   e.now(),
	}); err != nil {
		return err
	}
	res.Published = true
	res.UpdatedAt = e.now()
	if err := e.reservations.Save(ctx, res); err != nil {
		return fmt.Errorf("mark reservation published: %w", err)
	}
	return nil
}

// ReleaseOrder returns every held quantity of orderID to available stock.
func (e *Engine) ReleaseOrder(ctx context.Context, orderID string) error {
	held, err := e.reservations.ListByOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("list reservations: %w", err)
	}
	for _, res := range held {
		var inv ProductInventory
		switch {
		case res.Status == ReservationReserved:
			var applied bool
			inv, applied, err = e.ledger.ReleaseFor(ctx, orderID, res.ProductID, e.now())
			if err != nil {
				return fmt.Errorf("release %s: %w", res.ProductID, err)
			}
			if !applied {
				continue
			}
			res.Status = ReservationReleased
			res.Published = false
		case res.Status == ReservationReleased && !res.Published:
			// released earlier but the event never made it out
			inv, err = e.ledger.FindByID(ctx, res.ProductID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("lookup %s: %w", res.ProductID, err)
			}
		default:
			continue
		}

		if err := e.publish(ctx, res, inv.ProductName); err != nil {
			return err
		}
		e.log.Info("inventory released",
			zap.String("order_id", orderID),
			zap.String("product_id", res.ProductID),
			zap.Int("quantity", res.Quantity),
		)
	}
	return nil
}

func (e *Engine) failOrder(ctx context.Context, ev events.OrderEvent, item events.OrderItem) error {
	if err := e.ReleaseOrder(ctx, ev.OrderID); err != nil {
		return err
	}
	return e.emit(ctx, events.InventoryEvent{
		ProductID:   item.ProductID,
		ProductName: item.ProductName,
		Quantity:    item.Quantity,
		UpdateType:  events.UpdateFailed,
		OrderID:     ev.OrderID,
		Timestamp:   e.now(),
	})
}

func (e *Engine) emit(ctx context.Context, ev events.InventoryEvent) error {
	m := kafkax.NewMessage(ctx, events.TopicInventoryEvents, events.OrderKey(ev.OrderID),
		events.MustMarshal(ev), events.TypeInventoryEvent, e.service)
	if err := e.out.Send(ctx, m); err != nil {
		return fmt.Errorf("publish %s for order %s: %w", ev.UpdateType, ev.OrderID, err)
	}
	return nil
}

func (e *Engine) logLowStock(_ context.Context, inv ProductInventory) {
	e.log.Warn("low stock alert",
		zap.String("product_id", inv.ProductID),
		zap.String("product_name", inv.ProductName),
		zap.Int("available", inv.AvailableQuantity),
		zap.Int("threshold", e.lowStock),
	)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "invalid"
	}
}
