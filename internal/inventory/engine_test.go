package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ariefcatur/go-order-saga/internal/events"
)

type recordingEmitter struct {
	mu    sync.Mutex
	fail  int
	sent  []kafkago.Message
	calls int
}

func (r *recordingEmitter) Send(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail > 0 {
		r.fail--
		return errors.New("broker unavailable")
	}
	r.sent = append(r.sent, msgs...)
	return nil
}

func (r *recordingEmitter) events(t *testing.T) []events.InventoryEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.InventoryEvent, 0, len(r.sent))
	for _, m := range r.sent {
		assert.Equal(t, events.TopicInventoryEvents, m.Topic)
		ev, err := events.DecodeInventoryEvent(m.Value)
		require.NoError(t, err)
		assert.Equal(t, ev.OrderID, string(m.Key))
		out = append(out, ev)
	}
	return out
}

type fixture struct {
	ledger *MemoryLedger
	res    *MemoryReservations
	out    *recordingEmitter
	engine *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ledger := NewMemoryLedger()
	f := &fixture{
		ledger: ledger,
		res:    ledger.Reservations(),
		out:    &recordingEmitter{},
	}
	_, err := Seed(context.Background(), f.ledger, DefaultCatalog(), nil)
	require.NoError(t, err)
	f.engine = NewEngine(f.ledger, f.res, f.out, nil, opts...)
	return f
}

func (f *fixture) get(t *testing.T, id string) ProductInventory {
	t.Helper()
	p, err := f.engine.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func orderMessage(orderID string, status events.OrderStatus, items ...events.OrderItem) kafkago.Message {
	ev := events.OrderEvent{
		OrderID:         orderID,
		UserID:          "alice",
		Status:          status,
		Items:           items,
		ShippingAddress: "1 Main St",
		Timestamp:       time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	return kafkago.Message{Topic: events.TopicOrders, Key: events.OrderKey(orderID), Value: events.MustMarshal(ev)}
}

func item(productID string, qty int) events.OrderItem {
	return events.OrderItem{ProductID: productID, ProductName: productID + "-name", Quantity: qty, Price: decimal.NewFromInt(1)}
}

func TestEngine_ReservesCreatedOrder(t *testing.T) {
	f := newFixture(t)

	err := f.engine.HandleOrderEvent(context.Background(), orderMessage("o-1", events.StatusCreated, item("prod001", 5)))
	require.NoError(t, err)

	p := f.get(t, "prod001")
	assert.Equal(t, 45, p.AvailableQuantity)
	assert.Equal(t, 5, p.ReservedQuantity)

	evs := f.out.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, events.UpdateReserved, evs[0].UpdateType)
	assert.Equal(t, "prod001", evs[0].ProductID)
	assert.Equal(t, 5, evs[0].Quantity)
	assert.Equal(t, "o-1", evs[0].OrderID)

	res, err := f.res.Find(context.Background(), "o-1", "prod001")
	require.NoError(t, err)
	assert.True(t, res.Published)
}

func TestEngine_InsufficientStockIsSilentByDefault(t *testing.T) {
	f := newFixture(t)

	err := f.engine.HandleOrderEvent(context.Background(), orderMessage("o-2", events.StatusCreated, item("prod002", 1000)))
	require.NoError(t, err)

	p := f.get(t, "prod002")
	assert.Equal(t, 200, p.AvailableQuantity)
	assert.Zero(t, p.ReservedQuantity)
	assert.Empty(t, f.out.events(t))
}

func TestEngine_UnknownProductIsSilent(t *testing.T) {
	f := newFixture(t)
	err := f.engine.HandleOrderEvent(context.Background(), orderMessage("o-3", events.StatusCreated, item("nope", 1)))
	require.NoError(t, err)
	assert.Empty(t, f.out.events(t))
}

func TestEngine_RedeliveryDoesNotDoubleReserve(t *testing.T) {
	f := newFixture(t)
	m := orderMessage("o-1", events.StatusCreated, item("prod001", 5), item("prod002", 3))

	for i := 0; i < 3; i++ {
		require.NoError(t, f.engine.HandleOrderEvent(context.Background(), m))
	}

	assert.Equal(t, 5, f.get(t, "prod001").ReservedQuantity)
	assert.Equal(t, 3, f.get(t, "prod002").ReservedQuantity)
	assert.Len(t, f.out.events(t), 2)
}

func TestEngine_RepublishesAfterLostPublish(t *testing.T) {
	f := newFixture(t)
	f.out.fail = 1
	m := orderMessage("o-1", events.StatusCreated, item("prod001", 5))

	err := f.engine.HandleOrderEvent(context.Background(), m)
	require.Error(t, err)
	res, err := f.res.Find(context.Background(), "o-1", "prod001")
	require.NoError(t, err)
	assert.False(t, res.Published)

	require.NoError(t, f.engine.HandleOrderEvent(context.Background(), m))

	p := f.get(t, "prod001")
	assert.Equal(t, 45, p.AvailableQuantity)
	assert.Equal(t, 5, p.ReservedQuantity)
	evs := f.out.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, events.UpdateReserved, evs[0].UpdateType)
}

type flakyReservations struct {
	Reservations
	fail int
}

func (r *flakyReservations) Save(ctx context.Context, res Reservation) error {
	if r.fail > 0 {
		r.fail--
		return errors.New("connection reset")
	}
	return r.Reservations.Save(ctx, res)
}

func TestEngine_FailedRecordWriteDoesNotDoubleReserve(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyReservations{Reservations: f.res, fail: 1}
	e := NewEngine(f.ledger, flaky, f.out, nil)
	m := orderMessage("o-1", events.StatusCreated, item("prod001", 5))

	require.Error(t, e.HandleOrderEvent(context.Background(), m))
	require.NoError(t, e.HandleOrderEvent(context.Background(), m))
	require.NoError(t, e.HandleOrderEvent(context.Background(), m))

	p := f.get(t, "prod001")
	assert.Equal(t, 45, p.AvailableQuantity)
	assert.Equal(t, 5, p.ReservedQuantity)

	res, err := f.res.Find(context.Background(), "o-1", "prod001")
	require.NoError(t, err)
	assert.True(t, res.Published)

	// the first attempt sent its event before the record write failed
	evs := f.out.events(t)
	require.Len(t, evs, 2)
	for _, ev := range evs {
		assert.Equal(t, events.UpdateReserved, ev.UpdateType)
		assert.Equal(t, 5, ev.Quantity)
	}
}

func TestEngine_RepeatedProductLinesAreSummed(t *testing.T) {
	f := newFixture(t)
	m := orderMessage("o-1", events.StatusCreated, item("prod001", 2), item("prod002", 1), item("prod001", 3))

	require.NoError(t, f.engine.HandleOrderEvent(context.Background(), m))
	require.NoError(t, f.engine.HandleOrderEvent(context.Background(), m))

	p := f.get(t, "prod001")
	assert.Equal(t, 45, p.AvailableQuantity)
	assert.Equal(t, 5, p.ReservedQuantity)
	assert.Equal(t, 1, f.get(t, "prod002").ReservedQuantity)

	evs := f.out.events(t)
	require.Len(t, evs, 2)
	assert.Equal(t, "prod001", evs[0].ProductID)
	assert.Equal(t, 5, evs[0].Quantity)
	assert.Equal(t, "prod002", evs[1].ProductID)
}

func TestEngine_RepublishesLostRelease(t *testing.T) {
	f := newFixture(t, WithCancelCompensation(true))
	ctx := context.Background()
	require.NoError(t, f.engine.HandleOrderEvent(ctx, orderMessage("o-1", events.StatusCreated, item("prod001", 5))))

	cancelled := orderMessage("o-1", events.StatusCancelled, item("prod001", 5))
	f.out.fail = 1
	require.Error(t, f.engine.HandleOrderEvent(ctx, cancelled))
	require.NoError(t, f.engine.HandleOrderEvent(ctx, cancelled))
	require.NoError(t, f.engine.HandleOrderEvent(ctx, cancelled))

	p := f.get(t, "prod001")
	assert.Equal(t, 50, p.AvailableQuantity)
	assert.Zero(t, p.ReservedQuantity)

	evs := f.out.events(t)
	require.Len(t, evs, 2)
	assert.Equal(t, events.UpdateReleased, evs[1].UpdateType)
	assert.Equal(t, "Laptop", evs[1].ProductName)
}

func TestEngine_IgnoresOtherStatuses(t *testing.T) {
	f := newFixture(t)
	for _, s := range events.OrderStatuses {
		if s == events.StatusCreated {
			continue
		}
		require.NoError(t, f.engine.HandleOrderEvent(context.Background(), orderMessage("o-1", s, item("prod001", 5))))
	}
	assert.Equal(t, 50, f.get(t, "prod001").AvailableQuantity)
	assert.Empty(t, f.out.events(t))
}

func TestEngine_MalformedPayloadIsPermanent(t *testing.T) {
	f := newFixture(t)
	err := f.engine.HandleOrderEvent(context.Background(), kafkago.Message{Value: []byte("{not json")})

	var perr *backoff.PermanentError
	assert.ErrorAs(t, err, &perr)
}

func TestEngine_LowStockSignalOncePerCrossing(t *testing.T) {
	var signals []ProductInventory
	f := newFixture(t, WithLowStockFunc(func(_ context.Context, inv ProductInventory) {
		signals = append(signals, inv)
	}))
	ctx := context.Background()

	_, err := f.engine.Reserve(ctx, "prod001", 38) // 50 -> 12
	require.NoError(t, err)
	assert.Empty(t, signals)

	_, err = f.engine.Reserve(ctx, "prod001", 3) // 12 -> 9
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, 9, signals[0].AvailableQuantity)

	_, err = f.engine.Reserve(ctx, "prod001", 1) // 9 -> 8
	require.NoError(t, err)
	assert.Len(t, signals, 1)

	_, err = f.engine.Restock(ctx, "prod001", 10) // 8 -> 18
	require.NoError(t, err)
	_, err = f.engine.Reserve(ctx, "prod001", 10) // 18 -> 8
	require.NoError(t, err)
	assert.Len(t, signals, 2)
}

func TestEngine_DefaultLowStockLogs(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ledger := NewMemoryLedger()
	f := &fixture{ledger: ledger, res: ledger.Reservations(), out: &recordingEmitter{}}
	_, err := Seed(context.Background(), f.ledger, DefaultCatalog(), nil)
	require.NoError(t, err)
	f.engine = NewEngine(f.ledger, f.res, f.out, zap.New(core))

	_, err = f.engine.Reserve(context.Background(), "prod001", 45)
	require.NoError(t, err)

	entries := logs.FilterMessage("low stock alert").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "prod001", entries[0].ContextMap()["product_id"])
}

func TestEngine_FailureEmitReleasesEarlierItems(t *testing.T) {
	f := newFixture(t, WithFailurePolicy(FailureEmit))
	m := orderMessage("o-9", events.StatusCreated, item("prod001", 5), item("prod002", 1000))

	require.NoError(t, f.engine.HandleOrderEvent(context.Background(), m))

	p := f.get(t, "prod001")
	assert.Equal(t, 50, p.AvailableQuantity)
	assert.Zero(t, p.ReservedQuantity)

	evs := f.out.events(t)
	require.Len(t, evs, 3)
	assert.Equal(t, events.UpdateReserved, evs[0].UpdateType)
	assert.Equal(t, events.UpdateReleased, evs[1].UpdateType)
	assert.Equal(t, events.UpdateFailed, evs[2].UpdateType)
	assert.Equal(t, "prod002", evs[2].ProductID)
}

func TestEngine_CancelCompensation(t *testing.T) {
	ctx := context.Background()
	created := orderMessage("o-1", events.StatusCreated, item("prod001", 5))
	cancelled := orderMessage("o-1", events.StatusCancelled, item("prod001", 5))

	t.Run("off", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.engine.HandleOrderEvent(ctx, created))
		require.NoError(t, f.engine.HandleOrderEvent(ctx, cancelled))
		assert.Equal(t, 5, f.get(t, "prod001").ReservedQuantity)
	})

	t.Run("on", func(t *testing.T) {
		f := newFixture(t, WithCancelCompensation(true))
		require.NoError(t, f.engine.HandleOrderEvent(ctx, created))
		require.NoError(t, f.engine.HandleOrderEvent(ctx, cancelled))
		require.NoError(t, f.engine.HandleOrderEvent(ctx, cancelled))

		p := f.get(t, "prod001")
		assert.Equal(t, 50, p.AvailableQuantity)
		assert.Zero(t, p.ReservedQuantity)

		evs := f.out.events(t)
		require.Len(t, evs, 2)
		assert.Equal(t, events.UpdateReleased, evs[1].UpdateType)

		// a redelivered CREATED must not reserve again
		require.NoError(t, f.engine.HandleOrderEvent(ctx, created))
		assert.Zero(t, f.get(t, "prod001").ReservedQuantity)
	})
}

type conflictingLedger struct {
	Ledger
	conflicts int
}

func (c *conflictingLedger) Save(ctx context.Context, inv ProductInventory) (ProductInventory, error) {
	if c.conflicts > 0 {
		c.conflicts--
		return ProductInventory{}, ErrVersionConflict
	}
	return c.Ledger.Save(ctx, inv)
}

func TestEngine_RetriesVersionConflicts(t *testing.T) {
	base := NewMemoryLedger()
	_, err := Seed(context.Background(), base, DefaultCatalog(), nil)
	require.NoError(t, err)

	l := &conflictingLedger{Ledger: base, conflicts: 2}
	e := NewEngine(l, base.Reservations(), &recordingEmitter{}, nil)

	p, err := e.Reserve(context.Background(), "prod001", 1)
	require.NoError(t, err)
	assert.Equal(t, 49, p.AvailableQuantity)

	l.conflicts = 10
	_, err = e.Reserve(context.Background(), "prod001", 1)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestEngine_ConcurrentReservesNeverOversell(t *testing.T) {
	f := newFixture(t, WithVersionConflictRetries(1000))
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int
	)
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.Reserve(ctx, "prod001", 1); err == nil {
				mu.Lock()
				reserved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	p := f.get(t, "prod001")
	assert.Equal(t, 50, reserved)
	assert.Zero(t, p.AvailableQuantity)
	assert.Equal(t, 50, p.ReservedQuantity)
}

func TestEngine_Conservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	total := func(p ProductInventory) int { return p.AvailableQuantity + p.ReservedQuantity + p.SoldQuantity }

	start := total(f.get(t, "prod002"))
	_, err := f.engine.Reserve(ctx, "prod002", 20)
	require.NoError(t, err)
	_, err = f.engine.Release(ctx, "prod002", 5)
	require.NoError(t, err)
	_, err = f.engine.Sell(ctx, "prod002", 10)
	require.NoError(t, err)
	assert.Equal(t, start, total(f.get(t, "prod002")))

	_, err = f.engine.Release(ctx, "prod002", 100)
	assert.ErrorIs(t, err, ErrInsufficientHeld)

	_, err = f.engine.Restock(ctx, "prod002", 7)
	require.NoError(t, err)
	p := f.get(t, "prod002")
	assert.Equal(t, start+7, total(p))
	assert.Equal(t, 192, p.AvailableQuantity)
	assert.Equal(t, 5, p.ReservedQuantity)
	assert.Equal(t, 10, p.SoldQuantity)
}
