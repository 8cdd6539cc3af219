package inventory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Ledger is the keyed store of ProductInventory rows.
type Ledger interface {
	FindByID(ctx context.Context, productID string) (ProductInventory, error)
	FindAll(ctx context.Context) ([]ProductInventory, error)
	ExistsByID(ctx context.Context, productID string) (bool, error)
	Count(ctx context.Context) (int, error)
	// Save stores inv only if the stored version still equals inv.Version and
	// returns the row with its new version. Otherwise it returns ErrVersionConflict.
	Save(ctx context.Context, inv ProductInventory) (ProductInventory, error)
	// ReserveFor holds res.Quantity of res.ProductID and writes res as its dedup
	// record in one step. applied is false, and nothing changes, when a record for
	// (res.OrderID, res.ProductID) already exists.
	ReserveFor(ctx context.Context, res Reservation) (before, after ProductInventory, applied bool, err error)
	// ReleaseFor returns a RESERVED record's quantity to available stock and marks the
	// record RELEASED and unpublished in one step. applied is false when there is no
	// RESERVED record for (orderID, productID).
	ReleaseFor(ctx context.Context, orderID, productID string, at time.Time) (after ProductInventory, applied bool, err error)
}

// Reservations is the idempotency ledger keyed by (order id, product id).
type Reservations interface {
	Find(ctx context.Context, orderID, productID string) (Reservation, error)
	ListByOrder(ctx context.Context, orderID string) ([]Reservation, error)
	Save(ctx context.Context, r Reservation) error
}

// MemoryLedger keeps stock rows and their reservation records under one lock.
type MemoryLedger struct {
	mu   sync.RWMutex
	rows map[string]ProductInventory
	held map[reservationKey]Reservation
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		rows: map[string]ProductInventory{},
		held: map[reservationKey]Reservation{},
	}
}

// Reservations returns the record store that ReserveFor and ReleaseFor write to.
func (m *MemoryLedger) Reservations() *MemoryReservations {
	return &MemoryReservations{l: m}
}

func (m *MemoryLedger) FindByID(_ context.Context, productID string) (ProductInventory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.rows[productID]
	if !ok {
		return ProductInventory{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryLedger) FindAll(_ context.Context) ([]ProductInventory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ProductInventory, 0, len(m.rows))
	for _, p := range m.rows {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (m *MemoryLedger) ExistsByID(_ context.Context, productID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rows[productID]
	return ok, nil
}

func (m *MemoryLedger) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows), nil
}

func (m *MemoryLedger) Save(_ context.Context, inv ProductInventory) (ProductInventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[inv.ProductID]
	switch {
	case !ok && inv.Version != 0:
		return ProductInventory{}, ErrNotFound
	case ok && cur.Version != inv.Version:
		return ProductInventory{}, ErrVersionConflict
	}
	inv.Version++
	m.rows[inv.ProductID] = inv
	return inv, nil
}

func (m *MemoryLedger) ReserveFor(_ context.Context, res Reservation) (ProductInventory, ProductInventory, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := reservationKey{res.OrderID, res.ProductID}
	if _, ok := m.held[k]; ok {
		return ProductInventory{}, ProductInventory{}, false, nil
	}
	cur, ok := m.rows[res.ProductID]
	if !ok {
		return ProductInventory{}, ProductInventory{}, false, ErrNotFound
	}
	next := cur
	if err := next.Reserve(res.Quantity); err != nil {
		return cur, cur, false, err
	}
	next.UpdatedAt = res.UpdatedAt
	next.Version++
	m.rows[res.ProductID] = next
	m.held[k] = res
	return cur, next, true, nil
}

func (m *MemoryLedger) ReleaseFor(_ context.Context, orderID, productID string, at time.Time) (ProductInventory, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := reservationKey{orderID, productID}
	cur, ok := m.rows[productID]
	if !ok {
		return ProductInventory{}, false, ErrNotFound
	}
	res, ok := m.held[k]
	if !ok || res.Status != ReservationReserved {
		return cur, false, nil
	}
	next := cur
	if err := next.Release(res.Quantity); err != nil {
		return cur, false, err
	}
	next.UpdatedAt = at
	next.Version++
	res.Status = ReservationReleased
	res.Published = false
	res.UpdatedAt = at
	m.rows[productID] = next
	m.held[k] = res
	return next, true, nil
}

type reservationKey struct{ orderID, productID string }

// MemoryReservations is a view over a MemoryLedger's reservation records.
type MemoryReservations struct{ l *MemoryLedger }

func (m *MemoryReservations) Find(_ context.Context, orderID, productID string) (Reservation, error) {
	m.l.mu.RLock()
	defer m.l.mu.RUnlock()
	r, ok := m.l.held[reservationKey{orderID, productID}]
	if !ok {
		return Reservation{}, ErrNoReservation
	}
	return r, nil
}

func (m *MemoryReservations) ListByOrder(_ context.Context, orderID string) ([]Reservation, error) {
	m.l.mu.RLock()
	defer m.l.mu.RUnlock()
	var out []Reservation
	for k, r := range m.l.held {
		if k.orderID == orderID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (m *MemoryReservations) Save(_ context.Context, r Reservation) error {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	m.l.held[reservationKey{r.OrderID, r.ProductID}] = r
	return nil
}
