package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-order-saga/internal/events"
)

// OutboxRecord is a message committed together with the order change that produced it.
type OutboxRecord struct {
	ID        string
	Topic     string
	Key       []byte
	Value     []byte
	Headers   []kafkago.Header
	Attempts  int
	LastError string
	CreatedAt time.Time
}

func NewOutboxRecord(m kafkago.Message, now time.Time) OutboxRecord {
	return OutboxRecord{
		ID:        uuid.NewString(),
		Topic:     m.Topic,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   m.Headers,
		CreatedAt: now,
	}
}

func (r OutboxRecord) Message() kafkago.Message {
	return kafkago.Message{Topic: r.Topic, Key: r.Key, Value: r.Value, Headers: r.Headers}
}

// Repository persists orders. Outbox records passed to Create and UpdateStatus are
// stored atomically with the order change; nil means none.
type Repository interface {
	Create(ctx context.Context, o Order, outbox []OutboxRecord) error
	// UpdateStatus sets the status only if it still equals from. Otherwise it
	// returns ErrStatusConflict, or ErrNotFound for an unknown id.
	UpdateStatus(ctx context.Context, id string, from, to events.OrderStatus, at time.Time, outbox []OutboxRecord) error
	FindByID(ctx context.Context, id string) (Order, error)
	FindByUser(ctx context.Context, userID string) ([]Order, error)
	FindAll(ctx context.Context) ([]Order, error)
}

// OutboxStore is drained by the Relay in insertion order.
type OutboxStore interface {
	Pending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, reason string) error
}

type MemoryRepository struct {
	mu     sync.RWMutex
	orders map[string]Order
	outbox []OutboxRecord
	sent   map[string]bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: map[string]Order{}, sent: map[string]bool{}}
}

func (m *MemoryRepository) Create(_ context.Context, o Order, outbox []OutboxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Items = append([]Item(nil), o.Items...)
	m.orders[o.ID] = o
	m.outbox = append(m.outbox, outbox...)
	return nil
}

func (m *MemoryRepository) UpdateStatus(_ context.Context, id string, from, to events.OrderStatus, at time.Time, outbox []OutboxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.Status != from {
		return ErrStatusConflict
	}
	o.Status = to
	o.UpdatedAt = at
	m.orders[id] = o
	m.outbox = append(m.outbox, outbox...)
	return nil
}

func (m *MemoryRepository) FindByID(_ context.Context, id string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (m *MemoryRepository) FindByUser(_ context.Context, userID string) ([]Order, error) {
	return m.filter(func(o Order) bool { return o.UserID == userID }), nil
}

func (m *MemoryRepository) FindAll(_ context.Context) ([]Order, error) {
	return m.filter(func(Order) bool { return true }), nil
}

func (m *MemoryRepository) filter(keep func(Order) bool) []Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Order
	for _, o := range m.orders {
		if keep(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryRepository) Pending(_ context.Context, limit int) ([]OutboxRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []OutboxRecord
	for _, r := range m.outbox {
		if m.sent[r.ID] {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryRepository) MarkSent(_ context.Context, id string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[id] = true
	return nil
}

func (m *MemoryRepository) MarkFailed(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].ID == id {
			m.outbox[i].Attempts++
			m.outbox[i].LastError = reason
		}
	}
	return nil
}
