package orders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-order-saga/internal/events"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
)

// StatusView is the cached projection served by the status endpoint.
type StatusView struct {
	OrderID   string             `json:"orderId"`
	UserID    string             `json:"userId"`
	Status    events.OrderStatus `json:"status"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

func viewOf(o Order) StatusView {
	return StatusView{OrderID: o.ID, UserID: o.UserID, Status: o.Status, UpdatedAt: o.UpdatedAt}
}

// StatusCache is best-effort: the repository stays the source of truth.
type StatusCache interface {
	Get(ctx context.Context, orderID string) (StatusView, bool)
	Set(ctx context.Context, v StatusView)
}

type RedisStatusCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisStatusCache(rdb redis.Cmdable) *RedisStatusCache {
	return &RedisStatusCache{rdb: rdb, ttl: redisx.TTLStatusCache}
}

func (c *RedisStatusCache) Get(ctx context.Context, orderID string) (StatusView, bool) {
	b, err := c.rdb.Get(ctx, redisx.OrderStatusKey(orderID)).Bytes()
	if err != nil {
		return StatusView{}, false
	}
	var v StatusView
	if err := json.Unmarshal(b, &v); err != nil {
		return StatusView{}, false
	}
	return v, true
}

func (c *RedisStatusCache) Set(ctx context.Context, v StatusView) {
	b, _ := json.Marshal(v)
	_ = c.rdb.Set(ctx, redisx.OrderStatusKey(v.OrderID), b, c.ttl).Err()
}

type noCache struct{}

func (noCache) Get(context.Context, string) (StatusView, bool) { return StatusView{}, false }
func (noCache) Set(context.Context, StatusView)                {}
