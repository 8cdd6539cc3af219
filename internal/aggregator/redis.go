package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-order-saga/internal/redisx"
)

// applyScript checks the partition offset and bumps both hashes in one step.
// KEYS: offsets, running, window, window index.
// ARGV: partition, offset, product id, window start (unix seconds).
var applyScript = redis.NewScript(`
local last = redis.call('HGET', KEYS[1], ARGV[1])
if last and tonumber(last) >= tonumber(ARGV[2]) then
  return {-1, -1}
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
local r = redis.call('HINCRBY', KEYS[2], ARGV[3], 1)
local w = redis.call('HINCRBY', KEYS[3], ARGV[3], 1)
redis.call('ZADD', KEYS[4], ARGV[4], KEYS[3])
return {r, w}
`)

// RedisViews keeps the views in Redis hashes so several aggregator replicas
// and the HTTP layer can read them.
type RedisViews struct {
	rdb redis.Cmdable
}

func NewRedisViews(rdb redis.Cmdable) *RedisViews {
	return &RedisViews{rdb: rdb}
}

func (v *RedisViews) Apply(ctx context.Context, c Contribution) (Counts, bool, error) {
	keys := []string{redisx.KeyAggOffsets, redisx.KeyAggRunning, redisx.AggWindowKey(c.WindowStart), redisx.KeyAggWindows}
	res, err := applyScript.Run(ctx, v.rdb, keys,
		c.Partition, c.Offset, c.ProductID, c.WindowStart.Unix()).Int64Slice()
	if err != nil {
		return Counts{}, false, fmt.Errorf("apply contribution: %w", err)
	}
	if len(res) != 2 {
		return Counts{}, false, fmt.Errorf("apply contribution: unexpected reply %v", res)
	}
	if res[0] < 0 {
		return Counts{}, false, nil
	}
	return Counts{Running: res[0], Window: res[1]}, true, nil
}

func (v *RedisViews) Running(ctx context.Context, productID string) (int64, error) {
	return v.hget(ctx, redisx.KeyAggRunning, productID)
}

func (v *RedisViews) Window(ctx context.Context, start time.Time, productID string) (int64, error) {
	return v.hget(ctx, redisx.AggWindowKey(start), productID)
}

func (v *RedisViews) hget(ctx context.Context, key, field string) (int64, error) {
	n, err := v.rdb.HGet(ctx, key, field).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (v *RedisViews) DropBefore(ctx context.Context, cutoff time.Time) error {
	upper := "(" + strconv.FormatInt(cutoff.Unix(), 10)
	stale, err := v.rdb.ZRangeByScore(ctx, redisx.KeyAggWindows, &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	if err := v.rdb.Del(ctx, stale...).Err(); err != nil {
		return err
	}
	return v.rdb.ZRemRangeByScore(ctx, redisx.KeyAggWindows, "-inf", upper).Err()
}
