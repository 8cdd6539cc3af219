package redisx

import (
	"fmt"
	"time"
)

const (
	// order_status:{order_id} -> {"orderId": "...", "userId": "...", "status": "...", "updatedAt": "..."}
	KeyOrderStatus = "order_status:%s"

	// dedup:{service}:{id}
	KeyDedup = "dedup:%s:%s"

	// agg:running -> hash product_id -> count
	KeyAggRunning = "agg:running"
	// agg:window:{unix start} -> hash product_id -> count
	KeyAggWindow = "agg:window:%d"
	// agg:windows -> sorted set of window keys scored by start
	KeyAggWindows = "agg:windows"
	// agg:offsets -> hash partition -> last applied offset
	KeyAggOffsets = "agg:offsets"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)

func OrderStatusKey(orderID string) string { return fmt.Sprintf(KeyOrderStatus, orderID) }

func DedupKey(service, id string) string { return fmt.Sprintf(KeyDedup, service, id) }

func AggWindowKey(start time.Time) string { return fmt.Sprintf(KeyAggWindow, start.Unix()) }
