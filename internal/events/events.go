package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidEvent = errors.New("invalid event")

// Field names are camelCase to stay readable by the JVM services sharing these topics.

type OrderItem struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

type OrderEvent struct {
	OrderID         string          `json:"orderId"`
	UserID          string          `json:"userId"`
	Status          OrderStatus     `json:"status"`
	Items           []OrderItem     `json:"items"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	ShippingAddress string          `json:"shippingAddress"`
	Timestamp       time.Time       `json:"timestamp"`
}

type InventoryEvent struct {
	ProductID   string     `json:"productId"`
	ProductName string     `json:"productName"`
	Quantity    int        `json:"quantity"`
	UpdateType  UpdateType `json:"updateType"`
	OrderID     string     `json:"orderId"`
	Timestamp   time.Time  `json:"timestamp"`
}

func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeOrderEvent parses and validates an `orders` / `user-orders` payload.
func DecodeOrderEvent(b []byte) (OrderEvent, error) {
	var ev OrderEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("decode order event: %w", err)
	}
	if ev.OrderID == "" || !ev.Status.Valid() {
		return ev, fmt.Errorf("%w: order event missing order id or status", ErrInvalidEvent)
	}
	return ev, nil
}

// DecodeInventoryEvent parses and validates an `inventory-events` payload.
func DecodeInventoryEvent(b []byte) (InventoryEvent, error) {
	var ev InventoryEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("decode inventory event: %w", err)
	}
	if ev.ProductID == "" || !ev.UpdateType.Valid() {
		return ev, fmt.Errorf("%w: inventory event missing product id or update type", ErrInvalidEvent)
	}
	return ev, nil
}
