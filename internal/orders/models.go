package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-order-saga/internal/events"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidRequest    = errors.New("invalid order request")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStatusConflict    = errors.New("order status changed concurrently")
)

type Item struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

func (i Item) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Order struct {
	ID              string             `json:"id"`
	UserID          string             `json:"userId"`
	Status          events.OrderStatus `json:"status"`
	Items           []Item             `json:"items"`
	TotalAmount     decimal.Decimal    `json:"totalAmount"`
	ShippingAddress string             `json:"shippingAddress"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// Event snapshots o as the wire record published on every status change.
func (o Order) Event(at time.Time) events.OrderEvent {
	items := make([]events.OrderItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, events.OrderItem{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			Price:       it.Price,
		})
	}
	return events.OrderEvent{
		OrderID:         o.ID,
		UserID:          o.UserID,
		Status:          o.Status,
		Items:           items,
		TotalAmount:     o.TotalAmount,
		ShippingAddress: o.ShippingAddress,
		Timestamp:       at,
	}
}

// CreateRequest carries the client's price snapshot per line.
type CreateRequest struct {
	UserID          string `json:"userId"`
	Items           []Item `json:"items"`
	ShippingAddress string `json:"shippingAddress"`
}

func (r CreateRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidRequest)
	}
	seen := make(map[string]int, len(r.Items))
	for i, it := range r.Items {
		first, dup := seen[it.ProductID]
		switch {
		case it.ProductID == "":
			return fmt.Errorf("%w: item %d: productId is required", ErrInvalidRequest, i)
		case it.Quantity <= 0:
			return fmt.Errorf("%w: item %d: quantity must be positive", ErrInvalidRequest, i)
		case it.Price.IsNegative():
			return fmt.Errorf("%w: item %d: price must not be negative", ErrInvalidRequest, i)
		case dup:
			return fmt.Errorf("%w: item %d: product %s already listed as item %d", ErrInvalidRequest, i, it.ProductID, first)
		}
		seen[it.ProductID] = i
	}
	return nil
}

// Total is the sum of line totals.
func Total(items []Item) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range items {
		sum = sum.Add(it.LineTotal())
	}
	return sum
}
