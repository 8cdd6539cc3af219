package events

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeOrderEvent(t *testing.T) {
	in := OrderEvent{
		OrderID: "o-1",
		UserID:  "alice",
		Status:  StatusCreated,
		Items: []OrderItem{
			{ProductID: "prod001", ProductName: "Laptop", Quantity: 2, Price: decimal.RequireFromString("999.99")},
		},
		TotalAmount:     decimal.RequireFromString("1999.98"),
		ShippingAddress: "1 Main St",
		Timestamp:       time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	out, err := DecodeOrderEvent(MustMarshal(in))
	require.NoError(t, err)
	assert.Equal(t, in.OrderID, out.OrderID)
	assert.Equal(t, StatusCreated, out.Status)
	require.Len(t, out.Items, 1)
	assert.True(t, out.Items[0].Price.Equal(in.Items[0].Price))
	assert.True(t, out.TotalAmount.Equal(in.TotalAmount))
}

func TestDecodeOrderEvent_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"unknown status", `{"orderId":"o-1","status":"TELEPORTED"}`},
		{"missing status", `{"orderId":"o-1"}`},
		{"missing order id", `{"status":"CREATED"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeOrderEvent([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestDecodeInventoryEvent(t *testing.T) {
	ev, err := DecodeInventoryEvent([]byte(`{"productId":"prod001","quantity":5,"updateType":"RESERVED","orderId":"o-1","timestamp":"2025-01-02T03:04:05Z"}`))
	require.NoError(t, err)
	assert.Equal(t, UpdateReserved, ev.UpdateType)
	assert.Equal(t, 5, ev.Quantity)

	_, err = DecodeInventoryEvent([]byte(`{"productId":"prod001","updateType":"LOST"}`))
	assert.Error(t, err)

	_, err = DecodeInventoryEvent([]byte(`{"updateType":"RESERVED"}`))
	assert.True(t, errors.Is(err, ErrInvalidEvent))
}

func TestOrderStatusesAreValid(t *testing.T) {
	for _, s := range OrderStatuses {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, OrderStatus("").Valid())
}
