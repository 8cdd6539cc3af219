package events

import "fmt"

// OrderStatus is the closed lifecycle enum carried by OrderEvent.
type OrderStatus string

const (
	StatusCreated           OrderStatus = "CREATED"
	StatusProcessing        OrderStatus = "PROCESSING"
	StatusPaymentCompleted  OrderStatus = "PAYMENT_COMPLETED"
	StatusPaymentFailed     OrderStatus = "PAYMENT_FAILED"
	StatusInventoryReserved OrderStatus = "INVENTORY_RESERVED"
	StatusInventoryFailed   OrderStatus = "INVENTORY_FAILED"
	StatusShipped           OrderStatus = "SHIPPED"
	StatusDelivered         OrderStatus = "DELIVERED"
	StatusCancelled         OrderStatus = "CANCELLED"
)

// OrderStatuses lists every member of the enum.
var OrderStatuses = []OrderStatus{
	StatusCreated,
	StatusProcessing,
	StatusPaymentCompleted,
	StatusPaymentFailed,
	StatusInventoryReserved,
	StatusInventoryFailed,
	StatusShipped,
	StatusDelivered,
	StatusCancelled,
}

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusProcessing, StatusPaymentCompleted, StatusPaymentFailed,
		StatusInventoryReserved, StatusInventoryFailed, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

func (s *OrderStatus) UnmarshalText(b []byte) error {
	v := OrderStatus(b)
	if !v.Valid() {
		return fmt.Errorf("unknown order status %q", string(b))
	}
	*s = v
	return nil
}

// UpdateType is the closed enum carried by InventoryEvent.
type UpdateType string

const (
	UpdateReserved  UpdateType = "RESERVED"
	UpdateReleased  UpdateType = "RELEASED"
	UpdateRestocked UpdateType = "RESTOCKED"
	UpdateSold      UpdateType = "SOLD"
	// UpdateFailed is only emitted when the inventory service runs with the emit failure policy.
	UpdateFailed UpdateType = "FAILED"
)

func (u UpdateType) Valid() bool {
	switch u {
	case UpdateReserved, UpdateReleased, UpdateRestocked, UpdateSold, UpdateFailed:
		return true
	}
	return false
}

func (u *UpdateType) UnmarshalText(b []byte) error {
	v := UpdateType(b)
	if !v.Valid() {
		return fmt.Errorf("unknown inventory update type %q", string(b))
	}
	*u = v
	return nil
}
