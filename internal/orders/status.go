package orders

import "github.com/ariefcatur/go-order-saga/internal/events"

// validNext only moves forward. Cancel is not listed: it is allowed from any status.
var validNext = map[events.OrderStatus]map[events.OrderStatus]bool{
	events.StatusCreated: {
		events.StatusProcessing:        true,
		events.StatusInventoryReserved: true,
		events.StatusInventoryFailed:   true,
	},
	events.StatusProcessing: {
		events.StatusInventoryReserved: true,
		events.StatusInventoryFailed:   true,
	},
	// FAILED after RESERVED is the engine compensating a later line item.
	events.StatusInventoryReserved: {
		events.StatusInventoryFailed:  true,
		events.StatusPaymentCompleted: true,
		events.StatusPaymentFailed:    true,
		events.StatusShipped:          true,
	},
	events.StatusPaymentCompleted: {events.StatusShipped: true},
	events.StatusShipped:          {events.StatusDelivered: true},
	events.StatusPaymentFailed:    {},
	events.StatusInventoryFailed:  {},
	events.StatusDelivered:        {},
	events.StatusCancelled:        {},
}

func CanTransition(from, to events.OrderStatus) bool {
	return validNext[from][to]
}
