package events

const (
	TopicOrders             = "orders"
	TopicUserOrders         = "user-orders"
	TopicInventoryEvents    = "inventory-events"
	TopicInventoryAnalytics = "inventory-analytics"
)

// Values of the x-event-type header.
const (
	TypeOrderEvent     = "OrderEvent"
	TypeInventoryEvent = "InventoryEvent"
)

// OrderKey partitions by order id so every event of one order keeps its order.
func OrderKey(orderID string) []byte { return []byte(orderID) }

// UserKey partitions the per-user stream.
func UserKey(userID string) []byte { return []byte(userID) }
