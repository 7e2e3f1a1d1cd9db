package sequent

import (
	"math"
	"time"
)

// Entity types scoping the sequence space.
const (
	EntityOrder        = "order"
	EntityInventory    = "inventory"
	EntityNotification = "notification"
)

// Event kinds, doubling as routing keys on the wire.
const (
	EventOrderCreated          = "order.created"
	EventOrderCancelled        = "order.cancelled"
	EventOrderDelivered        = "order.delivered"
	EventStockReserved         = "stock.reserved"
	EventStockReleased         = "stock.released"
	EventNotificationRequested = "notification.requested"
)

// OrderItem is one line of an order.
type OrderItem struct {
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// OrderCreated is the payload of an order.created event.
type OrderCreated struct {
	OrderID    string      `json:"order_id"`
	CustomerID string      `json:"customer_id"`
	Items      []OrderItem `json:"items"`
	Total      float64     `json:"total"`
}

// ComputeTotal sums the line items, rounded to cents.
func (o *OrderCreated) ComputeTotal() float64 {
	var total float64
	for _, item := range o.Items {
		total += float64(item.Quantity) * item.UnitPrice
	}
	return math.Round(total*100) / 100
}

// OrderCancelled is the payload of an order.cancelled event.
type OrderCancelled struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// OrderDelivered is the payload of an order.delivered event.
type OrderDelivered struct {
	OrderID     string    `json:"order_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// StockReserved is the payload of a stock.reserved event, sequenced per
// product in the inventory sequence space.
type StockReserved struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// StockReleased is the payload of a stock.released event, the compensating
// action for a reservation.
type StockReleased struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
}

// NotificationRequested is the payload of a notification.requested event.
type NotificationRequested struct {
	OrderID   string `json:"order_id"`
	Recipient string `json:"recipient"`
	Channel   string `json:"channel"` // "email", "sms"
	Template  string `json:"template"`
}
