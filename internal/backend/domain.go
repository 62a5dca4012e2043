// Package backend hosts the business collaborators a saga step talks to:
// orders, inventory and payments. One Instance runs per ring node.
package backend

import "time"

type Order struct {
	ID             string
	CustomerID     string
	Items          []OrderItem
	TotalAmount    float64
	Status         OrderStatus
	IdempotencyKey string
	RequestID      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type OrderItem struct {
	ProductID string
	Quantity  int32
	UnitPrice float64
}

func (i OrderItem) Subtotal() float64 {
	return float64(i.Quantity) * i.UnitPrice
}

type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusConfirmed OrderStatus = "CONFIRMED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// StockItem is a quantity of one product held for an order.
type StockItem struct {
	ProductID string
	Quantity  int32
}

// Charge is a captured payment.
type Charge struct {
	OrderID        string
	Amount         float64
	IdempotencyKey string
}
