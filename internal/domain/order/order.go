package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/order-outbox/internal/domain/outbox"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
)

// Order is the aggregate root: a customer order with its owned line items.
// GrandTotal always equals the sum of the item line totals, rounded to
// currency precision (2 decimal places).
type Order struct {
	ID         string
	CustomerID string
	Currency   string
	Status     Status
	Items      []Item
	GrandTotal decimal.Decimal
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Item is a single order line. LineTotal = UnitPrice × Quantity, rounded to
// 2 decimal places.
type Item struct {
	ID        string
	SKU       string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
	LineTotal decimal.Decimal
}

// Repository defines persistence operations for orders. CreateWithEvent is
// the system's only write path for orders: the aggregate, its items, and the
// outbox event must become visible together or not at all.
type Repository interface {
	// CreateWithEvent persists the order, its line items, and exactly one
	// outbox event in a single transaction.
	CreateWithEvent(ctx context.Context, o *Order, ev *outbox.Event) error

	// GetByID fetches an order with its line items. Returns ErrNotFound when
	// no such order exists.
	GetByID(ctx context.Context, id string) (*Order, error)
}
