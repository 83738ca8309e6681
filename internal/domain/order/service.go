// Package order holds the order aggregate and the transactional writer that
// creates orders together with their outbox events.
package order

import (
	"context"
	"fmt"

	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/order-outbox/internal/domain/outbox"
)

// Sentinel errors for order creation.
var (
	ErrEmptyItems = fmt.Errorf("items required")
	ErrNotFound   = fmt.Errorf("order not found")

	// ErrCreationFailed is the single opaque failure callers see when the
	// transactional write fails. The underlying cause is logged, not exposed.
	ErrCreationFailed = fmt.Errorf("order creation failed")
)

// InvalidQuantityError indicates a line item with a quantity below 1.
type InvalidQuantityError struct {
	SKU string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be at least 1 for item %s", e.SKU)
}

// NegativePriceError indicates a line item with a negative unit price.
type NegativePriceError struct {
	SKU string
}

func (e *NegativePriceError) Error() string {
	return fmt.Sprintf("unit price must not be negative for item %s", e.SKU)
}

// ItemRequest is one requested order line.
type ItemRequest struct {
	SKU       string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

// CreateOrderRequest holds the input for creating an order.
type CreateOrderRequest struct {
	CustomerID string
	Currency   string
	Items      []ItemRequest
}

// CreateOrderResult holds the output of a successfully created order.
type CreateOrderResult struct {
	OrderID    string
	GrandTotal decimal.Decimal
	Currency   string
	Status     Status
}

// Service is the transactional writer: it computes derived totals and
// persists the order, its items, and exactly one outbox event as a single
// atomic unit. It never calls the Publisher; relaying is the relay's job, so
// the write path's latency and failure domain stay independent of the
// transport.
type Service struct {
	orders Repository
}

// NewService creates the order writer service.
func NewService(orders Repository) *Service {
	return &Service{orders: orders}
}

// CreateOrder validates the request, computes rounded line and grand totals,
// and writes the aggregate plus its ORDER_CREATED outbox event in one
// transaction. A successful return guarantees the outbox event is durably
// persisted alongside the order; a failure guarantees no partial writes are
// visible.
//
// Validation normally happens upstream in the handler; violations here fail
// the whole request rather than corrupting data.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptyItems
	}

	items := make([]Item, len(req.Items))
	grandTotal := decimal.Zero
	for i, it := range req.Items {
		if it.Quantity < 1 {
			return nil, &InvalidQuantityError{SKU: it.SKU}
		}
		if it.UnitPrice.IsNegative() {
			return nil, &NegativePriceError{SKU: it.SKU}
		}

		lineTotal := it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))).Round(2)
		items[i] = Item{
			ID:        uuid.New().String(),
			SKU:       it.SKU,
			Name:      it.Name,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
			LineTotal: lineTotal,
		}
		grandTotal = grandTotal.Add(lineTotal)
	}
	grandTotal = grandTotal.Round(2)

	o := &Order{
		ID:         uuid.New().String(),
		CustomerID: req.CustomerID,
		Currency:   req.Currency,
		Status:     StatusConfirmed,
		Items:      items,
		GrandTotal: grandTotal,
	}

	ev := outbox.NewEvent(
		uuid.New().String(),
		outbox.EventTypeOrderCreated,
		o.ID,
		eventPayload(o),
	)

	if err := s.orders.CreateWithEvent(ctx, o, ev); err != nil {
		// The cause stays in the logs; callers get a single opaque failure.
		zctx.From(ctx).Error("Create order transaction failed",
			zap.String("customer_id", req.CustomerID),
			zap.Error(err),
		)
		return nil, ErrCreationFailed
	}

	return &CreateOrderResult{
		OrderID:    o.ID,
		GrandTotal: o.GrandTotal,
		Currency:   o.Currency,
		Status:     o.Status,
	}, nil
}

// GetOrder fetches an order with its line items.
func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.orders.GetByID(ctx, id)
}

// eventPayload builds the self-contained ORDER_CREATED document. Consumers
// must never need a join back to the order tables.
func eventPayload(o *Order) map[string]any {
	items := make([]map[string]any, len(o.Items))
	for i, it := range o.Items {
		items[i] = map[string]any{
			"sku":       it.SKU,
			"name":      it.Name,
			"unitPrice": it.UnitPrice.InexactFloat64(),
			"quantity":  it.Quantity,
			"lineTotal": it.LineTotal.InexactFloat64(),
		}
	}
	return map[string]any{
		"orderId":    o.ID,
		"customerId": o.CustomerID,
		"currency":   o.Currency,
		"grandTotal": o.GrandTotal.InexactFloat64(),
		"items":      items,
	}
}
