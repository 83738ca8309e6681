package postgres

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/order-outbox/internal/domain/order"
	"github.com/xenking/order-outbox/internal/domain/outbox"
)

const (
	insertOrderSQL = `INSERT INTO orders (id, customer_id, currency, status, items_summary, grand_total)
	VALUES ($1, $2, $3, $4, $5, $6)`

	insertOrderItemSQL = `INSERT INTO order_items (id, order_id, sku, name, unit_price, quantity, line_total)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

	insertOutboxEventSQL = `INSERT INTO outbox_events (id, event_type, aggregate_id, payload, status)
	VALUES ($1, $2, $3, $4, $5)`

	selectOrderSQL = `SELECT id, customer_id, currency, status, grand_total, created_at, updated_at
	FROM orders WHERE id = $1`

	selectOrderItemsSQL = `SELECT id, sku, name, unit_price, quantity, line_total
	FROM order_items WHERE order_id = $1 ORDER BY created_at, id`
)

// itemSummary is the denormalized line-item shape stored on the order row.
type itemSummary struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	LineTotal string `json:"lineTotal"`
}

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// CreateWithEvent persists the order, its line items, and the outbox event
// in one transaction. Any failure aborts the whole write; no partial state
// is ever visible to readers.
func (r *OrderRepository) CreateWithEvent(ctx context.Context, o *order.Order, ev *outbox.Event) error {
	summary := make([]itemSummary, len(o.Items))
	for i, it := range o.Items {
		summary[i] = itemSummary{
			SKU:       it.SKU,
			Quantity:  it.Quantity,
			LineTotal: it.LineTotal.StringFixed(2),
		}
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return errors.Wrap(err, "marshal items summary")
	}

	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return errors.Wrap(err, "marshal event payload")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	// No-op once committed.
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, insertOrderSQL,
		o.ID, o.CustomerID, o.Currency, string(o.Status), summaryJSON, o.GrandTotal,
	); err != nil {
		return errors.Wrapf(err, "insert order %q", o.ID)
	}

	batch := &pgx.Batch{}
	for _, it := range o.Items {
		batch.Queue(insertOrderItemSQL,
			it.ID, o.ID, it.SKU, it.Name, it.UnitPrice, it.Quantity, it.LineTotal,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrapf(err, "insert items for order %q", o.ID)
	}

	if _, err := tx.Exec(ctx, insertOutboxEventSQL,
		ev.ID, ev.EventType, ev.AggregateID, payloadJSON, string(ev.Status),
	); err != nil {
		return errors.Wrapf(err, "insert outbox event %q", ev.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

// GetByID fetches an order and its line items.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	var (
		o      order.Order
		status string
	)
	err := r.pool.QueryRow(ctx, selectOrderSQL, id).Scan(
		&o.ID, &o.CustomerID, &o.Currency, &status,
		&o.GrandTotal, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrapf(err, "select order %q", id)
	}
	o.Status = order.Status(status)

	rows, err := r.pool.Query(ctx, selectOrderItemsSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "select items for order %q", id)
	}
	defer rows.Close()

	for rows.Next() {
		var it order.Item
		if err := rows.Scan(&it.ID, &it.SKU, &it.Name, &it.UnitPrice, &it.Quantity, &it.LineTotal); err != nil {
			return nil, errors.Wrap(err, "scan order item")
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate order items")
	}

	return &o, nil
}
