//go:build integration

package postgres

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/order-outbox/internal/domain/order"
	"github.com/xenking/order-outbox/internal/domain/outbox"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("orders"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			log.Printf("terminate container: %v", err)
		}
	}()

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("connection string: %v", err)
	}

	pool, err = NewPool(ctx, connStr)
	if err != nil {
		log.Fatalf("create pool: %v", err)
	}
	defer pool.Close()

	if err := RunMigrations(ctx, pool); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	return m.Run()
}

// --- Helpers ---

func newOrder(id string) (*order.Order, *outbox.Event) {
	o := &order.Order{
		ID:         id,
		CustomerID: "cust-1",
		Currency:   "USD",
		Status:     order.StatusConfirmed,
		Items: []order.Item{
			{
				ID:        id + "-item-1",
				SKU:       "A1",
				Name:      "Widget",
				UnitPrice: decimal.RequireFromString("10.00"),
				Quantity:  3,
				LineTotal: decimal.RequireFromString("30.00"),
			},
			{
				ID:        id + "-item-2",
				SKU:       "B2",
				Name:      "Gadget",
				UnitPrice: decimal.RequireFromString("5.50"),
				Quantity:  2,
				LineTotal: decimal.RequireFromString("11.00"),
			},
		},
		GrandTotal: decimal.RequireFromString("41.00"),
	}
	ev := outbox.NewEvent(id+"-event", outbox.EventTypeOrderCreated, id, map[string]any{
		"orderId":    id,
		"customerId": "cust-1",
		"currency":   "USD",
		"grandTotal": 41.00,
	})
	return o, ev
}

func countRows(t *testing.T, table, column, value string) int {
	t.Helper()
	var n int
	err := pool.QueryRow(context.Background(),
		"SELECT count(*) FROM "+table+" WHERE "+column+" = $1", value).Scan(&n)
	require.NoError(t, err)
	return n
}

// --- Tests ---

func TestCreateWithEvent_AllThreeVisible(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(pool)

	o, ev := newOrder("ord-atomic-ok")
	require.NoError(t, repo.CreateWithEvent(ctx, o, ev))

	got, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.CustomerID, got.CustomerID)
	assert.Equal(t, order.StatusConfirmed, got.Status)
	assert.True(t, o.GrandTotal.Equal(got.GrandTotal))
	require.Len(t, got.Items, 2)
	assert.True(t, decimal.RequireFromString("30.00").Equal(got.Items[0].LineTotal))

	assert.Equal(t, 1, countRows(t, "outbox_events", "aggregate_id", o.ID))
}

func TestCreateWithEvent_FailureLeavesNoPartialState(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(pool)

	// Seed a conflicting outbox event so the final insert of the transaction
	// fails after the order and item inserts succeeded.
	first, firstEv := newOrder("ord-atomic-seed")
	require.NoError(t, repo.CreateWithEvent(ctx, first, firstEv))

	o, ev := newOrder("ord-atomic-fail")
	ev.ID = firstEv.ID // duplicate primary key
	err := repo.CreateWithEvent(ctx, o, ev)
	require.Error(t, err)

	// Nothing from the failed attempt may be visible.
	_, err = repo.GetByID(ctx, o.ID)
	assert.ErrorIs(t, err, order.ErrNotFound)
	assert.Equal(t, 0, countRows(t, "order_items", "order_id", o.ID))
	assert.Equal(t, 0, countRows(t, "outbox_events", "aggregate_id", o.ID))
}

func TestGetByID_NotFound(t *testing.T) {
	repo := NewOrderRepository(pool)

	_, err := repo.GetByID(context.Background(), "no-such-order")
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestClaimBatch_Protocol(t *testing.T) {
	ctx := context.Background()
	orders := NewOrderRepository(pool)
	events := NewOutboxRepository(pool)

	o1, ev1 := newOrder("ord-claim-1")
	require.NoError(t, orders.CreateWithEvent(ctx, o1, ev1))
	o2, ev2 := newOrder("ord-claim-2")
	require.NoError(t, orders.CreateWithEvent(ctx, o2, ev2))

	claimed, err := events.ClaimBatch(ctx, "owner-a", 100, time.Minute)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(claimed), 2)

	// Oldest first.
	for i := 1; i < len(claimed); i++ {
		assert.False(t, claimed[i].CreatedAt.Before(claimed[i-1].CreatedAt))
	}

	// A second owner sees nothing while the lease holds.
	other, err := events.ClaimBatch(ctx, "owner-b", 100, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, other)

	// Marks guarded by the owner token.
	require.ErrorIs(t, events.MarkSent(ctx, ev1.ID, "owner-b"), outbox.ErrNotClaimed)
	require.NoError(t, events.MarkSent(ctx, ev1.ID, "owner-a"))

	// SENT is terminal: the same mark cannot apply twice.
	require.ErrorIs(t, events.MarkSent(ctx, ev1.ID, "owner-a"), outbox.ErrNotClaimed)

	// Failure path: retry scheduled in the future is not due.
	require.NoError(t, events.MarkFailed(ctx, ev2.ID, "owner-a", "broker down", time.Now().Add(time.Hour)))
	due, err := events.ClaimBatch(ctx, "owner-a", 100, time.Minute)
	require.NoError(t, err)
	for _, ev := range due {
		assert.NotEqual(t, ev2.ID, ev.ID, "future-scheduled retry must not be reselected")
	}
}

func TestClaimBatch_ReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	orders := NewOrderRepository(pool)
	events := NewOutboxRepository(pool)

	o, ev := newOrder("ord-lease")
	require.NoError(t, orders.CreateWithEvent(ctx, o, ev))

	// Claim with an already-expired lease, then reclaim as another owner.
	claimed, err := events.ClaimBatch(ctx, "owner-dead", 100, -time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, claimed)

	reclaimed, err := events.ClaimBatch(ctx, "owner-alive", 100, time.Minute)
	require.NoError(t, err)

	var found bool
	for _, e := range reclaimed {
		if e.ID == ev.ID {
			found = true
		}
	}
	assert.True(t, found, "expired lease must be reclaimable")

	// The original owner lost its claim.
	assert.ErrorIs(t, events.MarkSent(ctx, ev.ID, "owner-dead"), outbox.ErrNotClaimed)
	assert.NoError(t, events.MarkSent(ctx, ev.ID, "owner-alive"))
}
