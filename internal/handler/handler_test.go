package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/order-outbox/internal/domain/order"
	"github.com/xenking/order-outbox/internal/domain/outbox"
)

// --- Mock implementations ---

type mockOrderRepo struct {
	lastOrder *order.Order
	lastEvent *outbox.Event
	err       error
	byID      map[string]*order.Order
}

func (m *mockOrderRepo) CreateWithEvent(_ context.Context, o *order.Order, ev *outbox.Event) error {
	if m.err != nil {
		return m.err
	}
	m.lastOrder = o
	m.lastEvent = ev
	return nil
}

func (m *mockOrderRepo) GetByID(_ context.Context, id string) (*order.Order, error) {
	o, ok := m.byID[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o, nil
}

// --- Helpers ---

func newServer(repo *mockOrderRepo) *http.ServeMux {
	mux := http.NewServeMux()
	NewHandler(order.NewService(repo)).Register(mux)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

const validOrderBody = `{
	"customerId": "cust-1",
	"currency": "USD",
	"items": [
		{"sku": "A1", "name": "Widget", "unitPrice": 10.00, "quantity": 3},
		{"sku": "B2", "name": "Gadget", "unitPrice": 5.50, "quantity": 2}
	]
}`

// --- Tests ---

func TestCreateOrder_Success(t *testing.T) {
	repo := &mockOrderRepo{}
	w := doJSON(t, newServer(repo), http.MethodPost, "/orders", validOrderBody)

	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		OrderID    string  `json:"orderId"`
		GrandTotal float64 `json:"grandTotal"`
		Currency   string  `json:"currency"`
		Status     string  `json:"status"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotEmpty(t, resp.OrderID)
	assert.Equal(t, 41.00, resp.GrandTotal)
	assert.Equal(t, "USD", resp.Currency)
	assert.Equal(t, "CONFIRMED", resp.Status)

	// The write path produced exactly one outbox event for the order.
	require.NotNil(t, repo.lastEvent)
	assert.Equal(t, resp.OrderID, repo.lastEvent.AggregateID)
}

func TestCreateOrder_MalformedBody(t *testing.T) {
	w := doJSON(t, newServer(&mockOrderRepo{}), http.MethodPost, "/orders", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateOrder_ValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing customer", `{"currency":"USD","items":[{"sku":"A1","name":"W","unitPrice":1,"quantity":1}]}`},
		{"missing currency", `{"customerId":"c1","items":[{"sku":"A1","name":"W","unitPrice":1,"quantity":1}]}`},
		{"empty items", `{"customerId":"c1","currency":"USD","items":[]}`},
		{"zero quantity", `{"customerId":"c1","currency":"USD","items":[{"sku":"A1","name":"W","unitPrice":1,"quantity":0}]}`},
		{"negative price", `{"customerId":"c1","currency":"USD","items":[{"sku":"A1","name":"W","unitPrice":-1,"quantity":1}]}`},
		{"missing sku", `{"customerId":"c1","currency":"USD","items":[{"name":"W","unitPrice":1,"quantity":1}]}`},
	}

	mux := newServer(&mockOrderRepo{})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, mux, http.MethodPost, "/orders", tc.body)
			require.Equal(t, http.StatusBadRequest, w.Code)

			var resp struct {
				Error string `json:"error"`
			}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, "ValidationFailed", resp.Error)
		})
	}
}

func TestCreateOrder_TransactionalFailure(t *testing.T) {
	repo := &mockOrderRepo{err: errors.New("pq: connection reset")}
	w := doJSON(t, newServer(repo), http.MethodPost, "/orders", validOrderBody)

	require.Equal(t, http.StatusInternalServerError, w.Code)

	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "OrderCreationFailed", resp.Error)
	// The storage cause must not leak to the client.
	assert.NotContains(t, w.Body.String(), "connection reset")
}

func TestGetOrder_Found(t *testing.T) {
	existing := &order.Order{
		ID:         "ord-1",
		CustomerID: "cust-1",
		Currency:   "USD",
		Status:     order.StatusConfirmed,
		GrandTotal: decimal.RequireFromString("41.00"),
		Items: []order.Item{
			{
				SKU:       "A1",
				Name:      "Widget",
				UnitPrice: decimal.RequireFromString("10.00"),
				Quantity:  3,
				LineTotal: decimal.RequireFromString("30.00"),
			},
		},
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	repo := &mockOrderRepo{byID: map[string]*order.Order{"ord-1": existing}}

	w := doJSON(t, newServer(repo), http.MethodGet, "/orders/ord-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		OrderID    string  `json:"orderId"`
		CustomerID string  `json:"customerId"`
		GrandTotal float64 `json:"grandTotal"`
		Status     string  `json:"status"`
		Items      []struct {
			SKU       string  `json:"sku"`
			Quantity  int     `json:"quantity"`
			LineTotal float64 `json:"lineTotal"`
		} `json:"items"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ord-1", resp.OrderID)
	assert.Equal(t, "cust-1", resp.CustomerID)
	assert.Equal(t, 41.00, resp.GrandTotal)
	assert.Equal(t, "CONFIRMED", resp.Status)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "A1", resp.Items[0].SKU)
	assert.Equal(t, 30.00, resp.Items[0].LineTotal)
}

func TestGetOrder_NotFound(t *testing.T) {
	repo := &mockOrderRepo{byID: map[string]*order.Order{}}

	w := doJSON(t, newServer(repo), http.MethodGet, "/orders/missing", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "NotFound", resp.Error)
}
