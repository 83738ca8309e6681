package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/order-outbox/internal/domain/order"
)

type createOrderRequest struct {
	CustomerID string          `json:"customerId"`
	Currency   string          `json:"currency"`
	Items      []orderItemBody `json:"items"`
}

type orderItemBody struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
}

type createOrderResponse struct {
	OrderID    string  `json:"orderId"`
	GrandTotal float64 `json:"grandTotal"`
	Currency   string  `json:"currency"`
	Status     string  `json:"status"`
}

type orderResponse struct {
	OrderID    string              `json:"orderId"`
	CustomerID string              `json:"customerId"`
	Currency   string              `json:"currency"`
	Status     string              `json:"status"`
	GrandTotal float64             `json:"grandTotal"`
	Items      []orderItemResponse `json:"items"`
	CreatedAt  string              `json:"createdAt"`
}

type orderItemResponse struct {
	SKU       string  `json:"sku"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unitPrice"`
	Quantity  int     `json:"quantity"`
	LineTotal float64 `json:"lineTotal"`
}

// CreateOrder handles POST /orders.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCreateOrder(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "ValidationFailed", err.Error())
		return
	}

	result, err := h.orders.CreateOrder(r.Context(), *req)
	if err != nil {
		h.mapCreateError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, createOrderResponse{
		OrderID:    result.OrderID,
		GrandTotal: result.GrandTotal.InexactFloat64(),
		Currency:   result.Currency,
		Status:     string(result.Status),
	})
}

// decodeCreateOrder parses and validates the request body.
func decodeCreateOrder(r *http.Request) (*order.CreateOrderRequest, error) {
	var body createOrderRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return nil, errors.Wrap(err, "invalid request body")
	}

	if body.CustomerID == "" {
		return nil, errors.New("customerId is required")
	}
	if body.Currency == "" {
		return nil, errors.New("currency is required")
	}
	if len(body.Items) == 0 {
		return nil, errors.New("items must not be empty")
	}

	items := make([]order.ItemRequest, len(body.Items))
	for i, it := range body.Items {
		if it.SKU == "" {
			return nil, errors.Errorf("items[%d].sku is required", i)
		}
		if it.Quantity < 1 {
			return nil, errors.Errorf("items[%d].quantity must be at least 1", i)
		}
		if it.UnitPrice.IsNegative() {
			return nil, errors.Errorf("items[%d].unitPrice must not be negative", i)
		}
		items[i] = order.ItemRequest{
			SKU:       it.SKU,
			Name:      it.Name,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
		}
	}

	return &order.CreateOrderRequest{
		CustomerID: body.CustomerID,
		Currency:   body.Currency,
		Items:      items,
	}, nil
}

// mapCreateError converts service errors to HTTP responses. Validation
// violations that slipped past the adapter map to 400; everything else is
// the opaque transactional failure.
func (h *Handler) mapCreateError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		iqErr *order.InvalidQuantityError
		npErr *order.NegativePriceError
	)
	switch {
	case errors.Is(err, order.ErrEmptyItems),
		errors.As(err, &iqErr),
		errors.As(err, &npErr):
		writeError(w, r, http.StatusBadRequest, "ValidationFailed", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "OrderCreationFailed", "")
	}
}

// GetOrder handles GET /orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	o, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "NotFound", "")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "InternalError", "")
		return
	}

	items := make([]orderItemResponse, len(o.Items))
	for i, it := range o.Items {
		items[i] = orderItemResponse{
			SKU:       it.SKU,
			Name:      it.Name,
			UnitPrice: it.UnitPrice.InexactFloat64(),
			Quantity:  it.Quantity,
			LineTotal: it.LineTotal.InexactFloat64(),
		}
	}

	writeJSON(w, r, http.StatusOK, orderResponse{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Currency:   o.Currency,
		Status:     string(o.Status),
		GrandTotal: o.GrandTotal.InexactFloat64(),
		Items:      items,
		CreatedAt:  o.CreatedAt.UTC().Format(time.RFC3339),
	})
}
