package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/storefront/internal/platform/auth"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/services"
)

// OrderHandlers exposes the signed-in user's order history.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs order handlers guarded by Firebase authentication.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{authn: authn, orders: orders}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderNumber}", h.getOrder)
}

type orderItemPayload struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price"`
}

type orderPayload struct {
	OrderNumber   string             `json:"orderNumber"`
	Status        string             `json:"status"`
	PaymentMethod string             `json:"paymentMethod"`
	Subtotal      string             `json:"subtotal"`
	Discount      string             `json:"discount"`
	Tax           string             `json:"tax"`
	Total         string             `json:"total"`
	TransactionID string             `json:"transactionId,omitempty"`
	CreatedAt     string             `json:"createdAt"`
	PaidAt        string             `json:"paidAt,omitempty"`
	CanceledAt    string             `json:"canceledAt,omitempty"`
	Items         []orderItemPayload `json:"items"`
}

type orderListResponse struct {
	Orders []orderPayload `json:"orders"`
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = parsed
	}

	orders, err := h.orders.ListOrders(ctx, userID, limit)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := orderListResponse{Orders: make([]orderPayload, 0, len(orders))}
	for _, order := range orders {
		resp.Orders = append(resp.Orders, buildOrderPayload(order))
	}
	setNoStore(w)
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, userID, chi.URLParam(r, "orderNumber"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	setNoStore(w)
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		OrderNumber:   order.OrderNumber,
		Status:        string(order.Status),
		PaymentMethod: string(order.PaymentMethod),
		Subtotal:      money(order.Subtotal),
		Discount:      money(order.DiscountAmount),
		Tax:           money(order.Tax),
		Total:         money(order.Total),
		TransactionID: order.PaymentTransactionID,
		CreatedAt:     formatTime(order.CreatedAt),
		PaidAt:        formatTimePtr(order.PaidAt),
		CanceledAt:    formatTimePtr(order.CanceledAt),
		Items:         make([]orderItemPayload, 0, len(order.Items)),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{ProductID: item.ProductID, Quantity: item.Quantity, Price: money(item.Price)})
	}
	return payload
}
