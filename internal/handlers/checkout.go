package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/auth"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/services"
)

// CheckoutHandlers exposes POST /checkout and its dispatch retry for authenticated users.
type CheckoutHandlers struct {
	authn       *auth.Authenticator
	checkout    services.CheckoutService
	idempotency func(http.Handler) http.Handler
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication. When
// idempotency is non-nil it wraps the route so retried submissions replay the first response.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, idempotency func(http.Handler) http.Handler) *CheckoutHandlers {
	return &CheckoutHandlers{
		authn:       authn,
		checkout:    checkout,
		idempotency: idempotency,
	}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	authed := r
	if h.authn != nil {
		authed = authed.With(h.authn.RequireFirebaseAuth())
	}
	authed.Post("/checkout/{orderNumber}:dispatch", h.dispatchCheckout)

	group := authed
	if h.idempotency != nil {
		group = group.With(h.idempotency)
	}
	group.Post("/checkout", h.createCheckout)
}

type shippingRequest struct {
	FullName      string `json:"fullName"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	Address1      string `json:"address1"`
	Address2      string `json:"address2"`
	City          string `json:"city"`
	StateProvince string `json:"stateProvince"`
	Zipcode       string `json:"zipcode"`
	Country       string `json:"country"`
}

type checkoutRequest struct {
	PaymentMethod string          `json:"paymentMethod"`
	Shipping      shippingRequest `json:"shipping"`
}

type checkoutResponse struct {
	OrderNumber   string `json:"orderNumber"`
	Status        string `json:"status"`
	PaymentMethod string `json:"paymentMethod"`
	Subtotal      string `json:"subtotal"`
	Discount      string `json:"discount"`
	Tax           string `json:"tax"`
	Total         string `json:"total"`
	RedirectURL   string `json:"redirectUrl"`
}

func (h *CheckoutHandlers) createCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := httpx.DecodeJSON(r, maxJSONBodySize, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}

	ip := clientIP(r)
	order, err := h.checkout.Create(ctx, services.CreateOrderCommand{
		UserID:        userID,
		Session:       sessionFrom(ctx),
		PaymentMethod: domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
		ClientIP:      ip,
		Shipping: services.ShippingInput{
			FullName:      req.Shipping.FullName,
			Email:         req.Shipping.Email,
			Phone:         req.Shipping.Phone,
			Address1:      req.Shipping.Address1,
			Address2:      req.Shipping.Address2,
			City:          req.Shipping.City,
			StateProvince: req.Shipping.StateProvince,
			Zipcode:       req.Shipping.Zipcode,
			Country:       req.Shipping.Country,
		},
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	dispatch, err := h.checkout.Dispatch(ctx, order.OrderNumber, services.DispatchOptions{UserID: userID, ClientIP: ip})
	if err != nil {
		writeDispatchError(ctx, w, order.OrderNumber, err)
		return
	}

	setNoStore(w)
	httpx.WriteJSON(w, http.StatusCreated, checkoutResponse{
		OrderNumber:   order.OrderNumber,
		Status:        string(order.Status),
		PaymentMethod: string(order.PaymentMethod),
		Subtotal:      money(order.Subtotal),
		Discount:      money(order.DiscountAmount),
		Tax:           money(order.Tax),
		Total:         money(order.Total),
		RedirectURL:   dispatch.RedirectURL,
	})
}

type dispatchResponse struct {
	OrderNumber string `json:"orderNumber"`
	RedirectURL string `json:"redirectUrl"`
}

// dispatchCheckout asks the gateway again for a pending order whose first dispatch failed.
func (h *CheckoutHandlers) dispatchCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}
	orderNumber := strings.TrimSpace(chi.URLParam(r, "orderNumber"))
	if orderNumber == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order number is required", http.StatusBadRequest))
		return
	}

	dispatch, err := h.checkout.Dispatch(ctx, orderNumber, services.DispatchOptions{UserID: userID, ClientIP: clientIP(r)})
	if err != nil {
		writeDispatchError(ctx, w, orderNumber, err)
		return
	}

	setNoStore(w)
	httpx.WriteJSON(w, http.StatusOK, dispatchResponse{OrderNumber: dispatch.OrderNumber, RedirectURL: dispatch.RedirectURL})
}

// writeDispatchError keeps the order number on gateway failures so the client can retry dispatch.
func writeDispatchError(ctx context.Context, w http.ResponseWriter, orderNumber string, err error) {
	if errors.Is(err, services.ErrCheckoutPaymentFailed) {
		httpx.WriteError(ctx, w, httpx.NewError("payment_provider_unavailable", "payment provider unavailable, retry later", http.StatusBadGateway).
			WithDetails(map[string]any{"orderNumber": orderNumber}))
		return
	}
	writeServiceError(ctx, w, err)
}
