package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/storefront/internal/platform/auth"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/services"
)

const (
	couponAttemptLimit  = 10
	couponAttemptWindow = time.Minute
)

// CartHandlers exposes the guest or user cart and coupon endpoints.
type CartHandlers struct {
	authn   *auth.Authenticator
	carts   services.CartService
	coupons services.CouponService
	limiter attemptLimiter
}

// CartOption customises CartHandlers.
type CartOption func(*CartHandlers)

// WithCouponAttemptLimit overrides how many coupon applications a requester may attempt per window.
func WithCouponAttemptLimit(limit int, window time.Duration, clock func() time.Time) CartOption {
	return func(h *CartHandlers) {
		h.limiter = newWindowLimiter(limit, window, clock)
	}
}

// NewCartHandlers constructs cart handlers. Cart routes accept guests; coupon routes and merge require sign-in.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService, coupons services.CouponService, opts ...CartOption) *CartHandlers {
	h := &CartHandlers{
		authn:   authn,
		carts:   carts,
		coupons: coupons,
		limiter: newWindowLimiter(couponAttemptLimit, couponAttemptWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.OptionalFirebaseAuth())
	}
	r.Get("/", h.getCart)
	r.Post("/items", h.addItem)
	r.Put("/items/{productId}", h.updateItem)
	r.Delete("/items/{productId}", h.deleteItem)

	protected := r
	if h.authn != nil {
		protected = r.With(h.authn.RequireFirebaseAuth())
	}
	protected.Post("/coupon", h.applyCoupon)
	protected.Delete("/coupon", h.removeCoupon)
}

// RegisterStandaloneRoutes registers POST /cart:merge on the API root.
func (h *CartHandlers) RegisterStandaloneRoutes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = r.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/cart:merge", h.mergeCart)
}

type cartLinePayload struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
	LineTotal string `json:"lineTotal"`
	InStock   int    `json:"inStock"`
}

type appliedCouponPayload struct {
	Code     string `json:"code"`
	Discount string `json:"discount"`
}

type cartResponse struct {
	Lines    []cartLinePayload     `json:"lines"`
	Count    int                   `json:"count"`
	Subtotal string                `json:"subtotal"`
	Discount string                `json:"discount"`
	Tax      string                `json:"tax"`
	Total    string                `json:"total"`
	Coupon   *appliedCouponPayload `json:"coupon,omitempty"`
}

type cartItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  *int   `json:"quantity"`
}

type couponRequest struct {
	Code string `json:"code"`
}

type couponResponse struct {
	Code        string `json:"code,omitempty"`
	Description string `json:"description,omitempty"`
	Discount    string `json:"discount"`
	NewSubtotal string `json:"newSubtotal"`
	NewTax      string `json:"newTax"`
	NewTotal    string `json:"newTotal"`
}

type mergeResponse struct {
	Merged  int          `json:"merged"`
	Skipped int          `json:"skipped"`
	Cart    cartResponse `json:"cart"`
}

func (h *CartHandlers) store(ctx context.Context, w http.ResponseWriter) (services.CartStore, bool) {
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	store, err := h.carts.StoreFor(auth.UserID(ctx), sessionFrom(ctx))
	if err != nil {
		writeServiceError(ctx, w, err)
		return nil, false
	}
	return store, true
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	store, ok := h.store(ctx, w)
	if !ok {
		return
	}
	h.writeSummary(ctx, w, http.StatusOK, store)
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	store, ok := h.store(ctx, w)
	if !ok {
		return
	}

	var req cartItemRequest
	if err := httpx.DecodeJSON(r, maxJSONBodySize, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "productId is required", http.StatusBadRequest))
		return
	}
	qty := 1
	if req.Quantity != nil {
		qty = *req.Quantity
	}
	if err := h.carts.CheckAvailability(ctx, productID, qty); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if err := store.Add(ctx, productID, qty); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	h.writeSummary(ctx, w, http.StatusOK, store)
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	store, ok := h.store(ctx, w)
	if !ok {
		return
	}

	var req cartItemRequest
	if err := httpx.DecodeJSON(r, maxJSONBodySize, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	if req.Quantity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity is required", http.StatusBadRequest))
		return
	}
	if err := store.Update(ctx, strings.TrimSpace(chi.URLParam(r, "productId")), *req.Quantity); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	h.writeSummary(ctx, w, http.StatusOK, store)
}

func (h *CartHandlers) deleteItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	store, ok := h.store(ctx, w)
	if !ok {
		return
	}
	if _, err := store.Delete(ctx, strings.TrimSpace(chi.URLParam(r, "productId"))); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	h.writeSummary(ctx, w, http.StatusOK, store)
}

func (h *CartHandlers) applyCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service is unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.limiter != nil && !h.limiter.Allow("coupon:"+userID) {
		httpx.WriteError(ctx, w, httpx.NewError("too_many_attempts", "too many coupon attempts, try again later", http.StatusTooManyRequests))
		return
	}

	var req couponRequest
	if err := httpx.DecodeJSON(r, maxJSONBodySize, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	preview, err := h.coupons.Apply(ctx, sessionFrom(ctx), userID, req.Code)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	setNoStore(w)
	httpx.WriteJSON(w, http.StatusOK, buildCouponResponse(preview))
}

func (h *CartHandlers) removeCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service is unavailable", http.StatusServiceUnavailable))
		return
	}
	preview, err := h.coupons.Remove(ctx, sessionFrom(ctx), userID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	setNoStore(w)
	httpx.WriteJSON(w, http.StatusOK, buildCouponResponse(preview))
}

func (h *CartHandlers) mergeCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	result, err := h.carts.Merge(ctx, sessionFrom(ctx), userID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	store, err := h.carts.StoreFor(userID, sessionFrom(ctx))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	summary, err := h.carts.Summary(ctx, store, sessionFrom(ctx))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	setNoStore(w)
	httpx.WriteJSON(w, http.StatusOK, mergeResponse{Merged: result.Merged, Skipped: result.Skipped, Cart: buildCartResponse(summary)})
}

func (h *CartHandlers) writeSummary(ctx context.Context, w http.ResponseWriter, status int, store services.CartStore) {
	summary, err := h.carts.Summary(ctx, store, sessionFrom(ctx))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	setNoStore(w)
	httpx.WriteJSON(w, status, buildCartResponse(summary))
}

func buildCartResponse(summary services.CartSummary) cartResponse {
	resp := cartResponse{
		Lines:    make([]cartLinePayload, 0, len(summary.Lines)),
		Count:    summary.Count,
		Subtotal: money(summary.Pricing.Subtotal),
		Discount: money(summary.Pricing.Discount),
		Tax:      money(summary.Pricing.Tax),
		Total:    money(summary.Pricing.Total),
	}
	for _, line := range summary.Lines {
		resp.Lines = append(resp.Lines, cartLinePayload{
			ProductID: line.ProductID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: money(line.UnitPrice),
			LineTotal: money(line.LineTotal),
			InStock:   line.InStock,
		})
	}
	if summary.Coupon != nil {
		resp.Coupon = &appliedCouponPayload{Code: summary.Coupon.Code, Discount: money(summary.Pricing.Discount)}
	}
	return resp
}

func buildCouponResponse(preview services.CouponPreview) couponResponse {
	return couponResponse{
		Code:        preview.Code,
		Description: preview.Description,
		Discount:    money(preview.Pricing.Discount),
		NewSubtotal: money(preview.Pricing.DiscountedSubtotal),
		NewTax:      money(preview.Pricing.Tax),
		NewTotal:    money(preview.Pricing.Total),
	}
}
