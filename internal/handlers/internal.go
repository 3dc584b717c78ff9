package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/services"
)

// InternalHandlers serves operator endpoints mounted under /internal behind OIDC.
type InternalHandlers struct {
	checkout services.CheckoutService
	coupons  services.CouponService
}

// NewInternalHandlers constructs the internal operations handlers.
func NewInternalHandlers(checkout services.CheckoutService, coupons services.CouponService) *InternalHandlers {
	return &InternalHandlers{checkout: checkout, coupons: coupons}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderNumber}:reconcile", h.reconcileOrder)
	r.Post("/coupons", h.createCoupon)
}

type reconcileResponse struct {
	OrderNumber   string `json:"orderNumber"`
	Status        string `json:"status"`
	GatewayStatus string `json:"gatewayStatus,omitempty"`
	Action        string `json:"action"`
}

func (h *InternalHandlers) reconcileOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	result, err := h.checkout.Reconcile(ctx, chi.URLParam(r, "orderNumber"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, reconcileResponse{
		OrderNumber:   result.Order.OrderNumber,
		Status:        string(result.Order.Status),
		GatewayStatus: result.GatewayStatus,
		Action:        result.Action,
	})
}

type createCouponRequest struct {
	Code           string           `json:"code"`
	Description    string           `json:"description"`
	DiscountType   string           `json:"discountType"`
	DiscountValue  decimal.Decimal  `json:"discountValue"`
	MaxDiscount    *decimal.Decimal `json:"maxDiscount"`
	MinOrderValue  decimal.Decimal  `json:"minOrderValue"`
	MaxUses        *int             `json:"maxUses"`
	MaxUsesPerUser *int             `json:"maxUsesPerUser"`
	ValidFrom      time.Time        `json:"validFrom"`
	ValidUntil     time.Time        `json:"validUntil"`
	Active         *bool            `json:"active"`
}

type couponPayload struct {
	ID             string  `json:"id"`
	Code           string  `json:"code"`
	Description    string  `json:"description,omitempty"`
	DiscountType   string  `json:"discountType"`
	DiscountValue  string  `json:"discountValue"`
	MaxDiscount    *string `json:"maxDiscount,omitempty"`
	MinOrderValue  string  `json:"minOrderValue"`
	MaxUses        *int    `json:"maxUses,omitempty"`
	MaxUsesPerUser *int    `json:"maxUsesPerUser,omitempty"`
	ValidFrom      string  `json:"validFrom"`
	ValidUntil     string  `json:"validUntil"`
	Active         bool    `json:"active"`
}

func (h *InternalHandlers) createCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupons_unavailable", "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req createCouponRequest
	if err := httpx.DecodeJSON(r, maxJSONBodySize, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	coupon, err := h.coupons.CreateCoupon(ctx, services.CreateCouponCommand{
		Code:           req.Code,
		Description:    req.Description,
		DiscountType:   domain.DiscountType(req.DiscountType),
		DiscountValue:  req.DiscountValue,
		MaxDiscount:    req.MaxDiscount,
		MinOrderValue:  req.MinOrderValue,
		MaxUses:        req.MaxUses,
		MaxUsesPerUser: req.MaxUsesPerUser,
		ValidFrom:      req.ValidFrom,
		ValidUntil:     req.ValidUntil,
		Active:         active,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	payload := couponPayload{
		ID:             coupon.ID,
		Code:           coupon.Code,
		Description:    coupon.Description,
		DiscountType:   string(coupon.DiscountType),
		DiscountValue:  coupon.DiscountValue.StringFixed(2),
		MinOrderValue:  coupon.MinOrderValue.StringFixed(2),
		MaxUses:        coupon.MaxUses,
		MaxUsesPerUser: coupon.MaxUsesPerUser,
		ValidFrom:      coupon.ValidFrom.UTC().Format(time.RFC3339),
		ValidUntil:     coupon.ValidUntil.UTC().Format(time.RFC3339),
		Active:         coupon.IsActive,
	}
	if coupon.MaxDiscount != nil {
		value := coupon.MaxDiscount.StringFixed(2)
		payload.MaxDiscount = &value
	}
	httpx.WriteJSON(w, http.StatusCreated, payload)
}
