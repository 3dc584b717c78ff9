package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/storefront/internal/payments"
	"github.com/hanko-field/storefront/internal/platform/auth"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/services"
)

// VNPay IPN response codes.
const (
	ipnConfirmed        = "00"
	ipnOrderNotFound    = "01"
	ipnAlreadyConfirmed = "02"
	ipnInvalidChecksum  = "97"
	ipnUnknownError     = "99"
)

// PaymentHandlers receives browser returns and server notifications from the payment gateways.
type PaymentHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
	logger   func(context.Context, string, map[string]any)
}

// NewPaymentHandlers constructs gateway callback handlers. Callbacks are authenticated by the
// gateway protocol, not by Firebase; a bearer token is attached when present.
func NewPaymentHandlers(authn *auth.Authenticator, checkout services.CheckoutService, logger func(context.Context, string, map[string]any)) *PaymentHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PaymentHandlers{authn: authn, checkout: checkout, logger: logger}
}

// Routes registers the /payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/vnpay/ipn", h.vnpayIPN)

	browser := r
	if h.authn != nil {
		browser = r.With(h.authn.OptionalFirebaseAuth())
	}
	browser.Get("/vnpay/return", h.vnpayReturn)
	browser.Get("/paypal/return", h.paypalReturn)
	browser.Get("/paypal/cancel", h.paypalCancel)
}

type settlementResponse struct {
	OrderNumber      string   `json:"orderNumber"`
	Status           string   `json:"status"`
	Total            string   `json:"total"`
	TransactionID    string   `json:"transactionId,omitempty"`
	AlreadyProcessed bool     `json:"alreadyProcessed"`
	Backordered      []string `json:"backordered,omitempty"`
}

type ipnResponse struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

func (h *PaymentHandlers) vnpayReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	result, err := h.checkout.HandleVNPayReturn(ctx, r.URL.Query(), sessionFrom(ctx))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	setNoStore(w)
	httpx.WriteJSON(w, http.StatusOK, buildSettlementResponse(result))
}

// vnpayIPN always answers 200 with VNPay's {RspCode, Message} body; the gateway retries on anything else.
func (h *PaymentHandlers) vnpayIPN(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteJSON(w, http.StatusOK, ipnResponse{RspCode: ipnUnknownError, Message: "Unknown error"})
		return
	}
	result, err := h.checkout.HandleVNPayIPN(ctx, r.URL.Query())
	var resp ipnResponse
	switch {
	case err == nil && result.AlreadyProcessed:
		resp = ipnResponse{RspCode: ipnAlreadyConfirmed, Message: "Order already confirmed"}
	case err == nil:
		resp = ipnResponse{RspCode: ipnConfirmed, Message: "Confirm Success"}
	case errors.Is(err, payments.ErrSignature):
		resp = ipnResponse{RspCode: ipnInvalidChecksum, Message: "Invalid Checksum"}
	case errors.Is(err, services.ErrNotFound):
		resp = ipnResponse{RspCode: ipnOrderNotFound, Message: "Order not found"}
	default:
		h.logger(ctx, "payment.ipn_failed", map[string]any{"error": err.Error(), "txnRef": r.URL.Query().Get("vnp_TxnRef")})
		resp = ipnResponse{RspCode: ipnUnknownError, Message: "Unknown error"}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *PaymentHandlers) paypalReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	result, err := h.checkout.HandlePayPalReturn(ctx, r.URL.Query().Get("token"), sessionFrom(ctx))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	setNoStore(w)
	httpx.WriteJSON(w, http.StatusOK, buildSettlementResponse(result))
}

func (h *PaymentHandlers) paypalCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	order, err := h.checkout.HandlePayPalCancel(ctx, sessionFrom(ctx))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	setNoStore(w)
	httpx.WriteJSON(w, http.StatusOK, settlementResponse{
		OrderNumber: order.OrderNumber,
		Status:      string(order.Status),
		Total:       money(order.Total),
	})
}

func buildSettlementResponse(result services.SettleResult) settlementResponse {
	resp := settlementResponse{
		OrderNumber:      result.Order.OrderNumber,
		Status:           string(result.Order.Status),
		Total:            money(result.Order.Total),
		TransactionID:    result.Order.PaymentTransactionID,
		AlreadyProcessed: result.AlreadyProcessed,
	}
	for _, shortfall := range result.Shortfalls {
		resp.Backordered = append(resp.Backordered, shortfall.ProductID)
	}
	return resp
}
