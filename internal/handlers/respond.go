package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/payments"
	"github.com/hanko-field/storefront/internal/platform/auth"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/platform/session"
	"github.com/hanko-field/storefront/internal/services"
)

const maxJSONBodySize = 16 * 1024

// writeServiceError maps service and gateway errors onto the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var (
		rejection  *services.CouponRejection
		validation *services.ValidationError
	)
	switch {
	case errors.As(err, &rejection):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_rejected", rejection.Message, http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"reason": rejection.Reason}))
	case errors.As(err, &validation):
		e := httpx.NewError("invalid_request", validation.Error(), http.StatusBadRequest)
		if validation.Field != "" {
			e = e.WithDetails(map[string]any{"field": validation.Field})
		}
		httpx.WriteError(ctx, w, e)
	case errors.Is(err, services.ErrCheckoutCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart is empty", http.StatusBadRequest))
	case errors.Is(err, services.ErrCartSessionRequired):
		httpx.WriteError(ctx, w, httpx.NewError("session_required", "a session cookie is required", http.StatusBadRequest))
	case errors.Is(err, services.ErrValidation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, payments.ErrSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "payment callback signature is invalid", http.StatusBadRequest))
	case errors.Is(err, services.ErrNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutPaymentFailed), errors.Is(err, payments.ErrGateway), errors.Is(err, payments.ErrProtocol):
		httpx.WriteError(ctx, w, httpx.NewError("payment_provider_unavailable", "payment provider unavailable, retry later", http.StatusBadGateway))
	case errors.Is(err, services.ErrUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "service temporarily unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}

func writeDecodeError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, httpx.ErrBodyTooLarge) {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
}

// sessionFrom returns the guest session attached by the session middleware, if any.
func sessionFrom(ctx context.Context) services.SessionStore {
	if sess, ok := session.FromContext(ctx); ok {
		return sess
	}
	return nil
}

func requireUser(ctx context.Context, w http.ResponseWriter) (string, bool) {
	uid := strings.TrimSpace(auth.UserID(ctx))
	if uid == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return uid, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func money(v decimal.Decimal) string {
	return v.StringFixed(2)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func setNoStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, max-age=0, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
}
