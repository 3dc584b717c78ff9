package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/services"
)

func newOrderRouter(svc services.OrderService) chi.Router {
	router := chi.NewRouter()
	router.Route("/orders", NewOrderHandlers(testAuthenticator(), svc).Routes)
	return router
}

func TestOrderHandlersListOrders(t *testing.T) {
	created := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	paid := created.Add(5 * time.Minute)
	var gotLimit int
	svc := &stubOrderService{listFunc: func(_ context.Context, userID string, limit int) ([]services.Order, error) {
		if userID != "user-1" {
			t.Fatalf("unexpected user %q", userID)
		}
		gotLimit = limit
		order := paidOrder("ord-1")
		order.CreatedAt = created
		order.PaidAt = &paid
		order.Items = []services.OrderItem{{ProductID: "p1", Quantity: 2, Price: dec("10")}}
		return []services.Order{order}, nil
	}}

	req := httptest.NewRequest(http.MethodGet, "/orders?limit=5", nil)
	req.Header.Set("Authorization", "Bearer user-1")
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || gotLimit != 5 {
		t.Fatalf("expected 200 with limit 5, got %d limit=%d", rr.Code, gotLimit)
	}
	body := decodeBody(t, rr.Body.Bytes())
	orders := body["orders"].([]any)
	if len(orders) != 1 {
		t.Fatalf("expected one order, got %v", orders)
	}
	order := orders[0].(map[string]any)
	if order["status"] != "paid" || order["paidAt"] != "2024-05-10T12:05:00Z" || order["createdAt"] != "2024-05-10T12:00:00Z" {
		t.Fatalf("unexpected order: %v", order)
	}
	if _, ok := order["canceledAt"]; ok {
		t.Fatalf("expected canceledAt to be omitted")
	}
	items := order["items"].([]any)
	if item := items[0].(map[string]any); item["price"] != "10.00" || item["quantity"] != float64(2) {
		t.Fatalf("unexpected item: %v", item)
	}
}

func TestOrderHandlersRejectsBadLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/orders?limit=abc", nil)
	req.Header.Set("Authorization", "Bearer user-1")
	rr := httptest.NewRecorder()
	newOrderRouter(&stubOrderService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestOrderHandlersRequireAuth(t *testing.T) {
	rr := httptest.NewRecorder()
	newOrderRouter(&stubOrderService{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrderNotFound(t *testing.T) {
	svc := &stubOrderService{getFunc: func(_ context.Context, userID, number string) (services.Order, error) {
		if userID != "user-2" || number != "ord-1" {
			t.Fatalf("unexpected args %q %q", userID, number)
		}
		return services.Order{}, services.ErrOrderNotFound
	}}
	req := httptest.NewRequest(http.MethodGet, "/orders/ord-1", nil)
	req.Header.Set("Authorization", "Bearer user-2")
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrder(t *testing.T) {
	svc := &stubOrderService{getFunc: func(context.Context, string, string) (services.Order, error) {
		order := pendingOrder("ord-1")
		order.PaymentMethod = domain.PaymentMethodPayPal
		return order, nil
	}}
	req := httptest.NewRequest(http.MethodGet, "/orders/ord-1", nil)
	req.Header.Set("Authorization", "Bearer user-1")
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr.Body.Bytes())
	if body["paymentMethod"] != "paypal" || body["discount"] != "10.00" || body["total"] != "27.50" {
		t.Fatalf("unexpected body: %v", body)
	}
}
