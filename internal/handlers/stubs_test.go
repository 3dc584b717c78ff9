package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/platform/auth"
	"github.com/hanko-field/storefront/internal/platform/session"
	"github.com/hanko-field/storefront/internal/services"
)

type stubCartStore struct {
	addFunc    func(ctx context.Context, productID string, qty int) error
	updateFunc func(ctx context.Context, productID string, qty int) error
	deleteFunc func(ctx context.Context, productID string) (bool, error)
}

func (s *stubCartStore) Add(ctx context.Context, productID string, qty int) error {
	if s.addFunc != nil {
		return s.addFunc(ctx, productID, qty)
	}
	return nil
}

func (s *stubCartStore) Update(ctx context.Context, productID string, qty int) error {
	if s.updateFunc != nil {
		return s.updateFunc(ctx, productID, qty)
	}
	return nil
}

func (s *stubCartStore) Delete(ctx context.Context, productID string) (bool, error) {
	if s.deleteFunc != nil {
		return s.deleteFunc(ctx, productID)
	}
	return true, nil
}

func (s *stubCartStore) Lines(context.Context) ([]services.CartLine, error) { return nil, nil }

func (s *stubCartStore) Total(context.Context) (decimal.Decimal, error) { return decimal.Zero, nil }

func (s *stubCartStore) Count(context.Context) (int, error) { return 0, nil }

func (s *stubCartStore) Clear(context.Context) error { return nil }

type stubCartService struct {
	storeForFunc     func(userID string, sess services.SessionStore) (services.CartStore, error)
	availabilityFunc func(ctx context.Context, productID string, qty int) error
	summaryFunc      func(ctx context.Context, store services.CartStore, sess services.SessionStore) (services.CartSummary, error)
	mergeFunc        func(ctx context.Context, sess services.SessionStore, userID string) (services.MergeResult, error)
}

func (s *stubCartService) StoreFor(userID string, sess services.SessionStore) (services.CartStore, error) {
	if s.storeForFunc != nil {
		return s.storeForFunc(userID, sess)
	}
	return &stubCartStore{}, nil
}

func (s *stubCartService) CheckAvailability(ctx context.Context, productID string, qty int) error {
	if s.availabilityFunc != nil {
		return s.availabilityFunc(ctx, productID, qty)
	}
	return nil
}

func (s *stubCartService) Summary(ctx context.Context, store services.CartStore, sess services.SessionStore) (services.CartSummary, error) {
	if s.summaryFunc != nil {
		return s.summaryFunc(ctx, store, sess)
	}
	return services.CartSummary{}, nil
}

func (s *stubCartService) Merge(ctx context.Context, sess services.SessionStore, userID string) (services.MergeResult, error) {
	if s.mergeFunc != nil {
		return s.mergeFunc(ctx, sess, userID)
	}
	return services.MergeResult{}, nil
}

type stubCouponService struct {
	applyFunc  func(ctx context.Context, sess services.SessionStore, userID, code string) (services.CouponPreview, error)
	removeFunc func(ctx context.Context, sess services.SessionStore, userID string) (services.CouponPreview, error)
	createFunc func(ctx context.Context, cmd services.CreateCouponCommand) (services.Coupon, error)
}

func (s *stubCouponService) Validate(context.Context, services.Coupon, string, decimal.Decimal) error {
	return nil
}

func (s *stubCouponService) CalculateDiscount(services.Coupon, decimal.Decimal) decimal.Decimal {
	return decimal.Zero
}

func (s *stubCouponService) Apply(ctx context.Context, sess services.SessionStore, userID, code string) (services.CouponPreview, error) {
	if s.applyFunc != nil {
		return s.applyFunc(ctx, sess, userID, code)
	}
	return services.CouponPreview{}, nil
}

func (s *stubCouponService) Remove(ctx context.Context, sess services.SessionStore, userID string) (services.CouponPreview, error) {
	if s.removeFunc != nil {
		return s.removeFunc(ctx, sess, userID)
	}
	return services.CouponPreview{}, nil
}

func (s *stubCouponService) CreateCoupon(ctx context.Context, cmd services.CreateCouponCommand) (services.Coupon, error) {
	if s.createFunc != nil {
		return s.createFunc(ctx, cmd)
	}
	return services.Coupon{}, nil
}

type stubCheckoutService struct {
	createFunc       func(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error)
	dispatchFunc     func(ctx context.Context, orderNumber string, opts services.DispatchOptions) (services.DispatchResult, error)
	vnpayReturnFunc  func(ctx context.Context, params url.Values, sess services.SessionStore) (services.SettleResult, error)
	vnpayIPNFunc     func(ctx context.Context, params url.Values) (services.SettleResult, error)
	paypalReturnFunc func(ctx context.Context, token string, sess services.SessionStore) (services.SettleResult, error)
	paypalCancelFunc func(ctx context.Context, sess services.SessionStore) (services.Order, error)
	reconcileFunc    func(ctx context.Context, orderNumber string) (services.ReconcileResult, error)
}

func (s *stubCheckoutService) Create(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFunc != nil {
		return s.createFunc(ctx, cmd)
	}
	return services.Order{}, nil
}

func (s *stubCheckoutService) Dispatch(ctx context.Context, orderNumber string, opts services.DispatchOptions) (services.DispatchResult, error) {
	if s.dispatchFunc != nil {
		return s.dispatchFunc(ctx, orderNumber, opts)
	}
	return services.DispatchResult{OrderNumber: orderNumber}, nil
}

func (s *stubCheckoutService) Settle(context.Context, services.SettleCommand) (services.SettleResult, error) {
	return services.SettleResult{}, nil
}

func (s *stubCheckoutService) Cancel(context.Context, string) (services.Order, error) {
	return services.Order{}, nil
}

func (s *stubCheckoutService) HandleVNPayReturn(ctx context.Context, params url.Values, sess services.SessionStore) (services.SettleResult, error) {
	if s.vnpayReturnFunc != nil {
		return s.vnpayReturnFunc(ctx, params, sess)
	}
	return services.SettleResult{}, nil
}

func (s *stubCheckoutService) HandleVNPayIPN(ctx context.Context, params url.Values) (services.SettleResult, error) {
	if s.vnpayIPNFunc != nil {
		return s.vnpayIPNFunc(ctx, params)
	}
	return services.SettleResult{}, nil
}

func (s *stubCheckoutService) HandlePayPalReturn(ctx context.Context, token string, sess services.SessionStore) (services.SettleResult, error) {
	if s.paypalReturnFunc != nil {
		return s.paypalReturnFunc(ctx, token, sess)
	}
	return services.SettleResult{}, nil
}

func (s *stubCheckoutService) HandlePayPalCancel(ctx context.Context, sess services.SessionStore) (services.Order, error) {
	if s.paypalCancelFunc != nil {
		return s.paypalCancelFunc(ctx, sess)
	}
	return services.Order{}, nil
}

func (s *stubCheckoutService) Reconcile(ctx context.Context, orderNumber string) (services.ReconcileResult, error) {
	if s.reconcileFunc != nil {
		return s.reconcileFunc(ctx, orderNumber)
	}
	return services.ReconcileResult{}, nil
}

type stubOrderService struct {
	listFunc func(ctx context.Context, userID string, limit int) ([]services.Order, error)
	getFunc  func(ctx context.Context, userID, orderNumber string) (services.Order, error)
}

func (s *stubOrderService) ListOrders(ctx context.Context, userID string, limit int) ([]services.Order, error) {
	if s.listFunc != nil {
		return s.listFunc(ctx, userID, limit)
	}
	return nil, nil
}

func (s *stubOrderService) GetOrder(ctx context.Context, userID, orderNumber string) (services.Order, error) {
	if s.getFunc != nil {
		return s.getFunc(ctx, userID, orderNumber)
	}
	return services.Order{}, nil
}

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

// stubVerifier treats the bearer token as the uid.
type stubVerifier struct{}

func (stubVerifier) VerifyIDToken(_ context.Context, token string) (*firebaseauth.Token, error) {
	if token == "bad" {
		return nil, auth.ErrTokenInvalid
	}
	return &firebaseauth.Token{UID: token, Claims: map[string]interface{}{}}, nil
}

func testAuthenticator() *auth.Authenticator {
	return auth.NewAuthenticator(stubVerifier{})
}

func newTestSession(t *testing.T, id string) *session.Session {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sess, err := session.NewStore(client, time.Hour).Open(id)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return sess
}

func withSession(sess *session.Session) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(session.WithSession(r.Context(), sess)))
		})
	}
}

func decodeBody(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode response: %v (%s)", err, string(body))
	}
	return payload
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
