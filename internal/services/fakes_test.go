package services

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/payments"
	"github.com/hanko-field/storefront/internal/repositories"
)

type repositoryErrorStub struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *repositoryErrorStub) Error() string       { return "repository error" }
func (e *repositoryErrorStub) IsNotFound() bool    { return e.notFound }
func (e *repositoryErrorStub) IsConflict() bool    { return e.conflict }
func (e *repositoryErrorStub) IsUnavailable() bool { return e.unavailable }

// memoryRegistry is an in-memory repositories.Registry. Transactions are not isolated.
type memoryRegistry struct {
	mu        sync.Mutex
	products  map[string]domain.Product
	carts     map[string][]domain.CartLine
	coupons   map[string]domain.Coupon
	usages    []domain.CouponUsage
	orders    map[string]domain.Order
	addresses map[string]domain.ShippingAddress
	txCount   int
	nextID    int
	// lockHook runs before LockByID takes the lock, standing in for a concurrent writer.
	lockHook func(couponID string)
}

var _ repositories.Registry = (*memoryRegistry)(nil)

func newMemoryRegistry(products ...domain.Product) *memoryRegistry {
	r := &memoryRegistry{
		products:  map[string]domain.Product{},
		carts:     map[string][]domain.CartLine{},
		coupons:   map[string]domain.Coupon{},
		orders:    map[string]domain.Order{},
		addresses: map[string]domain.ShippingAddress{},
	}
	for _, p := range products {
		r.products[p.ID] = p
	}
	return r
}

func (r *memoryRegistry) Products() repositories.ProductRepository { return memProducts{r} }
func (r *memoryRegistry) Carts() repositories.CartRepository       { return memCarts{r} }
func (r *memoryRegistry) Coupons() repositories.CouponRepository   { return memCoupons{r} }
func (r *memoryRegistry) Orders() repositories.OrderRepository     { return memOrders{r} }
func (r *memoryRegistry) ShippingAddresses() repositories.ShippingAddressRepository {
	return memAddresses{r}
}

func (r *memoryRegistry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	r.txCount++
	r.mu.Unlock()
	return fn(ctx)
}

func (r *memoryRegistry) id(prefix string) string {
	r.nextID++
	return prefix + "-" + strconv.Itoa(r.nextID)
}

func (r *memoryRegistry) addCoupon(c domain.Coupon) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coupons[c.ID] = c
}

func (r *memoryRegistry) stock(productID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.products[productID].Stock
}

func (r *memoryRegistry) order(number string) domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[number]
}

type memProducts struct{ r *memoryRegistry }

func (m memProducts) Get(_ context.Context, id string) (domain.Product, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	p, ok := m.r.products[id]
	if !ok {
		return domain.Product{}, &repositoryErrorStub{notFound: true}
	}
	return p, nil
}

func (m memProducts) GetMany(_ context.Context, ids []string) (map[string]domain.Product, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	out := map[string]domain.Product{}
	for _, id := range ids {
		if p, ok := m.r.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m memProducts) DecrementStock(_ context.Context, id string, qty int) (bool, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	p, ok := m.r.products[id]
	if !ok || p.Stock < qty {
		return false, nil
	}
	p.Stock -= qty
	m.r.products[id] = p
	return true, nil
}

type memCarts struct{ r *memoryRegistry }

func (m memCarts) Lines(_ context.Context, userID string) ([]domain.CartLine, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	return append([]domain.CartLine(nil), m.r.carts[userID]...), nil
}

func (m memCarts) Upsert(_ context.Context, userID string, line domain.CartLine) error {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	lines := m.r.carts[userID]
	for i := range lines {
		if lines[i].ProductID == line.ProductID {
			lines[i] = line
			return nil
		}
	}
	m.r.carts[userID] = append(lines, line)
	return nil
}

func (m memCarts) Delete(_ context.Context, userID, productID string) (bool, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	lines := m.r.carts[userID]
	for i := range lines {
		if lines[i].ProductID == productID {
			m.r.carts[userID] = append(lines[:i], lines[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m memCarts) Clear(_ context.Context, userID string) error {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	delete(m.r.carts, userID)
	return nil
}

type memCoupons struct{ r *memoryRegistry }

func (m memCoupons) Create(_ context.Context, c domain.Coupon) (domain.Coupon, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	for _, existing := range m.r.coupons {
		if existing.Code == c.Code {
			return domain.Coupon{}, &repositoryErrorStub{conflict: true}
		}
	}
	if c.ID == "" {
		c.ID = m.r.id("coupon")
	}
	m.r.coupons[c.ID] = c
	return c, nil
}

func (m memCoupons) FindByCode(_ context.Context, code string) (domain.Coupon, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	for _, c := range m.r.coupons {
		if c.Code == code {
			return c, nil
		}
	}
	return domain.Coupon{}, &repositoryErrorStub{notFound: true}
}

func (m memCoupons) LockByID(_ context.Context, id string) (domain.Coupon, error) {
	if m.r.lockHook != nil {
		m.r.lockHook(id)
	}
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	c, ok := m.r.coupons[id]
	if !ok {
		return domain.Coupon{}, &repositoryErrorStub{notFound: true}
	}
	return c, nil
}

func (m memCoupons) IncrementUses(_ context.Context, id string, now time.Time) error {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	c, ok := m.r.coupons[id]
	if !ok {
		return &repositoryErrorStub{notFound: true}
	}
	c.CurrentUses++
	c.UpdatedAt = now
	m.r.coupons[id] = c
	return nil
}

func (m memCoupons) CountUsage(_ context.Context, couponID, userID string) (int, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	n := 0
	for _, u := range m.r.usages {
		if u.CouponID == couponID && u.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m memCoupons) InsertUsage(_ context.Context, usage domain.CouponUsage) error {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	m.r.usages = append(m.r.usages, usage)
	return nil
}

type memOrders struct{ r *memoryRegistry }

func (m memOrders) Create(_ context.Context, o domain.Order) (domain.Order, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	if _, exists := m.r.orders[o.OrderNumber]; exists {
		return domain.Order{}, &repositoryErrorStub{conflict: true}
	}
	for i := range o.Items {
		o.Items[i].OrderID = o.ID
	}
	m.r.orders[o.OrderNumber] = o
	return o, nil
}

func (m memOrders) FindByNumber(_ context.Context, number string) (domain.Order, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	o, ok := m.r.orders[number]
	if !ok {
		return domain.Order{}, &repositoryErrorStub{notFound: true}
	}
	return o, nil
}

func (m memOrders) FindByPaymentReference(_ context.Context, ref string) (domain.Order, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	for _, o := range m.r.orders {
		if o.PaymentReference == ref {
			return o, nil
		}
	}
	return domain.Order{}, &repositoryErrorStub{notFound: true}
}

func (m memOrders) SetPaymentReference(_ context.Context, number, ref string) error {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	o, ok := m.r.orders[number]
	if !ok {
		return &repositoryErrorStub{notFound: true}
	}
	o.PaymentReference = ref
	m.r.orders[number] = o
	return nil
}

func (m memOrders) transition(number string, to domain.OrderStatus, apply func(*domain.Order)) (domain.Order, bool, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	o, ok := m.r.orders[number]
	if !ok {
		return domain.Order{}, false, &repositoryErrorStub{notFound: true}
	}
	if o.Status != domain.OrderStatusPending {
		return o, false, nil
	}
	o.Status = to
	apply(&o)
	m.r.orders[number] = o
	return o, true, nil
}

func (m memOrders) MarkPaid(_ context.Context, number, txID string, paidAt time.Time) (domain.Order, bool, error) {
	return m.transition(number, domain.OrderStatusPaid, func(o *domain.Order) {
		o.PaymentTransactionID = txID
		o.PaidAt = &paidAt
	})
}

func (m memOrders) MarkCanceled(_ context.Context, number string, at time.Time) (domain.Order, bool, error) {
	return m.transition(number, domain.OrderStatusCanceled, func(o *domain.Order) {
		o.CanceledAt = &at
	})
}

func (m memOrders) ListByUser(_ context.Context, userID string, limit int) ([]domain.Order, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	var out []domain.Order
	for _, o := range m.r.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memAddresses struct{ r *memoryRegistry }

func (m memAddresses) Insert(_ context.Context, a domain.ShippingAddress) (domain.ShippingAddress, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	if a.ID == "" {
		a.ID = m.r.id("addr")
	}
	m.r.addresses[a.ID] = a
	return a, nil
}

func (m memAddresses) FindByID(_ context.Context, id string) (domain.ShippingAddress, error) {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	a, ok := m.r.addresses[id]
	if !ok {
		return domain.ShippingAddress{}, &repositoryErrorStub{notFound: true}
	}
	return a, nil
}

// fakeSession stores JSON values like the Redis-backed session.
type fakeSession struct {
	id   string
	data map[string][]byte
	err  error
}

func newFakeSession() *fakeSession {
	return &fakeSession{id: "sess-1", data: map[string][]byte{}}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Load(_ context.Context, field string, dst any) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	raw, ok := s.data[field]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (s *fakeSession) Save(_ context.Context, field string, value any) error {
	if s.err != nil {
		return s.err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.data[field] = raw
	return nil
}

func (s *fakeSession) Delete(_ context.Context, fields ...string) error {
	if s.err != nil {
		return s.err
	}
	for _, f := range fields {
		delete(s.data, f)
	}
	return nil
}

func (s *fakeSession) has(field string) bool {
	_, ok := s.data[field]
	return ok
}

type stubGateway struct {
	mu            sync.Mutex
	name          string
	redirect      payments.Redirect
	redirectErr   error
	lastRedirect  payments.RedirectRequest
	callback      payments.CallbackResult
	callbackErr   error
	callbackCalls int
	onCallback    func()
	details       payments.OrderDetails
	lookupErr     error
}

func (g *stubGateway) Name() string { return g.name }

func (g *stubGateway) BuildRedirect(_ context.Context, req payments.RedirectRequest) (payments.Redirect, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastRedirect = req
	return g.redirect, g.redirectErr
}

func (g *stubGateway) ProcessCallback(_ context.Context, _ payments.Callback) (payments.CallbackResult, error) {
	g.mu.Lock()
	g.callbackCalls++
	hook, result, err := g.onCallback, g.callback, g.callbackErr
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	return result, err
}

func (g *stubGateway) LookupOrder(_ context.Context, _ string) (payments.OrderDetails, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.details, g.lookupErr
}

type stubGateways map[string]*stubGateway

func (s stubGateways) Resolve(name string) (payments.Gateway, error) {
	g, ok := s[name]
	if !ok {
		return nil, payments.ErrUnsupportedProvider
	}
	return g, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []OrderConfirmation
}

func (m *recordingMailer) SendOrderConfirmation(_ context.Context, msg OrderConfirmation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

type recordingMetrics struct {
	mu          sync.Mutex
	checkouts   []string
	settlements []string
	shortfalls  int
}

func (m *recordingMetrics) RecordCheckout(gateway string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkouts = append(m.checkouts, gateway)
}

func (m *recordingMetrics) RecordSettlement(gateway, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements = append(m.settlements, gateway+":"+outcome)
}

func (m *recordingMetrics) RecordStockShortfall() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shortfalls++
}

var errBoom = errors.New("boom")

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func intPtr(v int) *int { return &v }
