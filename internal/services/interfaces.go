package services

import (
	"context"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/storefront/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Product            = domain.Product
	CartLine           = domain.CartLine
	Coupon             = domain.Coupon
	CouponUsage        = domain.CouponUsage
	AppliedDiscount    = domain.AppliedDiscount
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderStatus        = domain.OrderStatus
	PaymentMethod      = domain.PaymentMethod
	ShippingAddress    = domain.ShippingAddress
	PricingBreakdown   = domain.PricingBreakdown
	SystemHealthReport = domain.SystemHealthReport
)

// SessionStore is the slice of the guest session the services read and write.
// *session.Session satisfies it.
type SessionStore interface {
	ID() string
	Load(ctx context.Context, field string, dst any) (bool, error)
	Save(ctx context.Context, field string, value any) error
	Delete(ctx context.Context, fields ...string) error
}

// CartStore is one cart backend: the guest session or the user's database rows.
type CartStore interface {
	Add(ctx context.Context, productID string, qty int) error
	Update(ctx context.Context, productID string, qty int) error
	Delete(ctx context.Context, productID string) (bool, error)
	Lines(ctx context.Context) ([]CartLine, error)
	Total(ctx context.Context) (decimal.Decimal, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// CartService selects the cart backend per request and aggregates cart views.
type CartService interface {
	StoreFor(userID string, sess SessionStore) (CartStore, error)
	CheckAvailability(ctx context.Context, productID string, qty int) error
	Summary(ctx context.Context, store CartStore, sess SessionStore) (CartSummary, error)
	Merge(ctx context.Context, sess SessionStore, userID string) (MergeResult, error)
}

// CouponService validates coupons and manages the applied discount in the session.
type CouponService interface {
	Validate(ctx context.Context, coupon Coupon, userID string, subtotal decimal.Decimal) error
	CalculateDiscount(coupon Coupon, subtotal decimal.Decimal) decimal.Decimal
	Apply(ctx context.Context, sess SessionStore, userID, code string) (CouponPreview, error)
	Remove(ctx context.Context, sess SessionStore, userID string) (CouponPreview, error)
	CreateCoupon(ctx context.Context, cmd CreateCouponCommand) (Coupon, error)
}

// CheckoutService turns a cart into an order and settles gateway callbacks exactly once.
type CheckoutService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	Dispatch(ctx context.Context, orderNumber string, opts DispatchOptions) (DispatchResult, error)
	Settle(ctx context.Context, cmd SettleCommand) (SettleResult, error)
	Cancel(ctx context.Context, orderNumber string) (Order, error)
	HandleVNPayReturn(ctx context.Context, params url.Values, sess SessionStore) (SettleResult, error)
	HandleVNPayIPN(ctx context.Context, params url.Values) (SettleResult, error)
	HandlePayPalReturn(ctx context.Context, token string, sess SessionStore) (SettleResult, error)
	HandlePayPalCancel(ctx context.Context, sess SessionStore) (Order, error)
	Reconcile(ctx context.Context, orderNumber string) (ReconcileResult, error)
}

// OrderService exposes a customer's order history.
type OrderService interface {
	ListOrders(ctx context.Context, userID string, limit int) ([]Order, error)
	GetOrder(ctx context.Context, userID, orderNumber string) (Order, error)
}

// SystemService reports health information for operational endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderEventPublisher emits order lifecycle events to the message bus.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderMailer sends customer notifications.
type OrderMailer interface {
	SendOrderConfirmation(ctx context.Context, msg OrderConfirmation) error
}

// CheckoutMetrics records checkout and settlement outcomes.
type CheckoutMetrics interface {
	RecordCheckout(gateway string)
	RecordSettlement(gateway, outcome string)
	RecordStockShortfall()
}

const (
	EventOrderCreated  = "order.created"
	EventOrderPaid     = "order.paid"
	EventOrderCanceled = "order.canceled"
)

// OrderEvent is the payload published on order state changes.
type OrderEvent struct {
	EventID       string    `json:"eventId"`
	Type          string    `json:"type"`
	OrderID       string    `json:"orderId"`
	OrderNumber   string    `json:"orderNumber"`
	UserID        string    `json:"userId"`
	Status        string    `json:"status"`
	PaymentMethod string    `json:"paymentMethod"`
	Total         string    `json:"total"`
	TransactionID string    `json:"transactionId,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// OrderConfirmation is the rendered-independent content of a confirmation mail.
type OrderConfirmation struct {
	To          string
	Name        string
	OrderNumber string
	Total       string
	Currency    string
	Lines       []OrderConfirmationLine
}

// OrderConfirmationLine is one purchased product.
type OrderConfirmationLine struct {
	Name     string
	Quantity int
	Price    string
}

// CartSummaryLine is a priced cart line with catalog data.
type CartSummaryLine struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
	InStock   int
}

// CartSummary is the cart view with totals and the applied coupon, if any.
type CartSummary struct {
	Lines   []CartSummaryLine
	Count   int
	Pricing PricingBreakdown
	Coupon  *AppliedDiscount
}

// MergeResult reports what a session to user cart merge did.
type MergeResult struct {
	Merged  int
	Skipped int
}

// CouponPreview is returned by apply/remove coupon.
type CouponPreview struct {
	Code        string
	Description string
	Discount    decimal.Decimal
	Pricing     PricingBreakdown
}

// CreateCouponCommand is the admin write path for coupons.
type CreateCouponCommand struct {
	Code           string
	Description    string
	DiscountType   domain.DiscountType
	DiscountValue  decimal.Decimal
	MaxDiscount    *decimal.Decimal
	MinOrderValue  decimal.Decimal
	MaxUses        *int
	MaxUsesPerUser *int
	ValidFrom      time.Time
	ValidUntil     time.Time
	Active         bool
}

// ShippingInput is the customer-entered delivery address.
type ShippingInput struct {
	FullName      string `validate:"required,max=100"`
	Email         string `validate:"required,email,max=254"`
	Phone         string `validate:"omitempty,phone"`
	Address1      string `validate:"required,max=255"`
	Address2      string `validate:"max=255"`
	City          string `validate:"required,max=100"`
	StateProvince string `validate:"max=100"`
	Zipcode       string `validate:"required,zipcode,max=20"`
	Country       string `validate:"required,max=100"`
}

// CreateOrderCommand carries what checkout needs to freeze an order.
type CreateOrderCommand struct {
	UserID        string
	Session       SessionStore
	Shipping      ShippingInput
	PaymentMethod PaymentMethod
	ClientIP      string
}

// DispatchOptions customises the gateway redirect.
type DispatchOptions struct {
	// UserID, when set, must own the order; other users see it as not found.
	UserID    string
	ReturnURL string
	CancelURL string
	ClientIP  string
}

// DispatchResult is where the customer goes to pay.
type DispatchResult struct {
	OrderNumber string
	RedirectURL string
	Reference   string
}

// SettleCommand is a normalised payment outcome for one order.
type SettleCommand struct {
	OrderNumber      string
	PaymentReference string
	TransactionID    string
	Success          bool
	Session          SessionStore
}

// SettleResult describes what settlement did.
type SettleResult struct {
	Order            Order
	AlreadyProcessed bool
	Shortfalls       []InsufficientStockError
}

// ReconcileResult reports the gateway status a reconciliation observed and the resulting order.
type ReconcileResult struct {
	Order         Order
	GatewayStatus string
	Action        string
}
