package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog view consumed by the cart and checkout flows.
type Product struct {
	ID        string
	Name      string
	Price     decimal.Decimal
	SalePrice decimal.Decimal
	IsSale    bool
	Stock     int
}

// UnitPrice returns the price a customer pays right now.
func (p Product) UnitPrice() decimal.Decimal {
	if p.IsSale {
		return p.SalePrice
	}
	return p.Price
}

// CartLine is a single product entry in a guest or user cart.
type CartLine struct {
	ProductID string          `json:"productId"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
	AddedAt   time.Time       `json:"addedAt"`
}

// PricedCartLine joins a cart line with live catalog data.
type PricedCartLine struct {
	Line    CartLine
	Product Product
	Amount  decimal.Decimal
}

// DiscountType enumerates supported coupon discount calculations.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed subtracts a fixed amount.
	DiscountFixed DiscountType = "fixed"
)

// Coupon describes a redeemable discount code.
type Coupon struct {
	ID             string
	Code           string
	Description    string
	DiscountType   DiscountType
	DiscountValue  decimal.Decimal
	MaxDiscount    *decimal.Decimal
	MinOrderValue  decimal.Decimal
	MaxUses        *int
	MaxUsesPerUser *int
	CurrentUses    int
	ValidFrom      time.Time
	ValidUntil     time.Time
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CouponUsage is an append-only redemption record.
type CouponUsage struct {
	ID             string
	CouponID       string
	UserID         string
	OrderID        string
	DiscountAmount decimal.Decimal
	UsedAt         time.Time
}

// AppliedDiscount is the short-lived coupon selection carried in the checkout session.
// It is re-validated before an order is created.
type AppliedDiscount struct {
	Code          string          `json:"code"`
	CouponID      string          `json:"couponId"`
	Discount      decimal.Decimal `json:"discount"`
	DiscountType  DiscountType    `json:"discountType"`
	DiscountValue decimal.Decimal `json:"discountValue"`
	AppliedAt     time.Time       `json:"appliedAt"`
}

// OrderStatus enumerates order lifecycle states.
type OrderStatus string

const (
	// OrderStatusPending indicates the order awaits payment.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid indicates payment settled.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusProcessing indicates fulfilment has started.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the parcel left the warehouse.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusCompleted indicates the order was delivered.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCanceled indicates the order will not be fulfilled.
	OrderStatusCanceled OrderStatus = "canceled"
)

// PaymentMethod names the gateway an order is paid through.
type PaymentMethod string

const (
	PaymentMethodVNPay  PaymentMethod = "vnpay"
	PaymentMethodPayPal PaymentMethod = "paypal"
)

// Valid reports whether the payment method is supported.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodVNPay, PaymentMethodPayPal:
		return true
	default:
		return false
	}
}

// Order is the immutable financial record created at checkout.
type Order struct {
	ID                   string
	OrderNumber          string
	UserID               string
	ShippingAddressID    string
	Subtotal             decimal.Decimal
	DiscountAmount       decimal.Decimal
	Tax                  decimal.Decimal
	Total                decimal.Decimal
	Status               OrderStatus
	PaymentMethod        PaymentMethod
	PaymentReference     string
	PaymentTransactionID string
	CouponID             string
	Items                []OrderItem
	CreatedAt            time.Time
	PaidAt               *time.Time
	CanceledAt           *time.Time
}

// OrderItem snapshots the unit price paid for a product.
type OrderItem struct {
	ID        string
	OrderID   string
	ProductID string
	Quantity  int
	Price     decimal.Decimal
}

// ShippingAddress is the delivery address captured at checkout.
type ShippingAddress struct {
	ID            string
	UserID        string
	FullName      string
	Email         string
	Phone         string
	Address1      string
	Address2      string
	City          string
	StateProvince string
	Zipcode       string
	Country       string
}
