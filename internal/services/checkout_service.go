package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/payments"
	"github.com/hanko-field/storefront/internal/platform/session"
	"github.com/hanko-field/storefront/internal/repositories"
)

const (
	settlementSucceeded = "succeeded"
	settlementFailed    = "failed"
	settlementDuplicate = "duplicate"
	settlementRejected  = "invalid_signature"

	paypalStatusCompleted = "COMPLETED"
	paypalStatusVoided    = "VOIDED"
)

// gatewayResolver abstracts payments.Registry for easier testing.
type gatewayResolver interface {
	Resolve(name string) (payments.Gateway, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Repositories repositories.Registry
	Carts        CartService
	Coupons      CouponService
	Gateways     gatewayResolver
	Events       OrderEventPublisher
	Mailer       OrderMailer
	Metrics      CheckoutMetrics
	TaxRate      decimal.Decimal
	Currency     string
	Clock        func() time.Time
	Logger       func(ctx context.Context, event string, fields map[string]any)
	OrderNumbers func() string
	IDGenerator  func() string
	// Background runs fire-and-forget work such as confirmation mail. Defaults to a goroutine.
	Background func(func())
}

type checkoutService struct {
	repos        repositories.Registry
	carts        CartService
	coupons      CouponService
	gateways     gatewayResolver
	events       OrderEventPublisher
	mailer       OrderMailer
	metrics      CheckoutMetrics
	taxRate      decimal.Decimal
	currency     string
	now          func() time.Time
	logger       func(ctx context.Context, event string, fields map[string]any)
	orderNumbers func() string
	newID        func() string
	background   func(func())
	sanitizer    *bluemonday.Policy
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Repositories == nil {
		return nil, errors.New("checkout service: repositories are required")
	}
	if deps.Carts == nil || deps.Coupons == nil {
		return nil, errors.New("checkout service: cart and coupon services are required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("checkout service: payment gateways are required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	orderNumbers := deps.OrderNumbers
	if orderNumbers == nil {
		orderNumbers = uuid.NewString
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	background := deps.Background
	if background == nil {
		background = func(fn func()) { go fn() }
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "USD"
	}

	return &checkoutService{
		repos:        deps.Repositories,
		carts:        deps.Carts,
		coupons:      deps.Coupons,
		gateways:     deps.Gateways,
		events:       deps.Events,
		mailer:       deps.Mailer,
		metrics:      deps.Metrics,
		taxRate:      deps.TaxRate,
		currency:     currency,
		now:          func() time.Time { return clock().UTC() },
		logger:       logger,
		orderNumbers: orderNumbers,
		newID:        idGen,
		background:   background,
		sanitizer:    bluemonday.StrictPolicy(),
	}, nil
}

// Create freezes the cart into a pending order. The address, order, items and coupon redemption
// are written in one transaction; the coupon row is locked while its global cap is re-checked.
func (s *checkoutService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, ErrCheckoutInvalidInput
	}
	if !cmd.PaymentMethod.Valid() {
		return Order{}, &ValidationError{Field: "paymentMethod", Message: "must be vnpay or paypal"}
	}
	if _, err := s.gateways.Resolve(string(cmd.PaymentMethod)); err != nil {
		return Order{}, &ValidationError{Field: "paymentMethod", Message: "payment method is not available"}
	}
	address, err := s.normaliseShipping(userID, cmd.Shipping)
	if err != nil {
		return Order{}, err
	}

	store, err := s.carts.StoreFor(userID, cmd.Session)
	if err != nil {
		return Order{}, err
	}
	lines, err := store.Lines(ctx)
	if err != nil {
		return Order{}, err
	}
	if len(lines) == 0 {
		return Order{}, ErrCheckoutCartEmpty
	}
	catalog, err := s.repos.Products().GetMany(ctx, productIDs(lines))
	if err != nil {
		return Order{}, translateRepoError(err, ErrNotFound)
	}

	subtotal := decimal.Zero
	items := make([]OrderItem, 0, len(lines))
	for _, line := range lines {
		product, ok := catalog[line.ProductID]
		if !ok {
			continue
		}
		price := product.UnitPrice()
		subtotal = subtotal.Add(price.Mul(decimal.NewFromInt(int64(line.Quantity))))
		items = append(items, OrderItem{ID: s.newID(), ProductID: product.ID, Quantity: line.Quantity, Price: price})
	}
	if len(items) == 0 {
		return Order{}, ErrCheckoutCartEmpty
	}

	coupon, discount := s.revalidateDiscount(ctx, cmd.Session, userID, subtotal)
	pricing := domain.Price(subtotal, discount, s.taxRate)

	now := s.now()
	order := Order{
		ID:             s.newID(),
		OrderNumber:    s.orderNumbers(),
		UserID:         userID,
		Subtotal:       pricing.Subtotal,
		DiscountAmount: pricing.Discount,
		Tax:            pricing.Tax,
		Total:          pricing.Total,
		Status:         domain.OrderStatusPending,
		PaymentMethod:  cmd.PaymentMethod,
		Items:          items,
		CreatedAt:      now,
	}
	if coupon != nil {
		order.CouponID = coupon.ID
	}

	err = s.repos.RunInTx(ctx, func(ctx context.Context) error {
		saved, err := s.repos.ShippingAddresses().Insert(ctx, address)
		if err != nil {
			return err
		}
		order.ShippingAddressID = saved.ID

		if coupon != nil {
			locked, err := s.repos.Coupons().LockByID(ctx, coupon.ID)
			if err != nil {
				return err
			}
			if limitSet(locked.MaxUses) && locked.CurrentUses >= *locked.MaxUses {
				return &CouponRejection{Reason: CouponReasonUsageLimit, Message: "This coupon has reached its usage limit."}
			}
			// Per-user cap, counted again under the row lock.
			if limitSet(locked.MaxUsesPerUser) {
				used, err := s.repos.Coupons().CountUsage(ctx, locked.ID, userID)
				if err != nil {
					return err
				}
				if used >= *locked.MaxUsesPerUser {
					return &CouponRejection{Reason: CouponReasonUserLimit, Message: "You have already used this coupon the maximum number of times."}
				}
			}
		}

		created, err := s.repos.Orders().Create(ctx, order)
		if err != nil {
			return err
		}
		order = created

		if coupon != nil {
			if err := s.repos.Coupons().IncrementUses(ctx, coupon.ID, now); err != nil {
				return err
			}
			return s.repos.Coupons().InsertUsage(ctx, CouponUsage{
				ID:             s.newID(),
				CouponID:       coupon.ID,
				UserID:         userID,
				OrderID:        order.ID,
				DiscountAmount: pricing.Discount,
				UsedAt:         now,
			})
		}
		return nil
	})
	if err != nil {
		var rejection *CouponRejection
		if errors.As(err, &rejection) {
			return Order{}, err
		}
		s.logger(ctx, "checkout.create_failed", map[string]any{"error": err.Error(), "userId": userID})
		return Order{}, translateRepoError(err, ErrNotFound)
	}

	if cmd.Session != nil {
		if err := cmd.Session.Save(ctx, session.KeyCurrentOrder, order.OrderNumber); err != nil {
			s.logger(ctx, "checkout.session_marker_failed", map[string]any{"error": err.Error(), "orderNumber": order.OrderNumber})
		}
		if err := cmd.Session.Delete(ctx, session.KeyAppliedCoupon); err != nil {
			s.logger(ctx, "checkout.session_coupon_clear_failed", map[string]any{"error": err.Error()})
		}
	}
	if s.metrics != nil {
		s.metrics.RecordCheckout(string(order.PaymentMethod))
	}
	s.publish(ctx, EventOrderCreated, order, "")
	s.logger(ctx, "checkout.order_created", map[string]any{
		"orderNumber":   order.OrderNumber,
		"userId":        userID,
		"total":         order.Total.StringFixed(2),
		"paymentMethod": string(order.PaymentMethod),
	})
	return order, nil
}

// revalidateDiscount re-checks the session's applied coupon against the live subtotal.
// A coupon that vanished is dropped silently; one that no longer validates is dropped with a warning.
func (s *checkoutService) revalidateDiscount(ctx context.Context, sess SessionStore, userID string, subtotal decimal.Decimal) (*Coupon, decimal.Decimal) {
	if sess == nil {
		return nil, decimal.Zero
	}
	var applied AppliedDiscount
	found, err := sess.Load(ctx, session.KeyAppliedCoupon, &applied)
	if err != nil || !found || applied.Code == "" {
		return nil, decimal.Zero
	}

	coupon, err := s.repos.Coupons().FindByCode(ctx, NormalizeCouponCode(applied.Code))
	if err != nil {
		if isRepoNotFound(err) {
			_ = sess.Delete(ctx, session.KeyAppliedCoupon)
		} else {
			s.logger(ctx, "checkout.coupon_lookup_failed", map[string]any{"error": err.Error(), "code": applied.Code})
		}
		return nil, decimal.Zero
	}
	if err := s.coupons.Validate(ctx, coupon, userID, subtotal); err != nil {
		s.logger(ctx, "checkout.coupon_dropped", map[string]any{"code": coupon.Code, "reason": err.Error(), "userId": userID})
		return nil, decimal.Zero
	}
	return &coupon, s.coupons.CalculateDiscount(coupon, subtotal)
}

func (s *checkoutService) normaliseShipping(userID string, in ShippingInput) (ShippingAddress, error) {
	clean := func(v string) string { return strings.TrimSpace(s.sanitizer.Sanitize(strings.TrimSpace(v))) }
	cleaned := ShippingInput{
		FullName:      clean(in.FullName),
		Email:         strings.TrimSpace(in.Email),
		Phone:         strings.TrimSpace(in.Phone),
		Address1:      clean(in.Address1),
		Address2:      clean(in.Address2),
		City:          clean(in.City),
		StateProvince: clean(in.StateProvince),
		Zipcode:       strings.TrimSpace(in.Zipcode),
		Country:       clean(in.Country),
	}
	if err := validateShipping(cleaned); err != nil {
		return ShippingAddress{}, err
	}
	return ShippingAddress{
		UserID:        userID,
		FullName:      cleaned.FullName,
		Email:         cleaned.Email,
		Phone:         cleaned.Phone,
		Address1:      cleaned.Address1,
		Address2:      cleaned.Address2,
		City:          cleaned.City,
		StateProvince: cleaned.StateProvince,
		Zipcode:       cleaned.Zipcode,
		Country:       cleaned.Country,
	}, nil
}

// Dispatch asks the order's gateway for a redirect and stores the gateway reference.
// On gateway failure the order stays pending and Dispatch can be called again.
func (s *checkoutService) Dispatch(ctx context.Context, orderNumber string, opts DispatchOptions) (DispatchResult, error) {
	order, err := s.repos.Orders().FindByNumber(ctx, strings.TrimSpace(orderNumber))
	if err != nil {
		return DispatchResult{}, translateRepoError(err, ErrOrderNotFound)
	}
	if userID := strings.TrimSpace(opts.UserID); userID != "" && order.UserID != userID {
		return DispatchResult{}, ErrOrderNotFound
	}
	if order.Status != domain.OrderStatusPending {
		return DispatchResult{}, &ValidationError{Field: "orderNumber", Message: "order is not awaiting payment"}
	}
	gateway, err := s.gateways.Resolve(string(order.PaymentMethod))
	if err != nil {
		return DispatchResult{}, fmt.Errorf("%w: %w", ErrCheckoutPaymentFailed, err)
	}

	redirect, err := gateway.BuildRedirect(ctx, payments.RedirectRequest{
		OrderNumber: order.OrderNumber,
		Amount:      order.Total,
		Currency:    s.currency,
		ReturnURL:   opts.ReturnURL,
		CancelURL:   opts.CancelURL,
		ClientIP:    opts.ClientIP,
	})
	if err != nil {
		s.logger(ctx, "checkout.dispatch_failed", map[string]any{"orderNumber": order.OrderNumber, "gateway": gateway.Name(), "error": err.Error()})
		return DispatchResult{}, fmt.Errorf("%w: %w", ErrCheckoutPaymentFailed, err)
	}
	if redirect.Reference != "" {
		if err := s.repos.Orders().SetPaymentReference(ctx, order.OrderNumber, redirect.Reference); err != nil {
			return DispatchResult{}, translateRepoError(err, ErrOrderNotFound)
		}
	}
	return DispatchResult{OrderNumber: order.OrderNumber, RedirectURL: redirect.URL, Reference: redirect.Reference}, nil
}

// Settle applies a payment outcome exactly once. The pending to paid compare-and-set, stock
// deduction and cart clearing share one transaction; a repeated or late signal changes nothing.
func (s *checkoutService) Settle(ctx context.Context, cmd SettleCommand) (SettleResult, error) {
	orderNumber := strings.TrimSpace(cmd.OrderNumber)
	if orderNumber == "" {
		reference := strings.TrimSpace(cmd.PaymentReference)
		if reference == "" {
			return SettleResult{}, ErrCheckoutInvalidInput
		}
		order, err := s.repos.Orders().FindByPaymentReference(ctx, reference)
		if err != nil {
			return SettleResult{}, translateRepoError(err, ErrOrderNotFound)
		}
		orderNumber = order.OrderNumber
	}

	if !cmd.Success {
		return s.settleFailure(ctx, orderNumber, cmd.Session)
	}

	var (
		result  SettleResult
		changed bool
	)
	now := s.now()
	err := s.repos.RunInTx(ctx, func(ctx context.Context) error {
		result = SettleResult{}
		order, ok, err := s.repos.Orders().MarkPaid(ctx, orderNumber, cmd.TransactionID, now)
		if err != nil {
			return err
		}
		result.Order, changed = order, ok
		if !ok {
			return nil
		}
		for _, item := range order.Items {
			deducted, err := s.repos.Products().DecrementStock(ctx, item.ProductID, item.Quantity)
			if err != nil {
				return err
			}
			if !deducted {
				result.Shortfalls = append(result.Shortfalls, InsufficientStockError{ProductID: item.ProductID, Requested: item.Quantity})
			}
		}
		return s.repos.Carts().Clear(ctx, order.UserID)
	})
	if err != nil {
		s.logger(ctx, "checkout.settle_failed", map[string]any{"orderNumber": orderNumber, "error": err.Error()})
		return SettleResult{}, translateRepoError(err, ErrOrderNotFound)
	}

	gateway := string(result.Order.PaymentMethod)
	if !changed {
		result.AlreadyProcessed = true
		s.recordSettlement(gateway, settlementDuplicate)
		s.logger(ctx, "checkout.settle_duplicate", map[string]any{"orderNumber": orderNumber, "status": string(result.Order.Status)})
		return result, nil
	}

	for _, shortfall := range result.Shortfalls {
		if s.metrics != nil {
			s.metrics.RecordStockShortfall()
		}
		s.logger(ctx, "checkout.stock_shortfall", map[string]any{
			"orderNumber": orderNumber,
			"productId":   shortfall.ProductID,
			"requested":   shortfall.Requested,
		})
	}
	if cmd.Session != nil {
		if err := cmd.Session.Delete(ctx, session.KeyCart, session.KeyCurrentOrder); err != nil {
			s.logger(ctx, "checkout.session_clear_failed", map[string]any{"error": err.Error(), "orderNumber": orderNumber})
		}
	}
	s.recordSettlement(gateway, settlementSucceeded)
	s.publish(ctx, EventOrderPaid, result.Order, cmd.TransactionID)
	s.sendConfirmation(ctx, result.Order)
	s.logger(ctx, "checkout.order_paid", map[string]any{"orderNumber": orderNumber, "transactionId": cmd.TransactionID})
	return result, nil
}

func (s *checkoutService) settleFailure(ctx context.Context, orderNumber string, sess SessionStore) (SettleResult, error) {
	order, changed, err := s.repos.Orders().MarkCanceled(ctx, orderNumber, s.now())
	if err != nil {
		return SettleResult{}, translateRepoError(err, ErrOrderNotFound)
	}
	gateway := string(order.PaymentMethod)
	if !changed {
		s.recordSettlement(gateway, settlementDuplicate)
		return SettleResult{Order: order, AlreadyProcessed: true}, nil
	}
	if sess != nil {
		_ = sess.Delete(ctx, session.KeyCurrentOrder)
	}
	s.recordSettlement(gateway, settlementFailed)
	s.publish(ctx, EventOrderCanceled, order, "")
	s.logger(ctx, "checkout.order_canceled", map[string]any{"orderNumber": orderNumber, "reason": "payment_failed"})
	return SettleResult{Order: order}, nil
}

// Cancel moves a pending order to canceled. Paid or already canceled orders are returned unchanged.
func (s *checkoutService) Cancel(ctx context.Context, orderNumber string) (Order, error) {
	order, changed, err := s.repos.Orders().MarkCanceled(ctx, strings.TrimSpace(orderNumber), s.now())
	if err != nil {
		return Order{}, translateRepoError(err, ErrOrderNotFound)
	}
	if changed {
		s.publish(ctx, EventOrderCanceled, order, "")
		s.logger(ctx, "checkout.order_canceled", map[string]any{"orderNumber": order.OrderNumber, "reason": "customer"})
	}
	return order, nil
}

func (s *checkoutService) HandleVNPayReturn(ctx context.Context, params url.Values, sess SessionStore) (SettleResult, error) {
	return s.handleVNPay(ctx, params, sess, "return")
}

func (s *checkoutService) HandleVNPayIPN(ctx context.Context, params url.Values) (SettleResult, error) {
	return s.handleVNPay(ctx, params, nil, "ipn")
}

func (s *checkoutService) handleVNPay(ctx context.Context, params url.Values, sess SessionStore, channel string) (SettleResult, error) {
	gateway, err := s.gateways.Resolve(string(domain.PaymentMethodVNPay))
	if err != nil {
		return SettleResult{}, err
	}
	outcome, err := gateway.ProcessCallback(ctx, payments.Callback{Params: params})
	if err != nil {
		if errors.Is(err, payments.ErrSignature) {
			s.recordSettlement(gateway.Name(), settlementRejected)
			s.logger(ctx, "payment.signature_invalid", map[string]any{
				"gateway": gateway.Name(),
				"channel": channel,
				"txnRef":  params.Get("vnp_TxnRef"),
			})
		}
		return SettleResult{}, err
	}

	if _, err := s.repos.Orders().FindByNumber(ctx, outcome.OrderNumber); err != nil {
		return SettleResult{}, translateRepoError(err, ErrOrderNotFound)
	}
	return s.Settle(ctx, SettleCommand{
		OrderNumber:   outcome.OrderNumber,
		TransactionID: outcome.TransactionID,
		Success:       outcome.Status == payments.StatusSucceeded,
		Session:       sess,
	})
}

// HandlePayPalReturn captures the approved PayPal order named by token and settles it.
// An order that is no longer pending is returned without capturing.
func (s *checkoutService) HandlePayPalReturn(ctx context.Context, token string, sess SessionStore) (SettleResult, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return SettleResult{}, &ValidationError{Field: "token", Message: "is required"}
	}
	order, err := s.repos.Orders().FindByPaymentReference(ctx, token)
	if err != nil {
		return SettleResult{}, translateRepoError(err, ErrOrderNotFound)
	}
	if order.Status != domain.OrderStatusPending {
		return SettleResult{Order: order, AlreadyProcessed: true}, nil
	}

	gateway, err := s.gateways.Resolve(string(domain.PaymentMethodPayPal))
	if err != nil {
		return SettleResult{}, err
	}
	outcome, err := gateway.ProcessCallback(ctx, payments.Callback{Reference: token})
	if err != nil {
		// A concurrent return may have captured and settled the order first.
		if current, findErr := s.repos.Orders().FindByNumber(ctx, order.OrderNumber); findErr == nil && current.Status != domain.OrderStatusPending {
			s.logger(ctx, "checkout.capture_raced", map[string]any{"orderNumber": order.OrderNumber, "status": string(current.Status)})
			return SettleResult{Order: current, AlreadyProcessed: true}, nil
		}
		s.logger(ctx, "checkout.capture_failed", map[string]any{"orderNumber": order.OrderNumber, "error": err.Error()})
		return SettleResult{}, fmt.Errorf("%w: %w", ErrCheckoutPaymentFailed, err)
	}
	return s.Settle(ctx, SettleCommand{
		OrderNumber:   order.OrderNumber,
		TransactionID: outcome.TransactionID,
		Success:       outcome.Status == payments.StatusSucceeded,
		Session:       sess,
	})
}

// HandlePayPalCancel cancels the order recorded in the session's current_order marker.
func (s *checkoutService) HandlePayPalCancel(ctx context.Context, sess SessionStore) (Order, error) {
	if sess == nil {
		return Order{}, ErrCartSessionRequired
	}
	var orderNumber string
	found, err := sess.Load(ctx, session.KeyCurrentOrder, &orderNumber)
	if err != nil {
		return Order{}, errors.Join(ErrUnavailable, err)
	}
	if !found || orderNumber == "" {
		return Order{}, ErrOrderNotFound
	}
	order, err := s.Cancel(ctx, orderNumber)
	if err != nil {
		return Order{}, err
	}
	if err := sess.Delete(ctx, session.KeyCurrentOrder); err != nil {
		s.logger(ctx, "checkout.session_marker_clear_failed", map[string]any{"error": err.Error()})
	}
	return order, nil
}

// Reconcile re-reads a pending PayPal order from the gateway. COMPLETED settles without capturing,
// VOIDED cancels, anything else is left alone.
func (s *checkoutService) Reconcile(ctx context.Context, orderNumber string) (ReconcileResult, error) {
	order, err := s.repos.Orders().FindByNumber(ctx, strings.TrimSpace(orderNumber))
	if err != nil {
		return ReconcileResult{}, translateRepoError(err, ErrOrderNotFound)
	}
	if order.PaymentMethod != domain.PaymentMethodPayPal {
		return ReconcileResult{}, &ValidationError{Field: "orderNumber", Message: "only paypal orders can be reconciled"}
	}
	if order.Status != domain.OrderStatusPending {
		return ReconcileResult{Order: order, Action: "none"}, nil
	}
	if order.PaymentReference == "" {
		return ReconcileResult{}, &ValidationError{Field: "orderNumber", Message: "order was never dispatched"}
	}

	gateway, err := s.gateways.Resolve(string(order.PaymentMethod))
	if err != nil {
		return ReconcileResult{}, err
	}
	inspector, ok := gateway.(payments.OrderInspector)
	if !ok {
		return ReconcileResult{}, fmt.Errorf("%w: gateway %s cannot look up orders", ErrCheckoutPaymentFailed, gateway.Name())
	}
	details, err := inspector.LookupOrder(ctx, order.PaymentReference)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("%w: %w", ErrCheckoutPaymentFailed, err)
	}

	result := ReconcileResult{Order: order, GatewayStatus: details.Status, Action: "none"}
	switch details.Status {
	case paypalStatusCompleted:
		txID := details.TransactionID
		if txID == "" {
			txID = order.PaymentReference
		}
		settled, err := s.Settle(ctx, SettleCommand{OrderNumber: order.OrderNumber, TransactionID: txID, Success: true})
		if err != nil {
			return ReconcileResult{}, err
		}
		result.Order, result.Action = settled.Order, "settled"
	case paypalStatusVoided:
		canceled, err := s.Cancel(ctx, order.OrderNumber)
		if err != nil {
			return ReconcileResult{}, err
		}
		result.Order, result.Action = canceled, "canceled"
	}
	s.logger(ctx, "checkout.reconciled", map[string]any{"orderNumber": order.OrderNumber, "gatewayStatus": details.Status, "action": result.Action})
	return result, nil
}

func (s *checkoutService) recordSettlement(gateway, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordSettlement(gateway, outcome)
	}
}

func (s *checkoutService) publish(ctx context.Context, eventType string, order Order, txID string) {
	if s.events == nil {
		return
	}
	event := OrderEvent{
		EventID:       s.newID(),
		Type:          eventType,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Status:        string(order.Status),
		PaymentMethod: string(order.PaymentMethod),
		Total:         order.Total.StringFixed(2),
		TransactionID: txID,
		OccurredAt:    s.now(),
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "checkout.event_publish_failed", map[string]any{"type": eventType, "orderNumber": order.OrderNumber, "error": err.Error()})
	}
}

// sendConfirmation mails the receipt in the background; failures are only logged.
func (s *checkoutService) sendConfirmation(ctx context.Context, order Order) {
	if s.mailer == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.background(func() {
		address, err := s.repos.ShippingAddresses().FindByID(ctx, order.ShippingAddressID)
		if err != nil {
			s.logger(ctx, "checkout.confirmation_skipped", map[string]any{"orderNumber": order.OrderNumber, "error": err.Error()})
			return
		}
		ids := make([]string, 0, len(order.Items))
		for _, item := range order.Items {
			ids = append(ids, item.ProductID)
		}
		catalog, err := s.repos.Products().GetMany(ctx, ids)
		if err != nil {
			catalog = map[string]Product{}
		}

		msg := OrderConfirmation{
			To:          address.Email,
			Name:        address.FullName,
			OrderNumber: order.OrderNumber,
			Total:       order.Total.StringFixed(2),
			Currency:    s.currency,
		}
		for _, item := range order.Items {
			name := item.ProductID
			if product, ok := catalog[item.ProductID]; ok {
				name = product.Name
			}
			msg.Lines = append(msg.Lines, OrderConfirmationLine{Name: name, Quantity: item.Quantity, Price: item.Price.StringFixed(2)})
		}
		if err := s.mailer.SendOrderConfirmation(ctx, msg); err != nil {
			s.logger(ctx, "checkout.confirmation_failed", map[string]any{"orderNumber": order.OrderNumber, "error": err.Error()})
		}
	})
}
