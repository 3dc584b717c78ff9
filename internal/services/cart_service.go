package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/session"
	"github.com/hanko-field/storefront/internal/repositories"
)

var (
	errCartRepositoryRequired = errors.New("cart service: repositories are required")
	// ErrCartSessionRequired indicates a guest request arrived without a session.
	ErrCartSessionRequired = errors.New("cart service: session is required")
)

// CartServiceDeps wires the repositories and pricing parameters for cart operations.
type CartServiceDeps struct {
	Repositories repositories.Registry
	TaxRate      decimal.Decimal
	Clock        func() time.Time
	Logger       func(context.Context, string, map[string]any)
}

type cartService struct {
	repos   repositories.Registry
	taxRate decimal.Decimal
	now     func() time.Time
	logger  func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Repositories == nil {
		return nil, errCartRepositoryRequired
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &cartService{
		repos:   deps.Repositories,
		taxRate: deps.TaxRate,
		now:     func() time.Time { return clock().UTC() },
		logger:  logger,
	}, nil
}

// StoreFor picks the user's database cart when authenticated and the session cart otherwise.
func (s *cartService) StoreFor(userID string, sess SessionStore) (CartStore, error) {
	if userID = strings.TrimSpace(userID); userID != "" {
		return &userCartStore{userID: userID, carts: s.repos.Carts(), products: s.repos.Products(), now: s.now}, nil
	}
	if sess == nil {
		return nil, ErrCartSessionRequired
	}
	return &sessionCartStore{sess: sess, products: s.repos.Products(), now: s.now}, nil
}

// CheckAvailability rejects quantities below one or above the product's current stock.
func (s *cartService) CheckAvailability(ctx context.Context, productID string, qty int) error {
	if err := validateQuantity(qty); err != nil {
		return err
	}
	product, err := s.repos.Products().Get(ctx, productID)
	if err != nil {
		return translateRepoError(err, &NotFoundError{Resource: "product", ID: productID})
	}
	if qty > product.Stock {
		return &ValidationError{Field: "quantity", Message: fmt.Sprintf("only %d in stock", product.Stock)}
	}
	return nil
}

// Summary prices the cart against live catalog data and applies the session's coupon, if any.
func (s *cartService) Summary(ctx context.Context, store CartStore, sess SessionStore) (CartSummary, error) {
	lines, err := store.Lines(ctx)
	if err != nil {
		return CartSummary{}, err
	}
	products, err := s.repos.Products().GetMany(ctx, productIDs(lines))
	if err != nil {
		return CartSummary{}, translateRepoError(err, ErrNotFound)
	}

	summary := CartSummary{Lines: make([]CartSummaryLine, 0, len(lines)), Count: len(lines)}
	subtotal := decimal.Zero
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok {
			continue
		}
		amount := product.UnitPrice().Mul(decimal.NewFromInt(int64(line.Quantity)))
		subtotal = subtotal.Add(amount)
		summary.Lines = append(summary.Lines, CartSummaryLine{
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  line.Quantity,
			UnitPrice: product.UnitPrice(),
			LineTotal: domain.RoundMoney(amount),
			InStock:   product.Stock,
		})
	}

	discount := decimal.Zero
	if sess != nil {
		var applied AppliedDiscount
		found, err := sess.Load(ctx, session.KeyAppliedCoupon, &applied)
		if err != nil {
			s.logger(ctx, "cart.applied_coupon_load_failed", map[string]any{"error": err.Error()})
		} else if found {
			summary.Coupon = &applied
			discount = applied.Discount
		}
	}
	summary.Pricing = domain.Price(subtotal, discount, s.taxRate)
	return summary, nil
}

// Merge folds the guest session cart into the user's cart, summing quantities for products
// already present. Unknown products are skipped. The session cart is cleared once the merge commits.
func (s *cartService) Merge(ctx context.Context, sess SessionStore, userID string) (MergeResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return MergeResult{}, &ValidationError{Field: "userId", Message: "is required"}
	}
	if sess == nil {
		return MergeResult{}, ErrCartSessionRequired
	}

	guest := &sessionCartStore{sess: sess, products: s.repos.Products(), now: s.now}
	guestLines, err := guest.Lines(ctx)
	if err != nil {
		return MergeResult{}, err
	}
	if len(guestLines) == 0 {
		return MergeResult{}, nil
	}

	var result MergeResult
	err = s.repos.RunInTx(ctx, func(ctx context.Context) error {
		products, err := s.repos.Products().GetMany(ctx, productIDs(guestLines))
		if err != nil {
			return err
		}
		existing, err := s.repos.Carts().Lines(ctx, userID)
		if err != nil {
			return err
		}
		current := make(map[string]CartLine, len(existing))
		for _, line := range existing {
			current[line.ProductID] = line
		}

		for _, line := range guestLines {
			if _, ok := products[line.ProductID]; !ok {
				result.Skipped++
				continue
			}
			merged := line
			if prev, ok := current[line.ProductID]; ok {
				merged = prev
				merged.Quantity += line.Quantity
			}
			if err := s.repos.Carts().Upsert(ctx, userID, merged); err != nil {
				return err
			}
			result.Merged++
		}
		return nil
	})
	if err != nil {
		return MergeResult{}, translateRepoError(err, ErrNotFound)
	}

	if err := guest.Clear(ctx); err != nil {
		s.logger(ctx, "cart.merge_session_clear_failed", map[string]any{"error": err.Error(), "userId": userID})
	}
	s.logger(ctx, "cart.merged", map[string]any{"userId": userID, "merged": result.Merged, "skipped": result.Skipped})
	return result, nil
}

func productIDs(lines []CartLine) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}

func liveTotal(ctx context.Context, products repositories.ProductRepository, lines []CartLine) (decimal.Decimal, error) {
	if len(lines) == 0 {
		return decimal.Zero, nil
	}
	catalog, err := products.GetMany(ctx, productIDs(lines))
	if err != nil {
		return decimal.Zero, translateRepoError(err, ErrNotFound)
	}
	total := decimal.Zero
	for _, line := range lines {
		if product, ok := catalog[line.ProductID]; ok {
			total = total.Add(product.UnitPrice().Mul(decimal.NewFromInt(int64(line.Quantity))))
		}
	}
	return total, nil
}

func validateQuantity(qty int) error {
	if qty < 1 {
		return &ValidationError{Field: "quantity", Message: "must be at least 1"}
	}
	return nil
}

func snapshotLine(ctx context.Context, products repositories.ProductRepository, productID string, qty int, now time.Time) (CartLine, error) {
	product, err := products.Get(ctx, productID)
	if err != nil {
		return CartLine{}, translateRepoError(err, &NotFoundError{Resource: "product", ID: productID})
	}
	return CartLine{ProductID: product.ID, UnitPrice: product.UnitPrice(), Quantity: qty, AddedAt: now}, nil
}

// sessionCartStore keeps the guest cart as a JSON list in the session.
type sessionCartStore struct {
	sess     SessionStore
	products repositories.ProductRepository
	now      func() time.Time
}

func (c *sessionCartStore) Lines(ctx context.Context) ([]CartLine, error) {
	var lines []CartLine
	if _, err := c.sess.Load(ctx, session.KeyCart, &lines); err != nil {
		return nil, fmt.Errorf("%w: load session cart: %v", ErrUnavailable, err)
	}
	if lines == nil {
		lines = []CartLine{}
	}
	return lines, nil
}

func (c *sessionCartStore) save(ctx context.Context, lines []CartLine) error {
	if len(lines) == 0 {
		return c.Clear(ctx)
	}
	if err := c.sess.Save(ctx, session.KeyCart, lines); err != nil {
		return fmt.Errorf("%w: save session cart: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *sessionCartStore) Add(ctx context.Context, productID string, qty int) error {
	lines, err := c.Lines(ctx)
	if err != nil {
		return err
	}
	for i := range lines {
		if lines[i].ProductID == productID {
			if lines[i].Quantity+qty <= 0 {
				return &ValidationError{Field: "quantity", Message: "resulting quantity must be positive"}
			}
			lines[i].Quantity += qty
			return c.save(ctx, lines)
		}
	}
	if err := validateQuantity(qty); err != nil {
		return err
	}
	line, err := snapshotLine(ctx, c.products, productID, qty, c.now())
	if err != nil {
		return err
	}
	return c.save(ctx, append(lines, line))
}

func (c *sessionCartStore) Update(ctx context.Context, productID string, qty int) error {
	if err := validateQuantity(qty); err != nil {
		return err
	}
	lines, err := c.Lines(ctx)
	if err != nil {
		return err
	}
	for i := range lines {
		if lines[i].ProductID == productID {
			lines[i].Quantity = qty
			return c.save(ctx, lines)
		}
	}
	return &NotFoundError{Resource: "cart line", ID: productID}
}

func (c *sessionCartStore) Delete(ctx context.Context, productID string) (bool, error) {
	lines, err := c.Lines(ctx)
	if err != nil {
		return false, err
	}
	for i := range lines {
		if lines[i].ProductID == productID {
			return true, c.save(ctx, append(lines[:i], lines[i+1:]...))
		}
	}
	return false, nil
}

func (c *sessionCartStore) Total(ctx context.Context) (decimal.Decimal, error) {
	lines, err := c.Lines(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return liveTotal(ctx, c.products, lines)
}

func (c *sessionCartStore) Count(ctx context.Context) (int, error) {
	lines, err := c.Lines(ctx)
	return len(lines), err
}

func (c *sessionCartStore) Clear(ctx context.Context) error {
	if err := c.sess.Delete(ctx, session.KeyCart); err != nil {
		return fmt.Errorf("%w: clear session cart: %v", ErrUnavailable, err)
	}
	return nil
}

// userCartStore keeps an authenticated user's cart in cart_items.
type userCartStore struct {
	userID   string
	carts    repositories.CartRepository
	products repositories.ProductRepository
	now      func() time.Time
}

func (c *userCartStore) Lines(ctx context.Context) ([]CartLine, error) {
	lines, err := c.carts.Lines(ctx, c.userID)
	if err != nil {
		return nil, translateRepoError(err, ErrNotFound)
	}
	return lines, nil
}

func (c *userCartStore) find(ctx context.Context, productID string) (CartLine, bool, error) {
	lines, err := c.Lines(ctx)
	if err != nil {
		return CartLine{}, false, err
	}
	for _, line := range lines {
		if line.ProductID == productID {
			return line, true, nil
		}
	}
	return CartLine{}, false, nil
}

func (c *userCartStore) Add(ctx context.Context, productID string, qty int) error {
	line, ok, err := c.find(ctx, productID)
	if err != nil {
		return err
	}
	if ok {
		if line.Quantity+qty <= 0 {
			return &ValidationError{Field: "quantity", Message: "resulting quantity must be positive"}
		}
		line.Quantity += qty
	} else {
		if err := validateQuantity(qty); err != nil {
			return err
		}
		if line, err = snapshotLine(ctx, c.products, productID, qty, c.now()); err != nil {
			return err
		}
	}
	return translateRepoError(c.carts.Upsert(ctx, c.userID, line), ErrNotFound)
}

func (c *userCartStore) Update(ctx context.Context, productID string, qty int) error {
	if err := validateQuantity(qty); err != nil {
		return err
	}
	line, ok, err := c.find(ctx, productID)
	if err != nil {
		return err
	}
	if !ok {
		return &NotFoundError{Resource: "cart line", ID: productID}
	}
	line.Quantity = qty
	return translateRepoError(c.carts.Upsert(ctx, c.userID, line), ErrNotFound)
}

func (c *userCartStore) Delete(ctx context.Context, productID string) (bool, error) {
	removed, err := c.carts.Delete(ctx, c.userID, productID)
	return removed, translateRepoError(err, ErrNotFound)
}

func (c *userCartStore) Total(ctx context.Context) (decimal.Decimal, error) {
	lines, err := c.Lines(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return liveTotal(ctx, c.products, lines)
}

func (c *userCartStore) Count(ctx context.Context) (int, error) {
	lines, err := c.Lines(ctx)
	return len(lines), err
}

func (c *userCartStore) Clear(ctx context.Context) error {
	return translateRepoError(c.carts.Clear(ctx, c.userID), ErrNotFound)
}
