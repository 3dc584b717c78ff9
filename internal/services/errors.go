package services

import (
	"errors"
	"fmt"

	"github.com/hanko-field/storefront/internal/repositories"
)

var (
	// ErrValidation marks caller errors that map to 400/422.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks missing resources.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable indicates a backing store could not be reached.
	ErrUnavailable = errors.New("service unavailable")

	// ErrCheckoutCartEmpty is returned when checkout is attempted with no cart lines.
	ErrCheckoutCartEmpty = fmt.Errorf("checkout: cart is empty: %w", ErrValidation)
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = fmt.Errorf("checkout: invalid input: %w", ErrValidation)
	// ErrCheckoutPaymentFailed indicates the gateway redirect could not be created.
	ErrCheckoutPaymentFailed = errors.New("checkout: payment failed")
	// ErrOrderNotFound indicates no order matched the number or gateway reference.
	ErrOrderNotFound = fmt.Errorf("order: %w", ErrNotFound)
	// ErrCouponNotFound indicates no coupon exists for the code.
	ErrCouponNotFound = fmt.Errorf("coupon: %w", ErrNotFound)
)

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Is reports ErrValidation equivalence.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// Is reports ErrNotFound equivalence.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Coupon rejection reasons, in evaluation order.
const (
	CouponReasonInactive     = "inactive"
	CouponReasonNotYetValid  = "not_yet_valid"
	CouponReasonExpired      = "expired"
	CouponReasonUsageLimit   = "usage_limit"
	CouponReasonUserLimit    = "per_user_limit"
	CouponReasonMinimumOrder = "minimum_order"
)

// CouponRejection is the first validation rule a coupon failed.
type CouponRejection struct {
	Reason  string
	Message string
}

func (e *CouponRejection) Error() string { return e.Message }

// Is reports ErrValidation equivalence.
func (e *CouponRejection) Is(target error) bool { return target == ErrValidation }

// InsufficientStockError records a settled line whose stock could not be deducted. It is
// collected, not returned: the customer already paid.
type InsufficientStockError struct {
	ProductID string
	Requested int
}

func (e InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s (requested %d)", e.ProductID, e.Requested)
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepoUnavailable(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// translateRepoError maps persistence failures onto service sentinels.
func translateRepoError(err error, notFound error) error {
	switch {
	case err == nil:
		return nil
	case isRepoNotFound(err):
		return notFound
	case isRepoUnavailable(err):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}
