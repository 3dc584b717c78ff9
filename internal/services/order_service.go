package services

import (
	"context"
	"errors"
	"strings"

	"github.com/hanko-field/storefront/internal/repositories"
)

const (
	defaultOrderListLimit = 20
	maxOrderListLimit     = 100
)

// OrderServiceDeps bundles the collaborators required by the order history service.
type OrderServiceDeps struct {
	Orders repositories.OrderRepository
}

type orderService struct {
	orders repositories.OrderRepository
}

var _ OrderService = (*orderService)(nil)

// NewOrderService constructs the read side of the order lifecycle.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	return &orderService{orders: deps.Orders}, nil
}

// ListOrders returns the user's orders, newest first.
func (s *orderService) ListOrders(ctx context.Context, userID string, limit int) ([]Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, &ValidationError{Field: "userId", Message: "is required"}
	}
	switch {
	case limit <= 0:
		limit = defaultOrderListLimit
	case limit > maxOrderListLimit:
		limit = maxOrderListLimit
	}
	orders, err := s.orders.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, translateRepoError(err, ErrOrderNotFound)
	}
	return orders, nil
}

// GetOrder returns one order owned by userID. Orders of other users are reported as missing.
func (s *orderService) GetOrder(ctx context.Context, userID, orderNumber string) (Order, error) {
	userID = strings.TrimSpace(userID)
	orderNumber = strings.TrimSpace(orderNumber)
	if userID == "" || orderNumber == "" {
		return Order{}, ErrOrderNotFound
	}
	order, err := s.orders.FindByNumber(ctx, orderNumber)
	if err != nil {
		return Order{}, translateRepoError(err, ErrOrderNotFound)
	}
	if order.UserID != userID {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}
