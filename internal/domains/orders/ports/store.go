package ports

import (
	"context"
	"errors"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
)

var (
	ErrNotFound = errors.New("order not found")
	// ErrConflict signals the store rejected a status transition.
	ErrConflict = errors.New("order status transition rejected")
)

// OrderStore is the remote, multi-writer order table.
type OrderStore interface {
	// FetchOrders returns every order matching the filter. Callers must not rely on ordering.
	FetchOrders(ctx context.Context, filter domain.FetchFilter) ([]*domain.Order, error)
	UpdateStatus(ctx context.Context, orderID string, status domain.Status) error
}
