package orders

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
)

// PromoteOrderActivityName moves a scheduled order to received.
const PromoteOrderActivityName = "orders.activities.PromoteOrder"

// PromoteOrderInput identifies the order to promote.
type PromoteOrderInput struct {
	OrderID string
	StoreID int64
}

// Activities groups activities that operate on the orders context.
type Activities struct {
	store ports.OrderStore
}

func NewActivities(store ports.OrderStore) *Activities {
	return &Activities{store: store}
}

// PromoteOrder asks the store to move the order to received. An order that already
// left scheduled (cancelled, promoted by staff) is not an error.
func (a *Activities) PromoteOrder(ctx context.Context, input PromoteOrderInput) error {
	logger := activity.GetLogger(ctx)
	if a == nil || a.store == nil {
		logger.Error("promote activity not initialized", "orderId", input.OrderID)
		return errors.New("promote activity not initialized")
	}
	logger.Info("PromoteOrder activity started", "orderId", input.OrderID, "storeId", input.StoreID)
	err := a.store.UpdateStatus(ctx, input.OrderID, domain.StatusReceived)
	switch {
	case err == nil:
		logger.Info("PromoteOrder activity completed", "orderId", input.OrderID)
		return nil
	case errors.Is(err, ports.ErrConflict):
		logger.Info("order no longer scheduled; skipping promotion", "orderId", input.OrderID)
		return nil
	case errors.Is(err, ports.ErrNotFound):
		logger.Warn("order to promote not found", "orderId", input.OrderID)
		return temporal.NewNonRetryableApplicationError("order not found", "OrderNotFound", err)
	default:
		logger.Error("PromoteOrder activity failed", "orderId", input.OrderID, "error", err)
		return err
	}
}
