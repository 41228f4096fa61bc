package orders

import (
	"time"

	"go.temporal.io/sdk/workflow"

	orderactivities "github.com/Apurer/orderdesk/internal/platform/temporal/activities/orders"
	"github.com/Apurer/orderdesk/internal/platform/temporal/sequences"
)

const (
	// PromotionTaskQueue is polled by cmd/worker.
	PromotionTaskQueue = "orders-promotions"
	// ScheduledPromotionWorkflowName is the registered workflow type.
	ScheduledPromotionWorkflowName = "orders.workflows.ScheduledPromotion"
)

// ScheduledPromotionInput carries the order and the time it becomes due.
type ScheduledPromotionInput struct {
	OrderID      string
	StoreID      int64
	ScheduledFor time.Time
}

// WorkflowID is unique per order so repeated scheduling attempts collapse into one run.
func WorkflowID(orderID string) string {
	return "order-promotion-" + orderID
}

// ScheduledPromotionWorkflow promotes a future-dated order to received when it is due.
func ScheduledPromotionWorkflow(ctx workflow.Context, input ScheduledPromotionInput) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("scheduled promotion started", "orderId", input.OrderID, "scheduledFor", input.ScheduledFor)
	return sequences.RunPromotionSequence(ctx,
		orderactivities.PromoteOrderInput{OrderID: input.OrderID, StoreID: input.StoreID},
		input.ScheduledFor)
}
