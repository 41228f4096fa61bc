package sequences

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	orderactivities "github.com/Apurer/orderdesk/internal/platform/temporal/activities/orders"
)

// RunPromotionSequence waits until at on a durable timer and then promotes the order.
func RunPromotionSequence(ctx workflow.Context, input orderactivities.PromoteOrderInput, at time.Time) error {
	logger := workflow.GetLogger(ctx)
	if wait := at.Sub(workflow.Now(ctx)); wait > 0 {
		logger.Info("promotion sequence waiting", "orderId", input.OrderID, "wait", wait.String())
		if err := workflow.Sleep(ctx, wait); err != nil {
			return err
		}
	}
	promoteOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    10,
		},
	}
	err := workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, promoteOptions), orderactivities.PromoteOrderActivityName, input).Get(ctx, nil)
	if err != nil {
		logger.Error("promotion sequence failed", "orderId", input.OrderID, "error", err)
		return err
	}
	logger.Info("promotion sequence completed", "orderId", input.OrderID)
	return nil
}
