package ports

import (
	"context"
	"time"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
)

// Sound names an audible alert.
type Sound string

const (
	SoundNewOrder   Sound = "new_order"
	SoundOrderReady Sound = "order_ready"
)

// PrintReason tells the kitchen why a receipt was printed.
type PrintReason string

const (
	PrintOnReceive   PrintReason = "received"
	PrintOnStartPrep PrintReason = "preparing"
	PrintOnReady     PrintReason = "ready"
	PrintOnComplete  PrintReason = "completed"
)

// PrintJob is one receipt queued for the kitchen printer.
type PrintJob struct {
	ID        string
	Reason    PrintReason
	Order     *domain.Order
	CreatedAt time.Time
}

// Printer spools receipts. Failures are logged by the caller and never retried.
type Printer interface {
	Print(ctx context.Context, job PrintJob) error
}

// Alert is an audible notification about one order.
type Alert struct {
	Sound   Sound
	OrderID string
	StoreID int64
	Number  string
	At      time.Time
}

// AlertSink plays or forwards audible alerts.
type AlertSink interface {
	Alert(ctx context.Context, alert Alert) error
}

// PromotionScheduler moves scheduled orders to received once their time arrives.
type PromotionScheduler interface {
	SchedulePromotion(ctx context.Context, order *domain.Order) error
}
