package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
)

// Promoter watches session events for scheduled orders and hands them to a
// PromotionScheduler, which moves them to received when their time comes.
type Promoter struct {
	scheduler ports.PromotionScheduler
	logger    *slog.Logger
	timeout   time.Duration
}

func NewPromoter(scheduler ports.PromotionScheduler, logger *slog.Logger) *Promoter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Promoter{scheduler: scheduler, logger: logger, timeout: 10 * time.Second}
}

// Observe is a reconciler observer. Scheduling happens off the merge path.
func (p *Promoter) Observe(ev domain.Event) {
	var order *domain.Order
	switch e := ev.(type) {
	case domain.OrderAdded:
		order = e.Order
	case domain.OrderStatusChanged:
		order = e.Order
	}
	if order == nil || order.Status != domain.StatusScheduled || order.ScheduledFor == nil {
		return
	}
	order = order.Clone()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.scheduler.SchedulePromotion(ctx, order); err != nil {
			p.logger.LogAttrs(ctx, slog.LevelError, "failed to schedule order promotion",
				slog.String("order.id", order.ID), slog.Time("scheduled_for", *order.ScheduledFor), slog.String("error", err.Error()))
		}
	}()
}
