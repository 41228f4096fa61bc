package workflows

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
	orderworkflows "github.com/Apurer/orderdesk/internal/platform/temporal/workflows/orders"
)

var (
	_ ports.PromotionScheduler = (*TemporalPromoter)(nil)
	_ ports.PromotionScheduler = (*InlinePromoter)(nil)

	errNotScheduled = errors.New("order is not scheduled")
)

// TemporalPromoter starts one durable promotion workflow per scheduled order.
type TemporalPromoter struct {
	client    client.Client
	taskQueue string
}

func NewTemporalPromoter(c client.Client) *TemporalPromoter {
	return &TemporalPromoter{client: c, taskQueue: orderworkflows.PromotionTaskQueue}
}

// SchedulePromotion starts the workflow without waiting for it. A run already in
// flight for the order is treated as success.
func (p *TemporalPromoter) SchedulePromotion(ctx context.Context, order *domain.Order) error {
	if p == nil || p.client == nil {
		return errors.New("temporal promoter not configured")
	}
	if order == nil || order.ScheduledFor == nil {
		return errNotScheduled
	}
	options := client.StartWorkflowOptions{
		ID:        orderworkflows.WorkflowID(order.ID),
		TaskQueue: p.taskQueue,
	}
	_, err := p.client.ExecuteWorkflow(ctx, options, orderworkflows.ScheduledPromotionWorkflowName,
		orderworkflows.ScheduledPromotionInput{OrderID: order.ID, StoreID: order.StoreID, ScheduledFor: *order.ScheduledFor})
	if err != nil {
		var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &alreadyStarted) {
			return nil
		}
		return err
	}
	return nil
}

// InlinePromoter keeps promotions on in-process timers. They do not survive a restart;
// the next poll re-observes still scheduled orders and schedules them again.
type InlinePromoter struct {
	store  ports.OrderStore
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewInlinePromoter(store ports.OrderStore, logger *slog.Logger) *InlinePromoter {
	if logger == nil {
		logger = slog.Default()
	}
	return &InlinePromoter{store: store, logger: logger, now: time.Now, timers: map[string]*time.Timer{}}
}

func (p *InlinePromoter) SchedulePromotion(_ context.Context, order *domain.Order) error {
	if p == nil || p.store == nil {
		return errors.New("inline promoter not configured")
	}
	if order == nil || order.ScheduledFor == nil {
		return errNotScheduled
	}
	id := order.ID
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("inline promoter closed")
	}
	if _, pending := p.timers[id]; pending {
		return nil
	}
	delay := order.ScheduledFor.Sub(p.now())
	if delay < 0 {
		delay = 0
	}
	p.timers[id] = time.AfterFunc(delay, func() { p.promote(id) })
	return nil
}

// Pending counts promotions waiting on a timer.
func (p *InlinePromoter) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

func (p *InlinePromoter) promote(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := p.store.UpdateStatus(ctx, id, domain.StatusReceived)
	p.mu.Lock()
	delete(p.timers, id)
	p.mu.Unlock()
	switch {
	case err == nil:
		p.logger.LogAttrs(ctx, slog.LevelInfo, "scheduled order promoted", slog.String("order.id", id))
	case errors.Is(err, ports.ErrConflict):
		p.logger.LogAttrs(ctx, slog.LevelDebug, "order no longer scheduled", slog.String("order.id", id))
	default:
		p.logger.LogAttrs(ctx, slog.LevelError, "failed to promote scheduled order", slog.String("order.id", id), slog.String("error", err.Error()))
	}
}

// Close stops every pending timer.
func (p *InlinePromoter) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}
