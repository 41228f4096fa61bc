package observability

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
)

const tracerName = "github.com/Apurer/orderdesk/internal/domains/orders/adapters/observability"

// Service decorates the live order service with tracing, logging, and metrics.
type Service struct {
	inner   ports.Service
	tracer  trace.Tracer
	logger  *slog.Logger
	metrics serviceMetrics
}

type Option func(*instrumentation)

// instrumentation is shared by the Service and Store decorators.
type instrumentation struct {
	tracer trace.Tracer
	logger *slog.Logger
	meter  metric.Meter
}

func WithLogger(logger *slog.Logger) Option {
	return func(i *instrumentation) {
		i.logger = logger
	}
}

func WithTracer(tr trace.Tracer) Option {
	return func(i *instrumentation) {
		i.tracer = tr
	}
}

func WithMeter(m metric.Meter) Option {
	return func(i *instrumentation) {
		i.meter = m
	}
}

func resolve(opts []Option) instrumentation {
	inst := instrumentation{}
	for _, opt := range opts {
		if opt != nil {
			opt(&inst)
		}
	}
	if inst.tracer == nil {
		inst.tracer = nooptrace.NewTracerProvider().Tracer(tracerName)
	}
	if inst.logger == nil {
		inst.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return inst
}

// New wraps the core live order service.
func New(inner ports.Service, opts ...Option) ports.Service {
	inst := resolve(opts)
	return &Service{
		inner:   inner,
		tracer:  inst.tracer,
		logger:  inst.logger,
		metrics: newServiceMetrics(inst.meter),
	}
}

func (s *Service) CurrentOrders(ctx context.Context, vc domain.ViewingContext) ([]*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrdersService.CurrentOrders", trace.WithAttributes(contextAttr(vc)))
	defer span.End()

	result, err := s.inner.CurrentOrders(ctx, vc)
	if err != nil {
		return nil, handleError(ctx, s.logger, span, err, "failed to load current orders", slog.String("context", vc.Key()))
	}
	span.SetAttributes(attribute.Int("orders.count", len(result)))
	return result, nil
}

func (s *Service) UpdateStatus(ctx context.Context, vc domain.ViewingContext, orderID string, status domain.Status) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrdersService.UpdateStatus",
		trace.WithAttributes(contextAttr(vc), attribute.String("order.id", orderID), attribute.String("order.status", string(status))))
	defer span.End()

	logInfo(ctx, s.logger, "updating order status", slog.String("order.id", orderID), slog.String("status", string(status)))
	result, err := s.inner.UpdateStatus(ctx, vc, orderID, status)
	s.metrics.recordStatusUpdate(ctx, status, err)
	if err != nil {
		return nil, handleError(ctx, s.logger, span, err, "failed to update order status",
			slog.String("order.id", orderID), slog.String("status", string(status)))
	}
	logInfo(ctx, s.logger, "order status updated", slog.String("order.id", orderID), slog.String("status", string(status)))
	return result, nil
}

func (s *Service) Subscribe(ctx context.Context, vc domain.ViewingContext, fn func(domain.Event)) (func(), error) {
	ctx, span := s.tracer.Start(ctx, "OrdersService.Subscribe", trace.WithAttributes(contextAttr(vc)))
	defer span.End()

	unsubscribe, err := s.inner.Subscribe(ctx, vc, fn)
	if err != nil {
		return nil, handleError(ctx, s.logger, span, err, "failed to subscribe", slog.String("context", vc.Key()))
	}
	s.metrics.subscriberDelta(ctx, 1)
	logInfo(ctx, s.logger, "subscriber attached", slog.String("context", vc.Key()))
	return func() {
		unsubscribe()
		s.metrics.subscriberDelta(context.Background(), -1)
	}, nil
}

func (s *Service) Resume(ctx context.Context, vc domain.ViewingContext) error {
	ctx, span := s.tracer.Start(ctx, "OrdersService.Resume", trace.WithAttributes(contextAttr(vc)))
	defer span.End()

	logInfo(ctx, s.logger, "resuming sync", slog.String("context", vc.Key()))
	if err := s.inner.Resume(ctx, vc); err != nil {
		return handleError(ctx, s.logger, span, err, "failed to resume sync", slog.String("context", vc.Key()))
	}
	return nil
}

func (s *Service) Health(ctx context.Context, vc domain.ViewingContext) (ports.SyncHealth, error) {
	return s.inner.Health(ctx, vc)
}

func (s *Service) Settings(ctx context.Context) domain.Settings {
	return s.inner.Settings(ctx)
}

func (s *Service) UpdateSettings(ctx context.Context, settings domain.Settings) (domain.Settings, error) {
	ctx, span := s.tracer.Start(ctx, "OrdersService.UpdateSettings")
	defer span.End()

	result, err := s.inner.UpdateSettings(ctx, settings)
	if err != nil {
		return domain.Settings{}, handleError(ctx, s.logger, span, err, "failed to update settings")
	}
	logInfo(ctx, s.logger, "settings updated",
		slog.Bool("print.receive", result.AutoPrintOnReceive),
		slog.Bool("print.start_prep", result.AutoPrintOnStartPrep),
		slog.Bool("print.ready", result.AutoPrintOnReady),
		slog.Bool("print.complete", result.AutoPrintOnComplete),
		slog.Bool("sound.new_order", result.SoundOnNewOrder),
		slog.Bool("sound.ready", result.SoundOnReady))
	return result, nil
}

func contextAttr(vc domain.ViewingContext) attribute.KeyValue {
	return attribute.String("orders.context", vc.Key())
}

func logInfo(ctx context.Context, logger *slog.Logger, msg string, attrs ...slog.Attr) {
	if logger == nil {
		return
	}
	logger.LogAttrs(ctx, slog.LevelInfo, msg, attrs...)
}

func logError(ctx context.Context, logger *slog.Logger, msg string, err error, attrs ...slog.Attr) {
	if logger == nil {
		return
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.LogAttrs(ctx, slog.LevelError, msg, attrs...)
}

func handleError(ctx context.Context, logger *slog.Logger, span trace.Span, err error, msg string, attrs ...slog.Attr) error {
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	logError(ctx, logger, msg, err, attrs...)
	return err
}

type serviceMetrics struct {
	statusUpdates metric.Int64Counter
	subscribers   metric.Int64UpDownCounter
}

func newServiceMetrics(m metric.Meter) serviceMetrics {
	if m == nil {
		return serviceMetrics{}
	}
	statusUpdates, _ := m.Int64Counter("orders.service.status_updates", metric.WithDescription("Status updates requested by operators"))
	subscribers, _ := m.Int64UpDownCounter("orders.service.subscribers", metric.WithDescription("Attached live view subscribers"))
	return serviceMetrics{statusUpdates: statusUpdates, subscribers: subscribers}
}

func (m serviceMetrics) recordStatusUpdate(ctx context.Context, status domain.Status, err error) {
	if m.statusUpdates != nil {
		m.statusUpdates.Add(ctx, 1, metric.WithAttributes(
			attribute.String("order.status", string(status)),
			attribute.Bool("error", err != nil),
		))
	}
}

func (m serviceMetrics) subscriberDelta(ctx context.Context, delta int64) {
	if m.subscribers != nil {
		m.subscribers.Add(ctx, delta)
	}
}

var _ ports.Service = (*Service)(nil)
