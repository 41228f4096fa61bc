package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
)

// Store decorates an OrderStore so every poll and status write is traced and counted.
type Store struct {
	inner   ports.OrderStore
	tracer  trace.Tracer
	logger  *slog.Logger
	metrics storeMetrics
}

func NewStore(inner ports.OrderStore, opts ...Option) ports.OrderStore {
	inst := resolve(opts)
	return &Store{
		inner:   inner,
		tracer:  inst.tracer,
		logger:  inst.logger,
		metrics: newStoreMetrics(inst.meter),
	}
}

func (s *Store) FetchOrders(ctx context.Context, filter domain.FetchFilter) ([]*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "OrderStore.FetchOrders", trace.WithAttributes(
		attribute.Int64Slice("orders.store_ids", filter.StoreIDs),
		attribute.String("order.id", filter.OrderID),
		attribute.Bool("orders.include_terminal", filter.IncludeTerminal),
	))
	defer span.End()

	result, err := s.inner.FetchOrders(ctx, filter)
	s.metrics.recordFetch(ctx, len(result), err)
	if err != nil {
		return nil, handleError(ctx, s.logger, span, err, "failed to fetch orders")
	}
	span.SetAttributes(attribute.Int("orders.count", len(result)))
	return result, nil
}

func (s *Store) UpdateStatus(ctx context.Context, orderID string, status domain.Status) error {
	ctx, span := s.tracer.Start(ctx, "OrderStore.UpdateStatus", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status", string(status)),
	))
	defer span.End()

	err := s.inner.UpdateStatus(ctx, orderID, status)
	s.metrics.recordUpdate(ctx, status, err)
	if err != nil {
		return handleError(ctx, s.logger, span, err, "failed to write order status",
			slog.String("order.id", orderID), slog.String("status", string(status)))
	}
	return nil
}

type storeMetrics struct {
	fetches        metric.Int64Counter
	recordsFetched metric.Int64Counter
	statusUpdates  metric.Int64Counter
}

func newStoreMetrics(m metric.Meter) storeMetrics {
	if m == nil {
		return storeMetrics{}
	}
	fetches, _ := m.Int64Counter("orders.store.fetches", metric.WithDescription("Full snapshot fetches"))
	recordsFetched, _ := m.Int64Counter("orders.store.records_fetched", metric.WithDescription("Orders returned by snapshot fetches"))
	statusUpdates, _ := m.Int64Counter("orders.store.status_updates", metric.WithDescription("Status writes sent to the store"))
	return storeMetrics{fetches: fetches, recordsFetched: recordsFetched, statusUpdates: statusUpdates}
}

func (m storeMetrics) recordFetch(ctx context.Context, n int, err error) {
	if m.fetches != nil {
		m.fetches.Add(ctx, 1, metric.WithAttributes(attribute.Bool("error", err != nil)))
	}
	if m.recordsFetched != nil && err == nil {
		m.recordsFetched.Add(ctx, int64(n))
	}
}

func (m storeMetrics) recordUpdate(ctx context.Context, status domain.Status, err error) {
	if m.statusUpdates != nil {
		m.statusUpdates.Add(ctx, 1, metric.WithAttributes(
			attribute.String("order.status", string(status)),
			attribute.Bool("error", err != nil),
		))
	}
}

var _ ports.OrderStore = (*Store)(nil)
