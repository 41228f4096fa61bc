package application

import (
	"context"
	"sync"
	"time"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
)

// Service orchestrates the live order view use cases on top of the session registry.
type Service struct {
	registry *Registry
	store    ports.OrderStore
	settings *SettingsStore
}

func NewService(registry *Registry) *Service {
	return &Service{registry: registry, store: registry.store, settings: registry.settings}
}

// CurrentOrders returns the reconciled view of vc, newest first.
func (s *Service) CurrentOrders(ctx context.Context, vc domain.ViewingContext) ([]*domain.Order, error) {
	sess, err := s.registry.Acquire(ctx, vc)
	if err != nil {
		return nil, err
	}
	defer s.registry.Release(vc)
	return sess.Reconciler.CurrentOrders(), nil
}

// UpdateStatus shows the new status immediately and then asks the store to apply it.
// A store failure is returned to the caller; the optimistic value stays until the next
// poll or push corrects it.
func (s *Service) UpdateStatus(ctx context.Context, vc domain.ViewingContext, orderID string, status domain.Status) (*domain.Order, error) {
	if orderID == "" {
		return nil, mapError(domain.ErrMissingID)
	}
	if !status.Valid() {
		return nil, mapError(domain.ErrInvalidStatus)
	}
	sess, err := s.registry.Acquire(ctx, vc)
	if err != nil {
		return nil, err
	}
	defer s.registry.Release(vc)

	order, known := sess.Reconciler.Lookup(orderID)
	if !known {
		// Terminal orders are outside most live views; the store still decides for them.
		if order, err = s.findOrder(ctx, vc, orderID); err != nil {
			return nil, err
		}
	}
	sess.Reconciler.ApplyOptimisticPatch(orderID, domain.Patch{Status: status})
	if err := s.store.UpdateStatus(ctx, orderID, status); err != nil {
		return nil, err
	}
	if current, ok := sess.Reconciler.Lookup(orderID); ok {
		return current, nil
	}
	if err := order.ApplyStatus(status, time.Now()); err != nil {
		return nil, mapError(err)
	}
	return order, nil
}

// findOrder fetches orderID only if it belongs to vc, terminal or not.
func (s *Service) findOrder(ctx context.Context, vc domain.ViewingContext, orderID string) (*domain.Order, error) {
	orders, err := s.store.FetchOrders(ctx, vc.WithTerminal(true).Filter())
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if o.ID == orderID {
			return o, nil
		}
	}
	return nil, ports.ErrNotFound
}

// Subscribe keeps the session of vc running and forwards its events to fn until the
// returned function is called.
func (s *Service) Subscribe(ctx context.Context, vc domain.ViewingContext, fn func(domain.Event)) (func(), error) {
	sess, err := s.registry.Acquire(ctx, vc)
	if err != nil {
		return nil, err
	}
	detach := sess.Reconciler.Subscribe(fn)
	var once sync.Once
	return func() {
		once.Do(func() {
			detach()
			s.registry.Release(vc)
		})
	}, nil
}

// Resume polls out of cycle so a returning dashboard catches up at once.
func (s *Service) Resume(ctx context.Context, vc domain.ViewingContext) error {
	sess, ok := s.registry.Lookup(vc)
	if !ok {
		return ports.ErrUnknownContext
	}
	return sess.Scheduler.Restart(ctx)
}

func (s *Service) Health(_ context.Context, vc domain.ViewingContext) (ports.SyncHealth, error) {
	sess, ok := s.registry.Lookup(vc)
	if !ok {
		return ports.SyncHealth{State: ports.SyncIdle}, ports.ErrUnknownContext
	}
	return sess.Scheduler.Health(), nil
}

func (s *Service) Settings(_ context.Context) domain.Settings {
	return s.settings.Load()
}

func (s *Service) UpdateSettings(_ context.Context, settings domain.Settings) (domain.Settings, error) {
	s.settings.Store(settings)
	return s.settings.Load(), nil
}

var _ ports.Service = (*Service)(nil)
