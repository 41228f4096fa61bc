package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
)

var _ ports.OrderStore = (*Store)(nil)

// Store is an in-memory order table. When a Feed is attached every insert and
// update is pushed to it; deletes are not, matching the remote store.
type Store struct {
	mu     sync.RWMutex
	orders map[string]*domain.Order
	feed   *Feed
	now    func() time.Time
}

type Option func(*Store)

// WithFeed publishes changes to feed.
func WithFeed(feed *Feed) Option {
	return func(s *Store) { s.feed = feed }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{orders: map[string]*domain.Order{}, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create inserts a new order, assigning an id and timestamps when missing.
func (s *Store) Create(_ context.Context, order *domain.Order) (*domain.Order, error) {
	if order == nil {
		return nil, errors.New("order is nil")
	}
	clone := order.Clone()
	if strings.TrimSpace(clone.ID) == "" {
		clone.ID = uuid.NewString()
	}
	now := s.now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if _, exists := s.orders[clone.ID]; exists {
		s.mu.Unlock()
		return nil, ports.ErrConflict
	}
	s.orders[clone.ID] = clone
	s.publish(domain.ChangeInsert, clone)
	s.mu.Unlock()
	return clone.Clone(), nil
}

// FetchOrders returns matching orders, newest first.
func (s *Store) FetchOrders(_ context.Context, filter domain.FetchFilter) ([]*domain.Order, error) {
	s.mu.RLock()
	list := make([]*domain.Order, 0, len(s.orders))
	for _, order := range s.orders {
		if filter.Matches(order) {
			list = append(list, order.Clone())
		}
	}
	s.mu.RUnlock()
	domain.SortNewestFirst(list)
	return list, nil
}

// UpdateStatus moves an order along the kitchen workflow.
func (s *Store) UpdateStatus(_ context.Context, orderID string, status domain.Status) error {
	if !status.Valid() {
		return domain.ErrInvalidStatus
	}
	s.mu.Lock()
	current, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return ports.ErrNotFound
	}
	if !domain.CanTransition(current.Status, status) {
		s.mu.Unlock()
		return ports.ErrConflict
	}
	next := current.Clone()
	_ = next.ApplyStatus(status, s.now())
	s.orders[orderID] = next
	s.publish(domain.ChangeUpdate, next)
	s.mu.Unlock()
	return nil
}

// Delete removes an order. Subscribers only notice on their next poll.
func (s *Store) Delete(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[orderID]; !ok {
		return ports.ErrNotFound
	}
	delete(s.orders, orderID)
	return nil
}

// publish runs under s.mu so subscribers see changes in commit order.
func (s *Store) publish(kind domain.ChangeKind, order *domain.Order) {
	if s.feed == nil {
		return
	}
	s.feed.Publish(domain.Change{Kind: kind, Order: order.Clone()})
}
