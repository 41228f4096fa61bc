package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
)

type fakeOrderStore struct {
	mu       sync.Mutex
	orders   []*domain.Order
	fetches  int
	fetchErr error
	block    chan struct{}
	updates  map[string]domain.Status
	updErr   error
}

func newFakeOrderStore(orders ...*domain.Order) *fakeOrderStore {
	return &fakeOrderStore{orders: orders, updates: map[string]domain.Status{}}
}

func (f *fakeOrderStore) FetchOrders(ctx context.Context, filter domain.FetchFilter) ([]*domain.Order, error) {
	f.mu.Lock()
	f.fetches++
	block, err := f.block, f.fetchErr
	var out []*domain.Order
	for _, o := range f.orders {
		if filter.Matches(o) {
			out = append(out, o.Clone())
		}
	}
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeOrderStore) UpdateStatus(_ context.Context, id string, status domain.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updErr != nil {
		return f.updErr
	}
	f.updates[id] = status
	return nil
}

func (f *fakeOrderStore) set(orders ...*domain.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = orders
}

func (f *fakeOrderStore) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type fakeSubscription struct {
	ch  chan domain.Change
	err error
}

func (s *fakeSubscription) Changes() <-chan domain.Change { return s.ch }
func (s *fakeSubscription) Err() error                    { return s.err }
func (s *fakeSubscription) Close() error                  { return nil }

type fakeFeed struct {
	mu       sync.Mutex
	failures int
	calls    map[string]int
	subs     map[string]*fakeSubscription
}

func newFakeFeed(failures int) *fakeFeed {
	return &fakeFeed{failures: failures, calls: map[string]int{}, subs: map[string]*fakeSubscription{}}
}

func (f *fakeFeed) Subscribe(_ context.Context, topic string) (ports.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[topic]++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("realtime unavailable")
	}
	sub := &fakeSubscription{ch: make(chan domain.Change, 8)}
	f.subs[topic] = sub
	return sub, nil
}

func (f *fakeFeed) push(topic string, change domain.Change) bool {
	f.mu.Lock()
	sub := f.subs[topic]
	f.mu.Unlock()
	if sub == nil {
		return false
	}
	sub.ch <- change
	return true
}

func (f *fakeFeed) drop(topic string, err error) {
	f.mu.Lock()
	sub := f.subs[topic]
	delete(f.subs, topic)
	f.mu.Unlock()
	if sub != nil {
		sub.err = err
		close(sub.ch)
	}
}

func (f *fakeFeed) Calls(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[topic]
}

func fastSync() SyncConfig {
	return SyncConfig{PollInterval: time.Hour, BackoffInitial: 5 * time.Millisecond, BackoffMax: 20 * time.Millisecond}
}

func TestSchedulerStartPollsImmediately(t *testing.T) {
	store := newFakeOrderStore(testOrder("o1", 7, domain.StatusReceived), testOrder("x", 8, domain.StatusReceived))
	rec := NewReconciler(domain.ForStores(7))
	s := NewScheduler(rec, store, nil, fastSync(), nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Equal(t, 1, store.Fetches())
	require.Len(t, rec.CurrentOrders(), 1)
	require.Equal(t, ports.SyncActive, s.Health().State)
	require.False(t, s.Health().LastPollAt.IsZero())
	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, 1, store.Fetches())
}

func TestSchedulerPollsOnInterval(t *testing.T) {
	store := newFakeOrderStore()
	rec := NewReconciler(domain.ForStores(7))
	cfg := fastSync()
	cfg.PollInterval = 10 * time.Millisecond
	s := NewScheduler(rec, store, nil, cfg, nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	store.set(testOrder("o1", 7, domain.StatusReceived))
	require.Eventually(t, func() bool { return len(rec.CurrentOrders()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return store.Fetches() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerRestartPollsOutOfCycle(t *testing.T) {
	store := newFakeOrderStore()
	rec := NewReconciler(domain.ForStores(7))
	s := NewScheduler(rec, store, nil, fastSync(), nil)

	require.ErrorIs(t, s.Restart(context.Background()), ErrNotRunning)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	store.set(testOrder("o1", 7, domain.StatusReceived))
	require.NoError(t, s.Restart(context.Background()))
	require.Equal(t, 2, store.Fetches())
	require.Len(t, rec.CurrentOrders(), 1)
}

func TestSchedulerPollFailureIsNotFatal(t *testing.T) {
	store := newFakeOrderStore(testOrder("o1", 7, domain.StatusReceived))
	store.fetchErr = errors.New("connection refused")
	rec := NewReconciler(domain.ForStores(7))
	s := NewScheduler(rec, store, nil, fastSync(), nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Equal(t, "connection refused", s.Health().LastPollError)
	require.Empty(t, rec.CurrentOrders())

	store.mu.Lock()
	store.fetchErr = nil
	store.mu.Unlock()
	require.NoError(t, s.Restart(context.Background()))
	require.Empty(t, s.Health().LastPollError)
	require.Len(t, rec.CurrentOrders(), 1)
}

func TestSchedulerDropsInvalidRecords(t *testing.T) {
	good := testOrder("o1", 7, domain.StatusReceived)
	bad := testOrder("o2", 7, domain.StatusReceived)
	bad.Totals.Total = 1
	store := newFakeOrderStore(good, bad)
	rec := NewReconciler(domain.ForStores(7))
	s := NewScheduler(rec, store, nil, fastSync(), nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	current := rec.CurrentOrders()
	require.Len(t, current, 1)
	require.Equal(t, "o1", current[0].ID)
}

func TestSchedulerKeepsLastGoodSnapshotOfCorruptedRecord(t *testing.T) {
	store := newFakeOrderStore(testOrder("o1", 7, domain.StatusReceived))
	rec := NewReconciler(domain.ForStores(7))
	var removed []string
	rec.Subscribe(func(ev domain.Event) {
		if r, ok := ev.(domain.OrderRemoved); ok {
			removed = append(removed, r.ID)
		}
	})
	s := NewScheduler(rec, store, nil, fastSync(), nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	corrupted := testOrder("o1", 7, domain.StatusReady)
	corrupted.Type = "teleport"
	store.set(corrupted)
	require.NoError(t, s.Restart(context.Background()))

	require.Empty(t, removed)
	o, ok := rec.Lookup("o1")
	require.True(t, ok)
	require.Equal(t, domain.StatusReceived, o.Status)
}

func TestSchedulerRoutesFeedChanges(t *testing.T) {
	store := newFakeOrderStore(testOrder("o1", 7, domain.StatusReceived))
	feed := newFakeFeed(0)
	rec := NewReconciler(domain.ForStores(7))
	s := NewScheduler(rec, store, feed, fastSync(), nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	topic := domain.StoreTopic(7)
	require.Eventually(t, func() bool {
		return feed.push(topic, domain.Change{Kind: domain.ChangeUpdate, Order: testOrder("o1", 7, domain.StatusReady)})
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		o, ok := rec.Lookup("o1")
		return ok && o.Status == domain.StatusReady
	}, time.Second, 5*time.Millisecond)

	invalid := testOrder("o9", 7, domain.StatusReceived)
	invalid.ID = ""
	feed.push(topic, domain.Change{Kind: domain.ChangeInsert, Order: invalid})
	feed.push(topic, domain.Change{Kind: domain.ChangeInsert, Order: testOrder("o2", 7, domain.StatusReceived)})
	require.Eventually(t, func() bool { return len(rec.CurrentOrders()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerReconnectsFeedWithBackoff(t *testing.T) {
	store := newFakeOrderStore()
	feed := newFakeFeed(2)
	rec := NewReconciler(domain.ForStores(7))
	s := NewScheduler(rec, store, feed, fastSync(), nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	topic := domain.StoreTopic(7)
	require.Eventually(t, func() bool {
		h := s.Health()
		return len(h.Feeds) == 1 && h.Feeds[0].Connected && h.State == ports.SyncActive
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 3, feed.Calls(topic))
	require.Equal(t, 2, s.Health().Feeds[0].Reconnects)

	feed.drop(topic, errors.New("socket closed"))
	require.Eventually(t, func() bool { return feed.Calls(topic) == 4 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Health().Feeds[0].Connected }, time.Second, 5*time.Millisecond)
}

func TestSchedulerErrorStateWhileFeedDown(t *testing.T) {
	store := newFakeOrderStore()
	feed := newFakeFeed(1000)
	rec := NewReconciler(domain.ForStores(7))
	cfg := fastSync()
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond
	s := NewScheduler(rec, store, feed, cfg, nil)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.Health().State == ports.SyncError }, time.Second, 5*time.Millisecond)
	require.Equal(t, "realtime unavailable", s.Health().Feeds[0].LastError)

	s.Stop()
	require.Equal(t, ports.SyncIdle, s.Health().State)
	calls := feed.Calls(domain.StoreTopic(7))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, calls, feed.Calls(domain.StoreTopic(7)))
}

func TestSchedulerStopCancelsInFlightPollAndIsIdempotent(t *testing.T) {
	store := newFakeOrderStore()
	rec := NewReconciler(domain.ForStores(7))
	s := NewScheduler(rec, store, newFakeFeed(0), fastSync(), nil)

	s.Stop()
	require.NoError(t, s.Start(context.Background()))

	store.mu.Lock()
	store.block = make(chan struct{})
	store.mu.Unlock()
	restartErr := make(chan error, 1)
	go func() { restartErr <- s.Restart(context.Background()) }()
	require.Eventually(t, func() bool { return store.Fetches() == 2 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the in-flight poll")
	}
	require.ErrorIs(t, <-restartErr, context.Canceled)
	s.Stop()
	require.Equal(t, ports.SyncIdle, s.Health().State)
	require.Empty(t, s.Health().Feeds)

	store.mu.Lock()
	store.block = nil
	store.mu.Unlock()
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
