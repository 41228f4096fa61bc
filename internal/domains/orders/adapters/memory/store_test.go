package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Apurer/orderdesk/internal/domains/orders/application"
	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newOrder(storeID int64) *domain.Order {
	return &domain.Order{
		StoreID: storeID,
		Number:  "42",
		Items:   []domain.LineItem{{Name: "Ramen", Quantity: 2, UnitPrice: 900}},
		Totals:  domain.Totals{Subtotal: 1800, Tax: 144, Total: 1944},
		Status:  domain.StatusReceived,
		Type:    domain.TypeDineIn,
	}
}

func TestStoreCreateAssignsIdentity(t *testing.T) {
	store := NewStore(WithClock(func() time.Time { return epoch }))
	created, err := store.Create(context.Background(), newOrder(7))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, epoch, created.CreatedAt)

	_, err = store.Create(context.Background(), created)
	require.ErrorIs(t, err, ports.ErrConflict)

	bad := newOrder(7)
	bad.Totals.Total = 0
	_, err = store.Create(context.Background(), bad)
	require.ErrorIs(t, err, domain.ErrInvalidTotals)
}

func TestStoreFetchOrdersFilters(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	a, err := store.Create(ctx, newOrder(7))
	require.NoError(t, err)
	_, err = store.Create(ctx, newOrder(8))
	require.NoError(t, err)
	done, err := store.Create(ctx, newOrder(7))
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, done.ID, domain.StatusCancelled))

	active, err := store.FetchOrders(ctx, domain.ForStores(7).Filter())
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, a.ID, active[0].ID)

	all, err := store.FetchOrders(ctx, domain.ForStores(7, 8).WithTerminal(true).Filter())
	require.NoError(t, err)
	require.Len(t, all, 3)

	single, err := store.FetchOrders(ctx, domain.ForOrder(7, done.ID).Filter())
	require.NoError(t, err)
	require.Len(t, single, 1)
	require.NotNil(t, single[0].CompletedAt)
}

func TestStoreUpdateStatusErrors(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	o, err := store.Create(ctx, newOrder(7))
	require.NoError(t, err)

	require.ErrorIs(t, store.UpdateStatus(ctx, "missing", domain.StatusReady), ports.ErrNotFound)
	require.ErrorIs(t, store.UpdateStatus(ctx, o.ID, domain.StatusCompleted), ports.ErrConflict)
	require.ErrorIs(t, store.UpdateStatus(ctx, o.ID, "bogus"), domain.ErrInvalidStatus)
	require.NoError(t, store.UpdateStatus(ctx, o.ID, domain.StatusPreparing))
	require.NoError(t, store.UpdateStatus(ctx, o.ID, domain.StatusPreparing))

	require.NoError(t, store.Delete(ctx, o.ID))
	require.ErrorIs(t, store.Delete(ctx, o.ID), ports.ErrNotFound)
}

func TestFeedDeliversToStoreAndOrderTopics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := NewFeed()
	store := NewStore(WithFeed(feed))

	storeSub, err := feed.Subscribe(ctx, domain.StoreTopic(7))
	require.NoError(t, err)
	otherSub, err := feed.Subscribe(ctx, domain.StoreTopic(8))
	require.NoError(t, err)

	o, err := store.Create(ctx, newOrder(7))
	require.NoError(t, err)
	orderSub, err := feed.Subscribe(ctx, domain.OrderTopic(o.ID))
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, o.ID, domain.StatusPreparing))

	first := <-storeSub.Changes()
	require.Equal(t, domain.ChangeInsert, first.Kind)
	second := <-storeSub.Changes()
	require.Equal(t, domain.ChangeUpdate, second.Kind)
	require.Equal(t, domain.StatusPreparing, second.Order.Status)

	single := <-orderSub.Changes()
	require.Equal(t, o.ID, single.Order.ID)

	select {
	case c := <-otherSub.Changes():
		t.Fatalf("unexpected change on another store: %+v", c)
	default:
	}
}

func TestFeedSubscriptionLifecycle(t *testing.T) {
	feed := NewFeed()
	topic := domain.StoreTopic(7)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := feed.Subscribe(ctx, topic)
	require.NoError(t, err)
	require.Equal(t, 1, feed.Subscribers(topic))
	cancel()
	_, open := <-sub.Changes()
	require.False(t, open)
	require.NoError(t, sub.Err())
	require.Equal(t, 0, feed.Subscribers(topic))

	sub, err = feed.Subscribe(context.Background(), topic)
	require.NoError(t, err)
	feed.Disconnect(topic)
	_, open = <-sub.Changes()
	require.False(t, open)
	require.ErrorIs(t, sub.Err(), ErrDisconnected)
	require.NoError(t, sub.Close())

	_, err = feed.Subscribe(ctx, topic)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFeedCancelRacingClose(t *testing.T) {
	feed := NewFeed()
	topic := domain.StoreTopic(7)
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		sub, err := feed.Subscribe(ctx, topic)
		require.NoError(t, err)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancel()
		}()
		go func() {
			defer wg.Done()
			_ = sub.Close()
		}()
		wg.Wait()
		_, open := <-sub.Changes()
		require.False(t, open)
	}
	require.Equal(t, 0, feed.Subscribers(topic))
}

func TestFeedDropsSlowConsumer(t *testing.T) {
	feed := NewFeed()
	feed.buffer = 1
	sub, err := feed.Subscribe(context.Background(), domain.StoreTopic(7))
	require.NoError(t, err)

	o := newOrder(7)
	o.ID = "o1"
	feed.Publish(domain.Change{Kind: domain.ChangeInsert, Order: o})
	feed.Publish(domain.Change{Kind: domain.ChangeUpdate, Order: o})

	<-sub.Changes()
	_, open := <-sub.Changes()
	require.False(t, open)
	require.ErrorIs(t, sub.Err(), ErrSlowConsumer)
}

// End to end: a dashboard session fed by the in-memory store and broker.
func TestLiveSessionOverMemoryAdapters(t *testing.T) {
	ctx := context.Background()
	feed := NewFeed()
	store := NewStore(WithFeed(feed))
	existing, err := store.Create(ctx, newOrder(7))
	require.NoError(t, err)

	alerts := &alertRecorder{}
	settings := application.NewSettingsStore(domain.DefaultSettings())
	reg := application.NewRegistry(store, feed, settings,
		application.WithSyncConfig(application.SyncConfig{PollInterval: time.Hour, BackoffInitial: 5 * time.Millisecond, BackoffMax: 20 * time.Millisecond}),
		application.WithAlertSink(alerts),
	)
	defer reg.Close()
	svc := application.NewService(reg)

	vc := domain.ForStores(7)
	unsubscribe, err := svc.Subscribe(ctx, vc, func(domain.Event) {})
	require.NoError(t, err)
	defer unsubscribe()

	orders, err := svc.CurrentOrders(ctx, vc)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Empty(t, alerts.all())

	require.Eventually(t, func() bool { return feed.Subscribers(domain.StoreTopic(7)) == 1 }, time.Second, 5*time.Millisecond)
	fresh, err := store.Create(ctx, newOrder(7))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		orders, _ := svc.CurrentOrders(ctx, vc)
		return len(orders) == 2
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(alerts.all()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, fresh.ID, alerts.all()[0].OrderID)

	_, err = svc.UpdateStatus(ctx, vc, existing.ID, domain.StatusCompleted)
	require.ErrorIs(t, err, ports.ErrConflict)

	require.NoError(t, store.Delete(ctx, existing.ID))
	require.NoError(t, svc.Resume(ctx, vc))
	orders, err = svc.CurrentOrders(ctx, vc)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, fresh.ID, orders[0].ID)
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []ports.Alert
}

func (a *alertRecorder) Alert(_ context.Context, alert ports.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *alertRecorder) all() []ports.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ports.Alert(nil), a.alerts...)
}
