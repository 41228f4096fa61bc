package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
)

type fakePromotionScheduler struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakePromotionScheduler) SchedulePromotion(_ context.Context, order *domain.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, order.ID)
	return nil
}

func (f *fakePromotionScheduler) IDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func scheduledOrder(id string, at time.Time) *domain.Order {
	o := testOrder(id, 7, domain.StatusScheduled)
	o.ScheduledFor = &at
	return o
}

func TestPromoterSchedulesOnlyScheduledOrders(t *testing.T) {
	fake := &fakePromotionScheduler{}
	p := NewPromoter(fake, nil)

	p.Observe(domain.OrderAdded{Order: scheduledOrder("s1", epoch.Add(time.Hour)), Baseline: true})
	p.Observe(domain.OrderAdded{Order: testOrder("o1", 7, domain.StatusReceived)})
	p.Observe(domain.OrderAdded{Order: testOrder("s2", 7, domain.StatusScheduled)})
	p.Observe(domain.OrderStatusChanged{From: domain.StatusReceived, To: domain.StatusScheduled, Order: scheduledOrder("s3", epoch)})
	p.Observe(domain.OrderRemoved{ID: "s1"})

	require.Eventually(t, func() bool { return len(fake.IDs()) == 2 }, time.Second, 5*time.Millisecond)
	require.ElementsMatch(t, []string{"s1", "s3"}, fake.IDs())
}

func TestRegistryObserversSeePolledScheduledOrders(t *testing.T) {
	fake := &fakePromotionScheduler{}
	store := newFakeOrderStore(scheduledOrder("s1", epoch.Add(time.Hour)))
	reg := NewRegistry(store, nil, nil, WithSyncConfig(fastSync()), WithSessionObserver(NewPromoter(fake, nil).Observe))
	defer reg.Close()

	_, err := reg.Acquire(context.Background(), domain.ForStores(7))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(fake.IDs()) == 1 }, time.Second, 5*time.Millisecond)
}
