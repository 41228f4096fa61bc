package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
)

var (
	_ ports.ChangeFeed   = (*Feed)(nil)
	_ ports.Subscription = (*subscription)(nil)

	// ErrSlowConsumer closes a subscription whose buffer overflowed.
	ErrSlowConsumer = errors.New("change feed subscriber too slow")
	// ErrDisconnected closes subscriptions dropped with Disconnect.
	ErrDisconnected = errors.New("change feed disconnected")
)

const defaultSubscriptionBuffer = 64

// Feed is an in-process change broker. Delivery never blocks publishers: a subscriber
// that falls behind is disconnected and has to resubscribe.
type Feed struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	buffer int
}

func NewFeed() *Feed {
	return &Feed{subs: map[string]map[*subscription]struct{}{}, buffer: defaultSubscriptionBuffer}
}

// Subscribe registers a subscriber for topic until Close or ctx cancellation.
func (f *Feed) Subscribe(ctx context.Context, topic string) (ports.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{feed: f, topic: topic, ch: make(chan domain.Change, f.buffer)}
	f.mu.Lock()
	if f.subs[topic] == nil {
		f.subs[topic] = map[*subscription]struct{}{}
	}
	f.subs[topic][sub] = struct{}{}
	sub.stopWatch = context.AfterFunc(ctx, func() { f.remove(sub, nil) })
	f.mu.Unlock()
	return sub, nil
}

// Publish delivers a change to the store topic and the order topic of the order.
func (f *Feed) Publish(change domain.Change) {
	if change.Order == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishLocked(domain.StoreTopic(change.Order.StoreID), change)
	f.publishLocked(domain.OrderTopic(change.Order.ID), change)
}

// PublishTopic delivers a change to the subscribers of one topic only.
func (f *Feed) PublishTopic(topic string, change domain.Change) {
	if change.Order == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishLocked(topic, change)
}

// Disconnect drops every subscriber of topic, as a transport failure would.
func (f *Feed) Disconnect(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs[topic] {
		f.removeLocked(sub, ErrDisconnected)
	}
}

// DisconnectAll drops every subscriber with err.
func (f *Feed) DisconnectAll(err error) {
	if err == nil {
		err = ErrDisconnected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, subs := range f.subs {
		for sub := range subs {
			f.removeLocked(sub, err)
		}
	}
}

// Topics lists topics with at least one subscriber.
func (f *Feed) Topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for topic := range f.subs {
		out = append(out, topic)
	}
	return out
}

func (f *Feed) publishLocked(topic string, change domain.Change) {
	for sub := range f.subs[topic] {
		select {
		case sub.ch <- domain.Change{Kind: change.Kind, Order: change.Order.Clone()}:
		default:
			f.removeLocked(sub, ErrSlowConsumer)
		}
	}
}

// Subscribers counts active subscribers of topic.
func (f *Feed) Subscribers(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[topic])
}

func (f *Feed) remove(sub *subscription, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(sub, err)
}

func (f *Feed) removeLocked(sub *subscription, err error) {
	if sub.closed {
		return
	}
	sub.closed = true
	sub.err = err
	delete(f.subs[sub.topic], sub)
	if len(f.subs[sub.topic]) == 0 {
		delete(f.subs, sub.topic)
	}
	close(sub.ch)
}

// subscription fields other than ch are guarded by feed.mu.
type subscription struct {
	feed      *Feed
	topic     string
	ch        chan domain.Change
	closed    bool
	err       error
	stopWatch func() bool
}

func (s *subscription) Changes() <-chan domain.Change { return s.ch }

func (s *subscription) Err() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.feed.mu.Lock()
	stopWatch := s.stopWatch
	s.feed.mu.Unlock()
	if stopWatch != nil {
		stopWatch()
	}
	s.feed.remove(s, nil)
	return nil
}
