package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/tidwall/gjson"

	"github.com/Apurer/orderdesk/internal/domains/orders/adapters/memory"
	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
	"github.com/Apurer/orderdesk/internal/platform/migrations"
)

var (
	_ ports.ChangeFeed = (*NotifyFeed)(nil)

	// ErrListenerLost closes subscriptions when the LISTEN connection dropped and
	// notifications may have been missed.
	ErrListenerLost = errors.New("postgres listener connection lost")
	// ErrFeedClosed is returned by Subscribe after Close.
	ErrFeedClosed = errors.New("postgres change feed closed")
)

// OrderLoader resolves the row behind a notification.
type OrderLoader interface {
	Get(ctx context.Context, id string) (*domain.Order, error)
}

// NotifyFeed turns NOTIFY payloads from the orders trigger into pushed changes. One
// LISTEN connection serves every topic; fan-out happens in process.
type NotifyFeed struct {
	dsn          string
	channel      string
	loader       OrderLoader
	logger       *slog.Logger
	broker       *memory.Feed
	minReconnect time.Duration
	maxReconnect time.Duration
	pingEvery    time.Duration
	loadTimeout  time.Duration

	mu       sync.Mutex
	listener *pq.Listener
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool
}

// NotifyOption customises a NotifyFeed.
type NotifyOption func(*NotifyFeed)

func WithNotifyLogger(logger *slog.Logger) NotifyOption {
	return func(f *NotifyFeed) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithReconnect bounds the listener's reconnect interval.
func WithReconnect(minInterval, maxInterval time.Duration) NotifyOption {
	return func(f *NotifyFeed) {
		if minInterval > 0 {
			f.minReconnect = minInterval
		}
		if maxInterval >= f.minReconnect {
			f.maxReconnect = maxInterval
		}
	}
}

func NewNotifyFeed(dsn string, loader OrderLoader, opts ...NotifyOption) *NotifyFeed {
	f := &NotifyFeed{
		dsn:          dsn,
		channel:      migrations.ChangeChannel,
		loader:       loader,
		logger:       slog.Default(),
		broker:       memory.NewFeed(),
		minReconnect: time.Second,
		maxReconnect: 30 * time.Second,
		pingEvery:    90 * time.Second,
		loadTimeout:  5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Subscribe starts the listener on first use and registers a subscriber for topic.
func (f *NotifyFeed) Subscribe(ctx context.Context, topic string) (ports.Subscription, error) {
	if err := f.ensureListening(); err != nil {
		return nil, err
	}
	return f.broker.Subscribe(ctx, topic)
}

// Close stops listening and disconnects every subscriber.
func (f *NotifyFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	listener, cancel, done := f.listener, f.cancel, f.done
	f.mu.Unlock()

	var err error
	if listener != nil {
		cancel()
		err = listener.Close()
		<-done
	}
	f.broker.DisconnectAll(ErrFeedClosed)
	return err
}

func (f *NotifyFeed) ensureListening() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFeedClosed
	}
	if f.listener != nil {
		return nil
	}
	listener := pq.NewListener(f.dsn, f.minReconnect, f.maxReconnect, f.onListenerEvent)
	if err := listener.Listen(f.channel); err != nil {
		_ = listener.Close()
		return fmt.Errorf("listen on %s: %w", f.channel, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.listener, f.cancel, f.done = listener, cancel, make(chan struct{})
	go f.run(ctx, listener, f.done)
	return nil
}

func (f *NotifyFeed) run(ctx context.Context, listener *pq.Listener, done chan struct{}) {
	defer close(done)
	ping := time.NewTicker(f.pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnected: anything sent while we were away is gone.
				f.broker.DisconnectAll(ErrListenerLost)
				continue
			}
			f.handle(ctx, n.Extra)
		case <-ping.C:
			go func() { _ = listener.Ping() }()
		}
	}
}

func (f *NotifyFeed) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		f.logger.Info("postgres listener connected", slog.String("channel", f.channel))
	case pq.ListenerEventReconnected:
		f.logger.Info("postgres listener reconnected", slog.String("channel", f.channel))
	case pq.ListenerEventDisconnected:
		f.logger.Warn("postgres listener disconnected", slog.String("channel", f.channel), errAttr(err))
		f.broker.DisconnectAll(ErrListenerLost)
	case pq.ListenerEventConnectionAttemptFailed:
		f.logger.Warn("postgres listener connection attempt failed", slog.String("channel", f.channel), errAttr(err))
	}
}

// handle decodes {"op","id","store_id"} and publishes the current row.
func (f *NotifyFeed) handle(ctx context.Context, payload string) {
	if !gjson.Valid(payload) {
		f.logger.Warn("dropping malformed order notification", slog.String("payload", payload))
		return
	}
	parsed := gjson.Parse(payload)
	id := parsed.Get("id").String()
	if id == "" {
		f.logger.Warn("dropping order notification without id", slog.String("payload", payload))
		return
	}
	kind := domain.ChangeUpdate
	if parsed.Get("op").String() == "INSERT" {
		kind = domain.ChangeInsert
	}

	loadCtx, cancel := context.WithTimeout(ctx, f.loadTimeout)
	defer cancel()
	order, err := f.loader.Get(loadCtx, id)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, ports.ErrNotFound) {
			level = slog.LevelDebug
		}
		f.logger.Log(ctx, level, "failed to load notified order", slog.String("order_id", id), errAttr(err))
		return
	}
	f.broker.Publish(domain.Change{Kind: kind, Order: order})
}

func errAttr(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
