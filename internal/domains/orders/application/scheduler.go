package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
)

var (
	// ErrNotRunning is returned by Restart when the scheduler is not started.
	ErrNotRunning = errors.New("sync scheduler is not running")

	errFeedClosed = errors.New("change feed closed")
)

// SyncConfig controls polling cadence and feed reconnection.
type SyncConfig struct {
	PollInterval   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultSyncConfig polls every 30s and reconnects feeds after 1s, 2s, 4s… capped at 30s.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{PollInterval: 30 * time.Second, BackoffInitial: time.Second, BackoffMax: 30 * time.Second}
}

func (c SyncConfig) withDefaults() SyncConfig {
	def := DefaultSyncConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = def.BackoffInitial
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = max(def.BackoffMax, c.BackoffInitial)
	}
	return c
}

// Scheduler drives periodic polls and the change feed subscriptions of one viewing context.
// Polls run on a single goroutine so they never overlap; each topic has its own feed
// goroutine that resubscribes with capped exponential backoff.
type Scheduler struct {
	vc     domain.ViewingContext
	store  ports.OrderStore
	feed   ports.ChangeFeed
	rec    *Reconciler
	cfg    SyncConfig
	logger *slog.Logger

	mu         sync.Mutex
	state      ports.SyncState
	cancel     context.CancelFunc
	runCtx     context.Context
	wg         sync.WaitGroup
	kick       chan chan error
	lastPollAt time.Time
	lastErr    string
	feeds      map[string]*ports.FeedHealth
}

// NewScheduler wires a scheduler. A nil feed means poll-only synchronisation.
func NewScheduler(rec *Reconciler, store ports.OrderStore, feed ports.ChangeFeed, cfg SyncConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		vc:     rec.Context(),
		store:  store,
		feed:   feed,
		rec:    rec,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("context", rec.Context().Key())),
		state:  ports.SyncIdle,
		feeds:  map[string]*ports.FeedHealth{},
	}
}

// Start performs an immediate poll, opens the feed subscriptions and schedules further
// polls. It returns once the first poll finished, whatever its outcome. Calling Start on a
// running scheduler is a no-op. ctx bounds the lifetime of the background work.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel
	s.kick = make(chan chan error)
	s.setStateLocked(ports.SyncStarting)
	first := make(chan struct{})
	s.wg.Add(1)
	go s.pollLoop(runCtx, s.kick, first)
	if s.feed != nil {
		for _, topic := range s.vc.Topics() {
			s.feeds[topic] = &ports.FeedHealth{Topic: topic}
			s.wg.Add(1)
			go s.feedLoop(runCtx, topic)
		}
	}
	s.mu.Unlock()

	select {
	case <-first:
	case <-runCtx.Done():
		return runCtx.Err()
	}

	s.mu.Lock()
	if s.state == ports.SyncStarting {
		s.setStateLocked(s.derivedStateLocked())
	}
	s.mu.Unlock()
	return nil
}

// Stop cancels in-flight polls and unsubscribes every feed. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	if cancel == nil {
		s.mu.Unlock()
		return
	}
	s.cancel = nil
	s.setStateLocked(ports.SyncStopping)
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.feeds = map[string]*ports.FeedHealth{}
	s.setStateLocked(ports.SyncIdle)
	s.mu.Unlock()
}

// Restart polls out of cycle, for example when a dashboard returns to the foreground.
// The regular polling period is left untouched.
func (s *Scheduler) Restart(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	kick, runCtx := s.kick, s.runCtx
	s.mu.Unlock()

	reply := make(chan error, 1)
	select {
	case kick <- reply:
	case <-runCtx.Done():
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports the connectivity indicator for operators.
func (s *Scheduler) Health() ports.SyncHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := ports.SyncHealth{
		State:         s.state,
		LastPollAt:    s.lastPollAt,
		LastPollError: s.lastErr,
		Generation:    s.rec.Generation(),
	}
	for _, topic := range s.vc.Topics() {
		if f, ok := s.feeds[topic]; ok {
			h.Feeds = append(h.Feeds, *f)
		}
	}
	return h
}

func (s *Scheduler) pollLoop(ctx context.Context, kick <-chan chan error, first chan<- struct{}) {
	defer s.wg.Done()
	_ = s.poll(ctx)
	close(first)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.poll(ctx)
		case reply := <-kick:
			reply <- s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) error {
	orders, err := s.store.FetchOrders(ctx, s.vc.Filter())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()
		s.logger.LogAttrs(ctx, slog.LevelWarn, "order poll failed", slog.String("error", err.Error()))
		return err
	}

	batch := make([]*domain.Order, 0, len(orders))
	for _, o := range orders {
		if o == nil {
			continue
		}
		if verr := o.Validate(); verr != nil {
			s.logger.LogAttrs(ctx, slog.LevelWarn, "dropping invalid order from poll",
				slog.String("order.id", o.ID), slog.String("error", verr.Error()))
			// keep the last good snapshot so a bad record does not read as a removal
			if prev, ok := s.rec.Lookup(o.ID); ok {
				batch = append(batch, prev)
			}
			continue
		}
		batch = append(batch, o)
	}
	events := s.rec.ApplyPollSnapshot(batch)

	s.mu.Lock()
	s.lastPollAt = time.Now()
	s.lastErr = ""
	s.mu.Unlock()
	s.logger.LogAttrs(ctx, slog.LevelDebug, "order poll applied",
		slog.Int("orders", len(batch)), slog.Int("events", len(events)))
	return nil
}

func (s *Scheduler) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffInitial
	b.MaxInterval = s.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(b, ctx)
}

func (s *Scheduler) feedLoop(ctx context.Context, topic string) {
	defer s.wg.Done()
	b := s.newBackOff(ctx)
	for {
		sub, err := s.feed.Subscribe(ctx, topic)
		if err == nil {
			s.feedConnected(topic)
			connectedAt := time.Now()
			err = s.consume(ctx, sub)
			_ = sub.Close()
			if time.Since(connectedAt) >= s.cfg.BackoffMax {
				b.Reset()
			}
		}
		if ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		s.feedFailed(ctx, topic, err, wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) consume(ctx context.Context, sub ports.Subscription) error {
	changes := sub.Changes()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-changes:
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return errFeedClosed
			}
			s.applyChange(ctx, change)
		}
	}
}

func (s *Scheduler) applyChange(ctx context.Context, change domain.Change) {
	if change.Order == nil {
		return
	}
	if err := change.Order.Validate(); err != nil {
		s.logger.LogAttrs(ctx, slog.LevelWarn, "dropping invalid order from change feed",
			slog.String("order.id", change.Order.ID), slog.String("error", err.Error()))
		return
	}
	s.rec.ApplyChangeEvent(change)
}

func (s *Scheduler) feedConnected(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.feeds[topic]; ok {
		f.Connected = true
		f.LastError = ""
	}
	if s.state == ports.SyncError {
		s.setStateLocked(s.derivedStateLocked())
	}
}

func (s *Scheduler) feedFailed(ctx context.Context, topic string, err error, retryIn time.Duration) {
	if err == nil {
		err = errFeedClosed
	}
	s.mu.Lock()
	if f, ok := s.feeds[topic]; ok {
		f.Connected = false
		f.Reconnects++
		f.LastError = err.Error()
	}
	if s.state == ports.SyncActive || s.state == ports.SyncStarting {
		s.setStateLocked(ports.SyncError)
	}
	s.mu.Unlock()
	s.logger.LogAttrs(ctx, slog.LevelWarn, "change feed disconnected",
		slog.String("topic", topic), slog.String("error", err.Error()), slog.Duration("retry_in", retryIn))
}

// derivedStateLocked is active unless a feed is known to be down.
func (s *Scheduler) derivedStateLocked() ports.SyncState {
	for _, f := range s.feeds {
		if !f.Connected && f.LastError != "" {
			return ports.SyncError
		}
	}
	return ports.SyncActive
}

func (s *Scheduler) setStateLocked(state ports.SyncState) {
	if s.state == state {
		return
	}
	s.logger.LogAttrs(context.Background(), slog.LevelInfo, "sync state changed",
		slog.String("from", string(s.state)), slog.String("to", string(state)))
	s.state = state
}
