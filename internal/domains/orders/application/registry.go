package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
)

// ErrRegistryClosed is returned by Acquire after Close.
var ErrRegistryClosed = errors.New("session registry closed")

// Session is the reconciler, dispatcher and scheduler trio serving one viewing context.
type Session struct {
	vc         domain.ViewingContext
	Reconciler *Reconciler
	Dispatcher *Dispatcher
	Scheduler  *Scheduler

	refs   int
	ready  chan struct{}
	cancel context.CancelFunc
	detach []func()
}

// Context returns the viewing context of the session.
func (s *Session) Context() domain.ViewingContext { return s.vc }

func (s *Session) stop() {
	s.cancel()
	<-s.ready
	s.Scheduler.Stop()
	for _, fn := range s.detach {
		fn()
	}
	s.Dispatcher.Close()
}

// Registry keeps at most one running session per viewing context and shares it between
// every holder. Sessions start on first Acquire and stop when the last holder releases.
type Registry struct {
	store     ports.OrderStore
	feed      ports.ChangeFeed
	settings  *SettingsStore
	printer   ports.Printer
	alerts    ports.AlertSink
	cfg       SyncConfig
	observers []func(domain.Event)
	logger    *slog.Logger

	base     context.Context
	stopBase context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithSyncConfig sets polling and reconnection timings.
func WithSyncConfig(cfg SyncConfig) RegistryOption {
	return func(r *Registry) { r.cfg = cfg }
}

// WithPrinter sets the kitchen printer used by every session.
func WithPrinter(p ports.Printer) RegistryOption {
	return func(r *Registry) { r.printer = p }
}

// WithAlertSink sets where audible alerts are delivered.
func WithAlertSink(a ports.AlertSink) RegistryOption {
	return func(r *Registry) { r.alerts = a }
}

// WithSessionObserver attaches fn to the events of every session.
func WithSessionObserver(fn func(domain.Event)) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.observers = append(r.observers, fn)
		}
	}
}

// WithRegistryLogger sets the logger handed to schedulers and dispatchers.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry builds an empty registry. A nil feed gives poll-only sessions.
func NewRegistry(store ports.OrderStore, feed ports.ChangeFeed, settings *SettingsStore, opts ...RegistryOption) *Registry {
	if settings == nil {
		settings = NewSettingsStore(domain.DefaultSettings())
	}
	r := &Registry{
		store:    store,
		feed:     feed,
		settings: settings,
		cfg:      DefaultSyncConfig(),
		logger:   slog.Default(),
		sessions: map[string]*Session{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.base, r.stopBase = context.WithCancel(context.Background())
	return r
}

// Acquire returns the running session for vc, starting it when needed, and takes a
// reference that must be returned with Release. It waits for the first poll.
func (r *Registry) Acquire(ctx context.Context, vc domain.ViewingContext) (*Session, error) {
	if err := vc.Validate(); err != nil {
		return nil, mapError(err)
	}
	key := vc.Key()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	sess, ok := r.sessions[key]
	if ok {
		sess.refs++
	} else {
		sess = r.newSession(vc)
		r.sessions[key] = sess
		sessCtx, cancel := context.WithCancel(r.base)
		sess.cancel = cancel
		go func() {
			if err := sess.Scheduler.Start(sessCtx); err != nil {
				r.logger.LogAttrs(r.base, slog.LevelDebug, "session start interrupted",
					slog.String("context", key), slog.String("error", err.Error()))
			}
			close(sess.ready)
		}()
	}
	r.mu.Unlock()

	select {
	case <-sess.ready:
		return sess, nil
	case <-ctx.Done():
		r.Release(vc)
		return nil, ctx.Err()
	}
}

// Release drops a reference taken by Acquire and stops the session once unused.
func (r *Registry) Release(vc domain.ViewingContext) {
	key := vc.Key()
	r.mu.Lock()
	sess, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	sess.refs--
	if sess.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, key)
	r.mu.Unlock()
	sess.stop()
}

// Lookup returns the running session for vc without taking a reference.
func (r *Registry) Lookup(vc domain.ViewingContext) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[vc.Key()]
	return sess, ok
}

// Contexts lists the viewing contexts with a running session.
func (r *Registry) Contexts() []domain.ViewingContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ViewingContext, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess.vc)
	}
	return out
}

// Close stops every session. Further Acquire calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = map[string]*Session{}
	r.mu.Unlock()

	r.stopBase()
	for _, sess := range sessions {
		sess.stop()
	}
}

func (r *Registry) newSession(vc domain.ViewingContext) *Session {
	logger := r.logger.With(slog.String("context", vc.Key()))
	rec := NewReconciler(vc)
	disp := NewDispatcher(r.settings, r.printer, r.alerts, WithDispatcherLogger(logger))
	sess := &Session{
		vc:         vc,
		Reconciler: rec,
		Dispatcher: disp,
		Scheduler:  NewScheduler(rec, r.store, r.feed, r.cfg, r.logger),
		refs:       1,
		ready:      make(chan struct{}),
	}
	sess.detach = append(sess.detach, rec.Subscribe(disp.OnEvent))
	for _, fn := range r.observers {
		sess.detach = append(sess.detach, rec.Subscribe(fn))
	}
	return sess
}
