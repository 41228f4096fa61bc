package application

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
)

const defaultEffectQueue = 64

// SettingsStore holds the side-effect configuration shared by every session.
type SettingsStore struct {
	v atomic.Pointer[domain.Settings]
}

// NewSettingsStore seeds the store with initial settings.
func NewSettingsStore(initial domain.Settings) *SettingsStore {
	s := &SettingsStore{}
	s.Store(initial)
	return s
}

// Load returns the current settings.
func (s *SettingsStore) Load() domain.Settings {
	if s == nil {
		return domain.DefaultSettings()
	}
	if v := s.v.Load(); v != nil {
		return *v
	}
	return domain.DefaultSettings()
}

// Store replaces the settings.
func (s *SettingsStore) Store(settings domain.Settings) {
	s.v.Store(&settings)
}

type effect struct {
	alert *ports.Alert
	print *ports.PrintJob
}

// Dispatcher maps domain events to sounds and print jobs. Effects run on a single
// background worker so the merge path never blocks; a full queue drops the effect.
// It keeps no dedup state: the reconciler only emits genuine transitions.
type Dispatcher struct {
	settings *SettingsStore
	printer  ports.Printer
	alerts   ports.AlertSink
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan effect
	wg     sync.WaitGroup
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger used for dropped and failed effects.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithQueueSize bounds the number of effects waiting for the worker.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan effect, n)
		}
	}
}

// NewDispatcher starts the effect worker. Nil printer or alert sink disables that effect.
func NewDispatcher(settings *SettingsStore, printer ports.Printer, alerts ports.AlertSink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		settings: settings,
		printer:  printer,
		alerts:   alerts,
		logger:   slog.Default(),
		now:      time.Now,
		queue:    make(chan effect, defaultEffectQueue),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// OnEvent enqueues the effects the current settings attach to ev.
func (d *Dispatcher) OnEvent(ev domain.Event) {
	effects := d.plan(ev, d.settings.Load())
	if len(effects) == 0 {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, e := range effects {
		select {
		case d.queue <- e:
		default:
			d.logger.LogAttrs(context.Background(), slog.LevelWarn, "side effect queue full, dropping effect",
				slog.String("order.id", ev.OrderID()), slog.String("event", ev.EventName()))
		}
	}
}

// Close stops accepting effects and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) plan(ev domain.Event, s domain.Settings) []effect {
	var out []effect
	switch e := ev.(type) {
	case domain.OrderAdded:
		if e.Baseline || e.Order == nil || e.Order.Status != domain.StatusReceived {
			return nil
		}
		if s.SoundOnNewOrder {
			out = append(out, d.alertFor(ports.SoundNewOrder, e.Order))
		}
		if s.AutoPrintOnReceive {
			out = append(out, d.printFor(ports.PrintOnReceive, e.Order))
		}
	case domain.OrderStatusChanged:
		if e.Order == nil {
			return nil
		}
		switch e.To {
		case domain.StatusPreparing:
			if s.AutoPrintOnStartPrep {
				out = append(out, d.printFor(ports.PrintOnStartPrep, e.Order))
			}
		case domain.StatusReady:
			if s.SoundOnReady {
				out = append(out, d.alertFor(ports.SoundOrderReady, e.Order))
			}
			if s.AutoPrintOnReady {
				out = append(out, d.printFor(ports.PrintOnReady, e.Order))
			}
		case domain.StatusCompleted:
			if s.AutoPrintOnComplete {
				out = append(out, d.printFor(ports.PrintOnComplete, e.Order))
			}
		}
	}
	return out
}

func (d *Dispatcher) alertFor(sound ports.Sound, o *domain.Order) effect {
	return effect{alert: &ports.Alert{Sound: sound, OrderID: o.ID, StoreID: o.StoreID, Number: o.Number, At: d.now()}}
}

func (d *Dispatcher) printFor(reason ports.PrintReason, o *domain.Order) effect {
	return effect{print: &ports.PrintJob{ID: ulid.Make().String(), Reason: reason, Order: o.Clone(), CreatedAt: d.now()}}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for e := range d.queue {
		d.execute(e)
	}
}

func (d *Dispatcher) execute(e effect) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch {
	case e.alert != nil:
		if d.alerts == nil {
			return
		}
		if err := d.alerts.Alert(ctx, *e.alert); err != nil {
			d.logger.LogAttrs(ctx, slog.LevelError, "alert failed",
				slog.String("order.id", e.alert.OrderID), slog.String("sound", string(e.alert.Sound)), slog.String("error", err.Error()))
		}
	case e.print != nil:
		if d.printer == nil {
			return
		}
		if err := d.printer.Print(ctx, *e.print); err != nil {
			d.logger.LogAttrs(ctx, slog.LevelError, "print job failed",
				slog.String("order.id", e.print.Order.ID), slog.String("job.id", e.print.ID),
				slog.String("reason", string(e.print.Reason)), slog.String("error", err.Error()))
		}
	}
}
