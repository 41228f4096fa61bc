package application

import (
	"slices"
	"sync"
	"time"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
)

// Reconciler owns the known order set of one viewing context and turns poll snapshots,
// pushed changes and optimistic patches into an ordered stream of domain events.
//
// All inputs are serialised by one mutex. Events are handed to observers in the order
// their inputs were applied, outside the state lock, so observers may read CurrentOrders
// but must not feed inputs back synchronously.
type Reconciler struct {
	vc  domain.ViewingContext
	now func() time.Time

	mu         sync.Mutex
	known      map[string]*knownOrder
	generation uint64
	baselined  bool
	observers  []observer
	nextObs    int
	issued     uint64

	emitMu    sync.Mutex
	emitTurn  *sync.Cond
	delivered uint64
}

type knownOrder struct {
	order   *domain.Order
	pending bool
}

type observer struct {
	id int
	fn func(domain.Event)
}

// ReconcilerOption customises a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithClock overrides the time source used for event timestamps and optimistic completion times.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler builds an empty reconciler for the viewing context.
func NewReconciler(vc domain.ViewingContext, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		vc:    vc,
		now:   time.Now,
		known: map[string]*knownOrder{},
	}
	r.emitTurn = sync.NewCond(&r.emitMu)
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Context returns the viewing context the reconciler serves.
func (r *Reconciler) Context() domain.ViewingContext { return r.vc }

// ApplyPollSnapshot replaces the known set with a full snapshot. Additions are reported in
// input order, then status changes, then removals. The first snapshot is the baseline and
// its additions carry Baseline=true.
func (r *Reconciler) ApplyPollSnapshot(orders []*domain.Order) []domain.Event {
	r.mu.Lock()
	baseline := !r.baselined
	r.baselined = true
	at := r.now()

	ids := make([]string, 0, len(orders))
	latest := make(map[string]*domain.Order, len(orders))
	for _, o := range orders {
		if !r.vc.Admits(o) {
			continue
		}
		if _, dup := latest[o.ID]; !dup {
			ids = append(ids, o.ID)
		}
		latest[o.ID] = o
	}

	var added, changed, removed []domain.Event
	next := make(map[string]*knownOrder, len(ids))
	for _, id := range ids {
		o := latest[id].Clone()
		next[id] = &knownOrder{order: o}
		prev, ok := r.known[id]
		switch {
		case !ok:
			added = append(added, domain.OrderAdded{BaseEvent: domain.BaseEvent{Timestamp: at}, Order: o.Clone(), Baseline: baseline})
		case prev.order.Status != o.Status:
			changed = append(changed, statusChanged(at, prev.order.Status, o))
		}
	}
	gone := make([]string, 0)
	for id := range r.known {
		if _, ok := next[id]; !ok {
			gone = append(gone, id)
		}
	}
	slices.Sort(gone)
	for _, id := range gone {
		removed = append(removed, domain.OrderRemoved{BaseEvent: domain.BaseEvent{Timestamp: at}, ID: id})
	}
	r.known = next
	r.generation++

	events := make([]domain.Event, 0, len(added)+len(changed)+len(removed))
	events = append(events, added...)
	events = append(events, changed...)
	events = append(events, removed...)
	return r.publishLocked(events)
}

// ApplyChangeEvent upserts a single pushed order. Orders outside the viewing context are
// ignored without touching state.
func (r *Reconciler) ApplyChangeEvent(change domain.Change) []domain.Event {
	o := change.Order
	if !r.vc.Admits(o) {
		return nil
	}
	r.mu.Lock()
	at := r.now()
	o = o.Clone()
	var events []domain.Event
	prev, ok := r.known[o.ID]
	switch {
	case !ok:
		// Before the first poll only genuine inserts count as new; an update for an
		// unseen order is a pre-existing order the baseline will cover.
		baseline := !r.baselined && change.Kind != domain.ChangeInsert
		events = append(events, domain.OrderAdded{BaseEvent: domain.BaseEvent{Timestamp: at}, Order: o.Clone(), Baseline: baseline})
	case prev.order.Status != o.Status:
		events = append(events, statusChanged(at, prev.order.Status, o))
	}
	r.known[o.ID] = &knownOrder{order: o}
	return r.publishLocked(events)
}

// ApplyOptimisticPatch applies a local mutation before the store confirms it. The entry is
// marked pending until the next poll or push for the same id overwrites it.
func (r *Reconciler) ApplyOptimisticPatch(id string, patch domain.Patch) []domain.Event {
	r.mu.Lock()
	entry, ok := r.known[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	at := r.now()
	o := entry.order.Clone()
	var events []domain.Event
	if patch.Status != "" && patch.Status != o.Status {
		if err := o.ApplyStatus(patch.Status, at); err != nil {
			r.mu.Unlock()
			return nil
		}
		events = append(events, statusChanged(at, entry.order.Status, o))
	}
	if patch.EstimatedReadyAt != nil {
		ts := *patch.EstimatedReadyAt
		o.EstimatedReadyAt = &ts
	}
	r.known[id] = &knownOrder{order: o, pending: true}
	return r.publishLocked(events)
}

// CurrentOrders returns a copy of every known order, newest first.
func (r *Reconciler) CurrentOrders() []*domain.Order {
	r.mu.Lock()
	out := make([]*domain.Order, 0, len(r.known))
	for _, entry := range r.known {
		out = append(out, entry.order.Clone())
	}
	r.mu.Unlock()
	domain.SortNewestFirst(out)
	return out
}

// Lookup returns a copy of one known order.
func (r *Reconciler) Lookup(id string) (*domain.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.known[id]
	if !ok {
		return nil, false
	}
	return entry.order.Clone(), true
}

// Pending reports whether the order carries an unconfirmed optimistic patch.
func (r *Reconciler) Pending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.known[id]
	return ok && entry.pending
}

// Generation counts successful full polls.
func (r *Reconciler) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// Subscribe registers an observer for every event emitted after the call.
func (r *Reconciler) Subscribe(fn func(domain.Event)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextObs++
	id := r.nextObs
	r.observers = append(slices.Clone(r.observers), observer{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.observers = slices.DeleteFunc(slices.Clone(r.observers), func(o observer) bool { return o.id == id })
			r.mu.Unlock()
		})
	}
}

// publishLocked must be entered holding r.mu and releases it. Each batch takes a ticket
// under r.mu and is delivered once every earlier ticket has been, so deliveries keep the
// order in which inputs were applied while r.mu stays free for observers.
func (r *Reconciler) publishLocked(events []domain.Event) []domain.Event {
	if len(events) == 0 {
		r.mu.Unlock()
		return nil
	}
	observers := r.observers
	ticket := r.issued
	r.issued++
	r.mu.Unlock()

	r.emitMu.Lock()
	for r.delivered != ticket {
		r.emitTurn.Wait()
	}
	r.emitMu.Unlock()
	defer func() {
		r.emitMu.Lock()
		r.delivered++
		r.emitTurn.Broadcast()
		r.emitMu.Unlock()
	}()
	for _, ev := range events {
		for _, o := range observers {
			o.fn(ev)
		}
	}
	return events
}

func statusChanged(at time.Time, from domain.Status, o *domain.Order) domain.OrderStatusChanged {
	return domain.OrderStatusChanged{
		BaseEvent: domain.BaseEvent{Timestamp: at},
		From:      from,
		To:        o.Status,
		Order:     o.Clone(),
	}
}
