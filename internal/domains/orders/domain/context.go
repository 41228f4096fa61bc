package domain

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidContext = errors.New("viewing context must name at least one store")

// ViewingContext is the scope a reconciler keeps state for: all orders of a set of
// stores, or a single order.
type ViewingContext struct {
	StoreIDs        []int64
	OrderID         string
	IncludeTerminal bool
}

// ForStores builds a context covering every order of the given stores.
func ForStores(storeIDs ...int64) ViewingContext {
	ids := append([]int64(nil), storeIDs...)
	slices.Sort(ids)
	return ViewingContext{StoreIDs: slices.Compact(ids)}
}

// ForOrder builds a context following one order of a store. Terminal states are
// kept so the order does not vanish when it completes.
func ForOrder(storeID int64, orderID string) ViewingContext {
	return ViewingContext{StoreIDs: []int64{storeID}, OrderID: orderID, IncludeTerminal: true}
}

// WithTerminal returns a copy that also keeps completed and cancelled orders.
func (vc ViewingContext) WithTerminal(include bool) ViewingContext {
	vc.IncludeTerminal = include
	return vc
}

// Validate checks the context is usable.
func (vc ViewingContext) Validate() error {
	if len(vc.StoreIDs) == 0 {
		return ErrInvalidContext
	}
	for _, id := range vc.StoreIDs {
		if id <= 0 {
			return ErrInvalidStoreID
		}
	}
	return nil
}

// SingleOrder reports whether the context follows one order.
func (vc ViewingContext) SingleOrder() bool { return vc.OrderID != "" }

// Key identifies the context for registry lookups.
func (vc ViewingContext) Key() string {
	parts := make([]string, 0, len(vc.StoreIDs))
	for _, id := range vc.StoreIDs {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	key := "stores=" + strings.Join(parts, ",")
	if vc.SingleOrder() {
		key += ";order=" + vc.OrderID
	}
	if vc.IncludeTerminal {
		key += ";terminal"
	}
	return key
}

// Topics lists the change feed topics the context listens to.
func (vc ViewingContext) Topics() []string {
	if vc.SingleOrder() {
		return []string{OrderTopic(vc.OrderID)}
	}
	topics := make([]string, 0, len(vc.StoreIDs))
	for _, id := range vc.StoreIDs {
		topics = append(topics, StoreTopic(id))
	}
	return topics
}

// Filter converts the context into the store query it stands for.
func (vc ViewingContext) Filter() FetchFilter {
	return FetchFilter{
		StoreIDs:        append([]int64(nil), vc.StoreIDs...),
		OrderID:         vc.OrderID,
		IncludeTerminal: vc.IncludeTerminal,
	}
}

// Admits reports whether an observed order belongs to this context.
func (vc ViewingContext) Admits(o *Order) bool {
	if o == nil {
		return false
	}
	if vc.SingleOrder() && o.ID != vc.OrderID {
		return false
	}
	return slices.Contains(vc.StoreIDs, o.StoreID)
}

// String implements fmt.Stringer.
func (vc ViewingContext) String() string { return vc.Key() }

// StoreTopic is the change feed topic for all orders of a store.
func StoreTopic(storeID int64) string { return fmt.Sprintf("orders:store:%d", storeID) }

// OrderTopic is the change feed topic for a single order.
func OrderTopic(orderID string) string { return "orders:order:" + orderID }

// FetchFilter is the query an order store answers with a full snapshot.
type FetchFilter struct {
	StoreIDs        []int64
	OrderID         string
	IncludeTerminal bool
}

// Matches reports whether the order would be returned by the filter.
func (f FetchFilter) Matches(o *Order) bool {
	if o == nil {
		return false
	}
	if !slices.Contains(f.StoreIDs, o.StoreID) {
		return false
	}
	if f.OrderID != "" && o.ID != f.OrderID {
		return false
	}
	if !f.IncludeTerminal && o.Status.Terminal() {
		return false
	}
	return true
}

// ChangeKind tells whether a pushed row was inserted or updated.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
)

// Change is one element of a change feed stream.
type Change struct {
	Kind  ChangeKind
	Order *Order
}

// Patch is a local, unconfirmed mutation applied before the store acknowledges it.
type Patch struct {
	Status           Status
	EstimatedReadyAt *time.Time
}
