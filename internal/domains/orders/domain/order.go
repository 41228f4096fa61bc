package domain

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// Status enumerates order progression.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusReceived  Status = "received"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Type describes how the order reaches the customer.
type Type string

const (
	TypePickup   Type = "pickup"
	TypeDelivery Type = "delivery"
	TypeDineIn   Type = "dine_in"
)

var (
	ErrMissingID          = errors.New("order id is required")
	ErrInvalidStoreID     = errors.New("store id must be greater than zero")
	ErrInvalidStatus      = errors.New("order status is invalid")
	ErrInvalidType        = errors.New("order type is invalid")
	ErrInvalidTotals      = errors.New("order totals must be non-negative and total must equal subtotal plus tax")
	ErrInvalidQuantity    = errors.New("line item quantity must be greater than zero")
	ErrCompletionMismatch = errors.New("completedAt must be set exactly when the status is terminal")
	ErrInvalidReadyAt     = errors.New("estimatedReadyAt must not precede createdAt")
)

// LineItem is one ordered product. Prices are in minor currency units.
type LineItem struct {
	Name      string
	Quantity  int32
	UnitPrice int64
	Notes     string
}

// Totals carries the monetary summary of an order in minor currency units.
type Totals struct {
	Subtotal int64
	Tax      int64
	Total    int64
}

// Order is the snapshot of a restaurant order as last observed from the store.
type Order struct {
	ID               string
	StoreID          int64
	Number           string
	CustomerName     string
	Items            []LineItem
	Totals           Totals
	Status           Status
	Type             Type
	CreatedAt        time.Time
	ScheduledFor     *time.Time
	EstimatedReadyAt *time.Time
	CompletedAt      *time.Time
	UpdatedAt        time.Time
}

// Validate enforces invariants on the snapshot.
func (o *Order) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return ErrMissingID
	}
	if o.StoreID <= 0 {
		return ErrInvalidStoreID
	}
	if !o.Status.Valid() {
		return ErrInvalidStatus
	}
	if !o.Type.Valid() {
		return ErrInvalidType
	}
	t := o.Totals
	if t.Subtotal < 0 || t.Tax < 0 || t.Total < 0 || t.Total != t.Subtotal+t.Tax {
		return ErrInvalidTotals
	}
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			return ErrInvalidQuantity
		}
	}
	if (o.CompletedAt != nil) != o.Status.Terminal() {
		return ErrCompletionMismatch
	}
	if o.EstimatedReadyAt != nil && o.EstimatedReadyAt.Before(o.CreatedAt) {
		return ErrInvalidReadyAt
	}
	return nil
}

// ApplyStatus moves the order to status and keeps completedAt consistent with it.
func (o *Order) ApplyStatus(status Status, at time.Time) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	o.Status = status
	if status.Terminal() {
		if o.CompletedAt == nil {
			ts := at
			o.CompletedAt = &ts
		}
	} else {
		o.CompletedAt = nil
	}
	o.UpdatedAt = at
	return nil
}

// Clone returns a deep copy so callers can hand snapshots out without sharing state.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.Items != nil {
		c.Items = append([]LineItem(nil), o.Items...)
	}
	c.ScheduledFor = cloneTime(o.ScheduledFor)
	c.EstimatedReadyAt = cloneTime(o.EstimatedReadyAt)
	c.CompletedAt = cloneTime(o.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Valid reports whether the status is part of the known vocabulary.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusReceived, StatusPreparing, StatusReady, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further progression is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether from → to is part of the kitchen workflow.
// The store is authoritative, so observed transitions outside this table are still reported as-is.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusScheduled:
		return to == StatusReceived || to == StatusCancelled
	case StatusReceived:
		return to == StatusPreparing || to == StatusCancelled
	case StatusPreparing:
		return to == StatusReady || to == StatusCancelled
	case StatusReady:
		return to == StatusCompleted
	default:
		return false
	}
}

// Valid reports whether the order type is known.
func (t Type) Valid() bool {
	switch t {
	case TypePickup, TypeDelivery, TypeDineIn:
		return true
	default:
		return false
	}
}

// ParseStatus converts a wire value into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", ErrInvalidStatus
	}
	return s, nil
}

// SortNewestFirst orders by creation time descending, breaking ties by id.
func SortNewestFirst(orders []*Order) {
	slices.SortStableFunc(orders, func(a, b *Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
