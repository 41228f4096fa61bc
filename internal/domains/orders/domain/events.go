package domain

import "time"

// Event is emitted by a reconciler's merge step.
type Event interface {
	EventName() string
	OccurredAt() time.Time
	OrderID() string
}

// BaseEvent provides common event metadata.
type BaseEvent struct {
	Timestamp time.Time
}

// OccurredAt returns when the event occurred.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// OrderAdded is raised the first time an order is observed in a viewing context.
// Baseline marks orders seeded by the first poll, which must not trigger side effects.
type OrderAdded struct {
	BaseEvent
	Order    *Order
	Baseline bool
}

// EventName returns the event type identifier.
func (e OrderAdded) EventName() string { return "orders.order.added" }

// OrderID returns the affected order id.
func (e OrderAdded) OrderID() string { return e.Order.ID }

// OrderStatusChanged is raised when an observed status differs from the one last shown.
type OrderStatusChanged struct {
	BaseEvent
	From  Status
	To    Status
	Order *Order
}

// EventName returns the event type identifier.
func (e OrderStatusChanged) EventName() string { return "orders.order.status_changed" }

// OrderID returns the affected order id.
func (e OrderStatusChanged) OrderID() string { return e.Order.ID }

// OrderRemoved is raised when a poll no longer contains a known order.
type OrderRemoved struct {
	BaseEvent
	ID string
}

// EventName returns the event type identifier.
func (e OrderRemoved) EventName() string { return "orders.order.removed" }

// OrderID returns the affected order id.
func (e OrderRemoved) OrderID() string { return e.ID }
