package mapper

import (
	"time"

	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
)

// Order is the transport shape of an order snapshot.
type Order struct {
	ID               string     `json:"id"`
	StoreID          int64      `json:"storeId"`
	Number           string     `json:"number"`
	CustomerName     string     `json:"customerName,omitempty"`
	Items            []LineItem `json:"items"`
	Totals           Totals     `json:"totals"`
	Status           string     `json:"status"`
	Type             string     `json:"type"`
	CreatedAt        time.Time  `json:"createdAt"`
	ScheduledFor     *time.Time `json:"scheduledFor,omitempty"`
	EstimatedReadyAt *time.Time `json:"estimatedReadyAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

type LineItem struct {
	Name      string `json:"name"`
	Quantity  int32  `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Notes     string `json:"notes,omitempty"`
}

type Totals struct {
	Subtotal int64 `json:"subtotal"`
	Tax      int64 `json:"tax"`
	Total    int64 `json:"total"`
}

// StatusUpdate is the body of PATCH .../status.
type StatusUpdate struct {
	Status string `json:"status" binding:"required"`
}

// Settings mirrors domain.Settings on the wire.
type Settings struct {
	AutoPrintOnReceive   bool `json:"autoPrintOnReceive"`
	AutoPrintOnStartPrep bool `json:"autoPrintOnStartPrep"`
	AutoPrintOnReady     bool `json:"autoPrintOnReady"`
	AutoPrintOnComplete  bool `json:"autoPrintOnComplete"`
	SoundOnNewOrder      bool `json:"soundOnNewOrder"`
	SoundOnReady         bool `json:"soundOnReady"`
}

// SettingsPatch carries the fields a PUT /v1/settings call wants to change.
type SettingsPatch struct {
	AutoPrintOnReceive   *bool `json:"autoPrintOnReceive"`
	AutoPrintOnStartPrep *bool `json:"autoPrintOnStartPrep"`
	AutoPrintOnReady     *bool `json:"autoPrintOnReady"`
	AutoPrintOnComplete  *bool `json:"autoPrintOnComplete"`
	SoundOnNewOrder      *bool `json:"soundOnNewOrder"`
	SoundOnReady         *bool `json:"soundOnReady"`
}

// Event is a domain event as sent on the SSE stream.
type Event struct {
	Name       string    `json:"name"`
	OccurredAt time.Time `json:"occurredAt"`
	OrderID    string    `json:"orderId"`
	Order      *Order    `json:"order,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Baseline   bool      `json:"baseline,omitempty"`
}

// Alert is an audible alert forwarded to the dashboard.
type Alert struct {
	Sound   string    `json:"sound"`
	OrderID string    `json:"orderId"`
	StoreID int64     `json:"storeId"`
	Number  string    `json:"number"`
	At      time.Time `json:"at"`
}

type FeedHealth struct {
	Topic      string `json:"topic"`
	Connected  bool   `json:"connected"`
	Reconnects int    `json:"reconnects"`
	LastError  string `json:"lastError,omitempty"`
}

type Health struct {
	State         string       `json:"state"`
	LastPollAt    *time.Time   `json:"lastPollAt,omitempty"`
	LastPollError string       `json:"lastPollError,omitempty"`
	Generation    uint64       `json:"generation"`
	Feeds         []FeedHealth `json:"feeds"`
}

// FromDomainOrder converts a domain order to the transport representation.
func FromDomainOrder(o *domain.Order) Order {
	if o == nil {
		return Order{}
	}
	items := make([]LineItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, LineItem{Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice, Notes: it.Notes})
	}
	return Order{
		ID:               o.ID,
		StoreID:          o.StoreID,
		Number:           o.Number,
		CustomerName:     o.CustomerName,
		Items:            items,
		Totals:           Totals{Subtotal: o.Totals.Subtotal, Tax: o.Totals.Tax, Total: o.Totals.Total},
		Status:           string(o.Status),
		Type:             string(o.Type),
		CreatedAt:        o.CreatedAt,
		ScheduledFor:     o.ScheduledFor,
		EstimatedReadyAt: o.EstimatedReadyAt,
		CompletedAt:      o.CompletedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

func FromDomainOrders(orders []*domain.Order) []Order {
	out := make([]Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, FromDomainOrder(o))
	}
	return out
}

// FromEvent flattens the event union into one transport shape.
func FromEvent(ev domain.Event) Event {
	out := Event{Name: ev.EventName(), OccurredAt: ev.OccurredAt(), OrderID: ev.OrderID()}
	switch e := ev.(type) {
	case domain.OrderAdded:
		o := FromDomainOrder(e.Order)
		out.Order = &o
		out.Baseline = e.Baseline
	case domain.OrderStatusChanged:
		o := FromDomainOrder(e.Order)
		out.Order = &o
		out.From = string(e.From)
		out.To = string(e.To)
	}
	return out
}

func FromAlert(a ports.Alert) Alert {
	return Alert{Sound: string(a.Sound), OrderID: a.OrderID, StoreID: a.StoreID, Number: a.Number, At: a.At}
}

func FromSettings(s domain.Settings) Settings {
	return Settings(s)
}

// Apply overlays the patch on current.
func (p SettingsPatch) Apply(current domain.Settings) domain.Settings {
	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&current.AutoPrintOnReceive, p.AutoPrintOnReceive)
	set(&current.AutoPrintOnStartPrep, p.AutoPrintOnStartPrep)
	set(&current.AutoPrintOnReady, p.AutoPrintOnReady)
	set(&current.AutoPrintOnComplete, p.AutoPrintOnComplete)
	set(&current.SoundOnNewOrder, p.SoundOnNewOrder)
	set(&current.SoundOnReady, p.SoundOnReady)
	return current
}

func FromHealth(h ports.SyncHealth) Health {
	out := Health{
		State:         string(h.State),
		LastPollError: h.LastPollError,
		Generation:    h.Generation,
		Feeds:         make([]FeedHealth, 0, len(h.Feeds)),
	}
	if !h.LastPollAt.IsZero() {
		at := h.LastPollAt
		out.LastPollAt = &at
	}
	for _, f := range h.Feeds {
		out.Feeds = append(out.Feeds, FeedHealth{Topic: f.Topic, Connected: f.Connected, Reconnects: f.Reconnects, LastError: f.LastError})
	}
	return out
}
