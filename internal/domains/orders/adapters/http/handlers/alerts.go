package handlers

import (
	"context"
	"sync"

	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
)

var _ ports.AlertSink = (*AlertHub)(nil)

const alertBuffer = 16

// AlertHub fans audible alerts out to the dashboards streaming a store's events.
// A listener that is not draining its channel misses alerts rather than stalling others.
type AlertHub struct {
	mu        sync.Mutex
	listeners map[int64]map[chan ports.Alert]struct{}
}

func NewAlertHub() *AlertHub {
	return &AlertHub{listeners: map[int64]map[chan ports.Alert]struct{}{}}
}

// Alert delivers alert to every listener of its store.
func (h *AlertHub) Alert(_ context.Context, alert ports.Alert) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.listeners[alert.StoreID] {
		select {
		case ch <- alert:
		default:
		}
	}
	return nil
}

// Listen registers a listener for storeID until cancel is called.
func (h *AlertHub) Listen(storeID int64) (<-chan ports.Alert, func()) {
	ch := make(chan ports.Alert, alertBuffer)
	h.mu.Lock()
	if h.listeners[storeID] == nil {
		h.listeners[storeID] = map[chan ports.Alert]struct{}{}
	}
	h.listeners[storeID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners[storeID], ch)
			if len(h.listeners[storeID]) == 0 {
				delete(h.listeners, storeID)
			}
			h.mu.Unlock()
		})
	}
}

// Listeners counts listeners of storeID.
func (h *AlertHub) Listeners(storeID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[storeID])
}
