package handlers

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Apurer/orderdesk/internal/domains/orders/adapters/http/mapper"
	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
)

const (
	defaultKeepAlive = 15 * time.Second
	eventBuffer      = 64
)

// OrdersAPI wires HTTP transport with the live order service.
type OrdersAPI struct {
	service   ports.Service
	alerts    *AlertHub
	keepAlive time.Duration
}

// NewOrdersAPI creates an OrdersAPI. alerts may be nil when audible alerts are not forwarded.
func NewOrdersAPI(service ports.Service, alerts *AlertHub) *OrdersAPI {
	return &OrdersAPI{service: service, alerts: alerts, keepAlive: defaultKeepAlive}
}

// Get /v1/stores/:storeId/orders
// Lists the live orders of a store, newest first
func (api *OrdersAPI) ListOrders(c *gin.Context) {
	storeID, ok := parseStoreID(c)
	if !ok {
		return
	}
	vc := domain.ForStores(storeID).WithTerminal(queryBool(c, "includeTerminal"))
	orders, err := api.service.CurrentOrders(c.Request.Context(), vc)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, mapper.FromDomainOrders(orders))
}

// Get /v1/stores/:storeId/orders/:orderId
// Tracks a single order
func (api *OrdersAPI) GetOrder(c *gin.Context) {
	storeID, ok := parseStoreID(c)
	if !ok {
		return
	}
	orderID := c.Param("orderId")
	orders, err := api.service.CurrentOrders(c.Request.Context(), domain.ForOrder(storeID, orderID))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if len(orders) == 0 {
		responder.NotFound(c, "order", orderID)
		return
	}
	c.JSON(http.StatusOK, mapper.FromDomainOrder(orders[0]))
}

// Patch /v1/stores/:storeId/orders/:orderId/status
// Moves an order along the kitchen workflow
func (api *OrdersAPI) UpdateStatus(c *gin.Context) {
	storeID, ok := parseStoreID(c)
	if !ok {
		return
	}
	var payload mapper.StatusUpdate
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	status, err := domain.ParseStatus(payload.Status)
	if err != nil {
		responder.ValidationFailed(c, map[string]string{"status": err.Error()})
		return
	}
	order, err := api.service.UpdateStatus(c.Request.Context(), domain.ForStores(storeID), c.Param("orderId"), status)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, mapper.FromDomainOrder(order))
}

// Post /v1/stores/:storeId/resume
// Catches a store up with an out-of-cycle poll
func (api *OrdersAPI) Resume(c *gin.Context) {
	storeID, ok := parseStoreID(c)
	if !ok {
		return
	}
	if err := api.service.Resume(c.Request.Context(), domain.ForStores(storeID)); err != nil {
		respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Get /v1/stores/:storeId/health
func (api *OrdersAPI) Health(c *gin.Context) {
	storeID, ok := parseStoreID(c)
	if !ok {
		return
	}
	health, err := api.service.Health(c.Request.Context(), domain.ForStores(storeID))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, mapper.FromHealth(health))
}

// Get /v1/settings
func (api *OrdersAPI) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, mapper.FromSettings(api.service.Settings(c.Request.Context())))
}

// Put /v1/settings
// Changes the side-effect configuration; omitted fields keep their value
func (api *OrdersAPI) UpdateSettings(c *gin.Context) {
	var patch mapper.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	ctx := c.Request.Context()
	updated, err := api.service.UpdateSettings(ctx, patch.Apply(api.service.Settings(ctx)))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, mapper.FromSettings(updated))
}

// Get /v1/stores/:storeId/events
// Streams a snapshot followed by domain events and alerts as server-sent events
func (api *OrdersAPI) StreamEvents(c *gin.Context) {
	storeID, ok := parseStoreID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	vc := domain.ForStores(storeID)

	events := make(chan domain.Event, eventBuffer)
	overflow := make(chan struct{})
	var overflowed bool
	unsubscribe, err := api.service.Subscribe(ctx, vc, func(ev domain.Event) {
		select {
		case events <- ev:
		default:
			// The client fell behind; end the stream so it reconnects with a fresh snapshot.
			if !overflowed {
				overflowed = true
				close(overflow)
			}
		}
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	defer unsubscribe()

	var alerts <-chan ports.Alert
	if api.alerts != nil {
		ch, stop := api.alerts.Listen(storeID)
		defer stop()
		alerts = ch
	}

	snapshot, err := api.service.CurrentOrders(ctx, vc)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("snapshot", mapper.FromDomainOrders(snapshot))
	c.Writer.Flush()

	keepAlive := time.NewTicker(api.keepAlive)
	defer keepAlive.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-overflow:
			return false
		case ev := <-events:
			c.SSEvent(ev.EventName(), mapper.FromEvent(ev))
			return true
		case alert := <-alerts:
			c.SSEvent("alert", mapper.FromAlert(alert))
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
}

func parseStoreID(c *gin.Context) (int64, bool) {
	raw := c.Param("storeId")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		responder.ValidationFailed(c, map[string]string{"storeId": "must be a positive integer"})
		return 0, false
	}
	return id, true
}

func queryBool(c *gin.Context, key string) bool {
	v, err := strconv.ParseBool(c.Query(key))
	return err == nil && v
}
