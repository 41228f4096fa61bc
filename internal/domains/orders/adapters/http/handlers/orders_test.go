package handlers

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/Apurer/orderdesk/internal/domains/orders/adapters/memory"
	"github.com/Apurer/orderdesk/internal/domains/orders/application"
	"github.com/Apurer/orderdesk/internal/domains/orders/domain"
	"github.com/Apurer/orderdesk/internal/domains/orders/ports"
)

type testAPI struct {
	router   *gin.Engine
	store    *memory.Store
	service  *application.Service
	registry *application.Registry
	alerts   *AlertHub
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	feed := memory.NewFeed()
	store := memory.NewStore(memory.WithFeed(feed))
	alerts := NewAlertHub()
	reg := application.NewRegistry(store, feed, nil,
		application.WithSyncConfig(application.SyncConfig{PollInterval: 20 * time.Millisecond, BackoffInitial: 5 * time.Millisecond, BackoffMax: 20 * time.Millisecond}),
		application.WithAlertSink(alerts),
	)
	t.Cleanup(reg.Close)
	svc := application.NewService(reg)
	return &testAPI{
		router:   NewRouter(NewOrdersAPI(svc, alerts)),
		store:    store,
		service:  svc,
		registry: reg,
		alerts:   alerts,
	}
}

func (a *testAPI) create(t *testing.T, id string, storeID int64, status domain.Status) *domain.Order {
	t.Helper()
	order := &domain.Order{
		ID:      id,
		StoreID: storeID,
		Number:  "#" + id,
		Items:   []domain.LineItem{{Name: "Ramen", Quantity: 2, UnitPrice: 900}},
		Totals:  domain.Totals{Subtotal: 1800, Tax: 144, Total: 1944},
		Status:  status,
		Type:    domain.TypeDelivery,
	}
	if status.Terminal() {
		done := time.Now().UTC()
		order.CompletedAt = &done
	}
	o, err := a.store.Create(context.Background(), order)
	require.NoError(t, err)
	return o
}

func (a *testAPI) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func TestListOrders(t *testing.T) {
	api := newTestAPI(t)
	api.create(t, "o1", 7, domain.StatusReceived)
	api.create(t, "o2", 7, domain.StatusCompleted)
	api.create(t, "o3", 8, domain.StatusReceived)

	rec := api.do(http.MethodGet, "/v1/stores/7/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := gjson.Parse(rec.Body.String())
	require.Equal(t, int64(1), body.Get("#").Int())
	require.Equal(t, "o1", body.Get("0.id").String())
	require.Equal(t, int64(1944), body.Get("0.totals.total").Int())
	require.Equal(t, "delivery", body.Get("0.type").String())

	rec = api.do(http.MethodGet, "/v1/stores/7/orders?includeTerminal=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(2), gjson.Get(rec.Body.String(), "#").Int())
}

func TestListOrdersRejectsBadStoreID(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/v1/stores/abc/orders", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	require.Equal(t, "must be a positive integer", gjson.Get(rec.Body.String(), "extensions.fields.storeId").String())
}

func TestGetOrder(t *testing.T) {
	api := newTestAPI(t)
	api.create(t, "o1", 7, domain.StatusReceived)

	rec := api.do(http.MethodGet, "/v1/stores/7/orders/o1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "received", gjson.Get(rec.Body.String(), "status").String())

	rec = api.do(http.MethodGet, "/v1/stores/7/orders/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "/problems/not-found", gjson.Get(rec.Body.String(), "type").String())

	// an order of another store is not visible through this store
	rec = api.do(http.MethodGet, "/v1/stores/8/orders/o1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateStatus(t *testing.T) {
	api := newTestAPI(t)
	api.create(t, "o1", 7, domain.StatusReceived)

	rec := api.do(http.MethodPatch, "/v1/stores/7/orders/o1/status", `{"status":"preparing"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "preparing", gjson.Get(rec.Body.String(), "status").String())

	orders, err := api.store.FetchOrders(context.Background(), domain.ForStores(7).Filter())
	require.NoError(t, err)
	require.Equal(t, domain.StatusPreparing, orders[0].Status)
}

func TestUpdateStatusErrors(t *testing.T) {
	api := newTestAPI(t)
	api.create(t, "o1", 7, domain.StatusCompleted)

	rec := api.do(http.MethodPatch, "/v1/stores/7/orders/o1/status", `{"status":"preparing"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "/problems/conflict", gjson.Get(rec.Body.String(), "type").String())

	rec = api.do(http.MethodPatch, "/v1/stores/7/orders/nope/status", `{"status":"ready"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// an order of another store cannot be changed through this store
	api.create(t, "x", 8, domain.StatusReceived)
	rec = api.do(http.MethodPatch, "/v1/stores/7/orders/x/status", `{"status":"ready"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	other, err := api.store.FetchOrders(context.Background(), domain.ForStores(8).Filter())
	require.NoError(t, err)
	require.Equal(t, domain.StatusReceived, other[0].Status)

	rec = api.do(http.MethodPatch, "/v1/stores/7/orders/o1/status", `{"status":"shipped"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.True(t, gjson.Get(rec.Body.String(), "extensions.fields.status").Exists())

	rec = api.do(http.MethodPatch, "/v1/stores/7/orders/o1/status", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "/problems/bad-request", gjson.Get(rec.Body.String(), "type").String())
}

func TestSettingsEndpoints(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(http.MethodGet, "/v1/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, gjson.Get(rec.Body.String(), "soundOnNewOrder").Bool())
	require.False(t, gjson.Get(rec.Body.String(), "autoPrintOnReceive").Bool())

	rec = api.do(http.MethodPut, "/v1/settings", `{"autoPrintOnReceive":true,"soundOnReady":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := gjson.Parse(rec.Body.String())
	require.True(t, body.Get("autoPrintOnReceive").Bool())
	require.False(t, body.Get("soundOnReady").Bool())
	require.True(t, body.Get("soundOnNewOrder").Bool())

	current := api.service.Settings(context.Background())
	require.True(t, current.AutoPrintOnReceive)
	require.False(t, current.SoundOnReady)

	rec = api.do(http.MethodPut, "/v1/settings", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndResumeNeedRunningSession(t *testing.T) {
	api := newTestAPI(t)
	api.create(t, "o1", 7, domain.StatusReceived)

	require.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/v1/stores/7/health", "").Code)
	require.Equal(t, http.StatusNotFound, api.do(http.MethodPost, "/v1/stores/7/resume", "").Code)

	unsubscribe, err := api.service.Subscribe(context.Background(), domain.ForStores(7), func(domain.Event) {})
	require.NoError(t, err)
	defer unsubscribe()

	rec := api.do(http.MethodGet, "/v1/stores/7/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, gjson.Get(rec.Body.String(), "state").String())
	require.GreaterOrEqual(t, gjson.Get(rec.Body.String(), "generation").Int(), int64(1))

	require.Equal(t, http.StatusNoContent, api.do(http.MethodPost, "/v1/stores/7/resume", "").Code)
}

func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && name != "":
			return name, data
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func TestStreamEventsSendsSnapshotThenEvents(t *testing.T) {
	api := newTestAPI(t)
	api.create(t, "o1", 7, domain.StatusReceived)

	server := httptest.NewServer(api.router)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/v1/stores/7/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(resp.Body)
	name, data := readEvent(t, reader)
	require.Equal(t, "snapshot", name)
	require.Equal(t, "o1", gjson.Get(data, "0.id").String())

	api.create(t, "o2", 7, domain.StatusReceived)
	for {
		name, data = readEvent(t, reader)
		if name == "ping" || name == "alert" {
			continue
		}
		break
	}
	require.Equal(t, "orders.order.added", name)
	require.Equal(t, "o2", gjson.Get(data, "orderId").String())
	require.False(t, gjson.Get(data, "baseline").Bool())
}

func TestStreamEventsForwardsAlerts(t *testing.T) {
	api := newTestAPI(t)

	server := httptest.NewServer(api.router)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/v1/stores/7/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	name, _ := readEvent(t, reader)
	require.Equal(t, "snapshot", name)

	// the dispatcher chimes for a post-baseline order in store 7
	api.create(t, "o9", 7, domain.StatusReceived)
	for {
		name, data := readEvent(t, reader)
		if name != "alert" {
			continue
		}
		require.Equal(t, string(ports.SoundNewOrder), gjson.Get(data, "sound").String())
		require.Equal(t, "o9", gjson.Get(data, "orderId").String())
		return
	}
}

func TestAlertHubDeliversPerStore(t *testing.T) {
	hub := NewAlertHub()
	seven, stopSeven := hub.Listen(7)
	eight, stopEight := hub.Listen(8)
	defer stopEight()
	require.Equal(t, 1, hub.Listeners(7))

	require.NoError(t, hub.Alert(context.Background(), ports.Alert{Sound: ports.SoundOrderReady, OrderID: "o1", StoreID: 7}))
	select {
	case alert := <-seven:
		require.Equal(t, "o1", alert.OrderID)
	case <-time.After(time.Second):
		t.Fatal("alert not delivered")
	}
	select {
	case <-eight:
		t.Fatal("alert leaked to another store")
	default:
	}

	stopSeven()
	stopSeven()
	require.Equal(t, 0, hub.Listeners(7))
	require.NoError(t, hub.Alert(context.Background(), ports.Alert{StoreID: 7}))
}
