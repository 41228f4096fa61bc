package handlers

import (
	"github.com/gin-gonic/gin"
)

// Route describes one endpoint of the API.
type Route struct {
	Name        string
	Method      string
	Pattern     string
	HandlerFunc gin.HandlerFunc
}

// Routes lists every endpoint served under /v1.
func (api *OrdersAPI) Routes() []Route {
	return []Route{
		{"ListOrders", "GET", "/v1/stores/:storeId/orders", api.ListOrders},
		{"GetOrder", "GET", "/v1/stores/:storeId/orders/:orderId", api.GetOrder},
		{"UpdateStatus", "PATCH", "/v1/stores/:storeId/orders/:orderId/status", api.UpdateStatus},
		{"StreamEvents", "GET", "/v1/stores/:storeId/events", api.StreamEvents},
		{"Resume", "POST", "/v1/stores/:storeId/resume", api.Resume},
		{"Health", "GET", "/v1/stores/:storeId/health", api.Health},
		{"GetSettings", "GET", "/v1/settings", api.GetSettings},
		{"UpdateSettings", "PUT", "/v1/settings", api.UpdateSettings},
	}
}

// NewRouter returns a gin engine with recovery and every route registered.
func NewRouter(api *OrdersAPI, middleware ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware...)
	return NewRouterWithGinEngine(router, api)
}

// NewRouterWithGinEngine registers the routes on an existing engine.
func NewRouterWithGinEngine(router *gin.Engine, api *OrdersAPI) *gin.Engine {
	for _, route := range api.Routes() {
		router.Handle(route.Method, route.Pattern, route.HandlerFunc)
	}
	router.GET("/healthz", func(c *gin.Context) { c.Status(204) })
	return router
}
