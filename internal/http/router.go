// README: HTTP route registration for the control plane API.
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"barq/internal/http/handlers"
	"barq/internal/http/middleware"
	"barq/internal/modules/route"
	"barq/internal/types"
)

func NewRouter(deps ServerDeps, log *logrus.Logger) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(log), middleware.Logging(log))

	orderHandler := handlers.NewOrderHandler(deps.Orders)
	driverHandler := handlers.NewDriverHandler(deps.Drivers, deps.Dispatch)
	deliveryHandler := handlers.NewDeliveryHandler(deps.Orders)
	trafficHandler := handlers.NewTrafficHandler(deps.Traffic)

	api := r.Group("/api")
	api.POST("/orders", orderHandler.Create)
	api.GET("/orders/:id", orderHandler.Get)
	api.POST("/orders/:id/cancel", orderHandler.Cancel)

	api.POST("/orders/:id/pickup", deliveryHandler.Pickup)
	api.POST("/orders/:id/complete", deliveryHandler.Complete)
	api.POST("/orders/:id/fail", deliveryHandler.Fail)

	api.GET("/drivers/:id", driverHandler.Get)
	api.POST("/drivers/:id/status", driverHandler.Status)
	api.PUT("/drivers/:id/location", driverHandler.Location)
	api.POST("/drivers/:id/quarantine", driverHandler.Quarantine)
	api.DELETE("/drivers/:id/quarantine", driverHandler.ClearQuarantine)
	api.POST("/drivers/:id/offers/accept", driverHandler.AcceptOffer)
	api.POST("/drivers/:id/offers/reject", driverHandler.RejectOffer)
	api.GET("/drivers/:id/route", func(c *gin.Context) {
		rt, err := deps.Routes.ActiveRoute(c.Request.Context(), types.ID(c.Param("id")))
		if err != nil {
			if errors.Is(err, route.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, rt)
	})

	api.POST("/traffic/incidents", trafficHandler.Report)
	api.POST("/traffic/incidents/:id/resolve", trafficHandler.Resolve)
	api.GET("/traffic/incidents", trafficHandler.ListActive)

	r.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{"status": "ok"}
		if deps.Breaker != nil && deps.Breaker.Degraded() {
			status = http.StatusServiceUnavailable
			body = gin.H{"status": "degraded"}
		}
		c.JSON(status, body)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
