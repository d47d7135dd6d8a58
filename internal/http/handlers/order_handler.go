// README: Order ingress: creation, lookup, cancellation.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"barq/internal/modules/order"
	"barq/internal/types"
)

type OrderHandler struct {
	orders *order.Service
}

func NewOrderHandler(orders *order.Service) *OrderHandler {
	return &OrderHandler{orders: orders}
}

type createOrderRequest struct {
	ServiceTier string  `json:"service_tier" binding:"required"`
	PickupLat   float64 `json:"pickup_lat" binding:"required"`
	PickupLng   float64 `json:"pickup_lng" binding:"required"`
	DropoffLat  float64 `json:"dropoff_lat" binding:"required"`
	DropoffLng  float64 `json:"dropoff_lng" binding:"required"`
	LoadKg      float64 `json:"load_kg" binding:"required,gt=0"`
	Priority    int     `json:"priority"`
}

func (h *OrderHandler) Create(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.orders.Create(c.Request.Context(), order.CreateCommand{
		ServiceTier: types.ServiceTier(req.ServiceTier),
		Pickup:      types.Point{Lat: req.PickupLat, Lng: req.PickupLng},
		Dropoff:     types.Point{Lat: req.DropoffLat, Lng: req.DropoffLng},
		LoadKg:      req.LoadKg,
		Priority:    req.Priority,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order_id": id})
}

func (h *OrderHandler) Get(c *gin.Context) {
	o, err := h.orders.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	var req cancelOrderRequest
	_ = c.ShouldBindJSON(&req)
	if req.Actor == "" {
		req.Actor = "customer"
	}
	if err := h.orders.Cancel(c.Request.Context(), types.ID(c.Param("id")), req.Actor, req.Reason); err != nil {
		writeOrderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
