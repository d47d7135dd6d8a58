// README: Delivery progress ingress: pickup, completion, failure.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"barq/internal/modules/order"
	"barq/internal/types"
)

type DeliveryHandler struct {
	orders *order.Service
}

func NewDeliveryHandler(orders *order.Service) *DeliveryHandler {
	return &DeliveryHandler{orders: orders}
}

func (h *DeliveryHandler) Pickup(c *gin.Context) {
	if err := h.orders.Pickup(c.Request.Context(), types.ID(c.Param("id"))); err != nil {
		writeOrderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DeliveryHandler) Complete(c *gin.Context) {
	ctx := c.Request.Context()
	id := types.ID(c.Param("id"))
	o, err := h.orders.Get(ctx, id)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	onTime := !time.Now().After(o.SLADeadline)
	if err := h.orders.Complete(ctx, id, onTime); err != nil {
		writeOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"on_time": onTime})
}

type failRequest struct {
	Category string `json:"category" binding:"required"`
	Notes    string `json:"notes"`
}

func (h *DeliveryHandler) Fail(c *gin.Context) {
	var req failRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.orders.Fail(c.Request.Context(), types.ID(c.Param("id")), req.Category, req.Notes); err != nil {
		writeOrderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
