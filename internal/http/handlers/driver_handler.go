// README: Driver ingress: status events, location pings, and offer responses.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"barq/internal/modules/dispatch"
	"barq/internal/modules/driver"
	"barq/internal/types"
)

type DriverHandler struct {
	drivers  *driver.Service
	dispatch *dispatch.Service
}

func NewDriverHandler(drivers *driver.Service, dispatchSvc *dispatch.Service) *DriverHandler {
	return &DriverHandler{drivers: drivers, dispatch: dispatchSvc}
}

type statusEventRequest struct {
	Event string `json:"event" binding:"required"`
}

// Status maps a driver.status event onto a state machine transition.
func (h *DriverHandler) Status(c *gin.Context) {
	var req statusEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	status, err := h.drivers.HandleStatusEvent(c.Request.Context(), types.ID(c.Param("id")), req.Event)
	if err != nil {
		writeDriverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

type locationRequest struct {
	Lat float64 `json:"lat" binding:"required"`
	Lng float64 `json:"lng" binding:"required"`
	At  string  `json:"at"`
}

func (h *DriverHandler) Location(c *gin.Context) {
	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	at := time.Now()
	if req.At != "" {
		parsed, err := time.Parse(time.RFC3339, req.At)
		if err != nil {
			writeError(c, http.StatusBadRequest, "at must be RFC3339")
			return
		}
		at = parsed
	}
	if err := h.drivers.RecordLocation(c.Request.Context(), types.ID(c.Param("id")),
		types.Point{Lat: req.Lat, Lng: req.Lng}, at); err != nil {
		writeDriverError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DriverHandler) Get(c *gin.Context) {
	d, err := h.drivers.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeDriverError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type quarantineRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Quarantine is the ops escape hatch for a driver stuck in a contradictory
// state; all transitions block until cleared.
func (h *DriverHandler) Quarantine(c *gin.Context) {
	var req quarantineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.drivers.Quarantine(c.Request.Context(), types.ID(c.Param("id")), req.Reason); err != nil {
		writeDriverError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DriverHandler) ClearQuarantine(c *gin.Context) {
	if err := h.drivers.ClearQuarantine(c.Request.Context(), types.ID(c.Param("id"))); err != nil {
		writeDriverError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type offerResponse struct {
	OrderID string `json:"order_id" binding:"required"`
}

func (h *DriverHandler) AcceptOffer(c *gin.Context) {
	var req offerResponse
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.dispatch.AcceptOffer(c.Request.Context(), types.ID(req.OrderID), types.ID(c.Param("id"))); err != nil {
		writeDispatchError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DriverHandler) RejectOffer(c *gin.Context) {
	var req offerResponse
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.dispatch.RejectOffer(c.Request.Context(), types.ID(req.OrderID), types.ID(c.Param("id"))); err != nil {
		writeDispatchError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
