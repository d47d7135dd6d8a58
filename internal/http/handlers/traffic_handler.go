// README: Traffic incident ingress.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"barq/internal/modules/traffic"
	"barq/internal/types"
)

type TrafficHandler struct {
	traffic *traffic.Service
}

func NewTrafficHandler(svc *traffic.Service) *TrafficHandler {
	return &TrafficHandler{traffic: svc}
}

type incidentRequest struct {
	Lat      float64 `json:"lat" binding:"required"`
	Lng      float64 `json:"lng" binding:"required"`
	Severity string  `json:"severity" binding:"required"`
	Type     string  `json:"type"`
	RadiusM  float64 `json:"radius_m" binding:"required,gt=0"`
}

func (h *TrafficHandler) Report(c *gin.Context) {
	var req incidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.traffic.Report(c.Request.Context(),
		types.Point{Lat: req.Lat, Lng: req.Lng},
		traffic.Severity(req.Severity), req.Type, req.RadiusM)
	if err != nil {
		writeTrafficError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"incident_id": id})
}

func (h *TrafficHandler) Resolve(c *gin.Context) {
	if err := h.traffic.ResolveIncident(c.Request.Context(), types.ID(c.Param("id"))); err != nil {
		writeTrafficError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *TrafficHandler) ListActive(c *gin.Context) {
	c.JSON(http.StatusOK, h.traffic.Active())
}
