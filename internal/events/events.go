// README: Event payloads emitted by the core engines.
package events

import (
	"time"

	"barq/internal/types"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

type OrderEvent struct {
	Kind     string // assigned, reassigned, delivered, pending_driver
	OrderID  types.ID
	DriverID types.ID
	Score    float64
	At       time.Time
}

type DriverStateChanged struct {
	DriverID types.ID
	From     string
	To       string
	Reason   string
	At       time.Time
}

type RouteOptimized struct {
	DriverID types.ID
	RouteID  types.ID
	SavedKm  float64
	SavedMin float64
	At       time.Time
}

type BatchEvent struct {
	Kind     string // created, completed, cancelled
	BatchID  types.ID
	OrderIDs []types.ID
	At       time.Time
}

type Alert struct {
	Kind     string // dispatch alert type or sla level
	Severity Severity
	OrderID  types.ID
	DriverID types.ID
	Message  string
	At       time.Time
}

// Hub groups the per-family buses the engines publish to. One Hub per
// process, constructed in main and handed to each service.
type Hub struct {
	Orders  *Bus[OrderEvent]
	Drivers *Bus[DriverStateChanged]
	Routes  *Bus[RouteOptimized]
	Batches *Bus[BatchEvent]
	Alerts  *Bus[Alert]
}

func NewHub() *Hub {
	return &Hub{
		Orders:  NewBus[OrderEvent]("orders"),
		Drivers: NewBus[DriverStateChanged]("drivers"),
		Routes:  NewBus[RouteOptimized]("routes"),
		Batches: NewBus[BatchEvent]("batches"),
		Alerts:  NewBus[Alert]("alerts"),
	}
}

func (h *Hub) Close() {
	h.Orders.Close()
	h.Drivers.Close()
	h.Routes.Close()
	h.Batches.Close()
	h.Alerts.Close()
}
