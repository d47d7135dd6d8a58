// README: Traffic incidents that influence routing while active.
package traffic

import (
	"time"

	"barq/internal/types"
)

type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
	SeveritySevere Severity = "SEVERE"
)

type IncidentStatus string

const (
	StatusActive   IncidentStatus = "ACTIVE"
	StatusResolved IncidentStatus = "RESOLVED"
)

type Incident struct {
	ID         types.ID
	Location   types.Point
	RadiusM    float64
	Severity   Severity
	Type       string
	Status     IncidentStatus
	ReportedAt time.Time
	ResolvedAt *time.Time
}

func (i *Incident) RadiusKm() float64 {
	return i.RadiusM / 1000.0
}

// Blocking reports whether the incident is severe enough for the route
// optimizer to steer around.
func (i *Incident) Blocking() bool {
	return i.Severity == SeverityHigh || i.Severity == SeveritySevere
}
