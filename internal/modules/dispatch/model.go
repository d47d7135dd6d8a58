// README: Dispatch candidates, score breakdowns, and assignment records.
package dispatch

import (
	"errors"
	"time"

	"barq/internal/modules/driver"
	"barq/internal/types"
)

var (
	ErrNoCandidates = errors.New("no eligible drivers")
	ErrOfferHeld    = errors.New("offer already outstanding")
	ErrOfferExpired = errors.New("offer not held by driver")
	ErrConflict     = errors.New("assignment conflict")
	ErrDegraded     = errors.New("dispatch degraded, assignments paused")
)

// Assignment types recorded in the assignment log.
const (
	AssignNormal     = "NORMAL"
	AssignForced     = "FORCE_ASSIGNED"
	AssignReassigned = "REASSIGNED"
	AssignBatch      = "BATCH"
)

// Dispatch alert types.
const (
	AlertNoDrivers = "NO_DRIVERS"
	AlertAllBusy   = "ALL_BUSY"
)

// ScoreBreakdown carries the four weighted components and their total, all
// in [0,1].
type ScoreBreakdown struct {
	Proximity   float64
	Performance float64
	Capacity    float64
	Zone        float64
	Total       float64
}

// Candidate is a driver considered for one work unit.
type Candidate struct {
	Driver     *driver.Driver
	DistanceKm float64
	Score      ScoreBreakdown
}

// AssignmentLog is one row in the append-only assignment stream.
type AssignmentLog struct {
	OrderID   types.ID
	DriverID  types.ID
	Score     ScoreBreakdown
	Type      string
	Reason    string
	CreatedAt time.Time
}

// Alert is one row in the append-only dispatch_alerts stream.
type Alert struct {
	Type      string
	Severity  string
	OrderID   *types.ID
	Message   string
	CreatedAt time.Time
}
