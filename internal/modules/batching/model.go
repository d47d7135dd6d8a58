// README: Batch aggregate and lifecycle statuses.
package batching

import (
	"errors"
	"time"

	"barq/internal/types"
)

var (
	ErrNotFound = errors.New("batch not found")
	ErrConflict = errors.New("batch state conflict")
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAssigned   Status = "ASSIGNED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Batch groups compatible orders into one dispatchable unit. Membership is
// fixed at creation; the lifecycle only moves forward.
type Batch struct {
	ID             types.ID
	Status         Status
	DriverID       *types.ID
	OrderIDs       []types.ID
	Tier           types.ServiceTier
	PickupCentroid types.Point
	TotalLoadKg    float64
	// SLADeadline is the earliest member deadline; the batch dispatches
	// against the tightest clock it contains.
	SLADeadline time.Time
	CreatedAt   time.Time
}
