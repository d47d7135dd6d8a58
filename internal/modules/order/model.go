// README: Order aggregate, status definitions, and the delivery FSM.
package order

import (
	"time"

	"barq/internal/types"
)

type Status string

const (
	StatusNone          Status = "none"
	StatusPending       Status = "pending"
	StatusPendingDriver Status = "pending_driver"
	StatusAssigned      Status = "assigned"
	StatusPickedUp      Status = "picked_up"
	StatusDelivered     Status = "delivered"
	StatusCancelled     Status = "cancelled"
	StatusFailed        Status = "failed"
)

// AllowedTransitions represents the order state flow (diagram) as code.
// cancelled and failed are reachable from every non-terminal state.
var AllowedTransitions = map[Status][]Status{
	StatusPending:       {StatusPendingDriver, StatusAssigned, StatusCancelled, StatusFailed},
	StatusPendingDriver: {StatusAssigned, StatusCancelled, StatusFailed},
	StatusAssigned:      {StatusPickedUp, StatusPendingDriver, StatusCancelled, StatusFailed},
	StatusPickedUp:      {StatusDelivered, StatusCancelled, StatusFailed},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(s Status) bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusFailed
}

// Dispatchable statuses are the ones the dispatch engine may claim.
func Dispatchable(s Status) bool {
	return s == StatusPending || s == StatusPendingDriver
}

type Order struct {
	ID            types.ID
	ServiceTier   types.ServiceTier
	Pickup        types.Point
	Dropoff       types.Point
	LoadKg        float64
	Priority      int
	CreatedAt     time.Time
	SLADeadline   time.Time
	Status        Status
	StatusVersion int
	DriverID      *types.ID
	BatchID       *types.ID
	PickupAt      *time.Time
	DeliveredAt   *time.Time
	// SLABreached latches true once the deadline passes while the order is
	// not yet delivered; it never resets.
	SLABreached       bool
	ReassignmentCount int
	FailureCategory   *string
	CancelReason      *string
}

// Event is one row in the append-only order audit stream.
type Event struct {
	ID         int64
	OrderID    types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	CreatedAt  time.Time
}

// TimeToSLA is the remaining window before the deadline; negative once past.
func (o *Order) TimeToSLA(now time.Time) time.Duration {
	return o.SLADeadline.Sub(now)
}
