// README: Driver aggregate, status definitions, and the allowed transition set.
package driver

import (
	"time"

	"barq/internal/types"
)

type Status string

const (
	StatusOffline   Status = "OFFLINE"
	StatusAvailable Status = "AVAILABLE"
	StatusBusy      Status = "BUSY"
	StatusReturning Status = "RETURNING"
	StatusOnBreak   Status = "ON_BREAK"
)

// Transition reasons recorded in the audit stream.
const (
	ReasonShiftStart        = "shift_start"
	ReasonShiftEnd          = "shift_end"
	ReasonOrderAssigned     = "order_assigned"
	ReasonOrderReassigned   = "order_reassigned"
	ReasonBreakStarted      = "break_started"
	ReasonBreakEnded        = "break_ended"
	ReasonDeliveryCompleted = "delivery_completed"
	ReasonReturnToBase      = "return_to_base"
	ReasonReturnedToBase    = "returned_to_base"
	ReasonMandatoryBreak    = "mandatory_break"
)

// AllowedTransitions represents the driver state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusOffline:   {StatusAvailable},
	StatusAvailable: {StatusBusy, StatusOnBreak, StatusOffline},
	StatusBusy:      {StatusReturning, StatusAvailable, StatusOffline},
	StatusReturning: {StatusAvailable, StatusOnBreak, StatusOffline},
	StatusOnBreak:   {StatusAvailable, StatusOffline},
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

type Driver struct {
	ID              types.ID
	CurrentLocation types.Point
	VehicleType     string
	CapacityKg      float64
	ServiceTiers    []types.ServiceTier

	Status         Status
	PreviousStatus Status
	StateChangedAt time.Time
	StateVersion   int
	Quarantined    bool

	ActiveOrderIDs []types.ID
	CurrentLoadKg  float64

	CompletedToday        int
	TargetDeliveries      int
	HoursWorkedToday      float64
	MaxWorkingHours       float64
	ConsecutiveDeliveries int
	OnTimeRate            float64
	LastBreakAt           *time.Time
	LastLocationAt        *time.Time
}

// StateEvent is one row in the append-only driver audit stream.
type StateEvent struct {
	ID        int64
	DriverID  types.ID
	From      Status
	To        Status
	Reason    string
	Actor     string
	CreatedAt time.Time
}

func (d *Driver) Serves(tier types.ServiceTier) bool {
	for _, t := range d.ServiceTiers {
		if t == tier {
			return true
		}
	}
	return false
}

func (d *Driver) RemainingCapacityKg() float64 {
	return d.CapacityKg - d.CurrentLoadKg
}
