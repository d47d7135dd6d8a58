// README: Escalation triggers, recovery actions, and SLA breach records.
package escalation

import (
	"time"

	"barq/internal/types"
)

// Trigger types recorded in the escalation log.
const (
	TypeSLARiskCritical    = "SLA_RISK_CRITICAL"
	TypeSLARiskAssigned    = "SLA_RISK_ASSIGNED"
	TypeDriverUnresponsive = "DRIVER_UNRESPONSIVE"
	TypeStuckOrder         = "STUCK_ORDER"
	TypeFailedDelivery     = "FAILED_DELIVERY"
)

// Recovery actions taken (or recommended) by the engine.
const (
	ActionReassign        = "reassign"
	ActionAlert           = "alert"
	ActionScheduleRetry   = "schedule_retry"
	ActionContactCustomer = "contact_customer"
	ActionImmediateRetry  = "immediate_retry"
)

// Failure categories reported on delivery.failed events.
const (
	FailureCustomerUnavailable = "customer_unavailable"
	FailureAddressIssue        = "address_issue"
)

// Log is one row in the append-only escalation stream.
type Log struct {
	OrderID   types.ID
	DriverID  *types.ID
	Type      string
	Severity  string
	Action    string
	Message   string
	CreatedAt time.Time
}

// Breach is one row in the SLA breach ledger. Penalty follows the tier's
// per-minute rate, capped so a lost order does not compound forever.
type Breach struct {
	OrderID     types.ID
	DriverID    *types.ID
	Tier        types.ServiceTier
	LateBy      time.Duration
	Penalty     types.Money
	Preventable bool
	CreatedAt   time.Time
}

// Per-minute penalty rates in halalas and the per-order cap.
const (
	penaltyRateBarqHalalas   = 200
	penaltyRateBulletHalalas = 500
	penaltyCapHalalas        = 50_000
)

// PenaltyFor computes the contractual penalty for a breach of the given
// duration.
func PenaltyFor(tier types.ServiceTier, lateBy time.Duration) types.Money {
	rate := int64(penaltyRateBarqHalalas)
	if tier == types.TierBullet {
		rate = penaltyRateBulletHalalas
	}
	minutes := int64(lateBy.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	amount := rate * minutes
	if amount > penaltyCapHalalas {
		amount = penaltyCapHalalas
	}
	return types.Halalas(amount)
}
