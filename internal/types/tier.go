// README: Service tiers shared by orders, drivers, and batches.
package types

import "time"

type ServiceTier string

const (
	TierBarq   ServiceTier = "BARQ"
	TierBullet ServiceTier = "BULLET"
)

// ServiceSLA is the delivery window promised for a tier.
func ServiceSLA(t ServiceTier) time.Duration {
	switch t {
	case TierBullet:
		return 30 * time.Minute
	default:
		return 60 * time.Minute
	}
}

// MaxVehicleCapacityKg is the payload of the smallest viable vehicle class
// for a tier, used as the combined-load ceiling when batching.
func MaxVehicleCapacityKg(t ServiceTier) float64 {
	switch t {
	case TierBullet:
		return 50
	default:
		return 500
	}
}
