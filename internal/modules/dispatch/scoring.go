// README: Candidate scoring: weighted proximity, performance, capacity, and zone affinity.
package dispatch

import (
	"sort"

	"barq/internal/config"
	"barq/internal/modules/driver"
)

// Weights is a normalized scoring weight vector.
type Weights struct {
	Proximity   float64
	Performance float64
	Capacity    float64
	Zone        float64
}

func WeightsFromConfig(cfg config.DispatchConfig) Weights {
	return Weights{
		Proximity:   cfg.WeightProximity,
		Performance: cfg.WeightPerformance,
		Capacity:    cfg.WeightCapacity,
		Zone:        cfg.WeightZone,
	}
}

// Boost scales the performance and zone components up (escalation prefers
// proven drivers when rescuing an order) and renormalizes to sum 1.
func (w Weights) Boost(factor float64) Weights {
	b := Weights{
		Proximity:   w.Proximity,
		Performance: w.Performance * factor,
		Capacity:    w.Capacity,
		Zone:        w.Zone * factor,
	}
	sum := b.Proximity + b.Performance + b.Capacity + b.Zone
	b.Proximity /= sum
	b.Performance /= sum
	b.Capacity /= sum
	b.Zone /= sum
	return b
}

// ScoreDriver computes the weighted candidate score for one driver at the
// given distance from the work unit's anchor.
func ScoreDriver(d *driver.Driver, distanceKm, radiusKm float64, inZone bool, w Weights) ScoreBreakdown {
	proximity := 1.0 - clamp(distanceKm/radiusKm, 0, 1)
	performance := clamp(d.OnTimeRate, 0, 1)
	capacity := 0.0
	if d.CapacityKg > 0 {
		capacity = 1.0 - clamp(d.CurrentLoadKg/d.CapacityKg, 0, 1)
	}
	zone := 0.0
	if inZone {
		zone = 1.0
	}
	return ScoreBreakdown{
		Proximity:   proximity,
		Performance: performance,
		Capacity:    capacity,
		Zone:        zone,
		Total:       w.Proximity*proximity + w.Performance*performance + w.Capacity*capacity + w.Zone*zone,
	}
}

// Rank orders candidates best-first: score descending, then fewer completed
// deliveries today (workload smoothing), then driver id for determinism.
func Rank(candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score.Total != b.Score.Total {
			return a.Score.Total > b.Score.Total
		}
		if a.Driver.CompletedToday != b.Driver.CompletedToday {
			return a.Driver.CompletedToday < b.Driver.CompletedToday
		}
		return a.Driver.ID < b.Driver.ID
	})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
