// README: Distance/duration query contract; provider-backed or haversine fallback.
package maps

import (
	"context"
	"time"

	"barq/internal/geo"
	"barq/internal/types"
)

// Estimate is a point-to-point travel estimate.
type Estimate struct {
	DistanceKm float64
	Duration   time.Duration
}

// Provider answers travel estimates between coordinates. Implementations may
// suspend on network I/O; callers must not hold locks across these calls.
type Provider interface {
	Estimate(ctx context.Context, origin, dest types.Point, tier string) (Estimate, error)
	// Matrix returns pairwise estimates for the given points; result[i][j]
	// is the estimate from points[i] to points[j].
	Matrix(ctx context.Context, points []types.Point, tier string) ([][]Estimate, error)
}

// HaversineProvider estimates distance as great-circle distance scaled by a
// road factor, and duration from a per-tier average speed. It is the fallback
// when no map provider is configured, and the default for unit tests.
type HaversineProvider struct {
	RoadFactor float64
	// SpeedKmh maps a service tier to its average road speed.
	SpeedKmh map[string]float64
}

func NewHaversineProvider(roadFactor float64, speedKmh map[string]float64) *HaversineProvider {
	if roadFactor <= 0 {
		roadFactor = 1.3
	}
	return &HaversineProvider{RoadFactor: roadFactor, SpeedKmh: speedKmh}
}

func (p *HaversineProvider) Estimate(_ context.Context, origin, dest types.Point, tier string) (Estimate, error) {
	km := geo.HaversineKm(origin, dest) * p.RoadFactor
	return Estimate{DistanceKm: km, Duration: p.travelTime(km, tier)}, nil
}

func (p *HaversineProvider) Matrix(_ context.Context, points []types.Point, tier string) ([][]Estimate, error) {
	out := make([][]Estimate, len(points))
	for i := range points {
		out[i] = make([]Estimate, len(points))
		for j := range points {
			if i == j {
				continue
			}
			km := geo.HaversineKm(points[i], points[j]) * p.RoadFactor
			out[i][j] = Estimate{DistanceKm: km, Duration: p.travelTime(km, tier)}
		}
	}
	return out, nil
}

func (p *HaversineProvider) travelTime(km float64, tier string) time.Duration {
	speed := p.SpeedKmh[tier]
	if speed <= 0 {
		speed = 30.0
	}
	return time.Duration(km / speed * float64(time.Hour))
}
