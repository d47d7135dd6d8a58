package maps

import (
	"context"
	"fmt"

	gmaps "googlemaps.github.io/maps"

	"barq/internal/types"
)

// GoogleProvider answers travel estimates from the Distance Matrix API,
// falling back to haversine when the API has no answer for a pair.
type GoogleProvider struct {
	client   *gmaps.Client
	fallback *HaversineProvider
}

// NewGoogleProvider creates a provider with the given API key.
func NewGoogleProvider(apiKey string, fallback *HaversineProvider) (*GoogleProvider, error) {
	client, err := gmaps.NewClient(gmaps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleProvider{client: client, fallback: fallback}, nil
}

func (p *GoogleProvider) Estimate(ctx context.Context, origin, dest types.Point, tier string) (Estimate, error) {
	m, err := p.matrix(ctx, []types.Point{origin}, []types.Point{dest})
	if err != nil || m[0][0].DistanceKm == 0 {
		return p.fallback.Estimate(ctx, origin, dest, tier)
	}
	return m[0][0], nil
}

func (p *GoogleProvider) Matrix(ctx context.Context, points []types.Point, tier string) ([][]Estimate, error) {
	m, err := p.matrix(ctx, points, points)
	if err != nil {
		return p.fallback.Matrix(ctx, points, tier)
	}
	for i := range m {
		for j := range m[i] {
			if i != j && m[i][j].DistanceKm == 0 {
				est, _ := p.fallback.Estimate(ctx, points[i], points[j], tier)
				m[i][j] = est
			}
		}
	}
	return m, nil
}

func (p *GoogleProvider) matrix(ctx context.Context, origins, dests []types.Point) ([][]Estimate, error) {
	req := &gmaps.DistanceMatrixRequest{
		Origins:      formatPoints(origins),
		Destinations: formatPoints(dests),
		Mode:         gmaps.TravelModeDriving,
	}
	resp, err := p.client.DistanceMatrix(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("maps api error: %w", err)
	}
	if len(resp.Rows) != len(origins) {
		return nil, fmt.Errorf("maps api returned %d rows, want %d", len(resp.Rows), len(origins))
	}
	out := make([][]Estimate, len(origins))
	for i, row := range resp.Rows {
		out[i] = make([]Estimate, len(dests))
		for j, el := range row.Elements {
			if el.Status != "OK" {
				continue
			}
			out[i][j] = Estimate{
				DistanceKm: float64(el.Distance.Meters) / 1000.0,
				Duration:   el.Duration,
			}
		}
	}
	return out, nil
}

func formatPoints(points []types.Point) []string {
	out := make([]string, len(points))
	for i, p := range points {
		out[i] = fmt.Sprintf("%f,%f", p.Lat, p.Lng)
	}
	return out
}
