// Package geo contains pure geographic computation helpers.
package geo

import (
	"math"
	"strconv"

	"barq/internal/types"
)

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func HaversineKm(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// Centroid returns the arithmetic centre of the given points. Fine at city
// scale; not meridian-safe.
func Centroid(points []types.Point) types.Point {
	if len(points) == 0 {
		return types.Point{}
	}
	var lat, lng float64
	for _, p := range points {
		lat += p.Lat
		lng += p.Lng
	}
	n := float64(len(points))
	return types.Point{Lat: lat / n, Lng: lng / n}
}

// BBox is an axis-aligned bounding box over coordinates.
type BBox struct {
	MinLat, MinLng float64
	MaxLat, MaxLng float64
}

// NewBBox returns the smallest box covering all points.
func NewBBox(points ...types.Point) BBox {
	b := BBox{
		MinLat: math.Inf(1), MinLng: math.Inf(1),
		MaxLat: math.Inf(-1), MaxLng: math.Inf(-1),
	}
	for _, p := range points {
		b = b.Extend(p)
	}
	return b
}

func (b BBox) Extend(p types.Point) BBox {
	if p.Lat < b.MinLat {
		b.MinLat = p.Lat
	}
	if p.Lat > b.MaxLat {
		b.MaxLat = p.Lat
	}
	if p.Lng < b.MinLng {
		b.MinLng = p.Lng
	}
	if p.Lng > b.MaxLng {
		b.MaxLng = p.Lng
	}
	return b
}

func (b BBox) Contains(p types.Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat &&
		p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

// DiagonalKm is the great-circle length of the box diagonal.
func (b BBox) DiagonalKm() float64 {
	if b.MinLat > b.MaxLat {
		return 0
	}
	return HaversineKm(
		types.Point{Lat: b.MinLat, Lng: b.MinLng},
		types.Point{Lat: b.MaxLat, Lng: b.MaxLng},
	)
}

// SegmentCrossesCircle reports whether the straight segment a-b passes within
// radiusKm of centre. Segments are short at city scale, so a flat
// interpolation of the closest point is accurate enough.
func SegmentCrossesCircle(a, b, centre types.Point, radiusKm float64) bool {
	if HaversineKm(a, centre) <= radiusKm || HaversineKm(b, centre) <= radiusKm {
		return true
	}
	abLat := b.Lat - a.Lat
	abLng := b.Lng - a.Lng
	den := abLat*abLat + abLng*abLng
	if den == 0 {
		return false
	}
	t := ((centre.Lat-a.Lat)*abLat + (centre.Lng-a.Lng)*abLng) / den
	if t < 0 || t > 1 {
		return false
	}
	closest := types.Point{Lat: a.Lat + t*abLat, Lng: a.Lng + t*abLng}
	return HaversineKm(closest, centre) <= radiusKm
}

// SortByDistance performs an insertion sort (fine for small N) on any slice
// where each element exposes a distance via the accessor function.
func SortByDistance[T any](items []T, dist func(T) float64) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && dist(items[j]) > dist(key) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}

// ZoneKey buckets a point into a coarse grid cell (~1.1 km at the equator)
// used for driver zone-affinity tracking.
func ZoneKey(p types.Point) string {
	latCell := int(math.Floor(p.Lat * 100))
	lngCell := int(math.Floor(p.Lng * 100))
	return "z" + strconv.Itoa(latCell) + ":" + strconv.Itoa(lngCell)
}
