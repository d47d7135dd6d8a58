// README: Shared identifier and geographic value types used across modules.
package types

type ID string

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64
	Lng float64
}

func (p Point) IsZero() bool {
	return p.Lat == 0 && p.Lng == 0
}
