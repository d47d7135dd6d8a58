// README: Route aggregate; an ordered stop list owned by one driver.
package route

import (
	"errors"
	"time"

	"barq/internal/types"
)

var (
	ErrNotFound   = errors.New("route not found")
	ErrUnsolvable = errors.New("no precedence-valid stop sequence exists")
)

type StopKind string

const (
	KindPickup   StopKind = "PICKUP"
	KindDelivery StopKind = "DELIVERY"
)

type Stop struct {
	OrderID   types.ID
	Kind      StopKind
	Coord     types.Point
	ETA       time.Time
	ArrivedAt *time.Time
}

type Route struct {
	ID               types.ID
	DriverID         types.ID
	BatchID          *types.ID
	Stops            []Stop
	TotalDistanceKm  float64
	TotalDurationMin float64
	IsActive         bool
	OptimizedAt      time.Time
}

// Optimization is one row in the append-only route_optimizations stream.
type Optimization struct {
	ID        int64
	DriverID  types.ID
	RouteID   types.ID
	OldKm     float64
	NewKm     float64
	SavedMin  float64
	Reason    string
	CreatedAt time.Time
}

// PrecedenceValid reports whether every DELIVERY stop is preceded by its
// order's PICKUP within the sequence. Orders already picked up appear with a
// lone DELIVERY stop, which is always legal.
func PrecedenceValid(stops []Stop) bool {
	picked := make(map[types.ID]bool, len(stops))
	hasPickup := make(map[types.ID]bool, len(stops))
	for _, st := range stops {
		if st.Kind == KindPickup {
			hasPickup[st.OrderID] = true
		}
	}
	for _, st := range stops {
		switch st.Kind {
		case KindPickup:
			picked[st.OrderID] = true
		case KindDelivery:
			if hasPickup[st.OrderID] && !picked[st.OrderID] {
				return false
			}
		}
	}
	return true
}

// stopSetKey identifies the unordered stop set of a route, used to tell a
// re-ordering apart from an actual stop change.
func stopSetKey(stops []Stop) map[string]int {
	key := make(map[string]int, len(stops))
	for _, st := range stops {
		key[string(st.OrderID)+"/"+string(st.Kind)]++
	}
	return key
}

func sameStopSet(a, b []Stop) bool {
	ka, kb := stopSetKey(a), stopSetKey(b)
	if len(ka) != len(kb) {
		return false
	}
	for k, n := range ka {
		if kb[k] != n {
			return false
		}
	}
	return true
}
