// README: Route store backed by PostgreSQL; the active-route flip is one transaction.
package route

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"barq/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// stopRecord is the JSONB encoding of a stop.
type stopRecord struct {
	OrderID   string     `json:"order_id"`
	Kind      string     `json:"kind"`
	Lat       float64    `json:"lat"`
	Lng       float64    `json:"lng"`
	ETA       time.Time  `json:"eta"`
	ArrivedAt *time.Time `json:"arrived_at,omitempty"`
}

func (s *Store) GetActive(ctx context.Context, driverID types.ID) (*Route, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, driver_id, batch_id, stops, total_distance_km, total_duration_min, is_active, optimized_at
		FROM driver_routes
		WHERE driver_id = $1 AND is_active`, string(driverID))
	return scanRoute(row)
}

func (s *Store) ListActive(ctx context.Context) ([]*Route, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, driver_id, batch_id, stops, total_distance_km, total_duration_min, is_active, optimized_at
		FROM driver_routes WHERE is_active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SwapActive deactivates the driver's current route and activates the new
// one in a single transaction, preserving the one-active-route invariant.
func (s *Store) SwapActive(ctx context.Context, r *Route) error {
	stops, err := encodeStops(r.Stops)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE driver_routes SET is_active = FALSE
		WHERE driver_id = $1 AND is_active`, string(r.DriverID)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO driver_routes (id, driver_id, batch_id, stops, total_distance_km, total_duration_min, is_active, optimized_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)`,
		string(r.ID), string(r.DriverID), toStringPtr(r.BatchID), stops,
		r.TotalDistanceKm, r.TotalDurationMin, r.OptimizedAt,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Deactivate retires the driver's active route, if any.
func (s *Store) Deactivate(ctx context.Context, driverID types.ID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE driver_routes SET is_active = FALSE
		WHERE driver_id = $1 AND is_active`, string(driverID))
	return err
}

func (s *Store) AppendOptimization(ctx context.Context, o *Optimization) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO route_optimizations (driver_id, route_id, old_km, new_km, saved_min, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(o.DriverID), string(o.RouteID), o.OldKm, o.NewKm, o.SavedMin, o.Reason, o.CreatedAt,
	)
	return err
}

func encodeStops(stops []Stop) ([]byte, error) {
	recs := make([]stopRecord, len(stops))
	for i, st := range stops {
		recs[i] = stopRecord{
			OrderID:   string(st.OrderID),
			Kind:      string(st.Kind),
			Lat:       st.Coord.Lat,
			Lng:       st.Coord.Lng,
			ETA:       st.ETA,
			ArrivedAt: st.ArrivedAt,
		}
	}
	return json.Marshal(recs)
}

func scanRoute(row pgx.Row) (*Route, error) {
	var r Route
	var batchID *string
	var stops []byte
	err := row.Scan(&r.ID, &r.DriverID, &batchID, &stops,
		&r.TotalDistanceKm, &r.TotalDurationMin, &r.IsActive, &r.OptimizedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if batchID != nil {
		b := types.ID(*batchID)
		r.BatchID = &b
	}
	var recs []stopRecord
	if err := json.Unmarshal(stops, &recs); err != nil {
		return nil, err
	}
	for _, rec := range recs {
		r.Stops = append(r.Stops, Stop{
			OrderID:   types.ID(rec.OrderID),
			Kind:      StopKind(rec.Kind),
			Coord:     types.Point{Lat: rec.Lat, Lng: rec.Lng},
			ETA:       rec.ETA,
			ArrivedAt: rec.ArrivedAt,
		})
	}
	return &r, nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
