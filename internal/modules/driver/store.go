// README: Driver store backed by PostgreSQL; status writes are CAS on (status, state_version).
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"barq/internal/types"
)

// onTimeAlpha is the smoothing factor of the rolling on-time rate.
const onTimeAlpha = 0.1

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const driverColumns = `
	id, lat, lng, vehicle_type, capacity_kg, service_tiers,
	status, previous_status, state_changed_at, state_version, quarantined,
	active_order_ids, current_load_kg,
	completed_today, target_deliveries, hours_worked_today, max_working_hours,
	consecutive_deliveries, on_time_rate, last_break_at, last_location_at`

func (s *Store) Get(ctx context.Context, id types.ID) (*Driver, error) {
	row := s.db.QueryRow(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, string(id))
	return scanDriver(row)
}

func (s *Store) GetMany(ctx context.Context, ids []types.ID) ([]*Driver, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	rows, err := s.db.Query(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = ANY($1)`, raw)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]*Driver, error) {
	raw := make([]string, len(statuses))
	for i, st := range statuses {
		raw[i] = string(st)
	}
	rows, err := s.db.Query(ctx, `SELECT `+driverColumns+` FROM drivers WHERE status = ANY($1)`, raw)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateStatus flips the driver state iff nobody else got there first.
func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers
		SET status = $1,
		    previous_status = $2,
		    state_changed_at = NOW(),
		    state_version = state_version + 1,
		    last_break_at = CASE WHEN $1 = 'ON_BREAK' THEN NOW() ELSE last_break_at END
		WHERE id = $3 AND status = $2 AND state_version = $4 AND NOT quarantined`,
		string(to), string(from), string(id), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AppendStateEvent(ctx context.Context, e *StateEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO driver_state_events (driver_id, from_status, to_status, reason, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.DriverID), string(e.From), string(e.To), e.Reason, e.Actor, e.CreatedAt,
	)
	return err
}

func (s *Store) UpdateLocation(ctx context.Context, id types.ID, p types.Point, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers SET lat = $1, lng = $2, last_location_at = $3 WHERE id = $4`,
		p.Lat, p.Lng, at, string(id),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordDelivery folds one completed delivery into the driver's daily metrics.
func (s *Store) RecordDelivery(ctx context.Context, id types.ID, onTime bool) error {
	hit := 0.0
	if onTime {
		hit = 1.0
	}
	_, err := s.db.Exec(ctx, `
		UPDATE drivers
		SET completed_today = completed_today + 1,
		    consecutive_deliveries = consecutive_deliveries + 1,
		    on_time_rate = on_time_rate * (1 - $1::float8) + $2::float8 * $1::float8
		WHERE id = $3`,
		onTimeAlpha, hit, string(id),
	)
	return err
}

func (s *Store) ResetConsecutive(ctx context.Context, id types.ID) error {
	_, err := s.db.Exec(ctx, `UPDATE drivers SET consecutive_deliveries = 0 WHERE id = $1`, string(id))
	return err
}

func (s *Store) AddActiveOrder(ctx context.Context, driverID, orderID types.ID, loadKg float64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers
		SET active_order_ids = array_append(active_order_ids, $1),
		    current_load_kg = current_load_kg + $2
		WHERE id = $3 AND NOT ($1 = ANY(active_order_ids))`,
		string(orderID), loadKg, string(driverID),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Store) RemoveActiveOrder(ctx context.Context, driverID, orderID types.ID, loadKg float64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE drivers
		SET active_order_ids = array_remove(active_order_ids, $1),
		    current_load_kg = GREATEST(current_load_kg - $2, 0)
		WHERE id = $3`,
		string(orderID), loadKg, string(driverID),
	)
	return err
}

func (s *Store) SetQuarantined(ctx context.Context, id types.ID, quarantined bool) error {
	_, err := s.db.Exec(ctx, `UPDATE drivers SET quarantined = $1 WHERE id = $2`, quarantined, string(id))
	return err
}

// ResetDailyCounters zeroes every driver's daily metrics. Invoked by the
// midnight ticker, not by shift transitions.
func (s *Store) ResetDailyCounters(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers
		SET completed_today = 0,
		    hours_worked_today = 0,
		    consecutive_deliveries = 0`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) AddWorkedHours(ctx context.Context, id types.ID, hours float64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE drivers SET hours_worked_today = hours_worked_today + $1 WHERE id = $2`,
		hours, string(id),
	)
	return err
}

func scanDriver(row pgx.Row) (*Driver, error) {
	var d Driver
	var tiers []string
	var activeIDs []string
	var lastBreak, lastLoc *time.Time

	err := row.Scan(
		&d.ID, &d.CurrentLocation.Lat, &d.CurrentLocation.Lng, &d.VehicleType, &d.CapacityKg, &tiers,
		&d.Status, &d.PreviousStatus, &d.StateChangedAt, &d.StateVersion, &d.Quarantined,
		&activeIDs, &d.CurrentLoadKg,
		&d.CompletedToday, &d.TargetDeliveries, &d.HoursWorkedToday, &d.MaxWorkingHours,
		&d.ConsecutiveDeliveries, &d.OnTimeRate, &lastBreak, &lastLoc,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	for _, t := range tiers {
		d.ServiceTiers = append(d.ServiceTiers, types.ServiceTier(t))
	}
	for _, id := range activeIDs {
		d.ActiveOrderIDs = append(d.ActiveOrderIDs, types.ID(id))
	}
	d.LastBreakAt = lastBreak
	d.LastLocationAt = lastLoc
	return &d, nil
}
