// README: Order store backed by PostgreSQL; status writes are CAS on (status, status_version).
package order

import (
	"context"
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

const orderColumns = `
	id, service_tier, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	load_kg, priority, created_at, sla_deadline, status, status_version,
	driver_id, batch_id, pickup_at, delivered_at,
	sla_breached, reassignment_count, failure_category, cancel_reason`

func (s *Store) Create(ctx context.Context, o *Order) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO orders (
			id, service_tier, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			load_kg, priority, created_at, sla_deadline, status, status_version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		string(o.ID), string(o.ServiceTier),
		o.Pickup.Lat, o.Pickup.Lng, o.Dropoff.Lat, o.Dropoff.Lng,
		o.LoadKg, o.Priority, o.CreatedAt, o.SLADeadline,
		string(o.Status), o.StatusVersion,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, string(id))
	return scanOrder(row)
}

// UpdateStatus is the optimistic check-and-set every status change goes
// through. driverID, when non-nil, is written alongside the status; passing
// clearDriver detaches the order from its driver.
func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, driverID *types.ID, clearDriver bool) (bool, error) {
	var d *string
	if driverID != nil {
		v := string(*driverID)
		d = &v
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE orders
		SET status = $1,
		    status_version = status_version + 1,
		    driver_id = CASE WHEN $2::bool THEN NULL ELSE COALESCE($3, driver_id) END,
		    pickup_at = CASE WHEN $1 = 'picked_up' THEN NOW() ELSE pickup_at END,
		    delivered_at = CASE WHEN $1 = 'delivered' THEN NOW() ELSE delivered_at END
		WHERE id = $4 AND status = $5 AND status_version = $6`,
		string(to), clearDriver, d, string(id), string(from), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO order_state_events (order_id, from_status, to_status, actor_type, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.OrderID), string(e.FromStatus), string(e.ToStatus),
		e.ActorType, toStringPtr(e.ActorID), e.CreatedAt,
	)
	return err
}

func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]*Order, error) {
	raw := make([]string, len(statuses))
	for i, st := range statuses {
		raw[i] = string(st)
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = ANY($1)
		ORDER BY priority DESC, sla_deadline ASC`, raw)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *Store) ListNonTerminal(ctx context.Context) ([]*Order, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status NOT IN ('delivered','cancelled','failed')
		ORDER BY sla_deadline ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListUnbatchedDispatchable feeds the batching pass: pending orders not yet
// linked to any batch.
func (s *Store) ListUnbatchedDispatchable(ctx context.Context) ([]*Order, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN ('pending','pending_driver') AND batch_id IS NULL
		ORDER BY sla_deadline ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *Store) ListByBatch(ctx context.Context, batchID types.ID) ([]*Order, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE batch_id = $1
		ORDER BY sla_deadline ASC`, string(batchID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *Store) ListByDriver(ctx context.Context, driverID types.ID) ([]*Order, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE driver_id = $1 AND status IN ('assigned','picked_up')
		ORDER BY sla_deadline ASC`, string(driverID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// MarkSLABreached latches the breach flag; it is never cleared.
func (s *Store) MarkSLABreached(ctx context.Context, id types.ID) error {
	_, err := s.db.Exec(ctx, `UPDATE orders SET sla_breached = TRUE WHERE id = $1`, string(id))
	return err
}

func (s *Store) SetFailureCategory(ctx context.Context, id types.ID, category string) error {
	_, err := s.db.Exec(ctx, `UPDATE orders SET failure_category = $1 WHERE id = $2`, category, string(id))
	return err
}

func (s *Store) SetCancelReason(ctx context.Context, id types.ID, reason string) error {
	_, err := s.db.Exec(ctx, `UPDATE orders SET cancel_reason = $1 WHERE id = $2`, reason, string(id))
	return err
}

func scanOrders(rows pgx.Rows) ([]*Order, error) {
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var tier string
	var driverID, batchID, failureCat, cancelReason *string
	var pickupAt, deliveredAt *time.Time

	err := row.Scan(
		&o.ID, &tier, &o.Pickup.Lat, &o.Pickup.Lng, &o.Dropoff.Lat, &o.Dropoff.Lng,
		&o.LoadKg, &o.Priority, &o.CreatedAt, &o.SLADeadline, &o.Status, &o.StatusVersion,
		&driverID, &batchID, &pickupAt, &deliveredAt,
		&o.SLABreached, &o.ReassignmentCount, &failureCat, &cancelReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.ServiceTier = types.ServiceTier(tier)
	if driverID != nil {
		d := types.ID(*driverID)
		o.DriverID = &d
	}
	if batchID != nil {
		b := types.ID(*batchID)
		o.BatchID = &b
	}
	o.PickupAt = pickupAt
	o.DeliveredAt = deliveredAt
	o.FailureCategory = failureCat
	o.CancelReason = cancelReason
	return &o, nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
