// README: Assignment and reassignment transactions; all-or-nothing across order, driver, and audit rows.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"barq/internal/types"
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// AssignParams describes one assignment commit. For a batch, OrderIDs holds
// every order in the batch and BatchID is set.
type AssignParams struct {
	OrderIDs    []types.ID
	BatchID     *types.ID
	DriverID    types.ID
	TotalLoadKg float64
	Score       ScoreBreakdown
	Type        string
	Reason      string
	At          time.Time
}

// Assign commits an assignment atomically: the order CAS, the driver
// AVAILABLE -> BUSY flip, and the audit rows either all land or none do.
// ErrConflict means another writer won the order or the driver moved.
func (s *PGStore) Assign(ctx context.Context, p AssignParams) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Lock each order, remember the status it was observed in, and flip it.
	// The audit row must carry the real prior status, not an assumed one.
	fromStatus := make(map[types.ID]string, len(p.OrderIDs))
	for _, orderID := range p.OrderIDs {
		var prev string
		err := tx.QueryRow(ctx, `
			SELECT status FROM orders
			WHERE id = $1 AND driver_id IS NULL
			FOR UPDATE`, string(orderID),
		).Scan(&prev)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrConflict
		}
		if err != nil {
			return err
		}
		if prev != "pending" && prev != "pending_driver" {
			return ErrConflict
		}
		tag, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = 'assigned',
			    status_version = status_version + 1,
			    driver_id = $1
			WHERE id = $2 AND status = $3`,
			string(p.DriverID), string(orderID), prev,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return ErrConflict
		}
		fromStatus[orderID] = prev
	}

	active := make([]string, len(p.OrderIDs))
	for i, id := range p.OrderIDs {
		active[i] = string(id)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE drivers
		SET status = 'BUSY',
		    previous_status = status,
		    state_changed_at = $1,
		    state_version = state_version + 1,
		    active_order_ids = active_order_ids || $2,
		    current_load_kg = current_load_kg + $3
		WHERE id = $4 AND status = 'AVAILABLE' AND NOT quarantined`,
		p.At, active, p.TotalLoadKg, string(p.DriverID),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}

	for _, orderID := range p.OrderIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO assignment_logs (order_id, driver_id, proximity, performance, capacity, zone, total, type, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			string(orderID), string(p.DriverID),
			p.Score.Proximity, p.Score.Performance, p.Score.Capacity, p.Score.Zone, p.Score.Total,
			p.Type, p.Reason, p.At,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_state_events (order_id, from_status, to_status, actor_type, actor_id, created_at)
			VALUES ($1, $2, 'assigned', 'system', $3, $4)`,
			string(orderID), fromStatus[orderID], string(p.DriverID), p.At,
		); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO driver_state_events (driver_id, from_status, to_status, reason, actor, created_at)
		VALUES ($1, 'AVAILABLE', 'BUSY', 'order_assigned', 'dispatch', $2)`,
		string(p.DriverID), p.At,
	); err != nil {
		return err
	}

	if p.BatchID != nil {
		tag, err := tx.Exec(ctx, `
			UPDATE order_batches
			SET status = 'ASSIGNED', driver_id = $1
			WHERE id = $2 AND status = 'PENDING'`,
			string(p.DriverID), string(*p.BatchID),
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return ErrConflict
		}
	}
	return tx.Commit(ctx)
}

// ReassignParams moves one assigned order between drivers.
type ReassignParams struct {
	OrderID    types.ID
	FromDriver types.ID
	ToDriver   types.ID
	LoadKg     float64
	Score      ScoreBreakdown
	Reason     string
	At         time.Time
}

// Reassign commits a reassignment atomically: both drivers and the order
// move together or not at all.
func (s *PGStore) Reassign(ctx context.Context, p ReassignParams) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET driver_id = $1,
		    status_version = status_version + 1,
		    reassignment_count = reassignment_count + 1
		WHERE id = $2 AND status = 'assigned' AND driver_id = $3`,
		string(p.ToDriver), string(p.OrderID), string(p.FromDriver),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}

	// Old driver gives the order up; with no remaining work it returns to
	// AVAILABLE.
	tag, err = tx.Exec(ctx, `
		UPDATE drivers
		SET active_order_ids = array_remove(active_order_ids, $1),
		    current_load_kg = GREATEST(current_load_kg - $2, 0),
		    status = CASE WHEN cardinality(array_remove(active_order_ids, $1)) = 0 THEN 'AVAILABLE' ELSE status END,
		    previous_status = CASE WHEN cardinality(array_remove(active_order_ids, $1)) = 0 THEN status ELSE previous_status END,
		    state_changed_at = CASE WHEN cardinality(array_remove(active_order_ids, $1)) = 0 THEN $3 ELSE state_changed_at END,
		    state_version = state_version + 1
		WHERE id = $4 AND status = 'BUSY'`,
		string(p.OrderID), p.LoadKg, p.At, string(p.FromDriver),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}

	tag, err = tx.Exec(ctx, `
		UPDATE drivers
		SET status = 'BUSY',
		    previous_status = status,
		    state_changed_at = $1,
		    state_version = state_version + 1,
		    active_order_ids = array_append(active_order_ids, $2),
		    current_load_kg = current_load_kg + $3
		WHERE id = $4 AND status = 'AVAILABLE' AND NOT quarantined`,
		p.At, string(p.OrderID), p.LoadKg, string(p.ToDriver),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO reassignment_events (order_id, from_driver, to_driver, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(p.OrderID), string(p.FromDriver), string(p.ToDriver), p.Reason, p.At,
	); err != nil {
		return err
	}
	for _, ev := range []struct {
		driver   types.ID
		from, to string
	}{
		{p.FromDriver, "BUSY", "AVAILABLE"},
		{p.ToDriver, "AVAILABLE", "BUSY"},
	} {
		if _, err := tx.Exec(ctx, `
			INSERT INTO driver_state_events (driver_id, from_status, to_status, reason, actor, created_at)
			VALUES ($1, $2, $3, 'order_reassigned', 'escalation', $4)`,
			string(ev.driver), ev.from, ev.to, p.At,
		); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO assignment_logs (order_id, driver_id, proximity, performance, capacity, zone, total, type, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(p.OrderID), string(p.ToDriver),
		p.Score.Proximity, p.Score.Performance, p.Score.Capacity, p.Score.Zone, p.Score.Total,
		AssignReassigned, p.Reason, p.At,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AppendAlert writes one row to the append-only dispatch alert stream.
func (s *PGStore) AppendAlert(ctx context.Context, a *Alert) error {
	var orderID *string
	if a.OrderID != nil {
		v := string(*a.OrderID)
		orderID = &v
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO dispatch_alerts (type, severity, order_id, message, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.Type, a.Severity, orderID, a.Message, a.CreatedAt,
	)
	return err
}
