// README: Batch store backed by PostgreSQL; creation links member orders in the same transaction.
package batching

import (
	"context"
	"errors"

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

const batchColumns = `
	id, status, driver_id, order_ids, service_tier,
	centroid_lat, centroid_lng, total_load_kg, sla_deadline, created_at`

// Create inserts the batch and stamps batch_id onto every member order in one
// transaction. A member that was claimed or batched since the clustering pass
// fails the whole creation with ErrConflict.
func (s *Store) Create(ctx context.Context, b *Batch) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ids := make([]string, len(b.OrderIDs))
	for i, id := range b.OrderIDs {
		ids[i] = string(id)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO order_batches (
			id, status, order_ids, service_tier,
			centroid_lat, centroid_lng, total_load_kg, sla_deadline, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(b.ID), string(b.Status), ids, string(b.Tier),
		b.PickupCentroid.Lat, b.PickupCentroid.Lng,
		b.TotalLoadKg, b.SLADeadline, b.CreatedAt,
	); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET batch_id = $1
		WHERE id = ANY($2) AND batch_id IS NULL AND status IN ('pending','pending_driver')`,
		string(b.ID), ids,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return ErrConflict
	}
	return tx.Commit(ctx)
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Batch, error) {
	row := s.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM order_batches WHERE id = $1`, string(id))
	return scanBatch(row)
}

func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]*Batch, error) {
	raw := make([]string, len(statuses))
	for i, st := range statuses {
		raw[i] = string(st)
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+batchColumns+` FROM order_batches
		WHERE status = ANY($1)
		ORDER BY sla_deadline ASC`, raw)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateStatus moves the batch lifecycle forward with a check-and-set on the
// current status.
func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE order_batches SET status = $1 WHERE id = $2 AND status = $3`,
		string(to), string(id), string(from),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UnlinkOrders detaches the batch's remaining non-terminal members so they
// dispatch individually again.
func (s *Store) UnlinkOrders(ctx context.Context, batchID types.ID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE orders
		SET batch_id = NULL
		WHERE batch_id = $1 AND status NOT IN ('delivered','cancelled','failed')`,
		string(batchID),
	)
	return err
}

func scanBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	var status, tier string
	var driverID *string
	var ids []string

	err := row.Scan(
		&b.ID, &status, &driverID, &ids, &tier,
		&b.PickupCentroid.Lat, &b.PickupCentroid.Lng,
		&b.TotalLoadKg, &b.SLADeadline, &b.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Status = Status(status)
	b.Tier = types.ServiceTier(tier)
	if driverID != nil {
		d := types.ID(*driverID)
		b.DriverID = &d
	}
	b.OrderIDs = make([]types.ID, len(ids))
	for i, id := range ids {
		b.OrderIDs[i] = types.ID(id)
	}
	return &b, nil
}
