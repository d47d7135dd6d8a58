// README: Traffic incident history backed by PostgreSQL; resolved incidents are retained.
package traffic

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"barq/internal/types"
)

var ErrNotFound = errors.New("incident not found")

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, inc *Incident) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO traffic_incidents (id, lat, lng, radius_m, severity, type, status, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(inc.ID), inc.Location.Lat, inc.Location.Lng, inc.RadiusM,
		string(inc.Severity), inc.Type, string(inc.Status), inc.ReportedAt,
	)
	return err
}

func (s *Store) Resolve(ctx context.Context, id types.ID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE traffic_incidents SET status = 'RESOLVED', resolved_at = $1
		WHERE id = $2 AND status = 'ACTIVE'`,
		at, string(id),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActive warms the in-memory active set after a restart.
func (s *Store) ListActive(ctx context.Context) ([]*Incident, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, lat, lng, radius_m, severity, type, status, reported_at, resolved_at
		FROM traffic_incidents WHERE status = 'ACTIVE'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func scanIncident(row pgx.Row) (*Incident, error) {
	var inc Incident
	var resolvedAt *time.Time
	err := row.Scan(
		&inc.ID, &inc.Location.Lat, &inc.Location.Lng, &inc.RadiusM,
		&inc.Severity, &inc.Type, &inc.Status, &inc.ReportedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	inc.ResolvedAt = resolvedAt
	return &inc, nil
}
