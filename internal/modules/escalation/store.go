// README: Escalation persistence: Postgres append streams plus Redis debounce keys.
package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"barq/internal/types"
)

type Store struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func NewStore(db *pgxpool.Pool, redis *redis.Client) *Store {
	return &Store{db: db, redis: redis}
}

func (s *Store) AppendLog(ctx context.Context, l *Log) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO escalation_logs (order_id, driver_id, type, severity, action, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(l.OrderID), toStringPtr(l.DriverID), l.Type, l.Severity, l.Action, l.Message, l.CreatedAt,
	)
	return err
}

func (s *Store) AppendBreach(ctx context.Context, b *Breach) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sla_breaches (order_id, driver_id, service_tier, late_by_seconds, penalty_halalas, preventable, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(b.OrderID), toStringPtr(b.DriverID), string(b.Tier),
		int64(b.LateBy.Seconds()), b.Penalty.Amount, b.Preventable, b.CreatedAt,
	)
	return err
}

// Debounce reports whether this (order, trigger) pair may fire now. The first
// caller inside the window wins; later ones are suppressed until the key
// expires.
func (s *Store) Debounce(ctx context.Context, orderID types.ID, trigger string, window time.Duration) (bool, error) {
	key := fmt.Sprintf("escalation:debounce:%s:%s", string(orderID), trigger)
	return s.redis.SetNX(ctx, key, "1", window).Result()
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
