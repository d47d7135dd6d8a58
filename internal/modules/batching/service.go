// README: Batching engine: greedy compatibility clustering plus batch lifecycle tracking.
package batching

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"barq/internal/config"
	"barq/internal/events"
	"barq/internal/geo"
	"barq/internal/maps"
	"barq/internal/metrics"
	"barq/internal/modules/dispatch"
	"barq/internal/modules/order"
	"barq/internal/types"
)

// stopDwell is the handling time budgeted per stop when projecting whether a
// batch can still meet every member's deadline.
const stopDwell = 2 * time.Minute

// Storage is what the engine needs from the batch store.
type Storage interface {
	Create(ctx context.Context, b *Batch) error
	Get(ctx context.Context, id types.ID) (*Batch, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Batch, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status) (bool, error)
	UnlinkOrders(ctx context.Context, batchID types.ID) error
}

// OrderSource supplies batching candidates and batch membership.
type OrderSource interface {
	ListUnbatchedDispatchable(ctx context.Context) ([]*order.Order, error)
	ListByBatch(ctx context.Context, batchID types.ID) ([]*order.Order, error)
}

type Service struct {
	store    Storage
	orders   OrderSource
	provider maps.Provider
	hub      *events.Hub
	cfg      config.BatchingConfig
	log      *logrus.Logger

	now func() time.Time
}

func NewService(store Storage, orders OrderSource, provider maps.Provider, hub *events.Hub, cfg config.BatchingConfig, log *logrus.Logger) *Service {
	return &Service{
		store:    store,
		orders:   orders,
		provider: provider,
		hub:      hub,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// RunScheduler drives the clustering tick until ctx is cancelled.
func (s *Service) RunScheduler(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.TickSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one clustering pass over unbatched dispatchable orders. Singleton
// clusters are discarded; a lone order dispatches on its own.
func (s *Service) Tick(ctx context.Context) {
	candidates, err := s.orders.ListUnbatchedDispatchable(ctx)
	if err != nil {
		s.log.WithError(err).Error("batching tick: list orders failed")
		return
	}
	for _, cluster := range s.cluster(ctx, candidates) {
		if len(cluster) < 2 {
			continue
		}
		if err := s.createBatch(ctx, cluster); err != nil {
			if errors.Is(err, ErrConflict) {
				// A member was claimed between clustering and creation; the
				// next tick re-clusters what is left.
				continue
			}
			s.log.WithError(err).Warn("batch creation failed")
		}
	}
}

// cluster greedily grows batches seeded by the tightest-deadline order. Input
// arrives sorted by sla_deadline ascending, which makes the pass deterministic.
func (s *Service) cluster(ctx context.Context, orders []*order.Order) [][]*order.Order {
	used := make(map[types.ID]bool, len(orders))
	var out [][]*order.Order
	for i, seed := range orders {
		if used[seed.ID] {
			continue
		}
		members := []*order.Order{seed}
		load := seed.LoadKg
		box := geo.NewBBox(seed.Dropoff)
		for _, cand := range orders[i+1:] {
			if used[cand.ID] || len(members) >= s.cfg.MaxBatchSize {
				continue
			}
			if !s.compatible(ctx, seed, cand, members, load, box) {
				continue
			}
			members = append(members, cand)
			load += cand.LoadKg
			box = box.Extend(cand.Dropoff)
		}
		for _, m := range members {
			used[m.ID] = true
		}
		out = append(out, members)
	}
	return out
}

// compatible applies the batching predicate: same tier, pickups clustered
// pairwise, dropoffs spanning a bounded area, combined load within the
// vehicle, and no member's deadline put at risk.
func (s *Service) compatible(ctx context.Context, seed, cand *order.Order, members []*order.Order, load float64, box geo.BBox) bool {
	if cand.ServiceTier != seed.ServiceTier {
		return false
	}
	// Every pickup pair must sit inside the cluster radius, not just the pair
	// with the seed; two members on opposite edges would otherwise stretch
	// the pickup leg past the radius.
	for _, m := range members {
		if geo.HaversineKm(m.Pickup, cand.Pickup) > s.cfg.PickupClusterKm {
			return false
		}
	}
	if box.Extend(cand.Dropoff).DiagonalKm() > s.cfg.DropSpanKm {
		return false
	}
	if load+cand.LoadKg > types.MaxVehicleCapacityKg(seed.ServiceTier) {
		return false
	}
	return s.slaFeasible(ctx, append(append([]*order.Order{}, members...), cand))
}

// slaFeasible projects a nearest-neighbor delivery tour from the pickup
// centroid and rejects the grouping if any member would finish past its
// deadline. The projection is deliberately rough; dispatch and the optimizer
// own the real route.
func (s *Service) slaFeasible(ctx context.Context, members []*order.Order) bool {
	pickups := make([]types.Point, len(members))
	for i, m := range members {
		pickups[i] = m.Pickup
	}
	centroid := geo.Centroid(pickups)
	tier := string(members[0].ServiceTier)

	// Pickups first, then dropoffs in nearest-neighbor order.
	t := s.now().Add(time.Duration(len(members)) * stopDwell)
	cur := centroid
	remaining := append([]*order.Order{}, members...)
	for len(remaining) > 0 {
		best, bestKm := 0, geo.HaversineKm(cur, remaining[0].Dropoff)
		for i := 1; i < len(remaining); i++ {
			if km := geo.HaversineKm(cur, remaining[i].Dropoff); km < bestKm {
				best, bestKm = i, km
			}
		}
		next := remaining[best]
		est, err := s.provider.Estimate(ctx, cur, next.Dropoff, tier)
		if err != nil {
			s.log.WithError(err).Debug("batch feasibility estimate failed, assuming feasible")
			return true
		}
		t = t.Add(est.Duration + stopDwell)
		if t.After(next.SLADeadline) {
			return false
		}
		cur = next.Dropoff
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	return true
}

func (s *Service) createBatch(ctx context.Context, members []*order.Order) error {
	pickups := make([]types.Point, len(members))
	ids := make([]types.ID, len(members))
	for i, m := range members {
		pickups[i] = m.Pickup
		ids[i] = m.ID
	}
	b := &Batch{
		ID:             types.ID(uuid.NewString()),
		Status:         StatusPending,
		OrderIDs:       ids,
		Tier:           members[0].ServiceTier,
		PickupCentroid: geo.Centroid(pickups),
		TotalLoadKg:    lo.SumBy(members, func(m *order.Order) float64 { return m.LoadKg }),
		SLADeadline:    members[0].SLADeadline,
		CreatedAt:      s.now(),
	}
	if err := s.store.Create(ctx, b); err != nil {
		return err
	}
	metrics.BatchesCreatedTotal.Inc()
	metrics.BatchSize.Observe(float64(len(members)))
	s.hub.Batches.Publish(events.BatchEvent{Kind: "created", BatchID: b.ID, OrderIDs: ids, At: b.CreatedAt})
	s.log.WithFields(logrus.Fields{
		"batch_id": b.ID,
		"orders":   len(ids),
		"load_kg":  b.TotalLoadKg,
	}).Info("batch created")
	return nil
}

// PendingWork exposes pending batches as dispatchable units.
func (s *Service) PendingWork(ctx context.Context) ([]dispatch.BatchWork, error) {
	batches, err := s.store.ListByStatus(ctx, StatusPending)
	if err != nil {
		return nil, err
	}
	work := make([]dispatch.BatchWork, len(batches))
	for i, b := range batches {
		work[i] = dispatch.BatchWork{
			ID:          b.ID,
			OrderIDs:    b.OrderIDs,
			Anchor:      b.PickupCentroid,
			TotalLoadKg: b.TotalLoadKg,
			Tier:        b.Tier,
			SLADeadline: b.SLADeadline,
		}
	}
	return work, nil
}

// OnOrderTerminal advances the batch lifecycle as members finish. It
// implements the hook the order service calls on terminal transitions.
func (s *Service) OnOrderTerminal(ctx context.Context, orderID, batchID types.ID, status order.Status) error {
	b, err := s.store.Get(ctx, batchID)
	if err != nil {
		return err
	}
	if IsTerminal(b.Status) {
		return nil
	}

	members, err := s.orders.ListByBatch(ctx, batchID)
	if err != nil {
		return err
	}

	// A batch shrinking below two before dispatch dissolves; its survivors go
	// back to individual dispatch.
	if b.Status == StatusPending {
		live := lo.CountBy(members, func(m *order.Order) bool { return !order.IsTerminal(m.Status) })
		if live < 2 {
			if err := s.store.UnlinkOrders(ctx, batchID); err != nil {
				return err
			}
			if _, err := s.store.UpdateStatus(ctx, batchID, StatusPending, StatusCancelled); err != nil {
				return err
			}
			s.hub.Batches.Publish(events.BatchEvent{Kind: "cancelled", BatchID: batchID, At: s.now()})
		}
		return nil
	}

	cur := b.Status
	if status == order.StatusDelivered && cur == StatusAssigned {
		if ok, err := s.store.UpdateStatus(ctx, batchID, StatusAssigned, StatusInProgress); err != nil {
			return err
		} else if ok {
			cur = StatusInProgress
		}
	}

	if !lo.EveryBy(members, func(m *order.Order) bool { return order.IsTerminal(m.Status) }) {
		return nil
	}
	to := StatusCompleted
	kind := "completed"
	if lo.EveryBy(members, func(m *order.Order) bool { return m.Status == order.StatusCancelled }) {
		to = StatusCancelled
		kind = "cancelled"
	}
	if ok, err := s.store.UpdateStatus(ctx, batchID, cur, to); err != nil {
		return err
	} else if !ok {
		return ErrConflict
	}
	s.hub.Batches.Publish(events.BatchEvent{Kind: kind, BatchID: batchID, OrderIDs: b.OrderIDs, At: s.now()})
	s.log.WithFields(logrus.Fields{"batch_id": batchID, "status": to}).Info("batch settled")
	return nil
}
