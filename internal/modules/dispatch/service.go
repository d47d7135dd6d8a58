// README: Dispatch engine: candidate search, scoring, offers, and the assignment loop.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"

	"barq/internal/config"
	"barq/internal/events"
	"barq/internal/geo"
	"barq/internal/infra"
	"barq/internal/metrics"
	"barq/internal/modules/driver"
	"barq/internal/modules/order"
	"barq/internal/types"
)

// OrderLister lists and reads dispatchable work.
type OrderLister interface {
	ListByStatus(ctx context.Context, statuses ...order.Status) ([]*order.Order, error)
	Get(ctx context.Context, id types.ID) (*order.Order, error)
}

// DriverDirectory is the slice of the driver state machine dispatch uses.
type DriverDirectory interface {
	Get(ctx context.Context, id types.ID) (*driver.Driver, error)
	GetMany(ctx context.Context, ids []types.ID) ([]*driver.Driver, error)
	CanAccept(d *driver.Driver) bool
	WithLock(id types.ID, fn func() error) error
}

// OfferIndex is the Redis side: the GEO candidate index plus offer leases,
// cooldowns, attempt counters, and zone membership.
type OfferIndex interface {
	NearbyDrivers(ctx context.Context, p types.Point, radiusKm float64) ([]types.ID, error)
	PlaceOffer(ctx context.Context, orderID, driverID types.ID, ttl time.Duration) (bool, error)
	OfferHolder(ctx context.Context, orderID types.ID) (types.ID, bool, error)
	ReleaseOffer(ctx context.Context, orderID, driverID types.ID) error
	SetCooldown(ctx context.Context, orderID, driverID types.ID, ttl time.Duration) error
	InCooldown(ctx context.Context, orderID, driverID types.ID) (bool, error)
	IncrAttempts(ctx context.Context, orderID types.ID) (int, error)
	Attempts(ctx context.Context, orderID types.ID) (int, error)
	ClearAttempts(ctx context.Context, orderID types.ID) error
	InDeliveryZone(ctx context.Context, driverID types.ID, zone string) (bool, error)
}

// Committer is the Postgres side: the atomic assignment transactions.
type Committer interface {
	Assign(ctx context.Context, p AssignParams) error
	Reassign(ctx context.Context, p ReassignParams) error
	AppendAlert(ctx context.Context, a *Alert) error
}

// RouteTrigger requests a route re-optimization after an assignment lands.
type RouteTrigger interface {
	RequestOptimization(driverID types.ID, reason string)
}

// OrderParker parks an order no eligible driver could take; later ticks
// retry it from the pending_driver pool.
type OrderParker interface {
	MarkPendingDriver(ctx context.Context, id types.ID) error
}

// BatchWork is a pending batch viewed as one dispatchable unit.
type BatchWork struct {
	ID          types.ID
	OrderIDs    []types.ID
	Anchor      types.Point
	TotalLoadKg float64
	Tier        types.ServiceTier
	SLADeadline time.Time
}

// BatchSource supplies pending batches; batches dispatch ahead of loose orders.
type BatchSource interface {
	PendingWork(ctx context.Context) ([]BatchWork, error)
}

type Service struct {
	orders  OrderLister
	drivers DriverDirectory
	index   OfferIndex
	pg      Committer
	breaker *infra.Breaker
	hub     *events.Hub
	cfg     config.DispatchConfig
	log     *logrus.Logger

	weights Weights
	route   RouteTrigger
	batches BatchSource
	parker  OrderParker

	now func() time.Time
}

func NewService(orders OrderLister, drivers DriverDirectory, index OfferIndex, pg Committer, breaker *infra.Breaker, hub *events.Hub, cfg config.DispatchConfig, log *logrus.Logger) *Service {
	return &Service{
		orders:  orders,
		drivers: drivers,
		index:   index,
		pg:      pg,
		breaker: breaker,
		hub:     hub,
		cfg:     cfg,
		log:     log,
		weights: WeightsFromConfig(cfg),
		now:     time.Now,
	}
}

// SetRouteTrigger wires the optimizer in after construction; the two engines
// reference each other only through this hook.
func (s *Service) SetRouteTrigger(rt RouteTrigger) { s.route = rt }

// SetBatchSource wires the batching engine in after construction.
func (s *Service) SetBatchSource(bs BatchSource) { s.batches = bs }

// SetOrderParker wires the order lifecycle in after construction.
func (s *Service) SetOrderParker(p OrderParker) { s.parker = p }

// RunScheduler drives the dispatch tick until ctx is cancelled.
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

// Tick runs one dispatch pass: batches first (they bind more capacity), then
// loose orders oldest-deadline first. A degraded persistence layer pauses new
// assignments entirely.
func (s *Service) Tick(ctx context.Context) {
	if s.breaker != nil && s.breaker.Degraded() {
		metrics.DegradedMode.Set(1)
		s.log.Warn("dispatch tick skipped: persistence degraded")
		return
	}
	metrics.DegradedMode.Set(0)

	if s.batches != nil {
		work, err := s.batches.PendingWork(ctx)
		if err != nil {
			s.log.WithError(err).Warn("dispatch tick: list pending batches failed")
		}
		for _, b := range work {
			if err := s.dispatchBatch(ctx, b); err != nil && !errors.Is(err, ErrNoCandidates) {
				s.log.WithError(err).WithField("batch_id", b.ID).Warn("batch dispatch failed")
			}
		}
	}

	orders, err := s.orders.ListByStatus(ctx, order.StatusPending, order.StatusPendingDriver)
	if err != nil {
		s.log.WithError(err).Error("dispatch tick: list orders failed")
		return
	}
	for _, o := range orders {
		if o.BatchID != nil {
			// Batched orders ride with their batch.
			continue
		}
		if err := s.dispatchOrder(ctx, o); err != nil && !errors.Is(err, ErrNoCandidates) && !errors.Is(err, ErrOfferHeld) {
			s.log.WithError(err).WithField("order_id", o.ID).Warn("order dispatch failed")
		}
	}
}

func (s *Service) dispatchOrder(ctx context.Context, o *order.Order) error {
	if _, held, err := s.index.OfferHolder(ctx, o.ID); err != nil {
		return err
	} else if held {
		return ErrOfferHeld
	}

	attempts, err := s.index.Attempts(ctx, o.ID)
	if err != nil {
		return err
	}
	if attempts >= s.cfg.MaxOffersPerOrder {
		s.raiseAlert(ctx, AlertAllBusy, events.SeverityHigh, &o.ID,
			fmt.Sprintf("order %s exhausted %d offers", o.ID, attempts))
		// Restart the offer cycle rather than parking the order forever.
		return s.index.ClearAttempts(ctx, o.ID)
	}

	now := s.now()
	forced := o.TimeToSLA(now) <= s.cfg.ForceThreshold

	candidates, err := s.FindCandidates(ctx, o, o.LoadKg, s.weights)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		s.raiseAlert(ctx, AlertNoDrivers, events.SeverityHigh, &o.ID,
			fmt.Sprintf("no eligible drivers for order %s", o.ID))
		s.parkPending(ctx, o)
		return ErrNoCandidates
	}

	best := candidates[0]
	if !forced && best.Score.Total < s.cfg.MinScore {
		s.raiseAlert(ctx, AlertNoDrivers, events.SeverityMedium, &o.ID,
			fmt.Sprintf("best candidate for order %s scored %.2f, below floor", o.ID, best.Score.Total))
		s.parkPending(ctx, o)
		return ErrNoCandidates
	}

	if forced {
		// Under the SLA wire the offer window is a luxury the order cannot
		// afford.
		return s.assign(ctx, AssignParams{
			OrderIDs:    []types.ID{o.ID},
			DriverID:    best.Driver.ID,
			TotalLoadKg: o.LoadKg,
			Score:       best.Score,
			Type:        AssignForced,
			Reason:      "sla_window_critical",
			At:          now,
		})
	}

	ok, err := s.index.PlaceOffer(ctx, o.ID, best.Driver.ID, s.cfg.OfferTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return ErrOfferHeld
	}
	if _, err := s.index.IncrAttempts(ctx, o.ID); err != nil {
		return err
	}
	// The cooldown clock starts at offer time and outlives the offer, so an
	// expired offer needs no separate cleanup before the next tick skips the
	// driver.
	if err := s.index.SetCooldown(ctx, o.ID, best.Driver.ID, s.cfg.OfferTimeout+s.cfg.OfferCooldown); err != nil {
		return err
	}
	metrics.OffersTotal.WithLabelValues("placed").Inc()
	s.log.WithFields(logrus.Fields{
		"order_id":  o.ID,
		"driver_id": best.Driver.ID,
		"score":     best.Score.Total,
	}).Debug("offer placed")
	return nil
}

// parkPending moves an order with no takers to pending_driver so its state
// reflects the exhausted search.
func (s *Service) parkPending(ctx context.Context, o *order.Order) {
	if s.parker == nil || o.Status == order.StatusPendingDriver {
		return
	}
	if err := s.parker.MarkPendingDriver(ctx, o.ID); err != nil {
		s.log.WithError(err).WithField("order_id", o.ID).Warn("park pending_driver failed")
	}
}

func (s *Service) dispatchBatch(ctx context.Context, b BatchWork) error {
	probe := &order.Order{
		ID:          b.ID,
		ServiceTier: b.Tier,
		Pickup:      b.Anchor,
		SLADeadline: b.SLADeadline,
	}
	candidates, err := s.FindCandidates(ctx, probe, b.TotalLoadKg, s.weights)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		s.raiseAlert(ctx, AlertNoDrivers, events.SeverityHigh, nil,
			fmt.Sprintf("no eligible drivers for batch %s", b.ID))
		return ErrNoCandidates
	}
	best := candidates[0]
	if best.Score.Total < s.cfg.MinScore {
		return ErrNoCandidates
	}
	batchID := b.ID
	return s.assign(ctx, AssignParams{
		OrderIDs:    b.OrderIDs,
		BatchID:     &batchID,
		DriverID:    best.Driver.ID,
		TotalLoadKg: b.TotalLoadKg,
		Score:       best.Score,
		Type:        AssignBatch,
		Reason:      "batch_dispatch",
		At:          s.now(),
	})
}

// FindCandidates queries the GEO index around the work unit's pickup, widening
// the radius geometrically up to the cap, and returns scored candidates ranked
// best-first. Cooldowns, capacity, and driver eligibility are all applied here.
func (s *Service) FindCandidates(ctx context.Context, o *order.Order, loadKg float64, w Weights) ([]Candidate, error) {
	return s.findCandidates(ctx, o, loadKg, w, nil)
}

func (s *Service) findCandidates(ctx context.Context, o *order.Order, loadKg float64, w Weights, exclude map[types.ID]bool) ([]Candidate, error) {
	radius := s.cfg.RadiusKm
	maxRadius := s.cfg.RadiusKm * s.cfg.RadiusMaxFactor
	for {
		ids, err := s.index.NearbyDrivers(ctx, o.Pickup, radius)
		if err != nil {
			return nil, err
		}
		candidates, err := s.scoreCandidates(ctx, o, ids, loadKg, radius, w, exclude)
		if err != nil {
			return nil, err
		}
		if len(candidates) > 0 {
			Rank(candidates)
			return candidates, nil
		}
		if radius >= maxRadius {
			return nil, nil
		}
		radius *= s.cfg.RadiusGrowth
		if radius > maxRadius {
			radius = maxRadius
		}
	}
}

func (s *Service) scoreCandidates(ctx context.Context, o *order.Order, ids []types.ID, loadKg, radiusKm float64, w Weights, exclude map[types.ID]bool) ([]Candidate, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	drivers, err := s.drivers.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	zone := geo.ZoneKey(o.Dropoff)
	var out []Candidate
	for _, d := range drivers {
		if exclude[d.ID] {
			continue
		}
		if !s.drivers.CanAccept(d) {
			continue
		}
		if !d.Serves(o.ServiceTier) {
			continue
		}
		if d.CurrentLoadKg+loadKg > d.CapacityKg {
			continue
		}
		if cooled, err := s.index.InCooldown(ctx, o.ID, d.ID); err != nil {
			return nil, err
		} else if cooled {
			continue
		}
		inZone := false
		if !o.Dropoff.IsZero() {
			inZone, _ = s.index.InDeliveryZone(ctx, d.ID, zone)
		}
		dist := geo.HaversineKm(d.CurrentLocation, o.Pickup)
		out = append(out, Candidate{
			Driver:     d,
			DistanceKm: dist,
			Score:      ScoreDriver(d, dist, radiusKm, inZone, w),
		})
	}
	return out, nil
}

// AcceptOffer converts an outstanding offer into an assignment. The caller is
// the driver-facing ingress; the offer must still be held by this driver.
func (s *Service) AcceptOffer(ctx context.Context, orderID, driverID types.ID) error {
	holder, held, err := s.index.OfferHolder(ctx, orderID)
	if err != nil {
		return err
	}
	if !held || holder != driverID {
		metrics.OffersTotal.WithLabelValues("expired").Inc()
		return ErrOfferExpired
	}
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	d, err := s.drivers.Get(ctx, driverID)
	if err != nil {
		return err
	}
	inZone := false
	if !o.Dropoff.IsZero() {
		inZone, _ = s.index.InDeliveryZone(ctx, driverID, geo.ZoneKey(o.Dropoff))
	}
	dist := geo.HaversineKm(d.CurrentLocation, o.Pickup)
	score := ScoreDriver(d, dist, s.cfg.RadiusKm, inZone, s.weights)
	if err := s.assign(ctx, AssignParams{
		OrderIDs:    []types.ID{orderID},
		DriverID:    driverID,
		TotalLoadKg: o.LoadKg,
		Score:       score,
		Type:        AssignNormal,
		Reason:      "offer_accepted",
		At:          s.now(),
	}); err != nil {
		return err
	}
	_ = s.index.ReleaseOffer(ctx, orderID, driverID)
	_ = s.index.ClearAttempts(ctx, orderID)
	metrics.OffersTotal.WithLabelValues("accepted").Inc()
	return nil
}

// RejectOffer releases the lease so the next tick can try the next candidate.
// The cooldown placed at offer time keeps this driver out of the running.
func (s *Service) RejectOffer(ctx context.Context, orderID, driverID types.ID) error {
	holder, held, err := s.index.OfferHolder(ctx, orderID)
	if err != nil {
		return err
	}
	if !held || holder != driverID {
		return ErrOfferExpired
	}
	if err := s.index.ReleaseOffer(ctx, orderID, driverID); err != nil {
		return err
	}
	metrics.OffersTotal.WithLabelValues("rejected").Inc()
	return nil
}

// assign commits the assignment under the driver's lock. Transient persistence
// errors retry; a CAS conflict does not, and does not count against the
// breaker either (the row moved, the database is fine).
func (s *Service) assign(ctx context.Context, p AssignParams) error {
	err := s.drivers.WithLock(p.DriverID, func() error {
		return retry.Do(
			func() error {
				var conflict bool
				err := s.breaker.Do(func() error {
					err := s.pg.Assign(ctx, p)
					if errors.Is(err, ErrConflict) {
						conflict = true
						return nil
					}
					return err
				})
				if conflict {
					return ErrConflict
				}
				return err
			},
			retry.Attempts(5),
			retry.Delay(50*time.Millisecond),
			retry.MaxDelay(time.Second),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				return !errors.Is(err, ErrConflict) && !errors.Is(err, infra.ErrDegraded)
			}),
		)
	})
	if err != nil {
		return err
	}

	metrics.AssignmentsTotal.WithLabelValues(p.Type).Inc()
	metrics.DispatchScore.Observe(p.Score.Total)
	for _, orderID := range p.OrderIDs {
		s.hub.Orders.Publish(events.OrderEvent{
			Kind:     "assigned",
			OrderID:  orderID,
			DriverID: p.DriverID,
			Score:    p.Score.Total,
			At:       p.At,
		})
	}
	if s.route != nil {
		s.route.RequestOptimization(p.DriverID, "assignment")
	}
	s.log.WithFields(logrus.Fields{
		"driver_id": p.DriverID,
		"orders":    len(p.OrderIDs),
		"type":      p.Type,
		"score":     p.Score.Total,
	}).Info("assignment committed")
	return nil
}

// Reassign moves an assigned order to a fresh driver. Escalation calls this
// with boosted weights so proven, zone-familiar drivers win the rescue.
func (s *Service) Reassign(ctx context.Context, orderID types.ID, reason string, boost float64) (types.ID, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	if o.Status != order.StatusAssigned || o.DriverID == nil {
		return "", ErrConflict
	}
	from := *o.DriverID

	w := s.weights
	if boost > 1 {
		w = w.Boost(boost)
	}
	candidates, err := s.findCandidates(ctx, o, o.LoadKg, w, map[types.ID]bool{from: true})
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", ErrNoCandidates
	}
	best := candidates[0]

	p := ReassignParams{
		OrderID:    orderID,
		FromDriver: from,
		ToDriver:   best.Driver.ID,
		LoadKg:     o.LoadKg,
		Score:      best.Score,
		Reason:     reason,
		At:         s.now(),
	}
	// Both drivers lock in id order so concurrent reassignments cannot
	// deadlock.
	first, second := from, best.Driver.ID
	if second < first {
		first, second = second, first
	}
	err = s.drivers.WithLock(first, func() error {
		return s.drivers.WithLock(second, func() error {
			var conflict bool
			err := s.breaker.Do(func() error {
				err := s.pg.Reassign(ctx, p)
				if errors.Is(err, ErrConflict) {
					conflict = true
					return nil
				}
				return err
			})
			if conflict {
				return ErrConflict
			}
			return err
		})
	})
	if err != nil {
		return "", err
	}

	metrics.ReassignmentsTotal.Inc()
	metrics.AssignmentsTotal.WithLabelValues(AssignReassigned).Inc()
	s.hub.Orders.Publish(events.OrderEvent{
		Kind:     "reassigned",
		OrderID:  orderID,
		DriverID: best.Driver.ID,
		Score:    best.Score.Total,
		At:       p.At,
	})
	if s.route != nil {
		s.route.RequestOptimization(from, "reassignment")
		s.route.RequestOptimization(best.Driver.ID, "reassignment")
	}
	s.log.WithFields(logrus.Fields{
		"order_id": orderID,
		"from":     from,
		"to":       best.Driver.ID,
		"reason":   reason,
	}).Info("order reassigned")
	return best.Driver.ID, nil
}

func (s *Service) raiseAlert(ctx context.Context, typ string, sev events.Severity, orderID *types.ID, msg string) {
	a := &Alert{
		Type:      typ,
		Severity:  string(sev),
		OrderID:   orderID,
		Message:   msg,
		CreatedAt: s.now(),
	}
	if err := s.pg.AppendAlert(ctx, a); err != nil {
		s.log.WithError(err).Warn("dispatch alert append failed")
	}
	ev := events.Alert{Kind: typ, Severity: sev, Message: msg, At: a.CreatedAt}
	if orderID != nil {
		ev.OrderID = *orderID
	}
	s.hub.Alerts.Publish(ev)
	metrics.DispatchAlertsTotal.WithLabelValues(typ, string(sev)).Inc()
}
