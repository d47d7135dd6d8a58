// README: Route optimizer service; event-triggered runs go through a bounded worker pool.
package route

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"barq/internal/config"
	"barq/internal/events"
	"barq/internal/geo"
	"barq/internal/maps"
	"barq/internal/metrics"
	"barq/internal/modules/driver"
	"barq/internal/modules/order"
	"barq/internal/modules/traffic"
	"barq/internal/types"
)

// stopDwell is the fixed handling time budgeted per stop when projecting ETAs.
const stopDwell = 2 * time.Minute

// Storage is what the optimizer needs from the route store.
type Storage interface {
	GetActive(ctx context.Context, driverID types.ID) (*Route, error)
	ListActive(ctx context.Context) ([]*Route, error)
	SwapActive(ctx context.Context, r *Route) error
	Deactivate(ctx context.Context, driverID types.ID) error
	AppendOptimization(ctx context.Context, o *Optimization) error
}

// OrderReader provides the driver's unvisited stops.
type OrderReader interface {
	ListByDriver(ctx context.Context, driverID types.ID) ([]*order.Order, error)
}

// DriverReader provides driver positions and the set of en-route drivers.
type DriverReader interface {
	Get(ctx context.Context, id types.ID) (*driver.Driver, error)
	ListByStatus(ctx context.Context, statuses ...driver.Status) ([]*driver.Driver, error)
}

// TrafficSource exposes the active incident set.
type TrafficSource interface {
	ActiveInBBox(b geo.BBox) []*traffic.Incident
}

type request struct {
	driverID types.ID
	reason   string
}

type Service struct {
	store    Storage
	orders   OrderReader
	drivers  DriverReader
	provider maps.Provider
	traffic  TrafficSource
	hub      *events.Hub
	cfg      config.RouteConfig
	log      *logrus.Logger

	requests chan request
	mu       sync.Mutex
	pending  map[types.ID]bool

	now func() time.Time
}

func NewService(store Storage, orders OrderReader, drivers DriverReader, provider maps.Provider, trafficSrc TrafficSource, hub *events.Hub, cfg config.RouteConfig, log *logrus.Logger) *Service {
	return &Service{
		store:    store,
		orders:   orders,
		drivers:  drivers,
		provider: provider,
		traffic:  trafficSrc,
		hub:      hub,
		cfg:      cfg,
		log:      log,
		requests: make(chan request, 256),
		pending:  make(map[types.ID]bool),
		now:      time.Now,
	}
}

// ActiveRoute returns the driver's current active route.
func (s *Service) ActiveRoute(ctx context.Context, driverID types.ID) (*Route, error) {
	return s.store.GetActive(ctx, driverID)
}

// DeliveryETA reports the projected arrival at an order's delivery stop on the
// driver's active route, if one is planned.
func (s *Service) DeliveryETA(ctx context.Context, driverID, orderID types.ID) (time.Time, bool) {
	r, err := s.store.GetActive(ctx, driverID)
	if err != nil || r == nil {
		return time.Time{}, false
	}
	for _, st := range r.Stops {
		if st.OrderID == orderID && st.Kind == KindDelivery {
			return st.ETA, true
		}
	}
	return time.Time{}, false
}

// RequestOptimization enqueues an event-triggered run. Duplicate requests for
// a driver collapse while one is queued; a full queue drops the request (the
// periodic tick will catch up).
func (s *Service) RequestOptimization(driverID types.ID, reason string) {
	s.mu.Lock()
	if s.pending[driverID] {
		s.mu.Unlock()
		return
	}
	s.pending[driverID] = true
	s.mu.Unlock()

	select {
	case s.requests <- request{driverID: driverID, reason: reason}:
	default:
		s.mu.Lock()
		delete(s.pending, driverID)
		s.mu.Unlock()
		s.log.WithField("driver_id", driverID).Warn("route optimization queue full, dropping request")
	}
}

// Run starts the bounded worker pool and the periodic per-driver tick, and
// blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}

	ticker := time.NewTicker(time.Duration(s.cfg.PeriodicTickMinutes) * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			s.tickPeriodic(ctx)
		}
	}
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.requests:
			s.mu.Lock()
			delete(s.pending, req.driverID)
			s.mu.Unlock()
			if err := s.Optimize(ctx, req.driverID, req.reason); err != nil {
				s.log.WithError(err).WithField("driver_id", req.driverID).Warn("route optimization failed")
			}
		}
	}
}

// tickPeriodic re-optimizes every en-route driver on the slow path.
func (s *Service) tickPeriodic(ctx context.Context) {
	drivers, err := s.drivers.ListByStatus(ctx, driver.StatusBusy, driver.StatusReturning)
	if err != nil {
		s.log.WithError(err).Warn("periodic route tick: list drivers failed")
		return
	}
	for _, d := range drivers {
		s.RequestOptimization(d.ID, "periodic")
	}
}

// OnTrafficIncident re-optimizes every active route whose bounding box the
// incident touches.
func (s *Service) OnTrafficIncident(inc *traffic.Incident) {
	routes, err := s.store.ListActive(context.Background())
	if err != nil {
		s.log.WithError(err).Warn("traffic trigger: list active routes failed")
		return
	}
	for _, r := range routes {
		if len(r.Stops) == 0 {
			continue
		}
		box := geo.NewBBox(stopCoords(r.Stops)...)
		if box.Contains(inc.Location) || geo.HaversineKm(inc.Location, geo.Centroid(stopCoords(r.Stops))) <= box.DiagonalKm()/2+inc.RadiusKm() {
			s.RequestOptimization(r.DriverID, "traffic_incident")
		}
	}
}

// Optimize recomputes the driver's stop sequence and swaps the active route
// when the result clears the improvement gate.
func (s *Service) Optimize(ctx context.Context, driverID types.ID, reason string) error {
	d, err := s.drivers.Get(ctx, driverID)
	if err != nil {
		return err
	}
	active, err := s.orders.ListByDriver(ctx, driverID)
	if err != nil {
		return err
	}

	stops := buildStops(active)
	if len(stops) == 0 {
		if err := s.store.Deactivate(ctx, driverID); err != nil {
			return err
		}
		return nil
	}

	tier := types.TierBarq
	if len(active) > 0 {
		tier = active[0].ServiceTier
	}

	points := append([]types.Point{d.CurrentLocation}, stopCoords(stops)...)
	est, err := s.provider.Matrix(ctx, points, string(tier))
	if err != nil {
		return err
	}

	prob := buildProblem(stops, est, s.blockedLegs(points))
	seq, totalKm, err := prob.solve(s.cfg.NNCap, s.cfg.Max2OptPasses)
	if err != nil {
		// Contradictory stop state: leave the route alone, raise the alarm.
		metrics.RouteOptimizationsTotal.WithLabelValues("failed").Inc()
		s.hub.Alerts.Publish(events.Alert{
			Kind:     "ROUTE_UNSOLVABLE",
			Severity: events.SeverityHigh,
			DriverID: driverID,
			Message:  "no precedence-valid stop sequence",
			At:       s.now(),
		})
		return err
	}

	ordered, totalDur := sequenceStops(stops, seq, est, s.now())
	newRoute := &Route{
		ID:               types.ID(uuid.NewString()),
		DriverID:         driverID,
		Stops:            ordered,
		TotalDistanceKm:  totalKm,
		TotalDurationMin: totalDur.Minutes(),
		IsActive:         true,
		OptimizedAt:      s.now(),
	}
	if len(active) > 0 && active[0].BatchID != nil {
		newRoute.BatchID = active[0].BatchID
	}

	old, err := s.store.GetActive(ctx, driverID)
	if err != nil && err != ErrNotFound {
		return err
	}
	if old != nil && sameStopSet(old.Stops, newRoute.Stops) {
		improvement := 0.0
		if old.TotalDistanceKm > 0 {
			improvement = (old.TotalDistanceKm - newRoute.TotalDistanceKm) / old.TotalDistanceKm
		}
		if improvement < s.cfg.MinImprovement {
			metrics.RouteOptimizationsTotal.WithLabelValues("discarded").Inc()
			return nil
		}
	}

	if err := s.store.SwapActive(ctx, newRoute); err != nil {
		return err
	}
	oldKm, savedMin := 0.0, 0.0
	if old != nil {
		oldKm = old.TotalDistanceKm
		savedMin = old.TotalDurationMin - newRoute.TotalDurationMin
	}
	_ = s.store.AppendOptimization(ctx, &Optimization{
		DriverID:  driverID,
		RouteID:   newRoute.ID,
		OldKm:     oldKm,
		NewKm:     newRoute.TotalDistanceKm,
		SavedMin:  savedMin,
		Reason:    reason,
		CreatedAt: s.now(),
	})
	metrics.RouteOptimizationsTotal.WithLabelValues("accepted").Inc()
	if old != nil && oldKm > 0 {
		metrics.RouteImprovementPct.Observe((oldKm - newRoute.TotalDistanceKm) / oldKm)
	}
	s.hub.Routes.Publish(events.RouteOptimized{
		DriverID: driverID,
		RouteID:  newRoute.ID,
		SavedKm:  oldKm - newRoute.TotalDistanceKm,
		SavedMin: savedMin,
		At:       s.now(),
	})
	s.log.WithFields(logrus.Fields{
		"driver_id": driverID,
		"stops":     len(ordered),
		"km":        newRoute.TotalDistanceKm,
		"reason":    reason,
	}).Debug("route optimized")
	return nil
}

// buildStops derives the unvisited stop set from the driver's active orders:
// assigned orders contribute both legs, picked-up orders only the delivery.
func buildStops(orders []*order.Order) []Stop {
	var stops []Stop
	for _, o := range orders {
		if o.Status == order.StatusAssigned {
			stops = append(stops, Stop{OrderID: o.ID, Kind: KindPickup, Coord: o.Pickup})
		}
		if o.Status == order.StatusAssigned || o.Status == order.StatusPickedUp {
			stops = append(stops, Stop{OrderID: o.ID, Kind: KindDelivery, Coord: o.Dropoff})
		}
	}
	return stops
}

func stopCoords(stops []Stop) []types.Point {
	out := make([]types.Point, len(stops))
	for i, st := range stops {
		out[i] = st.Coord
	}
	return out
}

// blockedLegs marks point-to-point legs crossing an active blocking incident.
func (s *Service) blockedLegs(points []types.Point) [][]bool {
	blocked := make([][]bool, len(points))
	for i := range blocked {
		blocked[i] = make([]bool, len(points))
	}
	if s.traffic == nil {
		return blocked
	}
	incidents := s.traffic.ActiveInBBox(geo.NewBBox(points...))
	for _, inc := range incidents {
		if !inc.Blocking() {
			continue
		}
		for i := range points {
			for j := range points {
				if i == j || blocked[i][j] {
					continue
				}
				if geo.SegmentCrossesCircle(points[i], points[j], inc.Location, inc.RadiusKm()) {
					blocked[i][j] = true
				}
			}
		}
	}
	return blocked
}

func buildProblem(stops []Stop, est [][]maps.Estimate, blocked [][]bool) *planProblem {
	n := len(stops)
	dist := make([][]float64, n+1)
	for i := range dist {
		dist[i] = make([]float64, n+1)
		for j := range dist[i] {
			dist[i][j] = est[i][j].DistanceKm
		}
	}
	pickupOf := make([]int, n+1)
	pickupIdx := make(map[types.ID]int, n)
	for i, st := range stops {
		if st.Kind == KindPickup {
			pickupIdx[st.OrderID] = i + 1
		}
	}
	for i, st := range stops {
		if st.Kind == KindDelivery {
			pickupOf[i+1] = pickupIdx[st.OrderID] // 0 when already picked up
		}
	}
	return &planProblem{n: n, distKm: dist, blocked: blocked, pickupOf: pickupOf}
}

// sequenceStops orders the stops per the solved sequence and projects ETAs.
func sequenceStops(stops []Stop, seq []int, est [][]maps.Estimate, start time.Time) ([]Stop, time.Duration) {
	ordered := make([]Stop, 0, len(seq))
	eta := start
	var total time.Duration
	cur := 0
	for _, idx := range seq {
		leg := est[cur][idx].Duration
		eta = eta.Add(leg + stopDwell)
		total += leg + stopDwell
		st := stops[idx-1]
		st.ETA = eta
		ordered = append(ordered, st)
		cur = idx
	}
	return ordered, total
}
