// README: Traffic service; active incidents live in an expiring in-memory set.
package traffic

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"barq/internal/geo"
	"barq/internal/types"
)

// incidentTTL bounds how long an unresolved incident stays active.
const incidentTTL = 2 * time.Hour

// RouteNotifier lets the route optimizer react to new blocking incidents.
type RouteNotifier interface {
	OnTrafficIncident(inc *Incident)
}

// Storage is what the service needs from the incident store.
type Storage interface {
	Create(ctx context.Context, inc *Incident) error
	Resolve(ctx context.Context, id types.ID, at time.Time) error
	ListActive(ctx context.Context) ([]*Incident, error)
}

type Service struct {
	store  Storage
	log    *logrus.Logger
	active *cache.Cache
	routes RouteNotifier
	now    func() time.Time
}

func NewService(store Storage, log *logrus.Logger) *Service {
	return &Service{
		store:  store,
		log:    log,
		active: cache.New(incidentTTL, 10*time.Minute),
		now:    time.Now,
	}
}

func (s *Service) SetRouteNotifier(r RouteNotifier) { s.routes = r }

// Warm reloads unexpired active incidents after a restart.
func (s *Service) Warm(ctx context.Context) error {
	incidents, err := s.store.ListActive(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	for _, inc := range incidents {
		age := now.Sub(inc.ReportedAt)
		if age >= incidentTTL {
			continue
		}
		s.active.Set(string(inc.ID), inc, incidentTTL-age)
	}
	return nil
}

// Report ingests a traffic.incident event.
func (s *Service) Report(ctx context.Context, loc types.Point, severity Severity, incType string, radiusM float64) (types.ID, error) {
	inc := &Incident{
		ID:         types.ID(uuid.NewString()),
		Location:   loc,
		RadiusM:    radiusM,
		Severity:   severity,
		Type:       incType,
		Status:     StatusActive,
		ReportedAt: s.now(),
	}
	if err := s.store.Create(ctx, inc); err != nil {
		return "", err
	}
	s.active.Set(string(inc.ID), inc, cache.DefaultExpiration)
	s.log.WithFields(logrus.Fields{
		"incident_id": inc.ID,
		"severity":    severity,
		"radius_m":    radiusM,
	}).Info("traffic incident reported")
	if s.routes != nil && inc.Blocking() {
		s.routes.OnTrafficIncident(inc)
	}
	return inc.ID, nil
}

// ResolveIncident handles traffic.resolved.
func (s *Service) ResolveIncident(ctx context.Context, id types.ID) error {
	if err := s.store.Resolve(ctx, id, s.now()); err != nil {
		return err
	}
	s.active.Delete(string(id))
	return nil
}

// Active returns the current active incident set.
func (s *Service) Active() []*Incident {
	items := s.active.Items()
	out := make([]*Incident, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(*Incident))
	}
	return out
}

// ActiveNear returns active incidents whose circle intersects the given
// radius around p, nearest first.
func (s *Service) ActiveNear(p types.Point, radiusKm float64) []*Incident {
	var out []*Incident
	for _, inc := range s.Active() {
		if geo.HaversineKm(p, inc.Location) <= radiusKm+inc.RadiusKm() {
			out = append(out, inc)
		}
	}
	geo.SortByDistance(out, func(inc *Incident) float64 {
		return geo.HaversineKm(p, inc.Location)
	})
	return out
}

// ActiveInBBox returns active incidents inside or touching the box.
func (s *Service) ActiveInBBox(b geo.BBox) []*Incident {
	var out []*Incident
	for _, inc := range s.Active() {
		if b.Contains(inc.Location) {
			out = append(out, inc)
			continue
		}
		// Close enough that the radius reaches into the box.
		corner := types.Point{Lat: clamp(inc.Location.Lat, b.MinLat, b.MaxLat), Lng: clamp(inc.Location.Lng, b.MinLng, b.MaxLng)}
		if geo.HaversineKm(inc.Location, corner) <= inc.RadiusKm() {
			out = append(out, inc)
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
