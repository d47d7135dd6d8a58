// README: Traffic incident set tests.
package traffic

import (
	"context"
	"sync"
	"testing"
	"time"

	"barq/internal/geo"
	"barq/internal/infra"
	"barq/internal/types"
)

var trafficNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// In-memory mocks
// ---------------------------------------------------------------------------

type mockIncidentStore struct {
	mu       sync.Mutex
	created  []*Incident
	resolved []types.ID
	active   []*Incident
}

func (m *mockIncidentStore) Create(_ context.Context, inc *Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, inc)
	return nil
}

func (m *mockIncidentStore) Resolve(_ context.Context, id types.ID, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved = append(m.resolved, id)
	return nil
}

func (m *mockIncidentStore) ListActive(context.Context) ([]*Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	incidents []*Incident
}

func (r *recordingNotifier) OnTrafficIncident(inc *Incident) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, inc)
}

func newTrafficFixture(t *testing.T) (*Service, *mockIncidentStore, *recordingNotifier) {
	t.Helper()
	store := &mockIncidentStore{}
	svc := NewService(store, infra.NewLogger("error"))
	svc.now = func() time.Time { return trafficNow }
	notifier := &recordingNotifier{}
	svc.SetRouteNotifier(notifier)
	return svc, store, notifier
}

var incidentLoc = types.Point{Lat: 24.7136, Lng: 46.6753}

// ---------------------------------------------------------------------------
// Report and resolve
// ---------------------------------------------------------------------------

func TestReport_EntersActiveSet(t *testing.T) {
	svc, store, _ := newTrafficFixture(t)

	id, err := svc.Report(context.Background(), incidentLoc, SeverityMedium, "congestion", 500)
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if len(store.created) != 1 || store.created[0].ID != id {
		t.Fatal("incident not persisted")
	}
	active := svc.Active()
	if len(active) != 1 || active[0].ID != id {
		t.Fatalf("active set: %+v", active)
	}
	if active[0].RadiusKm() != 0.5 {
		t.Fatalf("radius: got %v km", active[0].RadiusKm())
	}
}

func TestReport_BlockingNotifiesRoutes(t *testing.T) {
	svc, _, notifier := newTrafficFixture(t)

	if _, err := svc.Report(context.Background(), incidentLoc, SeverityHigh, "road_closure", 800); err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if len(notifier.incidents) != 1 {
		t.Fatal("blocking incident should reach the route optimizer")
	}
	if _, err := svc.Report(context.Background(), incidentLoc, SeverityLow, "congestion", 200); err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if len(notifier.incidents) != 1 {
		t.Fatal("non-blocking incidents are routing-neutral")
	}
}

func TestResolveIncident(t *testing.T) {
	svc, store, _ := newTrafficFixture(t)
	id, _ := svc.Report(context.Background(), incidentLoc, SeverityMedium, "congestion", 500)

	if err := svc.ResolveIncident(context.Background(), id); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(store.resolved) != 1 || store.resolved[0] != id {
		t.Fatal("resolution not persisted")
	}
	if len(svc.Active()) != 0 {
		t.Fatal("resolved incident must leave the active set")
	}
}

func TestBlocking(t *testing.T) {
	cases := []struct {
		sev  Severity
		want bool
	}{
		{SeverityLow, false},
		{SeverityMedium, false},
		{SeverityHigh, true},
		{SeveritySevere, true},
	}
	for _, c := range cases {
		inc := &Incident{Severity: c.sev}
		if inc.Blocking() != c.want {
			t.Errorf("%s: blocking=%v, want %v", c.sev, inc.Blocking(), c.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Warm start
// ---------------------------------------------------------------------------

func TestWarm_SkipsExpired(t *testing.T) {
	svc, store, _ := newTrafficFixture(t)
	store.active = []*Incident{
		{ID: "fresh", Location: incidentLoc, Severity: SeverityMedium, Status: StatusActive, ReportedAt: trafficNow.Add(-30 * time.Minute)},
		{ID: "stale", Location: incidentLoc, Severity: SeverityMedium, Status: StatusActive, ReportedAt: trafficNow.Add(-3 * time.Hour)},
	}

	if err := svc.Warm(context.Background()); err != nil {
		t.Fatalf("warm failed: %v", err)
	}
	active := svc.Active()
	if len(active) != 1 || active[0].ID != "fresh" {
		t.Fatalf("warm should reload only unexpired incidents: %+v", active)
	}
}

// ---------------------------------------------------------------------------
// Spatial queries
// ---------------------------------------------------------------------------

func TestActiveNear(t *testing.T) {
	svc, _, _ := newTrafficFixture(t)
	_, _ = svc.Report(context.Background(), incidentLoc, SeverityMedium, "congestion", 500)

	near := types.Point{Lat: 24.7226, Lng: 46.6753} // ~1km away
	if got := svc.ActiveNear(near, 2); len(got) != 1 {
		t.Fatalf("incident within reach not returned: %d", len(got))
	}
	far := types.Point{Lat: 24.9, Lng: 46.6753} // ~20km away
	if got := svc.ActiveNear(far, 2); len(got) != 0 {
		t.Fatalf("distant incident returned: %d", len(got))
	}
}

func TestActiveNear_NearestFirst(t *testing.T) {
	svc, _, _ := newTrafficFixture(t)
	farther := types.Point{Lat: 24.7406, Lng: 46.6753} // ~3km out
	closer := types.Point{Lat: 24.7226, Lng: 46.6753}  // ~1km out
	farID, _ := svc.Report(context.Background(), farther, SeverityMedium, "congestion", 500)
	nearID, _ := svc.Report(context.Background(), closer, SeverityMedium, "accident", 500)

	got := svc.ActiveNear(incidentLoc, 5)
	if len(got) != 2 {
		t.Fatalf("expected both incidents, got %d", len(got))
	}
	if got[0].ID != nearID || got[1].ID != farID {
		t.Fatalf("incidents not ordered nearest first: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestActiveInBBox(t *testing.T) {
	svc, _, _ := newTrafficFixture(t)
	_, _ = svc.Report(context.Background(), incidentLoc, SeverityMedium, "congestion", 2000)

	inside := geo.NewBBox(
		types.Point{Lat: 24.70, Lng: 46.66},
		types.Point{Lat: 24.72, Lng: 46.69},
	)
	if got := svc.ActiveInBBox(inside); len(got) != 1 {
		t.Fatal("incident inside the box not returned")
	}

	// Box ~1.5km from the incident centre; the 2km radius reaches in.
	touching := geo.NewBBox(
		types.Point{Lat: 24.7271, Lng: 46.6753},
		types.Point{Lat: 24.7371, Lng: 46.6853},
	)
	if got := svc.ActiveInBBox(touching); len(got) != 1 {
		t.Fatal("incident radius touching the box not returned")
	}

	farBox := geo.NewBBox(
		types.Point{Lat: 24.90, Lng: 46.70},
		types.Point{Lat: 24.95, Lng: 46.75},
	)
	if got := svc.ActiveInBBox(farBox); len(got) != 0 {
		t.Fatal("distant box should see no incidents")
	}
}
