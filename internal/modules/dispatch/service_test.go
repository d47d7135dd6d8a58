// README: Dispatch engine tests with in-memory order, driver, and offer mocks.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"barq/internal/config"
	"barq/internal/events"
	"barq/internal/geo"
	"barq/internal/infra"
	"barq/internal/modules/driver"
	"barq/internal/modules/order"
	"barq/internal/types"
)

var (
	testNow    = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	testPickup = types.Point{Lat: 24.7136, Lng: 46.6753}
	testDrop   = types.Point{Lat: 24.7336, Lng: 46.6953}
)

// ---------------------------------------------------------------------------
// In-memory mocks
// ---------------------------------------------------------------------------

type mockOrders struct {
	mu     sync.Mutex
	orders map[types.ID]*order.Order
}

func newMockOrders(os ...*order.Order) *mockOrders {
	m := &mockOrders{orders: make(map[types.ID]*order.Order)}
	for _, o := range os {
		m.orders[o.ID] = o
	}
	return m
}

func (m *mockOrders) ListByStatus(_ context.Context, statuses ...order.Status) ([]*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*order.Order
	for _, o := range m.orders {
		for _, st := range statuses {
			if o.Status == st {
				out = append(out, o)
			}
		}
	}
	return out, nil
}

func (m *mockOrders) Get(_ context.Context, id types.ID) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o, nil
}

type mockDirectory struct {
	mu      sync.Mutex
	drivers map[types.ID]*driver.Driver
}

func newMockDirectory(ds ...*driver.Driver) *mockDirectory {
	m := &mockDirectory{drivers: make(map[types.ID]*driver.Driver)}
	for _, d := range ds {
		m.drivers[d.ID] = d
	}
	return m
}

func (m *mockDirectory) Get(_ context.Context, id types.ID) (*driver.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, driver.ErrNotFound
	}
	return d, nil
}

func (m *mockDirectory) GetMany(ctx context.Context, ids []types.ID) ([]*driver.Driver, error) {
	var out []*driver.Driver
	for _, id := range ids {
		if d, err := m.Get(ctx, id); err == nil {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockDirectory) CanAccept(d *driver.Driver) bool {
	return d != nil && d.Status == driver.StatusAvailable && !d.Quarantined
}

func (m *mockDirectory) WithLock(_ types.ID, fn func() error) error { return fn() }

// mockIndex keeps driver positions and answers NearbyDrivers by haversine, so
// radius widening behaves like the real GEO index.
type mockIndex struct {
	mu        sync.Mutex
	positions map[types.ID]types.Point
	offers    map[types.ID]types.ID
	cooldowns map[string]bool
	attempts  map[types.ID]int
	zones     map[string]bool
}

func newMockIndex() *mockIndex {
	return &mockIndex{
		positions: make(map[types.ID]types.Point),
		offers:    make(map[types.ID]types.ID),
		cooldowns: make(map[string]bool),
		attempts:  make(map[types.ID]int),
		zones:     make(map[string]bool),
	}
}

func (m *mockIndex) NearbyDrivers(_ context.Context, p types.Point, radiusKm float64) ([]types.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ID
	for id, pos := range m.positions {
		if geo.HaversineKm(p, pos) <= radiusKm {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *mockIndex) PlaceOffer(_ context.Context, orderID, driverID types.ID, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.offers[orderID]; held {
		return false, nil
	}
	m.offers[orderID] = driverID
	return true, nil
}

func (m *mockIndex) OfferHolder(_ context.Context, orderID types.ID) (types.ID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.offers[orderID]
	return d, ok, nil
}

func (m *mockIndex) ReleaseOffer(_ context.Context, orderID, driverID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offers[orderID] == driverID {
		delete(m.offers, orderID)
	}
	return nil
}

func (m *mockIndex) SetCooldown(_ context.Context, orderID, driverID types.ID, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldowns[string(orderID)+"/"+string(driverID)] = true
	return nil
}

func (m *mockIndex) InCooldown(_ context.Context, orderID, driverID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cooldowns[string(orderID)+"/"+string(driverID)], nil
}

func (m *mockIndex) IncrAttempts(_ context.Context, orderID types.ID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[orderID]++
	return m.attempts[orderID], nil
}

func (m *mockIndex) Attempts(_ context.Context, orderID types.ID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[orderID], nil
}

func (m *mockIndex) ClearAttempts(_ context.Context, orderID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, orderID)
	return nil
}

func (m *mockIndex) InDeliveryZone(_ context.Context, driverID types.ID, zone string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zones[string(driverID)+"/"+zone], nil
}

type mockCommitter struct {
	mu          sync.Mutex
	assigns     []AssignParams
	reassigns   []ReassignParams
	alerts      []*Alert
	assignErr   error
	failFirst   int
	assignCalls int
}

func (m *mockCommitter) Assign(_ context.Context, p AssignParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignCalls++
	if m.assignErr != nil {
		return m.assignErr
	}
	if m.assignCalls <= m.failFirst {
		return errors.New("connection reset by peer")
	}
	m.assigns = append(m.assigns, p)
	return nil
}

func (m *mockCommitter) Reassign(_ context.Context, p ReassignParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reassigns = append(m.reassigns, p)
	return nil
}

func (m *mockCommitter) AppendAlert(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *mockCommitter) lastAlert() *Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.alerts) == 0 {
		return nil
	}
	return m.alerts[len(m.alerts)-1]
}

type mockParker struct {
	mu     sync.Mutex
	parked []types.ID
}

func (m *mockParker) MarkPendingDriver(_ context.Context, id types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parked = append(m.parked, id)
	return nil
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func dispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		TickSeconds:       10,
		RadiusKm:          10,
		RadiusGrowth:      1.5,
		RadiusMaxFactor:   3,
		MinScore:          0.40,
		WeightProximity:   0.4,
		WeightPerformance: 0.3,
		WeightCapacity:    0.2,
		WeightZone:        0.1,
		OfferTimeout:      30 * time.Second,
		MaxOffersPerOrder: 5,
		OfferCooldown:     time.Minute,
		ForceThreshold:    15 * time.Minute,
	}
}

func pendingOrder(id types.ID) *order.Order {
	return &order.Order{
		ID:          id,
		ServiceTier: types.TierBarq,
		Pickup:      testPickup,
		Dropoff:     testDrop,
		LoadKg:      5,
		Status:      order.StatusPending,
		CreatedAt:   testNow.Add(-5 * time.Minute),
		SLADeadline: testNow.Add(55 * time.Minute),
	}
}

func availableDriver(id types.ID, pos types.Point) *driver.Driver {
	return &driver.Driver{
		ID:              id,
		Status:          driver.StatusAvailable,
		CurrentLocation: pos,
		CapacityKg:      100,
		OnTimeRate:      0.95,
		ServiceTiers:    []types.ServiceTier{types.TierBarq},
	}
}

type dispatchFixture struct {
	svc    *Service
	orders *mockOrders
	dir    *mockDirectory
	index  *mockIndex
	pg     *mockCommitter
	parker *mockParker
	hub    *events.Hub
}

func newDispatchFixture(t *testing.T, orders []*order.Order, drivers []*driver.Driver) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{
		orders: newMockOrders(orders...),
		dir:    newMockDirectory(drivers...),
		index:  newMockIndex(),
		pg:     &mockCommitter{},
		parker: &mockParker{},
		hub:    events.NewHub(),
	}
	t.Cleanup(f.hub.Close)
	for _, d := range drivers {
		f.index.positions[d.ID] = d.CurrentLocation
	}
	f.svc = NewService(f.orders, f.dir, f.index, f.pg, infra.NewBreaker("test", nil), f.hub, dispatchConfig(), infra.NewLogger("error"))
	f.svc.SetOrderParker(f.parker)
	f.svc.now = func() time.Time { return testNow }
	return f
}

// ---------------------------------------------------------------------------
// Dispatch tick
// ---------------------------------------------------------------------------

func TestTick_EmptyPoolRaisesNoDriversAlert(t *testing.T) {
	f := newDispatchFixture(t, []*order.Order{pendingOrder("o1")}, nil)

	f.svc.Tick(context.Background())

	a := f.pg.lastAlert()
	if a == nil || a.Type != AlertNoDrivers {
		t.Fatalf("expected NO_DRIVERS alert, got %+v", a)
	}
	if len(f.pg.assigns) != 0 || len(f.index.offers) != 0 {
		t.Fatal("nothing should be assigned or offered")
	}
	if len(f.parker.parked) != 1 || f.parker.parked[0] != "o1" {
		t.Fatalf("exhausted search must park the order pending_driver, got %v", f.parker.parked)
	}
}

func TestTick_TierMismatchFindsNoCandidates(t *testing.T) {
	d := availableDriver("d1", types.Point{Lat: 24.7226, Lng: 46.6753})
	d.ServiceTiers = []types.ServiceTier{types.TierBullet}
	f := newDispatchFixture(t, []*order.Order{pendingOrder("o1")}, []*driver.Driver{d})

	f.svc.Tick(context.Background())

	if len(f.index.offers) != 0 || len(f.pg.assigns) != 0 {
		t.Fatal("a driver not serving the order's tier must not get it")
	}
	if a := f.pg.lastAlert(); a == nil || a.Type != AlertNoDrivers {
		t.Fatal("expected NO_DRIVERS alert")
	}
}

func TestTick_PlacesOfferOnBestCandidate(t *testing.T) {
	near := availableDriver("d-near", types.Point{Lat: 24.7226, Lng: 46.6753}) // ~1km
	far := availableDriver("d-far", types.Point{Lat: 24.7766, Lng: 46.6753})  // ~7km
	f := newDispatchFixture(t, []*order.Order{pendingOrder("o1")}, []*driver.Driver{near, far})

	f.svc.Tick(context.Background())

	if got := f.index.offers["o1"]; got != "d-near" {
		t.Fatalf("offer should go to the closest driver, got %q", got)
	}
	if f.index.attempts["o1"] != 1 {
		t.Fatalf("attempt counter: got %d", f.index.attempts["o1"])
	}
	if !f.index.cooldowns["o1/d-near"] {
		t.Fatal("cooldown must be placed at offer time")
	}
	if len(f.pg.assigns) != 0 {
		t.Fatal("an offer is not an assignment")
	}
}

func TestTick_WidensRadiusUpToCap(t *testing.T) {
	// ~12km north: outside the 10km first pass, inside the widened 15km pass.
	d := availableDriver("d1", types.Point{Lat: 24.8216, Lng: 46.6753})
	f := newDispatchFixture(t, []*order.Order{pendingOrder("o1")}, []*driver.Driver{d})

	f.svc.Tick(context.Background())

	if f.index.offers["o1"] != "d1" {
		t.Fatal("widened radius should reach the driver")
	}
}

func TestTick_RadiusCapExcludesDistantDrivers(t *testing.T) {
	// ~36km: beyond the 30km hard cap.
	d := availableDriver("d1", types.Point{Lat: 25.0376, Lng: 46.6753})
	f := newDispatchFixture(t, []*order.Order{pendingOrder("o1")}, []*driver.Driver{d})

	f.svc.Tick(context.Background())

	if len(f.index.offers) != 0 {
		t.Fatal("drivers beyond the radius cap must not receive offers")
	}
	if a := f.pg.lastAlert(); a == nil || a.Type != AlertNoDrivers {
		t.Fatal("expected NO_DRIVERS alert")
	}
}

func TestTick_ForceAssignsUnderSLAWire(t *testing.T) {
	o := pendingOrder("o1")
	o.SLADeadline = testNow.Add(10 * time.Minute)
	d := availableDriver("d1", types.Point{Lat: 24.7226, Lng: 46.6753})
	f := newDispatchFixture(t, []*order.Order{o}, []*driver.Driver{d})

	f.svc.Tick(context.Background())

	if len(f.pg.assigns) != 1 {
		t.Fatalf("expected a direct assignment, got %d", len(f.pg.assigns))
	}
	got := f.pg.assigns[0]
	if got.Type != AssignForced || got.DriverID != "d1" {
		t.Fatalf("unexpected assignment %+v", got)
	}
	if len(f.index.offers) != 0 {
		t.Fatal("forced assignment must skip the offer window")
	}
}

func TestTick_MinScoreGateHoldsOffer(t *testing.T) {
	// Far, slow, nearly full: every component scores low.
	d := availableDriver("d1", types.Point{Lat: 24.8026, Lng: 46.6753}) // ~9.9km
	d.OnTimeRate = 0.5
	d.CurrentLoadKg = 90
	f := newDispatchFixture(t, []*order.Order{pendingOrder("o1")}, []*driver.Driver{d})

	f.svc.Tick(context.Background())

	if len(f.index.offers) != 0 || len(f.pg.assigns) != 0 {
		t.Fatal("sub-floor candidate must not get the order")
	}
	if a := f.pg.lastAlert(); a == nil || a.Type != AlertNoDrivers {
		t.Fatal("expected a below-floor alert")
	}
	if len(f.parker.parked) != 1 {
		t.Fatal("a below-floor pass must park the order pending_driver")
	}
}

func TestTick_CooldownExcludesDriver(t *testing.T) {
	d := availableDriver("d1", types.Point{Lat: 24.7226, Lng: 46.6753})
	f := newDispatchFixture(t, []*order.Order{pendingOrder("o1")}, []*driver.Driver{d})
	f.index.cooldowns["o1/d1"] = true

	f.svc.Tick(context.Background())

	if len(f.index.offers) != 0 {
		t.Fatal("cooled-down driver must not be re-offered the same order")
	}
}

func TestTick_SkipsOrderWithOutstandingOffer(t *testing.T) {
	d := availableDriver("d1", types.Point{Lat: 24.7226, Lng: 46.6753})
	f := newDispatchFixture(t, []*order.Order{pendingOrder("o1")}, []*driver.Driver{d})
	f.index.offers["o1"] = "d-other"

	f.svc.Tick(context.Background())

	if f.index.offers["o1"] != "d-other" || f.index.attempts["o1"] != 0 {
		t.Fatal("outstanding offer must be left alone")
	}
}

func TestTick_ExhaustedAttemptsRestartCycle(t *testing.T) {
	d := availableDriver("d1", types.Point{Lat: 24.7226, Lng: 46.6753})
	f := newDispatchFixture(t, []*order.Order{pendingOrder("o1")}, []*driver.Driver{d})
	f.index.attempts["o1"] = 5

	f.svc.Tick(context.Background())

	if a := f.pg.lastAlert(); a == nil || a.Type != AlertAllBusy {
		t.Fatalf("expected ALL_BUSY alert, got %+v", a)
	}
	if f.index.attempts["o1"] != 0 {
		t.Fatal("attempt counter should reset so the cycle restarts")
	}
}

func TestTick_BatchedOrdersRideWithTheirBatch(t *testing.T) {
	o := pendingOrder("o1")
	batchID := types.ID("b1")
	o.BatchID = &batchID
	d := availableDriver("d1", types.Point{Lat: 24.7226, Lng: 46.6753})
	f := newDispatchFixture(t, []*order.Order{o}, []*driver.Driver{d})

	f.svc.Tick(context.Background())

	if len(f.index.offers) != 0 || len(f.pg.assigns) != 0 {
		t.Fatal("batched order must not dispatch individually")
	}
}

type stubBatchSource struct{ work []BatchWork }

func (s *stubBatchSource) PendingWork(context.Context) ([]BatchWork, error) { return s.work, nil }

func TestTick_DispatchesPendingBatches(t *testing.T) {
	d := availableDriver("d1", types.Point{Lat: 24.7226, Lng: 46.6753})
	f := newDispatchFixture(t, nil, []*driver.Driver{d})
	f.svc.SetBatchSource(&stubBatchSource{work: []BatchWork{{
		ID:          "b1",
		OrderIDs:    []types.ID{"o1", "o2"},
		Anchor:      testPickup,
		TotalLoadKg: 12,
		Tier:        types.TierBarq,
		SLADeadline: testNow.Add(time.Hour),
	}}})

	f.svc.Tick(context.Background())

	if len(f.pg.assigns) != 1 {
		t.Fatalf("expected one batch assignment, got %d", len(f.pg.assigns))
	}
	got := f.pg.assigns[0]
	if got.Type != AssignBatch || got.BatchID == nil || *got.BatchID != "b1" || len(got.OrderIDs) != 2 {
		t.Fatalf("unexpected batch assignment %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Offers
// ---------------------------------------------------------------------------

func TestAcceptOffer(t *testing.T) {
	d := availableDriver("d1", types.Point{Lat: 24.7226, Lng: 46.6753})
	f := newDispatchFixture(t, []*order.Order{pendingOrder("o1")}, []*driver.Driver{d})
	f.index.offers["o1"] = "d1"
	f.index.attempts["o1"] = 1

	if err := f.svc.AcceptOffer(context.Background(), "o1", "d1"); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if len(f.pg.assigns) != 1 || f.pg.assigns[0].Type != AssignNormal {
		t.Fatalf("unexpected assignment %+v", f.pg.assigns)
	}
	if _, held := f.index.offers["o1"]; held {
		t.Fatal("offer should be released after accept")
	}
	if f.index.attempts["o1"] != 0 {
		t.Fatal("attempt counter should clear after accept")
	}
}

func TestAcceptOffer_ZoneAffinityScores(t *testing.T) {
	d := availableDriver("d1", types.Point{Lat: 24.7226, Lng: 46.6753})
	f := newDispatchFixture(t, []*order.Order{pendingOrder("o1")}, []*driver.Driver{d})
	f.index.offers["o1"] = "d1"
	f.index.zones["d1/"+geo.ZoneKey(testDrop)] = true

	if err := f.svc.AcceptOffer(context.Background(), "o1", "d1"); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if len(f.pg.assigns) != 1 || f.pg.assigns[0].Score.Zone != 1.0 {
		t.Fatalf("recent delivery zone must count at accept time, got %+v", f.pg.assigns)
	}
}

func TestAcceptOffer_ExpiredLease(t *testing.T) {
	d := availableDriver("d1", types.Point{Lat: 24.7226, Lng: 46.6753})
	f := newDispatchFixture(t, []*order.Order{pendingOrder("o1")}, []*driver.Driver{d})

	if err := f.svc.AcceptOffer(context.Background(), "o1", "d1"); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("expected ErrOfferExpired, got %v", err)
	}
	if len(f.pg.assigns) != 0 {
		t.Fatal("expired offer must not assign")
	}
}

func TestAcceptOffer_WrongHolder(t *testing.T) {
	f := newDispatchFixture(t, []*order.Order{pendingOrder("o1")}, nil)
	f.index.offers["o1"] = "d-other"

	if err := f.svc.AcceptOffer(context.Background(), "o1", "d1"); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("expected ErrOfferExpired, got %v", err)
	}
	if f.index.offers["o1"] != "d-other" {
		t.Fatal("the real holder's lease must survive")
	}
}

func TestRejectOffer(t *testing.T) {
	f := newDispatchFixture(t, []*order.Order{pendingOrder("o1")}, nil)
	f.index.offers["o1"] = "d1"

	if err := f.svc.RejectOffer(context.Background(), "o1", "d1"); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if _, held := f.index.offers["o1"]; held {
		t.Fatal("offer should be released after reject")
	}
}

// ---------------------------------------------------------------------------
// Assignment commit
// ---------------------------------------------------------------------------

func TestAssign_RetriesTransientCommitFailures(t *testing.T) {
	d := availableDriver("d1", types.Point{Lat: 24.7226, Lng: 46.6753})
	f := newDispatchFixture(t, []*order.Order{pendingOrder("o1")}, []*driver.Driver{d})
	f.pg.failFirst = 4 // the fifth and final attempt lands

	err := f.svc.assign(context.Background(), AssignParams{
		OrderIDs:    []types.ID{"o1"},
		DriverID:    "d1",
		TotalLoadKg: 5,
		Type:        AssignNormal,
		Reason:      "offer_accepted",
		At:          testNow,
	})
	if err != nil {
		t.Fatalf("assign should survive transient commit failures: %v", err)
	}
	if f.pg.assignCalls != 5 || len(f.pg.assigns) != 1 {
		t.Fatalf("expected 5 attempts and one commit, got %d/%d", f.pg.assignCalls, len(f.pg.assigns))
	}
}

func TestAssign_ConflictDoesNotRetry(t *testing.T) {
	d := availableDriver("d1", types.Point{Lat: 24.7226, Lng: 46.6753})
	f := newDispatchFixture(t, []*order.Order{pendingOrder("o1")}, []*driver.Driver{d})
	f.pg.assignErr = ErrConflict

	err := f.svc.assign(context.Background(), AssignParams{
		OrderIDs: []types.ID{"o1"},
		DriverID: "d1",
		Type:     AssignNormal,
		At:       testNow,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if f.pg.assignCalls != 1 {
		t.Fatalf("a lost CAS race must not retry, got %d attempts", f.pg.assignCalls)
	}
}

// ---------------------------------------------------------------------------
// Reassignment
// ---------------------------------------------------------------------------

func TestReassign(t *testing.T) {
	o := pendingOrder("o1")
	o.Status = order.StatusAssigned
	from := types.ID("d-old")
	o.DriverID = &from
	rescue := availableDriver("d-new", types.Point{Lat: 24.7226, Lng: 46.6753})
	old := availableDriver("d-old", testPickup)
	f := newDispatchFixture(t, []*order.Order{o}, []*driver.Driver{old, rescue})

	got, err := f.svc.Reassign(context.Background(), "o1", "sla_risk", 1.5)
	if err != nil {
		t.Fatalf("reassign failed: %v", err)
	}
	if got != "d-new" {
		t.Fatalf("the previous driver must be excluded, got %q", got)
	}
	if len(f.pg.reassigns) != 1 || f.pg.reassigns[0].FromDriver != "d-old" || f.pg.reassigns[0].ToDriver != "d-new" {
		t.Fatalf("unexpected reassign params %+v", f.pg.reassigns)
	}
}

func TestReassign_OnlyAssignedOrders(t *testing.T) {
	f := newDispatchFixture(t, []*order.Order{pendingOrder("o1")}, nil)
	if _, err := f.svc.Reassign(context.Background(), "o1", "sla_risk", 1); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestReassign_NoRescueCandidate(t *testing.T) {
	o := pendingOrder("o1")
	o.Status = order.StatusAssigned
	from := types.ID("d-old")
	o.DriverID = &from
	old := availableDriver("d-old", testPickup)
	f := newDispatchFixture(t, []*order.Order{o}, []*driver.Driver{old})

	if _, err := f.svc.Reassign(context.Background(), "o1", "sla_risk", 1.5); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}
