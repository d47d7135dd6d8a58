// README: Escalation engine tests: breach latch, debounce, and recovery actions.
package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"barq/internal/config"
	"barq/internal/events"
	"barq/internal/infra"
	"barq/internal/modules/dispatch"
	"barq/internal/modules/order"
	"barq/internal/types"
)

var escNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// In-memory mocks
// ---------------------------------------------------------------------------

type mockEscStore struct {
	mu        sync.Mutex
	logs      []*Log
	breaches  []*Breach
	debounced map[string]bool
}

func newMockEscStore() *mockEscStore {
	return &mockEscStore{debounced: make(map[string]bool)}
}

func (m *mockEscStore) AppendLog(_ context.Context, l *Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, l)
	return nil
}

func (m *mockEscStore) AppendBreach(_ context.Context, b *Breach) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breaches = append(m.breaches, b)
	return nil
}

func (m *mockEscStore) Debounce(_ context.Context, orderID types.ID, trigger string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(orderID) + "/" + trigger
	if m.debounced[key] {
		return false, nil
	}
	m.debounced[key] = true
	return true, nil
}

func (m *mockEscStore) lastLog() *Log {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.logs) == 0 {
		return nil
	}
	return m.logs[len(m.logs)-1]
}

type mockEscOrders struct {
	mu      sync.Mutex
	orders  []*order.Order
	latched map[types.ID]bool
}

func (m *mockEscOrders) ListNonTerminal(context.Context) ([]*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*order.Order
	for _, o := range m.orders {
		if !order.IsTerminal(o.Status) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *mockEscOrders) MarkSLABreached(_ context.Context, id types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latched == nil {
		m.latched = make(map[types.ID]bool)
	}
	m.latched[id] = true
	for _, o := range m.orders {
		if o.ID == id {
			o.SLABreached = true
		}
	}
	return nil
}

type mockReassigner struct {
	mu    sync.Mutex
	calls []types.ID
	to    types.ID
	err   error
}

func (m *mockReassigner) Reassign(_ context.Context, orderID types.ID, _ string, _ float64) (types.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, orderID)
	if m.err != nil {
		return "", m.err
	}
	return m.to, nil
}

type mockDriverWatch struct {
	seen map[types.ID]time.Time
}

func (m *mockDriverWatch) LastSeen(id types.ID) (time.Time, bool) {
	t, ok := m.seen[id]
	return t, ok
}

type mockRouteWatch struct {
	etas map[types.ID]time.Time
}

func (m *mockRouteWatch) DeliveryETA(_ context.Context, _ types.ID, orderID types.ID) (time.Time, bool) {
	t, ok := m.etas[orderID]
	return t, ok
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func escalationConfig() config.EscalationConfig {
	return config.EscalationConfig{
		TickSeconds:       60,
		DebounceWindow:    5 * time.Minute,
		StuckThreshold:    15 * time.Minute,
		MaxReassignments:  3,
		CriticalRiskLead:  15 * time.Minute,
		AssignedRiskLead:  10 * time.Minute,
		AssignedRiskSlack: 2 * time.Minute,
	}
}

func escOrder(id types.ID, status order.Status, deadline time.Time) *order.Order {
	return &order.Order{
		ID:          id,
		ServiceTier: types.TierBarq,
		Status:      status,
		CreatedAt:   escNow.Add(-10 * time.Minute),
		SLADeadline: deadline,
	}
}

type escFixture struct {
	svc     *Service
	store   *mockEscStore
	orders  *mockEscOrders
	rescue  *mockReassigner
	watch   *mockDriverWatch
	routes  *mockRouteWatch
	alertCh <-chan events.Alert
}

func newEscFixture(t *testing.T, orders ...*order.Order) *escFixture {
	t.Helper()
	hub := events.NewHub()
	t.Cleanup(hub.Close)
	f := &escFixture{
		store:  newMockEscStore(),
		orders: &mockEscOrders{orders: orders},
		rescue: &mockReassigner{to: "d-rescue"},
		watch:  &mockDriverWatch{seen: make(map[types.ID]time.Time)},
		routes: &mockRouteWatch{etas: make(map[types.ID]time.Time)},
	}
	f.alertCh = hub.Alerts.Subscribe(16)
	f.svc = NewService(f.store, f.orders, f.rescue, f.watch, f.routes, hub, escalationConfig(), infra.NewLogger("error"))
	f.svc.now = func() time.Time { return escNow }
	return f
}

func (f *escFixture) drainAlert(t *testing.T) events.Alert {
	t.Helper()
	select {
	case ev := <-f.alertCh:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no alert published")
		return events.Alert{}
	}
}

// ---------------------------------------------------------------------------
// SLA breach
// ---------------------------------------------------------------------------

func TestTick_BreachLatchesOnce(t *testing.T) {
	d := types.ID("d1")
	o := escOrder("o1", order.StatusPickedUp, escNow.Add(-10*time.Minute))
	o.DriverID = &d
	f := newEscFixture(t, o)

	f.svc.Tick(context.Background())
	f.svc.Tick(context.Background())

	if len(f.store.breaches) != 1 {
		t.Fatalf("breach must record exactly once, got %d", len(f.store.breaches))
	}
	b := f.store.breaches[0]
	if b.LateBy != 10*time.Minute {
		t.Fatalf("late by: got %v", b.LateBy)
	}
	if !b.Preventable {
		t.Fatal("a breach with a driver attached is preventable")
	}
	if want := PenaltyFor(types.TierBarq, 10*time.Minute); b.Penalty != want {
		t.Fatalf("penalty: got %+v, want %+v", b.Penalty, want)
	}
	if ev := f.drainAlert(t); ev.Kind != "SLA_BREACH" || ev.Severity != events.SeverityCritical {
		t.Fatalf("unexpected alert %+v", ev)
	}
}

func TestTick_UnassignedBreachNotPreventable(t *testing.T) {
	f := newEscFixture(t, escOrder("o1", order.StatusPending, escNow.Add(-time.Minute)))

	f.svc.Tick(context.Background())

	if len(f.store.breaches) != 1 || f.store.breaches[0].Preventable {
		t.Fatalf("driverless breach should not count as preventable: %+v", f.store.breaches)
	}
}

func TestPenaltyFor(t *testing.T) {
	if p := PenaltyFor(types.TierBarq, 10*time.Minute); p.Amount != 2000 {
		t.Fatalf("BARQ 10min: got %d", p.Amount)
	}
	if p := PenaltyFor(types.TierBullet, 10*time.Minute); p.Amount != 5000 {
		t.Fatalf("BULLET 10min: got %d", p.Amount)
	}
	// Sub-minute lateness still bills one minute.
	if p := PenaltyFor(types.TierBarq, 10*time.Second); p.Amount != 200 {
		t.Fatalf("sub-minute: got %d", p.Amount)
	}
	// The ledger caps per order.
	if p := PenaltyFor(types.TierBullet, 24*time.Hour); p.Amount != 50_000 {
		t.Fatalf("cap: got %d", p.Amount)
	}
}

// ---------------------------------------------------------------------------
// SLA risk
// ---------------------------------------------------------------------------

func TestTick_UnassignedAtRiskFiresCriticalAlert(t *testing.T) {
	f := newEscFixture(t, escOrder("o1", order.StatusPending, escNow.Add(5*time.Minute)))

	f.svc.Tick(context.Background())

	l := f.store.lastLog()
	if l == nil || l.Type != TypeSLARiskCritical || l.Action != ActionAlert {
		t.Fatalf("unexpected log %+v", l)
	}
	if len(f.rescue.calls) != 0 {
		t.Fatal("an unassigned order has no driver to reassign from")
	}
}

func TestTick_UnassignedInsideCriticalWindowAlerts(t *testing.T) {
	// 12 minutes out: inside the 15-minute critical window, outside the
	// 10-minute assigned-risk lead.
	f := newEscFixture(t, escOrder("o1", order.StatusPendingDriver, escNow.Add(12*time.Minute)))

	f.svc.Tick(context.Background())

	l := f.store.lastLog()
	if l == nil || l.Type != TypeSLARiskCritical || l.Action != ActionAlert {
		t.Fatalf("unexpected log %+v", l)
	}
}

func TestTick_AssignedAtRiskReassigns(t *testing.T) {
	d := types.ID("d1")
	o := escOrder("o1", order.StatusAssigned, escNow.Add(5*time.Minute))
	o.DriverID = &d
	f := newEscFixture(t, o)
	f.watch.seen[d] = escNow

	f.svc.Tick(context.Background())

	if len(f.rescue.calls) != 1 || f.rescue.calls[0] != "o1" {
		t.Fatalf("expected a rescue reassignment, got %v", f.rescue.calls)
	}
	l := f.store.lastLog()
	if l == nil || l.Action != ActionReassign {
		t.Fatalf("unexpected log %+v", l)
	}
}

func TestTick_AssignedAtRiskComfortableETASkips(t *testing.T) {
	d := types.ID("d1")
	o := escOrder("o1", order.StatusAssigned, escNow.Add(5*time.Minute))
	o.DriverID = &d
	f := newEscFixture(t, o)
	f.watch.seen[d] = escNow
	// The route plan lands 5 minutes ahead of the deadline, clear of the slack.
	f.routes.etas["o1"] = o.SLADeadline.Add(-5 * time.Minute)

	f.svc.Tick(context.Background())

	if len(f.rescue.calls) != 0 {
		t.Fatalf("a route still on schedule must not be torn up, got %v", f.rescue.calls)
	}
	if l := f.store.lastLog(); l != nil {
		t.Fatalf("unexpected log %+v", l)
	}
}

func TestTick_AssignedAtRiskLateETAReassigns(t *testing.T) {
	d := types.ID("d1")
	o := escOrder("o1", order.StatusAssigned, escNow.Add(5*time.Minute))
	o.DriverID = &d
	f := newEscFixture(t, o)
	f.watch.seen[d] = escNow
	// Planned arrival eats into the slack window.
	f.routes.etas["o1"] = o.SLADeadline.Add(-time.Minute)

	f.svc.Tick(context.Background())

	if len(f.rescue.calls) != 1 {
		t.Fatalf("an ETA inside the slack window should rescue, got %v", f.rescue.calls)
	}
}

func TestTick_InTransitAtRiskAlertsOnly(t *testing.T) {
	d := types.ID("d1")
	o := escOrder("o1", order.StatusPickedUp, escNow.Add(time.Minute))
	o.DriverID = &d
	f := newEscFixture(t, o)
	f.watch.seen[d] = escNow

	f.svc.Tick(context.Background())

	if len(f.rescue.calls) != 0 {
		t.Fatal("goods on the vehicle must not be reassigned")
	}
	l := f.store.lastLog()
	if l == nil || l.Type != TypeSLARiskAssigned || l.Action != ActionAlert {
		t.Fatalf("unexpected log %+v", l)
	}
}

// ---------------------------------------------------------------------------
// Debounce
// ---------------------------------------------------------------------------

func TestTick_DebounceSuppressesRepeats(t *testing.T) {
	d := types.ID("d1")
	o := escOrder("o1", order.StatusAssigned, escNow.Add(5*time.Minute))
	o.DriverID = &d
	f := newEscFixture(t, o)
	f.watch.seen[d] = escNow

	f.svc.Tick(context.Background())
	f.svc.Tick(context.Background())
	f.svc.Tick(context.Background())

	if len(f.rescue.calls) != 1 {
		t.Fatalf("trigger must fire once per debounce window, got %d", len(f.rescue.calls))
	}
}

// ---------------------------------------------------------------------------
// Reassignment fallbacks
// ---------------------------------------------------------------------------

func TestTryReassign_CapRequiresHuman(t *testing.T) {
	d := types.ID("d1")
	o := escOrder("o1", order.StatusAssigned, escNow.Add(5*time.Minute))
	o.DriverID = &d
	o.ReassignmentCount = 3
	f := newEscFixture(t, o)
	f.watch.seen[d] = escNow

	f.svc.Tick(context.Background())

	if len(f.rescue.calls) != 0 {
		t.Fatal("capped order must not reassign again")
	}
	l := f.store.lastLog()
	if l == nil || l.Severity != string(events.SeverityCritical) || l.Action != ActionAlert {
		t.Fatalf("expected a critical human-intervention log, got %+v", l)
	}
}

func TestTryReassign_NoRescueDriver(t *testing.T) {
	d := types.ID("d1")
	o := escOrder("o1", order.StatusAssigned, escNow.Add(5*time.Minute))
	o.DriverID = &d
	f := newEscFixture(t, o)
	f.watch.seen[d] = escNow
	f.rescue.err = dispatch.ErrNoCandidates

	f.svc.Tick(context.Background())

	l := f.store.lastLog()
	if l == nil || l.Action != ActionAlert {
		t.Fatalf("failed rescue should fall back to an alert, got %+v", l)
	}
}

// ---------------------------------------------------------------------------
// Unresponsive and stuck
// ---------------------------------------------------------------------------

func TestTick_UnresponsiveDriverReassigns(t *testing.T) {
	d := types.ID("d1")
	o := escOrder("o1", order.StatusAssigned, escNow.Add(time.Hour))
	o.DriverID = &d
	f := newEscFixture(t, o)
	f.watch.seen[d] = escNow.Add(-20 * time.Minute)

	f.svc.Tick(context.Background())

	if len(f.rescue.calls) != 1 {
		t.Fatalf("silent driver should trigger a rescue, got %v", f.rescue.calls)
	}
}

func TestTick_StuckWithGoodsAlertsOnly(t *testing.T) {
	d := types.ID("d1")
	o := escOrder("o1", order.StatusPickedUp, escNow.Add(time.Hour))
	o.DriverID = &d
	f := newEscFixture(t, o)
	f.watch.seen[d] = escNow.Add(-20 * time.Minute)

	f.svc.Tick(context.Background())

	if len(f.rescue.calls) != 0 {
		t.Fatal("a stalled driver carrying goods cannot be swapped out")
	}
	l := f.store.lastLog()
	if l == nil || l.Type != TypeStuckOrder || l.Action != ActionAlert {
		t.Fatalf("unexpected log %+v", l)
	}
	if l.Severity != string(events.SeverityHigh) {
		t.Fatalf("stuck alert should be HIGH, got %s", l.Severity)
	}
}

func TestTick_ResponsiveAssignedStaysQuiet(t *testing.T) {
	d := types.ID("d1")
	o := escOrder("o1", order.StatusAssigned, escNow.Add(time.Hour))
	o.DriverID = &d
	o.CreatedAt = escNow.Add(-20 * time.Minute)
	f := newEscFixture(t, o)
	f.watch.seen[d] = escNow

	f.svc.Tick(context.Background())

	if len(f.rescue.calls) != 0 || f.store.lastLog() != nil {
		t.Fatalf("a responsive driver well ahead of the deadline should trigger nothing: %v %+v",
			f.rescue.calls, f.store.lastLog())
	}
}

// ---------------------------------------------------------------------------
// Failed deliveries
// ---------------------------------------------------------------------------

func TestOnDeliveryFailed_Categories(t *testing.T) {
	cases := []struct {
		category   string
		deadline   time.Time
		wantAction string
	}{
		{FailureCustomerUnavailable, escNow.Add(time.Hour), ActionScheduleRetry},
		{FailureAddressIssue, escNow.Add(time.Hour), ActionContactCustomer},
		{"damaged_package", escNow.Add(time.Hour), ActionImmediateRetry},
		{"damaged_package", escNow.Add(-time.Hour), ActionAlert},
	}
	for _, c := range cases {
		f := newEscFixture(t)
		o := escOrder("o1", order.StatusFailed, c.deadline)

		f.svc.OnDeliveryFailed(context.Background(), o, c.category, "")

		l := f.store.lastLog()
		if l == nil || l.Action != c.wantAction {
			t.Errorf("%s: got action %v, want %s", c.category, l, c.wantAction)
		}
	}
}
