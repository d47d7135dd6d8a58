// README: Escalation engine: watches non-terminal orders and fires recovery actions.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"barq/internal/config"
	"barq/internal/events"
	"barq/internal/metrics"
	"barq/internal/modules/dispatch"
	"barq/internal/modules/order"
	"barq/internal/types"
)

// reassignBoost scales the performance and zone score weights when picking a
// rescue driver.
const reassignBoost = 1.5

// Storage is what the engine needs from its store.
type Storage interface {
	AppendLog(ctx context.Context, l *Log) error
	AppendBreach(ctx context.Context, b *Breach) error
	Debounce(ctx context.Context, orderID types.ID, trigger string, window time.Duration) (bool, error)
}

// OrderSource supplies the watch set and the breach latch.
type OrderSource interface {
	ListNonTerminal(ctx context.Context) ([]*order.Order, error)
	MarkSLABreached(ctx context.Context, id types.ID) error
}

// Reassigner moves an order to a fresh driver with boosted scoring.
type Reassigner interface {
	Reassign(ctx context.Context, orderID types.ID, reason string, boost float64) (types.ID, error)
}

// DriverWatch answers when a driver last reported a location.
type DriverWatch interface {
	LastSeen(id types.ID) (time.Time, bool)
}

// RouteWatch exposes the planned arrival at an order's delivery stop.
type RouteWatch interface {
	DeliveryETA(ctx context.Context, driverID, orderID types.ID) (time.Time, bool)
}

type Service struct {
	store    Storage
	orders   OrderSource
	dispatch Reassigner
	drivers  DriverWatch
	routes   RouteWatch
	hub      *events.Hub
	cfg      config.EscalationConfig
	log      *logrus.Logger

	now func() time.Time
}

func NewService(store Storage, orders OrderSource, reassigner Reassigner, drivers DriverWatch, routes RouteWatch, hub *events.Hub, cfg config.EscalationConfig, log *logrus.Logger) *Service {
	return &Service{
		store:    store,
		orders:   orders,
		dispatch: reassigner,
		drivers:  drivers,
		routes:   routes,
		hub:      hub,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// RunScheduler drives the escalation tick until ctx is cancelled.
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

// Tick sweeps every non-terminal order through the trigger table. Each
// (order, trigger) pair fires at most once per debounce window.
func (s *Service) Tick(ctx context.Context) {
	orders, err := s.orders.ListNonTerminal(ctx)
	if err != nil {
		s.log.WithError(err).Error("escalation tick: list orders failed")
		return
	}
	now := s.now()
	for _, o := range orders {
		s.checkBreach(ctx, o, now)
		s.checkSLARisk(ctx, o, now)
		s.checkUnresponsiveDriver(ctx, o, now)
		s.checkStuck(ctx, o, now)
	}
}

// checkBreach latches the breach flag the moment the deadline passes and
// writes the penalty ledger row. The latch guarantees one row per order.
func (s *Service) checkBreach(ctx context.Context, o *order.Order, now time.Time) {
	if o.SLABreached || now.Before(o.SLADeadline) {
		return
	}
	if err := s.orders.MarkSLABreached(ctx, o.ID); err != nil {
		s.log.WithError(err).WithField("order_id", o.ID).Warn("breach latch failed")
		return
	}
	lateBy := now.Sub(o.SLADeadline)
	// A breach with a driver attached could have been prevented by better
	// dispatch; one with no driver means the fleet simply had no capacity.
	preventable := o.DriverID != nil
	b := &Breach{
		OrderID:     o.ID,
		DriverID:    o.DriverID,
		Tier:        o.ServiceTier,
		LateBy:      lateBy,
		Penalty:     PenaltyFor(o.ServiceTier, lateBy),
		Preventable: preventable,
		CreatedAt:   now,
	}
	if err := s.store.AppendBreach(ctx, b); err != nil {
		s.log.WithError(err).WithField("order_id", o.ID).Warn("breach record failed")
	}
	metrics.SLABreachesTotal.WithLabelValues(strconv.FormatBool(preventable)).Inc()
	s.publishAlert(o, "SLA_BREACH", events.SeverityCritical,
		fmt.Sprintf("order %s breached its %s SLA by %s", o.ID, o.ServiceTier, lateBy.Round(time.Minute)))
}

func (s *Service) checkSLARisk(ctx context.Context, o *order.Order, now time.Time) {
	remaining := o.TimeToSLA(now)
	switch {
	case order.Dispatchable(o.Status) && remaining <= s.cfg.CriticalRiskLead:
		// Dispatch force-assigns under the same threshold; this alert is the
		// human backstop when even that has not landed a driver.
		s.fire(ctx, o, TypeSLARiskCritical, events.SeverityCritical, ActionAlert,
			fmt.Sprintf("order %s unassigned with %s to deadline", o.ID, remaining.Round(time.Minute)))
	case o.Status == order.StatusAssigned && remaining <= s.cfg.AssignedRiskLead:
		// The deadline is close, but the route plan may still beat it.
		if s.etaHolds(ctx, o) {
			return
		}
		s.tryReassign(ctx, o, TypeSLARiskAssigned, "sla_risk")
	case o.Status == order.StatusPickedUp && remaining <= s.cfg.AssignedRiskSlack:
		// Goods are already on the vehicle; all that is left is to warn.
		s.fire(ctx, o, TypeSLARiskAssigned, events.SeverityHigh, ActionAlert,
			fmt.Sprintf("order %s in transit with %s to deadline", o.ID, remaining.Round(time.Minute)))
	}
}

// etaHolds reports whether the driver's planned delivery arrival still beats
// the deadline with slack to spare. An unknown ETA gives no such comfort.
func (s *Service) etaHolds(ctx context.Context, o *order.Order) bool {
	if s.routes == nil || o.DriverID == nil {
		return false
	}
	eta, ok := s.routes.DeliveryETA(ctx, *o.DriverID, o.ID)
	if !ok {
		return false
	}
	return !eta.After(o.SLADeadline.Add(-s.cfg.AssignedRiskSlack))
}

// checkUnresponsiveDriver rescues assigned orders whose driver went silent
// before pickup; the goods are still at the merchant, so a fresh driver can
// take over.
func (s *Service) checkUnresponsiveDriver(ctx context.Context, o *order.Order, now time.Time) {
	if o.Status != order.StatusAssigned || o.DriverID == nil {
		return
	}
	seen, ok := s.drivers.LastSeen(*o.DriverID)
	if !ok || now.Sub(seen) <= s.cfg.StuckThreshold {
		return
	}
	s.tryReassign(ctx, o, TypeDriverUnresponsive, "driver_unresponsive")
}

// checkStuck flags picked-up orders whose driver stopped moving. The goods
// are on the vehicle, so this never reassigns; a human has to intervene.
func (s *Service) checkStuck(ctx context.Context, o *order.Order, now time.Time) {
	if o.Status != order.StatusPickedUp || o.DriverID == nil {
		return
	}
	seen, ok := s.drivers.LastSeen(*o.DriverID)
	if !ok || now.Sub(seen) <= s.cfg.StuckThreshold {
		return
	}
	s.fire(ctx, o, TypeStuckOrder, events.SeverityHigh, ActionAlert,
		fmt.Sprintf("driver %s not moving for %s while carrying order %s", *o.DriverID, now.Sub(seen).Round(time.Minute), o.ID))
}

// OnDeliveryFailed chooses the recovery path for a failed delivery by its
// category. It implements the hook the order service invokes.
func (s *Service) OnDeliveryFailed(ctx context.Context, o *order.Order, category, notes string) {
	metrics.EscalationsTotal.WithLabelValues(TypeFailedDelivery).Inc()
	var action, msg string
	severity := events.SeverityMedium
	switch category {
	case FailureCustomerUnavailable:
		action = ActionScheduleRetry
		msg = fmt.Sprintf("order %s: customer unavailable, retry window scheduled", o.ID)
		severity = events.SeverityLow
	case FailureAddressIssue:
		action = ActionContactCustomer
		msg = fmt.Sprintf("order %s: address could not be resolved, customer contact required", o.ID)
	default:
		if o.TimeToSLA(s.now()) > 0 {
			action = ActionImmediateRetry
			msg = fmt.Sprintf("order %s failed (%s), immediate retry possible within SLA", o.ID, category)
		} else {
			action = ActionAlert
			severity = events.SeverityHigh
			msg = fmt.Sprintf("order %s failed (%s) past its SLA window", o.ID, category)
		}
	}
	if notes != "" {
		msg += ": " + notes
	}
	l := &Log{
		OrderID:   o.ID,
		DriverID:  o.DriverID,
		Type:      TypeFailedDelivery,
		Severity:  string(severity),
		Action:    action,
		Message:   msg,
		CreatedAt: s.now(),
	}
	if err := s.store.AppendLog(ctx, l); err != nil {
		s.log.WithError(err).WithField("order_id", o.ID).Warn("escalation log append failed")
	}
	s.publishAlert(o, TypeFailedDelivery, severity, msg)
}

// tryReassign attempts a rescue reassignment, falling back to an alert when
// the cap is reached or no driver can take the order.
func (s *Service) tryReassign(ctx context.Context, o *order.Order, trigger, reason string) {
	first, err := s.store.Debounce(ctx, o.ID, trigger, s.cfg.DebounceWindow)
	if err != nil || !first {
		return
	}
	metrics.EscalationsTotal.WithLabelValues(trigger).Inc()

	if o.ReassignmentCount >= s.cfg.MaxReassignments {
		s.appendAndAlert(ctx, o, trigger, events.SeverityCritical, ActionAlert,
			fmt.Sprintf("order %s hit the reassignment cap (%d), human intervention required", o.ID, o.ReassignmentCount))
		return
	}

	newDriver, err := s.dispatch.Reassign(ctx, o.ID, reason, reassignBoost)
	if err != nil {
		severity := events.SeverityHigh
		msg := fmt.Sprintf("order %s: reassignment failed: %v", o.ID, err)
		if errors.Is(err, dispatch.ErrNoCandidates) {
			msg = fmt.Sprintf("order %s: no rescue driver available", o.ID)
		}
		s.appendAndAlert(ctx, o, trigger, severity, ActionAlert, msg)
		return
	}
	s.appendAndAlert(ctx, o, trigger, events.SeverityMedium, ActionReassign,
		fmt.Sprintf("order %s reassigned to driver %s", o.ID, newDriver))
}

// fire records and publishes an alert-only escalation, debounced per trigger.
func (s *Service) fire(ctx context.Context, o *order.Order, trigger string, severity events.Severity, action, msg string) {
	first, err := s.store.Debounce(ctx, o.ID, trigger, s.cfg.DebounceWindow)
	if err != nil || !first {
		return
	}
	metrics.EscalationsTotal.WithLabelValues(trigger).Inc()
	s.appendAndAlert(ctx, o, trigger, severity, action, msg)
}

func (s *Service) appendAndAlert(ctx context.Context, o *order.Order, trigger string, severity events.Severity, action, msg string) {
	l := &Log{
		OrderID:   o.ID,
		DriverID:  o.DriverID,
		Type:      trigger,
		Severity:  string(severity),
		Action:    action,
		Message:   msg,
		CreatedAt: s.now(),
	}
	if err := s.store.AppendLog(ctx, l); err != nil {
		s.log.WithError(err).WithField("order_id", o.ID).Warn("escalation log append failed")
	}
	s.publishAlert(o, trigger, severity, msg)
	s.log.WithFields(logrus.Fields{
		"order_id": o.ID,
		"trigger":  trigger,
		"action":   action,
	}).Info("escalation fired")
}

func (s *Service) publishAlert(o *order.Order, kind string, severity events.Severity, msg string) {
	ev := events.Alert{Kind: kind, Severity: severity, OrderID: o.ID, Message: msg, At: s.now()}
	if o.DriverID != nil {
		ev.DriverID = *o.DriverID
	}
	s.hub.Alerts.Publish(ev)
}
