// README: Driver state machine; the only path by which driver status changes.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"barq/internal/config"
	"barq/internal/events"
	"barq/internal/types"
)

var (
	ErrNotFound          = errors.New("driver not found")
	ErrInvalidTransition = errors.New("invalid driver state transition")
	ErrQuarantined       = errors.New("driver quarantined")
	ErrConflict          = errors.New("driver state conflict")
)

// Storage is what the state machine needs from the driver store.
type Storage interface {
	Get(ctx context.Context, id types.ID) (*Driver, error)
	GetMany(ctx context.Context, ids []types.ID) ([]*Driver, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Driver, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int) (bool, error)
	AppendStateEvent(ctx context.Context, e *StateEvent) error
	UpdateLocation(ctx context.Context, id types.ID, p types.Point, at time.Time) error
	RecordDelivery(ctx context.Context, id types.ID, onTime bool) error
	AddWorkedHours(ctx context.Context, id types.ID, hours float64) error
	ResetConsecutive(ctx context.Context, id types.ID) error
	SetQuarantined(ctx context.Context, id types.ID, quarantined bool) error
	ResetDailyCounters(ctx context.Context) (int64, error)
	AddActiveOrder(ctx context.Context, driverID, orderID types.ID, loadKg float64) error
	RemoveActiveOrder(ctx context.Context, driverID, orderID types.ID, loadKg float64) error
}

// GeoIndex mirrors driver positions into the dispatch candidate index.
type GeoIndex interface {
	UpsertDriverLocation(ctx context.Context, id types.ID, p types.Point) error
	RemoveDriver(ctx context.Context, id types.ID) error
}

type Service struct {
	store Storage
	geo   GeoIndex
	hub   *events.Hub
	cfg   config.DriverConfig
	log   *logrus.Logger

	locks *keyedMutex
	// locSeen tracks the freshest location ping per driver without a DB
	// round-trip; entries expire on their own.
	locSeen *cache.Cache

	now func() time.Time
}

func NewService(store Storage, geo GeoIndex, hub *events.Hub, cfg config.DriverConfig, log *logrus.Logger) *Service {
	return &Service{
		store:   store,
		geo:     geo,
		hub:     hub,
		cfg:     cfg,
		log:     log,
		locks:   newKeyedMutex(),
		locSeen: cache.New(2*time.Hour, 10*time.Minute),
		now:     time.Now,
	}
}

// WithLock runs fn while holding the driver's mutex. Engines that must keep a
// driver stable across a multi-step write (assignment, reassignment) go
// through here.
func (s *Service) WithLock(id types.ID, fn func() error) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return fn()
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Driver, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) GetMany(ctx context.Context, ids []types.ID) ([]*Driver, error) {
	return s.store.GetMany(ctx, ids)
}

// TryTransition is the single atomic operation exported by the state machine.
// It validates the transition, commits it with a CAS write, and appends the
// audit record. Invalid transitions report an error and change nothing.
func (s *Service) TryTransition(ctx context.Context, id types.ID, target Status, reason, actor string) (Status, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.transitionLocked(ctx, id, target, reason, actor)
}

// transitionLocked assumes the caller holds the driver's mutex.
func (s *Service) transitionLocked(ctx context.Context, id types.ID, target Status, reason, actor string) (Status, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if d.Quarantined {
		return "", ErrQuarantined
	}
	if !CanTransition(d.Status, target) {
		return "", ErrInvalidTransition
	}
	ok, err := s.store.UpdateStatus(ctx, id, d.Status, target, d.StateVersion)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrConflict
	}
	now := s.now()
	// Time spent in a working status counts against the daily hours cap;
	// settle it when the driver leaves that status.
	if workingStatus(d.Status) && !d.StateChangedAt.IsZero() {
		if hours := now.Sub(d.StateChangedAt).Hours(); hours > 0 {
			if err := s.store.AddWorkedHours(ctx, id, hours); err != nil {
				s.log.WithError(err).WithField("driver_id", id).Warn("worked hours accrual failed")
			}
		}
	}
	if err := s.store.AppendStateEvent(ctx, &StateEvent{
		DriverID:  id,
		From:      d.Status,
		To:        target,
		Reason:    reason,
		Actor:     actor,
		CreatedAt: now,
	}); err != nil {
		s.log.WithError(err).WithField("driver_id", id).Warn("driver state audit append failed")
	}
	s.hub.Drivers.Publish(events.DriverStateChanged{
		DriverID: id,
		From:     string(d.Status),
		To:       string(target),
		Reason:   reason,
		At:       now,
	})
	if s.geo != nil {
		// Only AVAILABLE drivers belong in the candidate index.
		if target == StatusAvailable {
			_ = s.geo.UpsertDriverLocation(ctx, id, d.CurrentLocation)
		} else if d.Status == StatusAvailable {
			_ = s.geo.RemoveDriver(ctx, id)
		}
	}
	return target, nil
}

// workingStatus reports whether time in st counts as working time.
func workingStatus(st Status) bool {
	return st == StatusAvailable || st == StatusBusy || st == StatusReturning
}

// CanAccept reports whether the driver may take new work right now.
func (s *Service) CanAccept(d *Driver) bool {
	if d == nil || d.Quarantined {
		return false
	}
	if d.Status != StatusAvailable {
		return false
	}
	if d.HoursWorkedToday >= d.MaxWorkingHours {
		return false
	}
	if d.ConsecutiveDeliveries >= s.cfg.MaxConsecutiveDeliveries {
		return false
	}
	if d.OnTimeRate < s.cfg.MinOnTimeRate {
		return false
	}
	if len(d.ActiveOrderIDs) >= s.cfg.MaxConcurrentOrders {
		return false
	}
	return true
}

// HandleStatusEvent maps an inbound driver status event onto a transition.
func (s *Service) HandleStatusEvent(ctx context.Context, id types.ID, kind string) (Status, error) {
	switch kind {
	case "shift_start":
		return s.TryTransition(ctx, id, StatusAvailable, ReasonShiftStart, "driver")
	case "shift_end":
		return s.TryTransition(ctx, id, StatusOffline, ReasonShiftEnd, "driver")
	case "break_start":
		return s.TryTransition(ctx, id, StatusOnBreak, ReasonBreakStarted, "driver")
	case "break_end":
		return s.TryTransition(ctx, id, StatusAvailable, ReasonBreakEnded, "driver")
	case "return_to_base":
		return s.TryTransition(ctx, id, StatusReturning, ReasonReturnToBase, "driver")
	case "arrived_base":
		return s.TryTransition(ctx, id, StatusAvailable, ReasonReturnedToBase, "driver")
	default:
		return "", ErrInvalidTransition
	}
}

// RecordLocation ingests a driver.location event.
func (s *Service) RecordLocation(ctx context.Context, id types.ID, p types.Point, at time.Time) error {
	if err := s.store.UpdateLocation(ctx, id, p, at); err != nil {
		return err
	}
	s.locSeen.Set(string(id), at, cache.DefaultExpiration)
	if s.geo != nil {
		_ = s.geo.UpsertDriverLocation(ctx, id, p)
	}
	return nil
}

// LastSeen returns the most recent location ping for a driver, if any is
// known in-process.
func (s *Service) LastSeen(id types.ID) (time.Time, bool) {
	v, ok := s.locSeen.Get(string(id))
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// AttachOrder appends an order to the driver's active set. Used by flows
// outside the assignment transaction (the transaction writes the same columns
// itself).
func (s *Service) AttachOrder(ctx context.Context, driverID, orderID types.ID, loadKg float64) error {
	unlock := s.locks.Lock(driverID)
	defer unlock()
	return s.store.AddActiveOrder(ctx, driverID, orderID, loadKg)
}

// ReleaseOrder drops an order from the driver's active set and returns its
// load capacity.
func (s *Service) ReleaseOrder(ctx context.Context, driverID, orderID types.ID, loadKg float64) error {
	unlock := s.locks.Lock(driverID)
	defer unlock()
	return s.store.RemoveActiveOrder(ctx, driverID, orderID, loadKg)
}

// CompleteDelivery settles driver state after a delivery: metrics, the
// BUSY -> AVAILABLE (or stay-BUSY) step, and the mandatory break when the
// consecutive counter hits its cap.
func (s *Service) CompleteDelivery(ctx context.Context, id types.ID, onTime, hasMoreStops bool) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.store.RecordDelivery(ctx, id, onTime); err != nil {
		return err
	}
	if hasMoreStops {
		return nil
	}
	if _, err := s.transitionLocked(ctx, id, StatusAvailable, ReasonDeliveryCompleted, "system"); err != nil {
		return err
	}
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.ConsecutiveDeliveries >= s.cfg.MaxConsecutiveDeliveries {
		if _, err := s.transitionLocked(ctx, id, StatusOnBreak, ReasonMandatoryBreak, "system"); err != nil {
			return err
		}
		if err := s.store.ResetConsecutive(ctx, id); err != nil {
			return err
		}
		s.log.WithField("driver_id", id).Info("mandatory break enforced")
	}
	return nil
}

// Quarantine blocks all transitions for a driver pending human intervention
// and raises a CRITICAL alert. Other drivers keep operating.
func (s *Service) Quarantine(ctx context.Context, id types.ID, reason string) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	if err := s.store.SetQuarantined(ctx, id, true); err != nil {
		return err
	}
	s.hub.Alerts.Publish(events.Alert{
		Kind:     "DRIVER_QUARANTINED",
		Severity: events.SeverityCritical,
		DriverID: id,
		Message:  reason,
		At:       s.now(),
	})
	s.log.WithFields(logrus.Fields{"driver_id": id, "reason": reason}).Error("driver quarantined")
	return nil
}

func (s *Service) ClearQuarantine(ctx context.Context, id types.ID) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.store.SetQuarantined(ctx, id, false)
}

// RunDailyReset fires the midnight counter reset.
func (s *Service) RunDailyReset(ctx context.Context) {
	for {
		next := nextMidnight(s.now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			n, err := s.store.ResetDailyCounters(ctx)
			if err != nil {
				s.log.WithError(err).Error("daily driver reset failed")
				continue
			}
			s.log.WithField("drivers", n).Info("daily driver counters reset")
		}
	}
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}
