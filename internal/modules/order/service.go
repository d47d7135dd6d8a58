// README: Order lifecycle service; every status change is CAS-protected and audited.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"barq/internal/events"
	"barq/internal/geo"
	"barq/internal/modules/driver"
	"barq/internal/types"
)

var (
	ErrInvalidState = errors.New("invalid order state transition")
	ErrNotFound     = errors.New("order not found")
	ErrConflict     = errors.New("order state conflict")
	ErrBadRequest   = errors.New("bad request")
)

// Storage is what the lifecycle service needs from the order store.
type Storage interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id types.ID) (*Order, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, driverID *types.ID, clearDriver bool) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Order, error)
	ListNonTerminal(ctx context.Context) ([]*Order, error)
	ListUnbatchedDispatchable(ctx context.Context) ([]*Order, error)
	ListByDriver(ctx context.Context, driverID types.ID) ([]*Order, error)
	MarkSLABreached(ctx context.Context, id types.ID) error
	SetFailureCategory(ctx context.Context, id types.ID, category string) error
	SetCancelReason(ctx context.Context, id types.ID, reason string) error
}

// BatchTracker is notified when an order in a batch reaches a terminal
// status, so the batch lifecycle can advance.
type BatchTracker interface {
	OnOrderTerminal(ctx context.Context, orderID, batchID types.ID, status Status) error
}

// RouteTrigger requests a re-optimization of a driver's route when the
// driver's stop set changes.
type RouteTrigger interface {
	RequestOptimization(driverID types.ID, reason string)
}

// FailureRecovery is invoked on delivery.failed events to choose a recovery
// action by failure category.
type FailureRecovery interface {
	OnDeliveryFailed(ctx context.Context, o *Order, category, notes string)
}

// ZoneRecorder remembers where a driver delivered, feeding the dispatch
// zone-affinity score.
type ZoneRecorder interface {
	RecordDeliveryZone(ctx context.Context, driverID types.ID, zone string) error
}

type CreateCommand struct {
	ServiceTier types.ServiceTier
	Pickup      types.Point
	Dropoff     types.Point
	LoadKg      float64
	Priority    int
}

type Service struct {
	store   Storage
	drivers *driver.Service
	hub     *events.Hub
	log     *logrus.Logger

	batches  BatchTracker
	routes   RouteTrigger
	recovery FailureRecovery
	zones    ZoneRecorder

	now func() time.Time
}

func NewService(store Storage, drivers *driver.Service, hub *events.Hub, log *logrus.Logger) *Service {
	return &Service{store: store, drivers: drivers, hub: hub, log: log, now: time.Now}
}

// SetBatchTracker, SetRouteTrigger, SetFailureRecovery, and SetZoneRecorder
// break the construction cycle with the engines built on top of orders.
func (s *Service) SetBatchTracker(b BatchTracker)       { s.batches = b }
func (s *Service) SetRouteTrigger(r RouteTrigger)       { s.routes = r }
func (s *Service) SetFailureRecovery(f FailureRecovery) { s.recovery = f }
func (s *Service) SetZoneRecorder(z ZoneRecorder)       { s.zones = z }

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (types.ID, error) {
	if cmd.ServiceTier != types.TierBarq && cmd.ServiceTier != types.TierBullet {
		return "", ErrBadRequest
	}
	if cmd.LoadKg <= 0 || cmd.Pickup.IsZero() || cmd.Dropoff.IsZero() {
		return "", ErrBadRequest
	}
	id := newID()
	now := s.now()
	o := &Order{
		ID:          id,
		ServiceTier: cmd.ServiceTier,
		Pickup:      cmd.Pickup,
		Dropoff:     cmd.Dropoff,
		LoadKg:      cmd.LoadKg,
		Priority:    cmd.Priority,
		CreatedAt:   now,
		SLADeadline: now.Add(types.ServiceSLA(cmd.ServiceTier)),
		Status:      StatusPending,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return "", err
	}
	_ = s.store.AppendEvent(ctx, &Event{
		OrderID:    id,
		FromStatus: StatusNone,
		ToStatus:   StatusPending,
		ActorType:  "customer",
		CreatedAt:  now,
	})
	return id, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListNonTerminal(ctx context.Context) ([]*Order, error) {
	return s.store.ListNonTerminal(ctx)
}

// Cancel terminates an order from any non-terminal state. If a driver holds
// it, the driver's stop set shrinks and the route re-optimizes.
func (s *Service) Cancel(ctx context.Context, id types.ID, actorType, reason string) error {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(o.Status, StatusCancelled) {
		return ErrInvalidState
	}
	ok, err := s.store.UpdateStatus(ctx, id, o.Status, StatusCancelled, o.StatusVersion, nil, true)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	_ = s.store.SetCancelReason(ctx, id, reason)
	s.appendEvent(ctx, o, StatusCancelled, actorType)
	s.afterDetach(ctx, o, driver.ReasonOrderReassigned)
	s.notifyBatch(ctx, o, StatusCancelled)
	return nil
}

// Pickup records the delivery.pickup event.
func (s *Service) Pickup(ctx context.Context, id types.ID) error {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(o.Status, StatusPickedUp) {
		return ErrInvalidState
	}
	ok, err := s.store.UpdateStatus(ctx, id, o.Status, StatusPickedUp, o.StatusVersion, o.DriverID, false)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	s.appendEvent(ctx, o, StatusPickedUp, "driver")
	return nil
}

// Complete records delivery.completed, settles the driver, and advances the
// batch, if any.
func (s *Service) Complete(ctx context.Context, id types.ID, onTime bool) error {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(o.Status, StatusDelivered) {
		return ErrInvalidState
	}
	ok, err := s.store.UpdateStatus(ctx, id, o.Status, StatusDelivered, o.StatusVersion, nil, true)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	now := s.now()
	if now.After(o.SLADeadline) {
		_ = s.store.MarkSLABreached(ctx, id)
	}
	s.appendEvent(ctx, o, StatusDelivered, "driver")

	if o.DriverID != nil {
		did := *o.DriverID
		if err := s.drivers.ReleaseOrder(ctx, did, id, o.LoadKg); err != nil {
			s.log.WithError(err).WithField("order_id", id).Warn("release active order failed")
		}
		remaining, err := s.store.ListByDriver(ctx, did)
		if err != nil {
			return err
		}
		if err := s.drivers.CompleteDelivery(ctx, did, onTime, len(remaining) > 0); err != nil {
			s.log.WithError(err).WithField("driver_id", did).Warn("driver completion settle failed")
		}
		if s.routes != nil && len(remaining) > 0 {
			s.routes.RequestOptimization(did, "stop_completed")
		}
		if s.zones != nil {
			if err := s.zones.RecordDeliveryZone(ctx, did, geo.ZoneKey(o.Dropoff)); err != nil {
				s.log.WithError(err).WithField("driver_id", did).Warn("delivery zone record failed")
			}
		}
		s.hub.Orders.Publish(events.OrderEvent{Kind: "delivered", OrderID: id, DriverID: did, At: now})
	}
	s.notifyBatch(ctx, o, StatusDelivered)
	return nil
}

// Fail records delivery.failed and hands the order to the recovery policy.
func (s *Service) Fail(ctx context.Context, id types.ID, category, notes string) error {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(o.Status, StatusFailed) {
		return ErrInvalidState
	}
	ok, err := s.store.UpdateStatus(ctx, id, o.Status, StatusFailed, o.StatusVersion, nil, true)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	_ = s.store.SetFailureCategory(ctx, id, category)
	if s.now().After(o.SLADeadline) {
		_ = s.store.MarkSLABreached(ctx, id)
	}
	s.appendEvent(ctx, o, StatusFailed, "driver")
	s.afterDetach(ctx, o, driver.ReasonDeliveryCompleted)
	s.notifyBatch(ctx, o, StatusFailed)
	if s.recovery != nil {
		s.recovery.OnDeliveryFailed(ctx, o, category, notes)
	}
	return nil
}

// MarkPendingDriver parks an order that no driver could take. Dispatch
// retries it on later ticks.
func (s *Service) MarkPendingDriver(ctx context.Context, id types.ID) error {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if o.Status == StatusPendingDriver {
		return nil
	}
	if !CanTransition(o.Status, StatusPendingDriver) {
		return ErrInvalidState
	}
	ok, err := s.store.UpdateStatus(ctx, id, o.Status, StatusPendingDriver, o.StatusVersion, nil, true)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	s.appendEvent(ctx, o, StatusPendingDriver, "system")
	s.hub.Orders.Publish(events.OrderEvent{Kind: "pending_driver", OrderID: id, At: s.now()})
	return nil
}

// afterDetach releases the driver side of an order that left the driver's
// hands through cancellation or failure.
func (s *Service) afterDetach(ctx context.Context, o *Order, reason string) {
	if o.DriverID == nil {
		return
	}
	did := *o.DriverID
	if err := s.drivers.ReleaseOrder(ctx, did, o.ID, o.LoadKg); err != nil {
		s.log.WithError(err).WithField("driver_id", did).Warn("release active order failed")
	}
	remaining, err := s.store.ListByDriver(ctx, did)
	if err != nil {
		s.log.WithError(err).Warn("list remaining orders failed")
		return
	}
	if len(remaining) == 0 {
		if _, err := s.drivers.TryTransition(ctx, did, driver.StatusAvailable, reason, "system"); err != nil &&
			!errors.Is(err, driver.ErrInvalidTransition) {
			s.log.WithError(err).WithField("driver_id", did).Warn("driver release transition failed")
		}
	} else if s.routes != nil {
		s.routes.RequestOptimization(did, "stop_removed")
	}
}

func (s *Service) notifyBatch(ctx context.Context, o *Order, status Status) {
	if s.batches == nil || o.BatchID == nil {
		return
	}
	if err := s.batches.OnOrderTerminal(ctx, o.ID, *o.BatchID, status); err != nil {
		s.log.WithError(err).WithField("batch_id", *o.BatchID).Warn("batch lifecycle update failed")
	}
}

func (s *Service) appendEvent(ctx context.Context, o *Order, to Status, actorType string) {
	_ = s.store.AppendEvent(ctx, &Event{
		OrderID:    o.ID,
		FromStatus: o.Status,
		ToStatus:   to,
		ActorType:  actorType,
		ActorID:    o.DriverID,
		CreatedAt:  s.now(),
	})
}

func newID() types.ID {
	return types.ID(uuid.NewString())
}
