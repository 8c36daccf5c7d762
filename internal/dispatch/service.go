package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/dispatch-tracking/internal/authz"
	"github.com/example/dispatch-tracking/internal/hub"
	"github.com/example/dispatch-tracking/internal/models"
	"github.com/example/dispatch-tracking/internal/notify"
	"github.com/example/dispatch-tracking/internal/observability"
	"github.com/example/dispatch-tracking/internal/storage"
)

// ReasonOrderCancelled is recorded on a pending assignment whose order was cancelled.
const ReasonOrderCancelled = "order_cancelled"

// Notifier delivers a new assignment to its driver.
type Notifier interface {
	NotifyAssignment(ctx context.Context, driverID, pushToken string, offer hub.AssignmentOffer) (notify.Channel, error)
}

type Options struct {
	Notifier Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

// Service runs the order/assignment state machine. Every operation commits in a
// single transaction before any room hears about it.
type Service struct {
	store    storage.Store
	rooms    hub.Broadcaster
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store storage.Store, rooms hub.Broadcaster, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{store: store, rooms: rooms, notifier: opts.Notifier, logger: opts.Logger, now: opts.Now}
}

type AssignCommand struct {
	Actor    authz.Actor
	OrderID  string
	DriverID string
}

type RespondCommand struct {
	Actor    authz.Actor
	OrderID  string
	Decision models.Decision
	Reason   string
}

type AdvanceCommand struct {
	Actor   authz.Actor
	OrderID string
	Status  models.OrderStatus
}

type CustomerLocationCommand struct {
	TrackingToken string
	Location      models.CustomerLocation
}

func invalidTransition(from, to models.OrderStatus, why string) error {
	if why != "" {
		return fmt.Errorf("%w: %s -> %s: %s", models.ErrInvalidTransition, from, to, why)
	}
	return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
}

// AssignDriver binds a driver to an order through a new pending assignment.
func (s *Service) AssignDriver(ctx context.Context, cmd AssignCommand) (models.Assignment, error) {
	var (
		order  models.Order
		driver models.Driver
		a      models.Assignment
	)
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		if order, err = tx.OrderForUpdate(ctx, cmd.OrderID); err != nil {
			return err
		}
		if err := authz.Check(cmd.Actor, authz.ActionAssign, authz.ForOrder(order)); err != nil {
			return err
		}
		if driver, err = tx.GetDriver(ctx, cmd.DriverID); err != nil {
			return err
		}
		if driver.VendorID != order.VendorID {
			return fmt.Errorf("%w: driver %s does not belong to vendor %s", models.ErrForbidden, driver.ID, order.VendorID)
		}
		if !driver.Active {
			return fmt.Errorf("%w: driver %s is inactive", models.ErrValidation, driver.ID)
		}
		if order.Status.IsTerminal() {
			return invalidTransition(order.Status, models.OrderDriverAssigned, "order is closed")
		}
		active, err := tx.ActiveAssignment(ctx, order.ID)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("%w: assignment %s (%s)", models.ErrAssignmentConflict, active.ID, active.Status)
		}
		if !models.CanTransition(order.Status, models.OrderDriverAssigned) {
			return invalidTransition(order.Status, models.OrderDriverAssigned, "")
		}

		now := s.now().UTC()
		a = models.Assignment{
			ID:         uuid.NewString(),
			OrderID:    order.ID,
			DriverID:   driver.ID,
			VendorID:   order.VendorID,
			Status:     models.AssignmentPending,
			AssignedAt: now,
		}
		if err := tx.InsertAssignment(ctx, a); err != nil {
			return err
		}
		order.DriverID = models.StrPtr(driver.ID)
		order.AssignmentID = models.StrPtr(a.ID)
		order.Status = models.OrderDriverAssigned
		order.Stamp(models.OrderDriverAssigned, now)
		return tx.SaveOrder(ctx, order)
	})
	if err != nil {
		return models.Assignment{}, err
	}

	s.logger.Info("driver_assigned", "order_id", order.ID, "driver_id", driver.ID, "assignment_id", a.ID)
	observability.Transitions.WithLabelValues(string(order.Status)).Inc()
	s.publishStatus(order, &a)
	if s.notifier != nil {
		offer := hub.AssignmentOffer{
			AssignmentID:    a.ID,
			OrderID:         order.ID,
			OrderNumber:     order.OrderNumber,
			PickupLat:       order.Pickup.Lat,
			PickupLon:       order.Pickup.Lon,
			DeliveryLat:     order.Delivery.Lat,
			DeliveryLon:     order.Delivery.Lon,
			DeliveryAddress: order.DeliveryAddress,
			DeliveryFee:     order.DeliveryFee,
		}
		ch, err := s.notifier.NotifyAssignment(ctx, driver.ID, driver.PushToken, offer)
		if err != nil {
			s.logger.Warn("assignment notification failed", "driver_id", driver.ID, "error", err)
		} else {
			s.logger.Debug("assignment notification sent", "driver_id", driver.ID, "channel", ch)
		}
	}
	return a, nil
}

// RespondToAssignment records the driver's (or vendor's) decision on the order's
// pending assignment. Declining puts the order back in the dispatch pool.
func (s *Service) RespondToAssignment(ctx context.Context, cmd RespondCommand) (models.Assignment, error) {
	if cmd.Decision != models.DecisionAccept && cmd.Decision != models.DecisionDecline {
		return models.Assignment{}, fmt.Errorf("%w: unknown decision %q", models.ErrValidation, cmd.Decision)
	}
	var (
		order models.Order
		a     models.Assignment
	)
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		if order, err = tx.OrderForUpdate(ctx, cmd.OrderID); err != nil {
			return err
		}
		if order.AssignmentID == nil {
			return fmt.Errorf("order %s has no current %w", order.ID, models.ErrAssignmentNotFound)
		}
		if a, err = tx.AssignmentForUpdate(ctx, *order.AssignmentID); err != nil {
			return err
		}
		res := authz.Resource{VendorID: order.VendorID, DriverID: a.DriverID}
		if err := authz.Check(cmd.Actor, authz.ActionRespond, res); err != nil {
			return err
		}
		if a.Status != models.AssignmentPending {
			return fmt.Errorf("%w: assignment %s is %s", models.ErrInvalidTransition, a.ID, a.Status)
		}

		now := s.now().UTC()
		if cmd.Decision == models.DecisionAccept {
			a.Status = models.AssignmentAccepted
			a.AcceptedAt = &now
			return tx.SaveAssignment(ctx, a)
		}

		a.Status = models.AssignmentDeclined
		a.DeclinedAt = &now
		a.DeclineReason = cmd.Reason
		if err := tx.SaveAssignment(ctx, a); err != nil {
			return err
		}
		order.DriverID = nil
		order.AssignmentID = nil
		order.Status = models.OrderAccepted
		order.Stamp(models.OrderAccepted, now)
		return tx.SaveOrder(ctx, order)
	})
	if err != nil {
		return models.Assignment{}, err
	}

	s.logger.Info("assignment_response", "order_id", order.ID, "assignment_id", a.ID, "decision", cmd.Decision)
	if cmd.Decision == models.DecisionDecline {
		observability.Transitions.WithLabelValues(string(order.Status)).Inc()
	}
	s.publishStatus(order, &a)
	return a, nil
}

// AdvanceOrderStatus moves an order along its lifecycle. Marking an already
// delivered order delivered again is a no-op.
func (s *Service) AdvanceOrderStatus(ctx context.Context, cmd AdvanceCommand) (models.Order, error) {
	switch cmd.Status {
	case models.OrderAccepted, models.OrderPickedUp, models.OrderOutForDelivery, models.OrderDelivered, models.OrderCancelled:
	default:
		return models.Order{}, fmt.Errorf("%w: %q is not a valid target status", models.ErrInvalidTransition, cmd.Status)
	}

	var (
		order   models.Order
		changed bool
		linked  *models.Assignment
	)
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		if order, err = tx.OrderForUpdate(ctx, cmd.OrderID); err != nil {
			return err
		}
		if err := authz.Check(cmd.Actor, authz.ActionAdvance, authz.ForOrder(order)); err != nil {
			return err
		}
		if order.Status == models.OrderDelivered && cmd.Status == models.OrderDelivered {
			return nil
		}
		from := order.Status
		if !models.CanTransition(from, cmd.Status) {
			return invalidTransition(from, cmd.Status, "")
		}
		if cmd.Status == models.OrderAccepted && from != models.OrderPending {
			return invalidTransition(from, cmd.Status, "orders return to accepted only by declining the assignment")
		}

		active, err := tx.ActiveAssignment(ctx, order.ID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		switch cmd.Status {
		case models.OrderPickedUp:
			if active == nil || active.Status != models.AssignmentAccepted {
				return invalidTransition(from, cmd.Status, "assignment not accepted")
			}
		case models.OrderDelivered:
			driverID := models.Deref(order.DriverID)
			if active != nil {
				active.Status = models.AssignmentCompleted
				active.CompletedAt = &now
				if err := tx.SaveAssignment(ctx, *active); err != nil {
					return err
				}
				driverID = active.DriverID
				linked = active
			}
			if driverID != "" {
				if err := tx.CreditDriver(ctx, driverID, order.DeliveryFee); err != nil {
					return err
				}
			}
		case models.OrderCancelled:
			if active != nil && active.Status == models.AssignmentPending {
				active.Status = models.AssignmentDeclined
				active.DeclinedAt = &now
				active.DeclineReason = ReasonOrderCancelled
				if err := tx.SaveAssignment(ctx, *active); err != nil {
					return err
				}
				linked = active
			}
		}

		order.Status = cmd.Status
		order.Stamp(cmd.Status, now)
		changed = true
		return tx.SaveOrder(ctx, order)
	})
	if err != nil {
		return models.Order{}, err
	}
	if !changed {
		return order, nil
	}

	s.logger.Info("order_status_changed", "order_id", order.ID, "status", order.Status, "driver_id", models.Deref(order.DriverID))
	observability.Transitions.WithLabelValues(string(order.Status)).Inc()
	s.publishStatus(order, linked)
	return order, nil
}

// UpdateCustomerLocation stores the customer's live position and shows it to
// everyone watching the order.
func (s *Service) UpdateCustomerLocation(ctx context.Context, cmd CustomerLocationCommand) (models.Order, error) {
	if !cmd.Location.Coord.Valid() {
		return models.Order{}, fmt.Errorf("%w: invalid customer location", models.ErrValidation)
	}
	order, err := s.store.GetOrderByTrackingToken(ctx, cmd.TrackingToken)
	if err != nil {
		return models.Order{}, err
	}
	if order.Status.IsTerminal() {
		return models.Order{}, fmt.Errorf("%w: order %s is %s", models.ErrInvalidTransition, order.ID, order.Status)
	}
	loc := cmd.Location
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = s.now().UTC()
	}
	if err := s.store.UpdateCustomerLocation(ctx, order.ID, loc); err != nil {
		return models.Order{}, err
	}
	order.Customer = &loc
	s.rooms.Broadcast(hub.OrderRoom(order.ID), hub.Msg(hub.TypeCustomerLocation, hub.CustomerLocation{
		OrderID:   order.ID,
		Latitude:  loc.Lat,
		Longitude: loc.Lon,
		Accuracy:  loc.Accuracy,
		UpdatedAt: loc.UpdatedAt,
	}))
	return order, nil
}

func (s *Service) publishStatus(o models.Order, a *models.Assignment) {
	msg := hub.OrderStatus{OrderID: o.ID, Status: string(o.Status), DriverID: models.Deref(o.DriverID), At: o.UpdatedAt}
	if a != nil {
		msg.AssignmentID = a.ID
		msg.AssignmentStatus = string(a.Status)
		if msg.DriverID == "" {
			msg.DriverID = a.DriverID
		}
	}
	env := hub.Msg(hub.TypeOrderStatus, msg)
	s.rooms.Broadcast(hub.OrderRoom(o.ID), env)
	s.rooms.Broadcast(hub.VendorRoom(o.VendorID), env)
}
