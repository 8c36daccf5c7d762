package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/dispatch-tracking/internal/geo"
	"github.com/example/dispatch-tracking/internal/hub"
	"github.com/example/dispatch-tracking/internal/models"
	"github.com/example/dispatch-tracking/internal/observability"
	"github.com/example/dispatch-tracking/internal/storage"
)

// Estimator is the ETA lookup the pipeline needs; *eta.Estimator satisfies it.
// LiveETA must fail rather than guess when the routing provider is down.
type Estimator interface {
	LiveETA(ctx context.Context, from, to models.Coord) (float64, error)
}

// Publisher forwards accepted events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, ev models.LocationEvent, vendorID string) error
}

type Options struct {
	// ETABudget bounds how long the order-room broadcast waits for an estimate.
	ETABudget time.Duration
	Geo       geo.Geo
	Publisher Publisher
	Logger    *slog.Logger
	Now       func() time.Time
}

// Pipeline validates, persists and fans out driver position samples.
type Pipeline struct {
	store     storage.Store
	rooms     hub.Broadcaster
	estimator Estimator
	geo       geo.Geo
	publisher Publisher
	etaBudget time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewPipeline(store storage.Store, rooms hub.Broadcaster, est Estimator, opts Options) *Pipeline {
	if opts.ETABudget <= 0 {
		opts.ETABudget = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		store: store, rooms: rooms, estimator: est,
		geo: opts.Geo, publisher: opts.Publisher,
		etaBudget: opts.ETABudget, logger: opts.Logger, now: opts.Now,
	}
}

// Result describes what one accepted sample produced.
type Result struct {
	Event      models.LocationEvent
	VendorID   string
	OrderID    string
	ETAMinutes *int
}

// Ingest accepts one sample from driverID. Only validation, unknown drivers and
// persistence failures are returned; fan-out and estimation problems degrade
// silently.
func (p *Pipeline) Ingest(ctx context.Context, driverID string, s models.Sample) (Result, error) {
	start := p.now()
	defer func() { observability.IngestLatency.Observe(time.Since(start).Seconds()) }()

	if err := s.Validate(); err != nil {
		observability.SamplesRejected.Inc()
		return Result{}, fmt.Errorf("driver %s: %w", driverID, err)
	}
	driver, err := p.store.GetDriver(ctx, driverID)
	if err != nil {
		observability.SamplesRejected.Inc()
		return Result{}, err
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = start.UTC()
	}

	order, found, err := p.activeOrder(ctx, driverID)
	if err != nil {
		return Result{}, fmt.Errorf("lookup active order: %w", err)
	}

	ev := models.LocationEvent{
		ID:        uuid.NewString(),
		DriverID:  driverID,
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		Speed:     s.Speed,
		Heading:   s.Heading,
		Accuracy:  s.Accuracy,
		Timestamp: s.Timestamp,
	}
	if found {
		ev.OrderID = order.ID
	}
	if err := p.store.AppendLocationEvent(ctx, ev); err != nil {
		return Result{}, fmt.Errorf("append location event: %w", err)
	}
	pos := models.Position{Coord: s.Coord(), Speed: s.Speed, Heading: s.Heading, Accuracy: s.Accuracy, CapturedAt: s.Timestamp}
	if err := p.store.UpdateDriverPosition(ctx, driverID, pos); err != nil {
		return Result{}, fmt.Errorf("update driver position: %w", err)
	}
	observability.SamplesAccepted.Inc()

	res := Result{Event: ev, VendorID: driver.VendorID}
	loc := hub.DriverLocation{
		DriverID:  driverID,
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		Speed:     s.Speed,
		Heading:   s.Heading,
		Timestamp: s.Timestamp,
	}
	if driver.VendorID != "" {
		p.rooms.Broadcast(hub.VendorRoom(driver.VendorID), hub.Msg(hub.TypeDriverLocation, loc))
	}
	if found {
		res.OrderID = order.ID
		res.ETAMinutes = p.estimate(ctx, pos.Coord, order.Delivery)
		p.rooms.Broadcast(hub.OrderRoom(order.ID), hub.Msg(hub.TypeDriverLocation, hub.OrderLocation{
			DriverLocation: loc,
			OrderID:        order.ID,
			ETAMinutes:     res.ETAMinutes,
		}))
	}
	// sinks run after both broadcasts
	p.sinks(ctx, driver, pos, ev)
	return res, nil
}

// activeOrder picks the order the driver's samples feed. Several in-transit
// orders is a data fault; the newest one wins.
func (p *Pipeline) activeOrder(ctx context.Context, driverID string) (models.Order, bool, error) {
	orders, err := p.store.ActiveOrdersForDriver(ctx, driverID)
	if err != nil || len(orders) == 0 {
		return models.Order{}, false, err
	}
	if len(orders) > 1 {
		ids := make([]string, len(orders))
		for i, o := range orders {
			ids[i] = o.ID
		}
		p.logger.Warn("driver has several active orders", "driver_id", driverID, "order_ids", ids, "chosen_order_id", orders[0].ID)
	}
	return orders[0], true, nil
}

func (p *Pipeline) estimate(ctx context.Context, from, to models.Coord) *int {
	if p.estimator == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.etaBudget)
	defer cancel()
	minutes, err := p.estimator.LiveETA(ctx, from, to)
	if err != nil {
		p.logger.Debug("eta unavailable", "error", err)
		return nil
	}
	m := int(math.Round(minutes))
	return &m
}

func (p *Pipeline) sinks(ctx context.Context, d models.Driver, pos models.Position, ev models.LocationEvent) {
	if p.geo != nil {
		if err := p.geo.Upsert(ctx, d.ID, d.VendorID, pos); err != nil {
			p.logger.Warn("geo index update failed", "driver_id", d.ID, "error", err)
		}
	}
	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, ev, d.VendorID); err != nil {
			p.logger.Warn("location publish failed", "driver_id", d.ID, "error", err)
		}
	}
}
