package storage

import (
	"context"
	"time"

	"github.com/example/dispatch-tracking/internal/models"
)

// Store is the persistence surface for drivers, orders, assignments and the
// location event log. Lookups of missing records return the matching
// models.Err*NotFound sentinel.
type Store interface {
	GetDriver(ctx context.Context, id string) (models.Driver, error)
	DriversByVendor(ctx context.Context, vendorID string) ([]models.Driver, error)
	GetOrder(ctx context.Context, id string) (models.Order, error)
	GetOrderByTrackingToken(ctx context.Context, token string) (models.Order, error)
	// ActiveOrdersForDriver returns the driver's in-transit orders, newest first.
	ActiveOrdersForDriver(ctx context.Context, driverID string) ([]models.Order, error)
	GetAssignment(ctx context.Context, id string) (models.Assignment, error)
	// LocationEvents returns the driver's events newest first; limit <= 0 returns all of them.
	LocationEvents(ctx context.Context, driverID string, limit int) ([]models.LocationEvent, error)
	// DeliveredSince counts the driver's orders delivered at or after since.
	DeliveredSince(ctx context.Context, driverID string, since time.Time) (int, error)

	AppendLocationEvent(ctx context.Context, ev models.LocationEvent) error
	UpdateDriverPosition(ctx context.Context, driverID string, p models.Position) error
	UpdateCustomerLocation(ctx context.Context, orderID string, loc models.CustomerLocation) error
	SetPushToken(ctx context.Context, driverID, token string) error
	CreateDriver(ctx context.Context, d models.Driver) error
	CreateOrder(ctx context.Context, o models.Order) error

	// InTx runs fn in a single transaction. Nothing fn writes is visible to
	// other callers unless fn returns nil.
	InTx(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx is the write side of the dispatch state machine. Rows read through the
// ForUpdate methods stay locked until the transaction ends.
type Tx interface {
	OrderForUpdate(ctx context.Context, id string) (models.Order, error)
	AssignmentForUpdate(ctx context.Context, id string) (models.Assignment, error)
	// ActiveAssignment returns the order's pending or accepted assignment, or nil.
	ActiveAssignment(ctx context.Context, orderID string) (*models.Assignment, error)
	GetDriver(ctx context.Context, id string) (models.Driver, error)

	SaveOrder(ctx context.Context, o models.Order) error
	InsertAssignment(ctx context.Context, a models.Assignment) error
	SaveAssignment(ctx context.Context, a models.Assignment) error
	// CreditDriver adds one delivery and fee to the driver's running totals.
	CreditDriver(ctx context.Context, driverID string, fee float64) error
}
