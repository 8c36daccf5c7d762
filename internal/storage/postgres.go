package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/dispatch-tracking/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the bundled migrations in file name order. Every statement is
// idempotent so it is safe to run on each start.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const driverColumns = `id, user_id, vendor_id, full_name, status, is_active, push_token, total_deliveries, total_earnings,
	current_latitude, current_longitude, current_speed, current_heading, current_accuracy, location_updated_at, created_at`

const orderColumns = `id, order_number, vendor_id, COALESCE(tracking_token, ''), status, driver_id, assignment_id,
	pickup_latitude, pickup_longitude, delivery_latitude, delivery_longitude, delivery_address, delivery_fee,
	customer_latitude, customer_longitude, customer_accuracy, customer_heading, customer_speed, customer_location_updated_at,
	created_at, updated_at, accepted_at, picked_up_at, out_for_delivery_at, delivered_at, cancelled_at`

const assignmentColumns = `id, order_id, driver_id, vendor_id, status, assigned_at, accepted_at, declined_at, completed_at, decline_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDriver(row rowScanner) (models.Driver, error) {
	var d models.Driver
	var lat, lon, speed, heading, acc sql.NullFloat64
	var at sql.NullTime
	err := row.Scan(&d.ID, &d.UserID, &d.VendorID, &d.FullName, &d.Status, &d.Active, &d.PushToken,
		&d.TotalDeliveries, &d.TotalEarnings, &lat, &lon, &speed, &heading, &acc, &at, &d.CreatedAt)
	if err != nil {
		return d, err
	}
	if lat.Valid && lon.Valid {
		d.Position = &models.Position{
			Coord:    models.Coord{Lat: lat.Float64, Lon: lon.Float64},
			Speed:    speed.Float64,
			Heading:  heading.Float64,
			Accuracy: acc.Float64,
		}
		if at.Valid {
			d.Position.CapturedAt = at.Time
		}
	}
	return d, nil
}

func scanOrder(row rowScanner) (models.Order, error) {
	var o models.Order
	var driverID, assignmentID sql.NullString
	var cLat, cLon, cAcc, cHeading, cSpeed sql.NullFloat64
	var cAt, acceptedAt, pickedUpAt, outAt, deliveredAt, cancelledAt sql.NullTime
	err := row.Scan(&o.ID, &o.OrderNumber, &o.VendorID, &o.TrackingToken, &o.Status, &driverID, &assignmentID,
		&o.Pickup.Lat, &o.Pickup.Lon, &o.Delivery.Lat, &o.Delivery.Lon, &o.DeliveryAddress, &o.DeliveryFee,
		&cLat, &cLon, &cAcc, &cHeading, &cSpeed, &cAt,
		&o.CreatedAt, &o.UpdatedAt, &acceptedAt, &pickedUpAt, &outAt, &deliveredAt, &cancelledAt)
	if err != nil {
		return o, err
	}
	o.DriverID = nullStr(driverID)
	o.AssignmentID = nullStr(assignmentID)
	if cLat.Valid && cLon.Valid {
		o.Customer = &models.CustomerLocation{
			Coord:    models.Coord{Lat: cLat.Float64, Lon: cLon.Float64},
			Accuracy: cAcc.Float64,
			Heading:  cHeading.Float64,
			Speed:    cSpeed.Float64,
		}
		if cAt.Valid {
			o.Customer.UpdatedAt = cAt.Time
		}
	}
	o.AcceptedAt = nullTime(acceptedAt)
	o.PickedUpAt = nullTime(pickedUpAt)
	o.OutForDeliveryAt = nullTime(outAt)
	o.DeliveredAt = nullTime(deliveredAt)
	o.CancelledAt = nullTime(cancelledAt)
	return o, nil
}

func scanAssignment(row rowScanner) (models.Assignment, error) {
	var a models.Assignment
	var acceptedAt, declinedAt, completedAt sql.NullTime
	err := row.Scan(&a.ID, &a.OrderID, &a.DriverID, &a.VendorID, &a.Status, &a.AssignedAt,
		&acceptedAt, &declinedAt, &completedAt, &a.DeclineReason)
	if err != nil {
		return a, err
	}
	a.AcceptedAt = nullTime(acceptedAt)
	a.DeclinedAt = nullTime(declinedAt)
	a.CompletedAt = nullTime(completedAt)
	return a, nil
}

func notFound(err, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	return getDriver(ctx, p.db, id)
}

func getDriver(ctx context.Context, q queryer, id string) (models.Driver, error) {
	d, err := scanDriver(q.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id))
	return d, notFound(err, models.ErrDriverNotFound)
}

func (p *PostgresStore) DriversByVendor(ctx context.Context, vendorID string) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE vendor_id = $1 ORDER BY id`, vendorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (models.Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	return o, notFound(err, models.ErrOrderNotFound)
}

func (p *PostgresStore) GetOrderByTrackingToken(ctx context.Context, token string) (models.Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE tracking_token = $1`, token))
	return o, notFound(err, models.ErrOrderNotFound)
}

func (p *PostgresStore) ActiveOrdersForDriver(ctx context.Context, driverID string) ([]models.Order, error) {
	statuses := make([]string, len(models.InTransitStatuses))
	for i, s := range models.InTransitStatuses {
		statuses[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE driver_id = $1 AND status = ANY($2) ORDER BY created_at DESC`, driverID, pq.Array(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetAssignment(ctx context.Context, id string) (models.Assignment, error) {
	a, err := scanAssignment(p.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = $1`, id))
	return a, notFound(err, models.ErrAssignmentNotFound)
}

func (p *PostgresStore) LocationEvents(ctx context.Context, driverID string, limit int) ([]models.LocationEvent, error) {
	// LIMIT NULL is no limit
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, driver_id, COALESCE(order_id, ''), latitude, longitude, speed, heading, accuracy, recorded_at
		FROM location_events WHERE driver_id = $1 ORDER BY recorded_at DESC LIMIT $2`, driverID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.LocationEvent
	for rows.Next() {
		var ev models.LocationEvent
		if err := rows.Scan(&ev.ID, &ev.DriverID, &ev.OrderID, &ev.Latitude, &ev.Longitude, &ev.Speed, &ev.Heading, &ev.Accuracy, &ev.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeliveredSince(ctx context.Context, driverID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders
		WHERE driver_id = $1 AND status = $2 AND delivered_at >= $3`, driverID, models.OrderDelivered, since).Scan(&n)
	return n, err
}

func (p *PostgresStore) AppendLocationEvent(ctx context.Context, ev models.LocationEvent) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO location_events(id, driver_id, order_id, latitude, longitude, speed, heading, accuracy, recorded_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ev.ID, ev.DriverID, emptyToNull(ev.OrderID), ev.Latitude, ev.Longitude, ev.Speed, ev.Heading, ev.Accuracy, ev.Timestamp)
	return err
}

func (p *PostgresStore) UpdateDriverPosition(ctx context.Context, driverID string, pos models.Position) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET current_latitude=$1, current_longitude=$2, current_speed=$3,
		current_heading=$4, current_accuracy=$5, location_updated_at=$6 WHERE id=$7`,
		pos.Lat, pos.Lon, pos.Speed, pos.Heading, pos.Accuracy, pos.CapturedAt, driverID)
	return affected(res, err, models.ErrDriverNotFound)
}

func (p *PostgresStore) UpdateCustomerLocation(ctx context.Context, orderID string, loc models.CustomerLocation) error {
	res, err := p.db.ExecContext(ctx, `UPDATE orders SET customer_latitude=$1, customer_longitude=$2, customer_accuracy=$3,
		customer_heading=$4, customer_speed=$5, customer_location_updated_at=$6 WHERE id=$7`,
		loc.Lat, loc.Lon, loc.Accuracy, loc.Heading, loc.Speed, loc.UpdatedAt, orderID)
	return affected(res, err, models.ErrOrderNotFound)
}

func (p *PostgresStore) SetPushToken(ctx context.Context, driverID, token string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET push_token=$1 WHERE id=$2`, token, driverID)
	return affected(res, err, models.ErrDriverNotFound)
}

func (p *PostgresStore) CreateDriver(ctx context.Context, d models.Driver) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(id, user_id, vendor_id, full_name, status, is_active, push_token,
		total_deliveries, total_earnings, created_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		d.ID, d.UserID, d.VendorID, d.FullName, d.Status, d.Active, d.PushToken, d.TotalDeliveries, d.TotalEarnings, d.CreatedAt)
	return err
}

func (p *PostgresStore) CreateOrder(ctx context.Context, o models.Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO orders(id, order_number, vendor_id, tracking_token, status, driver_id, assignment_id,
		pickup_latitude, pickup_longitude, delivery_latitude, delivery_longitude, delivery_address, delivery_fee, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		o.ID, o.OrderNumber, o.VendorID, emptyToNull(o.TrackingToken), o.Status, o.DriverID, o.AssignmentID,
		o.Pickup.Lat, o.Pickup.Lon, o.Delivery.Lat, o.Delivery.Lon, o.DeliveryAddress, o.DeliveryFee, o.CreatedAt, o.UpdatedAt)
	return err
}

func (p *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) OrderForUpdate(ctx context.Context, id string) (models.Order, error) {
	o, err := scanOrder(t.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	return o, notFound(err, models.ErrOrderNotFound)
}

func (t *pgTx) AssignmentForUpdate(ctx context.Context, id string) (models.Assignment, error) {
	a, err := scanAssignment(t.tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = $1 FOR UPDATE`, id))
	return a, notFound(err, models.ErrAssignmentNotFound)
}

func (t *pgTx) ActiveAssignment(ctx context.Context, orderID string) (*models.Assignment, error) {
	a, err := scanAssignment(t.tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
		WHERE order_id = $1 AND status IN ('pending', 'accepted') FOR UPDATE`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *pgTx) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	return getDriver(ctx, t.tx, id)
}

func (t *pgTx) SaveOrder(ctx context.Context, o models.Order) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE orders SET status=$1, driver_id=$2, assignment_id=$3, updated_at=$4,
		accepted_at=$5, picked_up_at=$6, out_for_delivery_at=$7, delivered_at=$8, cancelled_at=$9 WHERE id=$10`,
		o.Status, o.DriverID, o.AssignmentID, o.UpdatedAt, o.AcceptedAt, o.PickedUpAt, o.OutForDeliveryAt, o.DeliveredAt, o.CancelledAt, o.ID)
	return affected(res, err, models.ErrOrderNotFound)
}

func (t *pgTx) InsertAssignment(ctx context.Context, a models.Assignment) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO assignments(`+assignmentColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, a.OrderID, a.DriverID, a.VendorID, a.Status, a.AssignedAt, a.AcceptedAt, a.DeclinedAt, a.CompletedAt, a.DeclineReason)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return models.ErrAssignmentConflict
	}
	return err
}

func (t *pgTx) SaveAssignment(ctx context.Context, a models.Assignment) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE assignments SET status=$1, accepted_at=$2, declined_at=$3, completed_at=$4,
		decline_reason=$5 WHERE id=$6`, a.Status, a.AcceptedAt, a.DeclinedAt, a.CompletedAt, a.DeclineReason, a.ID)
	return affected(res, err, models.ErrAssignmentNotFound)
}

// CreditDriver increments in SQL so concurrent deliveries for one driver never
// overwrite each other.
func (t *pgTx) CreditDriver(ctx context.Context, driverID string, fee float64) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE drivers SET total_deliveries = total_deliveries + 1,
		total_earnings = total_earnings + $1 WHERE id = $2`, fee, driverID)
	return affected(res, err, models.ErrDriverNotFound)
}

func affected(res sql.Result, err error, sentinel error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentinel
	}
	return nil
}

func emptyToNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
