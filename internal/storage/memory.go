package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/dispatch-tracking/internal/models"
)

// MemoryStore keeps everything in process. Transactions are serialized on the
// store lock and their writes are staged until fn succeeds.
type MemoryStore struct {
	mu          sync.RWMutex
	drivers     map[string]models.Driver
	orders      map[string]models.Order
	assignments map[string]models.Assignment
	events      map[string][]models.LocationEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers:     make(map[string]models.Driver),
		orders:      make(map[string]models.Order),
		assignments: make(map[string]models.Assignment),
		events:      make(map[string][]models.LocationEvent),
	}
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, models.ErrDriverNotFound
	}
	return copyDriver(d), nil
}

func (m *MemoryStore) DriversByVendor(_ context.Context, vendorID string) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Driver
	for _, d := range m.drivers {
		if d.VendorID == vendorID {
			out = append(out, copyDriver(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return models.Order{}, models.ErrOrderNotFound
	}
	return o, nil
}

func (m *MemoryStore) GetOrderByTrackingToken(_ context.Context, token string) (models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if token != "" {
		for _, o := range m.orders {
			if o.TrackingToken == token {
				return o, nil
			}
		}
	}
	return models.Order{}, models.ErrOrderNotFound
}

func (m *MemoryStore) ActiveOrdersForDriver(_ context.Context, driverID string) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.DriverID != nil && *o.DriverID == driverID && o.Status.InTransit() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, id string) (models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return models.Assignment{}, models.ErrAssignmentNotFound
	}
	return a, nil
}

func (m *MemoryStore) LocationEvents(_ context.Context, driverID string, limit int) ([]models.LocationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evs := m.events[driverID]
	out := make([]models.LocationEvent, 0, len(evs))
	for i := len(evs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, evs[i])
	}
	return out, nil
}

func (m *MemoryStore) DeliveredSince(_ context.Context, driverID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, o := range m.orders {
		if o.Status == models.OrderDelivered && models.Deref(o.DriverID) == driverID &&
			o.DeliveredAt != nil && !o.DeliveredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AppendLocationEvent(_ context.Context, ev models.LocationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.DriverID] = append(m.events[ev.DriverID], ev)
	return nil
}

func (m *MemoryStore) UpdateDriverPosition(_ context.Context, driverID string, p models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return models.ErrDriverNotFound
	}
	d.Position = &p
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryStore) UpdateCustomerLocation(_ context.Context, orderID string, loc models.CustomerLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return models.ErrOrderNotFound
	}
	o.Customer = &loc
	m.orders[orderID] = o
	return nil
}

func (m *MemoryStore) SetPushToken(_ context.Context, driverID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return models.ErrDriverNotFound
	}
	d.PushToken = token
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryStore) CreateDriver(_ context.Context, d models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = copyDriver(d)
	return nil
}

func (m *MemoryStore) CreateOrder(_ context.Context, o models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{
		m:           m,
		orders:      make(map[string]models.Order),
		assignments: make(map[string]models.Assignment),
		credits:     make(map[string]credit),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for id, o := range tx.orders {
		m.orders[id] = o
	}
	for id, a := range tx.assignments {
		m.assignments[id] = a
	}
	for id, c := range tx.credits {
		d := m.drivers[id]
		d.TotalDeliveries += c.deliveries
		d.TotalEarnings += c.earnings
		m.drivers[id] = d
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

type credit struct {
	deliveries int
	earnings   float64
}

// memTx runs with MemoryStore.mu held for writing.
type memTx struct {
	m           *MemoryStore
	orders      map[string]models.Order
	assignments map[string]models.Assignment
	credits     map[string]credit
}

func (t *memTx) OrderForUpdate(_ context.Context, id string) (models.Order, error) {
	if o, ok := t.orders[id]; ok {
		return o, nil
	}
	o, ok := t.m.orders[id]
	if !ok {
		return models.Order{}, models.ErrOrderNotFound
	}
	return o, nil
}

func (t *memTx) AssignmentForUpdate(_ context.Context, id string) (models.Assignment, error) {
	if a, ok := t.assignments[id]; ok {
		return a, nil
	}
	a, ok := t.m.assignments[id]
	if !ok {
		return models.Assignment{}, models.ErrAssignmentNotFound
	}
	return a, nil
}

func (t *memTx) ActiveAssignment(_ context.Context, orderID string) (*models.Assignment, error) {
	seen := make(map[string]bool)
	for id, a := range t.assignments {
		seen[id] = true
		if a.OrderID == orderID && a.Status.IsActive() {
			a := a
			return &a, nil
		}
	}
	for id, a := range t.m.assignments {
		if seen[id] {
			continue
		}
		if a.OrderID == orderID && a.Status.IsActive() {
			a := a
			return &a, nil
		}
	}
	return nil, nil
}

func (t *memTx) GetDriver(_ context.Context, id string) (models.Driver, error) {
	d, ok := t.m.drivers[id]
	if !ok {
		return models.Driver{}, models.ErrDriverNotFound
	}
	return copyDriver(d), nil
}

func (t *memTx) SaveOrder(_ context.Context, o models.Order) error {
	if _, ok := t.m.orders[o.ID]; !ok {
		return models.ErrOrderNotFound
	}
	t.orders[o.ID] = o
	return nil
}

func (t *memTx) InsertAssignment(ctx context.Context, a models.Assignment) error {
	if a.Status.IsActive() {
		if cur, _ := t.ActiveAssignment(ctx, a.OrderID); cur != nil {
			return models.ErrAssignmentConflict
		}
	}
	t.assignments[a.ID] = a
	return nil
}

func (t *memTx) SaveAssignment(_ context.Context, a models.Assignment) error {
	if _, ok := t.assignments[a.ID]; !ok {
		if _, ok := t.m.assignments[a.ID]; !ok {
			return models.ErrAssignmentNotFound
		}
	}
	t.assignments[a.ID] = a
	return nil
}

func (t *memTx) CreditDriver(_ context.Context, driverID string, fee float64) error {
	if _, ok := t.m.drivers[driverID]; !ok {
		return models.ErrDriverNotFound
	}
	c := t.credits[driverID]
	c.deliveries++
	c.earnings += fee
	t.credits[driverID] = c
	return nil
}

func copyDriver(d models.Driver) models.Driver {
	if d.Position != nil {
		p := *d.Position
		d.Position = &p
	}
	return d
}
