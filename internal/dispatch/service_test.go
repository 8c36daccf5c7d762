package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/dispatch-tracking/internal/authz"
	"github.com/example/dispatch-tracking/internal/hub"
	"github.com/example/dispatch-tracking/internal/models"
	"github.com/example/dispatch-tracking/internal/notify"
	"github.com/example/dispatch-tracking/internal/storage"
)

type recordingConn struct {
	mu   sync.Mutex
	msgs []hub.Envelope
}

func (r *recordingConn) Send(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, v.(hub.Envelope))
	return nil
}

func (r *recordingConn) Close() error { return nil }

func (r *recordingConn) last() hub.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return hub.Envelope{}
	}
	return r.msgs[len(r.msgs)-1]
}

type fakeNotifier struct {
	mu     sync.Mutex
	offers []hub.AssignmentOffer
}

func (f *fakeNotifier) NotifyAssignment(_ context.Context, _, _ string, offer hub.AssignmentOffer) (notify.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, offer)
	return notify.ChannelWS, nil
}

var (
	admin   = authz.Actor{SubjectID: "admin", Role: authz.RoleAdmin, Active: true}
	vendor1 = authz.Actor{SubjectID: "u-v1", Role: authz.RoleVendor, VendorID: "V1", Active: true}
	vendor2 = authz.Actor{SubjectID: "u-v2", Role: authz.RoleVendor, VendorID: "V2", Active: true}
)

func driverActor(id string) authz.Actor {
	return authz.Actor{SubjectID: "u-" + id, Role: authz.RoleDriver, DriverID: id, VendorID: "V1", Active: true}
}

type fixture struct {
	store    *storage.MemoryStore
	hub      *hub.Hub
	svc      *Service
	notifier *fakeNotifier
	watcher  *recordingConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: storage.NewMemoryStore(), hub: hub.New(nil), notifier: &fakeNotifier{}, watcher: &recordingConn{}}
	for _, id := range []string{"D1", "D2"} {
		if err := f.store.CreateDriver(ctx, models.Driver{ID: id, VendorID: "V1", Status: models.DriverAvailable, Active: true}); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.store.CreateDriver(ctx, models.Driver{ID: "X", VendorID: "V2", Active: true}); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		o := models.Order{ID: fmt.Sprintf("O%d", i), VendorID: "V1", TrackingToken: fmt.Sprintf("tok-%d", i), Status: models.OrderAccepted, DeliveryFee: 4.5, CreatedAt: time.Now()}
		if err := f.store.CreateOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	f.hub.Connect("watcher", f.watcher)
	if err := f.hub.Join(hub.OrderRoom("O1"), "watcher"); err != nil {
		t.Fatal(err)
	}
	f.svc = NewService(f.store, f.hub, Options{Notifier: f.notifier})
	return f
}

func (f *fixture) order(t *testing.T, id string) models.Order {
	t.Helper()
	o, err := f.store.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func (f *fixture) driver(t *testing.T, id string) models.Driver {
	t.Helper()
	d, err := f.store.GetDriver(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func (f *fixture) advance(t *testing.T, actor authz.Actor, orderID string, statuses ...models.OrderStatus) {
	t.Helper()
	for _, st := range statuses {
		if _, err := f.svc.AdvanceOrderStatus(context.Background(), AdvanceCommand{Actor: actor, OrderID: orderID, Status: st}); err != nil {
			t.Fatalf("advance %s to %s: %v", orderID, st, err)
		}
	}
}

func (f *fixture) assignAndAccept(t *testing.T, orderID, driverID string) models.Assignment {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.AssignDriver(ctx, AssignCommand{Actor: vendor1, OrderID: orderID, DriverID: driverID}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	a, err := f.svc.RespondToAssignment(ctx, RespondCommand{Actor: driverActor(driverID), OrderID: orderID, Decision: models.DecisionAccept})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return a
}

func TestDeclineThenReassign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.AssignDriver(ctx, AssignCommand{Actor: vendor1, OrderID: "O1", DriverID: "D1"})
	if err != nil {
		t.Fatalf("assign D1: %v", err)
	}
	o := f.order(t, "O1")
	if o.Status != models.OrderDriverAssigned || models.Deref(o.DriverID) != "D1" || models.Deref(o.AssignmentID) != first.ID {
		t.Fatalf("order after assign: %+v", o)
	}
	if len(f.notifier.offers) != 1 || f.notifier.offers[0].AssignmentID != first.ID {
		t.Fatalf("driver not notified: %+v", f.notifier.offers)
	}

	if _, err := f.svc.RespondToAssignment(ctx, RespondCommand{Actor: driverActor("D1"), OrderID: "O1", Decision: models.DecisionDecline, Reason: "too far"}); err != nil {
		t.Fatalf("decline: %v", err)
	}
	o = f.order(t, "O1")
	if o.Status != models.OrderAccepted || o.DriverID != nil || o.AssignmentID != nil {
		t.Fatalf("order after decline: %+v", o)
	}
	declined, _ := f.store.GetAssignment(ctx, first.ID)
	if declined.Status != models.AssignmentDeclined || declined.DeclineReason != "too far" || declined.DeclinedAt == nil {
		t.Fatalf("assignment after decline: %+v", declined)
	}

	second, err := f.svc.AssignDriver(ctx, AssignCommand{Actor: vendor1, OrderID: "O1", DriverID: "D2"})
	if err != nil {
		t.Fatalf("reassign D2: %v", err)
	}
	if second.ID == first.ID || second.Status != models.AssignmentPending {
		t.Fatalf("expected a fresh pending assignment, got %+v", second)
	}
	if env := f.watcher.last(); env.Type != hub.TypeOrderStatus || env.Data.(hub.OrderStatus).DriverID != "D2" {
		t.Fatalf("order room not told about reassignment: %+v", env)
	}
}

func TestAssignConflictAndErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.AssignDriver(ctx, AssignCommand{Actor: vendor1, OrderID: "O1", DriverID: "D1"}); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name string
		cmd  AssignCommand
		want error
	}{
		{"active assignment", AssignCommand{Actor: vendor1, OrderID: "O1", DriverID: "D2"}, models.ErrAssignmentConflict},
		{"unknown order", AssignCommand{Actor: vendor1, OrderID: "nope", DriverID: "D2"}, models.ErrOrderNotFound},
		{"unknown driver", AssignCommand{Actor: vendor1, OrderID: "O2", DriverID: "nope"}, models.ErrDriverNotFound},
		{"other vendor", AssignCommand{Actor: vendor2, OrderID: "O2", DriverID: "D2"}, models.ErrForbidden},
		{"driver of other vendor", AssignCommand{Actor: vendor1, OrderID: "O2", DriverID: "X"}, models.ErrForbidden},
		{"driver cannot assign", AssignCommand{Actor: driverActor("D2"), OrderID: "O2", DriverID: "D2"}, models.ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.AssignDriver(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if o := f.order(t, "O2"); o.Status != models.OrderAccepted || o.DriverID != nil {
		t.Fatalf("rejected assignment mutated order: %+v", o)
	}
}

func TestRespondAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.AssignDriver(ctx, AssignCommand{Actor: vendor1, OrderID: "O1", DriverID: "D1"}); err != nil {
		t.Fatal(err)
	}
	for name, actor := range map[string]authz.Actor{
		"other driver":  driverActor("D2"),
		"other vendor":  vendor2,
		"inactive self": {SubjectID: "u-D1", Role: authz.RoleDriver, DriverID: "D1"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.RespondToAssignment(ctx, RespondCommand{Actor: actor, OrderID: "O1", Decision: models.DecisionDecline})
			if !errors.Is(err, models.ErrForbidden) {
				t.Fatalf("expected ErrForbidden, got %v", err)
			}
		})
	}
	if o := f.order(t, "O1"); o.Status != models.OrderDriverAssigned {
		t.Fatalf("forbidden response mutated order: %s", o.Status)
	}
	if _, err := f.svc.RespondToAssignment(ctx, RespondCommand{Actor: admin, OrderID: "O1", Decision: models.DecisionAccept}); err != nil {
		t.Fatalf("admin accept: %v", err)
	}
	if _, err := f.svc.RespondToAssignment(ctx, RespondCommand{Actor: driverActor("D1"), OrderID: "O1", Decision: models.DecisionDecline}); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("responding twice should fail, got %v", err)
	}
	if _, err := f.svc.RespondToAssignment(ctx, RespondCommand{Actor: admin, OrderID: "O2", Decision: models.DecisionAccept}); !errors.Is(err, models.ErrAssignmentNotFound) {
		t.Fatalf("expected ErrAssignmentNotFound, got %v", err)
	}
	if _, err := f.svc.RespondToAssignment(ctx, RespondCommand{Actor: admin, OrderID: "O1", Decision: "maybe"}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestAcceptKeepsOrderStatus(t *testing.T) {
	f := newFixture(t)
	a := f.assignAndAccept(t, "O1", "D1")
	if a.Status != models.AssignmentAccepted || a.AcceptedAt == nil {
		t.Fatalf("assignment after accept: %+v", a)
	}
	if o := f.order(t, "O1"); o.Status != models.OrderDriverAssigned {
		t.Fatalf("accept changed order status to %s", o.Status)
	}
}

func TestDeliveredCreditsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	a := f.assignAndAccept(t, "O1", "D1")
	d1 := driverActor("D1")
	f.advance(t, d1, "O1", models.OrderPickedUp, models.OrderOutForDelivery, models.OrderDelivered)

	d := f.driver(t, "D1")
	if d.TotalDeliveries != 1 || d.TotalEarnings != 4.5 {
		t.Fatalf("totals after delivery: %d / %f", d.TotalDeliveries, d.TotalEarnings)
	}
	got, _ := f.store.GetAssignment(context.Background(), a.ID)
	if got.Status != models.AssignmentCompleted || got.CompletedAt == nil {
		t.Fatalf("assignment not completed: %+v", got)
	}
	o := f.order(t, "O1")
	if o.DeliveredAt == nil || o.PickedUpAt == nil || o.OutForDeliveryAt == nil {
		t.Fatalf("status timestamps missing: %+v", o)
	}

	// repeat
	f.advance(t, d1, "O1", models.OrderDelivered)
	d = f.driver(t, "D1")
	if d.TotalDeliveries != 1 || d.TotalEarnings != 4.5 {
		t.Fatalf("repeated delivered double counted: %d / %f", d.TotalDeliveries, d.TotalEarnings)
	}
	if _, err := f.svc.AdvanceOrderStatus(context.Background(), AdvanceCommand{Actor: d1, OrderID: "O1", Status: models.OrderCancelled}); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("terminal order left its state: %v", err)
	}
}

func TestConcurrentDeliveriesForSameDriver(t *testing.T) {
	f := newFixture(t)
	orders := []string{"O1", "O2", "O3"}
	for _, id := range orders {
		f.assignAndAccept(t, id, "D1")
		f.advance(t, driverActor("D1"), id, models.OrderPickedUp)
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, len(orders)*2)
	for _, id := range orders {
		for i := 0; i < 2; i++ { // each order delivered twice concurrently
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				<-start
				_, err := f.svc.AdvanceOrderStatus(context.Background(), AdvanceCommand{Actor: driverActor("D1"), OrderID: id, Status: models.OrderDelivered})
				errs <- err
			}(id)
		}
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	d := f.driver(t, "D1")
	if d.TotalDeliveries != 3 || d.TotalEarnings != 13.5 {
		t.Fatalf("totals = %d / %f, want 3 / 13.5", d.TotalDeliveries, d.TotalEarnings)
	}
}

func TestPickupRequiresAcceptedAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.AssignDriver(ctx, AssignCommand{Actor: vendor1, OrderID: "O1", DriverID: "D1"}); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.AdvanceOrderStatus(ctx, AdvanceCommand{Actor: driverActor("D1"), OrderID: "O1", Status: models.OrderPickedUp})
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	_, err = f.svc.AdvanceOrderStatus(ctx, AdvanceCommand{Actor: driverActor("D2"), OrderID: "O1", Status: models.OrderPickedUp})
	if !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("unassigned driver advanced order: %v", err)
	}
	_, err = f.svc.AdvanceOrderStatus(ctx, AdvanceCommand{Actor: admin, OrderID: "O1", Status: models.OrderDriverAssigned})
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("driver_assigned must only be reached by assignment: %v", err)
	}
	_, err = f.svc.AdvanceOrderStatus(ctx, AdvanceCommand{Actor: admin, OrderID: "O1", Status: models.OrderAccepted})
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("accepted must only be reached from pending or by decline: %v", err)
	}
}

func TestCancelDeclinesPendingAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.svc.AssignDriver(ctx, AssignCommand{Actor: vendor1, OrderID: "O1", DriverID: "D1"})
	if err != nil {
		t.Fatal(err)
	}
	f.advance(t, vendor1, "O1", models.OrderCancelled)
	got, _ := f.store.GetAssignment(ctx, a.ID)
	if got.Status != models.AssignmentDeclined || got.DeclineReason != ReasonOrderCancelled {
		t.Fatalf("assignment after cancel: %+v", got)
	}
	o := f.order(t, "O1")
	if o.Status != models.OrderCancelled || o.CancelledAt == nil {
		t.Fatalf("order after cancel: %+v", o)
	}
	if _, err := f.svc.AssignDriver(ctx, AssignCommand{Actor: vendor1, OrderID: "O1", DriverID: "D2"}); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("assigning a cancelled order should fail, got %v", err)
	}
	if d := f.driver(t, "D1"); d.TotalDeliveries != 0 {
		t.Fatal("cancel credited driver")
	}
}

func TestPendingOrderFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.CreateOrder(ctx, models.Order{ID: "P", VendorID: "V1", Status: models.OrderPending}); err != nil {
		t.Fatal(err)
	}
	f.advance(t, vendor1, "P", models.OrderAccepted)
	o := f.order(t, "P")
	if o.Status != models.OrderAccepted || o.AcceptedAt == nil {
		t.Fatalf("order after vendor accept: %+v", o)
	}
}

func TestCustomerLocationBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loc := models.CustomerLocation{Coord: models.Coord{Lat: 12.95, Lon: 77.65}, Accuracy: 10}
	o, err := f.svc.UpdateCustomerLocation(ctx, CustomerLocationCommand{TrackingToken: "tok-1", Location: loc})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if o.Customer == nil || o.Customer.Lat != 12.95 {
		t.Fatalf("customer location not returned: %+v", o.Customer)
	}
	if stored := f.order(t, "O1"); stored.Customer == nil || stored.Customer.Lon != 77.65 {
		t.Fatalf("customer location not stored: %+v", stored.Customer)
	}
	if env := f.watcher.last(); env.Type != hub.TypeCustomerLocation {
		t.Fatalf("order room got %+v", env)
	}
	if _, err := f.svc.UpdateCustomerLocation(ctx, CustomerLocationCommand{TrackingToken: "nope", Location: loc}); !errors.Is(err, models.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	bad := models.CustomerLocation{Coord: models.Coord{Lat: 100}}
	if _, err := f.svc.UpdateCustomerLocation(ctx, CustomerLocationCommand{TrackingToken: "tok-1", Location: bad}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
