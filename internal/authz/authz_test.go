package authz

import (
	"errors"
	"testing"

	"github.com/example/dispatch-tracking/internal/models"
)

func TestCheck(t *testing.T) {
	admin := Actor{SubjectID: "u0", Role: RoleAdmin, Active: true}
	owner := Actor{SubjectID: "u1", Role: RoleVendor, VendorID: "v1", Active: true}
	otherVendor := Actor{SubjectID: "u2", Role: RoleVendor, VendorID: "v2", Active: true}
	driver := Actor{SubjectID: "u3", Role: RoleDriver, DriverID: "d1", Active: true}
	otherDriver := Actor{SubjectID: "u4", Role: RoleDriver, DriverID: "d2", Active: true}
	customer := Actor{SubjectID: "u5", Role: RoleCustomer, Active: true}
	inactiveAdmin := Actor{SubjectID: "u6", Role: RoleAdmin}

	order := ForOrder(models.Order{VendorID: "v1", DriverID: models.StrPtr("d1")})

	cases := []struct {
		name   string
		actor  Actor
		action Action
		res    Resource
		allow  bool
	}{
		{"admin assigns", admin, ActionAssign, order, true},
		{"owner assigns", owner, ActionAssign, order, true},
		{"other vendor assigns", otherVendor, ActionAssign, order, false},
		{"driver assigns", driver, ActionAssign, order, false},
		{"assigned driver responds", driver, ActionRespond, order, true},
		{"other driver responds", otherDriver, ActionRespond, order, false},
		{"owner responds", owner, ActionRespond, order, true},
		{"customer responds", customer, ActionRespond, order, false},
		{"assigned driver advances", driver, ActionAdvance, order, true},
		{"other driver advances", otherDriver, ActionAdvance, order, false},
		{"owner tracks vendor", owner, ActionTrackVendor, Resource{VendorID: "v1"}, true},
		{"other vendor tracks", otherVendor, ActionTrackVendor, Resource{VendorID: "v1"}, false},
		{"driver publishes self", driver, ActionPublishLocation, Resource{DriverID: "d1"}, true},
		{"driver publishes other", driver, ActionPublishLocation, Resource{DriverID: "d2"}, false},
		{"admin cannot publish location", admin, ActionPublishLocation, Resource{DriverID: "d1"}, false},
		{"driver optimizes", driver, ActionOptimize, Resource{}, true},
		{"customer optimizes", customer, ActionOptimize, Resource{}, false},
		{"driver views self", driver, ActionViewDriver, ForDriver(models.Driver{ID: "d1", VendorID: "v1"}), true},
		{"owner views driver", owner, ActionViewDriver, ForDriver(models.Driver{ID: "d1", VendorID: "v1"}), true},
		{"other vendor views driver", otherVendor, ActionViewDriver, ForDriver(models.Driver{ID: "d1", VendorID: "v1"}), false},
		{"other driver views driver", otherDriver, ActionViewDriver, ForDriver(models.Driver{ID: "d1", VendorID: "v1"}), false},
		{"driver registers own device", driver, ActionRegisterDevice, Resource{DriverID: "d1"}, true},
		{"owner registers device", owner, ActionRegisterDevice, Resource{VendorID: "v1", DriverID: "d1"}, false},
		{"inactive admin", inactiveAdmin, ActionAssign, order, false},
		{"unknown action", admin, Action("nuke"), order, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Check(tc.actor, tc.action, tc.res)
			if tc.allow && err != nil {
				t.Fatalf("expected allow, got %v", err)
			}
			if !tc.allow && !errors.Is(err, models.ErrForbidden) {
				t.Fatalf("expected ErrForbidden, got %v", err)
			}
		})
	}
}

func TestUnassignedOrderHasNoDriverSelf(t *testing.T) {
	res := ForOrder(models.Order{VendorID: "v1"})
	d := Actor{Role: RoleDriver, DriverID: "", Active: true}
	if err := Check(d, ActionRespond, res); err == nil {
		t.Fatal("driver without id matched an unassigned order")
	}
}
