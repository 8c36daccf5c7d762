// Package authz holds the single capability table deciding which actor may do
// what to which resource.
package authz

import (
	"fmt"

	"github.com/example/dispatch-tracking/internal/models"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleVendor   Role = "vendor"
	RoleDriver   Role = "driver"
	RoleCustomer Role = "customer"
)

// Actor is the resolved identity behind a request or connection.
type Actor struct {
	SubjectID string `json:"sub"`
	Role      Role   `json:"role"`
	DriverID  string `json:"driver_id,omitempty"`
	VendorID  string `json:"vendor_id,omitempty"`
	Active    bool   `json:"active"`
}

type Action string

const (
	ActionAssign          Action = "assign"
	ActionRespond         Action = "respond"
	ActionAdvance         Action = "advance"
	ActionTrackVendor     Action = "track_vendor"
	ActionPublishLocation Action = "publish_location"
	ActionOptimize        Action = "optimize"
	ActionViewCandidates  Action = "view_candidates"
	ActionViewDriver      Action = "view_driver"
	ActionRegisterDevice  Action = "register_device"
)

// Resource carries the ownership facts a rule needs. Only the fields relevant
// to the action have to be set.
type Resource struct {
	VendorID string
	DriverID string // assigned or target driver
}

// ForDriver describes a driver and the vendor it works for.
func ForDriver(d models.Driver) Resource {
	return Resource{VendorID: d.VendorID, DriverID: d.ID}
}

// ForOrder describes an order and its currently assigned driver.
func ForOrder(o models.Order) Resource {
	return Resource{VendorID: o.VendorID, DriverID: models.Deref(o.DriverID)}
}

type rule func(a Actor, r Resource) bool

func isAdmin(a Actor, _ Resource) bool       { return a.Role == RoleAdmin }
func isVendorOwner(a Actor, r Resource) bool { return a.Role == RoleVendor && a.VendorID != "" && a.VendorID == r.VendorID }
func isDriverSelf(a Actor, r Resource) bool  { return a.Role == RoleDriver && a.DriverID != "" && a.DriverID == r.DriverID }
func isAnyDriver(a Actor, _ Resource) bool   { return a.Role == RoleDriver && a.DriverID != "" }
func isAnyVendor(a Actor, _ Resource) bool   { return a.Role == RoleVendor && a.VendorID != "" }

var capabilities = map[Action][]rule{
	ActionAssign:          {isAdmin, isVendorOwner},
	ActionRespond:         {isAdmin, isVendorOwner, isDriverSelf},
	ActionAdvance:         {isAdmin, isVendorOwner, isDriverSelf},
	ActionTrackVendor:     {isAdmin, isVendorOwner},
	ActionPublishLocation: {isDriverSelf},
	ActionOptimize:        {isAdmin, isAnyVendor, isAnyDriver},
	ActionViewCandidates:  {isAdmin, isVendorOwner},
	ActionViewDriver:      {isAdmin, isVendorOwner, isDriverSelf},
	ActionRegisterDevice:  {isDriverSelf},
}

// Check returns nil when actor may perform action on r, models.ErrForbidden otherwise.
// Inactive actors are always refused.
func Check(actor Actor, action Action, r Resource) error {
	if !actor.Active {
		return fmt.Errorf("%w: account inactive", models.ErrForbidden)
	}
	for _, allow := range capabilities[action] {
		if allow(actor, r) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not %s", models.ErrForbidden, actor.Role, action)
}
