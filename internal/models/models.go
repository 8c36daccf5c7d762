package models

import (
	"fmt"
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies on the globe.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Sample is one position report sent by a driver device.
type Sample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

func (s Sample) Coord() Coord { return Coord{Lat: s.Latitude, Lon: s.Longitude} }

// Validate rejects samples that cannot describe a point on earth.
func (s Sample) Validate() error {
	if !s.Coord().Valid() {
		return ErrInvalidSample
	}
	return nil
}

// SampleFrame is the wire form of a Sample. Coordinates are pointers so that a
// frame without them is rejected instead of read as (0,0).
type SampleFrame struct {
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

func (f SampleFrame) Sample() (Sample, error) {
	if f.Latitude == nil || f.Longitude == nil {
		return Sample{}, fmt.Errorf("%w: latitude and longitude are required", ErrInvalidSample)
	}
	s := Sample{
		Latitude:  *f.Latitude,
		Longitude: *f.Longitude,
		Speed:     f.Speed,
		Heading:   f.Heading,
		Accuracy:  f.Accuracy,
		Timestamp: f.Timestamp,
	}
	return s, s.Validate()
}

// Position is the mutable "current position" snapshot of a driver.
type Position struct {
	Coord
	Speed      float64   `json:"speed"`
	Heading    float64   `json:"heading"`
	Accuracy   float64   `json:"accuracy"`
	CapturedAt time.Time `json:"captured_at"`
}

// LocationEvent is an append-only record of an accepted sample.
type LocationEvent struct {
	ID        string    `json:"id"`
	DriverID  string    `json:"driver_id"`
	OrderID   string    `json:"order_id,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

type DriverStatus string

const (
	DriverOffline   DriverStatus = "offline"
	DriverAvailable DriverStatus = "available"
	DriverBusy      DriverStatus = "busy"
	DriverOnBreak   DriverStatus = "on_break"
)

type Driver struct {
	ID              string       `json:"id"`
	UserID          string       `json:"user_id"`
	VendorID        string       `json:"vendor_id"`
	FullName        string       `json:"full_name"`
	Status          DriverStatus `json:"status"`
	Position        *Position    `json:"position,omitempty"`
	TotalDeliveries int          `json:"total_deliveries"`
	TotalEarnings   float64      `json:"total_earnings"`
	PushToken       string       `json:"-"`
	Active          bool         `json:"is_active"`
	CreatedAt       time.Time    `json:"created_at"`
}

// CustomerLocation is the live position shared by the customer while tracking.
type CustomerLocation struct {
	Coord
	Accuracy  float64   `json:"accuracy,omitempty"`
	Heading   float64   `json:"heading,omitempty"`
	Speed     float64   `json:"speed,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Order struct {
	ID               string            `json:"id"`
	OrderNumber      string            `json:"order_number"`
	VendorID         string            `json:"vendor_id"`
	TrackingToken    string            `json:"-"`
	Status           OrderStatus       `json:"status"`
	DriverID         *string           `json:"driver_id"`
	AssignmentID     *string           `json:"assignment_id"`
	Pickup           Coord             `json:"pickup"`
	Delivery         Coord             `json:"delivery"`
	DeliveryAddress  string            `json:"delivery_address"`
	DeliveryFee      float64           `json:"delivery_fee"`
	Customer         *CustomerLocation `json:"customer_location,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	AcceptedAt       *time.Time        `json:"accepted_at,omitempty"`
	PickedUpAt       *time.Time        `json:"picked_up_at,omitempty"`
	OutForDeliveryAt *time.Time        `json:"out_for_delivery_at,omitempty"`
	DeliveredAt      *time.Time        `json:"delivered_at,omitempty"`
	CancelledAt      *time.Time        `json:"cancelled_at,omitempty"`
}

// Stamp records the transition time for statuses that carry one.
func (o *Order) Stamp(s OrderStatus, at time.Time) {
	t := at
	switch s {
	case OrderAccepted:
		if o.AcceptedAt == nil {
			o.AcceptedAt = &t
		}
	case OrderPickedUp:
		o.PickedUpAt = &t
	case OrderOutForDelivery:
		o.OutForDeliveryAt = &t
	case OrderDelivered:
		o.DeliveredAt = &t
	case OrderCancelled:
		o.CancelledAt = &t
	}
	o.UpdatedAt = at
}

type Assignment struct {
	ID            string           `json:"id"`
	OrderID       string           `json:"order_id"`
	DriverID      string           `json:"driver_id"`
	VendorID      string           `json:"vendor_id"`
	Status        AssignmentStatus `json:"status"`
	AssignedAt    time.Time        `json:"assigned_at"`
	AcceptedAt    *time.Time       `json:"accepted_at,omitempty"`
	DeclinedAt    *time.Time       `json:"declined_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	DeclineReason string           `json:"decline_reason,omitempty"`
}

// StrPtr returns a pointer to a copy of s.
func StrPtr(s string) *string { return &s }

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
