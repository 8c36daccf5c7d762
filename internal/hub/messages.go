package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Message types pushed to subscribers.
const (
	TypeConnected        = "connected"
	TypeInitialState     = "initial_state"
	TypeDriverLocation   = "driver_location"
	TypeOrderStatus      = "order_status"
	TypeCustomerLocation = "customer_location"
	TypeAssignmentOffer  = "assignment_offer"
	TypeError            = "error"
)

// Envelope is one outbound frame. On the wire the payload's fields sit next to
// "type" rather than under a nested key, so Data must encode to a JSON object.
type Envelope struct {
	Type string
	Data any
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	typ, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if e.Data != nil {
		body, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		body = bytes.TrimSpace(body)
		if len(body) < 2 || body[0] != '{' {
			return nil, fmt.Errorf("hub: %s payload is not a JSON object", e.Type)
		}
		if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
			buf.WriteByte(',')
			buf.Write(inner)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DriverLocation is the payload fanned out to vendor rooms.
type DriverLocation struct {
	DriverID  string    `json:"driver_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderLocation is what an order room sees. ETAMinutes is null when no
// estimate could be made in time.
type OrderLocation struct {
	DriverLocation
	OrderID    string `json:"order_id"`
	ETAMinutes *int   `json:"eta_minutes"`
}

type OrderStatus struct {
	OrderID          string    `json:"order_id"`
	Status           string    `json:"status"`
	DriverID         string    `json:"driver_id,omitempty"`
	AssignmentID     string    `json:"assignment_id,omitempty"`
	AssignmentStatus string    `json:"assignment_status,omitempty"`
	At               time.Time `json:"at"`
}

type CustomerLocation struct {
	OrderID   string    `json:"order_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AssignmentOffer struct {
	AssignmentID    string  `json:"assignment_id"`
	OrderID         string  `json:"order_id"`
	OrderNumber     string  `json:"order_number,omitempty"`
	PickupLat       float64 `json:"pickup_latitude"`
	PickupLon       float64 `json:"pickup_longitude"`
	DeliveryLat     float64 `json:"delivery_latitude"`
	DeliveryLon     float64 `json:"delivery_longitude"`
	DeliveryAddress string  `json:"delivery_address,omitempty"`
	DeliveryFee     float64 `json:"delivery_fee"`
}

func Msg(typ string, data any) Envelope { return Envelope{Type: typ, Data: data} }

func ErrorMsg(msg string) Envelope {
	return Envelope{Type: TypeError, Data: map[string]string{"message": msg}}
}
