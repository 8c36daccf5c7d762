package models

type OrderStatus string

const (
	OrderPending        OrderStatus = "pending"
	OrderAccepted       OrderStatus = "accepted"
	OrderDriverAssigned OrderStatus = "driver_assigned"
	OrderPickedUp       OrderStatus = "picked_up"
	OrderOutForDelivery OrderStatus = "out_for_delivery"
	OrderDelivered      OrderStatus = "delivered"
	OrderCancelled      OrderStatus = "cancelled"
)

// AllowedTransitions is the order lifecycle as code. Terminal states have no entry.
// driver_assigned is only entered through assignment, and the edge back to accepted
// only through a declined assignment.
var AllowedTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:        {OrderAccepted, OrderDriverAssigned, OrderCancelled},
	OrderAccepted:       {OrderDriverAssigned, OrderCancelled},
	OrderDriverAssigned: {OrderPickedUp, OrderAccepted, OrderCancelled},
	OrderPickedUp:       {OrderOutForDelivery, OrderDelivered, OrderCancelled},
	OrderOutForDelivery: {OrderDelivered, OrderCancelled},
}

func CanTransition(from, to OrderStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderAccepted, OrderDriverAssigned, OrderPickedUp,
		OrderOutForDelivery, OrderDelivered, OrderCancelled:
		return true
	}
	return false
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderDelivered || s == OrderCancelled
}

// InTransit reports whether a driver is working the order, i.e. whether the
// driver's position should be streamed into the order room.
func (s OrderStatus) InTransit() bool {
	return s == OrderDriverAssigned || s == OrderPickedUp || s == OrderOutForDelivery
}

// InTransitStatuses lists the statuses matched by InTransit, for store queries.
var InTransitStatuses = []OrderStatus{OrderDriverAssigned, OrderPickedUp, OrderOutForDelivery}

type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentAccepted  AssignmentStatus = "accepted"
	AssignmentDeclined  AssignmentStatus = "declined"
	AssignmentCompleted AssignmentStatus = "completed"
)

// IsActive reports whether the assignment still binds its driver to the order.
func (s AssignmentStatus) IsActive() bool {
	return s == AssignmentPending || s == AssignmentAccepted
}

type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)
