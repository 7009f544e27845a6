package domain

// OrderStatus is a state of the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusSettled  OrderStatus = "settled"
	OrderStatusRejected OrderStatus = "rejected"
	OrderStatusClosed   OrderStatus = "closed"
)

// validTransitions lists the statuses reachable from each status.
var validTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusFilled, OrderStatusRejected},
	OrderStatusFilled:  {OrderStatusSettled, OrderStatusClosed},
	OrderStatusSettled: {OrderStatusClosed},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusRejected || s == OrderStatusClosed
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusFilled, OrderStatusSettled,
		OrderStatusRejected, OrderStatusClosed:
		return true
	}
	return false
}
