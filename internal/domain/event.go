package domain

// EventType tags the variants of Event.
type EventType string

const (
	EventOrderUpdated     EventType = "order_updated"
	EventPriceUpdated     EventType = "price_updated"
	EventChannel          EventType = "channel"
	EventSettlementFailed EventType = "settlement_failed"
)

// Event is a notification delivered to subscribers. The concrete types are
// OrderUpdated, PriceUpdated, ChannelEvent and SettlementFailed.
type Event interface {
	Type() EventType
}

// OrderUpdated carries a copy of an order after a change.
type OrderUpdated struct {
	Order Order `json:"order"`
}

// PriceUpdated carries the latest quote for a contract.
type PriceUpdated struct {
	Price Price `json:"price"`
}

// ChannelState is the lifecycle state reported in a ChannelEvent.
type ChannelState string

const (
	ChannelOpening ChannelState = "opening"
	ChannelOpen    ChannelState = "open"
	ChannelFailed  ChannelState = "failed"
)

// ChannelEvent reports a payment channel change triggered by settlement or by
// an explicit open_channel command.
type ChannelEvent struct {
	ChannelID    string       `json:"channel_id"`
	OrderID      string       `json:"order_id,omitempty"`
	State        ChannelState `json:"state"`
	CapacitySats int64        `json:"capacity_sats"`
}

// SettlementFailed is emitted once the settlement retries for an order are
// exhausted. The order is left with SettlementPending set.
type SettlementFailed struct {
	Order    Order  `json:"order"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

func (OrderUpdated) Type() EventType     { return EventOrderUpdated }
func (PriceUpdated) Type() EventType     { return EventPriceUpdated }
func (ChannelEvent) Type() EventType     { return EventChannel }
func (SettlementFailed) Type() EventType { return EventSettlementFailed }
