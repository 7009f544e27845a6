// Package domain defines the core types shared across perpcore: orders,
// instruments, quotes, derived positions and the events published to
// subscribers.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Instruments
// ---------------------------------------------------------------------------

// ContractSymbol identifies a tradable perpetual contract.
type ContractSymbol string

const (
	ContractBTCUSD ContractSymbol = "BTCUSD"
)

// ContractSpec holds the per-instrument trading bounds.
type ContractSpec struct {
	Symbol      ContractSymbol
	MaxLeverage float64
	TickSize    float64
	MinQuantity float64
	MaxQuantity float64 // 0 means unbounded
}

var contracts = map[ContractSymbol]ContractSpec{
	ContractBTCUSD: {
		Symbol:      ContractBTCUSD,
		MaxLeverage: 100,
		TickSize:    0.5,
		MaxQuantity: 1000,
	},
}

// LookupContract returns the spec for sym.
func LookupContract(sym ContractSymbol) (ContractSpec, bool) {
	spec, ok := contracts[sym]
	return spec, ok
}

// Contracts returns the specs of all known instruments.
func Contracts() []ContractSpec {
	out := make([]ContractSpec, 0, len(contracts))
	for _, c := range contracts {
		out = append(out, c)
	}
	return out
}

// ParseContractSymbol accepts "BTCUSD", "btcusd" and "BTC/USD".
func ParseContractSymbol(s string) (ContractSymbol, error) {
	sym := ContractSymbol(strings.ToUpper(strings.ReplaceAll(s, "/", "")))
	if _, ok := contracts[sym]; !ok {
		return "", fmt.Errorf("%w: unknown contract symbol %q", ErrValidation, s)
	}
	return sym, nil
}

// Direction is the side of a leveraged position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Valid reports whether d is Long or Short.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderKind discriminates the OrderType variants.
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
)

// OrderType is Market or Limit{Price}. Price is only meaningful for Limit.
type OrderType struct {
	Kind  OrderKind `json:"kind"`
	Price float64   `json:"price,omitempty"`
}

// Market returns the market order type.
func Market() OrderType { return OrderType{Kind: OrderKindMarket} }

// Limit returns a limit order type at price.
func Limit(price float64) OrderType { return OrderType{Kind: OrderKindLimit, Price: price} }

func (t OrderType) String() string {
	if t.Kind == OrderKindLimit {
		return fmt.Sprintf("limit@%g", t.Price)
	}
	return string(t.Kind)
}

// NewOrder is the caller-supplied shape of an order before it is accepted.
type NewOrder struct {
	Symbol    ContractSymbol `json:"contract_symbol"`
	Direction Direction      `json:"direction"`
	Quantity  float64        `json:"quantity"`
	Leverage  float64        `json:"leverage"`
	Type      OrderType      `json:"order_type"`
	Expiry    time.Time      `json:"expiry,omitzero"`
}

// Reason explains why an order was rejected or closed.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonTimeout               Reason = "timeout"
	ReasonInsufficientLiquidity Reason = "insufficient_liquidity"
	ReasonInsufficientMargin    Reason = "insufficient_margin"
	ReasonCancelled             Reason = "cancelled"
	ReasonExpired               Reason = "expired"
	ReasonManual                Reason = "manual"
	ReasonLiquidated            Reason = "liquidated"
)

// SettlementKind identifies which settlement an order is waiting on.
type SettlementKind string

const (
	SettlementNone  SettlementKind = ""
	SettlementOpen  SettlementKind = "open"
	SettlementClose SettlementKind = "close"
)

// Order is the canonical record of an accepted order and, once filled, of
// the position it opened.
type Order struct {
	ID        string         `json:"id"`
	Symbol    ContractSymbol `json:"contract_symbol"`
	Direction Direction      `json:"direction"`
	Quantity  float64        `json:"quantity"`
	Leverage  float64        `json:"leverage"`
	Type      OrderType      `json:"order_type"`
	Status    OrderStatus    `json:"status"`
	Reason    Reason         `json:"reason,omitempty"`
	Expiry    time.Time      `json:"expiry,omitzero"`

	FillPrice  float64 `json:"fill_price,omitempty"`
	Fee        float64 `json:"fee,omitempty"`
	ClosePrice float64 `json:"close_price,omitempty"`
	Payout     float64 `json:"payout,omitempty"`

	SettlementPending  bool           `json:"settlement_pending"`
	SettlementKind     SettlementKind `json:"settlement_kind,omitempty"`
	SettlementAttempts int            `json:"settlement_attempts,omitempty"`
	ChannelID          string         `json:"channel_id,omitempty"`
	Invoice            string         `json:"invoice,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsOpenPosition reports whether the order currently represents a live
// position.
func (o *Order) IsOpenPosition() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusSettled
}

// ---------------------------------------------------------------------------
// Market data and positions
// ---------------------------------------------------------------------------

// Price is a top-of-book quote for a contract.
type Price struct {
	Symbol ContractSymbol `json:"symbol"`
	Bid    float64        `json:"bid"`
	Ask    float64        `json:"ask"`
	Time   time.Time      `json:"time"`
}

// Mid returns the midpoint of bid and ask.
func (p Price) Mid() float64 { return (p.Bid + p.Ask) / 2 }

// Position is derived on demand from a Filled or Settled order and the latest
// quote. It is never stored.
type Position struct {
	Order            Order   `json:"order"`
	MarkPrice        float64 `json:"mark_price"`
	Margin           float64 `json:"margin"`
	LiquidationPrice float64 `json:"liquidation_price"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
}
