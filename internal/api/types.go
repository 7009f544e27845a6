package api

import (
	"time"

	"perpcore/internal/domain"
)

// OrderRequest is the body of POST /api/v1/orders. ContractSymbol accepts
// "BTCUSD" or "BTC/USD".
type OrderRequest struct {
	ContractSymbol string           `json:"contract_symbol"`
	Direction      domain.Direction `json:"direction"`
	Quantity       float64          `json:"quantity"`
	Leverage       float64          `json:"leverage"`
	OrderType      domain.OrderType `json:"order_type"`
	Expiry         time.Time        `json:"expiry,omitzero"`
}

// NewOrder converts the request into the engine's input shape.
func (r OrderRequest) NewOrder() (domain.NewOrder, error) {
	sym, err := domain.ParseContractSymbol(r.ContractSymbol)
	if err != nil {
		return domain.NewOrder{}, err
	}
	return domain.NewOrder{
		Symbol:    sym,
		Direction: r.Direction,
		Quantity:  r.Quantity,
		Leverage:  r.Leverage,
		Type:      r.OrderType,
		Expiry:    r.Expiry,
	}, nil
}

// PriceRequest is the body of POST /api/v1/prices, a manually injected
// quote.
type PriceRequest struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// MarginResponse is returned by GET /api/v1/calc/margin.
type MarginResponse struct {
	Margin float64 `json:"margin"`
}

// QuantityResponse is returned by GET /api/v1/calc/quantity.
type QuantityResponse struct {
	Quantity float64 `json:"quantity"`
}

// LiquidationResponse is returned by GET /api/v1/calc/liquidation-price.
type LiquidationResponse struct {
	LiquidationPrice float64 `json:"liquidation_price"`
}

// AddressResponse is returned by POST /api/v1/wallet/address.
type AddressResponse struct {
	Address string `json:"address"`
}

// InvoiceRequest is the body of POST /api/v1/invoices.
type InvoiceRequest struct {
	AmountSats    int64  `json:"amount_sats"`
	Memo          string `json:"memo,omitempty"`
	ExpirySeconds int64  `json:"expiry_seconds,omitempty"`
}

// PaymentRequest is the body of POST /api/v1/payments.
type PaymentRequest struct {
	PaymentRequest string `json:"payment_request"`
}

// IDRequest addresses a single order over gRPC.
type IDRequest struct {
	ID string `json:"id"`
}

// ListOrdersRequest filters GetOrders over gRPC.
type ListOrdersRequest struct {
	Status domain.OrderStatus `json:"status,omitempty"`
}

// OrdersResponse wraps an order list for gRPC, whose payloads must be
// objects.
type OrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

// PositionsResponse wraps a position list for gRPC.
type PositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status      string `json:"status"`
	Subscribers int    `json:"subscribers"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
