// Package settlement defines the Gateway interface to the external payment
// and channel network, and provides a simulator, an LND REST adapter and a
// retrying wrapper.
package settlement

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable reports that the payment network could not be reached or
// refused the request.
var ErrUnavailable = errors.New("settlement gateway unavailable")

// DefaultInvoiceExpiry is used when an InvoiceRequest carries no expiry.
const DefaultInvoiceExpiry = 180 * time.Second

// Gateway abstracts the payment/channel subsystem. It owns no order data;
// every call is a fallible remote operation.
type Gateway interface {
	// Name returns the gateway identifier (e.g. "lnd", "simulator").
	Name() string

	// NewAddress returns a fresh on-chain receiving address.
	NewAddress(ctx context.Context) (string, error)

	// OpenChannel opens a payment channel funded with the requested
	// capacity.
	OpenChannel(ctx context.Context, req ChannelRequest) (*Channel, error)

	// CreateInvoice creates a payment request for the given amount.
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error)

	// SendPayment pays an encoded payment request.
	SendPayment(ctx context.Context, paymentRequest string) (*Payment, error)
}

// ChannelRequest describes a channel to open.
type ChannelRequest struct {
	PeerPubkey   string `json:"peer_pubkey,omitempty"`
	CapacitySats int64  `json:"capacity_sats"`
	PushSats     int64  `json:"push_sats,omitempty"`
	Memo         string `json:"memo,omitempty"`
}

// Channel is an opened (or opening) payment channel.
type Channel struct {
	ID           string    `json:"channel_id"`
	PeerPubkey   string    `json:"peer_pubkey,omitempty"`
	CapacitySats int64     `json:"capacity_sats"`
	OpenedAt     time.Time `json:"opened_at"`
}

// InvoiceRequest describes an invoice to create.
type InvoiceRequest struct {
	AmountSats int64         `json:"amount_sats"`
	Memo       string        `json:"memo,omitempty"`
	Expiry     time.Duration `json:"expiry,omitempty"`
}

// Invoice is an encoded payment request.
type Invoice struct {
	PaymentHash    string    `json:"payment_hash"`
	PaymentRequest string    `json:"payment_request"`
	AmountSats     int64     `json:"amount_sats"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Payment is the result of paying an invoice.
type Payment struct {
	PaymentHash string `json:"payment_hash"`
	Preimage    string `json:"preimage,omitempty"`
	AmountSats  int64  `json:"amount_sats,omitempty"`
}
