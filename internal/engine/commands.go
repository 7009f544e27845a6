package engine

import (
	"context"
	"errors"
	"fmt"

	"perpcore/internal/domain"
	"perpcore/internal/settlement"
)

// gatewayErr maps gateway failures into the domain taxonomy.
func gatewayErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrSettlementFailed, op, err)
}

// NewAddress returns a fresh receiving address from the gateway.
func (e *Engine) NewAddress(ctx context.Context) (string, error) {
	addr, err := e.commands.NewAddress(ctx)
	if err != nil {
		return "", gatewayErr(settlement.OpNewAddress, err)
	}
	return addr, nil
}

// OpenChannel opens a payment channel outside of any order and publishes
// the resulting ChannelEvent.
func (e *Engine) OpenChannel(ctx context.Context, req settlement.ChannelRequest) (*settlement.Channel, error) {
	if req.CapacitySats <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive, got %d", domain.ErrValidation, req.CapacitySats)
	}
	if req.PushSats < 0 || req.PushSats > req.CapacitySats {
		return nil, fmt.Errorf("%w: push amount %d outside [0, capacity]", domain.ErrValidation, req.PushSats)
	}

	ch, err := e.commands.OpenChannel(ctx, req)
	if err != nil {
		e.hub.Publish(domain.ChannelEvent{State: domain.ChannelFailed, CapacitySats: req.CapacitySats})
		return nil, gatewayErr(settlement.OpOpenChannel, err)
	}
	e.log.Info("channel opened", "channel", ch.ID, "capacitySats", ch.CapacitySats)
	e.hub.Publish(domain.ChannelEvent{ChannelID: ch.ID, State: domain.ChannelOpen, CapacitySats: ch.CapacitySats})
	return ch, nil
}

// CreateInvoice creates a payment request through the gateway.
func (e *Engine) CreateInvoice(ctx context.Context, req settlement.InvoiceRequest) (*settlement.Invoice, error) {
	if req.AmountSats < 0 {
		return nil, fmt.Errorf("%w: amount must not be negative, got %d", domain.ErrValidation, req.AmountSats)
	}
	inv, err := e.commands.CreateInvoice(ctx, req)
	if err != nil {
		return nil, gatewayErr(settlement.OpCreateInvoice, err)
	}
	return inv, nil
}

// SendPayment pays an encoded payment request through the gateway.
func (e *Engine) SendPayment(ctx context.Context, paymentRequest string) (*settlement.Payment, error) {
	if paymentRequest == "" {
		return nil, fmt.Errorf("%w: payment request is required", domain.ErrValidation)
	}
	p, err := e.commands.SendPayment(ctx, paymentRequest)
	if err != nil {
		return nil, gatewayErr(settlement.OpSendPayment, err)
	}
	e.log.Info("payment sent", "hash", p.PaymentHash, "amountSats", p.AmountSats)
	return p, nil
}
