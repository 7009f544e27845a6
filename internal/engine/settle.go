package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"perpcore/internal/domain"
	"perpcore/internal/risk"
	"perpcore/internal/settlement"
	"perpcore/internal/util"
)

// errStaleSettlement marks a gateway result that no longer matches the
// order's pending settlement.
var errStaleSettlement = errors.New("settlement no longer pending")

// startSettlement runs the pending settlement of o in the background unless
// one is already running for the order.
func (e *Engine) startSettlement(o domain.Order) {
	e.mu.Lock()
	if e.stopped || e.settling[o.ID] {
		e.mu.Unlock()
		return
	}
	e.settling[o.ID] = true
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.settle(o)
	}()
}

func (e *Engine) clearSettling(id string) {
	e.mu.Lock()
	delete(e.settling, id)
	e.mu.Unlock()
}

func (e *Engine) isSettling(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settling[id]
}

// settle calls the gateway with backoff. Results are applied on the order's
// shard; exhaustion publishes SettlementFailed and leaves the pending flag
// set for a manual retry.
func (e *Engine) settle(o domain.Order) {
	kind := o.SettlementKind
	log := e.log.With("id", o.ID, "kind", kind)

	b := e.cfg.Settlement
	b.RetryIf = nil
	b.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn("settlement attempt failed", "attempt", attempt, "retryIn", delay, "error", err)
	}

	attempts := 0
	err := b.Do(e.ctx, func(attempt int) error {
		attempts = attempt
		err := e.settleOnce(o, attempt)
		result := "ok"
		if err != nil {
			result = "error"
			e.dispatch(o.ID, func() { e.recordAttempt(o.ID, attempt) })
		}
		settlementAttempts.WithLabelValues(string(kind), result).Inc()
		return err
	})
	if err == nil {
		return
	}

	if e.ctx.Err() != nil {
		// Engine stopping; the pending flag is picked up by the next Run.
		e.clearSettling(o.ID)
		return
	}

	log.Error("settlement failed", "attempts", attempts, "error", err)
	settlementFailures.WithLabelValues(string(kind)).Inc()
	if derr := e.disp.dispatch(context.Background(), o.ID, func() { e.failSettlement(o.ID, attempts, err) }); derr != nil {
		e.clearSettling(o.ID)
	}
}

// settleOnce performs one gateway call for the order's pending settlement and
// queues its completion.
func (e *Engine) settleOnce(o domain.Order, attempt int) error {
	ctx := e.ctx
	if e.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(e.ctx, e.cfg.AttemptTimeout)
		defer cancel()
	}

	switch o.SettlementKind {
	case domain.SettlementOpen:
		margin, err := risk.Margin(o.FillPrice, o.Quantity, o.Leverage)
		if err != nil {
			return util.Permanent(err)
		}
		sats, err := risk.ToSats(margin, o.FillPrice)
		if err != nil {
			return util.Permanent(err)
		}
		ch, err := e.gateway.OpenChannel(ctx, settlement.ChannelRequest{
			CapacitySats: sats,
			Memo:         "perpcore collateral " + o.ID,
		})
		if err != nil {
			return err
		}
		e.completeSettlement(o.ID, func() { e.completeOpen(o.ID, ch, attempt) })
		return nil

	case domain.SettlementClose:
		sats, err := risk.ToSats(o.Payout, o.ClosePrice)
		if err != nil {
			return util.Permanent(err)
		}
		inv, err := e.gateway.CreateInvoice(ctx, settlement.InvoiceRequest{
			AmountSats: sats,
			Memo:       "perpcore payout " + o.ID,
		})
		if err != nil {
			return err
		}
		e.completeSettlement(o.ID, func() { e.completeClose(o.ID, inv, attempt) })
		return nil
	}
	return util.Permanent(fmt.Errorf("unknown settlement kind %q", o.SettlementKind))
}

// completeSettlement queues fn on the order's shard. If the engine already
// stopped, the gateway result is lost and the settlement is redone on the
// next Run.
func (e *Engine) completeSettlement(id string, fn func()) {
	if err := e.disp.dispatch(context.Background(), id, fn); err != nil {
		e.log.Warn("settlement result dropped, engine stopped", "id", id)
		e.clearSettling(id)
	}
}

func (e *Engine) recordAttempt(id string, attempt int) {
	_, err := e.orders.Update(e.ctx, id, func(o *domain.Order) error {
		if !o.SettlementPending {
			return errStaleSettlement
		}
		o.SettlementAttempts = attempt
		return nil
	})
	if err != nil && !errors.Is(err, errStaleSettlement) {
		e.log.Error("recording settlement attempt", "id", id, "error", err)
	}
}

// completeOpen moves a Filled order to Settled once its channel is open.
func (e *Engine) completeOpen(id string, ch *settlement.Channel, attempt int) {
	e.clearSettling(id)

	o, err := e.update(id, func(o *domain.Order) error {
		if !o.SettlementPending || o.SettlementKind != domain.SettlementOpen || o.Status != domain.OrderStatusFilled {
			return errStaleSettlement
		}
		o.Status = domain.OrderStatusSettled
		o.SettlementPending = false
		o.SettlementKind = domain.SettlementNone
		o.SettlementAttempts = attempt
		o.ChannelID = ch.ID
		return nil
	})
	if err != nil {
		e.log.Error("completing channel open", "id", id, "channel", ch.ID, "error", err)
		return
	}
	e.log.Info("order settled", "id", id, "channel", ch.ID, "capacitySats", ch.CapacitySats)
	e.hub.Publish(domain.ChannelEvent{
		ChannelID:    ch.ID,
		OrderID:      id,
		State:        domain.ChannelOpen,
		CapacitySats: ch.CapacitySats,
	})

	// Quotes that arrived while the channel was opening were not checked.
	if p, ok := e.LatestPrice(o.Symbol); ok {
		e.checkLiquidation(o.ID, p)
	}
}

// completeClose moves a closing position to Closed once the payout invoice
// exists.
func (e *Engine) completeClose(id string, inv *settlement.Invoice, attempt int) {
	e.clearSettling(id)

	_, err := e.update(id, func(o *domain.Order) error {
		if !o.SettlementPending || o.SettlementKind != domain.SettlementClose {
			return errStaleSettlement
		}
		o.Status = domain.OrderStatusClosed
		o.SettlementPending = false
		o.SettlementKind = domain.SettlementNone
		o.SettlementAttempts = attempt
		o.Invoice = inv.PaymentRequest
		return nil
	})
	if err != nil {
		e.log.Error("completing payout", "id", id, "error", err)
		return
	}
	e.log.Info("position closed", "id", id, "invoice", inv.PaymentRequest, "amountSats", inv.AmountSats)
}

// failSettlement publishes SettlementFailed for an order whose retries are
// exhausted. The order keeps SettlementPending. A failed channel open is
// checked against the latest quote, since quotes seen while it was retried
// were skipped.
func (e *Engine) failSettlement(id string, attempts int, cause error) {
	e.clearSettling(id)

	o, err := e.orders.Update(e.ctx, id, func(o *domain.Order) error {
		if !o.SettlementPending {
			return errStaleSettlement
		}
		o.SettlementAttempts = attempts
		return nil
	})
	if err != nil {
		e.log.Error("recording settlement failure", "id", id, "error", err)
		return
	}
	if o.SettlementKind == domain.SettlementOpen {
		e.hub.Publish(domain.ChannelEvent{OrderID: id, State: domain.ChannelFailed})
	}
	e.hub.Publish(domain.SettlementFailed{Order: *o, Attempts: attempts, Error: cause.Error()})

	if o.SettlementKind == domain.SettlementOpen {
		if p, ok := e.LatestPrice(o.Symbol); ok {
			e.checkLiquidation(id, p)
		}
	}
}
