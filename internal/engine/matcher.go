package engine

import (
	"fmt"

	"perpcore/internal/domain"
	"perpcore/internal/risk"
)

// matchPrice returns the price at which o fills against p, if it does.
// Market orders take the ask (Long) or the bid (Short). A Limit Long fills
// when the ask is at or below the limit; a Limit Short when the bid is at or
// above it.
func matchPrice(o *domain.Order, p domain.Price) (float64, bool) {
	switch o.Type.Kind {
	case domain.OrderKindMarket:
		if o.Direction == domain.DirectionLong {
			return p.Ask, p.Ask > 0
		}
		return p.Bid, p.Bid > 0
	case domain.OrderKindLimit:
		if o.Direction == domain.DirectionLong {
			return p.Ask, p.Ask > 0 && p.Ask <= o.Type.Price
		}
		return p.Bid, p.Bid > 0 && p.Bid >= o.Type.Price
	}
	return 0, false
}

// exitPrice is the side of the book a position closes against.
func exitPrice(dir domain.Direction, p domain.Price) float64 {
	if dir == domain.DirectionLong {
		return p.Bid
	}
	return p.Ask
}

// tryFill evaluates a Pending order against quote, or against the latest
// quote when nil. Must run on the order's shard.
func (e *Engine) tryFill(id string, quote *domain.Price) {
	o, err := e.orders.Get(e.ctx, id)
	if err != nil {
		e.log.Error("loading pending order", "id", id, "error", err)
		return
	}
	if o.Status != domain.OrderStatusPending {
		e.track(*o)
		return
	}

	now := e.now()
	if !o.Expiry.IsZero() && !now.Before(o.Expiry) {
		e.reject(id, domain.ReasonExpired)
		return
	}

	var (
		fillAt float64
		ok     bool
	)
	if quote == nil {
		if p, have := e.LatestPrice(o.Symbol); have {
			quote = &p
		}
	}
	if quote != nil {
		fillAt, ok = matchPrice(o, *quote)
	}
	if !ok {
		if o.Type.Kind == domain.OrderKindMarket && e.cfg.MatchTimeout > 0 &&
			now.Sub(o.CreatedAt) >= e.cfg.MatchTimeout {
			e.reject(id, domain.ReasonTimeout)
		}
		return
	}

	e.fillMu.Lock()
	defer e.fillMu.Unlock()

	used, err := e.usedMargin()
	if err != nil {
		e.log.Error("computing used margin", "id", id, "error", err)
		return
	}
	fee, reason, err := e.risk.CheckFill(o, fillAt, used)
	if err != nil {
		e.log.Error("checking fill", "id", id, "error", err)
		return
	}
	if reason != domain.ReasonNone {
		e.reject(id, reason)
		return
	}

	filled, err := e.update(id, func(o *domain.Order) error {
		if o.Status != domain.OrderStatusPending {
			return fmt.Errorf("%w: order %s is %s", domain.ErrInvalidTransition, id, o.Status)
		}
		o.Status = domain.OrderStatusFilled
		o.FillPrice = fillAt
		o.Fee = fee
		o.SettlementPending = true
		o.SettlementKind = domain.SettlementOpen
		o.SettlementAttempts = 0
		return nil
	})
	if err != nil {
		e.log.Error("filling order", "id", id, "error", err)
		return
	}
	e.log.Info("order filled", "id", id, "price", fillAt, "fee", fee)

	margin, _ := risk.Margin(filled.FillPrice, filled.Quantity, filled.Leverage)
	sats, _ := risk.ToSats(margin, filled.FillPrice)
	e.hub.Publish(domain.ChannelEvent{OrderID: id, State: domain.ChannelOpening, CapacitySats: sats})
	e.startSettlement(*filled)
}

// usedMargin sums the margin locked by open positions.
func (e *Engine) usedMargin() (float64, error) {
	if e.cfg.Collateral <= 0 {
		return 0, nil
	}
	open, err := e.orders.ListByStatus(e.ctx, domain.OrderStatusFilled, domain.OrderStatusSettled)
	if err != nil {
		return 0, err
	}
	var used float64
	for _, o := range open {
		m, err := risk.Margin(o.FillPrice, o.Quantity, o.Leverage)
		if err != nil {
			continue
		}
		used += m
	}
	return used, nil
}

// checkLiquidation closes an open position when p crosses its liquidation
// price. A pending close blocks it. A channel open still being attempted is
// re-checked when it completes or fails; one whose retries ran out is replaced
// by the payout settlement. Must run on the order's shard.
func (e *Engine) checkLiquidation(id string, p domain.Price) {
	o, err := e.orders.Get(e.ctx, id)
	if err != nil {
		e.log.Error("loading position", "id", id, "error", err)
		return
	}
	if !o.IsOpenPosition() {
		e.track(*o)
		return
	}
	if o.SettlementPending && (o.SettlementKind != domain.SettlementOpen || e.isSettling(id)) {
		return
	}
	liq, err := risk.LiquidationPrice(o.FillPrice, o.Leverage, o.Direction)
	if err != nil {
		// Leverage 1 has no liquidation price.
		return
	}

	exit := exitPrice(o.Direction, p)
	if o.Direction == domain.DirectionLong && exit > liq {
		return
	}
	if o.Direction == domain.DirectionShort && exit < liq {
		return
	}

	liquidations.Inc()
	e.log.Warn("position liquidated", "id", id, "direction", o.Direction,
		"entry", o.FillPrice, "liquidationPrice", liq, "quote", exit)
	if o.SettlementPending {
		e.log.Warn("abandoning failed channel open", "id", id, "attempts", o.SettlementAttempts)
	}
	if _, err := e.beginClose(o, exit, domain.ReasonLiquidated); err != nil {
		e.log.Error("closing liquidated position", "id", id, "error", err)
	}
}

// beginClose records the close price, payout and reason on an open position
// and starts the payout settlement. Must run on the order's shard.
func (e *Engine) beginClose(o *domain.Order, exit float64, reason domain.Reason) (*domain.Order, error) {
	closeFee := risk.OrderMatchingFee(exit, o.Quantity, e.risk.FeeRate())
	payout, err := risk.Payout(o.FillPrice, exit, o.Quantity, o.Leverage, closeFee, o.Direction)
	if err != nil {
		return nil, err
	}

	closing, err := e.update(o.ID, func(cur *domain.Order) error {
		if !cur.IsOpenPosition() {
			return fmt.Errorf("%w: order %s is %s", domain.ErrInvalidTransition, cur.ID, cur.Status)
		}
		// Only a liquidation may take over a failed channel open.
		if cur.SettlementPending && (reason != domain.ReasonLiquidated || cur.SettlementKind != domain.SettlementOpen) {
			return fmt.Errorf("%w: order %s", domain.ErrSettlementPending, cur.ID)
		}
		cur.SettlementPending = true
		cur.SettlementKind = domain.SettlementClose
		cur.SettlementAttempts = 0
		cur.ClosePrice = exit
		cur.Payout = payout
		cur.Reason = reason
		cur.Fee += closeFee
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("closing position", "id", o.ID, "reason", reason, "price", exit, "payout", payout)
	e.startSettlement(*closing)
	return closing, nil
}

// position derives the live metrics of an open order.
func (e *Engine) position(o domain.Order) domain.Position {
	pos := domain.Position{Order: o}
	pos.Margin, _ = risk.Margin(o.FillPrice, o.Quantity, o.Leverage)
	pos.LiquidationPrice, _ = risk.LiquidationPrice(o.FillPrice, o.Leverage, o.Direction)
	if p, ok := e.LatestPrice(o.Symbol); ok {
		pos.MarkPrice = p.Mid()
		pos.UnrealizedPnL = risk.PnL(o.FillPrice, pos.MarkPrice, o.Quantity, o.Direction)
	}
	return pos
}
