package engine

import (
	"fmt"
	"math"
	"time"

	"perpcore/internal/domain"
	"perpcore/internal/risk"
)

// RiskManager enforces pre-trade input rules at submission and the
// liquidity and collateral limits at fill time.
type RiskManager struct {
	maxLeverage float64 // 0 uses the contract maximum
	liquidity   float64 // max quantity fillable per order; 0 means unlimited
	collateral  float64 // total margin budget; 0 means unlimited
	feeRate     float64
}

// NewRiskManager creates a RiskManager with the specified limits.
//
//   - maxLeverage: upper leverage bound, further capped by the contract spec.
//   - liquidity: largest quantity the venue can fill in one order.
//   - collateral: total margin plus fees that open positions may consume.
//   - feeRate: order-matching fee as a fraction of notional (e.g. 0.003).
func NewRiskManager(maxLeverage, liquidity, collateral, feeRate float64) *RiskManager {
	return &RiskManager{
		maxLeverage: maxLeverage,
		liquidity:   liquidity,
		collateral:  collateral,
		feeRate:     feeRate,
	}
}

// FeeRate returns the order-matching fee rate.
func (rm *RiskManager) FeeRate() float64 { return rm.feeRate }

// Validate checks the shape of a new order. Every failure wraps
// domain.ErrValidation.
func (rm *RiskManager) Validate(n domain.NewOrder, now time.Time) error {
	spec, ok := domain.LookupContract(n.Symbol)
	if !ok {
		return fmt.Errorf("%w: unknown contract symbol %q", domain.ErrValidation, n.Symbol)
	}
	if !n.Direction.Valid() {
		return fmt.Errorf("%w: direction must be long or short, got %q", domain.ErrValidation, n.Direction)
	}
	if !finite(n.Quantity) || n.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %v", domain.ErrValidation, n.Quantity)
	}
	if n.Quantity < spec.MinQuantity {
		return fmt.Errorf("%w: quantity %v below minimum %v", domain.ErrValidation, n.Quantity, spec.MinQuantity)
	}
	if spec.MaxQuantity > 0 && n.Quantity > spec.MaxQuantity {
		return fmt.Errorf("%w: quantity %v above maximum %v", domain.ErrValidation, n.Quantity, spec.MaxQuantity)
	}

	maxLev := spec.MaxLeverage
	if rm.maxLeverage > 0 && rm.maxLeverage < maxLev {
		maxLev = rm.maxLeverage
	}
	if !finite(n.Leverage) || n.Leverage < 1 || n.Leverage > maxLev {
		return fmt.Errorf("%w: leverage must be within [1, %v], got %v", domain.ErrValidation, maxLev, n.Leverage)
	}

	switch n.Type.Kind {
	case domain.OrderKindMarket:
	case domain.OrderKindLimit:
		if !finite(n.Type.Price) || n.Type.Price <= 0 {
			return fmt.Errorf("%w: limit price must be positive, got %v", domain.ErrValidation, n.Type.Price)
		}
	default:
		return fmt.Errorf("%w: order type must be market or limit, got %q", domain.ErrValidation, n.Type.Kind)
	}

	if !n.Expiry.IsZero() && !n.Expiry.After(now) {
		return fmt.Errorf("%w: expiry %s is in the past", domain.ErrValidation, n.Expiry.Format(time.RFC3339))
	}
	return nil
}

// CheckFill decides whether o can be filled at price given the margin
// already locked by open positions. It returns the fee to charge, or the
// rejection reason.
func (rm *RiskManager) CheckFill(o *domain.Order, price, usedMargin float64) (float64, domain.Reason, error) {
	if rm.liquidity > 0 && o.Quantity > rm.liquidity {
		return 0, domain.ReasonInsufficientLiquidity, nil
	}
	margin, err := risk.Margin(price, o.Quantity, o.Leverage)
	if err != nil {
		return 0, domain.ReasonNone, err
	}
	fee := risk.OrderMatchingFee(price, o.Quantity, rm.feeRate)
	if rm.collateral > 0 && usedMargin+margin+fee > rm.collateral {
		return 0, domain.ReasonInsufficientMargin, nil
	}
	return fee, domain.ReasonNone, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
