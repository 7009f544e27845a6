// Package risk computes margin, quantity, liquidation price and settlement
// amounts for linear leveraged contracts. All functions are pure and safe
// for concurrent use. Arithmetic is done in decimal and converted to float64
// only on return; rounding to tick size is left to RoundToTick.
package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"perpcore/internal/domain"
)

// SatsPerBTC is the number of satoshis in one bitcoin.
const SatsPerBTC = 100_000_000

var one = decimal.NewFromInt(1)

// Margin returns the collateral required for a position:
// price * quantity / leverage.
func Margin(price, quantity, leverage float64) (float64, error) {
	if err := positive("price", price); err != nil {
		return 0, err
	}
	if err := positive("quantity", quantity); err != nil {
		return 0, err
	}
	if err := positive("leverage", leverage); err != nil {
		return 0, err
	}
	m := decimal.NewFromFloat(price).
		Mul(decimal.NewFromFloat(quantity)).
		Div(decimal.NewFromFloat(leverage))
	f, _ := m.Float64()
	return f, nil
}

// Quantity is the inverse of Margin: margin * leverage / price.
func Quantity(price, margin, leverage float64) (float64, error) {
	if err := positive("price", price); err != nil {
		return 0, err
	}
	if err := positive("margin", margin); err != nil {
		return 0, err
	}
	if err := positive("leverage", leverage); err != nil {
		return 0, err
	}
	q := decimal.NewFromFloat(margin).
		Mul(decimal.NewFromFloat(leverage)).
		Div(decimal.NewFromFloat(price))
	f, _ := q.Float64()
	return f, nil
}

// LiquidationPrice returns price * (1 - 1/leverage) for Long and
// price * (1 + 1/leverage) for Short. Leverage must be greater than 1.
func LiquidationPrice(price, leverage float64, dir domain.Direction) (float64, error) {
	if err := positive("price", price); err != nil {
		return 0, err
	}
	if math.IsNaN(leverage) || math.IsInf(leverage, 0) || leverage <= 1 {
		return 0, fmt.Errorf("%w: leverage must be greater than 1, got %v", domain.ErrInvalidInput, leverage)
	}
	inv := one.Div(decimal.NewFromFloat(leverage))
	var factor decimal.Decimal
	switch dir {
	case domain.DirectionLong:
		factor = one.Sub(inv)
	case domain.DirectionShort:
		factor = one.Add(inv)
	default:
		return 0, fmt.Errorf("%w: unknown direction %q", domain.ErrInvalidInput, dir)
	}
	f, _ := decimal.NewFromFloat(price).Mul(factor).Float64()
	return f, nil
}

// PnL returns the realised profit of moving a position from entry to exit.
func PnL(entry, exit, quantity float64, dir domain.Direction) float64 {
	diff := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry))
	if dir == domain.DirectionShort {
		diff = diff.Neg()
	}
	f, _ := diff.Mul(decimal.NewFromFloat(quantity)).Float64()
	return f
}

// OrderMatchingFee is the taker fee charged at fill: price * quantity * rate.
func OrderMatchingFee(price, quantity, rate float64) float64 {
	if rate <= 0 {
		return 0
	}
	f, _ := decimal.NewFromFloat(price).
		Mul(decimal.NewFromFloat(quantity)).
		Mul(decimal.NewFromFloat(rate)).
		Float64()
	return f
}

// Payout returns the amount returned to the trader when a position opened at
// entry is closed at exit: margin + PnL - fee, floored at zero.
func Payout(entry, exit, quantity, leverage, fee float64, dir domain.Direction) (float64, error) {
	margin, err := Margin(entry, quantity, leverage)
	if err != nil {
		return 0, err
	}
	if err := positive("exit price", exit); err != nil {
		return 0, err
	}
	p := decimal.NewFromFloat(margin).
		Add(decimal.NewFromFloat(PnL(entry, exit, quantity, dir))).
		Sub(decimal.NewFromFloat(fee))
	if p.IsNegative() {
		return 0, nil
	}
	f, _ := p.Float64()
	return f, nil
}

// ToSats converts a quote-currency amount to satoshis at price, rounding
// down.
func ToSats(amount, price float64) (int64, error) {
	if err := positive("price", price); err != nil {
		return 0, err
	}
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("%w: amount must be non-negative, got %v", domain.ErrInvalidInput, amount)
	}
	sats := decimal.NewFromFloat(amount).
		Div(decimal.NewFromFloat(price)).
		Mul(decimal.NewFromInt(SatsPerBTC)).
		Floor()
	return sats.IntPart(), nil
}

// RoundToTick truncates v toward zero to a multiple of tick. It is meant for
// presentation only. A non-positive tick returns v unchanged.
func RoundToTick(v, tick float64) float64 {
	if tick <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	t := decimal.NewFromFloat(tick)
	f, _ := decimal.NewFromFloat(v).Div(t).Truncate(0).Mul(t).Float64()
	return f
}

func positive(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %v", domain.ErrInvalidInput, name, v)
	}
	return nil
}
