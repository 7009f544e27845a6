package risk

import (
	"errors"
	"math"
	"testing"

	"perpcore/internal/domain"
)

func TestMarginExample(t *testing.T) {
	got, err := Margin(50000, 0.1, 10)
	if err != nil {
		t.Fatalf("Margin: %v", err)
	}
	if got != 500 {
		t.Errorf("Margin(50000, 0.1, 10) = %v, want 500", got)
	}
}

func TestLiquidationPriceExample(t *testing.T) {
	long, err := LiquidationPrice(50000, 10, domain.DirectionLong)
	if err != nil {
		t.Fatalf("LiquidationPrice(long): %v", err)
	}
	if long != 45000 {
		t.Errorf("LiquidationPrice(50000, 10, long) = %v, want 45000", long)
	}

	short, err := LiquidationPrice(50000, 10, domain.DirectionShort)
	if err != nil {
		t.Fatalf("LiquidationPrice(short): %v", err)
	}
	if short != 55000 {
		t.Errorf("LiquidationPrice(50000, 10, short) = %v, want 55000", short)
	}
}

func TestInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		fn   func() error
	}{
		{"margin zero price", func() error { _, err := Margin(0, 1, 2); return err }},
		{"margin negative quantity", func() error { _, err := Margin(100, -1, 2); return err }},
		{"margin zero leverage", func() error { _, err := Margin(100, 1, 0); return err }},
		{"margin NaN price", func() error { _, err := Margin(math.NaN(), 1, 2); return err }},
		{"quantity zero margin", func() error { _, err := Quantity(100, 0, 2); return err }},
		{"quantity negative price", func() error { _, err := Quantity(-5, 10, 2); return err }},
		{"quantity zero leverage", func() error { _, err := Quantity(100, 10, 0); return err }},
		{"liquidation leverage one", func() error { _, err := LiquidationPrice(100, 1, domain.DirectionLong); return err }},
		{"liquidation leverage below one", func() error { _, err := LiquidationPrice(100, 0.5, domain.DirectionShort); return err }},
		{"liquidation zero price", func() error { _, err := LiquidationPrice(0, 10, domain.DirectionLong); return err }},
		{"liquidation bad direction", func() error { _, err := LiquidationPrice(100, 10, "flat"); return err }},
		{"sats negative amount", func() error { _, err := ToSats(-1, 100); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestQuantityRoundTrip(t *testing.T) {
	prices := []float64{0.5, 1, 97.3, 30209, 50000, 123456.78}
	quantities := []float64{0.0001, 0.1, 1, 3.3, 250}
	leverages := []float64{1, 1.5, 2, 3, 7, 10, 100}

	for _, p := range prices {
		for _, q := range quantities {
			for _, l := range leverages {
				m, err := Margin(p, q, l)
				if err != nil {
					t.Fatalf("Margin(%v, %v, %v): %v", p, q, l, err)
				}
				got, err := Quantity(p, m, l)
				if err != nil {
					t.Fatalf("Quantity(%v, %v, %v): %v", p, m, l, err)
				}
				if math.Abs(got-q) > q*1e-9 {
					t.Errorf("round trip p=%v q=%v l=%v: got %v", p, q, l, got)
				}
			}
		}
	}
}

func TestLiquidationPriceSide(t *testing.T) {
	for _, p := range []float64{1, 950.25, 50000} {
		for _, l := range []float64{1.01, 2, 5, 25, 100} {
			long, err := LiquidationPrice(p, l, domain.DirectionLong)
			if err != nil {
				t.Fatalf("long: %v", err)
			}
			if long >= p {
				t.Errorf("LiquidationPrice(%v, %v, long) = %v, want < %v", p, l, long, p)
			}
			short, err := LiquidationPrice(p, l, domain.DirectionShort)
			if err != nil {
				t.Fatalf("short: %v", err)
			}
			if short <= p {
				t.Errorf("LiquidationPrice(%v, %v, short) = %v, want > %v", p, l, short, p)
			}
		}
	}
}

func TestPnLAndPayout(t *testing.T) {
	if got := PnL(50000, 51000, 0.1, domain.DirectionLong); got != 100 {
		t.Errorf("PnL long = %v, want 100", got)
	}
	if got := PnL(50000, 51000, 0.1, domain.DirectionShort); got != -100 {
		t.Errorf("PnL short = %v, want -100", got)
	}

	fee := OrderMatchingFee(50000, 0.1, 0.003)
	if fee != 15 {
		t.Fatalf("OrderMatchingFee = %v, want 15", fee)
	}

	tests := []struct {
		name string
		exit float64
		dir  domain.Direction
		want float64
	}{
		{"long profit", 51000, domain.DirectionLong, 585},
		{"short loss", 51000, domain.DirectionShort, 385},
		{"long liquidated", 45000, domain.DirectionLong, 0},
	}
	for _, tt := range tests {
		got, err := Payout(50000, tt.exit, 0.1, 10, fee, tt.dir)
		if err != nil {
			t.Fatalf("%s: Payout: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s: Payout = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestToSats(t *testing.T) {
	got, err := ToSats(500, 50000)
	if err != nil {
		t.Fatalf("ToSats: %v", err)
	}
	if got != 1_000_000 {
		t.Errorf("ToSats(500, 50000) = %d, want 1000000", got)
	}
}

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		v, tick, want float64
	}{
		{45000.7, 0.5, 45000.5},
		{45000.5, 0.5, 45000.5},
		{-1.3, 0.5, -1},
		{12.345, 0, 12.345},
		{101, 10, 100},
	}
	for _, tt := range tests {
		if got := RoundToTick(tt.v, tt.tick); got != tt.want {
			t.Errorf("RoundToTick(%v, %v) = %v, want %v", tt.v, tt.tick, got, tt.want)
		}
	}
}
