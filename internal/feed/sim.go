package feed

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"perpcore/internal/domain"
	"perpcore/internal/risk"
)

// Compile-time interface check.
var _ Feed = (*SimFeed)(nil)

// SimFeed random-walks a mid price and quotes it with a fixed spread.
type SimFeed struct {
	Symbol     domain.ContractSymbol
	Start      float64
	Spread     float64       // absolute bid/ask spread
	Volatility float64       // per-tick stddev as a fraction of price
	Interval   time.Duration // tick interval
	Seed       uint64
}

// NewSimFeed returns a BTCUSD feed starting at start.
func NewSimFeed(start float64, interval time.Duration) *SimFeed {
	return &SimFeed{
		Symbol:     domain.ContractBTCUSD,
		Start:      start,
		Spread:     1,
		Volatility: 0.0005,
		Interval:   interval,
		Seed:       uint64(time.Now().UnixNano()),
	}
}

// Name returns "sim".
func (f *SimFeed) Name() string { return "sim" }

// Run emits one quote immediately and then one per interval.
func (f *SimFeed) Run(ctx context.Context, sink Sink) error {
	interval := f.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewPCG(f.Seed, f.Seed^0x9e3779b97f4a7c15))
	mid := f.Start
	for {
		sink(f.quote(mid))

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		mid = f.step(rng, mid)
	}
}

func (f *SimFeed) step(rng *rand.Rand, mid float64) float64 {
	next := mid * math.Exp(rng.NormFloat64()*f.Volatility)
	if floor := f.Spread; next <= floor {
		next = floor * 2
	}
	return next
}

func (f *SimFeed) quote(mid float64) domain.Price {
	tick := 0.5
	if spec, ok := domain.LookupContract(f.Symbol); ok && spec.TickSize > 0 {
		tick = spec.TickSize
	}
	half := f.Spread / 2
	bid := risk.RoundToTick(mid-half, tick)
	ask := risk.RoundToTick(mid+half, tick)
	if ask <= bid {
		ask = bid + tick
	}
	return domain.Price{Symbol: f.Symbol, Bid: bid, Ask: ask, Time: time.Now().UTC()}
}
