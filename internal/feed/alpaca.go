package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"perpcore/internal/domain"
	"perpcore/internal/util"
)

// Compile-time interface check.
var _ Feed = (*AlpacaFeed)(nil)

// quoteSource is the subset of *marketdata.Client used by AlpacaFeed.
type quoteSource interface {
	GetLatestCryptoQuote(symbol string, req marketdata.GetLatestCryptoQuoteRequest) (*marketdata.CryptoQuote, error)
}

// AlpacaFeed polls the Alpaca crypto market-data API for the latest quote of
// each configured contract.
type AlpacaFeed struct {
	client   quoteSource
	symbols  map[domain.ContractSymbol]string // contract -> alpaca pair
	interval time.Duration
	limiter  *util.RateLimiter
	log      *slog.Logger
}

// AlpacaFeedConfig configures NewAlpacaFeed.
type AlpacaFeedConfig struct {
	APIKey          string
	APISecret       string
	DataURL         string
	PollInterval    time.Duration
	RateLimitPerMin int
}

// NewAlpacaFeed creates a feed for BTCUSD backed by the BTC/USD pair.
func NewAlpacaFeed(cfg AlpacaFeedConfig, log *slog.Logger) *AlpacaFeed {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	return newAlpacaFeed(marketdata.NewClient(opts), cfg, log)
}

func newAlpacaFeed(client quoteSource, cfg AlpacaFeedConfig, log *slog.Logger) *AlpacaFeed {
	if log == nil {
		log = slog.Default()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	perMin := cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 180
	}
	return &AlpacaFeed{
		client:   client,
		symbols:  map[domain.ContractSymbol]string{domain.ContractBTCUSD: "BTC/USD"},
		interval: interval,
		limiter:  util.NewRateLimiter(perMin),
		log:      log.With("feed", "alpaca"),
	}
}

// Name returns "alpaca".
func (f *AlpacaFeed) Name() string { return "alpaca" }

// Run polls every interval. Fetch errors are logged and the poll continues;
// only context cancellation stops the feed.
func (f *AlpacaFeed) Run(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.log.Info("alpaca feed started", "interval", f.interval)
	for {
		for sym, pair := range f.symbols {
			if err := f.limiter.Wait(ctx); err != nil {
				return nil
			}
			p, err := f.fetch(sym, pair)
			if err != nil {
				f.log.Warn("fetching quote", "symbol", pair, "error", err)
				continue
			}
			sink(p)
		}

		select {
		case <-ctx.Done():
			f.log.Info("alpaca feed stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (f *AlpacaFeed) fetch(sym domain.ContractSymbol, pair string) (domain.Price, error) {
	q, err := f.client.GetLatestCryptoQuote(pair, marketdata.GetLatestCryptoQuoteRequest{})
	if err != nil {
		return domain.Price{}, err
	}
	if q == nil || q.BidPrice <= 0 || q.AskPrice <= 0 {
		return domain.Price{}, fmt.Errorf("empty quote for %s", pair)
	}
	ts := q.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return domain.Price{Symbol: sym, Bid: q.BidPrice, Ask: q.AskPrice, Time: ts.UTC()}, nil
}
