package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"perpcore/internal/api"
	"perpcore/internal/config"
	"perpcore/internal/domain"
	"perpcore/internal/engine"
	"perpcore/internal/events"
	"perpcore/internal/feed"
	"perpcore/internal/settlement"
	"perpcore/internal/store"
	"perpcore/internal/util"
)

func main() {
	_ = godotenv.Load()

	cfgPath := config.DefaultPath
	if p := os.Getenv("PERPCORE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("perpcore-server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	orders, closeStore, err := openOrderStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	var journal store.JournalStore
	if cfg.Storage.Journal {
		journal = store.NewParquetStore(cfg.Storage.DataDir)
	}

	gw, err := openGateway(cfg.Settlement)
	if err != nil {
		return err
	}

	hub := events.NewHub(logger)
	eng := engine.NewEngine(engineConfig(cfg), orders, journal, gw, hub, logger)
	srv := api.NewServer(cfg.Server, eng, hub, journal, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("perpcore-server starting",
		"http", cfg.Server.Addr(), "grpc", cfg.Server.GRPCAddr(),
		"storage", cfg.Storage.Driver, "gateway", gw.Name(), "feed", cfg.Feed.Source)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	if f := openFeed(cfg); f != nil {
		g.Go(func() error {
			err := f.Run(gctx, func(p domain.Price) {
				if err := eng.UpdatePrice(p); err != nil {
					logger.Warn("dropping quote", "feed", f.Name(), "error", err)
				}
			})
			if err == nil || gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("feed %s: %w", f.Name(), err)
		})
	}

	err = g.Wait()
	logger.Info("perpcore-server stopped")
	return err
}

func openOrderStore(cfg config.Storage) (store.OrderStore, func(), error) {
	if cfg.Driver == "memory" {
		return store.NewMemoryStore(), func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating sqlite directory: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	return s, func() { s.Close() }, nil
}

func openGateway(cfg config.Settlement) (settlement.Gateway, error) {
	if cfg.Gateway != "lnd" {
		return settlement.NewSimulator(), nil
	}
	gw, err := settlement.NewLNDGateway(settlement.LNDConfig{
		Endpoint:     cfg.LND.Endpoint,
		MacaroonHex:  cfg.LND.Macaroon,
		MacaroonPath: cfg.LND.MacaroonPath,
		TLSCertPath:  cfg.LND.TLSCertPath,
		Insecure:     cfg.LND.Insecure,
		PeerPubkey:   cfg.LND.PeerPubkey,
		Timeout:      cfg.AttemptTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating lnd gateway: %w", err)
	}
	return gw, nil
}

func openFeed(cfg *config.Config) feed.Feed {
	switch cfg.Feed.Source {
	case "alpaca":
		return feed.NewAlpacaFeed(feed.AlpacaFeedConfig{
			APIKey:          cfg.Alpaca.APIKey,
			APISecret:       cfg.Alpaca.APISecret,
			DataURL:         cfg.Alpaca.DataURL,
			PollInterval:    cfg.Feed.PollInterval,
			RateLimitPerMin: cfg.Feed.RateLimitPerMin,
		}, slog.Default())
	case "sim":
		return feed.NewSimFeed(cfg.Feed.SimStart, cfg.Feed.SimInterval)
	default:
		return nil
	}
}

func engineConfig(cfg *config.Config) engine.Config {
	ec := engine.DefaultConfig()
	t := cfg.Trading
	ec.MaxLeverage = t.MaxLeverage
	ec.FeeRate = t.FeeRate
	ec.Liquidity = t.Liquidity
	ec.Collateral = t.Collateral
	ec.MatchTimeout = t.MatchTimeout
	if t.SweepInterval > 0 {
		ec.SweepInterval = t.SweepInterval
	}
	if t.Workers > 0 {
		ec.Workers = t.Workers
	}

	s := cfg.Settlement
	ec.Settlement = util.Backoff{
		MaxAttempts:  s.Attempts(),
		InitialDelay: s.InitialDelay,
		MaxDelay:     s.MaxDelay,
		Multiplier:   2,
		JitterFactor: 0.1,
	}
	ec.AttemptTimeout = s.AttemptTimeout
	return ec
}
