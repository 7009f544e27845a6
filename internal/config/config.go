package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when PERPCORE_CONFIG is not set.
const DefaultPath = "config/perpcore.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for perpcore.
type Config struct {
	Storage    Storage       `yaml:"storage"`
	Server     Server        `yaml:"server"`
	Alpaca     Alpaca        `yaml:"alpaca"`
	Feed       Feed          `yaml:"feed"`
	Settlement Settlement    `yaml:"settlement"`
	Logging    Logging       `yaml:"logging"`
	Trading    TradingConfig `yaml:"trading"`
}

// Storage holds paths for data persistence.
type Storage struct {
	Driver     string `yaml:"driver"` // "sqlite" or "memory"
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	Journal    bool   `yaml:"journal"`
}

// Server holds network listener configuration.
type Server struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	GRPCPort    int      `yaml:"grpc_port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Addr returns the HTTP listen address.
func (s Server) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// GRPCAddr returns the gRPC listen address.
func (s Server) GRPCAddr() string { return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort) }

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
}

// Feed selects and tunes the price source.
type Feed struct {
	Source          string        `yaml:"source"` // "sim", "alpaca" or "none"
	PollInterval    time.Duration `yaml:"poll_interval"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	SimStart        float64       `yaml:"sim_start"`
	SimInterval     time.Duration `yaml:"sim_interval"`
}

// Settlement selects the payment gateway and its retry policy.
type Settlement struct {
	Gateway        string        `yaml:"gateway"` // "simulator" or "lnd"
	LND            LND           `yaml:"lnd"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// Attempts returns the gateway calls made per settlement: the first call
// plus MaxRetries retries.
func (s Settlement) Attempts() int { return s.MaxRetries + 1 }

// LND holds the REST endpoint and credentials of an LND node.
type LND struct {
	Endpoint     string `yaml:"endpoint"`
	Macaroon     string `yaml:"macaroon"` // hex
	MacaroonPath string `yaml:"macaroon_path"`
	TLSCertPath  string `yaml:"tls_cert_path"`
	Insecure     bool   `yaml:"insecure"`
	PeerPubkey   string `yaml:"peer_pubkey"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig defines risk and execution parameters.
type TradingConfig struct {
	MaxLeverage   float64       `yaml:"max_leverage"`
	FeeRate       float64       `yaml:"fee_rate"`
	Liquidity     float64       `yaml:"liquidity"`
	Collateral    float64       `yaml:"collateral"`
	MatchTimeout  time.Duration `yaml:"match_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Workers       int           `yaml:"workers"`
}

// Default returns the configuration used for any key absent from the file.
func Default() *Config {
	return &Config{
		Storage: Storage{
			Driver:     "sqlite",
			DataDir:    "data",
			SQLitePath: "data/perpcore.db",
			Journal:    true,
		},
		Server: Server{
			Host:     "0.0.0.0",
			Port:     8080,
			GRPCPort: 9090,
		},
		Feed: Feed{
			Source:          "sim",
			PollInterval:    time.Second,
			RateLimitPerMin: 180,
			SimStart:        50000,
			SimInterval:     time.Second,
		},
		Settlement: Settlement{
			Gateway:        "simulator",
			MaxRetries:     5,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       30 * time.Second,
			AttemptTimeout: 30 * time.Second,
		},
		Logging: Logging{Level: "info", Format: "json"},
		Trading: TradingConfig{
			FeeRate:       0.003,
			MatchTimeout:  30 * time.Second,
			SweepInterval: time.Second,
			Workers:       8,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over Default(),
// applies environment variable overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults with
// environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	cfg = Default()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated fields and numeric ranges.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.driver must be sqlite or memory, got %q", c.Storage.Driver)
	}
	switch c.Feed.Source {
	case "sim", "alpaca", "none":
	default:
		return fmt.Errorf("feed.source must be sim, alpaca or none, got %q", c.Feed.Source)
	}
	switch c.Settlement.Gateway {
	case "simulator":
	case "lnd":
		if c.Settlement.LND.Endpoint == "" {
			return fmt.Errorf("settlement.lnd.endpoint is required for the lnd gateway")
		}
	default:
		return fmt.Errorf("settlement.gateway must be simulator or lnd, got %q", c.Settlement.Gateway)
	}
	if c.Settlement.MaxRetries < 1 {
		return fmt.Errorf("settlement.max_retries must be at least 1, got %d", c.Settlement.MaxRetries)
	}
	if c.Trading.FeeRate < 0 || c.Trading.FeeRate >= 1 {
		return fmt.Errorf("trading.fee_rate must be within [0, 1), got %v", c.Trading.FeeRate)
	}
	if c.Trading.MaxLeverage != 0 && c.Trading.MaxLeverage < 1 {
		return fmt.Errorf("trading.max_leverage must be 0 or at least 1, got %v", c.Trading.MaxLeverage)
	}
	if c.Trading.Liquidity < 0 || c.Trading.Collateral < 0 {
		return fmt.Errorf("trading.liquidity and trading.collateral must not be negative")
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("PERPCORE_STORAGE"); v != "" {
		cfg.Storage.Driver = v
	}

	if v := os.Getenv("PERPCORE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v, ok := envInt("PERPCORE_PORT"); ok {
		cfg.Server.Port = v
	}
	if v, ok := envInt("PERPCORE_GRPC_PORT"); ok {
		cfg.Server.GRPCPort = v
	}
	if v := os.Getenv("PERPCORE_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = strings.Split(v, ",")
	}

	if v := os.Getenv("PERPCORE_FEED"); v != "" {
		cfg.Feed.Source = v
	}
	if v := os.Getenv("PERPCORE_GATEWAY"); v != "" {
		cfg.Settlement.Gateway = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LND_ENDPOINT"); v != "" {
		cfg.Settlement.LND.Endpoint = v
	}
	if v := os.Getenv("LND_MACAROON"); v != "" {
		cfg.Settlement.LND.Macaroon = v
	}
	if v := os.Getenv("LND_MACAROON_PATH"); v != "" {
		cfg.Settlement.LND.MacaroonPath = v
	}
	if v := os.Getenv("LND_TLS_CERT_PATH"); v != "" {
		cfg.Settlement.LND.TLSCertPath = v
	}
	if v := os.Getenv("LND_PEER_PUBKEY"); v != "" {
		cfg.Settlement.LND.PeerPubkey = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Standard Alpaca env vars, highest priority.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
