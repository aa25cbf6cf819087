// Package config loads the ledger engine's runtime configuration from a YAML
// file with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration.
type Config struct {
	Server   Server   `yaml:"server"`
	Storage  Storage  `yaml:"storage"`
	Quotes   Quotes   `yaml:"quotes"`
	Ledger   Ledger   `yaml:"ledger"`
	Insights Insights `yaml:"insights"`
	Logging  Logging  `yaml:"logging"`
}

// Server holds the HTTP listener settings.
type Server struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Storage selects the ledger backend.
type Storage struct {
	Driver      string        `yaml:"driver"` // memory | sqlite | postgres
	DatabaseURL string        `yaml:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// Quotes selects and configures the live price source.
type Quotes struct {
	Provider     string            `yaml:"provider"` // static | alphavantage | alpaca
	Timeout      time.Duration     `yaml:"timeout"`
	AlphaVantage AlphaVantage      `yaml:"alphavantage"`
	Alpaca       Alpaca            `yaml:"alpaca"`
	Static       map[string]string `yaml:"static"` // ticker -> price
}

// AlphaVantage holds the Alpha Vantage credentials.
type AlphaVantage struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Alpaca holds the Alpaca market data credentials.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
}

// Ledger holds trade execution limits and timeouts.
type Ledger struct {
	CommitTimeout        time.Duration `yaml:"commit_timeout"`
	MaxPositionQuantity  int64         `yaml:"max_position_quantity"` // 0 = unlimited
	MaxOrderNotional     string        `yaml:"max_order_notional"`    // decimal, "" or "0" = unlimited
	ValuationParallelism int           `yaml:"valuation_parallelism"`
}

// Insights selects the commentary provider.
type Insights struct {
	Provider string `yaml:"provider"` // heuristic | gemini
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: Storage{
			Driver:     "memory",
			SQLitePath: "ledger.db",
			CacheTTL:   30 * time.Second,
		},
		Quotes: Quotes{
			Provider:     "alphavantage",
			Timeout:      5 * time.Second,
			AlphaVantage: AlphaVantage{APIKey: "demo"},
		},
		Ledger: Ledger{
			CommitTimeout:        5 * time.Second,
			ValuationParallelism: 8,
		},
		Insights: Insights{Provider: "heuristic"},
		Logging:  Logging{Level: "info"},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path or a missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	setStr(&cfg.Storage.DatabaseURL, "DATABASE_URL")
	setStr(&cfg.Storage.SQLitePath, "SQLITE_PATH")
	setStr(&cfg.Storage.RedisURL, "REDIS_URL")
	setStr(&cfg.Storage.Driver, "STORAGE_DRIVER")
	setStr(&cfg.Logging.Level, "LOG_LEVEL")
	setStr(&cfg.Quotes.Provider, "QUOTE_PROVIDER")
	setStr(&cfg.Quotes.AlphaVantage.APIKey, "ALPHA_VANTAGE_API_KEY")
	setStr(&cfg.Insights.Provider, "INSIGHT_PROVIDER")
	setStr(&cfg.Insights.APIKey, "GEMINI_API_KEY")

	// Canonical names read by the Alpaca SDK.
	setStr(&cfg.Quotes.Alpaca.APIKey, "APCA_API_KEY_ID")
	setStr(&cfg.Quotes.Alpaca.APISecret, "APCA_API_SECRET_KEY")

	// A DATABASE_URL alone implies the postgres driver, as it always has.
	if os.Getenv("DATABASE_URL") != "" && os.Getenv("STORAGE_DRIVER") == "" {
		cfg.Storage.Driver = "postgres"
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"READ_TIMEOUT", &cfg.Server.ReadTimeout},
		{"WRITE_TIMEOUT", &cfg.Server.WriteTimeout},
		{"IDLE_TIMEOUT", &cfg.Server.IdleTimeout},
		{"REQUEST_TIMEOUT", &cfg.Server.RequestTimeout},
		{"SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout},
		{"QUOTE_TIMEOUT", &cfg.Quotes.Timeout},
		{"COMMIT_TIMEOUT", &cfg.Ledger.CommitTimeout},
		{"CACHE_TTL", &cfg.Storage.CacheTTL},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	for name, d := range map[string]time.Duration{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.idle_timeout":     c.Server.IdleTimeout,
		"server.request_timeout":  c.Server.RequestTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"quotes.timeout":          c.Quotes.Timeout,
		"ledger.commit_timeout":   c.Ledger.CommitTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s: must be positive, got %s", name, d)
		}
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return errors.New("storage.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid storage.driver: %q, must be one of: memory, sqlite, postgres", c.Storage.Driver)
	}
	if c.Storage.RedisURL != "" && c.Storage.CacheTTL <= 0 {
		return fmt.Errorf("invalid storage.cache_ttl: must be positive, got %s", c.Storage.CacheTTL)
	}

	switch c.Quotes.Provider {
	case "static", "alphavantage":
	case "alpaca":
		if c.Quotes.Alpaca.APIKey == "" || c.Quotes.Alpaca.APISecret == "" {
			return errors.New("quotes.alpaca api_key and api_secret are required for the alpaca provider")
		}
	default:
		return fmt.Errorf("invalid quotes.provider: %q, must be one of: static, alphavantage, alpaca", c.Quotes.Provider)
	}
	if _, err := c.Quotes.StaticPrices(); err != nil {
		return err
	}

	if c.Ledger.MaxPositionQuantity < 0 {
		return fmt.Errorf("invalid ledger.max_position_quantity: %d", c.Ledger.MaxPositionQuantity)
	}
	if _, err := c.Ledger.OrderNotionalLimit(); err != nil {
		return err
	}
	if c.Ledger.ValuationParallelism < 0 {
		return fmt.Errorf("invalid ledger.valuation_parallelism: %d", c.Ledger.ValuationParallelism)
	}

	switch c.Insights.Provider {
	case "heuristic", "gemini":
	default:
		return fmt.Errorf("invalid insights.provider: %q, must be one of: heuristic, gemini", c.Insights.Provider)
	}

	if !isValidLogLevel(c.Logging.Level) {
		return fmt.Errorf("invalid logging.level: %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

// StaticPrices parses the static price table.
func (q Quotes) StaticPrices() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(q.Static))
	for ticker, raw := range q.Static {
		p, err := decimal.NewFromString(raw)
		if err != nil || !p.IsPositive() {
			return nil, fmt.Errorf("invalid quotes.static price for %s: %q", ticker, raw)
		}
		out[ticker] = p
	}
	return out, nil
}

// OrderNotionalLimit parses max_order_notional. Zero means unlimited.
func (l Ledger) OrderNotionalLimit() (decimal.Decimal, error) {
	if l.MaxOrderNotional == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(l.MaxOrderNotional)
	if err != nil || v.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid ledger.max_order_notional: %q", l.MaxOrderNotional)
	}
	return v, nil
}

// SlogLevel converts the configured level for log/slog.
func (l Logging) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
