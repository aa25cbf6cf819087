package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/ledger-engine/internal/config"
	"github.com/atmx/ledger-engine/internal/insight"
	"github.com/atmx/ledger-engine/internal/quote"
	"github.com/atmx/ledger-engine/internal/store"
)

// migrator is implemented by the durable backends.
type migrator interface {
	Migrate(ctx context.Context) error
}

// openStore opens the configured backend, optionally wrapped in the Redis
// instrument cache. The returned cleanup closes every connection opened.
func openStore(ctx context.Context, cfg config.Storage) (store.Store, func(), error) {
	var (
		st      store.Store
		cleanup []func()
	)
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("database ping failed: %w", err)
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	case "sqlite":
		sq, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { sq.Close() })
		st = sq
		slog.Info("opened SQLite ledger", "path", cfg.SQLitePath)
	default:
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis instrument cache enabled", "ttl", cfg.CacheTTL)
	}
	return st, closeAll, nil
}

// newSource builds the configured live price source.
func newSource(cfg config.Quotes) (quote.Source, error) {
	switch cfg.Provider {
	case "alpaca":
		return quote.NewAlpaca(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL), nil
	case "alphavantage":
		client := &http.Client{Timeout: cfg.Timeout}
		return quote.NewAlphaVantage(cfg.AlphaVantage.APIKey, cfg.AlphaVantage.BaseURL, client), nil
	case "static":
		prices, err := cfg.StaticPrices()
		if err != nil {
			return nil, err
		}
		return quote.NewStatic(prices), nil
	default:
		return nil, fmt.Errorf("unknown quote provider %q", cfg.Provider)
	}
}

// newInsightProvider returns nil for the heuristic provider, which
// insight.NewService uses by default.
func newInsightProvider(ctx context.Context, cfg config.Insights) (insight.Provider, error) {
	if cfg.Provider != "gemini" {
		return nil, nil
	}
	g, err := insight.NewGemini(ctx, cfg.APIKey, cfg.Model)
	if err != nil {
		return nil, err
	}
	return g, nil
}
