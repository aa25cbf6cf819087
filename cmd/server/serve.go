package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atmx/ledger-engine/internal/api"
	"github.com/atmx/ledger-engine/internal/insight"
	"github.com/atmx/ledger-engine/internal/quote"
	"github.com/atmx/ledger-engine/internal/risk"
	"github.com/atmx/ledger-engine/internal/trade"
	"github.com/atmx/ledger-engine/internal/valuation"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Store ---
	st, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()
	if m, ok := st.(migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// --- Prices ---
	src, err := newSource(cfg.Quotes)
	if err != nil {
		return err
	}
	resolver := quote.NewResolver(quote.NewGateway(src, cfg.Quotes.Timeout), st)
	slog.Info("quote source ready", "provider", src.Name(), "timeout", cfg.Quotes.Timeout)

	// --- WebSocket hub ---
	hub := api.NewHub()
	go hub.Run(ctx)
	resolver.OnUpdate = hub.PriceUpdated

	// --- Trade processor ---
	notional, err := cfg.Ledger.OrderNotionalLimit()
	if err != nil {
		return err
	}
	limiter := risk.NewLimiter(cfg.Ledger.MaxPositionQuantity, notional)
	if limiter.Enabled() {
		slog.Info("order limits enabled",
			"max_position_quantity", cfg.Ledger.MaxPositionQuantity,
			"max_order_notional", notional.String())
	}
	proc := trade.NewProcessor(st, resolver, trade.Options{
		Limiter:       limiter,
		Events:        hub,
		CommitTimeout: cfg.Ledger.CommitTimeout,
	})

	// --- Valuation and insights ---
	engine := valuation.NewEngine(st, resolver, cfg.Ledger.ValuationParallelism)
	provider, err := newInsightProvider(ctx, cfg.Insights)
	if err != nil {
		return err
	}
	insights := insight.NewService(engine, st, provider).WithInstruments(st, resolver)

	// --- HTTP ---
	srv := api.NewServer(api.Config{
		Store:      st,
		Trades:     proc,
		Valuations: engine,
		Prices:     resolver,
		Insights:   insights,
		Hub:        hub,
	})
	httpSrv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      api.NewRouter(srv, cfg.Server.RequestTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ledger-engine listening", "port", cfg.Server.Port, "storage", cfg.Storage.Driver)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down ledger-engine...")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return err
	}
	fmt.Fprintln(os.Stderr, "ledger-engine stopped")
	return nil
}
