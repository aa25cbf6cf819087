// Package quote fetches current prices from an external market-data source.
//
// The Gateway bounds every lookup with a timeout and reports any failure as
// ErrUnavailable, so callers can fall back to a cached price without caring
// which source is configured.
package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
)

// DefaultTimeout bounds a single quote lookup when none is configured.
const DefaultTimeout = 5 * time.Second

// ErrUnavailable is returned when no current quote could be obtained. It
// wraps model.ErrPriceUnavailable.
var ErrUnavailable = fmt.Errorf("quote: %w", model.ErrPriceUnavailable)

// Source is an external market-data provider.
type Source interface {
	// Name identifies the source in logs and metrics.
	Name() string
	// Quote returns the current quote for ticker.
	Quote(ctx context.Context, ticker string) (model.Quote, error)
}

// Gateway wraps a Source with a deadline.
type Gateway struct {
	source  Source
	timeout time.Duration
	log     *slog.Logger
}

// NewGateway creates a gateway over src. A non-positive timeout selects
// DefaultTimeout.
func NewGateway(src Source, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gateway{
		source:  src,
		timeout: timeout,
		log:     slog.Default().With("component", "quote", "source", src.Name()),
	}
}

// Source returns the configured source name.
func (g *Gateway) Source() string {
	return g.source.Name()
}

type result struct {
	q   model.Quote
	err error
}

// GetQuote returns the current quote for ticker. It returns as soon as the
// deadline passes, even if the source does not honour its context.
func (g *Gateway) GetQuote(ctx context.Context, ticker string) (model.Quote, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// Buffered so a late source never blocks on send.
	ch := make(chan result, 1)
	go func() {
		q, err := g.source.Quote(ctx, ticker)
		ch <- result{q, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res = result{err: ctx.Err()}
	}
	metrics.QuoteLatency.WithLabelValues(g.source.Name()).Observe(metrics.Since(start))

	if res.err == nil {
		res.err = validate(ticker, res.q)
	}
	if res.err != nil {
		metrics.QuoteRequestsTotal.WithLabelValues(g.source.Name(), "error").Inc()
		g.log.Warn("quote unavailable", "ticker", ticker, "err", res.err)
		return model.Quote{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, ticker, res.err)
	}

	metrics.QuoteRequestsTotal.WithLabelValues(g.source.Name(), "ok").Inc()
	q := res.q
	q.Ticker = ticker
	if q.AsOf.IsZero() {
		q.AsOf = time.Now().UTC()
	}
	return q, nil
}

var errBadPrice = errors.New("non-positive price")

func validate(ticker string, q model.Quote) error {
	if !q.Price.IsPositive() {
		return fmt.Errorf("%s price %s: %w", ticker, q.Price, errBadPrice)
	}
	return nil
}
