package quote

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// Static serves prices from an in-memory table. Used for development and
// tests; Set changes a price at runtime.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic creates a static source seeded with prices keyed by ticker.
func NewStatic(prices map[string]decimal.Decimal) *Static {
	s := &Static{prices: make(map[string]decimal.Decimal, len(prices))}
	for k, v := range prices {
		s.prices[k] = v
	}
	return s
}

func (s *Static) Name() string { return "static" }

// Set records the price for ticker.
func (s *Static) Set(ticker string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[ticker] = price
}

// Delete removes ticker so that later lookups fail.
func (s *Static) Delete(ticker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, ticker)
}

func (s *Static) Quote(_ context.Context, ticker string) (model.Quote, error) {
	s.mu.RLock()
	price, ok := s.prices[ticker]
	s.mu.RUnlock()
	if !ok {
		return model.Quote{}, fmt.Errorf("static: no price for %s", ticker)
	}
	return model.Quote{Ticker: ticker, Price: price}, nil
}
