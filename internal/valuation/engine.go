// Package valuation marks an account's positions to market.
//
// The engine only reads the ledger. It loads cash and every position in one
// consistent read, then prices each instrument independently and in parallel.
package valuation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/quote"
	"github.com/atmx/ledger-engine/internal/store"
)

// DefaultParallelism caps concurrent price lookups per valuation.
const DefaultParallelism = 8

var hundred = decimal.NewFromInt(100)

// Engine computes valuations.
type Engine struct {
	store       store.Store
	prices      *quote.Resolver
	parallelism int
	now         func() time.Time
	log         *slog.Logger
}

// NewEngine creates an engine. A non-positive parallelism selects
// DefaultParallelism.
func NewEngine(st store.Store, prices *quote.Resolver, parallelism int) *Engine {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Engine{
		store:       st,
		prices:      prices,
		parallelism: parallelism,
		now:         time.Now,
		log:         slog.Default().With("component", "valuation"),
	}
}

// GetValuation returns cash, every position at its current price, and the
// account totals. A position whose instrument has no price at all is valued
// at its average cost and marked stale.
func (e *Engine) GetValuation(ctx context.Context, accountID string) (*model.Valuation, error) {
	cash, positions, err := e.store.GetLedger(ctx, accountID)
	if err != nil {
		return nil, err
	}

	rows := make([]model.PositionValuation, len(positions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, pos := range positions {
		g.Go(func() error {
			row, err := e.valuePosition(gctx, pos)
			if err != nil {
				return err
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	v := &model.Valuation{
		AccountID:     accountID,
		Cash:          cash,
		InvestedValue: decimal.Zero,
		MarketValue:   decimal.Zero,
		Positions:     rows,
		AsOf:          e.now().UTC(),
	}
	for _, row := range rows {
		v.InvestedValue = v.InvestedValue.Add(row.InvestedValue)
		v.MarketValue = v.MarketValue.Add(row.MarketValue)
	}
	v.UnrealizedPnL = v.MarketValue.Sub(v.InvestedValue)
	v.PnLPercent = pnlPercent(v.UnrealizedPnL, v.InvestedValue)
	v.TotalValue = cash.Add(v.MarketValue)
	return v, nil
}

func (e *Engine) valuePosition(ctx context.Context, pos model.Position) (model.PositionValuation, error) {
	inst, err := e.store.GetInstrument(ctx, pos.InstrumentID)
	if err != nil {
		return model.PositionValuation{}, err
	}

	row := model.PositionValuation{
		InstrumentID:  inst.ID,
		Ticker:        inst.Ticker,
		Name:          inst.Name,
		Quantity:      pos.Quantity,
		AverageCost:   pos.AverageCost,
		InvestedValue: pos.CostBasis(),
	}

	price, err := e.prices.Resolve(ctx, inst)
	switch {
	case err == nil:
		row.Price = price.Value
		row.PriceSource = price.Source
		if price.Source == model.PriceLive {
			row.Change = price.Quote.Change
			row.ChangePercent = price.Quote.ChangePercent
		} else {
			row.Change = inst.Change
			row.ChangePercent = inst.ChangePercent
		}
	case errors.Is(err, model.ErrPriceUnavailable):
		row.Price = pos.AverageCost
		row.PriceSource = model.PriceStale
		e.log.Warn("no price, valuing at cost", "ticker", inst.Ticker, "account_id", pos.AccountID)
	default:
		return model.PositionValuation{}, err
	}

	qty := decimal.NewFromInt(pos.Quantity)
	row.MarketValue = row.Price.Mul(qty)
	row.PnL = row.MarketValue.Sub(row.InvestedValue)
	row.PnLPercent = pnlPercent(row.PnL, row.InvestedValue)
	return row, nil
}

// RefreshPrices fetches a live quote for every instrument the account holds
// and writes it to the catalog. It returns how many were refreshed.
func (e *Engine) RefreshPrices(ctx context.Context, accountID string) (int, error) {
	positions, err := e.store.ListPositions(ctx, accountID)
	if err != nil {
		return 0, err
	}

	refreshed := make([]bool, len(positions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, pos := range positions {
		g.Go(func() error {
			inst, err := e.store.GetInstrument(gctx, pos.InstrumentID)
			if err != nil {
				return err
			}
			price, err := e.prices.Resolve(gctx, inst)
			refreshed[i] = err == nil && price.Source == model.PriceLive
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	n := 0
	for _, ok := range refreshed {
		if ok {
			n++
		}
	}
	e.log.Info("prices refreshed", "account_id", accountID, "held", len(positions), "refreshed", n)
	return n, nil
}

// pnlPercent is pnl / invested × 100 rounded to two places, or zero when
// nothing is invested.
func pnlPercent(pnl, invested decimal.Decimal) decimal.Decimal {
	if !invested.IsPositive() {
		return decimal.Zero
	}
	return pnl.Div(invested).Mul(hundred).Round(2)
}
