package quote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// writeBackTimeout bounds the best-effort catalog update after a live quote.
const writeBackTimeout = 2 * time.Second

// Quoter returns a current quote. *Gateway implements it.
type Quoter interface {
	GetQuote(ctx context.Context, ticker string) (model.Quote, error)
}

// Catalog receives live quotes so the instrument's cached price stays fresh.
type Catalog interface {
	UpdateInstrumentPrice(ctx context.Context, id string, q model.Quote) error
}

// Price is a resolved price and where it came from.
type Price struct {
	Value  decimal.Decimal
	Source model.PriceSource
	Quote  model.Quote // the full quote; zero unless Source is live
}

// Resolver picks the price for an instrument: a live quote when the source
// answers in time, otherwise the instrument's last known price.
type Resolver struct {
	quotes  Quoter
	catalog Catalog

	// OnUpdate, if set, is called after a live quote was written back.
	OnUpdate func(inst model.Instrument, q model.Quote)

	log *slog.Logger
}

// NewResolver creates a resolver. A nil quotes always falls back to the
// cached price.
func NewResolver(quotes Quoter, catalog Catalog) *Resolver {
	return &Resolver{
		quotes:  quotes,
		catalog: catalog,
		log:     slog.Default().With("component", "price-resolver"),
	}
}

// Resolve returns the price to use for inst, or an error wrapping
// model.ErrPriceUnavailable when there is neither a live nor a cached price.
func (r *Resolver) Resolve(ctx context.Context, inst *model.Instrument) (Price, error) {
	if r.quotes != nil {
		q, err := r.quotes.GetQuote(ctx, inst.Ticker)
		if err == nil {
			r.writeBack(ctx, inst, q)
			return Price{Value: q.Price, Source: model.PriceLive, Quote: q}, nil
		}
	}
	if inst.HasPrice() {
		return Price{Value: inst.Price, Source: model.PriceCached}, nil
	}
	return Price{}, fmt.Errorf("%s: no live or cached price: %w", inst.Ticker, model.ErrPriceUnavailable)
}

// writeBack records q in the catalog. Failures are logged and ignored; the
// caller already has its price.
func (r *Resolver) writeBack(ctx context.Context, inst *model.Instrument, q model.Quote) {
	if r.catalog == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeBackTimeout)
	defer cancel()
	if err := r.catalog.UpdateInstrumentPrice(wctx, inst.ID, q); err != nil {
		r.log.Warn("price write-back failed", "instrument_id", inst.ID, "ticker", inst.Ticker, "err", err)
		return
	}
	if r.OnUpdate != nil {
		updated := *inst
		updated.Price = q.Price
		updated.Change = q.Change
		updated.ChangePercent = q.ChangePercent
		updated.PriceUpdatedAt = q.AsOf
		r.OnUpdate(updated, q)
	}
}
