package quote

import (
	"context"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// Alpaca reads the latest trade from Alpaca's market-data snapshot endpoint.
// Change is measured against the previous daily close.
type Alpaca struct {
	client *marketdata.Client
}

// NewAlpaca creates an Alpaca source. An empty dataURL selects the
// library's default endpoint.
func NewAlpaca(apiKey, apiSecret, dataURL string) *Alpaca {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &Alpaca{client: marketdata.NewClient(opts)}
}

func (a *Alpaca) Name() string { return "alpaca" }

// Quote does not take ctx into the client, which has no context support;
// the Gateway deadline still bounds the caller.
func (a *Alpaca) Quote(_ context.Context, ticker string) (model.Quote, error) {
	snap, err := a.client.GetSnapshot(ticker, marketdata.GetSnapshotRequest{})
	if err != nil {
		return model.Quote{}, fmt.Errorf("alpaca snapshot %s: %w", ticker, err)
	}
	if snap == nil || snap.LatestTrade == nil {
		return model.Quote{}, fmt.Errorf("alpaca snapshot %s: no latest trade", ticker)
	}

	q := model.Quote{
		Ticker: ticker,
		Price:  decimal.NewFromFloat(snap.LatestTrade.Price),
		AsOf:   snap.LatestTrade.Timestamp.UTC(),
	}
	if snap.PrevDailyBar != nil && snap.PrevDailyBar.Close > 0 {
		prev := decimal.NewFromFloat(snap.PrevDailyBar.Close)
		q.Change = q.Price.Sub(prev)
		q.ChangePercent = q.Change.Div(prev).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return q, nil
}
