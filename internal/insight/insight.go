// Package insight produces plain-English commentary on an account, on a
// single instrument, and on the catalog as a whole.
//
// Providers only ever see snapshots: a finished valuation plus the recent
// transaction log, or an instrument with its resolved price. They have no
// handle on the store and cannot move money.
package insight

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/quote"
)

// DefaultWindow is how far back recent transactions are included.
const DefaultWindow = 30 * 24 * time.Hour

// Snapshot is the read-only view handed to a provider.
type Snapshot struct {
	Valuation model.Valuation     `json:"valuation"`
	Recent    []model.Transaction `json:"recent_transactions"`
}

// InstrumentSnapshot is one instrument with the price an order would use
// now. Source is stale and Price zero when no price is known.
type InstrumentSnapshot struct {
	Instrument    model.Instrument  `json:"instrument"`
	Price         decimal.Decimal   `json:"price"`
	Source        model.PriceSource `json:"source"`
	Change        decimal.Decimal   `json:"change"`
	ChangePercent decimal.Decimal   `json:"change_percent"`
}

// Provider turns snapshots into commentary.
type Provider interface {
	Name() string
	Insights(ctx context.Context, s Snapshot) (string, error)
	InstrumentInsights(ctx context.Context, s InstrumentSnapshot) (string, error)
}

// Valuer marks an account to market. *valuation.Engine implements it.
type Valuer interface {
	GetValuation(ctx context.Context, accountID string) (*model.Valuation, error)
}

// History lists an account's transactions newest first.
type History interface {
	ListTransactions(ctx context.Context, accountID string, since time.Time) ([]model.Transaction, error)
}

// Catalog reads the instrument catalog. store.Store implements it.
type Catalog interface {
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)
	ListInstruments(ctx context.Context) ([]model.Instrument, error)
}

// Pricer resolves the current price of an instrument. *quote.Resolver
// implements it.
type Pricer interface {
	Resolve(ctx context.Context, inst *model.Instrument) (quote.Price, error)
}

// Report is the result returned to API callers.
type Report struct {
	AccountID   string    `json:"account_id"`
	Provider    string    `json:"provider"`
	Text        string    `json:"text"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Service assembles snapshots and asks a provider about them. When the
// provider fails, the heuristic provider answers instead.
type Service struct {
	valuer   Valuer
	history  History
	catalog  Catalog
	prices   Pricer
	provider Provider
	fallback Provider
	window   time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// NewService creates a service. A nil provider uses the heuristic one.
func NewService(valuer Valuer, history History, provider Provider) *Service {
	fallback := NewHeuristic()
	if provider == nil {
		provider = fallback
	}
	return &Service{
		valuer:   valuer,
		history:  history,
		provider: provider,
		fallback: fallback,
		window:   DefaultWindow,
		now:      time.Now,
		log:      slog.Default().With("component", "insight"),
	}
}

// Snapshot builds the read-only view of an account.
func (s *Service) Snapshot(ctx context.Context, accountID string) (Snapshot, error) {
	v, err := s.valuer.GetValuation(ctx, accountID)
	if err != nil {
		return Snapshot{}, err
	}
	recent, err := s.history.ListTransactions(ctx, accountID, s.now().Add(-s.window))
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Valuation: *v, Recent: recent}, nil
}

// Insights returns commentary for an account. Errors from loading the
// snapshot are returned as is; provider errors fall back to the heuristic.
func (s *Service) Insights(ctx context.Context, accountID string) (*Report, error) {
	snap, err := s.Snapshot(ctx, accountID)
	if err != nil {
		return nil, err
	}

	provider := s.provider
	text, err := provider.Insights(ctx, snap)
	if err != nil && provider != s.fallback {
		s.log.Warn("insight provider failed, using heuristic",
			"provider", provider.Name(), "account_id", accountID, "err", err)
		provider = s.fallback
		text, err = provider.Insights(ctx, snap)
	}
	if err != nil {
		return nil, err
	}

	return &Report{
		AccountID:   accountID,
		Provider:    provider.Name(),
		Text:        text,
		GeneratedAt: s.now().UTC(),
	}, nil
}

// WithInstruments enables instrument insights and market sentiment.
func (s *Service) WithInstruments(catalog Catalog, prices Pricer) *Service {
	s.catalog = catalog
	s.prices = prices
	return s
}

// InstrumentReport is commentary on one instrument.
type InstrumentReport struct {
	InstrumentID string            `json:"instrument_id"`
	Ticker       string            `json:"ticker"`
	Name         string            `json:"name"`
	Price        decimal.Decimal   `json:"price"`
	Source       model.PriceSource `json:"source"`
	Provider     string            `json:"provider"`
	Text         string            `json:"text"`
	GeneratedAt  time.Time         `json:"generated_at"`
}

// InstrumentSnapshot builds the read-only view of an instrument. A missing
// price is not an error.
func (s *Service) InstrumentSnapshot(ctx context.Context, instrumentID string) (InstrumentSnapshot, error) {
	if s.catalog == nil || s.prices == nil {
		return InstrumentSnapshot{}, errors.New("insight: instrument insights are not configured")
	}
	inst, err := s.catalog.GetInstrument(ctx, instrumentID)
	if err != nil {
		return InstrumentSnapshot{}, err
	}
	snap := InstrumentSnapshot{Instrument: *inst, Source: model.PriceStale}
	price, err := s.prices.Resolve(ctx, inst)
	switch {
	case err == nil:
		snap.Price = price.Value
		snap.Source = price.Source
		snap.Change, snap.ChangePercent = inst.Change, inst.ChangePercent
		if price.Source == model.PriceLive {
			snap.Change, snap.ChangePercent = price.Quote.Change, price.Quote.ChangePercent
		}
	case errors.Is(err, model.ErrPriceUnavailable):
	default:
		return InstrumentSnapshot{}, err
	}
	return snap, nil
}

// InstrumentInsights returns commentary on one instrument, falling back to
// the heuristic when the provider fails.
func (s *Service) InstrumentInsights(ctx context.Context, instrumentID string) (*InstrumentReport, error) {
	snap, err := s.InstrumentSnapshot(ctx, instrumentID)
	if err != nil {
		return nil, err
	}

	provider := s.provider
	text, err := provider.InstrumentInsights(ctx, snap)
	if err != nil && provider != s.fallback {
		s.log.Warn("insight provider failed, using heuristic",
			"provider", provider.Name(), "instrument_id", instrumentID, "err", err)
		provider = s.fallback
		text, err = provider.InstrumentInsights(ctx, snap)
	}
	if err != nil {
		return nil, err
	}

	inst := snap.Instrument
	return &InstrumentReport{
		InstrumentID: inst.ID,
		Ticker:       inst.Ticker,
		Name:         inst.Name,
		Price:        snap.Price,
		Source:       snap.Source,
		Provider:     provider.Name(),
		Text:         text,
		GeneratedAt:  s.now().UTC(),
	}, nil
}

// MarketSentiment summarizes the day's moves across the catalog from the
// cached quotes. It makes no quote requests.
func (s *Service) MarketSentiment(ctx context.Context) (*Sentiment, error) {
	if s.catalog == nil {
		return nil, errors.New("insight: market sentiment is not configured")
	}
	insts, err := s.catalog.ListInstruments(ctx)
	if err != nil {
		return nil, err
	}
	sent := sentimentOf(insts)
	sent.GeneratedAt = s.now().UTC()
	return sent, nil
}
