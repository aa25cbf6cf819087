package valuation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/quote"
	"github.com/atmx/ledger-engine/internal/store"
	"github.com/atmx/ledger-engine/internal/valuation"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// seed builds an account holding AAPL (10 @ 100), MSFT (5 @ 200) and
// NOPE (2 @ 30, never priced), with 1000 cash.
func seed(t *testing.T) (*store.MemoryStore, *quote.Static) {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	now := time.Now().UTC()

	for _, inst := range []*model.Instrument{
		{ID: "i-aapl", Ticker: "AAPL", Name: "Apple", CreatedAt: now},
		{ID: "i-msft", Ticker: "MSFT", Name: "Microsoft", CreatedAt: now,
			Price: d(190), Change: d(-1), ChangePercent: d(-0.52), PriceUpdatedAt: now},
		{ID: "i-nope", Ticker: "NOPE", Name: "Unpriced", CreatedAt: now},
	} {
		if err := ms.CreateInstrument(ctx, inst); err != nil {
			t.Fatal(err)
		}
	}
	if err := ms.CreateAccount(ctx, &model.Account{ID: "acct", CreatedAt: now}, d(1000)); err != nil {
		t.Fatal(err)
	}
	err := ms.RunInTransaction(ctx, "acct", func(tx store.Tx) error {
		tx.PutPosition(model.Position{AccountID: "acct", InstrumentID: "i-aapl", Quantity: 10, AverageCost: d(100), UpdatedAt: now})
		tx.PutPosition(model.Position{AccountID: "acct", InstrumentID: "i-msft", Quantity: 5, AverageCost: d(200), UpdatedAt: now})
		tx.PutPosition(model.Position{AccountID: "acct", InstrumentID: "i-nope", Quantity: 2, AverageCost: d(30), UpdatedAt: now})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Only AAPL has a live quote; MSFT falls back to its cached price.
	return ms, quote.NewStatic(map[string]decimal.Decimal{"AAPL": d(110)})
}

func newEngine(ms *store.MemoryStore, src *quote.Static) *valuation.Engine {
	return valuation.NewEngine(ms, quote.NewResolver(quote.NewGateway(src, time.Second), ms), 2)
}

func byTicker(v *model.Valuation) map[string]model.PositionValuation {
	out := make(map[string]model.PositionValuation, len(v.Positions))
	for _, p := range v.Positions {
		out[p.Ticker] = p
	}
	return out
}

func TestGetValuation(t *testing.T) {
	ms, src := seed(t)
	eng := newEngine(ms, src)

	v, err := eng.GetValuation(context.Background(), "acct")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows := byTicker(v)
	if len(rows) != 3 {
		t.Fatalf("expected 3 positions, got %d", len(rows))
	}

	aapl := rows["AAPL"]
	if aapl.PriceSource != model.PriceLive || !aapl.MarketValue.Equal(d(1100)) || !aapl.PnL.Equal(d(100)) {
		t.Errorf("AAPL: unexpected %+v", aapl)
	}
	if !aapl.PnLPercent.Equal(d(10)) {
		t.Errorf("AAPL: expected 10%%, got %s", aapl.PnLPercent)
	}

	msft := rows["MSFT"]
	if msft.PriceSource != model.PriceCached || !msft.MarketValue.Equal(d(950)) || !msft.PnL.Equal(d(-50)) {
		t.Errorf("MSFT: unexpected %+v", msft)
	}
	if !msft.ChangePercent.Equal(d(-0.52)) {
		t.Errorf("MSFT: expected cached change percent, got %s", msft.ChangePercent)
	}

	nope := rows["NOPE"]
	if nope.PriceSource != model.PriceStale || !nope.Price.Equal(d(30)) || !nope.PnL.IsZero() {
		t.Errorf("NOPE: expected stale at cost, got %+v", nope)
	}

	// invested 1000 + 1000 + 60, market 1100 + 950 + 60
	if !v.InvestedValue.Equal(d(2060)) || !v.MarketValue.Equal(d(2110)) {
		t.Errorf("unexpected totals invested %s market %s", v.InvestedValue, v.MarketValue)
	}
	if !v.UnrealizedPnL.Equal(d(50)) {
		t.Errorf("expected pnl 50, got %s", v.UnrealizedPnL)
	}
	if !v.PnLPercent.Equal(d(2.43)) {
		t.Errorf("expected pnl percent 2.43, got %s", v.PnLPercent)
	}
	if !v.TotalValue.Equal(d(3110)) {
		t.Errorf("expected total 3110, got %s", v.TotalValue)
	}
}

func TestGetValuation_DoesNotTouchLedger(t *testing.T) {
	ms, src := seed(t)
	eng := newEngine(ms, src)
	ctx := context.Background()

	before, _ := ms.ListPositions(ctx, "acct")
	if _, err := eng.GetValuation(ctx, "acct"); err != nil {
		t.Fatal(err)
	}
	after, _ := ms.ListPositions(ctx, "acct")
	cash, _ := ms.GetCash(ctx, "acct")

	if len(before) != len(after) || !cash.Equal(d(1000)) {
		t.Error("valuation changed the ledger")
	}
	for i := range before {
		if before[i].Quantity != after[i].Quantity || !before[i].AverageCost.Equal(after[i].AverageCost) {
			t.Errorf("position %s changed", before[i].InstrumentID)
		}
	}

	// The live AAPL quote was written back to the catalog.
	inst, _ := ms.GetInstrument(ctx, "i-aapl")
	if !inst.Price.Equal(d(110)) {
		t.Errorf("expected AAPL cached price 110, got %s", inst.Price)
	}
}

// interleavingStore commits one trade right after the first ledger read
// returns, as a concurrent request would.
type interleavingStore struct {
	store.Store
	once  sync.Once
	trade func()
}

func (s *interleavingStore) after() { s.once.Do(s.trade) }

func (s *interleavingStore) GetCash(ctx context.Context, accountID string) (decimal.Decimal, error) {
	defer s.after()
	return s.Store.GetCash(ctx, accountID)
}

func (s *interleavingStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	defer s.after()
	return s.Store.ListPositions(ctx, accountID)
}

func (s *interleavingStore) GetLedger(ctx context.Context, accountID string) (decimal.Decimal, []model.Position, error) {
	defer s.after()
	return s.Store.GetLedger(ctx, accountID)
}

func TestGetValuation_ConcurrentTradeSeenWholeOrNotAtAll(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	if err := ms.CreateInstrument(ctx, &model.Instrument{ID: "i-xyz", Ticker: "XYZ", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := ms.CreateAccount(ctx, &model.Account{ID: "acct", CreatedAt: now}, d(1000)); err != nil {
		t.Fatal(err)
	}

	// BUY 50 @ 10 moves 500 from cash into the position; the total is unchanged.
	st := &interleavingStore{Store: ms, trade: func() {
		err := ms.RunInTransaction(ctx, "acct", func(tx store.Tx) error {
			tx.SetCash(d(500))
			tx.PutPosition(model.Position{AccountID: "acct", InstrumentID: "i-xyz", Quantity: 50, AverageCost: d(10), UpdatedAt: now})
			tx.AppendTransaction(model.Transaction{
				ID: "t-1", AccountID: "acct", InstrumentID: "i-xyz", Ticker: "XYZ",
				Side: model.SideBuy, Quantity: 50, Price: d(10), Notional: d(500), Timestamp: now,
			})
			return nil
		})
		if err != nil {
			t.Errorf("interleaved trade: %v", err)
		}
	}}
	src := quote.NewStatic(map[string]decimal.Decimal{"XYZ": d(10)})
	eng := valuation.NewEngine(st, quote.NewResolver(quote.NewGateway(src, time.Second), st), 2)

	v, err := eng.GetValuation(ctx, "acct")
	if err != nil {
		t.Fatal(err)
	}
	if !v.TotalValue.Equal(d(1000)) {
		t.Errorf("expected total 1000, got cash %s + market %s = %s", v.Cash, v.MarketValue, v.TotalValue)
	}
	if !v.Cash.Add(v.InvestedValue).Equal(d(1000)) {
		t.Errorf("cash %s and positions %s come from different ledger states", v.Cash, v.InvestedValue)
	}
}

func TestGetValuation_EmptyAccount(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	if err := ms.CreateAccount(ctx, &model.Account{ID: "empty"}, d(5)); err != nil {
		t.Fatal(err)
	}
	eng := newEngine(ms, quote.NewStatic(nil))

	v, err := eng.GetValuation(ctx, "empty")
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Positions) != 0 || !v.PnLPercent.IsZero() || !v.TotalValue.Equal(d(5)) {
		t.Errorf("unexpected empty valuation %+v", v)
	}
}

func TestGetValuation_UnknownAccount(t *testing.T) {
	eng := newEngine(store.NewMemoryStore(), quote.NewStatic(nil))
	if _, err := eng.GetValuation(context.Background(), "ghost"); !errors.Is(err, model.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestRefreshPrices(t *testing.T) {
	ms, src := seed(t)
	src.Set("NOPE", d(31))
	eng := newEngine(ms, src)
	ctx := context.Background()

	n, err := eng.RefreshPrices(ctx, "acct")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 refreshed (AAPL, NOPE), got %d", n)
	}
	inst, _ := ms.GetInstrument(ctx, "i-nope")
	if !inst.HasPrice() || !inst.Price.Equal(d(31)) {
		t.Errorf("expected NOPE priced at 31, got %+v", inst)
	}
}
