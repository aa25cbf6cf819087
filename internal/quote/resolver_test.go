package quote_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/quote"
)

type fakeCatalog struct {
	updates map[string]model.Quote
	err     error
}

func (c *fakeCatalog) UpdateInstrumentPrice(_ context.Context, id string, q model.Quote) error {
	if c.err != nil {
		return c.err
	}
	if c.updates == nil {
		c.updates = make(map[string]model.Quote)
	}
	c.updates[id] = q
	return nil
}

func instrument(cached float64) *model.Instrument {
	inst := &model.Instrument{ID: "inst-1", Ticker: "AAPL", Name: "Apple"}
	if cached > 0 {
		inst.Price = d(cached)
		inst.PriceUpdatedAt = time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	}
	return inst
}

func TestResolver_LiveQuoteWrittenBack(t *testing.T) {
	src := quote.NewStatic(map[string]decimal.Decimal{"AAPL": d(101)})
	cat := &fakeCatalog{}
	r := quote.NewResolver(quote.NewGateway(src, time.Second), cat)

	var notified model.Instrument
	r.OnUpdate = func(inst model.Instrument, _ model.Quote) { notified = inst }

	p, err := r.Resolve(context.Background(), instrument(99))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Source != model.PriceLive || !p.Value.Equal(d(101)) {
		t.Errorf("expected live 101, got %s %s", p.Source, p.Value)
	}
	if q, ok := cat.updates["inst-1"]; !ok || !q.Price.Equal(d(101)) {
		t.Errorf("expected write-back of 101, got %+v", cat.updates)
	}
	if !notified.Price.Equal(d(101)) || !notified.HasPrice() {
		t.Errorf("expected OnUpdate with the new price, got %+v", notified)
	}
}

func TestResolver_FallsBackToCached(t *testing.T) {
	cat := &fakeCatalog{}
	r := quote.NewResolver(quote.NewGateway(quote.NewStatic(nil), time.Second), cat)

	p, err := r.Resolve(context.Background(), instrument(99))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Source != model.PriceCached || !p.Value.Equal(d(99)) {
		t.Errorf("expected cached 99, got %s %s", p.Source, p.Value)
	}
	if len(cat.updates) != 0 {
		t.Error("cached fallback must not write back")
	}
}

func TestResolver_NoPriceAtAll(t *testing.T) {
	r := quote.NewResolver(nil, nil)

	_, err := r.Resolve(context.Background(), instrument(0))
	if !errors.Is(err, model.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestResolver_WriteBackFailureIgnored(t *testing.T) {
	src := quote.NewStatic(map[string]decimal.Decimal{"AAPL": d(101)})
	cat := &fakeCatalog{err: errors.New("db down")}
	r := quote.NewResolver(quote.NewGateway(src, time.Second), cat)
	r.OnUpdate = func(model.Instrument, model.Quote) { t.Error("OnUpdate must not fire when the write-back fails") }

	p, err := r.Resolve(context.Background(), instrument(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Source != model.PriceLive {
		t.Errorf("expected live price, got %s", p.Source)
	}
}
