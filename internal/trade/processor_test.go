package trade_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/quote"
	"github.com/atmx/ledger-engine/internal/risk"
	"github.com/atmx/ledger-engine/internal/store"
	"github.com/atmx/ledger-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	proc   *trade.Processor
	store  store.Store
	prices *quote.Static
	events *recorder
}

// recorder captures TradeExecuted notifications.
type recorder struct {
	mu       sync.Mutex
	receipts []*model.Receipt
}

func (r *recorder) TradeExecuted(rc *model.Receipt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, rc)
}

func newTestEnv(t *testing.T, st store.Store, limiter *risk.Limiter) *testEnv {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	prices := quote.NewStatic(nil)
	resolver := quote.NewResolver(quote.NewGateway(prices, time.Second), st)
	events := &recorder{}
	proc := trade.NewProcessor(st, resolver, trade.Options{
		Limiter:       limiter,
		Events:        events,
		CommitTimeout: time.Second,
	})
	return &testEnv{proc: proc, store: st, prices: prices, events: events}
}

// seedInstrument creates an instrument with no cached price.
func (e *testEnv) seedInstrument(t *testing.T, id, ticker string) {
	t.Helper()
	inst := &model.Instrument{ID: id, Ticker: ticker, Name: ticker, CreatedAt: time.Now().UTC()}
	if err := e.store.CreateInstrument(context.Background(), inst); err != nil {
		t.Fatalf("failed to seed instrument: %v", err)
	}
}

func (e *testEnv) seedAccount(t *testing.T, id string, cash decimal.Decimal) {
	t.Helper()
	acct := &model.Account{ID: id, Name: id, CreatedAt: time.Now().UTC()}
	if err := e.store.CreateAccount(context.Background(), acct, cash); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
}

func (e *testEnv) trade(t *testing.T, account string, side model.Side, qty int64, price float64) (*model.Receipt, error) {
	t.Helper()
	e.prices.Set("XYZ", d(price))
	return e.proc.ExecuteTrade(context.Background(), trade.TradeRequest{
		AccountID:    account,
		InstrumentID: "inst-x",
		Side:         side,
		Quantity:     qty,
	})
}

// snapshot serializes an account's ledger so tests can compare it byte for byte.
func snapshot(t *testing.T, st store.Store, account string) string {
	t.Helper()
	ctx := context.Background()
	cash, err := st.GetCash(ctx, account)
	if err != nil {
		t.Fatalf("get cash: %v", err)
	}
	positions, err := st.ListPositions(ctx, account)
	if err != nil {
		t.Fatalf("list positions: %v", err)
	}
	txns, err := st.ListTransactions(ctx, account, time.Time{})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	data, err := json.Marshal(map[string]any{"cash": cash, "positions": positions, "transactions": txns})
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	return string(data)
}

// --- Concrete scenarios ---

func TestExecuteTrade_BuyThenRejectedBuy(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedInstrument(t, "inst-x", "XYZ")
	env.seedAccount(t, "acct", decimal.RequireFromString("1000.00"))

	rc, err := env.trade(t, "acct", model.SideBuy, 10, 50)
	if err != nil {
		t.Fatalf("first buy failed: %v", err)
	}
	if !rc.CashBalance.Equal(d(500)) {
		t.Errorf("expected cash 500.00, got %s", rc.CashBalance)
	}
	if rc.Position == nil || rc.Position.Quantity != 10 || !rc.Position.AverageCost.Equal(d(50)) {
		t.Fatalf("expected position 10 @ 50, got %+v", rc.Position)
	}
	if rc.PriceSource != model.PriceLive {
		t.Errorf("expected live price, got %s", rc.PriceSource)
	}

	before := snapshot(t, env.store, "acct")

	_, err = env.trade(t, "acct", model.SideBuy, 10, 60)
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if model.KindOf(err) != model.KindRejected {
		t.Errorf("expected rejected kind, got %s", model.KindOf(err))
	}

	if after := snapshot(t, env.store, "acct"); after != before {
		t.Errorf("rejected buy changed the ledger:\nbefore %s\nafter  %s", before, after)
	}

	pos, err := env.store.GetPosition(context.Background(), "acct", "inst-x")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Quantity != 10 || !pos.AverageCost.Equal(d(50)) {
		t.Errorf("expected position unchanged at 10 @ 50, got %d @ %s", pos.Quantity, pos.AverageCost)
	}
}

func TestExecuteTrade_FullSellRemovesPosition(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedInstrument(t, "inst-x", "XYZ")
	env.seedAccount(t, "acct", d(500))

	if _, err := env.trade(t, "acct", model.SideBuy, 10, 50); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	rc, err := env.trade(t, "acct", model.SideSell, 10, 60)
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	if !rc.CashBalance.Equal(d(600)) {
		t.Errorf("expected cash 0 + 600 = 600, got %s", rc.CashBalance)
	}
	if rc.Position != nil {
		t.Errorf("expected no position in receipt, got %+v", rc.Position)
	}

	_, err = env.store.GetPosition(context.Background(), "acct", "inst-x")
	if !errors.Is(err, model.ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}

	txns, err := env.store.ListTransactions(context.Background(), "acct", time.Time{})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txns))
	}
	sell := txns[0]
	if sell.Side != model.SideSell || sell.Quantity != 10 || !sell.Price.Equal(d(60)) {
		t.Errorf("expected newest SELL 10 @ 60, got %s %d @ %s", sell.Side, sell.Quantity, sell.Price)
	}
	if sell.ID != rc.TransactionID {
		t.Errorf("receipt id %s does not match log id %s", rc.TransactionID, sell.ID)
	}
}

// --- Average cost ---

func TestExecuteTrade_AverageCost(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedInstrument(t, "inst-x", "XYZ")
	env.seedAccount(t, "acct", d(10000))

	if _, err := env.trade(t, "acct", model.SideBuy, 10, 50); err != nil {
		t.Fatal(err)
	}
	rc, err := env.trade(t, "acct", model.SideBuy, 10, 60)
	if err != nil {
		t.Fatal(err)
	}
	if rc.Position.Quantity != 20 || !rc.Position.AverageCost.Equal(d(55)) {
		t.Errorf("expected 20 @ 55, got %d @ %s", rc.Position.Quantity, rc.Position.AverageCost)
	}

	// A partial sell keeps the average cost.
	rc, err = env.trade(t, "acct", model.SideSell, 5, 70)
	if err != nil {
		t.Fatal(err)
	}
	if rc.Position.Quantity != 15 || !rc.Position.AverageCost.Equal(d(55)) {
		t.Errorf("expected 15 @ 55 after partial sell, got %d @ %s", rc.Position.Quantity, rc.Position.AverageCost)
	}
}

// --- Rejections ---

func TestExecuteTrade_SellWithoutPosition(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedInstrument(t, "inst-x", "XYZ")
	env.seedAccount(t, "acct", d(100))
	before := snapshot(t, env.store, "acct")

	_, err := env.trade(t, "acct", model.SideSell, 1, 10)
	if !errors.Is(err, model.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
	if after := snapshot(t, env.store, "acct"); after != before {
		t.Error("rejected sell changed the ledger")
	}
}

func TestExecuteTrade_OversellRejected(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedInstrument(t, "inst-x", "XYZ")
	env.seedAccount(t, "acct", d(100))
	if _, err := env.trade(t, "acct", model.SideBuy, 2, 10); err != nil {
		t.Fatal(err)
	}
	before := snapshot(t, env.store, "acct")

	_, err := env.trade(t, "acct", model.SideSell, 3, 10)
	if !errors.Is(err, model.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
	if after := snapshot(t, env.store, "acct"); after != before {
		t.Error("rejected sell changed the ledger")
	}
}

func TestExecuteTrade_ValidationErrors(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedInstrument(t, "inst-x", "XYZ")
	env.seedAccount(t, "acct", d(100))
	env.prices.Set("XYZ", d(10))

	tests := []struct {
		name string
		req  trade.TradeRequest
		want error
	}{
		{"zero quantity", trade.TradeRequest{AccountID: "acct", InstrumentID: "inst-x", Side: model.SideBuy, Quantity: 0}, model.ErrInvalidQuantity},
		{"negative quantity", trade.TradeRequest{AccountID: "acct", InstrumentID: "inst-x", Side: model.SideBuy, Quantity: -5}, model.ErrInvalidQuantity},
		{"bad side", trade.TradeRequest{AccountID: "acct", InstrumentID: "inst-x", Side: "HOLD", Quantity: 1}, model.ErrInvalidSide},
		{"unknown instrument", trade.TradeRequest{AccountID: "acct", InstrumentID: "nope", Side: model.SideBuy, Quantity: 1}, model.ErrInstrumentNotFound},
		{"unknown account", trade.TradeRequest{AccountID: "ghost", InstrumentID: "inst-x", Side: model.SideBuy, Quantity: 1}, model.ErrAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.proc.ExecuteTrade(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if len(env.events.receipts) != 0 {
		t.Errorf("rejected trades must not notify, got %d events", len(env.events.receipts))
	}
}

func TestExecuteTrade_LimitExceeded(t *testing.T) {
	env := newTestEnv(t, nil, risk.NewLimiter(15, decimal.Zero))
	env.seedInstrument(t, "inst-x", "XYZ")
	env.seedAccount(t, "acct", d(10000))

	if _, err := env.trade(t, "acct", model.SideBuy, 10, 10); err != nil {
		t.Fatal(err)
	}
	before := snapshot(t, env.store, "acct")

	_, err := env.trade(t, "acct", model.SideBuy, 6, 10)
	if !errors.Is(err, model.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	if after := snapshot(t, env.store, "acct"); after != before {
		t.Error("limit rejection changed the ledger")
	}
}

// --- Price resolution ---

func TestExecuteTrade_FallsBackToCachedPrice(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedInstrument(t, "inst-x", "XYZ")
	env.seedAccount(t, "acct", d(1000))

	// A first live quote populates the cache.
	if _, err := env.trade(t, "acct", model.SideBuy, 1, 42); err != nil {
		t.Fatal(err)
	}
	env.prices.Delete("XYZ")

	rc, err := env.proc.ExecuteTrade(context.Background(), trade.TradeRequest{
		AccountID: "acct", InstrumentID: "inst-x", Side: model.SideBuy, Quantity: 1,
	})
	if err != nil {
		t.Fatalf("expected cached fallback, got %v", err)
	}
	if rc.PriceSource != model.PriceCached || !rc.Price.Equal(d(42)) {
		t.Errorf("expected cached 42, got %s %s", rc.PriceSource, rc.Price)
	}
}

func TestExecuteTrade_PriceUnavailable(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedInstrument(t, "inst-x", "XYZ")
	env.seedAccount(t, "acct", d(1000))
	before := snapshot(t, env.store, "acct")

	_, err := env.proc.ExecuteTrade(context.Background(), trade.TradeRequest{
		AccountID: "acct", InstrumentID: "inst-x", Side: model.SideBuy, Quantity: 1,
	})
	if !errors.Is(err, model.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	if model.KindOf(err) != model.KindUnavailable {
		t.Errorf("expected unavailable kind, got %s", model.KindOf(err))
	}
	if after := snapshot(t, env.store, "acct"); after != before {
		t.Error("failed trade changed the ledger")
	}
}

func TestExecuteTrade_CancelledCallerGetsNoTrade(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedInstrument(t, "inst-x", "XYZ")
	env.seedAccount(t, "acct", d(1000))
	if err := env.store.UpdateInstrumentPrice(context.Background(), "inst-x", model.Quote{Price: d(10), AsOf: time.Now()}); err != nil {
		t.Fatal(err)
	}
	before := snapshot(t, env.store, "acct")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.proc.ExecuteTrade(ctx, trade.TradeRequest{
		AccountID: "acct", InstrumentID: "inst-x", Side: model.SideBuy, Quantity: 1,
	})
	if !errors.Is(err, model.ErrPriceUnavailable) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ErrPriceUnavailable wrapping context.Canceled, got %v", err)
	}
	if after := snapshot(t, env.store, "acct"); after != before {
		t.Error("cancelled trade changed the ledger")
	}
}

// --- Storage failure ---

// failingStore runs the callback but fails every commit, as a backend would
// when the write is lost.
type failingStore struct {
	store.Store
}

func (f failingStore) RunInTransaction(ctx context.Context, accountID string, fn func(tx store.Tx) error) error {
	return f.Store.RunInTransaction(ctx, accountID, func(tx store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return fmt.Errorf("%w: commit: disk full", model.ErrStorage)
	})
}

func TestExecuteTrade_StorageFailureLeavesNoTrace(t *testing.T) {
	mem := store.NewMemoryStore()
	env := newTestEnv(t, failingStore{mem}, nil)
	env.seedInstrument(t, "inst-x", "XYZ")
	env.seedAccount(t, "acct", d(1000))
	before := snapshot(t, mem, "acct")

	_, err := env.trade(t, "acct", model.SideBuy, 1, 10)
	if model.KindOf(err) != model.KindStorage {
		t.Fatalf("expected storage kind, got %v", err)
	}
	if after := snapshot(t, mem, "acct"); after != before {
		t.Error("failed commit changed the ledger")
	}
	if len(env.events.receipts) != 0 {
		t.Error("failed commit must not notify")
	}
}

// --- Concurrency ---

func TestExecuteTrade_ConcurrentTradesConserveCash(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedInstrument(t, "inst-x", "XYZ")
	env.seedAccount(t, "acct", d(1000))
	env.prices.Set("XYZ", d(10))

	const buyers, sellers = 30, 20
	if _, err := env.proc.ExecuteTrade(context.Background(), trade.TradeRequest{
		AccountID: "acct", InstrumentID: "inst-x", Side: model.SideBuy, Quantity: sellers,
	}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, buyers+sellers)
	for i := 0; i < buyers+sellers; i++ {
		side := model.SideBuy
		if i < sellers {
			side = model.SideSell
		}
		wg.Add(1)
		go func(side model.Side) {
			defer wg.Done()
			_, err := env.proc.ExecuteTrade(context.Background(), trade.TradeRequest{
				AccountID: "acct", InstrumentID: "inst-x", Side: side, Quantity: 1,
			})
			errs <- err
		}(side)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}

	// 1000 - 20*10 (seed) - 30*10 + 20*10 = 700
	cash, err := env.store.GetCash(context.Background(), "acct")
	if err != nil {
		t.Fatal(err)
	}
	if !cash.Equal(d(700)) {
		t.Errorf("expected cash 700, got %s", cash)
	}
	pos, err := env.store.GetPosition(context.Background(), "acct", "inst-x")
	if err != nil {
		t.Fatal(err)
	}
	if pos.Quantity != buyers {
		t.Errorf("expected %d shares, got %d", buyers, pos.Quantity)
	}
	txns, _ := env.store.ListTransactions(context.Background(), "acct", time.Time{})
	if len(txns) != 1+buyers+sellers {
		t.Errorf("expected %d transactions, got %d", 1+buyers+sellers, len(txns))
	}
}

// gatedStore holds the first ledger scope at the door until release is
// closed, so a later request can commit ahead of it.
type gatedStore struct {
	store.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) RunInTransaction(ctx context.Context, accountID string, fn func(tx store.Tx) error) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Store.RunInTransaction(ctx, accountID, fn)
}

// tickClock advances one second on every call.
type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func TestExecuteTrade_LogFollowsCommitOrder(t *testing.T) {
	gated := &gatedStore{
		Store:   store.NewMemoryStore(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	env := newTestEnv(t, gated, nil)
	env.seedInstrument(t, "inst-x", "XYZ")
	env.seedAccount(t, "acct", d(1000))
	env.prices.Set("XYZ", d(10))

	clock := &tickClock{now: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)}
	resolver := quote.NewResolver(quote.NewGateway(env.prices, time.Second), gated)
	proc := trade.NewProcessor(gated, resolver, trade.Options{CommitTimeout: 5 * time.Second, Clock: clock.Now})
	ctx := context.Background()

	// The SELL asks first but waits; the BUY that funds it commits first.
	type result struct {
		rc  *model.Receipt
		err error
	}
	sold := make(chan result, 1)
	go func() {
		rc, err := proc.ExecuteTrade(ctx, trade.TradeRequest{
			AccountID: "acct", InstrumentID: "inst-x", Side: model.SideSell, Quantity: 5,
		})
		sold <- result{rc, err}
	}()
	<-gated.entered

	bought, err := proc.ExecuteTrade(ctx, trade.TradeRequest{
		AccountID: "acct", InstrumentID: "inst-x", Side: model.SideBuy, Quantity: 5,
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	close(gated.release)
	sell := <-sold
	if sell.err != nil {
		t.Fatalf("sell: %v", sell.err)
	}

	if !sell.rc.ExecutedAt.After(bought.ExecutedAt) {
		t.Errorf("sell executed at %s, not after buy at %s", sell.rc.ExecutedAt, bought.ExecutedAt)
	}
	if sell.rc.TransactionID <= bought.TransactionID {
		t.Errorf("sell id %s does not sort after buy id %s", sell.rc.TransactionID, bought.TransactionID)
	}

	txns, err := gated.ListTransactions(ctx, "acct", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 2 || txns[0].Side != model.SideSell || txns[1].Side != model.SideBuy {
		t.Fatalf("expected SELL then BUY (newest first), got %+v", txns)
	}
	if !txns[0].Timestamp.After(txns[1].Timestamp) {
		t.Errorf("log timestamps disagree with commit order: sell %s, buy %s", txns[0].Timestamp, txns[1].Timestamp)
	}

	// Replaying the log oldest first never sells shares it does not hold.
	var held int64
	for i := len(txns) - 1; i >= 0; i-- {
		if txns[i].Side == model.SideBuy {
			held += txns[i].Quantity
		} else {
			held -= txns[i].Quantity
		}
		if held < 0 {
			t.Fatalf("replay oversells at %s", txns[i].ID)
		}
	}
}

// --- Cash operations ---

func TestDepositWithdraw(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedAccount(t, "acct", d(100))
	ctx := context.Background()

	bal, err := env.proc.Deposit(ctx, "acct", d(50.5))
	if err != nil || !bal.Equal(d(150.5)) {
		t.Fatalf("expected 150.5, got %s %v", bal, err)
	}

	bal, err = env.proc.Withdraw(ctx, "acct", d(150.5))
	if err != nil || !bal.IsZero() {
		t.Fatalf("expected 0, got %s %v", bal, err)
	}

	_, err = env.proc.Withdraw(ctx, "acct", d(0.01))
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	for _, amt := range []decimal.Decimal{decimal.Zero, d(-5)} {
		if _, err := env.proc.Deposit(ctx, "acct", amt); !errors.Is(err, model.ErrInvalidAmount) {
			t.Errorf("deposit %s: expected ErrInvalidAmount, got %v", amt, err)
		}
		if _, err := env.proc.Withdraw(ctx, "acct", amt); !errors.Is(err, model.ErrInvalidAmount) {
			t.Errorf("withdraw %s: expected ErrInvalidAmount, got %v", amt, err)
		}
	}

	if _, err := env.proc.Deposit(ctx, "ghost", d(1)); !errors.Is(err, model.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestOpenCloseAccount(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	acct, err := env.proc.OpenAccount(ctx, "  Alice  ", d(25))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if acct.Name != "Alice" || acct.ID == "" {
		t.Errorf("unexpected account %+v", acct)
	}
	cash, err := env.store.GetCash(ctx, acct.ID)
	if err != nil || !cash.Equal(d(25)) {
		t.Errorf("expected opening cash 25, got %s %v", cash, err)
	}

	if _, err := env.proc.OpenAccount(ctx, "Bob", d(-1)); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}

	if err := env.proc.CloseAccount(ctx, acct.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := env.store.GetAccount(ctx, acct.ID); !errors.Is(err, model.ErrAccountNotFound) {
		t.Errorf("expected account gone, got %v", err)
	}
}

func TestExecuteTrade_NotifiesAndWritesBackPrice(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seedInstrument(t, "inst-x", "XYZ")
	env.seedAccount(t, "acct", d(1000))

	rc, err := env.trade(t, "acct", model.SideBuy, 1, 99.5)
	if err != nil {
		t.Fatal(err)
	}
	if len(env.events.receipts) != 1 || env.events.receipts[0].TransactionID != rc.TransactionID {
		t.Errorf("expected one trade_executed event for %s", rc.TransactionID)
	}

	inst, err := env.store.GetInstrument(context.Background(), "inst-x")
	if err != nil {
		t.Fatal(err)
	}
	if !inst.Price.Equal(d(99.5)) || !inst.HasPrice() {
		t.Errorf("expected cached price 99.5 after a live quote, got %s", inst.Price)
	}
}
