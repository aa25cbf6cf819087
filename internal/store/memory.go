package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

const logDegree = 16

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Each account carries its own lock, so ledger scopes on different accounts
// never contend. The store-wide RWMutex only guards the account and
// instrument maps themselves.
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*memAccount
	instruments map[string]*model.Instrument
	tickers     map[string]string // ticker → instrument ID
	seq         int64             // guarded by mu (write lock)
}

type memAccount struct {
	lock      chan struct{} // capacity 1; held for the whole ledger scope
	account   model.Account
	cash      decimal.Decimal
	positions map[string]model.Position
	log       *btree.BTreeG[model.Transaction]
	ids       map[string]struct{}
	deleted   bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*memAccount),
		instruments: make(map[string]*model.Instrument),
		tickers:     make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account, initialCash decimal.Decimal) error {
	if initialCash.IsNegative() {
		return model.Invalid(model.ErrInvalidAmount, "initial cash must be >= 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("account %s: %w", a.ID, model.ErrAccountExists)
	}
	s.accounts[a.ID] = &memAccount{
		lock:      make(chan struct{}, 1),
		account:   *a,
		cash:      initialCash,
		positions: make(map[string]model.Position),
		log:       btree.NewG[model.Transaction](logDegree, model.Transaction.Before),
		ids:       make(map[string]struct{}),
	}
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrAccountNotFound)
	}
	copy := a.account
	return &copy, nil
}

func (s *MemoryStore) DeleteAccount(ctx context.Context, id string) error {
	a, err := s.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer a.release()

	s.mu.Lock()
	defer s.mu.Unlock()
	a.deleted = true
	delete(s.accounts, id)
	return nil
}

// --- Instrument catalog ---

func (s *MemoryStore) CreateInstrument(_ context.Context, inst *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instruments[inst.ID]; ok {
		return fmt.Errorf("instrument %s: %w", inst.ID, model.ErrInstrumentExists)
	}
	if _, ok := s.tickers[inst.Ticker]; ok {
		return fmt.Errorf("ticker %s: %w", inst.Ticker, model.ErrInstrumentExists)
	}

	// Store a copy to avoid external mutation.
	copy := *inst
	s.instruments[inst.ID] = &copy
	s.tickers[inst.Ticker] = inst.ID
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[id]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", id, model.ErrInstrumentNotFound)
	}
	copy := *inst
	return &copy, nil
}

func (s *MemoryStore) GetInstrumentByTicker(_ context.Context, ticker string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tickers[ticker]
	if !ok {
		return nil, fmt.Errorf("ticker %s: %w", ticker, model.ErrInstrumentNotFound)
	}
	copy := *s.instruments[id]
	return &copy, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (s *MemoryStore) UpdateInstrumentPrice(_ context.Context, id string, q model.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[id]
	if !ok {
		return fmt.Errorf("instrument %s: %w", id, model.ErrInstrumentNotFound)
	}
	inst.Price = q.Price
	inst.Change = q.Change
	inst.ChangePercent = q.ChangePercent
	inst.PriceUpdatedAt = quoteTime(q)
	return nil
}

// --- Ledger ---

func (s *MemoryStore) RunInTransaction(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	a, err := s.acquire(ctx, accountID)
	if err != nil {
		return err
	}
	defer a.release()

	tx := &memTx{Batch: newBatch(), account: a}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.Batch.Empty() {
		return nil
	}
	return s.commit(ctx, a, tx.Batch)
}

// commit applies a batch to an account whose lock is held by the caller.
// Every check runs before the first write so a failure leaves no trace.
func (s *MemoryStore) commit(ctx context.Context, a *memAccount, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return storageErr("commit", err)
	}
	accountID := a.account.ID
	if err := b.validate(accountID); err != nil {
		return err
	}
	for _, t := range b.Appends {
		if _, dup := a.ids[t.ID]; dup {
			return fmt.Errorf("store: transaction %s: %w", t.ID, model.ErrDuplicateTransaction)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range b.instrumentIDs() {
		if _, ok := s.instruments[id]; !ok {
			return fmt.Errorf("store: instrument %s: %w", id, model.ErrInstrumentNotFound)
		}
	}

	if b.Cash != nil {
		a.cash = *b.Cash
	}
	for id, p := range b.Upserts {
		a.positions[id] = p
	}
	for id := range b.Deletes {
		delete(a.positions, id)
	}
	for _, t := range b.Appends {
		s.seq++
		t.Seq = s.seq
		a.log.ReplaceOrInsert(t)
		a.ids[t.ID] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) GetCash(ctx context.Context, accountID string) (decimal.Decimal, error) {
	a, err := s.acquire(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	defer a.release()
	return a.cash, nil
}

func (s *MemoryStore) GetPosition(ctx context.Context, accountID, instrumentID string) (*model.Position, error) {
	a, err := s.acquire(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer a.release()
	return a.position(instrumentID)
}

func (s *MemoryStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	a, err := s.acquire(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer a.release()
	return a.sortedPositions(), nil
}

func (s *MemoryStore) GetLedger(ctx context.Context, accountID string) (decimal.Decimal, []model.Position, error) {
	a, err := s.acquire(ctx, accountID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	defer a.release()
	return a.cash, a.sortedPositions(), nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, accountID string, since time.Time) ([]model.Transaction, error) {
	a, err := s.acquire(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer a.release()

	out := make([]model.Transaction, 0)
	a.log.Descend(func(t model.Transaction) bool {
		if t.Timestamp.Before(since) {
			return false
		}
		out = append(out, t)
		return true
	})
	return out, nil
}

// acquire looks up an account and takes its lock, giving up when ctx is done.
func (s *MemoryStore) acquire(ctx context.Context, accountID string) (*memAccount, error) {
	s.mu.RLock()
	a, ok := s.accounts[accountID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, model.ErrAccountNotFound)
	}

	select {
	case a.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, storageErr("acquire account lock", ctx.Err())
	}

	// The account may have been removed while we waited.
	if a.deleted {
		a.release()
		return nil, fmt.Errorf("account %s: %w", accountID, model.ErrAccountNotFound)
	}
	return a, nil
}

func (a *memAccount) release() {
	<-a.lock
}

func (a *memAccount) position(instrumentID string) (*model.Position, error) {
	p, ok := a.positions[instrumentID]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", a.account.ID, instrumentID, model.ErrPositionNotFound)
	}
	return &p, nil
}

func (a *memAccount) sortedPositions() []model.Position {
	out := make([]model.Position, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}

// memTx reads the locked account directly and stages writes in its Batch.
type memTx struct {
	*Batch
	account *memAccount
}

func (t *memTx) AccountID() string { return t.account.account.ID }

func (t *memTx) GetCash(_ context.Context) (decimal.Decimal, error) {
	return t.account.cash, nil
}

func (t *memTx) GetPosition(_ context.Context, instrumentID string) (*model.Position, error) {
	return t.account.position(instrumentID)
}

// quoteTime returns the observation time of a quote, defaulting to now.
func quoteTime(q model.Quote) time.Time {
	if q.AsOf.IsZero() {
		return time.Now().UTC()
	}
	return q.AsOf.UTC()
}
