package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for the
// instrument catalog. Ledger state (cash, positions, transactions) is never
// cached; it always comes from the primary. A Redis failure degrades to a
// cache miss.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	if err := s.primary.CreateInstrument(ctx, inst); err != nil {
		return err
	}
	s.cacheInstrument(ctx, inst)
	return nil
}

func (s *CachedStore) UpdateInstrumentPrice(ctx context.Context, id string, q model.Quote) error {
	if err := s.primary.UpdateInstrumentPrice(ctx, id, q); err != nil {
		return err
	}
	// Invalidate; the next read re-populates.
	if err := s.rdb.Del(ctx, instrumentKey(id)).Err(); err != nil {
		slog.Warn("redis invalidate failed", "instrument_id", id, "error", err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	data, err := s.rdb.Get(ctx, instrumentKey(id)).Bytes()
	if err == nil {
		var inst model.Instrument
		if json.Unmarshal(data, &inst) == nil {
			return &inst, nil
		}
	}

	// Cache miss: read from primary.
	inst, err := s.primary.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheInstrument(ctx, inst)
	return inst, nil
}

func (s *CachedStore) GetInstrumentByTicker(ctx context.Context, ticker string) (*model.Instrument, error) {
	// Try cache via ticker→ID mapping.
	id, err := s.rdb.Get(ctx, tickerKey(ticker)).Result()
	if err == nil {
		return s.GetInstrument(ctx, id)
	}

	inst, err := s.primary.GetInstrumentByTicker(ctx, ticker)
	if err != nil {
		return nil, err
	}
	s.cacheInstrument(ctx, inst)
	return inst, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account, initialCash decimal.Decimal) error {
	return s.primary.CreateAccount(ctx, a, initialCash)
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) DeleteAccount(ctx context.Context, id string) error {
	return s.primary.DeleteAccount(ctx, id)
}

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	return s.primary.ListInstruments(ctx)
}

func (s *CachedStore) RunInTransaction(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	return s.primary.RunInTransaction(ctx, accountID, fn)
}

func (s *CachedStore) GetCash(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return s.primary.GetCash(ctx, accountID)
}

func (s *CachedStore) GetPosition(ctx context.Context, accountID, instrumentID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, accountID, instrumentID)
}

func (s *CachedStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, accountID)
}

func (s *CachedStore) GetLedger(ctx context.Context, accountID string) (decimal.Decimal, []model.Position, error) {
	return s.primary.GetLedger(ctx, accountID)
}

func (s *CachedStore) ListTransactions(ctx context.Context, accountID string, since time.Time) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, accountID, since)
}

// Migrate applies the primary store's schema. Stores without one are left
// alone.
func (s *CachedStore) Migrate(ctx context.Context) error {
	if m, ok := s.primary.(interface{ Migrate(context.Context) error }); ok {
		return m.Migrate(ctx)
	}
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheInstrument(ctx context.Context, inst *model.Instrument) {
	data, err := json.Marshal(inst)
	if err != nil {
		return
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, instrumentKey(inst.ID), data, s.ttl)
	pipe.Set(ctx, tickerKey(inst.Ticker), inst.ID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Debug("redis cache write failed", "instrument_id", inst.ID, "error", err)
	}
}

func instrumentKey(id string) string { return fmt.Sprintf("instrument:%s", id) }
func tickerKey(ticker string) string { return fmt.Sprintf("ticker:%s", ticker) }
