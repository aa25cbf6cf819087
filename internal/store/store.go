// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL and SQLite (durable backends), Redis
// (read-through instrument cache), and in-memory (for testing and development).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// Store is the persistence interface. The ledger rows of an account (cash,
// positions, transaction log) are only ever written through RunInTransaction.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account with its opening cash balance.
	CreateAccount(ctx context.Context, account *model.Account, initialCash decimal.Decimal) error

	// GetAccount retrieves an account by its ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// DeleteAccount removes an account together with its cash, positions
	// and transactions.
	DeleteAccount(ctx context.Context, id string) error

	// --- Instrument catalog ---

	// CreateInstrument persists a new instrument. Tickers are unique.
	CreateInstrument(ctx context.Context, inst *model.Instrument) error

	// GetInstrument retrieves an instrument by its ID.
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)

	// GetInstrumentByTicker retrieves an instrument by its ticker symbol.
	GetInstrumentByTicker(ctx context.Context, ticker string) (*model.Instrument, error)

	// ListInstruments returns all instruments ordered by ticker.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// UpdateInstrumentPrice overwrites the cached quote of an instrument.
	// Concurrent writers race; the last one wins.
	UpdateInstrumentPrice(ctx context.Context, id string, q model.Quote) error

	// --- Ledger ---

	// RunInTransaction runs fn with exclusive access to one account's ledger.
	// Writes staged through tx are committed all-or-nothing when fn returns
	// nil and discarded otherwise. Calls for the same account serialize;
	// calls for different accounts do not wait on each other.
	RunInTransaction(ctx context.Context, accountID string, fn func(tx Tx) error) error

	// GetCash returns the committed cash balance of an account.
	GetCash(ctx context.Context, accountID string) (decimal.Decimal, error)

	// GetPosition returns one committed position or model.ErrPositionNotFound.
	GetPosition(ctx context.Context, accountID, instrumentID string) (*model.Position, error)

	// ListPositions returns every position of an account in one read.
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// GetLedger returns cash and every position of an account as of one
	// point in the commit order. No ledger scope is half visible.
	GetLedger(ctx context.Context, accountID string) (decimal.Decimal, []model.Position, error)

	// ListTransactions returns the transactions recorded at or after since,
	// most recent first.
	ListTransactions(ctx context.Context, accountID string, since time.Time) ([]model.Transaction, error)
}

// Tx is the scoped view of one account handed to RunInTransaction callbacks.
// Reads observe the committed state as of the start of the scope; writes are
// staged until the scope commits.
type Tx interface {
	AccountID() string
	GetCash(ctx context.Context) (decimal.Decimal, error)
	GetPosition(ctx context.Context, instrumentID string) (*model.Position, error)

	SetCash(amount decimal.Decimal)
	PutPosition(p model.Position)
	DeletePosition(instrumentID string)
	AppendTransaction(t model.Transaction)
}
