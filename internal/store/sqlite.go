package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/atmx/ledger-engine/internal/model"
)

// SQLiteSchema creates the ledger tables. Decimals are stored as TEXT to keep
// exact precision; timestamps as unix nanoseconds.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	cash       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS instruments (
	id               TEXT PRIMARY KEY,
	ticker           TEXT NOT NULL UNIQUE,
	name             TEXT NOT NULL,
	price            TEXT NOT NULL DEFAULT '0',
	change           TEXT NOT NULL DEFAULT '0',
	change_percent   TEXT NOT NULL DEFAULT '0',
	price_updated_at INTEGER,
	created_at       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	account_id    TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	instrument_id TEXT NOT NULL REFERENCES instruments(id),
	quantity      INTEGER NOT NULL CHECK (quantity > 0),
	average_cost  TEXT NOT NULL,
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (account_id, instrument_id)
);
CREATE TABLE IF NOT EXISTS transactions (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	account_id    TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	instrument_id TEXT NOT NULL REFERENCES instruments(id),
	ticker        TEXT NOT NULL,
	side          TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
	quantity      INTEGER NOT NULL CHECK (quantity > 0),
	price         TEXT NOT NULL,
	notional      TEXT NOT NULL,
	timestamp     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_account_time ON transactions (account_id, timestamp, seq);
`

// SQLiteStore implements Store backed by a SQLite database.
//
// SQLite allows a single writer, so the pool is limited to one connection:
// ledger scopes on any account run one at a time, which trivially satisfies
// the per-account serialization requirement.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at path and applies
// the schema. Use ":memory:" for a throwaway database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storageErr("open sqlite", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies SQLiteSchema. It is idempotent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(SQLiteSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storageErr("migrate sqlite", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *model.Account, initialCash decimal.Decimal) error {
	if initialCash.IsNegative() {
		return model.Invalid(model.ErrInvalidAmount, "initial cash must be >= 0")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, name, cash, created_at) VALUES (?, ?, ?, ?)`,
		a.ID, a.Name, initialCash.String(), a.CreatedAt.UnixNano())
	if isSQLiteConstraint(err) {
		return fmt.Errorf("account %s: %w", a.ID, model.ErrAccountExists)
	}
	if err != nil {
		return storageErr("create account", err)
	}
	return nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrAccountNotFound)
	}
	if err != nil {
		return nil, storageErr("get account", err)
	}
	a.CreatedAt = fromNanos(created)
	return &a, nil
}

func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, model.ErrAccountNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Instrument catalog
// ---------------------------------------------------------------------------

const sqliteInstrumentColumns = `id, ticker, name, price, change, change_percent, price_updated_at, created_at`

func (s *SQLiteStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	var updated sql.NullInt64
	if inst.HasPrice() {
		updated = sql.NullInt64{Int64: inst.PriceUpdatedAt.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instruments (`+sqliteInstrumentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.Ticker, inst.Name,
		inst.Price.String(), inst.Change.String(), inst.ChangePercent.String(),
		updated, inst.CreatedAt.UnixNano())
	if isSQLiteConstraint(err) {
		return fmt.Errorf("ticker %s: %w", inst.Ticker, model.ErrInstrumentExists)
	}
	if err != nil {
		return storageErr("create instrument", err)
	}
	return nil
}

func (s *SQLiteStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteInstrumentColumns+` FROM instruments WHERE id = ?`, id)
	inst, err := scanSQLiteInstrument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instrument %s: %w", id, model.ErrInstrumentNotFound)
	}
	if err != nil {
		return nil, storageErr("get instrument", err)
	}
	return inst, nil
}

func (s *SQLiteStore) GetInstrumentByTicker(ctx context.Context, ticker string) (*model.Instrument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteInstrumentColumns+` FROM instruments WHERE ticker = ?`, ticker)
	inst, err := scanSQLiteInstrument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticker %s: %w", ticker, model.ErrInstrumentNotFound)
	}
	if err != nil {
		return nil, storageErr("get instrument by ticker", err)
	}
	return inst, nil
}

func (s *SQLiteStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteInstrumentColumns+` FROM instruments ORDER BY ticker`)
	if err != nil {
		return nil, storageErr("list instruments", err)
	}
	defer rows.Close()

	out := make([]model.Instrument, 0)
	for rows.Next() {
		inst, err := scanSQLiteInstrument(rows)
		if err != nil {
			return nil, storageErr("scan instrument", err)
		}
		out = append(out, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list instruments", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateInstrumentPrice(ctx context.Context, id string, q model.Quote) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instruments SET price = ?, change = ?, change_percent = ?, price_updated_at = ? WHERE id = ?`,
		q.Price.String(), q.Change.String(), q.ChangePercent.String(), quoteTime(q).UnixNano(), id)
	if err != nil {
		return storageErr("update instrument price", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("instrument %s: %w", id, model.ErrInstrumentNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

func (s *SQLiteStore) RunInTransaction(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	cash, err := sqliteCash(ctx, tx, accountID)
	if err != nil {
		return err
	}

	stx := &sqliteTx{Batch: newBatch(), tx: tx, accountID: accountID, cash: cash}
	if err := fn(stx); err != nil {
		return err
	}
	if stx.Batch.Empty() {
		return nil
	}
	if err := s.commit(ctx, tx, accountID, stx.Batch); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	committed = true
	return nil
}

// commit writes a batch inside an open transaction. Any error leaves the
// transaction to be rolled back by the caller.
func (s *SQLiteStore) commit(ctx context.Context, tx *sql.Tx, accountID string, b *Batch) error {
	if err := b.validate(accountID); err != nil {
		return err
	}
	for _, t := range b.Appends {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM transactions WHERE id = ?`, t.ID).Scan(&exists)
		if err == nil {
			return fmt.Errorf("store: transaction %s: %w", t.ID, model.ErrDuplicateTransaction)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return storageErr("check transaction id", err)
		}
	}

	if b.Cash != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET cash = ? WHERE id = ?`, b.Cash.String(), accountID); err != nil {
			return storageErr("update cash", err)
		}
	}
	for _, p := range b.Upserts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO positions (account_id, instrument_id, quantity, average_cost, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (account_id, instrument_id)
			 DO UPDATE SET quantity = excluded.quantity, average_cost = excluded.average_cost, updated_at = excluded.updated_at`,
			accountID, p.InstrumentID, p.Quantity, p.AverageCost.String(), p.UpdatedAt.UnixNano()); err != nil {
			return storageErr("upsert position", err)
		}
	}
	for id := range b.Deletes {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM positions WHERE account_id = ? AND instrument_id = ?`, accountID, id); err != nil {
			return storageErr("delete position", err)
		}
	}
	for _, t := range b.Appends {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transactions (id, account_id, instrument_id, ticker, side, quantity, price, notional, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, accountID, t.InstrumentID, t.Ticker, string(t.Side), t.Quantity,
			t.Price.String(), t.Notional.String(), t.Timestamp.UnixNano()); err != nil {
			return storageErr("append transaction", err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetCash(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return sqliteCash(ctx, s.db, accountID)
}

func (s *SQLiteStore) GetPosition(ctx context.Context, accountID, instrumentID string) (*model.Position, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return sqlitePosition(ctx, s.db, accountID, instrumentID)
}

func (s *SQLiteStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return sqlitePositions(ctx, s.db, accountID)
}

// GetLedger reads cash and positions inside one transaction. The pool has a
// single connection, so no ledger scope can commit between the two reads.
func (s *SQLiteStore) GetLedger(ctx context.Context, accountID string) (decimal.Decimal, []model.Position, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, nil, storageErr("begin", err)
	}
	defer tx.Rollback()

	cash, err := sqliteCash(ctx, tx, accountID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	positions, err := sqlitePositions(ctx, tx, accountID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return cash, positions, nil
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, accountID string, since time.Time) ([]model.Transaction, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, account_id, instrument_id, ticker, side, quantity, price, notional, timestamp
		 FROM transactions WHERE account_id = ? AND timestamp >= ?
		 ORDER BY timestamp DESC, seq DESC`, accountID, sinceNanos(since))
	if err != nil {
		return nil, storageErr("list transactions", err)
	}
	defer rows.Close()

	out := make([]model.Transaction, 0)
	for rows.Next() {
		var t model.Transaction
		var side, price, notional string
		var ts int64
		if err := rows.Scan(&t.Seq, &t.ID, &t.AccountID, &t.InstrumentID, &t.Ticker,
			&side, &t.Quantity, &price, &notional, &ts); err != nil {
			return nil, storageErr("scan transaction", err)
		}
		t.Side = model.Side(side)
		if t.Price, err = parseDecimal("price", price); err != nil {
			return nil, storageErr("scan transaction", err)
		}
		if t.Notional, err = parseDecimal("notional", notional); err != nil {
			return nil, storageErr("scan transaction", err)
		}
		t.Timestamp = fromNanos(ts)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list transactions", err)
	}
	return out, nil
}

// sqliteTx reads through the open *sql.Tx and stages writes in its Batch.
type sqliteTx struct {
	*Batch
	tx        *sql.Tx
	accountID string
	cash      decimal.Decimal
}

func (t *sqliteTx) AccountID() string { return t.accountID }

func (t *sqliteTx) GetCash(_ context.Context) (decimal.Decimal, error) {
	return t.cash, nil
}

func (t *sqliteTx) GetPosition(ctx context.Context, instrumentID string) (*model.Position, error) {
	return sqlitePosition(ctx, t.tx, t.accountID, instrumentID)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func sqliteCash(ctx context.Context, q sqlQuerier, accountID string) (decimal.Decimal, error) {
	var cash string
	err := q.QueryRowContext(ctx, `SELECT cash FROM accounts WHERE id = ?`, accountID).Scan(&cash)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("account %s: %w", accountID, model.ErrAccountNotFound)
	}
	if err != nil {
		return decimal.Zero, storageErr("get cash", err)
	}
	d, err := parseDecimal("cash", cash)
	if err != nil {
		return decimal.Zero, storageErr("get cash", err)
	}
	return d, nil
}

func sqlitePositions(ctx context.Context, q sqlQuerier, accountID string) ([]model.Position, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT account_id, instrument_id, quantity, average_cost, updated_at
		 FROM positions WHERE account_id = ? ORDER BY instrument_id`, accountID)
	if err != nil {
		return nil, storageErr("list positions", err)
	}
	defer rows.Close()

	out := make([]model.Position, 0)
	for rows.Next() {
		p, err := scanSQLitePosition(rows)
		if err != nil {
			return nil, storageErr("scan position", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list positions", err)
	}
	return out, nil
}

func sqlitePosition(ctx context.Context, q sqlQuerier, accountID, instrumentID string) (*model.Position, error) {
	row := q.QueryRowContext(ctx,
		`SELECT account_id, instrument_id, quantity, average_cost, updated_at
		 FROM positions WHERE account_id = ? AND instrument_id = ?`, accountID, instrumentID)
	p, err := scanSQLitePosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", accountID, instrumentID, model.ErrPositionNotFound)
	}
	if err != nil {
		return nil, storageErr("get position", err)
	}
	return p, nil
}

func scanSQLitePosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var avg string
	var updated int64
	if err := row.Scan(&p.AccountID, &p.InstrumentID, &p.Quantity, &avg, &updated); err != nil {
		return nil, err
	}
	avgCost, err := parseDecimal("average_cost", avg)
	if err != nil {
		return nil, err
	}
	p.AverageCost = avgCost
	p.UpdatedAt = fromNanos(updated)
	return &p, nil
}

func scanSQLiteInstrument(row rowScanner) (*model.Instrument, error) {
	var inst model.Instrument
	var price, change, changePct string
	var updated sql.NullInt64
	var created int64
	if err := row.Scan(&inst.ID, &inst.Ticker, &inst.Name,
		&price, &change, &changePct, &updated, &created); err != nil {
		return nil, err
	}
	var err error
	if inst.Price, err = parseDecimal("price", price); err != nil {
		return nil, err
	}
	if inst.Change, err = parseDecimal("change", change); err != nil {
		return nil, err
	}
	if inst.ChangePercent, err = parseDecimal("change_percent", changePct); err != nil {
		return nil, err
	}
	if updated.Valid {
		inst.PriceUpdatedAt = fromNanos(updated.Int64)
	}
	inst.CreatedAt = fromNanos(created)
	return &inst, nil
}

// isSQLiteConstraint reports whether err is a UNIQUE or PRIMARY KEY
// violation.
func isSQLiteConstraint(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// sinceNanos maps the zero time to the smallest timestamp; UnixNano is
// undefined that far back.
func sinceNanos(t time.Time) int64 {
	if t.IsZero() {
		return math.MinInt64
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
