package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// PostgresSchema creates the ledger tables. Applied by Migrate.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	cash       NUMERIC NOT NULL CHECK (cash >= 0),
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS instruments (
	id               TEXT PRIMARY KEY,
	ticker           TEXT NOT NULL UNIQUE,
	name             TEXT NOT NULL,
	price            NUMERIC NOT NULL DEFAULT 0,
	change           NUMERIC NOT NULL DEFAULT 0,
	change_percent   NUMERIC NOT NULL DEFAULT 0,
	price_updated_at TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	account_id    TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	instrument_id TEXT NOT NULL REFERENCES instruments(id),
	quantity      BIGINT NOT NULL CHECK (quantity > 0),
	average_cost  NUMERIC NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_id, instrument_id)
);
CREATE TABLE IF NOT EXISTS transactions (
	seq           BIGSERIAL PRIMARY KEY,
	id            TEXT NOT NULL UNIQUE,
	account_id    TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	instrument_id TEXT NOT NULL REFERENCES instruments(id),
	ticker        TEXT NOT NULL,
	side          TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
	quantity      BIGINT NOT NULL CHECK (quantity > 0),
	price         NUMERIC NOT NULL,
	notional      NUMERIC NOT NULL,
	timestamp     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_account_time ON transactions (account_id, timestamp DESC, seq DESC);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// A ledger scope locks the account row with SELECT ... FOR UPDATE, so scopes
// on the same account serialize while other accounts proceed.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies PostgresSchema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return storageErr("migrate postgres", err)
	}
	return nil
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account, initialCash decimal.Decimal) error {
	if initialCash.IsNegative() {
		return model.Invalid(model.ErrInvalidAmount, "initial cash must be >= 0")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, name, cash, created_at) VALUES ($1, $2, $3::NUMERIC, $4)`,
		a.ID, a.Name, initialCash.String(), a.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("account %s: %w", a.ID, model.ErrAccountExists)
	}
	if err != nil {
		return storageErr("create account", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrAccountNotFound)
	}
	if err != nil {
		return nil, storageErr("get account", err)
	}
	return &a, nil
}

func (s *PostgresStore) DeleteAccount(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return storageErr("delete account", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, model.ErrAccountNotFound)
	}
	return nil
}

// --- Instrument catalog ---

const pgInstrumentColumns = `id, ticker, name, price::TEXT, change::TEXT, change_percent::TEXT, price_updated_at, created_at`

func (s *PostgresStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	var updated *time.Time
	if inst.HasPrice() {
		updated = &inst.PriceUpdatedAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (id, ticker, name, price, change, change_percent, price_updated_at, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		inst.ID, inst.Ticker, inst.Name,
		inst.Price.String(), inst.Change.String(), inst.ChangePercent.String(),
		updated, inst.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("ticker %s: %w", inst.Ticker, model.ErrInstrumentExists)
	}
	if err != nil {
		return storageErr("create instrument", err)
	}
	return nil
}

func (s *PostgresStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	inst, err := scanPgInstrument(s.pool.QueryRow(ctx,
		`SELECT `+pgInstrumentColumns+` FROM instruments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("instrument %s: %w", id, model.ErrInstrumentNotFound)
	}
	if err != nil {
		return nil, storageErr("get instrument", err)
	}
	return inst, nil
}

func (s *PostgresStore) GetInstrumentByTicker(ctx context.Context, ticker string) (*model.Instrument, error) {
	inst, err := scanPgInstrument(s.pool.QueryRow(ctx,
		`SELECT `+pgInstrumentColumns+` FROM instruments WHERE ticker = $1`, ticker))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ticker %s: %w", ticker, model.ErrInstrumentNotFound)
	}
	if err != nil {
		return nil, storageErr("get instrument by ticker", err)
	}
	return inst, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgInstrumentColumns+` FROM instruments ORDER BY ticker`)
	if err != nil {
		return nil, storageErr("list instruments", err)
	}
	defer rows.Close()

	instruments := make([]model.Instrument, 0)
	for rows.Next() {
		inst, err := scanPgInstrument(rows)
		if err != nil {
			return nil, storageErr("scan instrument", err)
		}
		instruments = append(instruments, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list instruments", err)
	}
	return instruments, nil
}

func (s *PostgresStore) UpdateInstrumentPrice(ctx context.Context, id string, q model.Quote) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE instruments
		 SET price = $2::NUMERIC, change = $3::NUMERIC, change_percent = $4::NUMERIC, price_updated_at = $5
		 WHERE id = $1`,
		id, q.Price.String(), q.Change.String(), q.ChangePercent.String(), quoteTime(q),
	)
	if err != nil {
		return storageErr("update instrument price", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instrument %s: %w", id, model.ErrInstrumentNotFound)
	}
	return nil
}

// --- Ledger ---

func (s *PostgresStore) RunInTransaction(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return storageErr("begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// The advisory lock also covers scopes that race a concurrent
	// CreateAccount for the same ID; the row lock pins the cash balance.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, accountID); err != nil {
		return storageErr("lock account", err)
	}
	var cashS string
	err = tx.QueryRow(ctx,
		`SELECT cash::TEXT FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&cashS)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("account %s: %w", accountID, model.ErrAccountNotFound)
	}
	if err != nil {
		return storageErr("lock account", err)
	}
	cash, err := parseDecimal("cash", cashS)
	if err != nil {
		return storageErr("lock account", err)
	}

	ptx := &pgTx{Batch: newBatch(), tx: tx, accountID: accountID, cash: cash}
	if err := fn(ptx); err != nil {
		return err
	}
	if ptx.Batch.Empty() {
		return nil
	}
	if err := s.commit(ctx, tx, accountID, ptx.Batch); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit", err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) commit(ctx context.Context, tx pgx.Tx, accountID string, b *Batch) error {
	if err := b.validate(accountID); err != nil {
		return err
	}

	if b.Cash != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET cash = $2::NUMERIC WHERE id = $1`, accountID, b.Cash.String()); err != nil {
			return storageErr("update cash", err)
		}
	}
	for _, p := range b.Upserts {
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (account_id, instrument_id, quantity, average_cost, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)
			 ON CONFLICT (account_id, instrument_id)
			 DO UPDATE SET quantity = EXCLUDED.quantity, average_cost = EXCLUDED.average_cost, updated_at = EXCLUDED.updated_at`,
			accountID, p.InstrumentID, p.Quantity, p.AverageCost.String(), p.UpdatedAt); err != nil {
			return storageErr("upsert position", err)
		}
	}
	for id := range b.Deletes {
		if _, err := tx.Exec(ctx,
			`DELETE FROM positions WHERE account_id = $1 AND instrument_id = $2`, accountID, id); err != nil {
			return storageErr("delete position", err)
		}
	}
	for _, t := range b.Appends {
		_, err := tx.Exec(ctx,
			`INSERT INTO transactions (id, account_id, instrument_id, ticker, side, quantity, price, notional, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9)`,
			t.ID, accountID, t.InstrumentID, t.Ticker, string(t.Side), t.Quantity,
			t.Price.String(), t.Notional.String(), t.Timestamp)
		if isUniqueViolation(err) {
			return fmt.Errorf("store: transaction %s: %w", t.ID, model.ErrDuplicateTransaction)
		}
		if err != nil {
			return storageErr("append transaction", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetCash(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return pgCash(ctx, s.pool, accountID)
}

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, instrumentID string) (*model.Position, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return pgPosition(ctx, s.pool, accountID, instrumentID)
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return pgPositions(ctx, s.pool, accountID)
}

// GetLedger reads cash and positions from one repeatable-read snapshot, so
// a ledger scope committing in between is either fully seen or not at all.
func (s *PostgresStore) GetLedger(ctx context.Context, accountID string) (decimal.Decimal, []model.Position, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return decimal.Zero, nil, storageErr("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cash, err := pgCash(ctx, tx, accountID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	positions, err := pgPositions(ctx, tx, accountID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return cash, positions, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID string, since time.Time) ([]model.Transaction, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, account_id, instrument_id, ticker, side, quantity,
		        price::TEXT, notional::TEXT, timestamp
		 FROM transactions WHERE account_id = $1 AND timestamp >= $2
		 ORDER BY timestamp DESC, seq DESC`, accountID, since)
	if err != nil {
		return nil, storageErr("list transactions", err)
	}
	defer rows.Close()

	txns := make([]model.Transaction, 0)
	for rows.Next() {
		var t model.Transaction
		var side, priceS, notionalS string
		if err := rows.Scan(&t.Seq, &t.ID, &t.AccountID, &t.InstrumentID, &t.Ticker,
			&side, &t.Quantity, &priceS, &notionalS, &t.Timestamp); err != nil {
			return nil, storageErr("scan transaction", err)
		}
		t.Side = model.Side(side)
		if t.Price, err = parseDecimal("price", priceS); err != nil {
			return nil, storageErr("scan transaction", err)
		}
		if t.Notional, err = parseDecimal("notional", notionalS); err != nil {
			return nil, storageErr("scan transaction", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list transactions", err)
	}
	return txns, nil
}

// pgTx reads through the open pgx.Tx, whose account row is locked, and
// stages writes in its Batch.
type pgTx struct {
	*Batch
	tx        pgx.Tx
	accountID string
	cash      decimal.Decimal
}

func (t *pgTx) AccountID() string { return t.accountID }

func (t *pgTx) GetCash(_ context.Context) (decimal.Decimal, error) {
	return t.cash, nil
}

func (t *pgTx) GetPosition(ctx context.Context, instrumentID string) (*model.Position, error) {
	return pgPosition(ctx, t.tx, t.accountID, instrumentID)
}

// --- Helpers ---

// pgQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgCash(ctx context.Context, q pgQuerier, accountID string) (decimal.Decimal, error) {
	var cashS string
	err := q.QueryRow(ctx,
		`SELECT cash::TEXT FROM accounts WHERE id = $1`, accountID).Scan(&cashS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("account %s: %w", accountID, model.ErrAccountNotFound)
	}
	if err != nil {
		return decimal.Zero, storageErr("get cash", err)
	}
	cash, err := parseDecimal("cash", cashS)
	if err != nil {
		return decimal.Zero, storageErr("get cash", err)
	}
	return cash, nil
}

func pgPositions(ctx context.Context, q pgQuerier, accountID string) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT account_id, instrument_id, quantity, average_cost::TEXT, updated_at
		 FROM positions WHERE account_id = $1 ORDER BY instrument_id`, accountID)
	if err != nil {
		return nil, storageErr("list positions", err)
	}
	defer rows.Close()

	positions := make([]model.Position, 0)
	for rows.Next() {
		p, err := scanPgPosition(rows)
		if err != nil {
			return nil, storageErr("scan position", err)
		}
		positions = append(positions, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list positions", err)
	}
	return positions, nil
}

func pgPosition(ctx context.Context, q pgQuerier, accountID, instrumentID string) (*model.Position, error) {
	p, err := scanPgPosition(q.QueryRow(ctx,
		`SELECT account_id, instrument_id, quantity, average_cost::TEXT, updated_at
		 FROM positions WHERE account_id = $1 AND instrument_id = $2`, accountID, instrumentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", accountID, instrumentID, model.ErrPositionNotFound)
	}
	if err != nil {
		return nil, storageErr("get position", err)
	}
	return p, nil
}

func scanPgPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var avgS string
	if err := row.Scan(&p.AccountID, &p.InstrumentID, &p.Quantity, &avgS, &p.UpdatedAt); err != nil {
		return nil, err
	}
	avgCost, err := parseDecimal("average_cost", avgS)
	if err != nil {
		return nil, err
	}
	p.AverageCost = avgCost
	return &p, nil
}

func scanPgInstrument(row pgx.Row) (*model.Instrument, error) {
	var inst model.Instrument
	var priceS, changeS, changePctS string
	var updated *time.Time
	if err := row.Scan(&inst.ID, &inst.Ticker, &inst.Name,
		&priceS, &changeS, &changePctS, &updated, &inst.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if inst.Price, err = parseDecimal("price", priceS); err != nil {
		return nil, err
	}
	if inst.Change, err = parseDecimal("change", changeS); err != nil {
		return nil, err
	}
	if inst.ChangePercent, err = parseDecimal("change_percent", changePctS); err != nil {
		return nil, err
	}
	if updated != nil {
		inst.PriceUpdatedAt = *updated
	}
	return &inst, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
