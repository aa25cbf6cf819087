package store_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/store"
)

// openSQLite returns a store and a second raw handle on the same file.
func openSQLite(t *testing.T) (*store.SQLiteStore, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := store.NewSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return s, raw
}

func TestSQLite_CorruptDecimalIsStorageError(t *testing.T) {
	ctx := context.Background()
	s, raw := openSQLite(t)
	seed(t, s, 1000)
	require.NoError(t, s.RunInTransaction(ctx, "acct-1", func(tx store.Tx) error {
		tx.SetCash(d(900))
		tx.PutPosition(model.Position{AccountID: "acct-1", InstrumentID: "inst-aapl", Quantity: 1, AverageCost: d(100), UpdatedAt: t0})
		tx.AppendTransaction(txn("t1", model.SideBuy, 1, 100, t0))
		return nil
	}))

	_, err := raw.ExecContext(ctx, `UPDATE accounts SET cash = 'garbage' WHERE id = 'acct-1'`)
	require.NoError(t, err)

	_, err = s.GetCash(ctx, "acct-1")
	assert.ErrorIs(t, err, model.ErrStorage)
	_, _, err = s.GetLedger(ctx, "acct-1")
	assert.ErrorIs(t, err, model.ErrStorage)

	called := false
	err = s.RunInTransaction(ctx, "acct-1", func(tx store.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, model.ErrStorage)
	assert.False(t, called, "scope ran over an unreadable balance")

	for _, stmt := range []string{
		`UPDATE positions SET average_cost = 'x'`,
		`UPDATE transactions SET price = '1..0'`,
		`UPDATE instruments SET change_percent = ''`,
	} {
		_, err := raw.ExecContext(ctx, stmt)
		require.NoError(t, err, stmt)
	}
	_, err = s.ListPositions(ctx, "acct-1")
	assert.ErrorIs(t, err, model.ErrStorage)
	_, err = s.GetPosition(ctx, "acct-1", "inst-aapl")
	assert.ErrorIs(t, err, model.ErrStorage)
	_, err = s.ListTransactions(ctx, "acct-1", t0.AddDate(-1, 0, 0))
	assert.ErrorIs(t, err, model.ErrStorage)
	_, err = s.GetInstrument(ctx, "inst-aapl")
	assert.ErrorIs(t, err, model.ErrStorage)
}

func TestSQLite_ConcurrentDuplicateCreates(t *testing.T) {
	ctx := context.Background()
	s, _ := openSQLite(t)

	const n = 8
	var wg sync.WaitGroup
	acctErrs := make(chan error, n)
	instErrs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acctErrs <- s.CreateAccount(ctx, &model.Account{ID: "dup", Name: "dup", CreatedAt: t0}, d(1))
			instErrs <- s.CreateInstrument(ctx, &model.Instrument{
				ID: "inst-" + string(rune('a'+i)), Ticker: "DUP", Name: "dup", CreatedAt: t0,
			})
		}(i)
	}
	wg.Wait()
	close(acctErrs)
	close(instErrs)

	check := func(errs <-chan error, exists error) {
		t.Helper()
		ok := 0
		for err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, exists):
			default:
				t.Errorf("expected %v, got %v", exists, err)
			}
		}
		assert.Equal(t, 1, ok, "exactly one create wins")
	}
	check(acctErrs, model.ErrAccountExists)
	check(instErrs, model.ErrInstrumentExists)
}
