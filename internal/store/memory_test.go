package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/store"
)

func TestMemoryStore_LockAcquireHonoursContext(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, 100)

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.RunInTransaction(context.Background(), "acct-1", func(store.Tx) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.RunInTransaction(ctx, "acct-1", func(store.Tx) error {
		t.Fatal("callback must not run without the lock")
		return nil
	})
	assert.ErrorIs(t, err, model.ErrStorage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryStore_OtherAccountsDoNotWait(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, 100)
	require.NoError(t, s.CreateAccount(ctx, &model.Account{ID: "acct-2", CreatedAt: t0}, d(5)))

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.RunInTransaction(ctx, "acct-1", func(store.Tx) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	tctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	err := s.RunInTransaction(tctx, "acct-2", func(tx store.Tx) error {
		tx.SetCash(d(6))
		return nil
	})
	require.NoError(t, err)

	cash, err := s.GetCash(tctx, "acct-2")
	require.NoError(t, err)
	assert.True(t, cash.Equal(d(6)))
}

func TestMemoryStore_UnknownInstrumentRejected(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, 100)

	err := s.RunInTransaction(ctx, "acct-1", func(tx store.Tx) error {
		tx.SetCash(d(50))
		tx.PutPosition(model.Position{AccountID: "acct-1", InstrumentID: "ghost", Quantity: 1, AverageCost: d(50)})
		return nil
	})
	assert.ErrorIs(t, err, model.ErrInstrumentNotFound)

	cash, _ := s.GetCash(ctx, "acct-1")
	assert.True(t, cash.Equal(d(100)))
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	_, inst := seed(t, s, 100)

	got, err := s.GetInstrument(ctx, inst.ID)
	require.NoError(t, err)
	got.Name = "mutated"

	again, err := s.GetInstrument(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc.", again.Name)
}
