package store

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// Batch is the set of mutations staged by one RunInTransaction scope. Each
// backend applies it in a single commit.
type Batch struct {
	Cash    *decimal.Decimal
	Upserts map[string]model.Position // instrument ID → new position
	Deletes map[string]bool           // instrument IDs to remove
	Appends []model.Transaction
}

func newBatch() *Batch {
	return &Batch{
		Upserts: make(map[string]model.Position),
		Deletes: make(map[string]bool),
	}
}

func (b *Batch) SetCash(amount decimal.Decimal) {
	b.Cash = &amount
}

func (b *Batch) PutPosition(p model.Position) {
	delete(b.Deletes, p.InstrumentID)
	b.Upserts[p.InstrumentID] = p
}

func (b *Batch) DeletePosition(instrumentID string) {
	delete(b.Upserts, instrumentID)
	b.Deletes[instrumentID] = true
}

func (b *Batch) AppendTransaction(t model.Transaction) {
	b.Appends = append(b.Appends, t)
}

// Empty reports whether the batch has nothing to apply.
func (b *Batch) Empty() bool {
	return b.Cash == nil && len(b.Upserts) == 0 && len(b.Deletes) == 0 && len(b.Appends) == 0
}

// validate enforces the ledger invariants on a batch before any backend
// touches storage, so a malformed batch is rejected with nothing applied.
func (b *Batch) validate(accountID string) error {
	if b.Cash != nil && b.Cash.IsNegative() {
		return fmt.Errorf("store: cash would become %s: %w", b.Cash, model.ErrInsufficientFunds)
	}
	for id, p := range b.Upserts {
		if p.AccountID != accountID || p.InstrumentID != id {
			return fmt.Errorf("store: position %s/%s staged on account %s: %w",
				p.AccountID, p.InstrumentID, accountID, model.ErrStorage)
		}
		if p.Quantity <= 0 {
			return fmt.Errorf("store: position %s quantity %d: %w", id, p.Quantity, model.ErrInvalidQuantity)
		}
		if p.AverageCost.IsNegative() {
			return fmt.Errorf("store: position %s average cost %s: %w", id, p.AverageCost, model.ErrInvalidAmount)
		}
	}
	seen := make(map[string]bool, len(b.Appends))
	for _, t := range b.Appends {
		if t.AccountID != accountID {
			return fmt.Errorf("store: transaction %s staged on account %s: %w", t.ID, accountID, model.ErrStorage)
		}
		if t.ID == "" || seen[t.ID] {
			return fmt.Errorf("store: transaction id %q: %w", t.ID, model.ErrDuplicateTransaction)
		}
		seen[t.ID] = true
		if !t.Side.Valid() {
			return fmt.Errorf("store: transaction %s side %q: %w", t.ID, t.Side, model.ErrInvalidSide)
		}
		if t.Quantity <= 0 {
			return fmt.Errorf("store: transaction %s quantity %d: %w", t.ID, t.Quantity, model.ErrInvalidQuantity)
		}
		if t.Price.IsNegative() {
			return fmt.Errorf("store: transaction %s price %s: %w", t.ID, t.Price, model.ErrInvalidAmount)
		}
	}
	return nil
}

// instrumentIDs returns every instrument the batch references.
func (b *Batch) instrumentIDs() []string {
	ids := make([]string, 0, len(b.Upserts)+len(b.Appends))
	for id := range b.Upserts {
		ids = append(ids, id)
	}
	for _, t := range b.Appends {
		ids = append(ids, t.InstrumentID)
	}
	return ids
}

// storageErr wraps a backend failure so callers can classify it.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", model.ErrStorage, op, err)
}

// parseDecimal decodes a decimal column. A cell that does not parse is
// corrupt and must never read as zero.
func parseDecimal(column, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", column, raw, err)
	}
	return d, nil
}
