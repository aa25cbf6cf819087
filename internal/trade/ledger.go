package trade

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// Fill is an order priced and ready to be applied to one account's ledger.
type Fill struct {
	AccountID    string
	InstrumentID string
	Side         model.Side
	Quantity     int64
	Price        decimal.Decimal
	At           time.Time
}

// Notional is quantity × price.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(decimal.NewFromInt(f.Quantity))
}

// Apply computes the ledger state after f. pos is nil when the account holds
// no position in the instrument; a nil result position means the position is
// closed and must be deleted. Inputs are never modified, and a rejected fill
// returns the error with no state.
func Apply(cash decimal.Decimal, pos *model.Position, f Fill) (decimal.Decimal, *model.Position, error) {
	notional := f.Notional()

	switch f.Side {
	case model.SideBuy:
		if cash.LessThan(notional) {
			return decimal.Zero, nil, fmt.Errorf("need %s, have %s: %w",
				notional.StringFixed(2), cash.StringFixed(2), model.ErrInsufficientFunds)
		}
		next := model.Position{
			AccountID:    f.AccountID,
			InstrumentID: f.InstrumentID,
			Quantity:     f.Quantity,
			AverageCost:  f.Price,
			UpdatedAt:    f.At,
		}
		if pos != nil {
			if pos.Quantity > math.MaxInt64-f.Quantity {
				return decimal.Zero, nil, model.Invalid(model.ErrInvalidQuantity, "position quantity would overflow")
			}
			next.Quantity = pos.Quantity + f.Quantity
			// Quantity-weighted mean of the old basis and this fill.
			next.AverageCost = pos.CostBasis().Add(notional).
				DivRound(decimal.NewFromInt(next.Quantity), model.AverageCostScale)
		}
		return cash.Sub(notional), &next, nil

	case model.SideSell:
		var held int64
		if pos != nil {
			held = pos.Quantity
		}
		if held < f.Quantity {
			return decimal.Zero, nil, fmt.Errorf("hold %d, selling %d: %w",
				held, f.Quantity, model.ErrInsufficientShares)
		}
		if held == f.Quantity {
			return cash.Add(notional), nil, nil
		}
		next := *pos
		next.Quantity = held - f.Quantity
		next.UpdatedAt = f.At
		return cash.Add(notional), &next, nil

	default:
		return decimal.Zero, nil, model.Invalid(model.ErrInvalidSide, "side must be BUY or SELL")
	}
}
