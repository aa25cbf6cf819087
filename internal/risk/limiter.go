// Package risk enforces optional per-account trading limits.
//
// Limits are business rules, not ledger invariants: a violation rejects the
// order before anything is written, exactly like insufficient funds. A zero
// limit disables that check, so the zero Limiter allows everything.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// Limiter enforces position-size and order-size limits.
type Limiter struct {
	// MaxPositionQuantity caps the shares held in any single instrument
	// after a buy.
	MaxPositionQuantity int64

	// MaxOrderNotional caps quantity × price of a single order, either side.
	MaxOrderNotional decimal.Decimal
}

// NewLimiter creates a limiter. Pass zero for a limit to disable it.
func NewLimiter(maxPositionQuantity int64, maxOrderNotional decimal.Decimal) *Limiter {
	if maxPositionQuantity < 0 {
		maxPositionQuantity = 0
	}
	if maxOrderNotional.IsNegative() {
		maxOrderNotional = decimal.Zero
	}
	return &Limiter{
		MaxPositionQuantity: maxPositionQuantity,
		MaxOrderNotional:    maxOrderNotional,
	}
}

// Enabled reports whether any limit is active.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.MaxPositionQuantity > 0 || l.MaxOrderNotional.IsPositive())
}

// CheckOrder validates an order against the limits.
//
// Parameters:
//   - side: BUY or SELL
//   - held: shares currently held in the instrument (0 if no position)
//   - quantity: shares in the order
//   - notional: quantity × execution price
//
// Returns nil if the order is within limits, or an error wrapping
// model.ErrLimitExceeded. A nil Limiter allows everything.
func (l *Limiter) CheckOrder(side model.Side, held, quantity int64, notional decimal.Decimal) error {
	if l == nil {
		return nil
	}

	// 1. Order size, both directions.
	if l.MaxOrderNotional.IsPositive() && notional.GreaterThan(l.MaxOrderNotional) {
		return fmt.Errorf("order notional %s above %s: %w",
			notional.StringFixed(2), l.MaxOrderNotional.StringFixed(2), model.ErrLimitExceeded)
	}

	// 2. Position size. Selling only ever shrinks a position.
	if side == model.SideBuy && l.MaxPositionQuantity > 0 && held+quantity > l.MaxPositionQuantity {
		return fmt.Errorf("position would reach %d shares, limit %d: %w",
			held+quantity, l.MaxPositionQuantity, model.ErrLimitExceeded)
	}

	return nil
}
