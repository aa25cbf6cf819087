// Package trade executes buy and sell orders and cash movements against an
// account's ledger.
//
// Every mutation runs inside one store.RunInTransaction scope: the cash
// balance, the position and the transaction record become visible together
// or not at all, and a rejected request leaves the ledger untouched.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/instrument"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/quote"
	"github.com/atmx/ledger-engine/internal/risk"
	"github.com/atmx/ledger-engine/internal/store"
)

// DefaultCommitTimeout bounds a ledger commit when none is configured.
const DefaultCommitTimeout = 5 * time.Second

// Events receives notifications after a successful commit. Implementations
// must not block.
type Events interface {
	TradeExecuted(r *model.Receipt)
}

// Options configures a Processor. The zero value is usable.
type Options struct {
	Limiter       *risk.Limiter    // nil disables limits
	Events        Events           // nil disables notifications
	CommitTimeout time.Duration    // <= 0 selects DefaultCommitTimeout
	Clock         func() time.Time // nil selects time.Now
}

// Processor validates and commits trades and cash operations.
type Processor struct {
	store         store.Store
	prices        *quote.Resolver
	limiter       *risk.Limiter
	events        Events
	commitTimeout time.Duration
	now           func() time.Time
	log           *slog.Logger
}

// NewProcessor creates a processor over st, pricing orders with prices.
func NewProcessor(st store.Store, prices *quote.Resolver, opts Options) *Processor {
	p := &Processor{
		store:         st,
		prices:        prices,
		limiter:       opts.Limiter,
		events:        opts.Events,
		commitTimeout: opts.CommitTimeout,
		now:           opts.Clock,
		log:           slog.Default().With("component", "trade"),
	}
	if p.commitTimeout <= 0 {
		p.commitTimeout = DefaultCommitTimeout
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// TradeRequest is a buy or sell order for whole shares.
type TradeRequest struct {
	AccountID    string     `json:"account_id"`
	InstrumentID string     `json:"instrument_id"`
	Side         model.Side `json:"side"`
	Quantity     int64      `json:"quantity"`
}

// Validate checks the request shape without touching any state.
func (r TradeRequest) Validate() error {
	if r.Quantity <= 0 {
		return model.Invalid(model.ErrInvalidQuantity, "quantity must be a positive whole number")
	}
	if !r.Side.Valid() {
		return model.Invalid(model.ErrInvalidSide, "side must be BUY or SELL")
	}
	if strings.TrimSpace(r.AccountID) == "" {
		return fmt.Errorf("account id is required: %w", model.ErrAccountNotFound)
	}
	if strings.TrimSpace(r.InstrumentID) == "" {
		return fmt.Errorf("instrument id is required: %w", model.ErrInstrumentNotFound)
	}
	return nil
}

// ExecuteTrade prices the order, then applies it to the account's ledger in
// one atomic scope. The price is the last one known when the scope opens:
// a live quote if the source answered, else the instrument's cached price.
func (p *Processor) ExecuteTrade(ctx context.Context, req TradeRequest) (*model.Receipt, error) {
	start := time.Now()
	receipt, err := p.executeTrade(ctx, req)
	p.observeTrade(req, start, err)
	if err != nil {
		return nil, err
	}

	metrics.TradedVolume.WithLabelValues(receipt.Ticker, string(receipt.Side)).Add(float64(receipt.Quantity))
	p.log.Info("trade executed",
		"transaction_id", receipt.TransactionID,
		"account_id", receipt.AccountID,
		"ticker", receipt.Ticker,
		"side", receipt.Side,
		"qty", receipt.Quantity,
		"price", receipt.Price.String(),
		"price_source", receipt.PriceSource,
		"cash", receipt.CashBalance.String(),
	)
	if p.events != nil {
		p.events.TradeExecuted(receipt)
	}
	return receipt, nil
}

func (p *Processor) executeTrade(ctx context.Context, req TradeRequest) (*model.Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	inst, err := p.store.GetInstrument(ctx, req.InstrumentID)
	if err != nil {
		return nil, err
	}
	if _, err := p.store.GetAccount(ctx, req.AccountID); err != nil {
		return nil, err
	}

	price, err := p.prices.Resolve(ctx, inst)
	if err != nil {
		return nil, err
	}
	// A caller that gave up while the quote was in flight gets no trade.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrPriceUnavailable, err)
	}

	receipt := &model.Receipt{
		AccountID:    req.AccountID,
		InstrumentID: inst.ID,
		Ticker:       inst.Ticker,
		Side:         req.Side,
		Quantity:     req.Quantity,
		Price:        price.Value,
		PriceSource:  price.Source,
	}

	cctx, cancel := context.WithTimeout(ctx, p.commitTimeout)
	defer cancel()

	err = p.store.RunInTransaction(cctx, req.AccountID, func(tx store.Tx) error {
		// Stamped under the account lock so the log's time order is the
		// commit order.
		fill := Fill{
			AccountID:    req.AccountID,
			InstrumentID: inst.ID,
			Side:         req.Side,
			Quantity:     req.Quantity,
			Price:        price.Value,
			At:           p.now().UTC(),
		}
		notional := fill.Notional()

		cash, err := tx.GetCash(cctx)
		if err != nil {
			return err
		}
		pos, err := tx.GetPosition(cctx, inst.ID)
		if errors.Is(err, model.ErrPositionNotFound) {
			pos = nil
		} else if err != nil {
			return err
		}

		var held int64
		if pos != nil {
			held = pos.Quantity
		}
		if err := p.limiter.CheckOrder(req.Side, held, req.Quantity, notional); err != nil {
			metrics.LimitRejections.Inc()
			return err
		}

		nextCash, nextPos, err := Apply(cash, pos, fill)
		if err != nil {
			return err
		}

		tx.SetCash(nextCash)
		if nextPos != nil {
			tx.PutPosition(*nextPos)
		} else {
			tx.DeletePosition(inst.ID)
		}
		id := NewTransactionID(fill.At)
		tx.AppendTransaction(model.Transaction{
			ID:           id,
			AccountID:    req.AccountID,
			InstrumentID: inst.ID,
			Ticker:       inst.Ticker,
			Side:         req.Side,
			Quantity:     req.Quantity,
			Price:        price.Value,
			Notional:     notional,
			Timestamp:    fill.At,
		})

		receipt.TransactionID = id
		receipt.Notional = notional
		receipt.ExecutedAt = fill.At
		receipt.CashBalance = nextCash
		receipt.Position = nextPos
		return nil
	})
	if err != nil {
		return nil, p.commitErr("trade", req.AccountID, err)
	}
	return receipt, nil
}

func (p *Processor) observeTrade(req TradeRequest, start time.Time, err error) {
	side := string(req.Side)
	if !req.Side.Valid() {
		side = "invalid"
	}
	result := "ok"
	if err != nil {
		result = string(model.KindOf(err))
	}
	metrics.TradesTotal.WithLabelValues(side, result).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(metrics.Since(start))
}

// Deposit adds amount to the account's cash and returns the new balance.
func (p *Processor) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return p.moveCash(ctx, "deposit", accountID, amount, amount)
}

// Withdraw removes amount from the account's cash and returns the new
// balance. It fails with model.ErrInsufficientFunds when the balance is
// smaller than amount.
func (p *Processor) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	return p.moveCash(ctx, "withdraw", accountID, amount, amount.Neg())
}

func (p *Processor) moveCash(ctx context.Context, op, accountID string, amount, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := model.Invalid(model.ErrInvalidAmount, "amount must be positive")
	if amount.IsPositive() {
		balance, err = p.applyCash(ctx, accountID, delta)
	}

	result := "ok"
	if err != nil {
		result = string(model.KindOf(err))
	}
	metrics.CashOperationsTotal.WithLabelValues(op, result).Inc()
	if err != nil {
		return decimal.Zero, err
	}
	p.log.Info("cash "+op, "account_id", accountID, "amount", amount.String(), "cash", balance.String())
	return balance, nil
}

func (p *Processor) applyCash(ctx context.Context, accountID string, delta decimal.Decimal) (decimal.Decimal, error) {
	cctx, cancel := context.WithTimeout(ctx, p.commitTimeout)
	defer cancel()

	var balance decimal.Decimal
	err := p.store.RunInTransaction(cctx, accountID, func(tx store.Tx) error {
		cash, err := tx.GetCash(cctx)
		if err != nil {
			return err
		}
		next := cash.Add(delta)
		if next.IsNegative() {
			return fmt.Errorf("withdraw %s, have %s: %w",
				delta.Abs().StringFixed(2), cash.StringFixed(2), model.ErrInsufficientFunds)
		}
		tx.SetCash(next)
		balance = next
		return nil
	})
	if err != nil {
		return decimal.Zero, p.commitErr("cash", accountID, err)
	}
	return balance, nil
}

// OpenAccount creates an account with an optional opening balance.
func (p *Processor) OpenAccount(ctx context.Context, name string, initialCash decimal.Decimal) (*model.Account, error) {
	name = strings.TrimSpace(name)
	if len(name) > instrument.MaxNameLength {
		return nil, model.Invalid(model.ErrInvalidName, "name must be at most 255 characters")
	}
	if initialCash.IsNegative() {
		return nil, model.Invalid(model.ErrInvalidAmount, "initial cash must not be negative")
	}
	acct := &model.Account{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: p.now().UTC(),
	}
	if err := p.store.CreateAccount(ctx, acct, initialCash); err != nil {
		return nil, err
	}
	p.log.Info("account opened", "account_id", acct.ID, "cash", initialCash.String())
	return acct, nil
}

// CloseAccount removes an account with its cash, positions and transactions.
func (p *Processor) CloseAccount(ctx context.Context, accountID string) error {
	cctx, cancel := context.WithTimeout(ctx, p.commitTimeout)
	defer cancel()
	if err := p.store.DeleteAccount(cctx, accountID); err != nil {
		return err
	}
	p.log.Info("account closed", "account_id", accountID)
	return nil
}

// commitErr logs and counts storage failures. Business rejections pass
// through unchanged.
func (p *Processor) commitErr(op, accountID string, err error) error {
	if model.KindOf(err) == model.KindStorage {
		metrics.CommitFailures.Inc()
		p.log.Error("ledger commit failed", "op", op, "account_id", accountID, "err", err)
	}
	return err
}
