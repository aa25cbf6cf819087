// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AverageCostScale is the number of decimal places kept for a position's
// average cost after a buy recomputes it.
const AverageCostScale int32 = 8

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// PriceSource records where the price used for a trade or a valuation came from.
type PriceSource string

const (
	PriceLive   PriceSource = "live"
	PriceCached PriceSource = "cached"
	PriceStale  PriceSource = "stale" // no price at all, valued at cost
)

// Account is the identity key for all ledger entities. Its cash balance is
// owned by the ledger store and read through it.
type Account struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Instrument is a tradeable security in the catalog. Price is the last known
// quote; it may be stale and is refreshed opportunistically.
type Instrument struct {
	ID             string          `json:"id" db:"id"`
	Ticker         string          `json:"ticker" db:"ticker"`
	Name           string          `json:"name" db:"name"`
	Price          decimal.Decimal `json:"price" db:"price"`
	Change         decimal.Decimal `json:"change" db:"change"`
	ChangePercent  decimal.Decimal `json:"change_percent" db:"change_percent"`
	PriceUpdatedAt time.Time       `json:"price_updated_at" db:"price_updated_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// HasPrice reports whether a price was ever recorded for the instrument.
func (i *Instrument) HasPrice() bool {
	return !i.PriceUpdatedAt.IsZero()
}

// Position is an account's holding of one instrument. A position with zero
// quantity does not exist; it is deleted instead.
type Position struct {
	AccountID    string          `json:"account_id" db:"account_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	AverageCost  decimal.Decimal `json:"average_cost" db:"average_cost"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// CostBasis is quantity × average cost.
func (p Position) CostBasis() decimal.Decimal {
	return p.AverageCost.Mul(decimal.NewFromInt(p.Quantity))
}

// Transaction is an immutable record of a trade execution.
// Once created, these are never modified or deleted by normal operation.
type Transaction struct {
	ID           string          `json:"id" db:"id"`
	Seq          int64           `json:"seq" db:"seq"` // assigned by the store on append
	AccountID    string          `json:"account_id" db:"account_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Ticker       string          `json:"ticker" db:"ticker"`
	Side         Side            `json:"side" db:"side"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Notional     decimal.Decimal `json:"notional" db:"notional"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// Before orders transactions by timestamp, ties broken by sequence number.
func (t Transaction) Before(o Transaction) bool {
	if !t.Timestamp.Equal(o.Timestamp) {
		return t.Timestamp.Before(o.Timestamp)
	}
	return t.Seq < o.Seq
}

// Quote is a price observation returned by a price source.
type Quote struct {
	Ticker        string          `json:"ticker"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	AsOf          time.Time       `json:"as_of"`
}

// Receipt is returned for every committed trade.
type Receipt struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	InstrumentID  string          `json:"instrument_id"`
	Ticker        string          `json:"ticker"`
	Side          Side            `json:"side"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Notional      decimal.Decimal `json:"notional"`
	PriceSource   PriceSource     `json:"price_source"`
	CashBalance   decimal.Decimal `json:"cash_balance"`
	Position      *Position       `json:"position,omitempty"` // nil once fully sold
	ExecutedAt    time.Time       `json:"executed_at"`
}

// PositionValuation is one position marked to market.
type PositionValuation struct {
	InstrumentID  string          `json:"instrument_id"`
	Ticker        string          `json:"ticker"`
	Name          string          `json:"name"`
	Quantity      int64           `json:"quantity"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	Price         decimal.Decimal `json:"price"`
	PriceSource   PriceSource     `json:"price_source"`
	InvestedValue decimal.Decimal `json:"invested_value"`
	MarketValue   decimal.Decimal `json:"market_value"`
	PnL           decimal.Decimal `json:"pnl"`
	PnLPercent    decimal.Decimal `json:"pnl_percent"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
}

// Valuation aggregates all positions of an account with P&L.
type Valuation struct {
	AccountID     string              `json:"account_id"`
	Cash          decimal.Decimal     `json:"cash"`
	InvestedValue decimal.Decimal     `json:"invested_value"`
	MarketValue   decimal.Decimal     `json:"market_value"`
	UnrealizedPnL decimal.Decimal     `json:"unrealized_pnl"`
	PnLPercent    decimal.Decimal     `json:"pnl_percent"`
	TotalValue    decimal.Decimal     `json:"total_value"` // cash + market value
	Positions     []PositionValuation `json:"positions"`
	AsOf          time.Time           `json:"as_of"`
}
