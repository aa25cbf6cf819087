// Package instrument handles ticker symbol parsing and validation for the
// instrument catalog.
package instrument

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// tickerRegex matches: {root}[.{suffix}|-{suffix}]
// Examples: AAPL, BRK.B, RELIANCE.NS, RDS-A
var tickerRegex = regexp.MustCompile(
	`^([A-Z][A-Z0-9]{0,9})(?:[.\-]([A-Z0-9]{1,4}))?$`,
)

// MaxNameLength bounds the display name of an instrument.
const MaxNameLength = 255

// Ticker represents a parsed ticker symbol.
type Ticker struct {
	Symbol string `json:"symbol"` // normalized full symbol
	Root   string `json:"root"`
	Suffix string `json:"suffix,omitempty"` // share class or exchange code
}

// ParseTicker normalizes (trim, upper-case) and validates a ticker symbol.
func ParseTicker(raw string) (*Ticker, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	matches := tickerRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return nil, model.Invalid(model.ErrInvalidTicker,
			fmt.Sprintf("invalid ticker %q (expected 1-10 alphanumerics, optional .SUFFIX)", raw))
	}
	return &Ticker{
		Symbol: symbol,
		Root:   matches[1],
		Suffix: matches[2],
	}, nil
}

// New validates its inputs and builds a catalog instrument. A zero price means
// no price has been observed yet; the first quote refresh will fill it in.
func New(ticker, name string, price decimal.Decimal, now time.Time) (*model.Instrument, error) {
	t, err := ParseTicker(ticker)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = t.Symbol
	}
	if len(name) > MaxNameLength {
		return nil, model.Invalid(model.ErrInvalidName,
			fmt.Sprintf("name must be at most %d characters", MaxNameLength))
	}
	if price.IsNegative() {
		return nil, model.Invalid(model.ErrInvalidAmount, "price must be >= 0")
	}

	inst := &model.Instrument{
		ID:        uuid.New().String(),
		Ticker:    t.Symbol,
		Name:      name,
		CreatedAt: now.UTC(),
	}
	if price.IsPositive() {
		inst.Price = price
		inst.PriceUpdatedAt = now.UTC()
	}
	return inst, nil
}
