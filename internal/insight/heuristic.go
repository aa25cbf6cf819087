package insight

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// EmptyPortfolioText is returned for an account that holds nothing.
const EmptyPortfolioText = "Your portfolio is currently empty. Consider adding some investments to get started."

var (
	hundred = decimal.NewFromInt(100)

	// concentrationWarn is the share of market value above which a single
	// holding is flagged.
	concentrationWarn = decimal.NewFromInt(40)
)

// Heuristic writes a short rule-based summary. It needs no network access
// and never fails.
type Heuristic struct{}

// NewHeuristic creates the rule-based provider.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

// Name implements Provider.
func (*Heuristic) Name() string {
	return "heuristic"
}

// Insights implements Provider.
func (*Heuristic) Insights(_ context.Context, s Snapshot) (string, error) {
	v := s.Valuation
	if len(v.Positions) == 0 {
		return EmptyPortfolioText, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You hold %d position(s) worth %s against %s invested, ",
		len(v.Positions), money(v.MarketValue), money(v.InvestedValue))
	switch {
	case v.UnrealizedPnL.IsPositive():
		fmt.Fprintf(&b, "an unrealized gain of %s (%s%%).", money(v.UnrealizedPnL), v.PnLPercent.StringFixed(2))
	case v.UnrealizedPnL.IsNegative():
		fmt.Fprintf(&b, "an unrealized loss of %s (%s%%).", money(v.UnrealizedPnL.Abs()), v.PnLPercent.StringFixed(2))
	default:
		b.WriteString("breaking even.")
	}

	best, worst := extremes(v.Positions)
	if best.PnLPercent.IsPositive() {
		fmt.Fprintf(&b, " Best performer: %s at %s%%.", best.Ticker, best.PnLPercent.StringFixed(2))
	}
	if worst.PnLPercent.IsNegative() {
		fmt.Fprintf(&b, " Weakest: %s at %s%%.", worst.Ticker, worst.PnLPercent.StringFixed(2))
	}

	if top, share := largest(v); share.GreaterThan(concentrationWarn) {
		fmt.Fprintf(&b, " %s makes up %s%% of your holdings; consider diversifying.", top.Ticker, share.StringFixed(0))
	} else if len(v.Positions) == 1 {
		b.WriteString(" A single holding carries all of your market risk.")
	}

	if n := countStale(v.Positions); n > 0 {
		fmt.Fprintf(&b, " %d holding(s) have no price and are shown at cost.", n)
	}

	if total := v.TotalValue; total.IsPositive() {
		cashShare := v.Cash.Div(total).Mul(hundred)
		fmt.Fprintf(&b, " Cash is %s%% of the account.", cashShare.StringFixed(0))
	}

	if len(s.Recent) > 0 {
		buys, sells := 0, 0
		for _, t := range s.Recent {
			if t.Side == model.SideBuy {
				buys++
			} else {
				sells++
			}
		}
		fmt.Fprintf(&b, " Recent activity: %d buy(s) and %d sell(s).", buys, sells)
	}
	return b.String(), nil
}

// InstrumentInsights implements Provider.
func (*Heuristic) InstrumentInsights(_ context.Context, s InstrumentSnapshot) (string, error) {
	inst := s.Instrument
	if s.Source == model.PriceStale {
		return fmt.Sprintf("No price is available for %s (%s) yet, so there is nothing to analyze.",
			inst.Name, inst.Ticker), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s) is at %s", inst.Name, inst.Ticker, money(s.Price))
	if s.Source == model.PriceCached {
		b.WriteString(", its last cached price")
	}
	switch s.ChangePercent.Sign() {
	case 1:
		fmt.Fprintf(&b, ", up %s%% (%s) on the day.", s.ChangePercent.StringFixed(2), money(s.Change))
	case -1:
		fmt.Fprintf(&b, ", down %s%% (%s) on the day.", s.ChangePercent.Abs().StringFixed(2), money(s.Change.Abs()))
	default:
		b.WriteString(", unchanged on the day.")
	}
	fmt.Fprintf(&b, " Short-term risk looks %s.", dailyRisk(s.ChangePercent))
	return b.String(), nil
}

// dailyRisk grades the size of a daily move.
func dailyRisk(changePercent decimal.Decimal) string {
	move := changePercent.Abs()
	switch {
	case move.LessThan(decimal.NewFromInt(1)):
		return "low"
	case move.LessThan(decimal.NewFromInt(3)):
		return "medium"
	default:
		return "high"
	}
}

func money(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

func extremes(rows []model.PositionValuation) (best, worst model.PositionValuation) {
	best, worst = rows[0], rows[0]
	for _, r := range rows[1:] {
		if r.PnLPercent.GreaterThan(best.PnLPercent) {
			best = r
		}
		if r.PnLPercent.LessThan(worst.PnLPercent) {
			worst = r
		}
	}
	return best, worst
}

// largest returns the biggest holding by market value and its percentage of
// total market value.
func largest(v model.Valuation) (model.PositionValuation, decimal.Decimal) {
	top := v.Positions[0]
	for _, r := range v.Positions[1:] {
		if r.MarketValue.GreaterThan(top.MarketValue) {
			top = r
		}
	}
	if !v.MarketValue.IsPositive() || len(v.Positions) < 2 {
		return top, decimal.Zero
	}
	return top, top.MarketValue.Div(v.MarketValue).Mul(hundred)
}

func countStale(rows []model.PositionValuation) int {
	n := 0
	for _, r := range rows {
		if r.PriceSource == model.PriceStale {
			n++
		}
	}
	return n
}
