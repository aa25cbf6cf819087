package insight

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// Sentiment labels.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

// NoMarketDataText is the summary when no instrument has a price.
const NoMarketDataText = "No priced instruments are available for sentiment analysis."

var (
	// A 2% average daily move maps to the ends of the [-1, 1] score range.
	fullScoreMove = decimal.NewFromInt(2)
	neutralBand   = decimal.RequireFromString("0.1")
	one           = decimal.NewFromInt(1)
	minusOne      = decimal.NewFromInt(-1)
)

// Sentiment is the catalog-wide mood derived from daily price changes.
type Sentiment struct {
	Sentiment       string          `json:"sentiment"`
	Score           decimal.Decimal `json:"sentiment_score"` // -1 very negative .. 1 very positive
	Summary         string          `json:"summary"`
	Advancers       int             `json:"advancers"`
	Decliners       int             `json:"decliners"`
	AnalyzedSymbols []string        `json:"analyzed_symbols"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

func sentimentOf(insts []model.Instrument) *Sentiment {
	out := &Sentiment{Sentiment: SentimentNeutral, Score: decimal.Zero, AnalyzedSymbols: []string{}}
	total := decimal.Zero
	for _, inst := range insts {
		if !inst.HasPrice() {
			continue
		}
		out.AnalyzedSymbols = append(out.AnalyzedSymbols, inst.Ticker)
		total = total.Add(inst.ChangePercent)
		switch inst.ChangePercent.Sign() {
		case 1:
			out.Advancers++
		case -1:
			out.Decliners++
		}
	}
	n := len(out.AnalyzedSymbols)
	if n == 0 {
		out.Summary = NoMarketDataText
		return out
	}

	avg := total.Div(decimal.NewFromInt(int64(n)))
	score := avg.Div(fullScoreMove)
	if score.GreaterThan(one) {
		score = one
	} else if score.LessThan(minusOne) {
		score = minusOne
	}
	out.Score = score.Round(2)
	switch {
	case out.Score.GreaterThan(neutralBand):
		out.Sentiment = SentimentPositive
	case out.Score.LessThan(neutralBand.Neg()):
		out.Sentiment = SentimentNegative
	}
	out.Summary = fmt.Sprintf("%d of %d instrument(s) are up and %d down, with an average move of %s%%.",
		out.Advancers, n, out.Decliners, avg.StringFixed(2))
	return out
}
