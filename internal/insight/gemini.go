package insight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/atmx/ledger-engine/internal/model"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

const systemInstruction = `You are a personal financial advisor providing portfolio analysis to retail investors.
You only comment on the figures you are given. You never place trades or move money.`

// Gemini asks a Gemini model for commentary.
type Gemini struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

// NewGemini creates a provider backed by the Gemini API. An empty apiKey lets
// the client read GEMINI_API_KEY or GOOGLE_API_KEY from the environment.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("insight: gemini client: %w", err)
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	return &Gemini{
		client: client,
		model:  model,
		config: &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemInstruction}}},
			Temperature:       genai.Ptr[float32](0.4),
			MaxOutputTokens:   400,
		},
	}, nil
}

// Name implements Provider.
func (g *Gemini) Name() string {
	return "gemini:" + g.model
}

// Insights implements Provider.
func (g *Gemini) Insights(ctx context.Context, s Snapshot) (string, error) {
	if len(s.Valuation.Positions) == 0 {
		return EmptyPortfolioText, nil
	}
	prompt, err := BuildPrompt(s)
	if err != nil {
		return "", err
	}
	return g.generate(ctx, prompt)
}

// InstrumentInsights implements Provider.
func (g *Gemini) InstrumentInsights(ctx context.Context, s InstrumentSnapshot) (string, error) {
	if s.Source == model.PriceStale {
		return NewHeuristic().InstrumentInsights(ctx, s)
	}
	return g.generate(ctx, BuildInstrumentPrompt(s))
}

func (g *Gemini) generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), g.config)
	if err != nil {
		return "", fmt.Errorf("insight: gemini: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("insight: gemini returned no text")
	}
	return text, nil
}

// BuildInstrumentPrompt renders an instrument snapshot as the user prompt
// for a language model.
func BuildInstrumentPrompt(s InstrumentSnapshot) string {
	inst := s.Instrument
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze the stock %s (%s) and provide insights in plain English.\n\n", inst.Name, inst.Ticker)
	fmt.Fprintf(&b, "Current price: %s (%s)\n", money(s.Price), s.Source)
	fmt.Fprintf(&b, "Daily change: %s (%s%%)\n\n", money(s.Change), s.ChangePercent.StringFixed(2))
	b.WriteString("Provide a brief performance summary, a risk assessment (low/medium/high) ")
	b.WriteString("and a short-term outlook. Keep it investor-friendly and under 200 words.\n")
	return b.String()
}

type promptHolding struct {
	Ticker        string `json:"symbol"`
	Name          string `json:"company"`
	Quantity      int64  `json:"quantity"`
	CurrentValue  string `json:"current_value"`
	InvestedValue string `json:"invested_value"`
	PnL           string `json:"pnl"`
	PnLPercent    string `json:"pnl_percent"`
	PriceSource   string `json:"price_source"`
}

// BuildPrompt renders the snapshot as the user prompt for a language model.
func BuildPrompt(s Snapshot) (string, error) {
	v := s.Valuation
	holdings := make([]promptHolding, 0, len(v.Positions))
	for _, p := range v.Positions {
		holdings = append(holdings, promptHolding{
			Ticker:        p.Ticker,
			Name:          p.Name,
			Quantity:      p.Quantity,
			CurrentValue:  p.MarketValue.StringFixed(2),
			InvestedValue: p.InvestedValue.StringFixed(2),
			PnL:           p.PnL.StringFixed(2),
			PnLPercent:    p.PnLPercent.StringFixed(2),
			PriceSource:   string(p.PriceSource),
		})
	}
	data, err := json.MarshalIndent(holdings, "", "  ")
	if err != nil {
		return "", fmt.Errorf("insight: encode holdings: %w", err)
	}

	var b strings.Builder
	b.WriteString("Analyze this investment portfolio and provide an overview in plain English.\n\n")
	b.WriteString("Portfolio summary:\n")
	fmt.Fprintf(&b, "- Cash: %s\n", money(v.Cash))
	fmt.Fprintf(&b, "- Total current value: %s\n", money(v.MarketValue))
	fmt.Fprintf(&b, "- Total invested: %s\n", money(v.InvestedValue))
	fmt.Fprintf(&b, "- Total P&L: %s (%s%%)\n", money(v.UnrealizedPnL), v.PnLPercent.StringFixed(1))
	fmt.Fprintf(&b, "- Number of holdings: %d\n", len(v.Positions))
	fmt.Fprintf(&b, "- Recent transactions: %d (%s)\n\n", len(s.Recent), recentSummary(s.Recent))
	b.WriteString("Individual holdings:\n")
	b.Write(data)
	b.WriteString("\n\nCover overall performance, diversification, top and weakest holdings, ")
	b.WriteString("risk, and actionable next steps. Keep it conversational and under 300 words.\n")
	return b.String(), nil
}

func recentSummary(txns []model.Transaction) string {
	if len(txns) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(txns))
	for i, t := range txns {
		if i == 10 {
			parts = append(parts, fmt.Sprintf("and %d more", len(txns)-i))
			break
		}
		parts = append(parts, fmt.Sprintf("%s %d %s @ %s", t.Side, t.Quantity, t.Ticker, t.Price.StringFixed(2)))
	}
	return strings.Join(parts, "; ")
}
