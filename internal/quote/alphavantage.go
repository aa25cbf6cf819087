package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

const (
	// AlphaVantageURL is the public query endpoint.
	AlphaVantageURL = "https://www.alphavantage.co/query"

	// DemoKey makes AlphaVantage answer with a fixed quote without any
	// network access.
	DemoKey = "demo"
)

var (
	demoPrice         = decimal.RequireFromString("150.25")
	demoChange        = decimal.RequireFromString("2.50")
	demoChangePercent = decimal.RequireFromString("1.69")
)

// AlphaVantage fetches GLOBAL_QUOTE data over HTTP.
type AlphaVantage struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAlphaVantage creates a client. An empty baseURL selects AlphaVantageURL;
// a nil client selects http.DefaultClient.
func NewAlphaVantage(apiKey, baseURL string, client *http.Client) *AlphaVantage {
	if baseURL == "" {
		baseURL = AlphaVantageURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &AlphaVantage{apiKey: apiKey, baseURL: baseURL, client: client}
}

func (a *AlphaVantage) Name() string { return "alphavantage" }

type globalQuoteResponse struct {
	GlobalQuote  map[string]string `json:"Global Quote"`
	Note         string            `json:"Note"`
	Information  string            `json:"Information"`
	ErrorMessage string            `json:"Error Message"`
}

func (a *AlphaVantage) Quote(ctx context.Context, ticker string) (model.Quote, error) {
	if a.apiKey == DemoKey {
		return model.Quote{
			Ticker:        ticker,
			Price:         demoPrice,
			Change:        demoChange,
			ChangePercent: demoChangePercent,
		}, nil
	}

	params := url.Values{}
	params.Set("function", "GLOBAL_QUOTE")
	params.Set("symbol", ticker)
	params.Set("apikey", a.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return model.Quote{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return model.Quote{}, fmt.Errorf("alphavantage request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.Quote{}, fmt.Errorf("alphavantage: status %d", resp.StatusCode)
	}

	var body globalQuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.Quote{}, fmt.Errorf("alphavantage decode: %w", err)
	}
	switch {
	case body.ErrorMessage != "":
		return model.Quote{}, fmt.Errorf("alphavantage: %s", body.ErrorMessage)
	case body.Note != "":
		return model.Quote{}, fmt.Errorf("alphavantage rate limited: %s", body.Note)
	case body.Information != "":
		return model.Quote{}, fmt.Errorf("alphavantage: %s", body.Information)
	case len(body.GlobalQuote) == 0:
		return model.Quote{}, errors.New("alphavantage: no quote in response")
	}

	q := model.Quote{Ticker: ticker}
	if q.Price, err = field(body.GlobalQuote, "05. price"); err != nil {
		return model.Quote{}, err
	}
	if q.Change, err = field(body.GlobalQuote, "09. change"); err != nil {
		return model.Quote{}, err
	}
	if q.ChangePercent, err = field(body.GlobalQuote, "10. change percent"); err != nil {
		return model.Quote{}, err
	}
	return q, nil
}

// field parses one numeric GLOBAL_QUOTE field. Missing fields read as zero;
// a trailing percent sign is dropped.
func field(m map[string]string, key string) (decimal.Decimal, error) {
	raw := strings.TrimSuffix(strings.TrimSpace(m[key]), "%")
	if raw == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("alphavantage field %q: %w", key, err)
	}
	return v, nil
}
