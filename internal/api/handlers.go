package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/instrument"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/trade"
)

// DefaultHistoryDays is the transaction window used when the caller gives
// neither since nor days.
const DefaultHistoryDays = 30

// Health handles GET /health.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "ledger-engine"})
}

// --- Instruments ---

// CreateInstrumentRequest is the body of POST /api/v1/instruments.
type CreateInstrumentRequest struct {
	Ticker string          `json:"ticker"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
}

// CreateInstrument handles POST /api/v1/instruments.
func (s *Server) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req CreateInstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	inst, err := instrument.New(req.Ticker, req.Name, req.Price, s.now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.CreateInstrument(r.Context(), inst); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// ListInstruments handles GET /api/v1/instruments.
func (s *Server) ListInstruments(w http.ResponseWriter, r *http.Request) {
	insts, err := s.store.ListInstruments(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if insts == nil {
		insts = []model.Instrument{}
	}
	writeJSON(w, http.StatusOK, insts)
}

// GetInstrument handles GET /api/v1/instruments/{instrumentID}.
func (s *Server) GetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.GetInstrument(r.Context(), chi.URLParam(r, "instrumentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// QuoteResponse is the price an order for the instrument would use now.
type QuoteResponse struct {
	InstrumentID string            `json:"instrument_id"`
	Ticker       string            `json:"ticker"`
	Price        decimal.Decimal   `json:"price"`
	Source       model.PriceSource `json:"source"`
	Quote        *model.Quote      `json:"quote,omitempty"`
}

// GetQuote handles GET /api/v1/instruments/{instrumentID}/quote.
func (s *Server) GetQuote(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.GetInstrument(r.Context(), chi.URLParam(r, "instrumentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	price, err := s.prices.Resolve(r.Context(), inst)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := QuoteResponse{InstrumentID: inst.ID, Ticker: inst.Ticker, Price: price.Value, Source: price.Source}
	if price.Source == model.PriceLive {
		resp.Quote = &price.Quote
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Accounts and cash ---

// OpenAccountRequest is the body of POST /api/v1/accounts.
type OpenAccountRequest struct {
	Name        string          `json:"name"`
	InitialCash decimal.Decimal `json:"initial_cash"`
}

// AccountResponse is an account with its cash balance.
type AccountResponse struct {
	*model.Account
	Cash decimal.Decimal `json:"cash"`
}

// CashResponse is an account's cash balance.
type CashResponse struct {
	AccountID string          `json:"account_id"`
	Cash      decimal.Decimal `json:"cash"`
}

// AmountRequest is the body of the deposit and withdraw endpoints.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// OpenAccount handles POST /api/v1/accounts.
func (s *Server) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	acct, err := s.trades.OpenAccount(r.Context(), req.Name, req.InitialCash)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AccountResponse{Account: acct, Cash: req.InitialCash})
}

// GetAccount handles GET /api/v1/accounts/{accountID}.
func (s *Server) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	acct, err := s.store.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cash, err := s.store.GetCash(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{Account: acct, Cash: cash})
}

// CloseAccount handles DELETE /api/v1/accounts/{accountID}.
func (s *Server) CloseAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.trades.CloseAccount(r.Context(), chi.URLParam(r, "accountID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetCash handles GET /api/v1/accounts/{accountID}/cash.
func (s *Server) GetCash(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	cash, err := s.store.GetCash(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CashResponse{AccountID: id, Cash: cash})
}

// Deposit handles POST /api/v1/accounts/{accountID}/deposit.
func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	s.moveCash(w, r, s.trades.Deposit)
}

// Withdraw handles POST /api/v1/accounts/{accountID}/withdraw.
func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.moveCash(w, r, s.trades.Withdraw)
}

func (s *Server) moveCash(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error)) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	id := chi.URLParam(r, "accountID")
	cash, err := op(r.Context(), id, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CashResponse{AccountID: id, Cash: cash})
}

// --- Trades and ledger ---

// TradeBody is the body of POST /api/v1/accounts/{accountID}/trades.
type TradeBody struct {
	InstrumentID string     `json:"instrument_id"`
	Side         model.Side `json:"side"`
	Quantity     int64      `json:"quantity"`
}

// ExecuteTrade handles POST /api/v1/accounts/{accountID}/trades.
func (s *Server) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var body TradeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	receipt, err := s.trades.ExecuteTrade(r.Context(), trade.TradeRequest{
		AccountID:    chi.URLParam(r, "accountID"),
		InstrumentID: body.InstrumentID,
		Side:         model.Side(strings.ToUpper(strings.TrimSpace(string(body.Side)))),
		Quantity:     body.Quantity,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// ListTransactions handles GET /api/v1/accounts/{accountID}/transactions.
// The window is ?since=<RFC3339> or ?days=<n>, defaulting to 30 days.
func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	since, err := s.historySince(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	txns, err := s.store.ListTransactions(r.Context(), chi.URLParam(r, "accountID"), since)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

func (s *Server) historySince(r *http.Request) (time.Time, error) {
	q := r.URL.Query()
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, errors.New("since must be an RFC 3339 timestamp")
		}
		return since, nil
	}
	days := DefaultHistoryDays
	if raw := q.Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return time.Time{}, errors.New("days must be a positive integer")
		}
		days = n
	}
	return s.now().AddDate(0, 0, -days), nil
}

// ListPositions handles GET /api/v1/accounts/{accountID}/positions.
func (s *Server) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositions(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition handles GET /api/v1/accounts/{accountID}/positions/{instrumentID}.
func (s *Server) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.store.GetPosition(r.Context(), chi.URLParam(r, "accountID"), chi.URLParam(r, "instrumentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// --- Valuation and insights ---

// GetValuation handles GET /api/v1/accounts/{accountID}/valuation.
func (s *Server) GetValuation(w http.ResponseWriter, r *http.Request) {
	v, err := s.valuations.GetValuation(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// RefreshPrices handles POST /api/v1/accounts/{accountID}/refresh-prices.
func (s *Server) RefreshPrices(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	n, err := s.valuations.RefreshPrices(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "refreshed": n})
}

// GetInsights handles GET /api/v1/accounts/{accountID}/insights.
func (s *Server) GetInsights(w http.ResponseWriter, r *http.Request) {
	if s.insights == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "insights are disabled", Kind: model.KindNotFound})
		return
	}
	rep, err := s.insights.Insights(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetInstrumentInsights handles GET /api/v1/instruments/{instrumentID}/insights.
func (s *Server) GetInstrumentInsights(w http.ResponseWriter, r *http.Request) {
	if s.insights == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "insights are disabled", Kind: model.KindNotFound})
		return
	}
	rep, err := s.insights.InstrumentInsights(r.Context(), chi.URLParam(r, "instrumentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetMarketSentiment handles GET /api/v1/market/sentiment.
func (s *Server) GetMarketSentiment(w http.ResponseWriter, r *http.Request) {
	if s.insights == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "insights are disabled", Kind: model.KindNotFound})
		return
	}
	sent, err := s.insights.MarketSentiment(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sent)
}
