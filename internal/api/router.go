// Package api exposes the ledger engine over HTTP and WebSocket.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/ledger-engine/internal/insight"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/quote"
	"github.com/atmx/ledger-engine/internal/store"
	"github.com/atmx/ledger-engine/internal/trade"
	"github.com/atmx/ledger-engine/internal/valuation"
)

// DefaultRequestTimeout bounds every request handled by the router.
const DefaultRequestTimeout = 30 * time.Second

// Server holds the components behind the HTTP handlers.
type Server struct {
	store      store.Store
	trades     *trade.Processor
	valuations *valuation.Engine
	prices     *quote.Resolver
	insights   *insight.Service
	hub        *Hub
	now        func() time.Time
}

// Config wires a Server. Hub may be nil to disable the WebSocket endpoint.
type Config struct {
	Store      store.Store
	Trades     *trade.Processor
	Valuations *valuation.Engine
	Prices     *quote.Resolver
	Insights   *insight.Service
	Hub        *Hub
}

// NewServer creates a Server.
func NewServer(cfg Config) *Server {
	return &Server{
		store:      cfg.Store,
		trades:     cfg.Trades,
		valuations: cfg.Valuations,
		prices:     cfg.Prices,
		insights:   cfg.Insights,
		hub:        cfg.Hub,
		now:        time.Now,
	}
}

// Routes registers every endpoint on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Route("/instruments", func(r chi.Router) {
			r.Get("/", s.ListInstruments)
			r.Post("/", s.CreateInstrument)
			r.Get("/{instrumentID}", s.GetInstrument)
			r.Get("/{instrumentID}/quote", s.GetQuote)
			r.Get("/{instrumentID}/insights", s.GetInstrumentInsights)
		})
		r.Get("/market/sentiment", s.GetMarketSentiment)

		r.Post("/accounts", s.OpenAccount)
		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Get("/", s.GetAccount)
			r.Delete("/", s.CloseAccount)
			r.Get("/cash", s.GetCash)
			r.Post("/deposit", s.Deposit)
			r.Post("/withdraw", s.Withdraw)
			r.Post("/trades", s.ExecuteTrade)
			r.Get("/transactions", s.ListTransactions)
			r.Get("/positions", s.ListPositions)
			r.Get("/positions/{instrumentID}", s.GetPosition)
			r.Get("/valuation", s.GetValuation)
			r.Post("/refresh-prices", s.RefreshPrices)
			r.Get("/insights", s.GetInsights)
		})
	})
}

// NewRouter returns a chi router with the standard middleware stack and
// every route of s.
func NewRouter(s *Server, requestTimeout time.Duration) chi.Router {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(metrics.Middleware)
	r.Use(cors)
	s.Routes(r)
	return r
}

// cors allows cross-origin requests from browser frontends.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
