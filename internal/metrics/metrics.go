// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts trade requests, partitioned by side and outcome kind
	// ("ok" or a model.Kind).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_trades_total",
		Help: "Total number of trade requests by side and result",
	}, []string{"side", "result"})

	// TradeLatency tracks end-to-end trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// CashOperationsTotal counts deposits and withdrawals by outcome.
	CashOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_cash_operations_total",
		Help: "Total deposits and withdrawals by result",
	}, []string{"operation", "result"})

	// QuoteRequestsTotal counts price source calls by source and outcome.
	QuoteRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_quote_requests_total",
		Help: "Total quote requests by source and result",
	}, []string{"source", "result"})

	// QuoteLatency tracks price source latency, including timeouts.
	QuoteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_quote_latency_seconds",
		Help:    "Quote lookup latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"source"})

	// CommitFailures counts ledger commits that failed in storage.
	CommitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_commit_failures_total",
		Help: "Ledger commits that failed with a storage error",
	})

	// LimitRejections counts trades rejected by the risk limiter.
	LimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_limit_rejections_total",
		Help: "Trades rejected by position or notional limits",
	})

	// TradedVolume tracks cumulative traded quantity per ticker.
	TradedVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_traded_volume_total",
		Help: "Cumulative traded quantity in shares",
	}, []string{"ticker", "side"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Since returns the seconds elapsed since start, for Observe calls.
func Since(start time.Time) float64 {
	return time.Since(start).Seconds()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		// Use the route pattern for the path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(Since(start))
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
