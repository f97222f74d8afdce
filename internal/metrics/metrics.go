// Package metrics provides Prometheus instrumentation for the vault engine.
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
	// OrdersTotal counts order placement outcomes by side.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_orders_total",
		Help: "Order placements by side and outcome",
	}, []string{"side", "outcome"})

	// CancellationsTotal counts order cancellations by outcome.
	CancellationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_cancellations_total",
		Help: "Order cancellations by outcome",
	}, []string{"outcome"})

	// ClaimsTotal counts position claims by outcome.
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_claims_total",
		Help: "Position claims by outcome",
	}, []string{"outcome"})

	// LedgerSubmissions counts every submission attempt by instruction and result kind.
	LedgerSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_ledger_submissions_total",
		Help: "Ledger submission attempts",
	}, []string{"instruction", "result"})

	// DuplicateSubmissions counts submissions rejected as already processed.
	// A steady non-zero rate points at a caller submitting twice.
	DuplicateSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_ledger_duplicate_submissions_total",
		Help: "Ledger submissions rejected as duplicates",
	}, []string{"instruction"})

	// TransferLatency tracks end-to-end transfer time including retries.
	TransferLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_transfer_latency_seconds",
		Help:    "Vault transfer latency in seconds, including retries and confirmation",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"instruction"})

	// PendingIntents tracks unresolved transfer intents seen by the reconciler.
	PendingIntents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_pending_intents",
		Help: "Transfer intents awaiting reconciliation",
	})

	// ReconciledIntents counts intents resolved by the reconciler by kind and outcome.
	ReconciledIntents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_reconciled_intents_total",
		Help: "Intents replayed by the reconciler",
	}, []string{"kind", "outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps wallet addresses out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
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
