package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/voltx/vault-engine/internal/metrics"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// InternalToken, when set, must be sent as a bearer token on /internal/v1.
	InternalToken string

	// RequestTimeout bounds non-WebSocket requests. Transfers wait for
	// ledger confirmation, so it should cover the retry budget.
	RequestTimeout time.Duration
}

// NewRouter mounts the public API, the inbound event endpoints, health and
// metrics.
func NewRouter(h *Handler, hub *WSHub, opts RouterOptions) http.Handler {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"vault-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The socket is long-lived and must not inherit the request timeout.
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(opts.RequestTimeout))

			r.Post("/orders", h.PlaceOrder)
			r.Get("/orders", h.ListOrders)
			r.Post("/orders/{orderID}/cancel", h.CancelOrder)
			r.Get("/orderbook", h.Orderbook)
			r.Get("/balances/{wallet}", h.Balance)

			r.Get("/positions/{wallet}", h.Positions)
			r.Post("/positions/{orderID}/claim", h.Claim)
			r.Post("/positions/{orderID}/payout", h.RetryPayout)
			r.Get("/portfolio/{wallet}", h.Portfolio)

			r.Get("/payout/schedule", h.PayoutSchedule)
		})
	})

	r.Route("/internal/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))
		r.Use(requireToken(opts.InternalToken))
		r.Post("/fills", h.Fill)
		r.Post("/positions", h.RecordPosition)
		r.Post("/settlements", h.Settle)
	})

	return r
}

// cors allows the wallet frontend to call the API cross-origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requireToken(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
				writeError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
