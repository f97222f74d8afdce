// Package api exposes the vault engine over HTTP and WebSocket.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/voltx/vault-engine/internal/model"
	"github.com/voltx/vault-engine/internal/orders"
	"github.com/voltx/vault-engine/internal/payout"
	"github.com/voltx/vault-engine/internal/positions"
	"github.com/voltx/vault-engine/internal/store"
)

// Handler serves the order and position endpoints.
type Handler struct {
	orders    *orders.Service
	positions *positions.Manager
	log       *zap.Logger
}

func NewHandler(ord *orders.Service, pos *positions.Manager, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{orders: ord, positions: pos, log: log.Named("api")}
}

// WalletRequest is the body of cancel and payout retry calls.
type WalletRequest struct {
	Wallet string `json:"wallet"`
}

// FillRequest is the matcher's partial-fill notification.
type FillRequest struct {
	OrderID  int64           `json:"order_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// --- Orders ---

// PlaceOrder handles POST /api/v1/orders
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := h.orders.PlaceOrder(r.Context(), req)
	if err != nil {
		h.log.Error("place order failed", zap.String("wallet", req.Wallet), zap.Error(err))
		writeError(w, "failed to place order", http.StatusInternalServerError)
		return
	}
	status := http.StatusCreated
	if !res.Success {
		status = resultStatus(res)
	}
	writeJSON(w, status, res)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathOrderID(w, r)
	if !ok {
		return
	}
	var req WalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := h.orders.CancelOrder(r.Context(), req.Wallet, orderID)
	if err != nil {
		h.log.Error("cancel order failed", zap.Int64("order_id", orderID), zap.Error(err))
		writeError(w, "failed to cancel order", http.StatusInternalServerError)
		return
	}
	writeResult(w, res)
}

// ListOrders handles GET /api/v1/orders?wallet=
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		writeError(w, "wallet is required", http.StatusBadRequest)
		return
	}
	list, err := h.orders.UserOrders(r.Context(), wallet)
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Orderbook handles GET /api/v1/orderbook
func (h *Handler) Orderbook(w http.ResponseWriter, r *http.Request) {
	book, err := h.orders.Orderbook(r.Context())
	if err != nil {
		writeError(w, "failed to load orderbook", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// Balance handles GET /api/v1/balances/{wallet}
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	b, err := h.orders.UserBalance(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// --- Positions ---

// Positions handles GET /api/v1/positions/{wallet}
func (h *Handler) Positions(w http.ResponseWriter, r *http.Request) {
	list, err := h.positions.UserPositions(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Claim handles POST /api/v1/positions/{orderID}/claim
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathOrderID(w, r)
	if !ok {
		return
	}
	var req positions.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.OrderID = orderID
	res, err := h.positions.ClaimPosition(r.Context(), req)
	if err != nil {
		h.log.Error("claim failed", zap.Int64("order_id", orderID), zap.Error(err))
		writeError(w, "failed to claim position", http.StatusInternalServerError)
		return
	}
	writeResult(w, res)
}

// RetryPayout handles POST /api/v1/positions/{orderID}/payout
func (h *Handler) RetryPayout(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathOrderID(w, r)
	if !ok {
		return
	}
	var req WalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := h.positions.RetryPayout(r.Context(), req.Wallet, orderID)
	if err != nil {
		h.log.Error("payout retry failed", zap.Int64("order_id", orderID), zap.Error(err))
		writeError(w, "failed to retry payout", http.StatusInternalServerError)
		return
	}
	writeResult(w, res)
}

// Portfolio handles GET /api/v1/portfolio/{wallet}
func (h *Handler) Portfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.positions.Portfolio(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		writeError(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PayoutSchedule handles GET /api/v1/payout/schedule
func (h *Handler) PayoutSchedule(w http.ResponseWriter, _ *http.Request) {
	resp := make(map[string][]payout.Point, 2)
	for _, t := range []model.PositionType{model.PositionBreakout, model.PositionStayIn} {
		points, err := payout.Schedule(t)
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp[t.String()] = points
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Inbound events ---

// Fill handles POST /internal/v1/fills
func (h *Handler) Fill(w http.ResponseWriter, r *http.Request) {
	var req FillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Quantity.IsPositive() {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}
	o, err := h.orders.ApplyFill(r.Context(), req.OrderID, req.Quantity)
	if err != nil {
		writeError(w, err.Error(), eventStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// RecordPosition handles POST /internal/v1/positions
func (h *Handler) RecordPosition(w http.ResponseWriter, r *http.Request) {
	var ev positions.MatchEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := h.positions.RecordPosition(r.Context(), ev)
	if err != nil {
		writeError(w, err.Error(), eventStatus(err))
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Settle handles POST /internal/v1/settlements
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	var ev positions.SettlementEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := h.positions.ApplySettlement(r.Context(), ev)
	if err != nil {
		writeError(w, err.Error(), eventStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- helpers ---

func pathOrderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid order id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// resultStatus maps a business failure onto an HTTP status.
func resultStatus(res model.Result) int {
	switch res.Error {
	case orders.MsgWalletNotConnected:
		return http.StatusUnauthorized
	case orders.MsgOrderNotFound, positions.MsgPositionNotFound:
		return http.StatusNotFound
	case orders.MsgInvalidAmount, orders.MsgInvalidSide, orders.MsgInvalidPoints, positions.MsgPayoutMismatch:
		return http.StatusBadRequest
	case orders.MsgDepositPending, orders.MsgRefundFailed, positions.MsgClaimPending, positions.MsgPayoutPending:
		return http.StatusAccepted
	case orders.MsgDepositFailed, positions.MsgClaimFailed:
		return http.StatusBadGateway
	default:
		return http.StatusConflict
	}
}

func eventStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, positions.ErrNotResting), errors.Is(err, positions.ErrAlreadyMatched):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeResult(w http.ResponseWriter, res model.Result) {
	status := http.StatusOK
	if !res.Success {
		status = resultStatus(res)
	}
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
