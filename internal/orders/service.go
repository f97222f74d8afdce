// Package orders places and cancels volatility orders and presents the
// aggregated order book. Funds move through the vault before an order is
// opened and after it is cancelled; every transfer is journaled first.
package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/voltx/vault-engine/internal/band"
	"github.com/voltx/vault-engine/internal/intent"
	"github.com/voltx/vault-engine/internal/limits"
	"github.com/voltx/vault-engine/internal/metrics"
	"github.com/voltx/vault-engine/internal/model"
	"github.com/voltx/vault-engine/internal/store"
	"github.com/voltx/vault-engine/internal/vault"
)

// User-facing failure messages.
const (
	MsgWalletNotConnected = "Wallet not connected"
	MsgInvalidAmount      = "Amount must be greater than 0"
	MsgInvalidSide        = "Side must be LONG or SHORT"
	MsgInvalidPoints      = "Points must be between 0.1 and 10.0 with one decimal"
	MsgLimitExceeded      = "Exposure limit exceeded"
	MsgDepositFailed      = "Deposit failed"
	MsgDepositPending     = "Deposit submitted, confirmation pending"
	MsgDepositRefunded    = "Order closed before its deposit landed, deposit refunded"
	MsgOrderNotFound      = "Order not found"
	MsgNoFunds            = "No funds to refund"
	MsgRefundFailed       = "Order cancelled, refund pending"
)

// Transfers is the subset of the vault orchestrator the order flow needs.
type Transfers interface {
	Deposit(ctx context.Context, wallet string, amount decimal.Decimal, orderID int64) (string, error)
	Withdraw(ctx context.Context, wallet string, amount decimal.Decimal, orderID int64) (string, error)
}

// PlaceOrderRequest is the JSON body for POST /api/v1/orders.
type PlaceOrderRequest struct {
	Wallet string          `json:"wallet"`
	Amount decimal.Decimal `json:"amount"`
	Side   model.Side      `json:"side"`
	Points decimal.Decimal `json:"points"`
}

// Service runs the order lifecycle.
type Service struct {
	store     store.Store
	transfers Transfers
	journal   intent.Journal
	limiter   *limits.ExposureLimiter
	inflight  *intent.InFlight
	log       *zap.Logger
}

// NewService creates an order service. limiter may be nil.
func NewService(st store.Store, transfers Transfers, journal intent.Journal, limiter *limits.ExposureLimiter, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:     st,
		transfers: transfers,
		journal:   journal,
		limiter:   limiter,
		inflight:  intent.NewInFlight(),
		log:       log.Named("orders"),
	}
}

// PlaceOrder validates the request, records a PENDING order, deposits the
// amount into the pool and opens the order. Business failures come back in
// the Result; the error is reserved for store and journal failures. Once the
// deposit intent is recorded the request context no longer cancels the flow.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (model.Result, error) {
	points, msg := validate(req)
	if msg != "" {
		metrics.OrdersTotal.WithLabelValues(string(req.Side), "rejected").Inc()
		return model.Fail(msg), nil
	}

	user, err := s.store.UpsertUser(ctx, req.Wallet)
	if err != nil {
		return model.Result{}, fmt.Errorf("place order: %w", err)
	}

	if s.limiter != nil {
		existing, err := s.store.ListOrdersByUser(ctx, user.ID)
		if err != nil {
			return model.Result{}, fmt.Errorf("place order: %w", err)
		}
		if err := s.limiter.CheckLimit(req.Side, points, req.Amount, existing); err != nil {
			s.log.Info("order rejected by limiter", zap.String("wallet", req.Wallet), zap.Error(err))
			metrics.OrdersTotal.WithLabelValues(string(req.Side), "limited").Inc()
			return model.Fail(MsgLimitExceeded), nil
		}
	}

	order := &model.Order{
		UserID:       user.ID,
		Side:         req.Side,
		Points:       points,
		Amount:       req.Amount,
		FilledAmount: decimal.Zero,
		Status:       model.OrderPending,
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		return model.Result{}, fmt.Errorf("place order: %w", err)
	}

	in := intent.New(intent.KindDeposit, order.ID, req.Wallet, req.Amount)
	if err := s.journal.Record(ctx, in); err != nil {
		if ferr := s.store.FailOrder(ctx, order.ID); ferr != nil {
			s.log.Error("failed to cancel unfunded order", zap.Int64("order_id", order.ID), zap.Error(ferr))
		}
		return model.Result{}, fmt.Errorf("place order %d: %w", order.ID, err)
	}

	s.inflight.Acquire(in.ID)
	defer s.inflight.Release(in.ID)
	ctx = context.WithoutCancel(ctx)

	sig, err := s.transfers.Deposit(ctx, req.Wallet, req.Amount, order.ID)
	if err != nil {
		return s.depositFailed(ctx, order, in, err)
	}

	opened, err := s.completeDeposit(ctx, in, sig)
	if err != nil {
		return model.Result{}, err
	}
	if !opened {
		metrics.OrdersTotal.WithLabelValues(string(req.Side), "refunded").Inc()
		return model.Result{Success: false, TxHash: sig, OrderID: order.ID, Error: MsgDepositRefunded}, nil
	}

	metrics.OrdersTotal.WithLabelValues(string(req.Side), "opened").Inc()
	s.log.Info("order opened",
		zap.Int64("order_id", order.ID),
		zap.String("wallet", req.Wallet),
		zap.String("side", string(req.Side)),
		zap.String("points", points.String()),
		zap.String("amount", req.Amount.String()),
		zap.String("signature", sig),
	)
	return model.Result{Success: true, TxHash: sig, OrderID: order.ID}, nil
}

func (s *Service) depositFailed(ctx context.Context, order *model.Order, in *intent.Intent, err error) (model.Result, error) {
	log := s.log.With(zap.Int64("order_id", order.ID), zap.Error(err))

	if vault.OutcomeUnknown(err) {
		// The deposit may still land; the reconciler settles the order.
		if rerr := s.journal.Retry(ctx, in.ID, err.Error()); rerr != nil {
			log.Error("failed to record deposit attempt", zap.NamedError("journal_error", rerr))
		}
		log.Warn("deposit outcome unknown, order left pending")
		metrics.OrdersTotal.WithLabelValues(string(order.Side), "pending").Inc()
		return model.Result{Success: false, OrderID: order.ID, Error: MsgDepositPending}, nil
	}

	if ferr := s.store.FailOrder(ctx, order.ID); ferr != nil {
		return model.Result{}, fmt.Errorf("cancel unfunded order %d: %w", order.ID, ferr)
	}
	if jerr := s.journal.Fail(ctx, in.ID, err.Error()); jerr != nil {
		log.Error("failed to fail deposit intent", zap.NamedError("journal_error", jerr))
	}
	log.Warn("deposit failed, order cancelled")
	metrics.OrdersTotal.WithLabelValues(string(order.Side), "failed").Inc()
	return model.Result{Success: false, OrderID: order.ID, Error: MsgDepositFailed}, nil
}

// completeDeposit opens a funded order and resolves its intent. If the store
// update fails the intent keeps the signature so a replay skips the ledger.
// It reports false when the order had already left PENDING some other way;
// the landed deposit is then owed back and becomes a refund intent.
func (s *Service) completeDeposit(ctx context.Context, in *intent.Intent, sig string) (bool, error) {
	err := s.store.OpenOrder(ctx, in.OrderID, sig)
	if errors.Is(err, store.ErrConflict) {
		order, gerr := s.store.GetOrder(ctx, in.OrderID)
		if gerr == nil && order.TxnHash == sig {
			err = nil
		} else {
			return false, s.refundDeposit(ctx, in, sig)
		}
	}
	if err != nil {
		s.landed(ctx, in, sig)
		return false, fmt.Errorf("open order %d after deposit %s: %w", in.OrderID, sig, err)
	}
	if err := s.journal.Resolve(ctx, in.ID, sig); err != nil {
		s.log.Error("failed to resolve deposit intent", zap.Int64("order_id", in.OrderID), zap.Error(err))
	}
	return true, nil
}

// refundDeposit hands a deposit that landed on a closed order over to a
// refund intent and tries the withdrawal once. A failed withdrawal stays
// pending for the reconciler.
func (s *Service) refundDeposit(ctx context.Context, in *intent.Intent, sig string) error {
	log := s.log.With(zap.Int64("order_id", in.OrderID), zap.String("deposit_signature", sig))

	refund := intent.New(intent.KindRefund, in.OrderID, in.Wallet, in.Amount)
	if err := s.journal.Record(ctx, refund); err != nil {
		s.landed(ctx, in, sig)
		return fmt.Errorf("order %d closed before deposit %s landed: record refund: %w", in.OrderID, sig, err)
	}
	if err := s.journal.Resolve(ctx, in.ID, sig); err != nil {
		log.Error("failed to resolve deposit intent", zap.Error(err))
	}
	log.Warn("deposit landed on a closed order, refunding")

	s.inflight.Acquire(refund.ID)
	defer s.inflight.Release(refund.ID)
	rsig, err := s.transfers.Withdraw(ctx, in.Wallet, in.Amount, in.OrderID)
	if err != nil {
		s.refundFailed(ctx, refund, err)
		return nil
	}
	if err := s.journal.Resolve(ctx, refund.ID, rsig); err != nil {
		log.Error("failed to resolve refund intent", zap.Error(err))
	}
	log.Info("closed order deposit refunded", zap.String("signature", rsig))
	return nil
}

func (s *Service) landed(ctx context.Context, in *intent.Intent, sig string) {
	if err := s.journal.Landed(ctx, in.ID, sig); err != nil {
		s.log.Error("failed to record landed deposit", zap.Int64("order_id", in.OrderID), zap.Error(err))
	}
}

// CancelOrder cancels a resting order owned by wallet and refunds its
// remaining amount. The refund is not cancelled with the request.
func (s *Service) CancelOrder(ctx context.Context, wallet string, orderID int64) (model.Result, error) {
	if wallet == "" {
		return model.Fail(MsgWalletNotConnected), nil
	}

	order, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Fail(MsgOrderNotFound), nil
	}
	if err != nil {
		return model.Result{}, fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	if order.Wallet != wallet {
		return model.Fail(MsgOrderNotFound), nil
	}
	if msg := cancellable(order); msg != "" {
		metrics.CancellationsTotal.WithLabelValues("rejected").Inc()
		return model.Fail(msg), nil
	}

	remaining, err := s.store.CancelOrder(ctx, orderID)
	if errors.Is(err, store.ErrConflict) {
		// Lost a race with a fill or another cancel; report what it became.
		if cur, gerr := s.store.GetOrder(ctx, orderID); gerr == nil {
			if msg := cancellable(cur); msg != "" {
				return model.Fail(msg), nil
			}
		}
		return model.Fail(MsgNoFunds), nil
	}
	if err != nil {
		return model.Result{}, fmt.Errorf("cancel order %d: %w", orderID, err)
	}

	in := intent.New(intent.KindRefund, orderID, wallet, remaining)
	if err := s.journal.Record(ctx, in); err != nil {
		return model.Result{}, fmt.Errorf("cancel order %d: record refund: %w", orderID, err)
	}
	s.inflight.Acquire(in.ID)
	defer s.inflight.Release(in.ID)
	ctx = context.WithoutCancel(ctx)

	sig, err := s.transfers.Withdraw(ctx, wallet, remaining, orderID)
	if err != nil {
		s.refundFailed(ctx, in, err)
		metrics.CancellationsTotal.WithLabelValues("refund_pending").Inc()
		return model.Result{Success: false, OrderID: orderID, Error: MsgRefundFailed}, nil
	}
	if err := s.journal.Resolve(ctx, in.ID, sig); err != nil {
		s.log.Error("failed to resolve refund intent", zap.Int64("order_id", orderID), zap.Error(err))
	}

	metrics.CancellationsTotal.WithLabelValues("refunded").Inc()
	s.log.Info("order cancelled",
		zap.Int64("order_id", orderID),
		zap.String("refund", remaining.String()),
		zap.String("signature", sig),
	)
	return model.Result{Success: true, TxHash: sig, OrderID: orderID}, nil
}

// refundFailed keeps the refund intent pending for the reconciler. The order
// is already CANCELLED and its remainder released from the locked balance.
func (s *Service) refundFailed(ctx context.Context, in *intent.Intent, err error) {
	if rerr := s.journal.Retry(ctx, in.ID, err.Error()); rerr != nil {
		s.log.Error("failed to record refund attempt", zap.Int64("order_id", in.OrderID), zap.Error(rerr))
	}
	s.log.Error("refund withdrawal failed, left for reconciliation",
		zap.Int64("order_id", in.OrderID),
		zap.String("amount", in.Amount.String()),
		zap.Bool("outcome_unknown", vault.OutcomeUnknown(err)),
		zap.Error(err),
	)
}

// Orderbook aggregates every resting order by exact (side, points).
func (s *Service) Orderbook(ctx context.Context) (model.OrderBook, error) {
	orders, err := s.store.ListRestingOrders(ctx)
	if err != nil {
		return model.OrderBook{}, fmt.Errorf("orderbook: %w", err)
	}
	return Aggregate(orders), nil
}

// UserOrders returns the wallet's orders, newest first. Unknown wallets have
// no orders.
func (s *Service) UserOrders(ctx context.Context, wallet string) ([]model.Order, error) {
	user, err := s.store.GetUserByWallet(ctx, wallet)
	if errors.Is(err, store.ErrNotFound) {
		return []model.Order{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.store.ListOrdersByUser(ctx, user.ID)
}

// UserBalance returns the wallet's balance; zero for unknown wallets.
func (s *Service) UserBalance(ctx context.Context, wallet string) (*model.Balance, error) {
	user, err := s.store.GetUserByWallet(ctx, wallet)
	if errors.Is(err, store.ErrNotFound) {
		return &model.Balance{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.store.GetBalance(ctx, user.ID)
}

// ApplyFill records qty of a resting order as matched.
func (s *Service) ApplyFill(ctx context.Context, orderID int64, qty decimal.Decimal) (*model.Order, error) {
	o, err := s.store.ApplyFill(ctx, orderID, qty)
	if err != nil {
		return nil, fmt.Errorf("apply fill to order %d: %w", orderID, err)
	}
	s.log.Info("order filled",
		zap.Int64("order_id", orderID),
		zap.String("qty", qty.String()),
		zap.String("status", string(o.Status)),
	)
	return o, nil
}

func validate(req PlaceOrderRequest) (decimal.Decimal, string) {
	if req.Wallet == "" {
		return decimal.Zero, MsgWalletNotConnected
	}
	if !req.Amount.IsPositive() {
		return decimal.Zero, MsgInvalidAmount
	}
	if !req.Side.Valid() {
		return decimal.Zero, MsgInvalidSide
	}
	points, err := band.Validate(req.Points)
	if err != nil {
		return decimal.Zero, MsgInvalidPoints
	}
	return points, ""
}

// cancellable returns the rejection message for an order that cannot be
// cancelled, or "" if it can.
func cancellable(o *model.Order) string {
	switch {
	case o.Status.Terminal():
		return fmt.Sprintf("Order is already %s", o.Status)
	case o.Status == model.OrderPending:
		return fmt.Sprintf("Order is %s, deposit not confirmed", o.Status)
	case !o.Remaining().IsPositive():
		return MsgNoFunds
	}
	return ""
}
