// Package positions drives a matched position from ACTIVE through settlement
// to a paid claim. The ledger claim and the payout withdrawal are two steps
// with separate status: CLAIMED_PENDING_PAYOUT marks a landed claim whose
// payout has not been confirmed yet.
package positions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/voltx/vault-engine/internal/band"
	"github.com/voltx/vault-engine/internal/intent"
	"github.com/voltx/vault-engine/internal/ledger"
	"github.com/voltx/vault-engine/internal/metrics"
	"github.com/voltx/vault-engine/internal/model"
	"github.com/voltx/vault-engine/internal/payout"
	"github.com/voltx/vault-engine/internal/store"
	"github.com/voltx/vault-engine/internal/vault"
)

// User-facing failure messages.
const (
	MsgWalletNotConnected = "Wallet not connected"
	MsgPositionNotFound   = "Position not found"
	MsgPayoutMismatch     = "Payout amount does not match settlement"
	MsgClaimFailed        = "Claim failed"
	MsgClaimPending       = "Claim submitted, confirmation pending"
	MsgPayoutPending      = "Position claimed, payout pending"
)

var (
	// ErrNotResting is returned when a match targets an order that is not
	// OPEN or PARTIALLY_FILLED.
	ErrNotResting = errors.New("positions: order is not resting")

	// ErrAlreadyMatched is returned when an order already has a position.
	ErrAlreadyMatched = errors.New("positions: order already has a position")
)

// Transfers is the subset of the vault orchestrator the claim flow needs.
type Transfers interface {
	Claim(ctx context.Context, wallet string, orderID int64) (string, error)
	Withdraw(ctx context.Context, wallet string, amount decimal.Decimal, orderID int64) (string, error)
}

// ClaimRequest is the JSON body for POST /api/v1/positions/{orderID}/claim.
// PayoutAmount is optional; when set it must equal the settled payout.
type ClaimRequest struct {
	Wallet       string           `json:"wallet"`
	OrderID      int64            `json:"orderId"`
	PayoutAmount *decimal.Decimal `json:"payoutAmount,omitempty"`
}

// MatchEvent is emitted by the external matcher when an order is matched.
type MatchEvent struct {
	OrderID                int64           `json:"order_id"`
	Amount                 decimal.Decimal `json:"amount"`
	ReferencePrice         decimal.Decimal `json:"reference_price"`
	OnChainPositionAddress string          `json:"on_chain_position_address,omitempty"`
	TxSignature            string          `json:"tx_signature,omitempty"`
	MatchedAt              time.Time       `json:"matched_at,omitempty"`
}

// SettlementEvent is emitted by the settlement oracle. A missing payout
// percentage is read off the curve at the elapsed time.
type SettlementEvent struct {
	OrderID          int64            `json:"order_id"`
	Time             time.Time        `json:"settlement_time"`
	Price            decimal.Decimal  `json:"settlement_price"`
	PayoutPercentage *decimal.Decimal `json:"payout_percentage,omitempty"`
}

// Manager runs the position lifecycle.
type Manager struct {
	store     store.Store
	transfers Transfers
	journal   intent.Journal
	accounts  *ledger.Accounts
	inflight  *intent.InFlight
	log       *zap.Logger
	now       func() time.Time
}

// NewManager creates a position manager. accounts derives on-chain position
// addresses for matches that do not carry one and may be nil.
func NewManager(st store.Store, transfers Transfers, journal intent.Journal, accounts *ledger.Accounts, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:     st,
		transfers: transfers,
		journal:   journal,
		accounts:  accounts,
		inflight:  intent.NewInFlight(),
		log:       log.Named("positions"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// UserPositions returns the wallet's positions, newest first.
func (m *Manager) UserPositions(ctx context.Context, wallet string) ([]model.Position, error) {
	positions, err := m.store.ListPositionsByUser(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("positions for %s: %w", wallet, err)
	}
	if positions == nil {
		positions = []model.Position{}
	}
	return positions, nil
}

// ClaimPosition claims a SETTLED position on the ledger and pays out
// principal × payout percentage / 100 to the owner. The payout intent is
// recorded before the claim, so a claim that lands is never left without a
// record of what it owes.
func (m *Manager) ClaimPosition(ctx context.Context, req ClaimRequest) (model.Result, error) {
	if req.Wallet == "" {
		return model.Fail(MsgWalletNotConnected), nil
	}

	p, err := m.store.GetPositionByOrder(ctx, req.OrderID, req.Wallet)
	if errors.Is(err, store.ErrNotFound) {
		metrics.ClaimsTotal.WithLabelValues("rejected").Inc()
		return model.Fail(MsgPositionNotFound), nil
	}
	if err != nil {
		return model.Result{}, fmt.Errorf("claim order %d: %w", req.OrderID, err)
	}
	if p.Status != model.PositionSettled {
		metrics.ClaimsTotal.WithLabelValues("rejected").Inc()
		return model.Fail(fmt.Sprintf("Position is %s, only SETTLED positions can be claimed", p.Status)), nil
	}
	if p.PayoutPercentage == nil {
		return model.Result{}, fmt.Errorf("claim order %d: settled position has no payout percentage", req.OrderID)
	}

	amount := payout.Amount(p.Amount, *p.PayoutPercentage)
	if req.PayoutAmount != nil && !req.PayoutAmount.Equal(amount) {
		metrics.ClaimsTotal.WithLabelValues("rejected").Inc()
		return model.Fail(MsgPayoutMismatch), nil
	}

	prior, err := m.pendingPayout(ctx, req.OrderID)
	if err != nil {
		return model.Result{}, fmt.Errorf("claim order %d: %w", req.OrderID, err)
	}
	if prior != nil {
		// An earlier claim's outcome is still open; the reconciler finishes it.
		metrics.ClaimsTotal.WithLabelValues("rejected").Inc()
		return model.Result{Success: false, OrderID: req.OrderID, Error: MsgClaimPending}, nil
	}

	in := intent.New(intent.KindPayout, req.OrderID, req.Wallet, amount)
	if err := m.journal.Record(ctx, in); err != nil {
		return model.Result{}, fmt.Errorf("claim order %d: record payout: %w", req.OrderID, err)
	}
	m.inflight.Acquire(in.ID)
	defer m.inflight.Release(in.ID)
	ctx = context.WithoutCancel(ctx)

	sig, err := m.claim(ctx, *in)
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues("failed").Inc()
		if vault.OutcomeUnknown(err) {
			if rerr := m.journal.Retry(ctx, in.ID, err.Error()); rerr != nil {
				m.log.Error("failed to record claim attempt", zap.Int64("order_id", req.OrderID), zap.Error(rerr))
			}
			return model.Result{Success: false, OrderID: req.OrderID, Error: MsgClaimPending}, nil
		}
		if ferr := m.journal.Fail(ctx, in.ID, err.Error()); ferr != nil {
			m.log.Error("failed to fail payout intent", zap.Int64("order_id", req.OrderID), zap.Error(ferr))
		}
		return model.Result{Success: false, OrderID: req.OrderID, Error: MsgClaimFailed}, nil
	}

	if err := m.payout(ctx, *in); err != nil {
		metrics.ClaimsTotal.WithLabelValues("payout_pending").Inc()
		return model.Result{Success: false, TxHash: sig, OrderID: req.OrderID, Error: MsgPayoutPending}, nil
	}

	metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
	m.log.Info("position claimed",
		zap.Int64("order_id", req.OrderID),
		zap.String("payout", amount.String()),
		zap.String("signature", sig),
	)
	return model.Result{Success: true, TxHash: sig, OrderID: req.OrderID}, nil
}

// RetryPayout re-runs the payout withdrawal of a CLAIMED_PENDING_PAYOUT
// position, reusing its pending intent when there is one.
func (m *Manager) RetryPayout(ctx context.Context, wallet string, orderID int64) (model.Result, error) {
	if wallet == "" {
		return model.Fail(MsgWalletNotConnected), nil
	}
	p, err := m.store.GetPositionByOrder(ctx, orderID, wallet)
	if errors.Is(err, store.ErrNotFound) {
		return model.Fail(MsgPositionNotFound), nil
	}
	if err != nil {
		return model.Result{}, fmt.Errorf("retry payout for order %d: %w", orderID, err)
	}
	if p.Status != model.PositionClaimedPendingPayout || p.PayoutAmount == nil {
		return model.Fail(fmt.Sprintf("Position is %s, no payout pending", p.Status)), nil
	}

	in, err := m.pendingPayout(ctx, orderID)
	if err != nil {
		return model.Result{}, err
	}
	if in == nil {
		in = intent.New(intent.KindPayout, orderID, wallet, *p.PayoutAmount)
		if err := m.journal.Record(ctx, in); err != nil {
			return model.Result{}, fmt.Errorf("retry payout for order %d: %w", orderID, err)
		}
	}
	if !m.inflight.Acquire(in.ID) {
		return model.Result{Success: false, OrderID: orderID, Error: MsgPayoutPending}, nil
	}
	defer m.inflight.Release(in.ID)
	ctx = context.WithoutCancel(ctx)

	if err := m.payout(ctx, *in); err != nil {
		return model.Result{Success: false, OrderID: orderID, Error: MsgPayoutPending}, nil
	}
	return model.Result{Success: true, TxHash: p.TxSignature, OrderID: orderID}, nil
}

// ResumePayout replays a pending payout intent. A position still SETTLED is
// claimed first. Any claim failure keeps the intent pending: after an
// unconfirmed first claim the ledger may reject a second one even though the
// payout is owed. An intent still driven by a live claim returns
// intent.ErrInFlight.
func (m *Manager) ResumePayout(ctx context.Context, in intent.Intent) error {
	if !m.inflight.Acquire(in.ID) {
		return fmt.Errorf("resume payout for order %d: %w", in.OrderID, intent.ErrInFlight)
	}
	defer m.inflight.Release(in.ID)
	ctx = context.WithoutCancel(ctx)

	p, err := m.store.GetPositionByOrder(ctx, in.OrderID, in.Wallet)
	if err != nil {
		return fmt.Errorf("resume payout for order %d: %w", in.OrderID, err)
	}
	switch p.Status {
	case model.PositionClaimed:
		return m.journal.Resolve(ctx, in.ID, p.TxSignature)
	case model.PositionSettled:
		if _, err := m.claim(ctx, in); err != nil {
			if rerr := m.journal.Retry(ctx, in.ID, err.Error()); rerr != nil {
				return rerr
			}
			return err
		}
	case model.PositionClaimedPendingPayout:
	default:
		return fmt.Errorf("resume payout for order %d: position is %s", in.OrderID, p.Status)
	}
	return m.payout(ctx, in)
}

// claim submits the ledger claim for the intent's position and moves it to
// CLAIMED_PENDING_PAYOUT.
func (m *Manager) claim(ctx context.Context, in intent.Intent) (string, error) {
	sig, err := m.transfers.Claim(ctx, in.Wallet, in.OrderID)
	if err != nil {
		m.log.Warn("claim failed",
			zap.Int64("order_id", in.OrderID),
			zap.Bool("outcome_unknown", vault.OutcomeUnknown(err)),
			zap.Error(err),
		)
		return "", err
	}

	// The ledger claim is authoritative; the off-chain mirror is best-effort.
	if _, err := m.store.MarkClaimed(ctx, in.OrderID, in.Amount, m.now(), sig); err != nil {
		m.log.Warn("claim landed but position update failed",
			zap.Int64("order_id", in.OrderID),
			zap.String("signature", sig),
			zap.Error(err),
		)
	}
	return sig, nil
}

// payout withdraws the intent's amount to the owner and marks the position
// paid. A zero payout needs no withdrawal. A failed withdrawal keeps the
// intent pending.
func (m *Manager) payout(ctx context.Context, in intent.Intent) error {
	sig := in.Signature
	if !in.TransferDone() && in.Amount.IsPositive() {
		var err error
		sig, err = m.transfers.Withdraw(ctx, in.Wallet, in.Amount, in.OrderID)
		if err != nil {
			if rerr := m.journal.Retry(ctx, in.ID, err.Error()); rerr != nil {
				m.log.Error("failed to record payout attempt", zap.Int64("order_id", in.OrderID), zap.Error(rerr))
			}
			m.log.Error("payout withdrawal failed, left for reconciliation",
				zap.Int64("order_id", in.OrderID),
				zap.String("amount", in.Amount.String()),
				zap.Error(err),
			)
			return err
		}
	}

	if err := m.journal.Resolve(ctx, in.ID, sig); err != nil {
		m.log.Error("failed to resolve payout intent", zap.Int64("order_id", in.OrderID), zap.Error(err))
	}
	m.markPaid(ctx, in.OrderID, sig)
	return nil
}

func (m *Manager) markPaid(ctx context.Context, orderID int64, sig string) {
	if _, err := m.store.MarkPaid(ctx, orderID, sig); err != nil {
		m.log.Warn("payout landed but position update failed",
			zap.Int64("order_id", orderID),
			zap.String("signature", sig),
			zap.Error(err),
		)
	}
}

func (m *Manager) pendingPayout(ctx context.Context, orderID int64) (*intent.Intent, error) {
	pending, err := m.journal.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("pending intents: %w", err)
	}
	for i := range pending {
		if pending[i].Kind == intent.KindPayout && pending[i].OrderID == orderID {
			return &pending[i], nil
		}
	}
	return nil, nil
}

// RecordPosition turns a matcher event into an ACTIVE position and applies
// the matched amount to the order. An order is matched at most once.
func (m *Manager) RecordPosition(ctx context.Context, ev MatchEvent) (*model.Position, error) {
	order, err := m.store.GetOrder(ctx, ev.OrderID)
	if err != nil {
		return nil, fmt.Errorf("match order %d: %w", ev.OrderID, err)
	}
	if !order.Status.Resting() {
		return nil, fmt.Errorf("match order %d in status %s: %w", ev.OrderID, order.Status, ErrNotResting)
	}
	if _, err := m.store.GetPositionByOrder(ctx, ev.OrderID, order.Wallet); err == nil {
		return nil, fmt.Errorf("match order %d: %w", ev.OrderID, ErrAlreadyMatched)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("match order %d: %w", ev.OrderID, err)
	}

	bounds, err := band.DeriveBounds(ev.ReferencePrice, order.Points)
	if err != nil {
		return nil, fmt.Errorf("match order %d: %w", ev.OrderID, err)
	}

	address := ev.OnChainPositionAddress
	if address == "" && m.accounts != nil {
		if owner, perr := solana.PublicKeyFromBase58(order.Wallet); perr == nil {
			if pda, derr := m.accounts.Position(owner, uint64(order.ID)); derr == nil {
				address = pda.String()
			}
		}
	}

	if _, err := m.store.ApplyFill(ctx, ev.OrderID, ev.Amount); err != nil {
		return nil, fmt.Errorf("match order %d: %w", ev.OrderID, err)
	}

	p := &model.Position{
		OrderID:                order.ID,
		UserPublicKey:          order.Wallet,
		PositionType:           order.Side.PositionType(),
		LowerBound:             bounds.Lower,
		UpperBound:             bounds.Upper,
		Amount:                 ev.Amount,
		CreatedAt:              ev.MatchedAt,
		OnChainPositionAddress: address,
		TxSignature:            ev.TxSignature,
	}
	if err := m.store.CreatePosition(ctx, p); err != nil {
		return nil, fmt.Errorf("match order %d: %w", ev.OrderID, err)
	}

	m.log.Info("position opened",
		zap.Int64("order_id", p.OrderID),
		zap.String("type", p.PositionType.String()),
		zap.String("amount", p.Amount.String()),
		zap.String("lower", p.LowerBound.String()),
		zap.String("upper", p.UpperBound.String()),
	)
	return p, nil
}

// ApplySettlement moves an ACTIVE position to SETTLED.
func (m *Manager) ApplySettlement(ctx context.Context, ev SettlementEvent) (*model.Position, error) {
	order, err := m.store.GetOrder(ctx, ev.OrderID)
	if err != nil {
		return nil, fmt.Errorf("settle order %d: %w", ev.OrderID, err)
	}
	p, err := m.store.GetPositionByOrder(ctx, ev.OrderID, order.Wallet)
	if err != nil {
		return nil, fmt.Errorf("settle order %d: %w", ev.OrderID, err)
	}

	settledAt := ev.Time
	if settledAt.IsZero() {
		settledAt = m.now()
	}

	var pct decimal.Decimal
	if ev.PayoutPercentage != nil {
		pct = *ev.PayoutPercentage
	} else {
		pct, err = payout.AtElapsed(p.PositionType, settledAt.Sub(p.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("settle order %d: %w", ev.OrderID, err)
		}
	}

	settled, err := m.store.SettlePosition(ctx, ev.OrderID, model.Settlement{
		Time:             settledAt,
		Price:            ev.Price,
		PayoutPercentage: pct,
	})
	if err != nil {
		return nil, fmt.Errorf("settle order %d: %w", ev.OrderID, err)
	}

	m.log.Info("position settled",
		zap.Int64("order_id", ev.OrderID),
		zap.String("price", ev.Price.String()),
		zap.String("payout_percentage", pct.String()),
		zap.Bool("win", payout.IsWin(pct)),
	)
	return settled, nil
}

// Portfolio summarizes the wallet's positions and balance.
func (m *Manager) Portfolio(ctx context.Context, wallet string) (*model.Portfolio, error) {
	positions, err := m.UserPositions(ctx, wallet)
	if err != nil {
		return nil, err
	}

	pf := &model.Portfolio{
		Wallet:         wallet,
		Positions:      positions,
		TotalStaked:    decimal.Zero,
		TotalPaidOut:   decimal.Zero,
		PendingPayouts: decimal.Zero,
	}

	if user, err := m.store.GetUserByWallet(ctx, wallet); err == nil {
		if b, err := m.store.GetBalance(ctx, user.ID); err == nil {
			pf.Balance = b
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("portfolio for %s: %w", wallet, err)
	}

	for _, p := range positions {
		pf.TotalStaked = pf.TotalStaked.Add(p.Amount)

		if p.Status == model.PositionActive {
			pf.Active++
			continue
		}
		if p.PayoutPercentage != nil {
			if payout.IsWin(*p.PayoutPercentage) {
				pf.Wins++
			} else {
				pf.Losses++
			}
		}

		switch p.Status {
		case model.PositionSettled:
			if p.PayoutPercentage != nil {
				pf.PendingPayouts = pf.PendingPayouts.Add(payout.Amount(p.Amount, *p.PayoutPercentage))
			}
		case model.PositionClaimedPendingPayout:
			if p.PayoutAmount != nil {
				pf.PendingPayouts = pf.PendingPayouts.Add(*p.PayoutAmount)
			}
		case model.PositionClaimed:
			if p.PayoutAmount != nil {
				pf.TotalPaidOut = pf.TotalPaidOut.Add(*p.PayoutAmount)
			}
		}
	}
	return pf, nil
}
