package orders

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/voltx/vault-engine/internal/intent"
	"github.com/voltx/vault-engine/internal/model"
	"github.com/voltx/vault-engine/internal/store"
	"github.com/voltx/vault-engine/internal/vault"
)

// ErrIntentFailed is returned when a replayed intent was rejected for good.
var ErrIntentFailed = errors.New("orders: intent failed")

// ResumeDeposit replays a pending deposit intent. An order that already left
// PENDING needs no transfer. Outcome-unknown failures keep the intent pending;
// any other transfer failure cancels the order and fails the intent. An
// intent still driven by its placement returns intent.ErrInFlight.
func (s *Service) ResumeDeposit(ctx context.Context, in intent.Intent) error {
	if !s.inflight.Acquire(in.ID) {
		return fmt.Errorf("resume deposit for order %d: %w", in.OrderID, intent.ErrInFlight)
	}
	defer s.inflight.Release(in.ID)
	ctx = context.WithoutCancel(ctx)

	order, err := s.store.GetOrder(ctx, in.OrderID)
	if err != nil {
		return fmt.Errorf("resume deposit for order %d: %w", in.OrderID, err)
	}
	if order.Status != model.OrderPending {
		if in.TransferDone() && in.Signature != order.TxnHash {
			return s.refundDeposit(ctx, &in, in.Signature)
		}
		return s.journal.Resolve(ctx, in.ID, order.TxnHash)
	}

	sig := in.Signature
	if !in.TransferDone() {
		sig, err = s.transfers.Deposit(ctx, in.Wallet, in.Amount, in.OrderID)
		if err != nil {
			return s.replayFailed(ctx, in, err, func() error { return s.store.FailOrder(ctx, in.OrderID) })
		}
	}
	_, err = s.completeDeposit(ctx, &in, sig)
	return err
}

// ResumeRefund replays a pending refund intent for a cancelled order.
func (s *Service) ResumeRefund(ctx context.Context, in intent.Intent) error {
	if !s.inflight.Acquire(in.ID) {
		return fmt.Errorf("resume refund for order %d: %w", in.OrderID, intent.ErrInFlight)
	}
	defer s.inflight.Release(in.ID)
	ctx = context.WithoutCancel(ctx)

	if in.TransferDone() {
		return s.journal.Resolve(ctx, in.ID, in.Signature)
	}
	sig, err := s.transfers.Withdraw(ctx, in.Wallet, in.Amount, in.OrderID)
	if err != nil {
		return s.replayFailed(ctx, in, err, nil)
	}
	s.log.Info("refund replayed", zap.Int64("order_id", in.OrderID), zap.String("signature", sig))
	return s.journal.Resolve(ctx, in.ID, sig)
}

// replayFailed records a failed replay. Without onFatal the intent always
// stays pending: money owed to a user is never abandoned by the replay
// itself. With onFatal, a definite failure runs it and fails the intent.
func (s *Service) replayFailed(ctx context.Context, in intent.Intent, err error, onFatal func() error) error {
	if onFatal == nil || vault.OutcomeUnknown(err) {
		if rerr := s.journal.Retry(ctx, in.ID, err.Error()); rerr != nil {
			return rerr
		}
		return err
	}
	if ferr := onFatal(); ferr != nil && !errors.Is(ferr, store.ErrConflict) {
		return ferr
	}
	if ferr := s.journal.Fail(ctx, in.ID, err.Error()); ferr != nil {
		return ferr
	}
	return fmt.Errorf("%w: %s for order %d: %w", ErrIntentFailed, in.Kind, in.OrderID, err)
}
