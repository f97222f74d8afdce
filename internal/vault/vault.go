// Package vault moves funds between a user's custodial sub-account and the
// shared trading pool. Every transfer is tagged with the order id so the
// program rejects double-crediting; transient ledger races are retried under
// an injected policy.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/voltx/vault-engine/internal/ledger"
	"github.com/voltx/vault-engine/internal/metrics"
)

var (
	// ErrTransferFailed wraps every transfer that did not complete. Callers
	// must not advance order or position state on it.
	ErrTransferFailed = errors.New("vault: transfer failed")

	// ErrInvalidAmount is returned for non-positive amounts or amounts finer
	// than the ledger's base unit.
	ErrInvalidAmount = errors.New("vault: invalid amount")

	// ErrInvalidWallet is returned when a wallet is not a valid public key.
	ErrInvalidWallet = errors.New("vault: invalid wallet address")
)

var maxUnits = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// RetryPolicy bounds submission attempts. Backoff receives the number of the
// attempt that just failed (1-based).
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// ConstantBackoff waits d before every retry.
func ConstantBackoff(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// DefaultRetryPolicy is 3 attempts with a fixed 1s pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: ConstantBackoff(time.Second)}
}

// Options configures an Orchestrator.
type Options struct {
	Decimals      int32 // ledger base-unit decimals
	Retry         RetryPolicy
	SkipPreflight bool
}

// Orchestrator performs deposit, withdraw and claim transfers.
type Orchestrator struct {
	ledger   ledger.Client
	program  *ledger.Program
	decimals int32
	retry    RetryPolicy
	opts     ledger.SubmitOptions
	log      *zap.Logger
}

// New creates an Orchestrator.
func New(client ledger.Client, program *ledger.Program, opts Options, log *zap.Logger) *Orchestrator {
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Retry.Backoff == nil {
		opts.Retry.Backoff = ConstantBackoff(0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		ledger:   client,
		program:  program,
		decimals: opts.Decimals,
		retry:    opts.Retry,
		opts:     ledger.SubmitOptions{SkipPreflight: opts.SkipPreflight},
		log:      log,
	}
}

// Deposit moves amount from the user's vault into the pool, initializing the
// user's vault accounts first if they do not exist yet.
func (o *Orchestrator) Deposit(ctx context.Context, wallet string, amount decimal.Decimal, orderID int64) (string, error) {
	owner, units, err := o.prepare(wallet, amount, orderID)
	if err != nil {
		return "", fmt.Errorf("%w: deposit order %d: %w", ErrTransferFailed, orderID, err)
	}

	if err := o.ensureInitialized(ctx, owner); err != nil {
		return "", fmt.Errorf("%w: deposit order %d: %w", ErrTransferFailed, orderID, err)
	}

	op, err := o.program.Deposit(owner, units, uint64(orderID))
	if err != nil {
		return "", fmt.Errorf("%w: deposit order %d: %w", ErrTransferFailed, orderID, err)
	}
	return o.run(ctx, op)
}

// Withdraw moves amount from the pool back to the user's vault. The user's
// vault accounts must already exist.
func (o *Orchestrator) Withdraw(ctx context.Context, wallet string, amount decimal.Decimal, orderID int64) (string, error) {
	owner, units, err := o.prepare(wallet, amount, orderID)
	if err != nil {
		return "", fmt.Errorf("%w: withdraw order %d: %w", ErrTransferFailed, orderID, err)
	}
	op, err := o.program.Withdraw(owner, units, uint64(orderID))
	if err != nil {
		return "", fmt.Errorf("%w: withdraw order %d: %w", ErrTransferFailed, orderID, err)
	}
	return o.run(ctx, op)
}

// Claim submits the claim_position instruction for an order's position and
// waits for confirmation. The payout withdrawal is a separate step.
func (o *Orchestrator) Claim(ctx context.Context, wallet string, orderID int64) (string, error) {
	owner, err := parseWallet(wallet)
	if err != nil {
		return "", fmt.Errorf("%w: claim order %d: %w", ErrTransferFailed, orderID, err)
	}
	if orderID <= 0 {
		return "", fmt.Errorf("%w: claim: invalid order id %d", ErrTransferFailed, orderID)
	}
	op, err := o.program.ClaimPosition(owner, uint64(orderID))
	if err != nil {
		return "", fmt.Errorf("%w: claim order %d: %w", ErrTransferFailed, orderID, err)
	}
	return o.run(ctx, op)
}

// OutcomeUnknown reports whether a failed transfer may still have landed:
// confirmation timed out, or the context ended while a submission or
// confirmation was in progress.
func OutcomeUnknown(err error) bool {
	return errors.Is(err, ledger.ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ToBaseUnits converts a decimal amount to ledger base units.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (uint64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, amount)
	}
	units := amount.Shift(decimals)
	if !units.Equal(units.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s is finer than %d decimals", ErrInvalidAmount, amount, decimals)
	}
	if units.GreaterThan(maxUnits) {
		return 0, fmt.Errorf("%w: %s overflows", ErrInvalidAmount, amount)
	}
	return units.BigInt().Uint64(), nil
}

func (o *Orchestrator) prepare(wallet string, amount decimal.Decimal, orderID int64) (solana.PublicKey, uint64, error) {
	owner, err := parseWallet(wallet)
	if err != nil {
		return solana.PublicKey{}, 0, err
	}
	if orderID <= 0 {
		return solana.PublicKey{}, 0, fmt.Errorf("invalid order id %d", orderID)
	}
	units, err := ToBaseUnits(amount, o.decimals)
	if err != nil {
		return solana.PublicKey{}, 0, err
	}
	return owner, units, nil
}

// ensureInitialized creates the user's vault-state account if missing. A
// concurrent deposit may win the race; its "already in use" is not an error.
func (o *Orchestrator) ensureInitialized(ctx context.Context, owner solana.PublicKey) error {
	state, err := o.program.Accounts().VaultState(owner)
	if err != nil {
		return err
	}
	exists, err := o.ledger.AccountExists(ctx, state)
	if err != nil {
		return fmt.Errorf("check vault state: %w", err)
	}
	if exists {
		return nil
	}

	op, err := o.program.Initialize(owner)
	if err != nil {
		return err
	}
	if _, err := o.run(ctx, op); err != nil {
		if ledger.KindOf(err) == ledger.KindAccountExists {
			o.log.Info("vault already initialized", zap.String("owner", owner.String()))
			return nil
		}
		return fmt.Errorf("initialize vault: %w", err)
	}
	o.log.Info("vault initialized", zap.String("owner", owner.String()))
	return nil
}

// run submits op under the retry policy and confirms the landed signature.
func (o *Orchestrator) run(ctx context.Context, op ledger.Operation) (string, error) {
	start := time.Now()
	defer func() {
		metrics.TransferLatency.WithLabelValues(op.Name).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 1; attempt <= o.retry.MaxAttempts; attempt++ {
		sig, err := o.ledger.Submit(ctx, op, o.opts)
		if err == nil {
			metrics.LedgerSubmissions.WithLabelValues(op.Name, "ok").Inc()
			if err := o.ledger.Confirm(ctx, sig); err != nil {
				return "", fmt.Errorf("%w: %s order %d: confirm %s: %w", ErrTransferFailed, op.Name, op.OrderID, sig, err)
			}
			o.log.Info("ledger transfer confirmed",
				zap.String("instruction", op.Name),
				zap.Uint64("order_id", op.OrderID),
				zap.Int("attempt", attempt),
				zap.String("signature", sig.String()),
			)
			return sig.String(), nil
		}

		lastErr = err
		kind := ledger.KindOf(err)
		metrics.LedgerSubmissions.WithLabelValues(op.Name, kind.String()).Inc()
		if kind == ledger.KindDuplicateSubmission {
			metrics.DuplicateSubmissions.WithLabelValues(op.Name).Inc()
		}

		var le *ledger.Error
		if !errors.As(err, &le) || !le.Transient() {
			o.log.Warn("ledger submission failed",
				zap.String("instruction", op.Name),
				zap.Uint64("order_id", op.OrderID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return "", fmt.Errorf("%w: %s order %d: %w", ErrTransferFailed, op.Name, op.OrderID, err)
		}
		if attempt == o.retry.MaxAttempts {
			break
		}

		wait := o.retry.Backoff(attempt)
		o.log.Warn("transient ledger error, retrying",
			zap.String("instruction", op.Name),
			zap.Uint64("order_id", op.OrderID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := sleep(ctx, wait); err != nil {
			return "", fmt.Errorf("%w: %s order %d: %w", ErrTransferFailed, op.Name, op.OrderID, err)
		}
	}

	return "", fmt.Errorf("%w: %s order %d after %d attempts: %w",
		ErrTransferFailed, op.Name, op.OrderID, o.retry.MaxAttempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func parseWallet(wallet string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %q", ErrInvalidWallet, wallet)
	}
	return pk, nil
}
