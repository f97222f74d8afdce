package vault_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/voltx/vault-engine/internal/ledger"
	"github.com/voltx/vault-engine/internal/ledger/ledgertest"
	"github.com/voltx/vault-engine/internal/vault"
)

var programID = solana.MustPublicKeyFromBase58("Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS")

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates an orchestrator over a fake ledger with no backoff.
func newTestEnv(t *testing.T) (*vault.Orchestrator, *ledgertest.Fake, *ledger.Program) {
	t.Helper()
	fake := ledgertest.New()
	program := ledger.NewProgram(ledger.NewAccounts(programID), solana.NewWallet().PublicKey())
	o := vault.New(fake, program, vault.Options{
		Decimals: 9,
		Retry:    vault.RetryPolicy{MaxAttempts: 3, Backoff: vault.ConstantBackoff(0)},
	}, zap.NewNop())
	return o, fake, program
}

func newWallet() string {
	return solana.NewWallet().PublicKey().String()
}

// --- Deposit ---

func TestDeposit_InitializesThenDeposits(t *testing.T) {
	o, fake, _ := newTestEnv(t)
	wallet := newWallet()

	sig, err := o.Deposit(context.Background(), wallet, d(10), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig == "" {
		t.Error("expected a signature")
	}

	ops := fake.Submitted()
	if len(ops) != 2 {
		t.Fatalf("expected initialize + deposit, got %d submissions", len(ops))
	}
	if ops[0].Name != ledger.IxInitialize || ops[1].Name != ledger.IxDeposit {
		t.Errorf("unexpected order: %s, %s", ops[0].Name, ops[1].Name)
	}
	if ops[1].Args[0] != 10_000_000_000 {
		t.Errorf("expected 10 tokens in base units, got %d", ops[1].Args[0])
	}
	if ops[1].Args[1] != 1 {
		t.Errorf("deposit should be tagged with order id 1, got %d", ops[1].Args[1])
	}
}

func TestDeposit_SkipsInitializeWhenVaultExists(t *testing.T) {
	o, fake, program := newTestEnv(t)
	wallet := newWallet()
	owner := solana.MustPublicKeyFromBase58(wallet)
	state, _ := program.Accounts().VaultState(owner)
	fake.MarkExisting(state)

	if _, err := o.Deposit(context.Background(), wallet, d(1), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(fake.Attempts(ledger.IxInitialize)); n != 0 {
		t.Errorf("expected no initialize, got %d", n)
	}
}

func TestDeposit_InitializeRaceIsSwallowed(t *testing.T) {
	o, fake, _ := newTestEnv(t)
	fake.FailNext(ledger.IxInitialize, errors.New("Allocate: account already in use"))

	if _, err := o.Deposit(context.Background(), newWallet(), d(1), 3); err != nil {
		t.Fatalf("already-initialized race should not fail the deposit: %v", err)
	}
	if n := len(fake.Attempts(ledger.IxDeposit)); n != 1 {
		t.Errorf("expected 1 deposit, got %d", n)
	}
}

func TestDeposit_InitializeFailureAborts(t *testing.T) {
	o, fake, _ := newTestEnv(t)
	fake.FailNext(ledger.IxInitialize, errors.New("insufficient funds for rent"))

	_, err := o.Deposit(context.Background(), newWallet(), d(1), 4)
	if !errors.Is(err, vault.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if n := len(fake.Attempts(ledger.IxDeposit)); n != 0 {
		t.Errorf("deposit must not be submitted after a failed initialize, got %d", n)
	}
}

// --- Retry policy ---

func TestTransfer_RetriesDuplicateThenSucceeds(t *testing.T) {
	for _, failures := range []int{1, 2} {
		o, fake, _ := newTestEnv(t)
		errs := make([]error, failures)
		for i := range errs {
			errs[i] = errors.New("This transaction has already been processed")
		}
		fake.FailNext(ledger.IxWithdraw, errs...)

		if _, err := o.Withdraw(context.Background(), newWallet(), d(2), 5); err != nil {
			t.Fatalf("%d failures: unexpected error: %v", failures, err)
		}
		if n := len(fake.Attempts(ledger.IxWithdraw)); n != failures+1 {
			t.Errorf("%d failures: expected %d attempts, got %d", failures, failures+1, n)
		}
	}
}

func TestTransfer_RetriesSimulationFailure(t *testing.T) {
	o, fake, _ := newTestEnv(t)
	fake.FailNext(ledger.IxClaimPosition, errors.New("Transaction simulation failed: blockhash expired"))

	if _, err := o.Claim(context.Background(), newWallet(), 6); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(fake.Attempts(ledger.IxClaimPosition)); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
}

func TestTransfer_ExhaustsAfterThreeAttempts(t *testing.T) {
	o, fake, _ := newTestEnv(t)
	fake.FailNext(ledger.IxWithdraw,
		errors.New("already processed"),
		errors.New("already processed"),
		errors.New("already processed"),
		errors.New("already processed"),
	)

	_, err := o.Withdraw(context.Background(), newWallet(), d(2), 7)
	if !errors.Is(err, vault.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if n := len(fake.Attempts(ledger.IxWithdraw)); n != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", n)
	}
}

func TestTransfer_FatalErrorStopsImmediately(t *testing.T) {
	o, fake, _ := newTestEnv(t)
	fake.FailNext(ledger.IxWithdraw, errors.New("custom program error: 0x1771"))

	_, err := o.Withdraw(context.Background(), newWallet(), d(2), 8)
	if !errors.Is(err, vault.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if n := len(fake.Attempts(ledger.IxWithdraw)); n != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", n)
	}
	if ledger.KindOf(err) != ledger.KindOther {
		t.Errorf("expected KindOther, got %s", ledger.KindOf(err))
	}
}

func TestTransfer_BackoffBetweenAttempts(t *testing.T) {
	fake := ledgertest.New()
	program := ledger.NewProgram(ledger.NewAccounts(programID), solana.NewWallet().PublicKey())

	var waits []int
	o := vault.New(fake, program, vault.Options{
		Decimals: 9,
		Retry: vault.RetryPolicy{MaxAttempts: 3, Backoff: func(attempt int) time.Duration {
			waits = append(waits, attempt)
			return 0
		}},
	}, zap.NewNop())
	fake.FailNext(ledger.IxWithdraw, errors.New("simulation failed"), errors.New("simulation failed"))

	if _, err := o.Withdraw(context.Background(), newWallet(), d(1), 9); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(waits) != 2 || waits[0] != 1 || waits[1] != 2 {
		t.Errorf("expected backoff before attempts 2 and 3, got %v", waits)
	}
}

func TestTransfer_CancelledContextIsOutcomeUnknown(t *testing.T) {
	fake := ledgertest.New()
	program := ledger.NewProgram(ledger.NewAccounts(programID), solana.NewWallet().PublicKey())
	o := vault.New(fake, program, vault.Options{
		Decimals: 9,
		Retry:    vault.RetryPolicy{MaxAttempts: 3, Backoff: vault.ConstantBackoff(time.Hour)},
	}, zap.NewNop())
	fake.FailNext(ledger.IxWithdraw, errors.New("simulation failed"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Withdraw(ctx, newWallet(), d(1), 10)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !vault.OutcomeUnknown(err) {
		t.Error("a cancelled transfer may have landed and should be reported as outcome unknown")
	}
	if n := len(fake.Attempts(ledger.IxWithdraw)); n != 1 {
		t.Errorf("expected 1 attempt, got %d", n)
	}
}

func TestTransfer_CancelledSubmissionIsOutcomeUnknown(t *testing.T) {
	o, fake, _ := newTestEnv(t)
	fake.FailNext(ledger.IxWithdraw, context.Canceled)

	_, err := o.Withdraw(context.Background(), newWallet(), d(1), 12)
	if !errors.Is(err, vault.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if !vault.OutcomeUnknown(err) {
		t.Error("a submission cut short by its context should be reported as outcome unknown")
	}
	if n := len(fake.Attempts(ledger.IxWithdraw)); n != 1 {
		t.Errorf("context errors must not be retried, got %d attempts", n)
	}
}

func TestTransfer_ConfirmTimeoutIsOutcomeUnknown(t *testing.T) {
	o, fake, _ := newTestEnv(t)
	fake.FailConfirm(ledger.ErrConfirmTimeout)

	_, err := o.Withdraw(context.Background(), newWallet(), d(1), 11)
	if !errors.Is(err, vault.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if !vault.OutcomeUnknown(err) {
		t.Error("confirmation timeout should be reported as outcome unknown")
	}
}

// --- Validation ---

func TestTransfer_InvalidInputs(t *testing.T) {
	o, fake, _ := newTestEnv(t)
	ctx := context.Background()

	if _, err := o.Deposit(ctx, "not-a-key", d(1), 1); !errors.Is(err, vault.ErrInvalidWallet) {
		t.Errorf("expected ErrInvalidWallet, got %v", err)
	}
	if _, err := o.Deposit(ctx, newWallet(), d(0), 1); !errors.Is(err, vault.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if _, err := o.Withdraw(ctx, newWallet(), d(-1), 1); !errors.Is(err, vault.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for negative, got %v", err)
	}
	if len(fake.Submitted()) != 0 {
		t.Error("invalid inputs must not reach the ledger")
	}
}

func TestToBaseUnits(t *testing.T) {
	got, err := vault.ToBaseUnits(d(7.5), 9)
	if err != nil || got != 7_500_000_000 {
		t.Errorf("expected 7500000000, got %d (%v)", got, err)
	}
	if _, err := vault.ToBaseUnits(decimal.RequireFromString("0.0000000001"), 9); !errors.Is(err, vault.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for sub-unit amount, got %v", err)
	}
}
