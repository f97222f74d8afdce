package orders_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/voltx/vault-engine/internal/intent"
	"github.com/voltx/vault-engine/internal/ledger"
	"github.com/voltx/vault-engine/internal/ledger/ledgertest"
	"github.com/voltx/vault-engine/internal/limits"
	"github.com/voltx/vault-engine/internal/model"
	"github.com/voltx/vault-engine/internal/orders"
	"github.com/voltx/vault-engine/internal/store"
	"github.com/voltx/vault-engine/internal/vault"
)

var programID = solana.MustPublicKeyFromBase58("Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS")

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	svc     *orders.Service
	store   *store.MemoryStore
	ledger  *ledgertest.Fake
	program *ledger.Program
	journal *intent.MemoryJournal
}

// newTestEnv wires an order service over an in-memory store, a fake ledger
// and a retry policy without backoff.
func newTestEnv(t *testing.T, limiter *limits.ExposureLimiter) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	fake := ledgertest.New()
	program := ledger.NewProgram(ledger.NewAccounts(programID), solana.NewWallet().PublicKey())
	orch := vault.New(fake, program, vault.Options{
		Decimals: 9,
		Retry:    vault.RetryPolicy{MaxAttempts: 3, Backoff: vault.ConstantBackoff(0)},
	}, zap.NewNop())
	journal := intent.NewMemoryJournal()
	return &testEnv{
		svc:     orders.NewService(ms, orch, journal, limiter, zap.NewNop()),
		store:   ms,
		ledger:  fake,
		program: program,
		journal: journal,
	}
}

func newWallet() string {
	return solana.NewWallet().PublicKey().String()
}

// initialized marks the wallet's vault as already created on the ledger.
func (e *testEnv) initialized(t *testing.T, wallet string) {
	t.Helper()
	state, err := e.program.Accounts().VaultState(solana.MustPublicKeyFromBase58(wallet))
	if err != nil {
		t.Fatalf("derive vault state: %v", err)
	}
	e.ledger.MarkExisting(state)
}

func (e *testEnv) place(t *testing.T, wallet string, side model.Side, points, amount float64) model.Result {
	t.Helper()
	res, err := e.svc.PlaceOrder(context.Background(), orders.PlaceOrderRequest{
		Wallet: wallet,
		Amount: d(amount),
		Side:   side,
		Points: d(points),
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	return res
}

func (e *testEnv) balance(t *testing.T, wallet string) *model.Balance {
	t.Helper()
	b, err := e.svc.UserBalance(context.Background(), wallet)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

// --- PlaceOrder ---

func TestPlaceOrder_BreakoutOpensAndLocks(t *testing.T) {
	env := newTestEnv(t, nil)
	wallet := newWallet()

	res := env.place(t, wallet, model.SideLong, 2.0, 10)
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	if res.TxHash == "" {
		t.Error("expected a transaction hash")
	}

	o, err := env.store.GetOrder(context.Background(), res.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != model.OrderOpen || o.TxnHash != res.TxHash || !o.FilledAmount.IsZero() {
		t.Errorf("unexpected order: %+v", o)
	}
	if b := env.balance(t, wallet); !b.LockedAmount.Equal(d(10)) || !b.TotalDeposited.Equal(d(10)) {
		t.Errorf("expected locked=deposited=10, got %s/%s", b.LockedAmount, b.TotalDeposited)
	}

	deposits := env.ledger.Attempts(ledger.IxDeposit)
	if len(deposits) != 1 {
		t.Fatalf("expected 1 deposit submission, got %d", len(deposits))
	}
	if deposits[0].OrderID != uint64(res.OrderID) {
		t.Errorf("deposit tagged with order %d, want %d", deposits[0].OrderID, res.OrderID)
	}

	pending, _ := env.journal.Pending(context.Background())
	if len(pending) != 0 {
		t.Errorf("expected deposit intent resolved, %d pending", len(pending))
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	wallet := newWallet()

	tests := []struct {
		name string
		req  orders.PlaceOrderRequest
		want string
	}{
		{"no wallet", orders.PlaceOrderRequest{Amount: d(1), Side: model.SideLong, Points: d(1)}, orders.MsgWalletNotConnected},
		{"zero amount", orders.PlaceOrderRequest{Wallet: wallet, Amount: d(0), Side: model.SideLong, Points: d(1)}, orders.MsgInvalidAmount},
		{"negative amount", orders.PlaceOrderRequest{Wallet: wallet, Amount: d(-3), Side: model.SideLong, Points: d(1)}, orders.MsgInvalidAmount},
		{"bad side", orders.PlaceOrderRequest{Wallet: wallet, Amount: d(1), Side: "UP", Points: d(1)}, orders.MsgInvalidSide},
		{"points too small", orders.PlaceOrderRequest{Wallet: wallet, Amount: d(1), Side: model.SideLong, Points: d(0.05)}, orders.MsgInvalidPoints},
		{"points too large", orders.PlaceOrderRequest{Wallet: wallet, Amount: d(1), Side: model.SideShort, Points: d(10.1)}, orders.MsgInvalidPoints},
		{"points two decimals", orders.PlaceOrderRequest{Wallet: wallet, Amount: d(1), Side: model.SideShort, Points: d(2.25)}, orders.MsgInvalidPoints},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := env.svc.PlaceOrder(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Success || res.Error != tt.want {
				t.Errorf("expected failure %q, got %+v", tt.want, res)
			}
		})
	}
	if n := len(env.ledger.Submitted()); n != 0 {
		t.Errorf("invalid orders must not reach the ledger, got %d submissions", n)
	}
}

func TestPlaceOrder_FatalDepositCancels(t *testing.T) {
	env := newTestEnv(t, nil)
	wallet := newWallet()
	env.ledger.FailNext(ledger.IxDeposit, errors.New("custom program error: 0x1"))

	res := env.place(t, wallet, model.SideShort, 1.5, 4)
	if res.Success || res.Error != orders.MsgDepositFailed {
		t.Fatalf("expected deposit failure, got %+v", res)
	}

	o, _ := env.store.GetOrder(context.Background(), res.OrderID)
	if o.Status != model.OrderCancelled {
		t.Errorf("expected CANCELLED, got %s", o.Status)
	}
	if b := env.balance(t, wallet); !b.LockedAmount.IsZero() {
		t.Errorf("failed deposit must not lock funds, locked=%s", b.LockedAmount)
	}
	if n := len(env.ledger.Attempts(ledger.IxDeposit)); n != 1 {
		t.Errorf("fatal error must stop after 1 attempt, got %d", n)
	}
	if pending, _ := env.journal.Pending(context.Background()); len(pending) != 0 {
		t.Errorf("failed deposit intent must not stay pending: %+v", pending)
	}
}

func TestPlaceOrder_TransientDepositRetried(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ledger.FailNext(ledger.IxDeposit, errors.New("Transaction simulation failed: blockhash not found"))

	res := env.place(t, newWallet(), model.SideLong, 3.0, 2)
	if !res.Success {
		t.Fatalf("expected success after retry, got %q", res.Error)
	}
	if n := len(env.ledger.Attempts(ledger.IxDeposit)); n != 2 {
		t.Errorf("expected 2 deposit attempts, got %d", n)
	}
}

func TestPlaceOrder_UnknownOutcomeStaysPending(t *testing.T) {
	env := newTestEnv(t, nil)
	wallet := newWallet()
	env.initialized(t, wallet)
	env.ledger.FailConfirm(ledger.ErrConfirmTimeout)

	res := env.place(t, wallet, model.SideLong, 2.0, 10)
	if res.Success || res.Error != orders.MsgDepositPending {
		t.Fatalf("expected pending result, got %+v", res)
	}

	o, _ := env.store.GetOrder(context.Background(), res.OrderID)
	if o.Status != model.OrderPending {
		t.Errorf("expected PENDING, got %s", o.Status)
	}
	pending, _ := env.journal.Pending(context.Background())
	if len(pending) != 1 || pending[0].Kind != intent.KindDeposit || pending[0].Attempts != 1 {
		t.Fatalf("expected one pending deposit intent, got %+v", pending)
	}

	// The reconciler's replay opens the order once the ledger answers.
	if err := env.svc.ResumeDeposit(context.Background(), pending[0]); err != nil {
		t.Fatalf("resume deposit: %v", err)
	}
	o, _ = env.store.GetOrder(context.Background(), res.OrderID)
	if o.Status != model.OrderOpen {
		t.Errorf("expected OPEN after replay, got %s", o.Status)
	}
	if b := env.balance(t, wallet); !b.LockedAmount.Equal(d(10)) {
		t.Errorf("expected locked 10 after replay, got %s", b.LockedAmount)
	}
}

func TestPlaceOrder_LimiterRejects(t *testing.T) {
	env := newTestEnv(t, limits.NewExposureLimiter(d(15), decimal.Zero, decimal.Zero, decimal.Zero))
	wallet := newWallet()

	if res := env.place(t, wallet, model.SideLong, 2.0, 10); !res.Success {
		t.Fatalf("first order should pass: %q", res.Error)
	}
	res := env.place(t, wallet, model.SideLong, 2.0, 10)
	if res.Success || res.Error != orders.MsgLimitExceeded {
		t.Errorf("expected limit rejection, got %+v", res)
	}
	if n := len(env.ledger.Attempts(ledger.IxDeposit)); n != 1 {
		t.Errorf("rejected order must not deposit, got %d deposits", n)
	}
}

// --- CancelOrder ---

func TestCancelOrder_RefundsRemaining(t *testing.T) {
	env := newTestEnv(t, nil)
	wallet := newWallet()
	placed := env.place(t, wallet, model.SideLong, 2.0, 10)

	res, err := env.svc.CancelOrder(context.Background(), wallet, placed.OrderID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !res.Success || res.TxHash == "" {
		t.Fatalf("expected success, got %+v", res)
	}

	o, _ := env.store.GetOrder(context.Background(), placed.OrderID)
	if o.Status != model.OrderCancelled {
		t.Errorf("expected CANCELLED, got %s", o.Status)
	}
	if b := env.balance(t, wallet); !b.LockedAmount.IsZero() {
		t.Errorf("expected locked 0, got %s", b.LockedAmount)
	}

	withdrawals := env.ledger.Attempts(ledger.IxWithdraw)
	if len(withdrawals) != 1 {
		t.Fatalf("expected 1 withdraw, got %d", len(withdrawals))
	}
	units, _ := vault.ToBaseUnits(d(10), 9)
	if withdrawals[0].Args[0] != units || withdrawals[0].OrderID != uint64(placed.OrderID) {
		t.Errorf("unexpected withdraw args %v for order %d", withdrawals[0].Args, withdrawals[0].OrderID)
	}
}

func TestCancelOrder_PartiallyFilledRefundsRemainder(t *testing.T) {
	env := newTestEnv(t, nil)
	wallet := newWallet()
	placed := env.place(t, wallet, model.SideShort, 1.0, 10)
	if _, err := env.svc.ApplyFill(context.Background(), placed.OrderID, d(4)); err != nil {
		t.Fatalf("fill: %v", err)
	}

	res, err := env.svc.CancelOrder(context.Background(), wallet, placed.OrderID)
	if err != nil || !res.Success {
		t.Fatalf("cancel failed: %+v, %v", res, err)
	}
	units, _ := vault.ToBaseUnits(d(6), 9)
	if w := env.ledger.Attempts(ledger.IxWithdraw); len(w) != 1 || w[0].Args[0] != units {
		t.Errorf("expected a withdraw of 6, got %+v", w)
	}
	if b := env.balance(t, wallet); !b.LockedAmount.Equal(d(4)) {
		t.Errorf("filled part stays locked, expected 4, got %s", b.LockedAmount)
	}
}

func TestCancelOrder_TerminalIsNoOp(t *testing.T) {
	env := newTestEnv(t, nil)
	wallet := newWallet()
	placed := env.place(t, wallet, model.SideLong, 2.0, 10)

	if res, _ := env.svc.CancelOrder(context.Background(), wallet, placed.OrderID); !res.Success {
		t.Fatalf("first cancel failed: %q", res.Error)
	}
	res, err := env.svc.CancelOrder(context.Background(), wallet, placed.OrderID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, string(model.OrderCancelled)) {
		t.Errorf("expected a failure naming CANCELLED, got %+v", res)
	}

	filled := env.place(t, wallet, model.SideLong, 2.0, 5)
	if _, err := env.svc.ApplyFill(context.Background(), filled.OrderID, d(5)); err != nil {
		t.Fatalf("fill: %v", err)
	}
	res, _ = env.svc.CancelOrder(context.Background(), wallet, filled.OrderID)
	if res.Success || !strings.Contains(res.Error, string(model.OrderFilled)) {
		t.Errorf("expected a failure naming FILLED, got %+v", res)
	}

	if n := len(env.ledger.Attempts(ledger.IxWithdraw)); n != 1 {
		t.Errorf("rejected cancels must not withdraw, got %d withdrawals", n)
	}
}

func TestCancelOrder_ForeignOrUnknown(t *testing.T) {
	env := newTestEnv(t, nil)
	placed := env.place(t, newWallet(), model.SideLong, 2.0, 10)

	res, _ := env.svc.CancelOrder(context.Background(), newWallet(), placed.OrderID)
	if res.Success || res.Error != orders.MsgOrderNotFound {
		t.Errorf("foreign cancel must fail with not found, got %+v", res)
	}
	res, _ = env.svc.CancelOrder(context.Background(), newWallet(), 9999)
	if res.Success || res.Error != orders.MsgOrderNotFound {
		t.Errorf("unknown order must fail with not found, got %+v", res)
	}
	res, _ = env.svc.CancelOrder(context.Background(), "", placed.OrderID)
	if res.Success || res.Error != orders.MsgWalletNotConnected {
		t.Errorf("expected wallet failure, got %+v", res)
	}
}

func TestCancelOrder_RefundFailureLeftForReconciler(t *testing.T) {
	env := newTestEnv(t, nil)
	wallet := newWallet()
	placed := env.place(t, wallet, model.SideLong, 2.0, 10)
	env.ledger.FailNext(ledger.IxWithdraw, errors.New("insufficient funds"))

	res, err := env.svc.CancelOrder(context.Background(), wallet, placed.OrderID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.Error != orders.MsgRefundFailed {
		t.Fatalf("expected refund failure, got %+v", res)
	}

	pending, _ := env.journal.Pending(context.Background())
	if len(pending) != 1 || pending[0].Kind != intent.KindRefund || !pending[0].Amount.Equal(d(10)) {
		t.Fatalf("expected a pending refund of 10, got %+v", pending)
	}

	if err := env.svc.ResumeRefund(context.Background(), pending[0]); err != nil {
		t.Fatalf("resume refund: %v", err)
	}
	if pending, _ := env.journal.Pending(context.Background()); len(pending) != 0 {
		t.Errorf("expected refund resolved, got %+v", pending)
	}
	if n := len(env.ledger.Attempts(ledger.IxWithdraw)); n != 2 {
		t.Errorf("expected the refund replayed once, got %d withdrawals", n)
	}
}

// --- Read projections ---

func TestUserOrdersAndBalance_UnknownWallet(t *testing.T) {
	env := newTestEnv(t, nil)

	list, err := env.svc.UserOrders(context.Background(), newWallet())
	if err != nil || len(list) != 0 {
		t.Errorf("expected no orders, got %v, %v", list, err)
	}
	if b := env.balance(t, newWallet()); !b.LockedAmount.IsZero() {
		t.Errorf("expected zero balance, got %+v", b)
	}
}

func TestOrderbook_AggregatesRestingOrders(t *testing.T) {
	env := newTestEnv(t, nil)
	w1, w2 := newWallet(), newWallet()

	env.place(t, w1, model.SideLong, 2.0, 10)
	env.place(t, w2, model.SideLong, 2.0, 5)
	env.place(t, w1, model.SideLong, 1.5, 3)
	env.place(t, w2, model.SideShort, 0.5, 7)
	cancelled := env.place(t, w1, model.SideShort, 0.5, 100)
	env.svc.CancelOrder(context.Background(), w1, cancelled.OrderID)

	book, err := env.svc.Orderbook(context.Background())
	if err != nil {
		t.Fatalf("orderbook: %v", err)
	}
	if len(book.Long) != 2 || len(book.Short) != 1 {
		t.Fatalf("unexpected book: %+v", book)
	}
	if !book.Long[0].Points.Equal(d(1.5)) || !book.Long[1].Points.Equal(d(2.0)) {
		t.Errorf("long side not ascending: %+v", book.Long)
	}
	if !book.Long[1].Amount.Equal(d(15)) || book.Long[1].Orders != 2 {
		t.Errorf("expected 15 across 2 orders at 2.0, got %+v", book.Long[1])
	}
	if !book.Short[0].Amount.Equal(d(7)) {
		t.Errorf("cancelled order must not appear, got %+v", book.Short[0])
	}
}
