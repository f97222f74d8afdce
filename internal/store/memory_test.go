package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voltx/vault-engine/internal/model"
	"github.com/voltx/vault-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type recordingNotifier struct {
	mu     sync.Mutex
	owners []string
}

func (n *recordingNotifier) PositionsChanged(owner string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.owners = append(n.owners, owner)
}

// seedOpenOrder creates a user and an OPEN order for amount.
func seedOpenOrder(t *testing.T, ms *store.MemoryStore, wallet string, amount string) *model.Order {
	t.Helper()
	ctx := context.Background()
	u, err := ms.UpsertUser(ctx, wallet)
	if err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	o := &model.Order{
		UserID: u.ID,
		Side:   model.SideLong,
		Points: d("2.0"),
		Amount: d(amount),
		Status: model.OrderPending,
	}
	if err := ms.CreateOrder(ctx, o); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if err := ms.OpenOrder(ctx, o.ID, "sig-open"); err != nil {
		t.Fatalf("open order: %v", err)
	}
	got, _ := ms.GetOrder(ctx, o.ID)
	return got
}

func TestUpsertUserIsIdempotent(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	a, _ := ms.UpsertUser(ctx, "w1")
	b, _ := ms.UpsertUser(ctx, "w1")
	if a.ID != b.ID {
		t.Errorf("expected same user, got %d and %d", a.ID, b.ID)
	}
	if _, err := ms.GetUserByWallet(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenOrderCreditsBalance(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	o := seedOpenOrder(t, ms, "w1", "10")

	if o.Status != model.OrderOpen || o.TxnHash != "sig-open" || o.Wallet != "w1" {
		t.Errorf("unexpected order after open: %+v", o)
	}
	b, _ := ms.GetBalance(ctx, o.UserID)
	if !b.TotalDeposited.Equal(d("10")) || !b.LockedAmount.Equal(d("10")) {
		t.Errorf("expected deposited=locked=10, got %s/%s", b.TotalDeposited, b.LockedAmount)
	}

	if err := ms.OpenOrder(ctx, o.ID, "again"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict on second open, got %v", err)
	}
	b, _ = ms.GetBalance(ctx, o.UserID)
	if !b.LockedAmount.Equal(d("10")) {
		t.Errorf("second open must not credit again, locked=%s", b.LockedAmount)
	}
}

func TestFailOrderOnlyFromPending(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	u, _ := ms.UpsertUser(ctx, "w1")
	o := &model.Order{UserID: u.ID, Side: model.SideShort, Points: d("1.0"), Amount: d("3"), Status: model.OrderPending}
	_ = ms.CreateOrder(ctx, o)

	if err := ms.FailOrder(ctx, o.ID); err != nil {
		t.Fatalf("fail order: %v", err)
	}
	got, _ := ms.GetOrder(ctx, o.ID)
	if got.Status != model.OrderCancelled {
		t.Errorf("expected CANCELLED, got %s", got.Status)
	}
	b, _ := ms.GetBalance(ctx, u.ID)
	if !b.LockedAmount.IsZero() {
		t.Errorf("failed deposit must not touch balance, locked=%s", b.LockedAmount)
	}
	if err := ms.FailOrder(ctx, o.ID); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestCancelOrderReleasesRemaining(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	o := seedOpenOrder(t, ms, "w1", "10")

	if _, err := ms.ApplyFill(ctx, o.ID, d("4")); err != nil {
		t.Fatalf("fill: %v", err)
	}
	released, err := ms.CancelOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !released.Equal(d("6")) {
		t.Errorf("expected 6 released, got %s", released)
	}
	b, _ := ms.GetBalance(ctx, o.UserID)
	if !b.LockedAmount.Equal(d("4")) {
		t.Errorf("expected locked 4, got %s", b.LockedAmount)
	}

	if _, err := ms.CancelOrder(ctx, o.ID); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict cancelling twice, got %v", err)
	}
}

func TestApplyFillTransitions(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	o := seedOpenOrder(t, ms, "w1", "10")

	got, err := ms.ApplyFill(ctx, o.ID, d("2.5"))
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if got.Status != model.OrderPartiallyFilled || !got.FilledAmount.Equal(d("2.5")) {
		t.Errorf("unexpected after partial fill: %+v", got)
	}
	if _, err := ms.ApplyFill(ctx, o.ID, d("8")); !errors.Is(err, store.ErrConflict) {
		t.Errorf("overfill must be rejected, got %v", err)
	}
	got, err = ms.ApplyFill(ctx, o.ID, d("7.5"))
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if got.Status != model.OrderFilled {
		t.Errorf("expected FILLED, got %s", got.Status)
	}
	if _, err := ms.CancelOrder(ctx, o.ID); !errors.Is(err, store.ErrConflict) {
		t.Errorf("cancelling a filled order must conflict, got %v", err)
	}
}

func TestRestingOrdersExcludeTerminal(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	a := seedOpenOrder(t, ms, "w1", "1")
	b := seedOpenOrder(t, ms, "w2", "2")
	_, _ = ms.CancelOrder(ctx, b.ID)

	resting, err := ms.ListRestingOrders(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(resting) != 1 || resting[0].ID != a.ID {
		t.Errorf("expected only order %d resting, got %+v", a.ID, resting)
	}
}

func TestPositionLifecycleIsForwardOnly(t *testing.T) {
	ms := store.NewMemoryStore()
	n := &recordingNotifier{}
	ms.SetNotifier(n)
	ctx := context.Background()
	o := seedOpenOrder(t, ms, "w1", "5")

	p := &model.Position{
		OrderID:       o.ID,
		UserPublicKey: "w1",
		PositionType:  model.PositionStayIn,
		LowerBound:    d("98"),
		UpperBound:    d("102"),
		Amount:        d("5"),
	}
	if err := ms.CreatePosition(ctx, p); err != nil {
		t.Fatalf("create position: %v", err)
	}
	if err := ms.CreatePosition(ctx, &model.Position{OrderID: o.ID, UserPublicKey: "w1"}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict on duplicate position, got %v", err)
	}

	if _, err := ms.MarkClaimed(ctx, o.ID, d("7.5"), time.Now(), "sig"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("claiming an ACTIVE position must conflict, got %v", err)
	}

	settled, err := ms.SettlePosition(ctx, o.ID, model.Settlement{
		Time: time.Now().UTC(), Price: d("100.5"), PayoutPercentage: d("150"),
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Status != model.PositionSettled || settled.PayoutPercentage == nil || !settled.PayoutPercentage.Equal(d("150")) {
		t.Errorf("unexpected settled position: %+v", settled)
	}
	b, _ := ms.GetBalance(ctx, o.UserID)
	if !b.LockedAmount.IsZero() {
		t.Errorf("settlement must release locked amount, got %s", b.LockedAmount)
	}

	claimed, err := ms.MarkClaimed(ctx, o.ID, d("7.5"), time.Now().UTC(), "sig-claim")
	if err != nil {
		t.Fatalf("mark claimed: %v", err)
	}
	if claimed.Status != model.PositionClaimedPendingPayout || !claimed.PayoutAmount.Equal(d("7.5")) {
		t.Errorf("unexpected claimed position: %+v", claimed)
	}
	paid, err := ms.MarkPaid(ctx, o.ID, "")
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if paid.Status != model.PositionClaimed || paid.TxSignature != "sig-claim" {
		t.Errorf("unexpected paid position: %+v", paid)
	}
	if _, err := ms.SettlePosition(ctx, o.ID, model.Settlement{}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("re-settling must conflict, got %v", err)
	}

	if len(n.owners) != 4 {
		t.Errorf("expected 4 notifications, got %v", n.owners)
	}
}

func TestPositionLookupIsOwnerScoped(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	o := seedOpenOrder(t, ms, "w1", "5")
	_ = ms.CreatePosition(ctx, &model.Position{OrderID: o.ID, UserPublicKey: "w1", Amount: d("5")})

	if _, err := ms.GetPositionByOrder(ctx, o.ID, "w2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("foreign owner must not see position, got %v", err)
	}
	if _, err := ms.GetPositionByOrder(ctx, o.ID, "w1"); err != nil {
		t.Errorf("owner lookup failed: %v", err)
	}
}

func TestListPositionsNewestFirst(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		o := seedOpenOrder(t, ms, "w1", "1")
		_ = ms.CreatePosition(ctx, &model.Position{
			OrderID:       o.ID,
			UserPublicKey: "w1",
			Amount:        d("1"),
			CreatedAt:     base.Add(time.Duration(i) * time.Hour),
		})
	}
	positions, _ := ms.ListPositionsByUser(ctx, "w1")
	if len(positions) != 3 {
		t.Fatalf("expected 3 positions, got %d", len(positions))
	}
	for i := 1; i < len(positions); i++ {
		if positions[i].CreatedAt.After(positions[i-1].CreatedAt) {
			t.Errorf("positions not newest first: %v then %v", positions[i-1].CreatedAt, positions[i].CreatedAt)
		}
	}
}
