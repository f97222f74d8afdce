package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voltx/vault-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[int64]*model.User
	wallets   map[string]int64
	orders    map[int64]*model.Order
	balances  map[int64]*model.Balance
	positions map[int64]*model.Position // keyed by order ID
	nextUser  int64
	nextOrder int64
	nextPos   int64
	notifier  Notifier
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[int64]*model.User),
		wallets:   make(map[string]int64),
		orders:    make(map[int64]*model.Order),
		balances:  make(map[int64]*model.Balance),
		positions: make(map[int64]*model.Position),
	}
}

// SetNotifier registers a listener for position changes.
func (s *MemoryStore) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// --- Users ---

func (s *MemoryStore) UpsertUser(_ context.Context, wallet string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.wallets[wallet]; ok {
		copy := *s.users[id]
		return &copy, nil
	}
	s.nextUser++
	u := &model.User{ID: s.nextUser, WalletAddress: wallet}
	s.users[u.ID] = u
	s.wallets[wallet] = u.ID
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) GetUserByWallet(_ context.Context, wallet string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.wallets[wallet]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", wallet, ErrNotFound)
	}
	copy := *s.users[id]
	return &copy, nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[o.UserID]
	if !ok {
		return fmt.Errorf("user %d: %w", o.UserID, ErrNotFound)
	}
	s.nextOrder++
	o.ID = s.nextOrder
	o.Wallet = u.WalletAddress
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	copy := *o
	s.orders[o.ID] = &copy
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id int64) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID int64) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result, nil
}

func (s *MemoryStore) ListRestingOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.Status.Resting() {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) OpenOrder(_ context.Context, id int64, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if o.Status != model.OrderPending {
		return fmt.Errorf("open order %d in status %s: %w", id, o.Status, ErrConflict)
	}
	o.Status = model.OrderOpen
	o.TxnHash = txHash

	b := s.balanceLocked(o.UserID)
	b.TotalDeposited = b.TotalDeposited.Add(o.Amount)
	b.LockedAmount = b.LockedAmount.Add(o.Amount)
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FailOrder(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if o.Status != model.OrderPending {
		return fmt.Errorf("fail order %d in status %s: %w", id, o.Status, ErrConflict)
	}
	o.Status = model.OrderCancelled
	return nil
}

func (s *MemoryStore) CancelOrder(_ context.Context, id int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	remaining := o.Remaining()
	if !o.Status.Resting() || !remaining.IsPositive() {
		return decimal.Zero, fmt.Errorf("cancel order %d in status %s: %w", id, o.Status, ErrConflict)
	}
	o.Status = model.OrderCancelled

	b := s.balanceLocked(o.UserID)
	b.LockedAmount = clampSub(b.LockedAmount, remaining)
	b.UpdatedAt = time.Now().UTC()
	return remaining, nil
}

func (s *MemoryStore) ApplyFill(_ context.Context, id int64, qty decimal.Decimal) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if !o.Status.Resting() {
		return nil, fmt.Errorf("fill order %d in status %s: %w", id, o.Status, ErrConflict)
	}
	filled := o.FilledAmount.Add(qty)
	if !qty.IsPositive() || filled.GreaterThan(o.Amount) {
		return nil, fmt.Errorf("fill %s exceeds remaining %s of order %d: %w", qty, o.Remaining(), id, ErrConflict)
	}
	o.FilledAmount = filled
	if filled.Equal(o.Amount) {
		o.Status = model.OrderFilled
	} else {
		o.Status = model.OrderPartiallyFilled
	}
	copy := *o
	return &copy, nil
}

// --- Balances ---

func (s *MemoryStore) GetBalance(_ context.Context, userID int64) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[userID]
	if !ok {
		return &model.Balance{UserID: userID}, nil
	}
	copy := *b
	return &copy, nil
}

// balanceLocked returns the mutable balance row; caller holds s.mu.
func (s *MemoryStore) balanceLocked(userID int64) *model.Balance {
	b, ok := s.balances[userID]
	if !ok {
		b = &model.Balance{UserID: userID}
		s.balances[userID] = b
	}
	return b
}

// --- Positions ---

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	if _, exists := s.positions[p.OrderID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("position for order %d already exists: %w", p.OrderID, ErrConflict)
	}
	s.nextPos++
	p.ID = s.nextPos
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.Status = model.PositionActive
	copy := *p
	s.positions[p.OrderID] = &copy
	n := s.notifier
	s.mu.Unlock()

	notify(n, p.UserPublicKey)
	return nil
}

func (s *MemoryStore) GetPositionByOrder(_ context.Context, orderID int64, owner string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[orderID]
	if !ok || p.UserPublicKey != owner {
		return nil, fmt.Errorf("position for order %d: %w", orderID, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, owner string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserPublicKey == owner {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) SettlePosition(_ context.Context, orderID int64, st model.Settlement) (*model.Position, error) {
	return s.transition(orderID, model.PositionActive, func(p *model.Position) {
		t, price, pct := st.Time, st.Price, st.PayoutPercentage
		p.Status = model.PositionSettled
		p.SettlementTime = &t
		p.SettlementPrice = &price
		p.PayoutPercentage = &pct

		if uid, ok := s.wallets[p.UserPublicKey]; ok {
			b := s.balanceLocked(uid)
			b.LockedAmount = clampSub(b.LockedAmount, p.Amount)
			b.UpdatedAt = time.Now().UTC()
		}
	})
}

func (s *MemoryStore) MarkClaimed(_ context.Context, orderID int64, payoutAmount decimal.Decimal, claimedAt time.Time, txSig string) (*model.Position, error) {
	return s.transition(orderID, model.PositionSettled, func(p *model.Position) {
		amt, at := payoutAmount, claimedAt
		p.Status = model.PositionClaimedPendingPayout
		p.PayoutAmount = &amt
		p.ClaimedAt = &at
		p.TxSignature = txSig
	})
}

func (s *MemoryStore) MarkPaid(_ context.Context, orderID int64, txSig string) (*model.Position, error) {
	return s.transition(orderID, model.PositionClaimedPendingPayout, func(p *model.Position) {
		p.Status = model.PositionClaimed
		if txSig != "" {
			p.TxSignature = txSig
		}
	})
}

// transition applies fn under the write lock when the position is in from.
func (s *MemoryStore) transition(orderID int64, from model.PositionStatus, fn func(*model.Position)) (*model.Position, error) {
	s.mu.Lock()
	p, ok := s.positions[orderID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("position for order %d: %w", orderID, ErrNotFound)
	}
	if p.Status != from {
		s.mu.Unlock()
		return nil, fmt.Errorf("position for order %d is %s, want %s: %w", orderID, p.Status, from, ErrConflict)
	}
	fn(p)
	copy := *p
	n := s.notifier
	s.mu.Unlock()

	notify(n, copy.UserPublicKey)
	return &copy, nil
}

func notify(n Notifier, owner string) {
	if n != nil {
		n.PositionsChanged(owner)
	}
}

func clampSub(a, b decimal.Decimal) decimal.Decimal {
	out := a.Sub(b)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
