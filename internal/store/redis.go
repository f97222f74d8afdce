package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/voltx/vault-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for user lookups and position lists. Writes go to the primary store
// and invalidate the cache; reads check Redis first then fall back to the
// primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) UpsertUser(ctx context.Context, wallet string) (*model.User, error) {
	if u, ok := s.cachedUser(ctx, wallet); ok {
		return u, nil
	}
	u, err := s.primary.UpsertUser(ctx, wallet)
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, userKey(wallet), u.ID, s.ttl)
	return u, nil
}

func (s *CachedStore) GetUserByWallet(ctx context.Context, wallet string) (*model.User, error) {
	if u, ok := s.cachedUser(ctx, wallet); ok {
		return u, nil
	}
	u, err := s.primary.GetUserByWallet(ctx, wallet)
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, userKey(wallet), u.ID, s.ttl)
	return u, nil
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, owner string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(owner)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss.
	positions, err := s.primary.ListPositionsByUser(ctx, owner)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(owner), data, s.ttl)
	}
	return positions, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.CreatePosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.UserPublicKey))
	return nil
}

func (s *CachedStore) SettlePosition(ctx context.Context, orderID int64, st model.Settlement) (*model.Position, error) {
	return s.invalidate(s.primary.SettlePosition(ctx, orderID, st))
}

func (s *CachedStore) MarkClaimed(ctx context.Context, orderID int64, payoutAmount decimal.Decimal, claimedAt time.Time, txSig string) (*model.Position, error) {
	return s.invalidate(s.primary.MarkClaimed(ctx, orderID, payoutAmount, claimedAt, txSig))
}

func (s *CachedStore) MarkPaid(ctx context.Context, orderID int64, txSig string) (*model.Position, error) {
	return s.invalidate(s.primary.MarkPaid(ctx, orderID, txSig))
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.primary.ListOrdersByUser(ctx, userID)
}

func (s *CachedStore) ListRestingOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListRestingOrders(ctx)
}

func (s *CachedStore) OpenOrder(ctx context.Context, id int64, txHash string) error {
	return s.primary.OpenOrder(ctx, id, txHash)
}

func (s *CachedStore) FailOrder(ctx context.Context, id int64) error {
	return s.primary.FailOrder(ctx, id)
}

func (s *CachedStore) CancelOrder(ctx context.Context, id int64) (decimal.Decimal, error) {
	return s.primary.CancelOrder(ctx, id)
}

func (s *CachedStore) ApplyFill(ctx context.Context, id int64, qty decimal.Decimal) (*model.Order, error) {
	return s.primary.ApplyFill(ctx, id, qty)
}

func (s *CachedStore) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.primary.GetBalance(ctx, userID)
}

func (s *CachedStore) GetPositionByOrder(ctx context.Context, orderID int64, owner string) (*model.Position, error) {
	return s.primary.GetPositionByOrder(ctx, orderID, owner)
}

// --- Cache helpers ---

func (s *CachedStore) cachedUser(ctx context.Context, wallet string) (*model.User, bool) {
	raw, err := s.rdb.Get(ctx, userKey(wallet)).Result()
	if err != nil {
		return nil, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, false
	}
	return &model.User{ID: id, WalletAddress: wallet}, true
}

func (s *CachedStore) invalidate(p *model.Position, err error) (*model.Position, error) {
	if err != nil {
		return nil, err
	}
	s.rdb.Del(context.Background(), positionsKey(p.UserPublicKey))
	return p, nil
}

// InvalidatePositions drops the cached position list of owner. It is called
// for changes made by other instances, which arrive over NOTIFY.
func (s *CachedStore) InvalidatePositions(ctx context.Context, owner string) {
	s.rdb.Del(ctx, positionsKey(owner))
}

func userKey(wallet string) string { return fmt.Sprintf("user:%s", wallet) }
func positionsKey(owner string) string { return fmt.Sprintf("positions:%s", owner) }

var _ Store = (*CachedStore)(nil)
