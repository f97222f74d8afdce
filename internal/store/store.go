// Package store defines the persistence interface for the vault engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voltx/vault-engine/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a row is not in the state a transition
	// requires. The row is left unchanged.
	ErrConflict = errors.New("store: status conflict")
)

// Notifier is told when a user's position rows change.
type Notifier interface {
	PositionsChanged(owner string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(owner string)

func (f NotifierFunc) PositionsChanged(owner string) { f(owner) }

// Store is the persistence interface. Multi-row transitions are atomic.
type Store interface {
	// --- Users ---

	// UpsertUser returns the user for wallet, creating it if needed.
	UpsertUser(ctx context.Context, wallet string) (*model.User, error)

	// GetUserByWallet looks a user up by wallet address.
	GetUserByWallet(ctx context.Context, wallet string) (*model.User, error)

	// --- Orders ---

	// CreateOrder inserts a new order and assigns its ID and CreatedAt.
	CreateOrder(ctx context.Context, order *model.Order) error

	// GetOrder retrieves an order by ID with its owner's wallet.
	GetOrder(ctx context.Context, id int64) (*model.Order, error)

	// ListOrdersByUser returns a user's orders, newest first.
	ListOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)

	// ListRestingOrders returns all OPEN and PARTIALLY_FILLED orders.
	ListRestingOrders(ctx context.Context) ([]model.Order, error)

	// OpenOrder flips a PENDING order to OPEN, stores its transaction hash
	// and credits the amount to the owner's deposited and locked balance.
	OpenOrder(ctx context.Context, id int64, txHash string) error

	// FailOrder flips a PENDING order to CANCELLED without touching balances.
	FailOrder(ctx context.Context, id int64) error

	// CancelOrder flips a resting order to CANCELLED and releases its
	// remaining amount from the owner's locked balance, clamped at zero.
	// It returns the released remaining amount.
	CancelOrder(ctx context.Context, id int64) (decimal.Decimal, error)

	// ApplyFill adds qty to a resting order's filled amount.
	ApplyFill(ctx context.Context, id int64, qty decimal.Decimal) (*model.Order, error)

	// --- Balances ---

	// GetBalance returns a user's balance; a zero balance if none exists.
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)

	// --- Positions ---

	// CreatePosition inserts an ACTIVE position and assigns its ID.
	CreatePosition(ctx context.Context, p *model.Position) error

	// GetPositionByOrder retrieves the position for an order owned by owner.
	GetPositionByOrder(ctx context.Context, orderID int64, owner string) (*model.Position, error)

	// ListPositionsByUser returns a user's positions, newest first.
	ListPositionsByUser(ctx context.Context, owner string) ([]model.Position, error)

	// SettlePosition moves an ACTIVE position to SETTLED and releases its
	// amount from the owner's locked balance, clamped at zero.
	SettlePosition(ctx context.Context, orderID int64, s model.Settlement) (*model.Position, error)

	// MarkClaimed moves a SETTLED position to CLAIMED_PENDING_PAYOUT.
	MarkClaimed(ctx context.Context, orderID int64, payoutAmount decimal.Decimal, claimedAt time.Time, txSig string) (*model.Position, error)

	// MarkPaid moves a CLAIMED_PENDING_PAYOUT position to CLAIMED.
	MarkPaid(ctx context.Context, orderID int64, txSig string) (*model.Position, error)
}
