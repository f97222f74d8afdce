// Package model defines the core domain types shared across the vault engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a volatility order.
type Side string

const (
	SideLong  Side = "LONG"  // breakout
	SideShort Side = "SHORT" // stay-in
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// PositionType returns the position type an order on this side opens.
func (s Side) PositionType() PositionType {
	if s == SideLong {
		return PositionBreakout
	}
	return PositionStayIn
}

// OrderStatus is the off-chain status of an order row.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// Resting reports whether the order's remaining amount is locked in the pool
// and shows up in the order book.
func (s OrderStatus) Resting() bool {
	return s == OrderOpen || s == OrderPartiallyFilled
}

// User is keyed by wallet address.
type User struct {
	ID            int64  `json:"id" db:"id"`
	WalletAddress string `json:"wallet_address" db:"wallet_address"`
}

// Order is a user's resting request to open a volatility position.
// FilledAmount never exceeds Amount.
type Order struct {
	ID           int64           `json:"id" db:"id"`
	UserID       int64           `json:"user_id" db:"user_id"`
	Wallet       string          `json:"wallet" db:"-"`
	Side         Side            `json:"side" db:"side"`
	Points       decimal.Decimal `json:"points" db:"points"` // volatility band, percent
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	FilledAmount decimal.Decimal `json:"filled_amount" db:"filled_amount"`
	Status       OrderStatus     `json:"status" db:"status"`
	TxnHash      string          `json:"txn_hash,omitempty" db:"txn_hash"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Remaining is the unfilled amount of the order.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.FilledAmount)
}

// Balance tracks deposits and funds committed to open orders.
// LockedAmount is never negative.
type Balance struct {
	UserID         int64           `json:"user_id" db:"user_id"`
	TotalDeposited decimal.Decimal `json:"total_deposited" db:"total_deposited"`
	LockedAmount   decimal.Decimal `json:"locked_amount" db:"locked_amount"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// PositionType mirrors the on-chain enum.
type PositionType int

const (
	PositionStayIn   PositionType = 0
	PositionBreakout PositionType = 1
)

func (t PositionType) String() string {
	switch t {
	case PositionStayIn:
		return "StayIn"
	case PositionBreakout:
		return "Breakout"
	default:
		return "Unknown"
	}
}

// Valid reports whether t is a known position type.
func (t PositionType) Valid() bool {
	return t == PositionStayIn || t == PositionBreakout
}

// PositionStatus moves strictly forward:
// ACTIVE → SETTLED → CLAIMED_PENDING_PAYOUT → CLAIMED.
type PositionStatus string

const (
	PositionActive               PositionStatus = "ACTIVE"
	PositionSettled              PositionStatus = "SETTLED"
	PositionClaimedPendingPayout PositionStatus = "CLAIMED_PENDING_PAYOUT"
	PositionClaimed              PositionStatus = "CLAIMED"
)

// Position is a matched volatility bet. Settlement fields are set iff the
// status is not ACTIVE; PayoutAmount is set once the claim has landed.
type Position struct {
	ID                     int64            `json:"id" db:"id"`
	OrderID                int64            `json:"order_id" db:"order_id"`
	UserPublicKey          string           `json:"user_public_key" db:"user_public_key"`
	PositionType           PositionType     `json:"position_type" db:"position_type"`
	LowerBound             decimal.Decimal  `json:"lower_bound" db:"lower_bound"`
	UpperBound             decimal.Decimal  `json:"upper_bound" db:"upper_bound"`
	Amount                 decimal.Decimal  `json:"amount" db:"amount"`
	Status                 PositionStatus   `json:"status" db:"status"`
	CreatedAt              time.Time        `json:"created_at" db:"created_at"`
	SettlementTime         *time.Time       `json:"settlement_time,omitempty" db:"settlement_time"`
	SettlementPrice        *decimal.Decimal `json:"settlement_price,omitempty" db:"settlement_price"`
	PayoutPercentage       *decimal.Decimal `json:"payout_percentage,omitempty" db:"payout_percentage"`
	PayoutAmount           *decimal.Decimal `json:"payout_amount,omitempty" db:"payout_amount"`
	ClaimedAt              *time.Time       `json:"claimed_at,omitempty" db:"claimed_at"`
	OnChainPositionAddress string           `json:"on_chain_position_address" db:"on_chain_position_address"`
	TxSignature            string           `json:"tx_signature" db:"tx_signature"`
}

// Settlement carries the oracle-decided outcome of a position.
type Settlement struct {
	Time             time.Time
	Price            decimal.Decimal
	PayoutPercentage decimal.Decimal
}

// DepthLevel is the aggregated remaining amount at one volatility band.
type DepthLevel struct {
	Points decimal.Decimal `json:"points"`
	Amount decimal.Decimal `json:"amount"`
	Orders int             `json:"orders"`
}

// OrderBook is the two-sided depth view, each side ascending by points.
type OrderBook struct {
	Long  []DepthLevel `json:"long_orders"`
	Short []DepthLevel `json:"short_orders"`
}

// Portfolio summarizes a user's positions with win/loss analytics.
type Portfolio struct {
	Wallet         string          `json:"wallet"`
	Positions      []Position      `json:"positions"`
	Balance        *Balance        `json:"balance,omitempty"`
	Active         int             `json:"active"`
	Wins           int             `json:"wins"`
	Losses         int             `json:"losses"`
	TotalStaked    decimal.Decimal `json:"total_staked"`
	TotalPaidOut   decimal.Decimal `json:"total_paid_out"`
	PendingPayouts decimal.Decimal `json:"pending_payouts"`
}

// Result is the response shape for orchestration calls. Business failures
// are reported here rather than as Go errors.
type Result struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	OrderID int64  `json:"orderId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Fail builds a failed Result.
func Fail(msg string) Result {
	return Result{Success: false, Error: msg}
}
