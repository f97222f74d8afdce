// Package intent is the transfer outbox. An intent is written before every
// ledger transfer and resolved once the off-chain state has caught up, so a
// crash between the two leaves a record the reconciler can replay.
package intent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind is the transfer an intent stands for.
type Kind string

const (
	KindDeposit Kind = "deposit" // order placement funding
	KindRefund  Kind = "refund"  // cancelled order remainder
	KindPayout  Kind = "payout"  // claimed position payout
)

// Status of an intent.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// ErrNotFound is returned for unknown intent ids.
var ErrNotFound = errors.New("intent: not found")

// Intent is one planned ledger transfer.
type Intent struct {
	ID        uuid.UUID       `json:"id"`
	Kind      Kind            `json:"kind"`
	OrderID   int64           `json:"order_id"`
	Wallet    string          `json:"wallet"`
	Amount    decimal.Decimal `json:"amount"`
	Status    Status          `json:"status"`
	Signature string          `json:"signature,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// New builds a pending intent with a fresh id.
func New(kind Kind, orderID int64, wallet string, amount decimal.Decimal) *Intent {
	now := time.Now().UTC()
	return &Intent{
		ID:        uuid.New(),
		Kind:      kind,
		OrderID:   orderID,
		Wallet:    wallet,
		Amount:    amount,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransferDone reports whether the ledger leg already went through.
func (in *Intent) TransferDone() bool {
	return in.Signature != ""
}

// Journal persists intents.
type Journal interface {
	// Record stores a new pending intent.
	Record(ctx context.Context, in *Intent) error

	// Get loads one intent.
	Get(ctx context.Context, id uuid.UUID) (*Intent, error)

	// Resolve marks an intent done with the transfer signature.
	Resolve(ctx context.Context, id uuid.UUID, signature string) error

	// Landed records the signature of a transfer that went through while the
	// off-chain update is still outstanding. The intent stays pending and is
	// replayed without a second transfer.
	Landed(ctx context.Context, id uuid.UUID, signature string) error

	// Fail marks an intent failed; it will not be replayed.
	Fail(ctx context.Context, id uuid.UUID, reason string) error

	// Retry keeps an intent pending and records one more failed attempt.
	Retry(ctx context.Context, id uuid.UUID, reason string) error

	// Pending lists unresolved intents, oldest first.
	Pending(ctx context.Context) ([]Intent, error)

	// Close releases resources.
	Close() error
}
