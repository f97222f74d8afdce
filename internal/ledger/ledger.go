// Package ledger wraps the custodial vault program on the external ledger:
// deterministic sub-account derivation, signed submission and confirmation.
//
// Raw RPC failures are classified here into typed kinds so that callers
// decide retry policy on Kind, never on message text.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Kind classifies a ledger failure.
type Kind int

const (
	KindOther Kind = iota
	KindDuplicateSubmission
	KindSimulationFailure
	KindAccountExists
)

func (k Kind) String() string {
	switch k {
	case KindDuplicateSubmission:
		return "duplicate_submission"
	case KindSimulationFailure:
		return "simulation_failure"
	case KindAccountExists:
		return "account_exists"
	default:
		return "other"
	}
}

// ErrConfirmTimeout is returned when a signature was not confirmed in time.
// The transaction may still land.
var ErrConfirmTimeout = errors.New("ledger: confirmation timed out")

// Error is a classified ledger failure carrying the raw message.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ledger %s: %s", e.Kind, e.Msg)
}

// Transient reports whether the failure is an ordering race worth retrying.
func (e *Error) Transient() bool {
	return e.Kind == KindDuplicateSubmission || e.Kind == KindSimulationFailure
}

// Classify maps a raw RPC message to an error kind.
func Classify(msg string) Kind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "already processed"), strings.Contains(m, "already been processed"):
		return KindDuplicateSubmission
	case strings.Contains(m, "already in use"):
		return KindAccountExists
	case strings.Contains(m, "simulation failed"):
		return KindSimulationFailure
	default:
		return KindOther
	}
}

// Wrap classifies err into an *Error. nil stays nil; an existing *Error and
// context errors pass through unchanged.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &Error{Kind: Classify(err.Error()), Msg: err.Error()}
}

// KindOf returns the kind of a ledger error, or KindOther.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindOther
}

// SubmitOptions tune a single submission.
type SubmitOptions struct {
	SkipPreflight bool
}

// Client is the ledger surface the vault orchestrator depends on.
type Client interface {
	// AccountExists reports whether an account has been created on the ledger.
	AccountExists(ctx context.Context, addr solana.PublicKey) (bool, error)

	// Submit signs and sends one program operation. Failures are *Error.
	Submit(ctx context.Context, op Operation, opts SubmitOptions) (solana.Signature, error)

	// Confirm waits until the signature is confirmed or ErrConfirmTimeout.
	Confirm(ctx context.Context, sig solana.Signature) error
}
