// Package ledgertest provides an in-memory ledger.Client for tests.
package ledgertest

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/voltx/vault-engine/internal/ledger"
)

// Fake records submitted operations and replays scripted failures.
type Fake struct {
	mu         sync.Mutex
	existing   map[solana.PublicKey]bool
	submitted  []ledger.Operation
	submitErrs map[string][]error
	confirmErr []error
	seq        uint64
}

// New creates an empty fake ledger.
func New() *Fake {
	return &Fake{
		existing:   make(map[solana.PublicKey]bool),
		submitErrs: make(map[string][]error),
	}
}

// FailNext queues raw errors returned by the next submissions of an
// instruction, in order. Errors are classified the way the real client does.
func (f *Fake) FailNext(instruction string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErrs[instruction] = append(f.submitErrs[instruction], errs...)
}

// FailConfirm queues errors returned by the next Confirm calls.
func (f *Fake) FailConfirm(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmErr = append(f.confirmErr, errs...)
}

// MarkExisting makes AccountExists report true for addr.
func (f *Fake) MarkExisting(addr solana.PublicKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existing[addr] = true
}

// Submitted returns every submission attempt, including failed ones.
func (f *Fake) Submitted() []ledger.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ledger.Operation, len(f.submitted))
	copy(out, f.submitted)
	return out
}

// Attempts returns submission attempts for one instruction.
func (f *Fake) Attempts(instruction string) []ledger.Operation {
	var out []ledger.Operation
	for _, op := range f.Submitted() {
		if op.Name == instruction {
			out = append(out, op)
		}
	}
	return out
}

func (f *Fake) AccountExists(_ context.Context, addr solana.PublicKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[addr], nil
}

func (f *Fake) Submit(_ context.Context, op ledger.Operation, _ ledger.SubmitOptions) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submitted = append(f.submitted, op)
	if queue := f.submitErrs[op.Name]; len(queue) > 0 {
		err := queue[0]
		f.submitErrs[op.Name] = queue[1:]
		if err != nil {
			return solana.Signature{}, ledger.Wrap(err)
		}
	}

	if op.Name == ledger.IxInitialize {
		for _, m := range op.Accounts[:2] {
			f.existing[m.PublicKey] = true
		}
	}

	f.seq++
	var sig solana.Signature
	binary.LittleEndian.PutUint64(sig[:8], f.seq)
	return sig, nil
}

func (f *Fake) Confirm(_ context.Context, _ solana.Signature) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.confirmErr) > 0 {
		err := f.confirmErr[0]
		f.confirmErr = f.confirmErr[1:]
		return err
	}
	return nil
}

var _ ledger.Client = (*Fake)(nil)
