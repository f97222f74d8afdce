package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// SolanaClient submits vault program operations over JSON-RPC.
type SolanaClient struct {
	rpc            *rpc.Client
	programID      solana.PublicKey
	authority      solana.PrivateKey
	confirmTimeout time.Duration
	pollInterval   time.Duration
	log            *zap.Logger
}

// SolanaOptions configures a SolanaClient.
type SolanaOptions struct {
	RPCURL         string
	ProgramID      solana.PublicKey
	Authority      solana.PrivateKey
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// NewSolanaClient creates an RPC-backed ledger client.
func NewSolanaClient(opts SolanaOptions, log *zap.Logger) (*SolanaClient, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("ledger rpc url is required")
	}
	if opts.ProgramID.IsZero() {
		return nil, errors.New("ledger program id is required")
	}
	if len(opts.Authority) == 0 {
		return nil, errors.New("ledger authority key is required")
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SolanaClient{
		rpc:            rpc.New(opts.RPCURL),
		programID:      opts.ProgramID,
		authority:      opts.Authority,
		confirmTimeout: opts.ConfirmTimeout,
		pollInterval:   opts.PollInterval,
		log:            log,
	}, nil
}

// Authority returns the public key that signs every transaction.
func (c *SolanaClient) Authority() solana.PublicKey {
	return c.authority.PublicKey()
}

func (c *SolanaClient) AccountExists(ctx context.Context, addr solana.PublicKey) (bool, error) {
	_, err := c.rpc.GetAccountInfo(ctx, addr)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get account %s: %w", addr, err)
	}
	return true, nil
}

func (c *SolanaClient) Submit(ctx context.Context, op Operation, opts SubmitOptions) (solana.Signature, error) {
	recent, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Signature{}, Wrap(fmt.Errorf("latest blockhash: %w", err))
	}

	payer := c.authority.PublicKey()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{op.Instruction(c.programID)},
		recent.Value.Blockhash,
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build %s transaction: %w", op.Name, err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &c.authority
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("sign %s transaction: %w", op.Name, err)
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       opts.SkipPreflight,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, Wrap(err)
	}

	c.log.Debug("ledger operation submitted",
		zap.String("instruction", op.Name),
		zap.Uint64("order_id", op.OrderID),
		zap.String("signature", sig.String()),
	)
	return sig, nil
}

func (c *SolanaClient) Confirm(ctx context.Context, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err == nil && out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return &Error{Kind: KindOther, Msg: fmt.Sprintf("transaction %s failed: %v", sig, status.Err)}
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return nil
			}
		} else if err != nil {
			c.log.Debug("signature status poll failed", zap.String("signature", sig.String()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrConfirmTimeout, sig)
		case <-ticker.C:
		}
	}
}
