package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Seed prefixes used by the vault program. Order and bytes must match the
// program's own derivation.
var (
	SeedVaultState       = []byte("vault_state")
	SeedVault            = []byte("vault")
	SeedPosition         = []byte("position")
	SeedTradingPool      = []byte("trading_pool")
	SeedTradingPoolVault = []byte("trading_pool_vault")
)

// Accounts derives program-owned sub-accounts. It is pure.
type Accounts struct {
	programID solana.PublicKey
}

// NewAccounts creates a deriver for the given program.
func NewAccounts(programID solana.PublicKey) *Accounts {
	return &Accounts{programID: programID}
}

// ProgramID returns the vault program id.
func (a *Accounts) ProgramID() solana.PublicKey {
	return a.programID
}

// DeriveAccount returns the program-derived address for the seeds.
func (a *Accounts) DeriveAccount(seeds ...[]byte) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(seeds, a.programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive account: %w", err)
	}
	return addr, nil
}

// VaultState is the per-user vault bookkeeping account.
func (a *Accounts) VaultState(owner solana.PublicKey) (solana.PublicKey, error) {
	return a.DeriveAccount(SeedVaultState, owner.Bytes())
}

// Vault is the per-user token-holding account.
func (a *Accounts) Vault(owner solana.PublicKey) (solana.PublicKey, error) {
	return a.DeriveAccount(SeedVault, owner.Bytes())
}

// Position is the per-order position account.
func (a *Accounts) Position(owner solana.PublicKey, orderID uint64) (solana.PublicKey, error) {
	return a.DeriveAccount(SeedPosition, owner.Bytes(), OrderIDSeed(orderID))
}

// TradingPool is the shared pool state account.
func (a *Accounts) TradingPool() (solana.PublicKey, error) {
	return a.DeriveAccount(SeedTradingPool)
}

// TradingPoolVault is the shared pool's token-holding account.
func (a *Accounts) TradingPoolVault() (solana.PublicKey, error) {
	return a.DeriveAccount(SeedTradingPoolVault)
}

// OrderIDSeed encodes an order id as 8 little-endian bytes.
func OrderIDSeed(orderID uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], orderID)
	return buf[:]
}
