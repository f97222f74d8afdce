package ledger

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// Instruction names exposed by the vault program.
const (
	IxInitialize    = "initialize"
	IxDeposit       = "deposit"
	IxWithdraw      = "withdraw"
	IxClaimPosition = "claim_position"
)

// Operation is one program instruction ready to be signed.
type Operation struct {
	Name     string
	Accounts solana.AccountMetaSlice
	Args     []uint64
	OrderID  uint64
	Owner    solana.PublicKey
}

// Discriminator is the 8-byte instruction tag: sha256("global:<name>")[:8].
func Discriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

// Data encodes the instruction: discriminator followed by u64 LE args.
func (op Operation) Data() []byte {
	disc := Discriminator(op.Name)
	buf := make([]byte, 0, 8+8*len(op.Args))
	buf = append(buf, disc[:]...)
	for _, a := range op.Args {
		buf = binary.LittleEndian.AppendUint64(buf, a)
	}
	return buf
}

// Instruction builds the generic instruction for the program.
func (op Operation) Instruction(programID solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(programID, op.Accounts, op.Data())
}

// Program builds operations for the vault program. authority is the
// custodial signer that pays for and signs every transaction.
type Program struct {
	accounts  *Accounts
	authority solana.PublicKey
}

// NewProgram creates an operation builder.
func NewProgram(accounts *Accounts, authority solana.PublicKey) *Program {
	return &Program{accounts: accounts, authority: authority}
}

// Accounts returns the deriver used by this program.
func (p *Program) Accounts() *Accounts {
	return p.accounts
}

// Initialize creates the user's vault-state and vault accounts.
func (p *Program) Initialize(owner solana.PublicKey) (Operation, error) {
	state, vault, err := p.userAccounts(owner)
	if err != nil {
		return Operation{}, err
	}
	return Operation{
		Name:  IxInitialize,
		Owner: owner,
		Accounts: solana.AccountMetaSlice{
			solana.NewAccountMeta(state, true, false),
			solana.NewAccountMeta(vault, true, false),
			solana.NewAccountMeta(owner, false, false),
			solana.NewAccountMeta(p.authority, true, true),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
		},
	}, nil
}

// Deposit moves amount from the user's vault into the pool, tagged by order id.
func (p *Program) Deposit(owner solana.PublicKey, amount, orderID uint64) (Operation, error) {
	return p.transfer(IxDeposit, owner, amount, orderID)
}

// Withdraw moves amount from the pool back to the user's vault.
func (p *Program) Withdraw(owner solana.PublicKey, amount, orderID uint64) (Operation, error) {
	return p.transfer(IxWithdraw, owner, amount, orderID)
}

// ClaimPosition marks the position account as claimed. The account list is
// assembled by hand because the claim instruction touches the position PDA
// in addition to the pool and the user's vault.
func (p *Program) ClaimPosition(owner solana.PublicKey, orderID uint64) (Operation, error) {
	position, err := p.accounts.Position(owner, orderID)
	if err != nil {
		return Operation{}, err
	}
	pool, poolVault, err := p.poolAccounts()
	if err != nil {
		return Operation{}, err
	}
	state, vault, err := p.userAccounts(owner)
	if err != nil {
		return Operation{}, err
	}
	return Operation{
		Name:    IxClaimPosition,
		Owner:   owner,
		OrderID: orderID,
		Args:    []uint64{orderID},
		Accounts: solana.AccountMetaSlice{
			solana.NewAccountMeta(position, true, false),
			solana.NewAccountMeta(pool, true, false),
			solana.NewAccountMeta(poolVault, true, false),
			solana.NewAccountMeta(state, true, false),
			solana.NewAccountMeta(vault, true, false),
			solana.NewAccountMeta(owner, false, false),
			solana.NewAccountMeta(p.authority, true, true),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
		},
	}, nil
}

func (p *Program) transfer(name string, owner solana.PublicKey, amount, orderID uint64) (Operation, error) {
	state, vault, err := p.userAccounts(owner)
	if err != nil {
		return Operation{}, err
	}
	pool, poolVault, err := p.poolAccounts()
	if err != nil {
		return Operation{}, err
	}
	return Operation{
		Name:    name,
		Owner:   owner,
		OrderID: orderID,
		Args:    []uint64{amount, orderID},
		Accounts: solana.AccountMetaSlice{
			solana.NewAccountMeta(state, true, false),
			solana.NewAccountMeta(vault, true, false),
			solana.NewAccountMeta(pool, true, false),
			solana.NewAccountMeta(poolVault, true, false),
			solana.NewAccountMeta(owner, false, false),
			solana.NewAccountMeta(p.authority, true, true),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
		},
	}, nil
}

func (p *Program) userAccounts(owner solana.PublicKey) (state, vault solana.PublicKey, err error) {
	if state, err = p.accounts.VaultState(owner); err != nil {
		return
	}
	vault, err = p.accounts.Vault(owner)
	return
}

func (p *Program) poolAccounts() (pool, poolVault solana.PublicKey, err error) {
	if pool, err = p.accounts.TradingPool(); err != nil {
		return
	}
	poolVault, err = p.accounts.TradingPoolVault()
	return
}
