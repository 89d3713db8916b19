package types

import "math/big"

// Account tracks the asset holdings recognised by the vault ledger. Amounts
// are denominated in the smallest unit of each asset and expressed as big
// integers to match on-chain precision.
type Account struct {
	Nonce uint64 `json:"nonce"`
	// BalanceBase is the account's holding of the base asset depositors
	// contribute and withdraw.
	BalanceBase *big.Int `json:"balanceBase"`
	// BalanceShares is the account's holding of pooled ownership units.
	BalanceShares *big.Int `json:"balanceShares"`
	// BalanceBorrowed holds transient amounts of the borrowed asset while a
	// loop build or unwind is in flight, plus any rounding residue afterwards.
	BalanceBorrowed *big.Int `json:"balanceBorrowed"`
	// BalanceReceipt holds the staking receipt asset not currently posted as
	// venue collateral.
	BalanceReceipt *big.Int `json:"balanceReceipt"`
}

// Normalize replaces nil balances with zero so callers can mutate the account
// without nil checks.
func (a *Account) Normalize() {
	if a == nil {
		return
	}
	if a.BalanceBase == nil {
		a.BalanceBase = big.NewInt(0)
	}
	if a.BalanceShares == nil {
		a.BalanceShares = big.NewInt(0)
	}
	if a.BalanceBorrowed == nil {
		a.BalanceBorrowed = big.NewInt(0)
	}
	if a.BalanceReceipt == nil {
		a.BalanceReceipt = big.NewInt(0)
	}
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{Nonce: a.Nonce}
	if a.BalanceBase != nil {
		clone.BalanceBase = new(big.Int).Set(a.BalanceBase)
	}
	if a.BalanceShares != nil {
		clone.BalanceShares = new(big.Int).Set(a.BalanceShares)
	}
	if a.BalanceBorrowed != nil {
		clone.BalanceBorrowed = new(big.Int).Set(a.BalanceBorrowed)
	}
	if a.BalanceReceipt != nil {
		clone.BalanceReceipt = new(big.Int).Set(a.BalanceReceipt)
	}
	return clone
}
