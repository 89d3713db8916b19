package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"loopvault/core/events"
	"loopvault/core/types"
)

// totalAssets values the vault in base units: idle balance plus venue
// collateral minus outstanding debt, with receipt and borrowed legs converted
// through the oracle. Loose receipt/borrowed balances on the module account
// are transient build/unwind working capital and deliberately excluded; any
// residue is skimmable dust, not depositor value.
func (e *Engine) totalAssets(pos *LoopPosition, moduleAcc *types.Account) *big.Int {
	total := new(big.Int).Set(bigOrZero(moduleAcc.BalanceBase))
	total.Add(total, bigOrZero(pos.Primary.CollateralBase))
	total.Add(total, bigOrZero(pos.Secondary.CollateralBase))

	receipts := new(big.Int).Add(bigOrZero(pos.Primary.CollateralReceipt), bigOrZero(pos.Secondary.CollateralReceipt))
	total.Add(total, e.valueInBase(receipts, AssetReceipt))

	debt := new(big.Int).Add(bigOrZero(pos.Primary.Debt), bigOrZero(pos.Secondary.Debt))
	total.Sub(total, e.valueInBase(debt, AssetBorrowed))

	return clampZero(total)
}

// convertShares converts a base-asset amount into shares against the supplied
// totals, padded with virtual liquidity so an empty vault stays divisible.
func convertShares(assets, totalShares, totalAssets *big.Int, rounding Rounding) *big.Int {
	supply := new(big.Int).Add(bigOrZero(totalShares), virtualShares)
	backing := new(big.Int).Add(bigOrZero(totalAssets), virtualAssets)
	return mulDiv(assets, supply, backing, rounding)
}

// convertAssets is the inverse of convertShares under the same padding.
func convertAssets(shares, totalShares, totalAssets *big.Int, rounding Rounding) *big.Int {
	supply := new(big.Int).Add(bigOrZero(totalShares), virtualShares)
	backing := new(big.Int).Add(bigOrZero(totalAssets), virtualAssets)
	return mulDiv(shares, backing, supply, rounding)
}

// feeSharesFor converts a fee denominated in assets into shares priced at the
// pre-fee totals: the fee assets are carved out of the backing before the
// division so the mint does not dilute itself.
func feeSharesFor(feeAssets, totalShares, totalAssets *big.Int) *big.Int {
	if feeAssets == nil || feeAssets.Sign() <= 0 {
		return big.NewInt(0)
	}
	backing := clampZero(new(big.Int).Sub(bigOrZero(totalAssets), feeAssets))
	return convertShares(feeAssets, totalShares, backing, RoundDown)
}

// unrealizedFeeShares reports the fee shares an accrual triggered now would
// mint. View conversions fold this into the effective supply so a quote taken
// before an accruing call matches the rate observed after it.
func (e *Engine) unrealizedFeeShares(vault *VaultState, total *big.Int) *big.Int {
	interest := new(big.Int).Sub(total, bigOrZero(vault.LastTotalAssets))
	if interest.Sign() <= 0 || vault.FeeBps == 0 {
		return big.NewInt(0)
	}
	return feeSharesFor(bpsOf(interest, vault.FeeBps), vault.TotalShares, total)
}

// accrue realises the performance fee accumulated since the last snapshot,
// minting fee shares to the fee recipient and re-anchoring LastTotalAssets.
// It never burns and never fails on zero interest. The post-accrual total is
// returned for downstream share pricing.
func (e *Engine) accrue(vault *VaultState, pos *LoopPosition, moduleAcc *types.Account, accs *accountSet) (*big.Int, error) {
	total := e.totalAssets(pos, moduleAcc)
	interest := new(big.Int).Sub(total, vault.LastTotalAssets)
	if interest.Sign() > 0 && vault.FeeBps > 0 {
		feeAssets := bpsOf(interest, vault.FeeBps)
		feeShares := feeSharesFor(feeAssets, vault.TotalShares, total)
		if feeShares.Sign() > 0 {
			// Governance guarantees a recipient whenever the rate is
			// non-zero; this is a belt check against corrupted state.
			if vault.FeeRecipient == (common.Address{}) {
				return nil, errNoFeeRecipient
			}
			recipientAcc, err := accs.get(vault.FeeRecipient)
			if err != nil {
				return nil, err
			}
			recipientAcc.BalanceShares = new(big.Int).Add(recipientAcc.BalanceShares, feeShares)
			vault.TotalShares = new(big.Int).Add(vault.TotalShares, feeShares)
			e.emit(events.VaultFeeAccrued{Recipient: vault.FeeRecipient, Interest: interest, FeeShares: feeShares})
		}
	}
	vault.LastTotalAssets = total
	return total, nil
}

// TotalAssets reports the current base-asset valuation of the vault.
func (e *Engine) TotalAssets() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, err := e.loadPosition()
	if err != nil {
		return nil, err
	}
	moduleAcc, err := e.viewAccount(e.moduleAddr)
	if err != nil {
		return nil, err
	}
	return e.totalAssets(pos, moduleAcc), nil
}

// ConvertToShares quotes the share amount a base-asset value corresponds to,
// including the fee shares an accrual triggered now would mint.
func (e *Engine) ConvertToShares(assets *big.Int, rounding Rounding) (*big.Int, error) {
	supply, total, err := e.effectiveTotals()
	if err != nil {
		return nil, err
	}
	return convertShares(bigOrZero(assets), supply, total, rounding), nil
}

// ConvertToAssets quotes the base-asset value of a share amount under the
// same fee-adjusted totals as ConvertToShares.
func (e *Engine) ConvertToAssets(shares *big.Int, rounding Rounding) (*big.Int, error) {
	supply, total, err := e.effectiveTotals()
	if err != nil {
		return nil, err
	}
	return convertAssets(bigOrZero(shares), supply, total, rounding), nil
}

// PreviewDeposit quotes the shares minted for a deposit of the given size.
func (e *Engine) PreviewDeposit(assets *big.Int) (*big.Int, error) {
	return e.ConvertToShares(assets, RoundDown)
}

// PreviewWithdraw quotes the shares burned for a withdrawal of the given
// size. Rounding favours the vault.
func (e *Engine) PreviewWithdraw(assets *big.Int) (*big.Int, error) {
	return e.ConvertToShares(assets, RoundUp)
}

// effectiveTotals loads the vault and folds unrealized fee shares into the
// effective share supply so view math matches the next accruing call.
func (e *Engine) effectiveTotals() (*big.Int, *big.Int, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	vault, err := e.loadVault()
	if err != nil {
		return nil, nil, err
	}
	pos, err := e.loadPosition()
	if err != nil {
		return nil, nil, err
	}
	moduleAcc, err := e.viewAccount(e.moduleAddr)
	if err != nil {
		return nil, nil, err
	}
	total := e.totalAssets(pos, moduleAcc)
	supply := new(big.Int).Add(vault.TotalShares, e.unrealizedFeeShares(vault, total))
	return supply, total, nil
}

// viewAccount loads an account without entering it into a write set.
func (e *Engine) viewAccount(addr common.Address) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = &types.Account{}
	}
	acc.Normalize()
	return acc, nil
}

// VaultSnapshot returns a copy of the governance/accounting state for query
// surfaces.
func (e *Engine) VaultSnapshot() (*VaultState, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadVault()
}

// PositionSnapshot returns a copy of the loop position for query surfaces.
func (e *Engine) PositionSnapshot() (*LoopPosition, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadPosition()
}

// AccountSnapshot returns a copy of one account's holdings.
func (e *Engine) AccountSnapshot(addr common.Address) (*types.Account, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewAccount(addr)
}
