package vault

import (
	"math/big"

	"loopvault/core/events"
	"loopvault/core/types"
)

// buildLoop deploys the module account's idle base balance into the recursive
// leverage position. The pass borrows, stakes and re-posts collateral until
// the target leverage is reached, the iteration budget is spent, venue
// capacity runs out, or the venue safety ratio crosses the configured floor.
// The safety stop is hard: the pass breaks immediately and is never retried
// within the same call.
func (e *Engine) buildLoop(vault *VaultState, pos *LoopPosition, moduleAcc *types.Account) error {
	if e.primary == nil {
		return errNilVenue
	}
	if e.staker == nil {
		return errNilStaker
	}
	params := vault.Strategy

	idle := moduleAcc.BalanceBase
	if idle.Sign() > 0 {
		if err := e.primary.SupplyCollateral(AssetBase, idle, e.moduleAddr); err != nil {
			return err
		}
		pos.Primary.CollateralBase = new(big.Int).Add(pos.Primary.CollateralBase, idle)
		moduleAcc.BalanceBase = big.NewInt(0)
	}

	if params.TargetLeverageBps <= uint64(basisPoints.Int64()) || params.MaxIterations == 0 {
		return nil
	}

	// Target debt in base units: equity * (leverage - 1). Equity here is the
	// base collateral actually posted; receipt legs are funded by debt and
	// net out of the target.
	equity := pos.Primary.CollateralBase
	targetDebtValue := bpsOf(equity, params.TargetLeverageBps-uint64(basisPoints.Int64()))
	currentDebtValue := e.valueInBase(pos.TotalBorrowed, AssetBorrowed)
	remainingValue := new(big.Int).Sub(targetDebtValue, currentDebtValue)
	if remainingValue.Sign() <= 0 {
		return nil
	}

	baseToBorrowed := e.rate(AssetBase, AssetBorrowed)
	if baseToBorrowed.Sign() == 0 {
		// Oracle silent: stay flat rather than size a borrow blind.
		return nil
	}
	remaining := wadMul(remainingValue, baseToBorrowed)

	dual := e.secondary != nil
	floor := params.MinHealthFactor

	for i := uint64(0); i < params.MaxIterations && remaining.Sign() > 0; i++ {
		risk, err := e.primary.AccountRisk(e.moduleAddr)
		if err != nil {
			return err
		}
		if belowFloor(risk.SafetyRatio, floor) {
			break
		}
		if dual {
			risk2, err := e.secondary.AccountRisk(e.moduleAddr)
			if err != nil {
				return err
			}
			if belowFloor(risk2.SafetyRatio, floor) {
				break
			}
		}

		progressed := big.NewInt(0)

		// Primary venue step. In the dual-venue variant only part of the
		// remaining need is drawn here, reserving headroom for the second
		// venue's draw.
		want := remaining
		if dual {
			want = bpsOf(remaining, params.VenueSplitBps)
			if want.Sign() == 0 {
				want = remaining
			}
		}
		step := minBig(risk.AvailableBorrow, want, remaining)
		if step.Sign() > 0 {
			got, err := e.primary.Borrow(AssetBorrowed, step, e.moduleAddr)
			if err != nil {
				return err
			}
			got = bigOrZero(got)
			moduleAcc.BalanceBorrowed = new(big.Int).Add(moduleAcc.BalanceBorrowed, got)
			pos.Primary.Debt = new(big.Int).Add(pos.Primary.Debt, got)
			pos.TotalBorrowed = new(big.Int).Add(pos.TotalBorrowed, got)

			receipt, err := e.stake(moduleAcc, got)
			if err != nil {
				return err
			}
			if dual {
				if err := e.postReceipt(e.secondary, &pos.Secondary, pos, moduleAcc, receipt); err != nil {
					return err
				}
			} else {
				if err := e.postReceipt(e.primary, &pos.Primary, pos, moduleAcc, receipt); err != nil {
					return err
				}
			}
			remaining = clampZero(new(big.Int).Sub(remaining, got))
			progressed.Add(progressed, got)
		}

		// Secondary venue step: the freshly posted receipt backs a second
		// borrow, whose receipt lands back on the primary venue.
		if dual && remaining.Sign() > 0 {
			risk2, err := e.secondary.AccountRisk(e.moduleAddr)
			if err != nil {
				return err
			}
			if belowFloor(risk2.SafetyRatio, floor) {
				break
			}
			step2 := minBig(risk2.AvailableBorrow, remaining)
			if step2.Sign() > 0 {
				got2, err := e.secondary.Borrow(AssetBorrowed, step2, e.moduleAddr)
				if err != nil {
					return err
				}
				got2 = bigOrZero(got2)
				moduleAcc.BalanceBorrowed = new(big.Int).Add(moduleAcc.BalanceBorrowed, got2)
				pos.Secondary.Debt = new(big.Int).Add(pos.Secondary.Debt, got2)
				pos.TotalBorrowed = new(big.Int).Add(pos.TotalBorrowed, got2)

				receipt2, err := e.stake(moduleAcc, got2)
				if err != nil {
					return err
				}
				if err := e.postReceipt(e.primary, &pos.Primary, pos, moduleAcc, receipt2); err != nil {
					return err
				}
				remaining = clampZero(new(big.Int).Sub(remaining, got2))
				progressed.Add(progressed, got2)
			}
		}

		if progressed.Sign() == 0 {
			// No venue had capacity left; iterating further cannot help.
			break
		}
		pos.Iterations++
	}

	e.emit(events.LoopBuilt{
		Iterations:    pos.Iterations,
		TotalBorrowed: new(big.Int).Set(pos.TotalBorrowed),
		TotalReceipt:  new(big.Int).Set(pos.TotalReceipt),
	})
	return nil
}

// stake converts loose borrowed balance into the receipt asset.
func (e *Engine) stake(moduleAcc *types.Account, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	receipt, err := e.staker.Convert(amount)
	if err != nil {
		return nil, err
	}
	receipt = bigOrZero(receipt)
	moduleAcc.BalanceBorrowed = new(big.Int).Sub(moduleAcc.BalanceBorrowed, amount)
	moduleAcc.BalanceReceipt = new(big.Int).Add(moduleAcc.BalanceReceipt, receipt)
	return receipt, nil
}

// postReceipt moves loose receipt balance into venue collateral.
func (e *Engine) postReceipt(venue CreditVenue, leg *VenueLeg, pos *LoopPosition, moduleAcc *types.Account, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	if err := venue.SupplyCollateral(AssetReceipt, amount, e.moduleAddr); err != nil {
		return err
	}
	moduleAcc.BalanceReceipt = new(big.Int).Sub(moduleAcc.BalanceReceipt, amount)
	leg.CollateralReceipt = new(big.Int).Add(leg.CollateralReceipt, amount)
	pos.TotalReceipt = new(big.Int).Add(pos.TotalReceipt, amount)
	return nil
}

// netPositionValue is the base-denominated value a full unwind would release
// from the receipt and debt legs: receipt value minus debt value. Base
// collateral is excluded; it is released on top of this figure.
func (e *Engine) netPositionValue(pos *LoopPosition) *big.Int {
	receipts := new(big.Int).Add(bigOrZero(pos.Primary.CollateralReceipt), bigOrZero(pos.Secondary.CollateralReceipt))
	debt := new(big.Int).Add(bigOrZero(pos.Primary.Debt), bigOrZero(pos.Secondary.Debt))
	net := e.valueInBase(receipts, AssetReceipt)
	net.Sub(net, e.valueInBase(debt, AssetBorrowed))
	return clampZero(net)
}

// unwind releases at least `needed` base units of idle balance from the loop
// position, proportionally when possible, fully when the net position cannot
// cover the request. A withdrawal must never be silently shorted.
func (e *Engine) unwind(pos *LoopPosition, moduleAcc *types.Account, needed *big.Int) error {
	if pos.IsFlat() && pos.Primary.IsFlat() && pos.Secondary.IsFlat() {
		return nil
	}
	idleBefore := new(big.Int).Set(moduleAcc.BalanceBase)

	net := e.netPositionValue(pos)
	ratioBps := uint64(basisPoints.Int64())
	if net.Cmp(needed) <= 0 {
		if err := e.unwindAll(pos, moduleAcc); err != nil {
			return err
		}
	} else {
		ratio := mulDiv(needed, wad, net, RoundUp)
		threshold := bpsOf(wad, fullUnwindThresholdBps)
		if ratio.Cmp(threshold) >= 0 {
			if err := e.unwindAll(pos, moduleAcc); err != nil {
				return err
			}
		} else {
			if err := e.unwindPartial(pos, moduleAcc, ratio); err != nil {
				return err
			}
			ratioBps = mulDiv(ratio, basisPoints, wad, RoundUp).Uint64()
		}
	}

	released := new(big.Int).Sub(moduleAcc.BalanceBase, idleBefore)
	e.emit(events.LoopUnwound{
		RatioBps:      ratioBps,
		Released:      released,
		TotalBorrowed: new(big.Int).Set(pos.TotalBorrowed),
		TotalReceipt:  new(big.Int).Set(pos.TotalReceipt),
	})
	return nil
}

// unwindAll reverses every leg, innermost venue first, and resets the
// aggregate trackers to zero.
func (e *Engine) unwindAll(pos *LoopPosition, moduleAcc *types.Account) error {
	if e.primary == nil {
		return errNilVenue
	}
	if e.secondary != nil {
		if err := e.unwindLeg(e.secondary, &pos.Secondary, pos, moduleAcc,
			bigOrZero(pos.Secondary.Debt), bigOrZero(pos.Secondary.CollateralReceipt), bigOrZero(pos.Secondary.CollateralBase)); err != nil {
			return err
		}
	}
	if err := e.unwindLeg(e.primary, &pos.Primary, pos, moduleAcc,
		bigOrZero(pos.Primary.Debt), bigOrZero(pos.Primary.CollateralReceipt), bigOrZero(pos.Primary.CollateralBase)); err != nil {
		return err
	}
	if err := e.settleLoose(moduleAcc); err != nil {
		return err
	}
	// An uncleared bridge leaves real venue debt behind; only a genuinely
	// flat position resets the trackers.
	if bigOrZero(pos.TotalBorrowed).Sign() == 0 && pos.Primary.IsFlat() && pos.Secondary.IsFlat() {
		pos.reset()
	}
	return nil
}

// unwindPartial scales every collateral and debt leg by the WAD ratio,
// releasing the corresponding proportion of assets. Debt scaling rounds up so
// the retained position is never under-collateralised by rounding.
func (e *Engine) unwindPartial(pos *LoopPosition, moduleAcc *types.Account, ratio *big.Int) error {
	if e.primary == nil {
		return errNilVenue
	}
	legs := []struct {
		venue CreditVenue
		leg   *VenueLeg
	}{
		{e.secondary, &pos.Secondary},
		{e.primary, &pos.Primary},
	}
	for _, entry := range legs {
		if entry.venue == nil {
			continue
		}
		repay := mulDiv(entry.leg.Debt, ratio, wad, RoundUp)
		receiptOut := mulDiv(entry.leg.CollateralReceipt, ratio, wad, RoundDown)
		baseOut := mulDiv(entry.leg.CollateralBase, ratio, wad, RoundDown)
		if err := e.unwindLeg(entry.venue, entry.leg, pos, moduleAcc, repay, receiptOut, baseOut); err != nil {
			return err
		}
	}
	return e.settleLoose(moduleAcc)
}

// unwindLeg repays a portion of a venue's debt and withdraws the matching
// collateral. When the loose borrowed balance cannot cover the repayment, a
// short-lived bridging borrow is drawn from the primary venue and cleared
// before the leg completes; this is the one sanctioned exposure expansion
// during an unwind.
func (e *Engine) unwindLeg(venue CreditVenue, leg *VenueLeg, pos *LoopPosition, moduleAcc *types.Account, repay, receiptOut, baseOut *big.Int) error {
	bridge := big.NewInt(0)
	if repay.Sign() > 0 {
		short := new(big.Int).Sub(repay, moduleAcc.BalanceBorrowed)
		if short.Sign() > 0 {
			got, err := e.primary.Borrow(AssetBorrowed, short, e.moduleAddr)
			if err != nil {
				return err
			}
			bridge = bigOrZero(got)
			moduleAcc.BalanceBorrowed = new(big.Int).Add(moduleAcc.BalanceBorrowed, bridge)
		}
		toRepay := minBig(repay, moduleAcc.BalanceBorrowed)
		repaid, err := venue.Repay(AssetBorrowed, toRepay, e.moduleAddr)
		if err != nil {
			return err
		}
		repaid = bigOrZero(repaid)
		moduleAcc.BalanceBorrowed = clampZero(new(big.Int).Sub(moduleAcc.BalanceBorrowed, repaid))
		leg.Debt = clampZero(new(big.Int).Sub(leg.Debt, repaid))
		pos.TotalBorrowed = clampZero(new(big.Int).Sub(pos.TotalBorrowed, repaid))
	}

	if receiptOut.Sign() > 0 {
		got, err := venue.WithdrawCollateral(AssetReceipt, receiptOut, e.moduleAddr)
		if err != nil {
			return err
		}
		got = bigOrZero(got)
		moduleAcc.BalanceReceipt = new(big.Int).Add(moduleAcc.BalanceReceipt, got)
		leg.CollateralReceipt = clampZero(new(big.Int).Sub(leg.CollateralReceipt, got))
		pos.TotalReceipt = clampZero(new(big.Int).Sub(pos.TotalReceipt, got))
	}

	if baseOut.Sign() > 0 {
		got, err := venue.WithdrawCollateral(AssetBase, baseOut, e.moduleAddr)
		if err != nil {
			return err
		}
		got = bigOrZero(got)
		moduleAcc.BalanceBase = new(big.Int).Add(moduleAcc.BalanceBase, got)
		leg.CollateralBase = clampZero(new(big.Int).Sub(leg.CollateralBase, got))
	}

	if bridge.Sign() > 0 {
		// Cover the bridge from the freed receipt, then clear it.
		shortfall := new(big.Int).Sub(bridge, moduleAcc.BalanceBorrowed)
		if shortfall.Sign() > 0 {
			e.redeemFor(moduleAcc, AssetReceipt, AssetBorrowed, shortfall)
		}
		toRepay := minBig(bridge, moduleAcc.BalanceBorrowed)
		repaid, err := e.primary.Repay(AssetBorrowed, toRepay, e.moduleAddr)
		if err != nil {
			return err
		}
		repaid = bigOrZero(repaid)
		moduleAcc.BalanceBorrowed = clampZero(new(big.Int).Sub(moduleAcc.BalanceBorrowed, repaid))

		// A bridge the redeem could not cover (zero oracle rate, thin loose
		// balance) is real primary-venue debt and stays on the trackers.
		remainder := clampZero(new(big.Int).Sub(bridge, repaid))
		if remainder.Sign() > 0 {
			pos.Primary.Debt = new(big.Int).Add(pos.Primary.Debt, remainder)
			pos.TotalBorrowed = new(big.Int).Add(pos.TotalBorrowed, remainder)
		}
	}
	return nil
}

// settleLoose converts loose receipt and borrowed balances back into the base
// asset so the released value is withdrawable. Zero oracle rates leave the
// balances in place as skimmable residue.
func (e *Engine) settleLoose(moduleAcc *types.Account) error {
	e.redeemAll(moduleAcc, AssetReceipt, AssetBase)
	e.redeemAll(moduleAcc, AssetBorrowed, AssetBase)
	return nil
}

// redeemAll exchanges the entire loose balance of one asset into another at
// the oracle rate. It models routing freed collateral through the external
// exchange; with a zero rate nothing moves.
func (e *Engine) redeemAll(moduleAcc *types.Account, from, to Asset) *big.Int {
	balance := looseBalance(moduleAcc, from)
	if balance == nil {
		return big.NewInt(0)
	}
	return e.exchange(moduleAcc, from, to, new(big.Int).Set(*balance))
}

// redeemFor exchanges just enough of a loose balance to obtain `target` units
// of the destination asset, rounding the consumed amount up. The exchange is
// capped by the available balance; the credited amount is returned.
func (e *Engine) redeemFor(moduleAcc *types.Account, from, to Asset, target *big.Int) *big.Int {
	if target == nil || target.Sign() <= 0 {
		return big.NewInt(0)
	}
	rate := e.rate(from, to)
	if rate.Sign() == 0 {
		return big.NewInt(0)
	}
	balance := looseBalance(moduleAcc, from)
	if balance == nil {
		return big.NewInt(0)
	}
	consume := minBig(mulDiv(target, wad, rate, RoundUp), *balance)
	return e.exchange(moduleAcc, from, to, consume)
}

// exchange moves `consume` units of a loose balance into the destination
// asset at the oracle rate.
func (e *Engine) exchange(moduleAcc *types.Account, from, to Asset, consume *big.Int) *big.Int {
	if consume == nil || consume.Sign() <= 0 {
		return big.NewInt(0)
	}
	rate := e.rate(from, to)
	if rate.Sign() == 0 {
		return big.NewInt(0)
	}
	source := looseBalance(moduleAcc, from)
	dest := looseBalance(moduleAcc, to)
	if source == nil || dest == nil || (*source).Cmp(consume) < 0 {
		return big.NewInt(0)
	}
	credited := wadMul(consume, rate)
	if credited.Sign() <= 0 {
		return big.NewInt(0)
	}
	*source = new(big.Int).Sub(*source, consume)
	*dest = new(big.Int).Add(*dest, credited)
	return credited
}

func looseBalance(acc *types.Account, asset Asset) **big.Int {
	switch asset {
	case AssetBase:
		return &acc.BalanceBase
	case AssetBorrowed:
		return &acc.BalanceBorrowed
	case AssetReceipt:
		return &acc.BalanceReceipt
	default:
		return nil
	}
}

func belowFloor(ratio, floor *big.Int) bool {
	if floor == nil || floor.Sign() == 0 {
		return false
	}
	if ratio == nil {
		return true
	}
	return ratio.Cmp(floor) < 0
}
