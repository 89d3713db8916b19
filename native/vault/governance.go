package vault

import (
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"loopvault/core/events"
)

// Governed parameter identifiers used in events.
const (
	paramTimelock       = "timelock"
	paramGuardian       = "guardian"
	paramDepositCeiling = "depositCeiling"
)

// SubmitTimelock proposes a new governance delay. Raising the delay tightens
// the safety margin and applies immediately; lowering it waits out the current
// delay. Owner only.
func (e *Engine) SubmitTimelock(caller common.Address, seconds uint64) error {
	return e.withVault(func(vault *VaultState) error {
		if !vault.isOwner(caller) {
			return ErrUnauthorized
		}
		if seconds < MinTimelockSeconds || seconds > MaxTimelockSeconds {
			return errTimelockBounds
		}
		immediate := seconds > vault.TimelockSeconds.Value
		delay := vault.Timelock()
		now := e.now()
		if err := submitTimelocked(&vault.TimelockSeconds, seconds, now, delay, func(a, b uint64) bool { return a == b }, immediate); err != nil {
			return err
		}
		e.emitSubmitted(paramTimelock, formatUint(seconds), &vault.TimelockSeconds.ValidAt, immediate)
		return nil
	})
}

// AcceptTimelock applies a pending delay change once its wait has elapsed.
// Callable by anyone; the timelock itself is the authorization.
func (e *Engine) AcceptTimelock(common.Address) error {
	return e.withVault(func(vault *VaultState) error {
		value, err := acceptTimelocked(&vault.TimelockSeconds, e.now())
		if err != nil {
			return err
		}
		e.emit(events.GovernanceAccepted{Parameter: paramTimelock, Value: formatUint(value)})
		return nil
	})
}

// RevokeTimelock discards a pending delay change. Guardian or owner.
func (e *Engine) RevokeTimelock(caller common.Address) error {
	return e.withVault(func(vault *VaultState) error {
		if !vault.isGuardian(caller) {
			return ErrUnauthorized
		}
		if err := revokeTimelocked(&vault.TimelockSeconds); err != nil {
			return err
		}
		e.emit(events.GovernanceRevoked{Parameter: paramTimelock, Caller: caller})
		return nil
	})
}

// SubmitGuardian proposes a new guardian. Installing a guardian where none
// exists adds oversight and applies immediately; replacing or removing one is
// timelocked. Owner only.
func (e *Engine) SubmitGuardian(caller, guardian common.Address) error {
	return e.withVault(func(vault *VaultState) error {
		if !vault.isOwner(caller) {
			return ErrUnauthorized
		}
		immediate := vault.Guardian.Value == (common.Address{}) && guardian != (common.Address{})
		if err := submitTimelocked(&vault.Guardian, guardian, e.now(), vault.Timelock(), func(a, b common.Address) bool { return a == b }, immediate); err != nil {
			return err
		}
		e.emitSubmitted(paramGuardian, guardian.Hex(), &vault.Guardian.ValidAt, immediate)
		return nil
	})
}

// AcceptGuardian applies a pending guardian change once its wait has elapsed.
func (e *Engine) AcceptGuardian(common.Address) error {
	return e.withVault(func(vault *VaultState) error {
		value, err := acceptTimelocked(&vault.Guardian, e.now())
		if err != nil {
			return err
		}
		e.emit(events.GovernanceAccepted{Parameter: paramGuardian, Value: value.Hex()})
		return nil
	})
}

// RevokeGuardianChange discards a pending guardian change. Guardian or owner.
func (e *Engine) RevokeGuardianChange(caller common.Address) error {
	return e.withVault(func(vault *VaultState) error {
		if !vault.isGuardian(caller) {
			return ErrUnauthorized
		}
		if err := revokeTimelocked(&vault.Guardian); err != nil {
			return err
		}
		e.emit(events.GovernanceRevoked{Parameter: paramGuardian, Caller: caller})
		return nil
	})
}

// SubmitDepositCeiling proposes a new deposit ceiling. Zero means unlimited.
// Lowering the ceiling restricts inflow and applies immediately; raising it
// (including lifting it entirely) is timelocked. Curator or owner.
func (e *Engine) SubmitDepositCeiling(caller common.Address, ceiling *big.Int) error {
	return e.withVault(func(vault *VaultState) error {
		if !vault.isCurator(caller) {
			return ErrUnauthorized
		}
		next := new(big.Int).Set(bigOrZero(ceiling))
		immediate := ceilingTightens(vault.DepositCeiling.Value, next)
		equal := func(a, b *big.Int) bool { return bigOrZero(a).Cmp(bigOrZero(b)) == 0 }
		if err := submitTimelocked(&vault.DepositCeiling, next, e.now(), vault.Timelock(), equal, immediate); err != nil {
			return err
		}
		e.emitSubmitted(paramDepositCeiling, next.String(), &vault.DepositCeiling.ValidAt, immediate)
		return nil
	})
}

// AcceptDepositCeiling applies a pending ceiling change once its wait has
// elapsed.
func (e *Engine) AcceptDepositCeiling(common.Address) error {
	return e.withVault(func(vault *VaultState) error {
		value, err := acceptTimelocked(&vault.DepositCeiling, e.now())
		if err != nil {
			return err
		}
		e.emit(events.GovernanceAccepted{Parameter: paramDepositCeiling, Value: bigOrZero(value).String()})
		return nil
	})
}

// RevokeDepositCeiling discards a pending ceiling change. Guardian or owner.
func (e *Engine) RevokeDepositCeiling(caller common.Address) error {
	return e.withVault(func(vault *VaultState) error {
		if !vault.isGuardian(caller) {
			return ErrUnauthorized
		}
		if err := revokeTimelocked(&vault.DepositCeiling); err != nil {
			return err
		}
		e.emit(events.GovernanceRevoked{Parameter: paramDepositCeiling, Caller: caller})
		return nil
	})
}

// SetOwner transfers ownership. Owner only; the zero address is rejected so
// the vault cannot be orphaned.
func (e *Engine) SetOwner(caller, owner common.Address) error {
	return e.withVault(func(vault *VaultState) error {
		if !vault.isOwner(caller) {
			return ErrUnauthorized
		}
		if owner == (common.Address{}) {
			return errZeroAddress
		}
		vault.Owner = owner
		e.emit(events.GovernanceRoleUpdated{Role: "owner", Address: owner, Enabled: true})
		return nil
	})
}

// SetCurator assigns the curator role, effective immediately. Owner only.
func (e *Engine) SetCurator(caller, curator common.Address) error {
	return e.withVault(func(vault *VaultState) error {
		if !vault.isOwner(caller) {
			return ErrUnauthorized
		}
		vault.Curator = curator
		e.emit(events.GovernanceRoleUpdated{Role: "curator", Address: curator, Enabled: curator != (common.Address{})})
		return nil
	})
}

// SetAllocator grants or revokes the allocator role, effective immediately.
// Owner only.
func (e *Engine) SetAllocator(caller, allocator common.Address, enabled bool) error {
	return e.withVault(func(vault *VaultState) error {
		if !vault.isOwner(caller) {
			return ErrUnauthorized
		}
		if allocator == (common.Address{}) {
			return errZeroAddress
		}
		if enabled {
			vault.Allocators[allocator] = true
		} else {
			delete(vault.Allocators, allocator)
		}
		e.emit(events.GovernanceRoleUpdated{Role: "allocator", Address: allocator, Enabled: enabled})
		return nil
	})
}

// SetFeeRecipient updates the performance fee recipient. Pending interest is
// accrued to the sitting recipient first so earned fees never migrate with the
// role. The recipient cannot be cleared while a non-zero fee rate is active.
// Owner only.
func (e *Engine) SetFeeRecipient(caller, recipient common.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	vault, err := e.loadVault()
	if err != nil {
		return err
	}
	if !vault.isOwner(caller) {
		return ErrUnauthorized
	}
	if recipient == (common.Address{}) && vault.FeeBps > 0 {
		return errNoFeeRecipient
	}

	pos, err := e.loadPosition()
	if err != nil {
		return err
	}
	accs := newAccountSet(e.state)
	moduleAcc, err := accs.get(e.moduleAddr)
	if err != nil {
		return err
	}
	if _, err := e.accrue(vault, pos, moduleAcc, accs); err != nil {
		return err
	}

	vault.FeeRecipient = recipient
	if err := e.commit(vault, pos, accs); err != nil {
		return err
	}
	e.emit(events.GovernanceFeeUpdated{FeeBps: vault.FeeBps, Recipient: recipient})
	return nil
}

// SetSkimRecipient updates the destination for skimmed residue. Owner only.
func (e *Engine) SetSkimRecipient(caller, recipient common.Address) error {
	return e.withVault(func(vault *VaultState) error {
		if !vault.isOwner(caller) {
			return ErrUnauthorized
		}
		vault.SkimRecipient = recipient
		e.emit(events.GovernanceRoleUpdated{Role: "skimRecipient", Address: recipient, Enabled: recipient != (common.Address{})})
		return nil
	})
}

// SetFeeRate updates the performance fee. Pending interest is accrued at the
// old rate first so the change never reprices history. Owner only.
func (e *Engine) SetFeeRate(caller common.Address, feeBps uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	vault, err := e.loadVault()
	if err != nil {
		return err
	}
	if !vault.isOwner(caller) {
		return ErrUnauthorized
	}
	if feeBps > MaxFeeBps {
		return errFeeAboveCeiling
	}
	if feeBps > 0 && vault.FeeRecipient == (common.Address{}) {
		return errNoFeeRecipient
	}
	if feeBps == vault.FeeBps {
		return errAlreadySet
	}

	pos, err := e.loadPosition()
	if err != nil {
		return err
	}
	accs := newAccountSet(e.state)
	moduleAcc, err := accs.get(e.moduleAddr)
	if err != nil {
		return err
	}
	if _, err := e.accrue(vault, pos, moduleAcc, accs); err != nil {
		return err
	}

	vault.FeeBps = feeBps
	if err := e.commit(vault, pos, accs); err != nil {
		return err
	}
	e.emit(events.GovernanceFeeUpdated{FeeBps: feeBps, Recipient: vault.FeeRecipient})
	return nil
}

// SetStrategyParams replaces the loop strategy knobs, effective on the next
// build pass. Curator or owner.
func (e *Engine) SetStrategyParams(caller common.Address, params StrategyParams) error {
	return e.withVault(func(vault *VaultState) error {
		if !vault.isCurator(caller) {
			return ErrUnauthorized
		}
		if params.TargetLeverageBps < uint64(basisPoints.Int64()) || params.TargetLeverageBps > MaxLeverageBps {
			return errLeverageBounds
		}
		if params.MaxIterations == 0 || params.MaxIterations > MaxLoopIterations {
			return errIterationBounds
		}
		if params.VenueSplitBps > uint64(basisPoints.Int64()) {
			return errSplitBounds
		}
		if params.MinHealthFactor == nil || params.MinHealthFactor.Cmp(wad) < 0 {
			return errHealthBounds
		}
		vault.Strategy = params.Clone()
		e.emit(events.StrategyParamsUpdated{
			TargetLeverageBps: params.TargetLeverageBps,
			MaxIterations:     params.MaxIterations,
			VenueSplitBps:     params.VenueSplitBps,
		})
		return nil
	})
}

// withVault runs a governance mutation against the loaded vault state and
// persists it when the mutation succeeds.
func (e *Engine) withVault(fn func(*VaultState) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	vault, err := e.loadVault()
	if err != nil {
		return err
	}
	if err := fn(vault); err != nil {
		return err
	}
	return e.state.PutVault(vault)
}

// ceilingTightens reports whether moving from current to next restricts
// inflow. A zero ceiling means unlimited, so any non-zero value tightens it
// and clearing it never does.
func ceilingTightens(current, next *big.Int) bool {
	if bigOrZero(next).Sign() == 0 {
		return false
	}
	if bigOrZero(current).Sign() == 0 {
		return true
	}
	return next.Cmp(current) < 0
}

func (e *Engine) emitSubmitted(parameter, value string, validAt *time.Time, immediate bool) {
	evt := events.GovernanceSubmitted{Parameter: parameter, Value: value, Immediate: immediate}
	if validAt != nil && !validAt.IsZero() {
		evt.ValidAt = validAt.Unix()
	}
	e.emit(evt)
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
