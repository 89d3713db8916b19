package events

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"loopvault/core/types"
)

const (
	TypeVaultDeposited        = "vault.deposited"
	TypeVaultWithdrawn        = "vault.withdrawn"
	TypeVaultFeeAccrued       = "vault.fee_accrued"
	TypeVaultSkimmed          = "vault.skimmed"
	TypeLoopBuilt             = "vault.loop_built"
	TypeLoopUnwound           = "vault.loop_unwound"
	TypeEmergencyUnwound      = "vault.emergency_unwound"
	TypeGovernanceSubmitted   = "vault.gov.submitted"
	TypeGovernanceAccepted    = "vault.gov.accepted"
	TypeGovernanceRevoked     = "vault.gov.revoked"
	TypeGovernanceRoleUpdated = "vault.gov.role_updated"
	TypeGovernanceFeeUpdated  = "vault.gov.fee_updated"
	TypeStrategyParamsUpdated = "vault.gov.strategy_updated"
)

// VaultDeposited is emitted after a deposit mints shares and the loop build
// completes.
type VaultDeposited struct {
	Sender   common.Address
	Receiver common.Address
	Assets   *big.Int
	Shares   *big.Int
}

func (VaultDeposited) EventType() string { return TypeVaultDeposited }

func (e VaultDeposited) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultDeposited,
		Attributes: map[string]string{
			"sender":   e.Sender.Hex(),
			"receiver": e.Receiver.Hex(),
			"assets":   formatAmount(e.Assets),
			"shares":   formatAmount(e.Shares),
		},
	}
}

// VaultWithdrawn is emitted after a withdrawal burns shares and pays out the
// base asset.
type VaultWithdrawn struct {
	Caller   common.Address
	Receiver common.Address
	Owner    common.Address
	Assets   *big.Int
	Shares   *big.Int
}

func (VaultWithdrawn) EventType() string { return TypeVaultWithdrawn }

func (e VaultWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultWithdrawn,
		Attributes: map[string]string{
			"caller":   e.Caller.Hex(),
			"receiver": e.Receiver.Hex(),
			"owner":    e.Owner.Hex(),
			"assets":   formatAmount(e.Assets),
			"shares":   formatAmount(e.Shares),
		},
	}
}

// VaultFeeAccrued records performance fee shares minted to the fee recipient.
type VaultFeeAccrued struct {
	Recipient common.Address
	Interest  *big.Int
	FeeShares *big.Int
}

func (VaultFeeAccrued) EventType() string { return TypeVaultFeeAccrued }

func (e VaultFeeAccrued) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultFeeAccrued,
		Attributes: map[string]string{
			"recipient": e.Recipient.Hex(),
			"interest":  formatAmount(e.Interest),
			"feeShares": formatAmount(e.FeeShares),
		},
	}
}

// VaultSkimmed records a sweep of non-core balances to the skim recipient.
type VaultSkimmed struct {
	Caller    common.Address
	Recipient common.Address
	Asset     string
	Amount    *big.Int
}

func (VaultSkimmed) EventType() string { return TypeVaultSkimmed }

func (e VaultSkimmed) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultSkimmed,
		Attributes: map[string]string{
			"caller":    e.Caller.Hex(),
			"recipient": e.Recipient.Hex(),
			"asset":     e.Asset,
			"amount":    formatAmount(e.Amount),
		},
	}
}

// LoopBuilt summarises a leverage build pass.
type LoopBuilt struct {
	Iterations    uint64
	TotalBorrowed *big.Int
	TotalReceipt  *big.Int
}

func (LoopBuilt) EventType() string { return TypeLoopBuilt }

func (e LoopBuilt) Event() *types.Event {
	return &types.Event{
		Type: TypeLoopBuilt,
		Attributes: map[string]string{
			"iterations":    strconv.FormatUint(e.Iterations, 10),
			"totalBorrowed": formatAmount(e.TotalBorrowed),
			"totalReceipt":  formatAmount(e.TotalReceipt),
		},
	}
}

// LoopUnwound summarises an unwind pass. Ratio is expressed in basis points
// where 10000 means a full unwind.
type LoopUnwound struct {
	RatioBps      uint64
	Released      *big.Int
	TotalBorrowed *big.Int
	TotalReceipt  *big.Int
}

func (LoopUnwound) EventType() string { return TypeLoopUnwound }

func (e LoopUnwound) Event() *types.Event {
	return &types.Event{
		Type: TypeLoopUnwound,
		Attributes: map[string]string{
			"ratioBps":      strconv.FormatUint(e.RatioBps, 10),
			"released":      formatAmount(e.Released),
			"totalBorrowed": formatAmount(e.TotalBorrowed),
			"totalReceipt":  formatAmount(e.TotalReceipt),
		},
	}
}

// EmergencyUnwound is emitted when the guardian or owner forces a full unwind.
type EmergencyUnwound struct {
	Caller   common.Address
	Released *big.Int
}

func (EmergencyUnwound) EventType() string { return TypeEmergencyUnwound }

func (e EmergencyUnwound) Event() *types.Event {
	return &types.Event{
		Type: TypeEmergencyUnwound,
		Attributes: map[string]string{
			"caller":   e.Caller.Hex(),
			"released": formatAmount(e.Released),
		},
	}
}

// GovernanceSubmitted records a pending timelocked parameter change.
type GovernanceSubmitted struct {
	Parameter string
	Value     string
	ValidAt   int64
	Immediate bool
}

func (GovernanceSubmitted) EventType() string { return TypeGovernanceSubmitted }

func (e GovernanceSubmitted) Event() *types.Event {
	return &types.Event{
		Type: TypeGovernanceSubmitted,
		Attributes: map[string]string{
			"parameter": e.Parameter,
			"value":     e.Value,
			"validAt":   strconv.FormatInt(e.ValidAt, 10),
			"immediate": strconv.FormatBool(e.Immediate),
		},
	}
}

// GovernanceAccepted records a pending change taking effect.
type GovernanceAccepted struct {
	Parameter string
	Value     string
}

func (GovernanceAccepted) EventType() string { return TypeGovernanceAccepted }

func (e GovernanceAccepted) Event() *types.Event {
	return &types.Event{
		Type: TypeGovernanceAccepted,
		Attributes: map[string]string{
			"parameter": e.Parameter,
			"value":     e.Value,
		},
	}
}

// GovernanceRevoked records a guardian or owner discarding a pending change.
type GovernanceRevoked struct {
	Parameter string
	Caller    common.Address
}

func (GovernanceRevoked) EventType() string { return TypeGovernanceRevoked }

func (e GovernanceRevoked) Event() *types.Event {
	return &types.Event{
		Type: TypeGovernanceRevoked,
		Attributes: map[string]string{
			"parameter": e.Parameter,
			"caller":    e.Caller.Hex(),
		},
	}
}

// GovernanceRoleUpdated records an immediate-effect role assignment.
type GovernanceRoleUpdated struct {
	Role    string
	Address common.Address
	Enabled bool
}

func (GovernanceRoleUpdated) EventType() string { return TypeGovernanceRoleUpdated }

func (e GovernanceRoleUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeGovernanceRoleUpdated,
		Attributes: map[string]string{
			"role":    e.Role,
			"address": e.Address.Hex(),
			"enabled": strconv.FormatBool(e.Enabled),
		},
	}
}

// GovernanceFeeUpdated records a fee rate or fee recipient change.
type GovernanceFeeUpdated struct {
	FeeBps    uint64
	Recipient common.Address
}

func (GovernanceFeeUpdated) EventType() string { return TypeGovernanceFeeUpdated }

func (e GovernanceFeeUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeGovernanceFeeUpdated,
		Attributes: map[string]string{
			"feeBps":    strconv.FormatUint(e.FeeBps, 10),
			"recipient": e.Recipient.Hex(),
		},
	}
}

// StrategyParamsUpdated records a curator change to the loop strategy knobs.
type StrategyParamsUpdated struct {
	TargetLeverageBps uint64
	MaxIterations     uint64
	VenueSplitBps     uint64
}

func (StrategyParamsUpdated) EventType() string { return TypeStrategyParamsUpdated }

func (e StrategyParamsUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeStrategyParamsUpdated,
		Attributes: map[string]string{
			"targetLeverageBps": strconv.FormatUint(e.TargetLeverageBps, 10),
			"maxIterations":     strconv.FormatUint(e.MaxIterations, 10),
			"venueSplitBps":     strconv.FormatUint(e.VenueSplitBps, 10),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
