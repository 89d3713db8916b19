package vault

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Asset identifies one of the fungible assets the vault touches. The concrete
// token contracts live outside the core; the engine only routes amounts.
type Asset string

const (
	// AssetBase is the asset depositors contribute and withdraw.
	AssetBase Asset = "base"
	// AssetBorrowed is the asset drawn from the credit venues.
	AssetBorrowed Asset = "borrowed"
	// AssetReceipt is the yield-bearing receipt minted by the staking
	// converter and posted back as venue collateral.
	AssetReceipt Asset = "receipt"
)

// Governance bounds. These are protocol constants, not runtime parameters.
const (
	// MaxFeeBps caps the performance fee at 50%.
	MaxFeeBps = 5_000
	// MinTimelockSeconds is the shortest accepted governance delay (1 day).
	MinTimelockSeconds = 24 * 60 * 60
	// MaxTimelockSeconds is the longest accepted governance delay (14 days).
	MaxTimelockSeconds = 14 * 24 * 60 * 60
	// MaxLeverageBps caps the target leverage at 10x.
	MaxLeverageBps = 100_000
	// MaxLoopIterations caps the iteration budget of a single build pass.
	MaxLoopIterations = 32
)

// fullUnwindThresholdBps promotes a near-total partial unwind to a full one so
// repeated proportional unwinds cannot strand residual iterations.
const fullUnwindThresholdBps = 9_999

// Timelocked wraps a governed parameter together with its pending change. A
// zero ValidAt means no change is pending.
type Timelocked[T any] struct {
	Value   T         `json:"value"`
	Pending T         `json:"pending"`
	ValidAt time.Time `json:"validAt"`
}

// HasPending reports whether a submitted change is waiting out its delay.
func (t *Timelocked[T]) HasPending() bool {
	return t != nil && !t.ValidAt.IsZero()
}

// submitTimelocked runs the shared Idle -> Pending transition. Submissions
// equal to the current value, or arriving while another change is pending,
// are rejected. Immediate submissions apply without creating a pending
// record; that path is reserved for directions that tighten a safety margin.
func submitTimelocked[T any](t *Timelocked[T], value T, now time.Time, delay time.Duration, equal func(a, b T) bool, immediate bool) error {
	if equal(value, t.Value) {
		return errAlreadySet
	}
	if t.HasPending() {
		return errPendingExists
	}
	if immediate {
		t.Value = value
		return nil
	}
	t.Pending = value
	t.ValidAt = now.Add(delay)
	return nil
}

// acceptTimelocked runs the Pending -> Applied transition and clears the
// pending record so the parameter returns to Idle.
func acceptTimelocked[T any](t *Timelocked[T], now time.Time) (T, error) {
	var zero T
	if !t.HasPending() {
		return zero, errNoPending
	}
	if now.Before(t.ValidAt) {
		return zero, errTimelockActive
	}
	t.Value = t.Pending
	t.Pending = zero
	t.ValidAt = time.Time{}
	return t.Value, nil
}

// revokeTimelocked discards a pending change without applying it.
func revokeTimelocked[T any](t *Timelocked[T]) error {
	var zero T
	if !t.HasPending() {
		return errNoPending
	}
	t.Pending = zero
	t.ValidAt = time.Time{}
	return nil
}

// StrategyParams are the curator-controlled knobs bounding loop behaviour.
type StrategyParams struct {
	// TargetLeverageBps is the desired ratio of total exposure to deposited
	// collateral, in basis points (30000 = 3x).
	TargetLeverageBps uint64 `json:"targetLeverageBps"`
	// MaxIterations caps the borrow/stake/post cycles of one build pass.
	MaxIterations uint64 `json:"maxIterations"`
	// MinHealthFactor is the WAD-scaled venue safety ratio below which a
	// build pass hard-stops.
	MinHealthFactor *big.Int `json:"minHealthFactor"`
	// VenueSplitBps is the share of each iteration's remaining need routed
	// through the primary venue when a secondary venue is configured. The
	// remainder is drawn from the secondary venue.
	VenueSplitBps uint64 `json:"venueSplitBps"`
}

// Clone returns a deep copy of the strategy parameters.
func (p StrategyParams) Clone() StrategyParams {
	clone := p
	if p.MinHealthFactor != nil {
		clone.MinHealthFactor = new(big.Int).Set(p.MinHealthFactor)
	}
	return clone
}

// VaultState is the singleton accounting and governance record for one vault.
type VaultState struct {
	// TotalShares is the pooled ownership unit supply. It grows on deposits
	// and fee accrual and shrinks only on withdrawals.
	TotalShares *big.Int `json:"totalShares"`
	// LastTotalAssets is the base-asset valuation recorded at the last fee
	// accrual; growth beyond it is treated as performance-fee interest.
	LastTotalAssets *big.Int `json:"lastTotalAssets"`

	FeeBps        uint64         `json:"feeBps"`
	FeeRecipient  common.Address `json:"feeRecipient"`
	SkimRecipient common.Address `json:"skimRecipient"`

	Owner      common.Address          `json:"owner"`
	Curator    common.Address          `json:"curator"`
	Allocators map[common.Address]bool `json:"allocators"`

	// Timelocked parameters. Guardian doubles as the risk overseer identity.
	TimelockSeconds Timelocked[uint64]         `json:"timelockSeconds"`
	Guardian        Timelocked[common.Address] `json:"guardian"`
	DepositCeiling  Timelocked[*big.Int]       `json:"depositCeiling"`

	Strategy StrategyParams `json:"strategy"`
}

// Normalize fills nil aggregates so engine code can mutate the state without
// nil checks, mirroring how stored records may omit zero values.
func (v *VaultState) Normalize() {
	if v == nil {
		return
	}
	if v.TotalShares == nil {
		v.TotalShares = big.NewInt(0)
	}
	if v.LastTotalAssets == nil {
		v.LastTotalAssets = big.NewInt(0)
	}
	if v.Allocators == nil {
		v.Allocators = make(map[common.Address]bool)
	}
	if v.DepositCeiling.Value == nil {
		v.DepositCeiling.Value = big.NewInt(0)
	}
	if v.Strategy.MinHealthFactor == nil {
		v.Strategy.MinHealthFactor = new(big.Int).Set(wad)
	}
}

// Timelock returns the active governance delay as a duration.
func (v *VaultState) Timelock() time.Duration {
	if v == nil {
		return 0
	}
	return time.Duration(v.TimelockSeconds.Value) * time.Second
}

func (v *VaultState) isOwner(addr common.Address) bool {
	return v != nil && addr == v.Owner && addr != (common.Address{})
}

// Owner implicitly holds every other role; the checks below spell that out
// rather than relying on call-site fallthrough.
func (v *VaultState) isCurator(addr common.Address) bool {
	if v == nil {
		return false
	}
	return v.isOwner(addr) || (addr == v.Curator && addr != (common.Address{}))
}

func (v *VaultState) isGuardian(addr common.Address) bool {
	if v == nil {
		return false
	}
	return v.isOwner(addr) || (addr == v.Guardian.Value && addr != (common.Address{}))
}

func (v *VaultState) isAllocator(addr common.Address) bool {
	if v == nil {
		return false
	}
	return v.isOwner(addr) || v.Allocators[addr]
}

// VenueLeg tracks the vault's exposure at a single credit venue.
type VenueLeg struct {
	// CollateralBase is base-asset collateral posted directly (primary venue
	// only; the initial deposit leg).
	CollateralBase *big.Int `json:"collateralBase"`
	// CollateralReceipt is staking-receipt collateral posted at the venue.
	CollateralReceipt *big.Int `json:"collateralReceipt"`
	// Debt is the borrowed-asset principal outstanding at the venue.
	Debt *big.Int `json:"debt"`
}

// Normalize fills nil amounts with zero.
func (l *VenueLeg) Normalize() {
	if l == nil {
		return
	}
	if l.CollateralBase == nil {
		l.CollateralBase = big.NewInt(0)
	}
	if l.CollateralReceipt == nil {
		l.CollateralReceipt = big.NewInt(0)
	}
	if l.Debt == nil {
		l.Debt = big.NewInt(0)
	}
}

// IsFlat reports whether the leg carries no exposure.
func (l *VenueLeg) IsFlat() bool {
	if l == nil {
		return true
	}
	return bigOrZero(l.CollateralBase).Sign() == 0 &&
		bigOrZero(l.CollateralReceipt).Sign() == 0 &&
		bigOrZero(l.Debt).Sign() == 0
}

// LoopPosition aggregates the recursive leverage position across venues. It
// is mutated only by loop build and unwind passes.
type LoopPosition struct {
	// Iterations counts the active borrow/stake/post cycles. Zero means the
	// position is flat.
	Iterations uint64 `json:"iterations"`
	// TotalBorrowed is the borrowed-asset principal outstanding across all
	// venues.
	TotalBorrowed *big.Int `json:"totalBorrowed"`
	// TotalReceipt is the staking-receipt amount posted as collateral across
	// all venues.
	TotalReceipt *big.Int `json:"totalReceipt"`

	Primary   VenueLeg `json:"primary"`
	Secondary VenueLeg `json:"secondary"`
}

// Normalize fills nil aggregates with zero.
func (p *LoopPosition) Normalize() {
	if p == nil {
		return
	}
	if p.TotalBorrowed == nil {
		p.TotalBorrowed = big.NewInt(0)
	}
	if p.TotalReceipt == nil {
		p.TotalReceipt = big.NewInt(0)
	}
	p.Primary.Normalize()
	p.Secondary.Normalize()
}

// IsFlat reports whether the position carries no leverage.
func (p *LoopPosition) IsFlat() bool {
	if p == nil {
		return true
	}
	return p.Iterations == 0 && bigOrZero(p.TotalBorrowed).Sign() == 0 && bigOrZero(p.TotalReceipt).Sign() == 0
}

// reset zeroes every tracker after a full unwind.
func (p *LoopPosition) reset() {
	if p == nil {
		return
	}
	p.Iterations = 0
	p.TotalBorrowed = big.NewInt(0)
	p.TotalReceipt = big.NewInt(0)
	p.Primary = VenueLeg{CollateralBase: big.NewInt(0), CollateralReceipt: big.NewInt(0), Debt: big.NewInt(0)}
	p.Secondary = VenueLeg{CollateralBase: big.NewInt(0), CollateralReceipt: big.NewInt(0), Debt: big.NewInt(0)}
}
