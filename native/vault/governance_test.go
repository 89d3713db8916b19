package vault

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const day = 24 * 60 * 60

func TestSubmitTimelockBounds(t *testing.T) {
	f := newTestFixture()

	if err := f.engine.SubmitTimelock(ownerAddr, 15*day); !errors.Is(err, ErrBoundsViolation) {
		t.Fatalf("expected bounds rejection for 15d, got %v", err)
	}
	if err := f.engine.SubmitTimelock(ownerAddr, day/2); !errors.Is(err, ErrBoundsViolation) {
		t.Fatalf("expected bounds rejection for 12h, got %v", err)
	}
	if err := f.engine.SubmitTimelock(userAddr, 5*day); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestSubmitTimelockRaiseAppliesImmediately(t *testing.T) {
	f := newTestFixture()

	if err := f.engine.SubmitTimelock(ownerAddr, 5*day); err != nil {
		t.Fatalf("submit raise: %v", err)
	}
	tl := f.state.vault.TimelockSeconds
	if tl.Value != 5*day {
		t.Fatalf("raise not applied: %d", tl.Value)
	}
	if tl.HasPending() {
		t.Fatalf("raise left a pending record")
	}
}

func TestSubmitTimelockLowerWaitsOutDelay(t *testing.T) {
	f := newTestFixture()

	if err := f.engine.SubmitTimelock(ownerAddr, 2*day); err != nil {
		t.Fatalf("submit lower: %v", err)
	}
	tl := &f.state.vault.TimelockSeconds
	if tl.Value != 3*day {
		t.Fatalf("lower applied early: %d", tl.Value)
	}
	if !tl.HasPending() || tl.Pending != 2*day {
		t.Fatalf("pending record missing: %+v", tl)
	}

	if err := f.engine.SubmitTimelock(ownerAddr, day); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected pending-exists rejection, got %v", err)
	}
	if err := f.engine.AcceptTimelock(userAddr); !errors.Is(err, ErrTimingViolation) {
		t.Fatalf("expected early accept rejection, got %v", err)
	}

	f.clock.Advance(3 * day * time.Second)
	if err := f.engine.AcceptTimelock(userAddr); err != nil {
		t.Fatalf("accept after delay: %v", err)
	}
	if f.state.vault.TimelockSeconds.Value != 2*day {
		t.Fatalf("accept did not apply: %d", f.state.vault.TimelockSeconds.Value)
	}
	if f.state.vault.TimelockSeconds.HasPending() {
		t.Fatalf("accept left a pending record")
	}

	if err := f.engine.AcceptTimelock(userAddr); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected no-pending rejection, got %v", err)
	}
}

func TestSubmitEqualValueRejected(t *testing.T) {
	f := newTestFixture()

	if err := f.engine.SubmitTimelock(ownerAddr, 3*day); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected already-set rejection, got %v", err)
	}
	if err := f.engine.SubmitGuardian(ownerAddr, guardianAddr); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected already-set rejection, got %v", err)
	}
}

func TestGuardianInstallFromZeroIsImmediate(t *testing.T) {
	f := newTestFixture()
	f.state.vault.Guardian.Value = common.Address{}

	if err := f.engine.SubmitGuardian(ownerAddr, guardianAddr); err != nil {
		t.Fatalf("install guardian: %v", err)
	}
	if f.state.vault.Guardian.Value != guardianAddr {
		t.Fatalf("guardian not installed")
	}
	if f.state.vault.Guardian.HasPending() {
		t.Fatalf("install left a pending record")
	}

	// Replacing the guardian is timelocked, and the sitting guardian can
	// veto the replacement.
	if err := f.engine.SubmitGuardian(ownerAddr, otherAddr); err != nil {
		t.Fatalf("submit replacement: %v", err)
	}
	if f.state.vault.Guardian.Value != guardianAddr {
		t.Fatalf("replacement applied early")
	}
	if err := f.engine.RevokeGuardianChange(userAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized revoke, got %v", err)
	}
	if err := f.engine.RevokeGuardianChange(guardianAddr); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if f.state.vault.Guardian.HasPending() {
		t.Fatalf("revoke left a pending record")
	}
}

func TestDepositCeilingDirectionality(t *testing.T) {
	f := newTestFixture()

	// Introducing or lowering a ceiling tightens inflow: immediate.
	if err := f.engine.SubmitDepositCeiling(curatorAddr, big.NewInt(1000)); err != nil {
		t.Fatalf("introduce ceiling: %v", err)
	}
	if f.state.vault.DepositCeiling.Value.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("ceiling not applied: %s", f.state.vault.DepositCeiling.Value)
	}
	if err := f.engine.SubmitDepositCeiling(curatorAddr, big.NewInt(500)); err != nil {
		t.Fatalf("lower ceiling: %v", err)
	}
	if f.state.vault.DepositCeiling.Value.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("lower not applied: %s", f.state.vault.DepositCeiling.Value)
	}

	// Raising it, or lifting it entirely, waits out the delay.
	if err := f.engine.SubmitDepositCeiling(curatorAddr, big.NewInt(800)); err != nil {
		t.Fatalf("submit raise: %v", err)
	}
	if f.state.vault.DepositCeiling.Value.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("raise applied early: %s", f.state.vault.DepositCeiling.Value)
	}
	if err := f.engine.AcceptDepositCeiling(userAddr); !errors.Is(err, ErrTimingViolation) {
		t.Fatalf("expected early accept rejection, got %v", err)
	}
	f.clock.Advance(3 * day * time.Second)
	if err := f.engine.AcceptDepositCeiling(userAddr); err != nil {
		t.Fatalf("accept raise: %v", err)
	}
	if f.state.vault.DepositCeiling.Value.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("raise not applied: %s", f.state.vault.DepositCeiling.Value)
	}

	if err := f.engine.SubmitDepositCeiling(curatorAddr, big.NewInt(0)); err != nil {
		t.Fatalf("submit lift: %v", err)
	}
	if f.state.vault.DepositCeiling.Value.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("lift applied early")
	}

	if err := f.engine.SubmitDepositCeiling(userAddr, big.NewInt(100)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestRoleManagement(t *testing.T) {
	f := newTestFixture()

	if err := f.engine.SetCurator(userAddr, otherAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := f.engine.SetCurator(ownerAddr, otherAddr); err != nil {
		t.Fatalf("set curator: %v", err)
	}
	if f.state.vault.Curator != otherAddr {
		t.Fatalf("curator not updated")
	}

	if err := f.engine.SetAllocator(ownerAddr, otherAddr, true); err != nil {
		t.Fatalf("grant allocator: %v", err)
	}
	if !f.state.vault.isAllocator(otherAddr) {
		t.Fatalf("allocator not granted")
	}
	if err := f.engine.SetAllocator(ownerAddr, otherAddr, false); err != nil {
		t.Fatalf("revoke allocator: %v", err)
	}
	if f.state.vault.isAllocator(otherAddr) {
		t.Fatalf("allocator not revoked")
	}

	if err := f.engine.SetOwner(ownerAddr, common.Address{}); !errors.Is(err, ErrBoundsViolation) {
		t.Fatalf("expected zero owner rejection, got %v", err)
	}
	if err := f.engine.SetOwner(ownerAddr, otherAddr); err != nil {
		t.Fatalf("transfer ownership: %v", err)
	}
	if err := f.engine.SetCurator(ownerAddr, curatorAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("old owner retained control")
	}
}

func TestSetFeeRateAccruesAtOldRate(t *testing.T) {
	f := newTestFixture()
	f.state.vault.FeeBps = 1000
	f.state.vault.Strategy.TargetLeverageBps = 10_000
	f.fund(userAddr, 1000)
	if _, err := f.engine.Deposit(userAddr, userAddr, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.fund(moduleAddr, 100)

	if err := f.engine.SetFeeRate(ownerAddr, 2000); err != nil {
		t.Fatalf("set fee rate: %v", err)
	}
	// The 100 of gain is charged at the old 10% rate, not the new 20%.
	if got := f.state.account(feeAddr).BalanceShares; got.Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("unexpected fee shares: got %s want 9", got)
	}
	if f.state.vault.FeeBps != 2000 {
		t.Fatalf("rate not applied: %d", f.state.vault.FeeBps)
	}
}

func TestSetFeeRecipientAccruesToOldRecipient(t *testing.T) {
	f := newTestFixture()
	f.state.vault.FeeBps = 2000
	f.state.vault.Strategy.TargetLeverageBps = 10_000
	f.fund(userAddr, 1000)
	if _, err := f.engine.Deposit(userAddr, userAddr, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.fund(moduleAddr, 100)

	if err := f.engine.SetFeeRecipient(ownerAddr, otherAddr); err != nil {
		t.Fatalf("set fee recipient: %v", err)
	}
	// The gain earned while feeAddr was recipient is minted to feeAddr, not
	// to the incoming recipient.
	if got := f.state.account(feeAddr).BalanceShares; got.Cmp(big.NewInt(18)) != 0 {
		t.Fatalf("old recipient fee shares: got %s want 18", got)
	}
	if got := f.state.account(otherAddr).BalanceShares; got.Sign() != 0 {
		t.Fatalf("new recipient received old fees: %s", got)
	}
	if f.state.vault.FeeRecipient != otherAddr {
		t.Fatalf("recipient not updated")
	}

	// Without further gain a follow-up accrual mints nothing to anyone.
	if err := f.engine.AccrueFee(); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if got := f.state.account(otherAddr).BalanceShares; got.Sign() != 0 {
		t.Fatalf("accrual without gain minted shares: %s", got)
	}
}

func TestSetFeeRateValidation(t *testing.T) {
	f := newTestFixture()

	if err := f.engine.SetFeeRate(userAddr, 100); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := f.engine.SetFeeRate(ownerAddr, MaxFeeBps+1); !errors.Is(err, ErrBoundsViolation) {
		t.Fatalf("expected bounds rejection, got %v", err)
	}
	f.state.vault.FeeRecipient = common.Address{}
	if err := f.engine.SetFeeRate(ownerAddr, 100); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected missing recipient rejection, got %v", err)
	}
	f.state.vault.FeeRecipient = feeAddr
	if err := f.engine.SetFeeRate(ownerAddr, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected already-set rejection, got %v", err)
	}
}

func TestSetStrategyParamsBounds(t *testing.T) {
	f := newTestFixture()
	valid := StrategyParams{
		TargetLeverageBps: 25_000,
		MaxIterations:     8,
		MinHealthFactor:   mustBigInt("1500000000000000000"),
		VenueSplitBps:     6000,
	}

	if err := f.engine.SetStrategyParams(userAddr, valid); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*StrategyParams)
	}{
		{"leverage below 1x", func(p *StrategyParams) { p.TargetLeverageBps = 9_999 }},
		{"leverage above cap", func(p *StrategyParams) { p.TargetLeverageBps = MaxLeverageBps + 1 }},
		{"zero iterations", func(p *StrategyParams) { p.MaxIterations = 0 }},
		{"iterations above cap", func(p *StrategyParams) { p.MaxIterations = MaxLoopIterations + 1 }},
		{"split above 100%", func(p *StrategyParams) { p.VenueSplitBps = 10_001 }},
		{"health floor below one", func(p *StrategyParams) { p.MinHealthFactor = big.NewInt(1) }},
	}
	for _, tc := range cases {
		params := valid.Clone()
		tc.mutate(&params)
		if err := f.engine.SetStrategyParams(curatorAddr, params); !errors.Is(err, ErrBoundsViolation) {
			t.Fatalf("%s: expected bounds rejection, got %v", tc.name, err)
		}
	}

	if err := f.engine.SetStrategyParams(curatorAddr, valid); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
	if f.state.vault.Strategy.TargetLeverageBps != 25_000 {
		t.Fatalf("params not applied: %+v", f.state.vault.Strategy)
	}
}
