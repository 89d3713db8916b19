package vault

import (
	"errors"
	"math/big"
	"testing"
)

func TestFeeAccrualMintsOnceOnGain(t *testing.T) {
	f := newTestFixture()
	f.state.vault.FeeBps = 2000
	f.state.vault.Strategy.TargetLeverageBps = 10_000
	f.fund(userAddr, 1000)

	if _, err := f.engine.Deposit(userAddr, userAddr, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// Yield lands as idle balance on the module account.
	f.fund(moduleAddr, 100)

	if err := f.engine.AccrueFee(); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	feeAcc := f.state.account(feeAddr)
	if feeAcc.BalanceShares.Cmp(big.NewInt(18)) != 0 {
		t.Fatalf("unexpected fee shares: got %s want 18", feeAcc.BalanceShares)
	}
	if f.state.vault.TotalShares.Cmp(big.NewInt(1018)) != 0 {
		t.Fatalf("unexpected supply: %s", f.state.vault.TotalShares)
	}

	// A second accrual without further gain mints nothing.
	if err := f.engine.AccrueFee(); err != nil {
		t.Fatalf("repeat accrue: %v", err)
	}
	if f.state.vault.TotalShares.Cmp(big.NewInt(1018)) != 0 {
		t.Fatalf("repeat accrual minted shares: %s", f.state.vault.TotalShares)
	}
	if feeAcc.BalanceShares.Cmp(big.NewInt(18)) != 0 {
		t.Fatalf("repeat accrual changed fee balance: %s", feeAcc.BalanceShares)
	}
}

func TestPreviewStableAcrossAccrual(t *testing.T) {
	f := newTestFixture()
	f.state.vault.FeeBps = 2000
	f.state.vault.Strategy.TargetLeverageBps = 10_000
	f.fund(userAddr, 1000)

	if _, err := f.engine.Deposit(userAddr, userAddr, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.fund(moduleAddr, 100)

	before, err := f.engine.PreviewDeposit(big.NewInt(100))
	if err != nil {
		t.Fatalf("preview before accrual: %v", err)
	}
	if err := f.engine.AccrueFee(); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	after, err := f.engine.PreviewDeposit(big.NewInt(100))
	if err != nil {
		t.Fatalf("preview after accrual: %v", err)
	}
	if before.Cmp(after) != 0 {
		t.Fatalf("accrual moved the quote: before %s after %s", before, after)
	}
}

func TestRoundTripNeverExceedsInput(t *testing.T) {
	f := newTestFixture()
	f.state.vault.Strategy.TargetLeverageBps = 10_000
	f.fund(userAddr, 1000)
	if _, err := f.engine.Deposit(userAddr, userAddr, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// Uneven totals so the conversions actually truncate.
	f.fund(moduleAddr, 37)

	for _, x := range []int64{1, 7, 93, 1000} {
		input := big.NewInt(x)
		shares, err := f.engine.ConvertToShares(input, RoundDown)
		if err != nil {
			t.Fatalf("to shares: %v", err)
		}
		back, err := f.engine.ConvertToAssets(shares, RoundDown)
		if err != nil {
			t.Fatalf("to assets: %v", err)
		}
		if back.Cmp(input) > 0 {
			t.Fatalf("round trip inflated %s to %s", input, back)
		}
	}
}

func TestConversionsOnEmptyVault(t *testing.T) {
	f := newTestFixture()

	shares, err := f.engine.ConvertToShares(big.NewInt(1000), RoundDown)
	if err != nil {
		t.Fatalf("to shares: %v", err)
	}
	if shares.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("empty vault is not 1:1: %s", shares)
	}
	total, err := f.engine.TotalAssets()
	if err != nil {
		t.Fatalf("total assets: %v", err)
	}
	if total.Sign() != 0 {
		t.Fatalf("unexpected total: %s", total)
	}
}

func TestAccrueRequiresFeeRecipient(t *testing.T) {
	f := newTestFixture()
	f.state.vault.FeeBps = 2000
	f.state.vault.FeeRecipient = testAddr(0)
	f.state.vault.Strategy.TargetLeverageBps = 10_000
	f.fund(userAddr, 1000)

	if _, err := f.engine.Deposit(userAddr, userAddr, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit without gain: %v", err)
	}
	f.fund(moduleAddr, 100)

	if err := f.engine.AccrueFee(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected missing recipient rejection, got %v", err)
	}
}
