package storage

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"loopvault/core/types"
	"loopvault/native/vault"
)

func testAddr(suffix byte) common.Address {
	var addr common.Address
	addr[len(addr)-1] = suffix
	return addr
}

func TestVaultStoreMissingRecordsReadNil(t *testing.T) {
	store := NewVaultStore(NewMemDB())

	if v, err := store.GetVault(); err != nil || v != nil {
		t.Fatalf("expected nil vault, got %v (%v)", v, err)
	}
	if p, err := store.GetPosition(); err != nil || p != nil {
		t.Fatalf("expected nil position, got %v (%v)", p, err)
	}
	if acc, err := store.GetAccount(testAddr(0x01)); err != nil || acc != nil {
		t.Fatalf("expected nil account, got %v (%v)", acc, err)
	}
}

func TestVaultStoreRoundTripsState(t *testing.T) {
	store := NewVaultStore(NewMemDB())
	owner := testAddr(0xAA)
	allocator := testAddr(0xAC)

	state := &vault.VaultState{
		TotalShares:     big.NewInt(1234),
		LastTotalAssets: big.NewInt(5678),
		FeeBps:          500,
		Owner:           owner,
		Allocators:      map[common.Address]bool{allocator: true},
		Strategy: vault.StrategyParams{
			TargetLeverageBps: 30_000,
			MaxIterations:     8,
			MinHealthFactor:   big.NewInt(1_300_000),
		},
	}
	if err := store.PutVault(state); err != nil {
		t.Fatalf("put vault: %v", err)
	}
	loaded, err := store.GetVault()
	if err != nil {
		t.Fatalf("get vault: %v", err)
	}
	if loaded.TotalShares.Cmp(state.TotalShares) != 0 {
		t.Fatalf("total shares mismatch: %s", loaded.TotalShares)
	}
	if loaded.Owner != owner || !loaded.Allocators[allocator] {
		t.Fatalf("roles lost in round trip: %+v", loaded)
	}
	if loaded.Strategy.TargetLeverageBps != 30_000 {
		t.Fatalf("strategy lost in round trip: %+v", loaded.Strategy)
	}

	pos := &vault.LoopPosition{
		Iterations:    3,
		TotalBorrowed: big.NewInt(999),
		TotalReceipt:  big.NewInt(998),
		Primary:       vault.VenueLeg{CollateralBase: big.NewInt(100), Debt: big.NewInt(999)},
	}
	if err := store.PutPosition(pos); err != nil {
		t.Fatalf("put position: %v", err)
	}
	loadedPos, err := store.GetPosition()
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if loadedPos.Iterations != 3 || loadedPos.TotalBorrowed.Cmp(big.NewInt(999)) != 0 {
		t.Fatalf("position mismatch: %+v", loadedPos)
	}

	acc := &types.Account{BalanceBase: big.NewInt(42), BalanceShares: big.NewInt(7)}
	if err := store.PutAccount(owner, acc); err != nil {
		t.Fatalf("put account: %v", err)
	}
	loadedAcc, err := store.GetAccount(owner)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if loadedAcc.BalanceBase.Cmp(big.NewInt(42)) != 0 || loadedAcc.BalanceShares.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("account mismatch: %+v", loadedAcc)
	}
}

type flatVenue struct{}

func (flatVenue) SupplyCollateral(vault.Asset, *big.Int, common.Address) error { return nil }
func (flatVenue) Borrow(_ vault.Asset, amount *big.Int, _ common.Address) (*big.Int, error) {
	return new(big.Int).Set(amount), nil
}
func (flatVenue) Repay(_ vault.Asset, amount *big.Int, _ common.Address) (*big.Int, error) {
	return new(big.Int).Set(amount), nil
}
func (flatVenue) WithdrawCollateral(_ vault.Asset, amount *big.Int, _ common.Address) (*big.Int, error) {
	return new(big.Int).Set(amount), nil
}
func (flatVenue) AccountRisk(common.Address) (vault.AccountRisk, error) {
	return vault.AccountRisk{
		CollateralValue: big.NewInt(0),
		DebtValue:       big.NewInt(0),
		AvailableBorrow: big.NewInt(0),
		SafetyRatio:     big.NewInt(0),
	}, nil
}

type flatStaker struct{}

func (flatStaker) Convert(amount *big.Int) (*big.Int, error) { return new(big.Int).Set(amount), nil }

// The engine runs unmodified over the store: a deposit written through one
// store instance is visible through a fresh one on the same database.
func TestEngineOperatesOverVaultStore(t *testing.T) {
	db := NewMemDB()
	store := NewVaultStore(db)
	module := testAddr(0x01)
	user := testAddr(0xB0)

	if err := store.PutVault(&vault.VaultState{
		Owner: testAddr(0xAA),
		Strategy: vault.StrategyParams{
			TargetLeverageBps: 10_000,
			MaxIterations:     4,
		},
	}); err != nil {
		t.Fatalf("seed vault: %v", err)
	}
	if err := store.PutAccount(user, &types.Account{BalanceBase: big.NewInt(500)}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	engine := vault.NewEngine(module)
	engine.SetState(store)
	engine.SetVenues(flatVenue{}, nil)
	engine.SetStakingConverter(flatStaker{})

	shares, err := engine.Deposit(user, user, big.NewInt(500))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if shares.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected shares: %s", shares)
	}

	reopened := NewVaultStore(db)
	loaded, err := reopened.GetVault()
	if err != nil {
		t.Fatalf("reload vault: %v", err)
	}
	if loaded.TotalShares.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("supply not persisted: %s", loaded.TotalShares)
	}
	acc, err := reopened.GetAccount(user)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if acc.BalanceShares.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("shares not persisted: %s", acc.BalanceShares)
	}
}
