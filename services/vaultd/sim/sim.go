// Package sim provides deterministic in-process implementations of the
// external venues the vault engine drives: a credit venue, a staking
// converter and a price oracle. The daemon wires these in local and test
// deployments where no real venue adapters are configured.
package sim

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"loopvault/native/vault"
)

var wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

type pair struct {
	from vault.Asset
	to   vault.Asset
}

// Oracle serves WAD-scaled exchange rates from a mutable in-memory table.
type Oracle struct {
	mu    sync.RWMutex
	rates map[pair]*big.Int
}

func NewOracle() *Oracle {
	return &Oracle{rates: make(map[pair]*big.Int)}
}

// Set installs the rate for a pair and its inverse.
func (o *Oracle) Set(from, to vault.Asset, rate *big.Int) {
	if rate == nil || rate.Sign() <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rates[pair{from, to}] = new(big.Int).Set(rate)
	inverse := new(big.Int).Mul(wad, wad)
	inverse.Quo(inverse, rate)
	o.rates[pair{to, from}] = inverse
}

func (o *Oracle) Rate(from, to vault.Asset) (*big.Int, error) {
	if from == to {
		return new(big.Int).Set(wad), nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if rate, ok := o.rates[pair{from, to}]; ok {
		return new(big.Int).Set(rate), nil
	}
	return big.NewInt(0), nil
}

// Staker converts the borrowed asset into the receipt asset at a fixed rate.
type Staker struct {
	rate *big.Int
}

// NewStaker builds a converter with the given WAD rate; nil means 1:1.
func NewStaker(rate *big.Int) *Staker {
	if rate == nil || rate.Sign() <= 0 {
		rate = wad
	}
	return &Staker{rate: new(big.Int).Set(rate)}
}

func (s *Staker) Convert(amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errors.New("sim: invalid stake amount")
	}
	out := new(big.Int).Mul(amount, s.rate)
	return out.Quo(out, wad), nil
}

// Venue is an in-memory credit market holding one pooled account position.
// AccountRisk reports capacity against a loan-to-value ceiling; Borrow itself
// does not enforce it, matching venues that settle transient draws within a
// transaction.
type Venue struct {
	name   string
	ltvBps uint64
	oracle *Oracle

	mu         sync.Mutex
	collateral map[vault.Asset]*big.Int
	debt       *big.Int
}

func NewVenue(name string, ltvBps uint64, oracle *Oracle) *Venue {
	return &Venue{
		name:       name,
		ltvBps:     ltvBps,
		oracle:     oracle,
		collateral: make(map[vault.Asset]*big.Int),
		debt:       big.NewInt(0),
	}
}

func (v *Venue) Name() string { return v.name }

func (v *Venue) SupplyCollateral(asset vault.Asset, amount *big.Int, _ common.Address) error {
	if amount == nil || amount.Sign() <= 0 {
		return errors.New("sim: invalid supply amount")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	held := v.collateral[asset]
	if held == nil {
		held = big.NewInt(0)
	}
	v.collateral[asset] = new(big.Int).Add(held, amount)
	return nil
}

func (v *Venue) Borrow(_ vault.Asset, amount *big.Int, _ common.Address) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errors.New("sim: invalid borrow amount")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.debt = new(big.Int).Add(v.debt, amount)
	return new(big.Int).Set(amount), nil
}

func (v *Venue) Repay(_ vault.Asset, amount *big.Int, _ common.Address) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	paid := new(big.Int).Set(amount)
	if paid.Cmp(v.debt) > 0 {
		paid.Set(v.debt)
	}
	v.debt = new(big.Int).Sub(v.debt, paid)
	return paid, nil
}

func (v *Venue) WithdrawCollateral(asset vault.Asset, amount *big.Int, _ common.Address) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	held := v.collateral[asset]
	if held == nil || held.Cmp(amount) < 0 {
		return nil, errors.New("sim: insufficient collateral")
	}
	v.collateral[asset] = new(big.Int).Sub(held, amount)
	return new(big.Int).Set(amount), nil
}

func (v *Venue) AccountRisk(common.Address) (vault.AccountRisk, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	collateralValue := big.NewInt(0)
	for asset, amount := range v.collateral {
		collateralValue.Add(collateralValue, v.valueInBase(asset, amount))
	}
	debtValue := v.valueInBase(vault.AssetBorrowed, v.debt)

	headroom := new(big.Int).Mul(collateralValue, new(big.Int).SetUint64(v.ltvBps))
	headroom.Quo(headroom, big.NewInt(10_000))
	headroom.Sub(headroom, debtValue)
	available := big.NewInt(0)
	if headroom.Sign() > 0 {
		rate, _ := v.oracle.Rate(vault.AssetBase, vault.AssetBorrowed)
		available.Mul(headroom, rate)
		available.Quo(available, wad)
	}

	// A debt-free account reports an effectively unbounded safety ratio.
	safety := new(big.Int).Mul(wad, big.NewInt(1_000_000))
	if debtValue.Sign() > 0 {
		safety.Mul(collateralValue, wad)
		safety.Quo(safety, debtValue)
	}
	return vault.AccountRisk{
		CollateralValue: collateralValue,
		DebtValue:       debtValue,
		AvailableBorrow: available,
		SafetyRatio:     safety,
	}, nil
}

func (v *Venue) valueInBase(asset vault.Asset, amount *big.Int) *big.Int {
	if amount == nil || amount.Sign() == 0 {
		return big.NewInt(0)
	}
	if asset == vault.AssetBase {
		return new(big.Int).Set(amount)
	}
	rate, _ := v.oracle.Rate(asset, vault.AssetBase)
	value := new(big.Int).Mul(amount, rate)
	return value.Quo(value, wad)
}
