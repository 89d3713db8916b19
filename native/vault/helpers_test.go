package vault

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"loopvault/core/types"
)

type mockEngineState struct {
	vault    *VaultState
	position *LoopPosition
	accounts map[common.Address]*types.Account
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{accounts: make(map[common.Address]*types.Account)}
}

func (m *mockEngineState) GetVault() (*VaultState, error) { return m.vault, nil }

func (m *mockEngineState) PutVault(v *VaultState) error {
	m.vault = v
	return nil
}

func (m *mockEngineState) GetPosition() (*LoopPosition, error) { return m.position, nil }

func (m *mockEngineState) PutPosition(p *LoopPosition) error {
	m.position = p
	return nil
}

func (m *mockEngineState) GetAccount(addr common.Address) (*types.Account, error) {
	return m.accounts[addr], nil
}

func (m *mockEngineState) PutAccount(addr common.Address, account *types.Account) error {
	m.accounts[addr] = account
	return nil
}

func (m *mockEngineState) account(addr common.Address) *types.Account {
	acc, ok := m.accounts[addr]
	if !ok {
		acc = &types.Account{}
		m.accounts[addr] = acc
	}
	acc.Normalize()
	return acc
}

// staticOracle serves fixed WAD rates from an in-memory table.
type staticOracle struct {
	rates map[Asset]map[Asset]*big.Int
}

func newFlatOracle() *staticOracle {
	o := &staticOracle{rates: make(map[Asset]map[Asset]*big.Int)}
	assets := []Asset{AssetBase, AssetBorrowed, AssetReceipt}
	for _, from := range assets {
		for _, to := range assets {
			if from != to {
				o.set(from, to, new(big.Int).Set(wad))
			}
		}
	}
	return o
}

func (o *staticOracle) set(from, to Asset, rate *big.Int) {
	if o.rates[from] == nil {
		o.rates[from] = make(map[Asset]*big.Int)
	}
	o.rates[from][to] = rate
}

func (o *staticOracle) Rate(from, to Asset) (*big.Int, error) {
	if from == to {
		return new(big.Int).Set(wad), nil
	}
	if r, ok := o.rates[from][to]; ok {
		return new(big.Int).Set(r), nil
	}
	return big.NewInt(0), nil
}

// memVenue is an in-memory credit venue. Capacity is reported through
// AccountRisk but not enforced on Borrow; the engine sizes its own draws.
type memVenue struct {
	oracle     *staticOracle
	ltvBps     uint64
	collateral map[Asset]*big.Int
	debt       *big.Int
}

func newMemVenue(oracle *staticOracle, ltvBps uint64) *memVenue {
	return &memVenue{
		oracle:     oracle,
		ltvBps:     ltvBps,
		collateral: make(map[Asset]*big.Int),
		debt:       big.NewInt(0),
	}
}

func (v *memVenue) valueInBase(asset Asset, amount *big.Int) *big.Int {
	if amount == nil || amount.Sign() == 0 {
		return big.NewInt(0)
	}
	if asset == AssetBase {
		return new(big.Int).Set(amount)
	}
	rate, _ := v.oracle.Rate(asset, AssetBase)
	return wadMul(amount, rate)
}

func (v *memVenue) SupplyCollateral(asset Asset, amount *big.Int, _ common.Address) error {
	if amount == nil || amount.Sign() <= 0 {
		return errors.New("venue: invalid supply amount")
	}
	held := v.collateral[asset]
	if held == nil {
		held = big.NewInt(0)
	}
	v.collateral[asset] = new(big.Int).Add(held, amount)
	return nil
}

func (v *memVenue) Borrow(_ Asset, amount *big.Int, _ common.Address) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errors.New("venue: invalid borrow amount")
	}
	v.debt = new(big.Int).Add(v.debt, amount)
	return new(big.Int).Set(amount), nil
}

func (v *memVenue) Repay(_ Asset, amount *big.Int, _ common.Address) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	paid := minBig(amount, v.debt)
	v.debt = new(big.Int).Sub(v.debt, paid)
	return paid, nil
}

func (v *memVenue) WithdrawCollateral(asset Asset, amount *big.Int, _ common.Address) (*big.Int, error) {
	held := v.collateral[asset]
	if held == nil || held.Cmp(amount) < 0 {
		return nil, errors.New("venue: insufficient collateral")
	}
	v.collateral[asset] = new(big.Int).Sub(held, amount)
	return new(big.Int).Set(amount), nil
}

func (v *memVenue) AccountRisk(common.Address) (AccountRisk, error) {
	collateralValue := big.NewInt(0)
	for asset, amount := range v.collateral {
		collateralValue.Add(collateralValue, v.valueInBase(asset, amount))
	}
	debtValue := v.valueInBase(AssetBorrowed, v.debt)

	headroom := new(big.Int).Sub(bpsOf(collateralValue, v.ltvBps), debtValue)
	available := big.NewInt(0)
	if headroom.Sign() > 0 {
		rate, _ := v.oracle.Rate(AssetBase, AssetBorrowed)
		available = wadMul(headroom, rate)
	}

	safety := new(big.Int).Mul(wad, big.NewInt(1_000_000))
	if debtValue.Sign() > 0 {
		safety = wadDiv(collateralValue, debtValue)
	}
	return AccountRisk{
		CollateralValue: collateralValue,
		DebtValue:       debtValue,
		AvailableBorrow: available,
		SafetyRatio:     safety,
	}, nil
}

// identityStaker converts borrowed into receipt at a fixed WAD rate.
type identityStaker struct {
	rate *big.Int
}

func (s identityStaker) Convert(amount *big.Int) (*big.Int, error) {
	rate := s.rate
	if rate == nil {
		rate = wad
	}
	return wadMul(amount, rate), nil
}

func testAddr(suffix byte) common.Address {
	var addr common.Address
	addr[len(addr)-1] = suffix
	return addr
}

var (
	moduleAddr    = testAddr(0x01)
	ownerAddr     = testAddr(0xAA)
	curatorAddr   = testAddr(0xAB)
	allocatorAddr = testAddr(0xAC)
	guardianAddr  = testAddr(0xAD)
	feeAddr       = testAddr(0xAE)
	skimAddr      = testAddr(0xAF)
	userAddr      = testAddr(0xB0)
	otherAddr     = testAddr(0xB1)
)

type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testFixture struct {
	engine *Engine
	state  *mockEngineState
	venue  *memVenue
	oracle *staticOracle
	clock  *testClock
}

func newTestFixture() *testFixture {
	oracle := newFlatOracle()
	venue := newMemVenue(oracle, 8000)
	state := newMockEngineState()
	clock := newTestClock()

	engine := NewEngine(moduleAddr)
	engine.SetState(state)
	engine.SetVenues(venue, nil)
	engine.SetStakingConverter(identityStaker{})
	engine.SetOracle(oracle)
	engine.SetNowFunc(clock.Now)

	state.vault = &VaultState{
		Owner:   ownerAddr,
		Curator: curatorAddr,
		Allocators: map[common.Address]bool{
			allocatorAddr: true,
		},
		FeeRecipient:  feeAddr,
		SkimRecipient: skimAddr,
		TimelockSeconds: Timelocked[uint64]{
			Value: 3 * 24 * 60 * 60,
		},
		Guardian: Timelocked[common.Address]{
			Value: guardianAddr,
		},
		Strategy: StrategyParams{
			TargetLeverageBps: 30_000,
			MaxIterations:     10,
			MinHealthFactor:   mustBigInt("1300000000000000000"),
		},
	}
	state.vault.Normalize()
	return &testFixture{engine: engine, state: state, venue: venue, oracle: oracle, clock: clock}
}

func (f *testFixture) fund(addr common.Address, base int64) {
	acc := f.state.account(addr)
	acc.BalanceBase = new(big.Int).Add(acc.BalanceBase, big.NewInt(base))
}
