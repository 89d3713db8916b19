package vault

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"loopvault/core/events"
	"loopvault/core/types"
	nativecommon "loopvault/native/common"
)

const moduleName = "vault"

// engineState is the persistence surface the engine mutates. The vault state
// and loop position are singletons per vault instance.
type engineState interface {
	GetVault() (*VaultState, error)
	PutVault(*VaultState) error
	GetPosition() (*LoopPosition, error)
	PutPosition(*LoopPosition) error
	GetAccount(addr common.Address) (*types.Account, error)
	PutAccount(addr common.Address, account *types.Account) error
}

// Engine orchestrates deposits, withdrawals, loop strategy passes and
// governance transitions for a single vault. Every public operation runs to
// completion under the engine mutex; intermediate states are never observable
// from another operation.
type Engine struct {
	mu sync.Mutex

	state      engineState
	moduleAddr common.Address

	primary   CreditVenue
	secondary CreditVenue
	staker    StakingConverter
	oracle    PriceOracle

	emitter events.Emitter
	nowFn   func() time.Time
	pauses  nativecommon.PauseView
}

// NewEngine constructs a vault engine bound to the module treasury address.
func NewEngine(moduleAddr common.Address) *Engine {
	return &Engine{
		moduleAddr: moduleAddr,
		emitter:    events.NoopEmitter{},
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetVenues configures the credit venues. The secondary venue may be nil, in
// which case the loop runs in its single-venue variant.
func (e *Engine) SetVenues(primary, secondary CreditVenue) {
	if e == nil {
		return
	}
	e.primary = primary
	e.secondary = secondary
}

// SetStakingConverter configures the borrowed-to-receipt conversion service.
func (e *Engine) SetStakingConverter(staker StakingConverter) {
	if e == nil {
		return
	}
	e.staker = staker
}

// SetOracle configures the read-only price oracle.
func (e *Engine) SetOracle(oracle PriceOracle) {
	if e == nil {
		return
	}
	e.oracle = oracle
}

// SetEmitter configures the event emitter. Passing nil restores the no-op
// implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock used for timelock evaluation. Nil restores
// the default UTC clock.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if e == nil {
		return
	}
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// SetPauses wires the administrative pause view consulted before every
// state-mutating operation.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// ModuleAddress returns the treasury address holding the vault's balances.
func (e *Engine) ModuleAddress() common.Address {
	if e == nil {
		return common.Address{}
	}
	return e.moduleAddr
}

func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now().UTC()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

// accountSet caches loaded accounts for the duration of one operation so two
// lookups of the same address alias the same record, and flushes every dirty
// account in one pass at commit time.
type accountSet struct {
	state    engineState
	accounts map[common.Address]*types.Account
}

func newAccountSet(state engineState) *accountSet {
	return &accountSet{state: state, accounts: make(map[common.Address]*types.Account)}
}

func (s *accountSet) get(addr common.Address) (*types.Account, error) {
	if acc, ok := s.accounts[addr]; ok {
		return acc, nil
	}
	acc, err := s.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = &types.Account{}
	}
	acc.Normalize()
	s.accounts[addr] = acc
	return acc, nil
}

func (s *accountSet) flush() error {
	for addr, acc := range s.accounts {
		if err := s.state.PutAccount(addr, acc); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) loadVault() (*VaultState, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	vault, err := e.state.GetVault()
	if err != nil {
		return nil, err
	}
	if vault == nil {
		vault = &VaultState{}
	}
	vault.Normalize()
	return vault, nil
}

func (e *Engine) loadPosition() (*LoopPosition, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	pos, err := e.state.GetPosition()
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &LoopPosition{}
	}
	pos.Normalize()
	return pos, nil
}

// rate resolves the oracle exchange rate between two assets. Missing or
// invalid quotes collapse to zero; the engine must tolerate placeholder
// oracle data without faulting.
func (e *Engine) rate(from, to Asset) *big.Int {
	if from == to {
		return new(big.Int).Set(wad)
	}
	if e == nil || e.oracle == nil {
		return big.NewInt(0)
	}
	r, err := e.oracle.Rate(from, to)
	if err != nil || r == nil || r.Sign() <= 0 {
		return big.NewInt(0)
	}
	return r
}

// valueInBase converts an asset amount into base units at the oracle rate.
func (e *Engine) valueInBase(amount *big.Int, asset Asset) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	if asset == AssetBase {
		return new(big.Int).Set(amount)
	}
	return wadMul(amount, e.rate(asset, AssetBase))
}

// Deposit moves base assets from the sender into the vault, mints shares to
// the receiver and extends the leverage loop. The minted share amount is
// returned.
func (e *Engine) Deposit(sender, receiver common.Address, assets *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if assets == nil || assets.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	if receiver == (common.Address{}) {
		return nil, errZeroAddress
	}

	vault, err := e.loadVault()
	if err != nil {
		return nil, err
	}
	pos, err := e.loadPosition()
	if err != nil {
		return nil, err
	}
	accs := newAccountSet(e.state)
	moduleAcc, err := accs.get(e.moduleAddr)
	if err != nil {
		return nil, err
	}

	total, err := e.accrue(vault, pos, moduleAcc, accs)
	if err != nil {
		return nil, err
	}

	ceiling := vault.DepositCeiling.Value
	if ceiling != nil && ceiling.Sign() > 0 {
		projected := new(big.Int).Add(total, assets)
		if projected.Cmp(ceiling) > 0 {
			return nil, errCeilingExceeded
		}
	}

	senderAcc, err := accs.get(sender)
	if err != nil {
		return nil, err
	}
	if senderAcc.BalanceBase.Cmp(assets) < 0 {
		return nil, errInsufficientBalance
	}

	shares := convertShares(assets, vault.TotalShares, total, RoundDown)

	senderAcc.BalanceBase = new(big.Int).Sub(senderAcc.BalanceBase, assets)
	moduleAcc.BalanceBase = new(big.Int).Add(moduleAcc.BalanceBase, assets)

	receiverAcc, err := accs.get(receiver)
	if err != nil {
		return nil, err
	}
	receiverAcc.BalanceShares = new(big.Int).Add(receiverAcc.BalanceShares, shares)
	vault.TotalShares = new(big.Int).Add(vault.TotalShares, shares)

	// Snapshot the post-deposit valuation before any venue interaction so a
	// nested read observes a consistent, conservative total.
	vault.LastTotalAssets = new(big.Int).Add(total, assets)

	if err := e.buildLoop(vault, pos, moduleAcc); err != nil {
		return nil, err
	}

	if err := e.commit(vault, pos, accs); err != nil {
		return nil, err
	}

	e.emit(events.VaultDeposited{Sender: sender, Receiver: receiver, Assets: new(big.Int).Set(assets), Shares: new(big.Int).Set(shares)})
	return shares, nil
}

// Withdraw redeems base assets for the owner, unwinding as much of the loop
// position as the request requires. The burned share amount is returned. The
// caller must be the owner of the shares; allowance flows live in the outer
// token layer.
func (e *Engine) Withdraw(caller, receiver, owner common.Address, assets *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if assets == nil || assets.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	if caller != owner {
		return nil, ErrUnauthorized
	}
	if receiver == (common.Address{}) {
		return nil, errZeroAddress
	}

	vault, err := e.loadVault()
	if err != nil {
		return nil, err
	}
	pos, err := e.loadPosition()
	if err != nil {
		return nil, err
	}
	accs := newAccountSet(e.state)
	moduleAcc, err := accs.get(e.moduleAddr)
	if err != nil {
		return nil, err
	}

	total, err := e.accrue(vault, pos, moduleAcc, accs)
	if err != nil {
		return nil, err
	}

	shares := convertShares(assets, vault.TotalShares, total, RoundUp)

	ownerAcc, err := accs.get(owner)
	if err != nil {
		return nil, err
	}
	if ownerAcc.BalanceShares.Cmp(shares) < 0 {
		return nil, errInsufficientShares
	}

	if moduleAcc.BalanceBase.Cmp(assets) < 0 {
		needed := new(big.Int).Sub(assets, moduleAcc.BalanceBase)
		if err := e.unwind(pos, moduleAcc, needed); err != nil {
			return nil, err
		}
	}
	if moduleAcc.BalanceBase.Cmp(assets) < 0 {
		return nil, errInsufficientIdle
	}

	ownerAcc.BalanceShares = new(big.Int).Sub(ownerAcc.BalanceShares, shares)
	vault.TotalShares = new(big.Int).Sub(vault.TotalShares, shares)

	moduleAcc.BalanceBase = new(big.Int).Sub(moduleAcc.BalanceBase, assets)
	receiverAcc, err := accs.get(receiver)
	if err != nil {
		return nil, err
	}
	receiverAcc.BalanceBase = new(big.Int).Add(receiverAcc.BalanceBase, assets)

	vault.LastTotalAssets = clampZero(new(big.Int).Sub(total, assets))

	if err := e.commit(vault, pos, accs); err != nil {
		return nil, err
	}

	e.emit(events.VaultWithdrawn{Caller: caller, Receiver: receiver, Owner: owner, Assets: new(big.Int).Set(assets), Shares: new(big.Int).Set(shares)})
	return shares, nil
}

// Rebalance tears the position down and rebuilds it at the current strategy
// targets. Restricted to allocators.
func (e *Engine) Rebalance(caller common.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}

	vault, err := e.loadVault()
	if err != nil {
		return err
	}
	if !vault.isAllocator(caller) {
		return ErrUnauthorized
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
	if err := e.unwindAll(pos, moduleAcc); err != nil {
		return err
	}
	if err := e.buildLoop(vault, pos, moduleAcc); err != nil {
		return err
	}

	// Rebuilding realises rounding slippage; re-anchor the fee snapshot so
	// the loss is not double-counted as negative interest.
	vault.LastTotalAssets = e.totalAssets(pos, moduleAcc)

	return e.commit(vault, pos, accs)
}

// EmergencyUnwind fully reverses the leverage position. Restricted to the
// guardian and the owner.
func (e *Engine) EmergencyUnwind(caller common.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	vault, err := e.loadVault()
	if err != nil {
		return err
	}
	if !vault.isGuardian(caller) {
		return ErrUnauthorized
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
	idleBefore := new(big.Int).Set(moduleAcc.BalanceBase)
	if err := e.unwindAll(pos, moduleAcc); err != nil {
		return err
	}
	released := new(big.Int).Sub(moduleAcc.BalanceBase, idleBefore)
	vault.LastTotalAssets = e.totalAssets(pos, moduleAcc)

	if err := e.commit(vault, pos, accs); err != nil {
		return err
	}

	e.emit(events.EmergencyUnwound{Caller: caller, Released: released})
	return nil
}

// Skim sweeps loose non-core balances held by the module account to the skim
// recipient. Loop valuation only counts venue legs and idle base, so residue
// of the borrowed or receipt asset left by rounding is not depositor value.
func (e *Engine) Skim(caller common.Address, asset Asset) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}

	vault, err := e.loadVault()
	if err != nil {
		return nil, err
	}
	if vault.SkimRecipient == (common.Address{}) {
		return nil, errNoSkimRecipient
	}

	accs := newAccountSet(e.state)
	moduleAcc, err := accs.get(e.moduleAddr)
	if err != nil {
		return nil, err
	}
	recipientAcc, err := accs.get(vault.SkimRecipient)
	if err != nil {
		return nil, err
	}

	var amount *big.Int
	switch asset {
	case AssetBorrowed:
		amount = new(big.Int).Set(moduleAcc.BalanceBorrowed)
		moduleAcc.BalanceBorrowed = big.NewInt(0)
		recipientAcc.BalanceBorrowed = new(big.Int).Add(recipientAcc.BalanceBorrowed, amount)
	case AssetReceipt:
		amount = new(big.Int).Set(moduleAcc.BalanceReceipt)
		moduleAcc.BalanceReceipt = big.NewInt(0)
		recipientAcc.BalanceReceipt = new(big.Int).Add(recipientAcc.BalanceReceipt, amount)
	default:
		return nil, errSkimCoreAsset
	}

	if err := accs.flush(); err != nil {
		return nil, err
	}

	e.emit(events.VaultSkimmed{Caller: caller, Recipient: vault.SkimRecipient, Asset: string(asset), Amount: new(big.Int).Set(amount)})
	return amount, nil
}

// AccrueFee realises pending performance fees without any other side effect.
// Callable by anyone; a no-op accrual is valid.
func (e *Engine) AccrueFee() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	vault, err := e.loadVault()
	if err != nil {
		return err
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
	return e.commit(vault, pos, accs)
}

func (e *Engine) commit(vault *VaultState, pos *LoopPosition, accs *accountSet) error {
	if err := accs.flush(); err != nil {
		return err
	}
	if err := e.state.PutPosition(pos); err != nil {
		return err
	}
	return e.state.PutVault(vault)
}
