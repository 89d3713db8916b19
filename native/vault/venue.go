package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AccountRisk is the venue-reported risk snapshot for one account. Values are
// denominated in the base asset except AvailableBorrow, which is expressed in
// units of the borrowed asset so the loop can feed it straight into a borrow
// call.
type AccountRisk struct {
	CollateralValue *big.Int
	DebtValue       *big.Int
	AvailableBorrow *big.Int
	// SafetyRatio is the WAD-scaled ratio of liquidation-weighted collateral
	// to debt. Below the configured floor the position is at liquidation
	// risk. A flat account reports the maximum representable ratio.
	SafetyRatio *big.Int
}

// CreditVenue models an external lending/borrowing market. Calls are
// synchronous and either fully succeed or abort the enclosing operation.
type CreditVenue interface {
	SupplyCollateral(asset Asset, amount *big.Int, onBehalf common.Address) error
	Borrow(asset Asset, amount *big.Int, onBehalf common.Address) (*big.Int, error)
	Repay(asset Asset, amount *big.Int, onBehalf common.Address) (*big.Int, error)
	WithdrawCollateral(asset Asset, amount *big.Int, to common.Address) (*big.Int, error)
	AccountRisk(account common.Address) (AccountRisk, error)
}

// StakingConverter converts the borrowed asset into the yield-bearing receipt
// asset at a venue-determined rate. The conversion is one-directional; no
// unstake primitive is assumed to exist.
type StakingConverter interface {
	Convert(amount *big.Int) (*big.Int, error)
}

// PriceOracle supplies WAD-scaled exchange rates: Rate(a, b) is the amount of
// b one unit of a is worth, times 1e18. Rates may be stale or zero; the
// engine treats a zero rate as "leg has no observable value" rather than
// faulting.
type PriceOracle interface {
	Rate(base, quote Asset) (*big.Int, error)
}
