package vault

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	wad         = mustBigInt("1000000000000000000") // 1e18 fixed-point scale

	// Virtual liquidity padding applied to share/asset conversions. The
	// padded totals keep an empty vault divisible and make the exchange rate
	// resistant to first-depositor inflation.
	virtualShares = big.NewInt(1)
	virtualAssets = big.NewInt(1)
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// Rounding selects the direction applied when integer division truncates.
type Rounding int

const (
	RoundDown Rounding = iota
	RoundUp
)

// mulDiv computes a*b/d with the requested rounding. A zero or nil
// denominator yields zero rather than faulting.
func mulDiv(a, b, d *big.Int, rounding Rounding) *big.Int {
	if a == nil || b == nil || d == nil || d.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	quo, rem := new(big.Int).QuoRem(product, d, new(big.Int))
	if rounding == RoundUp && rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

// bpsOf returns amount*bps/10000 rounded down.
func bpsOf(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	return mulDiv(amount, new(big.Int).SetUint64(bps), basisPoints, RoundDown)
}

// wadMul returns a*b/1e18 rounded down.
func wadMul(a, b *big.Int) *big.Int {
	return mulDiv(a, b, wad, RoundDown)
}

// wadDiv returns a*1e18/b rounded down.
func wadDiv(a, b *big.Int) *big.Int {
	return mulDiv(a, wad, b, RoundDown)
}

func minBig(values ...*big.Int) *big.Int {
	var min *big.Int
	for _, v := range values {
		if v == nil {
			continue
		}
		if min == nil || v.Cmp(min) < 0 {
			min = v
		}
	}
	if min == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(min)
}

func clampZero(v *big.Int) *big.Int {
	if v == nil || v.Sign() < 0 {
		return big.NewInt(0)
	}
	return v
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
