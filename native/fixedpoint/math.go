// Package fixedpoint holds the checked 256-bit arithmetic shared by the
// settlement engines. Every helper returns common.ErrArithmeticOverflow rather
// than wrapping or truncating.
package fixedpoint

import (
	"fmt"

	"github.com/holiman/uint256"

	nativecommon "crucible/native/common"
)

const (
	// BasisPoints is the denominator for every *Bps parameter.
	BasisPoints uint64 = 10_000
	// SecondsPerYear converts annual rates to per-second accrual.
	SecondsPerYear uint64 = 31_536_000

	scaleValue      uint64 = 1_000_000_000_000_000_000
	priceScaleValue uint64 = 1_000_000
)

// Scale returns the 1e18 fixed-point unit used for exchange rates, interest
// indices, utilisation and rates.
func Scale() *uint256.Int { return uint256.NewInt(scaleValue) }

// PriceScale returns the 1e6 unit oracle prices are quoted in.
func PriceScale() *uint256.Int { return uint256.NewInt(priceScaleValue) }

// Zero returns a fresh zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// New wraps a uint64.
func New(v uint64) *uint256.Int { return uint256.NewInt(v) }

// Clone copies v, treating nil as zero.
func Clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

// IsZero reports whether v is nil or zero.
func IsZero(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}

// Parse decodes a base-10 amount.
func Parse(raw string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", nativecommon.ErrInvalidAmount, raw, err)
	}
	return v, nil
}

// Add returns a+b.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(Clone(a), Clone(b))
	if overflow {
		return nil, fmt.Errorf("%w: %s + %s", nativecommon.ErrArithmeticOverflow, Clone(a).Dec(), Clone(b).Dec())
	}
	return out, nil
}

// Sub returns a-b and fails when b > a.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	out, underflow := new(uint256.Int).SubOverflow(Clone(a), Clone(b))
	if underflow {
		return nil, fmt.Errorf("%w: %s - %s", nativecommon.ErrArithmeticOverflow, Clone(a).Dec(), Clone(b).Dec())
	}
	return out, nil
}

// Mul returns a*b.
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulOverflow(Clone(a), Clone(b))
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s", nativecommon.ErrArithmeticOverflow, Clone(a).Dec(), Clone(b).Dec())
	}
	return out, nil
}

// Div returns floor(a/d) and rejects a zero divisor.
func Div(a, d *uint256.Int) (*uint256.Int, error) {
	if IsZero(d) {
		return nil, fmt.Errorf("%w: division by zero", nativecommon.ErrArithmeticOverflow)
	}
	return new(uint256.Int).Div(Clone(a), d), nil
}

// MulDiv returns floor(a*b/d). The product is formed at 512 bits so only a
// quotient that does not fit 256 bits fails.
func MulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	if IsZero(d) {
		return nil, fmt.Errorf("%w: division by zero", nativecommon.ErrArithmeticOverflow)
	}
	out, overflow := new(uint256.Int).MulDivOverflow(Clone(a), Clone(b), d)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s / %s", nativecommon.ErrArithmeticOverflow, Clone(a).Dec(), Clone(b).Dec(), d.Dec())
	}
	return out, nil
}

// Bps returns floor(amount*bps/10000).
func Bps(amount *uint256.Int, bps uint64) (*uint256.Int, error) {
	return MulDiv(amount, uint256.NewInt(bps), uint256.NewInt(BasisPoints))
}

// BpsToScale converts a basis-point parameter into a Scale-denominated rate.
func BpsToScale(bps uint64) (*uint256.Int, error) {
	return MulDiv(uint256.NewInt(bps), Scale(), uint256.NewInt(BasisPoints))
}

// Min returns the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if Clone(a).Cmp(Clone(b)) <= 0 {
		return Clone(a)
	}
	return Clone(b)
}

// AbsDiff returns |a-b|.
func AbsDiff(a, b *uint256.Int) *uint256.Int {
	x, y := Clone(a), Clone(b)
	if x.Cmp(y) >= 0 {
		return x.Sub(x, y)
	}
	return y.Sub(y, x)
}

// String renders v in base 10, with nil as "0".
func String(v *uint256.Int) string {
	return Clone(v).Dec()
}
