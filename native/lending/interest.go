package lending

import (
	"fmt"

	"github.com/holiman/uint256"

	nativecommon "crucible/native/common"
	"crucible/native/fixedpoint"
)

const (
	// maxRateBps caps base and slope parameters at 10,000% APR.
	maxRateBps uint64 = 1_000_000
	// maxKinkBps is 100% utilisation.
	maxKinkBps uint64 = 10_000
)

// InterestModel encapsulates the parameters that shape how interest rates react
// to market utilisation. All values are basis points of an annual rate, except
// KinkBps which is a utilisation.
type InterestModel struct {
	// BaseRateBps is the borrow APR applied when utilisation is zero.
	BaseRateBps uint64
	// Slope1Bps is the APR added per unit of utilisation up to the kink.
	Slope1Bps uint64
	// Slope2Bps is the APR added per unit of utilisation beyond the kink.
	Slope2Bps uint64
	// KinkBps is the utilisation where the slope changes.
	KinkBps uint64
}

// DefaultInterestModel is a 2% base, 15%/60% slopes and an 80% kink.
var DefaultInterestModel = InterestModel{BaseRateBps: 200, Slope1Bps: 1_500, Slope2Bps: 6_000, KinkBps: 8_000}

// Validate rejects out-of-range parameters with ErrInvalidConfig.
func (m InterestModel) Validate() error {
	if m.BaseRateBps > maxRateBps || m.Slope1Bps > maxRateBps || m.Slope2Bps > maxRateBps {
		return fmt.Errorf("%w: interest rates must not exceed %d bps", nativecommon.ErrInvalidConfig, maxRateBps)
	}
	if m.KinkBps > maxKinkBps {
		return fmt.Errorf("%w: kink %d bps exceeds %d", nativecommon.ErrInvalidConfig, m.KinkBps, maxKinkBps)
	}
	return nil
}

// Utilisation computes totalBorrowed*Scale/max(1, totalSupplied).
func Utilisation(totalBorrowed, totalSupplied *uint256.Int) (*uint256.Int, error) {
	denominator := fixedpoint.Clone(totalSupplied)
	if denominator.IsZero() {
		denominator.SetOne()
	}
	return fixedpoint.MulDiv(totalBorrowed, fixedpoint.Scale(), denominator)
}

// Rate derives the Scale-denominated borrow APR at utilisation.
func (m InterestModel) Rate(utilisation *uint256.Int) (*uint256.Int, error) {
	base, err := fixedpoint.BpsToScale(m.BaseRateBps)
	if err != nil {
		return nil, err
	}
	slope1, err := fixedpoint.BpsToScale(m.Slope1Bps)
	if err != nil {
		return nil, err
	}
	kink, err := fixedpoint.BpsToScale(m.KinkBps)
	if err != nil {
		return nil, err
	}
	u := fixedpoint.Clone(utilisation)
	if u.Lt(kink) {
		// Linear region before the kink.
		step, err := fixedpoint.MulDiv(u, slope1, fixedpoint.Scale())
		if err != nil {
			return nil, err
		}
		return fixedpoint.Add(base, step)
	}

	atKink, err := fixedpoint.MulDiv(kink, slope1, fixedpoint.Scale())
	if err != nil {
		return nil, err
	}
	slope2, err := fixedpoint.BpsToScale(m.Slope2Bps)
	if err != nil {
		return nil, err
	}
	excess := new(uint256.Int).Sub(u, kink)
	beyond, err := fixedpoint.MulDiv(excess, slope2, fixedpoint.Scale())
	if err != nil {
		return nil, err
	}
	rate, err := fixedpoint.Add(base, atKink)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Add(rate, beyond)
}

// SupplyRate is the APR earned by suppliers: borrow rate weighted by
// utilisation.
func (m InterestModel) SupplyRate(utilisation *uint256.Int) (*uint256.Int, error) {
	borrow, err := m.Rate(utilisation)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulDiv(borrow, utilisation, fixedpoint.Scale())
}

// GrowIndex advances index by the linear accrual of annualRate over elapsed
// seconds: index + index*rate*elapsed/Scale/SecondsPerYear. The result never
// decreases.
func GrowIndex(index, annualRate *uint256.Int, elapsed uint64) (*uint256.Int, error) {
	if elapsed == 0 || fixedpoint.IsZero(annualRate) {
		return fixedpoint.Clone(index), nil
	}
	rateTime, err := fixedpoint.Mul(annualRate, uint256.NewInt(elapsed))
	if err != nil {
		return nil, err
	}
	denominator, err := fixedpoint.Mul(fixedpoint.Scale(), uint256.NewInt(fixedpoint.SecondsPerYear))
	if err != nil {
		return nil, err
	}
	increment, err := fixedpoint.MulDiv(index, rateTime, denominator)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Add(index, increment)
}

// Owed returns principal*currentIndex/borrowIndex. With equal indices it is
// exactly principal.
func Owed(principal, borrowIndex, currentIndex *uint256.Int) (*uint256.Int, error) {
	if fixedpoint.IsZero(principal) {
		return fixedpoint.Zero(), nil
	}
	if fixedpoint.IsZero(borrowIndex) {
		return nil, fmt.Errorf("%w: borrower index unset", nativecommon.ErrArithmeticOverflow)
	}
	if borrowIndex.Eq(currentIndex) {
		return fixedpoint.Clone(principal), nil
	}
	return fixedpoint.MulDiv(principal, currentIndex, borrowIndex)
}
