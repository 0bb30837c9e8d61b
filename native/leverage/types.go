package leverage

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	nativecommon "crucible/native/common"
	"crucible/native/fixedpoint"
)

const (
	// LeverageOne is a 1x leverage factor.
	LeverageOne uint64 = 100
	// DefaultMaxLeverage caps positions at 1.8x, an opening LTV of 8000 bps.
	DefaultMaxLeverage uint64 = 180
	// DefaultPrincipalFeeBps is charged on the entry value at close.
	DefaultPrincipalFeeBps uint64 = 200
	// DefaultYieldFeeBps is charged on realised yield at close.
	DefaultYieldFeeBps uint64 = 1_000
	// DefaultFeeVaultShareBps is the portion of close fees retained by the
	// vault. The remainder goes to the treasury.
	DefaultFeeVaultShareBps uint64 = 8_000
)

// Params configures the position manager for one collateral asset.
type Params struct {
	CollateralAsset  string
	DebtAsset        string
	OracleFeed       string
	MaxLeverage      uint64
	PrincipalFeeBps  uint64
	YieldFeeBps      uint64
	FeeVaultShareBps uint64
}

// DefaultParams returns params with the default leverage cap and fee schedule.
func DefaultParams(collateral, debt, feed string) Params {
	return Params{
		CollateralAsset:  collateral,
		DebtAsset:        debt,
		OracleFeed:       feed,
		MaxLeverage:      DefaultMaxLeverage,
		PrincipalFeeBps:  DefaultPrincipalFeeBps,
		YieldFeeBps:      DefaultYieldFeeBps,
		FeeVaultShareBps: DefaultFeeVaultShareBps,
	}
}

// Validate rejects incoherent params with ErrInvalidConfig.
func (p Params) Validate() error {
	if strings.TrimSpace(p.CollateralAsset) == "" || strings.TrimSpace(p.DebtAsset) == "" {
		return fmt.Errorf("%w: collateral and debt assets required", nativecommon.ErrInvalidConfig)
	}
	if strings.TrimSpace(p.OracleFeed) == "" {
		return fmt.Errorf("%w: oracle feed required", nativecommon.ErrInvalidConfig)
	}
	if p.MaxLeverage < LeverageOne {
		return fmt.Errorf("%w: max leverage %d below %d", nativecommon.ErrInvalidConfig, p.MaxLeverage, LeverageOne)
	}
	for _, check := range []struct {
		name  string
		value uint64
	}{
		{"principal fee", p.PrincipalFeeBps},
		{"yield fee", p.YieldFeeBps},
		{"fee vault share", p.FeeVaultShareBps},
	} {
		if check.value > fixedpoint.BasisPoints {
			return fmt.Errorf("%w: %s %d bps exceeds %d", nativecommon.ErrInvalidConfig, check.name, check.value, fixedpoint.BasisPoints)
		}
	}
	return nil
}

// OpeningLTVBps is the loan-to-value of a position opened at leverage.
func OpeningLTVBps(leverage uint64) uint64 {
	if leverage <= LeverageOne {
		return 0
	}
	return (leverage - LeverageOne) * fixedpoint.BasisPoints / LeverageOne
}

// CheckThreshold rejects a leverage cap whose positions would open at or
// above the market's liquidation threshold.
func CheckThreshold(maxLeverage, thresholdBps uint64) error {
	if ltv := OpeningLTVBps(maxLeverage); ltv >= thresholdBps {
		return fmt.Errorf("%w: max leverage %d opens at ltv=%d bps, liquidation threshold=%d bps", nativecommon.ErrInvalidConfig, maxLeverage, ltv, thresholdBps)
	}
	return nil
}

// Position is a leveraged exposure backed by collateral locked in the vault
// and debt held in its own lending account.
type Position struct {
	ID                uint64
	Owner             string
	CollateralAsset   string
	CollateralAmount  *uint256.Int
	DebtAsset         string
	DebtAccount       string
	BorrowedAmount    *uint256.Int
	Leverage          uint64
	EntryPrice        uint64
	EntryExchangeRate *uint256.Int
	CreatedAt         uint64
	ClosedAt          uint64
	Open              bool
}

// DebtAccountID names the lending account that carries the debt of position
// id.
func DebtAccountID(id uint64) string {
	return fmt.Sprintf("position:%d", id)
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := *p
	clone.CollateralAmount = fixedpoint.Clone(p.CollateralAmount)
	clone.BorrowedAmount = fixedpoint.Clone(p.BorrowedAmount)
	clone.EntryExchangeRate = fixedpoint.Clone(p.EntryExchangeRate)
	return &clone
}

// ValueAt prices amount collateral units at price (PriceScale-denominated).
func ValueAt(amount *uint256.Int, price uint64) (*uint256.Int, error) {
	return fixedpoint.MulDiv(amount, uint256.NewInt(price), fixedpoint.PriceScale())
}

// UnitsAt converts value back into collateral units at price.
func UnitsAt(value *uint256.Int, price uint64) (*uint256.Int, error) {
	return fixedpoint.MulDiv(value, fixedpoint.PriceScale(), uint256.NewInt(price))
}
