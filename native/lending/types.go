package lending

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	nativecommon "crucible/native/common"
	"crucible/native/fixedpoint"
)

// PauseTimelock is the delay between proposing and executing a market pause.
const PauseTimelock uint64 = 24 * 60 * 60

// Params are the operator-controlled settings of a market.
type Params struct {
	Asset                   string
	ReceiptAsset            string
	Model                   InterestModel
	LiquidationThresholdBps uint64
	MinimumReserve          *uint256.Int
}

// Validate rejects incoherent params with ErrInvalidConfig.
func (p Params) Validate() error {
	if strings.TrimSpace(p.Asset) == "" || strings.TrimSpace(p.ReceiptAsset) == "" {
		return fmt.Errorf("%w: market asset and receipt asset required", nativecommon.ErrInvalidConfig)
	}
	if strings.EqualFold(strings.TrimSpace(p.Asset), strings.TrimSpace(p.ReceiptAsset)) {
		return fmt.Errorf("%w: receipt asset must differ from base asset", nativecommon.ErrInvalidConfig)
	}
	if p.LiquidationThresholdBps == 0 || p.LiquidationThresholdBps >= fixedpoint.BasisPoints {
		return fmt.Errorf("%w: liquidation threshold %d bps must be in (0, 10000)", nativecommon.ErrInvalidConfig, p.LiquidationThresholdBps)
	}
	return p.Model.Validate()
}

// Market captures the global accounting state of one lending pool.
type Market struct {
	Params
	// TotalSupply is the liquidity owed to suppliers, including repaid
	// interest.
	TotalSupply *uint256.Int
	// TotalBorrowed is outstanding principal across all borrowers.
	TotalBorrowed *uint256.Int
	// AccumulatedIndex starts at Scale and grows with every accrual.
	AccumulatedIndex *uint256.Int
	// LastAccrued is the timestamp of the last accrual in seconds.
	LastAccrued     uint64
	Paused          bool
	PauseProposedAt uint64
}

// NewMarket creates an empty market whose index starts at Scale.
func NewMarket(p Params, now uint64) (*Market, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.Asset = strings.ToUpper(strings.TrimSpace(p.Asset))
	p.ReceiptAsset = strings.ToUpper(strings.TrimSpace(p.ReceiptAsset))
	p.MinimumReserve = fixedpoint.Clone(p.MinimumReserve)
	return &Market{
		Params:           p,
		TotalSupply:      fixedpoint.Zero(),
		TotalBorrowed:    fixedpoint.Zero(),
		AccumulatedIndex: fixedpoint.Scale(),
		LastAccrued:      now,
	}, nil
}

// Custody is the ledger account holding the market's liquidity.
func (m *Market) Custody() string { return CustodyAccount(m.Asset) }

// CustodyAccount names the custody account of the market for asset.
func CustodyAccount(asset string) string {
	return "market:" + strings.ToUpper(strings.TrimSpace(asset))
}

// Available is supply minus outstanding principal, floored at zero.
func (m *Market) Available() *uint256.Int {
	if m.TotalBorrowed.Gt(m.TotalSupply) {
		return fixedpoint.Zero()
	}
	return new(uint256.Int).Sub(m.TotalSupply, m.TotalBorrowed)
}

// Clone returns a deep copy of the market.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	clone := *m
	clone.MinimumReserve = fixedpoint.Clone(m.MinimumReserve)
	clone.TotalSupply = fixedpoint.Clone(m.TotalSupply)
	clone.TotalBorrowed = fixedpoint.Clone(m.TotalBorrowed)
	clone.AccumulatedIndex = fixedpoint.Clone(m.AccumulatedIndex)
	return &clone
}

// BorrowerAccount tracks one debt. BorrowIndex is the principal-weighted
// average of the market index at each borrow.
type BorrowerAccount struct {
	ID          string
	Principal   *uint256.Int
	BorrowIndex *uint256.Int
}

// Clone returns a deep copy of the account.
func (a *BorrowerAccount) Clone() *BorrowerAccount {
	if a == nil {
		return nil
	}
	return &BorrowerAccount{
		ID:          a.ID,
		Principal:   fixedpoint.Clone(a.Principal),
		BorrowIndex: fixedpoint.Clone(a.BorrowIndex),
	}
}
