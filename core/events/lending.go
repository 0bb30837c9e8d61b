package events

import (
	"github.com/holiman/uint256"

	"crucible/core/types"
)

// TypeInterestAccrued is emitted when a market's borrow index advances.
const TypeInterestAccrued = "lending.interest_accrued"

// InterestAccrued records one lazy accrual step.
type InterestAccrued struct {
	Asset         string
	From          uint64
	To            uint64
	Utilization   *uint256.Int
	AnnualRate    *uint256.Int
	IndexBefore   *uint256.Int
	IndexAfter    *uint256.Int
	TotalBorrowed *uint256.Int
	TotalSupply   *uint256.Int
}

func (InterestAccrued) EventType() string { return TypeInterestAccrued }

func (e InterestAccrued) Event() *types.Event {
	return &types.Event{
		Type: TypeInterestAccrued,
		Attributes: map[string]string{
			"asset":         trim(e.Asset),
			"from":          u64(e.From),
			"to":            u64(e.To),
			"utilization":   amount(e.Utilization),
			"annualRate":    amount(e.AnnualRate),
			"indexBefore":   amount(e.IndexBefore),
			"indexAfter":    amount(e.IndexAfter),
			"totalBorrowed": amount(e.TotalBorrowed),
			"totalSupply":   amount(e.TotalSupply),
		},
	}
}
