package events

import (
	"github.com/holiman/uint256"

	"crucible/core/types"
)

const (
	// TypePositionOpened is emitted when a leveraged position is created.
	TypePositionOpened = "leverage.position_opened"
	// TypePositionClosed is emitted when an owner closes a position.
	TypePositionClosed = "leverage.position_closed"
	// TypePositionLiquidated is emitted when a position is force closed.
	TypePositionLiquidated = "leverage.position_liquidated"
)

// PositionOpened records a new position and the collateral it locked.
type PositionOpened struct {
	PositionID        uint64
	Owner             string
	Asset             string
	Collateral        *uint256.Int
	Borrowed          *uint256.Int
	Leverage          uint64
	EntryPrice        uint64
	EntryExchangeRate *uint256.Int
	CreatedAt         uint64
	LockedBefore      *uint256.Int
	LockedAfter       *uint256.Int
}

func (PositionOpened) EventType() string { return TypePositionOpened }

func (e PositionOpened) Event() *types.Event {
	return &types.Event{
		Type: TypePositionOpened,
		Attributes: map[string]string{
			"positionId":        u64(e.PositionID),
			"owner":             trim(e.Owner),
			"asset":             trim(e.Asset),
			"collateral":        amount(e.Collateral),
			"borrowed":          amount(e.Borrowed),
			"leverage":          u64(e.Leverage),
			"entryPrice":        u64(e.EntryPrice),
			"entryExchangeRate": amount(e.EntryExchangeRate),
			"createdAt":         u64(e.CreatedAt),
			"lockedBefore":      amount(e.LockedBefore),
			"lockedAfter":       amount(e.LockedAfter),
		},
	}
}

// PositionClosed records a voluntary close and its settlement breakdown.
type PositionClosed struct {
	PositionID    uint64
	Owner         string
	Price         uint64
	SlippageBps   uint64
	Yield         *uint256.Int
	PrincipalFee  *uint256.Int
	YieldFee      *uint256.Int
	VaultShare    *uint256.Int
	TreasuryShare *uint256.Int
	Repaid        *uint256.Int
	Payout        *uint256.Int
	LockedBefore  *uint256.Int
	LockedAfter   *uint256.Int
}

func (PositionClosed) EventType() string { return TypePositionClosed }

func (e PositionClosed) Event() *types.Event {
	return &types.Event{
		Type: TypePositionClosed,
		Attributes: map[string]string{
			"positionId":    u64(e.PositionID),
			"owner":         trim(e.Owner),
			"price":         u64(e.Price),
			"slippageBps":   u64(e.SlippageBps),
			"yield":         amount(e.Yield),
			"principalFee":  amount(e.PrincipalFee),
			"yieldFee":      amount(e.YieldFee),
			"vaultShare":    amount(e.VaultShare),
			"treasuryShare": amount(e.TreasuryShare),
			"repaid":        amount(e.Repaid),
			"payout":        amount(e.Payout),
			"lockedBefore":  amount(e.LockedBefore),
			"lockedAfter":   amount(e.LockedAfter),
		},
	}
}

// PositionLiquidated records a forced close.
type PositionLiquidated struct {
	PositionID   uint64
	Owner        string
	Liquidator   string
	Price        uint64
	LTVBps       uint64
	ThresholdBps uint64
	Debt         *uint256.Int
	Bonus        *uint256.Int
	Seized       *uint256.Int
	Returned     *uint256.Int
	LockedBefore *uint256.Int
	LockedAfter  *uint256.Int
}

func (PositionLiquidated) EventType() string { return TypePositionLiquidated }

func (e PositionLiquidated) Event() *types.Event {
	return &types.Event{
		Type: TypePositionLiquidated,
		Attributes: map[string]string{
			"positionId":   u64(e.PositionID),
			"owner":        trim(e.Owner),
			"liquidator":   trim(e.Liquidator),
			"price":        u64(e.Price),
			"ltvBps":       u64(e.LTVBps),
			"thresholdBps": u64(e.ThresholdBps),
			"debt":         amount(e.Debt),
			"bonus":        amount(e.Bonus),
			"seized":       amount(e.Seized),
			"returned":     amount(e.Returned),
			"lockedBefore": amount(e.LockedBefore),
			"lockedAfter":  amount(e.LockedAfter),
		},
	}
}
