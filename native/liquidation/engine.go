// Package liquidation force-closes leveraged positions whose loan-to-value has
// reached the market's liquidation threshold.
package liquidation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"crucible/core/events"
	nativecommon "crucible/native/common"
	"crucible/native/fixedpoint"
	"crucible/native/lending"
	"crucible/native/leverage"
	"crucible/native/vault"
)

var (
	errNilState  = errors.New("liquidation engine: state not configured")
	errNilVault  = errors.New("liquidation engine: vault not configured")
	errNilMarket = errors.New("liquidation engine: lending market not configured")
	errNilOracle = errors.New("liquidation engine: oracle not configured")
	errNilClock  = errors.New("liquidation engine: clock not configured")
)

const moduleName = "liquidation"

// DefaultBonusBps rewards liquidators with 5% of the repaid debt.
const DefaultBonusBps uint64 = 500

// SettlementSource tags vault settlements produced by Liquidate.
const SettlementSource = "liquidation"

type engineState interface {
	GetPosition(id uint64) (*leverage.Position, error)
	PutPosition(p *leverage.Position) error
}

// Market is the lending surface a liquidation needs.
type Market interface {
	Market(asset string) (*lending.Market, error)
	Repay(asset, payer, id string, amount *uint256.Int) (*lending.RepayResult, error)
	TotalOwed(asset, id string) (*uint256.Int, error)
}

// Vault releases seized collateral.
type Vault interface {
	Vault(asset string) (*vault.Vault, error)
	Settle(asset string, s vault.Settlement) error
}

// Health is the loan-to-value snapshot of a position.
type Health struct {
	PositionID      uint64
	Price           uint64
	CollateralValue *uint256.Int
	DebtOwed        *uint256.Int
	LTVBps          uint64
	ThresholdBps    uint64
	Liquidatable    bool
}

// Result reports how a liquidation was settled. Seized and Returned are
// collateral units.
type Result struct {
	Health   *Health
	Bonus    *uint256.Int
	Repaid   *uint256.Int
	Seized   *uint256.Int
	Returned *uint256.Int
}

// Engine evaluates and executes liquidations.
type Engine struct {
	bonusBps uint64
	feed     string
	state    engineState
	vault    Vault
	market   Market
	prices   leverage.PriceSource
	emitter  events.Emitter
	pauses   nativecommon.PauseView
	clock    nativecommon.Clock
}

// NewEngine returns an engine pricing collateral from feed and paying
// bonusBps of the debt to liquidators.
func NewEngine(feed string, bonusBps uint64) (*Engine, error) {
	if strings.TrimSpace(feed) == "" {
		return nil, fmt.Errorf("%w: oracle feed required", nativecommon.ErrInvalidConfig)
	}
	if bonusBps > fixedpoint.BasisPoints {
		return nil, fmt.Errorf("%w: bonus %d bps exceeds %d", nativecommon.ErrInvalidConfig, bonusBps, fixedpoint.BasisPoints)
	}
	return &Engine{bonusBps: bonusBps, feed: strings.TrimSpace(feed), emitter: events.NoopEmitter{}}, nil
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetVault configures the vault that releases seized collateral.
func (e *Engine) SetVault(v Vault) {
	if e == nil {
		return
	}
	e.vault = v
}

// SetMarket configures the lending market that receives repayments.
func (e *Engine) SetMarket(m Market) {
	if e == nil {
		return
	}
	e.market = m
}

// SetPrices configures the oracle used to value collateral.
func (e *Engine) SetPrices(p leverage.PriceSource) {
	if e == nil {
		return
	}
	e.prices = p
}

// SetEmitter configures the event sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetPauses configures the pause view consulted before liquidating.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetClock configures the time source for close timestamps.
func (e *Engine) SetClock(c nativecommon.Clock) {
	if e == nil {
		return
	}
	e.clock = c
}

// Health computes the loan-to-value of an open position at the current
// oracle price.
func (e *Engine) Health(id uint64) (*Health, error) {
	p, err := e.loadOpen(id)
	if err != nil {
		return nil, err
	}
	return e.health(p)
}

// Liquidate repays the debt of an under-margined position on behalf of its
// owner and pays the liquidator the equivalent collateral plus the bonus.
// Any collateral left over goes back to the owner.
func (e *Engine) Liquidate(liquidator string, id uint64) (*Result, error) {
	p, err := e.loadOpen(id)
	if err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	liquidator = strings.TrimSpace(liquidator)
	if liquidator == "" {
		return nil, fmt.Errorf("%w: liquidator required", nativecommon.ErrInvalidAmount)
	}
	h, err := e.health(p)
	if err != nil {
		return nil, err
	}
	if !h.Liquidatable {
		return nil, fmt.Errorf("%w: position %d ltv=%d bps threshold=%d bps", nativecommon.ErrNotLiquidatable, id, h.LTVBps, h.ThresholdBps)
	}

	bonus, err := fixedpoint.Bps(h.DebtOwed, e.bonusBps)
	if err != nil {
		return nil, err
	}
	repaid := fixedpoint.Zero()
	if !h.DebtOwed.IsZero() {
		res, err := e.market.Repay(p.DebtAsset, liquidator, p.DebtAccount, h.DebtOwed)
		if err != nil {
			return nil, err
		}
		repaid = res.Paid
	}
	claim, err := fixedpoint.Add(h.DebtOwed, bonus)
	if err != nil {
		return nil, err
	}
	claimUnits, err := leverage.UnitsAt(claim, h.Price)
	if err != nil {
		return nil, err
	}
	seized := fixedpoint.Min(p.CollateralAmount, claimUnits)
	returned := new(uint256.Int).Sub(p.CollateralAmount, seized)

	before, err := e.vault.Vault(p.CollateralAsset)
	if err != nil {
		return nil, err
	}
	settlement := vault.Settlement{Source: SettlementSource, Release: p.CollateralAmount}
	if !seized.IsZero() {
		settlement.Payouts = append(settlement.Payouts, vault.Payout{To: liquidator, Amount: seized})
	}
	if !returned.IsZero() {
		settlement.Payouts = append(settlement.Payouts, vault.Payout{To: p.Owner, Amount: returned})
	}
	if err := e.vault.Settle(p.CollateralAsset, settlement); err != nil {
		return nil, err
	}
	after, err := e.vault.Vault(p.CollateralAsset)
	if err != nil {
		return nil, err
	}

	closed := p.Clone()
	closed.Open = false
	closed.ClosedAt = e.clock.Now()
	if err := e.state.PutPosition(closed); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.PositionLiquidated{
		PositionID:   closed.ID,
		Owner:        closed.Owner,
		Liquidator:   liquidator,
		Price:        h.Price,
		LTVBps:       h.LTVBps,
		ThresholdBps: h.ThresholdBps,
		Debt:         h.DebtOwed,
		Bonus:        bonus,
		Seized:       seized,
		Returned:     returned,
		LockedBefore: before.LockedCollateral,
		LockedAfter:  after.LockedCollateral,
	})
	return &Result{Health: h, Bonus: bonus, Repaid: repaid, Seized: seized, Returned: returned}, nil
}

func (e *Engine) health(p *leverage.Position) (*Health, error) {
	quote, err := e.prices.Price(e.feed)
	if err != nil {
		return nil, err
	}
	value, err := leverage.ValueAt(p.CollateralAmount, quote.Price)
	if err != nil {
		return nil, err
	}
	if value.IsZero() {
		return nil, fmt.Errorf("%w: position %d collateral is worth nothing at price %d", nativecommon.ErrOracleOutOfBounds, p.ID, quote.Price)
	}
	debt, err := e.market.TotalOwed(p.DebtAsset, p.DebtAccount)
	if err != nil {
		return nil, err
	}
	market, err := e.market.Market(p.DebtAsset)
	if err != nil {
		return nil, err
	}
	ltv, err := fixedpoint.MulDiv(debt, uint256.NewInt(fixedpoint.BasisPoints), value)
	if err != nil {
		return nil, err
	}
	if !ltv.IsUint64() {
		return nil, fmt.Errorf("%w: ltv %s bps", nativecommon.ErrArithmeticOverflow, ltv.Dec())
	}
	return &Health{
		PositionID:      p.ID,
		Price:           quote.Price,
		CollateralValue: value,
		DebtOwed:        debt,
		LTVBps:          ltv.Uint64(),
		ThresholdBps:    market.LiquidationThresholdBps,
		Liquidatable:    ltv.Uint64() >= market.LiquidationThresholdBps,
	}, nil
}

func (e *Engine) loadOpen(id uint64) (*leverage.Position, error) {
	switch {
	case e == nil || e.state == nil:
		return nil, errNilState
	case e.vault == nil:
		return nil, errNilVault
	case e.market == nil:
		return nil, errNilMarket
	case e.prices == nil:
		return nil, errNilOracle
	case e.clock == nil:
		return nil, errNilClock
	}
	p, err := e.state.GetPosition(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: position %d not found", nativecommon.ErrPositionNotOpen, id)
	}
	if !p.Open {
		return nil, fmt.Errorf("%w: position %d closed at %d", nativecommon.ErrPositionNotOpen, id, p.ClosedAt)
	}
	return p, nil
}
