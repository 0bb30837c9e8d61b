package vault

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"crucible/core/events"
	nativecommon "crucible/native/common"
	"crucible/native/fixedpoint"
)

// Payout sends part of a settlement to an account.
type Payout struct {
	To     string
	Amount *uint256.Int
}

// Settlement releases locked position collateral. Every released or yielded
// unit must be accounted for: Release + Yield == RetainedFee + TreasuryFee +
// sum(Payouts).
type Settlement struct {
	Source      string
	Release     *uint256.Int
	Yield       *uint256.Int
	RetainedFee *uint256.Int
	TreasuryFee *uint256.Int
	Payouts     []Payout
}

// LockCollateral moves amount from owner into custody and reserves it for a
// position. Locked collateral never counts toward the exchange rate.
func (e *Engine) LockCollateral(asset, owner string, amount *uint256.Int) (*uint256.Int, error) {
	v, err := e.loadActive(asset)
	if err != nil {
		return nil, err
	}
	if fixedpoint.IsZero(amount) {
		return nil, fmt.Errorf("%w: zero collateral", nativecommon.ErrInvalidAmount)
	}
	rate, err := e.exchangeRate(v)
	if err != nil {
		return nil, err
	}
	next := v.Clone()
	if next.LockedCollateral, err = fixedpoint.Add(next.LockedCollateral, amount); err != nil {
		return nil, err
	}
	if next.ExpectedBalance, err = fixedpoint.Add(next.ExpectedBalance, amount); err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(v.Asset, owner, v.Custody(), amount); err != nil {
		return nil, err
	}
	if err := e.state.PutVault(next); err != nil {
		return nil, err
	}
	return rate, nil
}

// Settle unwinds locked collateral for a closing or liquidated position. It is
// allowed while the vault is paused so positions can always exit.
func (e *Engine) Settle(asset string, s Settlement) error {
	v, err := e.load(asset)
	if err != nil {
		return err
	}
	if _, err := e.exchangeRate(v); err != nil {
		return err
	}
	release := fixedpoint.Clone(s.Release)
	yield := fixedpoint.Clone(s.Yield)
	retained := fixedpoint.Clone(s.RetainedFee)
	treasuryFee := fixedpoint.Clone(s.TreasuryFee)
	if release.Gt(v.LockedCollateral) {
		return fmt.Errorf("%w: release=%s locked=%s", nativecommon.ErrInsufficientLiquidity, release.Dec(), v.LockedCollateral.Dec())
	}
	if yield.Gt(v.AccruedFees) {
		return fmt.Errorf("%w: yield=%s accrued_fees=%s", nativecommon.ErrInsufficientLiquidity, yield.Dec(), v.AccruedFees.Dec())
	}

	inflow, err := fixedpoint.Add(release, yield)
	if err != nil {
		return err
	}
	outflow, err := fixedpoint.Add(retained, treasuryFee)
	if err != nil {
		return err
	}
	for _, p := range s.Payouts {
		if strings.TrimSpace(p.To) == "" {
			return fmt.Errorf("%w: settlement payout without recipient", nativecommon.ErrInvalidAmount)
		}
		if outflow, err = fixedpoint.Add(outflow, p.Amount); err != nil {
			return err
		}
	}
	if !inflow.Eq(outflow) {
		return fmt.Errorf("%w: settlement unbalanced in=%s out=%s", nativecommon.ErrInvalidAmount, inflow.Dec(), outflow.Dec())
	}
	leaving, err := fixedpoint.Sub(inflow, retained)
	if err != nil {
		return err
	}
	before := e.snapshot(v)

	next := v.Clone()
	if next.LockedCollateral, err = fixedpoint.Sub(next.LockedCollateral, release); err != nil {
		return err
	}
	if next.AccruedFees, err = fixedpoint.Sub(next.AccruedFees, yield); err != nil {
		return err
	}
	if next.AccruedFees, err = fixedpoint.Add(next.AccruedFees, retained); err != nil {
		return err
	}
	if next.ExpectedBalance, err = fixedpoint.Sub(next.ExpectedBalance, leaving); err != nil {
		return err
	}

	if err := e.ledger.Transfer(v.Asset, v.Custody(), v.Treasury, treasuryFee); err != nil {
		return err
	}
	for _, p := range s.Payouts {
		if err := e.ledger.Transfer(v.Asset, v.Custody(), p.To, p.Amount); err != nil {
			return err
		}
	}
	if err := e.state.PutVault(next); err != nil {
		return err
	}

	if !retained.IsZero() || !treasuryFee.IsZero() {
		total, err := fixedpoint.Add(retained, treasuryFee)
		if err != nil {
			return err
		}
		e.emitter.Emit(events.FeesAccrued{
			Asset:         v.Asset,
			Source:        s.Source,
			Amount:        total,
			VaultShare:    retained,
			TreasuryShare: treasuryFee,
			RewardShares:  fixedpoint.Zero(),
			Before:        before,
			After:         e.snapshot(next),
		})
	}
	return nil
}
