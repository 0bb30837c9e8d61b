package vault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"crucible/core/events"
	nativecommon "crucible/native/common"
	"crucible/native/fixedpoint"
	"crucible/native/ledger"
)

var (
	errNilState  = errors.New("vault engine: state not configured")
	errNilLedger = errors.New("vault engine: ledger not configured")
	errNilVault  = errors.New("vault engine: vault not initialised")
)

const moduleName = "vault"

type engineState interface {
	GetVault(asset string) (*Vault, error)
	PutVault(v *Vault) error
}

// Engine mints and redeems vault shares and settles collateral held for
// leveraged positions. It is stateless between calls; every operation loads
// the vault, re-validates custody and writes the vault back only on success.
type Engine struct {
	state     engineState
	ledger    ledger.Ledger
	emitter   events.Emitter
	pauses    nativecommon.PauseView
	authority string
}

// NewEngine constructs an engine that mints share units as authority.
func NewEngine(authority string) *Engine {
	return &Engine{authority: strings.TrimSpace(authority), emitter: events.NoopEmitter{}}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger configures the asset ledger used for transfers and share issuance.
func (e *Engine) SetLedger(l ledger.Ledger) {
	if e == nil {
		return
	}
	e.ledger = l
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

// SetPauses configures the pause view consulted before every operation.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// MintResult reports the breakdown of a mint.
type MintResult struct {
	Shares        *uint256.Int
	Fee           *uint256.Int
	VaultShare    *uint256.Int
	TreasuryShare *uint256.Int
	Net           *uint256.Int
	ExchangeRate  *uint256.Int
}

// BurnResult reports the breakdown of a redemption.
type BurnResult struct {
	Gross            *uint256.Int
	Fee              *uint256.Int
	VaultShare       *uint256.Int
	TreasuryShare    *uint256.Int
	Net              *uint256.Int
	PrincipalPortion *uint256.Int
	ExchangeRate     *uint256.Int
}

// FeeResult reports how a fee deposit was split.
type FeeResult struct {
	VaultShare    *uint256.Int
	TreasuryShare *uint256.Int
	RewardShares  *uint256.Int
}

// Vault returns a copy of the stored vault.
func (e *Engine) Vault(asset string) (*Vault, error) {
	v, err := e.load(asset)
	if err != nil {
		return nil, err
	}
	return v.Clone(), nil
}

// ExchangeRate validates custody and returns the current Scale-denominated
// value of one share.
func (e *Engine) ExchangeRate(asset string) (*uint256.Int, error) {
	v, err := e.load(asset)
	if err != nil {
		return nil, err
	}
	return e.exchangeRate(v)
}

// Mint deposits amount of the base asset for caller and issues shares at the
// current exchange rate.
func (e *Engine) Mint(asset, caller string, amount *uint256.Int) (*MintResult, error) {
	v, err := e.loadActive(asset)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Lt(v.MinAmount) || amount.Gt(v.MaxAmount) {
		return nil, fmt.Errorf("%w: mint amount=%s bounds=[%s,%s]", nativecommon.ErrInvalidAmount, fixedpoint.String(amount), v.MinAmount.Dec(), v.MaxAmount.Dec())
	}
	rate, err := e.exchangeRate(v)
	if err != nil {
		return nil, err
	}
	before := e.snapshot(v)

	fee, vaultShare, treasuryShare, err := splitFee(amount, v.MintFeeBps, v.VaultShareBps)
	if err != nil {
		return nil, err
	}
	net, err := fixedpoint.Sub(amount, fee)
	if err != nil {
		return nil, err
	}
	shares, err := fixedpoint.MulDiv(net, fixedpoint.Scale(), rate)
	if err != nil {
		return nil, err
	}
	if shares.IsZero() {
		return nil, fmt.Errorf("%w: mint of %s yields zero shares at rate %s", nativecommon.ErrInvalidAmount, amount.Dec(), rate.Dec())
	}
	inflow, err := fixedpoint.Add(net, vaultShare)
	if err != nil {
		return nil, err
	}

	next := v.Clone()
	if next.TrackedDeposited, err = fixedpoint.Add(next.TrackedDeposited, net); err != nil {
		return nil, err
	}
	if next.AccruedFees, err = fixedpoint.Add(next.AccruedFees, vaultShare); err != nil {
		return nil, err
	}
	if next.ExpectedBalance, err = fixedpoint.Add(next.ExpectedBalance, inflow); err != nil {
		return nil, err
	}

	if err := e.ledger.Transfer(v.Asset, caller, v.Custody(), inflow); err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(v.Asset, caller, v.Treasury, treasuryShare); err != nil {
		return nil, err
	}
	if err := e.ledger.MintUnits(e.authority, v.ShareAsset, caller, shares); err != nil {
		return nil, err
	}
	if err := e.state.PutVault(next); err != nil {
		return nil, err
	}

	e.emitter.Emit(events.ShareMinted{
		Asset:         v.Asset,
		Account:       caller,
		Amount:        fixedpoint.Clone(amount),
		Fee:           fee,
		VaultShare:    vaultShare,
		TreasuryShare: treasuryShare,
		Shares:        shares,
		Before:        before,
		After:         e.snapshot(next),
	})
	return &MintResult{Shares: shares, Fee: fee, VaultShare: vaultShare, TreasuryShare: treasuryShare, Net: net, ExchangeRate: rate}, nil
}

// Burn redeems shares held by caller for the base asset.
func (e *Engine) Burn(asset, caller string, shares *uint256.Int) (*BurnResult, error) {
	v, err := e.loadActive(asset)
	if err != nil {
		return nil, err
	}
	if fixedpoint.IsZero(shares) {
		return nil, fmt.Errorf("%w: burn of zero shares", nativecommon.ErrInvalidAmount)
	}
	if held := e.ledger.BalanceOf(v.ShareAsset, caller); held.Lt(shares) {
		return nil, fmt.Errorf("%w: burn shares=%s held=%s", nativecommon.ErrInvalidAmount, shares.Dec(), held.Dec())
	}
	rate, err := e.exchangeRate(v)
	if err != nil {
		return nil, err
	}
	before := e.snapshot(v)

	gross, err := fixedpoint.MulDiv(shares, rate, fixedpoint.Scale())
	if err != nil {
		return nil, err
	}
	if gross.IsZero() {
		return nil, fmt.Errorf("%w: burn of %s shares redeems nothing", nativecommon.ErrInvalidAmount, shares.Dec())
	}
	redeemable, err := v.Redeemable()
	if err != nil {
		return nil, err
	}
	liquidity, err := fixedpoint.Sub(e.ledger.BalanceOf(v.Asset, v.Custody()), v.LockedCollateral)
	if err != nil {
		return nil, err
	}
	if gross.Gt(redeemable) || gross.Gt(liquidity) {
		return nil, fmt.Errorf("%w: redeem gross=%s redeemable=%s liquidity=%s", nativecommon.ErrInsufficientLiquidity, gross.Dec(), redeemable.Dec(), liquidity.Dec())
	}

	fee, vaultShare, treasuryShare, err := splitFee(gross, v.BurnFeeBps, v.VaultShareBps)
	if err != nil {
		return nil, err
	}
	net, err := fixedpoint.Sub(gross, fee)
	if err != nil {
		return nil, err
	}
	principal, err := fixedpoint.MulDiv(gross, v.TrackedDeposited, redeemable)
	if err != nil {
		return nil, err
	}
	yieldPortion, err := fixedpoint.Sub(gross, principal)
	if err != nil {
		return nil, err
	}
	outflow, err := fixedpoint.Add(net, treasuryShare)
	if err != nil {
		return nil, err
	}

	next := v.Clone()
	if next.TrackedDeposited, err = fixedpoint.Sub(next.TrackedDeposited, principal); err != nil {
		return nil, err
	}
	if next.AccruedFees, err = fixedpoint.Sub(next.AccruedFees, yieldPortion); err != nil {
		return nil, err
	}
	if next.AccruedFees, err = fixedpoint.Add(next.AccruedFees, vaultShare); err != nil {
		return nil, err
	}
	if next.ExpectedBalance, err = fixedpoint.Sub(next.ExpectedBalance, outflow); err != nil {
		return nil, err
	}

	if err := e.ledger.BurnUnits(v.ShareAsset, caller, shares); err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(v.Asset, v.Custody(), caller, net); err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(v.Asset, v.Custody(), v.Treasury, treasuryShare); err != nil {
		return nil, err
	}
	if err := e.state.PutVault(next); err != nil {
		return nil, err
	}

	e.emitter.Emit(events.ShareBurned{
		Asset:            v.Asset,
		Account:          caller,
		Shares:           fixedpoint.Clone(shares),
		Gross:            gross,
		Fee:              fee,
		VaultShare:       vaultShare,
		TreasuryShare:    treasuryShare,
		Net:              net,
		PrincipalPortion: principal,
		Before:           before,
		After:            e.snapshot(next),
	})
	return &BurnResult{Gross: gross, Fee: fee, VaultShare: vaultShare, TreasuryShare: treasuryShare, Net: net, PrincipalPortion: principal, ExchangeRate: rate}, nil
}

// DepositFees credits externally earned profit to the vault. The vault share
// raises the exchange rate, the remainder goes to the treasury and the
// depositor receives reward shares when holders exist.
func (e *Engine) DepositFees(asset, depositor string, amount *uint256.Int) (*FeeResult, error) {
	v, err := e.loadActive(asset)
	if err != nil {
		return nil, err
	}
	if fixedpoint.IsZero(amount) || amount.Gt(v.MaxAmount) {
		return nil, fmt.Errorf("%w: fee deposit amount=%s max=%s", nativecommon.ErrInvalidAmount, fixedpoint.String(amount), v.MaxAmount.Dec())
	}
	rate, err := e.exchangeRate(v)
	if err != nil {
		return nil, err
	}
	before := e.snapshot(v)

	vaultShare, err := fixedpoint.Bps(amount, v.VaultShareBps)
	if err != nil {
		return nil, err
	}
	treasuryShare, err := fixedpoint.Sub(amount, vaultShare)
	if err != nil {
		return nil, err
	}
	reward := fixedpoint.Zero()
	if supply := e.ledger.TotalSupply(v.ShareAsset); !supply.IsZero() {
		rewardValue, err := fixedpoint.Bps(amount, v.RewardBps)
		if err != nil {
			return nil, err
		}
		if reward, err = fixedpoint.MulDiv(rewardValue, fixedpoint.Scale(), rate); err != nil {
			return nil, err
		}
	}

	next := v.Clone()
	if next.AccruedFees, err = fixedpoint.Add(next.AccruedFees, vaultShare); err != nil {
		return nil, err
	}
	if next.ExpectedBalance, err = fixedpoint.Add(next.ExpectedBalance, vaultShare); err != nil {
		return nil, err
	}

	if err := e.ledger.Transfer(v.Asset, depositor, v.Custody(), vaultShare); err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(v.Asset, depositor, v.Treasury, treasuryShare); err != nil {
		return nil, err
	}
	if err := e.ledger.MintUnits(e.authority, v.ShareAsset, depositor, reward); err != nil {
		return nil, err
	}
	if err := e.state.PutVault(next); err != nil {
		return nil, err
	}

	e.emitter.Emit(events.FeesAccrued{
		Asset:         v.Asset,
		Source:        "deposit",
		Amount:        fixedpoint.Clone(amount),
		VaultShare:    vaultShare,
		TreasuryShare: treasuryShare,
		RewardShares:  reward,
		Before:        before,
		After:         e.snapshot(next),
	})
	return &FeeResult{VaultShare: vaultShare, TreasuryShare: treasuryShare, RewardShares: reward}, nil
}

// SetPaused toggles the vault-level pause flag.
func (e *Engine) SetPaused(asset string, paused bool) error {
	v, err := e.load(asset)
	if err != nil {
		return err
	}
	next := v.Clone()
	next.Paused = paused
	return e.state.PutVault(next)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.ledger == nil {
		return errNilLedger
	}
	return nil
}

func (e *Engine) load(asset string) (*Vault, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	v, err := e.state.GetVault(strings.ToUpper(strings.TrimSpace(asset)))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, errNilVault
	}
	return v, nil
}

func (e *Engine) loadActive(asset string) (*Vault, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	v, err := e.load(asset)
	if err != nil {
		return nil, err
	}
	if v.Paused {
		return nil, fmt.Errorf("%w: vault %s", nativecommon.ErrProtocolPaused, v.Asset)
	}
	return v, nil
}

// exchangeRate checks the custody balance against the expected balance and
// derives the rate from tracked values only, so donations cannot move it.
func (e *Engine) exchangeRate(v *Vault) (*uint256.Int, error) {
	actual := e.ledger.BalanceOf(v.Asset, v.Custody())
	if actual.Lt(v.ExpectedBalance) {
		return nil, fmt.Errorf("%w: expected=%s actual=%s", nativecommon.ErrVaultBalanceMismatch, v.ExpectedBalance.Dec(), actual.Dec())
	}
	if !v.ExpectedBalance.IsZero() {
		excess := new(uint256.Int).Sub(actual, v.ExpectedBalance)
		scaledExcess, err := fixedpoint.Mul(excess, uint256.NewInt(fixedpoint.BasisPoints))
		if err != nil {
			return nil, err
		}
		allowed, err := fixedpoint.Mul(v.ExpectedBalance, uint256.NewInt(v.MaxDeviationBps))
		if err != nil {
			return nil, err
		}
		if scaledExcess.Gt(allowed) {
			return nil, fmt.Errorf("%w: expected=%s actual=%s max_deviation=%dbps", nativecommon.ErrVaultBalanceMismatch, v.ExpectedBalance.Dec(), actual.Dec(), v.MaxDeviationBps)
		}
	}
	return rateOf(v, e.ledger.TotalSupply(v.ShareAsset))
}

func rateOf(v *Vault, supply *uint256.Int) (*uint256.Int, error) {
	if fixedpoint.IsZero(supply) {
		return fixedpoint.Scale(), nil
	}
	redeemable, err := v.Redeemable()
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulDiv(redeemable, fixedpoint.Scale(), supply)
}

func (e *Engine) snapshot(v *Vault) events.VaultSnapshot {
	supply := e.ledger.TotalSupply(v.ShareAsset)
	rate, err := rateOf(v, supply)
	if err != nil {
		rate = fixedpoint.Zero()
	}
	return events.VaultSnapshot{
		Deposited:    fixedpoint.Clone(v.TrackedDeposited),
		Fees:         fixedpoint.Clone(v.AccruedFees),
		Locked:       fixedpoint.Clone(v.LockedCollateral),
		Expected:     fixedpoint.Clone(v.ExpectedBalance),
		ShareSupply:  supply,
		ExchangeRate: rate,
	}
}

// splitFee returns fee = amount*feeBps, the vault's cut of it and the
// treasury remainder.
func splitFee(amount *uint256.Int, feeBps, vaultShareBps uint64) (fee, vaultShare, treasuryShare *uint256.Int, err error) {
	if fee, err = fixedpoint.Bps(amount, feeBps); err != nil {
		return nil, nil, nil, err
	}
	if vaultShare, err = fixedpoint.Bps(fee, vaultShareBps); err != nil {
		return nil, nil, nil, err
	}
	if treasuryShare, err = fixedpoint.Sub(fee, vaultShare); err != nil {
		return nil, nil, nil, err
	}
	return fee, vaultShare, treasuryShare, nil
}
