package vault

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	nativecommon "crucible/native/common"
	"crucible/native/fixedpoint"
)

const (
	// DefaultVaultShareBps routes 80% of every fee back to share holders.
	DefaultVaultShareBps uint64 = 8_000
	// DefaultRewardBps pays fee depositors 1% of their deposit in shares.
	DefaultRewardBps uint64 = 100
	// DefaultMaxDeviationBps tolerates an actual balance up to 2x expected.
	DefaultMaxDeviationBps uint64 = 10_000
	// maxFeeBps caps any single fee at 100%.
	maxFeeBps uint64 = 10_000
)

var (
	defaultMinAmount = uint256.NewInt(1_000)
	defaultMaxAmount = uint256.NewInt(1_000_000_000_000_000_000)
)

// Params are the operator-controlled settings of a vault.
type Params struct {
	Asset           string
	ShareAsset      string
	Treasury        string
	OracleFeed      string
	// RequireOracle refuses to run the vault without OracleFeed.
	RequireOracle   bool
	MintFeeBps      uint64
	BurnFeeBps      uint64
	VaultShareBps   uint64
	RewardBps       uint64
	MinAmount       *uint256.Int
	MaxAmount       *uint256.Int
	MaxDeviationBps uint64
}

// DefaultParams returns params for asset with the standard fee split and
// bounds. Fees default to zero.
func DefaultParams(asset, shareAsset, treasury string) Params {
	return Params{
		Asset:           asset,
		ShareAsset:      shareAsset,
		Treasury:        treasury,
		VaultShareBps:   DefaultVaultShareBps,
		RewardBps:       DefaultRewardBps,
		MinAmount:       fixedpoint.Clone(defaultMinAmount),
		MaxAmount:       fixedpoint.Clone(defaultMaxAmount),
		MaxDeviationBps: DefaultMaxDeviationBps,
	}
}

// Validate rejects incoherent params with ErrInvalidConfig.
func (p Params) Validate() error {
	if strings.TrimSpace(p.Asset) == "" || strings.TrimSpace(p.ShareAsset) == "" {
		return fmt.Errorf("%w: vault asset and share asset required", nativecommon.ErrInvalidConfig)
	}
	if strings.EqualFold(strings.TrimSpace(p.Asset), strings.TrimSpace(p.ShareAsset)) {
		return fmt.Errorf("%w: share asset must differ from base asset", nativecommon.ErrInvalidConfig)
	}
	if strings.TrimSpace(p.Treasury) == "" {
		return fmt.Errorf("%w: vault treasury required", nativecommon.ErrInvalidConfig)
	}
	fees := []struct {
		name string
		bps  uint64
	}{
		{"mint fee", p.MintFeeBps},
		{"burn fee", p.BurnFeeBps},
		{"vault share", p.VaultShareBps},
		{"reward", p.RewardBps},
	}
	for _, fee := range fees {
		if fee.bps > maxFeeBps {
			return fmt.Errorf("%w: %s %d bps exceeds %d", nativecommon.ErrInvalidConfig, fee.name, fee.bps, maxFeeBps)
		}
	}
	if fixedpoint.IsZero(p.MinAmount) || p.MaxAmount == nil || p.MaxAmount.Lt(p.MinAmount) {
		return fmt.Errorf("%w: vault amount bounds [%s,%s] invalid", nativecommon.ErrInvalidConfig, fixedpoint.String(p.MinAmount), fixedpoint.String(p.MaxAmount))
	}
	return nil
}

// Vault is the per-asset accounting record. ExpectedBalance always equals
// TrackedDeposited + AccruedFees + LockedCollateral; the custody account may
// hold more (donations) but never less.
type Vault struct {
	Params
	Paused           bool
	TrackedDeposited *uint256.Int
	AccruedFees      *uint256.Int
	LockedCollateral *uint256.Int
	ExpectedBalance  *uint256.Int
}

// New creates an empty vault from validated params.
func New(p Params) (*Vault, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.Asset = strings.ToUpper(strings.TrimSpace(p.Asset))
	p.ShareAsset = strings.ToUpper(strings.TrimSpace(p.ShareAsset))
	p.MinAmount = fixedpoint.Clone(p.MinAmount)
	p.MaxAmount = fixedpoint.Clone(p.MaxAmount)
	return &Vault{
		Params:           p,
		TrackedDeposited: fixedpoint.Zero(),
		AccruedFees:      fixedpoint.Zero(),
		LockedCollateral: fixedpoint.Zero(),
		ExpectedBalance:  fixedpoint.Zero(),
	}, nil
}

// Custody is the ledger account holding the vault's base asset.
func (v *Vault) Custody() string { return CustodyAccount(v.Asset) }

// CustodyAccount names the custody account of the vault for asset.
func CustodyAccount(asset string) string {
	return "vault:" + strings.ToUpper(strings.TrimSpace(asset))
}

// Redeemable is the value attributable to share holders.
func (v *Vault) Redeemable() (*uint256.Int, error) {
	return fixedpoint.Add(v.TrackedDeposited, v.AccruedFees)
}

// Clone returns a deep copy.
func (v *Vault) Clone() *Vault {
	if v == nil {
		return nil
	}
	clone := *v
	clone.MinAmount = fixedpoint.Clone(v.MinAmount)
	clone.MaxAmount = fixedpoint.Clone(v.MaxAmount)
	clone.TrackedDeposited = fixedpoint.Clone(v.TrackedDeposited)
	clone.AccruedFees = fixedpoint.Clone(v.AccruedFees)
	clone.LockedCollateral = fixedpoint.Clone(v.LockedCollateral)
	clone.ExpectedBalance = fixedpoint.Clone(v.ExpectedBalance)
	return &clone
}
