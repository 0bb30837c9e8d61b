package config

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	nativecommon "crucible/native/common"
	"crucible/native/lending"
	"crucible/native/leverage"
	"crucible/native/oracle"
	"crucible/native/vault"
)

// VaultParams converts the vault section into engine parameters.
func (cfg *Config) VaultParams() (vault.Params, error) {
	v := cfg.Vault
	minAmount, err := parseUintAmount(v.MinAmount)
	if err != nil {
		return vault.Params{}, fmt.Errorf("invalid vault.MinAmount: %w", err)
	}
	maxAmount, err := parseUintAmount(v.MaxAmount)
	if err != nil {
		return vault.Params{}, fmt.Errorf("invalid vault.MaxAmount: %w", err)
	}
	return vault.Params{
		Asset:           v.Asset,
		ShareAsset:      v.ShareAsset,
		Treasury:        v.Treasury,
		OracleFeed:      v.OracleFeed,
		RequireOracle:   v.RequireOracle,
		MintFeeBps:      v.MintFeeBps,
		BurnFeeBps:      v.BurnFeeBps,
		VaultShareBps:   v.VaultShareBps,
		RewardBps:       v.RewardBps,
		MinAmount:       minAmount,
		MaxAmount:       maxAmount,
		MaxDeviationBps: v.MaxDeviationBps,
	}, nil
}

// MarketParams converts the market section into engine parameters.
func (cfg *Config) MarketParams() (lending.Params, error) {
	m := cfg.Market
	reserve, err := parseUintAmount(m.MinimumReserve)
	if err != nil {
		return lending.Params{}, fmt.Errorf("invalid market.MinimumReserve: %w", err)
	}
	return lending.Params{
		Asset:        m.Asset,
		ReceiptAsset: m.ReceiptAsset,
		Model: lending.InterestModel{
			BaseRateBps: m.BaseRateBps,
			Slope1Bps:   m.Slope1Bps,
			Slope2Bps:   m.Slope2Bps,
			KinkBps:     m.KinkBps,
		},
		LiquidationThresholdBps: m.LiquidationThresholdBps,
		MinimumReserve:          reserve,
	}, nil
}

// LeverageParams pairs the vault asset as collateral with the market asset as
// debt.
func (cfg *Config) LeverageParams() leverage.Params {
	return leverage.Params{
		CollateralAsset:  cfg.Vault.Asset,
		DebtAsset:        cfg.Market.Asset,
		OracleFeed:       cfg.Leverage.OracleFeed,
		MaxLeverage:      cfg.Leverage.MaxLeverage,
		PrincipalFeeBps:  cfg.Leverage.PrincipalFeeBps,
		YieldFeeBps:      cfg.Leverage.YieldFeeBps,
		FeeVaultShareBps: cfg.Leverage.FeeVaultShareBps,
	}
}

// Validator converts the oracle section into quote acceptance rules.
func (cfg *Config) Validator() oracle.Validator {
	return oracle.Validator{
		MaxStaleness:     cfg.Oracle.MaxStalenessSeconds,
		MaxConfidenceBps: cfg.Oracle.MaxConfidenceBps,
		MinPrice:         cfg.Oracle.MinPrice,
		MaxPrice:         cfg.Oracle.MaxPrice,
	}
}

func parseUintAmount(value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uint256.NewInt(0), nil
	}
	amount, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q: %v", nativecommon.ErrInvalidConfig, value, err)
	}
	return amount, nil
}
