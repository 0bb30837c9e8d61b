package config

import (
	"fmt"

	nativecommon "crucible/native/common"
	"crucible/native/leverage"
)

// Validate checks the configuration by building every engine parameter set
// from it. Failures wrap ErrInvalidConfig.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is missing", nativecommon.ErrInvalidConfig)
	}
	if cfg.Authority == "" {
		return fmt.Errorf("%w: authority required", nativecommon.ErrInvalidConfig)
	}
	vaultParams, err := cfg.VaultParams()
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	if err := vaultParams.Validate(); err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	marketParams, err := cfg.MarketParams()
	if err != nil {
		return fmt.Errorf("market: %w", err)
	}
	if err := marketParams.Validate(); err != nil {
		return fmt.Errorf("market: %w", err)
	}
	leverageParams := cfg.LeverageParams()
	if err := leverageParams.Validate(); err != nil {
		return fmt.Errorf("leverage: %w", err)
	}
	if err := leverage.CheckThreshold(leverageParams.MaxLeverage, marketParams.LiquidationThresholdBps); err != nil {
		return fmt.Errorf("leverage: %w", err)
	}
	if vaultParams.RequireOracle && vaultParams.OracleFeed == "" {
		return fmt.Errorf("vault: %w: oracle required", nativecommon.ErrOracleOutOfBounds)
	}
	if vaultParams.OracleFeed != "" && vaultParams.OracleFeed != leverageParams.OracleFeed {
		return fmt.Errorf("%w: leverage.OracleFeed %q must match vault.OracleFeed %q", nativecommon.ErrInvalidConfig, leverageParams.OracleFeed, vaultParams.OracleFeed)
	}
	if cfg.Liquidation.BonusBps > 10_000 {
		return fmt.Errorf("%w: liquidation bonus %d bps exceeds 10000", nativecommon.ErrInvalidConfig, cfg.Liquidation.BonusBps)
	}
	if err := cfg.Validator().ValidateConfig(); err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	return nil
}
