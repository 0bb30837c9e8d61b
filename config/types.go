package config

// Vault configures the pooled-asset vault. Amounts are decimal strings in base
// units.
type Vault struct {
	Asset           string `toml:"Asset" yaml:"asset"`
	ShareAsset      string `toml:"ShareAsset" yaml:"share_asset"`
	Treasury        string `toml:"Treasury" yaml:"treasury"`
	OracleFeed      string `toml:"OracleFeed,omitempty" yaml:"oracle_feed"`
	RequireOracle   bool   `toml:"RequireOracle,omitempty" yaml:"require_oracle"`
	MintFeeBps      uint64 `toml:"MintFeeBps" yaml:"mint_fee_bps"`
	BurnFeeBps      uint64 `toml:"BurnFeeBps" yaml:"burn_fee_bps"`
	VaultShareBps   uint64 `toml:"VaultShareBps" yaml:"vault_share_bps"`
	RewardBps       uint64 `toml:"RewardBps" yaml:"reward_bps"`
	MinAmount       string `toml:"MinAmount" yaml:"min_amount"`
	MaxAmount       string `toml:"MaxAmount" yaml:"max_amount"`
	MaxDeviationBps uint64 `toml:"MaxDeviationBps" yaml:"max_deviation_bps"`
}

// Market configures the lending market and its kinked interest curve.
type Market struct {
	Asset                   string `toml:"Asset" yaml:"asset"`
	ReceiptAsset            string `toml:"ReceiptAsset" yaml:"receipt_asset"`
	BaseRateBps             uint64 `toml:"BaseRateBps" yaml:"base_rate_bps"`
	Slope1Bps               uint64 `toml:"Slope1Bps" yaml:"slope1_bps"`
	Slope2Bps               uint64 `toml:"Slope2Bps" yaml:"slope2_bps"`
	KinkBps                 uint64 `toml:"KinkBps" yaml:"kink_bps"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps" yaml:"liquidation_threshold_bps"`
	MinimumReserve          string `toml:"MinimumReserve" yaml:"minimum_reserve"`
}

// Leverage configures the position manager. Leverage is expressed in
// hundredths, so 150 is 1.5x.
type Leverage struct {
	OracleFeed       string `toml:"OracleFeed" yaml:"oracle_feed"`
	MaxLeverage      uint64 `toml:"MaxLeverage" yaml:"max_leverage"`
	PrincipalFeeBps  uint64 `toml:"PrincipalFeeBps" yaml:"principal_fee_bps"`
	YieldFeeBps      uint64 `toml:"YieldFeeBps" yaml:"yield_fee_bps"`
	FeeVaultShareBps uint64 `toml:"FeeVaultShareBps" yaml:"fee_vault_share_bps"`
}

// Liquidation configures the liquidator reward.
type Liquidation struct {
	BonusBps uint64 `toml:"BonusBps" yaml:"bonus_bps"`
}

// Oracle bounds every accepted quote. Prices are USD scaled by 1e6.
type Oracle struct {
	MaxStalenessSeconds uint64 `toml:"MaxStalenessSeconds" yaml:"max_staleness_seconds"`
	MaxConfidenceBps    uint64 `toml:"MaxConfidenceBps" yaml:"max_confidence_bps"`
	MinPrice            uint64 `toml:"MinPrice" yaml:"min_price"`
	MaxPrice            uint64 `toml:"MaxPrice" yaml:"max_price"`
}

// Pauses lists the modules that start paused.
type Pauses struct {
	Vault       bool `toml:"Vault" yaml:"vault"`
	Lending     bool `toml:"Lending" yaml:"lending"`
	Leverage    bool `toml:"Leverage" yaml:"leverage"`
	Liquidation bool `toml:"Liquidation" yaml:"liquidation"`
}

// Modules returns the names of the paused modules.
func (p Pauses) Modules() []string {
	var out []string
	if p.Vault {
		out = append(out, "vault")
	}
	if p.Lending {
		out = append(out, "lending")
	}
	if p.Leverage {
		out = append(out, "leverage")
	}
	if p.Liquidation {
		out = append(out, "liquidation")
	}
	return out
}
