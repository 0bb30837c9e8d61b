package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"crucible/native/lending"
	"crucible/native/leverage"
	"crucible/native/liquidation"
	"crucible/native/oracle"
	"crucible/native/vault"
)

// Config is the protocol configuration: one vault, one lending market and the
// position manager that borrows from it against vault collateral.
type Config struct {
	Authority    string      `toml:"Authority" yaml:"authority"`
	AllowMigrate bool        `toml:"AllowMigrate" yaml:"allow_migrate"`
	Vault        Vault       `toml:"vault" yaml:"vault"`
	Market       Market      `toml:"market" yaml:"market"`
	Leverage     Leverage    `toml:"leverage" yaml:"leverage"`
	Liquidation  Liquidation `toml:"liquidation" yaml:"liquidation"`
	Oracle       Oracle      `toml:"oracle" yaml:"oracle"`
	Pauses       Pauses      `toml:"pauses" yaml:"pauses"`
}

// Load reads the configuration at path. Files ending in .yaml or .yml are
// decoded as YAML, everything else as TOML. A missing file is created with
// defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if isYAML(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %q", path, undecoded[0].String())
		}
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a SOL vault paired with a USDC market.
func Default() *Config {
	cfg := &Config{
		Authority: "crucible",
		Vault: Vault{
			Asset:      "SOL",
			ShareAsset: "cSOL",
			Treasury:   "treasury",
		},
		Market: Market{
			Asset:        "USDC",
			ReceiptAsset: "lUSDC",
		},
		Leverage: Leverage{OracleFeed: "SOL/USD"},
	}
	cfg.normalize()
	return cfg
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.Authority = strings.TrimSpace(cfg.Authority)

	v := &cfg.Vault
	v.Asset = strings.ToUpper(strings.TrimSpace(v.Asset))
	v.ShareAsset = strings.ToUpper(strings.TrimSpace(v.ShareAsset))
	v.Treasury = strings.TrimSpace(v.Treasury)
	v.OracleFeed = strings.TrimSpace(v.OracleFeed)
	if v.VaultShareBps == 0 {
		v.VaultShareBps = vault.DefaultVaultShareBps
	}
	if v.RewardBps == 0 {
		v.RewardBps = vault.DefaultRewardBps
	}
	if v.MaxDeviationBps == 0 {
		v.MaxDeviationBps = vault.DefaultMaxDeviationBps
	}
	if strings.TrimSpace(v.MinAmount) == "" {
		v.MinAmount = "1000"
	}
	if strings.TrimSpace(v.MaxAmount) == "" {
		v.MaxAmount = "1000000000000000000"
	}

	m := &cfg.Market
	m.Asset = strings.ToUpper(strings.TrimSpace(m.Asset))
	m.ReceiptAsset = strings.ToUpper(strings.TrimSpace(m.ReceiptAsset))
	if m.BaseRateBps == 0 && m.Slope1Bps == 0 && m.Slope2Bps == 0 && m.KinkBps == 0 {
		model := lending.DefaultInterestModel
		m.BaseRateBps, m.Slope1Bps, m.Slope2Bps, m.KinkBps = model.BaseRateBps, model.Slope1Bps, model.Slope2Bps, model.KinkBps
	}
	if m.LiquidationThresholdBps == 0 {
		m.LiquidationThresholdBps = 8_500
	}
	if strings.TrimSpace(m.MinimumReserve) == "" {
		m.MinimumReserve = "0"
	}

	l := &cfg.Leverage
	l.OracleFeed = strings.TrimSpace(l.OracleFeed)
	if l.MaxLeverage == 0 {
		l.MaxLeverage = leverage.DefaultMaxLeverage
	}
	if l.PrincipalFeeBps == 0 {
		l.PrincipalFeeBps = leverage.DefaultPrincipalFeeBps
	}
	if l.YieldFeeBps == 0 {
		l.YieldFeeBps = leverage.DefaultYieldFeeBps
	}
	if l.FeeVaultShareBps == 0 {
		l.FeeVaultShareBps = leverage.DefaultFeeVaultShareBps
	}

	if cfg.Liquidation.BonusBps == 0 {
		cfg.Liquidation.BonusBps = liquidation.DefaultBonusBps
	}

	o := &cfg.Oracle
	defaults := oracle.DefaultValidator()
	if o.MaxStalenessSeconds == 0 {
		o.MaxStalenessSeconds = defaults.MaxStaleness
	}
	if o.MaxConfidenceBps == 0 {
		o.MaxConfidenceBps = defaults.MaxConfidenceBps
	}
	if o.MinPrice == 0 {
		o.MinPrice = defaults.MinPrice
	}
	if o.MaxPrice == 0 {
		o.MaxPrice = defaults.MaxPrice
	}
}
