package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	nativecommon "crucible/native/common"
	"crucible/native/lending"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "crucible.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "SOL", cfg.Vault.Asset)
	require.Equal(t, "CSOL", cfg.Vault.ShareAsset)
	require.Equal(t, "USDC", cfg.Market.Asset)

	_, err = os.Stat(path)
	require.NoError(t, err)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, reloaded)
}

func TestLoadTOMLAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crucible.toml")
	contents := `Authority = "mint-authority"

[vault]
Asset = " sol "
ShareAsset = "csol"
Treasury = "treasury"
MintFeeBps = 50

[market]
Asset = "usdc"
ReceiptAsset = "lusdc"
MinimumReserve = "2500"

[leverage]
OracleFeed = "SOL/USD"
MaxLeverage = 180

[pauses]
Liquidation = true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "mint-authority", cfg.Authority)
	require.Equal(t, "SOL", cfg.Vault.Asset)
	require.Equal(t, uint64(8_000), cfg.Vault.VaultShareBps)
	require.Equal(t, uint64(8_500), cfg.Market.LiquidationThresholdBps)
	require.Equal(t, lending.DefaultInterestModel.KinkBps, cfg.Market.KinkBps)
	require.Equal(t, uint64(500), cfg.Liquidation.BonusBps)
	require.Equal(t, []string{"liquidation"}, cfg.Pauses.Modules())

	vp, err := cfg.VaultParams()
	require.NoError(t, err)
	require.Equal(t, uint64(50), vp.MintFeeBps)
	require.Equal(t, uint64(1_000), vp.MinAmount.Uint64())

	mp, err := cfg.MarketParams()
	require.NoError(t, err)
	require.Equal(t, uint64(2_500), mp.MinimumReserve.Uint64())

	lp := cfg.LeverageParams()
	require.Equal(t, "SOL", lp.CollateralAsset)
	require.Equal(t, "USDC", lp.DebtAsset)
	require.Equal(t, uint64(180), lp.MaxLeverage)
	require.Equal(t, uint64(300), cfg.Validator().MaxStaleness)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crucible.yaml")
	contents := `authority: crucible
vault:
  asset: ETH
  share_asset: cETH
  treasury: ops
  burn_fee_bps: 25
market:
  asset: DAI
  receipt_asset: lDAI
  base_rate_bps: 100
  slope1_bps: 1000
  slope2_bps: 5000
  kink_bps: 9000
  liquidation_threshold_bps: 8000
leverage:
  oracle_feed: ETH/USD
  max_leverage: 170
oracle:
  max_staleness_seconds: 60
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "ETH", cfg.Vault.Asset)
	require.Equal(t, uint64(25), cfg.Vault.BurnFeeBps)
	require.Equal(t, uint64(9_000), cfg.Market.KinkBps)
	require.Equal(t, uint64(8_000), cfg.Market.LiquidationThresholdBps)
	require.Equal(t, uint64(60), cfg.Validator().MaxStaleness)
	require.Equal(t, "ETH/USD", cfg.LeverageParams().OracleFeed)
}

func TestLoadRejectsUnknownTOMLKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crucible.toml")
	require.NoError(t, os.WriteFile(path, []byte("Authority = \"crucible\"\nValidatorKey = \"abc\"\n"), 0o644))

	_, err := Load(path)
	require.ErrorContains(t, err, "ValidatorKey")
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"threshold":      func(c *Config) { c.Market.LiquidationThresholdBps = 10_000 },
		"amount":         func(c *Config) { c.Vault.MaxAmount = "lots" },
		"bounds":         func(c *Config) { c.Vault.MinAmount = "10"; c.Vault.MaxAmount = "5" },
		"same assets":    func(c *Config) { c.Vault.ShareAsset = c.Vault.Asset },
		"authority":      func(c *Config) { c.Authority = "" },
		"leverage":       func(c *Config) { c.Leverage.MaxLeverage = 99 },
		"born unsafe":    func(c *Config) { c.Leverage.MaxLeverage = 185 },
		"feed mismatch":  func(c *Config) { c.Vault.OracleFeed = "ETH/USD" },
		"bonus":          func(c *Config) { c.Liquidation.BonusBps = 10_001 },
		"oracle bounds":  func(c *Config) { c.Oracle.MaxPrice = 0; c.Oracle.MinPrice = 5 },
		"missing feed":   func(c *Config) { c.Leverage.OracleFeed = "" },
		"reserve format": func(c *Config) { c.Market.MinimumReserve = "-1" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), nativecommon.ErrInvalidConfig)
		})
	}
	require.NoError(t, Default().Validate())

	cfg := Default()
	cfg.Vault.RequireOracle = true
	require.ErrorIs(t, cfg.Validate(), nativecommon.ErrOracleOutOfBounds)
	cfg.Vault.OracleFeed = cfg.Leverage.OracleFeed
	require.NoError(t, cfg.Validate())
}
