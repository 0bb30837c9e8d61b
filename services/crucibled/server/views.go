package server

import (
	"crucible/core"
	"crucible/native/fixedpoint"
	"crucible/native/lending"
	"crucible/native/leverage"
	"crucible/native/liquidation"
	"crucible/native/vault"
)

// Amounts are rendered as decimal strings to survive JSON number precision.

type vaultView struct {
	Asset            string `json:"asset"`
	ShareAsset       string `json:"share_asset"`
	Treasury         string `json:"treasury"`
	OracleFeed       string `json:"oracle_feed,omitempty"`
	MintFeeBps       uint64 `json:"mint_fee_bps"`
	BurnFeeBps       uint64 `json:"burn_fee_bps"`
	VaultShareBps    uint64 `json:"vault_share_bps"`
	RewardBps        uint64 `json:"reward_bps"`
	MinAmount        string `json:"min_amount"`
	MaxAmount        string `json:"max_amount"`
	Paused           bool   `json:"paused"`
	TrackedDeposited string `json:"tracked_deposited"`
	AccruedFees      string `json:"accrued_fees"`
	LockedCollateral string `json:"locked_collateral"`
	ExpectedBalance  string `json:"expected_balance"`
	ExchangeRate     string `json:"exchange_rate,omitempty"`
	ExchangeRateErr  string `json:"exchange_rate_error,omitempty"`
}

func newVaultView(v *vault.Vault) vaultView {
	return vaultView{
		Asset:            v.Asset,
		ShareAsset:       v.ShareAsset,
		Treasury:         v.Treasury,
		OracleFeed:       v.OracleFeed,
		MintFeeBps:       v.MintFeeBps,
		BurnFeeBps:       v.BurnFeeBps,
		VaultShareBps:    v.VaultShareBps,
		RewardBps:        v.RewardBps,
		MinAmount:        fixedpoint.String(v.MinAmount),
		MaxAmount:        fixedpoint.String(v.MaxAmount),
		Paused:           v.Paused,
		TrackedDeposited: fixedpoint.String(v.TrackedDeposited),
		AccruedFees:      fixedpoint.String(v.AccruedFees),
		LockedCollateral: fixedpoint.String(v.LockedCollateral),
		ExpectedBalance:  fixedpoint.String(v.ExpectedBalance),
	}
}

type marketView struct {
	Asset                   string `json:"asset"`
	ReceiptAsset            string `json:"receipt_asset"`
	LiquidationThresholdBps uint64 `json:"liquidation_threshold_bps"`
	MinimumReserve          string `json:"minimum_reserve"`
	TotalSupply             string `json:"total_supply"`
	TotalBorrowed           string `json:"total_borrowed"`
	AccumulatedIndex        string `json:"accumulated_index"`
	LastAccrued             uint64 `json:"last_accrued"`
	Paused                  bool   `json:"paused"`
	PauseProposedAt         uint64 `json:"pause_proposed_at,omitempty"`
	Utilisation             string `json:"utilisation,omitempty"`
	BorrowRate              string `json:"borrow_rate,omitempty"`
	SupplyRate              string `json:"supply_rate,omitempty"`
}

func newMarketView(m *lending.Market, rates *core.MarketRates) marketView {
	view := marketView{
		Asset:                   m.Asset,
		ReceiptAsset:            m.ReceiptAsset,
		LiquidationThresholdBps: m.LiquidationThresholdBps,
		MinimumReserve:          fixedpoint.String(m.MinimumReserve),
		TotalSupply:             fixedpoint.String(m.TotalSupply),
		TotalBorrowed:           fixedpoint.String(m.TotalBorrowed),
		AccumulatedIndex:        fixedpoint.String(m.AccumulatedIndex),
		LastAccrued:             m.LastAccrued,
		Paused:                  m.Paused,
		PauseProposedAt:         m.PauseProposedAt,
	}
	if rates != nil {
		view.Utilisation = fixedpoint.String(rates.Utilisation)
		view.BorrowRate = fixedpoint.String(rates.BorrowRate)
		view.SupplyRate = fixedpoint.String(rates.SupplyRate)
	}
	return view
}

type positionView struct {
	ID                uint64 `json:"id"`
	Owner             string `json:"owner"`
	CollateralAsset   string `json:"collateral_asset"`
	CollateralAmount  string `json:"collateral_amount"`
	DebtAsset         string `json:"debt_asset"`
	DebtAccount       string `json:"debt_account"`
	BorrowedAmount    string `json:"borrowed_amount"`
	Leverage          uint64 `json:"leverage"`
	EntryPrice        uint64 `json:"entry_price"`
	EntryExchangeRate string `json:"entry_exchange_rate"`
	CreatedAt         uint64 `json:"created_at"`
	ClosedAt          uint64 `json:"closed_at,omitempty"`
	Open              bool   `json:"open"`
}

func newPositionView(p *leverage.Position) positionView {
	return positionView{
		ID:                p.ID,
		Owner:             p.Owner,
		CollateralAsset:   p.CollateralAsset,
		CollateralAmount:  fixedpoint.String(p.CollateralAmount),
		DebtAsset:         p.DebtAsset,
		DebtAccount:       p.DebtAccount,
		BorrowedAmount:    fixedpoint.String(p.BorrowedAmount),
		Leverage:          p.Leverage,
		EntryPrice:        p.EntryPrice,
		EntryExchangeRate: fixedpoint.String(p.EntryExchangeRate),
		CreatedAt:         p.CreatedAt,
		ClosedAt:          p.ClosedAt,
		Open:              p.Open,
	}
}

type healthView struct {
	PositionID      uint64 `json:"position_id"`
	Price           uint64 `json:"price"`
	CollateralValue string `json:"collateral_value"`
	DebtOwed        string `json:"debt_owed"`
	LTVBps          uint64 `json:"ltv_bps"`
	ThresholdBps    uint64 `json:"threshold_bps"`
	Liquidatable    bool   `json:"liquidatable"`
}

func newHealthView(h *liquidation.Health) healthView {
	return healthView{
		PositionID:      h.PositionID,
		Price:           h.Price,
		CollateralValue: fixedpoint.String(h.CollateralValue),
		DebtOwed:        fixedpoint.String(h.DebtOwed),
		LTVBps:          h.LTVBps,
		ThresholdBps:    h.ThresholdBps,
		Liquidatable:    h.Liquidatable,
	}
}

type mintView struct {
	Shares        string `json:"shares"`
	Fee           string `json:"fee"`
	VaultShare    string `json:"vault_share"`
	TreasuryShare string `json:"treasury_share"`
	Net           string `json:"net"`
	ExchangeRate  string `json:"exchange_rate"`
}

func newMintView(res *vault.MintResult) mintView {
	return mintView{
		Shares:        fixedpoint.String(res.Shares),
		Fee:           fixedpoint.String(res.Fee),
		VaultShare:    fixedpoint.String(res.VaultShare),
		TreasuryShare: fixedpoint.String(res.TreasuryShare),
		Net:           fixedpoint.String(res.Net),
		ExchangeRate:  fixedpoint.String(res.ExchangeRate),
	}
}

type burnView struct {
	Gross            string `json:"gross"`
	Fee              string `json:"fee"`
	VaultShare       string `json:"vault_share"`
	TreasuryShare    string `json:"treasury_share"`
	Net              string `json:"net"`
	PrincipalPortion string `json:"principal_portion"`
	ExchangeRate     string `json:"exchange_rate"`
}

func newBurnView(res *vault.BurnResult) burnView {
	return burnView{
		Gross:            fixedpoint.String(res.Gross),
		Fee:              fixedpoint.String(res.Fee),
		VaultShare:       fixedpoint.String(res.VaultShare),
		TreasuryShare:    fixedpoint.String(res.TreasuryShare),
		Net:              fixedpoint.String(res.Net),
		PrincipalPortion: fixedpoint.String(res.PrincipalPortion),
		ExchangeRate:     fixedpoint.String(res.ExchangeRate),
	}
}

type feeView struct {
	VaultShare    string `json:"vault_share"`
	TreasuryShare string `json:"treasury_share"`
	RewardShares  string `json:"reward_shares"`
}

func newFeeView(res *vault.FeeResult) feeView {
	return feeView{
		VaultShare:    fixedpoint.String(res.VaultShare),
		TreasuryShare: fixedpoint.String(res.TreasuryShare),
		RewardShares:  fixedpoint.String(res.RewardShares),
	}
}

type repayView struct {
	Paid            string `json:"paid"`
	PrincipalRepaid string `json:"principal_repaid"`
	Interest        string `json:"interest"`
	Remaining       string `json:"remaining"`
}

func newRepayView(res *lending.RepayResult) repayView {
	return repayView{
		Paid:            fixedpoint.String(res.Paid),
		PrincipalRepaid: fixedpoint.String(res.PrincipalRepaid),
		Interest:        fixedpoint.String(res.Interest),
		Remaining:       fixedpoint.String(res.Remaining),
	}
}

type closeView struct {
	Position      positionView `json:"position"`
	Price         uint64       `json:"price"`
	SlippageBps   uint64       `json:"slippage_bps"`
	ExchangeYield string       `json:"exchange_yield"`
	Appreciation  string       `json:"appreciation"`
	Yield         string       `json:"yield"`
	PrincipalFee  string       `json:"principal_fee"`
	YieldFee      string       `json:"yield_fee"`
	VaultShare    string       `json:"vault_share"`
	TreasuryShare string       `json:"treasury_share"`
	Repaid        string       `json:"repaid"`
	Payout        string       `json:"payout"`
}

func newCloseView(res *leverage.CloseResult) closeView {
	return closeView{
		Position:      newPositionView(res.Position),
		Price:         res.Price,
		SlippageBps:   res.SlippageBps,
		ExchangeYield: fixedpoint.String(res.ExchangeYield),
		Appreciation:  fixedpoint.String(res.Appreciation),
		Yield:         fixedpoint.String(res.Yield),
		PrincipalFee:  fixedpoint.String(res.PrincipalFee),
		YieldFee:      fixedpoint.String(res.YieldFee),
		VaultShare:    fixedpoint.String(res.VaultShare),
		TreasuryShare: fixedpoint.String(res.TreasuryShare),
		Repaid:        fixedpoint.String(res.Repaid),
		Payout:        fixedpoint.String(res.Payout),
	}
}

type liquidationView struct {
	Health   healthView `json:"health"`
	Bonus    string     `json:"bonus"`
	Repaid   string     `json:"repaid"`
	Seized   string     `json:"seized"`
	Returned string     `json:"returned"`
}

func newLiquidationView(res *liquidation.Result) liquidationView {
	view := liquidationView{
		Bonus:    fixedpoint.String(res.Bonus),
		Repaid:   fixedpoint.String(res.Repaid),
		Seized:   fixedpoint.String(res.Seized),
		Returned: fixedpoint.String(res.Returned),
	}
	if res.Health != nil {
		view.Health = newHealthView(res.Health)
	}
	return view
}
