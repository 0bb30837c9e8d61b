package leverage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"crucible/core/events"
	nativecommon "crucible/native/common"
	"crucible/native/fixedpoint"
	"crucible/native/lending"
	"crucible/native/oracle"
	"crucible/native/vault"
)

var (
	errNilState  = errors.New("leverage manager: state not configured")
	errNilVault  = errors.New("leverage manager: vault not configured")
	errNilMarket = errors.New("leverage manager: lending market not configured")
	errNilOracle = errors.New("leverage manager: oracle not configured")
	errNilClock  = errors.New("leverage manager: clock not configured")
)

const moduleName = "leverage"

// SettlementSourceClose tags vault settlements produced by Close.
const SettlementSourceClose = "position_close"

type managerState interface {
	GetPosition(id uint64) (*Position, error)
	PutPosition(p *Position) error
	NextPositionID() (uint64, error)
}

// LendingMarket is the debt side of a position.
type LendingMarket interface {
	Borrow(asset, id, recipient string, amount *uint256.Int) error
	Repay(asset, payer, id string, amount *uint256.Int) (*lending.RepayResult, error)
	TotalOwed(asset, id string) (*uint256.Int, error)
	Market(asset string) (*lending.Market, error)
}

// CollateralVault holds locked collateral and settles it on exit.
type CollateralVault interface {
	Vault(asset string) (*vault.Vault, error)
	ExchangeRate(asset string) (*uint256.Int, error)
	LockCollateral(asset, owner string, amount *uint256.Int) (*uint256.Int, error)
	Settle(asset string, s vault.Settlement) error
}

// PriceSource returns validated oracle quotes.
type PriceSource interface {
	Price(feedID string) (oracle.Quote, error)
}

// Manager opens and closes leveraged positions against one vault and one
// lending market.
type Manager struct {
	params  Params
	state   managerState
	vault   CollateralVault
	market  LendingMarket
	prices  PriceSource
	emitter events.Emitter
	pauses  nativecommon.PauseView
	clock   nativecommon.Clock
}

// NewManager validates params and returns an unwired manager.
func NewManager(params Params) (*Manager, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	params.CollateralAsset = strings.ToUpper(strings.TrimSpace(params.CollateralAsset))
	params.DebtAsset = strings.ToUpper(strings.TrimSpace(params.DebtAsset))
	params.OracleFeed = strings.TrimSpace(params.OracleFeed)
	return &Manager{params: params, emitter: events.NoopEmitter{}}, nil
}

// Params returns the manager configuration.
func (m *Manager) Params() Params { return m.params }

// SetState wires the manager to the external persistence layer.
func (m *Manager) SetState(state managerState) { m.state = state }

// SetVault configures the vault holding position collateral.
func (m *Manager) SetVault(v CollateralVault) {
	if m == nil {
		return
	}
	m.vault = v
}

// SetMarket configures the lending market positions borrow from.
func (m *Manager) SetMarket(market LendingMarket) {
	if m == nil {
		return
	}
	m.market = market
}

// SetPrices configures the oracle used to value collateral.
func (m *Manager) SetPrices(p PriceSource) {
	if m == nil {
		return
	}
	m.prices = p
}

// SetEmitter configures the event sink.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	if m == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	m.emitter = emitter
}

// SetPauses configures the pause view consulted before opening.
func (m *Manager) SetPauses(p nativecommon.PauseView) {
	if m == nil {
		return
	}
	m.pauses = p
}

// SetClock configures the time source for position timestamps.
func (m *Manager) SetClock(c nativecommon.Clock) {
	if m == nil {
		return
	}
	m.clock = c
}

// Position returns a copy of the stored position.
func (m *Manager) Position(id uint64) (*Position, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	p, err := m.state.GetPosition(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: position %d not found", nativecommon.ErrPositionNotOpen, id)
	}
	return p.Clone(), nil
}

// Open locks collateral in the vault and borrows against it. When
// suppliedBorrow is non-nil it must equal the borrow computed from the oracle
// price.
func (m *Manager) Open(owner string, collateral *uint256.Int, leverage uint64, suppliedBorrow *uint256.Int) (*Position, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(m.pauses, moduleName); err != nil {
		return nil, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner required", nativecommon.ErrInvalidAmount)
	}
	if fixedpoint.IsZero(collateral) {
		return nil, fmt.Errorf("%w: zero collateral", nativecommon.ErrInvalidAmount)
	}
	if leverage < LeverageOne || leverage > m.params.MaxLeverage {
		return nil, fmt.Errorf("%w: leverage %d outside [%d, %d]", nativecommon.ErrInvalidAmount, leverage, LeverageOne, m.params.MaxLeverage)
	}
	quote, err := m.prices.Price(m.params.OracleFeed)
	if err != nil {
		return nil, err
	}
	value, err := ValueAt(collateral, quote.Price)
	if err != nil {
		return nil, err
	}
	if value.IsZero() {
		return nil, fmt.Errorf("%w: collateral %s is worth nothing at price %d", nativecommon.ErrInvalidAmount, collateral.Dec(), quote.Price)
	}
	borrowed, err := fixedpoint.MulDiv(value, uint256.NewInt(leverage-LeverageOne), uint256.NewInt(LeverageOne))
	if err != nil {
		return nil, err
	}
	if suppliedBorrow != nil && !suppliedBorrow.Eq(borrowed) {
		return nil, fmt.Errorf("%w: supplied borrow=%s computed=%s", nativecommon.ErrInvalidAmount, suppliedBorrow.Dec(), borrowed.Dec())
	}
	if !borrowed.IsZero() {
		market, err := m.market.Market(m.params.DebtAsset)
		if err != nil {
			return nil, err
		}
		ltv, err := fixedpoint.MulDiv(borrowed, uint256.NewInt(fixedpoint.BasisPoints), value)
		if err != nil {
			return nil, err
		}
		if !ltv.IsUint64() || ltv.Uint64() >= market.LiquidationThresholdBps {
			return nil, fmt.Errorf("%w: opening ltv=%s bps reaches liquidation threshold=%d bps", nativecommon.ErrInvalidAmount, ltv.Dec(), market.LiquidationThresholdBps)
		}
	}

	before, err := m.vault.Vault(m.params.CollateralAsset)
	if err != nil {
		return nil, err
	}
	rate, err := m.vault.LockCollateral(m.params.CollateralAsset, owner, collateral)
	if err != nil {
		return nil, err
	}
	id, err := m.state.NextPositionID()
	if err != nil {
		return nil, err
	}
	debtAccount := DebtAccountID(id)
	if !borrowed.IsZero() {
		if err := m.market.Borrow(m.params.DebtAsset, debtAccount, owner, borrowed); err != nil {
			return nil, err
		}
	}
	after, err := m.vault.Vault(m.params.CollateralAsset)
	if err != nil {
		return nil, err
	}

	position := &Position{
		ID:                id,
		Owner:             owner,
		CollateralAsset:   m.params.CollateralAsset,
		CollateralAmount:  fixedpoint.Clone(collateral),
		DebtAsset:         m.params.DebtAsset,
		DebtAccount:       debtAccount,
		BorrowedAmount:    borrowed,
		Leverage:          leverage,
		EntryPrice:        quote.Price,
		EntryExchangeRate: rate,
		CreatedAt:         m.clock.Now(),
		Open:              true,
	}
	if err := m.state.PutPosition(position); err != nil {
		return nil, err
	}
	m.emitter.Emit(events.PositionOpened{
		PositionID:        position.ID,
		Owner:             position.Owner,
		Asset:             position.CollateralAsset,
		Collateral:        position.CollateralAmount,
		Borrowed:          position.BorrowedAmount,
		Leverage:          position.Leverage,
		EntryPrice:        position.EntryPrice,
		EntryExchangeRate: position.EntryExchangeRate,
		CreatedAt:         position.CreatedAt,
		LockedBefore:      before.LockedCollateral,
		LockedAfter:       after.LockedCollateral,
	})
	return position.Clone(), nil
}

// CloseResult is the settlement breakdown of a closed position. Yield and
// fees are in debt-asset value; VaultShare, TreasuryShare and Payout are in
// collateral units.
type CloseResult struct {
	Position      *Position
	Price         uint64
	SlippageBps   uint64
	ExchangeYield *uint256.Int
	Appreciation  *uint256.Int
	Yield         *uint256.Int
	PrincipalFee  *uint256.Int
	YieldFee      *uint256.Int
	VaultShare    *uint256.Int
	TreasuryShare *uint256.Int
	Repaid        *uint256.Int
	Payout        *uint256.Int
}

// Close settles an open position for its owner. The owner repays the
// outstanding debt, receives the locked collateral plus exchange-rate yield
// and pays the principal and yield fees in collateral units.
func (m *Manager) Close(caller string, id uint64, maxSlippageBps uint64) (*CloseResult, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	p, err := m.state.GetPosition(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: position %d not found", nativecommon.ErrPositionNotOpen, id)
	}
	if strings.TrimSpace(caller) != p.Owner {
		return nil, fmt.Errorf("%w: position %d is owned by %s", nativecommon.ErrUnauthorized, id, p.Owner)
	}
	if !p.Open {
		return nil, fmt.Errorf("%w: position %d closed at %d", nativecommon.ErrPositionNotOpen, id, p.ClosedAt)
	}

	quote, err := m.prices.Price(m.params.OracleFeed)
	if err != nil {
		return nil, err
	}
	entryValue, err := ValueAt(p.CollateralAmount, p.EntryPrice)
	if err != nil {
		return nil, err
	}
	currentValue, err := ValueAt(p.CollateralAmount, quote.Price)
	if err != nil {
		return nil, err
	}
	slippage, err := fixedpoint.MulDiv(fixedpoint.AbsDiff(currentValue, entryValue), uint256.NewInt(fixedpoint.BasisPoints), entryValue)
	if err != nil {
		return nil, err
	}
	if !slippage.IsUint64() || slippage.Uint64() > maxSlippageBps {
		return nil, fmt.Errorf("%w: slippage=%s bps max=%d bps", nativecommon.ErrSlippageExceeded, slippage.Dec(), maxSlippageBps)
	}

	currentRate, err := m.vault.ExchangeRate(p.CollateralAsset)
	if err != nil {
		return nil, err
	}
	before, err := m.vault.Vault(p.CollateralAsset)
	if err != nil {
		return nil, err
	}
	exchangeYield := fixedpoint.Zero()
	yieldUnits := fixedpoint.Zero()
	if currentRate.Gt(p.EntryExchangeRate) {
		growth := new(uint256.Int).Sub(currentRate, p.EntryExchangeRate)
		if exchangeYield, err = fixedpoint.MulDiv(entryValue, growth, p.EntryExchangeRate); err != nil {
			return nil, err
		}
		if yieldUnits, err = UnitsAt(exchangeYield, quote.Price); err != nil {
			return nil, err
		}
		share, err := feeShare(before, p.CollateralAmount)
		if err != nil {
			return nil, err
		}
		if yieldUnits.Gt(share) {
			yieldUnits = share
			if exchangeYield, err = ValueAt(yieldUnits, quote.Price); err != nil {
				return nil, err
			}
		}
	}
	appreciation := fixedpoint.Zero()
	if currentValue.Gt(entryValue) {
		appreciation.Sub(currentValue, entryValue)
	}
	yield, err := fixedpoint.Add(exchangeYield, appreciation)
	if err != nil {
		return nil, err
	}
	principalFee, err := fixedpoint.Bps(entryValue, m.params.PrincipalFeeBps)
	if err != nil {
		return nil, err
	}
	yieldFee, err := fixedpoint.Bps(yield, m.params.YieldFeeBps)
	if err != nil {
		return nil, err
	}
	totalFee, err := fixedpoint.Add(principalFee, yieldFee)
	if err != nil {
		return nil, err
	}

	feeUnits, err := UnitsAt(totalFee, quote.Price)
	if err != nil {
		return nil, err
	}
	gross, err := fixedpoint.Add(p.CollateralAmount, yieldUnits)
	if err != nil {
		return nil, err
	}
	// a collapsed price can push fees past what the position holds
	feeUnits = fixedpoint.Min(feeUnits, gross)
	vaultShare, err := fixedpoint.Bps(feeUnits, m.params.FeeVaultShareBps)
	if err != nil {
		return nil, err
	}
	treasuryShare := new(uint256.Int).Sub(feeUnits, vaultShare)
	payout := new(uint256.Int).Sub(gross, feeUnits)

	owed, err := m.market.TotalOwed(p.DebtAsset, p.DebtAccount)
	if err != nil {
		return nil, err
	}
	repaid := fixedpoint.Zero()
	if !owed.IsZero() {
		res, err := m.market.Repay(p.DebtAsset, p.Owner, p.DebtAccount, owed)
		if err != nil {
			return nil, err
		}
		repaid = res.Paid
	}

	settlement := vault.Settlement{
		Source:      SettlementSourceClose,
		Release:     p.CollateralAmount,
		Yield:       yieldUnits,
		RetainedFee: vaultShare,
		TreasuryFee: treasuryShare,
	}
	if !payout.IsZero() {
		settlement.Payouts = []vault.Payout{{To: p.Owner, Amount: payout}}
	}
	if err := m.vault.Settle(p.CollateralAsset, settlement); err != nil {
		return nil, err
	}
	after, err := m.vault.Vault(p.CollateralAsset)
	if err != nil {
		return nil, err
	}

	closed := p.Clone()
	closed.Open = false
	closed.ClosedAt = m.clock.Now()
	if err := m.state.PutPosition(closed); err != nil {
		return nil, err
	}
	result := &CloseResult{
		Position:      closed.Clone(),
		Price:         quote.Price,
		SlippageBps:   slippage.Uint64(),
		ExchangeYield: exchangeYield,
		Appreciation:  appreciation,
		Yield:         yield,
		PrincipalFee:  principalFee,
		YieldFee:      yieldFee,
		VaultShare:    vaultShare,
		TreasuryShare: treasuryShare,
		Repaid:        repaid,
		Payout:        payout,
	}
	m.emitter.Emit(events.PositionClosed{
		PositionID:    closed.ID,
		Owner:         closed.Owner,
		Price:         quote.Price,
		SlippageBps:   result.SlippageBps,
		Yield:         yield,
		PrincipalFee:  principalFee,
		YieldFee:      yieldFee,
		VaultShare:    vaultShare,
		TreasuryShare: treasuryShare,
		Repaid:        repaid,
		Payout:        payout,
		LockedBefore:  before.LockedCollateral,
		LockedAfter:   after.LockedCollateral,
	})
	return result, nil
}

// feeShare is the part of the vault's accrued fees owed to collateral locked
// alongside the share-backed deposits. Locked collateral holds no shares, so
// its yield is bounded by its pro-rata claim on the fees.
func feeShare(v *vault.Vault, collateral *uint256.Int) (*uint256.Int, error) {
	pool, err := fixedpoint.Add(v.TrackedDeposited, v.AccruedFees)
	if err != nil {
		return nil, err
	}
	if pool, err = fixedpoint.Add(pool, v.LockedCollateral); err != nil {
		return nil, err
	}
	return fixedpoint.MulDiv(v.AccruedFees, collateral, pool)
}

func (m *Manager) ready() error {
	switch {
	case m == nil || m.state == nil:
		return errNilState
	case m.vault == nil:
		return errNilVault
	case m.market == nil:
		return errNilMarket
	case m.prices == nil:
		return errNilOracle
	case m.clock == nil:
		return errNilClock
	}
	return nil
}
