package leverage

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"crucible/core/events"
	nativecommon "crucible/native/common"
	"crucible/native/ledger"
	"crucible/native/lending"
	"crucible/native/oracle"
	"crucible/native/vault"
)

const (
	testAuthority = "crucible"
	testFeed      = "SOL/USD"
)

type mockState struct {
	vaults    map[string]*vault.Vault
	markets   map[string]*lending.Market
	borrowers map[string]*lending.BorrowerAccount
	positions map[uint64]*Position
	nonce     uint64
}

func newMockState() *mockState {
	return &mockState{
		vaults:    make(map[string]*vault.Vault),
		markets:   make(map[string]*lending.Market),
		borrowers: make(map[string]*lending.BorrowerAccount),
		positions: make(map[uint64]*Position),
	}
}

func (m *mockState) GetVault(asset string) (*vault.Vault, error) { return m.vaults[asset], nil }

func (m *mockState) PutVault(v *vault.Vault) error {
	m.vaults[v.Asset] = v
	return nil
}

func (m *mockState) GetMarket(asset string) (*lending.Market, error) { return m.markets[asset], nil }

func (m *mockState) PutMarket(market *lending.Market) error {
	m.markets[market.Asset] = market
	return nil
}

func (m *mockState) GetBorrower(asset, id string) (*lending.BorrowerAccount, error) {
	return m.borrowers[asset+"/"+id], nil
}

func (m *mockState) PutBorrower(asset string, acct *lending.BorrowerAccount) error {
	m.borrowers[asset+"/"+acct.ID] = acct
	return nil
}

func (m *mockState) GetPosition(id uint64) (*Position, error) { return m.positions[id], nil }

func (m *mockState) PutPosition(p *Position) error {
	m.positions[p.ID] = p
	return nil
}

func (m *mockState) NextPositionID() (uint64, error) {
	m.nonce++
	return m.nonce, nil
}

type recorder struct {
	events []events.Event
}

func (r *recorder) Emit(e events.Event) { r.events = append(r.events, e) }

func (r *recorder) last() events.Event { return r.events[len(r.events)-1] }

type testClock struct{ now uint64 }

func (c *testClock) Now() uint64 { return c.now }

type fixture struct {
	manager *Manager
	vault   *vault.Engine
	market  *lending.Engine
	state   *mockState
	ledger  *ledger.MemLedger
	feed    *oracle.StaticFeed
	clock   *testClock
	events  *recorder
}

func newFixture(t *testing.T, mutateVault func(*vault.Params)) *fixture {
	t.Helper()
	clock := &testClock{now: 10_000}
	state := newMockState()
	l := ledger.NewMemLedger()
	rec := &recorder{}

	vp := vault.DefaultParams("SOL", "cSOL", "treasury")
	if mutateVault != nil {
		mutateVault(&vp)
	}
	v, err := vault.New(vp)
	require.NoError(t, err)
	require.NoError(t, state.PutVault(v))
	l.SetMintAuthority("CSOL", testAuthority)
	vaultEngine := vault.NewEngine(testAuthority)
	vaultEngine.SetState(state)
	vaultEngine.SetLedger(l)

	market, err := lending.NewMarket(lending.Params{
		Asset:                   "USDC",
		ReceiptAsset:            "lUSDC",
		LiquidationThresholdBps: 8_500,
	}, clock.now)
	require.NoError(t, err)
	require.NoError(t, state.PutMarket(market))
	l.SetMintAuthority("LUSDC", testAuthority)
	marketEngine := lending.NewEngine(testAuthority)
	marketEngine.SetState(state)
	marketEngine.SetLedger(l)
	marketEngine.SetClock(clock)

	require.NoError(t, l.Credit("USDC", "lender", uint256.NewInt(100_000)))
	_, err = marketEngine.Supply("USDC", "lender", uint256.NewInt(100_000))
	require.NoError(t, err)

	feed := oracle.NewStaticFeed()
	feed.Set(testFeed, oracle.Quote{Price: 2_000_000, PublishTime: clock.now})

	manager, err := NewManager(DefaultParams("sol", "usdc", testFeed))
	require.NoError(t, err)
	manager.SetState(state)
	manager.SetVault(vaultEngine)
	manager.SetMarket(marketEngine)
	manager.SetPrices(oracle.NewAdapter(feed, clock))
	manager.SetClock(clock)
	manager.SetEmitter(rec)

	return &fixture{
		manager: manager,
		vault:   vaultEngine,
		market:  marketEngine,
		state:   state,
		ledger:  l,
		feed:    feed,
		clock:   clock,
		events:  rec,
	}
}

func (f *fixture) setPrice(price uint64) {
	f.feed.Set(testFeed, oracle.Quote{Price: price, PublishTime: f.clock.now})
}

func (f *fixture) fund(t *testing.T, asset, account string, amount uint64) {
	t.Helper()
	require.NoError(t, f.ledger.Credit(asset, account, uint256.NewInt(amount)))
}

func TestOpenCloseWorkedExample(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "SOL", "alice", 1_000)

	p, err := f.manager.Open("alice", uint256.NewInt(1_000), 150, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), p.ID)
	require.Equal(t, uint64(1_000), p.BorrowedAmount.Uint64())
	require.Equal(t, "position:1", p.DebtAccount)
	require.Equal(t, uint64(2_000_000), p.EntryPrice)
	require.Equal(t, uint64(10_000), p.CreatedAt)
	require.True(t, p.Open)
	require.Equal(t, uint64(1_000), f.ledger.BalanceOf("USDC", "alice").Uint64())
	require.Equal(t, uint64(1_000), f.state.vaults["SOL"].LockedCollateral.Uint64())
	require.True(t, f.ledger.BalanceOf("SOL", "alice").IsZero())

	opened := f.events.last().Event()
	require.Equal(t, events.TypePositionOpened, opened.Type)
	require.Equal(t, "0", opened.Attributes["lockedBefore"])
	require.Equal(t, "1000", opened.Attributes["lockedAfter"])

	res, err := f.manager.Close("alice", p.ID, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), res.SlippageBps)
	require.True(t, res.Yield.IsZero())
	require.Equal(t, uint64(40), res.PrincipalFee.Uint64())
	require.Equal(t, uint64(16), res.VaultShare.Uint64())
	require.Equal(t, uint64(4), res.TreasuryShare.Uint64())
	require.Equal(t, uint64(1_000), res.Repaid.Uint64())
	require.Equal(t, uint64(980), res.Payout.Uint64())
	require.False(t, res.Position.Open)

	require.Equal(t, uint64(980), f.ledger.BalanceOf("SOL", "alice").Uint64())
	require.Equal(t, uint64(4), f.ledger.BalanceOf("SOL", "treasury").Uint64())
	require.True(t, f.ledger.BalanceOf("USDC", "alice").IsZero())
	v := f.state.vaults["SOL"]
	require.True(t, v.LockedCollateral.IsZero())
	require.Equal(t, uint64(16), v.AccruedFees.Uint64())
	require.Equal(t, uint64(16), v.ExpectedBalance.Uint64())
	require.True(t, f.state.markets["USDC"].TotalBorrowed.IsZero())

	closed := f.events.last().Event()
	require.Equal(t, events.TypePositionClosed, closed.Type)
	require.Equal(t, "980", closed.Attributes["payout"])
	require.Equal(t, "1000", closed.Attributes["lockedBefore"])
	require.Equal(t, "0", closed.Attributes["lockedAfter"])
}

func TestCloseRejectsSlippageAndCountsAppreciation(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "SOL", "alice", 1_000)
	p, err := f.manager.Open("alice", uint256.NewInt(1_000), 150, nil)
	require.NoError(t, err)

	f.setPrice(2_100_000)
	_, err = f.manager.Close("alice", p.ID, 499)
	require.ErrorIs(t, err, nativecommon.ErrSlippageExceeded)
	require.Contains(t, err.Error(), "slippage=500")
	require.True(t, f.state.positions[p.ID].Open)

	res, err := f.manager.Close("alice", p.ID, 500)
	require.NoError(t, err)
	require.Equal(t, uint64(500), res.SlippageBps)
	require.Equal(t, uint64(100), res.Appreciation.Uint64())
	require.Equal(t, uint64(10), res.YieldFee.Uint64())
	// 50 of fees at 2.1 per unit is 23 units
	require.Equal(t, uint64(18), res.VaultShare.Uint64())
	require.Equal(t, uint64(5), res.TreasuryShare.Uint64())
	require.Equal(t, uint64(977), res.Payout.Uint64())
}

func TestClosePaysExchangeRateYieldFromFees(t *testing.T) {
	f := newFixture(t, func(p *vault.Params) {
		p.VaultShareBps = 10_000
		p.RewardBps = 0
	})
	f.setPrice(1_000_000)
	f.fund(t, "SOL", "bob", 110_000)
	f.fund(t, "SOL", "alice", 1_000)
	_, err := f.vault.Mint("SOL", "bob", uint256.NewInt(100_000))
	require.NoError(t, err)

	p, err := f.manager.Open("alice", uint256.NewInt(1_000), 100, nil)
	require.NoError(t, err)
	require.True(t, p.BorrowedAmount.IsZero())
	_, err = f.vault.DepositFees("SOL", "bob", uint256.NewInt(10_000))
	require.NoError(t, err)

	// 10% rate growth would be 100, the collateral's share of the fees is
	// 10,000 * 1,000 / 111,000
	res, err := f.manager.Close("alice", p.ID, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(90), res.ExchangeYield.Uint64())
	require.True(t, res.Repaid.IsZero())
	require.Equal(t, uint64(23), res.VaultShare.Uint64())
	require.Equal(t, uint64(6), res.TreasuryShare.Uint64())
	require.Equal(t, uint64(1_061), res.Payout.Uint64())
	require.Equal(t, uint64(1_061), f.ledger.BalanceOf("SOL", "alice").Uint64())
	require.Equal(t, uint64(9_933), f.state.vaults["SOL"].AccruedFees.Uint64())

	_, err = f.vault.ExchangeRate("SOL")
	require.NoError(t, err)
}

func TestCloseSettlesWhenCollateralDwarfsShares(t *testing.T) {
	f := newFixture(t, func(p *vault.Params) {
		p.VaultShareBps = 10_000
		p.RewardBps = 0
	})
	f.setPrice(1_000_000)
	f.fund(t, "SOL", "bob", 10_000)
	f.fund(t, "SOL", "alice", 100_000)
	f.fund(t, "SOL", "carol", 1_000)
	_, err := f.vault.Mint("SOL", "bob", uint256.NewInt(10_000))
	require.NoError(t, err)
	p, err := f.manager.Open("alice", uint256.NewInt(100_000), 100, nil)
	require.NoError(t, err)
	_, err = f.vault.DepositFees("SOL", "carol", uint256.NewInt(1_000))
	require.NoError(t, err)

	res, err := f.manager.Close("alice", p.ID, 10_000)
	require.NoError(t, err)
	require.False(t, f.state.positions[p.ID].Open)
	require.Equal(t, uint64(900), res.ExchangeYield.Uint64())
	require.Equal(t, uint64(2_000), res.PrincipalFee.Uint64())
	require.Equal(t, uint64(90), res.YieldFee.Uint64())
	require.Equal(t, uint64(98_810), res.Payout.Uint64())
	require.Equal(t, uint64(98_810), f.ledger.BalanceOf("SOL", "alice").Uint64())

	v := f.state.vaults["SOL"]
	require.True(t, v.LockedCollateral.IsZero())
	require.Equal(t, uint64(1_772), v.AccruedFees.Uint64())
	require.Equal(t, uint64(11_772), f.ledger.BalanceOf("SOL", v.Custody()).Uint64())
	_, err = f.vault.ExchangeRate("SOL")
	require.NoError(t, err)
}

func TestOpenValidatesInputs(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "SOL", "alice", 10_000)

	_, err := f.manager.Open("alice", uint256.NewInt(1_000), 99, nil)
	require.ErrorIs(t, err, nativecommon.ErrInvalidAmount)
	_, err = f.manager.Open("alice", uint256.NewInt(1_000), 201, nil)
	require.ErrorIs(t, err, nativecommon.ErrInvalidAmount)

	_, err = f.manager.Open("alice", uint256.NewInt(1_000), 150, uint256.NewInt(999))
	require.ErrorIs(t, err, nativecommon.ErrInvalidAmount)
	require.Contains(t, err.Error(), "supplied borrow=999 computed=1000")

	p, err := f.manager.Open("alice", uint256.NewInt(1_000), 150, uint256.NewInt(1_000))
	require.NoError(t, err)
	require.Equal(t, uint64(1), p.ID)

	f.clock.now += 301
	_, err = f.manager.Open("alice", uint256.NewInt(1_000), 150, nil)
	require.ErrorIs(t, err, nativecommon.ErrStaleOracle)
}

func TestOpenRejectsPositionsBornLiquidatable(t *testing.T) {
	f := newFixture(t, nil)
	f.manager.params.MaxLeverage = 200
	f.fund(t, "SOL", "alice", 2_000)

	_, err := f.manager.Open("alice", uint256.NewInt(1_000), 185, nil)
	require.ErrorIs(t, err, nativecommon.ErrInvalidAmount)
	require.Contains(t, err.Error(), "opening ltv=8500 bps reaches liquidation threshold=8500 bps")
	require.Empty(t, f.state.positions)
	require.Equal(t, uint64(2_000), f.ledger.BalanceOf("SOL", "alice").Uint64())

	p, err := f.manager.Open("alice", uint256.NewInt(1_000), 184, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1_680), p.BorrowedAmount.Uint64())
}

func TestCheckThreshold(t *testing.T) {
	require.Equal(t, uint64(0), OpeningLTVBps(LeverageOne))
	require.Equal(t, uint64(9_000), OpeningLTVBps(190))
	require.NoError(t, CheckThreshold(DefaultMaxLeverage, 8_500))
	require.ErrorIs(t, CheckThreshold(185, 8_500), nativecommon.ErrInvalidConfig)
}

func TestPositionIDsAreNeverReused(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "SOL", "alice", 2_000)

	first, err := f.manager.Open("alice", uint256.NewInt(1_000), 180, nil)
	require.NoError(t, err)
	_, err = f.manager.Close("alice", first.ID, 0)
	require.NoError(t, err)

	second, err := f.manager.Open("alice", uint256.NewInt(1_000), 180, nil)
	require.NoError(t, err)
	require.Greater(t, second.ID, first.ID)
	require.NotEqual(t, first.DebtAccount, second.DebtAccount)
}

func TestCloseAuthorisation(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "SOL", "alice", 1_000)
	p, err := f.manager.Open("alice", uint256.NewInt(1_000), 150, nil)
	require.NoError(t, err)

	_, err = f.manager.Close("mallory", p.ID, 10_000)
	require.ErrorIs(t, err, nativecommon.ErrUnauthorized)

	_, err = f.manager.Close("alice", 99, 10_000)
	require.ErrorIs(t, err, nativecommon.ErrPositionNotOpen)

	_, err = f.manager.Close("alice", p.ID, 10_000)
	require.NoError(t, err)
	_, err = f.manager.Close("alice", p.ID, 10_000)
	require.ErrorIs(t, err, nativecommon.ErrPositionNotOpen)
}

func TestOpenBlockedWhilePaused(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "SOL", "alice", 1_000)
	f.manager.SetPauses(nativecommon.StaticPauses{moduleName: true})

	_, err := f.manager.Open("alice", uint256.NewInt(1_000), 150, nil)
	require.ErrorIs(t, err, nativecommon.ErrProtocolPaused)
	require.Empty(t, f.state.positions)
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams("SOL", "USDC", testFeed).Validate())

	p := DefaultParams("SOL", "USDC", "")
	require.ErrorIs(t, p.Validate(), nativecommon.ErrInvalidConfig)
	p = DefaultParams("SOL", "USDC", testFeed)
	p.MaxLeverage = 50
	require.ErrorIs(t, p.Validate(), nativecommon.ErrInvalidConfig)
	p = DefaultParams("SOL", "USDC", testFeed)
	p.YieldFeeBps = 10_001
	require.ErrorIs(t, p.Validate(), nativecommon.ErrInvalidConfig)
}
