package vault

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"crucible/core/events"
	nativecommon "crucible/native/common"
	"crucible/native/fixedpoint"
	"crucible/native/ledger"
)

const (
	testAuthority = "crucible"
	testTreasury  = "treasury"
)

type mockVaultState struct {
	vaults map[string]*Vault
}

func newMockVaultState() *mockVaultState {
	return &mockVaultState{vaults: make(map[string]*Vault)}
}

func (m *mockVaultState) GetVault(asset string) (*Vault, error) {
	return m.vaults[asset], nil
}

func (m *mockVaultState) PutVault(v *Vault) error {
	m.vaults[v.Asset] = v
	return nil
}

type recorder struct {
	events []events.Event
}

func (r *recorder) Emit(e events.Event) { r.events = append(r.events, e) }

type fixture struct {
	engine *Engine
	state  *mockVaultState
	ledger *ledger.MemLedger
	events *recorder
}

func newFixture(t *testing.T, mutate func(*Params)) *fixture {
	t.Helper()
	params := DefaultParams("SOL", "cSOL", testTreasury)
	if mutate != nil {
		mutate(&params)
	}
	v, err := New(params)
	require.NoError(t, err)

	state := newMockVaultState()
	require.NoError(t, state.PutVault(v))

	l := ledger.NewMemLedger()
	l.SetMintAuthority(v.ShareAsset, testAuthority)
	rec := &recorder{}

	engine := NewEngine(testAuthority)
	engine.SetState(state)
	engine.SetLedger(l)
	engine.SetEmitter(rec)
	return &fixture{engine: engine, state: state, ledger: l, events: rec}
}

func (f *fixture) fund(t *testing.T, account string, amount uint64) {
	t.Helper()
	require.NoError(t, f.ledger.Credit("SOL", account, uint256.NewInt(amount)))
}

func (f *fixture) vault() *Vault { return f.state.vaults["SOL"] }

func TestMintWorkedExample(t *testing.T) {
	f := newFixture(t, func(p *Params) { p.MintFeeBps = 50 })
	f.fund(t, "alice", 1_000_000)

	res, err := f.engine.Mint("SOL", "alice", uint256.NewInt(1_000_000))
	require.NoError(t, err)
	require.Equal(t, uint64(5_000), res.Fee.Uint64())
	require.Equal(t, uint64(4_000), res.VaultShare.Uint64())
	require.Equal(t, uint64(1_000), res.TreasuryShare.Uint64())
	require.Equal(t, uint64(995_000), res.Net.Uint64())
	require.Equal(t, uint64(995_000), res.Shares.Uint64())
	require.True(t, res.ExchangeRate.Eq(fixedpoint.Scale()))

	rate, err := f.engine.ExchangeRate("SOL")
	require.NoError(t, err)
	require.Equal(t, "1004020100502512562", rate.Dec())
	require.True(t, rate.Gt(fixedpoint.Scale()))

	v := f.vault()
	require.Equal(t, uint64(995_000), v.TrackedDeposited.Uint64())
	require.Equal(t, uint64(4_000), v.AccruedFees.Uint64())
	require.Equal(t, uint64(999_000), v.ExpectedBalance.Uint64())
	require.Equal(t, uint64(999_000), f.ledger.BalanceOf("SOL", v.Custody()).Uint64())
	require.Equal(t, uint64(1_000), f.ledger.BalanceOf("SOL", testTreasury).Uint64())
	require.Equal(t, uint64(995_000), f.ledger.BalanceOf("cSOL", "alice").Uint64())

	require.Len(t, f.events.events, 1)
	ev := f.events.events[0].Event()
	require.Equal(t, events.TypeShareMinted, ev.Type)
	require.Equal(t, "0", ev.Attributes["before.shareSupply"])
	require.Equal(t, "995000", ev.Attributes["after.shareSupply"])
	require.Equal(t, "1004020100502512562", ev.Attributes["after.exchangeRate"])
}

func TestRoundTripReturnsAmountLessFees(t *testing.T) {
	for _, amount := range []uint64{1_000, 12_345, 1_000_000, 987_654_321} {
		f := newFixture(t, func(p *Params) {
			p.MintFeeBps = 50
			p.BurnFeeBps = 75
			p.VaultShareBps = 0
		})
		f.fund(t, "alice", amount)

		minted, err := f.engine.Mint("SOL", "alice", uint256.NewInt(amount))
		require.NoError(t, err)
		// intervening reads must not disturb the result
		_, err = f.engine.ExchangeRate("SOL")
		require.NoError(t, err)
		_, err = f.engine.Vault("SOL")
		require.NoError(t, err)

		burned, err := f.engine.Burn("SOL", "alice", minted.Shares)
		require.NoError(t, err)

		mintFee := amount * 50 / 10_000
		burnFee := (amount - mintFee) * 75 / 10_000
		require.Equal(t, amount-mintFee-burnFee, burned.Net.Uint64(), "amount %d", amount)
		require.Equal(t, amount-mintFee-burnFee, f.ledger.BalanceOf("SOL", "alice").Uint64())
	}
}

func TestRoundTripWithRetainedFeesIsBounded(t *testing.T) {
	const amount = 1_000_000
	f := newFixture(t, func(p *Params) {
		p.MintFeeBps = 50
		p.BurnFeeBps = 75
	})
	f.fund(t, "alice", amount)

	minted, err := f.engine.Mint("SOL", "alice", uint256.NewInt(amount))
	require.NoError(t, err)
	burned, err := f.engine.Burn("SOL", "alice", minted.Shares)
	require.NoError(t, err)

	floor := uint64(amount) - 5_000 - (995_000 * 75 / 10_000)
	require.GreaterOrEqual(t, burned.Net.Uint64(), floor)
	require.LessOrEqual(t, burned.Net.Uint64(), uint64(amount))
}

func TestRedeemableValueNeverExceedsPrincipalPlusFees(t *testing.T) {
	feeGrid := []uint64{0, 1, 50, 75, 3_000, 10_000}
	accounts := []string{"alice", "bob", "carol"}
	for _, mintFee := range feeGrid {
		for _, burnFee := range feeGrid {
			f := newFixture(t, func(p *Params) {
				p.MintFeeBps = mintFee
				p.BurnFeeBps = burnFee
			})
			for _, acct := range accounts {
				f.fund(t, acct, 1_000_000_000)
			}
			rng := rand.New(rand.NewSource(int64(mintFee*10_001 + burnFee)))
			for step := 0; step < 60; step++ {
				acct := accounts[rng.Intn(len(accounts))]
				var err error
				if rng.Intn(2) == 0 {
					_, err = f.engine.Mint("SOL", acct, uint256.NewInt(uint64(1_000+rng.Intn(5_000_000))))
				} else {
					held := f.ledger.BalanceOf("cSOL", acct)
					if held.IsZero() {
						continue
					}
					portion := new(uint256.Int).Div(held, uint256.NewInt(uint64(1+rng.Intn(3))))
					_, err = f.engine.Burn("SOL", acct, portion)
				}
				if err != nil {
					require.True(t, errors.Is(err, nativecommon.ErrInvalidAmount), "fees %d/%d step %d: %v", mintFee, burnFee, step, err)
					continue
				}

				v := f.vault()
				rate, err := f.engine.ExchangeRate("SOL")
				require.NoError(t, err)
				supply := f.ledger.TotalSupply("cSOL")
				value, err := fixedpoint.MulDiv(supply, rate, fixedpoint.Scale())
				require.NoError(t, err)
				redeemable, err := v.Redeemable()
				require.NoError(t, err)
				require.False(t, value.Gt(redeemable), "fees %d/%d step %d", mintFee, burnFee, step)

				expected, err := fixedpoint.Add(redeemable, v.LockedCollateral)
				require.NoError(t, err)
				require.True(t, expected.Eq(v.ExpectedBalance))
				require.True(t, v.ExpectedBalance.Eq(f.ledger.BalanceOf("SOL", v.Custody())))
			}
		}
	}
}

func TestDonationDoesNotMoveRate(t *testing.T) {
	f := newFixture(t, func(p *Params) { p.MintFeeBps = 50 })
	f.fund(t, "alice", 1_000_000)
	_, err := f.engine.Mint("SOL", "alice", uint256.NewInt(1_000_000))
	require.NoError(t, err)
	before, err := f.engine.ExchangeRate("SOL")
	require.NoError(t, err)

	custody := f.vault().Custody()
	require.NoError(t, f.ledger.Credit("SOL", custody, uint256.NewInt(500_000)))
	after, err := f.engine.ExchangeRate("SOL")
	require.NoError(t, err)
	require.True(t, before.Eq(after))

	// pushes the excess past 100% of the expected balance
	require.NoError(t, f.ledger.Credit("SOL", custody, uint256.NewInt(499_001)))
	_, err = f.engine.ExchangeRate("SOL")
	require.ErrorIs(t, err, nativecommon.ErrVaultBalanceMismatch)
}

func TestDrainTripsBalanceMismatch(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "alice", 2_000_000)
	_, err := f.engine.Mint("SOL", "alice", uint256.NewInt(1_000_000))
	require.NoError(t, err)

	require.NoError(t, f.ledger.Transfer("SOL", f.vault().Custody(), "thief", uint256.NewInt(1)))
	_, err = f.engine.Mint("SOL", "alice", uint256.NewInt(1_000))
	require.ErrorIs(t, err, nativecommon.ErrVaultBalanceMismatch)
	require.Contains(t, err.Error(), "expected=1000000 actual=999999")
}

func TestMintRejectsOutOfBoundsAndPaused(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "alice", 10_000)

	_, err := f.engine.Mint("SOL", "alice", uint256.NewInt(999))
	require.ErrorIs(t, err, nativecommon.ErrInvalidAmount)
	_, err = f.engine.Mint("SOL", "alice", new(uint256.Int).Add(defaultMaxAmount, uint256.NewInt(1)))
	require.ErrorIs(t, err, nativecommon.ErrInvalidAmount)
	_, err = f.engine.Mint("SOL", "alice", nil)
	require.ErrorIs(t, err, nativecommon.ErrInvalidAmount)

	require.NoError(t, f.engine.SetPaused("SOL", true))
	_, err = f.engine.Mint("SOL", "alice", uint256.NewInt(1_000))
	require.ErrorIs(t, err, nativecommon.ErrProtocolPaused)
	require.NoError(t, f.engine.SetPaused("SOL", false))

	f.engine.SetPauses(nativecommon.StaticPauses{moduleName: true})
	_, err = f.engine.Mint("SOL", "alice", uint256.NewInt(1_000))
	require.ErrorIs(t, err, nativecommon.ErrProtocolPaused)
	require.Equal(t, uint64(10_000), f.ledger.BalanceOf("SOL", "alice").Uint64())
}

func TestBurnRejectsMoreThanHeld(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "alice", 5_000)
	minted, err := f.engine.Mint("SOL", "alice", uint256.NewInt(5_000))
	require.NoError(t, err)

	_, err = f.engine.Burn("SOL", "alice", new(uint256.Int).AddUint64(minted.Shares, 1))
	require.ErrorIs(t, err, nativecommon.ErrInvalidAmount)
	_, err = f.engine.Burn("SOL", "alice", uint256.NewInt(0))
	require.ErrorIs(t, err, nativecommon.ErrInvalidAmount)
}

func TestDepositFeesRaisesRateAndRewardsDepositor(t *testing.T) {
	f := newFixture(t, func(p *Params) { p.MintFeeBps = 50 })
	f.fund(t, "alice", 1_000_000)
	f.fund(t, "arb", 20_000)

	// no holders yet: no reward shares
	res, err := f.engine.DepositFees("SOL", "arb", uint256.NewInt(10_000))
	require.NoError(t, err)
	require.True(t, res.RewardShares.IsZero())
	require.Equal(t, uint64(8_000), f.vault().AccruedFees.Uint64())

	f = newFixture(t, func(p *Params) { p.MintFeeBps = 50 })
	f.fund(t, "alice", 1_000_000)
	f.fund(t, "arb", 10_000)
	_, err = f.engine.Mint("SOL", "alice", uint256.NewInt(1_000_000))
	require.NoError(t, err)
	before, err := f.engine.ExchangeRate("SOL")
	require.NoError(t, err)

	res, err = f.engine.DepositFees("SOL", "arb", uint256.NewInt(10_000))
	require.NoError(t, err)
	require.Equal(t, uint64(8_000), res.VaultShare.Uint64())
	require.Equal(t, uint64(2_000), res.TreasuryShare.Uint64())
	require.Equal(t, uint64(99), res.RewardShares.Uint64())
	require.Equal(t, uint64(12_000), f.vault().AccruedFees.Uint64())
	require.Equal(t, uint64(99), f.ledger.BalanceOf("cSOL", "arb").Uint64())

	after, err := f.engine.ExchangeRate("SOL")
	require.NoError(t, err)
	require.True(t, after.Gt(before))
	require.Equal(t, events.TypeFeesAccrued, f.events.events[len(f.events.events)-1].EventType())
}

func TestLockAndSettleCollateral(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "alice", 100_000)
	f.fund(t, "trader", 1_000)
	_, err := f.engine.Mint("SOL", "alice", uint256.NewInt(100_000))
	require.NoError(t, err)
	rateBefore, err := f.engine.ExchangeRate("SOL")
	require.NoError(t, err)

	rate, err := f.engine.LockCollateral("SOL", "trader", uint256.NewInt(1_000))
	require.NoError(t, err)
	require.True(t, rate.Eq(rateBefore))
	require.Equal(t, uint64(1_000), f.vault().LockedCollateral.Uint64())
	rateLocked, err := f.engine.ExchangeRate("SOL")
	require.NoError(t, err)
	require.True(t, rateLocked.Eq(rateBefore))

	err = f.engine.Settle("SOL", Settlement{
		Source:  "position_close",
		Release: uint256.NewInt(1_000),
		Payouts: []Payout{{To: "trader", Amount: uint256.NewInt(999)}},
	})
	require.ErrorIs(t, err, nativecommon.ErrInvalidAmount)

	err = f.engine.Settle("SOL", Settlement{
		Source:  "position_close",
		Release: uint256.NewInt(1_000),
		Yield:   uint256.NewInt(1),
		Payouts: []Payout{{To: "trader", Amount: uint256.NewInt(1_001)}},
	})
	require.ErrorIs(t, err, nativecommon.ErrInsufficientLiquidity)

	err = f.engine.Settle("SOL", Settlement{
		Source:      "position_close",
		Release:     uint256.NewInt(1_000),
		RetainedFee: uint256.NewInt(16),
		TreasuryFee: uint256.NewInt(4),
		Payouts:     []Payout{{To: "trader", Amount: uint256.NewInt(980)}},
	})
	require.NoError(t, err)

	v := f.vault()
	require.True(t, v.LockedCollateral.IsZero())
	require.Equal(t, uint64(16), v.AccruedFees.Uint64())
	require.Equal(t, uint64(980), f.ledger.BalanceOf("SOL", "trader").Uint64())
	require.Equal(t, uint64(4), f.ledger.BalanceOf("SOL", testTreasury).Uint64())
	require.True(t, v.ExpectedBalance.Eq(f.ledger.BalanceOf("SOL", v.Custody())))
	rateAfter, err := f.engine.ExchangeRate("SOL")
	require.NoError(t, err)
	require.True(t, rateAfter.Gt(rateBefore))
}

func TestParamsValidation(t *testing.T) {
	p := DefaultParams("SOL", "cSOL", testTreasury)
	require.NoError(t, p.Validate())

	bad := p
	bad.MintFeeBps = 10_001
	require.ErrorIs(t, bad.Validate(), nativecommon.ErrInvalidConfig)

	bad = p
	bad.ShareAsset = "sol"
	require.ErrorIs(t, bad.Validate(), nativecommon.ErrInvalidConfig)

	bad = p
	bad.MaxAmount = uint256.NewInt(10)
	require.ErrorIs(t, bad.Validate(), nativecommon.ErrInvalidConfig)

	bad = p
	bad.Treasury = " "
	_, err := New(bad)
	require.ErrorIs(t, err, nativecommon.ErrInvalidConfig)
}
