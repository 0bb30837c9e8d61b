package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"crucible/core/events"
	"crucible/native/common"
	"crucible/native/ledger"
	"crucible/native/lending"
	"crucible/native/leverage"
	"crucible/native/oracle"
	"crucible/native/vault"
	"crucible/storage"
)

const testFeed = "SOL/USD"

type testClock struct{ now uint64 }

func (c *testClock) Now() uint64 { return c.now }

type flakyDB struct {
	*storage.MemDB
	fail bool
}

func (d *flakyDB) NewBatch() storage.Batch {
	batch := d.MemDB.NewBatch()
	if d.fail {
		return failingBatch{batch}
	}
	return batch
}

type failingBatch struct{ storage.Batch }

func (failingBatch) Write() error { return errors.New("disk full") }

type harness struct {
	protocol *Protocol
	db       *flakyDB
	ledger   *ledger.MemLedger
	feed     *oracle.StaticFeed
	clock    *testClock
	recorder *events.Recorder
}

func testOptions(recorder *events.Recorder) Options {
	opts := Options{
		Authority: "crucible",
		Vault:     vault.DefaultParams("SOL", "cSOL", "treasury"),
		Market: lending.Params{
			Asset:                   "USDC",
			ReceiptAsset:            "lUSDC",
			LiquidationThresholdBps: 8_500,
		},
		Leverage: leverage.DefaultParams("SOL", "USDC", testFeed),
		BonusBps: 500,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if recorder != nil {
		opts.Emitter = recorder
	}
	return opts
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &testClock{now: 10_000}
	db := &flakyDB{MemDB: storage.NewMemDB()}
	l := ledger.NewMemLedger()
	feed := oracle.NewStaticFeed()
	feed.Set(testFeed, oracle.Quote{Price: 2_000_000, PublishTime: clock.now})
	recorder := events.NewRecorder(0)

	p, err := New(db, l, oracle.NewAdapter(feed, clock), clock, testOptions(recorder))
	require.NoError(t, err)
	return &harness{protocol: p, db: db, ledger: l, feed: feed, clock: clock, recorder: recorder}
}

func (h *harness) eventTypes() []string {
	var out []string
	for _, env := range h.recorder.Since(0) {
		out = append(out, env.Type)
	}
	return out
}

func TestNewCreatesVaultAndMarket(t *testing.T) {
	h := newHarness(t)

	v, err := h.protocol.Vault()
	require.NoError(t, err)
	require.Equal(t, "SOL", v.Asset)
	require.Equal(t, "CSOL", v.ShareAsset)
	require.True(t, v.ExpectedBalance.IsZero())

	m, err := h.protocol.Market()
	require.NoError(t, err)
	require.Equal(t, "USDC", m.Asset)
	require.Equal(t, uint64(10_000), m.LastAccrued)

	rate, err := h.protocol.ExchangeRate()
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000", rate.Dec())
}

func TestNewKeepsExistingState(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ledger.Credit("SOL", "alice", uint256.NewInt(10_000)))
	_, err := h.protocol.Mint(context.Background(), "alice", uint256.NewInt(10_000))
	require.NoError(t, err)

	h.clock.now += 60
	reopened, err := New(h.db, h.ledger, oracle.NewAdapter(h.feed, h.clock), h.clock, testOptions(nil))
	require.NoError(t, err)

	v, err := reopened.Vault()
	require.NoError(t, err)
	require.Equal(t, uint64(10_000), v.TrackedDeposited.Uint64())
	m, err := reopened.Market()
	require.NoError(t, err)
	require.Equal(t, uint64(10_000), m.LastAccrued)
}

func TestNewRejectsMismatchedAssets(t *testing.T) {
	clock := &testClock{now: 1}
	opts := testOptions(nil)
	opts.Leverage = leverage.DefaultParams("ETH", "USDC", testFeed)
	_, err := New(storage.NewMemDB(), ledger.NewMemLedger(), oracle.NewAdapter(oracle.NewStaticFeed(), clock), clock, opts)
	require.ErrorIs(t, err, common.ErrInvalidConfig)

	opts = testOptions(nil)
	opts.Authority = " "
	_, err = New(storage.NewMemDB(), ledger.NewMemLedger(), oracle.NewAdapter(oracle.NewStaticFeed(), clock), clock, opts)
	require.ErrorIs(t, err, common.ErrInvalidConfig)
}

func TestNewRejectsLeverageAboveThreshold(t *testing.T) {
	clock := &testClock{now: 1}
	opts := testOptions(nil)
	opts.Leverage.MaxLeverage = 190
	_, err := New(storage.NewMemDB(), ledger.NewMemLedger(), oracle.NewAdapter(oracle.NewStaticFeed(), clock), clock, opts)
	require.ErrorIs(t, err, common.ErrInvalidConfig)
	require.ErrorContains(t, err, "ltv=9000 bps")
}

func TestNewReconcilesVaultOracleFeed(t *testing.T) {
	clock := &testClock{now: 1}
	prices := oracle.NewAdapter(oracle.NewStaticFeed(), clock)

	opts := testOptions(nil)
	opts.Vault.RequireOracle = true
	_, err := New(storage.NewMemDB(), ledger.NewMemLedger(), prices, clock, opts)
	require.ErrorIs(t, err, common.ErrOracleOutOfBounds)

	opts.Vault.OracleFeed = "ETH/USD"
	_, err = New(storage.NewMemDB(), ledger.NewMemLedger(), prices, clock, opts)
	require.ErrorIs(t, err, common.ErrInvalidConfig)

	db := storage.NewMemDB()
	opts.Vault.OracleFeed = testFeed
	p, err := New(db, ledger.NewMemLedger(), prices, clock, opts)
	require.NoError(t, err)
	v, err := p.Vault()
	require.NoError(t, err)
	require.Equal(t, testFeed, v.OracleFeed)

	restart := testOptions(nil)
	restart.Leverage.OracleFeed = "SOL/USDT"
	_, err = New(db, ledger.NewMemLedger(), prices, clock, restart)
	require.ErrorIs(t, err, common.ErrInvalidConfig)
}

func TestMintBurnCommitsAndEmits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ledger.Credit("SOL", "alice", uint256.NewInt(10_000)))

	minted, err := h.protocol.Mint(ctx, "alice", uint256.NewInt(10_000))
	require.NoError(t, err)
	require.Equal(t, uint64(10_000), minted.Shares.Uint64())
	require.Equal(t, uint64(10_000), h.protocol.BalanceOf("CSOL", "alice").Uint64())
	require.Equal(t, []string{events.TypeShareMinted}, h.eventTypes())

	burned, err := h.protocol.Burn(ctx, "alice", uint256.NewInt(4_000))
	require.NoError(t, err)
	require.Equal(t, uint64(4_000), burned.Net.Uint64())
	require.Equal(t, uint64(4_000), h.protocol.BalanceOf("SOL", "alice").Uint64())
	require.Equal(t, []string{events.TypeShareMinted, events.TypeShareBurned}, h.eventTypes())

	v, err := h.protocol.Vault()
	require.NoError(t, err)
	require.Equal(t, uint64(6_000), v.ExpectedBalance.Uint64())
}

func TestFailedStepUnwindsEarlierEffects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ledger.Credit("SOL", "alice", uint256.NewInt(1_000)))

	// the collateral lock succeeds before the empty market refuses to lend
	_, err := h.protocol.OpenPosition(ctx, "alice", uint256.NewInt(1_000), 150, nil)
	require.ErrorIs(t, err, common.ErrInsufficientLiquidity)

	require.Equal(t, uint64(1_000), h.protocol.BalanceOf("SOL", "alice").Uint64())
	require.True(t, h.protocol.BalanceOf("SOL", vault.CustodyAccount("SOL")).IsZero())
	v, err := h.protocol.Vault()
	require.NoError(t, err)
	require.True(t, v.LockedCollateral.IsZero())
	require.True(t, v.ExpectedBalance.IsZero())
	_, err = h.protocol.Position(1)
	require.ErrorIs(t, err, common.ErrPositionNotOpen)
	require.Empty(t, h.eventTypes())

	require.NoError(t, h.ledger.Credit("USDC", "lender", uint256.NewInt(5_000)))
	_, err = h.protocol.Supply(ctx, "lender", uint256.NewInt(5_000))
	require.NoError(t, err)
	pos, err := h.protocol.OpenPosition(ctx, "alice", uint256.NewInt(1_000), 150, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), pos.ID)
}

func TestCommitFailureRevertsLedger(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ledger.Credit("SOL", "alice", uint256.NewInt(10_000)))

	h.db.fail = true
	_, err := h.protocol.Mint(context.Background(), "alice", uint256.NewInt(10_000))
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, "Internal", common.Kind(err))

	require.Equal(t, uint64(10_000), h.protocol.BalanceOf("SOL", "alice").Uint64())
	require.True(t, h.ledger.TotalSupply("CSOL").IsZero())
	require.Empty(t, h.eventTypes())

	h.db.fail = false
	v, err := h.protocol.Vault()
	require.NoError(t, err)
	require.True(t, v.TrackedDeposited.IsZero())
}

func TestOpenCloseThroughProtocol(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ledger.Credit("USDC", "lender", uint256.NewInt(100_000)))
	_, err := h.protocol.Supply(ctx, "lender", uint256.NewInt(100_000))
	require.NoError(t, err)
	require.NoError(t, h.ledger.Credit("SOL", "alice", uint256.NewInt(1_000)))

	pos, err := h.protocol.OpenPosition(ctx, "alice", uint256.NewInt(1_000), 150, uint256.NewInt(1_000))
	require.NoError(t, err)
	require.Equal(t, uint64(1_000), h.protocol.BalanceOf("USDC", "alice").Uint64())

	owned, err := h.protocol.PositionsByOwner("alice")
	require.NoError(t, err)
	require.Len(t, owned, 1)

	health, err := h.protocol.Health(pos.ID)
	require.NoError(t, err)
	require.False(t, health.Liquidatable)
	require.Equal(t, uint64(5_000), health.LTVBps)

	_, err = h.protocol.ClosePosition(ctx, "mallory", pos.ID, 0)
	require.ErrorIs(t, err, common.ErrUnauthorized)

	res, err := h.protocol.ClosePosition(ctx, "alice", pos.ID, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(980), res.Payout.Uint64())
	require.Equal(t, uint64(980), h.protocol.BalanceOf("SOL", "alice").Uint64())

	owed, err := h.protocol.TotalOwed(leverage.DebtAccountID(pos.ID))
	require.NoError(t, err)
	require.True(t, owed.IsZero())

	types := h.eventTypes()
	require.Equal(t, events.TypePositionClosed, types[len(types)-1])
}

func TestModulePauseBlocksOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ledger.Credit("SOL", "alice", uint256.NewInt(10_000)))

	require.NoError(t, h.protocol.SetModulePaused("Vault", true))
	require.Equal(t, []string{ModuleVault}, h.protocol.Pauses().Paused())
	_, err := h.protocol.Mint(ctx, "alice", uint256.NewInt(10_000))
	require.ErrorIs(t, err, common.ErrProtocolPaused)

	require.NoError(t, h.protocol.SetModulePaused(ModuleVault, false))
	_, err = h.protocol.Mint(ctx, "alice", uint256.NewInt(10_000))
	require.NoError(t, err)

	require.ErrorIs(t, h.protocol.SetModulePaused("swap", true), common.ErrInvalidConfig)
}

func TestMarketPauseTimelock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.protocol.ProposeMarketPause(ctx))
	require.Error(t, h.protocol.ExecuteMarketPause(ctx))

	h.clock.now += lending.PauseTimelock
	require.NoError(t, h.protocol.ExecuteMarketPause(ctx))
	m, err := h.protocol.Market()
	require.NoError(t, err)
	require.True(t, m.Paused)

	require.NoError(t, h.protocol.UnpauseMarket(ctx))
	m, err = h.protocol.Market()
	require.NoError(t, err)
	require.False(t, m.Paused)
}
