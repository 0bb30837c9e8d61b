package state

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"crucible/native/fixedpoint"
	"crucible/native/lending"
	"crucible/native/leverage"
	"crucible/native/vault"
	"crucible/storage"
)

func samplePosition(id uint64, owner string) *leverage.Position {
	return &leverage.Position{
		ID:                id,
		Owner:             owner,
		CollateralAsset:   "SOL",
		CollateralAmount:  uint256.NewInt(1_000),
		DebtAsset:         "USDC",
		DebtAccount:       leverage.DebtAccountID(id),
		BorrowedAmount:    uint256.NewInt(500),
		Leverage:          150,
		EntryPrice:        2_000_000,
		EntryExchangeRate: fixedpoint.Scale(),
		CreatedAt:         1_700_000_000,
		Open:              true,
	}
}

func TestWritesAreBufferedUntilCommit(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)

	v, err := vault.New(vault.DefaultParams("sol", "csol", "treasury"))
	require.NoError(t, err)
	v.TrackedDeposited = uint256.NewInt(995_000)
	v.AccruedFees = uint256.NewInt(4_000)
	v.ExpectedBalance = uint256.NewInt(999_000)
	require.NoError(t, mgr.PutVault(v))
	require.Equal(t, 1, mgr.Pending())

	got, err := mgr.GetVault("SOL")
	require.NoError(t, err)
	require.Equal(t, uint64(995_000), got.TrackedDeposited.Uint64())

	keys, err := db.Keys(nil)
	require.NoError(t, err)
	require.Empty(t, keys)

	require.NoError(t, mgr.Commit())
	require.Equal(t, 0, mgr.Pending())

	fresh := NewManager(db)
	got, err = fresh.GetVault("sol")
	require.NoError(t, err)
	require.Equal(t, v.Params.ShareAsset, got.ShareAsset)
	require.Equal(t, uint64(4_000), got.AccruedFees.Uint64())
	require.Equal(t, uint64(999_000), got.ExpectedBalance.Uint64())
	require.True(t, got.MaxAmount.Eq(v.MaxAmount))
}

func TestDiscardDropsWrites(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)

	id, err := mgr.NextPositionID()
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
	require.NoError(t, mgr.PutPosition(samplePosition(id, "alice")))
	mgr.Discard()

	p, err := mgr.GetPosition(id)
	require.NoError(t, err)
	require.Nil(t, p)
	id, err = mgr.NextPositionID()
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
}

func TestPositionIDsSurviveCommit(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	for want := uint64(1); want <= 3; want++ {
		id, err := mgr.NextPositionID()
		require.NoError(t, err)
		require.Equal(t, want, id)
		require.NoError(t, mgr.Commit())
	}
	id, err := NewManager(db).NextPositionID()
	require.NoError(t, err)
	require.Equal(t, uint64(4), id)
}

func TestMarketAndBorrowerRoundTrip(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	market, err := lending.NewMarket(lending.Params{
		Asset:                   "USDC",
		ReceiptAsset:            "lUSDC",
		Model:                   lending.DefaultInterestModel,
		LiquidationThresholdBps: 8_500,
		MinimumReserve:          uint256.NewInt(100),
	}, 42)
	require.NoError(t, err)
	market.TotalSupply = uint256.NewInt(10_000)
	market.PauseProposedAt = 7
	require.NoError(t, mgr.PutMarket(market))
	require.NoError(t, mgr.Commit())

	got, err := mgr.GetMarket("usdc")
	require.NoError(t, err)
	require.Equal(t, lending.DefaultInterestModel, got.Model)
	require.Equal(t, uint64(8_500), got.LiquidationThresholdBps)
	require.Equal(t, uint64(100), got.MinimumReserve.Uint64())
	require.True(t, got.AccumulatedIndex.Eq(fixedpoint.Scale()))
	require.Equal(t, uint64(42), got.LastAccrued)
	require.Equal(t, uint64(7), got.PauseProposedAt)

	acct := &lending.BorrowerAccount{ID: "position:1", Principal: uint256.NewInt(900), BorrowIndex: fixedpoint.Scale()}
	require.NoError(t, mgr.PutBorrower("USDC", acct))
	loaded, err := mgr.GetBorrower("USDC", "position:1")
	require.NoError(t, err)
	require.Equal(t, uint64(900), loaded.Principal.Uint64())

	acct.Principal = fixedpoint.Zero()
	require.NoError(t, mgr.PutBorrower("USDC", acct))
	require.NoError(t, mgr.Commit())
	loaded, err = mgr.GetBorrower("USDC", "position:1")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestPositionsByOwner(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	require.NoError(t, mgr.PutPosition(samplePosition(2, "alice")))
	require.NoError(t, mgr.PutPosition(samplePosition(1, "alice")))
	require.NoError(t, mgr.PutPosition(samplePosition(3, "bob")))
	require.NoError(t, mgr.Commit())
	require.NoError(t, mgr.PutPosition(samplePosition(10, "alice")))

	positions, err := mgr.PositionsByOwner("alice")
	require.NoError(t, err)
	require.Len(t, positions, 3)
	require.Equal(t, []uint64{1, 2, 10}, []uint64{positions[0].ID, positions[1].ID, positions[2].ID})
	require.Equal(t, "position:10", positions[2].DebtAccount)
}

func TestKeysHaveFixedWidthOwnerDigest(t *testing.T) {
	short := Key(EntityPosition, "a", 1)
	long := Key(EntityPosition, "an-owner-with-a-much-longer-identity", 1)
	require.Len(t, long, len(short))
	require.Len(t, OwnerDigest("anyone"), 2*ownerDigestSize)

	id, ok := nonceFromKey(Key(EntityPositionOwner, "alice", 258))
	require.True(t, ok)
	require.Equal(t, uint64(258), id)
	require.Less(t, string(Key(EntityPosition, "", 9)), string(Key(EntityPosition, "", 10)))
}

func writeV1Position(t *testing.T, db storage.Database, id uint64, owner string) {
	t.Helper()
	encoded, err := encodeRecord(recordVersion1, positionRecordV1{
		ID:                id,
		Owner:             owner,
		CollateralAsset:   "SOL",
		CollateralAmount:  amountBytes(uint256.NewInt(1_000)),
		BorrowedAmount:    amountBytes(uint256.NewInt(500)),
		Leverage:          150,
		EntryPrice:        2_000_000,
		EntryExchangeRate: amountBytes(fixedpoint.Scale()),
		CreatedAt:         1_600_000_000,
		Open:              true,
	})
	require.NoError(t, err)
	require.NoError(t, db.Put(positionKey(id), encoded))
}

func TestV1PositionMigratesOnRead(t *testing.T) {
	db := storage.NewMemDB()
	writeV1Position(t, db, 5, "alice")

	mgr := NewManager(db)
	mgr.SetDefaultDebtAsset("USDC")
	p, err := mgr.GetPosition(5)
	require.NoError(t, err)
	require.Equal(t, "alice", p.Owner)
	require.Equal(t, "USDC", p.DebtAsset)
	require.Equal(t, "position:5", p.DebtAccount)
	require.Equal(t, uint64(1_000), p.CollateralAmount.Uint64())
	require.Equal(t, uint64(0), p.ClosedAt)
	require.True(t, p.Open)
}

func TestEnsureStateVersionMigratesPositions(t *testing.T) {
	db := storage.NewMemDB()
	writeV1Position(t, db, 1, "alice")
	writeV1Position(t, db, 2, "bob")

	mgr := NewManager(db)
	mgr.SetDefaultDebtAsset("USDC")
	require.ErrorIs(t, mgr.EnsureStateVersion(false), ErrStateVersionMismatch)
	require.NoError(t, mgr.EnsureStateVersion(true))

	version, ok, err := mgr.StateVersion()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateVersion, version)

	raw, err := db.Get(positionKey(2))
	require.NoError(t, err)
	p, layout, err := decodePosition(raw, "")
	require.NoError(t, err)
	require.Equal(t, recordVersion2, layout)
	require.Equal(t, "USDC", p.DebtAsset)

	positions, err := mgr.PositionsByOwner("bob")
	require.NoError(t, err)
	require.Len(t, positions, 1)
}

func TestEnsureStateVersionStampsEmptyDatabase(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	require.NoError(t, mgr.EnsureStateVersion(false))
	version, ok, err := NewManager(db).StateVersion()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateVersion, version)
	require.NoError(t, mgr.EnsureStateVersion(false))
}

func TestEnsureStateVersionRejectsNewerLayout(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	require.NoError(t, mgr.SetStateVersion(StateVersion+1))
	require.NoError(t, mgr.Commit())
	require.ErrorIs(t, NewManager(db).EnsureStateVersion(true), ErrStateVersionMismatch)
}
