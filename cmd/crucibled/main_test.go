package main

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	daemonconfig "crucible/services/crucibled/config"
	"crucible/storage"
)

func TestApplyGenesisRunsOnce(t *testing.T) {
	db := storage.NewMemDB()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	balances := []daemonconfig.Balance{
		{Asset: "SOL", Account: "alice", Amount: "5000"},
		{Asset: "USDC", Account: "lender", Amount: "100000"},
	}

	l, err := openLedger(storage.BackendLevelDB, db)
	require.NoError(t, err)
	require.NoError(t, applyGenesis(db, l, balances, logger))
	require.NoError(t, applyGenesis(db, l, balances, logger))
	require.Equal(t, uint64(5_000), l.BalanceOf("SOL", "alice").Uint64())

	reopened, err := openLedger(storage.BackendBolt, db)
	require.NoError(t, err)
	require.NoError(t, applyGenesis(db, reopened, balances, logger))
	require.Equal(t, uint64(100_000), reopened.BalanceOf("USDC", "lender").Uint64())
	require.Equal(t, uint64(100_000), reopened.TotalSupply("USDC").Uint64())
}

func TestApplyGenesisRejectsBadAmount(t *testing.T) {
	db := storage.NewMemDB()
	l, err := openLedger(storage.BackendMemory, db)
	require.NoError(t, err)
	err = applyGenesis(db, l, []daemonconfig.Balance{{Asset: "SOL", Account: "alice", Amount: "lots"}}, slog.Default())
	require.Error(t, err)
	_, err = db.Get(genesisMarker)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
