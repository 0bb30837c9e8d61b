package lending

import (
	"math/rand"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	nativecommon "crucible/native/common"
	"crucible/native/fixedpoint"
)

func scaled(numerator, denominator uint64) *uint256.Int {
	out, err := fixedpoint.MulDiv(uint256.NewInt(numerator), fixedpoint.Scale(), uint256.NewInt(denominator))
	if err != nil {
		panic(err)
	}
	return out
}

func TestRateIsPiecewiseLinearAroundKink(t *testing.T) {
	model := DefaultInterestModel
	cases := []struct {
		name        string
		utilisation *uint256.Int
		want        *uint256.Int
	}{
		{"idle", fixedpoint.Zero(), scaled(2, 100)},
		{"half", scaled(1, 2), scaled(95, 1_000)},
		{"at kink", scaled(8, 10), scaled(14, 100)},
		{"above kink", scaled(9, 10), scaled(20, 100)},
		{"full", fixedpoint.Scale(), scaled(26, 100)},
	}
	for _, tc := range cases {
		got, err := model.Rate(tc.utilisation)
		require.NoError(t, err, tc.name)
		require.Equal(t, tc.want.Dec(), got.Dec(), tc.name)
	}
}

func TestUtilisationGuardsEmptySupply(t *testing.T) {
	u, err := Utilisation(uint256.NewInt(5), fixedpoint.Zero())
	require.NoError(t, err)
	require.Equal(t, scaled(5, 1).Dec(), u.Dec())

	u, err = Utilisation(uint256.NewInt(250), uint256.NewInt(1_000))
	require.NoError(t, err)
	require.Equal(t, scaled(1, 4).Dec(), u.Dec())
}

func TestGrowIndexLinearOverOneYear(t *testing.T) {
	index, err := GrowIndex(fixedpoint.Scale(), scaled(1, 10), fixedpoint.SecondsPerYear)
	require.NoError(t, err)
	require.Equal(t, scaled(11, 10).Dec(), index.Dec())

	same, err := GrowIndex(index, scaled(1, 10), 0)
	require.NoError(t, err)
	require.True(t, same.Eq(index))
}

func TestIndexNeverDecreases(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		model := InterestModel{
			BaseRateBps: uint64(rng.Intn(int(maxRateBps) + 1)),
			Slope1Bps:   uint64(rng.Intn(int(maxRateBps) + 1)),
			Slope2Bps:   uint64(rng.Intn(int(maxRateBps) + 1)),
			KinkBps:     uint64(rng.Intn(int(maxKinkBps) + 1)),
		}
		require.NoError(t, model.Validate())
		rate, err := model.Rate(scaled(uint64(rng.Intn(10_001)), 10_000))
		require.NoError(t, err)
		// indices anywhere from 1.0 up to about 9.2e18
		index := new(uint256.Int).Mul(fixedpoint.Scale(), uint256.NewInt(1+rng.Uint64()>>1))
		next, err := GrowIndex(index, rate, uint64(rng.Intn(86_400*30)))
		require.NoError(t, err)
		require.False(t, next.Lt(index), "step %d", i)
	}
}

func TestIndexCompoundsAcrossAccruals(t *testing.T) {
	index := fixedpoint.Scale()
	rate := scaled(26, 100)
	for day := 0; day < 3_650; day++ {
		next, err := GrowIndex(index, rate, 86_400)
		require.NoError(t, err)
		require.True(t, next.Gt(index), "day %d", day)
		index = next
	}
}

func TestGrowIndexOverflowIsAnError(t *testing.T) {
	top := new(uint256.Int).Not(fixedpoint.Zero())
	_, err := GrowIndex(top, fixedpoint.Scale(), 1)
	require.ErrorIs(t, err, nativecommon.ErrArithmeticOverflow)
}

func TestOwedAtEntryIndexIsPrincipal(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 200; i++ {
		principal := uint256.NewInt(rng.Uint64())
		index := new(uint256.Int).AddUint64(fixedpoint.Scale(), rng.Uint64())
		owed, err := Owed(principal, index, index)
		require.NoError(t, err)
		require.True(t, owed.Eq(principal))
	}
	owed, err := Owed(fixedpoint.Zero(), fixedpoint.Zero(), fixedpoint.Scale())
	require.NoError(t, err)
	require.True(t, owed.IsZero())

	_, err = Owed(uint256.NewInt(1), fixedpoint.Zero(), fixedpoint.Scale())
	require.ErrorIs(t, err, nativecommon.ErrArithmeticOverflow)
}

func TestInterestModelValidation(t *testing.T) {
	require.NoError(t, DefaultInterestModel.Validate())
	require.ErrorIs(t, InterestModel{BaseRateBps: maxRateBps + 1}.Validate(), nativecommon.ErrInvalidConfig)
	require.ErrorIs(t, InterestModel{KinkBps: 10_001}.Validate(), nativecommon.ErrInvalidConfig)
}
