package price

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeScenarioA(t *testing.T) {
	res, err := Compute(30_000_000_000, 1_073_000_000_000_000, 5_000_000_000, 150, BondingCurveSafetyCeilingUSD)
	require.NoError(t, err)
	require.InDelta(t, 2.79e-8, res.PriceSOL, 1e-10)
	require.InDelta(t, 4.19e-6, res.PriceUSD, 1e-8)
	require.InDelta(t, 4190.0, res.MarketCapUSD, 1.0)
	require.InDelta(t, 5.0/85.0, res.Progress, 1e-6)
}

func TestComputePurity(t *testing.T) {
	a, err := Compute(30_000_000_000, 1_073_000_000_000_000, 5_000_000_000, 150, NoCeiling)
	require.NoError(t, err)
	b, err := Compute(30_000_000_000, 1_073_000_000_000_000, 5_000_000_000, 150, NoCeiling)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestComputeInvalidReserves(t *testing.T) {
	_, err := Compute(0, 1_000, 1_000, 150, NoCeiling)
	require.Error(t, err)

	_, err = Compute(1_000, 0, 1_000, 150, NoCeiling)
	require.Error(t, err)
}

func TestComputeSafetyCeiling(t *testing.T) {
	// A grossly mis-scaled virtual SOL reserve should trip the ceiling.
	_, err := Compute(30_000_000_000_000, 1, 5_000_000_000, 150, BondingCurveSafetyCeilingUSD)
	require.Error(t, err)
	var ceilErr *SafetyCeilingExceededError
	require.ErrorAs(t, err, &ceilErr)
}

func TestComputeProgressSaturates(t *testing.T) {
	res, err := Compute(30_000_000_000, 1_073_000_000_000_000, GraduationTargetLamports*2, 150, NoCeiling)
	require.NoError(t, err)
	require.Equal(t, maxProgress, res.Progress)
}

func TestCeilingForProgram(t *testing.T) {
	require.Equal(t, float64(BondingCurveSafetyCeilingUSD), CeilingForProgram("bonding_curve"))
	require.Equal(t, float64(NoCeiling), CeilingForProgram("amm_pool"))
}
