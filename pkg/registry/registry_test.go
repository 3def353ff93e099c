package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookupBondingCurve(t *testing.T) {
	r := New(nil, nil)
	_, ok := r.MintForBondingCurve("bc-1")
	require.False(t, ok)

	r.RegisterBondingCurve("bc-1", "mint-1")
	mint, ok := r.MintForBondingCurve("bc-1")
	require.True(t, ok)
	require.Equal(t, "mint-1", mint)
}

func TestRegisterPoolShortCircuitsRPCResolution(t *testing.T) {
	r := New(nil, nil)
	r.RegisterPool("pool-1", "mint-1")

	mint, err := r.MintForPool(nil, "pool-1")
	require.NoError(t, err)
	require.Equal(t, "mint-1", mint)
}
