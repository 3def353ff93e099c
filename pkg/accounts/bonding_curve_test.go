package accounts

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	bcOffVirtualTokenReserves = 8
	bcOffVirtualSolReserves   = bcOffVirtualTokenReserves + 8
	bcOffRealTokenReserves    = bcOffVirtualSolReserves + 8
	bcOffRealSolReserves      = bcOffRealTokenReserves + 8
	bcOffTokenTotalSupply     = bcOffRealSolReserves + 8
	bcOffComplete             = bcOffTokenTotalSupply + 8
)

func encodeBondingCurve(t *testing.T, virtualToken, virtualSol, realToken, realSol, totalSupply uint64, complete bool) []byte {
	t.Helper()
	buf := make([]byte, BondingCurveAccountSize)
	putU64 := func(offset int, v uint64) {
		for i := 0; i < 8; i++ {
			buf[offset+i] = byte(v >> (8 * i))
		}
	}
	putU64(bcOffVirtualTokenReserves, virtualToken)
	putU64(bcOffVirtualSolReserves, virtualSol)
	putU64(bcOffRealTokenReserves, realToken)
	putU64(bcOffRealSolReserves, realSol)
	putU64(bcOffTokenTotalSupply, totalSupply)
	if complete {
		buf[bcOffComplete] = 1
	}
	return buf
}

func TestDecodeBondingCurve(t *testing.T) {
	buf := encodeBondingCurve(t, 1_073_000_000_000_000, 30_000_000_000, 1_073_000_000_000_000, 5_000_000_000, 1_000_000_000, false)
	bc, err := DecodeBondingCurve(buf)
	require.NoError(t, err)
	require.Equal(t, uint64(30_000_000_000), bc.VirtualSolReserves)
	require.Equal(t, uint64(5_000_000_000), bc.RealSolReserves)
	require.False(t, bc.Complete)
}

func TestDecodeBondingCurveComplete(t *testing.T) {
	buf := encodeBondingCurve(t, 1, 1, 1, 85_000_000_000, 1_000_000_000, true)
	bc, err := DecodeBondingCurve(buf)
	require.NoError(t, err)
	require.True(t, bc.Complete)
}

func TestDecodeBondingCurveWrongSize(t *testing.T) {
	_, err := DecodeBondingCurve(make([]byte, 10))
	require.Error(t, err)
}
