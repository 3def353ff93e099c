// Package accounts decodes on-chain bonding-curve and AMM-pool account
// state fetched via pkg/solrpc, using gagliardetto/binary's fixed-layout
// struct decoder, the same decoding mechanism the reference pool readers
// lean on for Anchor account data. This is the sole authoritative source
// for TokenState.LatestBondingCurveProgress and the Graduated transition:
// trade-event-derived reserves are advisory only.
package accounts

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// BondingCurveAccountSize is the exact byte length of a bonding-curve
// account's data.
const BondingCurveAccountSize = 49

// BondingCurve is the decoded state of a pump-style bonding-curve account.
type BondingCurve struct {
	VirtualTokenReserves uint64
	VirtualSolReserves   uint64
	RealTokenReserves    uint64
	RealSolReserves      uint64
	TokenTotalSupply     uint64
	Complete             bool
}

type rawBondingCurve struct {
	Discriminator        [8]uint8 `bin:"skip"`
	VirtualTokenReserves uint64
	VirtualSolReserves   uint64
	RealTokenReserves    uint64
	RealSolReserves      uint64
	TokenTotalSupply     uint64
	Complete             bool
}

// DecodeBondingCurve decodes a bonding-curve account's raw data.
func DecodeBondingCurve(data []byte) (*BondingCurve, error) {
	if len(data) != BondingCurveAccountSize {
		return nil, fmt.Errorf("accounts: bonding curve account: expected %d bytes, got %d", BondingCurveAccountSize, len(data))
	}

	var raw rawBondingCurve
	if err := bin.NewBinDecoder(data[8:]).Decode(&raw); err != nil {
		return nil, fmt.Errorf("accounts: decode bonding curve: %w", err)
	}

	return &BondingCurve{
		VirtualTokenReserves: raw.VirtualTokenReserves,
		VirtualSolReserves:   raw.VirtualSolReserves,
		RealTokenReserves:    raw.RealTokenReserves,
		RealSolReserves:      raw.RealSolReserves,
		TokenTotalSupply:     raw.TokenTotalSupply,
		Complete:             raw.Complete,
	}, nil
}
