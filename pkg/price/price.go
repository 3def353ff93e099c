// Package price derives price-in-SOL, price-in-USD, market-cap, liquidity
// and bonding-curve progress from reserves and a live SOL/USD reference. All
// reserve inputs are uint64; only the final derived fields use floating
// point, matching the on-chain reserve arithmetic for this ecosystem (SOL
// scaled by 1e9, raw token amounts unscaled).
package price

import (
	"fmt"

	"github.com/solgrad/ingestor/pkg/model"
)

const (
	// LamportsPerSOL is the number of lamports in one SOL.
	LamportsPerSOL = 1e9

	// TotalSupply is the fixed total supply of a bonding-curve token, in
	// raw (undecimalized) units.
	TotalSupply = 1e9

	// GraduationTargetLamports is the real-SOL-reserves threshold at which
	// bonding-curve progress saturates.
	GraduationTargetLamports = 85 * 1e9

	// maxProgress is the ceiling progress never reaches, even at or past
	// the graduation target — graduation itself is signaled by the
	// on-chain "complete" flag (pkg/accounts), not by progress == 1.
	maxProgress = 0.9999

	// BondingCurveSafetyCeilingUSD rejects a decode-level mis-scaling bug
	// observed in practice on the bonding curve. Post-graduation AMM
	// trades have no ceiling; the bound is deliberately per-program.
	BondingCurveSafetyCeilingUSD = 1e7
)

// NoCeiling signals a program has no market-cap safety ceiling.
const NoCeiling = 0

// InvalidReservesError is returned when a reserve input is non-positive.
type InvalidReservesError struct {
	Field string
	Value int64
}

func (e *InvalidReservesError) Error() string {
	return fmt.Sprintf("price: invalid reserves: %s=%d must be > 0", e.Field, e.Value)
}

// SafetyCeilingExceededError is returned when the derived market cap exceeds
// the program's configured ceiling.
type SafetyCeilingExceededError struct {
	MarketCapUSD float64
	CeilingUSD   float64
}

func (e *SafetyCeilingExceededError) Error() string {
	return fmt.Sprintf("price: market cap %.2f exceeds safety ceiling %.2f", e.MarketCapUSD, e.CeilingUSD)
}

// Result is the set of values PriceEngine.Compute derives.
type Result struct {
	PriceSOL       float64
	PriceUSD       float64
	MarketCapUSD   float64
	LiquiditySOL   float64
	LiquidityUSD   float64
	Progress       float64
}

// BondingCurveProgress derives the completion ratio directly from an
// on-chain real-SOL-reserves read (pkg/accounts), independent of Compute's
// virtual-reserve price derivation — the account-truth reader has no
// virtual reserves to work with.
func BondingCurveProgress(realSolLamports uint64) float64 {
	progress := float64(realSolLamports) / GraduationTargetLamports
	if progress > maxProgress {
		progress = maxProgress
	}
	return progress
}

// CeilingForProgram returns the market-cap safety ceiling for a program, or
// NoCeiling if the program has none.
func CeilingForProgram(p model.Program) float64 {
	if p == model.ProgramBondingCurve {
		return BondingCurveSafetyCeilingUSD
	}
	return NoCeiling
}

// Compute derives price, market cap, liquidity and bonding-curve progress
// from virtual/real reserves and a SOL/USD reference. It is pure: the same
// inputs always produce the same Result.
//
// virtualSolLamports and virtualTokenRaw are the post-trade virtual
// reserves; realSolLamports backs liquidity and progress. ceilingUSD is the
// program-specific safety ceiling (see CeilingForProgram); pass NoCeiling to
// skip the check.
func Compute(virtualSolLamports, virtualTokenRaw, realSolLamports uint64, solUSD, ceilingUSD float64) (Result, error) {
	if virtualSolLamports == 0 {
		return Result{}, &InvalidReservesError{Field: "virtual_sol_reserves", Value: 0}
	}
	if virtualTokenRaw == 0 {
		return Result{}, &InvalidReservesError{Field: "virtual_token_reserves", Value: 0}
	}

	priceSOL := (float64(virtualSolLamports) / LamportsPerSOL) / float64(virtualTokenRaw)
	priceUSD := priceSOL * solUSD
	marketCapUSD := priceUSD * TotalSupply

	if ceilingUSD != NoCeiling && marketCapUSD > ceilingUSD {
		return Result{}, &SafetyCeilingExceededError{MarketCapUSD: marketCapUSD, CeilingUSD: ceilingUSD}
	}

	liquiditySOL := float64(realSolLamports) / LamportsPerSOL
	liquidityUSD := liquiditySOL * solUSD

	progress := float64(realSolLamports) / GraduationTargetLamports
	if progress > maxProgress {
		progress = maxProgress
	}

	return Result{
		PriceSOL:     priceSOL,
		PriceUSD:     priceUSD,
		MarketCapUSD: marketCapUSD,
		LiquiditySOL: liquiditySOL,
		LiquidityUSD: liquidityUSD,
		Progress:     progress,
	}, nil
}
