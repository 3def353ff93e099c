// Package model defines the persistent and in-memory aggregates shared
// across the ingest pipeline: mints, token lifecycle state, trades, pool
// state snapshots, connection health and checkpoints.
package model

import "time"

// Program names the venue a trade or pool belongs to.
type Program string

const (
	ProgramBondingCurve Program = "bonding_curve"
	ProgramAmmPool      Program = "amm_pool"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Mint is immutable token identity, set on first observation.
type Mint struct {
	Address           string
	FirstSeenSlot     uint64
	FirstSeenAt       time.Time
	Creator           string
	BondingCurveKey   string
	PoolAddress       string // empty until graduation
}

// TokenState is the per-mint aggregate mutated only by TradeHandler under
// the per-mint shard serialization discipline (see pkg/lifecycle).
type TokenState struct {
	MintAddress    string
	CurrentProgram Program
	// FirstProgram is the venue the mint was first discovered on (bonding
	// curve or directly via an AMM pool), set once and never overwritten.
	FirstProgram Program
	// Creator and BondingCurveKey mirror the immutable Mint row; populated
	// when known (bonding-curve discovery), left empty for an AMM-first
	// discovery where no creator or bonding-curve account exists.
	Creator         string
	BondingCurveKey string

	FirstPriceSOL     float64
	FirstPriceUSD     float64
	FirstMarketCapUSD float64

	CurrentPriceSOL     float64
	CurrentPriceUSD     float64
	CurrentMarketCapUSD float64

	LatestVirtualSOLReserves   uint64
	LatestVirtualTokenReserves uint64
	LatestRealSOLReserves      uint64

	// LatestBondingCurveProgress is written only from the on-chain account
	// reader (pkg/accounts); trade-event-derived progress is advisory only.
	LatestBondingCurveProgress float64
	AdvisoryProgress           float64

	GraduatedToAMM    bool
	ThresholdCrossed  bool
	ThresholdCrossedAt time.Time

	LastPriceUpdate time.Time
	CreatedAt       time.Time
}

// Trade is uniquely keyed by Signature, the idempotency key for persistence.
type Trade struct {
	Signature   string
	MintAddress string
	Program     Program
	Side        Side
	User        string

	SOLAmount   uint64
	TokenAmount uint64

	PriceSOL     float64
	PriceUSD     float64
	MarketCapUSD float64
	VolumeUSD    float64

	VirtualSOLReserves   uint64
	VirtualTokenReserves uint64

	BondingCurveKey             string
	BondingCurveProgressAtTrade float64

	Slot      uint64
	BlockTime time.Time
}

// PoolStateSnapshot is an append-only time series keyed by (PoolAddress, Slot).
type PoolStateSnapshot struct {
	MintAddress          string
	PoolAddress          string
	VirtualSOLReserves   uint64
	VirtualTokenReserves uint64
	RealSOLReserves      *uint64
	RealTokenReserves    *uint64
	PoolOpen             bool
	Slot                 uint64
	CreatedAt            time.Time
}

// CircuitState is the state of a per-connection circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ConnectionHealth is keyed by connection id and mutated only by the
// StreamSupervisor.
type ConnectionHealth struct {
	ConnectionID string

	Failures    int
	LastFailure time.Time
	LastSuccess time.Time

	State    CircuitState
	OpenedAt time.Time

	// MovingParseRate is an EWMA of parsed-events / classified-transactions.
	MovingParseRate float64
	// MovingLatency is an EWMA of per-transaction processing latency.
	MovingLatency time.Duration

	RecoveryAttempts int
}

// Checkpoint is a periodic snapshot of supervisor state, persisted on an
// interval and at shutdown; the latest is loaded on start-up.
type Checkpoint struct {
	SchemaVersion    int
	SnapshotAt       time.Time
	ConnectionHealth map[string]ConnectionHealth
	LastSlot         map[string]uint64
	SubscriptionIDs  map[string][]string
	AggregateCounters map[string]int64
}
