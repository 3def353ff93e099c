// Package persistence is an idempotent PostgreSQL store for tokens, trades
// and pool-state snapshots via
// pgx/v5's connection pool. Every write is safe under retry: trade inserts
// conflict on signature and discard; token upserts coalesce the two
// one-way fields (threshold_crossed_at, graduated_to_amm) so a stale write
// can never unset them.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solgrad/ingestor/pkg/model"
)

// PersistenceError wraps a failed store operation with the table it
// targeted.
type PersistenceError struct {
	Table string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Table, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store is a PostgreSQL-backed PersistenceLayer.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects a pool of poolSize connections to connString.
func Open(ctx context.Context, connString string, poolSize int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, &PersistenceError{Table: "connect", Err: err}
	}
	cfg.MaxConns = int32(poolSize)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &PersistenceError{Table: "connect", Err: err}
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// InsertMint inserts the immutable mint identity row, discarding on
// conflict: a mint is only ever created once.
func (s *Store) InsertMint(ctx context.Context, mint model.Mint) error {
	const q = `
INSERT INTO tokens_unified (mint_address, creator, bonding_curve_key, first_program, current_program, created_at)
VALUES ($1, $2, $3, $4, $4, $5)
ON CONFLICT (mint_address) DO NOTHING`
	_, err := s.pool.Exec(ctx, q, mint.Address, mint.Creator, mint.BondingCurveKey, model.ProgramBondingCurve, mint.FirstSeenAt)
	if err != nil {
		return &PersistenceError{Table: "tokens_unified", Err: err}
	}
	return nil
}

// UpsertToken writes the mutable fields of state, never clearing
// threshold_crossed_at or graduated_to_amm once set.
func (s *Store) UpsertToken(ctx context.Context, state model.TokenState) error {
	const q = `
INSERT INTO tokens_unified (
	mint_address, first_program, creator, bonding_curve_key,
	first_price_sol, first_price_usd, first_market_cap_usd,
	current_price_sol, current_price_usd, current_market_cap_usd,
	graduated_to_amm, threshold_crossed_at, current_program,
	latest_virtual_sol_reserves, latest_virtual_token_reserves,
	last_price_update, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
ON CONFLICT (mint_address) DO UPDATE SET
	first_program = COALESCE(NULLIF(tokens_unified.first_program, ''), EXCLUDED.first_program),
	creator = COALESCE(NULLIF(tokens_unified.creator, ''), EXCLUDED.creator),
	bonding_curve_key = COALESCE(NULLIF(tokens_unified.bonding_curve_key, ''), EXCLUDED.bonding_curve_key),
	current_price_sol = EXCLUDED.current_price_sol,
	current_price_usd = EXCLUDED.current_price_usd,
	current_market_cap_usd = EXCLUDED.current_market_cap_usd,
	current_program = EXCLUDED.current_program,
	graduated_to_amm = tokens_unified.graduated_to_amm OR EXCLUDED.graduated_to_amm,
	threshold_crossed_at = COALESCE(tokens_unified.threshold_crossed_at, EXCLUDED.threshold_crossed_at),
	latest_virtual_sol_reserves = EXCLUDED.latest_virtual_sol_reserves,
	latest_virtual_token_reserves = EXCLUDED.latest_virtual_token_reserves,
	last_price_update = EXCLUDED.last_price_update`

	var thresholdCrossedAt *time.Time
	if state.ThresholdCrossed {
		thresholdCrossedAt = &state.ThresholdCrossedAt
	}

	_, err := s.pool.Exec(ctx, q,
		state.MintAddress, state.FirstProgram, state.Creator, state.BondingCurveKey,
		state.FirstPriceSOL, state.FirstPriceUSD, state.FirstMarketCapUSD,
		state.CurrentPriceSOL, state.CurrentPriceUSD, state.CurrentMarketCapUSD,
		state.GraduatedToAMM, thresholdCrossedAt, state.CurrentProgram,
		int64(state.LatestVirtualSOLReserves), int64(state.LatestVirtualTokenReserves),
		state.LastPriceUpdate,
	)
	if err != nil {
		return &PersistenceError{Table: "tokens_unified", Err: err}
	}
	return nil
}

// BatchInsertTrades inserts every trade in one round trip, discarding rows
// that conflict on signature, and returns the count actually inserted.
func (s *Store) BatchInsertTrades(ctx context.Context, trades []model.Trade) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	const q = `
INSERT INTO trades_unified (
	signature, mint_address, program, trade_type, user_address,
	sol_amount, token_amount, price_sol, price_usd, market_cap_usd, volume_usd,
	virtual_sol_reserves, virtual_token_reserves, bonding_curve_key,
	bonding_curve_progress, slot, block_time
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (signature) DO NOTHING`

	batch := &pgx.Batch{}
	for _, tr := range trades {
		batch.Queue(q,
			tr.Signature, tr.MintAddress, tr.Program, tr.Side, tr.User,
			int64(tr.SOLAmount), int64(tr.TokenAmount), tr.PriceSOL, tr.PriceUSD, tr.MarketCapUSD, tr.VolumeUSD,
			int64(tr.VirtualSOLReserves), int64(tr.VirtualTokenReserves), tr.BondingCurveKey,
			tr.BondingCurveProgressAtTrade, int64(tr.Slot), tr.BlockTime,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range trades {
		tag, err := results.Exec()
		if err != nil {
			return inserted, &PersistenceError{Table: "trades_unified", Err: err}
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// InsertPoolSnapshot appends one pool-state observation; pool_states is an
// append-only time series.
func (s *Store) InsertPoolSnapshot(ctx context.Context, snap model.PoolStateSnapshot) error {
	const q = `
INSERT INTO amm_pool_states (
	mint_address, pool_address, virtual_sol_reserves, virtual_token_reserves,
	real_sol_reserves, real_token_reserves, pool_open, slot, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, q,
		snap.MintAddress, snap.PoolAddress, int64(snap.VirtualSOLReserves), int64(snap.VirtualTokenReserves),
		nullableInt64(snap.RealSOLReserves), nullableInt64(snap.RealTokenReserves), snap.PoolOpen, int64(snap.Slot), snap.CreatedAt,
	)
	if err != nil {
		return &PersistenceError{Table: "amm_pool_states", Err: err}
	}
	return nil
}

func nullableInt64(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	out := int64(*v)
	return &out
}

// SaveCheckpoint upserts the single latest checkpoint row.
func (s *Store) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return &PersistenceError{Table: "checkpoints", Err: err}
	}
	const q = `
INSERT INTO checkpoints (id, schema_version, snapshot_at, payload)
VALUES (1, $1, $2, $3)
ON CONFLICT (id) DO UPDATE SET schema_version = EXCLUDED.schema_version, snapshot_at = EXCLUDED.snapshot_at, payload = EXCLUDED.payload`
	_, err = s.pool.Exec(ctx, q, cp.SchemaVersion, cp.SnapshotAt, payload)
	if err != nil {
		return &PersistenceError{Table: "checkpoints", Err: err}
	}
	return nil
}

// LoadCheckpoint returns the latest checkpoint, or (nil, nil) if none has
// ever been saved.
func (s *Store) LoadCheckpoint(ctx context.Context) (*model.Checkpoint, error) {
	const q = `SELECT payload FROM checkpoints WHERE id = 1`
	var payload []byte
	err := s.pool.QueryRow(ctx, q).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Table: "checkpoints", Err: err}
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, &PersistenceError{Table: "checkpoints", Err: err}
	}
	return &cp, nil
}
