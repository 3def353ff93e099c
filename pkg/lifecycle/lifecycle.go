// Package lifecycle implements the per-mint state machine driven by
// classified trades and account-truth observations. All state
// transitions for a given mint are linearized by sharding on hash(mint)
// mod N; distinct mints process concurrently.
package lifecycle

import (
	"container/list"
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/solgrad/ingestor/pkg/clock"
	"github.com/solgrad/ingestor/pkg/eventbus"
	"github.com/solgrad/ingestor/pkg/model"
)

// TokenStore persists the token aggregate and the immutable mint row.
// Implementations must never clear ThresholdCrossedAt or GraduatedToAMM
// once set.
type TokenStore interface {
	UpsertToken(ctx context.Context, state model.TokenState) error
	InsertMint(ctx context.Context, mint model.Mint) error
}

// TradeSink accepts a trade for batched, idempotent persistence. Trades are
// enqueued only after the in-memory TokenState update completes, so the
// trade's derived price fields match the token's post-update current
// price.
type TradeSink interface {
	Enqueue(trade model.Trade)
}

// Config controls discovery admission and the per-mint cache shape.
type Config struct {
	// ShardCount is the number of independent mutex-guarded shards; mint
	// keys are assigned by fnv32a(mint) mod ShardCount.
	ShardCount int
	// CacheSizePerShard bounds how many TokenStates a shard keeps hot
	// before evicting the least recently used.
	CacheSizePerShard int

	// SaveThreshold gates bonding-curve discovery admission.
	SaveThreshold float64
	// AMMSaveThreshold gates AMM-observed discovery admission independently
	// of SaveThreshold: a token first seen trading on an AMM pool has
	// already graduated, so its admission bar does not have to match the
	// bonding-curve one.
	AMMSaveThreshold float64
	SaveAllTokens    bool
}

// DefaultConfig returns conservative sizing for a single-process ingestor.
// ammSaveThreshold admits AMM-first discovery independently of
// saveThreshold, which only gates bonding-curve discovery.
func DefaultConfig(saveThreshold, ammSaveThreshold float64, saveAllTokens bool) Config {
	return Config{
		ShardCount:        32,
		CacheSizePerShard: 4096,
		SaveThreshold:     saveThreshold,
		AMMSaveThreshold:  ammSaveThreshold,
		SaveAllTokens:     saveAllTokens,
	}
}

// TradeInput is one classified, priced trade event ready for state
// application.
type TradeInput struct {
	Mint      string
	Program   model.Program
	Side      model.Side
	User      string
	Signature string
	Slot      uint64
	BlockTime time.Time

	SOLAmount   uint64
	TokenAmount uint64

	VirtualSOLReserves   uint64
	VirtualTokenReserves uint64
	RealSOLReserves      uint64

	PriceSOL     float64
	PriceUSD     float64
	MarketCapUSD float64
	// Progress is the trade-event-derived bonding-curve completion ratio
	// (price.Result.Progress); kept only as TokenState.AdvisoryProgress,
	// never written to LatestBondingCurveProgress. Meaningless for
	// amm_pool trades.
	Progress float64

	BondingCurveKey string
}

// CreateInput is a bonding-curve creation event, observed independently of
// any trade.
type CreateInput struct {
	Mint            string
	Creator         string
	BondingCurveKey string
	Slot            uint64
	BlockTime       time.Time
}

// Handler applies classified events to per-mint state under the shard
// serialization discipline and queues the resulting effects.
type Handler struct {
	cfg    Config
	clock  clock.Clock
	bus    *eventbus.Bus
	trades TradeSink
	store  TokenStore

	shards []*shard
}

type shard struct {
	mu    sync.Mutex
	cache *lruCache

	// pendingCreator holds the creator address seen on HandleCreate for a
	// mint not yet admitted into cache; consumed (and deleted) the moment
	// the mint is discovered by a trade, so TokenState.Creator is never
	// left unset for a bonding-curve-first mint.
	pendingCreator map[string]string
}

// New constructs a Handler.
func New(cfg Config, clk clock.Clock, bus *eventbus.Bus, trades TradeSink, store TokenStore) *Handler {
	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = &shard{cache: newLRUCache(cfg.CacheSizePerShard), pendingCreator: make(map[string]string)}
	}
	return &Handler{cfg: cfg, clock: clk, bus: bus, trades: trades, store: store, shards: shards}
}

func (h *Handler) shardFor(mint string) *shard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(mint))
	return h.shards[hasher.Sum32()%uint32(len(h.shards))]
}

// HandleCreate applies a bonding-curve create event: if the mint is
// unseen, it is recorded with no price yet set. Creation alone does not
// satisfy the discovery admission guard, which requires a trade; a later
// BcTrade promotes it to Discovered.
func (h *Handler) HandleCreate(ctx context.Context, in CreateInput) error {
	sh := h.shardFor(in.Mint)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.cache.get(in.Mint); ok {
		return nil
	}
	mint := model.Mint{
		Address:         in.Mint,
		FirstSeenSlot:   in.Slot,
		FirstSeenAt:     in.BlockTime,
		Creator:         in.Creator,
		BondingCurveKey: in.BondingCurveKey,
	}
	if err := h.store.InsertMint(ctx, mint); err != nil {
		return fmt.Errorf("lifecycle: insert mint %s: %w", in.Mint, err)
	}
	sh.pendingCreator[in.Mint] = in.Creator
	return nil
}

// HandleTrade applies one trade to the mint's state, performing the
// discovery / threshold-crossed / graduated transition table, then
// enqueues the trade for persistence.
func (h *Handler) HandleTrade(ctx context.Context, in TradeInput) error {
	sh := h.shardFor(in.Mint)
	sh.mu.Lock()

	state, existed := sh.cache.get(in.Mint)
	now := h.clock.Now()

	threshold := h.cfg.SaveThreshold
	if in.Program == model.ProgramAmmPool {
		threshold = h.cfg.AMMSaveThreshold
	}
	admitted := existed || in.MarketCapUSD >= threshold || h.cfg.SaveAllTokens
	if !admitted {
		sh.mu.Unlock()
		return nil
	}

	var discovered, thresholdCrossed, graduated bool
	if !existed {
		discovered = true
		creator := sh.pendingCreator[in.Mint]
		delete(sh.pendingCreator, in.Mint)
		state = &model.TokenState{
			MintAddress:       in.Mint,
			CurrentProgram:    in.Program,
			FirstProgram:      in.Program,
			Creator:           creator,
			BondingCurveKey:   in.BondingCurveKey,
			FirstPriceSOL:     in.PriceSOL,
			FirstPriceUSD:     in.PriceUSD,
			FirstMarketCapUSD: in.MarketCapUSD,
			CreatedAt:         now,
			GraduatedToAMM:    in.Program == model.ProgramAmmPool,
		}
		if state.GraduatedToAMM {
			graduated = true
		}
	}

	state.CurrentPriceSOL = in.PriceSOL
	state.CurrentPriceUSD = in.PriceUSD
	state.CurrentMarketCapUSD = in.MarketCapUSD
	state.LatestVirtualSOLReserves = in.VirtualSOLReserves
	state.LatestVirtualTokenReserves = in.VirtualTokenReserves
	state.LatestRealSOLReserves = in.RealSOLReserves
	state.LastPriceUpdate = now

	if in.Program == model.ProgramBondingCurve {
		state.AdvisoryProgress = in.Progress
	}

	if !state.ThresholdCrossed && !state.GraduatedToAMM && in.Program == model.ProgramBondingCurve && in.MarketCapUSD >= h.cfg.SaveThreshold {
		state.ThresholdCrossed = true
		state.ThresholdCrossedAt = now
		thresholdCrossed = true
	}

	if !state.GraduatedToAMM && in.Program == model.ProgramAmmPool {
		state.GraduatedToAMM = true
		state.CurrentProgram = model.ProgramAmmPool
		graduated = true
	}

	sh.cache.put(in.Mint, state)
	snapshot := *state
	sh.mu.Unlock()

	if err := h.store.UpsertToken(ctx, snapshot); err != nil {
		sh.mu.Lock()
		sh.cache.remove(in.Mint)
		sh.mu.Unlock()
		return fmt.Errorf("lifecycle: upsert token %s: %w", in.Mint, err)
	}

	h.trades.Enqueue(model.Trade{
		Signature:                   in.Signature,
		MintAddress:                 in.Mint,
		Program:                     in.Program,
		Side:                        in.Side,
		User:                        in.User,
		SOLAmount:                   in.SOLAmount,
		TokenAmount:                 in.TokenAmount,
		PriceSOL:                    snapshot.CurrentPriceSOL,
		PriceUSD:                    snapshot.CurrentPriceUSD,
		MarketCapUSD:                snapshot.CurrentMarketCapUSD,
		VirtualSOLReserves:          in.VirtualSOLReserves,
		VirtualTokenReserves:        in.VirtualTokenReserves,
		BondingCurveKey:             in.BondingCurveKey,
		BondingCurveProgressAtTrade: snapshot.AdvisoryProgress,
		Slot:                        in.Slot,
		BlockTime:                   in.BlockTime,
	})

	if discovered {
		h.bus.Publish(eventbus.TopicTokenDiscovered, snapshot)
	}
	if thresholdCrossed {
		h.bus.Publish(eventbus.TopicTokenThresholdCrossed, snapshot)
	}
	if graduated {
		h.bus.Publish(eventbus.TopicTokenGraduated, snapshot)
	}
	h.bus.Publish(eventbus.TopicTradeProcessed, snapshot)
	return nil
}

// HandleGraduation applies an on-chain bonding-curve completion observation
// (pkg/accounts), which graduates a mint regardless of trade activity. It
// is a terminal, non-reversing transition; a mint already graduated is
// left unchanged.
func (h *Handler) HandleGraduation(ctx context.Context, mint string, progress float64) error {
	sh := h.shardFor(mint)
	sh.mu.Lock()

	state, existed := sh.cache.get(mint)
	if !existed {
		sh.mu.Unlock()
		return nil
	}
	if state.GraduatedToAMM {
		sh.mu.Unlock()
		return nil
	}
	state.GraduatedToAMM = true
	state.CurrentProgram = model.ProgramAmmPool
	state.LatestBondingCurveProgress = progress
	state.LastPriceUpdate = h.clock.Now()
	sh.cache.put(mint, state)
	snapshot := *state
	sh.mu.Unlock()

	if err := h.store.UpsertToken(ctx, snapshot); err != nil {
		sh.mu.Lock()
		sh.cache.remove(mint)
		sh.mu.Unlock()
		return fmt.Errorf("lifecycle: upsert token %s: %w", mint, err)
	}
	h.bus.Publish(eventbus.TopicTokenGraduated, snapshot)
	return nil
}

// RefreshBondingCurveProgress updates the authoritative progress field from
// an on-chain account read without altering any other state. It is a
// no-op for mints not yet discovered.
func (h *Handler) RefreshBondingCurveProgress(ctx context.Context, mint string, progress float64) error {
	sh := h.shardFor(mint)
	sh.mu.Lock()
	state, existed := sh.cache.get(mint)
	if !existed {
		sh.mu.Unlock()
		return nil
	}
	state.LatestBondingCurveProgress = progress
	sh.cache.put(mint, state)
	snapshot := *state
	sh.mu.Unlock()

	if err := h.store.UpsertToken(ctx, snapshot); err != nil {
		return fmt.Errorf("lifecycle: refresh progress %s: %w", mint, err)
	}
	return nil
}

// lruCache is a bounded, non-thread-safe (callers hold the shard mutex)
// least-recently-used cache of token state.
type lruCache struct {
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key   string
	value *model.TokenState
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &lruCache{capacity: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

func (c *lruCache) get(key string) (*model.TokenState, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *lruCache) put(key string, value *model.TokenState) {
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).value = value
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruEntry{key: key, value: value})
	c.items[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}

func (c *lruCache) remove(key string) {
	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}
