package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solgrad/ingestor/pkg/clock"
	"github.com/solgrad/ingestor/pkg/eventbus"
	"github.com/solgrad/ingestor/pkg/model"
)

type fakeStore struct {
	mu     sync.Mutex
	tokens map[string]model.TokenState
	mints  map[string]model.Mint
	failNext bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{tokens: make(map[string]model.TokenState), mints: make(map[string]model.Mint)}
}

func (s *fakeStore) UpsertToken(ctx context.Context, state model.TokenState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return context.DeadlineExceeded
	}
	s.tokens[state.MintAddress] = state
	return nil
}

func (s *fakeStore) InsertMint(ctx context.Context, mint model.Mint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mints[mint.Address] = mint
	return nil
}

type fakeTradeSink struct {
	mu     sync.Mutex
	trades []model.Trade
}

func (s *fakeTradeSink) Enqueue(trade model.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, trade)
}

func newHandler(t *testing.T, threshold float64, saveAll bool) (*Handler, *fakeStore, *fakeTradeSink, *eventbus.Bus) {
	t.Helper()
	store := newFakeStore()
	sink := &fakeTradeSink{}
	bus := eventbus.New(16)
	clk := clock.NewFakeClock(time.Unix(1_700_000_000, 0))
	h := New(DefaultConfig(threshold, threshold, saveAll), clk, bus, sink, store)
	return h, store, sink, bus
}

func TestHandleTradeDiscoversBelowThresholdWithSaveAll(t *testing.T) {
	h, store, sink, bus := newHandler(t, 1_000_000, true)
	discovered := bus.Subscribe(eventbus.TopicTokenDiscovered)

	err := h.HandleTrade(context.Background(), TradeInput{
		Mint: "mint1", Program: model.ProgramBondingCurve, Side: model.SideBuy,
		Signature: "sig1", MarketCapUSD: 100, PriceSOL: 1, PriceUSD: 1,
	})
	require.NoError(t, err)
	require.Contains(t, store.tokens, "mint1")
	require.Len(t, sink.trades, 1)

	select {
	case ev := <-discovered:
		require.Equal(t, eventbus.TopicTokenDiscovered, ev.Topic)
	default:
		t.Fatal("expected discovered event")
	}
}

func TestHandleTradeRejectedBelowThresholdWithoutSaveAll(t *testing.T) {
	h, store, sink, _ := newHandler(t, 1_000_000, false)

	err := h.HandleTrade(context.Background(), TradeInput{
		Mint: "mint1", Program: model.ProgramBondingCurve, MarketCapUSD: 100,
	})
	require.NoError(t, err)
	require.NotContains(t, store.tokens, "mint1")
	require.Empty(t, sink.trades)
}

func TestHandleTradeThresholdCrossedOnce(t *testing.T) {
	h, _, _, bus := newHandler(t, 1_000, true)
	crossed := bus.Subscribe(eventbus.TopicTokenThresholdCrossed)

	ctx := context.Background()
	require.NoError(t, h.HandleTrade(ctx, TradeInput{Mint: "mint1", Program: model.ProgramBondingCurve, MarketCapUSD: 100}))
	require.NoError(t, h.HandleTrade(ctx, TradeInput{Mint: "mint1", Program: model.ProgramBondingCurve, MarketCapUSD: 2_000}))
	require.NoError(t, h.HandleTrade(ctx, TradeInput{Mint: "mint1", Program: model.ProgramBondingCurve, MarketCapUSD: 3_000}))

	require.Len(t, crossed, 1)
}

func TestHandleTradeGraduatesOnFirstAmmTrade(t *testing.T) {
	h, store, _, bus := newHandler(t, 1_000, true)
	graduated := bus.Subscribe(eventbus.TopicTokenGraduated)

	ctx := context.Background()
	require.NoError(t, h.HandleTrade(ctx, TradeInput{Mint: "mint1", Program: model.ProgramBondingCurve, MarketCapUSD: 100}))
	require.NoError(t, h.HandleTrade(ctx, TradeInput{Mint: "mint1", Program: model.ProgramAmmPool, MarketCapUSD: 200}))

	require.True(t, store.tokens["mint1"].GraduatedToAMM)
	require.Len(t, graduated, 1)
}

func TestHandleGraduationIsTerminal(t *testing.T) {
	h, store, _, bus := newHandler(t, 1_000, true)
	graduated := bus.Subscribe(eventbus.TopicTokenGraduated)
	ctx := context.Background()

	require.NoError(t, h.HandleTrade(ctx, TradeInput{Mint: "mint1", Program: model.ProgramBondingCurve, MarketCapUSD: 100}))
	require.NoError(t, h.HandleGraduation(ctx, "mint1", 1.0))
	require.NoError(t, h.HandleGraduation(ctx, "mint1", 1.0))

	require.True(t, store.tokens["mint1"].GraduatedToAMM)
	require.Len(t, graduated, 1)
}

func TestHandleGraduationUnknownMintIsNoop(t *testing.T) {
	h, _, _, _ := newHandler(t, 1_000, true)
	require.NoError(t, h.HandleGraduation(context.Background(), "ghost", 0.5))
}

func TestHandleTradeUpsertFailureEvictsCache(t *testing.T) {
	h, store, _, _ := newHandler(t, 1_000, true)
	ctx := context.Background()
	require.NoError(t, h.HandleTrade(ctx, TradeInput{Mint: "mint1", Program: model.ProgramBondingCurve, MarketCapUSD: 100}))

	store.failNext = true
	err := h.HandleTrade(ctx, TradeInput{Mint: "mint1", Program: model.ProgramBondingCurve, MarketCapUSD: 200})
	require.Error(t, err)

	// The failed upsert evicted mint1, so the next trade rediscovers it.
	require.NoError(t, h.HandleTrade(ctx, TradeInput{Mint: "mint1", Program: model.ProgramBondingCurve, MarketCapUSD: 300}))
	require.Equal(t, 300.0, store.tokens["mint1"].FirstMarketCapUSD)
}

func TestRefreshBondingCurveProgressNoopForUnknownMint(t *testing.T) {
	h, store, _, _ := newHandler(t, 1_000, true)
	require.NoError(t, h.RefreshBondingCurveProgress(context.Background(), "ghost", 0.4))
	require.Empty(t, store.tokens)
}
