package reconciler

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solgrad/ingestor/pkg/clock"
	"github.com/solgrad/ingestor/pkg/eventbus"
	"github.com/solgrad/ingestor/pkg/lifecycle"
	"github.com/solgrad/ingestor/pkg/logging"
	"github.com/solgrad/ingestor/pkg/metrics"
	"github.com/solgrad/ingestor/pkg/model"
	"github.com/solgrad/ingestor/pkg/registry"
	"github.com/solgrad/ingestor/pkg/solrpc"
)

const (
	testProgram = "6Q47JSFqVDgid4DiGjsUAyQFiSfmRPuYiS3LZNhMkS1F"
	bcGraduated = "HuzmRhS7HbqFYi4DpEvNQUYtEZMDfQJ5ShfBEH6sU13i"
	bcOngoing   = "ZkkBXA8ZxW5E7XZepFLQZoY1iTP5xGAYm9CHu5ZLDc5"
	mintGrad    = "3Edxez1e3Z2jUcCVHhxraGNxqX1dzH9xzAJoJ5JoeqyV"
	mintOngoing = "C99RiSif4S5XTc5WL6pZgoVC1wbqSrby6JERBDR6Cud2"
)

type fakeTokenStore struct {
	mu     sync.Mutex
	tokens map[string]model.TokenState
	mints  map[string]model.Mint
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{tokens: make(map[string]model.TokenState), mints: make(map[string]model.Mint)}
}

func (s *fakeTokenStore) UpsertToken(ctx context.Context, state model.TokenState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[state.MintAddress] = state
	return nil
}

func (s *fakeTokenStore) InsertMint(ctx context.Context, mint model.Mint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mints[mint.Address] = mint
	return nil
}

func (s *fakeTokenStore) get(mint string) model.TokenState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[mint]
}

type fakeTradeSink struct{}

func (fakeTradeSink) Enqueue(trade model.Trade) {}

// encodeBondingCurve matches pkg/accounts.rawBondingCurve's on-wire layout:
// an 8-byte discriminator, five little-endian uint64 reserve fields, then a
// single bool byte.
func encodeBondingCurve(virtualToken, virtualSol, realToken, realSol, totalSupply uint64, complete bool) []byte {
	buf := make([]byte, 49)
	binary.LittleEndian.PutUint64(buf[8:16], virtualToken)
	binary.LittleEndian.PutUint64(buf[16:24], virtualSol)
	binary.LittleEndian.PutUint64(buf[24:32], realToken)
	binary.LittleEndian.PutUint64(buf[32:40], realSol)
	binary.LittleEndian.PutUint64(buf[40:48], totalSupply)
	if complete {
		buf[48] = 1
	}
	return buf
}

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// newFakeRPCServer serves getMultipleAccounts with the two fixed bonding
// curve accounts (one graduated, one mid-curve) and getProgramAccounts with
// the same pair, mirroring the shape a real Solana JSON-RPC node returns.
func newFakeRPCServer(t *testing.T) *httptest.Server {
	gradData := base64.StdEncoding.EncodeToString(encodeBondingCurve(1_000, 100, 500_000_000_000, 85_000_000_000, 1_000_000_000, true))
	ongoingData := base64.StdEncoding.EncodeToString(encodeBondingCurve(1_073_000_000_000_000, 30_000_000_000, 500_000_000_000, 5_000_000_000, 1_000_000_000, false))

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")

		switch req.Method {
		case "getMultipleAccounts":
			fakeAccount := func(data string) map[string]any {
				return map[string]any{
					"lamports":   1,
					"owner":      testProgram,
					"data":       []string{data, "base64"},
					"executable": false,
					"rentEpoch":  0,
				}
			}
			resp := map[string]any{
				"jsonrpc": "2.0",
				"id":      json.RawMessage(req.ID),
				"result": map[string]any{
					"context": map[string]any{"slot": 1},
					"value":   []any{fakeAccount(gradData), fakeAccount(ongoingData)},
				},
			}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		case "getProgramAccounts":
			entry := func(pubkey, data string) map[string]any {
				return map[string]any{
					"pubkey": pubkey,
					"account": map[string]any{
						"lamports":   1,
						"owner":      testProgram,
						"data":       []string{data, "base64"},
						"executable": false,
						"rentEpoch":  0,
					},
				}
			}
			resp := map[string]any{
				"jsonrpc": "2.0",
				"id":      json.RawMessage(req.ID),
				"result":  []any{entry(bcGraduated, gradData), entry(bcOngoing, ongoingData)},
			}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		default:
			t.Fatalf("unexpected RPC method %q", req.Method)
		}
	}))
}

func newHandler(store *fakeTokenStore, clk clock.Clock) *lifecycle.Handler {
	bus := eventbus.New(8)
	return lifecycle.New(lifecycle.DefaultConfig(0, 0, true), clk, bus, fakeTradeSink{}, store)
}

func TestReconcileChunkGraduatesAndRefreshesProgress(t *testing.T) {
	srv := newFakeRPCServer(t)
	defer srv.Close()

	store := newFakeTokenStore()
	clk := clock.NewFakeClock(time.Unix(1_700_000_000, 0))
	handler := newHandler(store, clk)

	ctx := context.Background()
	require.NoError(t, handler.HandleTrade(ctx, lifecycle.TradeInput{
		Mint: mintGrad, Program: model.ProgramBondingCurve, Side: model.SideBuy,
		VirtualSOLReserves: 100, VirtualTokenReserves: 1_000, MarketCapUSD: 1,
	}))
	require.NoError(t, handler.HandleTrade(ctx, lifecycle.TradeInput{
		Mint: mintOngoing, Program: model.ProgramBondingCurve, Side: model.SideBuy,
		VirtualSOLReserves: 30_000_000_000, VirtualTokenReserves: 1_073_000_000_000_000, MarketCapUSD: 1,
	}))

	rpcClient := solrpc.New(srv.URL, 100)
	m := metrics.New()
	r := New(Config{PollInterval: time.Minute, BondingCurveProgram: testProgram}, rpcClient, registry.New(nil, nil), handler, clk, m, logging.Nop())

	known := map[string]string{bcGraduated: mintGrad, bcOngoing: mintOngoing}
	r.reconcileChunk(ctx, []string{bcGraduated, bcOngoing}, known)

	graduated := store.get(mintGrad)
	require.True(t, graduated.GraduatedToAMM)
	require.Equal(t, model.ProgramAmmPool, graduated.CurrentProgram)

	ongoing := store.get(mintOngoing)
	require.False(t, ongoing.GraduatedToAMM)
	require.InDelta(t, 5_000_000_000.0/85_000_000_000.0, ongoing.LatestBondingCurveProgress, 1e-9)
}

func TestBackfillCountsProgramAccounts(t *testing.T) {
	srv := newFakeRPCServer(t)
	defer srv.Close()

	store := newFakeTokenStore()
	clk := clock.NewFakeClock(time.Unix(1_700_000_000, 0))
	handler := newHandler(store, clk)

	rpcClient := solrpc.New(srv.URL, 100)
	m := metrics.New()
	r := New(Config{PollInterval: time.Minute, BondingCurveProgram: testProgram}, rpcClient, registry.New(nil, nil), handler, clk, m, logging.Nop())

	require.NoError(t, r.Backfill(context.Background()))
}

func TestReconcileOnceSkipsWhenNothingKnown(t *testing.T) {
	store := newFakeTokenStore()
	clk := clock.NewFakeClock(time.Unix(1_700_000_000, 0))
	handler := newHandler(store, clk)

	m := metrics.New()
	r := New(Config{PollInterval: time.Minute, BondingCurveProgram: testProgram}, solrpc.New("http://unused", 1), registry.New(nil, nil), handler, clk, m, logging.Nop())

	r.reconcileOnce(context.Background())
	require.Equal(t, float64(0), testGaugeValue(t, m))
}

func testGaugeValue(t *testing.T, m *metrics.Registry) float64 {
	t.Helper()
	metricFamilies, err := m.Gatherer.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() == "ingestor_bonding_curves_tracked" {
			return mf.Metric[0].GetGauge().GetValue()
		}
	}
	return 0
}
