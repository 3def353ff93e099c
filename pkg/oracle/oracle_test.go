package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solgrad/ingestor/pkg/clock"
	"github.com/solgrad/ingestor/pkg/eventbus"
)

func TestOracleColdStartDefault(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(0, 0))
	bus := eventbus.New(4)
	o := New(Config{Endpoint: "http://unused", PollInterval: time.Second, RequestTimeout: time.Second, DefaultUSD: 150}, clk, bus)
	require.Equal(t, 150.0, o.Current())
}

func TestOraclePollUpdatesCurrentAndPublishes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price": 182.5}`))
	}))
	defer srv.Close()

	clk := clock.NewFakeClock(time.Unix(0, 0))
	bus := eventbus.New(4)
	updates := bus.Subscribe(eventbus.TopicSolPriceUpdated)
	o := New(Config{Endpoint: srv.URL, PollInterval: time.Second, RequestTimeout: time.Second, DefaultUSD: 150}, clk, bus)

	var mu sync.Mutex
	var lastErr error
	o.WithOnPoll(func(err error) {
		mu.Lock()
		lastErr = err
		mu.Unlock()
	})

	o.pollOnce(context.Background())

	mu.Lock()
	require.NoError(t, lastErr)
	mu.Unlock()
	require.Equal(t, 182.5, o.Current())

	select {
	case ev := <-updates:
		require.Equal(t, 182.5, ev.Payload)
	default:
		t.Fatal("expected a published price update")
	}
}

func TestOraclePollFailureKeepsLastGoodPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	clk := clock.NewFakeClock(time.Unix(0, 0))
	bus := eventbus.New(4)
	o := New(Config{Endpoint: srv.URL, PollInterval: time.Second, RequestTimeout: time.Second, DefaultUSD: 150}, clk, bus)

	var gotErr error
	o.WithOnPoll(func(err error) { gotErr = err })
	o.pollOnce(context.Background())

	require.Error(t, gotErr)
	require.Equal(t, 150.0, o.Current())
}
