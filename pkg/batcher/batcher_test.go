package batcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solgrad/ingestor/pkg/clock"
)

func testConfig() Config {
	return Config{
		MinBatch:      2,
		MaxBatch:      16,
		BatchTimeout:  time.Second,
		AgingWindow:   5 * time.Second,
		TargetLatency: 10 * time.Millisecond,
	}
}

type recorder struct {
	mu      sync.Mutex
	batches [][]any
}

func (r *recorder) flush(ctx context.Context, items []any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := append([]any{}, items...)
	r.batches = append(r.batches, cp)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func TestBatcherFlushesOnSizeThreshold(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(0, 0))
	rec := &recorder{}
	b := New(testConfig(), clk, rec.flush)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	b.Enqueue(PriorityNormal, "a")
	b.Enqueue(PriorityNormal, "b")

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, time.Millisecond)
}

func TestBatcherFlushesOnTimeout(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(0, 0))
	rec := &recorder{}
	b := New(testConfig(), clk, rec.flush)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	b.Enqueue(PriorityLow, "solo")

	require.Eventually(t, func() bool {
		clk.Advance(time.Second)
		return rec.count() == 1
	}, time.Second, time.Millisecond)
}

func TestBatcherDegradeCallbackAfterTwoFailures(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(0, 0))
	var degradedErr error
	var mu sync.Mutex
	cfg := testConfig()
	cfg.OnDegraded = func(err error) {
		mu.Lock()
		degradedErr = err
		mu.Unlock()
	}
	failing := func(ctx context.Context, items []any) error {
		return context.DeadlineExceeded
	}
	b := New(cfg, clk, failing)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	b.Enqueue(PriorityHigh, "x")
	b.Enqueue(PriorityHigh, "y")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return degradedErr != nil
	}, time.Second, time.Millisecond)
}
