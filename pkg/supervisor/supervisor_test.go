package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/solgrad/ingestor/pkg/clock"
	"github.com/solgrad/ingestor/pkg/eventbus"
	"github.com/solgrad/ingestor/pkg/feed"
	"github.com/solgrad/ingestor/pkg/model"
)

func testConfig() Config {
	return Config{
		FailureThreshold:     3,
		RecoveryTimeout:      20 * time.Millisecond,
		HalfOpenRequests:     1,
		MonitoringWindow:     50 * time.Millisecond,
		CheckpointInterval:   time.Hour,
		MaxRecoveryAttempts:  5,
		RecoveryBackoff:      5 * time.Millisecond,
		HealthyParseRateFloor:  0.5,
		DegradedParseRateFloor: 0.5,
		DegradedLatencyThreshold: time.Second,
	}
}

// alwaysFailSource always fails to subscribe, so every Execute call on the
// breaker guarding it counts as a connection failure.
type alwaysFailSource struct {
	err error
}

func (s *alwaysFailSource) Subscribe(ctx context.Context, connID string, programIDs, subIDs []string) (feed.Subscription, error) {
	return nil, s.err
}

// onceSource serves n transactions then blocks on Recv until ctx is done.
type onceSource struct {
	mu  sync.Mutex
	txs []*feed.ConfirmedTransaction
}

type onceSub struct {
	parent *onceSource
}

func (s *onceSource) Subscribe(ctx context.Context, connID string, programIDs, subIDs []string) (feed.Subscription, error) {
	return &onceSub{parent: s}, nil
}

func (sub *onceSub) Recv(ctx context.Context) (*feed.ConfirmedTransaction, error) {
	sub.parent.mu.Lock()
	if len(sub.parent.txs) > 0 {
		tx := sub.parent.txs[0]
		sub.parent.txs = sub.parent.txs[1:]
		sub.parent.mu.Unlock()
		return tx, nil
	}
	sub.parent.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (sub *onceSub) Close() error { return nil }

type fakeCheckpointStore struct {
	mu  sync.Mutex
	cp  *model.Checkpoint
}

func (f *fakeCheckpointStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := cp
	f.cp = &c
	return nil
}

func (f *fakeCheckpointStore) LoadCheckpoint(ctx context.Context) (*model.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cp, nil
}

func TestPartitionDistributesEvenly(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}
	got := partition(items, 2)
	require.Len(t, got, 2)
	require.ElementsMatch(t, items, append(append([]string{}, got[0]...), got[1]...))
}

func TestToModelStateMapping(t *testing.T) {
	require.Equal(t, model.CircuitClosed, toModelState(gobreaker.StateClosed))
	require.Equal(t, model.CircuitOpen, toModelState(gobreaker.StateOpen))
	require.Equal(t, model.CircuitHalfOpen, toModelState(gobreaker.StateHalfOpen))
}

func TestHealthyTargetsExcludesSelfAndUnhealthy(t *testing.T) {
	bus := eventbus.New(4)
	store := &fakeCheckpointStore{}
	s := New(testConfig(), clock.RealClock{}, bus, &alwaysFailSource{err: errors.New("down")}, store, func(ctx context.Context, connID string, tx *feed.ConfirmedTransaction) error { return nil })
	s.AddConnection("a", nil, nil)
	s.AddConnection("b", nil, nil)
	s.AddConnection("c", nil, nil)

	s.mu.Lock()
	s.conns["b"].health.MovingParseRate = 0.9
	s.conns["c"].health.MovingParseRate = 0.1
	s.mu.Unlock()

	targets := s.healthyTargets("a")
	require.ElementsMatch(t, []string{"b"}, targets)
}

func TestSupervisorProcessesTransactionsUntilExhausted(t *testing.T) {
	tx1 := &feed.ConfirmedTransaction{Signature: "sig1", Slot: 1}
	tx2 := &feed.ConfirmedTransaction{Signature: "sig2", Slot: 2}
	source := &onceSource{txs: []*feed.ConfirmedTransaction{tx1, tx2}}
	store := &fakeCheckpointStore{}
	bus := eventbus.New(4)

	var mu sync.Mutex
	var seen []string
	onTx := func(ctx context.Context, connID string, tx *feed.ConfirmedTransaction) error {
		mu.Lock()
		seen = append(seen, tx.Signature)
		mu.Unlock()
		return nil
	}

	s := New(testConfig(), clock.RealClock{}, bus, source, store, onTx)
	s.AddConnection("conn-a", []string{"prog"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, []string{"sig1", "sig2"}, seen)
	mu.Unlock()
}

func TestCircuitOpensAfterConsecutiveFailuresAndTriggersFailover(t *testing.T) {
	bus := eventbus.New(8)
	failoverCh := bus.Subscribe(eventbus.TopicFailover)
	store := &fakeCheckpointStore{}

	cfg := testConfig()
	s := New(cfg, clock.RealClock{}, bus, &alwaysFailSource{err: errors.New("dial refused")}, store,
		func(ctx context.Context, connID string, tx *feed.ConfirmedTransaction) error { return nil })
	s.AddConnection("failing", nil, []string{"sub-1", "sub-2"})
	s.AddConnection("healthy", nil, nil)

	s.mu.Lock()
	s.conns["healthy"].health.State = model.CircuitClosed
	s.conns["healthy"].health.MovingParseRate = 1.0
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go s.connectionLoop(ctx, "failing")

	require.Eventually(t, func() bool {
		health, ok := s.ConnectionHealth("failing")
		return ok && health.State == model.CircuitOpen
	}, time.Second, 5*time.Millisecond)

	select {
	case ev := <-failoverCh:
		require.Equal(t, eventbus.TopicFailover, ev.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected a failover event after the circuit opened")
	}
}

func TestCheckpointSaveAndRestorePreservesHealth(t *testing.T) {
	bus := eventbus.New(4)
	store := &fakeCheckpointStore{}
	s := New(testConfig(), clock.RealClock{}, bus, &alwaysFailSource{err: errors.New("down")}, store,
		func(ctx context.Context, connID string, tx *feed.ConfirmedTransaction) error { return nil })
	s.AddConnection("a", []string{"prog"}, []string{"sub-1"})

	s.mu.Lock()
	s.conns["a"].health.State = model.CircuitOpen
	openedAt := time.Now().Add(-time.Minute)
	s.conns["a"].health.OpenedAt = openedAt
	s.mu.Unlock()

	s.checkpointOnce(context.Background())

	s2 := New(testConfig(), clock.RealClock{}, bus, &alwaysFailSource{err: errors.New("down")}, store,
		func(ctx context.Context, connID string, tx *feed.ConfirmedTransaction) error { return nil })
	s2.AddConnection("a", []string{"prog"}, nil)
	require.NoError(t, s2.Restore(context.Background()))

	health, ok := s2.ConnectionHealth("a")
	require.True(t, ok)
	require.Equal(t, model.CircuitOpen, health.State)
	require.WithinDuration(t, openedAt, health.OpenedAt, time.Millisecond)
}
