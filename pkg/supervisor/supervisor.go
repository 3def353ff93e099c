// Package supervisor runs one goroutine per upstream connection, each
// guarded by its own circuit breaker, with failover, emergency mode and
// periodic checkpointing.
// Ordering is preserved within a connection; across connections there is
// none, which the classifier tolerates because its writes are idempotent
// and the lifecycle state machine is monotonic.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/solgrad/ingestor/pkg/clock"
	"github.com/solgrad/ingestor/pkg/eventbus"
	"github.com/solgrad/ingestor/pkg/feed"
	"github.com/solgrad/ingestor/pkg/model"
)

// ConnectionError reports a failure on one named connection.
type ConnectionError struct {
	ConnectionID string
	Err          error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("supervisor: connection %s: %v", e.ConnectionID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SupervisorError reports a coordinator-level failure (e.g. checkpoint
// persistence).
type SupervisorError struct {
	Op  string
	Err error
}

func (e *SupervisorError) Error() string {
	return fmt.Sprintf("supervisor: %s: %v", e.Op, e.Err)
}

func (e *SupervisorError) Unwrap() error { return e.Err }

// CheckpointStore persists and restores supervisor state across restarts.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
	LoadCheckpoint(ctx context.Context) (*model.Checkpoint, error)
}

// OnTx is invoked for every transaction received on any connection. A
// returned error is a parse/classification error: it is scoped to the
// one event and never fails the connection.
type OnTx func(ctx context.Context, connectionID string, tx *feed.ConfirmedTransaction) error

// Config holds the supervisor's tunables.
type Config struct {
	FailureThreshold   uint32
	RecoveryTimeout    time.Duration
	HalfOpenRequests   uint32
	MonitoringWindow   time.Duration
	CheckpointInterval time.Duration
	MaxRecoveryAttempts int
	RecoveryBackoff    time.Duration

	HealthyParseRateFloor    float64
	DegradedParseRateFloor   float64
	DegradedLatencyThreshold time.Duration
}

type connection struct {
	id         string
	programIDs []string
	subIDs     []string

	breaker  *gobreaker.CircuitBreaker[any]
	health   model.ConnectionHealth
	backoff  backoff.BackOff
	attempts int
	lastSlot uint64
}

// Supervisor coordinates one or more live upstream connections.
type Supervisor struct {
	cfg    Config
	clock  clock.Clock
	bus    *eventbus.Bus
	source feed.Source
	store  CheckpointStore
	onTx   OnTx

	mu       sync.Mutex
	conns    map[string]*connection
	counters map[string]int64
}

// New constructs a Supervisor. Register connections with AddConnection
// before calling Run.
func New(cfg Config, clk clock.Clock, bus *eventbus.Bus, source feed.Source, store CheckpointStore, onTx OnTx) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		clock:    clk,
		bus:      bus,
		source:   source,
		store:    store,
		onTx:     onTx,
		conns:    make(map[string]*connection),
		counters: make(map[string]int64),
	}
}

// AddConnection registers a new connection to be driven by Run.
func (s *Supervisor) AddConnection(id string, programIDs, subscriptionIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[id] = s.newConnection(id, programIDs, subscriptionIDs, model.ConnectionHealth{ConnectionID: id, State: model.CircuitClosed})
}

func (s *Supervisor) newConnection(id string, programIDs, subIDs []string, health model.ConnectionHealth) *connection {
	c := &connection{id: id, programIDs: programIDs, subIDs: subIDs, health: health}
	c.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        id,
		MaxRequests: s.cfg.HalfOpenRequests,
		Interval:    s.cfg.MonitoringWindow,
		Timeout:     s.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.handleStateChange(name, from, to)
		},
	})
	c.backoff = newRecoveryBackoff(s.cfg.RecoveryBackoff)
	return c
}

func newRecoveryBackoff(initial time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = initial * 16
	b.MaxElapsedTime = 0 // never stop retrying the connection
	return b
}

// Restore loads the last checkpoint (if any) and seeds each connection's
// health record (including OpenedAt), subscription IDs and last slot from
// it. The gobreaker breakers are not restored: each starts Closed, so a
// connection recorded as Open is driven again right away rather than
// waiting out the rest of its recovery timeout.
func (s *Supervisor) Restore(ctx context.Context) error {
	cp, err := s.store.LoadCheckpoint(ctx)
	if err != nil {
		return &SupervisorError{Op: "restore", Err: err}
	}
	if cp == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, health := range cp.ConnectionHealth {
		if c, ok := s.conns[id]; ok {
			c.health = health
			if ids, ok := cp.SubscriptionIDs[id]; ok {
				c.subIDs = ids
			}
			if slot, ok := cp.LastSlot[id]; ok {
				c.lastSlot = slot
			}
		}
	}
	for k, v := range cp.AggregateCounters {
		s.counters[k] = v
	}
	return nil
}

// Run starts one goroutine per registered connection plus the periodic
// checkpoint loop, and blocks until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup

	s.mu.Lock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.connectionLoop(ctx, id)
		}(id)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.checkpointLoop(ctx)
	}()

	wg.Wait()
}

func (s *Supervisor) breakerFor(id string) *gobreaker.CircuitBreaker[any] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[id].breaker
}

func (s *Supervisor) connectionLoop(ctx context.Context, id string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, err := s.breakerFor(id).Execute(func() (interface{}, error) {
			return nil, s.driveOnce(ctx, id)
		})

		if err == nil {
			s.recordSuccess(id)
			continue
		}

		s.recordFailure(id, err)
		wait := s.nextBackoff(id)
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(wait):
		}
	}
}

// driveOnce opens one subscription and reads from it until it errors or
// ctx is canceled; it is the unit of work the circuit breaker guards.
func (s *Supervisor) driveOnce(ctx context.Context, id string) error {
	s.mu.Lock()
	c := s.conns[id]
	programIDs := append([]string{}, c.programIDs...)
	subIDs := append([]string{}, c.subIDs...)
	s.mu.Unlock()

	sub, err := s.source.Subscribe(ctx, id, programIDs, subIDs)
	if err != nil {
		return &ConnectionError{ConnectionID: id, Err: err}
	}
	defer sub.Close()

	for {
		start := s.clock.Now()
		tx, err := sub.Recv(ctx)
		if err != nil {
			return &ConnectionError{ConnectionID: id, Err: err}
		}
		parseErr := s.onTx(ctx, id, tx)
		latency := s.clock.Now().Sub(start)
		s.updateMovingHealth(id, parseErr == nil, latency)

		s.mu.Lock()
		s.counters["transactions_processed"]++
		c.lastSlot = tx.Slot
		s.mu.Unlock()
	}
}

func (s *Supervisor) recordSuccess(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conns[id]
	c.health.LastSuccess = s.clock.Now()
	c.attempts = 0
}

func (s *Supervisor) recordFailure(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conns[id]
	c.health.Failures++
	c.health.LastFailure = s.clock.Now()
	c.attempts++
}

func (s *Supervisor) nextBackoff(id string) time.Duration {
	s.mu.Lock()
	c := s.conns[id]
	attempts := c.attempts
	b := c.backoff
	s.mu.Unlock()

	if s.cfg.MaxRecoveryAttempts > 0 && attempts > s.cfg.MaxRecoveryAttempts {
		return s.cfg.RecoveryBackoff * 16
	}
	return b.NextBackOff()
}

// updateMovingHealth maintains the EWMA parse-rate and latency, emitting a
// performance_degradation event (not a state change) when either crosses
// its alert threshold.
func (s *Supervisor) updateMovingHealth(id string, ok bool, latency time.Duration) {
	const alpha = 0.2
	s.mu.Lock()
	c := s.conns[id]
	sample := 0.0
	if ok {
		sample = 1.0
	}
	if c.health.MovingParseRate == 0 && c.health.LastSuccess.IsZero() {
		c.health.MovingParseRate = sample
		c.health.MovingLatency = latency
	} else {
		c.health.MovingParseRate = alpha*sample + (1-alpha)*c.health.MovingParseRate
		c.health.MovingLatency = time.Duration(alpha*float64(latency) + (1-alpha)*float64(c.health.MovingLatency))
	}
	degraded := c.health.MovingParseRate < s.cfg.DegradedParseRateFloor || c.health.MovingLatency > s.cfg.DegradedLatencyThreshold
	s.mu.Unlock()

	if degraded {
		s.bus.Publish(eventbus.TopicPerformanceDegradation, id)
	}
}

func (s *Supervisor) handleStateChange(id string, from, to gobreaker.State) {
	s.mu.Lock()
	c, ok := s.conns[id]
	if ok {
		c.health.State = toModelState(to)
		if to == gobreaker.StateOpen {
			c.health.OpenedAt = s.clock.Now()
		}
	}
	s.mu.Unlock()

	if to == gobreaker.StateOpen {
		go s.handleFailover(id)
	}
}

func toModelState(st gobreaker.State) model.CircuitState {
	switch st {
	case gobreaker.StateOpen:
		return model.CircuitOpen
	case gobreaker.StateHalfOpen:
		return model.CircuitHalfOpen
	default:
		return model.CircuitClosed
	}
}

// handleFailover moves a downed connection's subscriptions onto healthy
// targets, or enters emergency mode if none qualify.
func (s *Supervisor) handleFailover(failedID string) {
	targets := s.healthyTargets(failedID)
	if len(targets) == 0 {
		s.runEmergency()
		return
	}

	s.mu.Lock()
	failed := s.conns[failedID]
	subIDs := failed.subIDs
	failed.subIDs = nil
	partitions := partition(subIDs, len(targets))
	for i, target := range targets {
		s.conns[target].subIDs = append(s.conns[target].subIDs, partitions[i]...)
	}
	s.mu.Unlock()

	for i, target := range targets {
		s.bus.Publish(eventbus.TopicFailover, map[string]any{"from": failedID, "to": target, "subscription_ids": partitions[i]})
	}
}

func (s *Supervisor) healthyTargets(excludeID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var targets []string
	for id, c := range s.conns {
		if id == excludeID {
			continue
		}
		if c.health.State == model.CircuitClosed && c.health.MovingParseRate >= s.cfg.HealthyParseRateFloor {
			targets = append(targets, id)
		}
	}
	return targets
}

// runEmergency waits 5x the recovery backoff, then force-resets every
// breaker to Closed, bracketing the window with emergency /
// emergency_recovery events.
func (s *Supervisor) runEmergency() {
	s.bus.Publish(eventbus.TopicEmergency, nil)
	<-s.clock.After(5 * s.cfg.RecoveryBackoff)

	s.mu.Lock()
	for id, c := range s.conns {
		s.conns[id] = s.newConnection(id, c.programIDs, c.subIDs, model.ConnectionHealth{ConnectionID: id, State: model.CircuitClosed})
	}
	s.mu.Unlock()
	s.bus.Publish(eventbus.TopicEmergencyRecovery, nil)
}

func partition(items []string, n int) [][]string {
	out := make([][]string, n)
	for i, it := range items {
		idx := i % n
		out[idx] = append(out[idx], it)
	}
	return out
}

func (s *Supervisor) checkpointLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.checkpointOnce(ctx)
			return
		case <-ticker.C():
			s.checkpointOnce(ctx)
		}
	}
}

func (s *Supervisor) checkpointOnce(ctx context.Context) {
	s.mu.Lock()
	cp := model.Checkpoint{
		SchemaVersion:     1,
		SnapshotAt:        s.clock.Now(),
		ConnectionHealth:  make(map[string]model.ConnectionHealth, len(s.conns)),
		LastSlot:          make(map[string]uint64, len(s.conns)),
		SubscriptionIDs:   make(map[string][]string, len(s.conns)),
		AggregateCounters: make(map[string]int64, len(s.counters)),
	}
	for id, c := range s.conns {
		cp.ConnectionHealth[id] = c.health
		cp.SubscriptionIDs[id] = append([]string{}, c.subIDs...)
		cp.LastSlot[id] = c.lastSlot
	}
	for k, v := range s.counters {
		cp.AggregateCounters[k] = v
	}
	s.mu.Unlock()

	if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
		s.bus.Publish(eventbus.TopicCheckpointFailed, err)
	}
}

// ConnectionHealth returns a snapshot of the named connection's health.
func (s *Supervisor) ConnectionHealth(id string) (model.ConnectionHealth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return model.ConnectionHealth{}, false
	}
	return c.health, true
}
