// Package batcher implements an adaptive batching queue drained by a
// single worker, flushed on batch-full or timeout, with the target batch
// size adapted toward a configured tail latency.
package batcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/solgrad/ingestor/pkg/clock"
)

// Priority orders drain preference. High always drains before Normal and
// Low, except when a lower-priority item has aged past Config.AgingWindow.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// FlushFunc persists one batch. A non-nil error causes the same batch to be
// flushed once more right away; if that second attempt also fails, the
// failure is reported via Config.OnDegraded as a persistence-degraded
// signal and the batch is not requeued.
type FlushFunc func(ctx context.Context, items []any) error

// Config sizes the adaptive batch window.
type Config struct {
	MinBatch      int
	MaxBatch      int
	BatchTimeout  time.Duration
	AgingWindow   time.Duration
	TargetLatency time.Duration

	// OnDegraded is invoked after a batch fails persistence twice in a
	// row; the batch is dropped after that call.
	OnDegraded func(err error)
}

type item struct {
	priority   Priority
	payload    any
	enqueuedAt time.Time
}

// Batcher accumulates items and flushes them adaptively.
type Batcher struct {
	cfg   Config
	clock clock.Clock
	flush FlushFunc

	mu            sync.Mutex
	queues        [3][]item
	currentTarget int

	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// New constructs a Batcher. Call Start to begin the drain loop.
func New(cfg Config, clk clock.Clock, flush FlushFunc) *Batcher {
	return &Batcher{
		cfg:           cfg,
		clock:         clk,
		flush:         flush,
		currentTarget: cfg.MinBatch,
		signal:        make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Enqueue admits payload at priority. Non-blocking.
func (b *Batcher) Enqueue(priority Priority, payload any) {
	b.mu.Lock()
	b.queues[priority] = append(b.queues[priority], item{priority: priority, payload: payload, enqueuedAt: b.clock.Now()})
	size := b.totalSizeLocked()
	target := b.currentTarget
	b.mu.Unlock()

	if size >= target {
		select {
		case b.signal <- struct{}{}:
		default:
		}
	}
}

func (b *Batcher) totalSizeLocked() int {
	return len(b.queues[PriorityHigh]) + len(b.queues[PriorityNormal]) + len(b.queues[PriorityLow])
}

// Start runs the drain loop until ctx is done or Stop is called.
func (b *Batcher) Start(ctx context.Context) {
	go b.run(ctx)
}

// Stop halts the drain loop and blocks until it exits.
func (b *Batcher) Stop() {
	close(b.stop)
	<-b.done
}

func (b *Batcher) run(ctx context.Context) {
	defer close(b.done)
	ticker := b.clock.NewTicker(b.cfg.BatchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flushAll(ctx, nil)
			return
		case <-b.stop:
			b.flushAll(ctx, nil)
			return
		case <-ticker.C():
			b.drainOnce(ctx)
		case <-b.signal:
			b.drainOnce(ctx)
		}
	}
}

// drainOnce pulls up to currentTarget items, honoring aging, and flushes
// them; it adapts currentTarget from the observed flush latency.
func (b *Batcher) drainOnce(ctx context.Context) {
	b.mu.Lock()
	batch := b.takeLocked(b.currentTarget)
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	b.flushWithRetry(ctx, batch)
}

func (b *Batcher) flushAll(ctx context.Context, _ []any) {
	for {
		b.mu.Lock()
		batch := b.takeLocked(b.cfg.MaxBatch)
		b.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		b.flushWithRetry(ctx, batch)
	}
}

// takeLocked pulls items for one batch: first any Low and Normal items that
// have aged past AgingWindow (Low's before Normal's, each in enqueue
// order), then High, Normal and Low, in that order.
func (b *Batcher) takeLocked(target int) []any {
	if target <= 0 {
		target = b.cfg.MinBatch
	}
	now := b.clock.Now()
	var aged []item
	var rest []item

	for p := PriorityLow; p <= PriorityNormal; p++ {
		remaining := b.queues[p][:0]
		for _, it := range b.queues[p] {
			if now.Sub(it.enqueuedAt) >= b.cfg.AgingWindow {
				aged = append(aged, it)
			} else {
				remaining = append(remaining, it)
			}
		}
		b.queues[p] = remaining
	}

	batch := make([]any, 0, target)
	for _, it := range aged {
		if len(batch) >= target {
			rest = append(rest, it)
			continue
		}
		batch = append(batch, it.payload)
	}

	for _, p := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		n := 0
		for _, it := range b.queues[p] {
			if len(batch) >= target {
				b.queues[p] = b.queues[p][n:]
				n = -1
				break
			}
			batch = append(batch, it.payload)
			n++
		}
		if n >= 0 {
			b.queues[p] = b.queues[p][n:]
		}
	}

	// Requeue any aged items that didn't fit, at the front of Normal so
	// they are preferred again next round.
	if len(rest) > 0 {
		b.queues[PriorityNormal] = append(rest, b.queues[PriorityNormal]...)
	}
	return batch
}

func (b *Batcher) flushWithRetry(ctx context.Context, batch []any) {
	start := b.clock.Now()
	err := b.flush(ctx, batch)
	latency := b.clock.Now().Sub(start)
	b.adapt(latency, err == nil)

	if err == nil {
		return
	}
	// requeue once
	err2 := b.flush(ctx, batch)
	if err2 == nil {
		return
	}
	if b.cfg.OnDegraded != nil {
		b.cfg.OnDegraded(fmt.Errorf("batcher: flush failed twice: %w", err2))
	}
}

// adapt nudges currentTarget toward the configured tail latency: a flush
// under target latency grows the batch toward MaxBatch; one over it
// shrinks toward MinBatch. A failed flush always shrinks.
func (b *Batcher) adapt(latency time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case !ok:
		b.currentTarget = max(b.cfg.MinBatch, b.currentTarget/2)
	case latency > b.cfg.TargetLatency:
		b.currentTarget = max(b.cfg.MinBatch, b.currentTarget-b.currentTarget/4-1)
	default:
		b.currentTarget = min(b.cfg.MaxBatch, b.currentTarget+b.currentTarget/4+1)
	}
}
