package feed

import (
	"context"
	"fmt"
	"sync"
)

// FakeSource is a scripted, in-memory Source for tests.
type FakeSource struct {
	mu   sync.Mutex
	subs map[string]*fakeSubscription

	// Failing connections have Subscribe return err immediately; used by
	// supervisor tests to drive circuit-breaker transitions.
	failing map[string]error
}

// NewFakeSource constructs an empty FakeSource.
func NewFakeSource() *FakeSource {
	return &FakeSource{
		subs:    make(map[string]*fakeSubscription),
		failing: make(map[string]error),
	}
}

var _ Source = (*FakeSource)(nil)

// Subscribe opens (or reopens) the named connection's subscription.
func (f *FakeSource) Subscribe(ctx context.Context, connectionID string, programIDs []string, subscriptionIDs []string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failing[connectionID]; ok {
		return nil, err
	}
	sub := &fakeSubscription{ch: make(chan *ConfirmedTransaction, 256), done: make(chan struct{})}
	f.subs[connectionID] = sub
	return sub, nil
}

// Push enqueues tx onto connectionID's subscription. It returns an error if
// the connection has no subscription or its subscription has been closed.
func (f *FakeSource) Push(connectionID string, tx *ConfirmedTransaction) error {
	f.mu.Lock()
	sub, ok := f.subs[connectionID]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("feed: no open subscription for connection %s", connectionID)
	}
	select {
	case sub.ch <- tx:
		return nil
	case <-sub.done:
		return fmt.Errorf("feed: subscription for connection %s is closed", connectionID)
	}
}

// SetFailing makes every Subscribe call for connectionID return err until
// it is cleared. Pass nil to clear.
func (f *FakeSource) SetFailing(connectionID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failing, connectionID)
		return
	}
	f.failing[connectionID] = err
}

type fakeSubscription struct {
	ch   chan *ConfirmedTransaction
	done chan struct{}
	once sync.Once
}

func (s *fakeSubscription) Recv(ctx context.Context) (*ConfirmedTransaction, error) {
	select {
	case tx, ok := <-s.ch:
		if !ok {
			return nil, fmt.Errorf("feed: subscription closed")
		}
		return tx, nil
	case <-s.done:
		return nil, fmt.Errorf("feed: subscription closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
