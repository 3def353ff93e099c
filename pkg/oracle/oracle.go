// Package oracle implements a periodically polled SOL/USD price with a
// configured cold-start default. Consumers
// read the last successful value; they never block on a fresh poll.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/solgrad/ingestor/pkg/clock"
	"github.com/solgrad/ingestor/pkg/eventbus"
)

// OracleError wraps a failed poll so callers can distinguish it from a
// programming error without string matching.
type OracleError struct {
	Endpoint string
	Err      error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("oracle: poll %s: %v", e.Endpoint, e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }

// Config sizes the poll loop.
type Config struct {
	Endpoint       string
	PollInterval   time.Duration
	RequestTimeout time.Duration
	DefaultUSD     float64

	// The endpoint's response body is parsed as a flat {"price": <float>}
	// document; nested response shapes are not read.
}

// Oracle polls Config.Endpoint on an interval and exposes the last
// successfully observed price.
type Oracle struct {
	cfg    Config
	client *resty.Client
	clock  clock.Clock
	bus    *eventbus.Bus

	current atomic.Uint64 // math.Float64bits of the current price
	onPoll  func(err error)
}

type priceResponse struct {
	Price float64 `json:"price"`
}

// New constructs an Oracle seeded with Config.DefaultUSD.
func New(cfg Config, clk clock.Clock, bus *eventbus.Bus) *Oracle {
	o := &Oracle{
		cfg:    cfg,
		client: resty.New().SetTimeout(cfg.RequestTimeout),
		clock:  clk,
		bus:    bus,
	}
	o.setCurrent(cfg.DefaultUSD)
	return o
}

// WithOnPoll installs a hook invoked after every poll attempt (nil err on
// success); used by tests.
func (o *Oracle) WithOnPoll(fn func(err error)) *Oracle {
	o.onPoll = fn
	return o
}

// Current returns the last successfully observed price, or Config.DefaultUSD
// if no poll has ever succeeded.
func (o *Oracle) Current() float64 {
	return math.Float64frombits(o.current.Load())
}

// Run polls on Config.PollInterval until ctx is done.
func (o *Oracle) Run(ctx context.Context) {
	ticker := o.clock.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			o.pollOnce(ctx)
		}
	}
}

func (o *Oracle) pollOnce(ctx context.Context) {
	resp, err := o.client.R().SetContext(ctx).Get(o.cfg.Endpoint)
	if err != nil {
		o.reportPoll(&OracleError{Endpoint: o.cfg.Endpoint, Err: err})
		return
	}
	if resp.IsError() {
		o.reportPoll(&OracleError{Endpoint: o.cfg.Endpoint, Err: fmt.Errorf("status %d", resp.StatusCode())})
		return
	}
	var parsed priceResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		o.reportPoll(&OracleError{Endpoint: o.cfg.Endpoint, Err: err})
		return
	}
	if parsed.Price <= 0 {
		o.reportPoll(&OracleError{Endpoint: o.cfg.Endpoint, Err: fmt.Errorf("non-positive price %f", parsed.Price)})
		return
	}

	o.setCurrent(parsed.Price)
	o.bus.Publish(eventbus.TopicSolPriceUpdated, parsed.Price)
	o.reportPoll(nil)
}

func (o *Oracle) reportPoll(err error) {
	if o.onPoll != nil {
		o.onPoll(err)
	}
}

func (o *Oracle) setCurrent(v float64) {
	o.current.Store(math.Float64bits(v))
}
