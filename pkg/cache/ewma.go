package cache

import "sync"

// ewma is a thread-safe exponentially weighted moving average over a [0,1]
// observation stream (hit=1, miss=0), used to drive TTL decay.
type ewma struct {
	mu    sync.Mutex
	alpha float64
	v     float64
	init  bool
}

func newEWMA(alpha float64) *ewma {
	return &ewma{alpha: alpha}
}

func (e *ewma) observe(x float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.init {
		e.v = x
		e.init = true
		return
	}
	e.v = e.alpha*x + (1-e.alpha)*e.v
}

func (e *ewma) value() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.v
}
