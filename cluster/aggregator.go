package cluster

import (
	"sync"
	"time"
)

// Aggregator sums Signals for one role and emits the running total once a
// burst has been quiet for the debounce window. Each signal cancels the
// pending emission and schedules a new one.
type Aggregator struct {
	window time.Duration
	emit   func(count int)

	mu         sync.Mutex
	count      int
	timer      *time.Timer
	generation uint64
	stopped    bool
}

// NewAggregator creates an aggregator starting from count 0.
func NewAggregator(window time.Duration, emit func(count int)) *Aggregator {
	return &Aggregator{window: window, emit: emit}
}

// Signal adds delta to the total and reschedules the emission. The total
// never drops below zero.
func (a *Aggregator) Signal(delta int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}

	a.count = max(0, a.count+delta)
	if a.timer != nil {
		a.timer.Stop()
	}
	a.generation++
	gen := a.generation
	a.timer = time.AfterFunc(a.window, func() { a.fire(gen) })
}

func (a *Aggregator) fire(gen uint64) {
	a.mu.Lock()
	// a timer that fired while being replaced is stale
	if gen != a.generation || a.stopped {
		a.mu.Unlock()
		return
	}
	count := a.count
	a.timer = nil
	a.mu.Unlock()

	a.emit(count)
}

// Count returns the current total.
func (a *Aggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Stop cancels any pending emission.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
	}
}
