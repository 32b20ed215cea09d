package orchestrator

import (
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
)

var errBudgetExhausted = eris.New("run budget exhausted")

// runBudget caps the network calls and wall-clock time of one run. It is
// shared by all workers.
type runBudget struct {
	maxCalls int64
	deadline time.Time
	calls    atomic.Int64
	now      func() time.Time
}

func newRunBudget(maxCalls int64, maxDuration time.Duration, start time.Time, now func() time.Time) *runBudget {
	b := &runBudget{maxCalls: maxCalls, now: now}
	if maxDuration > 0 {
		b.deadline = start.Add(maxDuration)
	}
	return b
}

// expired reports whether the run's wall-clock budget is spent.
func (b *runBudget) expired() bool {
	return !b.deadline.IsZero() && !b.now().Before(b.deadline)
}

// exhausted reports whether no further network calls may start.
func (b *runBudget) exhausted() bool {
	return b.expired() || (b.maxCalls > 0 && b.calls.Load() >= b.maxCalls)
}

// take reserves one call, returning false once the budget is spent.
func (b *runBudget) take() bool {
	if b.expired() {
		return false
	}
	if b.maxCalls <= 0 {
		b.calls.Add(1)
		return true
	}
	for {
		n := b.calls.Load()
		if n >= b.maxCalls {
			return false
		}
		if b.calls.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (b *runBudget) used() int64 {
	return b.calls.Load()
}
