package redis

import (
	"sync"
	"sync/atomic"
)

// Health is the connector's three-state availability signal. The supervisor
// in the failover package keys off transitions between these states.
type Health int32

const (
	HealthReady Health = iota
	HealthDegraded
	HealthUnreachable
)

func (h Health) String() string {
	switch h {
	case HealthReady:
		return "ready"
	case HealthDegraded:
		return "degraded"
	case HealthUnreachable:
		return "unreachable"
	}
	return "unknown"
}

// HealthWatcher observes state transitions. Watchers are invoked synchronously
// on the goroutine that detected the transition so they must not block.
type HealthWatcher func(from, to Health)

const (
	defaultDegradedThreshold = 3
	defaultReadyThreshold    = 2
)

// healthTracker degrades after N consecutive command failures and recovers to
// ready only after M consecutive successful pings. Counters are atomics; the
// mutex guards the watcher list only and is never held across I/O.
type healthTracker struct {
	state                int32
	consecutiveFailures  int32
	consecutiveSuccesses int32

	degradedThreshold int32
	readyThreshold    int32

	mu       sync.Mutex
	watchers []HealthWatcher
}

func newHealthTracker(degradedThreshold, readyThreshold int32) *healthTracker {
	return &healthTracker{
		degradedThreshold: degradedThreshold,
		readyThreshold:    readyThreshold,
	}
}

func (t *healthTracker) current() Health {
	return Health(atomic.LoadInt32(&t.state))
}

func (t *healthTracker) watch(w HealthWatcher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.watchers = append(t.watchers, w)
}

func (t *healthTracker) transition(to Health) {
	from := Health(atomic.SwapInt32(&t.state, int32(to)))
	if from == to {
		return
	}
	t.mu.Lock()
	watchers := make([]HealthWatcher, len(t.watchers))
	copy(watchers, t.watchers)
	t.mu.Unlock()
	for _, w := range watchers {
		w(from, to)
	}
}

// observeFailure is fed every transient command failure. Success of ordinary
// commands resets the failure streak but does not recover the state - only
// pings do that, so a half-working connection cannot flap us back to ready.
func (t *healthTracker) observeFailure() {
	atomic.StoreInt32(&t.consecutiveSuccesses, 0)
	failures := atomic.AddInt32(&t.consecutiveFailures, 1)
	if failures >= t.degradedThreshold && t.current() == HealthReady {
		t.transition(HealthDegraded)
	}
}

func (t *healthTracker) observeSuccess() {
	atomic.StoreInt32(&t.consecutiveFailures, 0)
}

func (t *healthTracker) observePingSuccess() {
	atomic.StoreInt32(&t.consecutiveFailures, 0)
	successes := atomic.AddInt32(&t.consecutiveSuccesses, 1)
	if successes >= t.readyThreshold && t.current() != HealthReady {
		t.transition(HealthReady)
	}
}

// markUnreachable is called when an operation exhausts its retries entirely.
func (t *healthTracker) markUnreachable() {
	atomic.StoreInt32(&t.consecutiveSuccesses, 0)
	t.transition(HealthUnreachable)
}
