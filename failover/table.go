package failover

import (
	"context"
	"sync"
	"time"
)

const DefaultSweepInterval = 60 * time.Second

type entry struct {
	count     int64
	expiresAt time.Time
	hasExpiry bool
}

func (e *entry) expired(now time.Time) bool {
	return e.hasExpiry && !e.expiresAt.After(now)
}

// Table is a single-process substitute for the cache's counters and markers,
// used only while the supervisor reports the cache unreachable. It implements
// the identical fixed-window algorithm; what it cannot offer is
// cross-instance agreement, which is the documented trade-off of degraded
// mode. One mutex guards the map and is never held across I/O (there is
// none).
type Table struct {
	log Logger

	mu      sync.Mutex
	entries map[string]*entry

	sweepInterval time.Duration
	now           func() time.Time
}

type TableOption func(*Table)

func WithSweepInterval(d time.Duration) TableOption {
	return func(t *Table) {
		t.sweepInterval = d
	}
}

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) TableOption {
	return func(t *Table) {
		t.now = now
	}
}

func NewTable(log Logger, opts ...TableOption) *Table {
	t := &Table{
		log:           log,
		entries:       make(map[string]*entry),
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// IncrementWithWindow mirrors the connector's script: increment, arming the
// window TTL only when the entry is created. Returns the count and remaining
// window seconds.
func (t *Table) IncrementWithWindow(key string, windowSeconds int64) (int64, int64) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok || e.expired(now) {
		e = &entry{
			expiresAt: now.Add(time.Duration(windowSeconds) * time.Second),
			hasExpiry: true,
		}
		t.entries[key] = e
	}
	e.count++
	remaining := int64(e.expiresAt.Sub(now) / time.Second)
	if remaining < 1 {
		remaining = 1
	}
	return e.count, remaining
}

// SetMarker stores a presence marker (ban records). A zero ttl stores it
// without expiry.
func (t *Table) SetMarker(key string, ttl time.Duration) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	e := &entry{count: 1}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
		e.hasExpiry = true
	}
	t.entries[key] = e
}

// Exists reports marker presence, treating expired entries as absent.
func (t *Table) Exists(key string) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return false
	}
	if e.expired(now) {
		delete(t.entries, key)
		return false
	}
	return true
}

func (t *Table) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// Len reports the live entry count, expired entries included until the next
// sweep.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Run sweeps expired entries until ctx is cancelled.
func (t *Table) Run(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Sweep()
			}
		}
	}()
}

// Sweep removes every expired entry.
func (t *Table) Sweep() {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	purged := 0
	for key, e := range t.entries {
		if e.expired(now) {
			delete(t.entries, key)
			purged++
		}
	}
	if purged > 0 {
		t.log.Debugf("fallback table sweep purged %d entries", purged)
	}
}
