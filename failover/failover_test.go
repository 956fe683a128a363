package failover

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborscale/go-harborscale-state/logger"
	"github.com/harborscale/go-harborscale-state/metrics"
	"github.com/harborscale/go-harborscale-state/redis"
)

// fakeClock is a hand-cranked time source for table tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTableFixedWindow(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	table := NewTable(logger.Sugar, WithClock(clock.Now))

	count, remaining := table.IncrementWithWindow("r:ip1", 60)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, int64(60), remaining)

	// a later increment must not re-arm the window
	clock.Advance(10 * time.Second)
	count, remaining = table.IncrementWithWindow("r:ip1", 60)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, int64(50), remaining)

	// window closes, counter restarts
	clock.Advance(51 * time.Second)
	count, remaining = table.IncrementWithWindow("r:ip1", 60)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, int64(60), remaining)
}

func TestTableMarkers(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	table := NewTable(logger.Sugar, WithClock(clock.Now))

	table.SetMarker("ban:ip9", time.Second)
	assert.True(t, table.Exists("ban:ip9"))

	clock.Advance(1100 * time.Millisecond)
	assert.False(t, table.Exists("ban:ip9"))

	table.SetMarker("ban:ip9", 0)
	clock.Advance(24 * time.Hour)
	assert.True(t, table.Exists("ban:ip9"), "no-expiry marker survives")

	table.Delete("ban:ip9")
	assert.False(t, table.Exists("ban:ip9"))
}

func TestTableSweepPurgesExpired(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	table := NewTable(logger.Sugar, WithClock(clock.Now))

	table.SetMarker("a", time.Second)
	table.SetMarker("b", time.Minute)
	table.SetMarker("c", 0)
	require.Equal(t, 3, table.Len())

	clock.Advance(2 * time.Second)
	table.Sweep()

	assert.Equal(t, 2, table.Len())
	assert.False(t, table.Exists("a"))
	assert.True(t, table.Exists("b"))
	assert.True(t, table.Exists("c"))
}

func TestSupervisorTransitions(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	c, err := redis.NewConnector(redis.NewConfig(logger.Sugar, "unittest", "unused:6379"))
	require.NoError(t, err)

	var transitions [][2]Backend
	s := NewSupervisor(logger.Sugar, c, WithTransitionObserver(func(from, to Backend) {
		transitions = append(transitions, [2]Backend{from, to})
	}))

	require.Equal(t, BackendCache, s.CurrentBackend())

	s.ReportUnavailable()
	assert.Equal(t, BackendLocalFallback, s.CurrentBackend())

	// reporting again is idempotent, no duplicate transition
	s.ReportUnavailable()
	assert.Len(t, transitions, 1)
}

func TestSupervisorCountsTransitions(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	c, err := redis.NewConnector(redis.NewConfig(logger.Sugar, "unittest", "unused:6379"))
	require.NoError(t, err)

	m := metrics.New(logger.Sugar, "statetest", "0")
	s := NewSupervisor(logger.Sugar, c, WithMetrics(m))

	s.onHealth(redis.HealthReady, redis.HealthUnreachable)
	require.Equal(t, BackendLocalFallback, s.CurrentBackend())
	s.onHealth(redis.HealthUnreachable, redis.HealthReady)
	require.Equal(t, BackendCache, s.CurrentBackend())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `state_cache_health_transitions_total{from="ready",to="unreachable"} 1`)
	assert.Contains(t, body, `state_backend_transitions_total{from="cache",to="local-fallback"} 1`)
	assert.Contains(t, body, `state_backend_transitions_total{from="local-fallback",to="cache"} 1`)
}

func TestSupervisorFollowsHealth(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	mr := miniredis.RunT(t)
	c, err := redis.NewConnector(
		redis.NewConfig(logger.Sugar, "unittest", mr.Addr()),
		redis.WithMaxRetries(1),
		redis.WithBackoff(time.Millisecond, 2*time.Millisecond),
	)
	require.NoError(t, err)

	s := NewSupervisor(logger.Sugar, c)
	require.Equal(t, BackendCache, s.CurrentBackend())

	// sever the connection; the next operation exhausts its retries, the
	// connector goes unreachable and the supervisor must follow
	mr.Close()
	_, _, err = c.Get(context.TODO(), "k")
	require.Error(t, err)
	require.True(t, redis.IsUnavailable(err))

	assert.Equal(t, BackendLocalFallback, s.CurrentBackend())
}
