// Package failover decides whether request-path operations run against the
// distributed cache or a local in-process table, based on the cache
// connector's health. Falling back trades cross-instance consistency for
// availability; that trade is deliberate and only the admission engine takes
// it. The kv engine never falls back - there is no safe local substitute for
// reads of tenant data.
package failover

import (
	"context"
	"sync/atomic"

	"github.com/harborscale/go-harborscale-state/logger"
	"github.com/harborscale/go-harborscale-state/metrics"
	"github.com/harborscale/go-harborscale-state/redis"
)

type Logger = logger.Logger

type Backend int32

const (
	BackendCache Backend = iota
	BackendLocalFallback
)

func (b Backend) String() string {
	switch b {
	case BackendCache:
		return "cache"
	case BackendLocalFallback:
		return "local-fallback"
	}
	return "unknown"
}

// Supervisor tracks the active backend. It flips to the local fallback the
// moment the connector is unreachable and returns to the cache only once the
// connector reports ready - a merely degraded connector is not trusted, to
// avoid flapping between backends.
type Supervisor struct {
	log     Logger
	backend int32
	table   *Table
	mtx     *metrics.Metrics

	onTransition func(from, to Backend)
}

type SupervisorOption func(*Supervisor)

func WithTransitionObserver(fn func(from, to Backend)) SupervisorOption {
	return func(s *Supervisor) {
		s.onTransition = fn
	}
}

func WithTable(table *Table) SupervisorOption {
	return func(s *Supervisor) {
		s.table = table
	}
}

// WithMetrics counts connector health and backend transitions as the
// supervisor observes them.
func WithMetrics(m *metrics.Metrics) SupervisorOption {
	return func(s *Supervisor) {
		s.mtx = m
	}
}

// NewSupervisor subscribes to the connector's health transitions. The
// supervisor starts on the cache backend unless the connector is already
// unreachable.
func NewSupervisor(log Logger, connector *redis.Connector, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{log: log}
	for _, opt := range opts {
		opt(s)
	}
	if s.table == nil {
		s.table = NewTable(log)
	}
	if connector != nil {
		if connector.Health() == redis.HealthUnreachable {
			s.backend = int32(BackendLocalFallback)
		}
		connector.WatchHealth(s.onHealth)
	}
	return s
}

func (s *Supervisor) CurrentBackend() Backend {
	return Backend(atomic.LoadInt32(&s.backend))
}

// Table is the in-process fallback state shared by everything routed through
// this supervisor.
func (s *Supervisor) Table() *Table {
	return s.table
}

// ReportUnavailable lets an engine force the fallback on an ErrUnavailable it
// observed in-band, without waiting for the health tracker to catch up.
func (s *Supervisor) ReportUnavailable() {
	s.transition(BackendLocalFallback)
}

func (s *Supervisor) onHealth(from, to redis.Health) {
	s.mtx.ObserveHealthTransition(from.String(), to.String())
	switch to {
	case redis.HealthUnreachable:
		s.transition(BackendLocalFallback)
	case redis.HealthReady:
		s.transition(BackendCache)
	case redis.HealthDegraded:
		// degraded is not unreachable: keep whatever backend we are on
	}
}

func (s *Supervisor) transition(to Backend) {
	from := Backend(atomic.SwapInt32(&s.backend, int32(to)))
	if from == to {
		return
	}
	s.log.Infof("backend transition %s -> %s", from, to)
	s.mtx.ObserveBackendTransition(from.String(), to.String())
	if s.onTransition != nil {
		s.onTransition(from, to)
	}
}

// Run starts the fallback table's expiry sweep; the in-process table has no
// native TTL so expired entries are purged periodically.
func (s *Supervisor) Run(ctx context.Context) {
	s.table.Run(ctx)
}
