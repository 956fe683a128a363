package admission

import (
	"context"
	"time"

	"github.com/harborscale/go-harborscale-state/failover"
	"github.com/harborscale/go-harborscale-state/logger"
	"github.com/harborscale/go-harborscale-state/metrics"
	"github.com/harborscale/go-harborscale-state/redis"
)

type Logger = logger.Logger

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Limit is the budget that applied to this caller.
	Limit int
	// Remaining is how much of the budget is left in the current window.
	Remaining int
	// ResetAt is when the current window closes and the budget refills.
	ResetAt time.Time
}

// Limiter is the fixed-window admission engine. Counting normally happens in
// the shared cache so every replica sees one budget; while the cache is
// unreachable it transparently degrades to a per-process table with the same
// algorithm. Admission always degrades, it never errors on cache loss.
type Limiter struct {
	cache      *redis.Connector
	supervisor *failover.Supervisor
	mtx        *metrics.Metrics
	log        Logger
	presets    map[string]Preset
	now        func() time.Time
}

type LimiterOption func(*Limiter)

// WithPresets replaces the default route classes.
func WithPresets(presets map[string]Preset) LimiterOption {
	return func(l *Limiter) {
		l.presets = presets
	}
}

func WithMetrics(m *metrics.Metrics) LimiterOption {
	return func(l *Limiter) {
		l.mtx = m
	}
}

// WithClock overrides the wall clock. Tests only.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		l.now = now
	}
}

func NewLimiter(log Logger, cache *redis.Connector, supervisor *failover.Supervisor, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		cache:      cache,
		supervisor: supervisor,
		log:        log,
		presets:    DefaultPresets(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) counterKey(preset, routeKey, clientID string) string {
	return l.cache.Namespace() + ":admission:" + preset + ":" + routeKey + ":" + clientID
}

func (l *Limiter) banKey(clientID string) string {
	return l.cache.Namespace() + ":admission:ban:" + clientID
}

func (l *Limiter) observe(preset, outcome string) {
	l.mtx.ObserveAdmissionDecision(preset, outcome)
}

// onFallback reports whether counting should use the local table right now.
func (l *Limiter) onFallback() bool {
	return l.supervisor.CurrentBackend() == failover.BackendLocalFallback
}

// degrade flags the cache as gone and hands back the local table.
func (l *Limiter) degrade(ctx context.Context, err error) *failover.Table {
	log := l.log.FromContext(ctx)
	defer log.Close()
	log.Infof("admission degrading to local counting: %v", err)
	l.supervisor.ReportUnavailable()
	return l.supervisor.Table()
}

// Check admits or refuses one request against the named preset. A banned
// caller is refused before any counting. Unknown presets are the only error;
// cache loss degrades to local counting instead of failing.
func (l *Limiter) Check(ctx context.Context, routeKey, clientID string, authenticated bool, preset string) (Decision, error) {
	p, ok := l.presets[preset]
	if !ok {
		return Decision{}, UnknownPresetError(preset)
	}
	limit := p.limitFor(authenticated)
	window := int64(p.WindowSeconds)

	if l.isBanned(ctx, clientID) {
		l.observe(preset, "banned")
		return Decision{Allowed: false, Limit: limit, Remaining: 0, ResetAt: l.now()}, nil
	}

	key := l.counterKey(preset, routeKey, clientID)
	var count, remainingWindow int64
	if l.onFallback() {
		count, remainingWindow = l.supervisor.Table().IncrementWithWindow(key, window)
	} else {
		var err error
		count, remainingWindow, err = l.cache.IncrementWithWindow(ctx, key, window)
		if err != nil {
			count, remainingWindow = l.degrade(ctx, err).IncrementWithWindow(key, window)
		}
	}

	decision := Decision{
		Limit:   limit,
		ResetAt: l.now().Add(time.Duration(remainingWindow) * time.Second),
	}
	if remaining := int64(limit) - count; remaining > 0 {
		decision.Remaining = int(remaining)
	}
	decision.Allowed = count <= int64(limit)

	if decision.Allowed {
		l.observe(preset, "allowed")
	} else {
		l.observe(preset, "limited")
	}
	return decision, nil
}

// Ban refuses a caller outright for the given duration, ahead of any
// counting. The ban is written to the cache and mirrored into the local
// table so it holds through a cache outage. A zero duration bans forever.
func (l *Limiter) Ban(ctx context.Context, clientID string, duration time.Duration, reason string) error {
	l.supervisor.Table().SetMarker(l.banKey(clientID), duration)

	log := l.log.FromContext(ctx)
	defer log.Close()
	log.InfoR("banned", clientID, "reason", reason, "duration", duration.String())

	if l.onFallback() {
		return nil
	}
	// round sub-second bans up: truncating to zero would store the cache
	// marker without expiry and outlive the local mirror
	ttlSeconds := int64(duration / time.Second)
	if duration > 0 && time.Duration(ttlSeconds)*time.Second < duration {
		ttlSeconds++
	}
	_, err := l.cache.SetWithOptions(ctx, l.banKey(clientID), reason, redis.SetOptions{
		TTLSeconds: ttlSeconds,
	})
	if err != nil && redis.IsUnavailable(err) {
		l.supervisor.ReportUnavailable()
		return nil
	}
	return err
}

// Unban lifts a ban everywhere it may be recorded.
func (l *Limiter) Unban(ctx context.Context, clientID string) error {
	l.supervisor.Table().Delete(l.banKey(clientID))
	if l.onFallback() {
		return nil
	}
	_, err := l.cache.Delete(ctx, l.banKey(clientID))
	if err != nil && redis.IsUnavailable(err) {
		l.supervisor.ReportUnavailable()
		return nil
	}
	return err
}

// IsBanned reports whether a caller is currently refused outright.
func (l *Limiter) IsBanned(ctx context.Context, clientID string) bool {
	return l.isBanned(ctx, clientID)
}

func (l *Limiter) isBanned(ctx context.Context, clientID string) bool {
	key := l.banKey(clientID)
	if l.onFallback() {
		return l.supervisor.Table().Exists(key)
	}
	n, err := l.cache.Exists(ctx, key)
	if err != nil {
		return l.degrade(ctx, err).Exists(key)
	}
	return n > 0
}
