package durable

import (
	"context"
	"time"

	"github.com/harborscale/go-harborscale-state/metrics"
)

const DefaultReapInterval = 5 * time.Minute

// Reaper periodically purges durable records whose expiry has passed. The
// cache forgets expired entries on its own; the mirror needs this sweep or it
// grows without bound.
type Reaper struct {
	adapter  Adapter
	interval time.Duration
	log      Logger
	mtx      *metrics.Metrics

	// onPurge, when set, observes each sweep's purge count.
	onPurge func(purged int64)
}

type ReaperOption func(*Reaper)

func WithReapInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

func WithPurgeObserver(fn func(purged int64)) ReaperOption {
	return func(r *Reaper) {
		r.onPurge = fn
	}
}

// WithMetrics counts purged records per sweep.
func WithMetrics(m *metrics.Metrics) ReaperOption {
	return func(r *Reaper) {
		r.mtx = m
	}
}

func NewReaper(log Logger, adapter Adapter, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		adapter:  adapter,
		interval: DefaultReapInterval,
		log:      log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps until ctx is cancelled. Sweep failures are logged and the loop
// carries on; a missed sweep only delays reclamation.
func (r *Reaper) Run(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs one purge pass.
func (r *Reaper) Sweep(ctx context.Context) {
	log := r.log.FromContext(ctx)
	defer log.Close()

	purged, err := r.adapter.DeleteExpired(ctx)
	if err != nil {
		log.Infof("reaper sweep failed: %v", err)
		return
	}
	if purged > 0 {
		log.Infof("reaper purged %d expired records", purged)
	}
	r.mtx.ObserveReaperPurge(purged)
	if r.onPurge != nil {
		r.onPurge(purged)
	}
}
