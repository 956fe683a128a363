package kv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harborscale/go-harborscale-state/durable"
	"github.com/harborscale/go-harborscale-state/failover"
	"github.com/harborscale/go-harborscale-state/logger"
	"github.com/harborscale/go-harborscale-state/metrics"
	"github.com/harborscale/go-harborscale-state/redis"
)

type Logger = logger.Logger

const (
	metaSuffix = ":meta"

	// MaxKeyBytes is the practical limit on caller-supplied keys.
	MaxKeyBytes = 512
	// MaxValueBytes keeps large binary payloads out of the cache tier; those
	// belong in blob storage.
	MaxValueBytes = 1 << 20

	maxStoreIDBytes = 128
)

// Engine implements the hosted key/value contract over the cache connector,
// mirroring successful mutations into the durable adapter.
type Engine struct {
	cache      *redis.Connector
	store      durable.Adapter
	supervisor *failover.Supervisor
	mtx        *metrics.Metrics
	log        Logger
}

type EngineOption func(*Engine)

func WithSupervisor(s *failover.Supervisor) EngineOption {
	return func(e *Engine) {
		e.supervisor = s
	}
}

func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.mtx = m
	}
}

func NewEngine(log Logger, cache *redis.Connector, store durable.Adapter, opts ...EngineOption) *Engine {
	e := &Engine{
		cache: cache,
		store: store,
		log:   log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Log() Logger {
	return e.log
}

// storePrefix is the namespace every key of the store lives under.
func (e *Engine) storePrefix(storeID string) string {
	return e.cache.Namespace() + ":" + storeID + ":"
}

func (e *Engine) valueKey(storeID, key string) string {
	return e.storePrefix(storeID) + key
}

func (e *Engine) metaKey(storeID, key string) string {
	return e.valueKey(storeID, key) + metaSuffix
}

func validateStoreID(storeID string) error {
	if storeID == "" {
		return InvalidStoreError(storeID, "empty")
	}
	if len(storeID) > maxStoreIDBytes {
		return InvalidStoreError(storeID, "too long")
	}
	if strings.Contains(storeID, ":") {
		return InvalidStoreError(storeID, "must not contain ':'")
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return InvalidKeyError(key, "empty")
	}
	if len(key) > MaxKeyBytes {
		return InvalidKeyError(key, "exceeds 512 bytes")
	}
	if strings.HasSuffix(key, metaSuffix) {
		return InvalidKeyError(key, "the ':meta' suffix is reserved")
	}
	return nil
}

func (e *Engine) validate(storeID, key string) error {
	if err := validateStoreID(storeID); err != nil {
		return err
	}
	return validateKey(key)
}

// gate fails fast while the supervisor routes to the local fallback. There is
// no local substitute for the kv tier, so the only honest answer is
// unavailable.
func (e *Engine) gate() error {
	if e.supervisor != nil && e.supervisor.CurrentBackend() == failover.BackendLocalFallback {
		return fmt.Errorf("%w: backend is in local fallback", ErrCacheUnavailable)
	}
	return nil
}

// cacheErr converts connector unavailability into the kv taxonomy and tells
// the supervisor. Everything else passes through untouched.
func (e *Engine) cacheErr(err error) error {
	if err == nil {
		return nil
	}
	if redis.IsUnavailable(err) {
		if e.supervisor != nil {
			e.supervisor.ReportUnavailable()
		}
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return err
}

// expiresAt converts a relative TTL into the absolute expiry the durable
// mirror stores. Zero TTL means no expiry.
func expiresAt(ttlSeconds int64) *time.Time {
	if ttlSeconds <= 0 {
		return nil
	}
	t := time.Now().Add(time.Duration(ttlSeconds) * time.Second).UTC()
	return &t
}

// mirror upserts the durable record for a successful cache write. Failures
// are recorded, counted and swallowed: the cache is the source of truth for
// reads and the call has already succeeded.
func (e *Engine) mirror(ctx context.Context, storeID, key, value string, metadata *string, expiry *time.Time) error {
	err := e.store.Upsert(ctx, durable.Record{
		StoreID:   storeID,
		Key:       key,
		Value:     value,
		Metadata:  metadata,
		ExpiresAt: expiry,
	})
	if err != nil {
		log := e.log.FromContext(ctx)
		defer log.Close()
		log.Infof("durable mirror write failed store=%s key=%s: %v", storeID, key, err)
		e.mtx.ObserveDurableWriteFailure(storeID)
	}
	return err
}
