// Package durable is the write-behind durability log under the kv engine.
// The cache is the sole source of truth for reads; records here exist only to
// reconstruct the cache after loss and may lag a write by one round trip.
package durable

import (
	"context"
	"time"

	"github.com/harborscale/go-harborscale-state/logger"
)

type Logger = logger.Logger

// Record mirrors one cache entry, identified by (StoreID, Key).
type Record struct {
	StoreID  string
	Key      string
	Value    string
	Metadata *string
	// ExpiresAt nil means the entry never expires. A record whose ExpiresAt
	// has passed is dead weight until the reaper purges it; FindActive never
	// returns it.
	ExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Adapter is the narrow CRUD surface the kv engine consumes. Schema and
// migrations are the implementation's concern, not the engine's.
type Adapter interface {
	Upsert(ctx context.Context, rec Record) error
	FindActive(ctx context.Context, storeID string) ([]Record, error)
	DeleteOne(ctx context.Context, storeID, key string) error
	DeleteMany(ctx context.Context, storeID string, keys []string) error
	// DeleteExpired sweeps every store and reports how many records it
	// removed. Natural cache-side expiry never deletes the mirror; only this
	// does.
	DeleteExpired(ctx context.Context) (int64, error)
	Close() error
}
