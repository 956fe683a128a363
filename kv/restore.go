package kv

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harborscale/go-harborscale-state/redis"
)

const restoreBatchSize = 256

// Restore rehydrates a store's cache entries from the durable log after a
// cache loss. Records are written in pipelined batches with the remaining
// lifetime recomputed against the wall clock; a record within one second of
// expiry still lands with a one second TTL rather than being written dead.
// Already-expired records are skipped and left for the reaper. Returns how
// many records were written.
func (e *Engine) Restore(ctx context.Context, storeID string) (int64, error) {
	if err := validateStoreID(storeID); err != nil {
		return 0, err
	}
	if err := e.gate(); err != nil {
		return 0, err
	}

	records, err := e.store.FindActive(ctx, storeID)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	now := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	var restored int64
	counts := make(chan int64, (len(records)/restoreBatchSize)+1)

	for start := 0; start < len(records); start += restoreBatchSize {
		end := start + restoreBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		g.Go(func() error {
			var written int64
			_, err := e.cache.Pipelined(gctx, func(pipe redis.Pipeliner) error {
				for _, rec := range batch {
					var ttl time.Duration
					if rec.ExpiresAt != nil {
						remaining := rec.ExpiresAt.Sub(now)
						if remaining <= 0 {
							continue
						}
						ttl = remaining.Round(time.Second)
						if ttl < time.Second {
							ttl = time.Second
						}
					}
					pipe.Set(gctx, e.valueKey(rec.StoreID, rec.Key), rec.Value, ttl)
					if rec.Metadata != nil {
						pipe.Set(gctx, e.metaKey(rec.StoreID, rec.Key), *rec.Metadata, ttl)
					}
					written++
				}
				return nil
			})
			if err != nil {
				return e.cacheErr(err)
			}
			counts <- written
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	close(counts)
	for n := range counts {
		restored += n
	}

	log := e.log.FromContext(ctx)
	defer log.Close()
	log.Infof("restored %d records store=%s", restored, storeID)
	e.mtx.ObserveRestoredRecords(storeID, int(restored))

	return restored, nil
}
