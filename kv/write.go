package kv

import (
	"context"
	"errors"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/multierr"

	"github.com/harborscale/go-harborscale-state/redis"
)

// SetOptions control one kv write.
type SetOptions struct {
	// TTLSeconds of 0 stores without expiry.
	TTLSeconds int64
	// OnlyIfAbsent / OnlyIfPresent are the conditional flags. At most one.
	OnlyIfAbsent  bool
	OnlyIfPresent bool
	// Metadata, when set, is stored at the parallel side-record with an
	// identical TTL. When nil any existing side-record is removed, keeping
	// the two coupled.
	Metadata *string
}

// Written is the typed dual-write result. The cache outcome decides the
// call's success; the durable outcome is reported, never raised.
type Written struct {
	// Applied is false when a conditional write's precondition did not hold.
	// Nothing was mutated in that case.
	Applied bool
	// DurableErr is the best-effort mirror outcome. Non-nil means the cache
	// holds data the durable log does not - durability lag an operator can
	// alarm on via the metrics, not an error for the caller.
	DurableErr error
}

func ttlDuration(seconds int64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// Set writes value (and optionally metadata) under the store's namespace.
// Precondition failure returns Written{Applied: false} and a nil error.
func (e *Engine) Set(ctx context.Context, storeID, key, value string, opts SetOptions) (Written, error) {
	if err := e.validate(storeID, key); err != nil {
		return Written{}, err
	}
	if len(value) > MaxValueBytes {
		return Written{}, ErrValueTooLarge
	}
	if opts.OnlyIfAbsent && opts.OnlyIfPresent {
		return Written{}, redis.ErrBadOptions
	}
	if err := e.gate(); err != nil {
		return Written{}, err
	}

	vkey := e.valueKey(storeID, key)
	mkey := e.metaKey(storeID, key)

	if opts.OnlyIfAbsent || opts.OnlyIfPresent {
		applied, err := e.cache.SetWithOptions(ctx, vkey, value, redis.SetOptions{
			TTLSeconds:    opts.TTLSeconds,
			OnlyIfAbsent:  opts.OnlyIfAbsent,
			OnlyIfPresent: opts.OnlyIfPresent,
		})
		if err != nil {
			return Written{}, e.cacheErr(err)
		}
		if !applied {
			return Written{Applied: false}, nil
		}
		if err := e.coupleMeta(ctx, mkey, opts.Metadata, opts.TTLSeconds); err != nil {
			return Written{Applied: true}, e.cacheErr(err)
		}
	} else {
		// unconditional: value and side-record go out as one batch
		_, err := e.cache.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, vkey, value, ttlDuration(opts.TTLSeconds))
			if opts.Metadata != nil {
				pipe.Set(ctx, mkey, *opts.Metadata, ttlDuration(opts.TTLSeconds))
			} else {
				pipe.Del(ctx, mkey)
			}
			return nil
		})
		if err != nil {
			return Written{}, e.cacheErr(err)
		}
	}

	durableErr := e.mirror(ctx, storeID, key, value, opts.Metadata, expiresAt(opts.TTLSeconds))
	return Written{Applied: true, DurableErr: durableErr}, nil
}

// coupleMeta makes the side-record agree with the value record after a
// conditional write applied.
func (e *Engine) coupleMeta(ctx context.Context, mkey string, metadata *string, ttlSeconds int64) error {
	if metadata != nil {
		_, err := e.cache.SetWithOptions(ctx, mkey, *metadata, redis.SetOptions{TTLSeconds: ttlSeconds})
		return err
	}
	_, err := e.cache.Delete(ctx, mkey)
	return err
}

// BatchEntry is one element of an MSet batch.
type BatchEntry struct {
	Key           string
	Value         string
	Metadata      *string
	TTLSeconds    int64
	OnlyIfAbsent  bool
	OnlyIfPresent bool
}

// MSet submits the batch's value writes as one pipelined payload. The batch
// is one atomic submission but not all-or-nothing: every entry is
// individually attempted, and Applied is true only when every cache op
// succeeded. Durable mirrors are upserted per applied entry afterwards.
func (e *Engine) MSet(ctx context.Context, storeID string, entries []BatchEntry) (Written, error) {
	if err := validateStoreID(storeID); err != nil {
		return Written{}, err
	}
	for _, entry := range entries {
		if err := validateKey(entry.Key); err != nil {
			return Written{}, err
		}
		if len(entry.Value) > MaxValueBytes {
			return Written{}, ErrValueTooLarge
		}
		if entry.OnlyIfAbsent && entry.OnlyIfPresent {
			return Written{}, redis.ErrBadOptions
		}
	}
	if err := e.gate(); err != nil {
		return Written{}, err
	}
	if len(entries) == 0 {
		return Written{Applied: true}, nil
	}

	boolCmds := make([]*goredis.BoolCmd, len(entries))
	statusCmds := make([]*goredis.StatusCmd, len(entries))
	_, err := e.cache.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, entry := range entries {
			vkey := e.valueKey(storeID, entry.Key)
			switch {
			case entry.OnlyIfAbsent:
				boolCmds[i] = pipe.SetNX(ctx, vkey, entry.Value, ttlDuration(entry.TTLSeconds))
			case entry.OnlyIfPresent:
				boolCmds[i] = pipe.SetXX(ctx, vkey, entry.Value, ttlDuration(entry.TTLSeconds))
			default:
				statusCmds[i] = pipe.Set(ctx, vkey, entry.Value, ttlDuration(entry.TTLSeconds))
			}
		}
		return nil
	})
	if err != nil {
		return Written{}, e.cacheErr(err)
	}

	applied := make([]bool, len(entries))
	allApplied := true
	for i := range entries {
		switch {
		case boolCmds[i] != nil:
			ok, cmdErr := boolCmds[i].Result()
			applied[i] = cmdErr == nil && ok
		default:
			applied[i] = statusCmds[i].Err() == nil
		}
		if !applied[i] {
			allApplied = false
		}
	}

	// second batch: couple side-records for the entries that applied
	_, err = e.cache.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, entry := range entries {
			if !applied[i] {
				continue
			}
			mkey := e.metaKey(storeID, entry.Key)
			if entry.Metadata != nil {
				pipe.Set(ctx, mkey, *entry.Metadata, ttlDuration(entry.TTLSeconds))
			} else {
				pipe.Del(ctx, mkey)
			}
		}
		return nil
	})
	if err != nil {
		return Written{Applied: allApplied}, e.cacheErr(err)
	}

	var durableErr error
	for i, entry := range entries {
		if !applied[i] {
			continue
		}
		durableErr = multierr.Append(
			durableErr,
			e.mirror(ctx, storeID, entry.Key, entry.Value, entry.Metadata, expiresAt(entry.TTLSeconds)),
		)
	}

	return Written{Applied: allApplied, DurableErr: durableErr}, nil
}

// mirrorDelete removes the durable records behind a cache delete. Same
// contract as mirror: the failure is logged and counted, then handed back
// for the Written result.
func (e *Engine) mirrorDelete(ctx context.Context, storeID string, keys ...string) error {
	var err error
	if len(keys) == 1 {
		err = e.store.DeleteOne(ctx, storeID, keys[0])
	} else {
		err = e.store.DeleteMany(ctx, storeID, keys)
	}
	if err != nil {
		log := e.log.FromContext(ctx)
		defer log.Close()
		log.Infof("durable delete failed store=%s: %v", storeID, err)
		e.mtx.ObserveDurableWriteFailure(storeID)
	}
	return err
}

// Delete removes the value and its side-record as one batch, then the
// durable mirror best-effort. Applied reports whether the value existed.
func (e *Engine) Delete(ctx context.Context, storeID, key string) (Written, error) {
	if err := e.validate(storeID, key); err != nil {
		return Written{}, err
	}
	if err := e.gate(); err != nil {
		return Written{}, err
	}

	var removed *goredis.IntCmd
	_, err := e.cache.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, e.valueKey(storeID, key))
		pipe.Del(ctx, e.metaKey(storeID, key))
		return nil
	})
	if err != nil {
		return Written{}, e.cacheErr(err)
	}

	n, cmdErr := removed.Result()
	return Written{
		Applied:    cmdErr == nil && n > 0,
		DurableErr: e.mirrorDelete(ctx, storeID, key),
	}, nil
}

// DeleteMany removes a batch of keys (values and side-records) in one
// pipelined payload and returns how many values existed.
func (e *Engine) DeleteMany(ctx context.Context, storeID string, keys []string) (int64, Written, error) {
	if err := validateStoreID(storeID); err != nil {
		return 0, Written{}, err
	}
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return 0, Written{}, err
		}
	}
	if err := e.gate(); err != nil {
		return 0, Written{}, err
	}
	if len(keys) == 0 {
		return 0, Written{Applied: true}, nil
	}

	valueCmds := make([]*goredis.IntCmd, len(keys))
	_, err := e.cache.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			valueCmds[i] = pipe.Del(ctx, e.valueKey(storeID, key))
			pipe.Del(ctx, e.metaKey(storeID, key))
		}
		return nil
	})
	if err != nil {
		return 0, Written{}, e.cacheErr(err)
	}

	var removed int64
	for _, cmd := range valueCmds {
		if n, cmdErr := cmd.Result(); cmdErr == nil {
			removed += n
		}
	}

	return removed, Written{
		Applied:    true,
		DurableErr: e.mirrorDelete(ctx, storeID, keys...),
	}, nil
}

// Incr atomically adds delta to the integer at key. The mirror is refreshed
// with the new value and whatever TTL and metadata already existed.
func (e *Engine) Incr(ctx context.Context, storeID, key string, delta int64) (int64, Written, error) {
	if err := e.validate(storeID, key); err != nil {
		return 0, Written{}, err
	}
	if err := e.gate(); err != nil {
		return 0, Written{}, err
	}

	value, err := e.cache.Increment(ctx, e.valueKey(storeID, key), delta)
	if err != nil {
		return 0, Written{}, e.cacheErr(err)
	}

	written := Written{Applied: true}
	metadata, ttl, err := e.readMetaAndTTL(ctx, storeID, key)
	if err != nil {
		// the increment itself succeeded; mirror without expiry rather than
		// fail the call
		written.DurableErr = e.mirror(ctx, storeID, key, strconv.FormatInt(value, 10), nil, nil)
		return value, written, nil
	}
	written.DurableErr = e.mirror(ctx, storeID, key, strconv.FormatInt(value, 10), metadata, expiresAt(ttl))

	return value, written, nil
}

func (e *Engine) readMetaAndTTL(ctx context.Context, storeID, key string) (*string, int64, error) {
	var metaCmd *goredis.StringCmd
	var ttlCmd *goredis.DurationCmd
	_, err := e.cache.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		metaCmd = pipe.Get(ctx, e.metaKey(storeID, key))
		ttlCmd = pipe.TTL(ctx, e.valueKey(storeID, key))
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	var metadata *string
	if m, cmdErr := metaCmd.Result(); cmdErr == nil {
		metadata = &m
	} else if !errors.Is(cmdErr, goredis.Nil) {
		return nil, 0, cmdErr
	}

	d, cmdErr := ttlCmd.Result()
	if cmdErr != nil {
		return nil, 0, cmdErr
	}
	if d < 0 {
		return metadata, 0, nil
	}
	return metadata, int64(d / time.Second), nil
}

// Expire sets the TTL on the value and its side-record together and refreshes
// the mirror's absolute expiry. Applied is false when the key does not exist.
func (e *Engine) Expire(ctx context.Context, storeID, key string, seconds int64) (Written, error) {
	if err := e.validate(storeID, key); err != nil {
		return Written{}, err
	}
	if seconds <= 0 {
		return Written{}, redis.ErrBadOptions
	}
	if err := e.gate(); err != nil {
		return Written{}, err
	}

	var appliedCmd *goredis.BoolCmd
	var valueCmd, metaCmd *goredis.StringCmd
	_, err := e.cache.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		appliedCmd = pipe.Expire(ctx, e.valueKey(storeID, key), ttlDuration(seconds))
		pipe.Expire(ctx, e.metaKey(storeID, key), ttlDuration(seconds))
		valueCmd = pipe.Get(ctx, e.valueKey(storeID, key))
		metaCmd = pipe.Get(ctx, e.metaKey(storeID, key))
		return nil
	})
	if err != nil {
		return Written{}, e.cacheErr(err)
	}

	applied, cmdErr := appliedCmd.Result()
	if cmdErr != nil || !applied {
		return Written{}, nil
	}

	value, cmdErr := valueCmd.Result()
	if cmdErr != nil {
		// expired between the EXPIRE and the read-back; nothing to mirror
		return Written{Applied: true}, nil
	}
	var metadata *string
	if m, metaErr := metaCmd.Result(); metaErr == nil {
		metadata = &m
	}
	return Written{
		Applied:    true,
		DurableErr: e.mirror(ctx, storeID, key, value, metadata, expiresAt(seconds)),
	}, nil
}

// Persist clears the TTL on the value and its side-record together and nulls
// the mirror's expiry. Applied is false when the key does not exist or had
// no expiry.
func (e *Engine) Persist(ctx context.Context, storeID, key string) (Written, error) {
	if err := e.validate(storeID, key); err != nil {
		return Written{}, err
	}
	if err := e.gate(); err != nil {
		return Written{}, err
	}

	var appliedCmd *goredis.BoolCmd
	var valueCmd, metaCmd *goredis.StringCmd
	_, err := e.cache.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		appliedCmd = pipe.Persist(ctx, e.valueKey(storeID, key))
		pipe.Persist(ctx, e.metaKey(storeID, key))
		valueCmd = pipe.Get(ctx, e.valueKey(storeID, key))
		metaCmd = pipe.Get(ctx, e.metaKey(storeID, key))
		return nil
	})
	if err != nil {
		return Written{}, e.cacheErr(err)
	}

	applied, cmdErr := appliedCmd.Result()
	if cmdErr != nil || !applied {
		return Written{}, nil
	}

	value, cmdErr := valueCmd.Result()
	if cmdErr != nil {
		return Written{Applied: true}, nil
	}
	var metadata *string
	if m, metaErr := metaCmd.Result(); metaErr == nil {
		metadata = &m
	}
	return Written{
		Applied:    true,
		DurableErr: e.mirror(ctx, storeID, key, value, metadata, nil),
	}, nil
}
