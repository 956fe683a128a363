package kv

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/harborscale/go-harborscale-state/redis"
)

// EntryInfo carries a value with its side-record and remaining lifetime.
type EntryInfo struct {
	Value    string
	Metadata *string
	// TTLSeconds is -1 when the entry has no expiry.
	TTLSeconds int64
}

// Get returns the value at key. The found flag distinguishes absence from
// the empty string; unavailability is an error, never a miss.
func (e *Engine) Get(ctx context.Context, storeID, key string) (string, bool, error) {
	if err := e.validate(storeID, key); err != nil {
		return "", false, err
	}
	if err := e.gate(); err != nil {
		return "", false, err
	}

	value, found, err := e.cache.Get(ctx, e.valueKey(storeID, key))
	if err != nil {
		return "", false, e.cacheErr(err)
	}
	return value, found, nil
}

// GetWithMeta returns the value, its side-record and remaining TTL in one
// batched read.
func (e *Engine) GetWithMeta(ctx context.Context, storeID, key string) (EntryInfo, bool, error) {
	if err := e.validate(storeID, key); err != nil {
		return EntryInfo{}, false, err
	}
	if err := e.gate(); err != nil {
		return EntryInfo{}, false, err
	}

	var valueCmd, metaCmd *goredis.StringCmd
	var ttlCmd *goredis.DurationCmd
	_, err := e.cache.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		valueCmd = pipe.Get(ctx, e.valueKey(storeID, key))
		metaCmd = pipe.Get(ctx, e.metaKey(storeID, key))
		ttlCmd = pipe.TTL(ctx, e.valueKey(storeID, key))
		return nil
	})
	if err != nil {
		return EntryInfo{}, false, e.cacheErr(err)
	}

	value, cmdErr := valueCmd.Result()
	if errors.Is(cmdErr, goredis.Nil) {
		return EntryInfo{}, false, nil
	}
	if cmdErr != nil {
		return EntryInfo{}, false, e.cacheErr(redis.DoError(cmdErr, "GET"))
	}

	info := EntryInfo{Value: value, TTLSeconds: -1}
	if m, metaErr := metaCmd.Result(); metaErr == nil {
		info.Metadata = &m
	}
	if d, ttlErr := ttlCmd.Result(); ttlErr == nil && d > 0 {
		info.TTLSeconds = int64(d / time.Second)
	}
	return info, true, nil
}

// MGet returns values for keys in request order. Absent keys yield nil
// entries rather than shrinking the result.
func (e *Engine) MGet(ctx context.Context, storeID string, keys []string) ([]*string, error) {
	if err := validateStoreID(storeID); err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return nil, err
		}
	}
	if err := e.gate(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []*string{}, nil
	}

	cmds := make([]*goredis.StringCmd, len(keys))
	_, err := e.cache.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.Get(ctx, e.valueKey(storeID, key))
		}
		return nil
	})
	if err != nil {
		return nil, e.cacheErr(err)
	}

	values := make([]*string, len(keys))
	for i, cmd := range cmds {
		v, cmdErr := cmd.Result()
		if errors.Is(cmdErr, goredis.Nil) {
			continue
		}
		if cmdErr != nil {
			// absence is the only permitted nil entry; anything else must
			// surface, not read as "key absent"
			return nil, e.cacheErr(redis.DoError(cmdErr, "MGET"))
		}
		values[i] = &v
	}
	return values, nil
}

// TTL reports the remaining lifetime of key in seconds. -1 means no expiry;
// found is false when the key does not exist.
func (e *Engine) TTL(ctx context.Context, storeID, key string) (int64, bool, error) {
	if err := e.validate(storeID, key); err != nil {
		return 0, false, err
	}
	if err := e.gate(); err != nil {
		return 0, false, err
	}

	ttl, err := e.cache.TTLSeconds(ctx, e.valueKey(storeID, key))
	if err != nil {
		return 0, false, e.cacheErr(err)
	}
	switch ttl {
	case redis.TTLNoKey:
		return 0, false, nil
	case redis.TTLNoExpiry:
		return -1, true, nil
	}
	return ttl, true, nil
}

// Page is one screenful of a List traversal.
type Page struct {
	// Keys are bare user keys, the store prefix stripped.
	Keys []string
	// Cursor resumes the traversal; 0 once HasMore is false.
	Cursor uint64
	// HasMore reports whether another page may exist. Pages can be shorter
	// than the requested count, or even empty, while HasMore stays true.
	HasMore bool
}

// globEscape neutralises redis glob metacharacters so user prefixes match
// literally.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// List pages through the keys of a store matching prefix. Traversal order is
// unspecified and side-records never appear in the results.
func (e *Engine) List(ctx context.Context, storeID, prefix string, cursor uint64, count int64) (Page, error) {
	if err := validateStoreID(storeID); err != nil {
		return Page{}, err
	}
	if err := e.gate(); err != nil {
		return Page{}, err
	}
	if count <= 0 {
		count = 100
	}

	pattern := globEscape(e.storePrefix(storeID)+prefix) + "*"
	keys, next, err := e.cache.Scan(ctx, pattern, cursor, count)
	if err != nil {
		return Page{}, e.cacheErr(err)
	}

	page := Page{Cursor: next, HasMore: next != 0}
	trim := e.storePrefix(storeID)
	for _, k := range keys {
		if strings.HasSuffix(k, metaSuffix) {
			continue
		}
		page.Keys = append(page.Keys, strings.TrimPrefix(k, trim))
	}
	return page, nil
}
