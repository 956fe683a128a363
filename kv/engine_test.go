package kv

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborscale/go-harborscale-state/durable"
	"github.com/harborscale/go-harborscale-state/failover"
	"github.com/harborscale/go-harborscale-state/logger"
	"github.com/harborscale/go-harborscale-state/redis"
)

// newTestEngine wires an engine against a fresh miniredis and a throwaway
// sqlite file.
func newTestEngine(t *testing.T, log Logger, opts ...EngineOption) (*Engine, *miniredis.Miniredis, *durable.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	conn, err := redis.NewConnector(redis.NewConfig(log, "unittest", mr.Addr()))
	require.NoError(t, err)
	store, err := durable.Open(log, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewEngine(log, conn, store, opts...), mr, store
}

func strptr(s string) *string { return &s }

func TestSetIsIdempotent(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	e, _, store := newTestEngine(t, logger.Sugar)
	ctx := context.TODO()

	for i := 0; i < 2; i++ {
		w, err := e.Set(ctx, "orders", "greeting", "hello", SetOptions{})
		require.NoError(t, err)
		assert.True(t, w.Applied)
		assert.NoError(t, w.DurableErr)
	}

	value, found, err := e.Get(ctx, "orders", "greeting")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "hello", value)

	// one row, not two
	recs, err := store.FindActive(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "hello", recs[0].Value)
}

func TestGetDistinguishesAbsence(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	e, _, _ := newTestEngine(t, logger.Sugar)

	value, found, err := e.Get(context.TODO(), "orders", "nothing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "", value)
}

func TestConditionalWrites(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	e, _, _ := newTestEngine(t, logger.Sugar)
	ctx := context.TODO()

	tables := []struct {
		subtest string
		prime   bool
		opts    SetOptions
		applied bool
	}{
		{"absent+nx applies", false, SetOptions{OnlyIfAbsent: true}, true},
		{"present+nx refused", true, SetOptions{OnlyIfAbsent: true}, false},
		{"absent+xx refused", false, SetOptions{OnlyIfPresent: true}, false},
		{"present+xx applies", true, SetOptions{OnlyIfPresent: true}, true},
	}
	for i, table := range tables {
		t.Run(table.subtest, func(t *testing.T) {
			key := fmt.Sprintf("cond-%d", i)
			if table.prime {
				_, err := e.Set(ctx, "orders", key, "old", SetOptions{})
				require.NoError(t, err)
			}
			w, err := e.Set(ctx, "orders", key, "new", table.opts)
			require.NoError(t, err)
			assert.Equal(t, table.applied, w.Applied)

			if !table.applied && table.prime {
				value, _, err := e.Get(ctx, "orders", key)
				require.NoError(t, err)
				assert.Equal(t, "old", value, "refused write must not mutate")
			}
		})
	}

	_, err := e.Set(ctx, "orders", "both", "v", SetOptions{OnlyIfAbsent: true, OnlyIfPresent: true})
	assert.ErrorIs(t, err, redis.ErrBadOptions)
}

func TestMetadataSharesLifetime(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	e, mr, _ := newTestEngine(t, logger.Sugar)
	ctx := context.TODO()

	w, err := e.Set(ctx, "sessions", "sess1", "payload", SetOptions{
		TTLSeconds: 30,
		Metadata:   strptr(`{"ua":"curl"}`),
	})
	require.NoError(t, err)
	require.True(t, w.Applied)

	info, found, err := e.GetWithMeta(ctx, "sessions", "sess1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "payload", info.Value)
	require.NotNil(t, info.Metadata)
	assert.Equal(t, `{"ua":"curl"}`, *info.Metadata)
	assert.Equal(t, int64(30), info.TTLSeconds)

	mr.FastForward(31 * time.Second)

	_, found, err = e.GetWithMeta(ctx, "sessions", "sess1")
	require.NoError(t, err)
	assert.False(t, found, "value and metadata expire together")
}

func TestOverwriteClearsStaleMetadata(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	e, _, _ := newTestEngine(t, logger.Sugar)
	ctx := context.TODO()

	_, err := e.Set(ctx, "orders", "k", "v1", SetOptions{Metadata: strptr("m1")})
	require.NoError(t, err)
	_, err = e.Set(ctx, "orders", "k", "v2", SetOptions{})
	require.NoError(t, err)

	info, found, err := e.GetWithMeta(ctx, "orders", "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", info.Value)
	assert.Nil(t, info.Metadata)
}

func TestIncrReadsBackAsString(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	e, _, store := newTestEngine(t, logger.Sugar)
	ctx := context.TODO()

	w, err := e.Set(ctx, "counters", "hits", "1", SetOptions{})
	require.NoError(t, err)
	require.True(t, w.Applied)

	n, w, err := e.Incr(ctx, "counters", "hits", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.True(t, w.Applied)
	assert.NoError(t, w.DurableErr)

	value, found, err := e.Get(ctx, "counters", "hits")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "5", value)

	recs, err := store.FindActive(ctx, "counters")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "5", recs[0].Value)
}

func TestMSetAppliedOnlyWhenAllApply(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	e, _, _ := newTestEngine(t, logger.Sugar)
	ctx := context.TODO()

	_, err := e.Set(ctx, "orders", "taken", "old", SetOptions{})
	require.NoError(t, err)

	w, err := e.MSet(ctx, "orders", []BatchEntry{
		{Key: "a", Value: "1"},
		{Key: "taken", Value: "new", OnlyIfAbsent: true},
		{Key: "b", Value: "2", Metadata: strptr("meta-b")},
	})
	require.NoError(t, err)
	assert.False(t, w.Applied, "one refused entry fails the batch flag")

	// the refused entry did not mutate, the others landed
	value, _, err := e.Get(ctx, "orders", "taken")
	require.NoError(t, err)
	assert.Equal(t, "old", value)

	values, err := e.MGet(ctx, "orders", []string{"a", "b", "missing"})
	require.NoError(t, err)
	require.Len(t, values, 3)
	require.NotNil(t, values[0])
	assert.Equal(t, "1", *values[0])
	require.NotNil(t, values[1])
	assert.Equal(t, "2", *values[1])
	assert.Nil(t, values[2])
}

func TestMGetSurfacesCommandErrors(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	e, mr, _ := newTestEngine(t, logger.Sugar)
	ctx := context.TODO()

	_, err := e.Set(ctx, "orders", "good", "v", SetOptions{})
	require.NoError(t, err)
	// a wrong-typed entry planted under our namespace makes GET fail with a
	// server error, which must not read as "key absent"
	mr.HSet("unittest:orders:clash", "field", "v")

	_, err = e.MGet(ctx, "orders", []string{"good", "clash"})
	require.Error(t, err)
	assert.False(t, IsCacheUnavailable(err), "a server error is not unavailability")
}

func TestDeleteRemovesMirror(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	e, _, store := newTestEngine(t, logger.Sugar)
	ctx := context.TODO()

	_, err := e.Set(ctx, "orders", "doomed", "v", SetOptions{Metadata: strptr("m")})
	require.NoError(t, err)

	w, err := e.Delete(ctx, "orders", "doomed")
	require.NoError(t, err)
	assert.True(t, w.Applied)
	assert.NoError(t, w.DurableErr)

	w, err = e.Delete(ctx, "orders", "doomed")
	require.NoError(t, err)
	assert.False(t, w.Applied)

	recs, err := store.FindActive(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDeleteMany(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	e, _, _ := newTestEngine(t, logger.Sugar)
	ctx := context.TODO()

	for _, key := range []string{"a", "b", "c"} {
		_, err := e.Set(ctx, "orders", key, "v", SetOptions{})
		require.NoError(t, err)
	}

	removed, w, err := e.DeleteMany(ctx, "orders", []string{"a", "c", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	assert.NoError(t, w.DurableErr)

	_, found, err := e.Get(ctx, "orders", "b")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestExpireAndPersist(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	e, mr, _ := newTestEngine(t, logger.Sugar)
	ctx := context.TODO()

	_, err := e.Set(ctx, "orders", "k", "v", SetOptions{})
	require.NoError(t, err)

	w, err := e.Expire(ctx, "orders", "k", 60)
	require.NoError(t, err)
	assert.True(t, w.Applied)

	ttl, found, err := e.TTL(ctx, "orders", "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(60), ttl)

	w, err = e.Persist(ctx, "orders", "k")
	require.NoError(t, err)
	assert.True(t, w.Applied)

	ttl, found, err = e.TTL(ctx, "orders", "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(-1), ttl)

	mr.FastForward(120 * time.Second)
	_, found, err = e.Get(ctx, "orders", "k")
	require.NoError(t, err)
	assert.True(t, found, "persisted key must survive")

	w, err = e.Expire(ctx, "orders", "ghost", 60)
	require.NoError(t, err)
	assert.False(t, w.Applied)
}

func TestListFiltersSideRecords(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	e, _, _ := newTestEngine(t, logger.Sugar)
	ctx := context.TODO()

	for _, key := range []string{"user:1", "user:2", "cart:1"} {
		_, err := e.Set(ctx, "orders", key, "v", SetOptions{Metadata: strptr("m")})
		require.NoError(t, err)
	}

	var keys []string
	var cursor uint64
	for {
		page, err := e.List(ctx, "orders", "user:", cursor, 10)
		require.NoError(t, err)
		keys = append(keys, page.Keys...)
		if !page.HasMore {
			break
		}
		cursor = page.Cursor
	}
	assert.ElementsMatch(t, []string{"user:1", "user:2"}, keys)
}

func TestValidationRejectsBeforeIO(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	e, mr, _ := newTestEngine(t, logger.Sugar)
	ctx := context.TODO()
	mr.Close() // any round trip would fail loudly

	_, err := e.Set(ctx, "bad:store", "k", "v", SetOptions{})
	assert.ErrorIs(t, err, ErrInvalidStore)

	_, err = e.Set(ctx, "orders", "", "v", SetOptions{})
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = e.Set(ctx, "orders", "session:meta", "v", SetOptions{})
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, _, err = e.Get(ctx, "orders", "k:meta")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestMutationsReportDurableOutcome(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	e, _, store := newTestEngine(t, logger.Sugar)
	ctx := context.TODO()

	w, err := e.Set(ctx, "orders", "k", "1", SetOptions{})
	require.NoError(t, err)
	require.True(t, w.Applied)
	require.NoError(t, w.DurableErr)

	// the mirror store goes away; every cache mutation still succeeds but
	// carries the durable failure for the caller to observe
	require.NoError(t, store.Close())

	w, err = e.Set(ctx, "orders", "k", "2", SetOptions{})
	require.NoError(t, err)
	assert.True(t, w.Applied)
	assert.Error(t, w.DurableErr)

	n, w, err := e.Incr(ctx, "orders", "k", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Error(t, w.DurableErr)

	w, err = e.Expire(ctx, "orders", "k", 60)
	require.NoError(t, err)
	assert.True(t, w.Applied)
	assert.Error(t, w.DurableErr)

	w, err = e.Persist(ctx, "orders", "k")
	require.NoError(t, err)
	assert.True(t, w.Applied)
	assert.Error(t, w.DurableErr)

	w, err = e.Delete(ctx, "orders", "k")
	require.NoError(t, err)
	assert.True(t, w.Applied)
	assert.Error(t, w.DurableErr)

	_, err = e.Set(ctx, "orders", "j", "1", SetOptions{})
	require.NoError(t, err)
	_, w, err = e.DeleteMany(ctx, "orders", []string{"j"})
	require.NoError(t, err)
	assert.Error(t, w.DurableErr)
}

func TestRestoreRebuildsCache(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	e, mr, store := newTestEngine(t, logger.Sugar)
	ctx := context.TODO()

	_, err := e.Set(ctx, "orders", "eternal", "e", SetOptions{Metadata: strptr("meta-e")})
	require.NoError(t, err)
	_, err = e.Set(ctx, "orders", "timed", "t", SetOptions{TTLSeconds: 3600})
	require.NoError(t, err)

	// a record on the edge of expiry still comes back alive
	soon := time.Now().Add(400 * time.Millisecond)
	require.NoError(t, store.Upsert(ctx, durable.Record{
		StoreID: "orders", Key: "edge", Value: "x", ExpiresAt: &soon,
	}))
	// an already-dead record never comes back
	gone := time.Now().Add(-time.Minute)
	require.NoError(t, store.Upsert(ctx, durable.Record{
		StoreID: "orders", Key: "dead", Value: "y", ExpiresAt: &gone,
	}))

	mr.FlushAll()

	restored, err := e.Restore(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(3), restored)

	info, found, err := e.GetWithMeta(ctx, "orders", "eternal")
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, info.Metadata)
	assert.Equal(t, "meta-e", *info.Metadata)
	assert.Equal(t, int64(-1), info.TTLSeconds)

	ttl, found, err := e.TTL(ctx, "orders", "timed")
	require.NoError(t, err)
	require.True(t, found)
	assert.InDelta(t, 3600, ttl, 2)

	ttl, found, err = e.TTL(ctx, "orders", "edge")
	require.NoError(t, err)
	require.True(t, found)
	assert.GreaterOrEqual(t, ttl, int64(1), "near-expiry records land with a floor of one second")

	_, found, err = e.Get(ctx, "orders", "dead")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUnavailabilitySurfacesAndGates(t *testing.T) {
	logger.New("NOOP")
	defer logger.OnExit()

	mr := miniredis.RunT(t)
	conn, err := redis.NewConnector(
		redis.NewConfig(logger.Sugar, "unittest", mr.Addr()),
		redis.WithMaxRetries(1),
		redis.WithBackoff(time.Millisecond, 5*time.Millisecond),
	)
	require.NoError(t, err)
	store, err := durable.Open(logger.Sugar, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	sup := failover.NewSupervisor(logger.Sugar, conn)
	e := NewEngine(logger.Sugar, conn, store, WithSupervisor(sup))
	ctx := context.TODO()

	_, err = e.Set(ctx, "orders", "k", "v", SetOptions{})
	require.NoError(t, err)

	mr.Close()

	_, _, err = e.Get(ctx, "orders", "k")
	require.Error(t, err)
	assert.True(t, IsCacheUnavailable(err))
	assert.Equal(t, failover.BackendLocalFallback, sup.CurrentBackend())

	// subsequent calls fail fast at the gate, no round trip attempted
	_, _, err = e.Get(ctx, "orders", "k")
	assert.True(t, IsCacheUnavailable(err))
}
