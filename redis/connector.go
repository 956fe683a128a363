package redis

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	otrace "github.com/opentracing/opentracing-go"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 50 * time.Millisecond
	defaultMaxBackoff     = 500 * time.Millisecond
	defaultPingInterval   = 5 * time.Second
)

// Connector owns the pooled connection to redis and exposes the key/value
// primitives the engines are built on. Transient errors are retried with
// capped exponential backoff; exhausting the retries surfaces ErrUnavailable
// and marks the connector unreachable.
type Connector struct {
	cfg    Config
	client Client
	health *healthTracker

	maxRetries     uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration
	pingInterval   time.Duration
}

type ConnectorOption func(*Connector)

func WithMaxRetries(n uint64) ConnectorOption {
	return func(c *Connector) {
		c.maxRetries = n
	}
}

func WithPingInterval(d time.Duration) ConnectorOption {
	return func(c *Connector) {
		c.pingInterval = d
	}
}

func WithBackoff(initial, capped time.Duration) ConnectorOption {
	return func(c *Connector) {
		c.initialBackoff = initial
		c.maxBackoff = capped
	}
}

// WithClient substitutes the underlying client. Tests use this with mocks;
// everything else should let NewConnector dial from config.
func WithClient(client Client) ConnectorOption {
	return func(c *Connector) {
		c.client = client
	}
}

func NewConnector(cfg Config, opts ...ConnectorOption) (*Connector, error) {
	c := &Connector{
		cfg:            cfg,
		health:         newHealthTracker(defaultDegradedThreshold, defaultReadyThreshold),
		maxRetries:     defaultMaxRetries,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		pingInterval:   defaultPingInterval,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		client, err := NewClient(cfg)
		if err != nil {
			return nil, ConnectError(err, cfg.URL())
		}
		c.client = client
	}

	return c, nil
}

func (c *Connector) Log() Logger {
	return c.cfg.Log()
}

func (c *Connector) Namespace() string {
	return c.cfg.Namespace()
}

func (c *Connector) Health() Health {
	return c.health.current()
}

// WatchHealth registers a watcher for health transitions. The degradation
// supervisor is the intended consumer.
func (c *Connector) WatchHealth(w HealthWatcher) {
	c.watchHealth(w)
}

func (c *Connector) watchHealth(w HealthWatcher) {
	c.health.watch(w)
}

func (c *Connector) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// StartPinger runs the liveness probe until ctx is cancelled. Recovery to
// ready happens only through this loop.
func (c *Connector) StartPinger(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Ping(ctx)
			}
		}
	}()
}

// Ping probes the server once and feeds the result to the health tracker.
func (c *Connector) Ping(ctx context.Context) bool {
	err := c.client.Ping(ctx).Err()
	if err != nil {
		c.health.observeFailure()
		return false
	}
	c.health.observePingSuccess()
	return true
}

// isTransient separates "could not reach the server" from "the server said
// no". Only the former is retried or counted against health. A redis protocol
// error means the round trip completed.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rerr redis.Error
	return !errors.As(err, &rerr)
}

// do wraps one logical round trip with a span, retries and health accounting.
func (c *Connector) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	span, ctx := otrace.StartSpanFromContext(ctx, "redis.connector."+op)
	defer span.Finish()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.MaxInterval = c.maxBackoff
	bo.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			c.health.observeSuccess()
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		c.health.observeFailure()
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return DoError(err, op)
	}
	if isTransient(err) {
		c.health.markUnreachable()
		return UnavailableError(err, op)
	}
	return DoError(err, op)
}

// Get reads a key. Absence is reported through the found flag, never as an
// error: an unreachable cache must not read as "key absent".
func (c *Connector) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := c.do(ctx, "Get", func(ctx context.Context) error {
		v, err := c.client.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				found = false
				return nil
			}
			return err
		}
		value = v
		found = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return value, found, nil
}

// SetOptions control conditional writes and expiry for SetWithOptions.
type SetOptions struct {
	// TTLSeconds of 0 stores without expiry (and clears any existing expiry,
	// per SET semantics).
	TTLSeconds int64
	// OnlyIfAbsent maps to SETNX, OnlyIfPresent to SETXX. At most one may be
	// set.
	OnlyIfAbsent  bool
	OnlyIfPresent bool
}

func (o SetOptions) expiration() time.Duration {
	if o.TTLSeconds <= 0 {
		return 0
	}
	return time.Duration(o.TTLSeconds) * time.Second
}

// SetWithOptions writes a key, optionally conditionally. The applied result
// is false when a precondition did not hold; that is an outcome, not an error.
func (c *Connector) SetWithOptions(ctx context.Context, key, value string, opts SetOptions) (bool, error) {
	if opts.OnlyIfAbsent && opts.OnlyIfPresent {
		return false, ErrBadOptions
	}

	var applied bool
	err := c.do(ctx, "Set", func(ctx context.Context) error {
		switch {
		case opts.OnlyIfAbsent:
			ok, err := c.client.SetNX(ctx, key, value, opts.expiration()).Result()
			if err != nil {
				return err
			}
			applied = ok
		case opts.OnlyIfPresent:
			ok, err := c.client.SetXX(ctx, key, value, opts.expiration()).Result()
			if err != nil {
				return err
			}
			applied = ok
		default:
			if err := c.client.Set(ctx, key, value, opts.expiration()).Err(); err != nil {
				return err
			}
			applied = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Delete removes keys and returns how many existed.
func (c *Connector) Delete(ctx context.Context, keys ...string) (int64, error) {
	var removed int64
	err := c.do(ctx, "Del", func(ctx context.Context) error {
		n, err := c.client.Del(ctx, keys...).Result()
		if err != nil {
			return err
		}
		removed = n
		return nil
	})
	return removed, err
}

// Exists returns how many of the given keys are present.
func (c *Connector) Exists(ctx context.Context, keys ...string) (int64, error) {
	var present int64
	err := c.do(ctx, "Exists", func(ctx context.Context) error {
		n, err := c.client.Exists(ctx, keys...).Result()
		if err != nil {
			return err
		}
		present = n
		return nil
	})
	return present, err
}

// Increment atomically adds delta to the integer at key. INCRBY leaves any
// existing expiry untouched.
func (c *Connector) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	var value int64
	err := c.do(ctx, "IncrBy", func(ctx context.Context) error {
		n, err := c.client.IncrBy(ctx, key, delta).Result()
		if err != nil {
			return err
		}
		value = n
		return nil
	})
	return value, err
}

// Expire sets the key's TTL. Returns false when the key does not exist.
func (c *Connector) Expire(ctx context.Context, key string, seconds int64) (bool, error) {
	var ok bool
	err := c.do(ctx, "Expire", func(ctx context.Context) error {
		applied, err := c.client.Expire(ctx, key, time.Duration(seconds)*time.Second).Result()
		if err != nil {
			return err
		}
		ok = applied
		return nil
	})
	return ok, err
}

// Persist clears the key's TTL. Returns false when the key does not exist or
// had no expiry.
func (c *Connector) Persist(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := c.do(ctx, "Persist", func(ctx context.Context) error {
		applied, err := c.client.Persist(ctx, key).Result()
		if err != nil {
			return err
		}
		ok = applied
		return nil
	})
	return ok, err
}

const (
	// TTL sentinels as redis reports them.
	TTLNoExpiry int64 = -1
	TTLNoKey    int64 = -2
)

// TTLSeconds returns the remaining TTL in whole seconds, or one of the
// negative sentinels (TTLNoExpiry, TTLNoKey).
func (c *Connector) TTLSeconds(ctx context.Context, key string) (int64, error) {
	var ttl int64
	err := c.do(ctx, "TTL", func(ctx context.Context) error {
		d, err := c.client.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if d < 0 {
			ttl = int64(d)
			return nil
		}
		ttl = int64(d / time.Second)
		return nil
	})
	return ttl, err
}

// Scan walks keys matching pattern from cursor. A returned cursor of 0 means
// the iteration is exhausted. On a cluster this scans a single node per call,
// which is fine for the per-namespace listings it backs.
func (c *Connector) Scan(ctx context.Context, pattern string, cursor uint64, count int64) ([]string, uint64, error) {
	var keys []string
	var next uint64
	err := c.do(ctx, "Scan", func(ctx context.Context) error {
		k, n, err := c.client.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return err
		}
		keys = k
		next = n
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return keys, next, nil
}

// Pipelined submits the queued commands as one payload. The batch is one
// atomic submission but results are per command: a command-level failure is
// reported on its Cmder, not as an error here. Only a transport failure of
// the whole batch errors.
func (c *Connector) Pipelined(ctx context.Context, fn func(Pipeliner) error) ([]Cmder, error) {
	var cmds []redis.Cmder
	err := c.do(ctx, "Pipelined", func(ctx context.Context) error {
		var err error
		cmds, err = c.client.Pipelined(ctx, fn)
		if err != nil && !isTransient(err) {
			// the batch reached the server; individual Cmders carry their
			// own outcomes
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return cmds, nil
}
