package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	env "github.com/harborscale/go-harborscale-state/environment"
)

const (
	//nolint:gosec
	RedisClusterPasswordEnvSuffix = "REDIS_STORE_PASSWORD_FILENAME"
	RedisClusterSizeEnvSuffix     = "REDIS_CLUSTER_SIZE"
	RedisNamespaceEnvSuffix       = "REDIS_KEY_NAMESPACE"
	RedisNodeAddressFmtSuffix     = "REDIS_NODE%d_STORE_ADDRESS"
	// The default implementation does 10 * GOMAXPROCS(0). GOMAXPROCS is
	// problematic in containers. Note that each cluster node gets its own pool
	nodePoolSize = 10

	RedisNodeAddressSuffix = "REDIS_STORE_ADDRESS"
	RedisDBSuffix          = "REDIS_STORE_DB"

	connectTimeout = 30 * time.Second
)

type Config interface {
	GetClusterOptions() (*redis.ClusterOptions, error)
	GetOptions() (*redis.Options, error)
	Namespace() string
	IsCluster() bool
	URL() string
	Log() Logger
}

type clusterConfig struct {
	log            Logger
	Size           int
	namespace      string
	clusterOptions redis.ClusterOptions
	options        redis.Options
	insecure       bool
}

// FromEnvOrFatal assumes conventional service env vars and populates a Config
// or Fatals out. A cluster size of -1 selects single-node mode.
func FromEnvOrFatal(log Logger) Config {
	cfg := clusterConfig{log: log}

	cfg.Size = env.GetIntOrFatal(RedisClusterSizeEnvSuffix)
	cfg.namespace = env.GetOrFatal(RedisNamespaceEnvSuffix)

	if cfg.Size == -1 {
		cfg.options.Addr = env.GetOrFatal(RedisNodeAddressSuffix)
		cfg.options.DB = env.GetIntOrFatal(RedisDBSuffix)
		cfg.options.Password = env.ReadIndirectWithDefault(RedisClusterPasswordEnvSuffix, "")
		cfg.insecure = env.GetTruthy("REDIS_STORE_INSECURE")
		return &cfg
	}

	cfg.clusterOptions.Password = env.ReadIndirectOrFatal(RedisClusterPasswordEnvSuffix)
	cfg.clusterOptions.PoolSize = nodePoolSize
	cfg.clusterOptions.Addrs = make([]string, 0, cfg.Size)
	cfg.clusterOptions.MaxRedirects = cfg.Size
	for i := 0; i < cfg.Size; i++ {
		suffix := fmt.Sprintf(RedisNodeAddressFmtSuffix, i)
		cfg.clusterOptions.Addrs = append(
			cfg.clusterOptions.Addrs,
			env.GetOrFatal(suffix),
		)
	}
	log.InfoR("Addrs", cfg.clusterOptions.Addrs)

	return &cfg
}

// NewConfig is for callers that wire addresses explicitly rather than through
// the environment - tests and composition roots mostly.
func NewConfig(log Logger, namespace, addr string) Config {
	cfg := clusterConfig{log: log, Size: -1, namespace: namespace, insecure: true}
	cfg.options.Addr = addr
	return &cfg
}

func (cfg *clusterConfig) Log() Logger {
	return cfg.log
}

func (cfg *clusterConfig) IsCluster() bool {
	return cfg.Size > -1
}

func (cfg *clusterConfig) GetClusterOptions() (*redis.ClusterOptions, error) {

	if cfg.IsCluster() {
		return &cfg.clusterOptions, nil
	}

	return nil, fmt.Errorf("unexpected config type when requesting ClusterOptions")
}

func (cfg *clusterConfig) GetOptions() (*redis.Options, error) {

	if !cfg.IsCluster() {
		return &cfg.options, nil
	}

	return nil, fmt.Errorf("unexpected config type when requesting Options")
}

func (cfg *clusterConfig) Namespace() string {
	return cfg.namespace
}

func (cfg *clusterConfig) URL() string {
	if cfg.IsCluster() {
		if len(cfg.clusterOptions.Addrs) == 0 {
			return ""
		}
		return cfg.clusterOptions.Addrs[0]
	}

	return cfg.options.Addr
}

// NewClient connects the underlying go-redis client. The client is long lived
// and has its own internal pool. A failed initial ping is logged, not fatal:
// the connector is expected to come up while the cache is unreachable and
// recover when it isn't.
func NewClient(cfg Config) (Client, error) {
	log := cfg.Log()

	var err error
	if cfg.IsCluster() {
		var copts *redis.ClusterOptions
		if copts, err = cfg.GetClusterOptions(); err != nil {
			return nil, err
		}
		return redis.NewClusterClient(copts), nil
	}

	var opts *redis.Options
	if opts, err = cfg.GetOptions(); err != nil {
		return nil, err
	}
	if !cfg.(*clusterConfig).insecure {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	log.Infof("connecting to redis: %v", opts.Addr)
	c := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	status := c.Ping(ctx)
	if status.Err() != nil {
		log.Infof("failed ping: %v (%v, %v)", status.Err(), status.FullName(), status.Args())
	}
	return c, nil
}
