package redis

// Defines Mocks for the narrow Client interface

import (
	"time"

	"context"

	"github.com/go-redis/redis/v8"

	"github.com/stretchr/testify/mock"
)

// mockClient is a mock redis Client
type mockClient struct {
	mock.Mock
}

func (mc *mockClient) Ping(ctx context.Context) *redis.StatusCmd {
	arguments := mc.Called()
	return arguments.Get(0).(*redis.StatusCmd)
}

func (mc *mockClient) Get(ctx context.Context, key string) *redis.StringCmd {
	arguments := mc.Called(key)
	return arguments.Get(0).(*redis.StringCmd)
}

func (mc *mockClient) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	arguments := mc.Called(key, value, expiration)
	return arguments.Get(0).(*redis.StatusCmd)
}

func (mc *mockClient) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	arguments := mc.Called(key, value, expiration)
	return arguments.Get(0).(*redis.BoolCmd)
}

func (mc *mockClient) SetXX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	arguments := mc.Called(key, value, expiration)
	return arguments.Get(0).(*redis.BoolCmd)
}

func (mc *mockClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	arguments := mc.Called(keys)
	return arguments.Get(0).(*redis.IntCmd)
}

func (mc *mockClient) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	arguments := mc.Called(keys)
	return arguments.Get(0).(*redis.IntCmd)
}

func (mc *mockClient) IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd {
	arguments := mc.Called(key, value)
	return arguments.Get(0).(*redis.IntCmd)
}

func (mc *mockClient) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	arguments := mc.Called(key, expiration)
	return arguments.Get(0).(*redis.BoolCmd)
}

func (mc *mockClient) Persist(ctx context.Context, key string) *redis.BoolCmd {
	arguments := mc.Called(key)
	return arguments.Get(0).(*redis.BoolCmd)
}

func (mc *mockClient) TTL(ctx context.Context, key string) *redis.DurationCmd {
	arguments := mc.Called(key)
	return arguments.Get(0).(*redis.DurationCmd)
}

func (mc *mockClient) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	arguments := mc.Called(cursor, match, count)
	return arguments.Get(0).(*redis.ScanCmd)
}

func (mc *mockClient) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	arguments := mc.Called(fn)
	cmds, _ := arguments.Get(0).([]redis.Cmder)
	return cmds, arguments.Error(1)
}

func (mc *mockClient) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	arguments := mc.Called(script, keys, args)
	return arguments.Get(0).(*redis.Cmd)
}

func (mc *mockClient) EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *redis.Cmd {
	arguments := mc.Called(sha1, keys, args)
	return arguments.Get(0).(*redis.Cmd)
}

func (mc *mockClient) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	arguments := mc.Called(hashes)
	return arguments.Get(0).(*redis.BoolSliceCmd)
}

func (mc *mockClient) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	arguments := mc.Called(script)
	return arguments.Get(0).(*redis.StringCmd)
}

func (mc *mockClient) Close() error {
	arguments := mc.Called()
	return arguments.Error(0)
}
