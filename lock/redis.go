package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-redis/redis/v8"
)

// RedisConfig configures the Redis locker.
type RedisConfig struct {
	Addr     string        `json:"addr" yaml:"addr"`
	Password string        `json:"password" yaml:"password"`
	DB       int           `json:"db" yaml:"db"`
	TTL      time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
}

// Redis holds locks in Redis so that workers in separate processes share
// critical sections.
type Redis struct {
	client redis.UniversalClient
	locker *redislock.Client
	ttl    time.Duration
}

// NewRedis connects to Redis. A zero TTL means 30s; locks expire on their own
// if the holder dies.
func NewRedis(cfg RedisConfig) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: 6,
	})
	return NewRedisFromClient(client, cfg.TTL)
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{client: client, locker: redislock.New(client), ttl: ttl}
}

func (r *Redis) Lock(ctx context.Context, key string) (ReleaseLock, error) {
	strategy := redislock.LimitRetry(redislock.LinearBackoff(time.Second), 20)
	lk, err := r.locker.Obtain(ctx, fmt.Sprintf("lock:%s", key), r.ttl, &redislock.Options{RetryStrategy: strategy})
	if err != nil {
		return nil, fmt.Errorf("obtaining %s: %w", key, err)
	}
	return func() error {
		// Release must succeed even when the caller's context is done.
		return lk.Release(context.Background())
	}, nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
