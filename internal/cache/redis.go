package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fraudflow/logger"
)

// RedisStore backs the prediction cache with a Redis server, matching the
// Store contract through SET-with-TTL and GET. Redis handles expiry itself.
type RedisStore struct {
	rdb *redis.Client
	log *logger.Log
}

// NewRedisStore connects to the Redis server described by url (redis://...)
// and verifies the connection with a ping.
func NewRedisStore(url, password string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if password != "" {
		opts.Password = password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log := logger.GetLogger()
	log.WithComponent("cache").WithFields(logger.Fields{"backend": "redis"}).Info("redis cache connected")

	return &RedisStore{rdb: rdb, log: log}, nil
}

// Get fetches the value for key; redis.Nil maps to found=false.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// Put stores the value with the given ttl.
func (r *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Ping verifies the server is reachable. Used as the reconnect probe by the
// recovery coordinator.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
