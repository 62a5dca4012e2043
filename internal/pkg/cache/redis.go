package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a namespaced string key/value store with expiry.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	GenerateKey(operation, key string) string
}

// RedisCache implements Cache on go-redis.
type RedisCache struct {
	client    *redis.Client
	namespace string
}

// NewRedisCache dials addr lazily; use Ping to check the connection.
func NewRedisCache(addr, namespace string) *RedisCache {
	return NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: addr}), namespace)
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, namespace string) *RedisCache {
	return &RedisCache{
		client:    client,
		namespace: namespace,
	}
}

func (r *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %q: %w", key, err)
	}
	return nil
}

// Get returns "" without error for a missing key.
func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cache: get %q: %w", key, err)
	}
	return val, nil
}

func (r *RedisCache) GenerateKey(operation, key string) string {
	return fmt.Sprintf("%s:%s:%s", r.namespace, operation, key)
}

// Ping checks the Redis connection.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client's connections.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
