// services/dispenser/internal/infrastructure/cache.go
package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/dispenser/config"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockTimeout is returned when a distributed lock could not be taken
// before the context ended.
var ErrLockTimeout = errors.New("lock not acquired")

const lockRetryInterval = 100 * time.Millisecond

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Cache wraps Redis client for caching operations.
type Cache struct {
	client  *redis.Client
	lockTTL time.Duration
}

// NewCache creates a new cache connection.
func NewCache(cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewCacheFromClient(client, cfg.LockTTL), nil
}

// NewCacheFromClient wraps an existing client.
func NewCacheFromClient(client *redis.Client, lockTTL time.Duration) *Cache {
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &Cache{client: client, lockTTL: lockTTL}
}

// Set stores a value in cache with expiration.
func (c *Cache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a value from cache.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// Delete removes a value from cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// Lock takes a cluster-wide lock on key, polling until it is free or ctx
// ends. The lock expires after the configured TTL if the holder dies.
func (c *Cache) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := "lock:" + key
	token := uuid.NewString()

	for {
		ok, err := c.client.SetNX(ctx, lockKey, token, c.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-time.After(lockRetryInterval):
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		releaseScript.Run(ctx, c.client, []string{lockKey}, token)
	}, nil
}

// IncrWindow bumps the counter for key and returns its value. The counter
// expires window after its first increment.
func (c *Cache) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Close closes the cache connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
