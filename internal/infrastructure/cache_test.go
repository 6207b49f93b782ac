package infrastructure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestCache(t *testing.T) (*miniredis.Miniredis, *Cache) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewCacheFromClient(client, time.Minute)
}

func TestCacheSetGetDelete(t *testing.T) {
	_, cache := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "device:DEV1", `{"device_code":"DEV1"}`, time.Minute))
	v, err := cache.Get(ctx, "device:DEV1")
	require.NoError(t, err)
	assert.Equal(t, `{"device_code":"DEV1"}`, v)

	require.NoError(t, cache.Delete(ctx, "device:DEV1"))
	_, err = cache.Get(ctx, "device:DEV1")
	assert.True(t, errors.Is(err, redis.Nil))
}

func TestCacheLock(t *testing.T) {
	mr, cache := setupTestCache(t)
	ctx := context.Background()

	unlock, err := cache.Lock(ctx, "audio:1:en")
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:audio:1:en"))
	assert.Equal(t, time.Minute, mr.TTL("lock:audio:1:en"))

	waitCtx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	_, err = cache.Lock(waitCtx, "audio:1:en")
	assert.ErrorIs(t, err, ErrLockTimeout)

	unlock()
	assert.False(t, mr.Exists("lock:audio:1:en"))

	unlock2, err := cache.Lock(ctx, "audio:1:en")
	require.NoError(t, err)
	unlock2()
}

func TestCacheUnlockKeepsForeignLock(t *testing.T) {
	mr, cache := setupTestCache(t)
	ctx := context.Background()

	unlock, err := cache.Lock(ctx, "audio:1:en")
	require.NoError(t, err)

	// the lock expired and another holder took it
	require.NoError(t, mr.Set("lock:audio:1:en", "someone-else"))
	unlock()

	v, err := mr.Get("lock:audio:1:en")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}

func TestCacheIncrWindow(t *testing.T) {
	mr, cache := setupTestCache(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := cache.IncrWindow(ctx, "rate:10.0.0.1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	assert.Equal(t, time.Minute, mr.TTL("rate:10.0.0.1"))

	mr.FastForward(time.Minute + time.Second)
	n, err := cache.IncrWindow(ctx, "rate:10.0.0.1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
