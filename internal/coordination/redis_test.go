package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/slurmbatch/internal/common/batcherrors"
)

func withRedisStore(action func(s *RedisStore, mr *miniredis.Miniredis)) {
	mr, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, "/runs/abc", time.Minute, 5*time.Millisecond)
	defer store.Close()

	action(store, mr)
}

func TestRedisStore_ReadWrite(t *testing.T) {
	withRedisStore(func(s *RedisStore, mr *miniredis.Miniredis) {
		ctx := context.Background()

		_, found, err := s.Read(ctx, CounterKey)
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, s.Write(ctx, CounterKey, "7"))
		value, found, err := s.Read(ctx, CounterKey)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "7", value)

		stored, err := mr.Get("slurmbatch:/runs/abc:value:pseudo_id_counter")
		require.NoError(t, err)
		assert.Equal(t, "7", stored)
	})
}

func TestRedisStore_Lock(t *testing.T) {
	withRedisStore(func(s *RedisStore, mr *miniredis.Miniredis) {
		ctx := context.Background()

		guard, err := s.Acquire(ctx, "exclude_cpu", time.Second)
		require.NoError(t, err)
		assert.True(t, mr.Exists("slurmbatch:/runs/abc:lock:exclude_cpu"))

		_, err = s.Acquire(ctx, "exclude_cpu", 30*time.Millisecond)
		var timeoutErr *batcherrors.ErrLockTimeout
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, "redis:slurmbatch:/runs/abc:lock:exclude_cpu", timeoutErr.Path)

		require.NoError(t, guard.Release())
		assert.False(t, mr.Exists("slurmbatch:/runs/abc:lock:exclude_cpu"))

		guard, err = s.Acquire(ctx, "exclude_cpu", 30*time.Millisecond)
		require.NoError(t, err)
		require.NoError(t, guard.Release())
	})
}

func TestRedisStore_ReleaseAfterExpiry(t *testing.T) {
	withRedisStore(func(s *RedisStore, mr *miniredis.Miniredis) {
		ctx := context.Background()

		guard, err := s.Acquire(ctx, DependencyRewriteScope, time.Second)
		require.NoError(t, err)

		// The lease runs out and another holder takes the lock.
		mr.FastForward(2 * time.Minute)
		other, err := s.Acquire(ctx, DependencyRewriteScope, time.Second)
		require.NoError(t, err)

		// The first holder must not release the second holder's lock.
		assert.Error(t, guard.Release())
		assert.True(t, mr.Exists("slurmbatch:/runs/abc:lock:dependency_rewrite"))
		require.NoError(t, other.Release())
	})
}
