package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	client := testClient(t)

	a := NewRedisLock(client, "scheduler", time.Minute)
	b := NewRedisLock(client, "scheduler", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must not acquire a held lock")

	require.NoError(t, a.Release(ctx))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "released lock is free for the next owner")
}

func TestRedisLockReacquireRefreshes(t *testing.T) {
	ctx := context.Background()
	client := testClient(t)

	l := NewRedisLock(client, "scheduler", time.Minute)
	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// The holder acquiring again keeps the lock instead of failing.
	ok, err = l.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Extend(ctx))
}

func TestRedisLockReleaseDoesNotStealOthers(t *testing.T) {
	ctx := context.Background()
	client := testClient(t)

	a := NewRedisLock(client, "scheduler", time.Minute)
	b := NewRedisLock(client, "scheduler", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// b never held the lock; releasing must leave a's lock in place.
	require.NoError(t, b.Release(ctx))

	assert.Error(t, b.Extend(ctx))
	require.NoError(t, a.Extend(ctx))
}

func TestNewLockPrefersRedis(t *testing.T) {
	client := testClient(t)
	lock := NewLock(client, nil, "scheduler", time.Minute)
	_, isRedis := lock.(*RedisLock)
	assert.True(t, isRedis)

	lock = NewLock(nil, nil, "scheduler", time.Minute)
	_, isPG := lock.(*PGAdvisoryLock)
	assert.True(t, isPG)
}
