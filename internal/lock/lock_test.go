package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockContention(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "user:session", time.Minute)
	require.NoError(t, err)

	ctxTimeout, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctxTimeout, "user:session", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(ctx, "user:other", time.Minute)
	require.NoError(t, err, "different keys must not contend")
	require.NoError(t, other(ctx))

	require.NoError(t, unlock(ctx))
	require.NoError(t, unlock(ctx), "unlock is idempotent")

	again, err := l.Lock(ctx, "user:session", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLockUnlock(t *testing.T) {
	mr, client := newRedis(t)
	l := NewRedis(client, "dslcopilot:")
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "session-1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("dslcopilot:lock:session-1"))

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("dslcopilot:lock:session-1"))
}

func TestRedisLockContention(t *testing.T) {
	_, client := newRedis(t)
	first := NewRedis(client, "dslcopilot:")
	second := NewRedis(client, "dslcopilot:")
	ctx := context.Background()

	unlock, err := first.Lock(ctx, "shared", 5*time.Second)
	require.NoError(t, err)

	ctxTimeout, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = second.Lock(ctxTimeout, "shared", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock(ctx))

	unlock2, err := second.Lock(ctx, "shared", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, unlock2(ctx))
}

func TestRedisUnlockAfterExpiry(t *testing.T) {
	mr, client := newRedis(t)
	l := NewRedis(client, "dslcopilot:")
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "expiring", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	assert.ErrorIs(t, unlock(ctx), ErrLockLost)
}
