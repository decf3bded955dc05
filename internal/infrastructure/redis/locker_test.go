package redis

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medcore/surgiflow/pkg/lock"
)

func newTestLocker(t *testing.T) (*Locker, *goredis.Client) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	cfg := DefaultLockerConfig()
	cfg.Prefix = "surgiflow:test:" + t.Name() + ":"
	cfg.Wait = 200 * time.Millisecond
	return NewLocker(client, cfg, nil), client
}

func TestLockerExcludes(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocker(t)

	release, err := l.Acquire(ctx, []string{lock.RoomKey("OR-1"), lock.PersonKey("S1")})
	require.NoError(t, err)

	_, err = l.Acquire(ctx, []string{lock.PersonKey("S1")})
	assert.ErrorIs(t, err, lock.ErrNotAcquired)

	release()
	release()

	again, err := l.Acquire(ctx, []string{lock.PersonKey("S1")})
	require.NoError(t, err)
	again()
}

func TestLockerRollsBackPartialAcquire(t *testing.T) {
	ctx := context.Background()
	l, client := newTestLocker(t)

	release, err := l.Acquire(ctx, []string{lock.RoomKey("OR-2")})
	require.NoError(t, err)
	defer release()

	// person:S2 sorts before room:OR-2, so it is taken and must be released
	_, err = l.Acquire(ctx, []string{lock.RoomKey("OR-2"), lock.PersonKey("S2")})
	require.ErrorIs(t, err, lock.ErrNotAcquired)

	n, err := client.Exists(ctx, l.cfg.Prefix+lock.PersonKey("S2")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReleaseKeepsForeignToken(t *testing.T) {
	ctx := context.Background()
	l, client := newTestLocker(t)
	key := l.cfg.Prefix + lock.RoomKey("OR-3")

	require.NoError(t, client.Set(ctx, key, "someone-else", time.Minute).Err())
	defer client.Del(ctx, key)

	l.release([]string{key}, "my-token")
	val, err := client.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}

func TestReleaseOnceRunsOnceAcrossGoroutines(t *testing.T) {
	var calls atomic.Int32
	release := releaseOnce(func() { calls.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestLockerConcurrentRelease(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocker(t)

	release, err := l.Acquire(ctx, []string{lock.RoomKey("OR-3")})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release()
		}()
	}
	wg.Wait()

	again, err := l.Acquire(ctx, []string{lock.RoomKey("OR-3")})
	require.NoError(t, err)
	again()
}
