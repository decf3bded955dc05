package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	got := Normalize([]string{"room:OR-2", "person:b", "", "room:OR-2", "person:a"})
	assert.Equal(t, []string{"person:a", "person:b", "room:OR-2"}, got)
}

func TestLocalAcquireRelease(t *testing.T) {
	l := NewLocal(50 * time.Millisecond)
	ctx := context.Background()

	release, err := l.Acquire(ctx, []string{RoomKey("OR-1"), PersonKey("S1")})
	require.NoError(t, err)

	_, err = l.Acquire(ctx, []string{PersonKey("S1")})
	assert.True(t, errors.Is(err, ErrNotAcquired))

	// disjoint keys are independent
	releaseOther, err := l.Acquire(ctx, []string{RoomKey("OR-2")})
	require.NoError(t, err)
	releaseOther()

	release()
	release() // second call is a no-op

	release, err = l.Acquire(ctx, []string{PersonKey("S1")})
	require.NoError(t, err)
	release()

	l.mu.Lock()
	assert.Empty(t, l.slots)
	l.mu.Unlock()
}

func TestLocalSerializes(t *testing.T) {
	l := NewLocal(time.Second)
	var inside int32
	var maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), []string{"room:OR-1", "person:S1"})
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}
