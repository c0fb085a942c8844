package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseMutualExclusion(t *testing.T, l Locker, key string) {
	t.Helper()

	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(context.Background(), key)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
}

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	k := NewKeyedMutex()
	exerciseMutualExclusion(t, k, "order-1")
	assert.Equal(t, 0, k.Len(), "idle keys are dropped")
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := NewKeyedMutex()

	releaseA, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	releaseB, err := k.Lock(ctx, "b")
	require.NoError(t, err)
	releaseB()
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	k := NewKeyedMutex()

	release, err := k.Lock(context.Background(), "order-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "order-1")
	assert.True(t, errors.Is(err, ErrNotAcquired))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	release()
	release()
	assert.Equal(t, 0, k.Len())
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	l := NewRedisLocker(client, 5*time.Second)
	exerciseMutualExclusion(t, l, "test-"+uuid.NewString())
}
