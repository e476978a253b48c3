package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyed_SerializesSameKey(t *testing.T) {
	k := NewKeyed()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := k.Acquire(context.Background(), "claim-1")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, k.Len(), "idle keys are dropped")
}

func TestKeyed_DifferentKeysIndependent(t *testing.T) {
	k := NewKeyed()
	releaseA, err := k.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := k.Acquire(ctx, "b")
	require.NoError(t, err)
	releaseB()
}

func TestKeyed_AcquireHonoursContext(t *testing.T) {
	k := NewKeyed()
	release, err := k.Acquire(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Acquire(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // second call is a no-op
	assert.Equal(t, 0, k.Len())
}

// Runs against a real Redis when CLAIMFLOW_REDIS_ADDR is set.
func TestRedis_Exclusive(t *testing.T) {
	addr := os.Getenv("CLAIMFLOW_REDIS_ADDR")
	if addr == "" {
		t.Skip("set CLAIMFLOW_REDIS_ADDR to run redis lock tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	l, err := NewRedis(client, "claimflow-test", 5*time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	token, ok, err := l.TryLock(ctx, "c-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "c-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, "c-1", "not-the-owner"))
	_, ok, _ = l.TryLock(ctx, "c-1")
	assert.False(t, ok, "foreign token must not release")

	require.NoError(t, l.Release(ctx, "c-1", token))
	release, err := l.Acquire(ctx, "c-1")
	require.NoError(t, err)
	release()
}

func TestKeepAlive_RenewsUntilStopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(ctx, 5*time.Millisecond, func(context.Context) (bool, error) {
			if calls.Add(1) == 2 {
				return false, errors.New("redis timeout")
			}
			return true, nil
		})
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 4 }, time.Second, time.Millisecond,
		"renewal must continue past a transient error")
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepAlive did not stop on cancel")
	}
}

func TestKeepAlive_StopsWhenLockLost(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(context.Background(), time.Millisecond, func(context.Context) (bool, error) {
			calls.Add(1)
			return false, nil
		})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepAlive kept renewing a lost lock")
	}
	assert.Equal(t, int32(1), calls.Load())
}

// Runs against a real Redis when CLAIMFLOW_REDIS_ADDR is set.
func TestRedis_HeldPastTTL(t *testing.T) {
	addr := os.Getenv("CLAIMFLOW_REDIS_ADDR")
	if addr == "" {
		t.Skip("set CLAIMFLOW_REDIS_ADDR to run redis lock tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	l, err := NewRedis(client, "claimflow-test", 300*time.Millisecond)
	require.NoError(t, err)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "c-ttl")
	require.NoError(t, err)
	time.Sleep(time.Second)

	_, ok, err := l.TryLock(ctx, "c-ttl")
	require.NoError(t, err)
	assert.False(t, ok, "held lock must outlive its ttl")

	release()
	token, ok, err := l.TryLock(ctx, "c-ttl")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Release(ctx, "c-ttl", token))
}

func TestNewRedis_Validation(t *testing.T) {
	_, err := NewRedis(nil, "", time.Second)
	assert.Error(t, err)
	_, err = NewRedis(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "", 0)
	assert.Error(t, err)
}
