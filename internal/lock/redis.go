package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

const defaultPollInterval = 50 * time.Millisecond

// Redis is a Locker shared across processes. Each lock holds a random token
// so only its owner can release it. A lock taken with Acquire is renewed
// every third of its TTL until released, so the TTL only bounds how long a
// crashed owner can block others.
type Redis struct {
	client *redis.Client
	script *redis.Script
	extend *redis.Script
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration) (*Redis, error) {
	if client == nil {
		return nil, errors.New("lock client not configured")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}
	if prefix == "" {
		prefix = "claimflow"
	}
	return &Redis{
		client: client,
		script: redis.NewScript(releaseScript),
		extend: redis.NewScript(extendScript),
		prefix: prefix,
		ttl:    ttl,
		poll:   defaultPollInterval,
	}, nil
}

// TryLock attempts to take key once and returns the owner token on success.
func (l *Redis) TryLock(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.redisKey(key), token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx: %w", err)
	}
	return token, ok, nil
}

// Acquire polls until the lock is taken or ctx is done.
func (l *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		token, ok, err := l.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			renewCtx, stopRenew := context.WithCancel(context.WithoutCancel(ctx))
			done := make(chan struct{})
			go func() {
				defer close(done)
				keepAlive(renewCtx, l.ttl/3, func(ctx context.Context) (bool, error) {
					return l.Extend(ctx, key, token)
				})
			}()
			var once sync.Once
			return func() {
				once.Do(func() {
					stopRenew()
					<-done
					_ = l.Release(context.Background(), key, token)
				})
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Extend resets key's TTL if token still owns it and reports whether it did.
func (l *Redis) Extend(ctx context.Context, key, token string) (bool, error) {
	n, err := l.extend.Run(ctx, l.client, []string{l.redisKey(key)}, token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis extend: %w", err)
	}
	return n == 1, nil
}

// keepAlive calls extend every interval until ctx is done or the lock is
// found lost. Transient errors are retried on the next tick.
func keepAlive(ctx context.Context, interval time.Duration, extend func(context.Context) (bool, error)) {
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		held, err := extend(ctx)
		if err == nil && !held {
			return
		}
	}
}

// Release deletes key if token still owns it.
func (l *Redis) Release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{l.redisKey(key)}, token).Err()
}

func (l *Redis) redisKey(key string) string {
	return l.prefix + ":lock:" + key
}
