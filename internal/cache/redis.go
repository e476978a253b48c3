package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/gyeh/claimflow/internal/model"
)

type redisResolutionCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisResolutionCache returns a ResolutionCache shared across processes.
func NewRedisResolutionCache(client *redis.Client, prefix string, ttl time.Duration) (ResolutionCache, error) {
	if client == nil {
		return nil, errors.New("redis client not configured")
	}
	if ttl <= 0 {
		ttl = defaultResolutionTTL
	}
	if prefix == "" {
		prefix = "claimflow"
	}
	return &redisResolutionCache{client: client, prefix: prefix, ttl: ttl}, nil
}

func (c *redisResolutionCache) key(facilityID, facilityCode string) string {
	return c.prefix + ":resolution:" + Key(facilityID, facilityCode)
}

func (c *redisResolutionCache) Get(ctx context.Context, facilityID, facilityCode string) (model.ResolutionResult, bool, error) {
	raw, err := c.client.Get(ctx, c.key(facilityID, facilityCode)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.ResolutionResult{}, false, nil
	}
	if err != nil {
		return model.ResolutionResult{}, false, fmt.Errorf("redis get resolution: %w", err)
	}
	var r model.ResolutionResult
	if err := json.Unmarshal(raw, &r); err != nil {
		// A corrupt entry is a miss; the resolver will repopulate it.
		return model.ResolutionResult{}, false, nil
	}
	return r, true, nil
}

func (c *redisResolutionCache) Set(ctx context.Context, facilityID, facilityCode string, r model.ResolutionResult) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode resolution: %w", err)
	}
	if err := c.client.Set(ctx, c.key(facilityID, facilityCode), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set resolution: %w", err)
	}
	return nil
}
