package cache

import (
	"context"
	"strings"
	"time"

	"github.com/gyeh/claimflow/internal/model"
)

const defaultResolutionTTL = 24 * time.Hour

// ResolutionCache stores resolver results keyed by (facility_id, facility_code).
// It is shared by all concurrent pipelines.
type ResolutionCache interface {
	Get(ctx context.Context, facilityID, facilityCode string) (model.ResolutionResult, bool, error)
	Set(ctx context.Context, facilityID, facilityCode string, r model.ResolutionResult) error
}

type memoryResolutionCache struct {
	entries Cache[string, model.ResolutionResult]
	ttl     time.Duration
}

// NewMemoryResolutionCache returns an in-process cache. A ttl of zero uses the default.
func NewMemoryResolutionCache(ttl time.Duration) ResolutionCache {
	if ttl <= 0 {
		ttl = defaultResolutionTTL
	}
	return &memoryResolutionCache{
		entries: NewTTLCache[string, model.ResolutionResult](),
		ttl:     ttl,
	}
}

func (c *memoryResolutionCache) Get(_ context.Context, facilityID, facilityCode string) (model.ResolutionResult, bool, error) {
	r, ok := c.entries.Get(Key(facilityID, facilityCode))
	return r, ok, nil
}

func (c *memoryResolutionCache) Set(_ context.Context, facilityID, facilityCode string, r model.ResolutionResult) error {
	c.entries.Set(Key(facilityID, facilityCode), r, c.ttl)
	return nil
}

// Key builds the cache key for a facility code. Facility ids are matched
// exactly; codes are trimmed and upper-cased.
func Key(facilityID, facilityCode string) string {
	return strings.TrimSpace(facilityID) + "|" + strings.ToUpper(strings.TrimSpace(facilityCode))
}
