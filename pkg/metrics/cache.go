package metrics

import (
	"sync"
	"time"
)

// cache is a single-entry TTL cache for collected metrics. The clock is
// injected so expiry is testable without sleeping.
type cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	values  Values
	storedAt time.Time
}

func newCache(ttl time.Duration, now func() time.Time) *cache {
	return &cache{ttl: ttl, now: now}
}

func (c *cache) put(v Values) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = v
	c.storedAt = c.now()
}

// get returns the cached values if they are within the TTL.
func (c *cache) get() (Values, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil || c.now().Sub(c.storedAt) > c.ttl {
		return nil, false
	}
	return c.values, true
}

// getStale returns the cached values regardless of age. Fallback for total
// upstream unavailability.
func (c *cache) getStale() (Values, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		return nil, false
	}
	return c.values, true
}
