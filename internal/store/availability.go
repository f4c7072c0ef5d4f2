package store

import (
	"context"
	"log"
	"sync"
	"time"

	"pos-loyalty-sync/internal/telemetry"
)

// availabilityCache remembers whether the jobs table exists so the
// engine does not probe Postgres on every call. The clock is
// injectable so tests control expiry.
type availabilityCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	value   bool
	checked time.Time
	valid   bool
}

func newAvailabilityCache(ttl time.Duration, now func() time.Time) *availabilityCache {
	return &availabilityCache{ttl: ttl, now: now}
}

// get returns the cached value and whether it is still fresh.
func (c *availabilityCache) get() (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid || c.now().Sub(c.checked) >= c.ttl {
		return false, false
	}
	return c.value, true
}

func (c *availabilityCache) set(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	c.checked = c.now()
	c.valid = true
}

// Available reports whether the jobs table exists, probing with a
// lightweight read and caching the answer for the probe TTL. A
// definitive undefined-table error caches false. Any other error is
// treated as available so a transient outage does not silently disable
// processing; each such error is counted so operators can see a store
// that keeps misbehaving. force bypasses the cache.
func (s *Store) Available(ctx context.Context, force bool) bool {
	if !force {
		if v, ok := s.avail.get(); ok {
			return v
		}
	}

	_, err := s.pool.Exec(ctx, `SELECT 1 FROM jobs LIMIT 1`)
	switch {
	case err == nil:
		s.avail.set(true)
		return true
	case isUndefinedTable(err):
		log.Printf("jobs table missing, queue disabled: %v", err)
		s.avail.set(false)
		return false
	default:
		telemetry.ProbeTransientErrors.Inc()
		log.Printf("availability probe failed transiently, assuming available: %v", err)
		s.avail.set(true)
		return true
	}
}
