package position

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ConfigCache is a process-local snapshot of the active config set. Every
// ingested trade is evaluated against every active config, so reads must not
// touch the store; the set is reloaded lazily once the TTL lapses. Readers
// always see either the old or the new set atomically, never a partial one.
type ConfigCache struct {
	load     func() ([]Config, error)
	ttl      time.Duration
	now      func() time.Time
	group    singleflight.Group

	mu          sync.RWMutex
	configs     []Config
	lastRefresh time.Time
}

// NewConfigCache creates a cache over the given loader. The loader is called
// at most once per expiry even under concurrent readers.
func NewConfigCache(load func() ([]Config, error), ttl time.Duration) *ConfigCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &ConfigCache{load: load, ttl: ttl, now: time.Now}
}

// Active returns the active config set, refreshing it if stale or empty.
func (c *ConfigCache) Active() ([]Config, error) {
	c.mu.RLock()
	configs, last := c.configs, c.lastRefresh
	c.mu.RUnlock()

	if len(configs) > 0 && c.now().Sub(last) <= c.ttl {
		return configs, nil
	}

	// Coalesce concurrent reloads; losers reuse the winner's result.
	result, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		loaded, err := c.load()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.configs = loaded
		c.lastRefresh = c.now()
		c.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		// Serve the stale set if we have one; a refresh failure should not
		// stall ingestion.
		if len(configs) > 0 {
			return configs, nil
		}
		return nil, err
	}
	return result.([]Config), nil
}

// Invalidate forces the next Active call to reload. Used by config CRUD so
// writes become visible without waiting out the TTL.
func (c *ConfigCache) Invalidate() {
	c.mu.Lock()
	c.lastRefresh = time.Time{}
	c.configs = nil
	c.mu.Unlock()
}
