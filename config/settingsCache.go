package config

import (
	"context"
	"sync"
	"time"
)

// SettingsLoader fetches the settings map for one tenant from the store.
type SettingsLoader func(ctx context.Context, businessId string) (map[string]string, error)

// SettingsCache caches per-tenant settings with a fixed TTL. It is an explicit
// object owned by the process that constructs it: the clock is injectable and
// invalidation is an explicit call, so callers (and tests) control staleness.
type SettingsCache struct {
	loader SettingsLoader
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]settingsEntry
}

type settingsEntry struct {
	values   map[string]string
	loadedAt time.Time
}

func NewSettingsCache(loader SettingsLoader, ttl time.Duration, now func() time.Time) *SettingsCache {
	if now == nil {
		now = time.Now
	}
	return &SettingsCache{
		loader:  loader,
		ttl:     ttl,
		now:     now,
		entries: make(map[string]settingsEntry),
	}
}

// Get returns the tenant's settings, loading through on miss or expiry.
func (c *SettingsCache) Get(ctx context.Context, businessId string) (map[string]string, error) {
	c.mu.Lock()
	entry, ok := c.entries[businessId]
	fresh := ok && c.now().Sub(entry.loadedAt) < c.ttl
	c.mu.Unlock()
	if fresh {
		return entry.values, nil
	}

	values, err := c.loader(ctx, businessId)
	if err != nil {
		// Serve the stale entry rather than failing a read path outright.
		if ok {
			return entry.values, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[businessId] = settingsEntry{values: values, loadedAt: c.now()}
	c.mu.Unlock()
	return values, nil
}

// Invalidate drops the cached entry for one tenant. Pass "" to drop everything.
func (c *SettingsCache) Invalidate(businessId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if businessId == "" {
		c.entries = make(map[string]settingsEntry)
		return
	}
	delete(c.entries, businessId)
}
