package rolecache

import (
	"context"
	"sync"
	"time"

	"covenant.church/internal/identity"
)

var _ identity.RoleCache = (*MemoryCache)(nil)

// MemoryCache is an in-process cache used when no Redis URL is configured.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	role    identity.EffectiveRole
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, identityID string) (identity.EffectiveRole, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[identityID]
	if !ok {
		return identity.EffectiveRole{}, false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, identityID)
		return identity.EffectiveRole{}, false, nil
	}
	return e.role, true, nil
}

func (c *MemoryCache) Set(_ context.Context, role identity.EffectiveRole, ttl time.Duration) error {
	role.Hint = false
	c.mu.Lock()
	c.entries[role.IdentityID] = memoryEntry{role: role, expires: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, identityID string) error {
	c.mu.Lock()
	delete(c.entries, identityID)
	c.mu.Unlock()
	return nil
}
