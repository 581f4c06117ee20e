package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache is a TTL cache of verified keys. Uses sync.Map for lock-free
// reads on the hot path.
//
// Stale-while-revalidate: an expired entry is still returned immediately,
// with a signal that one caller should refresh it in the background, so no
// request blocks on bcrypt after the first verification of a key.
type AuthCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	principal  *Principal
	expiresAt  time.Time
	refreshing atomic.Bool // only one background refresh per entry
}

func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Principal    *Principal
	Hit          bool // a value was found, fresh or stale
	NeedsRefresh bool // stale, and this caller won the right to refresh it
}

// Get looks up an API key.
//
//   - Fresh hit:  {Principal, Hit=true,  NeedsRefresh=false}
//   - Stale hit:  {Principal, Hit=true,  NeedsRefresh=true} for exactly one caller
//   - Miss:       {nil,       Hit=false, NeedsRefresh=false}
func (c *AuthCache) Get(apiKey string) GetResult {
	val, ok := c.store.Load(apiKey)
	if !ok {
		return GetResult{}
	}
	entry := val.(*cacheEntry)

	if time.Now().Before(entry.expiresAt) {
		return GetResult{Principal: entry.principal, Hit: true}
	}
	return GetResult{
		Principal:    entry.principal,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a principal with the configured TTL.
func (c *AuthCache) Set(apiKey string, p *Principal) {
	c.store.Store(apiKey, &cacheEntry{
		principal: p,
		expiresAt: time.Now().Add(c.ttl),
	})
}

func (c *AuthCache) Delete(apiKey string) {
	c.store.Delete(apiKey)
}
