package account

import (
	"context"
	"sync"

	"github.com/poemonsense/codex-account-proxy/internal/token"
)

// TokenCache caches refreshed OAuth credentials per account key and decides
// when a cached entry is stale enough to warrant a refresh. Within the
// account pool it is the only place that calls out to the vendor's token
// endpoint; the accounts CLI calls the token client directly.
type TokenCache struct {
	mu     sync.RWMutex
	client *token.Client
	skewMs int64
	cache  map[string]*token.Auth
}

// NewTokenCache creates a TokenCache that refreshes through client, treating
// a cached token as due for refresh within skewMs of its expiry.
func NewTokenCache(client *token.Client, skewMs int64) *TokenCache {
	return &TokenCache{
		client: client,
		skewMs: skewMs,
		cache:  make(map[string]*token.Auth),
	}
}

// Get returns a usable access token for key, refreshing refreshToken through
// the OAuth endpoint if the cached entry is missing or near expiry.
func (c *TokenCache) Get(ctx context.Context, key, refreshToken string) (*token.Auth, error) {
	c.mu.RLock()
	cached, ok := c.cache[key]
	c.mu.RUnlock()

	if ok && !token.ShouldRefresh(cached, c.skewMs) {
		return cached, nil
	}

	refreshed, err := c.client.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[key] = refreshed
	c.mu.Unlock()

	return refreshed, nil
}

// Peek returns the cached credential for key without triggering a refresh.
func (c *TokenCache) Peek(key string) (*token.Auth, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.cache[key]
	return a, ok
}

// ExpiresAt returns the cached entry's expiry for key, if one is cached.
// Used by the proactive refresh scheduler's scan pass; it never triggers a
// refresh itself.
func (c *TokenCache) ExpiresAt(key string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.cache[key]
	if !ok {
		return 0, false
	}
	return a.Expires, true
}

// Invalidate drops the cached entry for key, forcing the next Get to refresh.
func (c *TokenCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, key)
}

// Clear drops every cached entry.
func (c *TokenCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*token.Auth)
}
