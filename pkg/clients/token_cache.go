package clients

import (
	"context"
	"sync"
	"time"
)

// TokenExpiryBuffer is the safety margin applied before a token's declared
// expiry: a token is treated as expired once now >= expiresAt - buffer.
const TokenExpiryBuffer = 5 * time.Minute

// CachedToken is an access token held for one (vendor, integration) pair.
type CachedToken struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

// Expired reports whether the token is inside the expiry safety buffer.
func (t *CachedToken) Expired(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.ExpiresAt.Add(-TokenExpiryBuffer))
}

// TokenCache caches vendor access tokens per (vendor, integration) pair.
// Refreshes are single-writer per key; concurrent readers for the same
// integration share the cached token.
type TokenCache struct {
	mu     sync.RWMutex
	tokens map[string]*CachedToken
	locks  map[string]*sync.Mutex
}

// NewTokenCache creates an empty token cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{
		tokens: make(map[string]*CachedToken),
		locks:  make(map[string]*sync.Mutex),
	}
}

func tokenKey(vendor, integrationID string) string {
	return vendor + ":" + integrationID
}

// Get returns the cached token for the pair if present and not expired.
func (c *TokenCache) Get(vendor, integrationID string) (*CachedToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	token, ok := c.tokens[tokenKey(vendor, integrationID)]
	if !ok || token.Expired(time.Now()) {
		return nil, false
	}
	return token, true
}

// Put stores a token for the pair.
func (c *TokenCache) Put(vendor, integrationID string, token *CachedToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[tokenKey(vendor, integrationID)] = token
}

// Invalidate drops the cached token for the pair.
func (c *TokenCache) Invalidate(vendor, integrationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, tokenKey(vendor, integrationID))
}

// GetOrRefresh returns the cached token, refreshing it through refresh when
// absent or expired. Only one refresh runs per key at a time; losers of the
// race reuse the winner's token.
func (c *TokenCache) GetOrRefresh(ctx context.Context, vendor, integrationID string, refresh func(ctx context.Context) (*CachedToken, error)) (*CachedToken, error) {
	if token, ok := c.Get(vendor, integrationID); ok {
		return token, nil
	}

	lock := c.refreshLock(vendor, integrationID)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if token, ok := c.Get(vendor, integrationID); ok {
		return token, nil
	}

	token, err := refresh(ctx)
	if err != nil {
		return nil, err
	}

	c.Put(vendor, integrationID, token)
	return token, nil
}

func (c *TokenCache) refreshLock(vendor, integrationID string) *sync.Mutex {
	key := tokenKey(vendor, integrationID)

	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}
	return lock
}
