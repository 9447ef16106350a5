package trackers

import (
	"math"
	"sync"
	"time"

	"github.com/poemonsense/codex-account-proxy/internal/config"
)

// TokenBucket stores token bucket state for an account key.
type TokenBucket struct {
	Tokens      float64
	LastUpdated time.Time
}

// TokenBucketTracker provides client-side rate limiting using the token bucket algorithm.
// Each account key has a bucket of tokens that regenerate over time.
// Requests consume tokens; accounts without tokens are deprioritized.
type TokenBucketTracker struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
	config  config.TokenBucketConfig
}

// NewTokenBucketTracker creates a new TokenBucketTracker with the given configuration.
func NewTokenBucketTracker(cfg config.TokenBucketConfig) *TokenBucketTracker {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 50
	}
	if cfg.TokensPerMinute == 0 {
		cfg.TokensPerMinute = 6
	}
	if cfg.InitialTokens == 0 {
		cfg.InitialTokens = 50
	}

	return &TokenBucketTracker{
		buckets: make(map[string]*TokenBucket),
		config:  cfg,
	}
}

// GetTokens returns the current token count for key, with regeneration applied.
func (t *TokenBucketTracker) GetTokens(key string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.getTokensUnlocked(key)
}

// getTokensUnlocked returns tokens without taking the lock. Caller must hold it.
func (t *TokenBucketTracker) getTokensUnlocked(key string) float64 {
	bucket, ok := t.buckets[key]
	if !ok {
		return t.config.InitialTokens
	}

	minutesElapsed := time.Since(bucket.LastUpdated).Minutes()
	currentTokens := bucket.Tokens + minutesElapsed*t.config.TokensPerMinute

	if currentTokens > t.config.MaxTokens {
		return t.config.MaxTokens
	}
	return currentTokens
}

// HasTokens reports whether key currently has a usable token.
func (t *TokenBucketTracker) HasTokens(key string) bool {
	return t.GetTokens(key) >= 1
}

// Consume consumes a token from key's bucket. Returns false if none available.
func (t *TokenBucketTracker) Consume(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	currentTokens := t.getTokensUnlocked(key)
	if currentTokens < 1 {
		return false
	}

	t.buckets[key] = &TokenBucket{
		Tokens:      currentTokens - 1,
		LastUpdated: time.Now(),
	}
	return true
}

// Refund refunds a token to key's bucket, e.g. on a request aborted before issue.
func (t *TokenBucketTracker) Refund(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	newTokens := t.getTokensUnlocked(key) + 1
	if newTokens > t.config.MaxTokens {
		newTokens = t.config.MaxTokens
	}

	t.buckets[key] = &TokenBucket{
		Tokens:      newTokens,
		LastUpdated: time.Now(),
	}
}

// GetMaxTokens returns the maximum token capacity.
func (t *TokenBucketTracker) GetMaxTokens() float64 {
	return t.config.MaxTokens
}

// Reset resets key's bucket back to its initial token count.
func (t *TokenBucketTracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buckets[key] = &TokenBucket{
		Tokens:      t.config.InitialTokens,
		LastUpdated: time.Now(),
	}
}

// Clear clears all tracked buckets.
func (t *TokenBucketTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets = make(map[string]*TokenBucket)
}

// GetTimeUntilNextToken returns the time in milliseconds until key next has a token.
func (t *TokenBucketTracker) GetTimeUntilNextToken(key string) int64 {
	currentTokens := t.GetTokens(key)
	if currentTokens >= 1 {
		return 0
	}

	tokensNeeded := 1 - currentTokens
	minutesNeeded := tokensNeeded / t.config.TokensPerMinute
	return int64(math.Ceil(minutesNeeded * 60 * 1000))
}

// GetMinTimeUntilToken returns the minimum time until any of keys has a token.
func (t *TokenBucketTracker) GetMinTimeUntilToken(keys []string) int64 {
	if len(keys) == 0 {
		return 0
	}

	minWait := int64(math.MaxInt64)
	for _, key := range keys {
		wait := t.GetTimeUntilNextToken(key)
		if wait == 0 {
			return 0
		}
		if wait < minWait {
			minWait = wait
		}
	}

	if minWait == int64(math.MaxInt64) {
		return 0
	}
	return minWait
}

// GetAllBuckets returns the current token count for every tracked key.
func (t *TokenBucketTracker) GetAllBuckets() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]float64, len(t.buckets))
	for key := range t.buckets {
		result[key] = t.getTokensUnlocked(key)
	}
	return result
}
