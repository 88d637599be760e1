package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
)

// DedupCache short-circuits repeated calls with a prompt that recently
// failed non-retryably. Rate-limit failures are never cached — they are
// transient by definition.
type DedupCache struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]dedupEntry
	now     func() time.Time
}

type dedupEntry struct {
	err error
	at  time.Time
}

// NewDedupCache creates a cache with the given TTL. A zero window means
// 60 seconds.
func NewDedupCache(window time.Duration) *DedupCache {
	if window <= 0 {
		window = time.Minute
	}
	return &DedupCache{
		window:  window,
		entries: make(map[string]dedupEntry),
		now:     time.Now,
	}
}

// PromptHash returns the cache key: the first 16 hex chars of the
// prompt's SHA-256.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])[:16]
}

// Check returns the cached failure for this prompt if it failed
// non-retryably within the window, or nil.
func (c *DedupCache) Check(prompt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := PromptHash(prompt)
	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.now().Sub(entry.at) > c.window {
		delete(c.entries, key)
		return nil
	}
	return entry.err
}

// Record stores a failure for this prompt if it is non-retryable and not a
// rate limit. Retryable errors and successes are never cached.
func (c *DedupCache) Record(prompt string, err error) {
	if err == nil {
		return
	}
	var ae *aidferr.Error
	if errors.As(err, &ae) {
		if ae.Retryable || ae.Code == aidferr.CodeProviderRateLimit {
			return
		}
	} else {
		// Uncategorized errors are not cached: their shape is unknown.
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[PromptHash(prompt)] = dedupEntry{err: err, at: c.now()}
}
