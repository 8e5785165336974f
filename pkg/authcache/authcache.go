// Package authcache remembers recent submission logins so that a client
// which authenticates on every connection does not cost a bcrypt
// comparison each time.
package authcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/migadu/smtpd/consts"
	"github.com/migadu/smtpd/logger"
	"github.com/migadu/smtpd/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// Authenticator is the backend being cached.
type Authenticator interface {
	Authenticate(ctx context.Context, address, password string) (int64, error)
}

// hashPassword keys entries so that the password itself is never held.
func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// cacheEntry is one address's last answer for one password.
type cacheEntry struct {
	accountID    int64
	passwordHash string
	err          error // ErrUserNotFound or ErrInvalidPassword for negative entries
	expiresAt    time.Time
}

// AuthCache wraps an Authenticator. Successful logins are kept for the
// positive TTL and wrong credentials for the negative TTL. Backend errors
// are never cached. An entry only answers for the exact password it was
// created with, so a typo does not lock out the next correct attempt.
type AuthCache struct {
	backend     Authenticator
	mu          sync.RWMutex
	entries     map[string]*cacheEntry
	positiveTTL time.Duration
	negativeTTL time.Duration
	maxSize     int
	group       singleflight.Group
	now         func() time.Time
}

// New creates a new authentication cache in front of backend.
func New(backend Authenticator, positiveTTL, negativeTTL time.Duration, maxSize int) *AuthCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	logger.Info("AuthCache: Initialized", "positive_ttl", positiveTTL, "negative_ttl", negativeTTL, "max_size", maxSize)
	return &AuthCache{
		backend:     backend,
		entries:     make(map[string]*cacheEntry),
		positiveTTL: positiveTTL,
		negativeTTL: negativeTTL,
		maxSize:     maxSize,
		now:         time.Now,
	}
}

func (c *AuthCache) Authenticate(ctx context.Context, address, password string) (int64, error) {
	pwHash := hashPassword(password)
	if id, err, ok := c.lookup(address, pwHash); ok {
		metrics.AuthCacheLookups.WithLabelValues("hit").Inc()
		return id, err
	}
	metrics.AuthCacheLookups.WithLabelValues("miss").Inc()

	// Concurrent attempts with the same credentials share one backend call.
	v, err, _ := c.group.Do(address+"\x00"+pwHash, func() (any, error) {
		id, err := c.backend.Authenticate(ctx, address, password)
		c.store(address, pwHash, id, err)
		return id, err
	})
	id, _ := v.(int64)
	return id, err
}

func (c *AuthCache) lookup(address, pwHash string) (int64, error, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[address]
	if !ok || c.now().After(entry.expiresAt) || entry.passwordHash != pwHash {
		return 0, nil, false
	}
	return entry.accountID, entry.err, true
}

func (c *AuthCache) store(address, pwHash string, accountID int64, err error) {
	ttl := c.positiveTTL
	if err != nil {
		if !errors.Is(err, consts.ErrUserNotFound) && !errors.Is(err, consts.ErrInvalidPassword) {
			return
		}
		ttl = c.negativeTTL
	}
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[address]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[address] = &cacheEntry{
		accountID:    accountID,
		passwordHash: pwHash,
		err:          err,
		expiresAt:    c.now().Add(ttl),
	}
	metrics.AuthCacheEntries.Set(float64(len(c.entries)))
}

// Invalidate removes a specific entry from the cache (e.g., after password change)
func (c *AuthCache) Invalidate(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, address)
	metrics.AuthCacheEntries.Set(float64(len(c.entries)))
}

// evictOldest removes the entry closest to expiry.
// Caller must hold the write lock
func (c *AuthCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, entry := range c.entries {
		if first || entry.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.expiresAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

// Cleanup removes expired entries.
func (c *AuthCache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		logger.Debug("AuthCache: Cleanup removed expired entries", "removed", removed, "remaining", len(c.entries))
		metrics.AuthCacheEntries.Set(float64(len(c.entries)))
	}
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (c *AuthCache) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Cleanup()
			}
		}
	}()
}

// Len returns the number of entries, expired ones included.
func (c *AuthCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
