package engine

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// Cache keeps loaded sessions alive for a short window after their last use.
// Repeated calls against the same model reuse one session instead of paying
// the load cost every time; idle sessions are closed by the maintenance
// sweep. Sessions are checked out with a reference count, so eviction and
// invalidation never close a session a caller is still running on.
type Cache struct {
	logger arbor.ILogger
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	sess     Session
	lastUsed time.Time
	refs     int
	doomed   bool
}

// NewCache builds a session cache with the given idle TTL
func NewCache(logger arbor.ILogger, ttl time.Duration) *Cache {
	return &Cache{
		logger:  logger,
		ttl:     ttl,
		entries: make(map[string]*cacheEntry),
	}
}

// Get checks out a live session for the keyed model, loading it through the
// engine on a miss. The key must be unique per model file; callers use the
// model's install path. Call release exactly once when done with the session.
func (c *Cache) Get(ctx context.Context, eng Engine, key, path string) (sess Session, release func(), err error) {
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		entry.refs++
		entry.lastUsed = time.Now()
		c.mu.Unlock()
		return entry.sess, c.releaseFunc(entry, key), nil
	}
	c.mu.Unlock()

	// Load outside the lock: model files can be large and a slow load must
	// not block unrelated cache hits.
	loaded, err := eng.Load(ctx, path)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		// Lost the race; keep the first session
		entry.refs++
		entry.lastUsed = time.Now()
		loaded.Close()
		return entry.sess, c.releaseFunc(entry, key), nil
	}
	entry := &cacheEntry{sess: loaded, lastUsed: time.Now(), refs: 1}
	c.entries[key] = entry
	c.logger.Debug().Str("model", key).Msg("Model session loaded")
	return loaded, c.releaseFunc(entry, key), nil
}

// releaseFunc returns the checkout's release. A doomed entry closes on its
// last release.
func (c *Cache) releaseFunc(entry *cacheEntry, key string) func() {
	return func() {
		c.mu.Lock()
		entry.refs--
		entry.lastUsed = time.Now()
		closeNow := entry.doomed && entry.refs == 0
		c.mu.Unlock()

		if closeNow {
			if err := entry.sess.Close(); err != nil {
				c.logger.Warn().Err(err).Str("model", key).Msg("Failed to close model session")
			}
		}
	}
}

// Evict closes sessions idle longer than the TTL and returns how many were
// dropped. Checked-out sessions are never idle and stay put.
func (c *Cache) Evict(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, entry := range c.entries {
		if entry.refs > 0 || now.Sub(entry.lastUsed) < c.ttl {
			continue
		}
		if err := entry.sess.Close(); err != nil {
			c.logger.Warn().Err(err).Str("model", key).Msg("Failed to close model session")
		}
		delete(c.entries, key)
		evicted++
	}
	if evicted > 0 {
		c.logger.Debug().Int("count", evicted).Msg("Evicted idle model sessions")
	}
	return evicted
}

// Invalidate drops one model's session immediately, for package uninstall.
// A session still checked out closes once its last holder releases it; new
// Gets for the key load fresh.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	if entry.refs > 0 {
		entry.doomed = true
		return
	}
	entry.sess.Close()
}

// Close drops every cached session. Checked-out sessions close on release.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		delete(c.entries, key)
		if entry.refs > 0 {
			entry.doomed = true
			continue
		}
		entry.sess.Close()
	}
}

// Len reports how many sessions are currently cached
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
