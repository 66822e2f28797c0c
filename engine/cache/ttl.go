package cache

import (
	"context"
	"sync"
	"time"

	"github.com/evanfang0054/knowledge-base-mcp/pkg/logger"
)

// Config holds TTL cache settings
type Config struct {
	// TTL applied by Set
	DefaultTTL time.Duration
	// Interval between background sweeps; zero disables the sweeper
	CleanupInterval time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		DefaultTTL:      time.Hour,
		CleanupInterval: 5 * time.Minute,
	}
}

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Cache is a string-keyed store whose entries expire after a TTL.
// There is no size bound and no eviction other than expiry.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[V]
	config  *Config
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
	log     logger.Logger
}

type Option[V any] func(*Cache[V])

// WithClock replaces time.Now, mostly for tests.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) {
		c.now = now
	}
}

// New creates a cache and starts its sweeper. Call Close to stop it.
func New[V any](ctx context.Context, config *Config, opts ...Option[V]) *Cache[V] {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Cache[V]{
		entries: make(map[string]*entry[V]),
		config:  config,
		now:     time.Now,
		done:    make(chan struct{}),
		log:     logger.FromContext(ctx),
	}
	for _, opt := range opts {
		opt(c)
	}
	if config.CleanupInterval > 0 {
		go c.cleanupLoop()
	}
	return c
}

// Set stores value with the default TTL, replacing any existing entry.
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.config.DefaultTTL)
}

func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	now := c.now()
	c.mu.Lock()
	c.entries[key] = &entry[V]{value: value, createdAt: now, expiresAt: now.Add(ttl)}
	c.mu.Unlock()
}

// Get returns the live value for key. A stale entry is removed on the way out.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	now := c.now()
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if !e.expired(now) {
		return e.value, true
	}
	c.mu.Lock()
	// Only drop the entry we saw; a concurrent Set may have replaced it.
	if cur, ok := c.entries[key]; ok && cur == e {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return zero, false
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry[V])
	c.mu.Unlock()
}

// Len counts stored entries, including stale ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep deletes every expired entry and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Close stops the background sweeper. It is safe to call more than once.
func (c *Cache[V]) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *Cache[V]) cleanupLoop() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				c.log.Debug("Swept expired cache entries", "removed", removed, "remaining", c.Len())
			}
		case <-c.done:
			return
		}
	}
}
