// Package failsafe implements the Failures Cache: a time-bounded,
// exponential-backoff set membership test used to rate-limit retries against
// servers and devices that recently failed.
//
// A key enters the cache on MarkFailed and is considered failed until its
// backoff window elapses. Repeated failures before the window elapses double
// the backoff, up to MaxBackoff. A single Clear (recorded success) resets the
// key's attempt count entirely, so a device leaves the failure cache
// atomically with its successful session save.
package failsafe

import (
	"context"
	"math"
	"sync"
	"time"
)

// Cache is the set-membership contract the Olm session manager uses for both
// its server-level and device-level failure caches.
type Cache interface {
	// IsFailed reports whether key is currently within its backoff window.
	IsFailed(ctx context.Context, key string) (bool, error)
	// MarkFailed records a failure for key, extending its backoff window.
	MarkFailed(ctx context.Context, key string) error
	// Clear removes key from the cache, resetting its backoff state.
	Clear(ctx context.Context, key string) error
}

// Config bounds the exponential backoff applied on repeated failures.
type Config struct {
	// Initial is the backoff applied after the first failure.
	Initial time.Duration
	// Max caps the backoff regardless of how many consecutive failures occur.
	Max time.Duration
	// Multiplier is the factor applied to the backoff after each failure.
	// Zero defaults to 2.0.
	Multiplier float64
}

func (c Config) withDefaults() Config {
	if c.Initial <= 0 {
		c.Initial = time.Second
	}
	if c.Max <= 0 {
		c.Max = 5 * time.Minute
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	return c
}

func (c Config) backoff(attempt int) time.Duration {
	d := float64(c.Initial) * math.Pow(c.Multiplier, float64(attempt-1))
	if d > float64(c.Max) {
		d = float64(c.Max)
	}
	return time.Duration(d)
}

type memEntry struct {
	attempt     int
	failedUntil time.Time
}

// MemoryCache is an in-process Cache backed by a mutex-guarded map. It follows
// the "outer lock on a map, per-value work done outside the lock"
// discipline: the critical section only ever reads or writes the small
// memEntry value.
type MemoryCache struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*memEntry
}

// NewMemoryCache constructs an in-process Failures Cache.
func NewMemoryCache(cfg Config) *MemoryCache {
	return &MemoryCache{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*memEntry),
	}
}

// IsFailed reports whether key is currently within its backoff window.
func (c *MemoryCache) IsFailed(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return time.Now().Before(entry.failedUntil), nil
}

// MarkFailed records a failure for key, doubling its backoff window.
func (c *MemoryCache) MarkFailed(_ context.Context, key string) error {
	now := time.Now()
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		entry = &memEntry{}
		c.entries[key] = entry
	}
	entry.attempt++
	entry.failedUntil = now.Add(c.cfg.backoff(entry.attempt))
	c.mu.Unlock()
	return nil
}

// Clear removes key from the cache.
func (c *MemoryCache) Clear(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len reports how many keys currently have failure state recorded, including
// keys whose backoff window has already elapsed but have not been cleared.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
