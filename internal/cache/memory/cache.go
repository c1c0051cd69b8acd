package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/davidbz/promptgate/internal/cache"
	"github.com/davidbz/promptgate/internal/domain"
	"github.com/davidbz/promptgate/internal/observability"
)

const defaultCapacity = 10000

type entry struct {
	data      []byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// Cache is a bounded in-process response cache with per-entry expiry.
type Cache struct {
	entries *lru.Cache
	// mu serializes writes with expiry removals so a fresh entry is never
	// removed in place of the stale one it replaced.
	mu  sync.Mutex
	now func() time.Time
}

// NewCache creates a memory cache holding at most capacity entries.
func NewCache(capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	entries, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}

	return &Cache{
		entries: entries,
		now:     time.Now,
	}, nil
}

// SetClock replaces the time source.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Get returns the live entry for key or domain.ErrCacheMiss.
func (c *Cache) Get(_ context.Context, key string) (*domain.StandardizedResponse, error) {
	value, ok := c.entries.Get(key)
	if !ok {
		return nil, domain.ErrCacheMiss
	}

	e, ok := value.(*entry)
	if !ok {
		return nil, errors.New("unexpected cache entry type")
	}

	if e.expired(c.now()) {
		c.removeIfSame(key, e)
		return nil, domain.ErrCacheMiss
	}

	return cache.Decode(e.data)
}

// Put stores resp until ttl elapses.
func (c *Cache) Put(_ context.Context, key string, resp *domain.StandardizedResponse, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	data, err := cache.Encode(resp)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(key, &entry{data: data, expiresAt: c.now().Add(ttl)})

	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0

	for _, key := range c.entries.Keys() {
		value, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		e, ok := value.(*entry)
		if !ok || !e.expired(now) {
			continue
		}
		if c.removeIfSame(key, e) {
			removed++
		}
	}

	return removed
}

// Run sweeps expired entries every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	logger := observability.FromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				logger.Debug("swept expired cache entries",
					observability.Int("removed", removed),
					observability.Int("remaining", c.Len()))
			}
		}
	}
}

func (c *Cache) removeIfSame(key interface{}, stale *entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.entries.Peek(key)
	if !ok || current != stale {
		return false
	}
	return c.entries.Remove(key)
}
