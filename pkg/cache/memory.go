package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryCache is a process-local TTL cache implementing Service. Used as
// the fallback when Redis is not configured.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	maxSize int
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryCache creates an in-memory cache with a background sweep.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	cfg := &MemoryConfig{
		MaxSize:         1024,
		CleanupInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	c := &MemoryCache{
		entries: make(map[string]*memoryEntry),
		maxSize: cfg.MaxSize,
		stopCh:  make(chan struct{}),
	}

	go c.sweep(cfg.CleanupInterval)
	return c
}

func (c *MemoryCache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for k, e := range c.entries {
				if e.expired(now) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *MemoryCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		var err error
		data, err = json.Marshal(value)
		if err != nil {
			return err
		}
	}

	var expiresAt time.Time
	if expiration > 0 {
		expiresAt = time.Now().Add(expiration)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		// Evict one expired entry if any; otherwise an arbitrary one.
		now := time.Now()
		evicted := false
		for k, e := range c.entries {
			if e.expired(now) {
				delete(c.entries, k)
				evicted = true
				break
			}
		}
		if !evicted {
			for k := range c.entries {
				delete(c.entries, k)
				break
			}
		}
	}
	c.entries[key] = &memoryEntry{data: data, expiresAt: expiresAt}
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || e.expired(time.Now()) {
		return ErrCacheMiss
	}

	if strPtr, ok := dest.(*string); ok {
		*strPtr = string(e.data)
		return nil
	}
	return json.Unmarshal(e.data, dest)
}

func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

// Close stops the background sweep.
func (c *MemoryCache) Close() error {
	c.once.Do(func() { close(c.stopCh) })
	return nil
}
