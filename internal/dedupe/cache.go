// Package dedupe remembers recently seen message ids so platform retries
// are answered without running a second turn.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults for the inbound message cache.
const (
	DefaultTTL     = time.Hour
	DefaultMaxSize = 10000
)

type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache is a TTL and size bounded set of keys. Expired entries are
// removed by Sweep, which the scheduler calls periodically.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache. Non-positive arguments fall back to the defaults.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// MessageKey is the dedupe key for an inbound message id.
func MessageKey(msgID string) string {
	return "wecom_msg_" + msgID
}

// CheckAndMark reports whether key was already seen and marks it if not.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if entry, ok := c.seen[key]; ok && now.Sub(entry.timestamp) < c.ttl {
		return true
	}
	c.markLocked(key, now)
	return false
}

func (c *Cache) markLocked(key string, now time.Time) {
	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}
	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = &cacheEntry{timestamp: now, element: c.order.PushBack(key)}
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// Sweep drops expired keys and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for e := c.order.Front(); e != nil; {
		next := e.Next()
		key, _ := e.Value.(string)
		if now.Sub(c.seen[key].timestamp) < c.ttl {
			break
		}
		c.order.Remove(e)
		delete(c.seen, key)
		removed++
		e = next
	}
	return removed
}

// Len returns the number of tracked keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
