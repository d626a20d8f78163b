package fallback

import (
	"strings"
	"sync"
	"time"
)

// ResponseURLTTL is how long a response URL stays usable after receipt.
const ResponseURLTTL = 3600 * time.Second

type responseURL struct {
	url        string
	msgID      string
	receivedAt time.Time
	expiresAt  time.Time
}

// ResponseURL is one usable entry handed out by Take.
type ResponseURL struct {
	URL   string
	MsgID string
	Age   time.Duration
}

// ResponseURLCache keeps the most recent response URLs per scope. Each
// entry is handed out at most once.
type ResponseURLCache struct {
	mu       sync.Mutex
	scopes   map[string][]responseURL
	perScope int
	ttl      time.Duration
	now      func() time.Time
}

// NewResponseURLCache keeps up to perScope entries per scope.
func NewResponseURLCache(perScope int, ttl time.Duration) *ResponseURLCache {
	if perScope < 1 {
		perScope = 1
	}
	if ttl <= 0 {
		ttl = ResponseURLTTL
	}
	return &ResponseURLCache{
		scopes:   map[string][]responseURL{},
		perScope: perScope,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Remember queues url for scope, dropping the oldest entry past the cap.
func (c *ResponseURLCache) Remember(scope, msgID, url string) {
	url = strings.TrimSpace(url)
	if url == "" {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := append(c.scopes[scope], responseURL{
		url:        url,
		msgID:      msgID,
		receivedAt: now,
		expiresAt:  now.Add(c.ttl),
	})
	if over := len(queue) - c.perScope; over > 0 {
		queue = append([]responseURL(nil), queue[over:]...)
	}
	c.scopes[scope] = queue
}

// Take removes and returns the unexpired entry closest to expiry.
func (c *ResponseURLCache) Take(scope string) (ResponseURL, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := live(c.scopes[scope], now)
	if len(queue) == 0 {
		delete(c.scopes, scope)
		return ResponseURL{}, false
	}
	idx := 0
	for i := 1; i < len(queue); i++ {
		if queue[i].expiresAt.Before(queue[idx].expiresAt) {
			idx = i
		}
	}
	entry := queue[idx]
	queue = append(queue[:idx], queue[idx+1:]...)
	if len(queue) == 0 {
		delete(c.scopes, scope)
	} else {
		c.scopes[scope] = queue
	}
	return ResponseURL{URL: entry.url, MsgID: entry.msgID, Age: now.Sub(entry.receivedAt)}, true
}

// Len returns the number of unexpired entries for scope.
func (c *ResponseURLCache) Len(scope string) int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(live(c.scopes[scope], now))
}

// Purge drops expired entries everywhere and returns how many were removed.
func (c *ResponseURLCache) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for scope, queue := range c.scopes {
		kept := live(queue, now)
		removed += len(queue) - len(kept)
		if len(kept) == 0 {
			delete(c.scopes, scope)
		} else {
			c.scopes[scope] = kept
		}
	}
	return removed
}

func live(queue []responseURL, now time.Time) []responseURL {
	kept := queue[:0:0]
	for _, e := range queue {
		if e.expiresAt.After(now) {
			kept = append(kept, e)
		}
	}
	return kept
}
