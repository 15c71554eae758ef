package mandate

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// bodyCache is a short-lived LRU of fetched mandate bodies keyed by URL.
// It stores bytes only; integrity is recomputed by the caller on every use.
type bodyCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	accessList []string // LRU tracking: most recent at end
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

type cacheEntry struct {
	body      []byte
	expiresAt time.Time
}

func newBodyCache(ttl time.Duration, maxEntries int, now func() time.Time) *bodyCache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	if now == nil {
		now = time.Now
	}
	return &bodyCache{
		entries:    make(map[string]*cacheEntry),
		accessList: make([]string, 0, maxEntries),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        now,
	}
}

func (c *bodyCache) get(url string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[url]
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.After(c.now()) {
		c.removeLocked(url)
		return nil, false
	}
	c.recordAccessLocked(url)
	return entry.body, true
}

func (c *bodyCache) put(url string, body []byte, resp *http.Response) {
	ttl := c.ttlFor(resp)
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[url]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[url] = &cacheEntry{body: body, expiresAt: c.now().Add(ttl)}
	c.recordAccessLocked(url)
}

// ttlFor caps the configured TTL by the response's own freshness.
// Priority: no-store/no-cache, then max-age, then Expires.
func (c *bodyCache) ttlFor(resp *http.Response) time.Duration {
	ttl := c.ttl
	cc := resp.Header.Get("Cache-Control")
	for _, directive := range strings.Split(cc, ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		switch {
		case directive == "no-store" || directive == "no-cache":
			return 0
		case strings.HasPrefix(directive, "max-age="):
			if seconds, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age=")); err == nil && seconds >= 0 {
				if d := time.Duration(seconds) * time.Second; d < ttl {
					ttl = d
				}
				return ttl
			}
		}
	}

	if expires := resp.Header.Get("Expires"); expires != "" {
		if t, err := http.ParseTime(expires); err == nil {
			if d := t.Sub(c.now()); d < ttl {
				ttl = d
			}
		}
	}
	return ttl
}

func (c *bodyCache) recordAccessLocked(url string) {
	for i, u := range c.accessList {
		if u == url {
			c.accessList = append(c.accessList[:i], c.accessList[i+1:]...)
			break
		}
	}
	c.accessList = append(c.accessList, url)
}

func (c *bodyCache) removeLocked(url string) {
	delete(c.entries, url)
	for i, u := range c.accessList {
		if u == url {
			c.accessList = append(c.accessList[:i], c.accessList[i+1:]...)
			break
		}
	}
}

func (c *bodyCache) evictOldestLocked() {
	if len(c.accessList) == 0 {
		return
	}
	oldest := c.accessList[0]
	c.accessList = c.accessList[1:]
	delete(c.entries, oldest)
}
