package events

import (
	"sync"
	"time"
)

// latestCache is a bounded chat/thread -> latest event start cache in front
// of the chat_latest table. Mutating repository operations invalidate the
// touched scope so the next read refetches.
type latestCache struct {
	mu    sync.Mutex
	max   int
	items map[string]time.Time
	order []string
}

func newLatestCache(max int) *latestCache {
	if max <= 0 {
		max = 1024
	}
	return &latestCache{
		max:   max,
		items: make(map[string]time.Time, max),
	}
}

func scopeKey(chatID, threadID string) string {
	return chatID + "\x00" + threadID
}

func (c *latestCache) get(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *latestCache) put(key string, v time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		if len(c.order) >= c.max {
			// Evict the oldest inserted scope.
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.items, oldest)
		}
		c.order = append(c.order, key)
	}
	c.items[key] = v
}

func (c *latestCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		return
	}
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
