package memory

import (
	"container/list"
	"sync"
	"time"
)

// lruCache is the optional bounded cache of decrypted entries. Invalidated
// on put/delete of the cached key, per spec.md §4.B.
type lruCache struct {
	mu       sync.Mutex
	maxLen   int
	ttl      time.Duration
	ll       *list.List
	items    map[string]*list.Element
}

type cacheItem struct {
	key     string
	entry   Entry
	stored  time.Time
}

func newLRUCache(maxLen int, ttl time.Duration) *lruCache {
	if maxLen <= 0 {
		maxLen = 1
	}
	return &lruCache{
		maxLen: maxLen,
		ttl:    ttl,
		ll:     list.New(),
		items:  make(map[string]*list.Element),
	}
}

func (c *lruCache) get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	item := el.Value.(*cacheItem)
	if c.ttl > 0 && time.Since(item.stored) > c.ttl {
		c.ll.Remove(el)
		delete(c.items, key)
		return Entry{}, false
	}
	c.ll.MoveToFront(el)
	return item.entry, true
}

func (c *lruCache) put(key string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheItem).entry = entry
		el.Value.(*cacheItem).stored = time.Now()
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheItem{key: key, entry: entry, stored: time.Now()})
	c.items[key] = el
	for c.ll.Len() > c.maxLen {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheItem).key)
	}
}

func (c *lruCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}
