// Package condcache remembers per-URL conditional validators (ETag /
// Last-Modified) and the bodies needed to synthesize 304 responses, in a
// bounded LRU keyed by normalized URL.
package condcache

import (
	"container/list"
	"sync"
)

// DefaultCapacity bounds the cache when no capacity is configured.
const DefaultCapacity = 2000

// Validators are the conditional request headers recorded from a response.
type Validators struct {
	ETag         string
	LastModified string
}

// Entry is the cached state for one normalized URL.
type Entry struct {
	Validators  Validators
	Body        string
	ContentType string
	StatusCode  int
}

type node struct {
	key   string
	entry Entry
}

// Cache is a concurrency-safe LRU. Both Get and Put promote the touched
// entry to most-recently-used; Put evicts oldest entries until the table
// is back under capacity.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

// New builds a Cache with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// Get returns the entry for the URL, promoting it to most-recently-used.
// URLs that fail normalization are never cached.
func (c *Cache) Get(rawURL string) (Entry, bool) {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return Entry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*node).entry, true
}

// Put stores or overwrites the entry for the URL and promotes it, then
// evicts least-recently-used entries while over capacity.
func (c *Cache) Put(rawURL string, entry Entry) {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*node).entry = entry
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&node{key: key, entry: entry})
	for len(c.items) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*node).key)
	}
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
