package cachestore

import (
	"strings"
	"sync"
)

// ramCache is a byte-bounded LRU of decoded entries sitting in front of the
// disk tier. Everything in it is also on disk, so eviction just drops items.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

type ramItem struct {
	key  string
	ent  Entry
	size int64
	prev *ramItem
	next *ramItem
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Put(key string, ent Entry, size int64) {
	if c.maxBytes <= 0 || size > c.maxBytes {
		c.Delete(key)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total += size - it.size
		it.ent = ent
		it.size = size
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, ent: ent, size: size}
		c.items[key] = it
		c.addToFront(it)
		c.total += size
	}
	for c.total > c.maxBytes && c.tail != nil {
		c.evictLocked(c.tail)
	}
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.evictLocked(it)
	}
}

// DeletePrefix drops every key starting with prefix.
func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.evictLocked(it)
		}
	}
}

func (c *ramCache) evictLocked(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
