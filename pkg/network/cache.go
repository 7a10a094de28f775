package network

import (
	"context"
	"sync"

	"replidb/pkg/types"
)

// Cached keeps recently used blocks of an underlying Network in an LRU.
// Blocks are immutable, so cached entries never go stale.
type Cached struct {
	inner Network

	mu       sync.Mutex
	capacity int
	items    map[types.Fingerprint]*cacheItem
	head     *cacheItem
	tail     *cacheItem
}

type cacheItem struct {
	key   types.Fingerprint
	value []byte
	prev  *cacheItem
	next  *cacheItem
}

func NewCached(inner Network, capacity int) *Cached {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cached{
		inner:    inner,
		capacity: capacity,
		items:    make(map[types.Fingerprint]*cacheItem),
	}
}

func (c *Cached) Put(ctx context.Context, data []byte) (types.Fingerprint, error) {
	fp, err := c.inner.Put(ctx, data)
	if err != nil {
		return "", err
	}
	c.set(fp, data)
	return fp, nil
}

func (c *Cached) Get(ctx context.Context, fp types.Fingerprint) ([]byte, error) {
	if data, ok := c.get(fp); ok {
		return data, nil
	}

	data, err := c.inner.Get(ctx, fp)
	if err != nil {
		return nil, err
	}
	c.set(fp, data)
	return data, nil
}

// Len returns the number of cached blocks.
func (c *Cached) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cached) get(key types.Fingerprint) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, found := c.items[key]
	if !found {
		return nil, false
	}
	c.moveToHead(item)
	return item.value, true
}

func (c *Cached) set(key types.Fingerprint, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, found := c.items[key]; found {
		c.moveToHead(item)
		return
	}

	item := &cacheItem{key: key, value: value}
	c.addToHead(item)
	c.items[key] = item

	if len(c.items) > c.capacity {
		c.evictLRU()
	}
}

func (c *Cached) moveToHead(item *cacheItem) {
	if item == c.head {
		return
	}

	if item.prev != nil {
		item.prev.next = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	}
	if item == c.tail {
		c.tail = item.prev
	}

	c.addToHead(item)
}

func (c *Cached) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = c.head

	if c.head != nil {
		c.head.prev = item
	}
	c.head = item

	if c.tail == nil {
		c.tail = item
	}
}

func (c *Cached) evictLRU() {
	if c.tail == nil {
		return
	}

	delete(c.items, c.tail.key)

	if c.tail.prev != nil {
		c.tail.prev.next = nil
	} else {
		c.head = nil
	}
	c.tail = c.tail.prev
}
