package dedup

import "sync"

// FIFOCache is a bounded set. When full it drops the oldest tenth of its
// entries in one pass, so eviction order is insertion order, not recency.
type FIFOCache struct {
	mu       sync.Mutex
	capacity int
	order    []string
	members  map[string]struct{}
}

func NewFIFOCache(capacity int) *FIFOCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &FIFOCache{capacity: capacity, members: make(map[string]struct{}, capacity)}
}

func (c *FIFOCache) Add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[id]; ok {
		return
	}
	if len(c.order) >= c.capacity {
		c.evictLocked()
	}
	c.order = append(c.order, id)
	c.members[id] = struct{}{}
}

func (c *FIFOCache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.members[id]
	return ok
}

func (c *FIFOCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

func (c *FIFOCache) Capacity() int { return c.capacity }

func (c *FIFOCache) evictLocked() {
	n := c.capacity / 10
	if n < 1 {
		n = 1
	}
	if n > len(c.order) {
		n = len(c.order)
	}
	for _, id := range c.order[:n] {
		delete(c.members, id)
	}
	c.order = append(c.order[:0:0], c.order[n:]...)
}
