package worker

import "sync"

// runIDCache remembers the most recent run ids, evicting the oldest first.
type runIDCache struct {
	mu    sync.Mutex
	size  int
	seen  map[string]struct{}
	order []string
	next  int
}

func newRunIDCache(size int) *runIDCache {
	if size < 1 {
		size = 1
	}
	return &runIDCache{
		size:  size,
		seen:  make(map[string]struct{}, size),
		order: make([]string, 0, size),
	}
}

// Add records id and reports whether it was new.
func (c *runIDCache) Add(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[id]; ok {
		return false
	}
	if len(c.order) < c.size {
		c.order = append(c.order, id)
	} else {
		delete(c.seen, c.order[c.next])
		c.order[c.next] = id
		c.next = (c.next + 1) % c.size
	}
	c.seen[id] = struct{}{}
	return true
}

// Forget drops id so a redelivery of it is processed again.
func (c *runIDCache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, id)
}
