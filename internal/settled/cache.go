// ABOUTME: Bounded TTL cache of recently settled task ids and how they settled.
// ABOUTME: Lets the correlator tell late results apart from results for unknown tasks.

package settled

import (
	"container/list"
	"sync"
	"time"
)

// entry records when a task settled and with which outcome.
type entry struct {
	at      time.Time
	outcome string
	element *list.Element
}

// Cache holds task ids that left the pending map recently. Insertion order is
// kept in a list so the oldest id is evicted first when the cache is full.
type Cache struct {
	mu      sync.Mutex
	tasks   map[string]*entry
	order   *list.List
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its sweeper. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		tasks:   make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Mark records that taskID settled with the given outcome.
func (c *Cache) Mark(taskID, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.tasks[taskID]; ok {
		e.at = now
		e.outcome = outcome
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.tasks) >= c.maxSize {
		c.evictOldest()
	}

	c.tasks[taskID] = &entry{
		at:      now,
		outcome: outcome,
		element: c.order.PushBack(taskID),
	}
}

// Lookup reports how taskID settled, if it settled within the TTL.
func (c *Cache) Lookup(taskID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.tasks[taskID]
	if !ok || time.Since(e.at) >= c.ttl {
		return "", false
	}
	return e.outcome, true
}

// Len returns the number of ids currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.tasks, id)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, e := range c.tasks {
		if now.Sub(e.at) >= c.ttl {
			c.order.Remove(e.element)
			delete(c.tasks, id)
		}
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
