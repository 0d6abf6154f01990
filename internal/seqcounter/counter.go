// Package seqcounter assigns the per-message sequence numbers QQ's passive
// reply API requires, bounded by an LRU so a long-lived process never grows
// the tracking set without limit.
package seqcounter

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCapacity = 1000

// Counter hands out an increasing per-message sequence number, one counter
// per inbound message id. Only the last defaultCapacity message ids are
// tracked; eviction just means the next passive reply to a long-forgotten
// message restarts its sequence at base+1, which QQ accepts.
type Counter struct {
	mu    sync.Mutex
	cache *lru.Cache[string, int]
	// base reduces collisions across process restarts: sequence numbers from
	// a previous run for the same message id will not be reused verbatim.
	base int
}

// New builds a Counter with room for capacity message ids; capacity<=0 uses
// the default of 1000.
func New(capacity int) *Counter {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	cache, err := lru.New[string, int](capacity)
	if err != nil {
		// Only returns an error for a non-positive size, already guarded above.
		panic(err)
	}
	return &Counter{
		cache: cache,
		base:  int(time.Now().Unix() % 1e8),
	}
}

// Next returns the next sequence number for messageID, starting at base+1.
func (c *Counter) Next(messageID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq, ok := c.cache.Get(messageID)
	if !ok {
		seq = c.base
	}
	seq++
	c.cache.Add(messageID, seq)
	return seq
}

// Len reports how many message ids are currently tracked, for tests and
// diagnostics.
func (c *Counter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
