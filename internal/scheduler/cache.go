package scheduler

import (
	"sync"

	"signalbell/internal/schedule"
)

// fireCache remembers which schedules already fired in the current minute.
// Entries are never evicted one by one; the whole set is dropped when the
// sampled (hour, minute) moves.
type fireCache struct {
	mu     sync.Mutex
	keys   map[schedule.Key]struct{}
	hour   int
	minute int
	primed bool
}

func newFireCache() *fireCache {
	return &fireCache{keys: map[schedule.Key]struct{}{}}
}

// roll records the current minute and clears the cache if it differs from the
// previous one. It reports whether a clear happened.
func (c *fireCache) roll(hour, minute int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primed && c.hour == hour && c.minute == minute {
		return false
	}
	changed := c.primed
	c.hour, c.minute, c.primed = hour, minute, true
	if changed && len(c.keys) > 0 {
		clear(c.keys)
		return true
	}
	return false
}

// claim inserts k and reports whether it was absent.
func (c *fireCache) claim(k schedule.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.keys[k]; ok {
		return false
	}
	c.keys[k] = struct{}{}
	return true
}

func (c *fireCache) reset() {
	c.mu.Lock()
	clear(c.keys)
	c.primed = false
	c.mu.Unlock()
}

func (c *fireCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}
