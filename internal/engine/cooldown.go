package engine

import (
	"sync"
	"time"
)

// Cooldown rate-limits repeated reports for the same key.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time)}
}

func cooldownKey(clientID, storeID string) string {
	return clientID + "|" + storeID
}

// Allow reports whether clientID may report storeID at now, and records the
// attempt when it may.
func (c *Cooldown) Allow(clientID, storeID string, now time.Time, cooldown time.Duration) bool {
	if clientID == "" {
		return true
	}
	return c.AllowKey(cooldownKey(clientID, storeID), now, cooldown)
}

func (c *Cooldown) AllowKey(key string, now time.Time, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok {
		if now.Sub(ts) < cooldown {
			return false
		}
	}
	c.last[key] = now
	if len(c.last) > 10000 {
		c.compact(now, cooldown)
	}
	return true
}

// Release forgets an attempt that did not result in a stored report.
func (c *Cooldown) Release(clientID, storeID string, at time.Time) {
	key := cooldownKey(clientID, storeID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok && ts.Equal(at) {
		delete(c.last, key)
	}
}

// Remaining is how long clientID still has to wait before reporting storeID.
func (c *Cooldown) Remaining(clientID, storeID string, now time.Time, cooldown time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.last[cooldownKey(clientID, storeID)]
	if !ok {
		return 0
	}
	if left := cooldown - now.Sub(ts); left > 0 {
		return left
	}
	return 0
}

func (c *Cooldown) compact(now time.Time, cooldown time.Duration) {
	for k, ts := range c.last {
		if now.Sub(ts) >= cooldown {
			delete(c.last, k)
		}
	}
}

func (c *Cooldown) Clear() {
	c.mu.Lock()
	c.last = make(map[string]time.Time)
	c.mu.Unlock()
}
