package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"crowdease/internal/model"
)

// DedupeCache remembers recently seen submissions so that redelivered
// messages are stored once.
type DedupeCache struct {
	mu    sync.Mutex
	items map[string]time.Time
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[string]time.Time)}
}

func (d *DedupeCache) Seen(key string, now time.Time, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok {
		if now.Sub(ts) <= ttl {
			return true
		}
	}
	d.items[key] = now
	if len(d.items) > 10000 {
		d.compact(now, ttl)
	}
	return false
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, ts := range d.items {
		if now.Sub(ts) > ttl {
			delete(d.items, k)
		}
	}
}

// Forget drops key so a submission that was never stored can be retried.
func (d *DedupeCache) Forget(key string) {
	d.mu.Lock()
	delete(d.items, key)
	d.mu.Unlock()
}

func hashReport(clientID string, r model.CrowdReport) string {
	parts := []string{
		clientID,
		r.StoreID,
		r.Level.String(),
		r.Channel,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}

func (d *DedupeCache) Clear() {
	d.mu.Lock()
	d.items = make(map[string]time.Time)
	d.mu.Unlock()
}
