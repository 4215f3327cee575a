package idempotency

import (
	"sync"
	"time"

	"github.com/FlowForge/flowforge-core/pkg/models"
)

// DefaultCacheCapacity bounds the in-process record cache. When the
// cache is full, the oldest-inserted entry is evicted first.
const DefaultCacheCapacity = 100

// recordCache is a bounded, insertion-ordered cache of idempotency
// records. It is safe for concurrent use. Eviction is oldest-inserted
// first; TTL expiry is checked lazily on read.
type recordCache struct {
	mu       sync.Mutex
	capacity int
	records  map[string]*models.IdempotencyRecord
	order    []string
}

func newRecordCache(capacity int) *recordCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &recordCache{
		capacity: capacity,
		records:  make(map[string]*models.IdempotencyRecord, capacity),
	}
}

// get returns the cached record for key, evicting and reporting nil if
// the record has expired at now.
func (c *recordCache) get(key string, now time.Time) *models.IdempotencyRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[key]
	if !ok {
		return nil
	}
	if rec.Expired(now) {
		c.removeLocked(key)
		return nil
	}
	return rec
}

// put inserts or replaces the record for rec.Key, evicting the
// oldest-inserted entry if the cache is at capacity. Replacing an
// existing key does not change its insertion position.
func (c *recordCache) put(rec *models.IdempotencyRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.records[rec.Key]; exists {
		c.records[rec.Key] = rec
		return
	}

	if len(c.records) >= c.capacity && len(c.order) > 0 {
		c.removeLocked(c.order[0])
	}

	c.records[rec.Key] = rec
	c.order = append(c.order, rec.Key)
}

// remove evicts the record for key if present.
func (c *recordCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// removeExpired evicts every record expired at now and returns how many
// were evicted.
func (c *recordCache) removeExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []string
	for key, rec := range c.records {
		if rec.Expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.removeLocked(key)
	}
	return len(expired)
}

// len returns the current number of cached records.
func (c *recordCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *recordCache) removeLocked(key string) {
	if _, ok := c.records[key]; !ok {
		return
	}
	delete(c.records, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
