package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultCacheTTL  = 24 * time.Hour
	defaultCacheCap  = 1000
	literalKeyMaxLen = 128
	longKeyPrefixLen = 32
	prunePercent     = 20
)

type cacheEntry struct {
	vector    []float32
	createdAt time.Time
}

// Cache is the in-process embedding cache. Entries expire lazily on read
// after the TTL; when the entry count climbs past the cap, the oldest ~20%
// are removed in one sweep instead of per-insert eviction.
//
// The cache is constructed once per process and injected into the
// Embedder, so tests get a fresh instance each time.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	cap     int
	now     func() time.Time
}

type CacheStats struct {
	Size        int           `json:"size"`
	OldestEntry time.Time     `json:"oldest_entry"`
	NewestEntry time.Time     `json:"newest_entry"`
	AverageAge  time.Duration `json:"average_age"`
}

func NewCache(ttl time.Duration, capacity int) *Cache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if capacity <= 0 {
		capacity = defaultCacheCap
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		cap:     capacity,
		now:     time.Now,
	}
}

// CacheKey builds the deterministic lookup key for a (model, dimension,
// text) triple. Model and dimension are always part of the key so that a
// per-call override can never poison another model's entries. Short texts
// are keyed literally; long texts fall back to hash + length + prefix to
// bound key size while keeping collisions unlikely.
func CacheKey(model string, dims int, text string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = "unknown"
	}
	if len(text) <= literalKeyMaxLen {
		return fmt.Sprintf("%s:%d:%s", model, dims, text)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%s:%d:%x:%d:%s", model, dims, h.Sum64(), len(text), text[:longKeyPrefixLen])
}

func (c *Cache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.createdAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return cloneVector(entry.vector), true
}

func (c *Cache) Put(key string, vector []float32) {
	if len(vector) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{vector: cloneVector(vector), createdAt: c.now()}
	if len(c.entries) > c.cap {
		c.pruneLocked()
	}
}

// pruneLocked drops the oldest prunePercent of entries in one pass.
func (c *Cache) pruneLocked() {
	type aged struct {
		key       string
		createdAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, entry := range c.entries {
		all = append(all, aged{key: key, createdAt: entry.createdAt})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].createdAt.Before(all[j].createdAt)
	})
	drop := len(all) * prunePercent / 100
	if drop < 1 {
		drop = 1
	}
	for _, item := range all[:drop] {
		delete(c.entries, item.key)
	}
}

// Clear removes everything and returns how many entries were dropped.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := len(c.entries)
	c.entries = make(map[string]cacheEntry)
	return count
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := CacheStats{Size: len(c.entries)}
	if stats.Size == 0 {
		return stats
	}
	now := c.now()
	var totalAge time.Duration
	for _, entry := range c.entries {
		if stats.OldestEntry.IsZero() || entry.createdAt.Before(stats.OldestEntry) {
			stats.OldestEntry = entry.createdAt
		}
		if entry.createdAt.After(stats.NewestEntry) {
			stats.NewestEntry = entry.createdAt
		}
		totalAge += now.Sub(entry.createdAt)
	}
	stats.AverageAge = totalAge / time.Duration(stats.Size)
	return stats
}

// ContentHash is the stable identity of a text used by the persistent
// cache layer, where raw text must not be stored.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func cloneVector(values []float32) []float32 {
	if len(values) == 0 {
		return nil
	}
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}
