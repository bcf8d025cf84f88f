package detect

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultCacheTTL is how long a detection result stays fresh.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultCacheEntries bounds the number of cached repository roots.
	DefaultCacheEntries = 1000

	maxShards = 16
)

// Entry is a cached detection result for one repository root.
type Entry struct {
	Root       string    `json:"-"`
	FragmentID string    `json:"fragment"`
	Timestamp  time.Time `json:"timestamp"`
}

// Cache memoizes detection results by repository root with a TTL and an LRU
// bound. Keys are spread over independent shards so that detections for
// different roots rarely contend.
type Cache struct {
	shards   []*lru.Cache[string, Entry]
	ttl      time.Duration
	capacity int
	now      func() time.Time

	mu      sync.RWMutex
	metrics *Metrics

	// gen counts invalidations. Writers holding genMu for reading may store
	// results computed at the current generation; invalidations hold it
	// exclusively.
	gen   atomic.Uint64
	genMu sync.RWMutex
}

// NewCache creates a cache. Non-positive arguments select the defaults.
func NewCache(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}

	n := maxShards
	if maxEntries < n {
		n = maxEntries
	}
	c := &Cache{
		shards:   make([]*lru.Cache[string, Entry], n),
		ttl:      ttl,
		capacity: maxEntries,
		now:      time.Now,
	}
	base, extra := maxEntries/n, maxEntries%n
	for i := range c.shards {
		size := base
		if i < extra {
			size++
		}
		shard, err := lru.New[string, Entry](size)
		if err != nil {
			// Only returned for a non-positive size, which cannot happen here.
			panic(err)
		}
		c.shards[i] = shard
	}
	return c
}

// SetMetrics attaches metrics. Optional.
func (c *Cache) SetMetrics(m *Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// SetClock replaces the time source, for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func (c *Cache) clock() (time.Time, *Metrics) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now(), c.metrics
}

func (c *Cache) shard(root string) *lru.Cache[string, Entry] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(root))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns the fresh entry for root. A stale entry is removed and
// reported as a miss.
func (c *Cache) Get(root string) (Entry, bool) {
	now, metrics := c.clock()
	s := c.shard(root)

	e, ok := s.Get(root)
	if !ok {
		metrics.recordCacheMiss()
		return Entry{}, false
	}
	if c.stale(e, now) {
		s.Remove(root)
		metrics.recordCacheMiss()
		return Entry{}, false
	}
	metrics.recordCacheHit()
	return e, true
}

// Set records fragmentID as the detection result for root.
func (c *Cache) Set(root, fragmentID string) Entry {
	now, metrics := c.clock()
	e := Entry{Root: root, FragmentID: fragmentID, Timestamp: now}
	if evicted := c.shard(root).Add(root, e); evicted {
		metrics.recordEviction()
	}
	return e
}

// Generation returns the invalidation counter. Capture it before computing a
// result and pass it to SetAt.
func (c *Cache) Generation() uint64 {
	return c.gen.Load()
}

// SetAt records fragmentID for root only if no invalidation happened since
// gen was read. It reports whether the entry was stored.
func (c *Cache) SetAt(gen uint64, root, fragmentID string) bool {
	c.genMu.RLock()
	defer c.genMu.RUnlock()
	if c.gen.Load() != gen {
		return false
	}
	c.Set(root, fragmentID)
	return true
}

func (c *Cache) invalidating() func() {
	c.genMu.Lock()
	c.gen.Add(1)
	return c.genMu.Unlock
}

// Invalidate removes the entry for root.
func (c *Cache) Invalidate(root string) {
	defer c.invalidating()()
	c.shard(root).Remove(root)
}

// InvalidateFragment removes every entry pointing at id and returns how many
// were removed.
func (c *Cache) InvalidateFragment(id string) int {
	defer c.invalidating()()
	removed := 0
	for _, s := range c.shards {
		for _, root := range s.Keys() {
			if e, ok := s.Peek(root); ok && e.FragmentID == id {
				if s.Remove(root) {
					removed++
				}
			}
		}
	}
	return removed
}

// Purge empties the cache.
func (c *Cache) Purge() {
	defer c.invalidating()()
	for _, s := range c.shards {
		s.Purge()
	}
}

// Len returns the number of entries, including stale ones not yet removed.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		n += s.Len()
	}
	return n
}

// Capacity returns the maximum number of entries.
func (c *Cache) Capacity() int {
	return c.capacity
}

func (c *Cache) stale(e Entry, now time.Time) bool {
	return now.Sub(e.Timestamp) >= c.ttl
}

// Save writes the fresh entries to path as a JSON object keyed by root. The
// file is replaced atomically.
func (c *Cache) Save(path string) error {
	now, _ := c.clock()
	doc := map[string]Entry{}
	for _, s := range c.shards {
		for _, root := range s.Keys() {
			if e, ok := s.Peek(root); ok && !c.stale(e, now) {
				doc[root] = e
			}
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode detection cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write detection cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace detection cache: %w", err)
	}
	return nil
}

// Load merges the entries stored at path into the cache and returns how many
// fresh entries were restored. A missing file restores nothing. Unreadable or
// corrupt data leaves the cache empty and is returned as an error for the
// caller to log; it is never fatal to detection.
func (c *Cache) Load(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read detection cache: %w", err)
	}

	var doc map[string]Entry
	if err := json.Unmarshal(data, &doc); err != nil {
		c.Purge()
		return 0, fmt.Errorf("decode detection cache: %w", err)
	}

	now, _ := c.clock()
	restored := 0
	for root, e := range doc {
		if root == "" || e.FragmentID == "" || c.stale(e, now) || e.Timestamp.After(now) {
			continue
		}
		e.Root = root
		c.shard(root).Add(root, e)
		restored++
	}
	return restored, nil
}
